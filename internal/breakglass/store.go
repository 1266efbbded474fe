package breakglass

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sys/unix"

	"github.com/ppiankov/tiergate/internal/alert"
	"github.com/ppiankov/tiergate/internal/audit"
	"github.com/ppiankov/tiergate/internal/logging"
	"github.com/ppiankov/tiergate/internal/tier"
)

// validID matches alphanumeric, dash characters only (bg-<hex>).
var validID = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)

// validateID rejects IDs that could cause path traversal.
func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("id must not be empty")
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("id must not contain '..'")
	}
	if !validID.MatchString(id) {
		return fmt.Errorf("id contains invalid characters")
	}
	return nil
}

const (
	// DefaultTTL is applied when a request leaves TTL unset.
	DefaultTTL = 10 * time.Minute
	// MaxTTL is the largest window an operator may request.
	MaxTTL = 1 * time.Hour
)

// Options configures a Manager.
type Options struct {
	MaxTTL     time.Duration
	DefaultTTL time.Duration
	Audit      audit.Sink
	Alerts     *alert.Dispatcher
	Logger     *slog.Logger
}

// Manager creates, tracks, and expires breakglass sessions. Sessions are
// JSON files, one per id, written atomically. State transitions take an
// exclusive flock on the directory so concurrent processes cannot
// overwrite each other's transitions.
type Manager struct {
	dir    string
	opts   Options
	logger *slog.Logger
	now    func() time.Time
	mu     sync.Mutex
}

// NewManager creates a Manager backed by the given directory.
func NewManager(dir string, opts Options) (*Manager, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("cannot create breakglass directory: %w", err)
	}
	if opts.MaxTTL <= 0 || opts.MaxTTL > MaxTTL {
		opts.MaxTTL = MaxTTL
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.DefaultTTL > opts.MaxTTL {
		opts.DefaultTTL = opts.MaxTTL
	}
	if opts.Audit == nil {
		return nil, fmt.Errorf("breakglass: audit sink is required")
	}
	return &Manager{
		dir:    dir,
		opts:   opts,
		logger: logging.OrDiscard(opts.Logger),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// MaxWindow returns the configured maximum session TTL.
func (m *Manager) MaxWindow() time.Duration {
	return m.opts.MaxTTL
}

// Create validates the request and starts a new active session.
// Validation failures write nothing.
func (m *Manager) Create(req Request) (*Session, error) {
	if strings.TrimSpace(req.Requester) == "" || strings.TrimSpace(req.TargetNode) == "" {
		return nil, fmt.Errorf("%w: requester and target node are required", ErrInvalidRequest)
	}
	if utf8.RuneCountInString(strings.TrimSpace(req.Justification)) < MinJustificationLength {
		return nil, ErrJustificationTooShort
	}
	ttl := req.TTL
	if ttl < 0 {
		return nil, fmt.Errorf("%w: ttl must be positive", ErrInvalidRequest)
	}
	if ttl == 0 {
		ttl = m.opts.DefaultTTL
	}
	if ttl > m.opts.MaxTTL {
		return nil, fmt.Errorf("%w: %s > %s", ErrTTLTooLong, ttl, m.opts.MaxTTL)
	}

	id, err := generateID()
	if err != nil {
		return nil, err
	}
	now := m.now()
	s := &Session{
		ID:            id,
		Requester:     req.Requester,
		TargetNode:    req.TargetNode,
		Justification: strings.TrimSpace(req.Justification),
		Status:        StatusActive,
		StartedAt:     now,
		ExpiresAt:     now.Add(ttl),
	}

	err = m.locked(func() error {
		return m.writeAtomic(s)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to write session: %w", err)
	}

	m.logger.Warn("breakglass session created",
		"id", s.ID, "requester", s.Requester, "node", s.TargetNode, "expires_at", s.ExpiresAt)
	m.record(s, audit.ActionBreakglassCreated, s.Requester)
	if m.opts.Alerts != nil {
		m.opts.Alerts.Dispatch(alert.AlertEvent{
			Type:    alert.TypeBreakglassCreated,
			Actor:   s.Requester,
			Node:    s.TargetNode,
			Tier:    tier.Breakglass.String(),
			Subject: s.ID,
			Reason:  s.Justification,
		})
	}
	return s, nil
}

// IsEffective reports whether s grants elevated access right now.
func (m *Manager) IsEffective(s *Session) bool {
	return IsEffective(s, m.now())
}

// Get returns a session by id.
func (m *Manager) Get(id string) (*Session, error) {
	if err := validateID(id); err != nil {
		return nil, fmt.Errorf("invalid session id: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.read(id)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return s, nil
}

// Revoke ends an active session. Revoking a session that is already
// revoked or expired (by status or by time) is a no-op.
func (m *Manager) Revoke(id, revokedBy string) (*Session, error) {
	if err := validateID(id); err != nil {
		return nil, fmt.Errorf("invalid session id: %w", err)
	}
	if strings.TrimSpace(revokedBy) == "" {
		return nil, fmt.Errorf("%w: revoking party is required", ErrInvalidRequest)
	}

	var (
		s       *Session
		changed bool
	)
	err := m.locked(func() error {
		var err error
		s, err = m.read(id)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			return err
		}
		if !IsEffective(s, m.now()) {
			return nil
		}
		now := m.now()
		s.Status = StatusRevoked
		s.EndedAt = &now
		s.EndedBy = revokedBy
		changed = true
		return m.writeAtomic(s)
	})
	if err != nil {
		return nil, err
	}
	if changed {
		m.logger.Info("breakglass session revoked", "id", s.ID, "by", revokedBy)
		m.record(s, audit.ActionBreakglassRevoked, revokedBy)
		if m.opts.Alerts != nil {
			m.opts.Alerts.Dispatch(alert.AlertEvent{
				Type:    alert.TypeBreakglassRevoked,
				Actor:   revokedBy,
				Node:    s.TargetNode,
				Tier:    tier.Breakglass.String(),
				Subject: s.ID,
			})
		}
	}
	return s, nil
}

// Sweep flips sessions whose expiry has passed but whose stored status is
// still active to expired. It exists for reporting; IsEffective does not
// depend on it. Returns the number of sessions transitioned.
func (m *Manager) Sweep() (int, error) {
	var expired []*Session
	err := m.locked(func() error {
		ids, err := m.ids()
		if err != nil {
			return err
		}
		now := m.now()
		for _, id := range ids {
			s, err := m.read(id)
			if err != nil {
				continue
			}
			if s.Status != StatusActive || now.Before(s.ExpiresAt) {
				continue
			}
			ended := s.ExpiresAt
			s.Status = StatusExpired
			s.EndedAt = &ended
			s.EndedBy = "system"
			if err := m.writeAtomic(s); err != nil {
				return err
			}
			expired = append(expired, s)
		}
		return nil
	})
	for _, s := range expired {
		m.record(s, audit.ActionBreakglassExpired, "system")
	}
	return len(expired), err
}

// List returns all sessions, newest first.
func (m *Manager) List() ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids, err := m.ids()
	if err != nil {
		return nil, err
	}
	var sessions []Session
	for _, id := range ids {
		s, err := m.read(id)
		if err != nil {
			continue
		}
		sessions = append(sessions, *s)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.After(sessions[j].StartedAt)
	})
	return sessions, nil
}

func (m *Manager) record(s *Session, action, actor string) {
	entry := audit.Entry{
		Actor:      actor,
		Action:     action,
		TargetNode: s.TargetNode,
		Tier:       tier.Breakglass.String(),
		Request:    audit.Request{Method: "breakglass"},
		Result:     audit.Result{Status: audit.StatusOK},
		Reason:     s.Justification,
		Metadata: map[string]string{
			"session_id": s.ID,
			"requester":  s.Requester,
			"status":     string(s.Status),
			"expires_at": s.ExpiresAt.Format(time.RFC3339),
		},
	}
	if err := m.opts.Audit.Record(entry); err != nil {
		m.logger.Error("audit write failed", "action", action, "session", s.ID, "err", err)
	}
}

// locked runs fn under the in-process mutex and the directory flock.
func (m *Manager) locked(fn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := os.OpenFile(filepath.Join(m.dir, ".lock"), os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open session lock: %w", err)
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("lock sessions: %w", err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return fn()
}

func (m *Manager) ids() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".json"))
	}
	return ids, nil
}

func (m *Manager) path(id string) string {
	return filepath.Join(m.dir, id+".json")
}

func (m *Manager) read(id string) (*Session, error) {
	data, err := os.ReadFile(m.path(id))
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (m *Manager) writeAtomic(s *Session) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	path := m.path(s.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func generateID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random ID: %w", err)
	}
	return "bg-" + hex.EncodeToString(b), nil
}
