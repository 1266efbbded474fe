// Package principal owns the node-side trust configuration: which
// certificate principals satisfy each access tier, and the CA key that
// signs credentials. Writes validate the resulting configuration and undo
// themselves when it would break remote access.
package principal

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/ppiankov/tiergate/internal/alert"
	"github.com/ppiankov/tiergate/internal/audit"
	"github.com/ppiankov/tiergate/internal/logging"
	"github.com/ppiankov/tiergate/internal/tier"
)

const (
	principalsDir = "principals"
	trustAnchor   = "trusted_ca.pub"
)

// ErrTrustConfig reports a trust configuration that would lock operators
// out. Writes that produce one are rolled back before returning it.
var ErrTrustConfig = errors.New("invalid trust configuration")

var validPrincipal = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.@-]*$`)

// Registry is the read/write seam over trust configuration.
type Registry interface {
	Principals(t tier.Tier) ([]string, error)
	Resolve(presented []string) (tier.Tier, error)
	Add(ctx context.Context, t tier.Tier, principal string) error
	Remove(ctx context.Context, t tier.Tier, principal string) error
	SetTrustAnchor(ctx context.Context, authorizedKey []byte) error
	Validate() error
}

// ReloadFunc makes the SSH daemon pick up changed trust files.
type ReloadFunc func(ctx context.Context) error

// DefaultMapping returns the principals listed for each tier: the tier's
// own principal and every principal below it.
func DefaultMapping() map[tier.Tier][]string {
	m := make(map[tier.Tier][]string)
	for _, t := range tier.All() {
		for _, lower := range tier.Upto(t) {
			m[t] = append(m[t], lower.String())
		}
	}
	return m
}

// Levels returns, for each tier, the principals its file adds over the
// tier below. Presenting any one of them satisfies that level.
func Levels(m map[tier.Tier][]string) map[tier.Tier][]string {
	out := make(map[tier.Tier][]string)
	var prev []string
	for _, t := range tier.All() {
		for _, p := range m[t] {
			if !contains(prev, p) {
				out[t] = append(out[t], p)
			}
		}
		prev = m[t]
	}
	return out
}

// Options configures a FileRegistry.
type Options struct {
	Reload ReloadFunc
	Audit  audit.Sink
	Alerts *alert.Dispatcher
	Logger *slog.Logger
	Actor  string
}

// FileRegistry stores trust config as principals/<tier> files (one
// principal per line) and trusted_ca.pub in authorized_keys format.
type FileRegistry struct {
	dir    string
	opts   Options
	logger *slog.Logger
	mu     sync.Mutex
}

var _ Registry = (*FileRegistry)(nil)

// NewFileRegistry returns a registry rooted at dir.
func NewFileRegistry(dir string, opts Options) *FileRegistry {
	if opts.Audit == nil {
		opts.Audit = audit.Discard
	}
	if opts.Actor == "" {
		opts.Actor = "tiergate"
	}
	return &FileRegistry{dir: dir, opts: opts, logger: logging.OrDiscard(opts.Logger)}
}

// Dir returns the trust directory.
func (r *FileRegistry) Dir() string {
	return r.dir
}

// Sync writes DefaultMapping for any tier without a principals file.
// Existing files are left alone.
func (r *FileRegistry) Sync(ctx context.Context) ([]tier.Tier, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(filepath.Join(r.dir, principalsDir), 0755); err != nil {
		return nil, fmt.Errorf("principal: create directory: %w", err)
	}
	defaults := DefaultMapping()
	var written []tier.Tier
	for _, t := range tier.All() {
		path := r.principalsPath(t)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := writeAtomic(path, encodePrincipals(defaults[t])); err != nil {
			return written, err
		}
		written = append(written, t)
	}
	if len(written) > 0 && r.opts.Reload != nil {
		if err := r.opts.Reload(ctx); err != nil {
			return written, fmt.Errorf("principal: reload: %w", err)
		}
	}
	return written, nil
}

// Principals returns the principals listed for t.
func (r *FileRegistry) Principals(t tier.Tier) ([]string, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("principal: %w", tier.ErrUnknown)
	}
	data, err := os.ReadFile(r.principalsPath(t))
	if err != nil {
		return nil, fmt.Errorf("principal: read %s: %w", t, err)
	}
	return parsePrincipals(data)
}

// Mapping returns the principals for every tier.
func (r *FileRegistry) Mapping() (map[tier.Tier][]string, error) {
	m := make(map[tier.Tier][]string)
	for _, t := range tier.All() {
		p, err := r.Principals(t)
		if err != nil {
			return nil, err
		}
		m[t] = p
	}
	return m, nil
}

// Resolve returns the highest tier reached by climbing the levels from
// diag: each level needs at least one of its principals presented. No
// match returns tier.Invalid.
func (r *FileRegistry) Resolve(presented []string) (tier.Tier, error) {
	m, err := r.Mapping()
	if err != nil {
		return tier.Invalid, err
	}
	have := make(map[string]bool, len(presented))
	for _, p := range presented {
		have[p] = true
	}
	levels := Levels(m)
	best := tier.Invalid
	for _, t := range tier.All() {
		if !anyOf(have, levels[t]) {
			break
		}
		best = t
	}
	return best, nil
}

// TrustAnchor parses trusted_ca.pub.
func (r *FileRegistry) TrustAnchor() (ssh.PublicKey, error) {
	data, err := os.ReadFile(filepath.Join(r.dir, trustAnchor))
	if err != nil {
		return nil, fmt.Errorf("principal: read trust anchor: %w", err)
	}
	return parseAnchor(data)
}

// Validate checks the trust configuration on disk.
func (r *FileRegistry) Validate() error {
	if _, err := r.TrustAnchor(); err != nil {
		return fmt.Errorf("%w: %v", ErrTrustConfig, err)
	}
	var prev []string
	for _, t := range tier.All() {
		p, err := r.Principals(t)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTrustConfig, err)
		}
		if !contains(p, t.String()) {
			return fmt.Errorf("%w: %s does not list its own principal", ErrTrustConfig, t)
		}
		for _, higher := range tier.All() {
			if higher > t && contains(p, higher.String()) {
				return fmt.Errorf("%w: %s lists the %s principal", ErrTrustConfig, t, higher)
			}
		}
		for _, lower := range prev {
			if !contains(p, lower) {
				return fmt.Errorf("%w: %s is missing %q required by a lower tier", ErrTrustConfig, t, lower)
			}
		}
		prev = p
	}
	return nil
}

// Add lets principal satisfy tier t. It is written to t and every tier
// above so the files stay cumulative.
func (r *FileRegistry) Add(ctx context.Context, t tier.Tier, principal string) error {
	if !validPrincipal.MatchString(principal) {
		return fmt.Errorf("principal: invalid principal %q", principal)
	}
	return r.edit(ctx, t, fmt.Sprintf("add %s to %s", principal, t), func(cur []string) []string {
		if contains(cur, principal) {
			return cur
		}
		return append(cur, principal)
	})
}

// Remove drops principal from tier t and every tier above.
func (r *FileRegistry) Remove(ctx context.Context, t tier.Tier, principal string) error {
	return r.edit(ctx, t, fmt.Sprintf("remove %s from %s", principal, t), func(cur []string) []string {
		out := cur[:0:0]
		for _, p := range cur {
			if p != principal {
				out = append(out, p)
			}
		}
		return out
	})
}

// SetTrustAnchor replaces trusted_ca.pub.
func (r *FileRegistry) SetTrustAnchor(ctx context.Context, authorizedKey []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	path := filepath.Join(r.dir, trustAnchor)
	return r.apply(ctx, []fileWrite{{path, authorizedKey}}, "set trust anchor")
}

type fileWrite struct {
	path    string
	content []byte
}

// edit applies fn to the principals of t and of every higher tier as one
// change.
func (r *FileRegistry) edit(ctx context.Context, t tier.Tier, change string, fn func([]string) []string) error {
	if !t.Valid() {
		return fmt.Errorf("principal: %w", tier.ErrUnknown)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var writes []fileWrite
	for _, target := range tier.All() {
		if target < t {
			continue
		}
		cur, err := r.Principals(target)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		writes = append(writes, fileWrite{r.principalsPath(target), encodePrincipals(fn(cur))})
	}
	return r.apply(ctx, writes, change)
}

// apply writes every file, validates the whole configuration, and
// reloads. An invalid result or a failed reload restores the previous
// bytes of every file before returning.
func (r *FileRegistry) apply(ctx context.Context, writes []fileWrite, change string) error {
	type saved struct {
		path    string
		old     []byte
		existed bool
	}
	var undo []saved
	restore := func() error {
		for i := len(undo) - 1; i >= 0; i-- {
			u := undo[i]
			if !u.existed {
				os.Remove(u.path)
				continue
			}
			if err := writeAtomic(u.path, u.old); err != nil {
				return err
			}
		}
		return nil
	}

	for _, w := range writes {
		old, readErr := os.ReadFile(w.path)
		if readErr != nil && !os.IsNotExist(readErr) {
			restore()
			return fmt.Errorf("principal: read %s: %w", w.path, readErr)
		}
		if err := os.MkdirAll(filepath.Dir(w.path), 0755); err != nil {
			restore()
			return fmt.Errorf("principal: create directory: %w", err)
		}
		undo = append(undo, saved{w.path, old, readErr == nil})
		if err := writeAtomic(w.path, w.content); err != nil {
			restore()
			return err
		}
	}

	verr := r.Validate()
	if verr == nil && r.opts.Reload != nil {
		if err := r.opts.Reload(ctx); err != nil {
			verr = fmt.Errorf("%w: reload rejected: %v", ErrTrustConfig, err)
		}
	}
	if verr == nil {
		r.logger.Info("trust config updated", "change", change)
		return nil
	}

	if err := restore(); err != nil {
		return fmt.Errorf("principal: restore after %v: %w", verr, err)
	}
	if r.opts.Reload != nil {
		if err := r.opts.Reload(ctx); err != nil {
			r.logger.Error("reload after trust config restore failed", "err", err)
		}
	}
	r.heal(change, verr)
	return verr
}

func (r *FileRegistry) heal(change string, cause error) {
	r.logger.Warn("trust config change rolled back", "change", change, "err", cause)
	err := r.opts.Audit.Record(audit.Entry{
		Actor:   r.opts.Actor,
		Action:  audit.ActionTrustConfigHealed,
		Request: audit.Request{Method: "principal", Command: change},
		Result:  audit.Result{Status: audit.StatusFailed},
		Reason:  cause.Error(),
	})
	if err != nil {
		r.logger.Error("audit write failed", "action", audit.ActionTrustConfigHealed, "err", err)
	}
	if r.opts.Alerts != nil {
		r.opts.Alerts.Dispatch(alert.AlertEvent{
			Type:    alert.TypeTrustConfigHealed,
			Actor:   r.opts.Actor,
			Subject: change,
			Reason:  cause.Error(),
		})
	}
}

func (r *FileRegistry) principalsPath(t tier.Tier) string {
	return filepath.Join(r.dir, principalsDir, t.String())
}

func parsePrincipals(data []byte) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	sc := bufio.NewScanner(bytes.NewReader(data))
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !validPrincipal.MatchString(line) {
			return nil, fmt.Errorf("line %d: invalid principal %q", n, line)
		}
		if seen[line] {
			return nil, fmt.Errorf("line %d: duplicate principal %q", n, line)
		}
		seen[line] = true
		out = append(out, line)
	}
	return out, sc.Err()
}

func encodePrincipals(p []string) []byte {
	var b bytes.Buffer
	for _, s := range p {
		b.WriteString(s)
		b.WriteByte('\n')
	}
	return b.Bytes()
}

func parseAnchor(data []byte) (ssh.PublicKey, error) {
	key, _, _, rest, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse trust anchor: %w", err)
	}
	if len(bytes.TrimSpace(rest)) > 0 {
		return nil, fmt.Errorf("trust anchor must contain exactly one key")
	}
	if _, isCert := key.(*ssh.Certificate); isCert {
		return nil, fmt.Errorf("trust anchor must be a CA public key, not a certificate")
	}
	return key, nil
}

func anyOf(have map[string]bool, level []string) bool {
	for _, p := range level {
		if have[p] {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Sorted returns a copy of p in lexical order, for display.
func Sorted(p []string) []string {
	out := append([]string(nil), p...)
	sort.Strings(out)
	return out
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("principal: write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("principal: rename %s: %w", path, err)
	}
	return nil
}
