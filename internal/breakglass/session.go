package breakglass

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a session. Transitions are one-way:
// active -> expired or active -> revoked.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusRevoked Status = "revoked"
)

// MinJustificationLength rejects low-effort escalation requests. It counts
// characters, not bytes.
const MinJustificationLength = 20

var (
	ErrJustificationTooShort = errors.New("justification must be at least 20 characters")
	ErrTTLTooLong            = errors.New("ttl exceeds maximum breakglass window")
	ErrInvalidRequest        = errors.New("invalid breakglass request")
	ErrNotFound              = errors.New("breakglass session not found")
)

// Request is an explicit escalation request.
type Request struct {
	Requester     string        `json:"requester"`
	TargetNode    string        `json:"target_node"`
	Justification string        `json:"justification"`
	TTL           time.Duration `json:"ttl"`
}

// Session is a time-boxed emergency grant for one requester on one node.
type Session struct {
	ID            string     `json:"id"`
	Requester     string     `json:"requester"`
	TargetNode    string     `json:"target_node"`
	Justification string     `json:"justification"`
	Status        Status     `json:"status"`
	StartedAt     time.Time  `json:"started_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	EndedBy       string     `json:"ended_by,omitempty"`
}

// IsEffective is the only predicate that may be used to honor elevated
// access: the session must be active and its expiry must not have passed.
// A stored status of active past expires_at is treated as expired.
func IsEffective(s *Session, now time.Time) bool {
	if s == nil {
		return false
	}
	return s.Status == StatusActive && now.Before(s.ExpiresAt)
}

// EffectiveStatus reports the logical status at now, folding time-based
// expiry into rows whose stored status has not been swept yet.
func EffectiveStatus(s *Session, now time.Time) Status {
	if s.Status == StatusActive && !now.Before(s.ExpiresAt) {
		return StatusExpired
	}
	return s.Status
}
