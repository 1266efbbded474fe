package credential

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ppiankov/tiergate/internal/audit"
	"github.com/ppiankov/tiergate/internal/breakglass"
	"github.com/ppiankov/tiergate/internal/logging"
	"github.com/ppiankov/tiergate/internal/tier"
)

// Options configures an Issuer.
type Options struct {
	Issuer           string
	StandardLifetime time.Duration
	ElevatedLifetime time.Duration
	MaxLifetime      time.Duration
	Audit            audit.Sink
	Logger           *slog.Logger
}

// Issuer mints credentials after consulting an Authorizer.
type Issuer struct {
	key    ed25519.PrivateKey
	authz  Authorizer
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// NewIssuer returns an Issuer. A nil key is accepted so that the process
// can still start; every Issue call then fails with
// ErrSigningKeyUnavailable.
func NewIssuer(key ed25519.PrivateKey, authz Authorizer, opts Options) *Issuer {
	if opts.StandardLifetime <= 0 {
		opts.StandardLifetime = DefaultStandardLifetime
	}
	if opts.ElevatedLifetime <= 0 {
		opts.ElevatedLifetime = DefaultElevatedLifetime
	}
	if opts.MaxLifetime <= 0 {
		opts.MaxLifetime = opts.StandardLifetime
	}
	if opts.Audit == nil {
		opts.Audit = audit.Discard
	}
	return &Issuer{
		key:    key,
		authz:  authz,
		opts:   opts,
		logger: logging.OrDiscard(opts.Logger),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Lifetime returns the credential lifetime for t, capped by MaxLifetime.
func (i *Issuer) Lifetime(t tier.Tier) time.Duration {
	d := i.opts.StandardLifetime
	if t.Elevated() {
		d = i.opts.ElevatedLifetime
	}
	if d > i.opts.MaxLifetime {
		d = i.opts.MaxLifetime
	}
	return d
}

// Verifier returns a Verifier for credentials minted by this Issuer.
func (i *Issuer) Verifier() *Verifier {
	var pub ed25519.PublicKey
	if len(i.key) == ed25519.PrivateKeySize {
		pub = i.key.Public().(ed25519.PublicKey)
	}
	v := NewVerifier(pub, i.opts.Issuer, i.opts.MaxLifetime).WithElevatedLifetime(i.opts.ElevatedLifetime)
	v.now = i.now
	return v
}

// Issue mints a credential for identity at tier t. The credential carries
// t and every tier below it.
func (i *Issuer) Issue(ctx context.Context, identity string, t tier.Tier) (*Credential, error) {
	return i.issue(ctx, identity, t, time.Time{}, "")
}

// IssueForSession mints an elevated credential backed by a breakglass
// session. The session must be effective and belong to identity; the
// credential never outlives it.
func (i *Issuer) IssueForSession(ctx context.Context, identity string, t tier.Tier, s *breakglass.Session) (*Credential, error) {
	if !t.Elevated() {
		return nil, fmt.Errorf("%w: session-backed credentials are for breakglass and root", ErrInvalidTier)
	}
	if s == nil || s.Requester != identity || !breakglass.IsEffective(s, i.now()) {
		i.deny(identity, t, ErrNoSession.Error())
		return nil, ErrNoSession
	}
	return i.issue(ctx, identity, t, s.ExpiresAt, s.ID)
}

func (i *Issuer) issue(ctx context.Context, identity string, t tier.Tier, notAfter time.Time, sessionID string) (*Credential, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, fmt.Errorf("%w: identity is required", ErrNotAuthorized)
	}
	if !t.Valid() {
		i.deny(identity, t, "invalid tier")
		return nil, ErrInvalidTier
	}
	if len(i.key) != ed25519.PrivateKeySize {
		i.deny(identity, t, ErrSigningKeyUnavailable.Error())
		return nil, ErrSigningKeyUnavailable
	}
	if i.authz == nil {
		i.deny(identity, t, "no authorizer configured")
		return nil, ErrNotAuthorized
	}

	ok, err := i.authz.Allowed(ctx, identity, t)
	if err != nil {
		i.deny(identity, t, "authorizer error: "+err.Error())
		return nil, fmt.Errorf("%w: %v", ErrNotAuthorized, err)
	}
	if !ok {
		i.deny(identity, t, "identity not in tier group")
		return nil, ErrNotAuthorized
	}

	now := i.now().Truncate(time.Second)
	expires := now.Add(i.Lifetime(t))
	if !notAfter.IsZero() && notAfter.Before(expires) {
		expires = notAfter.Truncate(time.Second)
	}

	tiers := tier.Upto(t)
	names := make([]string, len(tiers))
	for n, tt := range tiers {
		names[n] = tt.String()
	}

	claims := Claims{
		Tiers: names,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.opts.Issuer,
			Subject:   identity,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(i.key)
	if err != nil {
		i.deny(identity, t, "signing failed")
		return nil, fmt.Errorf("%w: %v", ErrSigningKeyUnavailable, err)
	}

	cred := &Credential{
		ID:        claims.ID,
		Identity:  identity,
		Tiers:     tiers,
		IssuedAt:  now,
		ExpiresAt: expires,
		Token:     signed,
	}

	meta := map[string]string{
		"credential_id": cred.ID,
		"tiers":         strings.Join(names, ","),
		"expires_at":    expires.Format(time.RFC3339),
	}
	if sessionID != "" {
		meta["session_id"] = sessionID
	}
	i.record(audit.Entry{
		Actor:    identity,
		Action:   audit.ActionCredentialIssued,
		Tier:     t.String(),
		Request:  audit.Request{Method: "credential"},
		Result:   audit.Result{Status: audit.StatusOK},
		Metadata: meta,
	})
	i.logger.Info("credential issued", "identity", identity, "tier", t, "expires_at", expires)
	return cred, nil
}

func (i *Issuer) deny(identity string, t tier.Tier, reason string) {
	i.logger.Warn("credential denied", "identity", identity, "tier", t, "reason", reason)
	i.record(audit.Entry{
		Actor:   identity,
		Action:  audit.ActionCredentialDenied,
		Tier:    t.String(),
		Request: audit.Request{Method: "credential"},
		Result:  audit.Result{Status: audit.StatusDenied},
		Reason:  reason,
	})
}

func (i *Issuer) record(e audit.Entry) {
	if err := i.opts.Audit.Record(e); err != nil {
		i.logger.Error("audit write failed", "action", e.Action, "err", err)
	}
}
