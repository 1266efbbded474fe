// Package credential issues and verifies short-lived, tier-scoped access
// credentials. A credential is an EdDSA-signed JWT whose tiers claim lists
// every principal the holder may log in as on a node.
package credential

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ppiankov/tiergate/internal/tier"
)

const (
	// DefaultStandardLifetime applies to diag and remediate credentials.
	DefaultStandardLifetime = 8 * time.Hour
	// DefaultElevatedLifetime applies to breakglass and root credentials.
	DefaultElevatedLifetime = 15 * time.Minute
)

var (
	ErrNotAuthorized = errors.New("identity is not authorized for tier")
	ErrInvalidTier   = errors.New("invalid tier")
	ErrInvalidToken  = errors.New("invalid credential")
	ErrNoSession     = errors.New("no effective breakglass session")
)

// Credential is a verified or freshly issued grant.
type Credential struct {
	ID        string      `json:"id"`
	Identity  string      `json:"identity"`
	Tiers     []tier.Tier `json:"tiers"`
	IssuedAt  time.Time   `json:"issued_at"`
	ExpiresAt time.Time   `json:"expires_at"`
	Token     string      `json:"token,omitempty"`
}

// Highest returns the most privileged tier the credential carries.
func (c *Credential) Highest() tier.Tier {
	return tier.Highest(c.Tiers)
}

// Has reports whether the credential carries principal t.
func (c *Credential) Has(t tier.Tier) bool {
	for _, have := range c.Tiers {
		if have == t {
			return true
		}
	}
	return false
}

// Claims is the JWT payload.
type Claims struct {
	Tiers []string `json:"tiers"`
	jwt.RegisteredClaims
}

// Verifier checks credential signatures against a public key.
type Verifier struct {
	public           ed25519.PublicKey
	issuer           string
	maxLifetime      time.Duration
	elevatedLifetime time.Duration
	now              func() time.Time
}

// NewVerifier returns a Verifier. maxLifetime of zero skips the overall
// lifetime check; credentials carrying breakglass or root are always held
// to DefaultElevatedLifetime unless WithElevatedLifetime says otherwise.
func NewVerifier(public ed25519.PublicKey, issuer string, maxLifetime time.Duration) *Verifier {
	return &Verifier{
		public:           public,
		issuer:           issuer,
		maxLifetime:      maxLifetime,
		elevatedLifetime: DefaultElevatedLifetime,
		now:              time.Now,
	}
}

// WithElevatedLifetime sets the longest lifetime accepted for a credential
// whose highest tier is breakglass or root. Non-positive values are ignored.
func (v *Verifier) WithElevatedLifetime(d time.Duration) *Verifier {
	if d > 0 {
		v.elevatedLifetime = d
	}
	return v
}

// Verify validates signature, issuer, expiry and tier claims. Unknown tier
// names fail the whole credential.
func (v *Verifier) Verify(token string) (*Credential, error) {
	if len(v.public) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: no verification key", ErrInvalidToken)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.public, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if len(claims.Tiers) == 0 {
		return nil, fmt.Errorf("%w: no tiers", ErrInvalidToken)
	}
	tiers := make([]tier.Tier, 0, len(claims.Tiers))
	for _, s := range claims.Tiers {
		t, err := tier.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		tiers = append(tiers, t)
	}
	if claims.IssuedAt == nil {
		return nil, fmt.Errorf("%w: missing iat", ErrInvalidToken)
	}

	cred := &Credential{
		ID:        claims.ID,
		Identity:  claims.Subject,
		Tiers:     tiers,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
		Token:     token,
	}
	lifetime := cred.ExpiresAt.Sub(cred.IssuedAt)
	if v.maxLifetime > 0 && lifetime > v.maxLifetime {
		return nil, fmt.Errorf("%w: lifetime exceeds %s", ErrInvalidToken, v.maxLifetime)
	}
	if cred.Highest().Elevated() && lifetime > v.elevatedLifetime {
		return nil, fmt.Errorf("%w: %s lifetime exceeds %s", ErrInvalidToken, cred.Highest(), v.elevatedLifetime)
	}
	return cred, nil
}
