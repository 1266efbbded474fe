package credential

import (
	"context"

	"github.com/ppiankov/tiergate/internal/tier"
)

// Authorizer decides whether an identity may hold a tier. Real deployments
// back it with an identity provider's group membership.
type Authorizer interface {
	Allowed(ctx context.Context, identity string, t tier.Tier) (bool, error)
}

// StaticAuthorizer maps identity to the highest tier it may request.
// Unknown identities get nothing.
type StaticAuthorizer map[string]tier.Tier

// Allowed implements Authorizer.
func (a StaticAuthorizer) Allowed(_ context.Context, identity string, t tier.Tier) (bool, error) {
	max, ok := a[identity]
	if !ok {
		return false, nil
	}
	return max.AtLeast(t), nil
}
