package auth

import (
	"context"
	"slices"
	"strings"

	domain "github.com/hanko-field/fulfillment/internal/domain"
)

// Role names as they appear in the token's role claim.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Identity is the verified caller attached to the request context by RequireAuth.
type Identity struct {
	UID    string
	Email  string
	Roles  []string
	Claims map[string]any
}

// HasRole reports whether the identity carries role, ignoring case.
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	role = normaliseRole(role)
	return role != "" && slices.Contains(i.Roles, role)
}

// Actor maps the identity onto the caller the services authorise against. Any identity
// without the admin role is a customer; a nil identity is anonymous.
func (i *Identity) Actor() domain.Actor {
	if i == nil {
		return domain.Actor{}
	}
	role := domain.ActorRoleCustomer
	if i.HasRole(RoleAdmin) {
		role = domain.ActorRoleAdmin
	}
	return domain.Actor{UserID: strings.TrimSpace(i.UID), Role: role}
}

type identityKey struct{}

// WithIdentity attaches identity to ctx.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext returns the identity attached by WithIdentity.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(*Identity)
	return identity, ok && identity != nil
}

// ActorFromContext returns the request's actor, or the anonymous actor.
func ActorFromContext(ctx context.Context) domain.Actor {
	identity, _ := IdentityFromContext(ctx)
	return identity.Actor()
}
