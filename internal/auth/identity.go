package auth

import (
	"context"
	"slices"
)

// Identity is the caller identity extracted from a verified token. It is
// built once at the gateway boundary and passed down by value or through a
// context, never stored in shared state.
type Identity struct {
	UserID   string   `json:"id"`
	TenantID string   `json:"tenantId"`
	Email    string   `json:"email"`
	Roles    []string `json:"roles"`
}

// HasRole reports whether the identity carries role.
func (i Identity) HasRole(role string) bool {
	return slices.Contains(i.Roles, role)
}

type identityKey struct{}

// WithIdentity returns a child context carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity stored by WithIdentity.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
