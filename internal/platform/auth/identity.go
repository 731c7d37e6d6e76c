package auth

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const identityKey contextKey = "identity"

// Identity is the authenticated caller resolved from a bearer credential.
type Identity struct {
	UserID         uuid.UUID
	OrganizationID uuid.UUID
	SessionID      string
	Territory      string
	// Roles are the token's role claims. Authorization decisions use the
	// database role assignments, not these.
	Roles []string
}

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext returns the caller identity, or nil if unauthenticated.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey).(*Identity)
	return id
}

// UserIDFromContext returns the caller's user id, or uuid.Nil.
func UserIDFromContext(ctx context.Context) uuid.UUID {
	if id := IdentityFromContext(ctx); id != nil {
		return id.UserID
	}
	return uuid.Nil
}
