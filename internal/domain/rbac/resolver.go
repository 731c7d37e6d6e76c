package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/healthops/healthops/internal/platform/authz"
)

// Resolver computes effective permissions from current role assignments.
// Delegated permissions are never included.
type Resolver struct {
	users       UserRepository
	assignments AssignmentRepository
	now         func() time.Time
}

func NewResolver(users UserRepository, assignments AssignmentRepository) *Resolver {
	return &Resolver{users: users, assignments: assignments, now: time.Now}
}

// activeUser loads userID and fails for unknown or disabled users.
func (r *Resolver) activeUser(ctx context.Context, userID uuid.UUID) (*User, error) {
	u, err := r.users.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve user %s: %w", userID, err)
	}
	if !u.Active() {
		return nil, fmt.Errorf("resolve user %s: user is %s", userID, u.Status)
	}
	return u, nil
}

// GetEffectivePermissions returns the union of permissions of the user's
// unexpired role assignments.
func (r *Resolver) GetEffectivePermissions(ctx context.Context, userID uuid.UUID) (authz.PermissionSet, error) {
	if _, err := r.activeUser(ctx, userID); err != nil {
		return authz.PermissionSet{}, err
	}
	set, err := r.assignments.CurrentPermissions(ctx, userID, r.now())
	if err != nil {
		return authz.PermissionSet{}, fmt.Errorf("resolve permissions of %s: %w", userID, err)
	}
	return set, nil
}

// HasPermission is an exact membership test. resourceID does not narrow the
// check; it exists for callers that record it alongside the result.
func (r *Resolver) HasPermission(ctx context.Context, userID uuid.UUID, perm authz.PermissionName, resourceID string) (bool, error) {
	set, err := r.GetEffectivePermissions(ctx, userID)
	if err != nil {
		return false, err
	}
	return set.Has(perm), nil
}

// HasRole reports whether the user currently holds a role named role.
func (r *Resolver) HasRole(ctx context.Context, userID uuid.UUID, role string) (bool, error) {
	if _, err := r.activeUser(ctx, userID); err != nil {
		return false, err
	}
	names, err := r.assignments.CurrentRoleNames(ctx, userID, r.now())
	if err != nil {
		return false, fmt.Errorf("resolve roles of %s: %w", userID, err)
	}
	for _, n := range names {
		if n == role {
			return true, nil
		}
	}
	return false, nil
}

// IsOrgAdmin reports whether userID is an active administrator of orgID.
func (r *Resolver) IsOrgAdmin(ctx context.Context, userID, orgID uuid.UUID) (bool, error) {
	u, err := r.activeUser(ctx, userID)
	if err != nil {
		return false, err
	}
	return u.IsOrgAdmin && u.OrganizationID == orgID, nil
}

// IsMember reports whether userID is an active user of orgID. Unknown users
// are not members.
func (r *Resolver) IsMember(ctx context.Context, userID, orgID uuid.UUID) (bool, error) {
	u, err := r.users.GetByID(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("resolve user %s: %w", userID, err)
	}
	return u.Active() && u.OrganizationID == orgID, nil
}
