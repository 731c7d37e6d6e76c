package rbac

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/healthops/healthops/internal/platform/authz"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrRoleExists       = errors.New("role already exists")
	ErrPermissionExists = errors.New("permission already exists")
	ErrEmailExists      = errors.New("email already exists")
)

type OrganizationRepository interface {
	Create(ctx context.Context, org *Organization) error
	GetByID(ctx context.Context, id uuid.UUID) (*Organization, error)
}

type UserRepository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	ListByOrganization(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]*User, int, error)
}

type PermissionRepository interface {
	Create(ctx context.Context, p *Permission) error
	// Upsert inserts p or updates the descriptive fields of the existing row.
	Upsert(ctx context.Context, p *Permission) error
	GetByID(ctx context.Context, id uuid.UUID) (*Permission, error)
	List(ctx context.Context) ([]*Permission, error)
	Update(ctx context.Context, p *Permission) error
	// Existing returns which of names are registered.
	Existing(ctx context.Context, names []authz.PermissionName) (authz.PermissionSet, error)
}

type RoleRepository interface {
	// Create inserts r with its permission set.
	Create(ctx context.Context, r *Role) error
	GetByID(ctx context.Context, id uuid.UUID) (*Role, error)
	// ListVisible returns the org's roles plus global roles.
	ListVisible(ctx context.Context, orgID uuid.UUID) ([]*Role, error)
	// Update replaces name, description and permission set.
	Update(ctx context.Context, r *Role) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type AssignmentRepository interface {
	// Assign creates the assignment, or replaces the expiry of an existing
	// assignment of the same role.
	Assign(ctx context.Context, a *UserRoleAssignment) error
	Remove(ctx context.Context, userID, roleID uuid.UUID) error
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*UserRoleAssignment, error)
	// CurrentPermissions returns the union of permissions of userID's
	// assignments unexpired at now, limited to roles visible to the user's
	// organization.
	CurrentPermissions(ctx context.Context, userID uuid.UUID, now time.Time) (authz.PermissionSet, error)
	// CurrentRoleNames lists role names under the same rules.
	CurrentRoleNames(ctx context.Context, userID uuid.UUID, now time.Time) ([]string, error)
}
