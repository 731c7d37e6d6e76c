package rbac

import (
	"time"

	"github.com/google/uuid"

	"github.com/healthops/healthops/internal/platform/authz"
)

// Organization maps to the organization table.
type Organization struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name" validate:"required,max=255"`
	Territory string    `json:"territory,omitempty" validate:"max=100"`
	CreatedAt time.Time `json:"created_at"`
}

type UserStatus string

const (
	UserActive   UserStatus = "active"
	UserDisabled UserStatus = "disabled"
)

// User maps to the app_user table.
type User struct {
	ID             uuid.UUID  `json:"id"`
	OrganizationID uuid.UUID  `json:"organization_id"`
	Email          string     `json:"email"`
	DisplayName    string     `json:"display_name"`
	IsOrgAdmin     bool       `json:"is_org_admin"`
	Status         UserStatus `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (u *User) Active() bool { return u.Status == UserActive }

// Permission maps to the permission table. Name is immutable; only the
// descriptive fields can change.
type Permission struct {
	ID          uuid.UUID            `json:"id"`
	Name        authz.PermissionName `json:"name"`
	DisplayName string               `json:"display_name"`
	Description string               `json:"description,omitempty"`
	PHI         bool                 `json:"phi"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// Role is a named bundle of permissions. A nil OrganizationID marks a
// global system role.
type Role struct {
	ID             uuid.UUID              `json:"id"`
	OrganizationID *uuid.UUID             `json:"organization_id,omitempty"`
	Name           string                 `json:"name"`
	Description    string                 `json:"description,omitempty"`
	IsSystem       bool                   `json:"is_system"`
	Permissions    []authz.PermissionName `json:"permissions"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// VisibleTo reports whether users of org may hold the role.
func (r *Role) VisibleTo(org uuid.UUID) bool {
	return r.OrganizationID == nil || *r.OrganizationID == org
}

// UserRoleAssignment links a user to a role, optionally until ExpiresAt.
type UserRoleAssignment struct {
	ID         uuid.UUID  `json:"id"`
	UserID     uuid.UUID  `json:"user_id"`
	RoleID     uuid.UUID  `json:"role_id"`
	RoleName   string     `json:"role_name"`
	AssignedBy *uuid.UUID `json:"assigned_by,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Current reports whether the assignment is unexpired at now.
func (a *UserRoleAssignment) Current(now time.Time) bool {
	return a.ExpiresAt == nil || a.ExpiresAt.After(now)
}

// Request payloads.

type CreateUserRequest struct {
	Email       string `json:"email" validate:"required,email,max=255"`
	DisplayName string `json:"display_name" validate:"required,max=255"`
	IsOrgAdmin  bool   `json:"is_org_admin"`
}

type CreatePermissionRequest struct {
	Name        string `json:"name" validate:"required,permission,max=100"`
	DisplayName string `json:"display_name" validate:"required,max=255"`
	Description string `json:"description"`
	PHI         bool   `json:"phi"`
}

type UpdatePermissionRequest struct {
	DisplayName string `json:"display_name" validate:"required,max=255"`
	Description string `json:"description"`
	PHI         bool   `json:"phi"`
}

type RoleRequest struct {
	Name        string   `json:"name" validate:"required,max=100"`
	Description string   `json:"description"`
	Permissions []string `json:"permissions" validate:"dive,permission"`
}

type AssignRoleRequest struct {
	RoleID    string     `json:"role_id" validate:"required,uuid"`
	ExpiresAt *time.Time `json:"expires_at"`
}
