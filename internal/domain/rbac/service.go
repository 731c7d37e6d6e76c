package rbac

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/healthops/healthops/internal/platform/apperr"
	"github.com/healthops/healthops/internal/platform/authz"
)

type Service struct {
	orgs        OrganizationRepository
	users       UserRepository
	perms       PermissionRepository
	roles       RoleRepository
	assignments AssignmentRepository
	now         func() time.Time
}

func NewService(orgs OrganizationRepository, users UserRepository, perms PermissionRepository, roles RoleRepository, assignments AssignmentRepository) *Service {
	return &Service{orgs: orgs, users: users, perms: perms, roles: roles, assignments: assignments, now: time.Now}
}

// NewMemoryService wires a Service over fresh in-memory repositories.
func NewMemoryService() (*Service, *MemoryRepos) {
	m := NewMemoryRepos()
	return NewService(m.Organizations, m.Users, m.Permissions, m.Roles, m.Assignments), m
}

// mapErr converts repository sentinels into apperr kinds.
func mapErr(err error, resource string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return apperr.NotFound(resource)
	case errors.Is(err, ErrRoleExists):
		return apperr.Conflict("role with this name")
	case errors.Is(err, ErrPermissionExists):
		return apperr.Conflict("permission with this name")
	case errors.Is(err, ErrEmailExists):
		return apperr.Conflict("user with this email")
	default:
		return apperr.Internal(err)
	}
}

// -- Organizations and users --

func (s *Service) CreateOrganization(ctx context.Context, org *Organization) error {
	if strings.TrimSpace(org.Name) == "" {
		return apperr.Validation("name", "is required")
	}
	return mapErr(s.orgs.Create(ctx, org), "organization")
}

func (s *Service) CreateUser(ctx context.Context, orgID uuid.UUID, req CreateUserRequest) (*User, error) {
	if _, err := s.orgs.GetByID(ctx, orgID); err != nil {
		return nil, mapErr(err, "organization")
	}
	u := &User{
		OrganizationID: orgID,
		Email:          strings.ToLower(strings.TrimSpace(req.Email)),
		DisplayName:    req.DisplayName,
		IsOrgAdmin:     req.IsOrgAdmin,
		Status:         UserActive,
	}
	if err := s.users.Create(ctx, u); err != nil {
		return nil, mapErr(err, "user")
	}
	return u, nil
}

// GetUser returns a user of orgID. Users of other organizations are reported
// as not found.
func (s *Service) GetUser(ctx context.Context, orgID, id uuid.UUID) (*User, error) {
	u, err := s.users.GetByID(ctx, id)
	if err != nil {
		return nil, mapErr(err, "user")
	}
	if u.OrganizationID != orgID {
		return nil, apperr.NotFound("user")
	}
	return u, nil
}

func (s *Service) ListUsers(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]*User, int, error) {
	users, total, err := s.users.ListByOrganization(ctx, orgID, limit, offset)
	return users, total, mapErr(err, "user")
}

// -- Permissions --

func (s *Service) CreatePermission(ctx context.Context, req CreatePermissionRequest) (*Permission, error) {
	name, err := authz.ParsePermission(req.Name)
	if err != nil {
		return nil, apperr.Validation("name", "must look like resource:action or resource.action")
	}
	p := &Permission{Name: name, DisplayName: req.DisplayName, Description: req.Description, PHI: req.PHI}
	if err := s.perms.Create(ctx, p); err != nil {
		return nil, mapErr(err, "permission")
	}
	return p, nil
}

func (s *Service) GetPermission(ctx context.Context, id uuid.UUID) (*Permission, error) {
	p, err := s.perms.GetByID(ctx, id)
	return p, mapErr(err, "permission")
}

func (s *Service) ListPermissions(ctx context.Context) ([]*Permission, error) {
	perms, err := s.perms.List(ctx)
	return perms, mapErr(err, "permission")
}

// UpdatePermission changes descriptive metadata only; the name is immutable.
func (s *Service) UpdatePermission(ctx context.Context, id uuid.UUID, req UpdatePermissionRequest) (*Permission, error) {
	p := &Permission{ID: id, DisplayName: req.DisplayName, Description: req.Description, PHI: req.PHI}
	if err := s.perms.Update(ctx, p); err != nil {
		return nil, mapErr(err, "permission")
	}
	return p, nil
}

// SyncBuiltinPermissions upserts the authz.Builtin registry.
func (s *Service) SyncBuiltinPermissions(ctx context.Context) (int, error) {
	for _, d := range authz.Builtin {
		p := &Permission{Name: d.Name, DisplayName: d.DisplayName, Description: d.Description, PHI: d.PHI}
		if err := s.perms.Upsert(ctx, p); err != nil {
			return 0, mapErr(err, "permission")
		}
	}
	return len(authz.Builtin), nil
}

// -- Roles --

// rolePermissions parses, dedupes and checks that every name is registered.
func (s *Service) rolePermissions(ctx context.Context, raw []string) ([]authz.PermissionName, error) {
	seen := authz.PermissionSet{}
	var perms []authz.PermissionName
	for i, r := range raw {
		p, err := authz.ParsePermission(r)
		if err != nil {
			return nil, apperr.Validationf("permissions[%d] %q is not a valid permission name", i, r)
		}
		if !seen.Has(p) {
			seen.Add(p)
			perms = append(perms, p)
		}
	}
	if len(perms) == 0 {
		return perms, nil
	}
	existing, err := s.perms.Existing(ctx, perms)
	if err != nil {
		return nil, mapErr(err, "permission")
	}
	if missing := existing.Missing(perms); len(missing) > 0 {
		return nil, apperr.Validationf("permission %q does not exist", missing[0])
	}
	return perms, nil
}

func (s *Service) CreateRole(ctx context.Context, orgID uuid.UUID, req RoleRequest) (*Role, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apperr.Validation("name", "is required")
	}
	perms, err := s.rolePermissions(ctx, req.Permissions)
	if err != nil {
		return nil, err
	}
	org := orgID
	role := &Role{OrganizationID: &org, Name: name, Description: req.Description, Permissions: perms}
	if err := s.roles.Create(ctx, role); err != nil {
		return nil, mapErr(err, "role")
	}
	return role, nil
}

// GetRole returns a role visible to orgID.
func (s *Service) GetRole(ctx context.Context, orgID, id uuid.UUID) (*Role, error) {
	role, err := s.roles.GetByID(ctx, id)
	if err != nil {
		return nil, mapErr(err, "role")
	}
	if !role.VisibleTo(orgID) {
		return nil, apperr.NotFound("role")
	}
	return role, nil
}

func (s *Service) ListRoles(ctx context.Context, orgID uuid.UUID) ([]*Role, error) {
	roles, err := s.roles.ListVisible(ctx, orgID)
	return roles, mapErr(err, "role")
}

// ownedRole loads a role the organization may modify. Global and system
// roles are read-only through the API.
func (s *Service) ownedRole(ctx context.Context, orgID, id uuid.UUID) (*Role, error) {
	role, err := s.GetRole(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if role.OrganizationID == nil || role.IsSystem {
		return nil, apperr.Forbidden("system roles cannot be modified")
	}
	return role, nil
}

func (s *Service) UpdateRole(ctx context.Context, orgID, id uuid.UUID, req RoleRequest) (*Role, error) {
	role, err := s.ownedRole(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apperr.Validation("name", "is required")
	}
	perms, err := s.rolePermissions(ctx, req.Permissions)
	if err != nil {
		return nil, err
	}
	role.Name, role.Description, role.Permissions = name, req.Description, perms
	if err := s.roles.Update(ctx, role); err != nil {
		return nil, mapErr(err, "role")
	}
	return role, nil
}

func (s *Service) DeleteRole(ctx context.Context, orgID, id uuid.UUID) error {
	if _, err := s.ownedRole(ctx, orgID, id); err != nil {
		return err
	}
	return mapErr(s.roles.Delete(ctx, id), "role")
}

// -- Assignments --

// AssignRole gives userID the role until req.ExpiresAt. Both must belong to
// orgID; the role may also be global.
func (s *Service) AssignRole(ctx context.Context, orgID, assignedBy, userID uuid.UUID, req AssignRoleRequest) (*UserRoleAssignment, error) {
	roleID, err := uuid.Parse(req.RoleID)
	if err != nil {
		return nil, apperr.Validation("role_id", "must be a valid UUID")
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(s.now()) {
		return nil, apperr.Validation("expires_at", "must be in the future")
	}
	if _, err := s.GetUser(ctx, orgID, userID); err != nil {
		return nil, err
	}
	role, err := s.GetRole(ctx, orgID, roleID)
	if err != nil {
		return nil, err
	}
	by := assignedBy
	a := &UserRoleAssignment{UserID: userID, RoleID: role.ID, RoleName: role.Name, AssignedBy: &by, ExpiresAt: req.ExpiresAt}
	if err := s.assignments.Assign(ctx, a); err != nil {
		return nil, mapErr(err, "role assignment")
	}
	a.RoleName = role.Name
	return a, nil
}

func (s *Service) RemoveRole(ctx context.Context, orgID, userID, roleID uuid.UUID) error {
	if _, err := s.GetUser(ctx, orgID, userID); err != nil {
		return err
	}
	return mapErr(s.assignments.Remove(ctx, userID, roleID), "role assignment")
}

func (s *Service) ListAssignments(ctx context.Context, orgID, userID uuid.UUID) ([]*UserRoleAssignment, error) {
	if _, err := s.GetUser(ctx, orgID, userID); err != nil {
		return nil, err
	}
	out, err := s.assignments.ListByUser(ctx, userID)
	return out, mapErr(err, "role assignment")
}
