package rbac

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/healthops/healthops/internal/platform/authz"
)

// MemoryRepos holds in-memory implementations of every rbac repository over
// one shared state, so joins behave like the postgres queries.
type MemoryRepos struct {
	Organizations OrganizationRepository
	Users         UserRepository
	Permissions   PermissionRepository
	Roles         RoleRepository
	Assignments   AssignmentRepository
}

type memState struct {
	mu          sync.RWMutex
	orgs        map[uuid.UUID]Organization
	users       map[uuid.UUID]User
	perms       map[uuid.UUID]Permission
	roles       map[uuid.UUID]Role
	assignments map[uuid.UUID]UserRoleAssignment
}

func NewMemoryRepos() *MemoryRepos {
	s := &memState{
		orgs:        map[uuid.UUID]Organization{},
		users:       map[uuid.UUID]User{},
		perms:       map[uuid.UUID]Permission{},
		roles:       map[uuid.UUID]Role{},
		assignments: map[uuid.UUID]UserRoleAssignment{},
	}
	return &MemoryRepos{
		Organizations: memOrgs{s},
		Users:         memUsers{s},
		Permissions:   memPerms{s},
		Roles:         memRoles{s},
		Assignments:   memAssignments{s},
	}
}

type memOrgs struct{ s *memState }

func (r memOrgs) Create(_ context.Context, org *Organization) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	org.ID = uuid.New()
	org.CreatedAt = time.Now()
	r.s.orgs[org.ID] = *org
	return nil
}

func (r memOrgs) GetByID(_ context.Context, id uuid.UUID) (*Organization, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	o, ok := r.s.orgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &o, nil
}

type memUsers struct{ s *memState }

func (r memUsers) Create(_ context.Context, u *User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.users {
		if existing.Email == u.Email {
			return ErrEmailExists
		}
	}
	u.ID = uuid.New()
	if u.Status == "" {
		u.Status = UserActive
	}
	u.CreatedAt = time.Now()
	u.UpdatedAt = u.CreatedAt
	r.s.users[u.ID] = *u
	return nil
}

func (r memUsers) GetByID(_ context.Context, id uuid.UUID) (*User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	u, ok := r.s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (r memUsers) ListByOrganization(_ context.Context, orgID uuid.UUID, limit, offset int) ([]*User, int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	all := []*User{}
	for _, u := range r.s.users {
		if u.OrganizationID == orgID {
			u := u
			all = append(all, &u)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].DisplayName != all[j].DisplayName {
			return all[i].DisplayName < all[j].DisplayName
		}
		return all[i].ID.String() < all[j].ID.String()
	})
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

type memPerms struct{ s *memState }

func (r memPerms) byName(name authz.PermissionName) (Permission, bool) {
	for _, p := range r.s.perms {
		if p.Name == name {
			return p, true
		}
	}
	return Permission{}, false
}

func (r memPerms) Create(_ context.Context, p *Permission) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.byName(p.Name); ok {
		return ErrPermissionExists
	}
	p.ID = uuid.New()
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	r.s.perms[p.ID] = *p
	return nil
}

func (r memPerms) Upsert(_ context.Context, p *Permission) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := time.Now()
	if existing, ok := r.byName(p.Name); ok {
		p.ID, p.CreatedAt = existing.ID, existing.CreatedAt
	} else {
		p.ID, p.CreatedAt = uuid.New(), now
	}
	p.UpdatedAt = now
	r.s.perms[p.ID] = *p
	return nil
}

func (r memPerms) GetByID(_ context.Context, id uuid.UUID) (*Permission, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	p, ok := r.s.perms[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (r memPerms) List(_ context.Context) ([]*Permission, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]*Permission, 0, len(r.s.perms))
	for _, p := range r.s.perms {
		p := p
		out = append(out, &p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r memPerms) Update(_ context.Context, p *Permission) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	existing, ok := r.s.perms[p.ID]
	if !ok {
		return ErrNotFound
	}
	existing.DisplayName = p.DisplayName
	existing.Description = p.Description
	existing.PHI = p.PHI
	existing.UpdatedAt = time.Now()
	r.s.perms[p.ID] = existing
	*p = existing
	return nil
}

func (r memPerms) Existing(_ context.Context, names []authz.PermissionName) (authz.PermissionSet, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	set := authz.PermissionSet{}
	for _, n := range names {
		if _, ok := r.byName(n); ok {
			set.Add(n)
		}
	}
	return set, nil
}

type memRoles struct{ s *memState }

func sameScope(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// checkRole enforces name uniqueness per scope and that all permissions are
// registered. Callers hold the write lock.
func (r memRoles) checkRole(role *Role) error {
	for _, existing := range r.s.roles {
		if existing.ID != role.ID && existing.Name == role.Name && sameScope(existing.OrganizationID, role.OrganizationID) {
			return ErrRoleExists
		}
	}
	perms := memPerms(r)
	for _, p := range role.Permissions {
		if _, ok := perms.byName(p); !ok {
			return fmt.Errorf("set role permissions: permission %q does not exist", p)
		}
	}
	return nil
}

func (r memRoles) Create(_ context.Context, role *Role) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	role.ID = uuid.New()
	if err := r.checkRole(role); err != nil {
		return err
	}
	role.CreatedAt = time.Now()
	role.UpdatedAt = role.CreatedAt
	role.Permissions = sortedPerms(role.Permissions)
	r.s.roles[role.ID] = *role
	return nil
}

func (r memRoles) GetByID(_ context.Context, id uuid.UUID) (*Role, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	role, ok := r.s.roles[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &role, nil
}

func (r memRoles) ListVisible(_ context.Context, orgID uuid.UUID) ([]*Role, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := []*Role{}
	for _, role := range r.s.roles {
		if role.VisibleTo(orgID) {
			role := role
			out = append(out, &role)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r memRoles) Update(_ context.Context, role *Role) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	existing, ok := r.s.roles[role.ID]
	if !ok {
		return ErrNotFound
	}
	role.OrganizationID = existing.OrganizationID
	if err := r.checkRole(role); err != nil {
		return err
	}
	existing.Name = role.Name
	existing.Description = role.Description
	existing.Permissions = sortedPerms(role.Permissions)
	existing.UpdatedAt = time.Now()
	r.s.roles[role.ID] = existing
	*role = existing
	return nil
}

func (r memRoles) Delete(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.roles[id]; !ok {
		return ErrNotFound
	}
	delete(r.s.roles, id)
	for aid, a := range r.s.assignments {
		if a.RoleID == id {
			delete(r.s.assignments, aid)
		}
	}
	return nil
}

type memAssignments struct{ s *memState }

func (r memAssignments) Assign(_ context.Context, a *UserRoleAssignment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	role, ok := r.s.roles[a.RoleID]
	if !ok {
		return ErrNotFound
	}
	a.RoleName = role.Name
	for id, existing := range r.s.assignments {
		if existing.UserID == a.UserID && existing.RoleID == a.RoleID {
			existing.AssignedBy = a.AssignedBy
			existing.ExpiresAt = a.ExpiresAt
			r.s.assignments[id] = existing
			*a = existing
			return nil
		}
	}
	a.ID = uuid.New()
	a.CreatedAt = time.Now()
	r.s.assignments[a.ID] = *a
	return nil
}

func (r memAssignments) Remove(_ context.Context, userID, roleID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, a := range r.s.assignments {
		if a.UserID == userID && a.RoleID == roleID {
			delete(r.s.assignments, id)
			return nil
		}
	}
	return ErrNotFound
}

func (r memAssignments) ListByUser(_ context.Context, userID uuid.UUID) ([]*UserRoleAssignment, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := []*UserRoleAssignment{}
	for _, a := range r.s.assignments {
		if a.UserID == userID {
			a := a
			if role, ok := r.s.roles[a.RoleID]; ok {
				a.RoleName = role.Name
			}
			out = append(out, &a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoleName < out[j].RoleName })
	return out, nil
}

// currentRoles mirrors the postgres join. Callers hold the read lock.
func (r memAssignments) currentRoles(userID uuid.UUID, now time.Time) []Role {
	u, ok := r.s.users[userID]
	if !ok || !u.Active() {
		return nil
	}
	var roles []Role
	for _, a := range r.s.assignments {
		if a.UserID != userID || !a.Current(now) {
			continue
		}
		role, ok := r.s.roles[a.RoleID]
		if ok && role.VisibleTo(u.OrganizationID) {
			roles = append(roles, role)
		}
	}
	return roles
}

func (r memAssignments) CurrentPermissions(_ context.Context, userID uuid.UUID, now time.Time) (authz.PermissionSet, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	set := authz.PermissionSet{}
	for _, role := range r.currentRoles(userID, now) {
		for _, p := range role.Permissions {
			set.Add(p)
		}
	}
	return set, nil
}

func (r memAssignments) CurrentRoleNames(_ context.Context, userID uuid.UUID, now time.Time) ([]string, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var names []string
	for _, role := range r.currentRoles(userID, now) {
		names = append(names, role.Name)
	}
	sort.Strings(names)
	return names, nil
}

func sortedPerms(perms []authz.PermissionName) []authz.PermissionName {
	out := append([]authz.PermissionName{}, perms...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
