package rbac

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/healthops/healthops/internal/platform/authz"
	"github.com/healthops/healthops/internal/platform/db"
)

// -- Organization Repository --

type orgRepoPG struct {
	pool *pgxpool.Pool
}

func NewOrganizationRepo(pool *pgxpool.Pool) OrganizationRepository {
	return &orgRepoPG{pool: pool}
}

func (r *orgRepoPG) Create(ctx context.Context, org *Organization) error {
	org.ID = uuid.New()
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO organization (id, name, territory) VALUES ($1, $2, NULLIF($3, ''))
		RETURNING created_at`,
		org.ID, org.Name, org.Territory,
	).Scan(&org.CreatedAt)
}

func (r *orgRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Organization, error) {
	var o Organization
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT id, name, COALESCE(territory, ''), created_at FROM organization WHERE id = $1`, id,
	).Scan(&o.ID, &o.Name, &o.Territory, &o.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &o, nil
}

// -- User Repository --

type userRepoPG struct {
	pool *pgxpool.Pool
}

func NewUserRepo(pool *pgxpool.Pool) UserRepository {
	return &userRepoPG{pool: pool}
}

const userColumns = `id, organization_id, email, display_name, is_org_admin, status, created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.OrganizationID, &u.Email, &u.DisplayName, &u.IsOrgAdmin, &u.Status, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *userRepoPG) Create(ctx context.Context, u *User) error {
	u.ID = uuid.New()
	if u.Status == "" {
		u.Status = UserActive
	}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO app_user (id, organization_id, email, display_name, is_org_admin, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		u.ID, u.OrganizationID, u.Email, u.DisplayName, u.IsOrgAdmin, u.Status,
	).Scan(&u.CreatedAt, &u.UpdatedAt)
	if db.IsUniqueViolation(err, "uq_app_user_email") {
		return ErrEmailExists
	}
	return err
}

func (r *userRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	u, err := scanUser(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+userColumns+` FROM app_user WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return u, nil
}

func (r *userRepoPG) ListByOrganization(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]*User, int, error) {
	q := db.Conn(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM app_user WHERE organization_id = $1`, orgID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := q.Query(ctx,
		`SELECT `+userColumns+` FROM app_user WHERE organization_id = $1 ORDER BY display_name, id LIMIT $2 OFFSET $3`,
		orgID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	users := []*User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, err
		}
		users = append(users, u)
	}
	return users, total, rows.Err()
}

// -- Permission Repository --

type permissionRepoPG struct {
	pool *pgxpool.Pool
}

func NewPermissionRepo(pool *pgxpool.Pool) PermissionRepository {
	return &permissionRepoPG{pool: pool}
}

const permissionColumns = `id, name, display_name, COALESCE(description, ''), phi, created_at, updated_at`

func scanPermission(row pgx.Row) (*Permission, error) {
	var p Permission
	if err := row.Scan(&p.ID, &p.Name, &p.DisplayName, &p.Description, &p.PHI, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *permissionRepoPG) Create(ctx context.Context, p *Permission) error {
	p.ID = uuid.New()
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO permission (id, name, display_name, description, phi)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5)
		RETURNING created_at, updated_at`,
		p.ID, p.Name, p.DisplayName, p.Description, p.PHI,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if db.IsUniqueViolation(err, "uq_permission_name") {
		return ErrPermissionExists
	}
	return err
}

func (r *permissionRepoPG) Upsert(ctx context.Context, p *Permission) error {
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO permission (id, name, display_name, description, phi)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5)
		ON CONFLICT (name) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			description = EXCLUDED.description,
			phi = EXCLUDED.phi,
			updated_at = NOW()
		RETURNING id, created_at, updated_at`,
		uuid.New(), p.Name, p.DisplayName, p.Description, p.PHI,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
}

func (r *permissionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Permission, error) {
	p, err := scanPermission(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+permissionColumns+` FROM permission WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return p, nil
}

func (r *permissionRepoPG) List(ctx context.Context) ([]*Permission, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+permissionColumns+` FROM permission ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	perms := []*Permission{}
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

func (r *permissionRepoPG) Update(ctx context.Context, p *Permission) error {
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE permission SET display_name = $2, description = NULLIF($3, ''), phi = $4, updated_at = NOW()
		WHERE id = $1
		RETURNING name, created_at, updated_at`,
		p.ID, p.DisplayName, p.Description, p.PHI,
	).Scan(&p.Name, &p.CreatedAt, &p.UpdatedAt)
	return notFound(err)
}

func (r *permissionRepoPG) Existing(ctx context.Context, names []authz.PermissionName) (authz.PermissionSet, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT name FROM permission WHERE name = ANY($1)`, permissionStrings(names))
	if err != nil {
		return nil, err
	}
	return collectPermissions(rows)
}

// -- Role Repository --

type roleRepoPG struct {
	pool *pgxpool.Pool
}

func NewRoleRepo(pool *pgxpool.Pool) RoleRepository {
	return &roleRepoPG{pool: pool}
}

// roleSelect aggregates permission names so a role loads in one query.
const roleSelect = `
	SELECT r.id, r.organization_id, r.name, COALESCE(r.description, ''), r.is_system, r.created_at, r.updated_at,
		COALESCE(array_agg(p.name ORDER BY p.name) FILTER (WHERE p.name IS NOT NULL), '{}')
	FROM role r
	LEFT JOIN role_permission rp ON rp.role_id = r.id
	LEFT JOIN permission p ON p.id = rp.permission_id`

func scanRole(row pgx.Row) (*Role, error) {
	var (
		r     Role
		perms []string
	)
	if err := row.Scan(&r.ID, &r.OrganizationID, &r.Name, &r.Description, &r.IsSystem, &r.CreatedAt, &r.UpdatedAt, &perms); err != nil {
		return nil, err
	}
	r.Permissions = make([]authz.PermissionName, len(perms))
	for i, p := range perms {
		r.Permissions[i] = authz.PermissionName(p)
	}
	return &r, nil
}

func roleConflict(err error) error {
	if db.IsUniqueViolation(err, "uq_role_org_name") || db.IsUniqueViolation(err, "uq_role_global_name") {
		return ErrRoleExists
	}
	return err
}

func (r *roleRepoPG) Create(ctx context.Context, role *Role) error {
	role.ID = uuid.New()
	return db.RunInTx(ctx, r.pool, func(ctx context.Context) error {
		q := db.Conn(ctx, r.pool)
		err := q.QueryRow(ctx, `
			INSERT INTO role (id, organization_id, name, description, is_system)
			VALUES ($1, $2, $3, NULLIF($4, ''), $5)
			RETURNING created_at, updated_at`,
			role.ID, role.OrganizationID, role.Name, role.Description, role.IsSystem,
		).Scan(&role.CreatedAt, &role.UpdatedAt)
		if err != nil {
			return roleConflict(err)
		}
		return setRolePermissions(ctx, q, role.ID, role.Permissions)
	})
}

func setRolePermissions(ctx context.Context, q db.Querier, roleID uuid.UUID, perms []authz.PermissionName) error {
	if _, err := q.Exec(ctx, `DELETE FROM role_permission WHERE role_id = $1`, roleID); err != nil {
		return fmt.Errorf("clear role permissions: %w", err)
	}
	if len(perms) == 0 {
		return nil
	}
	tag, err := q.Exec(ctx, `
		INSERT INTO role_permission (role_id, permission_id)
		SELECT $1, id FROM permission WHERE name = ANY($2)`,
		roleID, permissionStrings(perms))
	if err != nil {
		return fmt.Errorf("set role permissions: %w", err)
	}
	if int(tag.RowsAffected()) != len(perms) {
		return fmt.Errorf("set role permissions: %d of %d permissions exist", tag.RowsAffected(), len(perms))
	}
	return nil
}

func (r *roleRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Role, error) {
	role, err := scanRole(db.Conn(ctx, r.pool).QueryRow(ctx, roleSelect+` WHERE r.id = $1 GROUP BY r.id`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return role, nil
}

func (r *roleRepoPG) ListVisible(ctx context.Context, orgID uuid.UUID) ([]*Role, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		roleSelect+` WHERE r.organization_id = $1 OR r.organization_id IS NULL GROUP BY r.id ORDER BY r.name, r.id`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	roles := []*Role{}
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (r *roleRepoPG) Update(ctx context.Context, role *Role) error {
	return db.RunInTx(ctx, r.pool, func(ctx context.Context) error {
		q := db.Conn(ctx, r.pool)
		err := q.QueryRow(ctx, `
			UPDATE role SET name = $2, description = NULLIF($3, ''), updated_at = NOW()
			WHERE id = $1
			RETURNING updated_at`,
			role.ID, role.Name, role.Description,
		).Scan(&role.UpdatedAt)
		if err != nil {
			return notFound(roleConflict(err))
		}
		return setRolePermissions(ctx, q, role.ID, role.Permissions)
	})
}

func (r *roleRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM role WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// -- Assignment Repository --

type assignmentRepoPG struct {
	pool *pgxpool.Pool
}

func NewAssignmentRepo(pool *pgxpool.Pool) AssignmentRepository {
	return &assignmentRepoPG{pool: pool}
}

func (r *assignmentRepoPG) Assign(ctx context.Context, a *UserRoleAssignment) error {
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO user_role_assignment (id, user_id, role_id, assigned_by, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, role_id) DO UPDATE SET
			assigned_by = EXCLUDED.assigned_by,
			expires_at = EXCLUDED.expires_at
		RETURNING id, created_at`,
		uuid.New(), a.UserID, a.RoleID, a.AssignedBy, a.ExpiresAt,
	).Scan(&a.ID, &a.CreatedAt)
}

func (r *assignmentRepoPG) Remove(ctx context.Context, userID, roleID uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`DELETE FROM user_role_assignment WHERE user_id = $1 AND role_id = $2`, userID, roleID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *assignmentRepoPG) ListByUser(ctx context.Context, userID uuid.UUID) ([]*UserRoleAssignment, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT a.id, a.user_id, a.role_id, r.name, a.assigned_by, a.expires_at, a.created_at
		FROM user_role_assignment a
		JOIN role r ON r.id = a.role_id
		WHERE a.user_id = $1
		ORDER BY r.name`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*UserRoleAssignment{}
	for rows.Next() {
		var a UserRoleAssignment
		if err := rows.Scan(&a.ID, &a.UserID, &a.RoleID, &a.RoleName, &a.AssignedBy, &a.ExpiresAt, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// currentRoles restricts to unexpired assignments of active users whose
// role is global or belongs to the user's organization.
const (
	currentRoles = `
	FROM user_role_assignment a
	JOIN app_user u ON u.id = a.user_id AND u.status = 'active'
	JOIN role r ON r.id = a.role_id
		AND (r.organization_id IS NULL OR r.organization_id = u.organization_id)`
	currentWhere = `
	WHERE a.user_id = $1 AND (a.expires_at IS NULL OR a.expires_at > $2)`
)

func (r *assignmentRepoPG) CurrentPermissions(ctx context.Context, userID uuid.UUID, now time.Time) (authz.PermissionSet, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT DISTINCT p.name`+currentRoles+`
		JOIN role_permission rp ON rp.role_id = r.id
		JOIN permission p ON p.id = rp.permission_id`+currentWhere, userID, now)
	if err != nil {
		return nil, err
	}
	return collectPermissions(rows)
}

func (r *assignmentRepoPG) CurrentRoleNames(ctx context.Context, userID uuid.UUID, now time.Time) ([]string, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT r.name`+currentRoles+currentWhere+` ORDER BY r.name`, userID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func collectPermissions(rows pgx.Rows) (authz.PermissionSet, error) {
	defer rows.Close()
	set := authz.PermissionSet{}
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		set.Add(authz.PermissionName(n))
	}
	return set, rows.Err()
}

func permissionStrings(perms []authz.PermissionName) []string {
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = string(p)
	}
	return out
}

func notFound(err error) error {
	if db.IsNoRows(err) {
		return ErrNotFound
	}
	return err
}
