package delegation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/healthops/healthops/internal/platform/authz"
	"github.com/healthops/healthops/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const columns = `id, organization_id, delegator_id, delegate_id, permissions, reason,
	scope_restrictions, requires_approval, approved_at, approved_by_id, expires_at,
	is_active, revoked_at, revoked_by_id, COALESCE(revoke_reason, ''), created_at, updated_at`

// liveWhere matches rows the partial unique index covers.
const liveWhere = `is_active AND revoked_at IS NULL`

func scanDelegation(row pgx.Row) (*Delegation, error) {
	var (
		d     Delegation
		perms []string
		scope []byte
	)
	err := row.Scan(&d.ID, &d.OrganizationID, &d.DelegatorID, &d.DelegateID, &perms, &d.Reason,
		&scope, &d.RequiresApproval, &d.ApprovedAt, &d.ApprovedByID, &d.ExpiresAt,
		&d.IsActive, &d.RevokedAt, &d.RevokedByID, &d.RevokeReason, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.Permissions = make([]authz.PermissionName, len(perms))
	for i, p := range perms {
		d.Permissions[i] = authz.PermissionName(p)
	}
	if len(scope) > 0 {
		if err := json.Unmarshal(scope, &d.Scope); err != nil {
			return nil, fmt.Errorf("decode scope_restrictions of %s: %w", d.ID, err)
		}
	}
	return &d, nil
}

func encodeScope(s *Scope) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(s)
}

func (r *repoPG) Create(ctx context.Context, d *Delegation, now time.Time) error {
	scope, err := encodeScope(d.Scope)
	if err != nil {
		return fmt.Errorf("encode scope_restrictions: %w", err)
	}
	perms := make([]string, len(d.Permissions))
	for i, p := range d.Permissions {
		perms[i] = string(p)
	}

	return db.RunInTx(ctx, r.pool, func(ctx context.Context) error {
		q := db.Conn(ctx, r.pool)
		if _, err := q.Exec(ctx, `
			UPDATE delegation_permission SET is_active = FALSE, updated_at = $3
			WHERE delegator_id = $1 AND delegate_id = $2 AND `+liveWhere+`
			  AND expires_at IS NOT NULL AND expires_at <= $3`,
			d.DelegatorID, d.DelegateID, now); err != nil {
			return fmt.Errorf("deactivate expired delegations: %w", err)
		}

		d.ID = uuid.New()
		d.IsActive = true
		err := q.QueryRow(ctx, `
			INSERT INTO delegation_permission
				(id, organization_id, delegator_id, delegate_id, permissions, reason,
				 scope_restrictions, requires_approval, expires_at, is_active, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, TRUE, $10, $10)
			RETURNING created_at, updated_at`,
			d.ID, d.OrganizationID, d.DelegatorID, d.DelegateID, perms, d.Reason,
			scope, d.RequiresApproval, d.ExpiresAt, now,
		).Scan(&d.CreatedAt, &d.UpdatedAt)
		if db.IsUniqueViolation(err, "uq_delegation_active_pair") {
			return ErrDuplicate
		}
		return err
	})
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Delegation, error) {
	d, err := scanDelegation(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+columns+` FROM delegation_permission WHERE id = $1`, id))
	if db.IsNoRows(err) {
		return nil, ErrNotFound
	}
	return d, err
}

func (r *repoPG) list(ctx context.Context, sql string, args ...any) ([]*Delegation, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*Delegation{}
	for rows.Next() {
		d, err := scanDelegation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *repoPG) ListByDelegator(ctx context.Context, orgID, delegatorID uuid.UUID) ([]*Delegation, error) {
	return r.list(ctx, `SELECT `+columns+` FROM delegation_permission
		WHERE organization_id = $1 AND delegator_id = $2 ORDER BY created_at DESC`, orgID, delegatorID)
}

func (r *repoPG) ListByDelegate(ctx context.Context, orgID, delegateID uuid.UUID) ([]*Delegation, error) {
	return r.list(ctx, `SELECT `+columns+` FROM delegation_permission
		WHERE organization_id = $1 AND delegate_id = $2 ORDER BY created_at DESC`, orgID, delegateID)
}

func (r *repoPG) FindUsable(ctx context.Context, delegateID uuid.UUID, delegatorID *uuid.UUID, now time.Time) ([]*Delegation, error) {
	return r.list(ctx, `SELECT `+columns+` FROM delegation_permission
		WHERE delegate_id = $1 AND ($2::uuid IS NULL OR delegator_id = $2) AND `+liveWhere+`
		  AND (expires_at IS NULL OR expires_at > $3)
		  AND (NOT requires_approval OR approved_at IS NOT NULL)
		ORDER BY created_at, id`, delegateID, delegatorID, now)
}

func (r *repoPG) LiveBetween(ctx context.Context, delegatorID, delegateID uuid.UUID, now time.Time) (bool, error) {
	var exists bool
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM delegation_permission
		WHERE delegator_id = $1 AND delegate_id = $2 AND `+liveWhere+`
		  AND (expires_at IS NULL OR expires_at > $3))`,
		delegatorID, delegateID, now).Scan(&exists)
	return exists, err
}

// transition runs a single-row conditional UPDATE. When no row matches it
// tells a missing row apart from one in the wrong state.
func (r *repoPG) transition(ctx context.Context, id uuid.UUID, sql string, args ...any) (*Delegation, error) {
	d, err := scanDelegation(db.Conn(ctx, r.pool).QueryRow(ctx, sql, args...))
	if err == nil {
		return d, nil
	}
	if !db.IsNoRows(err) {
		return nil, err
	}
	if _, gerr := r.GetByID(ctx, id); gerr != nil {
		return nil, gerr
	}
	return nil, ErrTransition
}

func (r *repoPG) Approve(ctx context.Context, id, approverID uuid.UUID, now time.Time) (*Delegation, error) {
	return r.transition(ctx, id, `
		UPDATE delegation_permission
		SET approved_at = $3, approved_by_id = $2, updated_at = $3
		WHERE id = $1 AND requires_approval AND approved_at IS NULL AND `+liveWhere+`
		  AND (expires_at IS NULL OR expires_at > $3)
		RETURNING `+columns, id, approverID, now)
}

func (r *repoPG) Revoke(ctx context.Context, id, revokerID uuid.UUID, reason string, now time.Time) (*Delegation, error) {
	return r.transition(ctx, id, `
		UPDATE delegation_permission
		SET is_active = FALSE, revoked_at = $3, revoked_by_id = $2, revoke_reason = NULLIF($4, ''), updated_at = $3
		WHERE id = $1 AND revoked_at IS NULL
		RETURNING `+columns, id, revokerID, now, reason)
}
