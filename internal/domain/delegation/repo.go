package delegation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("delegation not found")
	// ErrDuplicate is returned when a live delegation already exists for
	// the same delegator and delegate.
	ErrDuplicate = errors.New("active delegation already exists for this pair")
	// ErrTransition is returned when a conditional approve or revoke
	// matched no row in the required state.
	ErrTransition = errors.New("delegation is not in a state that allows this transition")
)

// Repository persists delegations. Create, Approve and Revoke are atomic:
// concurrent callers on the same pair or row never both succeed.
type Repository interface {
	// Create deactivates expired live rows for the pair and inserts d in one
	// transaction. It returns ErrDuplicate if a live row remains.
	Create(ctx context.Context, d *Delegation, now time.Time) error
	GetByID(ctx context.Context, id uuid.UUID) (*Delegation, error)
	ListByDelegator(ctx context.Context, orgID, delegatorID uuid.UUID) ([]*Delegation, error)
	ListByDelegate(ctx context.Context, orgID, delegateID uuid.UUID) ([]*Delegation, error)
	// FindUsable lists delegations to delegateID that are usable at now,
	// oldest first, optionally restricted to one delegator.
	FindUsable(ctx context.Context, delegateID uuid.UUID, delegatorID *uuid.UUID, now time.Time) ([]*Delegation, error)
	// LiveBetween reports whether delegatorID has an unrevoked, unexpired
	// delegation to delegateID, pending or not.
	LiveBetween(ctx context.Context, delegatorID, delegateID uuid.UUID, now time.Time) (bool, error)
	// Approve sets approval on a pending, unexpired, unrevoked row.
	Approve(ctx context.Context, id, approverID uuid.UUID, now time.Time) (*Delegation, error)
	// Revoke revokes a row that is not already revoked.
	Revoke(ctx context.Context, id, revokerID uuid.UUID, reason string, now time.Time) (*Delegation, error)
}
