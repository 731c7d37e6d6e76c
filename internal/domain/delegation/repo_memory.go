package delegation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepo is a mutex-guarded Repository used by tests and dev mode.
type MemoryRepo struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*Delegation
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{rows: map[uuid.UUID]*Delegation{}}
}

func live(d *Delegation) bool { return d.IsActive && d.RevokedAt == nil }

func unexpired(d *Delegation, now time.Time) bool {
	return d.ExpiresAt == nil || d.ExpiresAt.After(now)
}

func clone(d *Delegation) *Delegation {
	c := *d
	c.Permissions = append(c.Permissions[:0:0], d.Permissions...)
	return &c
}

func (r *MemoryRepo) Create(_ context.Context, d *Delegation, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.rows {
		if existing.DelegatorID != d.DelegatorID || existing.DelegateID != d.DelegateID || !live(existing) {
			continue
		}
		if !unexpired(existing, now) {
			existing.IsActive = false
			existing.UpdatedAt = now
			continue
		}
		return ErrDuplicate
	}
	d.ID = uuid.New()
	d.IsActive = true
	d.CreatedAt, d.UpdatedAt = now, now
	r.rows[d.ID] = clone(d)
	return nil
}

func (r *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Delegation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(d), nil
}

func (r *MemoryRepo) filter(keep func(*Delegation) bool, oldestFirst bool) []*Delegation {
	out := []*Delegation{}
	for _, d := range r.rows {
		if keep(d) {
			out = append(out, clone(d))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt) == oldestFirst
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func (r *MemoryRepo) ListByDelegator(_ context.Context, orgID, delegatorID uuid.UUID) ([]*Delegation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.filter(func(d *Delegation) bool {
		return d.OrganizationID == orgID && d.DelegatorID == delegatorID
	}, false), nil
}

func (r *MemoryRepo) ListByDelegate(_ context.Context, orgID, delegateID uuid.UUID) ([]*Delegation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.filter(func(d *Delegation) bool {
		return d.OrganizationID == orgID && d.DelegateID == delegateID
	}, false), nil
}

func (r *MemoryRepo) FindUsable(_ context.Context, delegateID uuid.UUID, delegatorID *uuid.UUID, now time.Time) ([]*Delegation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.filter(func(d *Delegation) bool {
		if d.DelegateID != delegateID || (delegatorID != nil && d.DelegatorID != *delegatorID) {
			return false
		}
		return d.Usable(now)
	}, true), nil
}

func (r *MemoryRepo) LiveBetween(_ context.Context, delegatorID, delegateID uuid.UUID, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.rows {
		if d.DelegatorID == delegatorID && d.DelegateID == delegateID && live(d) && unexpired(d, now) {
			return true, nil
		}
	}
	return false, nil
}

func (r *MemoryRepo) Approve(_ context.Context, id, approverID uuid.UUID, now time.Time) (*Delegation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !d.RequiresApproval || d.ApprovedAt != nil || !live(d) || !unexpired(d, now) {
		return nil, ErrTransition
	}
	by := approverID
	d.ApprovedAt, d.ApprovedByID, d.UpdatedAt = &now, &by, now
	return clone(d), nil
}

func (r *MemoryRepo) Revoke(_ context.Context, id, revokerID uuid.UUID, reason string, now time.Time) (*Delegation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	if d.RevokedAt != nil {
		return nil, ErrTransition
	}
	by := revokerID
	d.IsActive = false
	d.RevokedAt, d.RevokedByID, d.RevokeReason, d.UpdatedAt = &now, &by, reason, now
	return clone(d), nil
}
