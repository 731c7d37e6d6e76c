package delegation

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/healthops/healthops/internal/platform/authz"
)

// State is the derived lifecycle state of a delegation.
type State string

const (
	StatePendingApproval State = "PENDING_APPROVAL"
	StateActive          State = "ACTIVE"
	StateExpired         State = "EXPIRED"
	StateRevoked         State = "REVOKED"
)

// ParseState returns the State named s.
func ParseState(s string) (State, error) {
	switch st := State(s); st {
	case StatePendingApproval, StateActive, StateExpired, StateRevoked:
		return st, nil
	}
	return "", fmt.Errorf("unknown delegation state %q", s)
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateExpired, StateRevoked:
		return true
	case StatePendingApproval, StateActive:
		return false
	}
	return false
}

// Delegation maps to the delegation_permission table. State is derived on
// read and never stored.
type Delegation struct {
	ID               uuid.UUID              `json:"id"`
	OrganizationID   uuid.UUID              `json:"organization_id"`
	DelegatorID      uuid.UUID              `json:"delegator_id"`
	DelegateID       uuid.UUID              `json:"delegate_id"`
	Permissions      []authz.PermissionName `json:"permissions"`
	Reason           string                 `json:"reason"`
	Scope            *Scope                 `json:"scope_restrictions,omitempty"`
	RequiresApproval bool                   `json:"requires_approval"`
	ApprovedAt       *time.Time             `json:"approved_at,omitempty"`
	ApprovedByID     *uuid.UUID             `json:"approved_by_id,omitempty"`
	ExpiresAt        *time.Time             `json:"expires_at,omitempty"`
	IsActive         bool                   `json:"is_active"`
	RevokedAt        *time.Time             `json:"revoked_at,omitempty"`
	RevokedByID      *uuid.UUID             `json:"revoked_by_id,omitempty"`
	RevokeReason     string                 `json:"revoke_reason,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
	State            State                  `json:"state"`
}

// StateAt derives the state at now. Revocation wins over expiry, and expiry
// wins over pending approval.
func (d *Delegation) StateAt(now time.Time) State {
	switch {
	case d.RevokedAt != nil:
		return StateRevoked
	case !d.IsActive, d.ExpiresAt != nil && !d.ExpiresAt.After(now):
		return StateExpired
	case d.RequiresApproval && d.ApprovedAt == nil:
		return StatePendingApproval
	default:
		return StateActive
	}
}

// Usable reports whether the delegation may be exercised at now.
func (d *Delegation) Usable(now time.Time) bool {
	return d.StateAt(now) == StateActive
}

// Grants reports whether perm is one of the delegated permissions.
func (d *Delegation) Grants(perm authz.PermissionName) bool {
	for _, p := range d.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// Involves reports whether userID is the delegator or the delegate.
func (d *Delegation) Involves(userID uuid.UUID) bool {
	return d.DelegatorID == userID || d.DelegateID == userID
}

func (d *Delegation) withState(now time.Time) *Delegation {
	d.State = d.StateAt(now)
	return d
}

// Descriptor is what a successful on-behalf submission hands to the
// downstream business operation.
type Descriptor struct {
	DelegationID     uuid.UUID            `json:"delegation_id"`
	DelegatorID      uuid.UUID            `json:"delegator_id"`
	DelegateID       uuid.UUID            `json:"delegate_id"`
	Permission       authz.PermissionName `json:"permission"`
	Reason           string               `json:"reason"`
	RequiresApproval bool                 `json:"requires_approval"`
}

// Direction selects which side of a delegation the caller is on in List.
type Direction string

const (
	DirectionGiven    Direction = "given"
	DirectionReceived Direction = "received"
)

func ParseDirection(s string) (Direction, error) {
	switch d := Direction(s); d {
	case DirectionGiven, DirectionReceived:
		return d, nil
	case "":
		return DirectionReceived, nil
	}
	return "", fmt.Errorf("unknown delegation direction %q", s)
}

// Request payloads.

type CreateRequest struct {
	DelegateID       string     `json:"delegate_id" validate:"required,uuid"`
	Permissions      []string   `json:"permissions" validate:"required,min=1,dive,permission"`
	Reason           string     `json:"reason" validate:"required,max=1000"`
	ExpiresAt        *time.Time `json:"expires_at"`
	RequiresApproval bool       `json:"requires_approval"`
	Scope            *Scope     `json:"scope_restrictions"`
}

type RevokeRequest struct {
	Reason string `json:"reason" validate:"max=1000"`
}

// ResourceData describes what an on-behalf submission acts on. It is
// matched against the delegation's scope restrictions.
type ResourceData struct {
	ResourceType string `json:"resource_type" validate:"max=100"`
	ResourceID   string `json:"resource_id" validate:"max=255"`
	PatientID    string `json:"patient_id" validate:"max=255"`
	ActionType   string `json:"action_type" validate:"max=100"`
}

func (r ResourceData) target() authz.Target {
	return authz.Target{ResourceType: r.ResourceType, ResourceID: r.ResourceID, PatientID: r.PatientID, ActionType: r.ActionType}
}

type SubmitRequest struct {
	DelegatorID  string       `json:"delegator_id" validate:"required,uuid"`
	Action       string       `json:"action" validate:"required,permission"`
	ResourceData ResourceData `json:"resource_data"`
}
