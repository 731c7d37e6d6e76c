package authz

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/healthops/healthops/internal/platform/apperr"
	"github.com/healthops/healthops/internal/platform/hipaa"
)

// Resolver computes a user's role-derived permissions and roles.
type Resolver interface {
	GetEffectivePermissions(ctx context.Context, userID uuid.UUID) (PermissionSet, error)
	HasRole(ctx context.Context, userID uuid.UUID, role string) (bool, error)
}

// GrantFinder looks up a usable delegation from delegator to delegate that
// covers perm and whose scope admits target. It returns nil without error
// when none exists.
type GrantFinder interface {
	FindGrant(ctx context.Context, delegateID, delegatorID uuid.UUID, perm PermissionName, target Target) (*Grant, error)
}

// Recorder persists audit entries. It never fails the caller.
type Recorder interface {
	Record(ctx context.Context, e *hipaa.Entry)
}

// Grant identifies the delegation that authorized an on-behalf action.
type Grant struct {
	DelegationID uuid.UUID
	DelegatorID  uuid.UUID
}

// Target is the resource a decision concerns. All fields are optional.
type Target struct {
	ResourceType string
	ResourceID   string
	PatientID    string
	// ActionType is the business action checked against delegation
	// action_types restrictions.
	ActionType string
}

// GrantSource says where an allow came from.
type GrantSource string

const (
	SourceNone       GrantSource = "none"
	SourceRole       GrantSource = "role"
	SourceDelegation GrantSource = "delegation"
)

// Decision is the result of one gate check.
type Decision struct {
	Allowed bool
	Source  GrantSource
	// Granted is the permission that matched, empty for role checks and denials.
	Granted PermissionName
	Grant   *Grant
	Reason  string
}

// Gate makes authorization decisions and records exactly one audit entry
// for each of them.
type Gate struct {
	resolver Resolver
	grants   GrantFinder
	recorder Recorder
	logger   zerolog.Logger
	now      func() time.Time
}

// NewGate returns a Gate. grants may be nil, in which case on-behalf
// requests are only authorized by the caller's own permissions.
func NewGate(resolver Resolver, grants GrantFinder, recorder Recorder, logger zerolog.Logger) *Gate {
	return &Gate{
		resolver: resolver,
		grants:   grants,
		recorder: recorder,
		logger:   logger.With().Str("component", "authz").Logger(),
		now:      time.Now,
	}
}

// Authorize requires perm. It returns an apperr forbidden error on deny.
func (g *Gate) Authorize(ctx context.Context, ac *hipaa.AuditContext, perm PermissionName, target Target) (*Decision, error) {
	return g.AuthorizeAny(ctx, ac, []PermissionName{perm}, target)
}

// AuthorizeAny requires at least one of perms. Permissions are tried in
// order and the first held one is reported as granted. Delegated grants are
// tried only after none of perms is held directly.
func (g *Gate) AuthorizeAny(ctx context.Context, ac *hipaa.AuditContext, perms []PermissionName, target Target) (*Decision, error) {
	start := g.now()
	d, resErr := g.decidePermissions(ctx, ac, perms, target)

	e := g.entry(ac, d, target, "check_permission").
		WithMeta("required_permissions", names(perms))
	if d.Allowed {
		e.WithMeta("granted_permission", string(d.Granted))
		if IsPHI(d.Granted) {
			e.EventType = hipaa.EventPHIAccess
			e.PHI = true
		}
	}
	return g.finish(ctx, e, d, resErr, start)
}

// AuthorizeRole requires the caller to hold role through a current role
// assignment. Delegations never grant roles.
func (g *Gate) AuthorizeRole(ctx context.Context, ac *hipaa.AuditContext, role string, target Target) (*Decision, error) {
	start := g.now()
	d := &Decision{Source: SourceNone}
	var resErr error

	switch {
	case ac == nil || ac.UserID == uuid.Nil:
		d.Reason = "no authenticated caller"
	default:
		ok, err := g.resolver.HasRole(ctx, ac.UserID, role)
		switch {
		case err != nil:
			resErr = err
			d.Reason = "role resolution failed"
		case ok:
			d.Allowed, d.Source = true, SourceRole
		default:
			d.Reason = fmt.Sprintf("role %q required", role)
		}
	}

	e := g.entry(ac, d, target, "check_role").WithMeta("required_role", role)
	return g.finish(ctx, e, d, resErr, start)
}

func (g *Gate) decidePermissions(ctx context.Context, ac *hipaa.AuditContext, perms []PermissionName, target Target) (*Decision, error) {
	d := &Decision{Source: SourceNone}
	if ac == nil || ac.UserID == uuid.Nil {
		d.Reason = "no authenticated caller"
		return d, nil
	}
	if len(perms) == 0 {
		d.Reason = "no permission specified"
		return d, nil
	}

	held, err := g.resolver.GetEffectivePermissions(ctx, ac.UserID)
	if err != nil {
		// Fail closed, but still consider delegations below.
		held = PermissionSet{}
	}
	for _, p := range perms {
		if held.Has(p) {
			d.Allowed, d.Source, d.Granted = true, SourceRole, p
			return d, nil
		}
	}
	resErr := err

	if ac.OnBehalfOf != nil && g.grants != nil {
		for _, p := range perms {
			grant, gerr := g.grants.FindGrant(ctx, ac.UserID, *ac.OnBehalfOf, p, target)
			if gerr != nil {
				if resErr == nil {
					resErr = gerr
				}
				continue
			}
			if grant != nil {
				d.Allowed, d.Source, d.Granted, d.Grant = true, SourceDelegation, p, grant
				return d, nil
			}
		}
	}

	switch {
	case resErr != nil:
		d.Reason = "permission resolution failed"
	case len(perms) == 1:
		d.Reason = fmt.Sprintf("permission %q required", perms[0])
	default:
		d.Reason = "one of " + strings.Join(names(perms), ", ") + " required"
	}
	return d, resErr
}

func (g *Gate) entry(ac *hipaa.AuditContext, d *Decision, t Target, action string) *hipaa.Entry {
	e := ac.NewEntry(hipaa.EventPermissionCheck, action)
	e.Category = hipaa.CategoryAuthorization
	e.ResourceType = t.ResourceType
	e.ResourceID = t.ResourceID
	e.PatientID = t.PatientID
	e.Success = d.Allowed
	e.WithMeta("decision", decisionLabel(d.Allowed)).WithMeta("source", string(d.Source))
	if d.Grant != nil {
		e.WithMeta("delegation_id", d.Grant.DelegationID.String())
	}
	if !d.Allowed {
		e.EventType = hipaa.EventSecurity
		e.Category = hipaa.CategoryUnauthorizedAccess
		e.Severity = hipaa.SeverityHigh
		e.WithMeta("reason", d.Reason)
	}
	return e
}

func (g *Gate) finish(ctx context.Context, e *hipaa.Entry, d *Decision, resErr error, start time.Time) (*Decision, error) {
	if resErr != nil {
		e.WithMeta("resolution_error", resErr.Error())
	}
	g.recorder.Record(ctx, e)

	label := decisionLabel(d.Allowed)
	DecisionsTotal.WithLabelValues(label, string(d.Source)).Inc()
	DecisionDuration.Observe(g.now().Sub(start).Seconds())

	if d.Allowed {
		return d, nil
	}

	evt := g.logger.Warn().
		Str("action", e.Action).
		Str("endpoint", e.Endpoint).
		Str("method", e.Method).
		Str("reason", d.Reason)
	if e.UserID != nil {
		evt = evt.Str("user_id", e.UserID.String())
	}
	if resErr != nil {
		evt = evt.AnErr("resolution_error", resErr)
	}
	evt.Msg("authorization denied")

	return d, apperr.Forbidden(d.Reason)
}

func decisionLabel(allowed bool) string {
	if allowed {
		return "allow"
	}
	return "deny"
}
