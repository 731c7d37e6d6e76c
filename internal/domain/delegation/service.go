package delegation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/healthops/healthops/internal/domain/rbac"
	"github.com/healthops/healthops/internal/platform/apperr"
	"github.com/healthops/healthops/internal/platform/authz"
	"github.com/healthops/healthops/internal/platform/hipaa"
	"github.com/healthops/healthops/internal/platform/validation"
)

// Users looks up delegation parties. rbac.UserRepository satisfies it.
type Users interface {
	GetByID(ctx context.Context, id uuid.UUID) (*rbac.User, error)
}

// Permissions answers role-derived questions about a user. *rbac.Resolver
// satisfies it. Delegated permissions are never part of the answer, so a
// delegate cannot re-delegate what was delegated to them.
type Permissions interface {
	GetEffectivePermissions(ctx context.Context, userID uuid.UUID) (authz.PermissionSet, error)
	IsOrgAdmin(ctx context.Context, userID, orgID uuid.UUID) (bool, error)
}

// Service is the delegation engine.
type Service struct {
	repo     Repository
	users    Users
	perms    Permissions
	recorder authz.Recorder
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(repo Repository, users Users, perms Permissions, recorder authz.Recorder, logger zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		users:    users,
		perms:    perms,
		recorder: recorder,
		logger:   logger.With().Str("component", "delegation").Logger(),
		now:      time.Now,
	}
}

func isRejection(err error) bool {
	switch apperr.KindOf(err) {
	case apperr.KindValidation, apperr.KindForbidden, apperr.KindNotFound, apperr.KindConflict:
		return true
	case apperr.KindInternal:
		return false
	}
	return false
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return apperr.NotFound("delegation")
	case errors.Is(err, ErrDuplicate):
		return apperr.Conflict("an active delegation between these users")
	default:
		var ae *apperr.Error
		if errors.As(err, &ae) {
			return err
		}
		return apperr.Internal(err)
	}
}

// record writes one delegation audit entry. d may be nil when the request
// failed before a delegation was resolved.
func (s *Service) record(ctx context.Context, ac *hipaa.AuditContext, category hipaa.Category, action string, d *Delegation, err error, meta map[string]any) {
	e := ac.NewEntry(hipaa.EventDelegation, action)
	e.Category = category
	e.ResourceType = "delegation"
	e.Success = err == nil
	if d != nil {
		e.ResourceID = d.ID.String()
		e.WithMeta("delegator_id", d.DelegatorID.String()).
			WithMeta("delegate_id", d.DelegateID.String())
	}
	if err != nil {
		e.Severity = hipaa.SeverityMedium
		e.WithMeta("error", err.Error())
	}
	for k, v := range meta {
		e.WithMeta(k, v)
	}
	s.recorder.Record(ctx, e)
}

// party loads userID and requires it to be an active member of orgID.
func (s *Service) party(ctx context.Context, role string, userID, orgID uuid.UUID) (*rbac.User, error) {
	u, err := s.users.GetByID(ctx, userID)
	if errors.Is(err, rbac.ErrNotFound) {
		return nil, apperr.Validation(role+"_id", role+" does not exist")
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if !u.Active() {
		return nil, apperr.Validation(role+"_id", role+" is not an active user")
	}
	if u.OrganizationID != orgID {
		return nil, apperr.Validation(role+"_id", "delegator and delegate must belong to the same organization")
	}
	return u, nil
}

// Create records a delegation from the caller to req.DelegateID.
func (s *Service) Create(ctx context.Context, ac *hipaa.AuditContext, req CreateRequest) (*Delegation, error) {
	d, err := s.create(ctx, ac, req)
	OperationsTotal.WithLabelValues("create", outcome(err)).Inc()

	meta := map[string]any{"permissions": req.Permissions, "requires_approval": req.RequiresApproval}
	if d != nil {
		meta["new_state"] = string(d.State)
	} else {
		meta["delegate_id"] = req.DelegateID
	}
	s.record(ctx, ac, hipaa.CategoryDelegationLifecycle, "create_delegation", d, err, meta)
	return d, err
}

func (s *Service) create(ctx context.Context, ac *hipaa.AuditContext, req CreateRequest) (*Delegation, error) {
	if err := validation.Struct(&req); err != nil {
		return nil, err
	}
	now := s.now()
	delegatorID := ac.UserID
	delegateID, err := uuid.Parse(req.DelegateID)
	if err != nil {
		return nil, apperr.Validation("delegate_id", "must be a valid UUID")
	}
	if delegateID == delegatorID {
		return nil, apperr.Validation("delegate_id", "cannot delegate to yourself")
	}
	if strings.TrimSpace(req.Reason) == "" {
		return nil, apperr.Validation("reason", "reason is required")
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return nil, apperr.Validation("expires_at", "must be in the future")
	}
	if err := req.Scope.Validate(); err != nil {
		var ae *apperr.Error
		if errors.As(err, &ae) {
			return nil, err
		}
		return nil, apperr.Validation("scope_restrictions", err.Error())
	}

	if _, err := s.party(ctx, "delegator", delegatorID, ac.OrganizationID); err != nil {
		return nil, err
	}
	if _, err := s.party(ctx, "delegate", delegateID, ac.OrganizationID); err != nil {
		return nil, err
	}

	perms := make([]authz.PermissionName, 0, len(req.Permissions))
	seen := authz.PermissionSet{}
	for _, raw := range req.Permissions {
		p := authz.PermissionName(raw)
		if !seen.Has(p) {
			seen.Add(p)
			perms = append(perms, p)
		}
	}

	held, err := s.perms.GetEffectivePermissions(ctx, delegatorID)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("resolve delegator permissions: %w", err))
	}
	if !held.Has(authz.DelegationCreate) {
		return nil, apperr.Validation("permissions", "delegator lacks "+string(authz.DelegationCreate))
	}
	if missing := held.Missing(perms); len(missing) > 0 {
		return nil, apperr.Validation("permissions", "delegator does not hold: "+strings.Join(permissionStrings(missing), ", "))
	}

	reverse, err := s.repo.LiveBetween(ctx, delegateID, delegatorID, now)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if reverse {
		return nil, apperr.Validation("delegate_id", "circular delegation: the delegate already delegates to you")
	}

	d := &Delegation{
		OrganizationID:   ac.OrganizationID,
		DelegatorID:      delegatorID,
		DelegateID:       delegateID,
		Permissions:      perms,
		Reason:           strings.TrimSpace(req.Reason),
		Scope:            req.Scope,
		RequiresApproval: req.RequiresApproval,
		ExpiresAt:        req.ExpiresAt,
	}
	if err := s.repo.Create(ctx, d, now); err != nil {
		return nil, mapErr(err)
	}
	return d.withState(now), nil
}

func permissionStrings(perms []authz.PermissionName) []string {
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = string(p)
	}
	return out
}

// load returns a delegation of the caller's organization. Other
// organizations' delegations are reported as not found.
func (s *Service) load(ctx context.Context, ac *hipaa.AuditContext, id uuid.UUID) (*Delegation, error) {
	d, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, mapErr(err)
	}
	if d.OrganizationID != ac.OrganizationID {
		return nil, apperr.NotFound("delegation")
	}
	return d.withState(s.now()), nil
}

// privileged reports whether the caller is an org admin or holds one of perms.
func (s *Service) privileged(ctx context.Context, ac *hipaa.AuditContext, perms ...authz.PermissionName) (bool, error) {
	admin, err := s.perms.IsOrgAdmin(ctx, ac.UserID, ac.OrganizationID)
	if err != nil {
		return false, err
	}
	if admin {
		return true, nil
	}
	held, err := s.perms.GetEffectivePermissions(ctx, ac.UserID)
	if err != nil {
		return false, err
	}
	for _, p := range perms {
		if held.Has(p) {
			return true, nil
		}
	}
	return false, nil
}

// Get returns a delegation visible to the caller: a party to it, an org
// admin, or a holder of delegation:manage.
func (s *Service) Get(ctx context.Context, ac *hipaa.AuditContext, id uuid.UUID) (*Delegation, error) {
	d, err := s.load(ctx, ac, id)
	if err != nil {
		return nil, err
	}
	if d.Involves(ac.UserID) {
		return d, nil
	}
	ok, err := s.privileged(ctx, ac, authz.DelegationManage)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if !ok {
		return nil, apperr.NotFound("delegation")
	}
	return d, nil
}

// List returns delegations the caller gave or received, newest first.
func (s *Service) List(ctx context.Context, ac *hipaa.AuditContext, dir Direction) ([]*Delegation, error) {
	var (
		out []*Delegation
		err error
	)
	switch dir {
	case DirectionGiven:
		out, err = s.repo.ListByDelegator(ctx, ac.OrganizationID, ac.UserID)
	case DirectionReceived:
		out, err = s.repo.ListByDelegate(ctx, ac.OrganizationID, ac.UserID)
	default:
		return nil, apperr.Validation("direction", "must be one of: given, received")
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	now := s.now()
	for _, d := range out {
		d.withState(now)
	}
	return out, nil
}

// Approve moves a pending delegation to active. The delegator, org admins
// and holders of delegation:approve or delegation:manage may approve.
func (s *Service) Approve(ctx context.Context, ac *hipaa.AuditContext, id uuid.UUID) (*Delegation, error) {
	before, err := s.load(ctx, ac, id)
	var after *Delegation
	if err == nil {
		after, err = s.approve(ctx, ac, before)
	}
	OperationsTotal.WithLabelValues("approve", outcome(err)).Inc()

	meta := map[string]any{}
	subject := after
	if before != nil {
		meta["old_state"] = string(before.State)
		if subject == nil {
			subject = before
		}
	}
	if after != nil {
		meta["new_state"] = string(after.State)
	}
	s.record(ctx, ac, hipaa.CategoryDelegationLifecycle, "approve_delegation", subject, err, meta)
	return after, err
}

func (s *Service) approve(ctx context.Context, ac *hipaa.AuditContext, d *Delegation) (*Delegation, error) {
	if d.DelegateID == ac.UserID {
		return nil, apperr.Forbidden("the delegate cannot approve a delegation made to them")
	}
	if d.DelegatorID != ac.UserID {
		ok, err := s.privileged(ctx, ac, authz.DelegationApprove, authz.DelegationManage)
		if err != nil {
			return nil, apperr.Internal(err)
		}
		if !ok {
			return nil, apperr.Forbidden("not allowed to approve this delegation")
		}
	}
	now := s.now()
	approved, err := s.repo.Approve(ctx, d.ID, ac.UserID, now)
	if errors.Is(err, ErrTransition) {
		return nil, apperr.Validationf("delegation in state %s cannot be approved", d.State)
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return approved.withState(now), nil
}

// Revoke ends a delegation. The delegator, the delegate, org admins and
// holders of delegation:manage may revoke.
func (s *Service) Revoke(ctx context.Context, ac *hipaa.AuditContext, id uuid.UUID, reason string) (*Delegation, error) {
	before, err := s.load(ctx, ac, id)
	var after *Delegation
	if err == nil {
		after, err = s.revoke(ctx, ac, before, reason)
	}
	OperationsTotal.WithLabelValues("revoke", outcome(err)).Inc()

	meta := map[string]any{}
	subject := after
	if before != nil {
		meta["old_state"] = string(before.State)
		if subject == nil {
			subject = before
		}
	}
	if after != nil {
		meta["new_state"] = string(after.State)
	}
	if reason != "" {
		meta["reason"] = reason
	}
	s.record(ctx, ac, hipaa.CategoryDelegationLifecycle, "revoke_delegation", subject, err, meta)
	return after, err
}

func (s *Service) revoke(ctx context.Context, ac *hipaa.AuditContext, d *Delegation, reason string) (*Delegation, error) {
	if !d.Involves(ac.UserID) {
		ok, err := s.privileged(ctx, ac, authz.DelegationManage)
		if err != nil {
			return nil, apperr.Internal(err)
		}
		if !ok {
			return nil, apperr.Forbidden("not allowed to revoke this delegation")
		}
	}
	now := s.now()
	revoked, err := s.repo.Revoke(ctx, d.ID, ac.UserID, strings.TrimSpace(reason), now)
	if errors.Is(err, ErrTransition) {
		return nil, apperr.Validationf("delegation is already revoked")
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return revoked.withState(now), nil
}

// ValidateDelegation returns the oldest usable delegation to delegateID
// that grants perm, optionally from one delegator. Pending, expired and
// revoked delegations never match. It returns nil, nil when none does.
func (s *Service) ValidateDelegation(ctx context.Context, delegateID uuid.UUID, perm authz.PermissionName, delegatorID *uuid.UUID) (*Delegation, error) {
	now := s.now()
	candidates, err := s.repo.FindUsable(ctx, delegateID, delegatorID, now)
	if err != nil {
		return nil, fmt.Errorf("find delegations for %s: %w", delegateID, err)
	}
	for _, d := range candidates {
		if d.Usable(now) && d.Grants(perm) {
			return d.withState(now), nil
		}
	}
	return nil, nil
}

// FindGrant adapts ValidateDelegation to authz.GrantFinder. A delegation
// whose scope rejects the target grants nothing.
func (s *Service) FindGrant(ctx context.Context, delegateID, delegatorID uuid.UUID, perm authz.PermissionName, target authz.Target) (*authz.Grant, error) {
	d, err := s.ValidateDelegation(ctx, delegateID, perm, &delegatorID)
	if err != nil || d == nil {
		return nil, err
	}
	if err := d.Scope.Check(target, s.now()); err != nil {
		s.logger.Debug().Err(err).Str("delegation_id", d.ID.String()).Msg("delegation scope rejected target")
		return nil, nil
	}
	return &authz.Grant{DelegationID: d.ID, DelegatorID: d.DelegatorID}, nil
}

// SubmitOnBehalf lets the caller act for req.DelegatorID. It re-validates
// the delegation for req.Action, evaluates the scope restrictions against
// the resource data and audits the outcome either way.
func (s *Service) SubmitOnBehalf(ctx context.Context, ac *hipaa.AuditContext, req SubmitRequest) (*Descriptor, error) {
	desc, d, err := s.submit(ctx, ac, req)
	OperationsTotal.WithLabelValues("submit_on_behalf", outcome(err)).Inc()

	e := ac.NewEntry(hipaa.EventDelegation, "submit_on_behalf")
	e.Category = hipaa.CategoryDelegationUse
	e.ResourceType = req.ResourceData.ResourceType
	e.ResourceID = req.ResourceData.ResourceID
	e.PatientID = req.ResourceData.PatientID
	e.Success = err == nil
	e.PHI = authz.IsPHI(authz.PermissionName(req.Action))
	if delegator, perr := uuid.Parse(req.DelegatorID); perr == nil {
		e.OnBehalfOfID = &delegator
	}
	e.WithMeta("permission", req.Action)
	if req.ResourceData.ActionType != "" {
		e.WithMeta("action_type", req.ResourceData.ActionType)
	}
	if d != nil {
		e.WithMeta("delegation_id", d.ID.String())
	}
	if err != nil {
		e.Severity = hipaa.SeverityMedium
		e.WithMeta("error", err.Error())
		s.logger.Warn().Err(err).
			Str("delegate_id", ac.UserID.String()).
			Str("delegator_id", req.DelegatorID).
			Str("permission", req.Action).
			Msg("on-behalf submission rejected")
	}
	s.recorder.Record(ctx, e)
	return desc, err
}

func (s *Service) submit(ctx context.Context, ac *hipaa.AuditContext, req SubmitRequest) (*Descriptor, *Delegation, error) {
	if err := validation.Struct(&req); err != nil {
		return nil, nil, err
	}
	delegatorID, err := uuid.Parse(req.DelegatorID)
	if err != nil {
		return nil, nil, apperr.Validation("delegator_id", "must be a valid UUID")
	}
	perm := authz.PermissionName(req.Action)

	d, err := s.ValidateDelegation(ctx, ac.UserID, perm, &delegatorID)
	if err != nil {
		return nil, nil, apperr.Internal(err)
	}
	if d == nil {
		return nil, nil, apperr.Forbidden(fmt.Sprintf("no active delegation grants %s", perm))
	}
	if err := d.Scope.Check(req.ResourceData.target(), s.now()); err != nil {
		return nil, d, apperr.Forbidden(err.Error())
	}
	return &Descriptor{
		DelegationID:     d.ID,
		DelegatorID:      d.DelegatorID,
		DelegateID:       d.DelegateID,
		Permission:       perm,
		Reason:           d.Reason,
		RequiresApproval: d.RequiresApproval,
	}, d, nil
}
