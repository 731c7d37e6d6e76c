package hipaa

import (
	"context"

	"github.com/google/uuid"
)

type auditContextKey struct{}

// AuditContext identifies the actor and request behind an operation. It is
// built once per inbound request and passed explicitly to the authorization
// gate and the services it protects.
type AuditContext struct {
	UserID         uuid.UUID
	OrganizationID uuid.UUID
	// OnBehalfOf is the delegator the caller claims to act for, if any.
	OnBehalfOf *uuid.UUID
	Territory  string
	IPAddress  string
	UserAgent  string
	SessionID  string
	RequestID  string
	Endpoint   string
	Method     string
}

// WithAuditContext stores ac in ctx.
func WithAuditContext(ctx context.Context, ac *AuditContext) context.Context {
	return context.WithValue(ctx, auditContextKey{}, ac)
}

// AuditContextFrom returns the AuditContext stored in ctx.
func AuditContextFrom(ctx context.Context) (*AuditContext, bool) {
	ac, ok := ctx.Value(auditContextKey{}).(*AuditContext)
	return ac, ok && ac != nil
}

// NewEntry returns an entry pre-filled with the actor and request fields of ac.
func (ac *AuditContext) NewEntry(eventType EventType, action string) *Entry {
	e := &Entry{
		EventType: eventType,
		Severity:  SeverityInfo,
		Action:    action,
		Metadata:  map[string]any{},
	}
	if ac == nil {
		return e
	}
	e.UserID = optionalID(ac.UserID)
	e.OrganizationID = optionalID(ac.OrganizationID)
	if ac.OnBehalfOf != nil {
		id := *ac.OnBehalfOf
		e.OnBehalfOfID = &id
	}
	e.Territory = ac.Territory
	e.IPAddress = ac.IPAddress
	e.UserAgent = ac.UserAgent
	e.SessionID = ac.SessionID
	e.RequestID = ac.RequestID
	e.Endpoint = ac.Endpoint
	e.Method = ac.Method
	return e
}

func optionalID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}
