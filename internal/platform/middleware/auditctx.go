package middleware

import (
	"context"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/healthops/healthops/internal/platform/apperr"
	"github.com/healthops/healthops/internal/platform/auth"
	"github.com/healthops/healthops/internal/platform/hipaa"
)

const (
	OnBehalfOfHeader = "X-On-Behalf-Of"
	SessionIDHeader  = "X-Session-ID"
	TerritoryHeader  = "X-Territory"
)

// Membership reports whether a user belongs to an organization.
type Membership interface {
	IsMember(ctx context.Context, userID, orgID uuid.UUID) (bool, error)
}

// Recorder persists audit entries without failing the caller.
type Recorder interface {
	Record(ctx context.Context, e *hipaa.Entry)
}

// AuditContextConfig configures AuditContextWithConfig.
type AuditContextConfig struct {
	// Members, when set, rejects callers whose claimed organization is not
	// the one they belong to.
	Members Membership
	// Recorder receives an unauthorized access entry for each rejection.
	Recorder Recorder
}

// AuditContext builds the hipaa.AuditContext without checking the claimed
// organization.
func AuditContext() echo.MiddlewareFunc {
	return AuditContextWithConfig(AuditContextConfig{})
}

// AuditContextWithConfig builds the hipaa.AuditContext for authenticated
// requests from the caller identity and request metadata. It must run after
// authentication. Unauthenticated requests pass through without one.
//
// The token's session and territory claims take precedence over the
// X-Session-ID and X-Territory headers.
func AuditContextWithConfig(cfg AuditContextConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			id := auth.IdentityFromContext(req.Context())
			if id == nil {
				return next(c)
			}

			ac := &hipaa.AuditContext{
				UserID:         id.UserID,
				OrganizationID: id.OrganizationID,
				Territory:      firstNonEmpty(id.Territory, req.Header.Get(TerritoryHeader)),
				SessionID:      firstNonEmpty(id.SessionID, req.Header.Get(SessionIDHeader)),
				IPAddress:      c.RealIP(),
				UserAgent:      req.UserAgent(),
				RequestID:      requestIDOf(c),
				Endpoint:       req.URL.Path,
				Method:         req.Method,
			}

			if v := req.Header.Get(OnBehalfOfHeader); v != "" {
				obo, err := uuid.Parse(v)
				if err != nil {
					return apperr.Validation("X-On-Behalf-Of", "must be a valid UUID")
				}
				if obo == id.UserID {
					return apperr.Validation("X-On-Behalf-Of", "cannot act on behalf of yourself")
				}
				ac.OnBehalfOf = &obo
			}

			if cfg.Members != nil {
				ok, err := cfg.Members.IsMember(req.Context(), id.UserID, id.OrganizationID)
				if err != nil {
					return apperr.Internal(err)
				}
				if !ok {
					if cfg.Recorder != nil {
						cfg.Recorder.Record(req.Context(), organizationMismatch(ac))
					}
					return apperr.Forbidden("caller does not belong to the requested organization")
				}
			}

			c.SetRequest(req.WithContext(hipaa.WithAuditContext(req.Context(), ac)))
			return next(c)
		}
	}
}

func organizationMismatch(ac *hipaa.AuditContext) *hipaa.Entry {
	e := ac.NewEntry(hipaa.EventSecurity, "verify_organization")
	e.Category = hipaa.CategoryUnauthorizedAccess
	e.Severity = hipaa.SeverityHigh
	e.Success = false
	return e.WithMeta("reason", "organization claim does not match the user's organization")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
