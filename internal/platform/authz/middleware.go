package authz

import (
	"context"

	"github.com/labstack/echo/v4"

	"github.com/healthops/healthops/internal/platform/hipaa"
)

type decisionKey struct{}

// DecisionFromContext returns the decision stored by the gate middleware.
func DecisionFromContext(ctx context.Context) *Decision {
	d, _ := ctx.Value(decisionKey{}).(*Decision)
	return d
}

// targetOf fills the resource id from the :id route parameter and the patient
// from the patient_id query parameter.
func targetOf(c echo.Context, resourceType string) Target {
	return Target{
		ResourceType: resourceType,
		ResourceID:   c.Param("id"),
		PatientID:    c.QueryParam("patient_id"),
	}
}

func guard(resourceType string, decide func(c echo.Context, ac *hipaa.AuditContext, t Target) (*Decision, error)) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			ac, _ := hipaa.AuditContextFrom(ctx)
			d, err := decide(c, ac, targetOf(c, resourceType))
			if err != nil {
				return err
			}
			c.SetRequest(c.Request().WithContext(context.WithValue(ctx, decisionKey{}, d)))
			return next(c)
		}
	}
}

// RequirePermission guards a route with Gate.Authorize.
func RequirePermission(g *Gate, resourceType string, perm PermissionName) echo.MiddlewareFunc {
	return guard(resourceType, func(c echo.Context, ac *hipaa.AuditContext, t Target) (*Decision, error) {
		return g.Authorize(c.Request().Context(), ac, perm, t)
	})
}

// RequireAnyPermission guards a route with Gate.AuthorizeAny.
func RequireAnyPermission(g *Gate, resourceType string, perms ...PermissionName) echo.MiddlewareFunc {
	return guard(resourceType, func(c echo.Context, ac *hipaa.AuditContext, t Target) (*Decision, error) {
		return g.AuthorizeAny(c.Request().Context(), ac, perms, t)
	})
}

// RequireRole guards a route with Gate.AuthorizeRole.
func RequireRole(g *Gate, resourceType, role string) echo.MiddlewareFunc {
	return guard(resourceType, func(c echo.Context, ac *hipaa.AuditContext, t Target) (*Decision, error) {
		return g.AuthorizeRole(c.Request().Context(), ac, role, t)
	})
}
