package delegation

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/healthops/healthops/internal/platform/apperr"
	"github.com/healthops/healthops/internal/platform/authz"
	"github.com/healthops/healthops/internal/platform/hipaa"
	"github.com/healthops/healthops/internal/platform/validation"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the delegation endpoints. Creation is gated on
// delegation:create; approve and revoke are authorized by the service
// because the delegator and delegate may act without a permission.
func (h *Handler) RegisterRoutes(api *echo.Group, gate *authz.Gate) {
	g := api.Group("/delegations")
	g.POST("", h.Create, authz.RequirePermission(gate, "delegation", authz.DelegationCreate))
	g.GET("", h.List)
	g.GET("/validate", h.Validate)
	g.POST("/submit-on-behalf", h.SubmitOnBehalf)
	g.GET("/:id", h.Get)
	g.POST("/:id/approve", h.Approve)
	g.POST("/:id/revoke", h.Revoke)
}

func caller(c echo.Context) (*hipaa.AuditContext, error) {
	ac, ok := hipaa.AuditContextFrom(c.Request().Context())
	if !ok || ac.UserID == uuid.Nil {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return ac, nil
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperr.Validation("id", "must be a valid UUID")
	}
	return id, nil
}

func (h *Handler) Create(c echo.Context) error {
	ac, err := caller(c)
	if err != nil {
		return err
	}
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validationf("invalid request body")
	}
	d, err := h.svc.Create(c.Request().Context(), ac, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, d)
}

func (h *Handler) List(c echo.Context) error {
	ac, err := caller(c)
	if err != nil {
		return err
	}
	dir, err := ParseDirection(c.QueryParam("direction"))
	if err != nil {
		return apperr.Validation("direction", "must be one of: given, received")
	}
	out, err := h.svc.List(c.Request().Context(), ac, dir)
	if err != nil {
		return err
	}
	if raw := c.QueryParam("state"); raw != "" {
		st, err := ParseState(raw)
		if err != nil {
			return apperr.Validation("state", "must be one of: PENDING_APPROVAL, ACTIVE, EXPIRED, REVOKED")
		}
		filtered := out[:0]
		for _, d := range out {
			if d.State == st {
				filtered = append(filtered, d)
			}
		}
		out = filtered
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) Get(c echo.Context) error {
	ac, err := caller(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	d, err := h.svc.Get(c.Request().Context(), ac, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) Approve(c echo.Context) error {
	ac, err := caller(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	d, err := h.svc.Approve(c.Request().Context(), ac, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) Revoke(c echo.Context) error {
	ac, err := caller(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req RevokeRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return apperr.Validationf("invalid request body")
		}
		if err := validation.Struct(&req); err != nil {
			return err
		}
	}
	d, err := h.svc.Revoke(c.Request().Context(), ac, id, req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, d)
}

type validateResponse struct {
	Valid      bool        `json:"valid"`
	Delegation *Delegation `json:"delegation"`
}

// Validate reports whether the caller currently holds perm by delegation.
func (h *Handler) Validate(c echo.Context) error {
	ac, err := caller(c)
	if err != nil {
		return err
	}
	perm, err := authz.ParsePermission(c.QueryParam("permission"))
	if err != nil {
		return apperr.Validation("permission", "must look like resource:action")
	}
	var delegator *uuid.UUID
	if raw := c.QueryParam("delegator_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return apperr.Validation("delegator_id", "must be a valid UUID")
		}
		delegator = &id
	}
	d, err := h.svc.ValidateDelegation(c.Request().Context(), ac.UserID, perm, delegator)
	if err != nil {
		return apperr.Internal(err)
	}
	return c.JSON(http.StatusOK, validateResponse{Valid: d != nil, Delegation: d})
}

func (h *Handler) SubmitOnBehalf(c echo.Context) error {
	ac, err := caller(c)
	if err != nil {
		return err
	}
	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validationf("invalid request body")
	}
	desc, err := h.svc.SubmitOnBehalf(c.Request().Context(), ac, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, desc)
}
