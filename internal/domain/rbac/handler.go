package rbac

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/healthops/healthops/internal/platform/apperr"
	"github.com/healthops/healthops/internal/platform/authz"
	"github.com/healthops/healthops/internal/platform/hipaa"
	"github.com/healthops/healthops/internal/platform/validation"
	"github.com/healthops/healthops/pkg/pagination"
)

type Handler struct {
	svc      *Service
	resolver *Resolver
}

func NewHandler(svc *Service, resolver *Resolver) *Handler {
	return &Handler{svc: svc, resolver: resolver}
}

func (h *Handler) RegisterRoutes(api *echo.Group, gate *authz.Gate) {
	manageRoles := authz.RequirePermission(gate, "role", authz.RoleManage)
	manageUsers := authz.RequirePermission(gate, "user", authz.UserManage)
	viewRBAC := authz.RequireAnyPermission(gate, "permission", authz.RoleManage, authz.UserManage)

	api.GET("/me/permissions", h.MyPermissions)

	api.GET("/permissions", h.ListPermissions, viewRBAC)
	api.GET("/permissions/:id", h.GetPermission, viewRBAC)
	api.POST("/permissions", h.CreatePermission, manageRoles)
	api.PUT("/permissions/:id", h.UpdatePermission, manageRoles)

	api.GET("/roles", h.ListRoles, viewRBAC)
	api.GET("/roles/:id", h.GetRole, viewRBAC)
	api.POST("/roles", h.CreateRole, manageRoles)
	api.PUT("/roles/:id", h.UpdateRole, manageRoles)
	api.DELETE("/roles/:id", h.DeleteRole, manageRoles)

	api.GET("/users", h.ListUsers, manageUsers)
	api.POST("/users", h.CreateUser, manageUsers)
	api.GET("/users/:id", h.GetUser, manageUsers)
	api.GET("/users/:id/roles", h.ListUserRoles, viewRBAC)
	api.POST("/users/:id/roles", h.AssignRole, manageRoles)
	api.DELETE("/users/:id/roles/:role_id", h.RemoveRole, manageRoles)
	api.GET("/users/:id/permissions", h.UserPermissions, viewRBAC)
}

// caller returns the request's audit context. Routes are registered behind
// authentication, so a missing context is a wiring error.
func caller(c echo.Context) (*hipaa.AuditContext, error) {
	ac, ok := hipaa.AuditContextFrom(c.Request().Context())
	if !ok {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return ac, nil
}

func pathID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, apperr.Validation(name, "must be a valid UUID")
	}
	return id, nil
}

func bind(c echo.Context, dst any) error {
	if err := c.Bind(dst); err != nil {
		return apperr.Validationf("invalid request body")
	}
	return validation.Struct(dst)
}

type permissionsResponse struct {
	UserID      uuid.UUID `json:"user_id"`
	Permissions []string  `json:"permissions"`
}

func (h *Handler) permissionsOf(c echo.Context, userID uuid.UUID) error {
	set, err := h.resolver.GetEffectivePermissions(c.Request().Context(), userID)
	if err != nil {
		return mapErr(err, "user")
	}
	return c.JSON(http.StatusOK, permissionsResponse{UserID: userID, Permissions: set.Strings()})
}

func (h *Handler) MyPermissions(c echo.Context) error {
	ac, err := caller(c)
	if err != nil {
		return err
	}
	return h.permissionsOf(c, ac.UserID)
}

func (h *Handler) UserPermissions(c echo.Context) error {
	ac, err := caller(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	if _, err := h.svc.GetUser(c.Request().Context(), ac.OrganizationID, id); err != nil {
		return err
	}
	return h.permissionsOf(c, id)
}

// -- Permissions --

func (h *Handler) ListPermissions(c echo.Context) error {
	perms, err := h.svc.ListPermissions(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, perms)
}

func (h *Handler) GetPermission(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	p, err := h.svc.GetPermission(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) CreatePermission(c echo.Context) error {
	var req CreatePermissionRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	p, err := h.svc.CreatePermission(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) UpdatePermission(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req UpdatePermissionRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	p, err := h.svc.UpdatePermission(c.Request().Context(), id, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

// -- Roles --

func (h *Handler) ListRoles(c echo.Context) error {
	ac, err := caller(c)
	if err != nil {
		return err
	}
	roles, err := h.svc.ListRoles(c.Request().Context(), ac.OrganizationID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, roles)
}

func (h *Handler) GetRole(c echo.Context) error {
	ac, err := caller(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	role, err := h.svc.GetRole(c.Request().Context(), ac.OrganizationID, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, role)
}

func (h *Handler) CreateRole(c echo.Context) error {
	ac, err := caller(c)
	if err != nil {
		return err
	}
	var req RoleRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	role, err := h.svc.CreateRole(c.Request().Context(), ac.OrganizationID, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, role)
}

func (h *Handler) UpdateRole(c echo.Context) error {
	ac, err := caller(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req RoleRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	role, err := h.svc.UpdateRole(c.Request().Context(), ac.OrganizationID, id, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, role)
}

func (h *Handler) DeleteRole(c echo.Context) error {
	ac, err := caller(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.DeleteRole(c.Request().Context(), ac.OrganizationID, id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Users --

func (h *Handler) ListUsers(c echo.Context) error {
	ac, err := caller(c)
	if err != nil {
		return err
	}
	p := pagination.FromContext(c)
	users, total, err := h.svc.ListUsers(c.Request().Context(), ac.OrganizationID, p.Limit, p.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(users, total, p.Limit, p.Offset))
}

func (h *Handler) CreateUser(c echo.Context) error {
	ac, err := caller(c)
	if err != nil {
		return err
	}
	var req CreateUserRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	u, err := h.svc.CreateUser(c.Request().Context(), ac.OrganizationID, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, u)
}

func (h *Handler) GetUser(c echo.Context) error {
	ac, err := caller(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	u, err := h.svc.GetUser(c.Request().Context(), ac.OrganizationID, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) ListUserRoles(c echo.Context) error {
	ac, err := caller(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	out, err := h.svc.ListAssignments(c.Request().Context(), ac.OrganizationID, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) AssignRole(c echo.Context) error {
	ac, err := caller(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req AssignRoleRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	a, err := h.svc.AssignRole(c.Request().Context(), ac.OrganizationID, ac.UserID, id, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) RemoveRole(c echo.Context) error {
	ac, err := caller(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	roleID, err := pathID(c, "role_id")
	if err != nil {
		return err
	}
	if err := h.svc.RemoveRole(c.Request().Context(), ac.OrganizationID, id, roleID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
