package rbac

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/healthops/healthops/internal/platform/apperr"
	"github.com/healthops/healthops/internal/platform/authz"
	"github.com/healthops/healthops/internal/platform/hipaa"
)

type storeRecorder struct{ store *hipaa.MemoryStore }

func (r storeRecorder) Record(ctx context.Context, e *hipaa.Entry) { _ = r.store.Append(ctx, e) }

const testUserHeader = "X-Test-User"

type server struct {
	*fixture
	echo  *echo.Echo
	audit *hipaa.MemoryStore
	admin *User
}

func newServer(t *testing.T) *server {
	t.Helper()
	f := newFixture(t)
	audit := hipaa.NewMemoryStore()
	gate := authz.NewGate(f.resolver, nil, storeRecorder{audit}, zerolog.Nop())

	admin := f.user(t, "admin@example.com")
	f.assign(t, admin, f.role(t, "rbac_admin", authz.RoleManage, authz.UserManage), nil)

	e := echo.New()
	e.HTTPErrorHandler = apperr.HTTPErrorHandler(zerolog.Nop())
	api := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			uid, err := uuid.Parse(c.Request().Header.Get(testUserHeader))
			if err != nil {
				return next(c)
			}
			ac := &hipaa.AuditContext{UserID: uid, OrganizationID: f.org.ID}
			c.SetRequest(c.Request().WithContext(hipaa.WithAuditContext(c.Request().Context(), ac)))
			return next(c)
		}
	})
	NewHandler(f.svc, f.resolver).RegisterRoutes(api, gate)
	return &server{fixture: f, echo: e, audit: audit, admin: admin}
}

func (s *server) do(method, path string, as *User, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if as != nil {
		req.Header.Set(testUserHeader, as.ID.String())
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func TestHandler_CreateRoleAndAssign(t *testing.T) {
	s := newServer(t)
	nurse := s.user(t, "nurse@example.com")

	rec := s.do(http.MethodPost, "/api/v1/roles", s.admin, `{"name":"nurse","permissions":["patient:read","ivr:submit"]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create role: %d %s", rec.Code, rec.Body.String())
	}
	var role Role
	if err := json.Unmarshal(rec.Body.Bytes(), &role); err != nil {
		t.Fatalf("decode role: %v", err)
	}

	rec = s.do(http.MethodPost, "/api/v1/users/"+nurse.ID.String()+"/roles", s.admin, `{"role_id":"`+role.ID.String()+`"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("assign: %d %s", rec.Code, rec.Body.String())
	}

	rec = s.do(http.MethodGet, "/api/v1/me/permissions", nurse, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("me/permissions: %d %s", rec.Code, rec.Body.String())
	}
	var perms permissionsResponse
	json.Unmarshal(rec.Body.Bytes(), &perms)
	if strings.Join(perms.Permissions, ",") != "ivr:submit,patient:read" {
		t.Errorf("unexpected permissions %v", perms.Permissions)
	}
}

func TestHandler_DuplicateRoleConflict(t *testing.T) {
	s := newServer(t)
	s.do(http.MethodPost, "/api/v1/roles", s.admin, `{"name":"billing"}`)
	rec := s.do(http.MethodPost, "/api/v1/roles", s.admin, `{"name":"billing"}`)
	if rec.Code != http.StatusBadRequest && rec.Code != http.StatusConflict {
		t.Fatalf("expected conflict status, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "already exists") {
		t.Errorf("expected already exists message, got %s", rec.Body.String())
	}
}

func TestHandler_InvalidPermissionName(t *testing.T) {
	s := newServer(t)
	rec := s.do(http.MethodPost, "/api/v1/roles", s.admin, `{"name":"x","permissions":["NOPE"]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_ForbiddenIsAudited(t *testing.T) {
	s := newServer(t)
	plain := s.user(t, "plain@example.com")
	before := s.audit.Len()

	rec := s.do(http.MethodPost, "/api/v1/roles", plain, `{"name":"sneaky"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if got := s.audit.Len() - before; got != 1 {
		t.Fatalf("expected one audit entry, got %d", got)
	}
	last := s.audit.All()[s.audit.Len()-1]
	if last.Success || last.EventType != hipaa.EventSecurity {
		t.Errorf("unexpected entry %+v", last)
	}
}

func TestHandler_Unauthenticated(t *testing.T) {
	s := newServer(t)
	rec := s.do(http.MethodGet, "/api/v1/me/permissions", nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandler_UserPermissionsOtherOrg(t *testing.T) {
	s := newServer(t)
	other := &Organization{Name: "Other"}
	s.svc.CreateOrganization(context.Background(), other)
	stranger, _ := s.svc.CreateUser(context.Background(), other.ID, CreateUserRequest{Email: "x@other.com", DisplayName: "X"})

	rec := s.do(http.MethodGet, "/api/v1/users/"+stranger.ID.String()+"/permissions", s.admin, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_ListUsersPaginated(t *testing.T) {
	s := newServer(t)
	s.user(t, "b@example.com")
	s.user(t, "c@example.com")

	rec := s.do(http.MethodGet, "/api/v1/users?limit=2", s.admin, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Data  []User `json:"data"`
		Total int    `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Total != 3 || len(body.Data) != 2 {
		t.Errorf("unexpected page total=%d len=%d", body.Total, len(body.Data))
	}
}
