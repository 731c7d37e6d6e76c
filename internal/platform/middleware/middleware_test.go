package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/healthops/healthops/internal/platform/auth"
)

func newContext(method, path string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestRequestID(t *testing.T) {
	long := strings.Repeat("x", maxRequestIDLen+1)
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{"generated", "", false},
		{"preserved", "my-custom-id", true},
		{"oversized replaced", long, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, rec := newContext(http.MethodGet, "/")
			if tt.incoming != "" {
				c.Request().Header.Set(RequestIDHeader, tt.incoming)
			}
			var seen string
			err := RequestID()(func(c echo.Context) error {
				seen = requestIDOf(c)
				return nil
			})(c)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if seen == "" || rec.Header().Get(RequestIDHeader) != seen {
				t.Fatalf("request id %q not echoed (header %q)", seen, rec.Header().Get(RequestIDHeader))
			}
			if tt.keep && seen != tt.incoming {
				t.Errorf("expected %q to be preserved, got %q", tt.incoming, seen)
			}
			if !tt.keep && seen == tt.incoming {
				t.Errorf("expected a generated id")
			}
		})
	}
}

func TestLogger_LogsRequest(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	c, _ := newContext(http.MethodGet, "/api/v1/audit/logs?patient_id=secret")
	c.Set("request_id", "req-123")
	uid := uuid.New()
	c.SetRequest(c.Request().WithContext(auth.WithIdentity(c.Request().Context(), &auth.Identity{UserID: uid})))

	err := Logger(logger)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
	}
	if line["request_id"] != "req-123" || line["user_id"] != uid.String() {
		t.Errorf("missing request/user fields: %v", line)
	}
	if line["path"] != "/api/v1/audit/logs" {
		t.Errorf("expected path without query, got %v", line["path"])
	}
	if strings.Contains(buf.String(), "secret") {
		t.Error("query string leaked into log")
	}
}

func TestLogger_HandsErrorToErrorHandler(t *testing.T) {
	var buf bytes.Buffer
	c, rec := newContext(http.MethodGet, "/missing")

	err := Logger(zerolog.New(&buf))(func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "nope")
	})(c)
	if err != nil {
		t.Fatalf("expected error to be handled, got %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 written, got %d", rec.Code)
	}
	if !strings.Contains(buf.String(), `"level":"warn"`) || !strings.Contains(buf.String(), `"status":404`) {
		t.Errorf("expected warn line with status 404, got %s", buf.String())
	}
}

func TestRecovery(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	c, _ := newContext(http.MethodGet, "/panic")
	err := Recovery(logger)(func(c echo.Context) error {
		panic("test panic")
	})(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 HTTPError, got %v", err)
	}
	if !strings.Contains(buf.String(), "test panic") {
		t.Error("expected the panic to be logged")
	}

	c, _ = newContext(http.MethodGet, "/ok")
	if err := Recovery(logger)(func(c echo.Context) error { return nil })(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSecurityHeaders(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/api/v1/delegations")
	err := SecurityHeaders(false)(func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	})(c)
	if err == nil {
		t.Fatal("expected handler error to propagate")
	}
	for header, want := range map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
		"Cache-Control":           "no-store",
		"Referrer-Policy":         "no-referrer",
		"Pragma":                  "no-cache",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("header %s: got %q, want %q", header, got, want)
		}
	}
	if got := rec.Header().Get("Strict-Transport-Security"); got != "" {
		t.Errorf("HSTS must not be sent without TLS, got %q", got)
	}

	c, rec = newContext(http.MethodGet, "/health")
	if err := SecurityHeaders(true)(func(c echo.Context) error { return nil })(c); err != nil {
		t.Fatal(err)
	}
	if got := rec.Header().Get("Strict-Transport-Security"); got != hstsValue {
		t.Errorf("HSTS: got %q", got)
	}
}
