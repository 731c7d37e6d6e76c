package hipaa

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/healthops/healthops/internal/platform/apperr"
)

type memberMap map[uuid.UUID]uuid.UUID

func (m memberMap) IsMember(_ context.Context, userID, orgID uuid.UUID) (bool, error) {
	org, ok := m[userID]
	return ok && org == orgID, nil
}

var (
	testOrg      = uuid.New()
	otherOrg     = uuid.New()
	otherUser    = uuid.New()
	otherPatient = "OTHER-ORG-PATIENT-42"
)

func newTestHandler(t *testing.T) (*Handler, *MemoryStore, uuid.UUID) {
	t.Helper()
	store := NewMemoryStore()
	user := uuid.New()
	now := time.Now().UTC()
	inOrg := func(e *Entry, org uuid.UUID) *Entry {
		o := org
		e.OrganizationID = &o
		return e
	}
	foreign := inOrg(entryAt(otherUser, EventPHIAccess, "patient:read", now.Add(-4*time.Minute), true), otherOrg)
	foreign.PatientID = otherPatient
	seedStore(t, store,
		foreign,
		inOrg(entryAt(user, EventPHIAccess, "patient:read", now.Add(-3*time.Minute), true), testOrg),
		inOrg(entryAt(user, EventPermissionCheck, "authorize", now.Add(-2*time.Minute), true), testOrg),
		inOrg(entryAt(uuid.New(), EventSecurity, "authorize", now.Add(-time.Minute), false), testOrg),
	)
	members := memberMap{user: testOrg, otherUser: otherOrg}
	return NewHandler(store, NewDetector(store, DetectorConfig{}), members), store, user
}

// asCaller attaches an audit context for a caller in org.
func asCaller(req *http.Request, org uuid.UUID) *http.Request {
	ac := &AuditContext{UserID: uuid.New(), OrganizationID: org}
	return req.WithContext(WithAuditContext(req.Context(), ac))
}

func newCallerContext(method, target string) (echo.Context, *httptest.ResponseRecorder) {
	rec := httptest.NewRecorder()
	req := asCaller(httptest.NewRequest(method, target, nil), testOrg)
	return echo.New().NewContext(req, rec), rec
}

func TestHandler_SearchLogs(t *testing.T) {
	h, _, user := newTestHandler(t)
	c, rec := newCallerContext(http.MethodGet, "/audit/logs?user_id="+user.String()+"&limit=1")

	if err := h.SearchLogs(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Data    []Entry `json:"data"`
		Total   int     `json:"total"`
		HasMore bool    `json:"has_more"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != 2 || len(body.Data) != 1 || !body.HasMore {
		t.Errorf("unexpected page: total=%d len=%d has_more=%v", body.Total, len(body.Data), body.HasMore)
	}
}

func TestHandler_SearchLogs_InvalidFilter(t *testing.T) {
	h, _, _ := newTestHandler(t)
	for _, q := range []string{"user_id=nope", "event_type=login", "success=maybe", "start=yesterday"} {
		c, _ := newCallerContext(http.MethodGet, "/audit/logs?"+q)
		err := h.SearchLogs(c)
		if !apperr.Is(err, apperr.KindValidation) {
			t.Errorf("%s: expected validation error, got %v", q, err)
		}
	}
}

func TestHandler_GetLog(t *testing.T) {
	h, store, _ := newTestHandler(t)
	e := echo.New()
	id := store.All()[1].ID

	req := asCaller(httptest.NewRequest(http.MethodGet, "/", nil), testOrg)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(id.String())
	if err := h.GetLog(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	c = e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())
	var ae *apperr.Error
	if err := h.GetLog(c); !errors.As(err, &ae) || ae.Kind != apperr.KindNotFound {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestHandler_ExportCSV(t *testing.T) {
	h, _, _ := newTestHandler(t)
	c, rec := newCallerContext(http.MethodGet, "/audit/export?format=csv")

	if err := h.Export(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("expected text/csv, got %s", ct)
	}
	records, err := csv.NewReader(rec.Body).ReadAll()
	if err != nil {
		t.Fatalf("invalid csv: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("expected header plus 3 rows, got %d", len(records))
	}
	if records[0][0] != "id" || records[0][2] != "event_type" {
		t.Errorf("unexpected header: %v", records[0])
	}
	if strings.Contains(rec.Body.String(), otherPatient) {
		t.Error("export included another organization's entries")
	}
}

func TestHandler_ExportJSON(t *testing.T) {
	h, _, _ := newTestHandler(t)
	c, rec := newCallerContext(http.MethodGet, "/audit/export?format=json&event_type=security_event")

	if err := h.Export(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var entries []Entry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("invalid json: %v (%s)", err, rec.Body.String())
	}
	if len(entries) != 1 || entries[0].EventType != EventSecurity {
		t.Errorf("unexpected export: %+v", entries)
	}
}

func TestHandler_ExportRejectsFormat(t *testing.T) {
	h, _, _ := newTestHandler(t)
	c, _ := newCallerContext(http.MethodGet, "/audit/export?format=xml")
	if err := h.Export(c); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestHandler_ComplianceReport(t *testing.T) {
	h, _, _ := newTestHandler(t)
	c, rec := newCallerContext(http.MethodGet, "/compliance/report")

	if err := h.ComplianceReport(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var report ComplianceReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// 1 failure of 3 events; the other organization's entry is excluded.
	if report.TotalEvents != 3 || report.Status != StatusNonCompliant {
		t.Errorf("unexpected report: %+v", report)
	}
}

func TestHandler_ComplianceReport_BadRange(t *testing.T) {
	h, _, _ := newTestHandler(t)
	c, _ := newCallerContext(http.MethodGet, "/compliance/report?start=2026-02-01&end=2026-01-01")
	if err := h.ComplianceReport(c); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestHandler_Anomalies(t *testing.T) {
	h, _, user := newTestHandler(t)

	c, _ := newCallerContext(http.MethodGet, "/audit/anomalies")
	if err := h.Anomalies(c); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected validation error without user_id, got %v", err)
	}

	c, _ = newCallerContext(http.MethodGet, "/audit/anomalies?user_id="+otherUser.String())
	if err := h.Anomalies(c); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("expected not found for another organization's user, got %v", err)
	}

	c, rec := newCallerContext(http.MethodGet, "/audit/anomalies?user_id="+user.String())
	if err := h.Anomalies(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"anomalies":[]`) {
		t.Errorf("expected empty anomaly list, got %s", rec.Body.String())
	}
}

func TestHandler_RegisterRoutesWithoutGuards(t *testing.T) {
	h, _, _ := newTestHandler(t)
	e := echo.New()
	h.RegisterRoutes(e.Group("/api/v1"), Guards{})

	req := asCaller(httptest.NewRequest(http.MethodGet, "/api/v1/audit/summary", nil), testOrg)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	var stats Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.TotalEvents != 3 {
		t.Errorf("expected 3 events in the caller's organization, got %d", stats.TotalEvents)
	}
}

func TestHandler_OtherOrganizationEntriesAreHidden(t *testing.T) {
	h, store, _ := newTestHandler(t)
	foreign := store.All()[0]

	c, rec := newCallerContext(http.MethodGet, "/audit/logs?limit=100")
	if err := h.SearchLogs(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(rec.Body.String(), otherPatient) {
		t.Errorf("search returned another organization's entry: %s", rec.Body.String())
	}

	c, rec = newCallerContext(http.MethodGet, "/audit/logs?patient_id="+otherPatient)
	if err := h.SearchLogs(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"total":0`) {
		t.Errorf("expected no results for another organization's patient, got %s", rec.Body.String())
	}

	c, _ = newCallerContext(http.MethodGet, "/")
	c.SetParamNames("id")
	c.SetParamValues(foreign.ID.String())
	if err := h.GetLog(c); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("get by id across organizations: expected not found, got %v", err)
	}

	// The owning organization still sees it.
	req := asCaller(httptest.NewRequest(http.MethodGet, "/", nil), otherOrg)
	rec = httptest.NewRecorder()
	c = echo.New().NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(foreign.ID.String())
	if err := h.GetLog(c); err != nil || rec.Code != http.StatusOK {
		t.Errorf("owning organization: expected 200, got %d %v", rec.Code, err)
	}
}

func TestHandler_RequiresCaller(t *testing.T) {
	h, _, _ := newTestHandler(t)
	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/audit/logs", nil), httptest.NewRecorder())
	if err := h.SearchLogs(c); !apperr.Is(err, apperr.KindForbidden) {
		t.Errorf("expected forbidden without an audit context, got %v", err)
	}
}

func TestCSVCell_EscapesFormulas(t *testing.T) {
	tests := map[string]string{
		"=HYPERLINK(\"x\")": "'=HYPERLINK(\"x\")",
		"+1":                "'+1",
		"-2":                "'-2",
		"@SUM(A1)":          "'@SUM(A1)",
		"curl/8.0":          "curl/8.0",
		"":                  "",
	}
	for in, want := range tests {
		if got := csvCell(in); got != want {
			t.Errorf("csvCell(%q) = %q, want %q", in, got, want)
		}
	}

	e := entryAt(uuid.New(), EventPHIAccess, "patient:read", time.Now(), true)
	e.UserAgent = "=cmd|' /C calc'!A0"
	record := csvRecord(e)
	if got := record[16]; got != "'"+e.UserAgent {
		t.Errorf("user_agent cell not escaped: %q", got)
	}
}
