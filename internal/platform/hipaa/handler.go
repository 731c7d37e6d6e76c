package hipaa

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/healthops/healthops/internal/platform/apperr"
	"github.com/healthops/healthops/pkg/pagination"
)

// Guards are the route middlewares protecting the audit endpoints.
type Guards struct {
	Read       echo.MiddlewareFunc
	Export     echo.MiddlewareFunc
	Compliance echo.MiddlewareFunc
}

// Membership reports whether a user belongs to an organization.
type Membership interface {
	IsMember(ctx context.Context, userID, orgID uuid.UUID) (bool, error)
}

// Handler serves audit search, export, anomaly and compliance endpoints.
// Every endpoint is limited to the caller's organization.
type Handler struct {
	store    Store
	detector *Detector
	members  Membership
}

func NewHandler(store Store, detector *Detector, members Membership) *Handler {
	return &Handler{store: store, detector: detector, members: members}
}

// callerOrg returns the organization of the authenticated caller.
func callerOrg(c echo.Context) (uuid.UUID, error) {
	ac, ok := AuditContextFrom(c.Request().Context())
	if !ok || ac.OrganizationID == uuid.Nil {
		return uuid.Nil, apperr.Forbidden("no authenticated caller")
	}
	return ac.OrganizationID, nil
}

// orgSearchParams parses the query and pins it to the caller's organization.
func orgSearchParams(c echo.Context) (SearchParams, error) {
	org, err := callerOrg(c)
	if err != nil {
		return SearchParams{}, err
	}
	p, err := parseSearchParams(c)
	if err != nil {
		return p, err
	}
	p.OrganizationID = &org
	return p, nil
}

func (h *Handler) RegisterRoutes(api *echo.Group, guards Guards) {
	read, export, compliance := orPass(guards.Read), orPass(guards.Export), orPass(guards.Compliance)

	audit := api.Group("/audit")
	audit.GET("/logs", h.SearchLogs, read)
	audit.GET("/logs/:id", h.GetLog, read)
	audit.GET("/summary", h.Summary, read)
	audit.GET("/anomalies", h.Anomalies, read)
	audit.GET("/export", h.Export, export)

	api.GET("/compliance/report", h.ComplianceReport, compliance)
}

func orPass(m echo.MiddlewareFunc) echo.MiddlewareFunc {
	if m == nil {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	return m
}

// parseSearchParams extracts SearchParams from query parameters. Malformed
// values are rejected rather than ignored.
func parseSearchParams(c echo.Context) (SearchParams, error) {
	page := pagination.Parse(c.QueryParam("limit"), c.QueryParam("offset"), defaultSearchLimit, maxSearchLimit)
	p := SearchParams{
		Action:       c.QueryParam("action"),
		ResourceType: c.QueryParam("resource_type"),
		PatientID:    c.QueryParam("patient_id"),
		SortBy:       c.QueryParam("sort_by"),
		SortOrder:    c.QueryParam("sort_order"),
		Limit:        page.Limit,
		Offset:       page.Offset,
	}

	if v := c.QueryParam("user_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return p, apperr.Validation("user_id", "user_id must be a valid UUID")
		}
		p.UserID = &id
	}
	if v := c.QueryParam("event_type"); v != "" {
		t, err := ParseEventType(v)
		if err != nil {
			return p, apperr.Validation("event_type", err.Error())
		}
		p.EventType = t
	}
	if v := c.QueryParam("success"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return p, apperr.Validation("success", "success must be true or false")
		}
		p.Success = &b
	}
	var err error
	if p.Start, err = parseTimeParam(c, "start"); err != nil {
		return p, err
	}
	if p.End, err = parseTimeParam(c, "end"); err != nil {
		return p, err
	}
	return p, nil
}

// parseTimeParam accepts RFC3339 timestamps or YYYY-MM-DD dates (UTC).
func parseTimeParam(c echo.Context, name string) (*time.Time, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		if name == "end" {
			t = t.Add(24*time.Hour - time.Nanosecond)
		}
		return &t, nil
	}
	return nil, apperr.Validation(name, name+" must be an RFC3339 timestamp or YYYY-MM-DD date")
}

// SearchLogs handles GET /audit/logs.
func (h *Handler) SearchLogs(c echo.Context) error {
	p, err := orgSearchParams(c)
	if err != nil {
		return err
	}
	result, err := h.store.Search(c.Request().Context(), p)
	if err != nil {
		return apperr.Internal(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(result.Entries, result.Total, result.Limit, result.Offset))
}

// GetLog handles GET /audit/logs/:id.
func (h *Handler) GetLog(c echo.Context) error {
	org, err := callerOrg(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.Validation("id", "id must be a valid UUID")
	}
	entry, err := h.store.Get(c.Request().Context(), id)
	if errors.Is(err, ErrEntryNotFound) {
		return apperr.NotFound("audit entry")
	}
	if err != nil {
		return apperr.Internal(err)
	}
	// Other organizations' entries are reported as missing.
	if entry.OrganizationID == nil || *entry.OrganizationID != org {
		return apperr.NotFound("audit entry")
	}
	return c.JSON(http.StatusOK, entry)
}

var csvHeader = []string{
	"id", "occurred_at", "event_type", "category", "severity",
	"user_id", "organization_id", "on_behalf_of_id", "action",
	"resource_type", "resource_id", "patient_id", "territory",
	"success", "phi", "ip_address", "user_agent", "session_id",
	"request_id", "endpoint", "method", "metadata",
}

func idString(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}

func csvRecord(e *Entry) []string {
	meta := ""
	if len(e.Metadata) > 0 {
		if b, err := json.Marshal(e.Metadata); err == nil {
			meta = string(b)
		}
	}
	record := []string{
		e.ID.String(), e.OccurredAt.UTC().Format(time.RFC3339Nano), string(e.EventType),
		string(e.Category), string(e.Severity),
		idString(e.UserID), idString(e.OrganizationID), idString(e.OnBehalfOfID), e.Action,
		e.ResourceType, e.ResourceID, e.PatientID, e.Territory,
		strconv.FormatBool(e.Success), strconv.FormatBool(e.PHI),
		e.IPAddress, e.UserAgent, e.SessionID, e.RequestID, e.Endpoint, e.Method, meta,
	}
	for i, v := range record {
		record[i] = csvCell(v)
	}
	return record
}

// csvCell prefixes values a spreadsheet would evaluate as a formula.
func csvCell(v string) string {
	if v != "" && strings.ContainsRune("=+-@\t\r", rune(v[0])) {
		return "'" + v
	}
	return v
}

// Export handles GET /audit/export?format=csv|json.
func (h *Handler) Export(c echo.Context) error {
	p, err := orgSearchParams(c)
	if err != nil {
		return err
	}
	format := c.QueryParam("format")
	if format == "" {
		format = "csv"
	}
	if format != "csv" && format != "json" {
		return apperr.Validation("format", "format must be one of: csv json")
	}

	ctx := c.Request().Context()
	res := c.Response()
	filename := fmt.Sprintf("audit_export_%s.%s", time.Now().UTC().Format("20060102_150405"), format)
	res.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

	if format == "csv" {
		res.Header().Set(echo.HeaderContentType, "text/csv")
		res.WriteHeader(http.StatusOK)
		cw := csv.NewWriter(res)
		if err := cw.Write(csvHeader); err != nil {
			return fmt.Errorf("audit export csv: write header: %w", err)
		}
		err := h.store.Each(ctx, p, func(e *Entry) error {
			return cw.Write(csvRecord(e))
		})
		cw.Flush()
		if err != nil {
			return fmt.Errorf("audit export csv: %w", err)
		}
		return cw.Error()
	}

	res.Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	res.WriteHeader(http.StatusOK)
	if _, err := res.Write([]byte("[")); err != nil {
		return err
	}
	first := true
	err = h.store.Each(ctx, p, func(e *Entry) error {
		b, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if !first {
			if _, err := res.Write([]byte(",")); err != nil {
				return err
			}
		}
		first = false
		_, err = res.Write(b)
		return err
	})
	if err != nil {
		return fmt.Errorf("audit export json: %w", err)
	}
	_, err = res.Write([]byte("]"))
	return err
}

// periodParams reads start/end, defaulting to the last 30 days.
func periodParams(c echo.Context) (time.Time, time.Time, error) {
	end := time.Now().UTC()
	start := end.AddDate(0, 0, -30)
	if t, err := parseTimeParam(c, "start"); err != nil {
		return start, end, err
	} else if t != nil {
		start = *t
	}
	if t, err := parseTimeParam(c, "end"); err != nil {
		return start, end, err
	} else if t != nil {
		end = *t
	}
	if end.Before(start) {
		return start, end, apperr.Validation("end", "end must not be before start")
	}
	return start, end, nil
}

// Summary handles GET /audit/summary.
func (h *Handler) Summary(c echo.Context) error {
	org, err := callerOrg(c)
	if err != nil {
		return err
	}
	start, end, err := periodParams(c)
	if err != nil {
		return err
	}
	stats, err := h.store.Stats(c.Request().Context(), &org, start, end)
	if err != nil {
		return apperr.Internal(err)
	}
	return c.JSON(http.StatusOK, stats)
}

// Anomalies handles GET /audit/anomalies?user_id=. Users outside the
// caller's organization are reported as not found.
func (h *Handler) Anomalies(c echo.Context) error {
	org, err := callerOrg(c)
	if err != nil {
		return err
	}
	raw := c.QueryParam("user_id")
	if raw == "" {
		return apperr.Validation("user_id", "user_id is required")
	}
	userID, err := uuid.Parse(raw)
	if err != nil {
		return apperr.Validation("user_id", "user_id must be a valid UUID")
	}
	if h.members == nil {
		return apperr.NotFound("user")
	}
	member, err := h.members.IsMember(c.Request().Context(), userID, org)
	if err != nil {
		return apperr.Internal(err)
	}
	if !member {
		return apperr.NotFound("user")
	}
	anomalies, err := h.detector.Evaluate(c.Request().Context(), userID)
	if err != nil {
		return apperr.Internal(err)
	}
	if anomalies == nil {
		anomalies = []Anomaly{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"user_id":   userID,
		"anomalies": anomalies,
	})
}

// ComplianceReport handles GET /compliance/report?start=&end=.
func (h *Handler) ComplianceReport(c echo.Context) error {
	org, err := callerOrg(c)
	if err != nil {
		return err
	}
	start, end, err := periodParams(c)
	if err != nil {
		return err
	}
	report, err := GenerateComplianceReport(c.Request().Context(), h.store, &org, start, end)
	if err != nil {
		return apperr.Internal(err)
	}
	return c.JSON(http.StatusOK, report)
}
