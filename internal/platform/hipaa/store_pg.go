package hipaa

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/healthops/healthops/internal/platform/db"
)

// PGStore writes audit entries to the audit_log table. Writes always go
// through the pool, never a caller's transaction, so a rolled-back business
// operation keeps its audit trail.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a PGStore backed by the given connection pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const entryColumns = `id, occurred_at, event_type, COALESCE(category, ''), severity,
	user_id, organization_id, on_behalf_of_id, action,
	COALESCE(resource_type, ''), COALESCE(resource_id, ''), COALESCE(patient_id, ''),
	COALESCE(territory, ''), success, phi,
	COALESCE(ip_address, ''), COALESCE(user_agent, ''), COALESCE(session_id, ''),
	COALESCE(request_id, ''), COALESCE(endpoint, ''), COALESCE(method, ''), metadata`

func (s *PGStore) Append(ctx context.Context, e *Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}

	var meta []byte
	if len(e.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(e.Metadata); err != nil {
			return fmt.Errorf("hipaa audit: marshal metadata: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_log (
			id, occurred_at, event_type, category, severity,
			user_id, organization_id, on_behalf_of_id, action,
			resource_type, resource_id, patient_id, territory, success, phi,
			ip_address, user_agent, session_id, request_id, endpoint, method, metadata
		) VALUES (
			$1, $2, $3, NULLIF($4, ''), $5,
			$6, $7, $8, $9,
			NULLIF($10, ''), NULLIF($11, ''), NULLIF($12, ''), NULLIF($13, ''), $14, $15,
			NULLIF($16, ''), NULLIF($17, ''), NULLIF($18, ''), NULLIF($19, ''), NULLIF($20, ''), NULLIF($21, ''), $22
		)`,
		e.ID, e.OccurredAt, string(e.EventType), string(e.Category), string(e.Severity),
		e.UserID, e.OrganizationID, e.OnBehalfOfID, e.Action,
		e.ResourceType, e.ResourceID, e.PatientID, e.Territory, e.Success, e.PHI,
		e.IPAddress, e.UserAgent, e.SessionID, e.RequestID, e.Endpoint, e.Method, meta,
	)
	if err != nil {
		return fmt.Errorf("hipaa audit: insert entry: %w", err)
	}
	return nil
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var (
		e                             Entry
		eventType, category, severity string
		meta                          []byte
	)
	err := row.Scan(
		&e.ID, &e.OccurredAt, &eventType, &category, &severity,
		&e.UserID, &e.OrganizationID, &e.OnBehalfOfID, &e.Action,
		&e.ResourceType, &e.ResourceID, &e.PatientID,
		&e.Territory, &e.Success, &e.PHI,
		&e.IPAddress, &e.UserAgent, &e.SessionID,
		&e.RequestID, &e.Endpoint, &e.Method, &meta,
	)
	if err != nil {
		return nil, err
	}
	e.EventType = EventType(eventType)
	e.Category = Category(category)
	e.Severity = Severity(severity)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return nil, fmt.Errorf("hipaa audit: decode metadata: %w", err)
		}
	}
	return &e, nil
}

func (s *PGStore) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	e, err := scanEntry(s.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM audit_log WHERE id = $1`, id))
	if db.IsNoRows(err) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("hipaa audit: get entry: %w", err)
	}
	return e, nil
}

// whereClause builds the filter for p with 1-based placeholders.
func whereClause(p SearchParams) (string, []any) {
	clause := ` WHERE 1=1`
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		clause += fmt.Sprintf(cond, len(args))
	}

	if p.OrganizationID != nil {
		add(` AND organization_id = $%d`, *p.OrganizationID)
	}
	if p.UserID != nil {
		add(` AND user_id = $%d`, *p.UserID)
	}
	if p.EventType != "" {
		add(` AND event_type = $%d`, string(p.EventType))
	}
	if p.Action != "" {
		add(` AND action = $%d`, p.Action)
	}
	if p.ResourceType != "" {
		add(` AND resource_type = $%d`, p.ResourceType)
	}
	if p.PatientID != "" {
		add(` AND patient_id = $%d`, p.PatientID)
	}
	if p.Success != nil {
		add(` AND success = $%d`, *p.Success)
	}
	if p.Start != nil {
		add(` AND occurred_at >= $%d`, *p.Start)
	}
	if p.End != nil {
		add(` AND occurred_at <= $%d`, *p.End)
	}
	return clause, args
}

var sortColumns = map[string]string{
	"occurred_at": "occurred_at",
	"user":        "user_id",
	"action":      "action",
}

func orderClause(p SearchParams) string {
	dir := "DESC"
	if p.SortOrder == "asc" {
		dir = "ASC"
	}
	return fmt.Sprintf(` ORDER BY %s %s, id %s`, sortColumns[p.SortBy], dir, dir)
}

func (s *PGStore) Search(ctx context.Context, p SearchParams) (*SearchResult, error) {
	p.normalize()
	where, args := whereClause(p)

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_log`+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("hipaa audit: count entries: %w", err)
	}

	query := `SELECT ` + entryColumns + ` FROM audit_log` + where + orderClause(p) +
		fmt.Sprintf(` LIMIT %d OFFSET %d`, p.Limit, p.Offset)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("hipaa audit: search entries: %w", err)
	}
	defer rows.Close()

	entries := make([]*Entry, 0, p.Limit)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("hipaa audit: scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("hipaa audit: iterate entries: %w", err)
	}

	return &SearchResult{Entries: entries, Total: total, Limit: p.Limit, Offset: p.Offset}, nil
}

func (s *PGStore) Each(ctx context.Context, p SearchParams, fn func(*Entry) error) error {
	p.normalize()
	where, args := whereClause(p)
	rows, err := s.pool.Query(ctx, `SELECT `+entryColumns+` FROM audit_log`+where+orderClause(p), args...)
	if err != nil {
		return fmt.Errorf("hipaa audit: export entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return fmt.Errorf("hipaa audit: scan entry: %w", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *PGStore) Stats(ctx context.Context, orgID *uuid.UUID, start, end time.Time) (*Stats, error) {
	st := newStats()
	where, args := whereClause(SearchParams{OrganizationID: orgID, Start: &start, End: &end})
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE phi),
			COUNT(*) FILTER (WHERE NOT success),
			COUNT(DISTINCT user_id),
			COUNT(*) FILTER (WHERE event_type = 'security_event'),
			MIN(occurred_at), MAX(occurred_at)
		FROM audit_log`+where, args...,
	).Scan(&st.TotalEvents, &st.PHIAccessCount, &st.FailureCount, &st.DistinctUsers,
		&st.SecurityEvents, &st.First, &st.Last)
	if err != nil {
		return nil, fmt.Errorf("hipaa audit: stats: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT event_type, action, COUNT(*)
		FROM audit_log`+where+`
		GROUP BY event_type, action`, args...)
	if err != nil {
		return nil, fmt.Errorf("hipaa audit: stats breakdown: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var eventType, action string
		var n int
		if err := rows.Scan(&eventType, &action, &n); err != nil {
			return nil, fmt.Errorf("hipaa audit: scan breakdown: %w", err)
		}
		st.ByEventType[EventType(eventType)] += n
		st.ByAction[action] += n
	}
	return st, rows.Err()
}

func (s *PGStore) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("hipaa audit: count: %w", err)
	}
	return n, nil
}

func (s *PGStore) CountPHIAccess(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	return s.count(ctx, `
		SELECT COUNT(*) FROM audit_log
		WHERE user_id = $1 AND occurred_at >= $2
		  AND event_type = 'phi_access' AND success`, userID, since)
}

func (s *PGStore) DistinctTerritories(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	return s.count(ctx, `
		SELECT COUNT(DISTINCT COALESCE(territory, organization_id::text)) FROM audit_log
		WHERE user_id = $1 AND occurred_at >= $2 AND event_type = 'phi_access'`, userID, since)
}

func (s *PGStore) CountIncidents(ctx context.Context, userID uuid.UUID, category Category, since time.Time) (int, error) {
	return s.count(ctx, `
		SELECT COUNT(*) FROM audit_log
		WHERE user_id = $1 AND occurred_at >= $2
		  AND event_type = 'security_event' AND category = $3`, userID, since, string(category))
}
