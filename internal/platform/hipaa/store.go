package hipaa

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrEntryNotFound is returned by Store.Get for unknown ids.
var ErrEntryNotFound = errors.New("audit entry not found")

// SearchParams filters, sorts and pages audit entries. Zero values mean
// "no filter". HTTP handlers always set OrganizationID to the caller's
// organization; only operator tooling searches across organizations.
type SearchParams struct {
	OrganizationID *uuid.UUID
	UserID         *uuid.UUID
	EventType      EventType
	Action         string
	ResourceType   string
	PatientID      string
	Success        *bool
	Start          *time.Time
	End            *time.Time
	Limit          int
	Offset         int
	SortBy         string // occurred_at, user, action
	SortOrder      string // asc, desc
}

const (
	defaultSearchLimit = 100
	maxSearchLimit     = 1000
)

// normalize applies the default limit, sort column and order.
func (p *SearchParams) normalize() {
	if p.Limit <= 0 {
		p.Limit = defaultSearchLimit
	}
	if p.Limit > maxSearchLimit {
		p.Limit = maxSearchLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	switch p.SortBy {
	case "occurred_at", "user", "action":
	default:
		p.SortBy = "occurred_at"
	}
	if p.SortOrder != "asc" {
		p.SortOrder = "desc"
	}
}

// SearchResult is one page of entries.
type SearchResult struct {
	Entries []*Entry `json:"entries"`
	Total   int      `json:"total"`
	Limit   int      `json:"limit"`
	Offset  int      `json:"offset"`
}

// Stats aggregates the entries of a time range.
type Stats struct {
	TotalEvents    int               `json:"total_events"`
	PHIAccessCount int               `json:"phi_access_count"`
	FailureCount   int               `json:"failure_count"`
	DistinctUsers  int               `json:"distinct_users"`
	SecurityEvents int               `json:"security_events"`
	ByEventType    map[EventType]int `json:"by_event_type"`
	ByAction       map[string]int    `json:"by_action"`
	First          *time.Time        `json:"first,omitempty"`
	Last           *time.Time        `json:"last,omitempty"`
}

func newStats() *Stats {
	return &Stats{
		ByEventType: make(map[EventType]int),
		ByAction:    make(map[string]int),
	}
}

// Store persists audit entries. Implementations never update or delete.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	Get(ctx context.Context, id uuid.UUID) (*Entry, error)
	Search(ctx context.Context, p SearchParams) (*SearchResult, error)
	// Each streams every entry matching p in sort order, ignoring Limit and Offset.
	Each(ctx context.Context, p SearchParams, fn func(*Entry) error) error
	// Stats aggregates entries with start <= occurred_at <= end, limited to
	// orgID when it is not nil.
	Stats(ctx context.Context, orgID *uuid.UUID, start, end time.Time) (*Stats, error)
	CountPHIAccess(ctx context.Context, userID uuid.UUID, since time.Time) (int, error)
	DistinctTerritories(ctx context.Context, userID uuid.UUID, since time.Time) (int, error)
	CountIncidents(ctx context.Context, userID uuid.UUID, category Category, since time.Time) (int, error)
}
