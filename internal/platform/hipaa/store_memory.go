package hipaa

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps audit entries in memory for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make([]*Entry, 0)}
}

// Append stores a copy of e. Thread-safe.
func (s *MemoryStore) Append(_ context.Context, e *Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	cp := *e
	s.mu.Lock()
	s.entries = append(s.entries, &cp)
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// All returns a snapshot of the stored entries in insertion order.
func (s *MemoryStore) All() []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, ErrEntryNotFound
}

// matchEntry returns true if the entry matches all non-zero filter criteria.
func matchEntry(e *Entry, p SearchParams) bool {
	if p.OrganizationID != nil && (e.OrganizationID == nil || *e.OrganizationID != *p.OrganizationID) {
		return false
	}
	if p.UserID != nil && (e.UserID == nil || *e.UserID != *p.UserID) {
		return false
	}
	if p.EventType != "" && e.EventType != p.EventType {
		return false
	}
	if p.Action != "" && e.Action != p.Action {
		return false
	}
	if p.ResourceType != "" && e.ResourceType != p.ResourceType {
		return false
	}
	if p.PatientID != "" && e.PatientID != p.PatientID {
		return false
	}
	if p.Success != nil && e.Success != *p.Success {
		return false
	}
	if p.Start != nil && e.OccurredAt.Before(*p.Start) {
		return false
	}
	if p.End != nil && e.OccurredAt.After(*p.End) {
		return false
	}
	return true
}

func (s *MemoryStore) filter(p SearchParams) []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Entry
	for _, e := range s.entries {
		if matchEntry(e, p) {
			out = append(out, e)
		}
	}
	return out
}

func userKey(e *Entry) string {
	if e.UserID == nil {
		return ""
	}
	return e.UserID.String()
}

// sortEntries sorts entries in place by the given sort parameters.
func sortEntries(entries []*Entry, sortBy, sortOrder string) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if sortOrder == "desc" {
			a, b = b, a
		}
		switch sortBy {
		case "user":
			return userKey(a) < userKey(b)
		case "action":
			return a.Action < b.Action
		default:
			return a.OccurredAt.Before(b.OccurredAt)
		}
	})
}

func (s *MemoryStore) Search(_ context.Context, p SearchParams) (*SearchResult, error) {
	p.normalize()
	filtered := s.filter(p)
	sortEntries(filtered, p.SortBy, p.SortOrder)

	total := len(filtered)
	start := p.Offset
	if start > total {
		start = total
	}
	end := start + p.Limit
	if end > total {
		end = total
	}

	page := make([]*Entry, end-start)
	copy(page, filtered[start:end])
	return &SearchResult{Entries: page, Total: total, Limit: p.Limit, Offset: p.Offset}, nil
}

func (s *MemoryStore) Each(ctx context.Context, p SearchParams, fn func(*Entry) error) error {
	p.normalize()
	filtered := s.filter(p)
	sortEntries(filtered, p.SortBy, p.SortOrder)
	for _, e := range filtered {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) Stats(_ context.Context, orgID *uuid.UUID, start, end time.Time) (*Stats, error) {
	entries := s.filter(SearchParams{OrganizationID: orgID, Start: &start, End: &end})

	st := newStats()
	users := make(map[uuid.UUID]struct{})
	for _, e := range entries {
		st.TotalEvents++
		st.ByEventType[e.EventType]++
		st.ByAction[e.Action]++
		if e.PHI {
			st.PHIAccessCount++
		}
		if !e.Success {
			st.FailureCount++
		}
		if e.EventType == EventSecurity {
			st.SecurityEvents++
		}
		if e.UserID != nil {
			users[*e.UserID] = struct{}{}
		}
		at := e.OccurredAt
		if st.First == nil || at.Before(*st.First) {
			st.First = &at
		}
		if st.Last == nil || at.After(*st.Last) {
			st.Last = &at
		}
	}
	st.DistinctUsers = len(users)
	return st, nil
}

func (s *MemoryStore) CountPHIAccess(_ context.Context, userID uuid.UUID, since time.Time) (int, error) {
	n := 0
	for _, e := range s.filter(SearchParams{UserID: &userID, Start: &since}) {
		if e.EventType == EventPHIAccess && e.Success {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) DistinctTerritories(_ context.Context, userID uuid.UUID, since time.Time) (int, error) {
	seen := make(map[string]struct{})
	for _, e := range s.filter(SearchParams{UserID: &userID, Start: &since}) {
		if e.EventType != EventPHIAccess {
			continue
		}
		if k := e.territoryKey(); k != "" {
			seen[k] = struct{}{}
		}
	}
	return len(seen), nil
}

func (s *MemoryStore) CountIncidents(_ context.Context, userID uuid.UUID, category Category, since time.Time) (int, error) {
	n := 0
	for _, e := range s.filter(SearchParams{UserID: &userID, Start: &since}) {
		if e.EventType == EventSecurity && e.Category == category {
			n++
		}
	}
	return n, nil
}
