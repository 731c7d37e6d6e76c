package hipaa

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType classifies an audit entry.
type EventType string

const (
	EventAuthentication  EventType = "authentication"
	EventPHIAccess       EventType = "phi_access"
	EventPermissionCheck EventType = "permission_check"
	EventDelegation      EventType = "delegation"
	EventSecurity        EventType = "security_event"
)

// ParseEventType returns the EventType named s.
func ParseEventType(s string) (EventType, error) {
	switch t := EventType(s); t {
	case EventAuthentication, EventPHIAccess, EventPermissionCheck, EventDelegation, EventSecurity:
		return t, nil
	}
	return "", fmt.Errorf("unknown audit event type %q", s)
}

// Severity ranks security relevance.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity returns the Severity named s.
func ParseSeverity(s string) (Severity, error) {
	switch v := Severity(s); v {
	case SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return v, nil
	}
	return "", fmt.Errorf("unknown audit severity %q", s)
}

// Category narrows an event type. Security events always carry one.
type Category string

const (
	CategoryNone                Category = ""
	CategoryAuthorization       Category = "authorization"
	CategoryDelegationLifecycle Category = "delegation_lifecycle"
	CategoryDelegationUse       Category = "delegation_use"
	CategoryUnauthorizedAccess  Category = "unauthorized_access_attempt"
	CategoryBulkAccess          Category = "bulk_access"
	CategoryTerritoryHopping    Category = "territory_hopping"
)

// ParseCategory returns the Category named s. The empty string is CategoryNone.
func ParseCategory(s string) (Category, error) {
	switch c := Category(s); c {
	case CategoryNone, CategoryAuthorization, CategoryDelegationLifecycle, CategoryDelegationUse,
		CategoryUnauthorizedAccess, CategoryBulkAccess, CategoryTerritoryHopping:
		return c, nil
	}
	return "", fmt.Errorf("unknown audit category %q", s)
}

// Entry is one append-only audit log record.
type Entry struct {
	ID             uuid.UUID      `json:"id"`
	OccurredAt     time.Time      `json:"occurred_at"`
	EventType      EventType      `json:"event_type"`
	Category       Category       `json:"category,omitempty"`
	Severity       Severity       `json:"severity"`
	UserID         *uuid.UUID     `json:"user_id,omitempty"`
	OrganizationID *uuid.UUID     `json:"organization_id,omitempty"`
	OnBehalfOfID   *uuid.UUID     `json:"on_behalf_of_id,omitempty"`
	Action         string         `json:"action"`
	ResourceType   string         `json:"resource_type,omitempty"`
	ResourceID     string         `json:"resource_id,omitempty"`
	PatientID      string         `json:"patient_id,omitempty"`
	Territory      string         `json:"territory,omitempty"`
	Success        bool           `json:"success"`
	PHI            bool           `json:"phi"`
	IPAddress      string         `json:"ip_address,omitempty"`
	UserAgent      string         `json:"user_agent,omitempty"`
	SessionID      string         `json:"session_id,omitempty"`
	RequestID      string         `json:"request_id,omitempty"`
	Endpoint       string         `json:"endpoint,omitempty"`
	Method         string         `json:"method,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Validate rejects entries whose enum fields are not known values.
func (e *Entry) Validate() error {
	if _, err := ParseEventType(string(e.EventType)); err != nil {
		return err
	}
	if _, err := ParseSeverity(string(e.Severity)); err != nil {
		return err
	}
	if _, err := ParseCategory(string(e.Category)); err != nil {
		return err
	}
	if e.EventType == EventSecurity && e.Category == CategoryNone {
		return fmt.Errorf("security event %q requires a category", e.Action)
	}
	if e.Action == "" {
		return fmt.Errorf("audit entry requires an action")
	}
	return nil
}

// WithMeta sets a metadata key and returns e for chaining.
func (e *Entry) WithMeta(key string, value any) *Entry {
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	e.Metadata[key] = value
	return e
}

// territoryKey is the location an entry counts toward for territory hopping:
// the explicit territory, else the organization.
func (e *Entry) territoryKey() string {
	if e.Territory != "" {
		return e.Territory
	}
	if e.OrganizationID != nil {
		return e.OrganizationID.String()
	}
	return ""
}
