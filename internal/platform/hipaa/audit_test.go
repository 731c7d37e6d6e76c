package hipaa

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestParseEventType(t *testing.T) {
	for _, s := range []string{"authentication", "phi_access", "permission_check", "delegation", "security_event"} {
		if _, err := ParseEventType(s); err != nil {
			t.Errorf("ParseEventType(%q) unexpected error: %v", s, err)
		}
	}
	if _, err := ParseEventType("login"); err == nil {
		t.Error("expected error for unknown event type")
	}
}

func TestParseSeverityAndCategory(t *testing.T) {
	if _, err := ParseSeverity("critical"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if _, err := ParseSeverity("urgent"); err == nil {
		t.Error("expected error for unknown severity")
	}
	if c, err := ParseCategory(""); err != nil || c != CategoryNone {
		t.Errorf("expected empty category to parse as none, got %q %v", c, err)
	}
	if _, err := ParseCategory("hacking"); err == nil {
		t.Error("expected error for unknown category")
	}
}

func TestEntry_Validate(t *testing.T) {
	tests := []struct {
		name    string
		entry   Entry
		wantErr bool
	}{
		{"valid check", Entry{EventType: EventPermissionCheck, Severity: SeverityInfo, Action: "authorize"}, false},
		{"unknown type", Entry{EventType: "oops", Severity: SeverityInfo, Action: "x"}, true},
		{"unknown severity", Entry{EventType: EventPHIAccess, Severity: "loud", Action: "x"}, true},
		{"security event without category", Entry{EventType: EventSecurity, Severity: SeverityHigh, Action: "x"}, true},
		{"security event with category", Entry{EventType: EventSecurity, Category: CategoryUnauthorizedAccess, Severity: SeverityHigh, Action: "x"}, false},
		{"missing action", Entry{EventType: EventDelegation, Severity: SeverityInfo}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.entry.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAuditContext_NewEntry(t *testing.T) {
	userID := uuid.New()
	orgID := uuid.New()
	delegator := uuid.New()
	ac := &AuditContext{
		UserID:         userID,
		OrganizationID: orgID,
		OnBehalfOf:     &delegator,
		Territory:      "us-east",
		IPAddress:      "10.0.0.7",
		UserAgent:      "curl/8",
		SessionID:      "sess-1",
		RequestID:      "req-1",
		Endpoint:       "/api/v1/ivr",
		Method:         "POST",
	}

	e := ac.NewEntry(EventPermissionCheck, "authorize")
	if e.UserID == nil || *e.UserID != userID {
		t.Errorf("expected user id %s", userID)
	}
	if e.OrganizationID == nil || *e.OrganizationID != orgID {
		t.Errorf("expected organization id %s", orgID)
	}
	if e.OnBehalfOfID == nil || *e.OnBehalfOfID != delegator {
		t.Errorf("expected on-behalf-of id %s", delegator)
	}
	if e.RequestID != "req-1" || e.Endpoint != "/api/v1/ivr" || e.Method != "POST" {
		t.Errorf("request fields not copied: %+v", e)
	}
	if e.Severity != SeverityInfo {
		t.Errorf("expected info severity, got %s", e.Severity)
	}

	// The entry must not alias the context's pointer.
	*e.OnBehalfOfID = uuid.New()
	if *ac.OnBehalfOf != delegator {
		t.Error("NewEntry aliased OnBehalfOf")
	}
}

func TestAuditContext_NewEntryNil(t *testing.T) {
	var ac *AuditContext
	e := ac.NewEntry(EventAuthentication, "login")
	if e.UserID != nil || e.Action != "login" {
		t.Errorf("unexpected entry from nil context: %+v", e)
	}
}

func TestAuditContextRoundTrip(t *testing.T) {
	ac := &AuditContext{UserID: uuid.New()}
	ctx := WithAuditContext(context.Background(), ac)
	got, ok := AuditContextFrom(ctx)
	if !ok || got != ac {
		t.Fatal("expected audit context from ctx")
	}
	if _, ok := AuditContextFrom(context.Background()); ok {
		t.Error("expected no audit context in empty ctx")
	}
}
