package delegation

import (
	"errors"
	"testing"
	"time"

	"github.com/healthops/healthops/internal/platform/authz"
)

func list(items ...string) *[]string { return &items }

func TestScope_Check(t *testing.T) {
	noon := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		scope  *Scope
		target authz.Target
		at     time.Time
		ok     bool
	}{
		{"nil scope", nil, authz.Target{}, noon, true},
		{"empty scope", &Scope{}, authz.Target{PatientID: "C"}, noon, true},
		{"patient allowed", &Scope{PatientIDs: list("A", "B")}, authz.Target{PatientID: "B"}, noon, true},
		{"patient rejected", &Scope{PatientIDs: list("A", "B")}, authz.Target{PatientID: "C"}, noon, false},
		{"patient missing", &Scope{PatientIDs: list("A")}, authz.Target{}, noon, false},
		{"empty patient list allows nothing", &Scope{PatientIDs: list()}, authz.Target{PatientID: "A"}, noon, false},
		{"action type allowed", &Scope{ActionTypes: list("ivr_submission")}, authz.Target{ActionType: "ivr_submission"}, noon, true},
		{"action type rejected", &Scope{ActionTypes: list("ivr_submission")}, authz.Target{ActionType: "order"}, noon, false},
		{"empty action list allows nothing", &Scope{ActionTypes: list()}, authz.Target{ActionType: "order"}, noon, false},
		{"all present must pass", &Scope{PatientIDs: list("A"), ActionTypes: list("order")}, authz.Target{PatientID: "A", ActionType: "ivr"}, noon, false},
		{"inside window", &Scope{TimeWindow: &TimeWindow{Start: "09:00", End: "17:00", Timezone: "UTC"}}, authz.Target{}, noon, true},
		{"window end exclusive", &Scope{TimeWindow: &TimeWindow{Start: "09:00", End: "12:00", Timezone: "UTC"}}, authz.Target{}, noon, false},
		{"window start inclusive", &Scope{TimeWindow: &TimeWindow{Start: "12:00", End: "13:00", Timezone: "UTC"}}, authz.Target{}, noon, true},
		// 12:00 UTC is 07:00 in New York in January.
		{"zone shifts window", &Scope{TimeWindow: &TimeWindow{Start: "09:00", End: "17:00", Timezone: "America/New_York"}}, authz.Target{}, noon, false},
		{"wrap past midnight late", &Scope{TimeWindow: &TimeWindow{Start: "22:00", End: "06:00", Timezone: "America/New_York"}}, authz.Target{}, time.Date(2026, 1, 15, 3, 30, 0, 0, time.UTC), true},
		{"wrap past midnight early", &Scope{TimeWindow: &TimeWindow{Start: "22:00", End: "08:00", Timezone: "America/New_York"}}, authz.Target{}, noon, true},
		{"wrap excludes day", &Scope{TimeWindow: &TimeWindow{Start: "22:00", End: "06:00", Timezone: "America/New_York"}}, authz.Target{}, noon, false},
		{"bad zone fails closed", &Scope{TimeWindow: &TimeWindow{Start: "09:00", End: "17:00", Timezone: "Mars/Olympus"}}, authz.Target{}, noon, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.scope.Check(tt.target, tt.at)
			if tt.ok && err != nil {
				t.Fatalf("expected pass, got %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrScopeViolation) {
				t.Fatalf("expected scope violation, got %v", err)
			}
		})
	}
}

func TestScope_Validate(t *testing.T) {
	tests := []struct {
		name  string
		scope *Scope
		ok    bool
	}{
		{"nil", nil, true},
		{"lists", &Scope{PatientIDs: list("A"), ActionTypes: list()}, true},
		{"window", &Scope{TimeWindow: &TimeWindow{Start: "08:00", End: "18:30", Timezone: "Europe/Berlin"}}, true},
		{"missing zone", &Scope{TimeWindow: &TimeWindow{Start: "08:00", End: "18:00"}}, false},
		{"unknown zone", &Scope{TimeWindow: &TimeWindow{Start: "08:00", End: "18:00", Timezone: "Nowhere/City"}}, false},
		{"bad clock", &Scope{TimeWindow: &TimeWindow{Start: "8am", End: "18:00", Timezone: "UTC"}}, false},
		{"empty window", &Scope{TimeWindow: &TimeWindow{Start: "08:00", End: "08:00", Timezone: "UTC"}}, false},
		{"blank patient id", &Scope{PatientIDs: list("")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.scope.Validate()
			if (err == nil) != tt.ok {
				t.Errorf("Validate() = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}
