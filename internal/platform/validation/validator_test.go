package validation

import (
	"errors"
	"testing"

	"github.com/healthops/healthops/internal/platform/apperr"
)

type window struct {
	Start    string `json:"start" validate:"required,hhmm"`
	End      string `json:"end" validate:"required,hhmm"`
	Timezone string `json:"timezone" validate:"iana_tz"`
}

type grantRequest struct {
	DelegateID  string   `json:"delegate_id" validate:"required,uuid"`
	Permissions []string `json:"permissions" validate:"min=1,dive,permission"`
	Reason      string   `json:"reason" validate:"required,max=500"`
	Window      *window  `json:"time_window" validate:"omitempty"`
}

func TestPermissionName(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"ivr:submit", true},
		{"patient.read", true},
		{"delegation:manage", true},
		{"ivr", false},
		{"IVR:submit", false},
		{"ivr:", false},
		{":submit", false},
		{"ivr:submit:extra", false},
		{"ivr:*", false},
	}
	for _, tt := range tests {
		if got := PermissionName(tt.in); got != tt.want {
			t.Errorf("PermissionName(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestStruct_Valid(t *testing.T) {
	req := grantRequest{
		DelegateID:  "8c1f9a4e-3a5b-4a63-9f0e-6b8d2a6a1c11",
		Permissions: []string{"ivr:submit"},
		Reason:      "coverage during leave",
		Window:      &window{Start: "08:00", End: "17:30", Timezone: "America/New_York"},
	}
	if err := Struct(&req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStruct_FieldErrors(t *testing.T) {
	req := grantRequest{
		DelegateID:  "not-a-uuid",
		Permissions: []string{"bad"},
		Window:      &window{Start: "25:00", End: "17:00", Timezone: "Mars/Olympus"},
	}
	err := Struct(&req)
	if err == nil {
		t.Fatal("expected validation error")
	}

	var ae *apperr.Error
	if !errors.As(err, &ae) || ae.Kind != apperr.KindValidation {
		t.Fatalf("expected apperr validation error, got %T %v", err, err)
	}

	got := map[string]string{}
	for _, f := range ae.Fields {
		got[f.Field] = f.Message
	}
	want := map[string]string{
		"delegate_id":          "delegate_id must be a valid UUID",
		"permissions[0]":       "permissions[0] must look like resource:action",
		"reason":               "reason is required",
		"time_window.start":    "time_window.start must be a time in HH:MM format",
		"time_window.timezone": "time_window.timezone must be an IANA time zone name",
	}
	for field, msg := range want {
		if got[field] != msg {
			t.Errorf("field %s: expected %q, got %q", field, msg, got[field])
		}
	}
}

func TestStruct_EmptyPermissions(t *testing.T) {
	req := grantRequest{
		DelegateID: "8c1f9a4e-3a5b-4a63-9f0e-6b8d2a6a1c11",
		Reason:     "x",
	}
	err := Struct(&req)
	var ae *apperr.Error
	if !errors.As(err, &ae) || len(ae.Fields) != 1 || ae.Fields[0].Field != "permissions" {
		t.Fatalf("expected a single permissions error, got %v", err)
	}
	if ae.Fields[0].Message != "permissions must contain at least 1 item(s)" {
		t.Errorf("unexpected message: %s", ae.Fields[0].Message)
	}
}
