package delegation

import (
	"testing"
	"time"
)

func TestStateAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name string
		d    Delegation
		want State
	}{
		{"active", Delegation{IsActive: true}, StateActive},
		{"active until future", Delegation{IsActive: true, ExpiresAt: &future}, StateActive},
		{"approved", Delegation{IsActive: true, RequiresApproval: true, ApprovedAt: &past}, StateActive},
		{"pending", Delegation{IsActive: true, RequiresApproval: true}, StatePendingApproval},
		{"expired", Delegation{IsActive: true, ExpiresAt: &past}, StateExpired},
		{"expires exactly now", Delegation{IsActive: true, ExpiresAt: &now}, StateExpired},
		{"deactivated", Delegation{IsActive: false}, StateExpired},
		{"pending and expired", Delegation{IsActive: true, RequiresApproval: true, ExpiresAt: &past}, StateExpired},
		{"revoked", Delegation{IsActive: false, RevokedAt: &past}, StateRevoked},
		{"revoked and expired", Delegation{IsActive: false, RevokedAt: &past, ExpiresAt: &past}, StateRevoked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.d.StateAt(now); got != tt.want {
				t.Errorf("StateAt = %s, want %s", got, tt.want)
			}
			if got := tt.d.Usable(now); got != (tt.want == StateActive) {
				t.Errorf("Usable = %v for state %s", got, tt.want)
			}
		})
	}
}

func TestParseStateAndDirection(t *testing.T) {
	for _, s := range []string{"PENDING_APPROVAL", "ACTIVE", "EXPIRED", "REVOKED"} {
		if _, err := ParseState(s); err != nil {
			t.Errorf("ParseState(%q): %v", s, err)
		}
	}
	if _, err := ParseState("active"); err == nil {
		t.Error("expected lowercase state to be rejected")
	}
	if d, err := ParseDirection(""); err != nil || d != DirectionReceived {
		t.Errorf("empty direction: %s %v", d, err)
	}
	if _, err := ParseDirection("sideways"); err == nil {
		t.Error("expected unknown direction to be rejected")
	}
	if !StateRevoked.Terminal() || !StateExpired.Terminal() || StateActive.Terminal() || StatePendingApproval.Terminal() {
		t.Error("unexpected terminal states")
	}
}
