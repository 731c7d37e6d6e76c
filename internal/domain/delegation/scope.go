package delegation

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/healthops/healthops/internal/platform/authz"
	"github.com/healthops/healthops/internal/platform/validation"
)

// ErrScopeViolation is wrapped by every Scope.Check failure.
var ErrScopeViolation = errors.New("scope restriction violated")

// Scope narrows what a delegation may be used for. A nil list leaves that
// dimension unconstrained; a present but empty list allows nothing.
type Scope struct {
	PatientIDs  *[]string   `json:"patient_ids,omitempty" validate:"omitempty,dive,required,max=255"`
	ActionTypes *[]string   `json:"action_types,omitempty" validate:"omitempty,dive,required,max=100"`
	TimeWindow  *TimeWindow `json:"time_window,omitempty"`
}

// TimeWindow is a daily clock range in an explicit zone. End before Start
// wraps past midnight. Start is inclusive, End exclusive.
type TimeWindow struct {
	Start    string `json:"start" validate:"required,hhmm"`
	End      string `json:"end" validate:"required,hhmm"`
	Timezone string `json:"timezone" validate:"required,iana_tz"`
}

// Validate checks field formats and rejects empty windows.
func (s *Scope) Validate() error {
	if s == nil {
		return nil
	}
	if err := validation.Struct(s); err != nil {
		return err
	}
	if w := s.TimeWindow; w != nil && w.Start == w.End {
		return fmt.Errorf("time_window start and end must differ")
	}
	return nil
}

// Check evaluates every present restriction against t at now.
func (s *Scope) Check(t authz.Target, now time.Time) error {
	if s == nil {
		return nil
	}
	if s.PatientIDs != nil && !slices.Contains(*s.PatientIDs, t.PatientID) {
		return fmt.Errorf("%w: patient %q is not in the allowed patient list", ErrScopeViolation, t.PatientID)
	}
	if s.ActionTypes != nil && !slices.Contains(*s.ActionTypes, t.ActionType) {
		return fmt.Errorf("%w: action type %q is not allowed", ErrScopeViolation, t.ActionType)
	}
	if s.TimeWindow != nil {
		ok, err := s.TimeWindow.Contains(now)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrScopeViolation, err)
		}
		if !ok {
			w := s.TimeWindow
			return fmt.Errorf("%w: outside allowed hours %s-%s %s", ErrScopeViolation, w.Start, w.End, w.Timezone)
		}
	}
	return nil
}

// Contains reports whether now falls inside the window in its zone.
func (w *TimeWindow) Contains(now time.Time) (bool, error) {
	loc, err := time.LoadLocation(w.Timezone)
	if err != nil || w.Timezone == "" {
		return false, fmt.Errorf("invalid time zone %q", w.Timezone)
	}
	start, err := clockMinutes(w.Start)
	if err != nil {
		return false, err
	}
	end, err := clockMinutes(w.End)
	if err != nil {
		return false, err
	}
	local := now.In(loc)
	m := local.Hour()*60 + local.Minute()
	if start < end {
		return m >= start && m < end, nil
	}
	return m >= start || m < end, nil
}

func clockMinutes(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}
