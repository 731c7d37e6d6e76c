package hipaa

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ComplianceStatus is the derived verdict of a compliance report.
type ComplianceStatus string

const (
	StatusCompliant      ComplianceStatus = "COMPLIANT"
	StatusNonCompliant   ComplianceStatus = "NON_COMPLIANT"
	StatusReviewRequired ComplianceStatus = "REVIEW_REQUIRED"
)

// Report thresholds.
const (
	NonCompliantFailureRate  = 0.10
	HighFailureRate          = 0.05
	ReviewSecurityEventCount = 5
)

// Recommendation texts.
const (
	RecommendHighFailureRate = "High failure rate detected: investigate failed access attempts and permission misconfigurations"
	RecommendReviewSecurity  = "Security events exceed review threshold: review unauthorized access attempts and raised incidents"
	RecommendNoActivity      = "No audit activity recorded in the period: verify that audit logging is operational"
)

// ComplianceReport summarizes the audit log over a period.
type ComplianceReport struct {
	OrganizationID  *uuid.UUID       `json:"organization_id,omitempty"`
	PeriodStart     time.Time        `json:"period_start"`
	PeriodEnd       time.Time        `json:"period_end"`
	TotalEvents     int              `json:"total_events"`
	PHIAccessEvents int              `json:"phi_access_events"`
	FailureCount    int              `json:"failure_count"`
	FailureRate     float64          `json:"failure_rate"`
	DistinctUsers   int              `json:"distinct_users"`
	SecurityEvents  int              `json:"security_events"`
	Status          ComplianceStatus `json:"status"`
	Recommendations []string         `json:"recommendations"`
	GeneratedAt     time.Time        `json:"generated_at"`
}

// BuildComplianceReport derives the report for stats. NON_COMPLIANT takes
// precedence over REVIEW_REQUIRED.
func BuildComplianceReport(stats *Stats, start, end time.Time) *ComplianceReport {
	r := &ComplianceReport{
		PeriodStart:     start,
		PeriodEnd:       end,
		TotalEvents:     stats.TotalEvents,
		PHIAccessEvents: stats.PHIAccessCount,
		FailureCount:    stats.FailureCount,
		DistinctUsers:   stats.DistinctUsers,
		SecurityEvents:  stats.SecurityEvents,
		Status:          StatusCompliant,
		Recommendations: []string{},
		GeneratedAt:     time.Now().UTC(),
	}
	if stats.TotalEvents > 0 {
		r.FailureRate = float64(stats.FailureCount) / float64(stats.TotalEvents)
	}

	switch {
	case r.FailureRate > NonCompliantFailureRate:
		r.Status = StatusNonCompliant
	case r.SecurityEvents > ReviewSecurityEventCount:
		r.Status = StatusReviewRequired
	}

	if r.FailureRate > HighFailureRate {
		r.Recommendations = append(r.Recommendations, RecommendHighFailureRate)
	}
	if r.SecurityEvents > ReviewSecurityEventCount {
		r.Recommendations = append(r.Recommendations, RecommendReviewSecurity)
	}
	if r.TotalEvents == 0 {
		r.Recommendations = append(r.Recommendations, RecommendNoActivity)
	}
	return r
}

// GenerateComplianceReport aggregates store over [start, end] for orgID, or
// across all organizations when orgID is nil.
func GenerateComplianceReport(ctx context.Context, store Store, orgID *uuid.UUID, start, end time.Time) (*ComplianceReport, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("report end %s is before start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	stats, err := store.Stats(ctx, orgID, start, end)
	if err != nil {
		return nil, fmt.Errorf("compliance report: %w", err)
	}
	r := BuildComplianceReport(stats, start, end)
	r.OrganizationID = orgID
	return r, nil
}
