package hipaa

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DetectorConfig holds the anomaly thresholds. A user exceeds a threshold
// when the observed value is strictly greater than it.
type DetectorConfig struct {
	BulkAccessThreshold   int
	TerritoryHopThreshold int
	Window                time.Duration
}

// Anomaly is one threshold breach observed for a user.
type Anomaly struct {
	Category  Category  `json:"category"`
	UserID    uuid.UUID `json:"user_id"`
	Observed  int       `json:"observed"`
	Threshold int       `json:"threshold"`
	Window    string    `json:"window"`
	Since     time.Time `json:"since"`
}

// Detector evaluates rolling-window aggregates over the audit store.
type Detector struct {
	store Store
	cfg   DetectorConfig
	now   func() time.Time

	// raising serializes the "already raised in this window" check with the
	// incident write in this process. recent covers incidents still waiting
	// in the recorder outbox.
	raising sync.Mutex
	recent  map[incidentKey]time.Time
}

type incidentKey struct {
	user     uuid.UUID
	category Category
}

// NewDetector creates a Detector. Non-positive values fall back to a
// threshold of 100 PHI accesses, 3 territories and a one-hour window.
func NewDetector(store Store, cfg DetectorConfig) *Detector {
	if cfg.BulkAccessThreshold <= 0 {
		cfg.BulkAccessThreshold = 100
	}
	if cfg.TerritoryHopThreshold <= 0 {
		cfg.TerritoryHopThreshold = 3
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	return &Detector{
		store:  store,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		recent: make(map[incidentKey]time.Time),
	}
}

// Evaluate returns the anomalies currently observed for userID.
func (d *Detector) Evaluate(ctx context.Context, userID uuid.UUID) ([]Anomaly, error) {
	since := d.now().Add(-d.cfg.Window)
	var out []Anomaly

	accesses, err := d.store.CountPHIAccess(ctx, userID, since)
	if err != nil {
		return nil, fmt.Errorf("count phi access: %w", err)
	}
	if accesses > d.cfg.BulkAccessThreshold {
		out = append(out, Anomaly{
			Category:  CategoryBulkAccess,
			UserID:    userID,
			Observed:  accesses,
			Threshold: d.cfg.BulkAccessThreshold,
			Window:    d.cfg.Window.String(),
			Since:     since,
		})
	}

	territories, err := d.store.DistinctTerritories(ctx, userID, since)
	if err != nil {
		return nil, fmt.Errorf("count territories: %w", err)
	}
	if territories > d.cfg.TerritoryHopThreshold {
		out = append(out, Anomaly{
			Category:  CategoryTerritoryHopping,
			UserID:    userID,
			Observed:  territories,
			Threshold: d.cfg.TerritoryHopThreshold,
			Window:    d.cfg.Window.String(),
			Since:     since,
		})
	}

	return out, nil
}

// RaiseIncidents evaluates the actor of trigger and passes a security event
// entry to raise for each anomaly not yet raised within the window. At most
// one incident per user and category is raised per window.
func (d *Detector) RaiseIncidents(ctx context.Context, trigger *Entry, raise func(*Entry) error) ([]*Entry, error) {
	if trigger.UserID == nil {
		return nil, nil
	}
	userID := *trigger.UserID

	anomalies, err := d.Evaluate(ctx, userID)
	if err != nil || len(anomalies) == 0 {
		return nil, err
	}

	d.raising.Lock()
	defer d.raising.Unlock()

	cutoff := d.now().Add(-d.cfg.Window)
	for k, at := range d.recent {
		if at.Before(cutoff) {
			delete(d.recent, k)
		}
	}

	var out []*Entry
	for _, a := range anomalies {
		key := incidentKey{user: userID, category: a.Category}
		if at, ok := d.recent[key]; ok && !at.Before(a.Since) {
			continue
		}
		raised, err := d.store.CountIncidents(ctx, userID, a.Category, a.Since)
		if err != nil {
			return out, fmt.Errorf("count incidents: %w", err)
		}
		if raised > 0 {
			continue
		}
		inc := incidentEntry(trigger, a, d.now())
		if err := raise(inc); err != nil {
			return out, fmt.Errorf("raise incident: %w", err)
		}
		d.recent[key] = inc.OccurredAt
		out = append(out, inc)
	}
	return out, nil
}

func incidentEntry(trigger *Entry, a Anomaly, at time.Time) *Entry {
	uid := a.UserID
	e := &Entry{
		ID:             uuid.New(),
		OccurredAt:     at,
		EventType:      EventSecurity,
		Category:       a.Category,
		Severity:       SeverityCritical,
		UserID:         &uid,
		OrganizationID: trigger.OrganizationID,
		Action:         "anomaly." + string(a.Category),
		Territory:      trigger.Territory,
		Success:        true,
		IPAddress:      trigger.IPAddress,
		UserAgent:      trigger.UserAgent,
		SessionID:      trigger.SessionID,
		RequestID:      trigger.RequestID,
		Endpoint:       trigger.Endpoint,
		Method:         trigger.Method,
	}
	e.WithMeta("observed", a.Observed).
		WithMeta("threshold", a.Threshold).
		WithMeta("window", a.Window).
		WithMeta("trigger_entry_id", trigger.ID.String())
	return e
}
