package hipaa

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
)

// RecorderConfig tunes the Recorder. Zero values take the defaults.
type RecorderConfig struct {
	OutboxSize       int
	RetryInterval    time.Duration
	WriteTimeout     time.Duration
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

func (c *RecorderConfig) applyDefaults() {
	if c.OutboxSize <= 0 {
		c.OutboxSize = 10000
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
}

// Recorder is the audit sink used by the rest of the application. Record
// never fails the caller: entries that cannot be stored are logged on the
// fallback channel and retried from an in-process outbox.
type Recorder struct {
	store    Store
	breaker  *gobreaker.CircuitBreaker[struct{}]
	outbox   *outbox
	detector *Detector
	logger   zerolog.Logger
	cfg      RecorderConfig
}

// NewRecorder creates a Recorder writing to store.
func NewRecorder(store Store, logger zerolog.Logger, cfg RecorderConfig) *Recorder {
	cfg.applyDefaults()
	r := &Recorder{
		store:  store,
		outbox: newOutbox(cfg.OutboxSize),
		logger: logger.With().Str("component", "audit_recorder").Logger(),
		cfg:    cfg,
	}
	r.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "audit-store",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("audit store circuit breaker state change")
			if to == gobreaker.StateOpen {
				AuditStoreBreakerOpen.Set(1)
			} else {
				AuditStoreBreakerOpen.Set(0)
			}
		},
	})
	return r
}

// SetDetector enables anomaly detection after each stored PHI access.
func (r *Recorder) SetDetector(d *Detector) {
	r.detector = d
}

// Record stores e. The write is detached from ctx cancellation so a request
// that is abandoned after its authorization decision still leaves a trail.
func (r *Recorder) Record(ctx context.Context, e *Entry) {
	if e == nil {
		return
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}

	if err := e.Validate(); err != nil {
		// Retrying cannot fix a malformed entry.
		AuditRecordsDroppedTotal.Inc()
		r.logger.Error().Err(err).
			Str("type", "hipaa_audit_fallback").
			Interface("entry", e).
			Msg("invalid audit entry not stored")
		return
	}

	ctx = context.WithoutCancel(ctx)
	if err := r.write(ctx, e); err != nil {
		r.queue(e, err)
		return
	}
	AuditRecordsTotal.WithLabelValues(string(e.EventType), "stored").Inc()
	r.afterStore(ctx, e)
}

func (r *Recorder) write(ctx context.Context, e *Entry) error {
	wctx, cancel := context.WithTimeout(ctx, r.cfg.WriteTimeout)
	defer cancel()
	_, err := r.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, r.store.Append(wctx, e)
	})
	return err
}

// queue logs e on the fallback channel and keeps it for retry.
func (r *Recorder) queue(e *Entry, cause error) {
	r.logger.Error().Err(cause).
		Str("type", "hipaa_audit_fallback").
		Interface("entry", e).
		Msg("audit store write failed, entry queued for retry")
	AuditRecordsTotal.WithLabelValues(string(e.EventType), "deferred").Inc()

	if dropped := r.outbox.push(e); dropped != nil {
		AuditRecordsDroppedTotal.Inc()
		r.logger.Error().
			Str("type", "hipaa_audit_dropped").
			Interface("entry", dropped).
			Int("outbox_size", r.cfg.OutboxSize).
			Msg("audit outbox full, oldest entry dropped")
	}
}

func (r *Recorder) afterStore(ctx context.Context, e *Entry) {
	if r.detector == nil || e.EventType != EventPHIAccess || !e.Success || e.UserID == nil {
		return
	}
	incidents, err := r.detector.RaiseIncidents(ctx, e, func(inc *Entry) error {
		if err := r.write(ctx, inc); err != nil {
			r.queue(inc, err)
			return nil
		}
		AuditRecordsTotal.WithLabelValues(string(inc.EventType), "stored").Inc()
		return nil
	})
	if err != nil {
		r.logger.Error().Err(err).Str("user_id", e.UserID.String()).Msg("anomaly detection failed")
	}
	for _, inc := range incidents {
		AuditIncidentsTotal.WithLabelValues(string(inc.Category)).Inc()
		r.logger.Warn().
			Str("user_id", e.UserID.String()).
			Str("category", string(inc.Category)).
			Interface("metadata", inc.Metadata).
			Msg("security incident raised")
	}
}

// Pending returns the number of entries waiting for retry.
func (r *Recorder) Pending() int {
	return r.outbox.len()
}

// Flush retries queued entries in order until the outbox is empty or a write
// fails. It returns the number of entries stored.
func (r *Recorder) Flush(ctx context.Context) int {
	stored := 0
	for {
		if ctx.Err() != nil {
			return stored
		}
		e := r.outbox.peek()
		if e == nil {
			return stored
		}
		if err := r.write(ctx, e); err != nil {
			r.logger.Debug().Err(err).Int("pending", r.outbox.len()).Msg("audit outbox retry failed")
			return stored
		}
		r.outbox.remove(e)
		stored++
		r.afterStore(ctx, e)
	}
}

// Serve retries the outbox every RetryInterval until ctx is done. It
// implements suture.Service.
func (r *Recorder) Serve(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.RetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Best effort on shutdown with a fresh deadline.
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.WriteTimeout)
			if n := r.Flush(fctx); n > 0 {
				r.logger.Info().Int("stored", n).Msg("audit outbox flushed on shutdown")
			}
			cancel()
			if pending := r.outbox.len(); pending > 0 {
				r.logger.Error().Int("pending", pending).Msg("audit outbox not empty at shutdown, entries lost")
			}
			return ctx.Err()
		case <-ticker.C:
			if n := r.Flush(ctx); n > 0 {
				r.logger.Info().Int("stored", n).Int("pending", r.outbox.len()).Msg("audit outbox retried")
			}
		}
	}
}

func (r *Recorder) String() string { return "audit-outbox" }
