// Package supervisor runs the server's long-lived services under a suture
// tree so a crashed worker is restarted without taking the API down.
package supervisor

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
)

type Config struct {
	// FailureThreshold is the number of failures before entering backoff.
	FailureThreshold float64
	// FailureDecay is the failure decay rate in seconds.
	FailureDecay    float64
	FailureBackoff  time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig matches suture's built-in defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.FailureDecay <= 0 {
		c.FailureDecay = d.FailureDecay
	}
	if c.FailureBackoff <= 0 {
		c.FailureBackoff = d.FailureBackoff
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
}

// Tree has two layers: workers (the audit outbox) and api (the HTTP
// server). A failing worker never restarts the API layer.
type Tree struct {
	root    *suture.Supervisor
	workers *suture.Supervisor
	api     *suture.Supervisor
}

func New(logger zerolog.Logger, cfg Config) *Tree {
	cfg.applyDefaults()
	spec := func(hook suture.EventHook) suture.Spec {
		return suture.Spec{
			EventHook:        hook,
			FailureThreshold: cfg.FailureThreshold,
			FailureDecay:     cfg.FailureDecay,
			FailureBackoff:   cfg.FailureBackoff,
			Timeout:          cfg.ShutdownTimeout,
		}
	}

	// Children inherit the root's hook when added.
	root := suture.New("healthops", spec(EventHook(logger)))
	workers := suture.New("workers", spec(nil))
	api := suture.New("api", spec(nil))
	root.Add(workers)
	root.Add(api)

	return &Tree{root: root, workers: workers, api: api}
}

func (t *Tree) AddWorker(svc suture.Service) suture.ServiceToken { return t.workers.Add(svc) }

func (t *Tree) AddAPI(svc suture.Service) suture.ServiceToken { return t.api.Add(svc) }

// Serve blocks until ctx is cancelled and every service has stopped or
// timed out.
func (t *Tree) Serve(ctx context.Context) error { return t.root.Serve(ctx) }

func (t *Tree) ServeBackground(ctx context.Context) <-chan error { return t.root.ServeBackground(ctx) }

func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}

// EventHook logs suture lifecycle events through zerolog. Panics and stop
// timeouts are errors; restarts and backoff are warnings.
func EventHook(logger zerolog.Logger) suture.EventHook {
	logger = logger.With().Str("component", "supervisor").Logger()
	return func(ev suture.Event) {
		var evt *zerolog.Event
		switch ev.Type() {
		case suture.EventTypeServicePanic, suture.EventTypeStopTimeout:
			evt = logger.Error()
		case suture.EventTypeServiceTerminate, suture.EventTypeBackoff:
			evt = logger.Warn()
		case suture.EventTypeResume:
			evt = logger.Info()
		default:
			evt = logger.Debug()
		}
		evt.Fields(ev.Map()).Msg(ev.String())
	}
}
