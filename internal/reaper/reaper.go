// Package reaper implements the idle-caret and idle-document sweeps
// (spec §4.2, §9): a caret whose session has not touched it for the
// configured threshold is ended automatically, and a document with no
// remaining sessions is evicted from the process-global registry so
// its control.Stream instances (and their snapshot caches) can be
// garbage collected. Scheduling is delegated to gocron.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/inful/bayou/internal/doccomplex"
	"github.com/inful/bayou/internal/logfields"
	"github.com/inful/bayou/internal/metrics"
)

// DefaultIdleThreshold is how long a caret may go untouched before the
// reaper ends its session (spec §4.2).
const DefaultIdleThreshold = 10 * time.Minute

// DefaultSweepInterval is how often the reaper runs its sweep.
const DefaultSweepInterval = 1 * time.Minute

// Reaper periodically ends idle caret sessions and evicts documents
// left with no active sessions.
type Reaper struct {
	registry      *doccomplex.Registry
	idleThreshold time.Duration
	metrics       metrics.Recorder
	logger        *slog.Logger
	now           func() time.Time

	scheduler gocron.Scheduler
}

// Option configures a Reaper.
type Option func(*Reaper)

// WithIdleThreshold overrides DefaultIdleThreshold.
func WithIdleThreshold(d time.Duration) Option {
	return func(r *Reaper) { r.idleThreshold = d }
}

// WithMetrics injects a metrics.Recorder; default is metrics.NoopRecorder.
func WithMetrics(rec metrics.Recorder) Option {
	return func(r *Reaper) { r.metrics = rec }
}

// WithLogger overrides the reaper's logger; default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Reaper) { r.logger = l }
}

// WithClock overrides the reaper's notion of "now", for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(r *Reaper) { r.now = now }
}

// New builds a Reaper bound to registry. Call Start to begin the
// periodic sweep; call Sweep directly to run one pass synchronously
// (useful in tests).
func New(registry *doccomplex.Registry, opts ...Option) *Reaper {
	r := &Reaper{
		registry:      registry,
		idleThreshold: DefaultIdleThreshold,
		metrics:       metrics.NoopRecorder{},
		logger:        slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start schedules the sweep to run every interval until ctx is
// cancelled or Stop is called. interval <= 0 uses DefaultSweepInterval.
func (r *Reaper) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	if _, err := scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { r.Sweep(ctx) }),
	); err != nil {
		return err
	}
	r.scheduler = scheduler
	scheduler.Start()
	go func() {
		<-ctx.Done()
		_ = r.Stop()
	}()
	return nil
}

// Stop halts the scheduler. Safe to call after Start failed or was never called.
func (r *Reaper) Stop() error {
	if r.scheduler == nil {
		return nil
	}
	return r.scheduler.Shutdown()
}

// Sweep runs one pass: end every session idle past the threshold, then
// evict every document left with zero active sessions. Errors ending
// individual sessions are logged and do not abort the sweep.
func (r *Reaper) Sweep(ctx context.Context) {
	cutoff := r.now().Add(-r.idleThreshold)
	for _, dc := range r.registry.Active() {
		if dc.Failed() != nil {
			continue
		}
		for _, sess := range dc.Sessions.Sessions() {
			if sess.LastSeen().After(cutoff) {
				continue
			}
			if err := sess.EndSession(ctx); err != nil {
				r.logger.WarnContext(ctx, "reaper: failed to end idle session",
					logfields.DocID(dc.DocID), logfields.CaretID(sess.CaretID), logfields.Error(err))
				continue
			}
			r.metrics.IncCaretReaped(dc.DocID)
		}
		if dc.Sessions.ActiveCount() == 0 {
			r.registry.Evict(dc.DocID)
		}
	}
}
