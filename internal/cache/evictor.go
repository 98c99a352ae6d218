package cache

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// DefaultRetention is how long a cache entry survives after its last write.
const DefaultRetention = 7 * 24 * time.Hour

// DefaultPreviewRetention is how long a session-scoped preview directory
// survives when nothing removed it at the end of its call.
const DefaultPreviewRetention = 24 * time.Hour

// SweepReport summarizes a single eviction pass.
type SweepReport struct {
	Scanned  int
	Removed  int
	InUse    int
	Failed   int
	Freed    int64
	Previews int
	Duration time.Duration
}

// SweepObserver receives the outcome of every sweep.
type SweepObserver interface {
	RecordSweep(report SweepReport)
}

// Evictor removes cache entries older than the retention window. A sweep
// is best-effort: per-file failures are logged and skipped and never
// surface to the caller.
type Evictor struct {
	store            *Store
	retention        time.Duration
	previewRetention time.Duration
	logger           *logrus.Logger
	now              func() time.Time
	observer         SweepObserver

	mu        sync.Mutex
	cron      *cron.Cron
	running   bool
	stopWatch func() bool
}

// EvictorOption configures an Evictor.
type EvictorOption func(*Evictor)

// WithEvictorLogger sets the logger for sweep diagnostics.
func WithEvictorLogger(l *logrus.Logger) EvictorOption {
	return func(e *Evictor) { e.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) EvictorOption {
	return func(e *Evictor) { e.now = now }
}

// WithPreviewRetention sets how long leftover preview directories survive.
func WithPreviewRetention(d time.Duration) EvictorOption {
	return func(e *Evictor) {
		if d > 0 {
			e.previewRetention = d
		}
	}
}

// WithSweepObserver reports every sweep to o.
func WithSweepObserver(o SweepObserver) EvictorOption {
	return func(e *Evictor) { e.observer = o }
}

// NewEvictor creates an evictor for s. A non-positive retention selects
// DefaultRetention.
func NewEvictor(s *Store, retention time.Duration, opts ...EvictorOption) *Evictor {
	if retention <= 0 {
		retention = DefaultRetention
	}
	e := &Evictor{
		store:            s,
		retention:        retention,
		previewRetention: DefaultPreviewRetention,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logrus.New()
		e.logger.SetOutput(io.Discard)
	}
	return e
}

// Retention returns the configured retention window.
func (e *Evictor) Retention() time.Duration {
	return e.retention
}

// Sweep removes entries older than the configured retention.
func (e *Evictor) Sweep(ctx context.Context) SweepReport {
	return e.SweepOlderThan(ctx, e.retention)
}

// SweepOlderThan lists every entry under the cache root, stats it, and
// removes it when now - lastModified exceeds retention. Preview
// directories are removed once older than the shorter of retention and
// the preview retention. Leased entries are left alone.
func (e *Evictor) SweepOlderThan(ctx context.Context, retention time.Duration) SweepReport {
	start := time.Now()
	report := SweepReport{}
	defer func() {
		report.Duration = time.Since(start)
		if e.observer != nil {
			e.observer.RecordSweep(report)
		}
	}()

	now := e.now()
	e.sweepPreviews(ctx, now, min(retention, e.previewRetention), &report)

	paths, err := e.store.Names()
	if err != nil {
		e.logger.WithError(err).Warn("Cache sweep could not list entries")
		report.Failed++
		return report
	}

	for _, path := range paths {
		if ctx.Err() != nil {
			e.logger.WithField("remaining", len(paths)-report.Scanned).Info("Cache sweep interrupted")
			return report
		}
		report.Scanned++

		entry, err := e.store.Stat(path)
		if err != nil {
			e.logger.WithError(err).WithField("path", path).Debug("Skipping cache entry that vanished")
			report.Failed++
			continue
		}

		if entry.Age(now) <= retention {
			continue
		}
		if e.store.InUse(path) {
			report.InUse++
			continue
		}

		if err := e.store.Remove(path); err != nil {
			e.logger.WithError(err).WithField("path", path).Warn("Failed to evict cache entry")
			report.Failed++
			continue
		}
		report.Removed++
		report.Freed += entry.Size
	}

	e.logger.WithFields(logrus.Fields{
		"scanned":  report.Scanned,
		"removed":  report.Removed,
		"freed":    report.Freed,
		"previews": report.Previews,
	}).Info("Cache sweep complete")

	return report
}

func (e *Evictor) sweepPreviews(ctx context.Context, now time.Time, retention time.Duration, report *SweepReport) {
	sessions, err := e.store.PreviewSessions()
	if err != nil {
		e.logger.WithError(err).Warn("Cache sweep could not list preview directories")
		report.Failed++
		return
	}

	for _, session := range sessions {
		if ctx.Err() != nil {
			return
		}
		if now.Sub(session.ModTime) <= retention || e.anyInUse(session.Files) {
			continue
		}
		if err := os.RemoveAll(session.Dir); err != nil {
			e.logger.WithError(err).WithField("path", session.Dir).Warn("Failed to remove preview directory")
			report.Failed++
			continue
		}
		report.Previews++
	}
}

func (e *Evictor) anyInUse(paths []string) bool {
	for _, p := range paths {
		if e.store.InUse(p) {
			return true
		}
	}
	return false
}

// Start schedules periodic sweeps using a cron expression such as
// "@every 6h" or "0 3 * * *". Sweeps stop when ctx is done or Stop is
// called. Starting an already running evictor is a no-op.
func (e *Evictor) Start(ctx context.Context, schedule string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return nil
	}

	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		e.Sweep(ctx)
	})
	if err != nil {
		return fmt.Errorf("scheduling cache sweep %q: %w", schedule, err)
	}

	c.Start()
	e.cron = c
	e.running = true
	e.stopWatch = context.AfterFunc(ctx, e.Stop)

	e.logger.WithField("schedule", schedule).Info("Periodic cache sweeps scheduled")
	return nil
}

// Stop halts periodic sweeps and waits for a running sweep to finish.
func (e *Evictor) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	c := e.cron
	stopWatch := e.stopWatch
	e.running = false
	e.cron = nil
	e.stopWatch = nil
	e.mu.Unlock()

	stopWatch()
	<-c.Stop().Done()
}
