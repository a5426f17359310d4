// Package reconciler keeps the live timers in step with persisted schedules.
//
// The registry applies its own mutations to both the config store and the
// timers, but rows can also change underneath it (manual SQL, a restore, a
// failed write after a timer was armed). The reconciler periodically lists
// persisted schedules and hands them to the registry, which adds missing
// timers, drops timers for deleted rows, and applies newer configuration.
package reconciler

import (
	"context"
	"log"
	"time"

	"github.com/djlord-it/pixlewatch/internal/domain"
	"github.com/djlord-it/pixlewatch/internal/registry"
)

// Store lists persisted schedules.
type Store interface {
	ListSchedules(ctx context.Context) ([]domain.Schedule, error)
}

// Syncer applies a persisted listing to the live set.
type Syncer interface {
	Sync(persisted []domain.Schedule, asOf time.Time) registry.SyncStats
}

// MetricsSink defines the interface for recording reconciler metrics.
type MetricsSink interface {
	ReconcileCompleted(duration time.Duration, err error)
}

// Config holds reconciler configuration.
type Config struct {
	// Interval is how often the reconciler runs.
	// Default: 5 minutes.
	Interval time.Duration
}

// DefaultConfig returns the default reconciler configuration.
func DefaultConfig() Config {
	return Config{
		Interval: 5 * time.Minute,
	}
}

// Reconciler periodically syncs the registry with the config store.
type Reconciler struct {
	config  Config
	store   Store
	syncer  Syncer
	metrics MetricsSink // optional, nil = disabled
	clock   func() time.Time
}

// New creates a new Reconciler.
func New(config Config, store Store, syncer Syncer) *Reconciler {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	return &Reconciler{
		config: config,
		store:  store,
		syncer: syncer,
		clock:  time.Now,
	}
}

// WithMetrics attaches a metrics sink to the reconciler.
func (r *Reconciler) WithMetrics(sink MetricsSink) *Reconciler {
	r.metrics = sink
	return r
}

// WithClock sets the time source. Used by tests.
func (r *Reconciler) WithClock(clock func() time.Time) *Reconciler {
	r.clock = clock
	return r
}

// Run starts the reconciliation loop. It blocks until ctx is cancelled.
// The first cycle runs after one interval; startup loading is the registry's job.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	log.Printf("reconciler: started (interval=%s)", r.config.Interval)

	for {
		select {
		case <-ctx.Done():
			log.Println("reconciler: stopped")
			return
		case <-ticker.C:
			r.RunCycle(ctx)
		}
	}
}

// RunCycle executes one reconciliation cycle.
func (r *Reconciler) RunCycle(ctx context.Context) {
	start := r.clock()

	persisted, err := r.store.ListSchedules(ctx)
	if err != nil {
		// DB error: log and abort cycle. Will retry next interval.
		log.Printf("reconciler: failed to list schedules: %v", err)
		r.observe(start, err)
		return
	}

	stats := r.syncer.Sync(persisted, start)
	r.observe(start, nil)

	if stats.Added+stats.Updated+stats.Removed+stats.Skipped == 0 {
		// Nothing to do. Silent success.
		return
	}
	log.Printf("reconciler: cycle complete, added=%d updated=%d removed=%d skipped=%d",
		stats.Added, stats.Updated, stats.Removed, stats.Skipped)
}

func (r *Reconciler) observe(start time.Time, err error) {
	if r.metrics != nil {
		r.metrics.ReconcileCompleted(r.clock().Sub(start), err)
	}
}
