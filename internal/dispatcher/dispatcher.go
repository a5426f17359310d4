package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/djlord-it/pixlewatch/internal/domain"
	"github.com/djlord-it/pixlewatch/internal/metrics"
	"github.com/djlord-it/pixlewatch/internal/registry"
)

// Store records that a run started. It must increment run_count and set
// last_run_at in one statement.
type Store interface {
	RecordRun(ctx context.Context, scheduleID uuid.UUID, at time.Time) error
}

// Schedules resolves the current configuration at run time.
type Schedules interface {
	Get(id uuid.UUID) (registry.Snapshot, error)
	MarkRun(id uuid.UUID, at time.Time)
}

type Runner interface {
	RunSchedule(ctx context.Context, s domain.Schedule) []domain.TestResult
}

// MetricsSink defines the interface for recording dispatcher metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	RunStarted(manual bool)
	RunCompleted(duration time.Duration, results int)
	RunSkipped(reason string)
	RunsInFlightIncr()
	RunsInFlightDecr()
}

type Config struct {
	// Workers bounds concurrent runs. Default: 1.
	Workers int
	// RunTimeout bounds one whole schedule run. Default: 30 minutes.
	RunTimeout time.Duration
	// DrainTimeout bounds in-flight and buffered work after shutdown starts. Default: 30 seconds.
	DrainTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:      1,
		RunTimeout:   30 * time.Minute,
		DrainTimeout: 30 * time.Second,
	}
}

type Dispatcher struct {
	config    Config
	schedules Schedules
	store     Store
	runner    Runner
	metrics   MetricsSink // optional, nil = disabled
	clock     func() time.Time

	mu      sync.Mutex
	running map[uuid.UUID]struct{}
}

func New(config Config, schedules Schedules, store Store, runner Runner) *Dispatcher {
	def := DefaultConfig()
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if config.RunTimeout <= 0 {
		config.RunTimeout = def.RunTimeout
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = def.DrainTimeout
	}
	return &Dispatcher{
		config:    config,
		schedules: schedules,
		store:     store,
		runner:    runner,
		clock:     time.Now,
		running:   make(map[uuid.UUID]struct{}),
	}
}

// WithMetrics attaches a metrics sink to the dispatcher.
func (d *Dispatcher) WithMetrics(sink MetricsSink) *Dispatcher {
	d.metrics = sink
	return d
}

// WithClock sets the time source. Used by tests.
func (d *Dispatcher) WithClock(clock func() time.Time) *Dispatcher {
	d.clock = clock
	return d
}

// Run processes events from ch with a pool of workers until ctx is cancelled.
// After cancellation, in-flight runs continue and buffered events are
// drained; both are cut off once DrainTimeout elapses.
func (d *Dispatcher) Run(ctx context.Context, ch <-chan domain.TriggerEvent) {
	runCtx, hardStop := context.WithCancel(context.WithoutCancel(ctx))
	defer hardStop()
	stop := context.AfterFunc(ctx, func() {
		time.AfterFunc(d.config.DrainTimeout, hardStop)
	})
	defer stop()

	log.Printf("dispatcher: started (workers=%d, run_timeout=%s)", d.config.Workers, d.config.RunTimeout)

	var drained atomic.Int64
	var g errgroup.Group
	for i := 0; i < d.config.Workers; i++ {
		g.Go(func() error {
			d.work(ctx, runCtx, ch)
			drained.Add(int64(d.drain(runCtx, ch)))
			return nil
		})
	}
	_ = g.Wait()

	if runCtx.Err() != nil {
		log.Printf("dispatcher: drain timeout, processed %d buffered events", drained.Load())
	} else if n := drained.Load(); n > 0 {
		log.Printf("dispatcher: drain complete, processed %d events", n)
	}
	log.Println("dispatcher: stopped")
}

func (d *Dispatcher) work(ctx, runCtx context.Context, ch <-chan domain.TriggerEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if err := d.Dispatch(runCtx, event); err != nil {
				log.Printf("dispatcher: error: %v", err)
			}
		}
	}
}

// drain processes events still buffered in ch without waiting for new ones.
func (d *Dispatcher) drain(ctx context.Context, ch <-chan domain.TriggerEvent) int {
	count := 0
	for ctx.Err() == nil {
		select {
		case event, ok := <-ch:
			if !ok {
				return count
			}
			if err := d.Dispatch(ctx, event); err != nil {
				log.Printf("dispatcher: drain error: %v", err)
			}
			count++
		default:
			return count
		}
	}
	return count
}

// Dispatch runs the schedule named by event unless it is deleted or already running.
func (d *Dispatcher) Dispatch(ctx context.Context, event domain.TriggerEvent) error {
	if d.metrics != nil {
		d.metrics.RunsInFlightIncr()
		defer d.metrics.RunsInFlightDecr()
	}

	snap, err := d.schedules.Get(event.ScheduleID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			log.Printf("dispatcher: schedule=%s no longer exists, skipping", event.ScheduleID)
			d.skipped(metrics.SkipDeleted)
			return nil
		}
		d.skipped(metrics.SkipLookup)
		return fmt.Errorf("get schedule %s: %w", event.ScheduleID, err)
	}
	schedule := snap.Schedule

	if !d.acquire(schedule.ID) {
		log.Printf("dispatcher: schedule=%s run already in progress, skipping trigger manual=%t", schedule.ID, event.Manual)
		d.skipped(metrics.SkipInProgress)
		return nil
	}
	defer d.release(schedule.ID)

	startedAt := d.clock().UTC()
	if err := d.store.RecordRun(ctx, schedule.ID, startedAt); err != nil {
		log.Printf("dispatcher: schedule=%s record run: %v", schedule.ID, err)
	} else {
		d.schedules.MarkRun(schedule.ID, startedAt)
	}

	if d.metrics != nil {
		d.metrics.RunStarted(event.Manual)
	}
	log.Printf("dispatcher: schedule=%s run started manual=%t locales=%d", schedule.ID, event.Manual, len(schedule.Locales))

	runCtx, cancel := context.WithTimeout(ctx, d.config.RunTimeout)
	defer cancel()
	results := d.runner.RunSchedule(runCtx, schedule)

	elapsed := d.clock().Sub(startedAt)
	if d.metrics != nil {
		d.metrics.RunCompleted(elapsed, len(results))
	}

	counts := make(map[domain.Verdict]int, 4)
	for _, r := range results {
		counts[r.Verdict]++
	}
	log.Printf("dispatcher: schedule=%s run finished in %s null=%d pass=%d fail=%d error=%d",
		schedule.ID, elapsed.Round(time.Millisecond),
		counts[domain.VerdictNull], counts[domain.VerdictPass], counts[domain.VerdictFail], counts[domain.VerdictError])
	return nil
}

// InProgress reports whether a run for id is executing.
func (d *Dispatcher) InProgress(id uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.running[id]
	return ok
}

func (d *Dispatcher) acquire(id uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.running[id]; ok {
		return false
	}
	d.running[id] = struct{}{}
	return true
}

func (d *Dispatcher) release(id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.running, id)
}

func (d *Dispatcher) skipped(reason string) {
	if d.metrics != nil {
		d.metrics.RunSkipped(reason)
	}
}
