// Package registry owns the live set of schedules and their timers.
//
// Each schedule id maps to an entry holding its configuration and the
// robfig/cron entry that fires it. The id map is guarded by a short-held
// lock; every mutation of one schedule is serialized by that entry's own
// mutex, so operations on different schedules never wait on each other.
//
// A timer firing only enqueues a TriggerEvent. Each armed timer carries a
// generation number; a firing whose generation no longer matches the entry
// (because the schedule was updated, paused, or deleted since) is dropped.
package registry

import (
	"context"
	"fmt"
	"log"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	robfigcron "github.com/robfig/cron/v3"

	"github.com/djlord-it/pixlewatch/internal/cron"
	"github.com/djlord-it/pixlewatch/internal/domain"
)

// fireEmitTimeout bounds the enqueue from a timer goroutine.
const fireEmitTimeout = 5 * time.Second

// Store persists schedule configuration. Unknown ids return domain.ErrNotFound.
type Store interface {
	CreateSchedule(ctx context.Context, s domain.Schedule) error
	UpdateScheduleConfig(ctx context.Context, id uuid.UUID, urlTemplate string, locales []string, cronExpr string, updatedAt time.Time) error
	SetSchedulePaused(ctx context.Context, id uuid.UUID, paused bool, updatedAt time.Time) error
	DeleteSchedule(ctx context.Context, id uuid.UUID) error
	ListSchedules(ctx context.Context) ([]domain.Schedule, error)
}

// Timers arms and cancels recurring jobs. *robfigcron.Cron satisfies it.
type Timers interface {
	Schedule(schedule robfigcron.Schedule, job robfigcron.Job) robfigcron.EntryID
	Remove(id robfigcron.EntryID)
}

type EventEmitter interface {
	Emit(ctx context.Context, event domain.TriggerEvent) error
}

// MetricsSink defines the interface for recording registry metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	TimerFired()
	SchedulesActive(count int)
}

// Snapshot is a point-in-time copy of one schedule. Active reports whether a live timer is armed.
type Snapshot struct {
	Schedule domain.Schedule
	Active   bool
}

// SyncStats summarizes one Sync call.
type SyncStats struct {
	Added   int
	Updated int
	Removed int
	Skipped int
}

type entry struct {
	mu       sync.Mutex
	schedule domain.Schedule
	timer    robfigcron.EntryID
	armed    bool
	gen      uint64
	deleted  bool
	addedAt  time.Time
}

type Registry struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*entry
	// deletedAt remembers operator deletes until a listing taken after
	// them has been synced, so an older listing cannot resurrect the row.
	deletedAt map[uuid.UUID]time.Time

	store   Store
	parser  *cron.Parser
	timers  Timers
	emitter EventEmitter
	metrics MetricsSink // optional, nil = disabled
	clock   func() time.Time
	active  atomic.Int64
}

func New(store Store, parser *cron.Parser, timers Timers, emitter EventEmitter) *Registry {
	return &Registry{
		entries:   make(map[uuid.UUID]*entry),
		deletedAt: make(map[uuid.UUID]time.Time),
		store:     store,
		parser:    parser,
		timers:    timers,
		emitter:   emitter,
		clock:     time.Now,
	}
}

// WithMetrics attaches a metrics sink to the registry.
func (r *Registry) WithMetrics(sink MetricsSink) *Registry {
	r.metrics = sink
	return r
}

// WithClock sets the time source. Used by tests.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// now is truncated to the precision the config store keeps.
func (r *Registry) now() time.Time {
	return r.clock().UTC().Truncate(time.Microsecond)
}

// Register validates, persists, and arms a new schedule.
func (r *Registry) Register(ctx context.Context, urlTemplate string, locales []string, cronExpr string) (domain.Schedule, error) {
	if err := validateConfig(urlTemplate, locales); err != nil {
		return domain.Schedule{}, err
	}
	sched, err := r.parser.Parse(cronExpr)
	if err != nil {
		return domain.Schedule{}, err
	}

	now := r.now()
	s := domain.Schedule{
		ID:             uuid.New(),
		URLTemplate:    urlTemplate,
		Locales:        slices.Clone(locales),
		CronExpression: strings.TrimSpace(cronExpr),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.store.CreateSchedule(ctx, s); err != nil {
		return domain.Schedule{}, fmt.Errorf("create schedule: %w", err)
	}

	e := &entry{schedule: s, addedAt: r.clock()}
	e.mu.Lock()
	defer e.mu.Unlock()

	r.mu.Lock()
	r.entries[s.ID] = e
	r.mu.Unlock()

	r.arm(e, sched)
	log.Printf("registry: registered schedule=%s cron=%q locales=%d", s.ID, s.CronExpression, len(s.Locales))
	return s.Clone(), nil
}

// Update replaces configuration and timer, keeping the pause state.
// No firing armed under the old configuration emits after Update returns.
func (r *Registry) Update(ctx context.Context, id uuid.UUID, urlTemplate string, locales []string, cronExpr string) (domain.Schedule, error) {
	e, err := r.lookup(id)
	if err != nil {
		return domain.Schedule{}, err
	}
	if err := validateConfig(urlTemplate, locales); err != nil {
		return domain.Schedule{}, err
	}
	sched, err := r.parser.Parse(cronExpr)
	if err != nil {
		return domain.Schedule{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return domain.Schedule{}, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}

	now := r.now()
	expr := strings.TrimSpace(cronExpr)
	if err := r.store.UpdateScheduleConfig(ctx, id, urlTemplate, locales, expr, now); err != nil {
		return domain.Schedule{}, fmt.Errorf("update schedule: %w", err)
	}

	e.schedule.URLTemplate = urlTemplate
	e.schedule.Locales = slices.Clone(locales)
	e.schedule.CronExpression = expr
	e.schedule.UpdatedAt = now

	r.disarm(e)
	if !e.schedule.Paused {
		r.arm(e, sched)
	}
	log.Printf("registry: updated schedule=%s cron=%q paused=%t", id, expr, e.schedule.Paused)
	return e.schedule.Clone(), nil
}

// Pause stops future triggers. Pausing a paused schedule succeeds without change.
func (r *Registry) Pause(ctx context.Context, id uuid.UUID) error {
	return r.setPaused(ctx, id, true)
}

// Resume re-arms the timer. Resuming an active schedule succeeds without change.
func (r *Registry) Resume(ctx context.Context, id uuid.UUID) error {
	return r.setPaused(ctx, id, false)
}

func (r *Registry) setPaused(ctx context.Context, id uuid.UUID, paused bool) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	if e.schedule.Paused == paused {
		return nil
	}

	var sched cron.Schedule
	if !paused {
		sched, err = r.parser.Parse(e.schedule.CronExpression)
		if err != nil {
			return err
		}
	}

	now := r.now()
	if err := r.store.SetSchedulePaused(ctx, id, paused, now); err != nil {
		return fmt.Errorf("set paused: %w", err)
	}
	e.schedule.Paused = paused
	e.schedule.UpdatedAt = now

	if paused {
		r.disarm(e)
	} else {
		r.arm(e, sched)
	}
	log.Printf("registry: schedule=%s paused=%t", id, paused)
	return nil
}

// Delete removes the persisted record and cancels the timer. In-flight runs are not cancelled.
func (r *Registry) Delete(ctx context.Context, id uuid.UUID) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	if err := r.store.DeleteSchedule(ctx, id); err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	r.remove(e)
	r.mu.Lock()
	r.deletedAt[id] = r.clock()
	r.mu.Unlock()
	log.Printf("registry: deleted schedule=%s", id)
	return nil
}

// RunNow emits a manual trigger regardless of timer and pause state.
func (r *Registry) RunNow(ctx context.Context, id uuid.UUID) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	deleted := e.deleted
	e.mu.Unlock()
	if deleted {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}

	event := domain.TriggerEvent{ScheduleID: id, Manual: true, FiredAt: r.clock().UTC()}
	if err := r.emitter.Emit(ctx, event); err != nil {
		return fmt.Errorf("emit manual trigger: %w", err)
	}
	log.Printf("registry: manual trigger schedule=%s", id)
	return nil
}

// MarkRun mirrors a recorded run into the in-memory copy.
func (r *Registry) MarkRun(id uuid.UUID, at time.Time) {
	e, err := r.lookup(id)
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.schedule.RunCount++
	t := at.UTC()
	e.schedule.LastRunAt = &t
}

func (r *Registry) Get(id uuid.UUID) (Snapshot, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return Snapshot{}, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	return Snapshot{Schedule: e.schedule.Clone(), Active: e.armed}, nil
}

// List returns all schedules ordered by creation time.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.deleted {
			out = append(out, Snapshot{Schedule: e.schedule.Clone(), Active: e.armed})
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Schedule, out[j].Schedule
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID.String() < b.ID.String()
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return out
}

// ActiveCount returns the number of armed timers.
func (r *Registry) ActiveCount() int {
	return int(r.active.Load())
}

// Load re-hydrates every persisted schedule, honoring its pause state.
func (r *Registry) Load(ctx context.Context) (SyncStats, error) {
	asOf := r.clock()
	persisted, err := r.store.ListSchedules(ctx)
	if err != nil {
		return SyncStats{}, fmt.Errorf("list schedules: %w", err)
	}
	stats := r.Sync(persisted, asOf)
	log.Printf("registry: loaded %d schedules (skipped=%d active=%d)", stats.Added, stats.Skipped, r.ActiveCount())
	return stats, nil
}

// Sync makes the live set match persisted, a listing taken no earlier than asOf.
// Entries added locally after asOf are kept, and persisted rows older than the
// in-memory copy do not overwrite it. Schedules with malformed expressions are
// skipped and logged.
func (r *Registry) Sync(persisted []domain.Schedule, asOf time.Time) SyncStats {
	var stats SyncStats
	seen := make(map[uuid.UUID]struct{}, len(persisted))

	for _, p := range persisted {
		seen[p.ID] = struct{}{}

		r.mu.Lock()
		e, ok := r.entries[p.ID]
		deletedAt, wasDeleted := r.deletedAt[p.ID]
		r.mu.Unlock()

		if !ok {
			if wasDeleted && !deletedAt.Before(asOf) {
				log.Printf("registry: schedule=%s deleted after listing, not re-adding", p.ID)
				stats.Skipped++
				continue
			}
			if r.add(p) {
				stats.Added++
			} else {
				stats.Skipped++
			}
			continue
		}

		switch r.apply(e, p) {
		case applyUpdated:
			stats.Updated++
		case applySkipped:
			stats.Skipped++
		}
	}

	r.mu.Lock()
	for id, at := range r.deletedAt {
		if at.Before(asOf) {
			delete(r.deletedAt, id)
		}
	}
	var stale []*entry
	for id, e := range r.entries {
		if _, ok := seen[id]; !ok {
			stale = append(stale, e)
		}
	}
	r.mu.Unlock()

	for _, e := range stale {
		e.mu.Lock()
		if !e.deleted && e.addedAt.Before(asOf) {
			log.Printf("registry: schedule=%s no longer persisted, removing", e.schedule.ID)
			r.remove(e)
			stats.Removed++
		}
		e.mu.Unlock()
	}
	return stats
}

func (r *Registry) add(p domain.Schedule) bool {
	sched, err := r.parser.Parse(p.CronExpression)
	if err != nil {
		log.Printf("registry: skipping schedule=%s: %v", p.ID, err)
		return false
	}

	e := &entry{schedule: p.Clone(), addedAt: r.clock()}
	e.mu.Lock()
	defer e.mu.Unlock()

	r.mu.Lock()
	if _, exists := r.entries[p.ID]; exists {
		r.mu.Unlock()
		return false
	}
	r.entries[p.ID] = e
	r.mu.Unlock()

	if !p.Paused {
		r.arm(e, sched)
	}
	return true
}

type applyResult int

const (
	applyUnchanged applyResult = iota
	applyUpdated
	applySkipped
)

func (r *Registry) apply(e *entry, p domain.Schedule) applyResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return applyUnchanged
	}

	cur := &e.schedule
	if p.RunCount > cur.RunCount {
		cur.RunCount = p.RunCount
		cur.LastRunAt = p.Clone().LastRunAt
	}

	if p.UpdatedAt.Before(cur.UpdatedAt) || sameConfig(*cur, p) {
		return applyUnchanged
	}

	var sched cron.Schedule
	if !p.Paused {
		var err error
		sched, err = r.parser.Parse(p.CronExpression)
		if err != nil {
			log.Printf("registry: skipping update of schedule=%s: %v", p.ID, err)
			return applySkipped
		}
	}

	cur.URLTemplate = p.URLTemplate
	cur.Locales = slices.Clone(p.Locales)
	cur.CronExpression = p.CronExpression
	cur.Paused = p.Paused
	cur.UpdatedAt = p.UpdatedAt

	r.disarm(e)
	if !p.Paused {
		r.arm(e, sched)
	}
	log.Printf("registry: applied persisted change schedule=%s paused=%t", p.ID, p.Paused)
	return applyUpdated
}

func sameConfig(a, b domain.Schedule) bool {
	return a.URLTemplate == b.URLTemplate &&
		slices.Equal(a.Locales, b.Locales) &&
		a.CronExpression == b.CronExpression &&
		a.Paused == b.Paused
}

func (r *Registry) lookup(id uuid.UUID) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	return e, nil
}

// arm must be called with e.mu held.
func (r *Registry) arm(e *entry, sched cron.Schedule) {
	if e.armed {
		r.disarm(e)
	}
	e.gen++
	gen := e.gen
	id := e.schedule.ID
	e.timer = r.timers.Schedule(sched, robfigcron.FuncJob(func() { r.fire(id, gen) }))
	e.armed = true
	r.reportActive(r.active.Add(1))
}

// disarm must be called with e.mu held.
func (r *Registry) disarm(e *entry) {
	e.gen++
	if !e.armed {
		return
	}
	r.timers.Remove(e.timer)
	e.armed = false
	r.reportActive(r.active.Add(-1))
}

// remove must be called with e.mu held.
func (r *Registry) remove(e *entry) {
	r.disarm(e)
	e.deleted = true
	r.mu.Lock()
	if r.entries[e.schedule.ID] == e {
		delete(r.entries, e.schedule.ID)
	}
	r.mu.Unlock()
}

// fire runs on the timer goroutine. Holding e.mu across Emit orders it
// strictly before or after any concurrent mutation of the same schedule.
func (r *Registry) fire(id uuid.UUID, gen uint64) {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted || !e.armed || e.gen != gen || e.schedule.Paused {
		return
	}

	if r.metrics != nil {
		r.metrics.TimerFired()
	}

	ctx, cancel := context.WithTimeout(context.Background(), fireEmitTimeout)
	defer cancel()

	event := domain.TriggerEvent{ScheduleID: id, FiredAt: r.clock().UTC()}
	if err := r.emitter.Emit(ctx, event); err != nil {
		log.Printf("registry: schedule=%s emit failed: %v", id, err)
	}
}

func (r *Registry) reportActive(n int64) {
	if r.metrics != nil {
		r.metrics.SchedulesActive(int(n))
	}
}

func validateConfig(urlTemplate string, locales []string) error {
	if strings.TrimSpace(urlTemplate) == "" {
		return fmt.Errorf("%w: url template is required", domain.ErrInvalidSchedule)
	}
	for i, l := range locales {
		if strings.TrimSpace(l) == "" {
			return fmt.Errorf("%w: locale %d is empty", domain.ErrInvalidSchedule, i)
		}
	}
	return nil
}
