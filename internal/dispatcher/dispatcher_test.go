package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/pixlewatch/internal/domain"
	"github.com/djlord-it/pixlewatch/internal/metrics"
	"github.com/djlord-it/pixlewatch/internal/registry"
	"github.com/djlord-it/pixlewatch/internal/testutil"
)

type mockSchedules struct {
	mu        sync.Mutex
	schedules map[uuid.UUID]domain.Schedule
	marked    map[uuid.UUID]int
	err       error
}

func newMockSchedules(ss ...domain.Schedule) *mockSchedules {
	m := &mockSchedules{schedules: make(map[uuid.UUID]domain.Schedule), marked: make(map[uuid.UUID]int)}
	for _, s := range ss {
		m.schedules[s.ID] = s
	}
	return m
}

func (m *mockSchedules) Get(id uuid.UUID) (registry.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return registry.Snapshot{}, m.err
	}
	s, ok := m.schedules[id]
	if !ok {
		return registry.Snapshot{}, domain.ErrNotFound
	}
	return registry.Snapshot{Schedule: s.Clone(), Active: !s.Paused}, nil
}

func (m *mockSchedules) MarkRun(id uuid.UUID, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marked[id]++
}

type mockStore struct {
	mu   sync.Mutex
	runs map[uuid.UUID]int
	err  error
}

func (s *mockStore) RecordRun(ctx context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.runs == nil {
		s.runs = make(map[uuid.UUID]int)
	}
	s.runs[id]++
	return nil
}

// mockRunner counts runs; when block is set, each run waits for it to close or ctx to end.
type mockRunner struct {
	mu       sync.Mutex
	runs     []domain.Schedule
	started  chan uuid.UUID
	block    chan struct{}
	deadline time.Duration
}

func (r *mockRunner) RunSchedule(ctx context.Context, s domain.Schedule) []domain.TestResult {
	r.mu.Lock()
	r.runs = append(r.runs, s)
	if dl, ok := ctx.Deadline(); ok {
		r.deadline = time.Until(dl)
	}
	r.mu.Unlock()

	if r.started != nil {
		r.started <- s.ID
	}
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
		}
	}

	out := make([]domain.TestResult, len(s.Locales))
	for i := range out {
		out[i] = domain.TestResult{Verdict: domain.VerdictPass, Locale: s.Locales[i]}
	}
	return out
}

func (r *mockRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

type mockMetrics struct {
	mu      sync.Mutex
	started int
	manual  int
	done    int
	results int
	skipped map[string]int
}

func (m *mockMetrics) RunStarted(manual bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
	if manual {
		m.manual++
	}
}
func (m *mockMetrics) RunCompleted(d time.Duration, results int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.done++
	m.results += results
}
func (m *mockMetrics) RunSkipped(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.skipped == nil {
		m.skipped = make(map[string]int)
	}
	m.skipped[reason]++
}
func (m *mockMetrics) RunsInFlightIncr() {}
func (m *mockMetrics) RunsInFlightDecr() {}

func newSchedule(locales ...string) domain.Schedule {
	return domain.Schedule{ID: uuid.New(), URLTemplate: "https://example.com/{locale}", Locales: locales, CronExpression: "@hourly"}
}

func TestDispatch_RunsCurrentConfig(t *testing.T) {
	s := newSchedule("en", "fr")
	schedules := newMockSchedules(s)
	store := &mockStore{}
	runner := &mockRunner{}
	m := &mockMetrics{}
	d := New(DefaultConfig(), schedules, store, runner).WithMetrics(m)

	if err := d.Dispatch(context.Background(), domain.TriggerEvent{ScheduleID: s.ID, Manual: true}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if runner.count() != 1 || runner.runs[0].ID != s.ID || len(runner.runs[0].Locales) != 2 {
		t.Errorf("runs = %+v", runner.runs)
	}
	if store.runs[s.ID] != 1 || schedules.marked[s.ID] != 1 {
		t.Errorf("RecordRun=%d MarkRun=%d, want 1/1", store.runs[s.ID], schedules.marked[s.ID])
	}
	if m.started != 1 || m.manual != 1 || m.done != 1 || m.results != 2 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestDispatch_AppliesRunTimeout(t *testing.T) {
	s := newSchedule("en")
	runner := &mockRunner{}
	d := New(Config{RunTimeout: time.Minute}, newMockSchedules(s), &mockStore{}, runner)

	_ = d.Dispatch(context.Background(), domain.TriggerEvent{ScheduleID: s.ID})

	if runner.deadline <= 0 || runner.deadline > time.Minute {
		t.Errorf("run deadline = %v, want within 1m", runner.deadline)
	}
}

func TestDispatch_DeletedScheduleSkipped(t *testing.T) {
	runner := &mockRunner{}
	m := &mockMetrics{}
	d := New(DefaultConfig(), newMockSchedules(), &mockStore{}, runner).WithMetrics(m)

	if err := d.Dispatch(context.Background(), domain.TriggerEvent{ScheduleID: uuid.New()}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if runner.count() != 0 {
		t.Error("deleted schedule must not run")
	}
	if m.skipped[metrics.SkipDeleted] != 1 {
		t.Errorf("skipped = %v", m.skipped)
	}
}

func TestDispatch_LookupErrorReturned(t *testing.T) {
	schedules := newMockSchedules()
	schedules.err = errors.New("boom")
	d := New(DefaultConfig(), schedules, &mockStore{}, &mockRunner{})

	if err := d.Dispatch(context.Background(), domain.TriggerEvent{ScheduleID: uuid.New()}); err == nil {
		t.Error("expected lookup error")
	}
}

func TestDispatch_RecordRunFailureStillRuns(t *testing.T) {
	s := newSchedule("en")
	schedules := newMockSchedules(s)
	runner := &mockRunner{}
	d := New(DefaultConfig(), schedules, &mockStore{err: errors.New("db down")}, runner)

	if err := d.Dispatch(context.Background(), domain.TriggerEvent{ScheduleID: s.ID}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if runner.count() != 1 {
		t.Error("run must continue when the counter update fails")
	}
	if schedules.marked[s.ID] != 0 {
		t.Error("in-memory counter must not advance when the store rejected the update")
	}
}

func TestDispatch_OverlappingTriggerSkipped(t *testing.T) {
	s := newSchedule("en")
	runner := &mockRunner{started: make(chan uuid.UUID, 1), block: make(chan struct{})}
	m := &mockMetrics{}
	d := New(DefaultConfig(), newMockSchedules(s), &mockStore{}, runner).WithMetrics(m)
	ctx := testutil.TestContext(t)

	done := make(chan struct{})
	go func() {
		_ = d.Dispatch(ctx, domain.TriggerEvent{ScheduleID: s.ID})
		close(done)
	}()
	<-runner.started

	if !d.InProgress(s.ID) {
		t.Fatal("InProgress should report the running schedule")
	}
	if err := d.Dispatch(ctx, domain.TriggerEvent{ScheduleID: s.ID, Manual: true}); err != nil {
		t.Fatalf("overlapping Dispatch: %v", err)
	}
	if runner.count() != 1 {
		t.Errorf("runs = %d, want 1", runner.count())
	}
	if m.skipped[metrics.SkipInProgress] != 1 {
		t.Errorf("skipped = %v", m.skipped)
	}

	close(runner.block)
	<-done
	if d.InProgress(s.ID) {
		t.Error("guard must be released after the run")
	}

	// The next trigger runs normally.
	runner.started = nil
	_ = d.Dispatch(ctx, domain.TriggerEvent{ScheduleID: s.ID})
	if runner.count() != 2 {
		t.Errorf("runs = %d, want 2", runner.count())
	}
}

func TestRun_ProcessesEventsUntilCancelled(t *testing.T) {
	s := newSchedule("en")
	runner := &mockRunner{}
	d := New(Config{Workers: 2}, newMockSchedules(s), &mockStore{}, runner)

	ch := make(chan domain.TriggerEvent, 10)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx, ch)
		close(done)
	}()

	ch <- domain.TriggerEvent{ScheduleID: s.ID}
	if !testutil.Eventually(t, time.Second, func() bool { return runner.count() == 1 }) {
		t.Fatal("event not processed")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_WorkersRunDifferentSchedulesConcurrently(t *testing.T) {
	a, b := newSchedule("en"), newSchedule("en")
	runner := &mockRunner{started: make(chan uuid.UUID, 2), block: make(chan struct{})}
	d := New(Config{Workers: 2}, newMockSchedules(a, b), &mockStore{}, runner)

	ch := make(chan domain.TriggerEvent, 2)
	ch <- domain.TriggerEvent{ScheduleID: a.ID}
	ch <- domain.TriggerEvent{ScheduleID: b.ID}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx, ch)
		close(done)
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-runner.started:
		case <-time.After(time.Second):
			t.Fatalf("only %d runs started concurrently, want 2", i)
		}
	}
	close(runner.block)
	cancel()
	<-done
}

func TestRun_DrainsBufferedEventsOnShutdown(t *testing.T) {
	a, b := newSchedule("en"), newSchedule("fr")
	runner := &mockRunner{}
	d := New(Config{Workers: 1, DrainTimeout: time.Second}, newMockSchedules(a, b), &mockStore{}, runner)

	ch := make(chan domain.TriggerEvent, 2)
	ch <- domain.TriggerEvent{ScheduleID: a.ID}
	ch <- domain.TriggerEvent{ScheduleID: b.ID}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Run(ctx, ch)

	if runner.count() != 2 {
		t.Errorf("runs = %d, want 2 buffered events drained", runner.count())
	}
}

func TestRun_DrainTimeoutCutsOffInFlightRun(t *testing.T) {
	s := newSchedule("en")
	runner := &mockRunner{started: make(chan uuid.UUID, 1), block: make(chan struct{})}
	d := New(Config{Workers: 1, DrainTimeout: 50 * time.Millisecond}, newMockSchedules(s), &mockStore{}, runner)

	ch := make(chan domain.TriggerEvent, 1)
	ch <- domain.TriggerEvent{ScheduleID: s.ID}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx, ch)
		close(done)
	}()
	<-runner.started
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run should return once the drain timeout cancels the in-flight run")
	}
}

func TestNew_Defaults(t *testing.T) {
	d := New(Config{}, newMockSchedules(), &mockStore{}, &mockRunner{})
	if d.config != DefaultConfig() {
		t.Errorf("config = %+v, want defaults", d.config)
	}
}
