package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/pixlewatch/internal/domain"
	"github.com/djlord-it/pixlewatch/internal/registry"
	"github.com/djlord-it/pixlewatch/internal/testutil"
)

// mockStore returns a configurable listing.
type mockStore struct {
	mu        sync.Mutex
	schedules []domain.Schedule
	err       error
	calls     int
}

func (s *mockStore) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.schedules, nil
}

func (s *mockStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type mockSyncer struct {
	mu    sync.Mutex
	got   [][]domain.Schedule
	asOf  []time.Time
	stats registry.SyncStats
}

func (m *mockSyncer) Sync(persisted []domain.Schedule, asOf time.Time) registry.SyncStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.got = append(m.got, persisted)
	m.asOf = append(m.asOf, asOf)
	return m.stats
}

type mockMetrics struct {
	mu     sync.Mutex
	cycles int
	errs   int
}

func (m *mockMetrics) ReconcileCompleted(d time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cycles++
	if err != nil {
		m.errs++
	}
}

func TestRunCycle_SyncsListing(t *testing.T) {
	clock := testutil.NewFakeClock(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC))
	s := domain.Schedule{ID: uuid.New(), CronExpression: "@daily"}
	store := &mockStore{schedules: []domain.Schedule{s}}
	syncer := &mockSyncer{stats: registry.SyncStats{Added: 1}}
	m := &mockMetrics{}
	r := New(DefaultConfig(), store, syncer).WithClock(clock.Now).WithMetrics(m)

	r.RunCycle(context.Background())

	if len(syncer.got) != 1 || len(syncer.got[0]) != 1 || syncer.got[0][0].ID != s.ID {
		t.Fatalf("Sync got %+v", syncer.got)
	}
	// asOf is taken before listing so rows created meanwhile are not dropped.
	if !syncer.asOf[0].Equal(clock.Now()) {
		t.Errorf("asOf = %v, want %v", syncer.asOf[0], clock.Now())
	}
	if m.cycles != 1 || m.errs != 0 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestRunCycle_StoreErrorSkipsSync(t *testing.T) {
	store := &mockStore{err: errors.New("db down")}
	syncer := &mockSyncer{}
	m := &mockMetrics{}
	r := New(DefaultConfig(), store, syncer).WithMetrics(m)

	r.RunCycle(context.Background())

	if len(syncer.got) != 0 {
		t.Error("Sync must not run on a failed listing; an empty listing would drop every timer")
	}
	if m.errs != 1 {
		t.Errorf("errs = %d, want 1", m.errs)
	}
}

func TestRun_TicksUntilCancelled(t *testing.T) {
	store := &mockStore{}
	r := New(Config{Interval: 10 * time.Millisecond}, store, &mockSyncer{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	if !testutil.Eventually(t, time.Second, func() bool { return store.callCount() >= 2 }) {
		t.Fatal("reconciler did not tick")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNew_DefaultInterval(t *testing.T) {
	r := New(Config{}, &mockStore{}, &mockSyncer{})
	if r.config.Interval != 5*time.Minute {
		t.Errorf("Interval = %v, want 5m", r.config.Interval)
	}
}
