package metrics

import (
	"log"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Registry metrics
	timerFiresTotal prometheus.Counter
	schedulesActive prometheus.Gauge

	// EventBus metrics
	bufferSize      prometheus.Gauge
	emitErrorsTotal prometheus.Counter

	// Dispatcher metrics
	runsStartedTotal *prometheus.CounterVec
	runsSkippedTotal *prometheus.CounterVec
	runDuration      prometheus.Histogram
	runResultsTotal  prometheus.Counter
	runsInFlight     prometheus.Gauge

	// Orchestrator metrics
	capturesTotal          *prometheus.CounterVec
	captureDuration        prometheus.Histogram
	verdictsTotal          *prometheus.CounterVec
	diffPercentage         prometheus.Histogram
	baselineRotationsTotal prometheus.Counter
	resultWriteErrorsTotal prometheus.Counter

	// Reconciler metrics
	reconcileDuration    prometheus.Histogram
	reconcileErrorsTotal prometheus.Counter

	// Leader election metrics
	isLeader            prometheus.Gauge
	leaderAcquiredTotal prometheus.Counter
	leaderLostTotal     *prometheus.CounterVec
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initRegistryMetrics(reg)
	s.initEventBusMetrics(reg)
	s.initDispatcherMetrics(reg)
	s.initOrchestratorMetrics(reg)
	s.initReconcilerMetrics(reg)
	s.initLeaderMetrics(reg)
	return s
}

func (s *PrometheusSink) initRegistryMetrics(reg prometheus.Registerer) {
	s.timerFiresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixlewatch_registry_timer_fires_total",
		Help: "Total number of schedule timer firings.",
	})
	s.schedulesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pixlewatch_registry_schedules_active",
		Help: "Number of schedules with an armed timer.",
	})

	s.register(reg, s.timerFiresTotal, "pixlewatch_registry_timer_fires_total")
	s.register(reg, s.schedulesActive, "pixlewatch_registry_schedules_active")
}

func (s *PrometheusSink) initEventBusMetrics(reg prometheus.Registerer) {
	s.bufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pixlewatch_eventbus_buffer_size",
		Help: "Current number of trigger events in the event bus buffer.",
	})
	s.emitErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixlewatch_eventbus_emit_errors_total",
		Help: "Total number of emit errors (buffer full).",
	})

	s.register(reg, s.bufferSize, "pixlewatch_eventbus_buffer_size")
	s.register(reg, s.emitErrorsTotal, "pixlewatch_eventbus_emit_errors_total")
}

func (s *PrometheusSink) initDispatcherMetrics(reg prometheus.Registerer) {
	s.runsStartedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pixlewatch_dispatcher_runs_started_total",
		Help: "Total number of schedule runs started.",
	}, []string{"manual"})
	s.runsSkippedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pixlewatch_dispatcher_runs_skipped_total",
		Help: "Total number of triggers skipped without running.",
	}, []string{"reason"})
	s.runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pixlewatch_dispatcher_run_duration_seconds",
		Help:    "Duration of a whole schedule run in seconds.",
		Buckets: []float64{5, 10, 30, 60, 120, 300, 600, 1800},
	})
	s.runResultsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixlewatch_dispatcher_run_results_total",
		Help: "Total number of test results produced by runs.",
	})
	s.runsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pixlewatch_dispatcher_runs_in_flight",
		Help: "Number of schedule runs currently executing.",
	})

	s.register(reg, s.runsStartedTotal, "pixlewatch_dispatcher_runs_started_total")
	s.register(reg, s.runsSkippedTotal, "pixlewatch_dispatcher_runs_skipped_total")
	s.register(reg, s.runDuration, "pixlewatch_dispatcher_run_duration_seconds")
	s.register(reg, s.runResultsTotal, "pixlewatch_dispatcher_run_results_total")
	s.register(reg, s.runsInFlight, "pixlewatch_dispatcher_runs_in_flight")
}

func (s *PrometheusSink) initOrchestratorMetrics(reg prometheus.Registerer) {
	s.capturesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pixlewatch_capture_total",
		Help: "Total number of page captures by outcome.",
	}, []string{"outcome"})
	s.captureDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pixlewatch_capture_duration_seconds",
		Help:    "Duration of a single page capture in seconds, settle delays included.",
		Buckets: []float64{5, 10, 15, 20, 30, 45, 60, 120},
	})
	s.verdictsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pixlewatch_verdicts_total",
		Help: "Total number of test results by verdict.",
	}, []string{"verdict"})
	s.diffPercentage = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pixlewatch_diff_percentage",
		Help:    "Pixel difference percentage of completed comparisons.",
		Buckets: []float64{0, 0.1, 0.5, 1, 2.5, 5, 10, 15, 25, 50, 100},
	})
	s.baselineRotationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixlewatch_baseline_rotations_total",
		Help: "Total number of baselines overwritten by a newer capture.",
	})
	s.resultWriteErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixlewatch_result_write_errors_total",
		Help: "Total number of test results that failed to persist.",
	})

	s.register(reg, s.capturesTotal, "pixlewatch_capture_total")
	s.register(reg, s.captureDuration, "pixlewatch_capture_duration_seconds")
	s.register(reg, s.verdictsTotal, "pixlewatch_verdicts_total")
	s.register(reg, s.diffPercentage, "pixlewatch_diff_percentage")
	s.register(reg, s.baselineRotationsTotal, "pixlewatch_baseline_rotations_total")
	s.register(reg, s.resultWriteErrorsTotal, "pixlewatch_result_write_errors_total")
}

func (s *PrometheusSink) initReconcilerMetrics(reg prometheus.Registerer) {
	s.reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pixlewatch_reconciler_cycle_duration_seconds",
		Help:    "Duration of each reconcile cycle in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
	})
	s.reconcileErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixlewatch_reconciler_errors_total",
		Help: "Total number of failed reconcile cycles.",
	})

	s.register(reg, s.reconcileDuration, "pixlewatch_reconciler_cycle_duration_seconds")
	s.register(reg, s.reconcileErrorsTotal, "pixlewatch_reconciler_errors_total")
}

func (s *PrometheusSink) initLeaderMetrics(reg prometheus.Registerer) {
	s.isLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pixlewatch_leader_is_leader",
		Help: "1 if this instance holds the scheduling lock, 0 otherwise.",
	})
	s.leaderAcquiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixlewatch_leader_acquired_total",
		Help: "Total number of times this instance acquired leadership.",
	})
	s.leaderLostTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pixlewatch_leader_lost_total",
		Help: "Total number of times this instance lost leadership, by reason.",
	}, []string{"reason"})

	s.register(reg, s.isLeader, "pixlewatch_leader_is_leader")
	s.register(reg, s.leaderAcquiredTotal, "pixlewatch_leader_acquired_total")
	s.register(reg, s.leaderLostTotal, "pixlewatch_leader_lost_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Printf("metrics: failed to register %s: %v", name, err)
	}
}

func (s *PrometheusSink) TimerFired() {
	s.timerFiresTotal.Inc()
}

func (s *PrometheusSink) SchedulesActive(count int) {
	s.schedulesActive.Set(float64(count))
}

func (s *PrometheusSink) BufferSizeUpdate(size int) {
	s.bufferSize.Set(float64(size))
}

func (s *PrometheusSink) EmitError() {
	s.emitErrorsTotal.Inc()
}

func (s *PrometheusSink) RunStarted(manual bool) {
	s.runsStartedTotal.WithLabelValues(strconv.FormatBool(manual)).Inc()
}

func (s *PrometheusSink) RunCompleted(duration time.Duration, results int) {
	s.runDuration.Observe(duration.Seconds())
	s.runResultsTotal.Add(float64(results))
}

func (s *PrometheusSink) RunSkipped(reason string) {
	s.runsSkippedTotal.WithLabelValues(reason).Inc()
}

func (s *PrometheusSink) RunsInFlightIncr() {
	s.runsInFlight.Inc()
}

func (s *PrometheusSink) RunsInFlightDecr() {
	s.runsInFlight.Dec()
}

func (s *PrometheusSink) CaptureCompleted(outcome string, duration time.Duration) {
	s.capturesTotal.WithLabelValues(outcome).Inc()
	if outcome != CaptureCircuitOpen {
		s.captureDuration.Observe(duration.Seconds())
	}
}

func (s *PrometheusSink) VerdictRecorded(verdict string) {
	s.verdictsTotal.WithLabelValues(verdict).Inc()
}

func (s *PrometheusSink) DiffObserved(percentage float64) {
	s.diffPercentage.Observe(percentage)
}

func (s *PrometheusSink) BaselineRotated() {
	s.baselineRotationsTotal.Inc()
}

func (s *PrometheusSink) ResultWriteError() {
	s.resultWriteErrorsTotal.Inc()
}

func (s *PrometheusSink) ReconcileCompleted(duration time.Duration, err error) {
	s.reconcileDuration.Observe(duration.Seconds())
	if err != nil {
		s.reconcileErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) LeaderStatusChanged(isLeader bool) {
	if isLeader {
		s.isLeader.Set(1)
		return
	}
	s.isLeader.Set(0)
}

func (s *PrometheusSink) LeaderAcquired() {
	s.leaderAcquiredTotal.Inc()
}

func (s *PrometheusSink) LeaderLost(reason string) {
	s.leaderLostTotal.WithLabelValues(reason).Inc()
}
