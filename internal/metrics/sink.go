package metrics

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
// If the metrics backend is unavailable, implementations log warnings and continue.
type Sink interface {
	// Registry metrics
	TimerFired()
	SchedulesActive(count int)

	// EventBus metrics
	BufferSizeUpdate(size int)
	EmitError()

	// Dispatcher metrics
	RunStarted(manual bool)
	RunCompleted(duration time.Duration, results int)
	RunSkipped(reason string)
	RunsInFlightIncr()
	RunsInFlightDecr()

	// Orchestrator metrics
	CaptureCompleted(outcome string, duration time.Duration)
	VerdictRecorded(verdict string)
	DiffObserved(percentage float64)
	BaselineRotated()
	ResultWriteError()

	// Reconciler metrics
	ReconcileCompleted(duration time.Duration, err error)

	// Leader election metrics
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)
}

// Skip reasons for RunSkipped.
const (
	SkipInProgress = "in_progress"
	SkipDeleted    = "deleted"
	SkipLookup     = "lookup_error"
)

// Outcome constants for CaptureCompleted.
const (
	CaptureSuccess     = "success"
	CaptureTimeout     = "timeout"
	CaptureCircuitOpen = "circuit_open"
	CaptureCanceled    = "canceled"
	CaptureOtherError  = "other_error"
)

const errCircuitOpenText = "circuit breaker is open"

// ClassifyCapture maps a capture error to a bounded outcome label.
func ClassifyCapture(err error) string {
	if err == nil {
		return CaptureSuccess
	}
	if errors.Is(err, context.Canceled) {
		return CaptureCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CaptureTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, errCircuitOpenText):
		return CaptureCircuitOpen
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return CaptureTimeout
	default:
		return CaptureOtherError
	}
}
