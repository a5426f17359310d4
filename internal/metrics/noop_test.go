package metrics

import (
	"errors"
	"testing"
	"time"
)

func TestNoopSink_AllMethods(t *testing.T) {
	// Verify that calling all methods on NoopSink does not panic.
	s := NewNoopSink()

	s.TimerFired()
	s.SchedulesActive(3)
	s.BufferSizeUpdate(10)
	s.EmitError()
	s.RunStarted(true)
	s.RunCompleted(time.Minute, 2)
	s.RunSkipped(SkipDeleted)
	s.RunsInFlightIncr()
	s.RunsInFlightDecr()
	s.CaptureCompleted(CaptureTimeout, 30*time.Second)
	s.VerdictRecorded("Null")
	s.DiffObserved(1.5)
	s.BaselineRotated()
	s.ResultWriteError()
	s.ReconcileCompleted(time.Millisecond, errors.New("x"))
	s.LeaderStatusChanged(true)
	s.LeaderAcquired()
	s.LeaderLost("shutdown")
}

// Verify NoopSink implements Sink interface.
var _ Sink = (*NoopSink)(nil)
