package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) TimerFired()                                             {}
func (n *NoopSink) SchedulesActive(count int)                               {}
func (n *NoopSink) BufferSizeUpdate(size int)                               {}
func (n *NoopSink) EmitError()                                              {}
func (n *NoopSink) RunStarted(manual bool)                                  {}
func (n *NoopSink) RunCompleted(duration time.Duration, results int)        {}
func (n *NoopSink) RunSkipped(reason string)                                {}
func (n *NoopSink) RunsInFlightIncr()                                       {}
func (n *NoopSink) RunsInFlightDecr()                                       {}
func (n *NoopSink) CaptureCompleted(outcome string, duration time.Duration) {}
func (n *NoopSink) VerdictRecorded(verdict string)                          {}
func (n *NoopSink) DiffObserved(percentage float64)                         {}
func (n *NoopSink) BaselineRotated()                                        {}
func (n *NoopSink) ResultWriteError()                                       {}
func (n *NoopSink) ReconcileCompleted(duration time.Duration, err error)    {}
func (n *NoopSink) LeaderStatusChanged(isLeader bool)                       {}
func (n *NoopSink) LeaderAcquired()                                         {}
func (n *NoopSink) LeaderLost(reason string)                                {}
