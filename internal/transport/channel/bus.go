package channel

import (
	"context"
	"errors"
	"time"

	"github.com/djlord-it/pixlewatch/internal/domain"
)

// ErrBufferFull is returned when the buffer stays full for the emit timeout.
var ErrBufferFull = errors.New("event bus buffer full")

// MetricsSink receives bus occupancy updates.
type MetricsSink interface {
	BufferSizeUpdate(size int)
	EmitError()
}

type Option func(*EventBus)

// WithEmitTimeout bounds how long Emit waits for buffer space.
// Zero means Emit never waits.
func WithEmitTimeout(d time.Duration) Option {
	return func(b *EventBus) { b.emitTimeout = d }
}

func WithMetrics(m MetricsSink) Option {
	return func(b *EventBus) { b.metrics = m }
}

// EventBus carries trigger events from timer goroutines to the dispatcher.
type EventBus struct {
	ch          chan domain.TriggerEvent
	emitTimeout time.Duration
	metrics     MetricsSink
}

func NewEventBus(buffer int, opts ...Option) *EventBus {
	b := &EventBus{
		ch:          make(chan domain.TriggerEvent, buffer),
		emitTimeout: time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Emit enqueues event. Timer firings call this, so it never blocks longer
// than the emit timeout.
func (b *EventBus) Emit(ctx context.Context, event domain.TriggerEvent) error {
	select {
	case b.ch <- event:
		b.updateSize()
		return nil
	default:
	}

	if b.emitTimeout <= 0 {
		b.emitError()
		return ErrBufferFull
	}

	timer := time.NewTimer(b.emitTimeout)
	defer timer.Stop()

	select {
	case b.ch <- event:
		b.updateSize()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		b.emitError()
		return ErrBufferFull
	}
}

func (b *EventBus) Channel() <-chan domain.TriggerEvent {
	return b.ch
}

func (b *EventBus) Len() int { return len(b.ch) }

func (b *EventBus) Cap() int { return cap(b.ch) }

func (b *EventBus) updateSize() {
	if b.metrics != nil {
		b.metrics.BufferSizeUpdate(len(b.ch))
	}
}

func (b *EventBus) emitError() {
	if b.metrics != nil {
		b.metrics.EmitError()
	}
}
