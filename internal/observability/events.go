package observability

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/finchworks/egress/internal/logging"
)

// Event is a single observability record emitted by the access layer.
// Delivery is best-effort: emitting must never block or fail a call.
type Event struct {
	Event     string
	Service   string
	Timestamp time.Time
	Fields    map[string]interface{}
}

// Event names emitted by the access layer.
const (
	EventBreakerTransition = "breaker.transition"
	EventPoolExhausted     = "pool.exhausted"
	EventThrottleRejected  = "throttle.rejected"
	EventCacheHit          = "cache.hit"
	EventCacheMiss         = "cache.miss"
	EventFallbackServed    = "fallback.served"
)

// Sink receives events. Implementations must not block the caller.
type Sink interface {
	Emit(e Event)
}

// NopSink discards all events.
type NopSink struct{}

// Emit implements Sink.
func (NopSink) Emit(Event) {}

// LogSink drains events through a bounded channel into a zap logger.
// Events are dropped, not queued, when the buffer is full.
type LogSink struct {
	logger *logging.Logger
	events chan Event
	done   chan struct{}

	mu      sync.Mutex
	closed  bool
	dropped uint64
}

// NewLogSink creates a sink draining into the given logger.
func NewLogSink(logger *logging.Logger, buffer int) *LogSink {
	if buffer <= 0 {
		buffer = 256
	}
	s := &LogSink{
		logger: logger,
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
	go s.drain()
	return s
}

// Emit enqueues an event without blocking. Full buffer drops the event.
// The send happens under the same lock that Close takes before closing the
// channel, so Emit can never write to a closed channel.
func (s *LogSink) Emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	select {
	case s.events <- e:
	default:
		s.dropped++
	}
}

// Dropped reports how many events were discarded due to backpressure.
func (s *LogSink) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close stops the drain loop. Events still buffered are flushed.
func (s *LogSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.events)
	<-s.done
}

func (s *LogSink) drain() {
	defer close(s.done)
	for e := range s.events {
		fields := make([]zap.Field, 0, len(e.Fields)+2)
		fields = append(fields,
			zap.String("service", e.Service),
			zap.Time("at", e.Timestamp),
		)
		for k, v := range e.Fields {
			fields = append(fields, zap.Any(k, v))
		}
		s.logger.Info(e.Event, fields...)
	}
}
