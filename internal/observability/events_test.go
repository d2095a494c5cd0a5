package observability

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finchworks/egress/internal/logging"
)

func TestLogSinkDeliversAndCloses(t *testing.T) {
	s := NewLogSink(logging.NewNop(), 16)

	for i := 0; i < 10; i++ {
		s.Emit(Event{Event: EventCacheHit, Service: "svc"})
	}
	s.Close()

	assert.Equal(t, uint64(0), s.Dropped())
}

func TestLogSinkDropsWhenFull(t *testing.T) {
	s := NewLogSink(logging.NewNop(), 1)

	// Flood far beyond the buffer; some events must be dropped rather
	// than block the emitter.
	start := time.Now()
	for i := 0; i < 1000; i++ {
		s.Emit(Event{Event: EventThrottleRejected, Service: "svc"})
	}
	elapsed := time.Since(start)
	s.Close()

	assert.Less(t, elapsed, time.Second, "Emit must never block")
	assert.Positive(t, s.Dropped())
}

func TestLogSinkEmitAfterCloseIsSafe(t *testing.T) {
	s := NewLogSink(logging.NewNop(), 4)
	s.Close()

	require.NotPanics(t, func() {
		s.Emit(Event{Event: EventCacheMiss, Service: "svc"})
	})
	require.NotPanics(t, s.Close)
}

func TestLogSinkConcurrentEmitAndClose(t *testing.T) {
	// Emit racing Close must never panic on a closed channel.
	for iter := 0; iter < 200; iter++ {
		s := NewLogSink(logging.NewNop(), 2)

		var wg sync.WaitGroup
		for g := 0; g < 3; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 50; i++ {
					s.Emit(Event{Event: EventPoolExhausted, Service: "svc"})
				}
			}()
		}
		s.Close()
		wg.Wait()
	}
}

func TestLogSinkStampsTimestamp(t *testing.T) {
	s := NewLogSink(logging.NewNop(), 4)
	defer s.Close()

	before := time.Now()
	s.Emit(Event{Event: EventFallbackServed, Service: "svc"})
	// Timestamp assignment happens on the emit path; nothing to read back
	// through the nop logger, so this only asserts the call contract.
	assert.True(t, time.Since(before) < time.Second)
}

func TestNopSink(t *testing.T) {
	assert.NotPanics(t, func() {
		NopSink{}.Emit(Event{Event: EventBreakerTransition})
	})
}
