package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		RecoveryTimeout:  time.Minute,
		HalfOpenMaxCalls: 1,
		SuccessThreshold: 1,
	}
}

// fakeClock lets tests drive breaker time deterministically.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 20, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestBreakerStateTransitions(t *testing.T) {
	tests := []struct {
		name          string
		config        Config
		outcomes      []bool // true = success, false = failure
		expectedState State
	}{
		{
			name:          "stays closed on successes",
			config:        testConfig(),
			outcomes:      []bool{true, true, true},
			expectedState: StateClosed,
		},
		{
			name:          "opens after consecutive failures",
			config:        testConfig(),
			outcomes:      []bool{false, false, false},
			expectedState: StateOpen,
		},
		{
			name:          "success resets the failure count",
			config:        testConfig(),
			outcomes:      []bool{false, false, true, false, false},
			expectedState: StateClosed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New("test", tt.config)

			for _, success := range tt.outcomes {
				if b.Allow() == ShortCircuit {
					continue
				}
				if success {
					b.RecordSuccess()
				} else {
					b.RecordFailure(KindTransient)
				}
			}

			assert.Equal(t, tt.expectedState, b.State())
		})
	}
}

func TestBreakerOpensExactlyAtThreshold(t *testing.T) {
	b := New("test", testConfig())

	b.RecordFailure(KindTransient)
	b.RecordFailure(KindTimeout)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, Proceed, b.Allow())

	b.RecordFailure(KindTransient)
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, ShortCircuit, b.Allow())
	assert.Equal(t, ShortCircuit, b.Allow())
}

func TestBreakerRecoveryTiming(t *testing.T) {
	clock := newFakeClock()
	b := New("test", testConfig())
	b.clock = clock.Now

	for i := 0; i < 3; i++ {
		b.RecordFailure(KindTransient)
	}
	require.Equal(t, StateOpen, b.State())

	// Just before the recovery window: still short-circuited.
	clock.Advance(time.Minute - time.Millisecond)
	assert.Equal(t, ShortCircuit, b.Allow())
	assert.Equal(t, StateOpen, b.State())

	// At the window: exactly one probe admitted (HalfOpenMaxCalls=1).
	clock.Advance(time.Millisecond)
	assert.Equal(t, Proceed, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
	assert.Equal(t, ShortCircuit, b.Allow())
}

func TestBreakerHalfOpenProbeBudget(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	cfg.HalfOpenMaxCalls = 2
	cfg.SuccessThreshold = 3
	b := New("test", cfg)
	b.clock = clock.Now

	for i := 0; i < 3; i++ {
		b.RecordFailure(KindTransient)
	}
	clock.Advance(time.Minute)

	assert.Equal(t, Proceed, b.Allow())
	assert.Equal(t, Proceed, b.Allow())
	assert.Equal(t, ShortCircuit, b.Allow())

	// A resolved probe frees a slot.
	b.RecordSuccess()
	assert.Equal(t, Proceed, b.Allow())
}

func TestBreakerCancelProbeReturnsSlot(t *testing.T) {
	clock := newFakeClock()
	b := New("test", testConfig())
	b.clock = clock.Now

	for i := 0; i < 3; i++ {
		b.RecordFailure(KindTransient)
	}
	clock.Advance(time.Minute)

	// An admitted probe that never runs must not consume the budget
	// forever (HalfOpenMaxCalls=1).
	require.Equal(t, Proceed, b.Allow())
	require.Equal(t, ShortCircuit, b.Allow())
	b.CancelProbe()

	assert.Equal(t, Proceed, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreakerCancelProbeOutsideHalfOpenIsNoop(t *testing.T) {
	b := New("test", testConfig())

	b.CancelProbe()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, Proceed, b.Allow())
}

func TestBreakerClosesAfterSuccessThreshold(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	cfg.HalfOpenMaxCalls = 2
	cfg.SuccessThreshold = 2
	b := New("test", cfg)
	b.clock = clock.Now

	for i := 0; i < 3; i++ {
		b.RecordFailure(KindTransient)
	}
	clock.Advance(time.Minute)

	require.Equal(t, Proceed, b.Allow())
	b.RecordSuccess()
	assert.Equal(t, StateHalfOpen, b.State())

	require.Equal(t, Proceed, b.Allow())
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())

	snap := b.Snapshot()
	assert.Equal(t, 0, snap.FailureCount)
	assert.Equal(t, 0, snap.SuccessCount)
}

func TestBreakerSingleFailureReopens(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	cfg.HalfOpenMaxCalls = 3
	cfg.SuccessThreshold = 5
	b := New("test", cfg)
	b.clock = clock.Now

	for i := 0; i < 3; i++ {
		b.RecordFailure(KindTransient)
	}
	openedAt := b.Snapshot().OpenedAt
	clock.Advance(time.Minute)

	// Accumulate probe successes, then fail once: reopens immediately
	// regardless of prior successCount.
	require.Equal(t, Proceed, b.Allow())
	b.RecordSuccess()
	require.Equal(t, Proceed, b.Allow())
	b.RecordSuccess()
	require.Equal(t, Proceed, b.Allow())
	b.RecordFailure(KindTransient)

	snap := b.Snapshot()
	assert.Equal(t, StateOpen, snap.State)
	assert.True(t, snap.OpenedAt.After(openedAt), "reopening must record a fresh openedAt")
	assert.Equal(t, ShortCircuit, b.Allow())
}

func TestBreakerTransitionCallbacks(t *testing.T) {
	clock := newFakeClock()
	var mu sync.Mutex
	var transitions []string

	cfg := testConfig()
	cfg.OnStateChange = func(name string, from, to State, reason string) {
		mu.Lock()
		transitions = append(transitions, from.String()+"->"+to.String())
		mu.Unlock()
	}
	b := New("svc", cfg)
	b.clock = clock.Now

	for i := 0; i < 3; i++ {
		b.RecordFailure(KindTransient)
	}
	clock.Advance(time.Minute)
	require.Equal(t, Proceed, b.Allow())
	b.RecordSuccess()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestBreakerConcurrentFailuresOpenOnce(t *testing.T) {
	var mu sync.Mutex
	opened := 0

	cfg := Config{
		FailureThreshold: 10,
		RecoveryTimeout:  time.Minute,
		HalfOpenMaxCalls: 1,
		SuccessThreshold: 1,
		OnStateChange: func(name string, from, to State, reason string) {
			if to == StateOpen {
				mu.Lock()
				opened++
				mu.Unlock()
			}
		},
	}
	b := New("test", cfg)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.RecordFailure(KindTransient)
		}()
	}
	wg.Wait()

	assert.Equal(t, StateOpen, b.State())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, opened, "concurrent failures must open the circuit exactly once")
}

func TestRegistryIsolation(t *testing.T) {
	r := NewRegistry(map[string]Config{
		"a": testConfig(),
		"b": testConfig(),
	})

	a := r.Get("a")
	require.NotNil(t, a)
	assert.Same(t, a, r.Get("a"))
	assert.Nil(t, r.Get("unconfigured"))

	for i := 0; i < 3; i++ {
		a.RecordFailure(KindTransient)
	}
	assert.Equal(t, StateOpen, r.Get("a").State())
	assert.Equal(t, StateClosed, r.Get("b").State())
}
