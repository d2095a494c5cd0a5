package throttle

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		MaxPerSecond:  5,
		MaxPerMinute:  100,
		MaxConcurrent: 10,
	}
}

func TestThrottlerPerSecondLimit(t *testing.T) {
	tr := New("svc", testConfig())
	base := time.Now()
	tr.clock = func() time.Time { return base }

	// Six calls in the same second: exactly one rejected.
	var tokens []*Token
	rejected := 0
	for i := 0; i < 6; i++ {
		tok, err := tr.TryAcquire()
		if err != nil {
			rejected++
			var rej *Rejection
			require.ErrorAs(t, err, &rej)
			assert.Equal(t, LimitPerSecond, rej.Limit)
			assert.ErrorIs(t, err, ErrRejected)
			continue
		}
		tokens = append(tokens, tok)
	}
	assert.Equal(t, 1, rejected)

	for _, tok := range tokens {
		tok.Release()
	}

	// The window slides: a second later the budget is back.
	tr.clock = func() time.Time { return base.Add(time.Second + time.Millisecond) }
	tok, err := tr.TryAcquire()
	require.NoError(t, err)
	tok.Release()
}

func TestThrottlerPerMinuteLimit(t *testing.T) {
	tr := New("svc", Config{MaxPerSecond: 100, MaxPerMinute: 3, MaxConcurrent: 100})
	base := time.Now()

	for i := 0; i < 3; i++ {
		// Spread across seconds so only the minute window binds.
		tick := base.Add(time.Duration(i) * 2 * time.Second)
		tr.clock = func() time.Time { return tick }
		tok, err := tr.TryAcquire()
		require.NoError(t, err)
		tok.Release()
	}

	tr.clock = func() time.Time { return base.Add(10 * time.Second) }
	_, err := tr.TryAcquire()
	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, LimitPerMinute, rej.Limit)

	// Once the first timestamps age out of the minute window, admitted again.
	tr.clock = func() time.Time { return base.Add(time.Minute + time.Second) }
	tok, err := tr.TryAcquire()
	require.NoError(t, err)
	tok.Release()
}

func TestThrottlerConcurrencyLimit(t *testing.T) {
	tr := New("svc", Config{MaxPerSecond: 100, MaxPerMinute: 1000, MaxConcurrent: 2})

	tok1, err := tr.TryAcquire()
	require.NoError(t, err)
	tok2, err := tr.TryAcquire()
	require.NoError(t, err)

	_, err = tr.TryAcquire()
	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, LimitConcurrent, rej.Limit)

	tok1.Release()
	tok3, err := tr.TryAcquire()
	require.NoError(t, err)

	tok2.Release()
	tok3.Release()
}

func TestThrottlerNonBlocking(t *testing.T) {
	tr := New("svc", Config{MaxPerSecond: 1, MaxPerMinute: 1, MaxConcurrent: 1})

	tok, err := tr.TryAcquire()
	require.NoError(t, err)
	defer tok.Release()

	// Rejected acquires must return promptly, never queue.
	start := time.Now()
	_, err = tr.TryAcquire()
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestThrottlerRejectionConsumesNoBudget(t *testing.T) {
	tr := New("svc", Config{MaxPerSecond: 2, MaxPerMinute: 2, MaxConcurrent: 1})
	base := time.Now()
	tr.clock = func() time.Time { return base }

	tok, err := tr.TryAcquire()
	require.NoError(t, err)

	// Concurrency-rejected attempts leave the rate windows untouched.
	for i := 0; i < 10; i++ {
		_, err := tr.TryAcquire()
		assert.Error(t, err)
	}
	tok.Release()

	tok2, err := tr.TryAcquire()
	require.NoError(t, err)
	tok2.Release()
}

func TestThrottlerConcurrentAdmissionHonorsRate(t *testing.T) {
	// Racing callers must never collectively exceed the window bound.
	for iter := 0; iter < 200; iter++ {
		tr := New("svc", Config{MaxPerSecond: 2, MaxPerMinute: 100, MaxConcurrent: 100})
		base := time.Now()
		tr.clock = func() time.Time { return base }

		var admitted atomic.Int32
		var wg sync.WaitGroup
		for g := 0; g < 16; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				tok, err := tr.TryAcquire()
				if err == nil {
					admitted.Add(1)
					tok.Release()
				}
			}()
		}
		wg.Wait()

		require.LessOrEqual(t, admitted.Load(), int32(2),
			"concurrent admissions exceeded max_per_second")
	}
}

func TestTokenDoubleReleaseIsSafe(t *testing.T) {
	tr := New("svc", Config{MaxPerSecond: 10, MaxPerMinute: 10, MaxConcurrent: 1})

	tok, err := tr.TryAcquire()
	require.NoError(t, err)
	tok.Release()
	tok.Release() // no-op

	// If the double release over-credited the semaphore this would admit
	// two concurrent holders.
	tok1, err := tr.TryAcquire()
	require.NoError(t, err)
	_, err = tr.TryAcquire()
	assert.True(t, errors.Is(err, ErrRejected))
	tok1.Release()
}

func TestRegistryLazyCreation(t *testing.T) {
	r := NewRegistry(map[string]Config{"a": testConfig()})

	a := r.Get("a")
	require.NotNil(t, a)
	assert.Same(t, a, r.Get("a"))
	assert.Nil(t, r.Get("missing"))
}
