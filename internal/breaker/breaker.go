package breaker

import (
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// MetricValue maps the state onto a stable gauge value.
func (s State) MetricValue() float64 {
	switch s {
	case StateClosed:
		return 0
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return -1
	}
}

// Decision is the outcome of an admission check.
type Decision int

const (
	// Proceed allows the live call to be attempted.
	Proceed Decision = iota
	// ShortCircuit refuses the live call; the caller should fall back.
	ShortCircuit
)

// ErrorKind classifies a downstream call failure.
type ErrorKind string

const (
	KindTransient ErrorKind = "transient"
	KindPermanent ErrorKind = "permanent"
	KindTimeout   ErrorKind = "timeout"
)

// Config controls one breaker's thresholds and timing.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens a closed circuit.
	FailureThreshold int
	// RecoveryTimeout is how long an open circuit waits before admitting probes.
	RecoveryTimeout time.Duration
	// HalfOpenMaxCalls bounds concurrent probes while half-open.
	HalfOpenMaxCalls int
	// SuccessThreshold is the number of consecutive probe successes that closes the circuit.
	SuccessThreshold int
	// OnStateChange is called on every transition. Must not block.
	OnStateChange func(name string, from, to State, reason string)
}

// Snapshot is a point-in-time copy of a breaker's observable state.
type Snapshot struct {
	State         State
	FailureCount  int
	SuccessCount  int
	LastFailureAt time.Time
	OpenedAt      time.Time
}

// Breaker tracks failures for one service and gates live calls.
//
// Transitions are linearizable: all reads and writes of state and counters
// happen under a single mutex, so two concurrent failures cannot both open
// the circuit, yet both are counted.
type Breaker struct {
	name   string
	config Config

	mu             sync.Mutex
	state          State
	failureCount   int
	successCount   int
	lastFailureAt  time.Time
	openedAt       time.Time
	probesInFlight int

	// clock is replaceable in tests.
	clock func() time.Time
}

// New creates a breaker for the named service. It starts Closed; failure
// history deliberately does not survive restarts.
func New(name string, config Config) *Breaker {
	return &Breaker{
		name:   name,
		config: config,
		state:  StateClosed,
		clock:  time.Now,
	}
}

// Name returns the service name the breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

// Allow decides whether a live call may be attempted right now.
// It never blocks and performs the lazy Open -> HalfOpen transition.
func (b *Breaker) Allow() Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return Proceed

	case StateOpen:
		if b.clock().Sub(b.openedAt) < b.config.RecoveryTimeout {
			return ShortCircuit
		}
		b.setState(StateHalfOpen, "recovery timeout elapsed")
		b.probesInFlight = 1
		return Proceed

	case StateHalfOpen:
		if b.probesInFlight >= b.config.HalfOpenMaxCalls {
			return ShortCircuit
		}
		b.probesInFlight++
		return Proceed
	}

	return ShortCircuit
}

// RecordSuccess notes a successful live call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failureCount = 0

	case StateHalfOpen:
		if b.probesInFlight > 0 {
			b.probesInFlight--
		}
		b.successCount++
		if b.successCount >= b.config.SuccessThreshold {
			b.setState(StateClosed, "probe successes reached threshold")
			b.failureCount = 0
			b.successCount = 0
			b.probesInFlight = 0
		}
	}
	// A success resolving after the circuit reopened is ignored: the
	// reopening failure is fresher evidence.
}

// CancelProbe returns an admitted half-open probe slot without recording an
// outcome. Callers use it when a call that Allow admitted never reached the
// downstream service, typically because a local resource limit stopped it;
// otherwise the unresolved slot would starve the probe budget.
func (b *Breaker) CancelProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen && b.probesInFlight > 0 {
		b.probesInFlight--
	}
}

// RecordFailure notes a failed live call. Only downstream call failures
// belong here; local conditions (throttling, pool exhaustion, bad caller
// arguments) must not be recorded.
func (b *Breaker) RecordFailure(kind ErrorKind) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	b.lastFailureAt = now

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.config.FailureThreshold {
			b.setState(StateOpen, "failure threshold reached: "+string(kind))
			b.openedAt = now
		}

	case StateHalfOpen:
		// A single probe failure reopens immediately. Requiring a
		// threshold here would let a flapping dependency burn the
		// whole probe budget on every recovery attempt.
		b.setState(StateOpen, "probe failed: "+string(kind))
		b.openedAt = now
		b.successCount = 0
		b.probesInFlight = 0
	}
}

// State returns the current state without admitting a call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the breaker's observable counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:         b.state,
		FailureCount:  b.failureCount,
		SuccessCount:  b.successCount,
		LastFailureAt: b.lastFailureAt,
		OpenedAt:      b.openedAt,
	}
}

// setState transitions the breaker and fires the change callback.
// Caller must hold b.mu. The callback must not block; transition
// notification is fire-and-forget by contract.
func (b *Breaker) setState(state State, reason string) {
	if b.state == state {
		return
	}

	prev := b.state
	b.state = state

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, prev, state, reason)
	}
}
