package egress

import (
	"context"
	"errors"
	"fmt"

	"github.com/finchworks/egress/internal/breaker"
	"github.com/finchworks/egress/internal/pool"
	"github.com/finchworks/egress/internal/throttle"
)

var (
	// ErrShortCircuited means the breaker refused the live call.
	ErrShortCircuited = errors.New("egress: short-circuited")
	// ErrThrottled means a local rate or concurrency limit rejected the call.
	ErrThrottled = errors.New("egress: throttled")
	// ErrPoolExhausted means the connection pool was at its bound.
	ErrPoolExhausted = errors.New("egress: pool exhausted")
	// ErrNoFallback is terminal: the live attempt failed and no fallback
	// data exists. This is the only non-programming error callers see.
	ErrNoFallback = errors.New("egress: no fallback available")
	// ErrInvalidArgs marks a caller-side programming error. Never recorded
	// against the breaker.
	ErrInvalidArgs = errors.New("egress: invalid arguments")
	// ErrUnknownService means no configuration is registered for the service.
	ErrUnknownService = errors.New("egress: unknown service")
)

// CallError wraps a downstream failure with its classification.
type CallError struct {
	Kind breaker.ErrorKind
	Err  error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("egress: call failed (%s): %v", e.Kind, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// NewCallError builds a classified downstream failure.
func NewCallError(kind breaker.ErrorKind, err error) *CallError {
	return &CallError{Kind: kind, Err: err}
}

// classify maps a fetch error onto an error kind. Adapters that already
// classify (returning *CallError) win; deadline misses are timeouts; the
// rest is assumed transient.
func classify(err error) breaker.ErrorKind {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return breaker.KindTimeout
	}
	return breaker.KindTransient
}

// localOnly reports whether an error is a local resource condition that
// must not be recorded against the circuit breaker.
func localOnly(err error) bool {
	return errors.Is(err, pool.ErrExhausted) ||
		errors.Is(err, pool.ErrClosed) ||
		errors.Is(err, throttle.ErrRejected)
}
