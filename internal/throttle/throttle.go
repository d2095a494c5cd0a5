// Package throttle bounds per-service call rate and concurrency.
//
// Two independent limits apply to each service: sliding one-second and
// one-minute request windows, and a concurrency cap backed by a weighted
// semaphore. Admission is strictly non-blocking; a caller that cannot be
// admitted right now is rejected and decides for itself whether to fall
// back or give up.
package throttle

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrRejected is the base error for throttle rejections.
var ErrRejected = errors.New("throttle: rejected")

// Limit names which bound rejected a call.
const (
	LimitPerSecond  = "per_second"
	LimitPerMinute  = "per_minute"
	LimitConcurrent = "concurrent"
)

// Rejection reports which limit rejected the call. errors.Is matches
// ErrRejected.
type Rejection struct {
	Service string
	Limit   string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("throttle: %s rejected by %s limit", r.Service, r.Limit)
}

func (r *Rejection) Unwrap() error { return ErrRejected }

// Config controls one service's limits.
type Config struct {
	MaxPerSecond  int
	MaxPerMinute  int
	MaxConcurrent int
}

// Token represents one admitted call. Release it exactly once on any exit
// path; extra releases are ignored.
type Token struct {
	t    *Throttler
	once sync.Once
}

// Release returns the concurrency slot.
func (tok *Token) Release() {
	if tok == nil {
		return
	}
	tok.once.Do(func() {
		tok.t.sem.Release(1)
	})
}

// Throttler enforces the limits for a single service.
type Throttler struct {
	service string
	config  Config
	sem     *semaphore.Weighted

	mu        sync.Mutex
	secWindow []time.Time
	minWindow []time.Time

	clock func() time.Time
}

// New creates a throttler for the named service.
func New(service string, config Config) *Throttler {
	return &Throttler{
		service: service,
		config:  config,
		sem:     semaphore.NewWeighted(int64(config.MaxConcurrent)),
		clock:   time.Now,
	}
}

// TryAcquire admits or rejects a call without blocking. A rejected call
// consumes no rate budget.
//
// Check and admission happen in one critical section: a window slot is
// claimed in the same instant it is checked, so concurrent callers cannot
// all pass the check and then over-admit. The semaphore probe is itself
// non-blocking, so holding the mutex across it is safe.
func (t *Throttler) TryAcquire() (*Token, error) {
	now := t.clock()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.secWindow = prune(t.secWindow, now.Add(-time.Second))
	t.minWindow = prune(t.minWindow, now.Add(-time.Minute))

	if len(t.secWindow) >= t.config.MaxPerSecond {
		return nil, &Rejection{Service: t.service, Limit: LimitPerSecond}
	}
	if len(t.minWindow) >= t.config.MaxPerMinute {
		return nil, &Rejection{Service: t.service, Limit: LimitPerMinute}
	}
	if !t.sem.TryAcquire(1) {
		return nil, &Rejection{Service: t.service, Limit: LimitConcurrent}
	}

	t.secWindow = append(t.secWindow, now)
	t.minWindow = append(t.minWindow, now)
	return &Token{t: t}, nil
}

// prune drops timestamps at or before the cutoff. Windows are append-only
// and ordered, so this is a single scan from the front.
func prune(window []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(window) && !window[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return window
	}
	return append(window[:0], window[i:]...)
}

// Registry holds one throttler per service name, created lazily.
type Registry struct {
	mu         sync.Mutex
	throttlers map[string]*Throttler
	configs    map[string]Config
}

// NewRegistry creates a registry with per-service configs.
func NewRegistry(configs map[string]Config) *Registry {
	return &Registry{
		throttlers: make(map[string]*Throttler),
		configs:    configs,
	}
}

// Get returns the throttler for a service, creating it on first use.
// Returns nil for services without a registered config.
func (r *Registry) Get(service string) *Throttler {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.throttlers[service]; ok {
		return t
	}

	cfg, ok := r.configs[service]
	if !ok {
		return nil
	}

	t := New(service, cfg)
	r.throttlers[service] = t
	return t
}
