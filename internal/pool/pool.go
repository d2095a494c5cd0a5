// Package pool manages reusable long-lived connections to remote services.
//
// Each service gets its own pool guarded by its own mutex, so services never
// contend with each other. Acquisition beyond the configured bound fails
// immediately rather than queuing: callers are expected to fail fast and
// fall back. Idle reclamation and health probing run on background timers
// and only hold a pool's lock while inspecting that one pool.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrExhausted is returned when a pool is at max_total. This is a local
	// resource limit, not evidence of remote ill health, and must never be
	// recorded against a circuit breaker.
	ErrExhausted = errors.New("pool: exhausted")
	// ErrClosed is returned after the pool has been shut down.
	ErrClosed = errors.New("pool: closed")
)

// Conn is the pool's view of an underlying connection. The handle is opaque
// to the pool beyond health and closure.
type Conn interface {
	// Healthy reports whether the connection is still usable.
	Healthy(ctx context.Context) bool
	// Close releases the underlying resources.
	Close() error
}

// Factory creates a new connection to the pooled service.
type Factory func(ctx context.Context) (Conn, error)

// Config controls one service's pool.
type Config struct {
	// MinIdle is the idle floor maintained by the background sweep.
	MinIdle int
	// MaxTotal bounds idle plus checked-out connections.
	MaxTotal int
	// MaxIdle evicts idle connections older than this.
	MaxIdle time.Duration
	// HealthCheckInterval is the cadence of the background health probe.
	HealthCheckInterval time.Duration
	// IdleSweepInterval is the cadence of idle eviction. Defaults to
	// half of MaxIdle when zero.
	IdleSweepInterval time.Duration
}

// PooledConn is a connection checked out from a pool. It is held by exactly
// one caller at a time; the pool owns it again only after Release.
type PooledConn struct {
	ID          string
	ServiceName string
	CreatedAt   time.Time
	LastUsedAt  time.Time
	UseCount    int
	Handle      Conn
}

// Stats is a point-in-time view of pool occupancy.
type Stats struct {
	Idle       int
	CheckedOut int
	MaxTotal   int
}

// Pool manages connections for a single service.
type Pool struct {
	service string
	config  Config
	factory Factory

	mu         sync.Mutex
	idle       []*PooledConn // LIFO: most recently released last
	checkedOut int           // includes connections held by the sweeper
	closed     bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a pool and starts its background sweeps.
func New(service string, config Config, factory Factory) *Pool {
	if config.IdleSweepInterval <= 0 {
		config.IdleSweepInterval = config.MaxIdle / 2
		if config.IdleSweepInterval <= 0 {
			config.IdleSweepInterval = time.Second
		}
	}

	p := &Pool{
		service: service,
		config:  config,
		factory: factory,
		done:    make(chan struct{}),
	}

	p.wg.Add(2)
	go p.idleSweep()
	go p.healthSweep()

	return p
}

// Acquire returns a connection, creating one if the pool is below max_total.
// It never queues: a full pool returns ErrExhausted immediately.
func (p *Pool) Acquire(ctx context.Context) (*PooledConn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}

	// Reuse the most recently released idle connection.
	if n := len(p.idle); n > 0 {
		pc := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.checkedOut++
		p.mu.Unlock()

		pc.LastUsedAt = time.Now()
		pc.UseCount++
		return pc, nil
	}

	if p.checkedOut >= p.config.MaxTotal {
		p.mu.Unlock()
		return nil, ErrExhausted
	}

	// Reserve the slot before dialing so the bound holds without keeping
	// the lock across network I/O.
	p.checkedOut++
	p.mu.Unlock()

	conn, err := p.factory(ctx)
	if err != nil {
		p.mu.Lock()
		p.checkedOut--
		p.mu.Unlock()
		return nil, err
	}

	now := time.Now()
	return &PooledConn{
		ID:          uuid.NewString(),
		ServiceName: p.service,
		CreatedAt:   now,
		LastUsedAt:  now,
		UseCount:    1,
		Handle:      conn,
	}, nil
}

// Release returns a connection to the pool. Unhealthy connections are
// closed and discarded instead of rejoining the idle set.
func (p *Pool) Release(pc *PooledConn, healthy bool) {
	if pc == nil {
		return
	}

	p.mu.Lock()
	if p.checkedOut > 0 {
		p.checkedOut--
	}

	if !healthy || p.closed {
		p.mu.Unlock()
		pc.Handle.Close()
		return
	}

	pc.LastUsedAt = time.Now()
	p.idle = append(p.idle, pc)
	p.mu.Unlock()
}

// Stats returns current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Idle:       len(p.idle),
		CheckedOut: p.checkedOut,
		MaxTotal:   p.config.MaxTotal,
	}
}

// Close stops the sweeps and closes every idle connection. Connections
// still checked out are closed on Release.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	close(p.done)
	p.wg.Wait()

	for _, pc := range idle {
		pc.Handle.Close()
	}
}

// idleSweep evicts idle connections past their lifetime and restores the
// idle floor. It runs off the hot path.
func (p *Pool) idleSweep() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.config.IdleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.evictExpiredIdle()
			p.replenish()
		}
	}
}

// healthSweep probes idle connections and drops unhealthy ones so they are
// never handed out.
func (p *Pool) healthSweep() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.probeIdle()
		}
	}
}

func (p *Pool) evictExpiredIdle() {
	cutoff := time.Now().Add(-p.config.MaxIdle)

	p.mu.Lock()
	var kept []*PooledConn
	var expired []*PooledConn
	for _, pc := range p.idle {
		if pc.LastUsedAt.Before(cutoff) {
			expired = append(expired, pc)
		} else {
			kept = append(kept, pc)
		}
	}
	p.idle = kept
	p.mu.Unlock()

	for _, pc := range expired {
		pc.Handle.Close()
	}
}

// probeIdle temporarily takes ownership of the idle set, probes each
// connection without holding the lock, and returns the survivors.
func (p *Pool) probeIdle() {
	p.mu.Lock()
	if p.closed || len(p.idle) == 0 {
		p.mu.Unlock()
		return
	}
	taken := p.idle
	p.idle = nil
	p.checkedOut += len(taken)
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.config.HealthCheckInterval)
	defer cancel()

	var healthy []*PooledConn
	for _, pc := range taken {
		if pc.Handle.Healthy(ctx) {
			healthy = append(healthy, pc)
		} else {
			pc.Handle.Close()
		}
	}

	p.mu.Lock()
	p.checkedOut -= len(taken)
	if p.closed {
		p.mu.Unlock()
		for _, pc := range healthy {
			pc.Handle.Close()
		}
		return
	}
	p.idle = append(p.idle, healthy...)
	p.mu.Unlock()
}

// replenish restores the idle floor up to MinIdle without exceeding MaxTotal.
func (p *Pool) replenish() {
	for {
		p.mu.Lock()
		if p.closed ||
			len(p.idle) >= p.config.MinIdle ||
			len(p.idle)+p.checkedOut >= p.config.MaxTotal {
			p.mu.Unlock()
			return
		}
		p.checkedOut++ // reserve
		p.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), p.config.HealthCheckInterval)
		conn, err := p.factory(ctx)
		cancel()

		p.mu.Lock()
		p.checkedOut--
		if err != nil || p.closed {
			p.mu.Unlock()
			if conn != nil {
				conn.Close()
			}
			return
		}
		now := time.Now()
		p.idle = append(p.idle, &PooledConn{
			ID:          uuid.NewString(),
			ServiceName: p.service,
			CreatedAt:   now,
			LastUsedAt:  now,
			Handle:      conn,
		})
		p.mu.Unlock()
	}
}
