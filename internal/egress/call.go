package egress

import (
	"context"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/finchworks/egress/internal/breaker"
	"github.com/finchworks/egress/internal/cache"
	"github.com/finchworks/egress/internal/fallback"
	"github.com/finchworks/egress/internal/fingerprint"
	"github.com/finchworks/egress/internal/logging"
	"github.com/finchworks/egress/internal/observability"
	"github.com/finchworks/egress/internal/pool"
	"github.com/finchworks/egress/internal/throttle"
)

// FetchFunc performs the actual protocol call using a pooled connection.
// It must honor the deadline on ctx; the façade adds no timeout of its own.
type FetchFunc func(ctx context.Context, conn *pool.PooledConn) (interface{}, error)

// FallbackFunc supplies last-resort data when the live path is unavailable.
// A nil FallbackFunc makes the façade read its own fallback store by the
// call's fingerprint key.
type FallbackFunc func() (interface{}, bool)

// Metadata describes how a call was answered.
type Metadata struct {
	UsedFallback bool
	CircuitState breaker.State
	// CacheAge is the age of served cache or fallback data; nil for live results.
	CacheAge *time.Duration
	// Stale is true when fallback data outlived its TTL.
	Stale        bool
	FailureCount int
}

// ServiceSettings bundles everything the façade needs for one service.
type ServiceSettings struct {
	Breaker        breaker.Config
	Pool           pool.Config
	PoolFactory    pool.Factory
	Throttle       throttle.Config
	ResultCacheTTL time.Duration
	FallbackTTL    time.Duration
}

// Options configures a Facade.
type Options struct {
	Services   map[string]ServiceSettings
	CacheSize  int
	Store      *fallback.Store
	Sink       observability.Sink
	Metrics    *observability.Metrics
	Logger     *logging.Logger
}

// Facade is the single entry point adapters use to reach external services.
// It composes the throttler, result cache, circuit breaker, connection pool
// and fallback store; none of those are called directly by adapter code.
type Facade struct {
	breakers  *breaker.Registry
	pools     *pool.Registry
	throttles *throttle.Registry
	cache     *cache.Cache
	store     *fallback.Store
	sink      observability.Sink
	metrics   *observability.Metrics
	logger    *logging.Logger
	settings  map[string]ServiceSettings
}

// ServiceStats is a per-service operational snapshot.
type ServiceStats struct {
	Breaker breaker.Snapshot
	Pool    pool.Stats
}

// New creates a façade from per-service settings.
func New(opts Options) (*Facade, error) {
	if opts.Sink == nil {
		opts.Sink = observability.NopSink{}
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewMetrics()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1024
	}

	resultCache, err := cache.New(opts.CacheSize)
	if err != nil {
		return nil, err
	}

	f := &Facade{
		cache:    resultCache,
		store:    opts.Store,
		sink:     opts.Sink,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		settings: opts.Services,
	}

	breakerConfigs := make(map[string]breaker.Config, len(opts.Services))
	poolConfigs := make(map[string]pool.Config, len(opts.Services))
	poolFactories := make(map[string]pool.Factory, len(opts.Services))
	throttleConfigs := make(map[string]throttle.Config, len(opts.Services))

	for name, s := range opts.Services {
		if s.PoolFactory == nil {
			return nil, errors.Join(ErrInvalidArgs, errors.New("egress: service "+name+" has no pool factory"))
		}
		bc := s.Breaker
		bc.OnStateChange = f.onBreakerTransition
		breakerConfigs[name] = bc
		poolConfigs[name] = s.Pool
		poolFactories[name] = s.PoolFactory
		throttleConfigs[name] = s.Throttle
	}

	f.breakers = breaker.NewRegistry(breakerConfigs)
	f.pools = pool.NewRegistry(poolConfigs, poolFactories)
	f.throttles = throttle.NewRegistry(throttleConfigs)

	return f, nil
}

// Call executes one protected call to an external service.
//
// Path: result cache, throttle admission, breaker decision, pooled live
// call, then fallback. Local limits (throttle, pool bound) and breaker
// short-circuits are absorbed into the fallback path and never reach the
// breaker's failure accounting; only downstream call failures do.
func (f *Facade) Call(
	ctx context.Context,
	service, operation string,
	args map[string]interface{},
	fetch FetchFunc,
	fb FallbackFunc,
) (interface{}, Metadata, error) {
	started := time.Now()

	if service == "" || operation == "" || fetch == nil {
		return nil, Metadata{}, ErrInvalidArgs
	}

	settings, ok := f.settings[service]
	if !ok {
		return nil, Metadata{}, ErrUnknownService
	}

	fp, err := fingerprint.New(service, operation, args)
	if err != nil {
		return nil, Metadata{}, errors.Join(ErrInvalidArgs, err)
	}

	br := f.breakers.Get(service)

	// Step 1: result cache. A hit is definitionally not a live call, so it
	// bypasses throttling, breaker and pool entirely.
	if value, age, hit := f.cache.Get(service, operation, fp); hit {
		f.metrics.RecordCacheHit(service)
		f.metrics.RecordCall(service, operation, "cache_hit", time.Since(started))
		f.emit(observability.EventCacheHit, service, map[string]interface{}{
			"operation":   operation,
			"fingerprint": fingerprint.Short(fp),
		})
		cacheAge := age
		return value, f.metadata(br, false, &cacheAge, false), nil
	}
	f.metrics.RecordCacheMiss(service)
	f.emit(observability.EventCacheMiss, service, map[string]interface{}{
		"operation":   operation,
		"fingerprint": fingerprint.Short(fp),
	})

	// Step 2: throttle admission. Rejections never touch the breaker.
	token, err := f.throttles.Get(service).TryAcquire()
	if err != nil {
		var rej *throttle.Rejection
		limit := "unknown"
		if errors.As(err, &rej) {
			limit = rej.Limit
		}
		f.metrics.RecordThrottleRejection(service, limit)
		f.emit(observability.EventThrottleRejected, service, map[string]interface{}{
			"operation": operation,
			"limit":     limit,
		})
		return f.fallbackPath(br, service, operation, fp, fb, errors.Join(ErrThrottled, err), started)
	}
	defer token.Release()

	// Step 3: breaker decision.
	if br.Allow() == breaker.ShortCircuit {
		return f.fallbackPath(br, service, operation, fp, fb, ErrShortCircuited, started)
	}

	// Step 4: live call through the pool.
	p := f.pools.Get(service)
	conn, err := p.Acquire(ctx)
	if err != nil {
		if localOnly(err) {
			// Local resource limit, not remote ill health. The breaker
			// never sees the call, so hand back any probe slot it granted.
			br.CancelProbe()
			f.metrics.RecordPoolExhausted(service)
			f.emit(observability.EventPoolExhausted, service, map[string]interface{}{
				"operation": operation,
			})
			return f.fallbackPath(br, service, operation, fp, fb, errors.Join(ErrPoolExhausted, err), started)
		}
		// Dialing failed: that is a downstream transport failure.
		br.RecordFailure(breaker.KindTransient)
		return f.fallbackPath(br, service, operation, fp, fb, NewCallError(breaker.KindTransient, err), started)
	}
	f.updatePoolGauges(service, p)

	value, err := fetch(ctx, conn)
	if err != nil {
		kind := classify(err)
		p.Release(conn, false)
		f.updatePoolGauges(service, p)
		br.RecordFailure(kind)

		cause := err
		var ce *CallError
		if !errors.As(err, &ce) {
			cause = NewCallError(kind, err)
		}
		return f.fallbackPath(br, service, operation, fp, fb, cause, started)
	}

	// Success: connection back to the pool, breaker credited, both caches
	// refreshed so the fallback store always holds the latest known-good
	// response.
	p.Release(conn, true)
	f.updatePoolGauges(service, p)
	br.RecordSuccess()
	f.cache.Set(service, operation, fp, value, settings.ResultCacheTTL)
	f.storeFallback(service, operation, fp, value, settings.FallbackTTL)

	f.metrics.RecordCall(service, operation, "success", time.Since(started))
	return value, f.metadata(br, false, nil, false), nil
}

// Invalidate drops cached results for a service, optionally one operation.
func (f *Facade) Invalidate(service string, operation ...string) {
	f.cache.Invalidate(service, operation...)
}

// Stats returns per-service breaker and pool snapshots.
func (f *Facade) Stats() map[string]ServiceStats {
	out := make(map[string]ServiceStats, len(f.settings))
	breakers := f.breakers.Snapshots()
	pools := f.pools.Stats()
	for name := range f.settings {
		s := ServiceStats{}
		if snap, ok := breakers[name]; ok {
			s.Breaker = snap
		}
		if ps, ok := pools[name]; ok {
			s.Pool = ps
		}
		out[name] = s
	}
	return out
}

// CacheStats returns result cache counters.
func (f *Facade) CacheStats() cache.Stats {
	return f.cache.Stats()
}

// Services lists configured service names.
func (f *Facade) Services() []string {
	names := make([]string, 0, len(f.settings))
	for name := range f.settings {
		names = append(names, name)
	}
	return names
}

// Close shuts down the pools. The façade must not be used afterwards.
func (f *Facade) Close() {
	f.pools.Close()
}

// fallbackPath answers a call that could not complete live. The cause is
// surfaced only when no fallback data exists.
func (f *Facade) fallbackPath(
	br *breaker.Breaker,
	service, operation, fp string,
	fb FallbackFunc,
	cause error,
	started time.Time,
) (interface{}, Metadata, error) {
	value, meta, found := f.lookupFallback(service, operation, fp, fb)
	if !found {
		f.metrics.RecordCall(service, operation, "no_fallback", time.Since(started))
		return nil, f.metadata(br, false, nil, false), errors.Join(ErrNoFallback, cause)
	}

	f.metrics.RecordFallbackServed(service)
	f.metrics.RecordCall(service, operation, "fallback", time.Since(started))
	f.emit(observability.EventFallbackServed, service, map[string]interface{}{
		"operation": operation,
		"stale":     meta.Stale,
		"cause":     cause.Error(),
	})

	var age *time.Duration
	if meta.Age > 0 {
		a := meta.Age
		age = &a
	}
	return value, f.metadata(br, true, age, meta.Stale), nil
}

// lookupFallback prefers the caller-provided closure, then the store.
func (f *Facade) lookupFallback(service, operation, fp string, fb FallbackFunc) (interface{}, fallback.Meta, bool) {
	if fb != nil {
		value, found := fb()
		return value, fallback.Meta{}, found
	}

	if f.store == nil {
		return nil, fallback.Meta{}, false
	}

	payload, meta, err := f.store.Get(fingerprint.Key(service, operation, fp))
	if err != nil {
		return nil, fallback.Meta{}, false
	}

	var value interface{}
	if err := sonic.Unmarshal(payload, &value); err != nil {
		// Treated identically to a missing entry.
		return nil, fallback.Meta{}, false
	}
	return value, meta, true
}

// storeFallback persists a successful result as last-resort data.
func (f *Facade) storeFallback(service, operation, fp string, value interface{}, ttl time.Duration) {
	if f.store == nil {
		return
	}

	payload, err := sonic.Marshal(value)
	if err != nil {
		f.logger.Warn("failed to encode fallback payload",
			zap.String("service", service),
			zap.String("operation", operation),
			zap.Error(err),
		)
		return
	}

	if err := f.store.Put(fingerprint.Key(service, operation, fp), payload, ttl); err != nil {
		f.logger.Warn("failed to persist fallback payload",
			zap.String("service", service),
			zap.String("operation", operation),
			zap.Error(err),
		)
	}
}

func (f *Facade) metadata(br *breaker.Breaker, usedFallback bool, cacheAge *time.Duration, stale bool) Metadata {
	snap := br.Snapshot()
	return Metadata{
		UsedFallback: usedFallback,
		CircuitState: snap.State,
		CacheAge:     cacheAge,
		Stale:        stale,
		FailureCount: snap.FailureCount,
	}
}

func (f *Facade) updatePoolGauges(service string, p *pool.Pool) {
	stats := p.Stats()
	f.metrics.SetPoolOccupancy(service, stats.Idle, stats.CheckedOut)
}

func (f *Facade) onBreakerTransition(name string, from, to breaker.State, reason string) {
	f.metrics.RecordBreakerTransition(name, from.String(), to.String(), to.MetricValue())
	f.emit(observability.EventBreakerTransition, name, map[string]interface{}{
		"from":   from.String(),
		"to":     to.String(),
		"reason": reason,
	})
}

func (f *Facade) emit(event, service string, fields map[string]interface{}) {
	f.sink.Emit(observability.Event{
		Event:     event,
		Service:   service,
		Timestamp: time.Now(),
		Fields:    fields,
	})
}
