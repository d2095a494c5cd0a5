/*
Package egress is the resilient call façade: the single entry point through
which adapters reach unreliable external services.

# Call path

	Call(ctx, service, operation, args, fetch, fallback)

 1. The call identity is fingerprinted and checked against the result cache.
    A hit returns immediately; a cache hit is not a live call and bypasses
    throttling, the breaker and the pool.
 2. The throttler admits or rejects the call. Rejections go straight to the
    fallback path and are never recorded against the breaker.
 3. The circuit breaker decides live versus short-circuit.
 4. On the live path a pooled connection is acquired and fetch invoked with
    the caller's deadline. Success updates breaker, result cache and
    fallback store; failure updates the breaker and falls through.
 5. The fallback path serves last-known-good data with staleness metadata.
    Only when that also comes up empty does the caller see an error.

# Error taxonomy

Local conditions (ErrThrottled, ErrPoolExhausted) and breaker refusals
(ErrShortCircuited) are absorbed into the fallback path. Downstream failures
are classified as transient, permanent or timeout and recorded against the
breaker. ErrNoFallback is the terminal error; ErrInvalidArgs marks caller
bugs and never counts as a circuit failure.

Component state is per-service and safe for concurrent callers. Nothing here
retries: retry-with-backoff is an outer concern, deliberately decoupled from
the breaker's recovery probing.
*/
package egress
