// Package client implements a resilient outbound request client: a
// reusable engine wrapping a pluggable transport with retries, circuit
// breaking, in-flight deduplication, bounded concurrency, timeout
// control, idempotency/payload-integrity enforcement, response
// validation, and observability hooks.
//
// The heavy lifting lives in internal/engine and its supporting
// packages (internal/backoff, internal/breaker, internal/dedupe,
// internal/timeout, internal/integrity, internal/metrics,
// internal/hooks, internal/statemachine); this package is the public,
// generic-typed façade over that engine.
package client
