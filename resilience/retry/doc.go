// Package retry re-runs failing operations according to a configurable
// backoff policy and an error allow-list. It is meant to sit around calls
// that already go through the circuit breaker and connection pool, so an
// open circuit is treated as non-retryable by default.
package retry
