// Package pool provides a bounded connection pool built around an externally
// supplied connection factory and optional validator. Protocol adapters own
// the actual transport; the pool owns lifecycle, bookkeeping, a strict-FIFO
// waiter queue, and a background sweep that reaps expired idle connections.
package pool
