package pool

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAcquireTimeout is wrapped by every acquisition-deadline failure.
	ErrAcquireTimeout = errors.New("pool: acquire timed out")
	// ErrPoolDraining is returned for acquisitions attempted during shutdown.
	ErrPoolDraining = errors.New("pool: draining")
	// ErrInvalidConnection marks a failed health validation. It is recovered
	// locally (the connection is destroyed and, for queued waiters, replaced)
	// and reaches callers only through logs and monitor events.
	ErrInvalidConnection = errors.New("pool: connection failed validation")
	// ErrWrongPool is returned when a connection is released to a pool that
	// does not currently track it as active.
	ErrWrongPool = errors.New("pool: connection is not active in this pool")
	// ErrNilFactory indicates the pool was constructed without a factory.
	ErrNilFactory = errors.New("pool: factory must not be nil")
)

// AcquireTimeoutError is returned when no connection becomes available within
// the acquisition deadline. It carries a statistics snapshot taken at the
// moment the waiter was failed, so callers and retry layers can see why.
type AcquireTimeoutError struct {
	Pool   string
	Waited time.Duration
	Stats  Stats
}

// Error returns the formatted timeout message.
func (e *AcquireTimeoutError) Error() string {
	return fmt.Sprintf("pool %s: no connection available after %s (active=%d idle=%d waiting=%d max=%d)",
		e.Pool, e.Waited, e.Stats.Active, e.Stats.Idle, e.Stats.Waiting, e.Stats.MaxConnections)
}

// Unwrap returns the sentinel for errors.Is.
func (e *AcquireTimeoutError) Unwrap() error { return ErrAcquireTimeout }
