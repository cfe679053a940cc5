package pool

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RawConn is the protocol-specific resource managed by the pool. Protocol
// adapters (HTTP, gRPC, WebSocket) wrap their transport handle in this
// minimal interface.
type RawConn interface {
	Close() error
}

// Factory produces a new raw connection. It is supplied by the protocol
// adapter that owns the actual transport.
type Factory func(ctx context.Context) (RawConn, error)

// Validator reports whether a raw connection is still usable. A nil
// validator treats every connection as valid.
type Validator func(conn RawConn) bool

// Connection is a pooled handle around a raw transport connection.
//
// Ownership: while idle the pool owns the connection exclusively; while
// active it is lent to exactly one caller, and the pool retains only a
// bookkeeping entry.
type Connection struct {
	id        string
	raw       RawConn
	createdAt time.Time

	mu         sync.Mutex
	lastUsedAt time.Time
	useCount   int64
	metadata   map[string]any
}

func newConnection(raw RawConn, now time.Time) *Connection {
	return &Connection{
		id:         uuid.NewString(),
		raw:        raw,
		createdAt:  now,
		lastUsedAt: now,
	}
}

// ID returns the pool-assigned connection identifier.
func (c *Connection) ID() string { return c.id }

// Raw returns the underlying transport connection.
func (c *Connection) Raw() RawConn { return c.raw }

// CreatedAt returns the creation time.
func (c *Connection) CreatedAt() time.Time { return c.createdAt }

// LastUsedAt returns the time the connection was last acquired or released.
func (c *Connection) LastUsedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lastUsedAt
}

// UseCount returns how many times the connection has been acquired.
func (c *Connection) UseCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.useCount
}

// SetMetadata attaches an adapter-defined key/value to the connection.
func (c *Connection) SetMetadata(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.metadata == nil {
		c.metadata = make(map[string]any)
	}

	c.metadata[key] = value
}

// Metadata returns an adapter-defined value and whether it was present.
func (c *Connection) Metadata(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	value, ok := c.metadata[key]

	return value, ok
}

// touch records an acquisition.
func (c *Connection) touch(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastUsedAt = now
	c.useCount++
}

// markReturned records a return to the idle set without counting a use.
func (c *Connection) markReturned(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastUsedAt = now
}

// expiredReason reports whether the connection exceeded its max lifetime or
// idle timeout, and which. Zero limits disable the corresponding check.
func (c *Connection) expiredReason(idleTimeout, maxLifetime time.Duration, now time.Time) (string, bool) {
	if maxLifetime > 0 && now.Sub(c.createdAt) >= maxLifetime {
		return ReasonLifetimeExpired, true
	}

	if idleTimeout > 0 && now.Sub(c.LastUsedAt()) >= idleTimeout {
		return ReasonIdleExpired, true
	}

	return "", false
}

// close closes the raw connection.
func (c *Connection) close() error {
	return c.raw.Close()
}
