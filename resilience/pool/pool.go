package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/LerianStudio/lib-resilience/resilience/log"
	"github.com/LerianStudio/lib-resilience/resilience/runtime"
)

// drainPollInterval is how often a graceful drain re-checks for active
// connections to land back in the pool.
const drainPollInterval = 50 * time.Millisecond

// Stats is a point-in-time snapshot of pool bookkeeping.
type Stats struct {
	Pool           string
	Active         int
	Idle           int
	Total          int
	Waiting        int
	MaxConnections int
	Created        uint64
	Destroyed      uint64
	CreationErrors uint64
	Acquired       uint64
	Released       uint64
	Timeouts       uint64
	DirectHandoffs uint64
}

// waiter is a queued acquisition. Delivery happens under the pool mutex:
// delivered is flipped and the (buffered) ready channel is written in the
// same critical section, so a waiter that observes delivered == true can
// always drain its channel without blocking indefinitely.
type waiter struct {
	ready      chan *Connection // nil delivery means the pool is draining
	enqueuedAt time.Time
	delivered  bool // guarded by Pool.mu
}

// Pool owns a bounded set of connections produced by an external factory.
//
// Invariant: active + idle == total <= MaxConnections (pending creations are
// reserved against capacity). A connection is tracked in exactly one of the
// two sets; waiters are served strictly FIFO.
type Pool struct {
	name      string
	factory   Factory
	validator Validator
	logger    log.Logger
	nowFn     func() time.Time

	mu       sync.Mutex
	config   Config
	idle     []*Connection // ordered by return time, oldest first
	active   map[string]*Connection
	pending  int // capacity reservations: creations in flight and releases mid-validation
	waiters  []*waiter
	draining bool
	monitor  Monitor

	created        uint64
	destroyed      uint64
	creationErrors uint64
	acquired       uint64
	released       uint64
	timeouts       uint64
	handoffs       uint64

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// New creates a pool and starts its background sweep. When WarmUp is enabled
// the pool is synchronously topped up to MinConnections; warm-up failures are
// logged and tolerated.
func New(name string, config Config, factory Factory, validator Validator, logger log.Logger) (*Pool, error) {
	if factory == nil {
		return nil, ErrNilFactory
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = &log.NoneLogger{}
	}

	p := &Pool{
		name:      name,
		factory:   factory,
		validator: validator,
		logger:    logger,
		nowFn:     time.Now,
		config:    config,
		active:    make(map[string]*Connection),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}

	if config.WarmUp {
		p.ensureMin(context.Background())
	}

	go p.sweepLoop()

	p.logger.Infof("Pool [%s] created (min=%d max=%d)", name, config.MinConnections, config.MaxConnections)

	return p, nil
}

// Name returns the pool identity used in errors and events.
func (p *Pool) Name() string { return p.name }

// SetMonitor registers a monitor for pool lifecycle events.
func (p *Pool) SetMonitor(monitor Monitor) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.monitor = monitor
}

// Acquire returns a connection within the configured acquire timeout.
// Invalid idle connections found along the way are destroyed, not skipped.
// When the pool is at capacity the caller queues FIFO behind earlier waiters.
func (p *Pool) Acquire(ctx context.Context) (*Connection, error) {
	start := p.nowFn()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("pool %s: acquire aborted: %w", p.name, err)
	}

	canCreate := true

	for {
		p.mu.Lock()

		if p.draining {
			p.mu.Unlock()
			p.emit(Event{Type: EventAcquireFailed, Reason: ReasonDraining})

			return nil, fmt.Errorf("pool %s rejected acquire: %w", p.name, ErrPoolDraining)
		}

		timeout := p.config.AcquireTimeout

		// Idle scan: take the oldest returned connection.
		if len(p.idle) > 0 {
			conn := p.idle[0]
			p.idle = p.idle[1:]
			p.active[conn.id] = conn
			p.mu.Unlock()

			if !p.validate(conn) {
				// Destroy-on-invalid keeps the idle set self-healing.
				p.logger.Warnf("Pool [%s] destroying idle connection %s: %v", p.name, conn.id, ErrInvalidConnection)
				p.removeAndDestroy(conn, ReasonInvalid)

				continue
			}

			return p.finishAcquire(conn), nil
		}

		// Under capacity: create synchronously via the factory.
		if canCreate && p.totalLocked()+p.pending < p.config.MaxConnections {
			p.pending++
			p.mu.Unlock()

			conn, err := p.create(ctx)
			if err != nil {
				// A transient factory failure must not immediately fail an
				// otherwise-satisfiable request: loop back through the
				// locked idle scan, since a connection may have been
				// released and parked while the factory was failing.
				canCreate = false

				continue
			}

			return p.finishAcquire(conn), nil
		}

		// Enqueue in the same critical section that observed an empty idle
		// set, so a concurrent release cannot park a connection unseen
		// between the scan and the enqueue.
		w := &waiter{ready: make(chan *Connection, 1), enqueuedAt: p.nowFn()}
		p.waiters = append(p.waiters, w)
		p.mu.Unlock()

		return p.awaitDelivery(ctx, w, start, timeout)
	}
}

// WithConnection acquires a connection, runs fn, and releases on every exit
// path, including a panic in fn.
func (p *Pool) WithConnection(ctx context.Context, fn func(ctx context.Context, conn *Connection) error) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if releaseErr := p.Release(conn); releaseErr != nil {
			p.logger.Warnf("Pool [%s] scoped release failed: %v", p.name, releaseErr)
		}
	}()

	return fn(ctx, conn)
}

// Release returns a connection to the pool. The connection is validated
// first: an invalid connection is destroyed locally and never surfaced. A
// valid connection is handed directly to the oldest waiter before being
// considered for the idle set.
//
// Release must be called exactly once per successful Acquire.
func (p *Pool) Release(conn *Connection) error {
	if conn == nil {
		return nil
	}

	p.mu.Lock()

	if _, ok := p.active[conn.id]; !ok {
		p.mu.Unlock()

		return fmt.Errorf("pool %s: release of connection %s: %w", p.name, conn.id, ErrWrongPool)
	}

	delete(p.active, conn.id)
	// Keep the connection reserved against capacity while it validates, so a
	// latecomer cannot create a fresh connection past a queued waiter that is
	// about to receive this one.
	p.pending++
	p.released++
	p.mu.Unlock()

	// Post-use validation runs outside the critical section; this goroutine
	// owns the connection until it is re-homed.
	valid := p.validate(conn)

	now := p.nowFn()

	p.mu.Lock()
	p.pending--

	if !valid {
		p.mu.Unlock()

		p.logger.Warnf("Pool [%s] destroying released connection %s: %v", p.name, conn.id, ErrInvalidConnection)
		p.destroyDetached(conn, ReasonInvalid)
		// The destroy freed capacity; queued waiters should not have to wait
		// for an unrelated release.
		p.replenishForWaiters()

		return nil
	}

	// Pool state may have changed while validating; re-check before re-homing.
	if p.draining {
		p.mu.Unlock()
		p.destroyDetached(conn, ReasonDrain)

		return nil
	}

	if p.totalLocked()+p.pending >= p.config.MaxConnections {
		// MaxConnections was shrunk while this connection was lent out.
		p.mu.Unlock()
		p.destroyDetached(conn, ReasonCapacity)

		return nil
	}

	if w := p.popWaiterLocked(); w != nil {
		p.active[conn.id] = conn
		p.handoffs++
		w.ready <- conn
		p.mu.Unlock()

		p.emit(Event{Type: EventConnectionReleased, ConnectionID: conn.id, Reason: "handoff"})

		return nil
	}

	conn.markReturned(now)
	p.idle = append(p.idle, conn)
	p.mu.Unlock()

	p.emit(Event{Type: EventConnectionReleased, ConnectionID: conn.id})

	return nil
}

// Drain shuts the pool down. New acquisitions fail immediately and queued
// waiters are failed with a draining error. Unless force is set, active
// connections are given the configured grace period to land back in the pool
// before everything is force-closed. Drain is idempotent.
func (p *Pool) Drain(ctx context.Context, force bool) error {
	p.mu.Lock()

	if p.draining {
		p.mu.Unlock()

		return nil
	}

	p.draining = true
	grace := p.config.DrainGracePeriod

	waiters := p.waiters
	p.waiters = nil

	for _, w := range waiters {
		if !w.delivered {
			w.delivered = true
			w.ready <- nil
		}
	}

	p.mu.Unlock()

	close(p.stopSweep)

	p.logger.Infof("Pool [%s] draining (force=%v, waiters failed=%d)", p.name, force, len(waiters))

	if !force && grace > 0 {
		p.awaitActive(ctx, grace)
	}

	p.mu.Lock()

	conns := make([]*Connection, 0, len(p.idle)+len(p.active))
	conns = append(conns, p.idle...)

	for _, conn := range p.active {
		conns = append(conns, conn)
	}

	p.idle = nil
	p.active = make(map[string]*Connection)
	p.mu.Unlock()

	var wg sync.WaitGroup

	for _, conn := range conns {
		wg.Add(1)

		c := conn

		runtime.Go(p.logger, "pool", "drain-close", func() {
			defer wg.Done()
			p.destroyDetached(c, ReasonDrain)
		})
	}

	wg.Wait()
	<-p.sweepDone

	p.emit(Event{Type: EventPoolDrained})
	p.logger.Infof("Pool [%s] drained (%d connections closed)", p.name, len(conns))

	return nil
}

// Stats returns a snapshot of the pool's bookkeeping.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.statsLocked()
}

// HealthCheck reports whether the pool can serve acquisitions.
func (p *Pool) HealthCheck(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.draining {
		return fmt.Errorf("pool %s unhealthy: %w", p.name, ErrPoolDraining)
	}

	if total := p.totalLocked(); total > p.config.MaxConnections {
		return fmt.Errorf("pool %s unhealthy: %d connections exceed configured max %d",
			p.name, total, p.config.MaxConnections)
	}

	return nil
}

// UpdateConfig applies a partial configuration change. The merged config must
// still validate. Shrinking MaxConnections takes effect as connections are
// released; a lowered ValidationInterval takes effect after the next sweep.
func (p *Pool) UpdateConfig(update ConfigUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	merged := update.apply(p.config)
	if err := merged.Validate(); err != nil {
		return err
	}

	p.config = merged
	p.logger.Infof("Pool [%s] configuration updated (min=%d max=%d)", p.name, merged.MinConnections, merged.MaxConnections)

	return nil
}

// finishAcquire records the acquisition on a connection already tracked as active.
func (p *Pool) finishAcquire(conn *Connection) *Connection {
	conn.touch(p.nowFn())

	p.mu.Lock()
	p.acquired++
	p.mu.Unlock()

	p.emit(Event{Type: EventConnectionAcquired, ConnectionID: conn.id})

	return conn
}

// awaitDelivery blocks an already-enqueued waiter until a connection is
// delivered, the remaining acquire timeout elapses, or ctx is cancelled.
func (p *Pool) awaitDelivery(ctx context.Context, w *waiter, start time.Time, timeout time.Duration) (*Connection, error) {
	remaining := timeout - p.nowFn().Sub(start)
	if remaining < 0 {
		remaining = 0
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case conn := <-w.ready:
		if conn == nil {
			return nil, fmt.Errorf("pool %s rejected acquire: %w", p.name, ErrPoolDraining)
		}

		return p.finishAcquire(conn), nil
	case <-timer.C:
		return nil, p.abandonWait(w, start, ReasonTimeout, nil)
	case <-ctx.Done():
		return nil, p.abandonWait(w, start, ReasonCancelled, ctx.Err())
	}
}

// abandonWait removes a timed-out or cancelled waiter from the queue. If the
// waiter lost the race against a concurrent handoff, the already-delivered
// connection is put back instead of leaking.
func (p *Pool) abandonWait(w *waiter, start time.Time, reason string, cause error) error {
	p.mu.Lock()

	if !w.delivered {
		w.delivered = true

		for i, queued := range p.waiters {
			if queued == w {
				p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
				break
			}
		}

		if reason == ReasonTimeout {
			p.timeouts++
		}

		stats := p.statsLocked()
		waited := p.nowFn().Sub(start)
		p.mu.Unlock()

		p.emit(Event{Type: EventAcquireFailed, Reason: reason})

		if reason == ReasonCancelled {
			return fmt.Errorf("pool %s: acquire cancelled after %s: %w", p.name, waited, cause)
		}

		return &AcquireTimeoutError{Pool: p.name, Waited: waited, Stats: stats}
	}

	p.mu.Unlock()

	// Delivery won the race: the connection is already in the buffer.
	if conn := <-w.ready; conn != nil {
		if err := p.Release(conn); err != nil {
			p.logger.Warnf("Pool [%s] failed to requeue connection from abandoned waiter: %v", p.name, err)
		}
	}

	p.emit(Event{Type: EventAcquireFailed, Reason: reason})

	if reason == ReasonCancelled {
		return fmt.Errorf("pool %s: acquire cancelled: %w", p.name, cause)
	}

	p.mu.Lock()
	p.timeouts++
	stats := p.statsLocked()
	p.mu.Unlock()

	return &AcquireTimeoutError{Pool: p.name, Waited: p.nowFn().Sub(start), Stats: stats}
}

// create opens a raw connection via the factory and registers it as active.
// The caller must have reserved capacity by incrementing p.pending.
func (p *Pool) create(ctx context.Context) (*Connection, error) {
	raw, err := p.factory(ctx)

	p.mu.Lock()
	p.pending--

	if err != nil {
		p.creationErrors++
		p.mu.Unlock()

		p.logger.Warnf("Pool [%s] connection creation failed: %v", p.name, err)

		return nil, err
	}

	if p.draining {
		p.mu.Unlock()

		p.closeRaw(raw)

		return nil, fmt.Errorf("pool %s rejected acquire: %w", p.name, ErrPoolDraining)
	}

	conn := newConnection(raw, p.nowFn())
	p.active[conn.id] = conn
	p.created++
	p.mu.Unlock()

	p.emit(Event{Type: EventConnectionCreated, ConnectionID: conn.id})

	return conn, nil
}

// validate runs the validator, treating a panicking validator as invalid.
func (p *Pool) validate(conn *Connection) (valid bool) {
	if p.validator == nil {
		return true
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			runtime.HandlePanicValue(p.logger, "pool", "validator", recovered)

			valid = false
		}
	}()

	return p.validator(conn.raw)
}

// removeAndDestroy removes the connection from the active set and destroys it.
func (p *Pool) removeAndDestroy(conn *Connection, reason string) {
	p.mu.Lock()
	delete(p.active, conn.id)
	p.mu.Unlock()

	p.destroyDetached(conn, reason)
}

// destroyDetached closes a connection that is no longer tracked in any set.
// Close failures are logged and swallowed: a failed close must never block
// pool bookkeeping.
func (p *Pool) destroyDetached(conn *Connection, reason string) {
	p.mu.Lock()
	p.destroyed++
	p.mu.Unlock()

	if err := conn.close(); err != nil {
		p.logger.Warnf("Pool [%s] failed to close connection %s: %v", p.name, conn.id, err)
	}

	p.emit(Event{Type: EventConnectionDestroyed, ConnectionID: conn.id, Reason: reason})
}

func (p *Pool) closeRaw(raw RawConn) {
	if err := raw.Close(); err != nil {
		p.logger.Warnf("Pool [%s] failed to close raw connection: %v", p.name, err)
	}
}

// replenishForWaiters opens a replacement connection for the oldest waiter
// after a destroy freed capacity. Runs in the background so Release never
// blocks on the factory.
func (p *Pool) replenishForWaiters() {
	p.mu.Lock()

	if p.draining || len(p.waiters) == 0 || p.totalLocked()+p.pending >= p.config.MaxConnections {
		p.mu.Unlock()

		return
	}

	p.pending++
	p.mu.Unlock()

	runtime.Go(p.logger, "pool", "replenish", func() {
		conn, err := p.create(context.Background())
		if err != nil {
			return
		}

		now := p.nowFn()

		p.mu.Lock()

		if w := p.popWaiterLocked(); w != nil {
			p.handoffs++
			w.ready <- conn
			p.mu.Unlock()

			return
		}

		// The waiter left while we were dialing; park the connection.
		delete(p.active, conn.id)
		conn.markReturned(now)
		p.idle = append(p.idle, conn)
		p.mu.Unlock()
	})
}

// popWaiterLocked removes and returns the oldest live waiter, marking it
// delivered. Caller must hold p.mu.
func (p *Pool) popWaiterLocked() *waiter {
	for len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]

		if !w.delivered {
			w.delivered = true

			return w
		}
	}

	return nil
}

// awaitActive polls until every active connection has been released or the
// grace period expires.
func (p *Pool) awaitActive(ctx context.Context, grace time.Duration) {
	deadline := time.NewTimer(grace)
	defer deadline.Stop()

	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for {
		p.mu.Lock()
		activeCount := len(p.active)
		p.mu.Unlock()

		if activeCount == 0 {
			return
		}

		select {
		case <-deadline.C:
			p.logger.Warnf("Pool [%s] drain grace period elapsed with %d connections still active", p.name, activeCount)

			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// sweepLoop runs the background sweep at the configured validation interval.
// The interval is re-read every cycle so UpdateConfig takes effect without a
// restart.
func (p *Pool) sweepLoop() {
	defer close(p.sweepDone)

	for {
		p.mu.Lock()
		interval := p.config.ValidationInterval
		p.mu.Unlock()

		timer := time.NewTimer(interval)

		select {
		case <-p.stopSweep:
			timer.Stop()

			return
		case <-timer.C:
		}

		p.sweep()
	}
}

// sweep destroys idle connections past their idle timeout or max lifetime
// and tops the pool back up to MinConnections when warm-up is enabled.
func (p *Pool) sweep() {
	now := p.nowFn()

	type expiry struct {
		conn   *Connection
		reason string
	}

	p.mu.Lock()

	idleTimeout := p.config.IdleTimeout
	maxLifetime := p.config.MaxLifetime
	warmUp := p.config.WarmUp

	var expired []expiry

	keep := p.idle[:0]

	for _, conn := range p.idle {
		if reason, ok := conn.expiredReason(idleTimeout, maxLifetime, now); ok {
			expired = append(expired, expiry{conn: conn, reason: reason})
		} else {
			keep = append(keep, conn)
		}
	}

	p.idle = keep
	p.mu.Unlock()

	for _, e := range expired {
		p.destroyDetached(e.conn, e.reason)
	}

	if len(expired) > 0 {
		p.logger.Debugf("Pool [%s] sweep destroyed %d expired idle connections", p.name, len(expired))
	}

	if warmUp {
		p.ensureMin(context.Background())
	}
}

// ensureMin opens connections until total reaches MinConnections. Factory
// failures stop the top-up for this cycle.
func (p *Pool) ensureMin(ctx context.Context) {
	for {
		p.mu.Lock()

		if p.draining || p.totalLocked()+p.pending >= p.config.MinConnections {
			p.mu.Unlock()

			return
		}

		p.pending++
		p.mu.Unlock()

		conn, err := p.create(ctx)
		if err != nil {
			return
		}

		now := p.nowFn()

		p.mu.Lock()

		// Prefer a queued waiter over parking the fresh connection.
		if w := p.popWaiterLocked(); w != nil {
			p.handoffs++
			w.ready <- conn
			p.mu.Unlock()

			continue
		}

		delete(p.active, conn.id)
		conn.markReturned(now)
		p.idle = append(p.idle, conn)
		p.mu.Unlock()
	}
}

// emit delivers an event to the monitor, isolating monitor panics.
func (p *Pool) emit(event Event) {
	p.mu.Lock()
	monitor := p.monitor
	p.mu.Unlock()

	if monitor == nil {
		return
	}

	event.Pool = p.name

	runtime.Safe(p.logger, "pool", "monitor", func() {
		monitor(event)
	})
}

// totalLocked returns active + idle. Caller must hold p.mu.
func (p *Pool) totalLocked() int {
	return len(p.active) + len(p.idle)
}

// statsLocked builds a snapshot. Caller must hold p.mu.
func (p *Pool) statsLocked() Stats {
	return Stats{
		Pool:           p.name,
		Active:         len(p.active),
		Idle:           len(p.idle),
		Total:          p.totalLocked(),
		Waiting:        len(p.waiters),
		MaxConnections: p.config.MaxConnections,
		Created:        p.created,
		Destroyed:      p.destroyed,
		CreationErrors: p.creationErrors,
		Acquired:       p.acquired,
		Released:       p.released,
		Timeouts:       p.timeouts,
		DirectHandoffs: p.handoffs,
	}
}
