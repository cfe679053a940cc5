package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/lib-resilience/resilience/log"
)

type fakeConn struct {
	seq      int
	broken   atomic.Bool
	closed   atomic.Bool
	closeErr error
}

func (f *fakeConn) Close() error {
	f.closed.Store(true)

	return f.closeErr
}

type fakeDialer struct {
	mu      sync.Mutex
	dialed  []*fakeConn
	failing bool
}

func (d *fakeDialer) factory(_ context.Context) (RawConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failing {
		return nil, errors.New("dial refused")
	}

	conn := &fakeConn{seq: len(d.dialed)}
	d.dialed = append(d.dialed, conn)

	return conn, nil
}

func (d *fakeDialer) setFailing(failing bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.failing = failing
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.dialed)
}

func fakeValidator(raw RawConn) bool {
	return !raw.(*fakeConn).broken.Load()
}

func newTestPool(t *testing.T, mutate func(*Config)) (*Pool, *fakeDialer) {
	t.Helper()

	cfg := Config{
		MinConnections:     0,
		MaxConnections:     4,
		AcquireTimeout:     time.Second,
		ValidationInterval: time.Hour,
		DrainGracePeriod:   100 * time.Millisecond,
	}

	if mutate != nil {
		mutate(&cfg)
	}

	dialer := &fakeDialer{}

	p, err := New("orders-db", cfg, dialer.factory, fakeValidator, &log.NoneLogger{})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = p.Drain(context.Background(), true)
	})

	return p, dialer
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{}

	_, err := New("p", DefaultConfig(), nil, nil, &log.NoneLogger{})
	assert.ErrorIs(t, err, ErrNilFactory)

	bad := DefaultConfig()
	bad.MaxConnections = 0

	_, err = New("p", bad, dialer.factory, nil, &log.NoneLogger{})
	assert.ErrorIs(t, err, ErrInvalidMaxConnections)
}

func TestWarmUpCreatesMinConnections(t *testing.T) {
	t.Parallel()

	p, dialer := newTestPool(t, func(c *Config) {
		c.MinConnections = 2
		c.WarmUp = true
	})

	stats := p.Stats()
	assert.Equal(t, 2, stats.Idle)
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, uint64(2), stats.Created)
	assert.Equal(t, 2, dialer.count())
}

func TestAcquireReusesIdleConnection(t *testing.T) {
	t.Parallel()

	p, dialer := newTestPool(t, nil)

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)

	id := conn.ID()
	require.NoError(t, p.Release(conn))

	again, err := p.Acquire(context.Background())
	require.NoError(t, err)

	assert.Equal(t, id, again.ID())
	assert.Equal(t, 1, dialer.count())
	assert.Equal(t, int64(2), again.UseCount())
}

func TestAcquireCreatesUpToMax(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, func(c *Config) { c.MaxConnections = 2 })

	first, err := p.Acquire(context.Background())
	require.NoError(t, err)

	second, err := p.Acquire(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, first.ID(), second.ID())

	stats := p.Stats()
	assert.Equal(t, 2, stats.Active)
	assert.Equal(t, 0, stats.Idle)
}

func TestAcquireBlocksAtCapacityUntilRelease(t *testing.T) {
	t.Parallel()

	p, dialer := newTestPool(t, func(c *Config) { c.MaxConnections = 1 })

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	type result struct {
		conn *Connection
		err  error
	}

	done := make(chan result, 1)

	go func() {
		conn, acquireErr := p.Acquire(context.Background())
		done <- result{conn: conn, err: acquireErr}
	}()

	assert.Eventually(t, func() bool {
		return p.Stats().Waiting == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, p.Release(held))

	got := <-done
	require.NoError(t, got.err)
	assert.Equal(t, held.ID(), got.conn.ID())
	assert.Equal(t, 1, dialer.count())
	assert.Equal(t, uint64(1), p.Stats().DirectHandoffs)
}

func TestAcquireTimeout(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, func(c *Config) {
		c.MaxConnections = 1
		c.AcquireTimeout = 50 * time.Millisecond
	})

	_, err := p.Acquire(context.Background())
	require.NoError(t, err)

	start := time.Now()

	_, err = p.Acquire(context.Background())
	require.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrAcquireTimeout)

	var timeoutErr *AcquireTimeoutError

	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "orders-db", timeoutErr.Pool)
	assert.Equal(t, 1, timeoutErr.Stats.Active)
	assert.Equal(t, 0, timeoutErr.Stats.Idle)
	assert.Equal(t, uint64(1), p.Stats().Timeouts)
}

func TestAcquireContextCancelled(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, func(c *Config) { c.MaxConnections = 1 })

	_, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitersServedInOrder(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, func(c *Config) {
		c.MaxConnections = 1
		c.AcquireTimeout = 5 * time.Second
	})

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	order := make(chan int, 3)

	for i := 0; i < 3; i++ {
		i := i

		go func() {
			conn, acquireErr := p.Acquire(context.Background())
			require.NoError(t, acquireErr)

			order <- i

			require.NoError(t, p.Release(conn))
		}()

		// Enqueue deterministically: wait until this waiter is queued before
		// starting the next one.
		want := i + 1
		assert.Eventually(t, func() bool {
			return p.Stats().Waiting == want
		}, time.Second, time.Millisecond)
	}

	require.NoError(t, p.Release(held))

	for want := 0; want < 3; want++ {
		select {
		case got := <-order:
			assert.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatalf("waiter %d never completed", want)
		}
	}
}

func TestAcquireDestroysInvalidIdleConnection(t *testing.T) {
	t.Parallel()

	p, dialer := newTestPool(t, nil)

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Release(conn))

	conn.Raw().(*fakeConn).broken.Store(true)

	replacement, err := p.Acquire(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, conn.ID(), replacement.ID())
	assert.True(t, conn.Raw().(*fakeConn).closed.Load())
	assert.Equal(t, 2, dialer.count())
	assert.Equal(t, uint64(1), p.Stats().Destroyed)
}

func TestReleaseInvalidDestroysAndReplenishesWaiter(t *testing.T) {
	t.Parallel()

	p, dialer := newTestPool(t, func(c *Config) { c.MaxConnections = 1 })

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	done := make(chan *Connection, 1)

	go func() {
		conn, acquireErr := p.Acquire(context.Background())
		require.NoError(t, acquireErr)

		done <- conn
	}()

	assert.Eventually(t, func() bool {
		return p.Stats().Waiting == 1
	}, time.Second, time.Millisecond)

	held.Raw().(*fakeConn).broken.Store(true)
	require.NoError(t, p.Release(held))

	select {
	case replacement := <-done:
		assert.NotEqual(t, held.ID(), replacement.ID())
	case <-time.After(time.Second):
		t.Fatal("waiter never received a replacement connection")
	}

	assert.True(t, held.Raw().(*fakeConn).closed.Load())
	assert.Equal(t, 2, dialer.count())
}

func TestReleaseUnknownConnection(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, nil)

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Release(conn))

	err = p.Release(conn)
	assert.ErrorIs(t, err, ErrWrongPool)
}

func TestCreationFailureFallsThroughToWait(t *testing.T) {
	t.Parallel()

	p, dialer := newTestPool(t, func(c *Config) { c.MaxConnections = 2 })

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	dialer.setFailing(true)

	done := make(chan *Connection, 1)

	go func() {
		conn, acquireErr := p.Acquire(context.Background())
		require.NoError(t, acquireErr)

		done <- conn
	}()

	assert.Eventually(t, func() bool {
		return p.Stats().Waiting == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, p.Release(held))

	select {
	case conn := <-done:
		assert.Equal(t, held.ID(), conn.ID())
	case <-time.After(time.Second):
		t.Fatal("acquire never recovered from the failed creation")
	}

	assert.Equal(t, uint64(1), p.Stats().CreationErrors)
}

func TestCreationFailureTakesConnectionReleasedMeanwhile(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	gate := make(chan struct{})

	var calls atomic.Int32

	factory := func(context.Context) (RawConn, error) {
		if calls.Add(1) == 1 {
			return &fakeConn{}, nil
		}

		// Slow failing dial: signal the test, then hold until released.
		close(entered)
		<-gate

		return nil, errors.New("dial refused")
	}

	cfg := Config{
		MaxConnections:     2,
		AcquireTimeout:     2 * time.Second,
		ValidationInterval: time.Hour,
		DrainGracePeriod:   100 * time.Millisecond,
	}

	p, err := New("orders-db", cfg, factory, nil, &log.NoneLogger{})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = p.Drain(context.Background(), true)
	})

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	type result struct {
		conn *Connection
		err  error
	}

	done := make(chan result, 1)

	go func() {
		conn, acquireErr := p.Acquire(context.Background())
		done <- result{conn: conn, err: acquireErr}
	}()

	// The second acquirer is inside the failing factory call. Release the
	// held connection now: no waiter is queued yet, so it parks idle.
	<-entered
	require.NoError(t, p.Release(held))
	require.Equal(t, 1, p.Stats().Idle)

	close(gate)

	// The acquirer must pick up the parked connection promptly instead of
	// sleeping out its acquire timeout.
	select {
	case got := <-done:
		require.NoError(t, got.err)
		assert.Equal(t, held.ID(), got.conn.ID())
	case <-time.After(time.Second):
		t.Fatal("acquire did not find the idle connection parked during the failed dial")
	}

	assert.Equal(t, uint64(1), p.Stats().CreationErrors)
}

func TestSlowReleaseValidationPreservesWaiterOrder(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	gate := make(chan struct{})

	var blocked atomic.Bool

	validator := func(RawConn) bool {
		if blocked.CompareAndSwap(false, true) {
			close(entered)
			<-gate
		}

		return true
	}

	dialer := &fakeDialer{}

	cfg := Config{
		MaxConnections:     1,
		AcquireTimeout:     2 * time.Second,
		ValidationInterval: time.Hour,
		DrainGracePeriod:   100 * time.Millisecond,
	}

	p, err := New("orders-db", cfg, dialer.factory, validator, &log.NoneLogger{})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = p.Drain(context.Background(), true)
	})

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	order := make(chan string, 2)

	acquireAndRecord := func(label string) {
		conn, acquireErr := p.Acquire(context.Background())
		assert.NoError(t, acquireErr)

		order <- label + ":" + conn.ID()

		assert.NoError(t, p.Release(conn))
	}

	go acquireAndRecord("first")

	assert.Eventually(t, func() bool {
		return p.Stats().Waiting == 1
	}, time.Second, time.Millisecond)

	// Release with the validator stalled: the connection is out of the
	// active set but must stay reserved against capacity.
	go func() {
		assert.NoError(t, p.Release(held))
	}()

	<-entered

	// A latecomer during the validation window must queue behind the
	// earlier waiter instead of dialing a fresh connection.
	go acquireAndRecord("second")

	assert.Eventually(t, func() bool {
		return p.Stats().Waiting == 2
	}, time.Second, time.Millisecond)

	close(gate)

	assert.Equal(t, "first:"+held.ID(), <-order)
	assert.Equal(t, "second:"+held.ID(), <-order)

	stats := p.Stats()
	assert.Equal(t, uint64(0), stats.Destroyed)
	assert.Equal(t, 1, dialer.count())
}

func TestDrainFailsWaitersAndRejectsAcquires(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, func(c *Config) { c.MaxConnections = 1 })

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	waitErr := make(chan error, 1)

	go func() {
		_, acquireErr := p.Acquire(context.Background())
		waitErr <- acquireErr
	}()

	assert.Eventually(t, func() bool {
		return p.Stats().Waiting == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, p.Drain(context.Background(), true))

	assert.ErrorIs(t, <-waitErr, ErrPoolDraining)

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolDraining)

	assert.True(t, held.Raw().(*fakeConn).closed.Load())
	assert.ErrorIs(t, p.HealthCheck(context.Background()), ErrPoolDraining)

	// Idempotent.
	require.NoError(t, p.Drain(context.Background(), true))
}

func TestDrainGraceWaitsForActiveRelease(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, func(c *Config) { c.DrainGracePeriod = time.Second })

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)

		_ = p.Release(held)
	}()

	start := time.Now()
	require.NoError(t, p.Drain(context.Background(), false))

	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, held.Raw().(*fakeConn).closed.Load())
	assert.Equal(t, 0, p.Stats().Total)
}

func TestSweepReapsExpiredIdle(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, func(c *Config) {
		c.ValidationInterval = 20 * time.Millisecond
		c.IdleTimeout = 30 * time.Millisecond
	})

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Release(conn))

	assert.Eventually(t, func() bool {
		stats := p.Stats()

		return stats.Idle == 0 && stats.Destroyed == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, conn.Raw().(*fakeConn).closed.Load())
}

func TestSweepTopsUpToMinConnections(t *testing.T) {
	t.Parallel()

	p, dialer := newTestPool(t, func(c *Config) {
		c.MinConnections = 2
		c.WarmUp = true
		c.ValidationInterval = 20 * time.Millisecond
		c.IdleTimeout = 30 * time.Millisecond
	})

	require.Equal(t, 2, dialer.count())

	// Idle connections expire, and the sweep keeps restoring the floor.
	assert.Eventually(t, func() bool {
		return dialer.count() > 2 && p.Stats().Idle == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWithConnectionReleasesOnError(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, nil)

	wantErr := errors.New("query failed")

	err := p.WithConnection(context.Background(), func(_ context.Context, _ *Connection) error {
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)

	stats := p.Stats()
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, 1, stats.Idle)
}

func TestWithConnectionReleasesOnPanic(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, nil)

	assert.Panics(t, func() {
		_ = p.WithConnection(context.Background(), func(_ context.Context, _ *Connection) error {
			panic("handler exploded")
		})
	})

	stats := p.Stats()
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, 1, stats.Idle)
}

func TestUpdateConfig(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, nil)

	maxConns := 8
	require.NoError(t, p.UpdateConfig(ConfigUpdate{MaxConnections: &maxConns}))
	assert.Equal(t, 8, p.Stats().MaxConnections)

	badMin := 20
	err := p.UpdateConfig(ConfigUpdate{MinConnections: &badMin})
	assert.ErrorIs(t, err, ErrInvalidMinConnections)
	assert.Equal(t, 8, p.Stats().MaxConnections)
}

func TestShrunkCapacityDestroysOnRelease(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, func(c *Config) { c.MaxConnections = 2 })

	first, err := p.Acquire(context.Background())
	require.NoError(t, err)

	second, err := p.Acquire(context.Background())
	require.NoError(t, err)

	maxConns := 1
	require.NoError(t, p.UpdateConfig(ConfigUpdate{MaxConnections: &maxConns}))

	require.NoError(t, p.Release(first))
	assert.True(t, first.Raw().(*fakeConn).closed.Load())

	require.NoError(t, p.Release(second))
	assert.False(t, second.Raw().(*fakeConn).closed.Load())
	assert.Equal(t, 1, p.Stats().Idle)
}

func TestMonitorReceivesEvents(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, nil)

	var (
		mu     sync.Mutex
		events []Event
	)

	p.SetMonitor(func(event Event) {
		mu.Lock()
		defer mu.Unlock()

		events = append(events, event)
	})

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Release(conn))
	require.NoError(t, p.Drain(context.Background(), true))

	seen := make(map[EventType]bool)

	mu.Lock()
	for _, event := range events {
		assert.Equal(t, "orders-db", event.Pool)
		seen[event.Type] = true
	}
	mu.Unlock()

	assert.True(t, seen[EventConnectionCreated])
	assert.True(t, seen[EventConnectionAcquired])
	assert.True(t, seen[EventConnectionReleased])
	assert.True(t, seen[EventConnectionDestroyed])
	assert.True(t, seen[EventPoolDrained])
}

func TestMonitorPanicIsIsolated(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, nil)

	p.SetMonitor(func(Event) {
		panic("monitor bug")
	})

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Release(conn))

	assert.Equal(t, 1, p.Stats().Idle)
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, nil)

	assert.NoError(t, p.HealthCheck(context.Background()))
}
