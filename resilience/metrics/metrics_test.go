package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/LerianStudio/lib-resilience/resilience/circuitbreaker"
	"github.com/LerianStudio/lib-resilience/resilience/log"
	"github.com/LerianStudio/lib-resilience/resilience/pool"
)

type nopConn struct{}

func (nopConn) Close() error { return nil }

func newTestRecorder(t *testing.T) (*Recorder, *sdkmetric.ManualReader) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	t.Cleanup(func() {
		_ = provider.Shutdown(context.Background())
	})

	recorder, err := NewRecorder(provider)
	require.NoError(t, err)

	return recorder, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics

	require.NoError(t, reader.Collect(context.Background(), &rm))

	byName := make(map[string]metricdata.Metrics)

	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			byName[m.Name] = m
		}
	}

	return byName
}

func counterTotal(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()

	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "expected an int64 sum, got %T", m.Data)

	var total int64

	for _, dp := range sum.DataPoints {
		total += dp.Value
	}

	return total
}

func TestPoolMonitorRecordsEvents(t *testing.T) {
	recorder, reader := newTestRecorder(t)

	monitor := recorder.PoolMonitor()
	monitor(pool.Event{Type: pool.EventConnectionCreated, Pool: "orders-db"})
	monitor(pool.Event{Type: pool.EventConnectionAcquired, Pool: "orders-db"})
	monitor(pool.Event{Type: pool.EventConnectionDestroyed, Pool: "orders-db", Reason: pool.ReasonInvalid})

	byName := collect(t, reader)

	events, ok := byName["resilience.pool.events"]
	require.True(t, ok)
	assert.Equal(t, int64(3), counterTotal(t, events))
}

func TestOnStateChangeRecordsTransitions(t *testing.T) {
	recorder, reader := newTestRecorder(t)

	recorder.OnStateChange("ledger", circuitbreaker.Transition{
		From:          circuitbreaker.StateClosed,
		To:            circuitbreaker.StateOpen,
		Cause:         "failure threshold reached",
		ElapsedInFrom: 5 * time.Second,
	})
	recorder.OnStateChange("ledger", circuitbreaker.Transition{
		From:          circuitbreaker.StateOpen,
		To:            circuitbreaker.StateHalfOpen,
		Cause:         "reset timeout elapsed",
		ElapsedInFrom: 30 * time.Second,
	})

	byName := collect(t, reader)

	transitions, ok := byName["resilience.circuitbreaker.transitions"]
	require.True(t, ok)
	assert.Equal(t, int64(2), counterTotal(t, transitions))

	duration, ok := byName["resilience.circuitbreaker.state.duration"]
	require.True(t, ok)

	hist, ok := duration.Data.(metricdata.Histogram[float64])
	require.True(t, ok)

	var count uint64

	for _, dp := range hist.DataPoints {
		count += dp.Count
	}

	assert.Equal(t, uint64(2), count)

	// Left the open state: the open-circuit gauge nets out to zero.
	open, ok := byName["resilience.circuitbreaker.open"]
	require.True(t, ok)
	assert.Equal(t, int64(0), counterTotal(t, open))
}

func TestObservePoolReportsGauges(t *testing.T) {
	recorder, reader := newTestRecorder(t)

	p, err := pool.New("orders-db", pool.DefaultConfig(),
		func(context.Context) (pool.RawConn, error) { return nopConn{}, nil },
		nil, &log.NoneLogger{})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = p.Drain(context.Background(), true)
	})

	registration, err := recorder.ObservePool(p)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = registration.Unregister()
	})

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)

	byName := collect(t, reader)

	active, ok := byName["resilience.pool.connections.active"]
	require.True(t, ok)

	gauge, ok := active.Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, int64(1), gauge.DataPoints[0].Value)

	require.NoError(t, p.Release(conn))

	byName = collect(t, reader)

	active, ok = byName["resilience.pool.connections.active"]
	require.True(t, ok)

	gauge, ok = active.Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, int64(0), gauge.DataPoints[0].Value)

	idle, ok := byName["resilience.pool.connections.idle"]
	require.True(t, ok)

	gauge, ok = idle.Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, gauge.DataPoints[0].Value, int64(p.Stats().Idle))
}

func TestNewRecorderUsesGlobalProviderWhenNil(t *testing.T) {
	recorder, err := NewRecorder(nil)
	require.NoError(t, err)
	assert.NotNil(t, recorder)
}
