// Package metrics bridges pool and circuit breaker observability hooks onto
// OpenTelemetry instruments.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/LerianStudio/lib-resilience/resilience/circuitbreaker"
	"github.com/LerianStudio/lib-resilience/resilience/pool"
)

const meterName = "github.com/LerianStudio/lib-resilience"

// Recorder records resilience events as OpenTelemetry metrics. It plugs into
// a pool as a Monitor and into a circuit breaker manager as a
// StateChangeListener.
type Recorder struct {
	meter        metric.Meter
	poolEvents   metric.Int64Counter
	transitions  metric.Int64Counter
	timeInState  metric.Float64Histogram
	openCircuits metric.Int64UpDownCounter
	poolActive   metric.Int64ObservableGauge
	poolIdle     metric.Int64ObservableGauge
	poolWaiting  metric.Int64ObservableGauge
}

// NewRecorder builds a recorder on the given meter provider. A nil provider
// falls back to the global one.
func NewRecorder(provider metric.MeterProvider) (*Recorder, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter(meterName)

	poolEvents, err := meter.Int64Counter("resilience.pool.events",
		metric.WithDescription("Connection pool lifecycle events"))
	if err != nil {
		return nil, fmt.Errorf("failed to create pool events counter: %w", err)
	}

	transitions, err := meter.Int64Counter("resilience.circuitbreaker.transitions",
		metric.WithDescription("Circuit breaker state transitions"))
	if err != nil {
		return nil, fmt.Errorf("failed to create transitions counter: %w", err)
	}

	timeInState, err := meter.Float64Histogram("resilience.circuitbreaker.state.duration",
		metric.WithDescription("Seconds spent in the previous breaker state"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("failed to create state duration histogram: %w", err)
	}

	openCircuits, err := meter.Int64UpDownCounter("resilience.circuitbreaker.open",
		metric.WithDescription("Number of currently open circuits"))
	if err != nil {
		return nil, fmt.Errorf("failed to create open circuits counter: %w", err)
	}

	poolActive, err := meter.Int64ObservableGauge("resilience.pool.connections.active",
		metric.WithDescription("Connections currently lent out"))
	if err != nil {
		return nil, fmt.Errorf("failed to create active connections gauge: %w", err)
	}

	poolIdle, err := meter.Int64ObservableGauge("resilience.pool.connections.idle",
		metric.WithDescription("Connections currently idle"))
	if err != nil {
		return nil, fmt.Errorf("failed to create idle connections gauge: %w", err)
	}

	poolWaiting, err := meter.Int64ObservableGauge("resilience.pool.waiters",
		metric.WithDescription("Callers queued for a connection"))
	if err != nil {
		return nil, fmt.Errorf("failed to create waiters gauge: %w", err)
	}

	return &Recorder{
		meter:        meter,
		poolEvents:   poolEvents,
		transitions:  transitions,
		timeInState:  timeInState,
		openCircuits: openCircuits,
		poolActive:   poolActive,
		poolIdle:     poolIdle,
		poolWaiting:  poolWaiting,
	}, nil
}

// ObservePool registers gauge callbacks reading the pool's stats snapshot on
// every collection. The returned registration unhooks the pool, typically
// before draining it.
func (r *Recorder) ObservePool(p *pool.Pool) (metric.Registration, error) {
	return r.meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		stats := p.Stats()
		attrs := metric.WithAttributes(attribute.String("pool", stats.Pool))

		observer.ObserveInt64(r.poolActive, int64(stats.Active), attrs)
		observer.ObserveInt64(r.poolIdle, int64(stats.Idle), attrs)
		observer.ObserveInt64(r.poolWaiting, int64(stats.Waiting), attrs)

		return nil
	}, r.poolActive, r.poolIdle, r.poolWaiting)
}

// PoolMonitor returns a pool.Monitor that counts pool events by type and
// reason.
func (r *Recorder) PoolMonitor() pool.Monitor {
	return func(event pool.Event) {
		attrs := []attribute.KeyValue{
			attribute.String("pool", event.Pool),
			attribute.String("event", string(event.Type)),
		}

		if event.Reason != "" {
			attrs = append(attrs, attribute.String("reason", event.Reason))
		}

		r.poolEvents.Add(context.Background(), 1, metric.WithAttributes(attrs...))
	}
}

// OnStateChange implements circuitbreaker.StateChangeListener.
func (r *Recorder) OnStateChange(serviceName string, transition circuitbreaker.Transition) {
	ctx := context.Background()

	attrs := metric.WithAttributes(
		attribute.String("service", serviceName),
		attribute.String("from", string(transition.From)),
		attribute.String("to", string(transition.To)),
		attribute.String("cause", transition.Cause),
	)

	r.transitions.Add(ctx, 1, attrs)
	r.timeInState.Record(ctx, transition.ElapsedInFrom.Seconds(),
		metric.WithAttributes(
			attribute.String("service", serviceName),
			attribute.String("state", string(transition.From)),
		))

	serviceAttr := metric.WithAttributes(attribute.String("service", serviceName))

	switch {
	case transition.To == circuitbreaker.StateOpen && transition.From != circuitbreaker.StateOpen:
		r.openCircuits.Add(ctx, 1, serviceAttr)
	case transition.From == circuitbreaker.StateOpen && transition.To != circuitbreaker.StateOpen:
		r.openCircuits.Add(ctx, -1, serviceAttr)
	}
}
