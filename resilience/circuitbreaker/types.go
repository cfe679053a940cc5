package circuitbreaker

import (
	"context"
	"time"
)

// State represents circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
	StateUnknown  State = "unknown"
)

// Transition describes a single state change. ElapsedInFrom is the time the
// breaker spent in the previous state before transitioning.
type Transition struct {
	From          State
	To            State
	Cause         string
	ElapsedInFrom time.Duration
}

// StateChangeListener is notified when a circuit breaker changes state.
type StateChangeListener interface {
	// OnStateChange is called when the breaker for serviceName transitions.
	OnStateChange(serviceName string, transition Transition)
}

// Stats is a point-in-time snapshot of a breaker's counters.
type Stats struct {
	Service          string
	State            State
	FailureCount     uint32
	SuccessCount     uint32
	HalfOpenAttempts uint32
	LastFailureTime  time.Time
	NextResetTime    time.Time
	SinceTransition  time.Duration
}

// Manager manages circuit breakers for external services.
type Manager interface {
	// GetOrCreate returns the existing circuit breaker or creates a new one.
	GetOrCreate(serviceName string, config Config) (*CircuitBreaker, error)

	// Execute runs a function through the named circuit breaker.
	Execute(serviceName string, fn func() (any, error)) (any, error)

	// GetState returns the current state, or StateUnknown for unknown services.
	GetState(serviceName string) State

	// GetStats returns the current counters for a circuit breaker.
	GetStats(serviceName string) Stats

	// IsHealthy returns true if the circuit breaker is closed.
	IsHealthy(serviceName string) bool

	// Trip forces the named breaker open.
	Trip(serviceName string)

	// Reset resets the named breaker to the closed state.
	Reset(serviceName string)

	// RegisterStateChangeListener registers a listener for state changes
	// of every breaker owned by this manager.
	RegisterStateChangeListener(listener StateChangeListener)
}

// HealthChecker performs periodic health checks on services and manages
// circuit breaker recovery.
type HealthChecker interface {
	// Register adds a service to health check.
	Register(serviceName string, healthCheckFn HealthCheckFunc)

	// Start begins the health check loop in a separate goroutine.
	Start()

	// Stop gracefully stops the health checker.
	Stop()

	// GetHealthStatus returns the current health status of all services.
	GetHealthStatus() map[string]string

	// StateChangeListener interface to receive circuit breaker state change notifications.
	StateChangeListener
}

// HealthCheckFunc defines a function that checks service health.
type HealthCheckFunc func(ctx context.Context) error
