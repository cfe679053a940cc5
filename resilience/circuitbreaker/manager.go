package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"

	"github.com/LerianStudio/lib-resilience/resilience/log"
	"github.com/LerianStudio/lib-resilience/resilience/runtime"
)

type manager struct {
	breakers  map[string]*CircuitBreaker
	listeners []StateChangeListener
	mu        sync.RWMutex
	logger    log.Logger
}

// NewManager creates a new circuit breaker manager.
func NewManager(logger log.Logger) Manager {
	if logger == nil {
		logger = &log.NoneLogger{}
	}

	return &manager{
		breakers:  make(map[string]*CircuitBreaker),
		listeners: make([]StateChangeListener, 0),
		logger:    logger,
	}
}

func (m *manager) GetOrCreate(serviceName string, config Config) (*CircuitBreaker, error) {
	m.mu.RLock()
	breaker, exists := m.breakers[serviceName]
	m.mu.RUnlock()

	if exists {
		return breaker, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if breaker, exists = m.breakers[serviceName]; exists {
		return breaker, nil
	}

	breaker, err := New(serviceName, config, m.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create circuit breaker for service %s: %w", serviceName, err)
	}

	breaker.SetOnTransition(func(tr Transition) {
		m.handleTransition(serviceName, tr)
	})

	m.breakers[serviceName] = breaker

	m.logger.Infof("Created circuit breaker for service: %s", serviceName)

	return breaker, nil
}

func (m *manager) Execute(serviceName string, fn func() (any, error)) (any, error) {
	breaker := m.get(serviceName)
	if breaker == nil {
		return nil, fmt.Errorf("circuit breaker not found for service: %s (call GetOrCreate first)", serviceName)
	}

	result, err := breaker.Execute(fn)
	if err != nil {
		var openErr *OpenCircuitError
		if errors.As(err, &openErr) {
			m.logger.Warnf("Circuit breaker [%s] is %s - request rejected immediately", serviceName, openErr.State)
		}
	}

	return result, err
}

func (m *manager) GetState(serviceName string) State {
	breaker := m.get(serviceName)
	if breaker == nil {
		return StateUnknown
	}

	return breaker.State()
}

func (m *manager) GetStats(serviceName string) Stats {
	breaker := m.get(serviceName)
	if breaker == nil {
		return Stats{Service: serviceName, State: StateUnknown}
	}

	return breaker.Stats()
}

func (m *manager) IsHealthy(serviceName string) bool {
	state := m.GetState(serviceName)
	// Only CLOSED state is considered healthy.
	// OPEN and HALF-OPEN both need health checker intervention.
	isHealthy := state == StateClosed
	m.logger.Debugf("IsHealthy check: service=%s, state=%s, isHealthy=%v", serviceName, state, isHealthy)

	return isHealthy
}

func (m *manager) Trip(serviceName string) {
	if breaker := m.get(serviceName); breaker != nil {
		m.logger.Infof("Manually tripping circuit breaker for service: %s", serviceName)
		breaker.Trip()
	}
}

func (m *manager) Reset(serviceName string) {
	if breaker := m.get(serviceName); breaker != nil {
		m.logger.Infof("Resetting circuit breaker for service: %s", serviceName)
		breaker.Reset()
	}
}

// RegisterStateChangeListener registers a listener for state change notifications.
func (m *manager) RegisterStateChangeListener(listener StateChangeListener) {
	if listener == nil {
		m.logger.Warnf("Attempted to register a nil state change listener")

		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.listeners = append(m.listeners, listener)
	m.logger.Debugf("Registered state change listener (total: %d)", len(m.listeners))
}

func (m *manager) get(serviceName string) *CircuitBreaker {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.breakers[serviceName]
}

// handleTransition logs state changes and notifies listeners.
func (m *manager) handleTransition(serviceName string, tr Transition) {
	switch tr.To {
	case StateOpen:
		m.logger.Errorf("Circuit Breaker [%s] OPENED (%s) - requests will fast-fail", serviceName, tr.Cause)
	case StateHalfOpen:
		m.logger.Infof("Circuit Breaker [%s] HALF-OPEN - testing service recovery", serviceName)
	case StateClosed:
		m.logger.Infof("Circuit Breaker [%s] CLOSED - service is healthy", serviceName)
	}

	m.mu.RLock()
	listeners := make([]StateChangeListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.RUnlock()

	for _, listener := range listeners {
		// Notify in a goroutine so a slow or panicking listener cannot
		// block circuit breaker operations.
		l := listener

		runtime.Go(m.logger, "circuitbreaker", "listener", func() {
			l.OnStateChange(serviceName, tr)
		})
	}
}
