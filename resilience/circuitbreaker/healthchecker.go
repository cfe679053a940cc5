package circuitbreaker

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/LerianStudio/lib-resilience/resilience/log"
)

var (
	// ErrInvalidHealthCheckInterval indicates that the health check interval must be positive
	ErrInvalidHealthCheckInterval = errors.New("circuitbreaker: health check interval must be positive")
	// ErrInvalidHealthCheckTimeout indicates that the health check timeout must be positive
	ErrInvalidHealthCheckTimeout = errors.New("circuitbreaker: health check timeout must be positive")
)

// healthChecker performs periodic health checks and manages circuit breaker recovery
type healthChecker struct {
	manager        Manager
	services       map[string]HealthCheckFunc
	interval       time.Duration
	checkTimeout   time.Duration // Timeout for individual health check operations
	logger         log.Logger
	stopChan       chan struct{}
	immediateCheck chan string // Channel to trigger immediate health check for a service
	wg             sync.WaitGroup
	mu             sync.RWMutex
}

// NewHealthChecker creates a new health checker.
// interval: how often to run health checks
// checkTimeout: timeout for each individual health check operation
func NewHealthChecker(manager Manager, interval, checkTimeout time.Duration, logger log.Logger) (HealthChecker, error) {
	if interval <= 0 {
		return nil, ErrInvalidHealthCheckInterval
	}

	if checkTimeout <= 0 {
		return nil, ErrInvalidHealthCheckTimeout
	}

	if logger == nil {
		logger = &log.NoneLogger{}
	}

	return &healthChecker{
		manager:        manager,
		services:       make(map[string]HealthCheckFunc),
		interval:       interval,
		checkTimeout:   checkTimeout,
		logger:         logger,
		stopChan:       make(chan struct{}),
		immediateCheck: make(chan string, 10),
	}, nil
}

// Register adds a service to health check
func (hc *healthChecker) Register(serviceName string, healthCheckFn HealthCheckFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.services[serviceName] = healthCheckFn
	hc.logger.Infof("Registered health check for service: %s", serviceName)
}

// Start begins the health check loop
func (hc *healthChecker) Start() {
	hc.wg.Add(1)

	go hc.healthCheckLoop()

	hc.logger.Infof("Health checker started - checking services every %v", hc.interval)
}

// Stop gracefully stops the health checker
func (hc *healthChecker) Stop() {
	close(hc.stopChan)
	hc.wg.Wait()
	hc.logger.Info("Health checker stopped")
}

func (hc *healthChecker) healthCheckLoop() {
	defer hc.wg.Done()

	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()

	// By entering the select loop immediately, the health checker is responsive
	// to immediate checks from the moment it starts.
	for {
		select {
		case <-ticker.C:
			hc.performHealthChecks()
		case serviceName := <-hc.immediateCheck:
			// Immediate health check for a specific service
			hc.logger.Debugf("Triggering immediate health check for service: %s", serviceName)
			hc.checkServiceHealth(serviceName)
		case <-hc.stopChan:
			return
		}
	}
}

func (hc *healthChecker) performHealthChecks() {
	hc.mu.RLock()
	// Create snapshot to avoid holding lock during checks
	services := make(map[string]HealthCheckFunc, len(hc.services))
	maps.Copy(services, hc.services)

	hc.mu.RUnlock()

	hc.logger.Debug("Performing health checks on registered services...")

	unhealthyCount := 0
	recoveredCount := 0

	for serviceName, healthCheckFn := range services {
		// Skip if circuit breaker is healthy
		if hc.manager.IsHealthy(serviceName) {
			continue
		}

		unhealthyCount++

		hc.logger.Infof("Attempting to heal service: %s (circuit breaker is open)", serviceName)

		ctx, cancel := context.WithTimeout(context.Background(), hc.checkTimeout)
		err := healthCheckFn(ctx)

		cancel()

		if err == nil {
			hc.logger.Infof("Service %s recovered - resetting circuit breaker", serviceName)
			hc.manager.Reset(serviceName)

			recoveredCount++
		} else {
			hc.logger.Warnf("Service %s still unhealthy: %v - will retry in %v", serviceName, err, hc.interval)
		}
	}

	if unhealthyCount > 0 {
		hc.logger.Infof("Health check complete: %d services needed healing, %d recovered", unhealthyCount, recoveredCount)
	} else {
		hc.logger.Debug("All services healthy")
	}
}

// GetHealthStatus returns the current health status of all services
func (hc *healthChecker) GetHealthStatus() map[string]string {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	status := make(map[string]string)

	for serviceName := range hc.services {
		cbState := hc.manager.GetState(serviceName)
		status[serviceName] = string(cbState)
	}

	return status
}

// OnStateChange implements the StateChangeListener interface.
// If a circuit just opened, an immediate health check is scheduled so
// recovery is not delayed by a full interval.
func (hc *healthChecker) OnStateChange(serviceName string, transition Transition) {
	hc.logger.Debugf("Health checker notified of state change for %s: %s -> %s (%s)",
		serviceName, transition.From, transition.To, transition.Cause)

	if transition.To != StateOpen {
		return
	}

	hc.logger.Infof("Circuit breaker opened for %s - scheduling immediate health check", serviceName)

	// Non-blocking send to avoid deadlock
	select {
	case hc.immediateCheck <- serviceName:
		hc.logger.Debugf("Immediate health check scheduled for %s", serviceName)
	default:
		hc.logger.Warnf("Immediate health check channel full for %s, will check on next interval", serviceName)
	}
}

// checkServiceHealth performs a health check on a specific service
func (hc *healthChecker) checkServiceHealth(serviceName string) {
	hc.mu.RLock()
	healthCheckFn, exists := hc.services[serviceName]
	hc.mu.RUnlock()

	if !exists {
		hc.logger.Warnf("No health check function registered for service: %s", serviceName)
		return
	}

	// Skip if circuit breaker is already healthy
	if hc.manager.IsHealthy(serviceName) {
		hc.logger.Debugf("Service %s is already healthy, skipping check", serviceName)
		return
	}

	hc.logger.Infof("Attempting to heal service: %s (circuit breaker is open)", serviceName)

	ctx, cancel := context.WithTimeout(context.Background(), hc.checkTimeout)
	err := healthCheckFn(ctx)

	cancel()

	if err == nil {
		hc.logger.Infof("Service %s recovered - resetting circuit breaker", serviceName)
		hc.manager.Reset(serviceName)
	} else {
		hc.logger.Warnf("Service %s still unhealthy: %v - will retry in %v", serviceName, err, hc.interval)
	}
}
