package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LerianStudio/lib-resilience/resilience/log"
)

// ErrOpenCircuit is the sentinel wrapped by every fast-fail rejection.
var ErrOpenCircuit = errors.New("circuitbreaker: circuit is open")

// OpenCircuitError is returned when a call is rejected without invoking the
// wrapped function. RetryAfter is zero when recovery depends on a manual
// reset or on other probes completing.
type OpenCircuitError struct {
	Service    string
	State      State
	RetryAfter time.Duration
}

// Error returns the formatted rejection message.
func (e *OpenCircuitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("circuitbreaker: service %s unavailable (state %s, retry after %s)",
			e.Service, e.State, e.RetryAfter)
	}

	return fmt.Sprintf("circuitbreaker: service %s unavailable (state %s)", e.Service, e.State)
}

// Unwrap returns the sentinel for errors.Is.
func (e *OpenCircuitError) Unwrap() error { return ErrOpenCircuit }

// CircuitBreaker is a deterministic closed/open/half-open state machine.
//
// All state is guarded by a single mutex per instance. Listener callbacks are
// never invoked while the mutex is held.
type CircuitBreaker struct {
	name   string
	logger log.Logger
	nowFn  func() time.Time

	mu               sync.Mutex
	config           Config
	state            State
	failureCount     uint32
	successCount     uint32
	halfOpenAttempts uint32
	lastFailureTime  time.Time
	nextResetTime    time.Time
	stateSince       time.Time
	onTransition     func(Transition)
}

// New creates a circuit breaker in the closed state.
func New(name string, config Config, logger log.Logger) (*CircuitBreaker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = &log.NoneLogger{}
	}

	cb := &CircuitBreaker{
		name:   name,
		logger: logger,
		nowFn:  time.Now,
		config: config,
		state:  StateClosed,
	}
	cb.stateSince = cb.nowFn()

	return cb, nil
}

// SetOnTransition registers a callback invoked after every state change.
// The callback runs outside the breaker's critical section.
func (cb *CircuitBreaker) SetOnTransition(fn func(Transition)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.onTransition = fn
}

// Execute checks eligibility, runs fn, and records the outcome. When the
// breaker is ineligible it fails fast with an OpenCircuitError and fn is
// never invoked.
func (cb *CircuitBreaker) Execute(fn func() (any, error)) (any, error) {
	if err := cb.Allow(); err != nil {
		return nil, err
	}

	result, err := fn()
	if err != nil {
		cb.RecordFailure()
		return nil, err
	}

	cb.RecordSuccess()

	return result, nil
}

// Allow reports whether a call may proceed right now. In the open state it
// lazily transitions to half-open once the reset timeout has elapsed; in the
// half-open state it consumes one probe slot per call until the budget is
// spent.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()

	now := cb.nowFn()

	var (
		tr  *Transition
		err error
	)

	switch cb.state {
	case StateClosed:
		// normal traffic
	case StateOpen:
		if !now.Before(cb.nextResetTime) {
			tr = cb.transitionLocked(StateHalfOpen, "reset timeout elapsed", now)
			cb.halfOpenAttempts = 1
		} else {
			err = &OpenCircuitError{Service: cb.name, State: cb.state, RetryAfter: cb.nextResetTime.Sub(now)}
		}
	case StateHalfOpen:
		if cb.halfOpenAttempts < cb.config.HalfOpenMaxAttempts {
			cb.halfOpenAttempts++
		} else {
			err = &OpenCircuitError{Service: cb.name, State: cb.state}
		}
	}

	cb.mu.Unlock()

	if tr != nil {
		cb.notify(*tr)
	}

	return err
}

// RecordSuccess records a successful call. In the closed state it clears the
// consecutive-failure count; in the half-open state it may close the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()

	now := cb.nowFn()

	var tr *Transition

	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
		cb.successCount++
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			tr = cb.transitionLocked(StateClosed, "success threshold reached", now)
		}
	case StateOpen:
		// late completion of a call admitted before the circuit opened
	}

	cb.mu.Unlock()

	if tr != nil {
		cb.notify(*tr)
	}
}

// RecordFailure records a failed call. In the closed state it may open the
// circuit once the failure threshold is reached; in the half-open state any
// failure reopens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()

	now := cb.nowFn()
	cb.lastFailureTime = now

	var tr *Transition

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			tr = cb.transitionLocked(StateOpen, "failure threshold reached", now)
			cb.nextResetTime = now.Add(cb.config.ResetTimeout)
		}
	case StateHalfOpen:
		tr = cb.transitionLocked(StateOpen, "failure during half-open probe", now)
		cb.nextResetTime = now.Add(cb.config.ResetTimeout)
	case StateOpen:
		// late completion of a call admitted before the circuit opened
	}

	cb.mu.Unlock()

	if tr != nil {
		cb.notify(*tr)
	}
}

// Trip forces the breaker open regardless of counters.
func (cb *CircuitBreaker) Trip() {
	cb.mu.Lock()

	now := cb.nowFn()

	var tr *Transition

	if cb.state != StateOpen {
		tr = cb.transitionLocked(StateOpen, "manual trip", now)
	}

	cb.nextResetTime = now.Add(cb.config.ResetTimeout)

	cb.mu.Unlock()

	if tr != nil {
		cb.notify(*tr)
	}
}

// Reset forces the breaker closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()

	now := cb.nowFn()

	var tr *Transition

	if cb.state != StateClosed {
		tr = cb.transitionLocked(StateClosed, "manual reset", now)
	} else {
		cb.failureCount = 0
		cb.successCount = 0
	}

	cb.mu.Unlock()

	if tr != nil {
		cb.notify(*tr)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.state
}

// Healthy reports whether the breaker is closed. Open and half-open both
// count as unhealthy because traffic is still restricted.
func (cb *CircuitBreaker) Healthy() bool {
	return cb.State() == StateClosed
}

// Stats returns a snapshot of the breaker's counters.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		Service:          cb.name,
		State:            cb.state,
		FailureCount:     cb.failureCount,
		SuccessCount:     cb.successCount,
		HalfOpenAttempts: cb.halfOpenAttempts,
		LastFailureTime:  cb.lastFailureTime,
		NextResetTime:    cb.nextResetTime,
		SinceTransition:  cb.nowFn().Sub(cb.stateSince),
	}
}

// UpdateConfig applies a partial configuration change. The merged config must
// still validate; thresholds apply from the next recorded outcome.
func (cb *CircuitBreaker) UpdateConfig(update ConfigUpdate) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	merged := update.apply(cb.config)
	if err := merged.Validate(); err != nil {
		return err
	}

	cb.config = merged
	cb.logger.Infof("Circuit breaker [%s] configuration updated", cb.name)

	return nil
}

// transitionLocked moves the breaker to a new state, zeroing both counters
// and the probe budget. Caller must hold cb.mu. The returned Transition must
// be emitted by the caller after unlocking.
func (cb *CircuitBreaker) transitionLocked(to State, cause string, now time.Time) *Transition {
	tr := &Transition{
		From:          cb.state,
		To:            to,
		Cause:         cause,
		ElapsedInFrom: now.Sub(cb.stateSince),
	}

	cb.state = to
	cb.stateSince = now
	cb.failureCount = 0
	cb.successCount = 0
	cb.halfOpenAttempts = 0

	return tr
}

func (cb *CircuitBreaker) notify(tr Transition) {
	cb.logger.Warnf("Circuit breaker [%s] state changed: %s -> %s (%s, spent %v in %s)",
		cb.name, tr.From, tr.To, tr.Cause, tr.ElapsedInFrom, tr.From)

	cb.mu.Lock()
	onTransition := cb.onTransition
	cb.mu.Unlock()

	if onTransition != nil {
		onTransition(tr)
	}
}
