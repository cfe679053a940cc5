package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LerianStudio/lib-resilience/resilience/backoff"
	"github.com/LerianStudio/lib-resilience/resilience/circuitbreaker"
	"github.com/LerianStudio/lib-resilience/resilience/log"
)

// ErrExhausted marks a failure after all attempts were consumed.
var ErrExhausted = errors.New("retry: attempts exhausted")

// ExhaustedError is returned when every attempt failed. It wraps the last
// underlying error.
type ExhaustedError struct {
	Strategy string
	Attempts int
	Elapsed  time.Duration
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry %s: exhausted after %d attempts in %s: %v",
		e.Strategy, e.Attempts, e.Elapsed, e.Err)
}

// Unwrap exposes the last underlying error to errors.Is and errors.As.
func (e *ExhaustedError) Unwrap() error { return e.Err }

// Is reports a match against the ErrExhausted sentinel.
func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

// Context describes the state of an ongoing retry loop. It is passed to the
// decision function and to the OnRetry hook.
type Context struct {
	Attempt     int
	MaxAttempts int
	LastErr     error
	StartTime   time.Time
	Elapsed     time.Duration
	IsRetry     bool
}

// Decision is the outcome of a retry-decision function.
type Decision struct {
	Retry  bool
	Delay  time.Duration
	Reason string
}

// DecisionFunc decides whether a failed attempt should be retried and after
// how long. rctx.Attempt is the attempt that just failed.
type DecisionFunc func(err error, rctx Context) Decision

// Stats is a snapshot of strategy counters.
type Stats struct {
	Strategy  string
	Calls     uint64
	Successes uint64
	Retries   uint64
	Exhausted uint64
	Rejected  uint64
}

// Strategy runs operations with retries. Safe for concurrent use.
type Strategy struct {
	name   string
	logger log.Logger

	mu     sync.RWMutex
	config Config
	decide DecisionFunc

	calls     uint64
	successes uint64
	retries   uint64
	exhausted uint64
	rejected  uint64

	// sleepFn is swapped in tests to avoid real delays.
	sleepFn func(ctx context.Context, d time.Duration) error
}

// New creates a retry strategy. The default decision function classifies the
// error against the configured allow-list and computes the delay from the
// configured policy.
func New(name string, config Config, logger log.Logger) (*Strategy, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = &log.NoneLogger{}
	}

	s := &Strategy{
		name:    name,
		logger:  logger,
		config:  config,
		sleepFn: backoff.SleepWithContext,
	}
	s.decide = s.defaultDecision

	return s, nil
}

// Name returns the strategy identity used in errors and logs.
func (s *Strategy) Name() string { return s.name }

// SetDecisionFunc replaces the retry-decision function. Passing nil restores
// the default.
func (s *Strategy) SetDecisionFunc(decide DecisionFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if decide == nil {
		decide = s.defaultDecision
	}

	s.decide = decide
}

// Execute runs fn, retrying failures according to the decision function until
// fn succeeds, the decision says stop, attempts run out, or ctx is done.
// The attempt number inside rctx starts at 1.
func (s *Strategy) Execute(ctx context.Context, fn func(ctx context.Context, rctx Context) error) error {
	s.mu.RLock()
	maxAttempts := s.config.MaxAttempts
	decide := s.decide
	s.mu.RUnlock()

	s.count(&s.calls)

	start := time.Now()

	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		rctx := Context{
			Attempt:     attempt,
			MaxAttempts: maxAttempts,
			LastErr:     lastErr,
			StartTime:   start,
			Elapsed:     time.Since(start),
			IsRetry:     attempt > 1,
		}

		lastErr = fn(ctx, rctx)
		if lastErr == nil {
			s.count(&s.successes)

			return nil
		}

		if attempt == maxAttempts {
			break
		}

		rctx.LastErr = lastErr
		rctx.Elapsed = time.Since(start)

		decision := decide(lastErr, rctx)
		if !decision.Retry {
			s.count(&s.rejected)
			s.logger.Debugf("Retry [%s] attempt %d/%d not retried (%s): %v",
				s.name, attempt, maxAttempts, decision.Reason, lastErr)

			return lastErr
		}

		s.count(&s.retries)
		s.logger.Infof("Retry [%s] attempt %d/%d failed, retrying in %s (%s): %v",
			s.name, attempt, maxAttempts, decision.Delay, decision.Reason, lastErr)

		if err := s.sleepFn(ctx, decision.Delay); err != nil {
			return fmt.Errorf("retry %s: aborted while waiting to retry: %w", s.name, err)
		}
	}

	s.count(&s.exhausted)

	return &ExhaustedError{
		Strategy: s.name,
		Attempts: maxAttempts,
		Elapsed:  time.Since(start),
		Err:      lastErr,
	}
}

// Stats returns a snapshot of strategy counters.
func (s *Strategy) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		Strategy:  s.name,
		Calls:     s.calls,
		Successes: s.successes,
		Retries:   s.retries,
		Exhausted: s.exhausted,
		Rejected:  s.rejected,
	}
}

// HealthCheck reports whether the strategy is usable.
func (s *Strategy) HealthCheck(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.config.Validate()
}

// UpdateConfig applies a partial configuration change. The merged config must
// still validate.
func (s *Strategy) UpdateConfig(update ConfigUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := update.apply(s.config)
	if err := merged.Validate(); err != nil {
		return err
	}

	s.config = merged

	return nil
}

// defaultDecision classifies the error and computes the policy delay.
func (s *Strategy) defaultDecision(err error, rctx Context) Decision {
	s.mu.RLock()
	config := s.config
	s.mu.RUnlock()

	if !classify(config, err) {
		return Decision{Retry: false, Reason: "error not retryable"}
	}

	return Decision{Retry: true, Delay: s.delay(config, rctx.Attempt), Reason: string(config.Policy)}
}

// classify reports whether err is worth retrying under config. RetryIf takes
// full precedence; then the allow-list; with neither set, everything is
// retryable except an open circuit, since retrying into an open breaker only
// wastes time.
func classify(config Config, err error) bool {
	if config.RetryIf != nil {
		return config.RetryIf(err)
	}

	if len(config.RetryableErrors) > 0 {
		for _, allowed := range config.RetryableErrors {
			if errors.Is(err, allowed) {
				return true
			}
		}

		return false
	}

	return !errors.Is(err, circuitbreaker.ErrOpenCircuit)
}

// delay computes the backoff for the retry that follows the given failed
// attempt, capped at MaxDelay.
func (s *Strategy) delay(config Config, attempt int) time.Duration {
	var d time.Duration

	switch config.Policy {
	case PolicyFixed:
		d = config.InitialDelay
	case PolicyLinear:
		d = backoff.Linear(config.InitialDelay, attempt-1)
	case PolicyExponential:
		d = backoff.Exponential(config.InitialDelay, attempt-1)
	case PolicyFibonacci:
		d = backoff.Fibonacci(config.InitialDelay, attempt-1)
	case PolicyCustom:
		d = config.DelayFn(attempt)
	}

	if config.MaxDelay > 0 && d > config.MaxDelay {
		d = config.MaxDelay
	}

	if config.Jitter {
		d = backoff.FullJitter(d)
	}

	return d
}

func (s *Strategy) count(counter *uint64) {
	s.mu.Lock()
	*counter++
	s.mu.Unlock()
}
