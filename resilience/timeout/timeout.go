package timeout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LerianStudio/lib-resilience/resilience/log"
	"github.com/LerianStudio/lib-resilience/resilience/runtime"
)

var (
	// ErrTimeout marks a hard deadline failure. Typed details travel in
	// TimeoutError.
	ErrTimeout = errors.New("timeout: deadline exceeded")

	// TimedOut is the soft-timeout sentinel. It means "no answer", not
	// failure: callers opting into soft timeouts must never treat it as a
	// successful empty result.
	TimedOut = errors.New("timeout: timed out without an answer")

	// ErrInvalidTimeout indicates a timeout must be positive.
	ErrInvalidTimeout = errors.New("timeout: duration must be positive")

	// ErrEmptyName indicates a registration needs an operation name.
	ErrEmptyName = errors.New("timeout: operation name must not be empty")
)

// TimeoutError is returned when an operation exceeds its hard deadline.
type TimeoutError struct {
	Operation string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Operation == "" {
		return fmt.Sprintf("operation timed out after %s", e.Timeout)
	}

	return fmt.Sprintf("operation %s timed out after %s", e.Operation, e.Timeout)
}

// Unwrap exposes the sentinel to errors.Is.
func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// Options tunes a single Execute call. Zero values defer to the manager's
// per-name registrations and global default.
type Options struct {
	// Name selects a registered per-operation timeout and labels errors.
	Name string
	// Timeout overrides every registration for this call when positive.
	Timeout time.Duration
	// SoftTimeout resolves a deadline miss to the TimedOut sentinel instead
	// of a TimeoutError.
	SoftTimeout bool
	// Cleanup runs best-effort when the deadline wins the race.
	Cleanup func()
}

// Stats is a snapshot of manager counters.
type Stats struct {
	DefaultTimeout time.Duration
	Registrations  int
	Executions     uint64
	Timeouts       uint64
	SoftTimeouts   uint64
}

// ConfigUpdate carries a partial configuration change. Nil fields keep the
// current value.
type ConfigUpdate struct {
	DefaultTimeout *time.Duration
}

// Manager resolves deadlines and races operations against them. Safe for
// concurrent use.
type Manager struct {
	logger log.Logger

	mu             sync.RWMutex
	defaultTimeout time.Duration
	overrides      map[string]time.Duration

	executions   uint64
	timeouts     uint64
	softTimeouts uint64
}

// NewManager creates a manager with the given global default deadline.
func NewManager(defaultTimeout time.Duration, logger log.Logger) (*Manager, error) {
	if defaultTimeout <= 0 {
		return nil, ErrInvalidTimeout
	}

	if logger == nil {
		logger = &log.NoneLogger{}
	}

	return &Manager{
		logger:         logger,
		defaultTimeout: defaultTimeout,
		overrides:      make(map[string]time.Duration),
	}, nil
}

// Register sets a per-operation-name deadline that takes precedence over the
// global default. Re-registering a name replaces the previous value.
func (m *Manager) Register(name string, timeout time.Duration) error {
	if name == "" {
		return ErrEmptyName
	}

	if timeout <= 0 {
		return ErrInvalidTimeout
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.overrides[name] = timeout

	return nil
}

// Unregister removes a per-operation deadline, restoring the global default.
func (m *Manager) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.overrides, name)
}

// TimeoutFor resolves the deadline for an operation name: registration first,
// global default otherwise.
func (m *Manager) TimeoutFor(name string) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if timeout, ok := m.overrides[name]; ok {
		return timeout
	}

	return m.defaultTimeout
}

// Context derives a context carrying the deadline resolved for name. It is
// the cooperative-cancellation path: consumers that honor context deadlines
// should prefer it over the Execute race, which cannot stop the operation.
func (m *Manager) Context(ctx context.Context, name string) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.TimeoutFor(name))
}

// Execute races fn against the resolved deadline. When the deadline wins,
// Cleanup runs best-effort and the call fails with a TimeoutError, or
// resolves to the TimedOut sentinel when SoftTimeout is set. The losing fn
// keeps running in the background; its eventual error is logged, never
// surfaced.
func (m *Manager) Execute(ctx context.Context, opts Options, fn func(ctx context.Context) error) error {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.TimeoutFor(opts.Name)
	}

	m.mu.Lock()
	m.executions++
	m.mu.Unlock()

	fnCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)

	runtime.Go(m.logger, "timeout", opts.Name, func() {
		done <- fn(fnCtx)
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		m.abandon(opts, done)

		return fmt.Errorf("operation %s abandoned: %w", opts.Name, ctx.Err())
	case <-timer.C:
		m.abandon(opts, done)

		m.mu.Lock()
		m.timeouts++

		if opts.SoftTimeout {
			m.softTimeouts++
		}
		m.mu.Unlock()

		if opts.SoftTimeout {
			m.logger.Debugf("Operation [%s] soft timeout after %s", opts.Name, timeout)

			return TimedOut
		}

		m.logger.Warnf("Operation [%s] timed out after %s", opts.Name, timeout)

		return &TimeoutError{Operation: opts.Name, Timeout: timeout}
	}
}

// abandon runs cleanup and drains the abandoned operation's eventual result
// in the background so it never becomes an unhandled failure.
func (m *Manager) abandon(opts Options, done <-chan error) {
	if opts.Cleanup != nil {
		runtime.Safe(m.logger, "timeout", "cleanup", func() {
			opts.Cleanup()
		})
	}

	name := opts.Name

	runtime.Go(m.logger, "timeout", "drain", func() {
		if err := <-done; err != nil {
			m.logger.Debugf("Abandoned operation [%s] eventually failed: %v", name, err)
		}
	})
}

// Stats returns a snapshot of manager counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Stats{
		DefaultTimeout: m.defaultTimeout,
		Registrations:  len(m.overrides),
		Executions:     m.executions,
		Timeouts:       m.timeouts,
		SoftTimeouts:   m.softTimeouts,
	}
}

// HealthCheck reports whether the manager is usable.
func (m *Manager) HealthCheck(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.defaultTimeout <= 0 {
		return ErrInvalidTimeout
	}

	return nil
}

// UpdateConfig applies a partial configuration change.
func (m *Manager) UpdateConfig(update ConfigUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if update.DefaultTimeout != nil {
		if *update.DefaultTimeout <= 0 {
			return ErrInvalidTimeout
		}

		m.defaultTimeout = *update.DefaultTimeout
	}

	return nil
}
