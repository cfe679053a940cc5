package retry

import (
	"errors"
	"time"
)

// Policy selects how the delay between attempts grows.
type Policy string

const (
	PolicyFixed       Policy = "fixed"
	PolicyLinear      Policy = "linear"
	PolicyExponential Policy = "exponential"
	PolicyFibonacci   Policy = "fibonacci"
	PolicyCustom      Policy = "custom"
)

var (
	// ErrInvalidMaxAttempts indicates MaxAttempts must be at least 1.
	ErrInvalidMaxAttempts = errors.New("retry: max attempts must be at least 1")
	// ErrInvalidDelay indicates InitialDelay must not be negative.
	ErrInvalidDelay = errors.New("retry: initial delay must not be negative")
	// ErrInvalidMaxDelay indicates MaxDelay, when set, must cover InitialDelay.
	ErrInvalidMaxDelay = errors.New("retry: max delay must be at least the initial delay")
	// ErrInvalidPolicy indicates an unknown backoff policy.
	ErrInvalidPolicy = errors.New("retry: unknown backoff policy")
	// ErrMissingDelayFn indicates the custom policy requires a DelayFn.
	ErrMissingDelayFn = errors.New("retry: custom policy requires a delay function")
)

// DelayFunc computes the delay before the given retry attempt, starting at 1
// for the first retry.
type DelayFunc func(attempt int) time.Duration

// Config controls retry behavior.
type Config struct {
	// MaxAttempts is the total number of attempts, including the first call.
	MaxAttempts int
	// Policy selects the backoff curve.
	Policy Policy
	// InitialDelay seeds the backoff curve.
	InitialDelay time.Duration
	// MaxDelay caps the computed delay. Zero means uncapped.
	MaxDelay time.Duration
	// Jitter randomizes the computed delay to spread out synchronized retries.
	Jitter bool
	// DelayFn overrides the curve entirely when Policy is PolicyCustom.
	DelayFn DelayFunc
	// RetryableErrors is the allow-list of error kinds worth retrying,
	// matched with errors.Is. Empty means every error is retryable except
	// an open circuit.
	RetryableErrors []error
	// RetryIf, when set, replaces the allow-list classification entirely.
	RetryIf func(error) bool
}

// Validate checks configuration invariants.
func (c Config) Validate() error {
	if c.MaxAttempts < 1 {
		return ErrInvalidMaxAttempts
	}

	if c.InitialDelay < 0 {
		return ErrInvalidDelay
	}

	if c.MaxDelay > 0 && c.MaxDelay < c.InitialDelay {
		return ErrInvalidMaxDelay
	}

	switch c.Policy {
	case PolicyFixed, PolicyLinear, PolicyExponential, PolicyFibonacci:
	case PolicyCustom:
		if c.DelayFn == nil {
			return ErrMissingDelayFn
		}
	default:
		return ErrInvalidPolicy
	}

	return nil
}

// DefaultConfig provides exponential backoff with jitter, suitable for most
// remote calls.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		Policy:       PolicyExponential,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
}

// ConfigUpdate carries a partial configuration change. Nil fields keep the
// current value.
type ConfigUpdate struct {
	MaxAttempts  *int
	Policy       *Policy
	InitialDelay *time.Duration
	MaxDelay     *time.Duration
	Jitter       *bool
}

func (u ConfigUpdate) apply(c Config) Config {
	if u.MaxAttempts != nil {
		c.MaxAttempts = *u.MaxAttempts
	}

	if u.Policy != nil {
		c.Policy = *u.Policy
	}

	if u.InitialDelay != nil {
		c.InitialDelay = *u.InitialDelay
	}

	if u.MaxDelay != nil {
		c.MaxDelay = *u.MaxDelay
	}

	if u.Jitter != nil {
		c.Jitter = *u.Jitter
	}

	return c
}
