package circuitbreaker

import (
	"errors"
	"time"
)

var (
	// ErrInvalidFailureThreshold indicates the failure threshold must be positive.
	ErrInvalidFailureThreshold = errors.New("circuitbreaker: failure threshold must be positive")
	// ErrInvalidSuccessThreshold indicates the success threshold must be positive.
	ErrInvalidSuccessThreshold = errors.New("circuitbreaker: success threshold must be positive")
	// ErrInvalidResetTimeout indicates the reset timeout must be positive.
	ErrInvalidResetTimeout = errors.New("circuitbreaker: reset timeout must be positive")
	// ErrInvalidHalfOpenMaxAttempts indicates the half-open attempt budget must be positive.
	ErrInvalidHalfOpenMaxAttempts = errors.New("circuitbreaker: half-open max attempts must be positive")
)

// Config holds circuit breaker configuration.
type Config struct {
	FailureThreshold    uint32        // Consecutive failures in closed state before opening
	SuccessThreshold    uint32        // Successes in half-open state before closing
	ResetTimeout        time.Duration // Wait time in open state before half-open probing
	HalfOpenMaxAttempts uint32        // Probe budget while half-open
}

// Validate reports the first invalid field, if any.
func (c Config) Validate() error {
	if c.FailureThreshold == 0 {
		return ErrInvalidFailureThreshold
	}

	if c.SuccessThreshold == 0 {
		return ErrInvalidSuccessThreshold
	}

	if c.ResetTimeout <= 0 {
		return ErrInvalidResetTimeout
	}

	if c.HalfOpenMaxAttempts == 0 {
		return ErrInvalidHalfOpenMaxAttempts
	}

	return nil
}

// DefaultConfig provides balanced settings for most services.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		ResetTimeout:        30 * time.Second,
		HalfOpenMaxAttempts: 3,
	}
}

// AggressiveConfig for services requiring fast failure detection.
func AggressiveConfig() Config {
	return Config{
		FailureThreshold:    3,
		SuccessThreshold:    1,
		ResetTimeout:        10 * time.Second,
		HalfOpenMaxAttempts: 1,
	}
}

// ConservativeConfig for services that should tolerate more failures.
func ConservativeConfig() Config {
	return Config{
		FailureThreshold:    10,
		SuccessThreshold:    3,
		ResetTimeout:        time.Minute,
		HalfOpenMaxAttempts: 5,
	}
}

// ConfigUpdate carries a partial configuration change. Nil fields are left
// untouched.
type ConfigUpdate struct {
	FailureThreshold    *uint32
	SuccessThreshold    *uint32
	ResetTimeout        *time.Duration
	HalfOpenMaxAttempts *uint32
}

// apply merges the update into c and returns the result.
func (u ConfigUpdate) apply(c Config) Config {
	if u.FailureThreshold != nil {
		c.FailureThreshold = *u.FailureThreshold
	}

	if u.SuccessThreshold != nil {
		c.SuccessThreshold = *u.SuccessThreshold
	}

	if u.ResetTimeout != nil {
		c.ResetTimeout = *u.ResetTimeout
	}

	if u.HalfOpenMaxAttempts != nil {
		c.HalfOpenMaxAttempts = *u.HalfOpenMaxAttempts
	}

	return c
}
