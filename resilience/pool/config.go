package pool

import (
	"errors"
	"time"
)

var (
	// ErrInvalidMaxConnections indicates MaxConnections must be positive.
	ErrInvalidMaxConnections = errors.New("pool: max connections must be positive")
	// ErrInvalidMinConnections indicates MinConnections must be within [0, MaxConnections].
	ErrInvalidMinConnections = errors.New("pool: min connections must be within [0, max connections]")
	// ErrInvalidAcquireTimeout indicates AcquireTimeout must be positive.
	ErrInvalidAcquireTimeout = errors.New("pool: acquire timeout must be positive")
	// ErrInvalidValidationInterval indicates ValidationInterval must be positive.
	ErrInvalidValidationInterval = errors.New("pool: validation interval must be positive")
	// ErrInvalidExpiry indicates IdleTimeout and MaxLifetime must not be negative.
	ErrInvalidExpiry = errors.New("pool: idle timeout and max lifetime must not be negative")
)

// Config holds pool configuration. IdleTimeout and MaxLifetime may be zero to
// disable the corresponding expiry.
type Config struct {
	MinConnections     int
	MaxConnections     int
	AcquireTimeout     time.Duration
	IdleTimeout        time.Duration
	MaxLifetime        time.Duration
	ValidationInterval time.Duration
	DrainGracePeriod   time.Duration
	WarmUp             bool
}

// Validate reports the first invalid field, if any.
func (c Config) Validate() error {
	if c.MaxConnections <= 0 {
		return ErrInvalidMaxConnections
	}

	if c.MinConnections < 0 || c.MinConnections > c.MaxConnections {
		return ErrInvalidMinConnections
	}

	if c.AcquireTimeout <= 0 {
		return ErrInvalidAcquireTimeout
	}

	if c.ValidationInterval <= 0 {
		return ErrInvalidValidationInterval
	}

	if c.IdleTimeout < 0 || c.MaxLifetime < 0 || c.DrainGracePeriod < 0 {
		return ErrInvalidExpiry
	}

	return nil
}

// DefaultConfig provides balanced settings for most services.
func DefaultConfig() Config {
	return Config{
		MinConnections:     2,
		MaxConnections:     10,
		AcquireTimeout:     5 * time.Second,
		IdleTimeout:        5 * time.Minute,
		MaxLifetime:        30 * time.Minute,
		ValidationInterval: 30 * time.Second,
		DrainGracePeriod:   10 * time.Second,
		WarmUp:             true,
	}
}

// ConfigUpdate carries a partial configuration change. Nil fields are left
// untouched. Shrinking MaxConnections does not close active connections;
// excess connections are destroyed as they are released.
type ConfigUpdate struct {
	MinConnections     *int
	MaxConnections     *int
	AcquireTimeout     *time.Duration
	IdleTimeout        *time.Duration
	MaxLifetime        *time.Duration
	ValidationInterval *time.Duration
	DrainGracePeriod   *time.Duration
	WarmUp             *bool
}

// apply merges the update into c and returns the result.
func (u ConfigUpdate) apply(c Config) Config {
	if u.MinConnections != nil {
		c.MinConnections = *u.MinConnections
	}

	if u.MaxConnections != nil {
		c.MaxConnections = *u.MaxConnections
	}

	if u.AcquireTimeout != nil {
		c.AcquireTimeout = *u.AcquireTimeout
	}

	if u.IdleTimeout != nil {
		c.IdleTimeout = *u.IdleTimeout
	}

	if u.MaxLifetime != nil {
		c.MaxLifetime = *u.MaxLifetime
	}

	if u.ValidationInterval != nil {
		c.ValidationInterval = *u.ValidationInterval
	}

	if u.DrainGracePeriod != nil {
		c.DrainGracePeriod = *u.DrainGracePeriod
	}

	if u.WarmUp != nil {
		c.WarmUp = *u.WarmUp
	}

	return c
}
