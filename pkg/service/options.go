package service

import (
	"time"

	"github.com/cmatc13/overseer/pkg/logging"
)

// Option configures a Descriptor at registration time.
type Option func(*Descriptor)

// WithDependencies declares services that must be running before this one starts.
func WithDependencies(names ...string) Option {
	return func(d *Descriptor) {
		d.Dependencies = append(d.Dependencies, names...)
	}
}

// WithPriority sets the tie-break among independent services; higher starts first.
func WithPriority(priority int) Option {
	return func(d *Descriptor) {
		d.Priority = priority
	}
}

// WithHealthCheck sets the predicate evaluated on every health-check cycle.
func WithHealthCheck(check HealthCheck) Option {
	return func(d *Descriptor) {
		d.HealthCheck = check
	}
}

// WithAutoStart controls whether StartAll starts the service.
func WithAutoStart(autoStart bool) Option {
	return func(d *Descriptor) {
		d.AutoStart = autoStart
	}
}

// WithSingleton controls the instance mode. Only singleton services are supported.
func WithSingleton(singleton bool) Option {
	return func(d *Descriptor) {
		d.Singleton = singleton
	}
}

// WithRetryOnFailure controls whether failures trigger RetryService.
func WithRetryOnFailure(retry bool) Option {
	return func(d *Descriptor) {
		d.RetryOnFailure = retry
	}
}

// Config holds supervisor-wide policy. Zero values take the defaults.
type Config struct {
	// HealthCheckInterval is the period of the health-check cycle.
	HealthCheckInterval time.Duration
	// RetryDelay is the base backoff; attempt n waits RetryDelay*n.
	RetryDelay time.Duration
	// MaxRetries bounds the retry attempts after the first failure. Zero
	// means the default; disable retries per service with
	// WithRetryOnFailure(false).
	MaxRetries int
	// RestartUnhealthy recovers services whose health check returns false.
	RestartUnhealthy bool
	// Logger receives lifecycle logs. Defaults to a discarding logger.
	Logger *logging.Logger
}

// DefaultConfig returns the default supervisor policy.
func DefaultConfig() Config {
	return Config{
		HealthCheckInterval: 30 * time.Second,
		RetryDelay:          time.Second,
		MaxRetries:          3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = d.HealthCheckInterval
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.Logger == nil {
		c.Logger = logging.Nop()
	}
	return c
}
