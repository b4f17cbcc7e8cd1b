// Package service provides an in-process supervisor for named singleton services.
// Services are registered with a factory and their dependencies, started in
// dependency order, health-checked on an interval, retried with linear backoff
// when they fail, and stopped in reverse order.
package service

import (
	"context"
	"time"
)

// State represents the lifecycle state of a registered service.
type State string

const (
	// StateUnknown is reported for names that were never registered.
	StateUnknown State = "unknown"
	// StateRegistered indicates the descriptor exists but no instance was created yet.
	StateRegistered State = "registered"
	// StateInitializing indicates the factory and Initialize are running.
	StateInitializing State = "initializing"
	// StateStarting indicates Start is running.
	StateStarting State = "starting"
	// StateRunning indicates the service started successfully.
	StateRunning State = "running"
	// StateUnhealthy indicates the service is being recovered after failing its health check.
	StateUnhealthy State = "unhealthy"
	// StateRetrying indicates the supervisor is waiting for or running a retry attempt.
	StateRetrying State = "retrying"
	// StateStopping indicates Stop is running.
	StateStopping State = "stopping"
	// StateStopped indicates the service was stopped and its instance released.
	StateStopped State = "stopped"
	// StateFailed indicates the service failed permanently for this process.
	StateFailed State = "failed"
)

// IsLive reports whether a service in this state may hold a started instance.
func (s State) IsLive() bool {
	return s == StateRunning || s == StateUnhealthy || s == StateRetrying
}

// Initializer is implemented by instances that need setup before Start.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// Starter is implemented by instances with a start step.
// Start should return once the service is ready; long-running work belongs in
// goroutines owned by the service.
type Starter interface {
	Start(ctx context.Context) error
}

// Stopper is implemented by instances that release resources on shutdown.
type Stopper interface {
	Stop(ctx context.Context) error
}

// ErrorReporter is implemented by instances that report runtime failures after
// Start returned. The supervisor drains the channel while the instance is live.
type ErrorReporter interface {
	Errors() <-chan error
}

// Factory builds a service instance. The returned value may implement any
// subset of Initializer, Starter, Stopper and ErrorReporter; a value that
// implements none is running as soon as it is constructed.
type Factory func(ctx context.Context) (any, error)

// HealthCheck reports whether a live instance is healthy. Returning false
// counts as a failed check; returning an error is treated as a runtime error.
type HealthCheck func(ctx context.Context, instance any) (bool, error)

// ErrorRecord is the last error observed for a service.
type ErrorRecord struct {
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Metrics holds the per-service counters kept by the supervisor.
// They are never reset while the process runs.
type Metrics struct {
	StartTime           time.Time    `json:"start_time,omitzero"`
	Restarts            int          `json:"restarts"`
	Errors              int          `json:"errors"`
	LastError           *ErrorRecord `json:"last_error,omitempty"`
	HealthCheckFailures int          `json:"health_check_failures"`
}

// Descriptor is the registered definition of a service.
type Descriptor struct {
	Name           string
	Factory        Factory
	Dependencies   []string
	Priority       int
	HealthCheck    HealthCheck
	AutoStart      bool
	Singleton      bool
	RetryOnFailure bool
}
