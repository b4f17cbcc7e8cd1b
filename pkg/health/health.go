// Package health provides the aggregated health report served by the admin API.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cmatc13/overseer/pkg/logging"
	"github.com/cmatc13/overseer/pkg/service"
	"github.com/shirou/gopsutil/v3/mem"
)

// Status represents the health status of a component.
type Status string

const (
	// StatusUp indicates the component is healthy.
	StatusUp Status = "UP"
	// StatusDown indicates the component is unhealthy.
	StatusDown Status = "DOWN"
	// StatusUnknown indicates the component's health is unknown.
	StatusUnknown Status = "UNKNOWN"
)

// Check represents a health check for a component.
type Check struct {
	// Name is the name of the component being checked.
	Name string
	// Status is the health status of the component.
	Status Status
	// Message is an optional message providing more details about the health status.
	Message string
	// LastChecked is the time when the component was last checked.
	LastChecked time.Time
	// Error is an optional error that occurred during the health check.
	Error error
}

// MarshalJSON implements the json.Marshaler interface.
func (c Check) MarshalJSON() ([]byte, error) {
	var errorStr string
	if c.Error != nil {
		errorStr = c.Error.Error()
	}

	return json.Marshal(struct {
		Name        string    `json:"name"`
		Status      Status    `json:"status"`
		Message     string    `json:"message,omitempty"`
		LastChecked time.Time `json:"last_checked"`
		Error       string    `json:"error,omitempty"`
	}{
		Name:        c.Name,
		Status:      c.Status,
		Message:     c.Message,
		LastChecked: c.LastChecked,
		Error:       errorStr,
	})
}

// Checker defines a function that performs a health check.
type Checker func(ctx context.Context) Check

// Registry manages health checks for the application.
type Registry struct {
	checks map[string]Checker
	mutex  sync.RWMutex
	logger *logging.Logger
}

// NewRegistry creates a new health check registry.
func NewRegistry(logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Registry{
		checks: make(map[string]Checker),
		logger: logger,
	}
}

// Register adds a health check to the registry.
func (r *Registry) Register(name string, checker Checker) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.checks[name] = checker
	r.logger.Debug("Registered health check", "name", name)
}

// RunChecks runs all registered health checks concurrently.
func (r *Registry) RunChecks(ctx context.Context) map[string]Check {
	r.mutex.RLock()
	checks := make(map[string]Checker, len(r.checks))
	for name, checker := range r.checks {
		checks[name] = checker
	}
	r.mutex.RUnlock()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]Check, len(checks))
	)
	for name, checker := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			check := checker(ctx)
			mu.Lock()
			results[name] = check
			mu.Unlock()
		}()
	}
	wg.Wait()

	return results
}

// Overall folds individual results into one status: any DOWN wins, then UNKNOWN.
func Overall(checks map[string]Check) Status {
	status := StatusUp
	for _, check := range checks {
		switch check.Status {
		case StatusDown:
			return StatusDown
		case StatusUnknown:
			status = StatusUnknown
		}
	}
	return status
}

// Handler returns an HTTP handler for health checks.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		checks := r.RunChecks(req.Context())
		status := Overall(checks)

		response := struct {
			Status    Status           `json:"status"`
			Timestamp time.Time        `json:"timestamp"`
			Checks    map[string]Check `json:"checks"`
		}{
			Status:    status,
			Timestamp: time.Now(),
			Checks:    checks,
		}

		w.Header().Set("Content-Type", "application/json")
		if status == StatusDown {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		if err := json.NewEncoder(w).Encode(response); err != nil {
			r.logger.Error("Failed to encode health check response", "error", err)
		}
	})
}

// ServiceChecker creates a health check from a probe function.
func ServiceChecker(serviceName string, checkFn func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Check {
		check := Check{
			Name:        serviceName,
			Status:      StatusUnknown,
			LastChecked: time.Now(),
		}

		err := checkFn(ctx)
		if err != nil {
			check.Status = StatusDown
			check.Error = err
			check.Message = fmt.Sprintf("Service %s is unhealthy: %v", serviceName, err)
		} else {
			check.Status = StatusUp
			check.Message = fmt.Sprintf("Service %s is healthy", serviceName)
		}

		return check
	}
}

// StateReader is the part of the supervisor the state checker needs.
type StateReader interface {
	States() map[string]service.State
}

// SupervisorChecker reports DOWN when any supervised service is failed or
// recovering, UP otherwise. Services that were never started do not count.
func SupervisorChecker(states StateReader) Checker {
	return func(ctx context.Context) Check {
		check := Check{
			Name:        "supervisor",
			Status:      StatusUp,
			LastChecked: time.Now(),
		}

		var down, running []string
		for name, st := range states.States() {
			switch st {
			case service.StateFailed, service.StateUnhealthy, service.StateRetrying:
				down = append(down, name+"="+string(st))
			case service.StateRunning:
				running = append(running, name)
			}
		}
		sort.Strings(down)

		if len(down) > 0 {
			check.Status = StatusDown
			check.Message = fmt.Sprintf("Services not healthy: %v", down)
			return check
		}
		check.Message = fmt.Sprintf("%d services running", len(running))
		return check
	}
}

// MemoryChecker reports DOWN when host memory usage exceeds maxUsedPercent.
func MemoryChecker(maxUsedPercent float64) Checker {
	return func(ctx context.Context) Check {
		check := Check{
			Name:        "memory",
			Status:      StatusUnknown,
			LastChecked: time.Now(),
		}

		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			check.Error = err
			check.Message = "Memory statistics unavailable"
			return check
		}

		check.Message = fmt.Sprintf("%.1f%% of %d MiB used", vm.UsedPercent, vm.Total/(1<<20))
		if vm.UsedPercent > maxUsedPercent {
			check.Status = StatusDown
			return check
		}
		check.Status = StatusUp
		return check
	}
}
