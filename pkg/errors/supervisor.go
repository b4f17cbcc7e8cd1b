package errors

import "fmt"

// Supervisor error codes
const (
	// SupErrDuplicateService indicates a service name was registered twice
	SupErrDuplicateService = "SUP_DUPLICATE_SERVICE"
	// SupErrCyclicDependency indicates the dependency graph contains a cycle
	SupErrCyclicDependency = "SUP_CYCLIC_DEPENDENCY"
	// SupErrNotAvailable indicates no running instance exists for a service
	SupErrNotAvailable = "SUP_NOT_AVAILABLE"
	// SupErrStart indicates a factory, Initialize or Start failure
	SupErrStart = "SUP_START_FAILED"
	// SupErrHealthCheck indicates a health check predicate failed with an error
	SupErrHealthCheck = "SUP_HEALTH_CHECK_FAILED"
	// SupErrStop indicates a Stop failure during shutdown
	SupErrStop = "SUP_STOP_FAILED"
	// SupErrRuntime indicates an error reported by a running service
	SupErrRuntime = "SUP_RUNTIME_ERROR"
	// SupErrUnknownService indicates a name that was never registered
	SupErrUnknownService = "SUP_UNKNOWN_SERVICE"
	// SupErrFailed indicates a service that exhausted its retries
	SupErrFailed = "SUP_SERVICE_FAILED"
	// SupErrUnsupported indicates an unsupported descriptor option
	SupErrUnsupported = "SUP_UNSUPPORTED"
)

// Supervisor domain name
const SupervisorDomain = "supervisor"

// Supervisor operations
const (
	OpRegister            = "Register"
	OpResolveStartupOrder = "ResolveStartupOrder"
	OpStartAll            = "StartAll"
	OpStartService        = "StartService"
	OpRetryService        = "RetryService"
	OpGetService          = "GetService"
	OpHealthCheck         = "HealthCheck"
	OpStopService         = "StopService"
	OpCleanup             = "Cleanup"
	OpRuntime             = "Runtime"
)

// NewSupervisorError creates a supervisor domain error for a service.
// kind is the sentinel callers match with Is; cause, when set, is kept in the
// chain as well.
func NewSupervisorError(code, operation, service string, kind, cause error) error {
	original := kind
	if cause != nil {
		original = fmt.Errorf("%w: %w", kind, cause)
	}
	e := &Error{
		Original:  original,
		Domain:    SupervisorDomain,
		Code:      code,
		Operation: operation,
	}
	if service != "" {
		e.Fields = map[string]interface{}{"service": service}
	}
	return e
}
