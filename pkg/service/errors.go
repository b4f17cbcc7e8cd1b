package service

import (
	"fmt"

	apperrors "github.com/cmatc13/overseer/pkg/errors"
)

// Sentinel errors. Every error returned by the supervisor wraps one of these
// inside an apperrors.Error; match them with errors.Is.
var (
	ErrDuplicateService    = apperrors.New("service already registered")
	ErrCyclicDependency    = apperrors.New("cyclic dependency")
	ErrServiceNotAvailable = apperrors.New("service not available")
	ErrServiceStart        = apperrors.New("service start failed")
	ErrServiceHealthCheck  = apperrors.New("service health check failed")
	ErrServiceStop         = apperrors.New("service stop failed")
	ErrServiceRuntime      = apperrors.New("service runtime error")
	ErrUnknownService      = apperrors.New("unknown service")
	ErrServiceFailed       = apperrors.New("service failed permanently")
	ErrUnsupportedMode     = apperrors.New("unsupported service mode")
)

func duplicateServiceError(name string) error {
	return apperrors.NewSupervisorError(apperrors.SupErrDuplicateService, apperrors.OpRegister, name, ErrDuplicateService, nil)
}

func unknownServiceError(op, name string) error {
	return apperrors.NewSupervisorError(apperrors.SupErrUnknownService, op, name, ErrUnknownService, nil)
}

func cyclicDependencyError(cycle []string) error {
	err := apperrors.NewSupervisorError(apperrors.SupErrCyclicDependency, apperrors.OpResolveStartupOrder, "", ErrCyclicDependency, nil)
	return apperrors.WrapWithField(err, "cycle", cycle)
}

func notAvailableError(name string, state State) error {
	err := apperrors.NewSupervisorError(apperrors.SupErrNotAvailable, apperrors.OpGetService, name, ErrServiceNotAvailable, nil)
	return apperrors.WrapWithField(err, "state", string(state))
}

func startError(name string, cause error) error {
	return apperrors.NewSupervisorError(apperrors.SupErrStart, apperrors.OpStartService, name, ErrServiceStart, cause)
}

func healthCheckError(name string, cause error) error {
	return apperrors.NewSupervisorError(apperrors.SupErrHealthCheck, apperrors.OpHealthCheck, name, ErrServiceHealthCheck, cause)
}

func stopError(name string, cause error) error {
	return apperrors.NewSupervisorError(apperrors.SupErrStop, apperrors.OpStopService, name, ErrServiceStop, cause)
}

func runtimeError(name string, cause error) error {
	return apperrors.NewSupervisorError(apperrors.SupErrRuntime, apperrors.OpRuntime, name, ErrServiceRuntime, cause)
}

func failedError(op, name string, cause error) error {
	return apperrors.NewSupervisorError(apperrors.SupErrFailed, op, name, ErrServiceFailed, cause)
}

// panicError converts a recovered panic value into an error.
func panicError(where string, r any) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("panic in %s: %w", where, err)
	}
	return fmt.Errorf("panic in %s: %v", where, r)
}
