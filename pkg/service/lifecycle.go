package service

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	apperrors "github.com/cmatc13/overseer/pkg/errors"
)

// StartAll starts every autoStart service in the order returned by
// ResolveStartupOrder. Failures of individual services are recorded in their
// metrics and reported as events; only a dependency cycle (or a canceled
// context) is returned.
func (s *Supervisor) StartAll(ctx context.Context) error {
	order, err := s.ResolveStartupOrder()
	if err != nil {
		s.logger.WithError(err).Error("Startup aborted")
		return apperrors.WrapWithOperation(err, apperrors.OpStartAll)
	}

	s.logger.Info("Starting services", "order", order)
	for _, name := range order {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.startService(ctx, name); err != nil {
			s.logger.WithService(name).Warn("Service did not start", "state", string(s.State(name)))
		}
	}

	running := 0
	for _, name := range order {
		if s.State(name) == StateRunning {
			running++
		}
	}
	s.logger.Info("Startup complete", "running", running, "total", len(order))
	return nil
}

// StartService starts name and, first, every dependency that is not running.
// It returns nil when the service is already running and the start error
// (after retries, if enabled) otherwise.
func (s *Supervisor) StartService(ctx context.Context, name string) error {
	if !s.HasService(name) {
		return unknownServiceError(apperrors.OpStartService, name)
	}
	if cycle := findCycle(s.graph(), []string{name}); cycle != nil {
		return cyclicDependencyError(cycle)
	}
	return s.startService(ctx, name)
}

// startService assumes the dependency subgraph of name is acyclic.
func (s *Supervisor) startService(ctx context.Context, name string) error {
	e, ok := s.lookup(name)
	if !ok {
		return unknownServiceError(apperrors.OpStartService, name)
	}

	e.transition.Lock()
	defer e.transition.Unlock()

	switch s.State(name) {
	case StateRunning:
		return nil
	case StateFailed:
		return failedError(apperrors.OpStartService, name, nil)
	}

	for _, dep := range e.desc.Dependencies {
		if err := s.startService(ctx, dep); err != nil {
			err = startError(name, fmt.Errorf("dependency %q: %w", dep, err))
			s.recordError(e, PhaseStart, err)
			s.markFailed(e, 0, err)
			return err
		}
	}

	err := s.attempt(ctx, e, 0)
	if err == nil {
		return nil
	}
	s.recordError(e, PhaseStart, err)

	if !e.desc.RetryOnFailure {
		s.markFailed(e, 1, err)
		return err
	}
	return s.retry(ctx, e, err)
}

// RetryService runs the bounded backoff loop for name. It is a no-op for a
// running service and refuses services that already failed permanently.
func (s *Supervisor) RetryService(ctx context.Context, name string) error {
	e, ok := s.lookup(name)
	if !ok {
		return unknownServiceError(apperrors.OpRetryService, name)
	}

	e.transition.Lock()
	defer e.transition.Unlock()

	switch s.State(name) {
	case StateRunning:
		return nil
	case StateFailed:
		return failedError(apperrors.OpRetryService, name, nil)
	}
	return s.retry(ctx, e, nil)
}

// retry makes up to MaxRetries attempts, attempt n after waiting RetryDelay*n.
// Every attempt counts as a restart. The caller holds e.transition.
func (s *Supervisor) retry(ctx context.Context, e *entry, lastErr error) error {
	name := e.desc.Name
	log := s.logger.WithService(name)

	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		s.setState(e, StateRetrying)
		delay := s.cfg.RetryDelay * time.Duration(attempt)
		log.Info("Retrying service", "attempt", attempt, "max_retries", s.cfg.MaxRetries, "delay", delay.String())

		if err := sleepCtx(ctx, delay); err != nil {
			s.setState(e, StateStopped)
			log.Warn("Retry abandoned", "attempt", attempt, "error", err.Error())
			return apperrors.WrapWithOperation(err, apperrors.OpRetryService)
		}

		s.mu.Lock()
		e.metrics.Restarts++
		s.mu.Unlock()

		if lastErr = s.attempt(ctx, e, attempt); lastErr == nil {
			return nil
		}
		s.recordError(e, PhaseStart, lastErr)
	}

	s.markFailed(e, s.cfg.MaxRetries+1, lastErr)
	return failedError(apperrors.OpRetryService, name, lastErr)
}

// attempt builds, initializes and starts one instance of e.
func (s *Supervisor) attempt(ctx context.Context, e *entry, attempt int) error {
	name := e.desc.Name
	begin := time.Now()

	for _, dep := range e.desc.Dependencies {
		if st := s.State(dep); st != StateRunning {
			return startError(name, fmt.Errorf("dependency %q is %s", dep, st))
		}
	}

	s.setState(e, StateInitializing)
	var instance any
	err := safeCall("factory", func() error {
		var ferr error
		instance, ferr = e.desc.Factory(ctx)
		return ferr
	})
	if err != nil {
		return startError(name, err)
	}
	if in, ok := instance.(Initializer); ok {
		if err := safeCall("Initialize", func() error { return in.Initialize(ctx) }); err != nil {
			s.discard(ctx, e, instance)
			return startError(name, err)
		}
	}

	s.setState(e, StateStarting)
	if st, ok := instance.(Starter); ok {
		if err := safeCall("Start", func() error { return st.Start(ctx) }); err != nil {
			s.discard(ctx, e, instance)
			return startError(name, err)
		}
	}

	s.mu.Lock()
	e.instance = instance
	e.state = StateRunning
	e.metrics.StartTime = time.Now()
	s.mu.Unlock()

	s.watch(e, instance)

	duration := time.Since(begin)
	s.logger.WithService(name).Info("Service started", "attempt", attempt, "duration_ms", duration.Milliseconds())
	s.emit(Started{EventMeta: newMeta(name), Attempt: attempt, Duration: duration})
	return nil
}

// discard stops an instance whose Initialize or Start failed. A Stop error is
// logged only; the start failure is what gets recorded.
func (s *Supervisor) discard(ctx context.Context, e *entry, instance any) {
	st, ok := instance.(Stopper)
	if !ok {
		return
	}
	if err := safeCall("Stop", func() error { return st.Stop(ctx) }); err != nil {
		s.logger.WithService(e.desc.Name).WithError(err).Warn("Failed to release instance after start failure")
	}
}

func (s *Supervisor) markFailed(e *entry, attempts int, err error) {
	s.setState(e, StateFailed)
	s.logger.WithService(e.desc.Name).WithError(err).Error("Service failed permanently", "attempts", attempts)
	s.emit(Failed{EventMeta: newMeta(e.desc.Name), Attempts: attempts, Err: err})
}

// StopService stops name after stopping every running service that depends
// on it, dependents first. Stop failures are reported as events and never
// prevent the remaining services from stopping.
func (s *Supervisor) StopService(ctx context.Context, name string) error {
	e, ok := s.lookup(name)
	if !ok {
		return unknownServiceError(apperrors.OpStopService, name)
	}

	for _, dependent := range s.liveDependents(name) {
		s.stopOne(ctx, dependent)
	}
	s.stopOne(ctx, e)
	return nil
}

// liveDependents returns the live services that depend on name, directly or
// transitively, dependents first.
func (s *Supervisor) liveDependents(name string) []*entry {
	s.mu.RLock()
	dependents := make(map[string][]string, len(s.services))
	for n, e := range s.services {
		for _, dep := range e.desc.Dependencies {
			dependents[dep] = append(dependents[dep], n)
		}
	}
	s.mu.RUnlock()

	affected := make(map[string]bool)
	queue := []string{name}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		for _, d := range dependents[next] {
			if !affected[d] && d != name {
				affected[d] = true
				queue = append(queue, d)
			}
		}
	}
	return s.stopOrder(func(n string) bool { return affected[n] })
}

// stopOrder returns the live services accepted by include, every service
// before its dependencies. It is derived from the dependency graph so that
// services restarted out of their original order still stop correctly.
func (s *Supervisor) stopOrder(include func(string) bool) []*entry {
	s.mu.RLock()
	graph := make(map[string]graphNode)
	for name, e := range s.services {
		if e.state.IsLive() && include(name) {
			graph[name] = e.node()
		}
	}
	s.mu.RUnlock()

	// Live services passed the cycle check when they started.
	order, err := topologicalSort(graph)
	if err != nil {
		s.logger.WithError(err).Warn("Stopping in name order")
		order = slices.Sorted(maps.Keys(graph))
	}
	slices.Reverse(order)

	out := make([]*entry, 0, len(order))
	for _, name := range order {
		if e, ok := s.lookup(name); ok {
			out = append(out, e)
		}
	}
	return out
}

func (s *Supervisor) stopOne(ctx context.Context, e *entry) {
	e.transition.Lock()
	defer e.transition.Unlock()

	if !s.State(e.desc.Name).IsLive() {
		return
	}

	s.setState(e, StateStopping)
	s.release(ctx, e)
	s.setState(e, StateStopped)

	s.logger.WithService(e.desc.Name).Info("Service stopped")
	s.emit(Stopped{EventMeta: newMeta(e.desc.Name)})
}

// release stops the current instance of e, best effort. The caller holds
// e.transition.
func (s *Supervisor) release(ctx context.Context, e *entry) {
	name := e.desc.Name

	s.mu.Lock()
	instance := e.instance
	rep := e.reporter
	e.instance = nil
	e.reporter = nil
	s.mu.Unlock()

	if rep != nil {
		rep.cancel()
	}

	if st, ok := instance.(Stopper); ok {
		if err := safeCall("Stop", func() error { return st.Stop(ctx) }); err != nil {
			s.recordError(e, PhaseStop, stopError(name, err))
		}
	}
}

// Cleanup halts the health-check schedule, waits for background recoveries
// and stops every live service, dependents before their dependencies. It always runs to
// completion; the supervisor must not be used afterwards.
func (s *Supervisor) Cleanup(ctx context.Context) {
	s.mu.Lock()
	s.closing = true
	scheduler := s.scheduler
	s.scheduler = nil
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	cancelRun := s.cancelRun
	s.mu.Unlock()

	if scheduler != nil {
		select {
		case <-scheduler.Stop().Done():
		case <-ctx.Done():
			s.logger.Warn("Health check cycle still running at cleanup")
		}
	}
	for _, fn := range unsubscribe {
		fn()
	}

	cancelRun()
	s.background.Wait()

	order := s.stopOrder(func(string) bool { return true })
	names := make([]string, len(order))
	for i, e := range order {
		names[i] = e.desc.Name
	}
	s.logger.Info("Stopping services", "order", names)
	for _, e := range order {
		s.stopOne(ctx, e)
	}
	s.logger.Info("Cleanup complete")
}

// reporter drains an ErrorReporter while its instance is live.
type reporter struct {
	cancel context.CancelFunc
}

func (s *Supervisor) watch(e *entry, instance any) {
	er, ok := instance.(ErrorReporter)
	if !ok {
		return
	}
	errs := er.Errors()
	if errs == nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	e.reporter = &reporter{cancel: cancel}
	s.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-errs:
				if !ok {
					return
				}
				if err != nil && ctx.Err() == nil {
					s.handleRuntimeError(e, PhaseRuntime, runtimeError(e.desc.Name, err))
				}
			}
		}
	}()
}

// handleRuntimeError records a failure of a live service and, when the
// descriptor allows it, recovers the service in the background.
func (s *Supervisor) handleRuntimeError(e *entry, phase Phase, err error) {
	s.recordError(e, phase, err)
	if e.desc.RetryOnFailure {
		s.goRecover(e, err)
	}
}

// goRecover runs recoverService in a goroutine tracked by Cleanup.
func (s *Supervisor) goRecover(e *entry, reason error) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.background.Add(1)
	ctx := s.runCtx
	s.mu.Unlock()

	go func() {
		defer s.background.Done()
		_ = s.recoverService(ctx, e, reason)
	}()
}

// recoverService moves a running service through unhealthy and retrying.
func (s *Supervisor) recoverService(ctx context.Context, e *entry, reason error) error {
	e.transition.Lock()
	defer e.transition.Unlock()

	if s.State(e.desc.Name) != StateRunning {
		return nil
	}

	s.setState(e, StateUnhealthy)
	s.logger.WithService(e.desc.Name).Warn("Recovering service")
	s.release(ctx, e)
	return s.retry(ctx, e, reason)
}

func safeCall(where string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(where, r)
		}
	}()
	return fn()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
