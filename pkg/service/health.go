package service

import (
	"context"
	"errors"
	"time"

	"github.com/cmatc13/overseer/pkg/logging"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// Initialize starts the periodic health-check schedule and, with
// RestartUnhealthy, subscribes the recovery handler for unhealthy services.
// Calling it again is a no-op until Cleanup.
func (s *Supervisor) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.scheduler != nil {
		return nil
	}
	s.closing = false
	prev := s.cancelRun
	runCtx, cancel := context.WithCancel(ctx)
	s.runCtx = runCtx
	s.cancelRun = func() {
		cancel()
		prev()
	}

	lg := cronLogger{s.logger.WithField("component", "health-scheduler")}
	c := cron.New(
		cron.WithLogger(lg),
		// A cycle that outlasts the interval suppresses the next tick
		// rather than overlapping with it.
		cron.WithChain(cron.Recover(lg), cron.SkipIfStillRunning(lg)),
	)
	c.Schedule(cron.Every(s.cfg.HealthCheckInterval), cron.FuncJob(func() {
		s.PerformHealthChecks(runCtx)
	}))
	s.scheduler = c

	if s.cfg.RestartUnhealthy {
		s.unsubscribe = append(s.unsubscribe, s.subscribeLocked(func(ev Event) {
			u, ok := ev.(Unhealthy)
			if !ok {
				return
			}
			if e, found := s.lookup(u.Service); found && e.desc.RetryOnFailure {
				s.goRecover(e, errors.New("health check reported unhealthy"))
			}
		}))
	}

	c.Start()
	s.logger.Info("Supervisor initialized",
		"health_check_interval", s.cfg.HealthCheckInterval.String(),
		"restart_unhealthy", s.cfg.RestartUnhealthy)
	return nil
}

// PerformHealthChecks runs one health-check cycle over every running service
// that has a predicate. Checks of different services run concurrently; the
// call returns when all of them have finished.
//
// A false result counts as a health-check failure and emits Unhealthy without
// changing the state. A predicate error is handled like a runtime error.
func (s *Supervisor) PerformHealthChecks(ctx context.Context) {
	type target struct {
		e        *entry
		instance any
	}

	s.mu.RLock()
	targets := make([]target, 0, len(s.services))
	for _, e := range s.services {
		// Unhealthy and retrying services have released their instance.
		if e.desc.HealthCheck == nil || e.state != StateRunning {
			continue
		}
		targets = append(targets, target{e: e, instance: e.instance})
	}
	s.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	start := time.Now()
	var g errgroup.Group
	for _, t := range targets {
		g.Go(func() error {
			s.checkOne(ctx, t.e, t.instance)
			return nil
		})
	}
	_ = g.Wait()
	s.logger.Debug("Health check cycle complete", "services", len(targets), "duration_ms", time.Since(start).Milliseconds())
}

func (s *Supervisor) checkOne(ctx context.Context, e *entry, instance any) {
	var healthy bool
	err := safeCall("health check", func() error {
		var cerr error
		healthy, cerr = e.desc.HealthCheck(ctx, instance)
		return cerr
	})
	if err != nil {
		s.handleRuntimeError(e, PhaseHealthCheck, healthCheckError(e.desc.Name, err))
		return
	}
	if healthy {
		return
	}

	s.mu.Lock()
	e.metrics.HealthCheckFailures++
	failures := e.metrics.HealthCheckFailures
	s.mu.Unlock()

	s.logger.WithService(e.desc.Name).Warn("Service unhealthy", "health_check_failures", failures)
	s.emit(Unhealthy{EventMeta: newMeta(e.desc.Name), Failures: failures})
}

// cronLogger adapts the service logger to cron.Logger.
type cronLogger struct {
	*logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.Logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.Logger.WithError(err).Error(msg, keysAndValues...)
}
