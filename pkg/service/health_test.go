package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPerformHealthChecks_FalseResult(t *testing.T) {
	s, rec := newTestSupervisor(t)
	svc := &fakeService{name: "cache", log: &callLog{}}
	var checked atomic.Int32
	mustRegister(t, s, "cache", factoryFor(svc), WithHealthCheck(func(_ context.Context, instance any) (bool, error) {
		checked.Add(1)
		assert.Same(t, svc, instance)
		return false, nil
	}))
	require.NoError(t, s.StartAll(context.Background()))

	s.PerformHealthChecks(context.Background())

	m, _ := s.Metrics("cache")
	assert.Equal(t, 1, m.HealthCheckFailures)
	assert.Zero(t, m.Errors)
	assert.Equal(t, 1, rec.count("service-unhealthy"))
	assert.Equal(t, StateRunning, s.State("cache"))

	s.PerformHealthChecks(context.Background())
	m, _ = s.Metrics("cache")
	assert.Equal(t, 2, m.HealthCheckFailures)
	assert.Equal(t, 2, rec.count("service-unhealthy"))
	assert.EqualValues(t, 2, checked.Load())
	assert.Equal(t, 1, svc.startCount())
}

func TestPerformHealthChecks_OnlyRunningServices(t *testing.T) {
	s, _ := newTestSupervisor(t)
	var checked atomic.Int32
	check := func(context.Context, any) (bool, error) {
		checked.Add(1)
		return true, nil
	}
	mustRegister(t, s, "up", noopFactory, WithHealthCheck(check))
	mustRegister(t, s, "manual", noopFactory, WithHealthCheck(check), WithAutoStart(false))
	mustRegister(t, s, "nocheck", noopFactory)
	require.NoError(t, s.StartAll(context.Background()))

	s.PerformHealthChecks(context.Background())
	assert.EqualValues(t, 1, checked.Load())

	m, _ := s.Metrics("up")
	assert.Zero(t, m.HealthCheckFailures)
}

func TestPerformHealthChecks_ErrorTriggersRetry(t *testing.T) {
	s, rec := newTestSupervisor(t)
	svc := &fakeService{name: "db", log: &callLog{}}
	var calls atomic.Int32
	mustRegister(t, s, "db", factoryFor(svc), WithHealthCheck(func(context.Context, any) (bool, error) {
		if calls.Add(1) == 1 {
			return false, errBoom
		}
		return true, nil
	}))
	require.NoError(t, s.StartAll(context.Background()))

	s.PerformHealthChecks(context.Background())

	assert.Eventually(t, func() bool {
		m, _ := s.Metrics("db")
		return m.Restarts == 1 && s.State("db") == StateRunning
	}, 2*time.Second, 5*time.Millisecond)

	m, _ := s.Metrics("db")
	assert.Equal(t, 1, m.Errors)
	assert.Zero(t, m.HealthCheckFailures)
	assert.Equal(t, 2, svc.startCount())
	assert.Equal(t, []string{"db"}, svc.log.filter(".stop"))
	assert.Equal(t, 1, rec.count("service-error"))
}

func TestPerformHealthChecks_PanicIsAnError(t *testing.T) {
	s, _ := newTestSupervisor(t)
	mustRegister(t, s, "p", noopFactory, WithRetryOnFailure(false), WithHealthCheck(func(context.Context, any) (bool, error) {
		panic("check exploded")
	}))
	require.NoError(t, s.StartAll(context.Background()))

	s.PerformHealthChecks(context.Background())

	m, _ := s.Metrics("p")
	assert.Equal(t, 1, m.Errors)
	require.NotNil(t, m.LastError)
	assert.Contains(t, m.LastError.Message, "check exploded")
	assert.Equal(t, StateRunning, s.State("p"))
}

func TestPerformHealthChecks_Concurrent(t *testing.T) {
	s, _ := newTestSupervisor(t)
	const n = 4
	var wg sync.WaitGroup
	wg.Add(n)
	// Every check waits for all the others, which only completes when the
	// checks of one cycle run at the same time.
	check := func(context.Context, any) (bool, error) {
		wg.Done()
		done := make(chan struct{})
		go func() { wg.Wait(); close(done) }()
		select {
		case <-done:
			return true, nil
		case <-time.After(2 * time.Second):
			return false, nil
		}
	}
	for _, name := range []string{"a", "b", "c", "d"} {
		mustRegister(t, s, name, noopFactory, WithHealthCheck(check))
	}
	require.NoError(t, s.StartAll(context.Background()))

	s.PerformHealthChecks(context.Background())
	for name, m := range s.AllMetrics() {
		assert.Zero(t, m.HealthCheckFailures, name)
	}
}

func TestInitialize_SchedulesHealthChecks(t *testing.T) {
	s, rec := newTestSupervisor(t, func(c *Config) { c.HealthCheckInterval = time.Second })
	mustRegister(t, s, "sick", noopFactory, WithHealthCheck(func(context.Context, any) (bool, error) {
		return false, nil
	}))
	require.NoError(t, s.StartAll(context.Background()))

	require.NoError(t, s.Initialize(context.Background()))
	require.NoError(t, s.Initialize(context.Background()))

	assert.Eventually(t, func() bool { return rec.count("service-unhealthy") >= 1 }, 3*time.Second, 20*time.Millisecond)

	s.Cleanup(context.Background())
	seen := rec.count("service-unhealthy")
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, seen, rec.count("service-unhealthy"), "no checks after cleanup")
	assert.Equal(t, StateStopped, s.State("sick"))
}

func TestInitialize_RestartUnhealthy(t *testing.T) {
	s, _ := newTestSupervisor(t, func(c *Config) { c.RestartUnhealthy = true })
	svc := &fakeService{name: "sick", log: &callLog{}}
	var calls atomic.Int32
	mustRegister(t, s, "sick", factoryFor(svc), WithHealthCheck(func(context.Context, any) (bool, error) {
		return calls.Add(1) > 1, nil
	}))
	require.NoError(t, s.StartAll(context.Background()))
	require.NoError(t, s.Initialize(context.Background()))

	s.PerformHealthChecks(context.Background())

	assert.Eventually(t, func() bool {
		m, _ := s.Metrics("sick")
		return m.Restarts == 1 && s.State("sick") == StateRunning
	}, 2*time.Second, 5*time.Millisecond)

	m, _ := s.Metrics("sick")
	assert.Equal(t, 1, m.HealthCheckFailures)
	assert.Equal(t, 2, svc.startCount())
}
