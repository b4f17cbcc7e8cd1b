package container

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmatc13/overseer/pkg/service"
)

// fakeEngine simulates one container. exit makes Wait return the code.
type fakeEngine struct {
	mu       sync.Mutex
	running  bool
	startErr error
	stopErr  error
	closed   int
	exit     chan int64
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{exit: make(chan int64, 1)}
}

func (f *fakeEngine) Start(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	return nil
}

func (f *fakeEngine) Stop(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	return f.stopErr
}

func (f *fakeEngine) Running(context.Context, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running, nil
}

func (f *fakeEngine) Wait(ctx context.Context, _ string) (int64, error) {
	select {
	case code := <-f.exit:
		f.mu.Lock()
		f.running = false
		f.mu.Unlock()
		return code, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (f *fakeEngine) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func TestContainer_StartStop(t *testing.T) {
	engine := newFakeEngine()
	c := New("db", engine, nil)

	require.NoError(t, c.Start(context.Background()))
	ok, err := HealthCheck(context.Background(), c)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.Stop(context.Background()))
	ok, err = HealthCheck(context.Background(), c)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, engine.closed)

	select {
	case err := <-c.Errors():
		t.Fatalf("stop reported as failure: %v", err)
	default:
	}
}

func TestContainer_StartError(t *testing.T) {
	engine := newFakeEngine()
	engine.startErr = errors.New("no such image")
	c := New("db", engine, nil)

	err := c.Start(context.Background())
	assert.ErrorContains(t, err, `start container "db": no such image`)
	assert.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, 1, engine.closed)
}

func TestContainer_StopNotFound(t *testing.T) {
	engine := newFakeEngine()
	engine.stopErr = errdefs.ErrNotFound
	c := New("db", engine, nil)
	require.NoError(t, c.Start(context.Background()))
	assert.NoError(t, c.Stop(context.Background()))

	engine2 := newFakeEngine()
	engine2.stopErr = errors.New("daemon unreachable")
	c2 := New("db", engine2, nil)
	require.NoError(t, c2.Start(context.Background()))
	assert.ErrorContains(t, c2.Stop(context.Background()), "daemon unreachable")
}

func TestContainer_UnexpectedExit(t *testing.T) {
	engine := newFakeEngine()
	c := New("db", engine, nil)
	require.NoError(t, c.Start(context.Background()))

	engine.exit <- 137
	select {
	case err := <-c.Errors():
		assert.ErrorIs(t, err, ErrExited)
		assert.Contains(t, err.Error(), "status 137")
	case <-time.After(time.Second):
		t.Fatal("exit was not reported")
	}
	require.NoError(t, c.Stop(context.Background()))
}

func TestHealthCheck_WrongInstance(t *testing.T) {
	_, err := HealthCheck(context.Background(), 42)
	assert.Error(t, err)
}

func TestContainer_SupervisedRecovery(t *testing.T) {
	engine := newFakeEngine()
	sup := service.New(service.Config{RetryDelay: time.Millisecond, MaxRetries: 2})
	t.Cleanup(func() { sup.Cleanup(context.Background()) })

	factory := func(context.Context) (any, error) { return New("db", engine, nil), nil }
	require.NoError(t, sup.Register("db", factory, service.WithHealthCheck(HealthCheck)))
	require.NoError(t, sup.StartAll(context.Background()))
	require.Equal(t, service.StateRunning, sup.State("db"))

	engine.exit <- 1
	assert.Eventually(t, func() bool {
		m, _ := sup.Metrics("db")
		return m.Restarts == 1 && sup.State("db") == service.StateRunning
	}, 2*time.Second, 5*time.Millisecond)
}
