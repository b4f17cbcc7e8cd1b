// Package container supervises an existing Docker container through the
// Engine API. The container must already be created; Start starts it and
// Stop stops it.
package container

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/containerd/errdefs"
	"github.com/moby/moby/client"

	"github.com/cmatc13/overseer/pkg/config"
	"github.com/cmatc13/overseer/pkg/logging"
	"github.com/cmatc13/overseer/pkg/service"
)

// ErrExited is reported when the container stops without Stop being called.
var ErrExited = errors.New("container exited unexpectedly")

// Engine is the part of the Docker Engine API a Container needs.
type Engine interface {
	Start(ctx context.Context, ref string) error
	Stop(ctx context.Context, ref string) error
	Running(ctx context.Context, ref string) (bool, error)
	// Wait blocks until the container is no longer running and returns its
	// exit code.
	Wait(ctx context.Context, ref string) (int64, error)
	Close() error
}

// Container is one supervised Docker container.
type Container struct {
	ref    string
	engine Engine
	logger *logging.Logger

	errs     chan error
	stopping atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New wraps ref on engine.
func New(ref string, engine Engine, logger *logging.Logger) *Container {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Container{
		ref:    ref,
		engine: engine,
		logger: logger.WithField("container", ref),
		errs:   make(chan error, 1),
	}
}

// Factory returns a service.Factory connecting to the Docker daemon named by
// the environment (DOCKER_HOST and friends) on every start attempt.
func Factory(cfg config.ServiceConfig, logger *logging.Logger) service.Factory {
	return func(context.Context) (any, error) {
		engine, err := NewDockerEngine()
		if err != nil {
			return nil, err
		}
		return New(cfg.ContainerOrDefault(), engine, logger), nil
	}
}

// Start starts the container and watches it for an unexpected exit.
func (c *Container) Start(ctx context.Context) error {
	if err := c.engine.Start(ctx, c.ref); err != nil {
		c.engine.Close()
		return fmt.Errorf("start container %q: %w", c.ref, err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go c.watch(watchCtx)

	c.logger.Info("Container started")
	return nil
}

func (c *Container) watch(ctx context.Context) {
	defer c.wg.Done()

	code, err := c.engine.Wait(ctx, c.ref)
	if c.stopping.Load() || ctx.Err() != nil {
		return
	}
	if err != nil {
		err = fmt.Errorf("wait container %q: %w", c.ref, err)
	} else {
		err = fmt.Errorf("%w: %q exited with status %d", ErrExited, c.ref, code)
	}
	c.logger.Warn("Container exited", "error", err.Error())
	c.errs <- err
}

// Stop stops the container. A container that no longer exists counts as
// stopped. Stop is a no-op when Start did not succeed.
func (c *Container) Stop(ctx context.Context) error {
	if c.cancel == nil {
		return nil
	}
	c.stopping.Store(true)
	defer c.engine.Close()

	err := c.engine.Stop(ctx, c.ref)
	c.cancel()
	c.wg.Wait()

	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("stop container %q: %w", c.ref, err)
	}
	c.logger.Info("Container stopped")
	return nil
}

// Errors reports unexpected exits.
func (c *Container) Errors() <-chan error {
	return c.errs
}

// HealthCheck is the supervisor health predicate for a Container.
func HealthCheck(ctx context.Context, instance any) (bool, error) {
	c, ok := instance.(*Container)
	if !ok {
		return false, fmt.Errorf("unexpected instance %T", instance)
	}
	return c.engine.Running(ctx, c.ref)
}

// dockerEngine implements Engine with the moby client.
type dockerEngine struct {
	client *client.Client
}

// NewDockerEngine connects using environment variables (e.g. DOCKER_HOST).
func NewDockerEngine() (Engine, error) {
	c, err := client.New(client.FromEnv)
	if err != nil {
		return nil, err
	}
	return &dockerEngine{client: c}, nil
}

func (d *dockerEngine) Start(ctx context.Context, ref string) error {
	_, err := d.client.ContainerStart(ctx, ref, client.ContainerStartOptions{})
	return err
}

func (d *dockerEngine) Stop(ctx context.Context, ref string) error {
	_, err := d.client.ContainerStop(ctx, ref, client.ContainerStopOptions{})
	return err
}

func (d *dockerEngine) Running(ctx context.Context, ref string) (bool, error) {
	inspect, err := d.client.ContainerInspect(ctx, ref, client.ContainerInspectOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	state := inspect.Container.State
	return state != nil && state.Running, nil
}

func (d *dockerEngine) Wait(ctx context.Context, ref string) (int64, error) {
	wait := d.client.ContainerWait(ctx, ref, client.ContainerWaitOptions{})
	select {
	case err := <-wait.Error:
		return 0, err
	case res := <-wait.Result:
		return res.StatusCode, nil
	}
}

func (d *dockerEngine) Close() error {
	return d.client.Close()
}
