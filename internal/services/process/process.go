// Package process supervises a long-running operating-system command.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/cmatc13/overseer/pkg/config"
	"github.com/cmatc13/overseer/pkg/logging"
	"github.com/cmatc13/overseer/pkg/service"
)

// ErrExited is reported when the command exits without being stopped.
var ErrExited = errors.New("process exited unexpectedly")

// Process runs one command. Its output is logged line by line and an
// unexpected exit is reported through Errors.
type Process struct {
	cfg    config.ServiceConfig
	logger *logging.Logger

	cmd      *exec.Cmd
	errs     chan error
	done     chan struct{}
	stopping atomic.Bool
}

// New creates a process for cfg; nothing runs until Start.
func New(cfg config.ServiceConfig, logger *logging.Logger) *Process {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Process{
		cfg:    cfg,
		logger: logger.WithService(cfg.Name),
		errs:   make(chan error, 1),
	}
}

// Factory returns a service.Factory creating a new Process per start attempt.
func Factory(cfg config.ServiceConfig, logger *logging.Logger) service.Factory {
	return func(context.Context) (any, error) {
		return New(cfg, logger), nil
	}
}

// Start launches the command. It returns once the process is running.
func (p *Process) Start(context.Context) error {
	cmd := exec.Command(p.cfg.Command, p.cfg.Args...)
	cmd.Dir = p.cfg.Dir
	cmd.Env = append(os.Environ(), p.cfg.Env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", p.cfg.Command, err)
	}
	p.cmd = cmd
	p.done = make(chan struct{})

	var output sync.WaitGroup
	output.Add(2)
	go p.pipe(&output, stdout, "stdout")
	go p.pipe(&output, stderr, "stderr")

	go func() {
		defer close(p.done)
		output.Wait()
		err := cmd.Wait()

		if p.stopping.Load() {
			return
		}
		if err == nil {
			err = ErrExited
		} else {
			err = fmt.Errorf("%w: %w", ErrExited, err)
		}
		p.logger.Warn("Process exited", "pid", cmd.Process.Pid, "error", err.Error())
		p.errs <- err
	}()

	p.logger.Info("Process started", "command", p.cfg.Command, "pid", cmd.Process.Pid)
	return nil
}

func (p *Process) pipe(wg *sync.WaitGroup, r io.Reader, stream string) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		p.logger.Info(scanner.Text(), "stream", stream)
	}
}

// Stop sends SIGTERM and waits for the process to exit, killing it when ctx
// expires first.
func (p *Process) Stop(ctx context.Context) error {
	if p.cmd == nil {
		return nil
	}
	p.stopping.Store(true)

	select {
	case <-p.done:
		return nil
	default:
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
		<-p.done
		return ctx.Err()
	}
}

// Errors reports unexpected exits.
func (p *Process) Errors() <-chan error {
	return p.errs
}

// Running reports whether the process has been started and not exited.
func (p *Process) Running() bool {
	if p.done == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Pid returns the process id, or 0 before Start.
func (p *Process) Pid() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// HealthCheck is the supervisor health predicate for a Process.
func HealthCheck(_ context.Context, instance any) (bool, error) {
	p, ok := instance.(*Process)
	if !ok {
		return false, fmt.Errorf("unexpected instance %T", instance)
	}
	return p.Running(), nil
}
