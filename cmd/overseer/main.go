// Package main runs the overseer supervisor. Services are declared in the
// configuration file, started in dependency order and supervised until the
// process receives SIGINT or SIGTERM.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/cmatc13/overseer/internal/admin"
	"github.com/cmatc13/overseer/internal/eventsink"
	"github.com/cmatc13/overseer/internal/services/container"
	"github.com/cmatc13/overseer/internal/services/process"
	"github.com/cmatc13/overseer/internal/services/redisstore"
	"github.com/cmatc13/overseer/pkg/config"
	"github.com/cmatc13/overseer/pkg/health"
	"github.com/cmatc13/overseer/pkg/logging"
	"github.com/cmatc13/overseer/pkg/metrics"
	"github.com/cmatc13/overseer/pkg/service"
)

const defaultShutdownTimeout = 30 * time.Second

func main() {
	fs := pflag.NewFlagSet("overseer", pflag.ExitOnError)
	config.RegisterFlags(fs)
	_ = fs.Parse(os.Args[1:])

	opts := config.DefaultLoadOptions()
	opts.Flags = fs

	cfg, err := config.LoadWithOptions(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "overseer: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup := service.New(service.Config{
		HealthCheckInterval: cfg.Supervisor.HealthCheckInterval,
		RetryDelay:          cfg.Supervisor.RetryDelay,
		MaxRetries:          cfg.Supervisor.MaxRetries,
		RestartUnhealthy:    cfg.Supervisor.RestartUnhealthy,
		Logger:              logger,
	})

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		mcfg := metrics.DefaultConfig()
		mcfg.Namespace = cfg.Metrics.Namespace
		m = metrics.New(mcfg)
		unsubscribe, err := m.Observe(sup)
		if err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
		defer unsubscribe()
		m.RecordUptime(ctx.Done())
	}

	if cfg.Kafka.Enabled {
		sink, err := eventsink.New(cfg.Kafka, logger)
		if err != nil {
			return err
		}
		unsubscribe := sink.Attach(sup)
		defer func() {
			unsubscribe()
			sink.Close()
		}()
		logger.Info("Publishing service events", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	checks := health.NewRegistry(logger)
	checks.Register("supervisor", health.SupervisorChecker(sup))
	checks.Register("memory", health.MemoryChecker(95))

	if err := registerServices(sup, cfg.Services, logger); err != nil {
		return err
	}
	for _, sc := range cfg.Services {
		if sc.Kind != config.KindRedis || !sc.AutoStartOrDefault() {
			continue
		}
		name := sc.Name
		checks.Register("redis:"+name, health.ServiceChecker(name, func(ctx context.Context) error {
			store, err := service.Lookup[*redisstore.Store](sup, name)
			if err != nil {
				return err
			}
			return store.Ping(ctx)
		}))
	}

	if cfg.Admin.Enabled {
		srv := admin.NewServer(cfg.Admin, sup, m, checks, logger)
		if err := sup.Register(admin.ServiceName, admin.Factory(srv),
			service.WithHealthCheck(admin.HealthCheck),
			service.WithPriority(-1),
		); err != nil {
			return err
		}
	}

	if err := sup.Initialize(ctx); err != nil {
		return err
	}

	logger.Info("Starting services", "count", sup.Len())
	if err := sup.StartAll(ctx); err != nil {
		logger.WithError(err).Error("Failed to start services")
	} else {
		logger.Info("Services started", "states", fmt.Sprint(sup.States()))
	}

	<-ctx.Done()
	logger.Info("Shutting down gracefully")

	timeout := cfg.Supervisor.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	sup.Cleanup(shutdownCtx)

	logger.Info("Shutdown complete")
	return nil
}

// registerServices registers every declared service with its options.
func registerServices(sup *service.Supervisor, services []config.ServiceConfig, logger *logging.Logger) error {
	for _, sc := range services {
		opts := []service.Option{
			service.WithDependencies(sc.Dependencies...),
			service.WithPriority(sc.Priority),
			service.WithAutoStart(sc.AutoStartOrDefault()),
			service.WithRetryOnFailure(sc.RetryOnFailureOrDefault()),
		}

		var factory service.Factory
		switch sc.Kind {
		case config.KindRedis:
			factory = redisstore.Factory(sc.Redis, logger)
			if sc.HealthCheck {
				opts = append(opts, service.WithHealthCheck(redisstore.HealthCheck))
			}
		case config.KindCommand:
			factory = process.Factory(sc, logger)
			if sc.HealthCheck {
				opts = append(opts, service.WithHealthCheck(process.HealthCheck))
			}
		case config.KindContainer:
			factory = container.Factory(sc, logger)
			if sc.HealthCheck {
				opts = append(opts, service.WithHealthCheck(container.HealthCheck))
			}
		default:
			return fmt.Errorf("service %q: unsupported kind %q", sc.Name, sc.Kind)
		}

		if err := sup.Register(sc.Name, factory, opts...); err != nil {
			return err
		}
	}
	return nil
}

// newLogger builds the process logger, teeing to cfg.Log.File when set.
func newLogger(cfg *config.Config) (*logging.Logger, func(), error) {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}

	lc := logging.DefaultConfig()
	lc.Level = level
	if cfg.Environment != "" {
		lc.Environment = cfg.Environment
	}

	closeFn := func() {}
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		lc.Output = io.MultiWriter(os.Stdout, f)
		closeFn = func() { f.Close() }
	}
	return logging.New(lc), closeFn, nil
}
