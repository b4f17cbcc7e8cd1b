// Package redisstore provides a supervised Redis client.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/cmatc13/overseer/pkg/config"
	"github.com/cmatc13/overseer/pkg/logging"
	"github.com/cmatc13/overseer/pkg/service"
)

// pingTimeout bounds a health-check ping.
const pingTimeout = 2 * time.Second

// Store is a Redis connection managed by the supervisor. Dependents obtain it
// with service.Lookup[*redisstore.Store] and use Client directly.
type Store struct {
	Client *redis.Client
	addr   string
	logger *logging.Logger
}

// New creates a store; no connection is made until Start.
func New(cfg config.RedisConfig, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Store{
		Client: redis.NewClient(&redis.Options{
			Addr:     cfg.Address,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		addr:   cfg.Address,
		logger: logger,
	}
}

// Factory returns a service.Factory building a new Store per start attempt.
func Factory(cfg config.RedisConfig, logger *logging.Logger) service.Factory {
	return func(context.Context) (any, error) {
		return New(cfg, logger), nil
	}
}

// Start verifies the connection.
func (s *Store) Start(ctx context.Context) error {
	if err := s.Client.Ping(ctx).Err(); err != nil {
		s.Client.Close()
		return fmt.Errorf("failed to connect to Redis at %s: %w", s.addr, err)
	}
	s.logger.Info("Connected to Redis", "addr", s.addr)
	return nil
}

// Stop closes the connection pool. Closing an already closed pool, as after
// a failed Start, is not an error.
func (s *Store) Stop(context.Context) error {
	if err := s.Client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}

// Ping checks the connection within pingTimeout.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return s.Client.Ping(ctx).Err()
}

// HealthCheck is the supervisor health predicate for a Store. A failed ping
// reports unhealthy rather than an error so recovery follows the
// restart-unhealthy policy.
func HealthCheck(ctx context.Context, instance any) (bool, error) {
	s, ok := instance.(*Store)
	if !ok {
		return false, fmt.Errorf("unexpected instance %T", instance)
	}
	if err := s.Ping(ctx); err != nil {
		s.logger.Warn("Redis ping failed", "addr", s.addr, "error", err.Error())
		return false, nil
	}
	return true, nil
}
