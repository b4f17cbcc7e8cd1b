package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmatc13/overseer/pkg/config"
	"github.com/cmatc13/overseer/pkg/logging"
	"github.com/cmatc13/overseer/pkg/service"
)

func TestRegisterServices(t *testing.T) {
	off := false
	sup := service.New(service.Config{})
	err := registerServices(sup, []config.ServiceConfig{
		{Name: "cache", Kind: config.KindRedis, Priority: 5, HealthCheck: true},
		{
			Name:           "worker",
			Kind:           config.KindCommand,
			Command:        "/bin/true",
			Dependencies:   []string{"cache"},
			AutoStart:      &off,
			RetryOnFailure: &off,
		},
		{Name: "db", Kind: config.KindContainer, Container: "postgres-1", HealthCheck: true},
	}, logging.Nop())
	require.NoError(t, err)

	cache, ok := sup.Descriptor("cache")
	require.True(t, ok)
	assert.Equal(t, 5, cache.Priority)
	assert.NotNil(t, cache.HealthCheck)
	assert.True(t, cache.AutoStart)
	assert.True(t, cache.RetryOnFailure)

	worker, ok := sup.Descriptor("worker")
	require.True(t, ok)
	assert.Equal(t, []string{"cache"}, worker.Dependencies)
	assert.Nil(t, worker.HealthCheck)
	assert.False(t, worker.AutoStart)
	assert.False(t, worker.RetryOnFailure)

	db, ok := sup.Descriptor("db")
	require.True(t, ok)
	assert.NotNil(t, db.HealthCheck)
}

func TestRegisterServices_Errors(t *testing.T) {
	sup := service.New(service.Config{})
	err := registerServices(sup, []config.ServiceConfig{{Name: "x", Kind: "ftp"}}, logging.Nop())
	assert.ErrorContains(t, err, `unsupported kind "ftp"`)

	err = registerServices(sup, []config.ServiceConfig{
		{Name: "dup", Kind: config.KindRedis},
		{Name: "dup", Kind: config.KindRedis},
	}, logging.Nop())
	assert.ErrorIs(t, err, service.ErrDuplicateService)
}

func TestNewLogger(t *testing.T) {
	_, _, err := newLogger(&config.Config{Log: config.LogConfig{Level: "loud"}})
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "overseer.log")
	logger, closeLog, err := newLogger(&config.Config{Log: config.LogConfig{Level: "info", File: path}})
	require.NoError(t, err)
	logger.Info("hello")
	closeLog()
	assert.FileExists(t, path)
}
