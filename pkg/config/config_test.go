package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	apperrors "github.com/cmatc13/overseer/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func testOptions() LoadOptions {
	opts := DefaultLoadOptions()
	opts.EnvFile = ""
	return opts
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := LoadWithOptions(testOptions())
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Supervisor.HealthCheckInterval)
	assert.Equal(t, time.Second, cfg.Supervisor.RetryDelay)
	assert.Equal(t, 3, cfg.Supervisor.MaxRetries)
	assert.False(t, cfg.Supervisor.RestartUnhealthy)
	assert.Equal(t, ":8080", cfg.Admin.Addr)
	assert.Equal(t, []string{"*"}, cfg.Admin.CORSAllowedOrigins)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "overseer", cfg.Metrics.Namespace)
	assert.False(t, cfg.Kafka.Enabled)
	assert.Empty(t, cfg.Services)
}

func TestLoad_FileEnvAndFlags(t *testing.T) {
	path := writeFile(t, "overseer.yaml", `
supervisor:
  health_check_interval: 10s
  retry_delay: 250ms
  max_retries: 5
admin:
  addr: ":9000"
redis:
  address: "redis:6379"
services:
  - name: cache
    kind: redis
    health_check: true
  - name: worker
    kind: command
    command: /bin/sleep
    args: ["60"]
    dependencies: [cache]
    priority: 2
    auto_start: false
    retry_on_failure: false
`)
	t.Setenv("OVERSEER_SUPERVISOR_MAX_RETRIES", "7")
	t.Setenv("OVERSEER_LOG_LEVEL", "warn")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--config", path, "--admin-addr", ":9100", "--restart-unhealthy"}))

	opts := testOptions()
	opts.Flags = fs
	cfg, err := LoadWithOptions(opts)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.Supervisor.HealthCheckInterval)
	assert.Equal(t, 250*time.Millisecond, cfg.Supervisor.RetryDelay)
	assert.Equal(t, 7, cfg.Supervisor.MaxRetries, "env overrides file")
	assert.True(t, cfg.Supervisor.RestartUnhealthy)
	assert.Equal(t, ":9100", cfg.Admin.Addr, "flag overrides file")
	assert.Equal(t, "warn", cfg.Log.Level)

	require.Len(t, cfg.Services, 2)
	cache := cfg.Services[0]
	assert.Equal(t, KindRedis, cache.Kind)
	assert.Equal(t, "redis:6379", cache.Redis.Address, "falls back to the redis section")
	assert.True(t, cache.HealthCheck)
	assert.True(t, cache.AutoStartOrDefault())
	assert.True(t, cache.RetryOnFailureOrDefault())

	worker := cfg.Services[1]
	assert.Equal(t, "/bin/sleep", worker.Command)
	assert.Equal(t, []string{"60"}, worker.Args)
	assert.Equal(t, []string{"cache"}, worker.Dependencies)
	assert.Equal(t, 2, worker.Priority)
	assert.False(t, worker.AutoStartOrDefault())
	assert.False(t, worker.RetryOnFailureOrDefault())
}

func TestLoad_EnvFile(t *testing.T) {
	path := writeFile(t, ".env", "OVERSEER_ADMIN_JWT_SECRET=from-dotenv\n")
	t.Setenv("OVERSEER_ADMIN_JWT_SECRET", "")
	require.NoError(t, os.Unsetenv("OVERSEER_ADMIN_JWT_SECRET"))

	opts := testOptions()
	opts.EnvFile = path
	cfg, err := LoadWithOptions(opts)
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Admin.JWTSecret)
}

func TestLoad_MissingEnvFileIgnored(t *testing.T) {
	opts := testOptions()
	opts.EnvFile = filepath.Join(t.TempDir(), "absent.env")
	_, err := LoadWithOptions(opts)
	assert.NoError(t, err)
}

func TestLoad_MissingConfigFile(t *testing.T) {
	opts := testOptions()
	opts.ConfigFile = filepath.Join(t.TempDir(), "absent.yaml")
	_, err := LoadWithOptions(opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[config]")
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{Supervisor: SupervisorConfig{HealthCheckInterval: time.Second, MaxRetries: 1}}
	}
	tests := map[string]struct {
		mutate func(*Config)
		ok     bool
	}{
		"valid": {mutate: func(*Config) {}, ok: true},
		"negative_retries": {
			mutate: func(c *Config) { c.Supervisor.MaxRetries = -1 },
		},
		"zero_retries": {
			mutate: func(c *Config) { c.Supervisor.MaxRetries = 0 },
		},
		"sub_second_interval": {
			mutate: func(c *Config) { c.Supervisor.HealthCheckInterval = 100 * time.Millisecond },
		},
		"kafka_without_topic": {
			mutate: func(c *Config) { c.Kafka.Enabled = true },
		},
		"unnamed_service": {
			mutate: func(c *Config) { c.Services = []ServiceConfig{{Kind: KindRedis}} },
		},
		"duplicate_service": {
			mutate: func(c *Config) {
				c.Services = []ServiceConfig{{Name: "a", Kind: KindRedis}, {Name: "a", Kind: KindRedis}}
			},
		},
		"command_without_command": {
			mutate: func(c *Config) { c.Services = []ServiceConfig{{Name: "a", Kind: KindCommand}} },
		},
		"container_service": {
			mutate: func(c *Config) { c.Services = []ServiceConfig{{Name: "db", Kind: KindContainer}} },
			ok:     true,
		},
		"unknown_kind": {
			mutate: func(c *Config) { c.Services = []ServiceConfig{{Name: "a", Kind: "ftp"}} },
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
		})
	}
}

func TestServiceConfig_ContainerOrDefault(t *testing.T) {
	assert.Equal(t, "db", ServiceConfig{Name: "db"}.ContainerOrDefault())
	assert.Equal(t, "postgres-1", ServiceConfig{Name: "db", Container: "postgres-1"}.ContainerOrDefault())
}
