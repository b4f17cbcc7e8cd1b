// Package config loads overseer configuration from defaults, an optional
// config file, a .env file, OVERSEER_* environment variables and flags, in
// increasing order of precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	apperrors "github.com/cmatc13/overseer/pkg/errors"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Service kinds understood by the entry point.
const (
	KindRedis     = "redis"
	KindCommand   = "command"
	KindContainer = "container"
)

const domain = "config"

// Config holds all configuration for the application
type Config struct {
	Environment string           `mapstructure:"environment"`
	Supervisor  SupervisorConfig `mapstructure:"supervisor"`
	Admin       AdminConfig      `mapstructure:"admin"`
	Log         LogConfig        `mapstructure:"log"`
	Metrics     MetricsConfig    `mapstructure:"metrics"`
	Redis       RedisConfig      `mapstructure:"redis"`
	Kafka       KafkaConfig      `mapstructure:"kafka"`
	Services    []ServiceConfig  `mapstructure:"services"`
}

// SupervisorConfig holds the supervision policy
type SupervisorConfig struct {
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	RetryDelay          time.Duration `mapstructure:"retry_delay"`
	MaxRetries          int           `mapstructure:"max_retries"`
	RestartUnhealthy    bool          `mapstructure:"restart_unhealthy"`
	ShutdownTimeout     time.Duration `mapstructure:"shutdown_timeout"`
}

// AdminConfig holds admin HTTP API configuration
type AdminConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	Addr               string        `mapstructure:"addr"`
	JWTSecret          string        `mapstructure:"jwt_secret"`
	RateLimit          int           `mapstructure:"rate_limit"`
	CORSAllowedOrigins []string      `mapstructure:"cors_allowed_origins"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
	// File, when set, receives the log stream in addition to stdout.
	File string `mapstructure:"file"`
}

// MetricsConfig holds Prometheus configuration
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig holds the lifecycle event sink settings
type KafkaConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
}

// ServiceConfig declares one supervised service.
type ServiceConfig struct {
	Name         string   `mapstructure:"name"`
	Kind         string   `mapstructure:"kind"`
	Dependencies []string `mapstructure:"dependencies"`
	Priority     int      `mapstructure:"priority"`
	// AutoStart and RetryOnFailure default to true when unset.
	AutoStart      *bool `mapstructure:"auto_start"`
	RetryOnFailure *bool `mapstructure:"retry_on_failure"`
	HealthCheck    bool  `mapstructure:"health_check"`

	// Command kind
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	Env     []string `mapstructure:"env"`
	Dir     string   `mapstructure:"dir"`

	// Redis kind; empty fields fall back to the top-level redis section.
	Redis RedisConfig `mapstructure:"redis"`

	// Container kind: an existing Docker container, by name or ID.
	// Defaults to Name.
	Container string `mapstructure:"container"`
}

// ContainerOrDefault returns the container reference for a container service.
func (s ServiceConfig) ContainerOrDefault() string {
	if s.Container != "" {
		return s.Container
	}
	return s.Name
}

// AutoStartOrDefault returns AutoStart, defaulting to true.
func (s ServiceConfig) AutoStartOrDefault() bool {
	return s.AutoStart == nil || *s.AutoStart
}

// RetryOnFailureOrDefault returns RetryOnFailure, defaulting to true.
func (s ServiceConfig) RetryOnFailureOrDefault() bool {
	return s.RetryOnFailure == nil || *s.RetryOnFailure
}

// LoadOptions controls where configuration is read from
type LoadOptions struct {
	// ConfigFile is a YAML, JSON or TOML file. Empty means none.
	ConfigFile string
	// EnvFile is a dotenv file loaded into the process environment.
	// A missing file is ignored.
	EnvFile string
	// EnvPrefix prefixes environment variable names.
	EnvPrefix string
	// Flags, when set, override every other source for the flags that were
	// changed on the command line. See RegisterFlags.
	Flags *pflag.FlagSet
}

// DefaultLoadOptions returns the default load options
func DefaultLoadOptions() LoadOptions {
	return LoadOptions{
		EnvFile:   ".env",
		EnvPrefix: "OVERSEER",
	}
}

// flag name -> config key
var flagKeys = map[string]string{
	"log-level":             "log.level",
	"log-file":              "log.file",
	"admin-addr":            "admin.addr",
	"health-check-interval": "supervisor.health_check_interval",
	"restart-unhealthy":     "supervisor.restart_unhealthy",
}

// RegisterFlags adds the command-line flags understood by LoadWithOptions.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.StringP("config", "c", "", "Path to configuration file")
	fs.String("env-file", ".env", "Path to dotenv file")
	fs.String("log-level", "info", "Log level (debug, info, warn, error)")
	fs.String("log-file", "", "Also write logs to this file")
	fs.String("admin-addr", ":8080", "Admin API listen address")
	fs.Duration("health-check-interval", 30*time.Second, "Interval between health-check cycles")
	fs.Bool("restart-unhealthy", false, "Restart services whose health check reports unhealthy")
}

// Load loads configuration with the default options
func Load() (*Config, error) {
	return LoadWithOptions(DefaultLoadOptions())
}

// LoadWithOptions loads configuration from the sources named in opts
func LoadWithOptions(opts LoadOptions) (*Config, error) {
	if opts.Flags != nil {
		if f := opts.Flags.Lookup("config"); f != nil && f.Changed {
			opts.ConfigFile = f.Value.String()
		}
		if f := opts.Flags.Lookup("env-file"); f != nil && f.Changed {
			opts.EnvFile = f.Value.String()
		}
	}

	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !os.IsNotExist(err) {
			return nil, wrap(err, "failed to load env file", opts.EnvFile)
		}
	}

	v := viper.New()
	setDefaults(v)

	if opts.EnvPrefix != "" {
		v.SetEnvPrefix(opts.EnvPrefix)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, wrap(err, "failed to read config file", opts.ConfigFile)
		}
	}

	if opts.Flags != nil {
		for name, key := range flagKeys {
			if f := opts.Flags.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, wrap(err, "failed to bind flag", name)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, wrap(err, "failed to decode configuration", opts.ConfigFile)
	}

	for i := range cfg.Services {
		svc := &cfg.Services[i]
		if svc.Kind == KindRedis {
			if svc.Redis.Address == "" {
				svc.Redis.Address = cfg.Redis.Address
				svc.Redis.Password = cfg.Redis.Password
				svc.Redis.DB = cfg.Redis.DB
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("supervisor.health_check_interval", 30*time.Second)
	v.SetDefault("supervisor.retry_delay", time.Second)
	v.SetDefault("supervisor.max_retries", 3)
	v.SetDefault("supervisor.restart_unhealthy", false)
	v.SetDefault("supervisor.shutdown_timeout", 30*time.Second)

	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.addr", ":8080")
	v.SetDefault("admin.jwt_secret", "")
	v.SetDefault("admin.rate_limit", 100)
	v.SetDefault("admin.cors_allowed_origins", []string{"*"})
	v.SetDefault("admin.read_timeout", 15*time.Second)
	v.SetDefault("admin.write_timeout", 15*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "overseer")

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.topic", "overseer.service-events")
}

// Validate checks the configuration for values the supervisor cannot use.
func (c *Config) Validate() error {
	if c.Supervisor.MaxRetries < 1 {
		return invalid("supervisor.max_retries must be at least 1; set retry_on_failure: false on a service to disable retries")
	}
	if c.Supervisor.HealthCheckInterval < time.Second {
		return invalid("supervisor.health_check_interval must be at least 1s")
	}
	if c.Kafka.Enabled && c.Kafka.Topic == "" {
		return invalid("kafka.topic is required when kafka is enabled")
	}

	seen := make(map[string]bool, len(c.Services))
	for i, svc := range c.Services {
		if svc.Name == "" {
			return invalid(fmt.Sprintf("services[%d].name is required", i))
		}
		if seen[svc.Name] {
			return invalid(fmt.Sprintf("services[%d]: duplicate name %q", i, svc.Name))
		}
		seen[svc.Name] = true

		switch svc.Kind {
		case KindRedis, KindContainer:
		case KindCommand:
			if svc.Command == "" {
				return invalid(fmt.Sprintf("service %q: command is required", svc.Name))
			}
		default:
			return invalid(fmt.Sprintf("service %q: unknown kind %q", svc.Name, svc.Kind))
		}
	}
	return nil
}

func wrap(err error, message, source string) error {
	err = apperrors.WrapWithDomain(apperrors.Wrap(err, message), domain)
	if source != "" {
		err = apperrors.WrapWithField(err, "source", source)
	}
	return err
}

func invalid(message string) error {
	return apperrors.WrapWithDomain(apperrors.Wrap(apperrors.ErrInvalidInput, message), domain)
}
