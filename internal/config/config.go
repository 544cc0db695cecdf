// Package config loads flockd configuration.
//
// Sources, in order of precedence:
//  1. Environment variables prefixed with FLOCK_ (FLOCK_WORKERS, FLOCK_API_PORT, ...)
//  2. An optional YAML file passed with -config
//  3. Defaults
//
// Example file:
//
//	workers: 4
//	api_port: 3000
//	real_ip_header: X-Forwarded-For
//	admin_addr: 127.0.0.1:9100
//	log_level: debug
//	environment: development
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Defaults.
const (
	DefaultWorkers            = 2
	DefaultAPIPort            = 3000
	DefaultRealIPHeader       = "X-Forwarded-For"
	DefaultHandoffReadTimeout = 5 * time.Second
	DefaultCacheTimeout       = 5 * time.Second
	DefaultAdminAddr          = "127.0.0.1:9100"
	DefaultLogLevel           = "info"
	DefaultEnvironment        = EnvProduction
	DefaultShutdownTimeout    = 10 * time.Second
	DefaultWorkerMode         = ModeProcess
)

// Environments.
const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
)

// Worker modes.
const (
	// ModeProcess runs each worker as a separate OS process.
	ModeProcess = "process"
	// ModeInProcess runs workers as goroutines of the supervisor.
	ModeInProcess = "inprocess"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FLOCK"

// Config is the effective flockd configuration.
type Config struct {
	APIHost            string        `mapstructure:"api_host" yaml:"api_host"`
	RealIPHeader       string        `mapstructure:"real_ip_header" yaml:"real_ip_header"`
	AdminAddr          string        `mapstructure:"admin_addr" yaml:"admin_addr"` // empty disables the admin server
	LogLevel           string        `mapstructure:"log_level" yaml:"log_level"`
	Environment        string        `mapstructure:"environment" yaml:"environment"`
	WorkerMode         string        `mapstructure:"worker_mode" yaml:"worker_mode"`
	Workers            int           `mapstructure:"workers" yaml:"workers"`
	APIPort            int           `mapstructure:"api_port" yaml:"api_port"`
	HandoffReadTimeout time.Duration `mapstructure:"handoff_read_timeout" yaml:"handoff_read_timeout"`
	CacheTimeout       time.Duration `mapstructure:"cache_timeout" yaml:"cache_timeout"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// Load reads the configuration. path may be empty, in which case only
// defaults and the environment apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("workers", DefaultWorkers)
	v.SetDefault("api_host", "")
	v.SetDefault("api_port", DefaultAPIPort)
	v.SetDefault("real_ip_header", DefaultRealIPHeader)
	v.SetDefault("handoff_read_timeout", DefaultHandoffReadTimeout)
	v.SetDefault("cache_timeout", DefaultCacheTimeout)
	v.SetDefault("admin_addr", DefaultAdminAddr)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("environment", DefaultEnvironment)
	v.SetDefault("shutdown_timeout", DefaultShutdownTimeout)
	v.SetDefault("worker_mode", DefaultWorkerMode)
}

// Validate checks the configuration for values flockd cannot run with.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("%w: workers must be at least 1, got %d", ErrInvalid, c.Workers)
	}
	if c.APIPort < 0 || c.APIPort > 65535 {
		return fmt.Errorf("%w: api_port must be between 0 and 65535, got %d", ErrInvalid, c.APIPort)
	}
	if strings.TrimSpace(c.RealIPHeader) == "" {
		return fmt.Errorf("%w: real_ip_header must not be empty", ErrInvalid)
	}
	if c.Environment != EnvProduction && c.Environment != EnvDevelopment {
		return fmt.Errorf("%w: environment must be %q or %q, got %q", ErrInvalid, EnvProduction, EnvDevelopment, c.Environment)
	}
	if c.WorkerMode != ModeProcess && c.WorkerMode != ModeInProcess {
		return fmt.Errorf("%w: worker_mode must be %q or %q, got %q", ErrInvalid, ModeProcess, ModeInProcess, c.WorkerMode)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: log_level must be debug, info, warn or error, got %q", ErrInvalid, c.LogLevel)
	}
	if c.HandoffReadTimeout <= 0 {
		return fmt.Errorf("%w: handoff_read_timeout must be positive", ErrInvalid)
	}
	if c.CacheTimeout <= 0 {
		return fmt.Errorf("%w: cache_timeout must be positive", ErrInvalid)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: shutdown_timeout must be positive", ErrInvalid)
	}
	return nil
}

// Development reports whether error details may be shown to clients.
func (c *Config) Development() bool { return c.Environment == EnvDevelopment }

// YAML renders the configuration for debug logging.
func (c *Config) YAML() string {
	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<unrenderable config: %v>", err)
	}
	return string(out)
}
