// Package config loads and validates the daemon configuration from
// environment variables (prefix LICGATE) merged over an optional YAML file.
// Paths are always resolved relative to the executable directory, never the
// current working directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete daemon configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server" envconfig:"SERVER"`
	Logging LoggingConfig `yaml:"logging" envconfig:"LOGGING"`
	Channel ChannelConfig `yaml:"channel" envconfig:"CHANNEL"`
	Store   StoreConfig   `yaml:"store" envconfig:"STORE"`
	Product ProductConfig `yaml:"product" envconfig:"PRODUCT"`
	Genuine GenuineConfig `yaml:"genuine" envconfig:"GENUINE"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"stdout"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/licensed.log"`
}

// ChannelConfig points at the licensing service.
type ChannelConfig struct {
	BaseURL string        `yaml:"base_url" envconfig:"BASE_URL" validate:"required,url"`
	APIKey  string        `yaml:"api_key" envconfig:"API_KEY"`
	Timeout time.Duration `yaml:"timeout" envconfig:"TIMEOUT" default:"30s"`
}

// StoreConfig locates the durable local state.
type StoreConfig struct {
	Dir    string `yaml:"dir" envconfig:"DIR" default:"state"`
	Secret string `yaml:"secret" envconfig:"SECRET" validate:"required,min=16"`
}

// ProductConfig identifies the product version this daemon guards.
type ProductConfig struct {
	VersionGUID string `yaml:"version_guid" envconfig:"VERSION_GUID" validate:"required,min=8"`
	TrialDays   int    `yaml:"trial_days" envconfig:"TRIAL_DAYS" default:"14" validate:"gte=0"`
}

// GenuineConfig sets the verification cadence.
type GenuineConfig struct {
	DaysBetweenChecks    int           `yaml:"days_between_checks" envconfig:"DAYS_BETWEEN_CHECKS" default:"90" validate:"gte=0"`
	GraceDaysOnNetError  int           `yaml:"grace_days_on_net_error" envconfig:"GRACE_DAYS_ON_NET_ERROR" default:"14" validate:"gte=0"`
	SkipOfflineShowError bool          `yaml:"skip_offline_show_error" envconfig:"SKIP_OFFLINE_SHOW_ERROR" default:"false"`
	RecheckInterval      time.Duration `yaml:"recheck_interval" envconfig:"RECHECK_INTERVAL" default:"6h"`
}

// Load loads configuration from environment variables and, when present,
// the config file next to the executable.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigPath())
}

// LoadFrom loads configuration with an explicit config file path. A missing
// file is not an error; the environment alone can configure the daemon.
func LoadFrom(configFile string) (*Config, error) {
	var cfg Config

	if configFile != "" {
		if _, err := os.Stat(configFile); err == nil {
			data, err := os.ReadFile(configFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Environment overrides the file; defaults fill the rest.
	if err := envconfig.Process("LICGATE", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.resolvePaths(); err != nil {
		return nil, fmt.Errorf("failed to resolve paths: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration against its declared constraints.
func (c *Config) Validate() error {
	return validator.New().Struct(c)
}

// resolvePaths makes relative paths absolute against the executable
// directory.
func (c *Config) resolvePaths() error {
	base, err := ExecutableDir()
	if err != nil {
		return err
	}
	if !filepath.IsAbs(c.Store.Dir) {
		c.Store.Dir = filepath.Join(base, c.Store.Dir)
	}
	if !filepath.IsAbs(c.Logging.FilePath) {
		c.Logging.FilePath = filepath.Join(base, c.Logging.FilePath)
	}
	return nil
}

// DefaultConfigPath is the config file next to the executable.
func DefaultConfigPath() string {
	base, err := ExecutableDir()
	if err != nil {
		return "licensed.yaml"
	}
	return filepath.Join(base, "licensed.yaml")
}

// ExecutableDir returns the directory containing the running executable,
// with symlinks resolved.
func ExecutableDir() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to get executable path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Dir(exe), nil
}
