// Package config handles configuration loading for conductor. It supports
// XDG config paths, a project-level .conductor.yaml override, and environment
// variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration.
type Config struct {
	Oracle    OracleConfig    `mapstructure:"oracle"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Server    ServerConfig    `mapstructure:"server"`
}

// OracleConfig holds settings for the reasoning model endpoint.
type OracleConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

// ExecutionConfig holds coordinator settings.
type ExecutionConfig struct {
	Owner          string        `mapstructure:"owner"`
	Concurrency    int           `mapstructure:"concurrency"`
	MaxReplans     int           `mapstructure:"max_replans"`
	FailFast       bool          `mapstructure:"fail_fast"`
	SubtaskTimeout time.Duration `mapstructure:"subtask_timeout"`
	Promote        bool          `mapstructure:"promote"`
}

// RetryConfig holds the retry policy knobs.
type RetryConfig struct {
	MaxRetries    int           `mapstructure:"max_retries"`
	Strategy      string        `mapstructure:"strategy"`
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	BackoffFactor float64       `mapstructure:"backoff_factor"`
}

// MemoryConfig holds layered memory settings.
type MemoryConfig struct {
	WorkingCapacity int     `mapstructure:"working_capacity"`
	TokenBudget     int     `mapstructure:"token_budget"`
	StorageDir      string  `mapstructure:"storage_dir"`
	DecayFloor      float64 `mapstructure:"decay_floor"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load loads configuration with the following precedence (highest first):
// environment variables, project config (.conductor.yaml in the current
// directory or a parent), user config (~/.config/conductor/config.yaml),
// built-in defaults.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		pv := viper.New()
		pv.SetConfigFile(projectConfig)
		if err := pv.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(pv.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.BindEnv("oracle.api_key", "CONDUCTOR_API_KEY")
	v.BindEnv("oracle.base_url", "CONDUCTOR_BASE_URL")
	v.BindEnv("oracle.model", "CONDUCTOR_MODEL")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Oracle.APIKey = os.ExpandEnv(cfg.Oracle.APIKey)
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Oracle.APIKey = os.ExpandEnv(cfg.Oracle.APIKey)
	return cfg, nil
}

// UserConfigPath returns the path to the user config file.
func UserConfigPath() string {
	return filepath.Join(userConfigDir(), "config.yaml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("oracle.api_key", "")
	v.SetDefault("oracle.base_url", "")
	v.SetDefault("oracle.model", "")

	v.SetDefault("execution.owner", "default")
	v.SetDefault("execution.concurrency", 4)
	v.SetDefault("execution.max_replans", 2)
	v.SetDefault("execution.fail_fast", false)
	v.SetDefault("execution.subtask_timeout", "60s")
	v.SetDefault("execution.promote", true)

	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.strategy", "exponential_backoff")
	v.SetDefault("retry.base_delay", "1s")
	v.SetDefault("retry.max_delay", "30s")
	v.SetDefault("retry.backoff_factor", 2.0)

	v.SetDefault("memory.working_capacity", 7)
	v.SetDefault("memory.token_budget", 2000)
	v.SetDefault("memory.storage_dir", "")
	v.SetDefault("memory.decay_floor", 0.05)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.allowed_origins", []string{"*"})
}

func userConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "conductor")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "conductor")
	}
	return filepath.Join(home, ".config", "conductor")
}

// findProjectConfig searches for .conductor.yaml in the current directory and
// parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		path := filepath.Join(cwd, ".conductor.yaml")
		if _, err := os.Stat(path); err == nil {
			return path
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}
	return ""
}

// Default returns a Config with built-in defaults.
func Default() *Config {
	return &Config{
		Execution: ExecutionConfig{
			Owner:          "default",
			Concurrency:    4,
			MaxReplans:     2,
			SubtaskTimeout: 60 * time.Second,
			Promote:        true,
		},
		Retry: RetryConfig{
			MaxRetries:    3,
			Strategy:      "exponential_backoff",
			BaseDelay:     time.Second,
			MaxDelay:      30 * time.Second,
			BackoffFactor: 2,
		},
		Memory: MemoryConfig{
			WorkingCapacity: 7,
			TokenBudget:     2000,
			DecayFloor:      0.05,
		},
		Server: ServerConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"*"},
		},
	}
}
