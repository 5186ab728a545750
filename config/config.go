// Package config loads runtime configuration from a taskmesh.yaml file and
// TASKMESH_ prefixed environment variables. Everything has a working default;
// a missing config file is not an error.
package config

import (
	"errors"
	"strings"

	"github.com/spf13/viper"

	"github.com/taskmesh/taskmesh/core"
)

// Config holds the runtime configuration of the orchestration core.
type Config struct {
	Router struct {
		// ConfidenceFloor is the minimum classification confidence required
		// to select the top candidate; below it the fallback agent is used.
		ConfidenceFloor float64 `mapstructure:"confidence_floor"`
		// FallbackAgent handles low-confidence messages. No built-in
		// default; deployments must choose one explicitly.
		FallbackAgent string `mapstructure:"fallback_agent"`
		MemoryWindow  int    `mapstructure:"memory_window"`
	} `mapstructure:"router"`

	Workflow struct {
		MaxIterations      int `mapstructure:"max_iterations"`
		NodeTimeoutSeconds int `mapstructure:"node_timeout_seconds"`
	} `mapstructure:"workflow"`

	Store struct {
		// Backend selects the thread store: memory, sqlite or postgres.
		Backend string `mapstructure:"backend"`
		// Path is the database file for the sqlite backend.
		Path string `mapstructure:"path"`
		// DSN is the connection string for the postgres backend.
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"store"`

	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
}

// Load reads taskmesh.yaml from the working directory or ./config, then
// applies TASKMESH_ environment overrides (TASKMESH_STORE_BACKEND and so on).
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("taskmesh")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("TASKMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, &core.ConfigurationError{Component: "config", Message: err.Error()}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &core.ConfigurationError{Component: "config", Message: err.Error()}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Every key gets a default so environment overrides bind even without a
	// config file present.
	v.SetDefault("router.confidence_floor", 0.0)
	v.SetDefault("router.fallback_agent", "")
	v.SetDefault("router.memory_window", 20)
	v.SetDefault("workflow.max_iterations", 25)
	v.SetDefault("workflow.node_timeout_seconds", 30)
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.path", "taskmesh.db")
	v.SetDefault("store.dsn", "")
	v.SetDefault("log.level", "info")
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case "memory", "sqlite", "postgres":
	default:
		return &core.ConfigurationError{
			Component: "config",
			Message:   "store.backend must be memory, sqlite or postgres, got " + c.Store.Backend,
		}
	}
	if c.Store.Backend == "postgres" && c.Store.DSN == "" {
		return &core.ConfigurationError{Component: "config", Message: "store.dsn is required for the postgres backend"}
	}
	if c.Router.ConfidenceFloor < 0 || c.Router.ConfidenceFloor > 1 {
		return &core.ConfigurationError{Component: "config", Message: "router.confidence_floor must be within [0, 1]"}
	}
	if c.Workflow.MaxIterations <= 0 {
		return &core.ConfigurationError{Component: "config", Message: "workflow.max_iterations must be positive"}
	}
	return nil
}
