// Package config loads orchestrator configuration from a YAML file with
// environment overrides, and hot-reloads the tunable subset.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/caseweave/orchestrator/internal/models"
)

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port        int `mapstructure:"port"`
	MetricsPort int `mapstructure:"metrics_port"`
}

// StoreConfig selects the checkpoint store backend.
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // sqlite3 or postgres
	DSN    string `mapstructure:"dsn"`
}

// RedisConfig controls the optional run-event mirror.
type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	DB      int    `mapstructure:"db"`
}

// AgentConfig points at the external reasoning agent service.
type AgentConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
	// RatePerSecond caps collaborator calls; 0 disables the limiter.
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	RateBurst     int     `mapstructure:"rate_burst"`
}

// WorkflowConfig carries the engine tunables, all hot-reloadable.
type WorkflowConfig struct {
	MaxConcurrentAnalysts int      `mapstructure:"max_concurrent_analysts"`
	CancelGraceTimeoutMs  int      `mapstructure:"cancel_grace_timeout_ms"`
	FatalPhases           []string `mapstructure:"fatal_phases"`
}

// RetryConfig maps onto activities.RetryPolicy.
type RetryConfig struct {
	InitialIntervalMs  int     `mapstructure:"initial_interval_ms"`
	BackoffCoefficient float64 `mapstructure:"backoff_coefficient"`
	MaximumIntervalMs  int     `mapstructure:"maximum_interval_ms"`
	MaximumAttempts    int     `mapstructure:"maximum_attempts"`
}

// TracingConfig configures the OTLP exporter.
type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// LoggingConfig selects zap output.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the full effective configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Store    StoreConfig    `mapstructure:"store"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Workflow WorkflowConfig `mapstructure:"workflow"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("store.driver", "sqlite3")
	v.SetDefault("store.dsn", "file:caseweave.db?_journal_mode=WAL")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("agent.base_url", "http://localhost:8700")
	v.SetDefault("agent.rate_per_second", 0)
	v.SetDefault("agent.rate_burst", 1)
	v.SetDefault("workflow.max_concurrent_analysts", 4)
	v.SetDefault("workflow.cancel_grace_timeout_ms", 30000)
	v.SetDefault("workflow.fatal_phases", []string{"DISCOVERY", "PLANNING"})
	v.SetDefault("retry.initial_interval_ms", 1000)
	v.SetDefault("retry.backoff_coefficient", 2.0)
	v.SetDefault("retry.maximum_interval_ms", 300000)
	v.SetDefault("retry.maximum_attempts", 3)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "caseweave-orchestrator")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads CONFIG_PATH (default ./config/orchestrator.yaml). A missing
// file is fine: defaults plus CASEWEAVE_* env overrides apply.
func Load() (*Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "./config/orchestrator.yaml"
	}
	return LoadFile(path)
}

// LoadFile reads one specific config file.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	defaults(v)
	v.SetEnvPrefix("CASEWEAVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// FatalPhases converts the configured phase names.
func (w WorkflowConfig) ParsedFatalPhases() []models.Phase {
	out := make([]models.Phase, 0, len(w.FatalPhases))
	for _, p := range w.FatalPhases {
		out = append(out, models.Phase(strings.ToUpper(strings.TrimSpace(p))))
	}
	return out
}

// Dump renders the effective configuration as YAML for the debug
// endpoint and startup logs.
func (c *Config) Dump() (string, error) {
	b, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("dump config: %w", err)
	}
	return string(b), nil
}
