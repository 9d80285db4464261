// Package config loads the orchestration core's configuration: a
// single YAML file read into a nested Config struct, with environment
// variable overrides for deployment-specific secrets.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vibesdlc/orchestrator/internal/domain"
)

// Config is the root configuration object assembled in cmd/orchestratord.
type Config struct {
	NATS       NATSConfig       `yaml:"nats"`
	Store      StoreConfig      `yaml:"store"`
	EventBus   EventBusConfig   `yaml:"event_bus"`
	Pools      []PoolConfig     `yaml:"pools"`
	ProjectCtx ProjectCtxConfig `yaml:"project_context"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	HTTP       HTTPConfig       `yaml:"http"`
	Retention  RetentionConfig  `yaml:"retention"`
	Workspace  WorkspaceConfig  `yaml:"workspace"`
	Graph      GraphConfig      `yaml:"graph"`
	LogLevel   string           `yaml:"log_level"`
}

type WorkspaceConfig struct {
	Root string `yaml:"root"`
}

type GraphConfig struct {
	MaxDebugCount  int           `yaml:"max_debug_count"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	// ValidateCommand is the project test command the developer graph's
	// validate node runs in the project workspace, argv-style.
	ValidateCommand []string `yaml:"validate_command"`
}

type NATSConfig struct {
	URL          string `yaml:"url"`
	EmbedServer  bool   `yaml:"embed_server"`
	ClusterName  string `yaml:"cluster_name"`
}

type StoreConfig struct {
	DSN string `yaml:"dsn"`
}

type EventBusConfig struct {
	MaxDeliveries  int           `yaml:"max_deliveries"`
	BackoffCap     time.Duration `yaml:"backoff_cap"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
}

type PoolConfig struct {
	Name                string              `yaml:"name"`
	Role                domain.Role         `yaml:"role"`
	MaxAgents           int                 `yaml:"max_agents"`
	HealthCheckInterval time.Duration       `yaml:"health_check_interval"`
	AllowedPersonas     []string            `yaml:"allowed_personas"`
	LLMConfig           domain.PoolLLMConfig `yaml:"llm_config"`
}

type ProjectCtxConfig struct {
	LRUCeiling int    `yaml:"lru_ceiling"`
	RedisAddr  string `yaml:"redis_addr"`
}

type MonitorConfig struct {
	SampleInterval time.Duration `yaml:"sample_interval"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	SlackWebhookURL string       `yaml:"slack_webhook_url"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type RetentionConfig struct {
	MetricsDays int `yaml:"metrics_days"`
	DLQDays     int `yaml:"dlq_days"`
}

// Defaults returns sensible defaults, overridden by whatever the YAML
// file or environment supplies.
func Defaults() Config {
	return Config{
		NATS: NATSConfig{URL: "nats://127.0.0.1:4222", EmbedServer: true, ClusterName: "orchestrator"},
		Store: StoreConfig{DSN: "orchestrator.db"},
		EventBus: EventBusConfig{
			MaxDeliveries: 5,
			BackoffCap:    30 * time.Second,
			DrainTimeout:  10 * time.Second,
		},
		ProjectCtx: ProjectCtxConfig{LRUCeiling: 256},
		Monitor:    MonitorConfig{SampleInterval: 30 * time.Second, MetricsAddr: ":9090"},
		HTTP:       HTTPConfig{Addr: ":8080"},
		Retention:  RetentionConfig{MetricsDays: 30, DLQDays: 30},
		Workspace:  WorkspaceConfig{Root: "workspaces"},
		Graph: GraphConfig{
			MaxDebugCount:   3,
			AcquireTimeout:  30 * time.Second,
			ValidateCommand: []string{"go", "test", "./..."},
		},
		LogLevel:   "info",
	}
}

// Load reads a YAML file at path into a Config seeded with Defaults,
// then applies a small set of environment variable overrides — the
// only secrets/deployment knobs that should not live in a checked-in
// YAML file.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ORCHESTRATOR_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("ORCHESTRATOR_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("ORCHESTRATOR_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("ORCHESTRATOR_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ORCHESTRATOR_REDIS_ADDR"); v != "" {
		cfg.ProjectCtx.RedisAddr = v
	}
	if v := os.Getenv("ORCHESTRATOR_SLACK_WEBHOOK_URL"); v != "" {
		cfg.Monitor.SlackWebhookURL = v
	}
	if v := os.Getenv("ORCHESTRATOR_METRICS_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retention.MetricsDays = n
		}
	}
}
