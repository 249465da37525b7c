// Package config loads the control plane's configuration into one explicit
// struct, per Design Note 9 ("Ambient / process-wide app context: replace
// with an explicit configuration struct passed to each subsystem at
// construction"). Nothing here is read from a package-level global; callers
// load a Config once and pass it (or the narrower sub-structs) into each
// subsystem's constructor.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// VectorStoreConfig configures the relational vector store connection
// (§4.D). DSN selects between the embedded Dolt driver and MySQL-wire
// server mode, following the teacher's dolt store's dual connection modes.
type VectorStoreConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
}

// QueueConfig configures the NATS JetStream-backed dispatcher (§4.B).
type QueueConfig struct {
	URL             string        `mapstructure:"url"`
	MaxRetries      int           `mapstructure:"max_retries"`
	InitialBackoff  time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff      time.Duration `mapstructure:"max_backoff"`
	PublishTimeout  time.Duration `mapstructure:"publish_timeout"`
}

// InferenceConfig configures the HTTP client used to reach the external
// inference server (§4.J), plus the shared model-repository lock directory.
type InferenceConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ReadyTimeout   time.Duration `mapstructure:"ready_timeout"`
	ReadyPollInterval time.Duration `mapstructure:"ready_poll_interval"`
	ModelRepoDir   string        `mapstructure:"model_repo_dir"`
	LockDir        string        `mapstructure:"lock_dir"`
}

// WorkflowConfig tunes the bounded-concurrency pipeline stages (§4.H/I/G,
// Design Note 9's stage-pipeline re-architecture).
type WorkflowConfig struct {
	EmbedBatchSize        int           `mapstructure:"embed_batch_size"`
	ReindexBatchSize      int           `mapstructure:"reindex_batch_size"`
	MaxConcurrentChildren int           `mapstructure:"max_concurrent_children"`
	ImprovementGroupSize  int           `mapstructure:"improvement_group_size"`
	ImprovementPollInterval time.Duration `mapstructure:"improvement_poll_interval"`
}

// TelemetryConfig controls the process-wide OpenTelemetry tracer and meter
// providers (cmd/controlplane/telemetry.go). No exporter is attached to
// them; OTLPEndpoint is only logged.
type TelemetryConfig struct {
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	Enabled      bool   `mapstructure:"enabled"`
}

// Config is the top-level, explicit configuration struct. Every subsystem
// constructor takes the sub-struct it needs, not the whole Config, so tests
// can construct narrow configs without touching unrelated fields.
type Config struct {
	LogLevel    string             `mapstructure:"log_level"`
	LogFormat   string             `mapstructure:"log_format"`
	VectorStore VectorStoreConfig  `mapstructure:"vector_store"`
	Queue       QueueConfig        `mapstructure:"queue"`
	Inference   InferenceConfig    `mapstructure:"inference"`
	Workflow    WorkflowConfig     `mapstructure:"workflow"`
	Telemetry   TelemetryConfig    `mapstructure:"telemetry"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	v.SetDefault("vector_store.driver", "dolt")
	v.SetDefault("vector_store.dsn", "")
	v.SetDefault("vector_store.max_open_conns", 16)
	v.SetDefault("vector_store.max_idle_conns", 4)
	v.SetDefault("vector_store.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("vector_store.connect_timeout", 5*time.Second)

	v.SetDefault("queue.url", "")
	v.SetDefault("queue.max_retries", 5)
	v.SetDefault("queue.initial_backoff", 500*time.Millisecond)
	v.SetDefault("queue.max_backoff", 30*time.Second)
	v.SetDefault("queue.publish_timeout", 5*time.Second)

	v.SetDefault("inference.base_url", "")
	v.SetDefault("inference.model_repo_dir", "")
	v.SetDefault("inference.request_timeout", 30*time.Second)
	v.SetDefault("inference.ready_timeout", 5*time.Minute)
	v.SetDefault("inference.ready_poll_interval", 2*time.Second)
	v.SetDefault("inference.lock_dir", "/var/lib/controlplane/locks")

	v.SetDefault("workflow.embed_batch_size", 64)
	v.SetDefault("workflow.reindex_batch_size", 500)
	v.SetDefault("workflow.max_concurrent_children", 8)
	v.SetDefault("workflow.improvement_group_size", 32)
	v.SetDefault("workflow.improvement_poll_interval", 30*time.Second)

	v.SetDefault("telemetry.service_name", "controlplane")
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.enabled", false)
}

// Load reads configuration from (in ascending precedence) defaults, an
// optional config file at configPath, and environment variables prefixed
// CONTROLPLANE_ (nested keys use "_" in place of "."), e.g.
// CONTROLPLANE_VECTOR_STORE_DSN. Grounded on the teacher's viper-based
// cmd/bd/config.go loader, adapted to populate an explicit struct instead
// of leaving values in viper's ambient global.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix("CONTROLPLANE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}
