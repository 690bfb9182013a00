package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/datamind/control-plane/pkg/models"
)

// EnvPrefix is the prefix of every environment override, e.g.
// DATAMIND_SERVER_PORT or DATAMIND_TIERS_CLOUD_STANDARD_MODEL.
const EnvPrefix = "DATAMIND"

// Config holds all configuration for the control plane.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Router     RouterConfig     `mapstructure:"router"`
	Tiers      TiersConfig      `mapstructure:"tiers"`
	Validation ValidationConfig `mapstructure:"validation"`
	Escalation EscalationConfig `mapstructure:"escalation"`
	Provenance ProvenanceConfig `mapstructure:"provenance"`
	Sidecars   SidecarConfig    `mapstructure:"sidecars"`
	Langfuse   LangfuseConfig   `mapstructure:"langfuse"`
	Audit      AuditConfig      `mapstructure:"audit"`
	Notify     NotifyConfig     `mapstructure:"notify"`
}

type ServerConfig struct {
	Port        int      `mapstructure:"port" validate:"min=1,max=65535"`
	Version     string   `mapstructure:"version"`
	CORSOrigins []string `mapstructure:"cors_origins"`
	// APIKeys guard /api/v1 when non-empty.
	APIKeys []string `mapstructure:"api_keys"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

type TelemetryConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	ServiceName  string  `mapstructure:"service_name"`
	Insecure     bool    `mapstructure:"insecure"`
	SampleRatio  float64 `mapstructure:"sample_ratio" validate:"gte=0,lte=1"`
}

// DatabaseConfig is the Postgres source of truth for retrieval and numeric
// re-derivation. An empty URL disables both.
type DatabaseConfig struct {
	URL            string `mapstructure:"url"`
	MaxConnections int32  `mapstructure:"max_connections" validate:"min=1"`
}

// RedisConfig configures the route decision cache. An empty URL disables it.
type RedisConfig struct {
	URL    string        `mapstructure:"url"`
	Prefix string        `mapstructure:"prefix"`
	TTL    time.Duration `mapstructure:"ttl"`
}

type RouterConfig struct {
	ClassifierTimeout time.Duration `mapstructure:"classifier_timeout" validate:"gt=0"`
	EdgeMinConfidence float64       `mapstructure:"edge_min_confidence" validate:"gt=0,lte=1"`
	EdgeMaxComplexity float64       `mapstructure:"edge_max_complexity" validate:"gt=0,lte=1"`
	// ModelClassifier asks ClassifierTier for intent and complexity, falling
	// back to the rules on error.
	ModelClassifier bool   `mapstructure:"model_classifier"`
	ClassifierTier  string `mapstructure:"classifier_tier"`
}

// TierConfig binds one inference tier to a provider driver.
type TierConfig struct {
	Driver          string        `mapstructure:"driver" validate:"omitempty,oneof=anthropic openai ollama"`
	Model           string        `mapstructure:"model" validate:"required_with=Driver"`
	Endpoint        string        `mapstructure:"endpoint"`
	APIKey          string        `mapstructure:"api_key"`
	MaxTokens       int           `mapstructure:"max_tokens"`
	Temperature     float64       `mapstructure:"temperature"`
	RatePerSecond   float64       `mapstructure:"rate_per_second"`
	Burst           int           `mapstructure:"burst"`
	TokenBudget     int64         `mapstructure:"token_budget"`
	CostPer1KInput  float64       `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64       `mapstructure:"cost_per_1k_output"`
	LatencyBudget   time.Duration `mapstructure:"latency_budget"`

	// IntentModels overrides Model per intent label, e.g. sql: codestral:22b.
	IntentModels map[string]string `mapstructure:"intent_models"`
}

// TiersConfig holds one binding per tier. A tier with no driver is unbound.
type TiersConfig struct {
	Edge          TierConfig `mapstructure:"edge"`
	LocalSmall    TierConfig `mapstructure:"local_small"`
	CloudStandard TierConfig `mapstructure:"cloud_standard"`
	Reasoning     TierConfig `mapstructure:"reasoning"`
}

// ByTier returns the bound tiers keyed by tier.
func (t TiersConfig) ByTier() map[models.InferenceTier]TierConfig {
	out := make(map[models.InferenceTier]TierConfig, 4)
	for tier, tc := range map[models.InferenceTier]TierConfig{
		models.TierEdge:          t.Edge,
		models.TierLocalSmall:    t.LocalSmall,
		models.TierCloudStandard: t.CloudStandard,
		models.TierReasoning:     t.Reasoning,
	} {
		if tc.Driver != "" {
			out[tier] = tc
		}
	}
	return out
}

type ValidationConfig struct {
	FaithfulnessThreshold  float64       `mapstructure:"faithfulness_threshold" validate:"gt=0,lte=1"`
	Staleness              time.Duration `mapstructure:"staleness" validate:"gt=0"`
	SelfConsistencySamples int           `mapstructure:"self_consistency_samples" validate:"min=1,max=15"`
	SampleTemperature      float64       `mapstructure:"sample_temperature" validate:"gte=0,lte=2"`
	SampleTimeout          time.Duration `mapstructure:"sample_timeout"`
	// NumericTolerance is a decimal string, e.g. "0.005".
	NumericTolerance string   `mapstructure:"numeric_tolerance" validate:"numeric"`
	CriticTier       string   `mapstructure:"critic_tier"`
	AllowedTopics    []string `mapstructure:"allowed_topics"`
	BlockedTopics    []string `mapstructure:"blocked_topics"`
	MinCoverage      float64  `mapstructure:"min_coverage" validate:"gte=0,lte=1"`
}

type EscalationConfig struct {
	MaxRegenerate int `mapstructure:"max_regenerate" validate:"min=1,max=10"`
	// DeadlineMultiplier scales the routed tier's latency budget into the
	// request deadline.
	DeadlineMultiplier float64       `mapstructure:"deadline_multiplier" validate:"gt=0"`
	MinDeadline        time.Duration `mapstructure:"min_deadline"`
	MaxDeadline        time.Duration `mapstructure:"max_deadline"`
}

type ProvenanceConfig struct {
	Backend       string        `mapstructure:"backend" validate:"oneof=memory postgres sqlite"`
	SQLitePath    string        `mapstructure:"sqlite_path"`
	AnchorRetries uint64        `mapstructure:"anchor_retries"`
	AnchorBackoff time.Duration `mapstructure:"anchor_backoff"`
}

type SidecarConfig struct {
	// RagasURL enables the RAGAS NLI scorer; the lexical scorer is used
	// when it is empty or unreachable.
	RagasURL     string        `mapstructure:"ragas_url"`
	RagasTimeout time.Duration `mapstructure:"ragas_timeout"`
}

// LangfuseConfig enables the Langfuse trace exporter when BaseURL and
// PublicKey are set.
type LangfuseConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	PublicKey     string        `mapstructure:"public_key"`
	SecretKey     string        `mapstructure:"secret_key"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// AuditConfig bounds the in-memory audit store.
type AuditConfig struct {
	TTL        time.Duration `mapstructure:"ttl"`
	MaxEntries int           `mapstructure:"max_entries"`

	// SnapshotPath persists the store as JSON across restarts when set.
	SnapshotPath string `mapstructure:"snapshot_path"`

	// ArchivePath hands TTL expiry to the retention janitor, which writes
	// expired outcomes there as JSONL before purging them.
	ArchivePath     string        `mapstructure:"archive_path"`
	ArchiveCompress bool          `mapstructure:"archive_compress"`
	ArchiveInterval time.Duration `mapstructure:"archive_interval"`
}

// NotifyConfig lists webhook channels that receive outcome events.
type NotifyConfig struct {
	Webhooks  []WebhookConfig `mapstructure:"webhooks" validate:"dive"`
	QueueSize int             `mapstructure:"queue_size" validate:"gte=0"`
	Retries   uint64          `mapstructure:"retries"`
	Timeout   time.Duration   `mapstructure:"timeout"`
}

type WebhookConfig struct {
	Name   string `mapstructure:"name" validate:"required"`
	URL    string `mapstructure:"url" validate:"required,url"`
	Secret string `mapstructure:"secret"`
	// Events filters by type, e.g. outcome.scope_violation. Empty means all.
	Events []string `mapstructure:"events"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.version", "0.1.0")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.api_keys", []string{})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.otlp_endpoint", "localhost:4317")
	v.SetDefault("telemetry.service_name", "datamind-control-plane")
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.sample_ratio", 1.0)

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_connections", 10)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.prefix", "router:route:")
	v.SetDefault("redis.ttl", "5m")

	v.SetDefault("router.classifier_timeout", "2s")
	v.SetDefault("router.edge_min_confidence", 0.85)
	v.SetDefault("router.edge_max_complexity", 0.35)
	v.SetDefault("router.model_classifier", false)
	v.SetDefault("router.classifier_tier", "local_small")

	v.SetDefault("tiers.edge.driver", "")
	v.SetDefault("tiers.edge.model", "@cf/microsoft/phi-3.5-mini-instruct")
	v.SetDefault("tiers.edge.endpoint", "")
	v.SetDefault("tiers.edge.api_key", "")
	v.SetDefault("tiers.edge.max_tokens", 512)
	v.SetDefault("tiers.edge.latency_budget", "100ms")

	v.SetDefault("tiers.local_small.driver", "ollama")
	v.SetDefault("tiers.local_small.model", "phi3.5")
	v.SetDefault("tiers.local_small.endpoint", "http://localhost:11434")
	v.SetDefault("tiers.local_small.api_key", "")
	v.SetDefault("tiers.local_small.max_tokens", 1024)
	v.SetDefault("tiers.local_small.latency_budget", "500ms")

	v.SetDefault("tiers.cloud_standard.driver", "anthropic")
	v.SetDefault("tiers.cloud_standard.model", "claude-sonnet-4-5")
	v.SetDefault("tiers.cloud_standard.endpoint", "")
	v.SetDefault("tiers.cloud_standard.api_key", "")
	v.SetDefault("tiers.cloud_standard.max_tokens", 2048)
	v.SetDefault("tiers.cloud_standard.rate_per_second", 5.0)
	v.SetDefault("tiers.cloud_standard.burst", 10)
	v.SetDefault("tiers.cloud_standard.cost_per_1k_input", 0.003)
	v.SetDefault("tiers.cloud_standard.cost_per_1k_output", 0.015)
	v.SetDefault("tiers.cloud_standard.latency_budget", "5s")

	v.SetDefault("tiers.reasoning.driver", "ollama")
	v.SetDefault("tiers.reasoning.model", "deepseek-r1:32b")
	v.SetDefault("tiers.reasoning.endpoint", "http://localhost:11434")
	v.SetDefault("tiers.reasoning.api_key", "")
	v.SetDefault("tiers.reasoning.max_tokens", 4096)
	v.SetDefault("tiers.reasoning.latency_budget", "60s")

	v.SetDefault("validation.faithfulness_threshold", 0.70)
	v.SetDefault("validation.staleness", "2160h")
	v.SetDefault("validation.self_consistency_samples", 5)
	v.SetDefault("validation.sample_temperature", 0.9)
	v.SetDefault("validation.sample_timeout", "30s")
	v.SetDefault("validation.numeric_tolerance", "0.005")
	v.SetDefault("validation.critic_tier", "cloud_standard")
	v.SetDefault("validation.allowed_topics", []string{})
	v.SetDefault("validation.blocked_topics", []string{})
	v.SetDefault("validation.min_coverage", 0.25)

	v.SetDefault("escalation.max_regenerate", 3)
	v.SetDefault("escalation.deadline_multiplier", 4.0)
	v.SetDefault("escalation.min_deadline", "2s")
	v.SetDefault("escalation.max_deadline", "5m")

	v.SetDefault("provenance.backend", "memory")
	v.SetDefault("provenance.sqlite_path", "provenance.db")
	v.SetDefault("provenance.anchor_retries", 3)
	v.SetDefault("provenance.anchor_backoff", "200ms")

	v.SetDefault("sidecars.ragas_url", "")
	v.SetDefault("sidecars.ragas_timeout", "10s")

	v.SetDefault("langfuse.base_url", "")
	v.SetDefault("langfuse.public_key", "")
	v.SetDefault("langfuse.secret_key", "")
	v.SetDefault("langfuse.flush_interval", "5s")

	v.SetDefault("audit.ttl", "24h")
	v.SetDefault("audit.max_entries", 10000)
	v.SetDefault("audit.archive_compress", true)
	v.SetDefault("audit.archive_interval", "1h")
	v.SetDefault("notify.queue_size", 1024)
	v.SetDefault("notify.retries", 2)
	v.SetDefault("notify.timeout", "15s")
}

// Load reads configuration from an optional YAML file and the environment.
// An empty path looks for config.yaml in the working directory.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and tier names.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	for _, name := range []string{c.Router.ClassifierTier, c.Validation.CriticTier} {
		if _, err := models.ParseTier(name); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	if len(c.Tiers.ByTier()) == 0 {
		return errors.New("config: no inference tier is bound to a driver")
	}
	return nil
}
