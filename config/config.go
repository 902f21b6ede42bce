package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the retrieval engine
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Sources   SourcesConfig   `mapstructure:"sources"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// RetrievalConfig tunes the orchestrator pipeline
type RetrievalConfig struct {
	AdapterTimeout    time.Duration `mapstructure:"adapter_timeout"`
	DefaultMaxResults int           `mapstructure:"default_max_results"`
	SLO               SLOConfig     `mapstructure:"slo"`
}

// SLOConfig holds the objectives health reporting is derived from
type SLOConfig struct {
	P95LatencyMs      float64 `mapstructure:"p95_latency_ms"`
	MaxFailureRate    float64 `mapstructure:"max_failure_rate"`
	MinCacheHitRate   float64 `mapstructure:"min_cache_hit_rate"`
	MinRequestSamples int64   `mapstructure:"min_request_samples"`
	MinCacheSamples   int64   `mapstructure:"min_cache_samples"`
}

// CacheConfig controls the semantic response cache
type CacheConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	TTL        time.Duration `mapstructure:"ttl"`
	SweepCron  string        `mapstructure:"sweep_cron"`
	MaxEntries int           `mapstructure:"max_entries"`
}

// SourcesConfig enables and seeds the individual adapters
type SourcesConfig struct {
	Document DocumentSourceConfig `mapstructure:"document"`
	Pattern  TableSourceConfig    `mapstructure:"pattern"`
	Playbook TableSourceConfig    `mapstructure:"playbook"`
}

// DocumentSourceConfig configures the document adapter backends
type DocumentSourceConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	EmbeddingModel  string  `mapstructure:"embedding_model"`
	VectorThreshold float64 `mapstructure:"vector_threshold"`
}

// TableSourceConfig configures a seeded in-memory adapter
type TableSourceConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	SeedFile string `mapstructure:"seed_file"`
}

// StorageConfig contains backing store settings
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig describes the pgvector-backed document store
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// ProvidersConfig holds external provider credentials
type ProvidersConfig struct {
	OpenAI OpenAIConfig `mapstructure:"openai"`
}

// OpenAIConfig configures the embedding provider
type OpenAIConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	EmbeddingModel string        `mapstructure:"embedding_model"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// TelemetryConfig controls metrics and tracing emission
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	PeriodicLogs bool   `mapstructure:"periodic_logs"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// DSN builds a postgres connection string, preferring the explicit URL.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres not configured (storage.postgres.host/dbname or url)")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// LoadConfig reads configuration from file and environment. Environment
// variables use the EVIDENCED_ prefix with dots replaced by underscores.
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("server.address", ":10020")
	viper.SetDefault("retrieval.adapter_timeout", "5s")
	viper.SetDefault("retrieval.default_max_results", 10)
	viper.SetDefault("retrieval.slo.p95_latency_ms", 2000.0)
	viper.SetDefault("retrieval.slo.max_failure_rate", 0.25)
	viper.SetDefault("retrieval.slo.min_cache_hit_rate", 0.1)
	viper.SetDefault("retrieval.slo.min_request_samples", 20)
	viper.SetDefault("retrieval.slo.min_cache_samples", 50)
	viper.SetDefault("cache.enabled", true)
	viper.SetDefault("cache.ttl", "5m")
	viper.SetDefault("cache.sweep_cron", "*/5 * * * *")
	viper.SetDefault("cache.max_entries", 1000)
	viper.SetDefault("sources.document.enabled", true)
	viper.SetDefault("sources.document.vector_threshold", 0.35)
	viper.SetDefault("sources.pattern.enabled", true)
	viper.SetDefault("sources.playbook.enabled", true)
	viper.SetDefault("providers.openai.embedding_model", "text-embedding-ada-002")
	viper.SetDefault("providers.openai.timeout", "30s")
	viper.SetDefault("telemetry.enabled", true)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("EVIDENCED")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Config file is optional: defaults plus environment are enough to run
	// with the built-in seed sources.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(fmt.Errorf("fatal error config file: %w", err))
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		panic(fmt.Errorf("fatal error unmarshalling config: %w", err))
	}
	return &cfg
}
