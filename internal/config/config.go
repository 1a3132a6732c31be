package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server      ServerConfig      `json:"server"`
	Database    DatabaseConfig    `json:"database"`
	Embedding   EmbeddingConfig   `json:"embedding"`
	Cache       CacheConfig       `json:"cache"`
	VectorStore VectorStoreConfig `json:"vector_store"`
	Coordinator CoordinatorConfig `json:"coordinator"`
	Gateway     GatewayConfig     `json:"gateway"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
	Qdrant   QdrantConfig   `json:"qdrant"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type QdrantConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// EmbeddingConfig selects and tunes the embedding provider.
type EmbeddingConfig struct {
	Provider         string `json:"provider"` // "api" or "local"
	Endpoint         string `json:"endpoint"`
	Model            string `json:"model"`
	APIKey           string `json:"api_key"`
	Dimension        int    `json:"dimension"`
	MaxBatchSize     int    `json:"max_batch_size"`
	RetryMaxAttempts int    `json:"retry_max_attempts"`
}

// CacheConfig tunes the embedding cache. Backend "redis" shares one cache
// across processes; "memory" is per-process.
type CacheConfig struct {
	Backend    string `json:"backend"` // "memory" or "redis"
	Capacity   int    `json:"capacity"`
	TTLSeconds int    `json:"ttl_seconds"` // 0 disables expiry
	RedisURL   string `json:"redis_url"`
}

// TTL returns the configured entry lifetime, zero when expiry is disabled.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

type VectorStoreConfig struct {
	Backend    string `json:"backend"` // "memory" or "qdrant"
	Collection string `json:"collection"`
}

type CoordinatorConfig struct {
	QueueSize        int `json:"queue_size"`
	Workers          int `json:"workers"`
	RetryMaxAttempts int `json:"retry_max_attempts"`
	CooldownSeconds  int `json:"cooldown_seconds"`
}

type GatewayConfig struct {
	Slack   SlackGatewayConfig   `json:"slack"`
	Discord DiscordGatewayConfig `json:"discord"`
}

type SlackGatewayConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	AppToken string `json:"app_token"`
}

type DiscordGatewayConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Embedding.Dimension == 0 {
		c.Embedding.Dimension = 1536
	}
	if c.Embedding.MaxBatchSize == 0 {
		c.Embedding.MaxBatchSize = 32
	}
	if c.Embedding.RetryMaxAttempts == 0 {
		c.Embedding.RetryMaxAttempts = 3
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = "memory"
	}
	if c.Cache.Capacity == 0 {
		c.Cache.Capacity = 4096
	}
	if c.VectorStore.Backend == "" {
		c.VectorStore.Backend = "memory"
	}
	if c.VectorStore.Collection == "" {
		c.VectorStore.Collection = "products"
	}
	if c.Coordinator.QueueSize == 0 {
		c.Coordinator.QueueSize = 256
	}
	if c.Coordinator.Workers == 0 {
		c.Coordinator.Workers = 4
	}
	if c.Coordinator.RetryMaxAttempts == 0 {
		c.Coordinator.RetryMaxAttempts = 3
	}
	if c.Coordinator.CooldownSeconds == 0 {
		c.Coordinator.CooldownSeconds = 60
	}
}
