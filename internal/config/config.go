package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	LLM       LLMConfig       `mapstructure:"llm"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Vector    VectorConfig    `mapstructure:"vector"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Compose   ComposeConfig   `mapstructure:"compose"`
	Temporal  TemporalConfig  `mapstructure:"temporal"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Secrets   SecretsConfig   `mapstructure:"secrets"`
}

type LLMConfig struct {
	Provider    string        `mapstructure:"provider"`
	Model       string        `mapstructure:"model"`
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	EmbedModel  string        `mapstructure:"embed_model"`
	Temperature float64       `mapstructure:"temperature"`
	MaxRetries  int           `mapstructure:"max_retries"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type EmbeddingConfig struct {
	BatchSize int `mapstructure:"batch_size"`
	Dimension int `mapstructure:"dimension"`
}

// VectorConfig selects and configures the vector index backend.
// Backend is one of "memory", "bolt", "qdrant".
type VectorConfig struct {
	Backend    string `mapstructure:"backend"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Collection string `mapstructure:"collection"`
	Path       string `mapstructure:"path"` // bolt database file
}

type IngestConfig struct {
	ChunkSize    int           `mapstructure:"chunk_size"`
	Overlap      int           `mapstructure:"overlap"`
	BatchSize    int           `mapstructure:"batch_size"`
	Concurrency  int           `mapstructure:"concurrency"`
	JobTimeout   time.Duration `mapstructure:"job_timeout"`
	JobRetention time.Duration `mapstructure:"job_retention"`
}

type RetrievalConfig struct {
	TopK     int     `mapstructure:"top_k"`
	MinScore float64 `mapstructure:"min_score"`
}

type ComposeConfig struct {
	MaxContextTokens int     `mapstructure:"max_context_tokens"`
	MaxAnswerTokens  int     `mapstructure:"max_answer_tokens"`
	Temperature      float64 `mapstructure:"temperature"`
}

type TemporalConfig struct {
	Host      string `mapstructure:"host"`
	Namespace string `mapstructure:"namespace"`
	TaskQueue string `mapstructure:"task_queue"`
}

type ServerConfig struct {
	Addr       string `mapstructure:"addr"`
	HealthAddr string `mapstructure:"health_addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SecretsConfig selects where the LLM API key is resolved from when
// llm.api_key is not set directly. Provider is one of "env", "file",
// "vault".
type SecretsConfig struct {
	Provider   string `mapstructure:"provider"`
	FilePath   string `mapstructure:"file_path"`
	VaultAddr  string `mapstructure:"vault_addr"`
	VaultToken string `mapstructure:"vault_token"`
	VaultMount string `mapstructure:"vault_mount"`
	VaultPath  string `mapstructure:"vault_path"`
}

// Validate checks configuration for issues and returns warnings.
func (c *Config) Validate() []string {
	var warnings []string

	// Check for empty API key with active provider (skip "none" and local providers)
	if c.LLM.Provider != "" && c.LLM.Provider != "none" && c.LLM.Provider != "ollama" && c.LLM.APIKey == "" {
		warnings = append(warnings, fmt.Sprintf("LLM provider '%s' has no api_key; the key will be resolved through the secrets source (%s)", c.LLM.Provider, c.secretsProvider()))
	}

	switch c.Secrets.Provider {
	case "", "env", "file", "vault":
	default:
		warnings = append(warnings, fmt.Sprintf("unknown secrets provider '%s', expected env, file or vault", c.Secrets.Provider))
	}

	// Check temperature range [0, 2.0]
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2.0 {
		warnings = append(warnings, fmt.Sprintf("LLM temperature %.2f is outside recommended range [0.0, 2.0]", c.LLM.Temperature))
	}

	switch c.Vector.Backend {
	case "", "memory", "bolt", "qdrant":
	default:
		warnings = append(warnings, fmt.Sprintf("unknown vector backend '%s', expected memory, bolt or qdrant", c.Vector.Backend))
	}
	if c.Vector.Backend == "bolt" && c.Vector.Path == "" {
		warnings = append(warnings, "vector backend 'bolt' needs a database path")
	}

	if c.Ingest.Overlap >= c.Ingest.ChunkSize && c.Ingest.ChunkSize > 0 {
		warnings = append(warnings, fmt.Sprintf("ingest overlap %d must be smaller than chunk_size %d", c.Ingest.Overlap, c.Ingest.ChunkSize))
	}

	if c.Retrieval.MinScore < 0 || c.Retrieval.MinScore > 1 {
		warnings = append(warnings, fmt.Sprintf("retrieval min_score %.2f is outside [0.0, 1.0]", c.Retrieval.MinScore))
	}

	return warnings
}

func (c *Config) secretsProvider() string {
	if c.Secrets.Provider == "" {
		return "env"
	}
	return c.Secrets.Provider
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("vector.backend", "memory")
	v.SetDefault("vector.host", "localhost")
	v.SetDefault("vector.port", 6334)
	v.SetDefault("vector.collection", "bookcompanion")
	v.SetDefault("ingest.chunk_size", 1000)
	v.SetDefault("ingest.overlap", 200)
	v.SetDefault("ingest.batch_size", 16)
	v.SetDefault("ingest.concurrency", 4)
	v.SetDefault("retrieval.top_k", 10)
	v.SetDefault("retrieval.min_score", 0.0)
	v.SetDefault("compose.max_context_tokens", 3000)
	v.SetDefault("compose.max_answer_tokens", 1024)
	v.SetDefault("temporal.host", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "bookcompanion-ingest")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.health_addr", ":8081")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("secrets.provider", "env")
	v.SetDefault("secrets.vault_mount", "secret")
	v.SetDefault("secrets.vault_path", "bookcompanion")
}

// Load reads configuration from file and environment. An empty path loads
// defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("BOOKCOMPANION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	// Validate configuration and print warnings
	if warnings := cfg.Validate(); len(warnings) > 0 {
		for _, warning := range warnings {
			fmt.Fprintf(os.Stderr, "Warning: %s\n", warning)
		}
	}

	return &cfg, nil
}
