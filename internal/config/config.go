package config

import (
	"errors"
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
	Storage   StorageConfig   `mapstructure:"storage"`
	Vector    VectorConfig    `mapstructure:"vector"`
	Graph     GraphConfig     `mapstructure:"graph"`
	Chunking  ChunkingConfig  `mapstructure:"chunking"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Query     QueryConfig     `mapstructure:"query"`
	Server    ServerConfig    `mapstructure:"server"`
	Temporal  TemporalConfig  `mapstructure:"temporal"`
	Log       LogConfig       `mapstructure:"log"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

type LLMConfig struct {
	Provider          string        `mapstructure:"provider"`
	Model             string        `mapstructure:"model"`
	APIKey            string        `mapstructure:"api_key"`
	BaseURL           string        `mapstructure:"base_url"`
	EmbedModel        string        `mapstructure:"embed_model"`
	Temperature       float64       `mapstructure:"temperature"`
	MaxTokens         int           `mapstructure:"max_tokens"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	CacheExtraction   bool          `mapstructure:"cache_extraction"`

	// Embedding overrides. Unset fields inherit from the fields above, so a
	// local embedding server can be paired with a remote completion model.
	Embedding LLMOverride `mapstructure:"embedding"`
}

// LLMOverride replaces selected LLM fields for a single role.
type LLMOverride struct {
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
	APIKey   string `mapstructure:"api_key"`
	BaseURL  string `mapstructure:"base_url"`
}

// ResolveEmbedding returns an LLMConfig with embedding overrides applied.
func (c LLMConfig) ResolveEmbedding() LLMConfig {
	o := c.Embedding
	resolved := c
	if o.Provider != "" {
		resolved.Provider = o.Provider
	}
	if o.Model != "" {
		resolved.EmbedModel = o.Model
	}
	if o.APIKey != "" {
		resolved.APIKey = o.APIKey
	}
	if o.BaseURL != "" {
		resolved.BaseURL = o.BaseURL
	}
	return resolved
}

type EmbeddingConfig struct {
	// Dimension pins the vector size. Zero adopts the first vector seen.
	Dimension int `mapstructure:"dimension"`
	// Batch is the number of chunks sent in one embedding call.
	Batch int `mapstructure:"batch"`
}

type StorageConfig struct {
	Backend    string `mapstructure:"backend"` // json, sqlite, redis
	WorkingDir string `mapstructure:"working_dir"`
	RedisAddr  string `mapstructure:"redis_addr"`
	RedisDB    int    `mapstructure:"redis_db"`
	RedisPass  string `mapstructure:"redis_password"`

	// RedisPrefix separates knowledge bases sharing one redis server.
	RedisPrefix string `mapstructure:"redis_prefix"`
}

type VectorConfig struct {
	Backend    string `mapstructure:"backend"` // memory, qdrant
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Collection string `mapstructure:"collection"`
}

type GraphConfig struct {
	Mirror              string `mapstructure:"mirror"` // none, neo4j
	URI                 string `mapstructure:"uri"`
	Username            string `mapstructure:"username"`
	Password            string `mapstructure:"password"`
	Database            string `mapstructure:"database"`
	MaxDescriptionBytes int    `mapstructure:"max_description_bytes"`
}

type ChunkingConfig struct {
	MaxTokens int    `mapstructure:"max_tokens"`
	Overlap   int    `mapstructure:"overlap"`
	Tokenizer string `mapstructure:"tokenizer"` // words, tiktoken:<encoding>
}

type IngestConfig struct {
	Concurrency  int           `mapstructure:"concurrency"`
	Documents    int           `mapstructure:"documents"`
	EmbedRetries int           `mapstructure:"embed_retries"`
	BackoffBase  time.Duration `mapstructure:"backoff_base"`
	BackoffMax   time.Duration `mapstructure:"backoff_max"`
}

type QueryConfig struct {
	Mode                string        `mapstructure:"mode"`
	TopK                int           `mapstructure:"top_k"`
	MaxContextTokens    int           `mapstructure:"max_context_tokens"`
	MaxDepth            int           `mapstructure:"max_depth"`
	VectorWeight        float64       `mapstructure:"vector_weight"`
	GraphWeight         float64       `mapstructure:"graph_weight"`
	MinEntitySimilarity float64       `mapstructure:"min_entity_similarity"`
	Timeout             time.Duration `mapstructure:"timeout"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	DataDir         string        `mapstructure:"data_dir"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type TemporalConfig struct {
	Host      string `mapstructure:"host"`
	Namespace string `mapstructure:"namespace"`
	TaskQueue string `mapstructure:"task_queue"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Validate checks configuration for issues and returns warnings.
func (c *Config) Validate() []string {
	var warnings []string

	// Check for empty API key with active provider (skip "none" and local providers)
	if c.LLM.Provider != "" && c.LLM.Provider != "none" && c.LLM.Provider != "ollama" && c.LLM.APIKey == "" {
		warnings = append(warnings, fmt.Sprintf("LLM provider '%s' is configured but api_key is empty", c.LLM.Provider))
	}

	// Check temperature range [0, 2.0]
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2.0 {
		warnings = append(warnings, fmt.Sprintf("LLM temperature %.2f is outside recommended range [0.0, 2.0]", c.LLM.Temperature))
	}

	if c.LLM.MaxTokens < 0 {
		warnings = append(warnings, fmt.Sprintf("LLM max_tokens %d is negative", c.LLM.MaxTokens))
	}

	if c.Chunking.MaxTokens > 0 && c.Chunking.Overlap >= c.Chunking.MaxTokens {
		warnings = append(warnings, fmt.Sprintf("chunking overlap %d is not below max_tokens %d and will be clamped", c.Chunking.Overlap, c.Chunking.MaxTokens))
	}

	if c.Query.VectorWeight < 0 || c.Query.GraphWeight < 0 {
		warnings = append(warnings, "query weights must not be negative")
	}

	if c.Vector.Backend == "qdrant" && c.Embedding.Dimension == 0 {
		warnings = append(warnings, "vector backend 'qdrant' without embedding.dimension creates the collection on first write")
	}

	return warnings
}

// Check returns an error for settings the engine cannot start with.
func (c *Config) Check() error {
	var errs []error
	switch c.Storage.Backend {
	case "json", "sqlite", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}
	switch c.Vector.Backend {
	case "memory", "qdrant":
	default:
		errs = append(errs, fmt.Errorf("unknown vector backend %q", c.Vector.Backend))
	}
	switch c.Graph.Mirror {
	case "", "none", "neo4j":
	default:
		errs = append(errs, fmt.Errorf("unknown graph mirror %q", c.Graph.Mirror))
	}
	if c.Storage.Backend != "redis" && c.Storage.WorkingDir == "" {
		errs = append(errs, errors.New("storage.working_dir is required"))
	}
	if c.Chunking.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("chunking.max_tokens must be positive, got %d", c.Chunking.MaxTokens))
	}
	return errors.Join(errs...)
}

// Default returns the built-in configuration used when no file is given.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults are static; decoding them cannot fail.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	// Keys without a meaningful default are still registered so that
	// environment variables reach Unmarshal.
	for _, key := range []string{
		"llm.model", "llm.api_key", "llm.base_url", "llm.embed_model",
		"llm.embedding.provider", "llm.embedding.model", "llm.embedding.api_key", "llm.embedding.base_url",
		"graph.password", "graph.database", "storage.redis_password", "server.data_dir",
	} {
		v.SetDefault(key, "")
	}

	v.SetDefault("llm.provider", "none")
	v.SetDefault("llm.temperature", 0.0)
	v.SetDefault("llm.timeout", 2*time.Minute)
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.retry_delay", time.Second)
	v.SetDefault("llm.cache_extraction", true)

	v.SetDefault("embedding.dimension", 0)
	v.SetDefault("embedding.batch", 16)

	v.SetDefault("storage.backend", "json")
	v.SetDefault("storage.working_dir", "./rag_storage")
	v.SetDefault("storage.redis_addr", "localhost:6379")
	v.SetDefault("storage.redis_prefix", "default")

	v.SetDefault("vector.backend", "memory")
	v.SetDefault("vector.host", "localhost")
	v.SetDefault("vector.port", 6334)
	v.SetDefault("vector.collection", "kiln_chunks")

	v.SetDefault("graph.mirror", "none")
	v.SetDefault("graph.uri", "bolt://localhost:7687")
	v.SetDefault("graph.username", "neo4j")
	v.SetDefault("graph.max_description_bytes", 4096)

	v.SetDefault("chunking.max_tokens", 1200)
	v.SetDefault("chunking.overlap", 100)
	v.SetDefault("chunking.tokenizer", "words")

	v.SetDefault("ingest.concurrency", 4)
	v.SetDefault("ingest.documents", 2)
	v.SetDefault("ingest.embed_retries", 4)
	v.SetDefault("ingest.backoff_base", 200*time.Millisecond)
	v.SetDefault("ingest.backoff_max", 5*time.Second)

	v.SetDefault("query.mode", "hybrid")
	v.SetDefault("query.top_k", 5)
	v.SetDefault("query.max_context_tokens", 4000)
	v.SetDefault("query.max_depth", 2)
	v.SetDefault("query.vector_weight", 0.6)
	v.SetDefault("query.graph_weight", 0.4)
	v.SetDefault("query.min_entity_similarity", 0.75)
	v.SetDefault("query.timeout", 90*time.Second)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("temporal.host", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "kiln-ingest")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Load reads configuration from file and environment. An empty path uses
// defaults and environment variables only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("KILN")
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

	if err := cfg.Check(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}
