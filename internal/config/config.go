package config

import (
	"errors"
	"fmt"
	"slices"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/dig"

	"github.com/davidbz/docqa/internal/cache/redis"
	"github.com/davidbz/docqa/internal/domain"
	embeddingopenai "github.com/davidbz/docqa/internal/embedding/openai"
	"github.com/davidbz/docqa/internal/observability"
	"github.com/davidbz/docqa/internal/prompts"
	"github.com/davidbz/docqa/internal/provider/openai"
	"github.com/davidbz/docqa/internal/recorder"
	"github.com/davidbz/docqa/internal/recorder/kafka"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendBadger = "badger"

	EmbeddingOpenAI  = "openai"
	EmbeddingHashing = "hashing"

	RecorderLog   = "log"
	RecorderKafka = "kafka"
	RecorderNone  = "none"
)

// Config represents the service configuration.
type Config struct {
	Server          ServerConfig
	CORS            CORSConfig
	Log             observability.LogConfig
	OpenAI          openai.Config
	Embedding       EmbeddingConfig
	EmbeddingOpenAI embeddingopenai.Config
	LLM             domain.LLMConfig
	Invoker         domain.InvokerConfig
	Redis           redis.Config
	Cache           domain.CacheConfig
	Retrieval       domain.RetrievalConfig
	Conversation    domain.ConversationConfig
	Classifier      domain.ClassifierConfig
	Stream          domain.StreamConfig
	Prompts         prompts.Config
	Recorder        recorder.Config
	Kafka           kafka.Config
}

// ServerConfig contains HTTP server settings. A zero write timeout keeps
// long answer streams open.
type ServerConfig struct {
	Port         int `env:"SERVER_PORT"          envDefault:"8080"`
	ReadTimeout  int `env:"SERVER_READ_TIMEOUT"  envDefault:"30"`
	WriteTimeout int `env:"SERVER_WRITE_TIMEOUT" envDefault:"0"`
}

// CORSConfig contains CORS policy settings.
type CORSConfig struct {
	AllowedOrigins   []string `env:"CORS_ALLOWED_ORIGINS"   envSeparator:"," envDefault:"*"`
	AllowedMethods   []string `env:"CORS_ALLOWED_METHODS"   envSeparator:"," envDefault:"GET,POST,PUT,DELETE,OPTIONS"`
	AllowedHeaders   []string `env:"CORS_ALLOWED_HEADERS"   envSeparator:"," envDefault:"Content-Type,Authorization,X-User-ID,X-Request-Id"`
	AllowCredentials bool     `env:"CORS_ALLOW_CREDENTIALS"                  envDefault:"true"`
	MaxAge           int      `env:"CORS_MAX_AGE"                            envDefault:"86400"`
}

// EmbeddingConfig selects the embedder. Dimension must match the vector index.
type EmbeddingConfig struct {
	Provider  string `env:"EMBEDDING_PROVIDER"  envDefault:"openai"`
	Dimension int    `env:"EMBEDDING_DIMENSION" envDefault:"1536"`
}

// DepConfig is used for dependency injection with dig. Several
// sub-configs share the type name Config, so fields are named.
type DepConfig struct {
	dig.Out

	Server          *ServerConfig
	CORS            *CORSConfig
	Log             *observability.LogConfig
	OpenAI          *openai.Config
	Embedding       *EmbeddingConfig
	EmbeddingOpenAI *embeddingopenai.Config
	LLM             *domain.LLMConfig
	Invoker         *domain.InvokerConfig
	Redis           *redis.Config
	Cache           *domain.CacheConfig
	Retrieval       *domain.RetrievalConfig
	Conversation    *domain.ConversationConfig
	Classifier      *domain.ClassifierConfig
	Stream          *domain.StreamConfig
	Prompts         *prompts.Config
	Recorder        *recorder.Config
	Kafka           *kafka.Config
}

// Load loads environment files and parses configuration.
func Load() *Config {
	for _, file := range []string{".env"} {
		_ = godotenv.Load(file)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		panic(err)
	}

	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	return &cfg
}

// Validate rejects unknown backends and impossible limits.
func (c *Config) Validate() error {
	var errs []error

	check := func(name, value string, allowed ...string) {
		if !slices.Contains(allowed, value) {
			errs = append(errs, fmt.Errorf("%s must be one of %v, got %q", name, allowed, value))
		}
	}

	check("CACHE_BACKEND", c.Cache.Backend, BackendMemory, BackendRedis)
	check("VECTOR_BACKEND", c.Retrieval.Backend, BackendMemory, BackendRedis)
	check("CONVERSATION_BACKEND", c.Conversation.Backend, BackendMemory, BackendBadger)
	check("EMBEDDING_PROVIDER", c.Embedding.Provider, EmbeddingOpenAI, EmbeddingHashing)
	check("RECORDER_BACKEND", c.Recorder.Backend, RecorderLog, RecorderKafka, RecorderNone)

	if c.Embedding.Dimension <= 0 {
		errs = append(errs, errors.New("EMBEDDING_DIMENSION must be positive"))
	}
	if c.Invoker.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("LLM_MAX_CONCURRENT_REQUESTS must be positive"))
	}
	if c.Invoker.MaxRetries < 0 {
		errs = append(errs, errors.New("LLM_MAX_RETRIES cannot be negative"))
	}
	if c.Retrieval.TopK <= 0 {
		errs = append(errs, errors.New("RETRIEVAL_TOP_K must be positive"))
	}
	if c.Recorder.Backend == RecorderKafka && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS is required when RECORDER_BACKEND=kafka"))
	}

	return errors.Join(errs...)
}

// ParseDependenciesConfig returns pointers to sub-configs for dependency injection.
func ParseDependenciesConfig(cfg *Config) DepConfig {
	return DepConfig{
		Server:          &cfg.Server,
		CORS:            &cfg.CORS,
		Log:             &cfg.Log,
		OpenAI:          &cfg.OpenAI,
		Embedding:       &cfg.Embedding,
		EmbeddingOpenAI: &cfg.EmbeddingOpenAI,
		LLM:             &cfg.LLM,
		Invoker:         &cfg.Invoker,
		Redis:           &cfg.Redis,
		Cache:           &cfg.Cache,
		Retrieval:       &cfg.Retrieval,
		Conversation:    &cfg.Conversation,
		Classifier:      &cfg.Classifier,
		Stream:          &cfg.Stream,
		Prompts:         &cfg.Prompts,
		Recorder:        &cfg.Recorder,
		Kafka:           &cfg.Kafka,
	}
}
