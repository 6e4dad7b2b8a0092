package main

import (
	"context"
	"errors"
	"fmt"
	"slices"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/davidbz/docqa/internal/cache/memory"
	"github.com/davidbz/docqa/internal/cache/redis"
	"github.com/davidbz/docqa/internal/config"
	badgerconv "github.com/davidbz/docqa/internal/conversation/badger"
	memoryconv "github.com/davidbz/docqa/internal/conversation/memory"
	"github.com/davidbz/docqa/internal/domain"
	"github.com/davidbz/docqa/internal/embedding/hashing"
	embeddingopenai "github.com/davidbz/docqa/internal/embedding/openai"
	"github.com/davidbz/docqa/internal/http"
	"github.com/davidbz/docqa/internal/http/middleware"
	memoryindex "github.com/davidbz/docqa/internal/index/memory"
	"github.com/davidbz/docqa/internal/observability"
	"github.com/davidbz/docqa/internal/prompts"
	"github.com/davidbz/docqa/internal/provider/echo"
	"github.com/davidbz/docqa/internal/provider/openai"
	"github.com/davidbz/docqa/internal/provider/registry"
	"github.com/davidbz/docqa/internal/recorder"
	"github.com/davidbz/docqa/internal/recorder/kafka"
)

// resources collects everything that must be closed on exit.
type resources struct {
	closers []func() error
}

func (r *resources) add(closer func() error) {
	r.closers = append(r.closers, closer)
}

// Close releases resources in reverse acquisition order.
func (r *resources) Close() {
	for _, closer := range slices.Backward(r.closers) {
		if err := closer(); err != nil {
			observability.FromContext(context.Background()).Warn("failed to release resource",
				observability.Error(err))
		}
	}
	r.closers = nil
}

type engineParams struct {
	dig.In

	Registry      domain.ProviderRegistry
	Invoker       *domain.Invoker
	Cache         *domain.CacheManager
	Conversations *domain.ConversationManager
	Retrieval     *domain.RetrievalClient
	Classifier    domain.QueryClassifier `optional:"true"`
	Prompts       *domain.PromptBuilder
	Recorder      domain.Recorder `optional:"true"`
	LLM           *domain.LLMConfig
}

func buildContainer(ctx context.Context) (*dig.Container, error) {
	container := dig.New()

	constructors := []struct {
		name string
		fn   any
	}{
		{"context", func() context.Context { return ctx }},
		{"resources", func() *resources { return &resources{} }},

		// Configuration
		{"config", config.Load},
		{"config dependencies", config.ParseDependenciesConfig},

		// Observability
		{"logger", observability.InitLogger},

		// Backends
		{"redis client", provideRedisClient},
		{"embedder", provideEmbedder},
		{"vector index", provideVectorIndex},
		{"cache store", provideCacheStore},
		{"conversation store", provideConversationStore},
		{"provider registry", provideRegistry},
		{"recorder", provideRecorder},
		{"prompts", prompts.Load},

		// Domain Services
		{"invoker", domain.NewInvoker},
		{"cache manager", domain.NewCacheManager},
		{"conversation manager", domain.NewConversationManager},
		{"retrieval client", domain.NewRetrievalClient},
		{"prompt builder", providePromptBuilder},
		{"classifier", provideClassifier},
		{"query engine", provideQueryEngine},
		{"streaming coordinator", domain.NewStreamingCoordinator},

		// HTTP Layer
		{"middleware", middleware.BuildMiddlewareChain},
		{"HTTP handler", http.NewHandler},
		{"HTTP server", http.NewServer},
	}

	for _, c := range constructors {
		if err := container.Provide(c.fn); err != nil {
			return nil, fmt.Errorf("failed to provide %s: %w", c.name, err)
		}
	}

	// Logger first so every later constructor logs through it.
	if err := container.Invoke(func(logger *zap.Logger, res *resources) {
		res.add(func() error {
			_ = logger.Sync()
			return nil
		})
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", dig.RootCause(err))
	}

	return container, nil
}

// provideRedisClient connects only when a backend needs Redis.
func provideRedisClient(
	ctx context.Context,
	cfg *redis.Config,
	cacheCfg *domain.CacheConfig,
	retrievalCfg *domain.RetrievalConfig,
	res *resources,
) (*goredis.Client, error) {
	cacheNeeds := cacheCfg.Enabled && cacheCfg.Backend == config.BackendRedis
	indexNeeds := retrievalCfg.Backend == config.BackendRedis
	if !cacheNeeds && !indexNeeds {
		return nil, nil
	}

	client, err := redis.NewClient(ctx, cfg)
	if err != nil {
		if indexNeeds {
			return nil, err
		}
		// The cache alone degrades to always generating.
		observability.FromContext(ctx).Warn("redis unavailable, answer cache disabled",
			observability.String("addr", cfg.Addr),
			observability.Error(err))
		return nil, nil
	}
	res.add(client.Close)
	return client, nil
}

func provideEmbedder(cfg *config.EmbeddingConfig, openaiCfg *embeddingopenai.Config) (domain.EmbeddingGenerator, error) {
	if cfg.Provider == config.EmbeddingHashing {
		return hashing.NewGenerator(cfg.Dimension), nil
	}
	return embeddingopenai.NewGenerator(*openaiCfg, cfg.Dimension)
}

func provideVectorIndex(
	ctx context.Context,
	cfg *domain.RetrievalConfig,
	redisCfg *redis.Config,
	client *goredis.Client,
	embedder domain.EmbeddingGenerator,
) (domain.VectorIndex, error) {
	if cfg.Backend == config.BackendMemory {
		return memoryindex.NewIndex(), nil
	}
	return redis.NewVectorIndex(ctx, client, redisCfg, embedder.Dimension())
}

func provideCacheStore(cfg *domain.CacheConfig, client *goredis.Client) domain.CacheStore {
	switch {
	case !cfg.Enabled:
		return nil
	case cfg.Backend == config.BackendMemory:
		return memory.NewStore()
	case client == nil:
		return nil
	default:
		return redis.NewStore(client)
	}
}

func provideConversationStore(
	ctx context.Context,
	cfg *domain.ConversationConfig,
	res *resources,
) (domain.ConversationStore, error) {
	if cfg.Backend != config.BackendBadger {
		return memoryconv.NewStore(), nil
	}

	store, err := badgerconv.Open(ctx, cfg.BadgerPath, false)
	if err != nil {
		return nil, err
	}
	res.add(store.Close)
	return store, nil
}

// provideRegistry registers the echo provider always and OpenAI when a key
// is configured.
func provideRegistry(ctx context.Context, openaiCfg *openai.Config) (domain.ProviderRegistry, error) {
	reg := registry.NewRegistry()

	if openaiCfg.APIKey != "" {
		provider, err := openai.NewProvider(*openaiCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create OpenAI provider: %w", err)
		}
		if err := reg.Register(ctx, provider); err != nil {
			return nil, fmt.Errorf("failed to register OpenAI provider: %w", err)
		}
	} else {
		observability.FromContext(ctx).Warn("OPENAI_API_KEY not set, only the echo model is available")
	}

	if err := reg.Register(ctx, echo.NewProvider()); err != nil {
		return nil, fmt.Errorf("failed to register echo provider: %w", err)
	}

	return reg, nil
}

func provideRecorder(cfg *recorder.Config, kafkaCfg *kafka.Config, res *resources) (domain.Recorder, error) {
	var sink recorder.Sink
	switch cfg.Backend {
	case config.RecorderNone:
		return nil, nil
	case config.RecorderKafka:
		kafkaSink, err := kafka.NewSink(kafkaCfg)
		if err != nil {
			return nil, err
		}
		sink = kafkaSink
	default:
		sink = recorder.NewLogSink()
	}

	rec, err := recorder.NewAsyncRecorder(sink, cfg)
	if err != nil {
		return nil, errors.Join(err, sink.Close())
	}
	res.add(rec.Close)
	return rec, nil
}

func providePromptBuilder(p *domain.Prompts, cfg *domain.RetrievalConfig) *domain.PromptBuilder {
	return domain.NewPromptBuilder(p, cfg.ContextMaxChars)
}

func provideClassifier(
	cfg *domain.ClassifierConfig,
	reg domain.ProviderRegistry,
	invoker *domain.Invoker,
	builder *domain.PromptBuilder,
	llm *domain.LLMConfig,
) domain.QueryClassifier {
	if !cfg.Enabled {
		return nil
	}
	return domain.NewLLMClassifier(reg, invoker, builder, cfg, llm.Model)
}

func provideQueryEngine(p engineParams) *domain.QueryEngine {
	return domain.NewQueryEngine(domain.EngineDependencies{
		Registry:      p.Registry,
		Invoker:       p.Invoker,
		Cache:         p.Cache,
		Conversations: p.Conversations,
		Retrieval:     p.Retrieval,
		Classifier:    p.Classifier,
		Prompts:       p.Prompts,
		Recorder:      p.Recorder,
		LLM:           p.LLM,
	})
}
