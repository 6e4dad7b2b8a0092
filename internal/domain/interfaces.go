package domain

import (
	"context"
	"time"
)

// Provider represents any LLM provider.
type Provider interface {
	// Complete sends a completion request and returns the full response.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// Stream sends a completion request and returns a stream of chunks.
	// The channel is closed when the stream ends or ctx is cancelled.
	Stream(ctx context.Context, req *CompletionRequest) (<-chan StreamChunk, error)

	// Name returns the provider identifier.
	Name() string

	// IsModelSupported checks if the provider supports the given model.
	IsModelSupported(ctx context.Context, model string) bool

	// SupportedModels lists the models known to the provider.
	SupportedModels(ctx context.Context) []string
}

// ProviderRegistry manages available providers.
type ProviderRegistry interface {
	// Register adds a provider to the registry.
	Register(ctx context.Context, provider Provider) error

	// Get retrieves a provider by name.
	Get(ctx context.Context, providerName string) (Provider, error)

	// GetByModel retrieves the provider serving a model.
	GetByModel(ctx context.Context, model string) (Provider, error)

	// List returns all available providers.
	List(ctx context.Context) ([]string, error)
}

// EmbeddingGenerator creates vector embeddings from text.
type EmbeddingGenerator interface {
	// Generate creates a vector embedding from text.
	Generate(ctx context.Context, text string) ([]float64, error)

	// Name returns the generator identifier.
	Name() string

	// Dimension returns the vector dimension.
	Dimension() int
}

// VectorIndex is the similarity-search collaborator. Every operation is
// scoped to a namespace, one per document.
type VectorIndex interface {
	// Search returns up to topK fragments closest to vector.
	Search(ctx context.Context, namespace string, vector []float64, topK int) ([]ScoredFragment, error)

	// Upsert replaces or inserts fragments keyed by fragment ID.
	Upsert(ctx context.Context, namespace string, fragments []Fragment) error

	// DeleteNamespace removes every fragment of the namespace.
	DeleteNamespace(ctx context.Context, namespace string) error
}

// CacheStore is the key/value backend behind the cache manager.
type CacheStore interface {
	// Get returns the raw payload, or ErrCacheMiss if absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores the payload with an expiry, overwriting any previous value.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// DeletePrefix removes every key starting with prefix and reports how many were removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// ConversationStore persists conversation turns per (user, document).
type ConversationStore interface {
	// Append adds one turn at the end of the session.
	Append(ctx context.Context, userID, documentID string, turn ConversationTurn) error

	// Recent returns at most limit turns, oldest first. limit <= 0 returns all.
	Recent(ctx context.Context, userID, documentID string, limit int) ([]ConversationTurn, error)

	// Clear removes the session's history.
	Clear(ctx context.Context, userID, documentID string) error
}

// QueryClassifier decides whether an input is a genuine, in-scope question.
type QueryClassifier interface {
	Classify(ctx context.Context, question string) (*Classification, error)
}

// Recorder receives finished answers for persistence or analytics.
// Implementations must not block the caller.
type Recorder interface {
	Record(ctx context.Context, record *AnswerRecord)
}
