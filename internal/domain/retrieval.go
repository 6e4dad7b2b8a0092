package domain

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/davidbz/docqa/internal/observability"
)

// RetrievalConfig tunes similarity search and context assembly.
type RetrievalConfig struct {
	Backend         string `env:"VECTOR_BACKEND"    envDefault:"redis"`
	TopK            int    `env:"RETRIEVAL_TOP_K"   envDefault:"5"`
	ContextMaxChars int    `env:"CONTEXT_MAX_CHARS" envDefault:"12000"`
}

// RetrievalClient embeds queries and searches a per-document namespace.
type RetrievalClient struct {
	embedder EmbeddingGenerator
	index    VectorIndex
	topK     int
}

// NewRetrievalClient creates a retrieval client.
func NewRetrievalClient(embedder EmbeddingGenerator, index VectorIndex, cfg *RetrievalConfig) *RetrievalClient {
	topK := 5
	if cfg != nil && cfg.TopK > 0 {
		topK = cfg.TopK
	}

	return &RetrievalClient{
		embedder: embedder,
		index:    index,
		topK:     topK,
	}
}

// DefaultTopK returns the configured result count.
func (r *RetrievalClient) DefaultTopK() int {
	return r.topK
}

// Search returns up to topK fragments of the document ordered by descending
// score, ties broken by ascending fragment index.
func (r *RetrievalClient) Search(
	ctx context.Context,
	documentID string,
	query string,
	topK int,
) ([]ScoredFragment, error) {
	if topK <= 0 {
		topK = r.topK
	}

	vector, err := r.embedder.Generate(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to embed query: %w", ErrRetrieval, err)
	}

	results, err := r.index.Search(ctx, documentID, vector, topK)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRetrieval, err)
	}

	SortFragments(results)
	if len(results) > topK {
		results = results[:topK]
	}

	observability.FromContext(ctx).Info("retrieved fragments",
		observability.Int("top_k", topK),
		observability.Int("count", len(results)))

	return results, nil
}

// Upsert embeds fragments that lack a vector and replaces or inserts them
// in the document namespace. Missing IDs default to "<document>_chunk_<index>".
func (r *RetrievalClient) Upsert(ctx context.Context, documentID string, fragments []Fragment) (int, error) {
	if documentID == "" {
		return 0, fmt.Errorf("%w: document id cannot be empty", ErrInvalidRequest)
	}

	prepared := make([]Fragment, 0, len(fragments))
	for _, fragment := range fragments {
		if fragment.Text == "" {
			return 0, fmt.Errorf("%w: fragment %d has no text", ErrInvalidRequest, fragment.Index)
		}

		fragment.DocumentID = documentID
		if fragment.ID == "" {
			fragment.ID = fmt.Sprintf("%s_chunk_%d", documentID, fragment.Index)
		}

		if len(fragment.Embedding) == 0 {
			vector, err := r.embedder.Generate(ctx, fragment.Text)
			if err != nil {
				return 0, fmt.Errorf("%w: failed to embed fragment %s: %w", ErrRetrieval, fragment.ID, err)
			}
			fragment.Embedding = vector
		}

		prepared = append(prepared, fragment)
	}

	if err := r.index.Upsert(ctx, documentID, prepared); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrRetrieval, err)
	}

	observability.FromContext(ctx).Info("fragments upserted",
		observability.String("document_id", documentID),
		observability.Int("count", len(prepared)))

	return len(prepared), nil
}

// DeleteDocument drops the document namespace.
func (r *RetrievalClient) DeleteDocument(ctx context.Context, documentID string) error {
	if documentID == "" {
		return fmt.Errorf("%w: document id cannot be empty", ErrInvalidRequest)
	}

	if err := r.index.DeleteNamespace(ctx, documentID); err != nil {
		return fmt.Errorf("%w: %w", ErrRetrieval, err)
	}
	return nil
}

// SortFragments orders by descending score, then ascending fragment index.
func SortFragments(fragments []ScoredFragment) {
	slices.SortStableFunc(fragments, func(a, b ScoredFragment) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.Fragment.Index, b.Fragment.Index)
	})
}
