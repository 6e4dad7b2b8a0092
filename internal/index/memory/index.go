package memory

import (
	"context"
	"errors"
	"math"
	"sync"

	"github.com/davidbz/docqa/internal/domain"
)

// Index is an in-process VectorIndex scoring by cosine similarity.
type Index struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]domain.Fragment
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{namespaces: make(map[string]map[string]domain.Fragment)}
}

// Search returns up to topK fragments of the namespace closest to vector.
func (x *Index) Search(_ context.Context, namespace string, vector []float64, topK int) ([]domain.ScoredFragment, error) {
	if len(vector) == 0 {
		return nil, errors.New("query vector cannot be empty")
	}

	x.mu.RLock()
	fragments := x.namespaces[namespace]
	results := make([]domain.ScoredFragment, 0, len(fragments))
	for _, f := range fragments {
		results = append(results, domain.ScoredFragment{
			Fragment: f,
			Score:    cosine(vector, f.Embedding),
		})
	}
	x.mu.RUnlock()

	domain.SortFragments(results)
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Upsert replaces or inserts fragments keyed by ID.
func (x *Index) Upsert(_ context.Context, namespace string, fragments []domain.Fragment) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	ns, ok := x.namespaces[namespace]
	if !ok {
		ns = make(map[string]domain.Fragment, len(fragments))
		x.namespaces[namespace] = ns
	}

	for _, f := range fragments {
		if f.ID == "" {
			return errors.New("fragment id cannot be empty")
		}
		ns[f.ID] = f
	}
	return nil
}

// DeleteNamespace drops every fragment of the namespace.
func (x *Index) DeleteNamespace(_ context.Context, namespace string) error {
	x.mu.Lock()
	delete(x.namespaces, namespace)
	x.mu.Unlock()
	return nil
}

// Count reports how many fragments the namespace holds.
func (x *Index) Count(namespace string) int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.namespaces[namespace])
}

func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
