package redis

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/davidbz/docqa/internal/domain"
	"github.com/davidbz/docqa/internal/observability"
)

const (
	redisDialectVersion = 2
)

// VectorIndex implements domain.VectorIndex with RediSearch. Fragments are
// stored as hashes and every query is filtered on the document_id tag.
type VectorIndex struct {
	client             *redis.Client
	indexName          string
	keyPrefix          string
	embeddingDimension int
}

// NewVectorIndex creates the adapter and the search index if missing.
func NewVectorIndex(ctx context.Context, client *redis.Client, cfg *Config, embeddingDimension int) (*VectorIndex, error) {
	v := &VectorIndex{
		client:             client,
		indexName:          cfg.IndexName,
		keyPrefix:          cfg.KeyPrefix,
		embeddingDimension: embeddingDimension,
	}

	if err := v.createIndex(ctx); err != nil {
		return nil, fmt.Errorf("failed to create index: %w", err)
	}

	return v, nil
}

// floatsToBytes converts float64 slice to binary byte representation.
func floatsToBytes(fs []float64) []byte {
	const bytesPerFloat32 = 4
	buf := make([]byte, len(fs)*bytesPerFloat32)

	for i, f := range fs {
		// Redis vectors are FLOAT32.
		u := math.Float32bits(float32(f))
		binary.LittleEndian.PutUint32(buf[i*bytesPerFloat32:], u)
	}

	return buf
}

// Search returns the topK fragments of the namespace closest to vector.
func (v *VectorIndex) Search(
	ctx context.Context,
	namespace string,
	vector []float64,
	topK int,
) ([]domain.ScoredFragment, error) {
	logger := observability.FromContext(ctx)
	logger.Info("starting vector search",
		observability.String("index", v.indexName),
		observability.Int("embedding_dim", len(vector)),
		observability.Int("top_k", topK))

	results, err := v.client.FTSearchWithArgs(ctx, v.indexName, searchQuery(namespace, topK),
		&redis.FTSearchOptions{
			Return: []redis.FTSearchReturn{
				{FieldName: "fragment_id"},
				{FieldName: "document_id"},
				{FieldName: "fragment_index"},
				{FieldName: "text"},
				{FieldName: "page"},
				{FieldName: "section"},
				{FieldName: "score"},
			},
			DialectVersion: redisDialectVersion,
			Params: map[string]any{
				"vec": floatsToBytes(vector),
			},
			LimitOffset: 0,
			Limit:       topK,
		},
	).Result()
	if err != nil {
		logger.Error("vector search failed",
			observability.Error(err))
		return nil, fmt.Errorf("search failed: %w", err)
	}

	logger.Info("vector search completed",
		observability.Int("total_docs", results.Total),
		observability.Int("docs_returned", len(results.Docs)))

	return v.parseSearchResults(ctx, results), nil
}

// Upsert writes each fragment hash, replacing any previous version.
func (v *VectorIndex) Upsert(ctx context.Context, namespace string, fragments []domain.Fragment) error {
	logger := observability.FromContext(ctx)

	pipe := v.client.Pipeline()
	for _, f := range fragments {
		if len(f.Embedding) != v.embeddingDimension {
			return fmt.Errorf("fragment %s has dimension %d, index expects %d",
				f.ID, len(f.Embedding), v.embeddingDimension)
		}

		key := v.fragmentKey(namespace, f.ID)
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key,
			"fragment_id", f.ID,
			"document_id", documentTag(namespace),
			"fragment_index", f.Index,
			"text", f.Text,
			"page", f.Page,
			"section", f.Section,
			"embedding", floatsToBytes(f.Embedding),
		)
	}

	if _, execErr := pipe.Exec(ctx); execErr != nil {
		logger.Error("fragment upsert failed",
			observability.Error(execErr))
		return fmt.Errorf("failed to upsert fragments: %w", execErr)
	}

	logger.Debug("fragments indexed",
		observability.Int("count", len(fragments)))
	return nil
}

// DeleteNamespace removes every fragment hash of the namespace.
func (v *VectorIndex) DeleteNamespace(ctx context.Context, namespace string) error {
	deleted, err := deleteMatching(ctx, v.client, prefixPattern(v.namespacePrefix(namespace)))
	if err != nil {
		return err
	}

	observability.FromContext(ctx).Info("dropped document fragments",
		observability.Int("deleted", deleted))
	return nil
}

func (v *VectorIndex) namespacePrefix(namespace string) string {
	return v.keyPrefix + ":" + documentTag(namespace) + ":"
}

// documentTag is the stored form of a document id. Query escaping removes
// the tag separator so every id maps to exactly one tag.
func documentTag(namespace string) string {
	return url.QueryEscape(namespace)
}

func searchQuery(namespace string, topK int) string {
	return fmt.Sprintf("@document_id:{%s}=>[KNN %d @embedding $vec AS score]",
		escapeTag(documentTag(namespace)), topK)
}

func indexSchema(embeddingDimension int) []*redis.FieldSchema {
	return []*redis.FieldSchema{
		{
			FieldName: "embedding",
			FieldType: redis.SearchFieldTypeVector,
			VectorArgs: &redis.FTVectorArgs{
				FlatOptions: &redis.FTFlatOptions{
					Type:           "FLOAT32",
					Dim:            embeddingDimension,
					DistanceMetric: "COSINE",
				},
			},
		},
		{
			FieldName:     "document_id",
			FieldType:     redis.SearchFieldTypeTag,
			CaseSensitive: true,
		},
		{
			FieldName: "fragment_index",
			FieldType: redis.SearchFieldTypeNumeric,
			Sortable:  true,
		},
		{
			FieldName: "text",
			FieldType: redis.SearchFieldTypeText,
			NoIndex:   true,
		},
	}
}

func (v *VectorIndex) fragmentKey(namespace, fragmentID string) string {
	return v.namespacePrefix(namespace) + url.QueryEscape(fragmentID)
}

// createIndex creates the Redis search index if it doesn't exist.
func (v *VectorIndex) createIndex(ctx context.Context) error {
	logger := observability.FromContext(ctx)

	if _, err := v.client.FTInfo(ctx, v.indexName).Result(); err == nil {
		logger.Info("redis search index already exists, skipping creation",
			observability.String("index_name", v.indexName))
		return nil
	}

	logger.Info("creating redis search index",
		observability.String("index_name", v.indexName),
		observability.Int("embedding_dimension", v.embeddingDimension))

	_, err := v.client.FTCreate(ctx, v.indexName,
		&redis.FTCreateOptions{
			OnHash: true,
			Prefix: []any{v.keyPrefix + ":"},
		},
		indexSchema(v.embeddingDimension)...,
	).Result()
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	logger.Info("successfully created redis search index",
		observability.String("index_name", v.indexName))

	return nil
}

// parseSearchResults converts FT.SEARCH documents into scored fragments.
func (v *VectorIndex) parseSearchResults(ctx context.Context, result redis.FTSearchResult) []domain.ScoredFragment {
	fragments := make([]domain.ScoredFragment, 0, len(result.Docs))

	for _, doc := range result.Docs {
		if fragment, ok := v.parseSearchResult(ctx, doc); ok {
			fragments = append(fragments, fragment)
		}
	}

	return fragments
}

// parseSearchResult parses a single Document into a scored fragment.
func (v *VectorIndex) parseSearchResult(ctx context.Context, doc redis.Document) (domain.ScoredFragment, bool) {
	logger := observability.FromContext(ctx)

	// The KNN distance is returned as the "score" field, not doc.Score.
	scoreStr, ok := doc.Fields["score"]
	if !ok {
		return domain.ScoredFragment{}, false
	}

	distance, err := strconv.ParseFloat(scoreStr, 64)
	if err != nil {
		logger.Warn("unparseable score in search result",
			observability.String("key", doc.ID))
		return domain.ScoredFragment{}, false
	}

	text, ok := doc.Fields["text"]
	if !ok {
		logger.Warn("text field not found in search result",
			observability.String("key", doc.ID))
		return domain.ScoredFragment{}, false
	}

	index, _ := strconv.Atoi(doc.Fields["fragment_index"])
	documentID, err := url.QueryUnescape(doc.Fields["document_id"])
	if err != nil {
		documentID = doc.Fields["document_id"]
	}
	page, _ := strconv.Atoi(doc.Fields["page"])

	return domain.ScoredFragment{
		Fragment: domain.Fragment{
			ID:         doc.Fields["fragment_id"],
			DocumentID: documentID,
			Index:      index,
			Text:       text,
			Page:       page,
			Section:    doc.Fields["section"],
		},
		// Cosine distance to similarity.
		Score: 1.0 - distance,
	}, true
}

// escapeTag escapes RediSearch tag query syntax.
func escapeTag(value string) string {
	var sb strings.Builder
	for _, r := range value {
		if !(r == '_' || ('0' <= r && r <= '9') || ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z')) {
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
