package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"strings"
)

// CacheParams are the request parameters that change an answer and
// therefore participate in the cache key. Zero values are omitted.
type CacheParams struct {
	TopK  int
	Model string
}

// canonicalJSON serializes the set parameters as a key-sorted JSON object.
func (p CacheParams) canonicalJSON() string {
	fields := make(map[string]any, 2)
	if p.TopK > 0 {
		fields["top_k"] = p.TopK
	}
	if p.Model != "" {
		fields["model"] = p.Model
	}

	// encoding/json writes map keys in sorted order.
	data, err := json.Marshal(fields)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// NormalizeQuestion lower-cases the question, trims it and collapses
// internal whitespace runs.
func NormalizeQuestion(question string) string {
	return strings.Join(strings.Fields(strings.ToLower(question)), " ")
}

// NamespacePrefix is the key prefix shared by every entry of a document.
// The document ID is escaped so it cannot contain ':' or glob metacharacters.
func NamespacePrefix(prefix, documentID string) string {
	return prefix + ":" + url.QueryEscape(documentID)
}

// CacheKey derives "<namespace-prefix>:<hex sha256>" for a question.
func CacheKey(prefix, documentID, question string, params CacheParams) string {
	payload := documentID + ":" + NormalizeQuestion(question) + ":" + params.canonicalJSON()
	sum := sha256.Sum256([]byte(payload))
	return NamespacePrefix(prefix, documentID) + ":" + hex.EncodeToString(sum[:])
}
