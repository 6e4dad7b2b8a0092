package hashing

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

const defaultDimension = 256

// Generator produces deterministic bag-of-words embeddings by feature
// hashing lower-cased tokens into a fixed number of buckets. Vectors are
// L2-normalized so cosine similarity reduces to a dot product.
type Generator struct {
	dimension int
}

// NewGenerator creates a hashing generator. dimension <= 0 selects 256.
func NewGenerator(dimension int) *Generator {
	if dimension <= 0 {
		dimension = defaultDimension
	}
	return &Generator{dimension: dimension}
}

// Generate embeds text.
func (g *Generator) Generate(_ context.Context, text string) ([]float64, error) {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return nil, errors.New("text has no tokens")
	}

	vector := make([]float64, g.dimension)
	for _, token := range tokens {
		h := fnv.New64a()
		_, _ = h.Write([]byte(token))
		sum := h.Sum64()

		bucket := int(sum % uint64(g.dimension))
		// The top bit picks the sign so collisions tend to cancel.
		if sum>>63 == 1 {
			vector[bucket]--
		} else {
			vector[bucket]++
		}
	}

	var norm float64
	for _, v := range vector {
		norm += v * v
	}
	if norm == 0 {
		return vector, nil
	}

	norm = math.Sqrt(norm)
	for i := range vector {
		vector[i] /= norm
	}
	return vector, nil
}

// Name returns the generator identifier.
func (g *Generator) Name() string {
	return "hashing"
}

// Dimension returns the vector dimension.
func (g *Generator) Dimension() int {
	return g.dimension
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
