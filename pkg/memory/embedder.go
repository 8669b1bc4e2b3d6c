package memory

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Embedder converts text to vector embeddings. The store uses one
// embedder uniformly for every collection; swapping it never touches
// the rest of the core.
type Embedder interface {
	// Embed converts a single text to an embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns embedding vector size.
	Dimensions() int
}

// HashingEmbedder is a deterministic, dependency-free embedder that
// hashes tokens into a fixed number of buckets and L2-normalizes the
// result. Identical input always yields the identical vector, which is
// what the store's contract assumes within a session.
type HashingEmbedder struct {
	dims int
}

// NewHashingEmbedder creates an embedder producing vectors of the given
// dimensionality.
func NewHashingEmbedder(dims int) *HashingEmbedder {
	if dims <= 0 {
		dims = 128
	}
	return &HashingEmbedder{dims: dims}
}

func (e *HashingEmbedder) Dimensions() int {
	return e.dims
}

func (e *HashingEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)

	tokens := tokenize(text)
	for i, tok := range tokens {
		addToken(vec, tok)
		// Bigrams keep some word order so "ball thrown up" and
		// "thrown up ball" don't collapse to the same vector.
		if i > 0 {
			addToken(vec, tokens[i-1]+" "+tok)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		// Empty or all-punctuation input maps to a fixed unit vector so
		// queries against it are still well-defined.
		vec[0] = 1
		return vec, nil
	}

	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}

func addToken(vec []float32, tok string) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(tok))
	sum := h.Sum64()

	idx := int(sum % uint64(len(vec)))
	if sum&(1<<63) != 0 {
		vec[idx]--
	} else {
		vec[idx]++
	}
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
