// Package retrieval gives roles long-term memory: records embedded
// into vectors, a SQLite-backed store, and cosine top-k lookup
// rendered as a prompt block. The default embedder is deterministic
// hashing, so retrieval works offline and in tests without a model.
package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// DefaultDim is the hash embedder's vector width.
const DefaultDim = 128

// Embedder turns texts into fixed-width vectors. Implementations must
// return one vector per input text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// HashEmbedder derives vectors from SHA-256 digests of the text. The
// same text always embeds to the same unit vector; similar texts do
// not land near each other, which is acceptable for exact and
// near-exact recall.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder returns a hash embedder of the given width.
func NewHashEmbedder(dim int) (*HashEmbedder, error) {
	if dim <= 0 {
		return nil, errors.New("dim must be positive")
	}
	return &HashEmbedder{dim: dim}, nil
}

// Dim returns the vector width.
func (e *HashEmbedder) Dim() int { return e.dim }

// Embed implements Embedder.
func (e *HashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = e.embedOne(text)
	}
	return out, nil
}

func (e *HashEmbedder) embedOne(text string) []float32 {
	values := make([]float64, 0, e.dim)
	for counter := 0; len(values) < e.dim; counter++ {
		digest := sha256.Sum256([]byte(fmt.Sprintf("%s|%d", text, counter)))
		for idx := 0; idx+4 <= len(digest) && len(values) < e.dim; idx += 4 {
			number := binary.BigEndian.Uint32(digest[idx : idx+4])
			values = append(values, float64(number)/(1<<32))
		}
	}
	return normalize(values)
}

func normalize(values []float64) []float32 {
	var sum float64
	for _, v := range values {
		sum += v * v
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(values))
	if norm == 0 {
		return out
	}
	for i, v := range values {
		out[i] = float32(v / norm)
	}
	return out
}
