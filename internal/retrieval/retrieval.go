package retrieval

import (
	"context"
	"fmt"
	"strings"
)

// Block delimiters for the rendered retrieval section of a prompt.
const (
	BlockStart = "=== RETRIEVAL ==="
	BlockEnd   = "=== END RETRIEVAL ==="
)

const previewLimit = 160

// Memory bundles a store with the embedder that populated it.
type Memory struct {
	Store    *Store
	Embedder Embedder
}

// Retrieve embeds the query and returns the topK closest records.
func Retrieve(ctx context.Context, query string, store *Store, embedder Embedder, topK int) ([]Scored, error) {
	vectors, err := embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, nil
	}
	return store.Query(ctx, vectors[0], topK)
}

// FormatBlock renders results as the prompt section roles see.
func FormatBlock(results []Scored) string {
	lines := []string{BlockStart}
	for i, r := range results {
		lines = append(lines, fmt.Sprintf("[%d] score=%.3f id=%s text=%s", i+1, r.Score, r.Record.ID, truncatePreview(r.Record.Text)))
	}
	if len(results) == 0 {
		lines = append(lines, "(no matches)")
	}
	lines = append(lines, BlockEnd)
	return strings.Join(lines, "\n")
}

func truncatePreview(text string) string {
	flattened := strings.Join(strings.Fields(text), " ")
	runes := []rune(flattened)
	if len(runes) <= previewLimit {
		return flattened
	}
	return string(runes[:previewLimit-3]) + "..."
}
