// handlers_memory.go implements the retrieval memory commands.
package main

import (
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/spectator/internal/config"
	"github.com/haasonsaas/spectator/internal/retrieval"
)

// runMemoryAdd handles memory add.
func runMemoryAdd(cmd *cobra.Command, text, id string, tags []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	mem, closeMem, err := openMemory(cfg)
	if err != nil {
		return err
	}
	defer closeMem()

	if id == "" {
		id = uuid.NewString()
	}
	ctx := cmd.Context()
	vectors, err := mem.Embedder.Embed(ctx, []string{text})
	if err != nil {
		return err
	}
	if err := mem.Store.Add(ctx, []retrieval.Record{{ID: id, Text: text, Tags: tags}}, vectors); err != nil {
		return err
	}
	count, err := mem.Store.Count(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stored %s (%d total)\n", id, count)
	return nil
}

// runMemorySearch handles memory search.
func runMemorySearch(cmd *cobra.Command, query string, topK int) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	mem, closeMem, err := openMemory(cfg)
	if err != nil {
		return err
	}
	defer closeMem()

	results, err := retrieval.Retrieve(cmd.Context(), query, mem.Store, mem.Embedder, topK)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(results) == 0 {
		fmt.Fprintln(out, "No results.")
		return nil
	}
	for i, r := range results {
		fmt.Fprintf(out, "%d. [%.3f] %s  %s\n", i+1, r.Score, r.Record.ID, clipText(r.Record.Text, 160))
	}
	return nil
}

// clipText bounds text to limit runes for single-line display.
func clipText(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit]) + "..."
}
