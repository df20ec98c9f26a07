// handlers_loops.go implements the open-loop admin commands.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/spectator/internal/checkpoint"
	"github.com/haasonsaas/spectator/internal/config"
	"github.com/haasonsaas/spectator/internal/controller"
	"github.com/haasonsaas/spectator/internal/loops"
)

func loopStore(cfg config.Config) *checkpoint.Store {
	return checkpoint.NewStore(filepath.Join(cfg.DataRoot, "checkpoints"))
}

func formatLoop(e loops.Entry) string {
	if e.ID == nil {
		return fmt.Sprintf("(raw) %s", e.Raw)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s", *e.ID, e.Title)
	if e.Priority != nil {
		fmt.Fprintf(&b, "  p%d", *e.Priority)
	}
	if len(e.Tags) > 0 {
		fmt.Fprintf(&b, "  [%s]", strings.Join(e.Tags, " "))
	}
	return b.String()
}

// runLoopsList handles loops list.
func runLoopsList(cmd *cobra.Command, sessionID string, asJSON bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	entries, err := loops.List(loopStore(cfg), sessionID)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if asJSON {
		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
		return nil
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "No open loops.")
		return nil
	}
	for _, e := range entries {
		fmt.Fprintln(out, formatLoop(e))
	}
	return nil
}

// runLoopsAdd handles loops add. A negative priority means unset.
func runLoopsAdd(cmd *cobra.Command, sessionID, title, details string, tags []string, priority int) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	opts := loops.AddOptions{Title: title, Details: details, Tags: tags}
	if priority >= 0 {
		opts.Priority = &priority
	}
	entries, err := loops.Add(loopStore(cfg), sessionID, opts)
	if err != nil {
		return err
	}
	added := entries[len(entries)-1]
	id := "?"
	if added.ID != nil {
		id = *added.ID
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Added %s (%d open)\n", id, len(entries))
	return nil
}

// runLoopsClose handles loops close.
func runLoopsClose(cmd *cobra.Command, sessionID, loopID string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	entries, err := loops.Close(loopStore(cfg), sessionID, loopID)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Closed %s (%d open)\n", loopID, len(entries))
	return nil
}

// runLoopsRun handles loops run: one turn whose user text asks the
// pipeline to resolve the open loops and close them via a notes patch.
func runLoopsRun(cmd *cobra.Command, sessionID, backendName, model, llamaURL string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	entries, err := loops.List(loopStore(cfg), sessionID)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "No open loops.")
		return nil
	}

	logger := slog.Default()
	b, _, err := resolveBackend(cfg, backendName, model, llamaURL, logger)
	if err != nil {
		return err
	}
	ctrl, err := controller.New(controller.Config{
		DataRoot: cfg.DataRoot,
		Backend:  b,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	final, err := ctrl.RunTurn(cmd.Context(), sessionID, loops.RunPrompt(entries))
	if err != nil {
		return err
	}
	fmt.Fprintln(out, final)

	remaining, err := loops.List(loopStore(cfg), sessionID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Open loops remaining: %d\n", len(remaining))
	return nil
}
