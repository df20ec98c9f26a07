// handlers_introspect.go implements the introspect command.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/spectator/internal/config"
	"github.com/haasonsaas/spectator/internal/introspect"
)

type introspectOptions struct {
	list        bool
	read        bool
	summarize   bool
	path        string
	limit       int
	lines       int
	backendName string
	instruction string
	chunking    string
	maxChars    int
}

// runIntrospect handles the introspect command's three modes.
func runIntrospect(cmd *cobra.Command, o introspectOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	repoRoot, err := filepath.Abs(cfg.RepoRoot)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	switch {
	case o.list:
		files, err := introspect.ListRepoFiles(repoRoot, o.path, o.limit)
		if err != nil {
			return err
		}
		for _, file := range files {
			fmt.Fprintln(out, file)
		}
		return nil

	case o.read:
		if o.path == "" {
			return &usageError{errors.New("--path required for read")}
		}
		content, err := introspect.ReadRepoFileTail(repoRoot, o.path, o.lines)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, content)
		return nil

	case o.summarize:
		if o.path == "" {
			return &usageError{errors.New("--path required for summarize")}
		}
		logger := slog.Default()
		b, _, err := resolveBackend(cfg, o.backendName, "", "", logger)
		if err != nil {
			return err
		}
		result, err := introspect.SummarizeRepoFile(cmd.Context(), repoRoot, o.path, introspect.SummarizeOptions{
			DataRoot:    cfg.DataRoot,
			Backend:     b,
			TailLines:   o.lines,
			Instruction: o.instruction,
			Chunking:    o.chunking,
			MaxChars:    o.maxChars,
			Logger:      logger,
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(out, result.Summary)
		return nil
	}
	return &usageError{errors.New("introspect requires --list, --read, or --summarize")}
}
