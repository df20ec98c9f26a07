// Package main provides the CLI entry point for the spectator
// cognitive runtime.
//
// Spectator drives a role-pipelined turn loop (reflection, planner,
// critic, governor) over a pluggable LLM backend, with sandboxed tool
// execution, condensed checkpoint state, and append-only JSONL traces.
//
// # Basic Usage
//
// Run one turn:
//
//	spectator run --session demo-1 --text "Hello"
//
// Interactive loop:
//
//	spectator repl --session demo-1
//
// Analyze the latest trace:
//
//	spectator autopsy
//
// # Environment Variables
//
//   - SPECTATOR_CONFIG: path to a YAML or JSON5 config file
//   - DATA_ROOT: session state directory (default: data)
//   - REPO_ROOT: introspection root (default: working directory)
//   - SPECTATOR_BACKEND: default backend name (default: fake)
//   - LLAMA_SERVER_BASE_URL and friends: llama-server backend options
//   - ANTHROPIC_API_KEY / OPENAI_API_KEY: hosted backend credentials
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/spectator/internal/observability"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// exitError carries a specific process exit status. The soak command
// uses it to report failed checks.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit status %d", e.code)
}

func (e *exitError) Unwrap() error { return e.err }

// usageError marks a handler-detected usage problem so it exits with
// the usage status alongside cobra's own flag errors.
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

// runHandler wraps a RunE so handler failures exit 1 while cobra's
// parse errors and explicit usage errors keep the usage status.
func runHandler(fn func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := fn(cmd, args)
		if err == nil {
			return nil
		}
		var exit *exitError
		var usage *usageError
		if errors.As(err, &exit) || errors.As(err, &usage) {
			return err
		}
		return &exitError{code: 1, err: err}
	}
}

func main() {
	slog.SetDefault(observability.NewLogger(os.Stderr, slog.LevelInfo))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := buildRootCmd()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		// Anything else came from cobra's own parsing.
		os.Exit(2)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	var logLevel string

	rootCmd := &cobra.Command{
		Use:   "spectator",
		Short: "Spectator - role-pipelined cognitive runtime",
		Long: `Spectator runs conversational turns through a reflection, planner,
critic, and governor role pipeline over a pluggable LLM backend, with
sandboxed tools, bounded checkpoint state, and append-only traces.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := observability.ParseLevel(logLevel)
			if err != nil {
				return &usageError{err}
			}
			slog.SetDefault(observability.NewLogger(cmd.ErrOrStderr(), level))
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"Log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		buildRunCmd(),
		buildReplCmd(),
		buildSmokeCmd(),
		buildAutopsyCmd(),
		buildSoakCmd(),
		buildIntrospectCmd(),
		buildLoopsCmd(),
		buildMemoryCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}
