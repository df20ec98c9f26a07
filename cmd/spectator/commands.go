// commands.go contains all cobra command definitions and their flag
// configurations. Each command builder creates a command and wires it
// to its handler.
package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/spectator/internal/introspect"
)

// =============================================================================
// Turn Commands
// =============================================================================

// buildRunCmd creates the "run" command that executes a single turn.
func buildRunCmd() *cobra.Command {
	var (
		sessionID   string
		text        string
		backendName string
		model       string
		llamaURL    string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a single turn",
		Long: `Run one conversational turn through the full role pipeline and print
the final visible answer. Session state persists under the data root.`,
		Example: `  # One turn against the fake backend
  SPECTATOR_FAKE_ROLE_RESPONSES='{"governor":["Hi."]}' spectator run --text "Hello"

  # Against a local llama-server
  spectator run --backend llama --text "Hello" --llama-url http://127.0.0.1:8080`,
		RunE: runHandler(func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, sessionID, text, backendName, model, llamaURL, metricsAddr)
		}),
	}

	cmd.Flags().StringVar(&sessionID, "session", "demo-1", "Session id")
	cmd.Flags().StringVar(&text, "text", "", "User text for the turn")
	cmd.Flags().StringVar(&backendName, "backend", "", "Backend name (default from config)")
	cmd.Flags().StringVar(&model, "model", "", "Model override for the backend")
	cmd.Flags().StringVar(&llamaURL, "llama-url", "", "llama-server base URL override")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	_ = cmd.MarkFlagRequired("text")

	return cmd
}

// buildReplCmd creates the "repl" command for an interactive loop.
func buildReplCmd() *cobra.Command {
	var (
		sessionID   string
		backendName string
		model       string
		llamaURL    string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "repl",
		Short: "Run an interactive REPL",
		Long:  "Read lines from stdin and run each as a turn. Type /exit to quit.",
		RunE: runHandler(func(cmd *cobra.Command, args []string) error {
			return runRepl(cmd, sessionID, backendName, model, llamaURL, metricsAddr)
		}),
	}

	cmd.Flags().StringVar(&sessionID, "session", "demo-1", "Session id")
	cmd.Flags().StringVar(&backendName, "backend", "", "Backend name (default from config)")
	cmd.Flags().StringVar(&model, "model", "", "Model override for the backend")
	cmd.Flags().StringVar(&llamaURL, "llama-url", "", "llama-server base URL override")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	return cmd
}

// buildSmokeCmd creates the "smoke" command running the canned demo.
func buildSmokeCmd() *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "smoke",
		Short: "Run the smoke demo",
		Long: `Run one canned turn against the fake backend under <data_root>/smoke:
the governor requests a sandbox listing and then answers. Prints the
final answer, checkpoint path, and trace path.`,
		RunE: runHandler(func(cmd *cobra.Command, args []string) error {
			return runSmoke(cmd, sessionID)
		}),
	}

	cmd.Flags().StringVar(&sessionID, "session", "smoke-1", "Session id")

	return cmd
}

// =============================================================================
// Analysis Commands
// =============================================================================

// buildAutopsyCmd creates the "autopsy" command for trace analysis.
func buildAutopsyCmd() *cobra.Command {
	var (
		sessionID      string
		runID          string
		tracePath      string
		checkpointPath string
		asJSON         bool
	)

	cmd := &cobra.Command{
		Use:   "autopsy",
		Short: "Analyze a trace JSONL file",
		Long: `Reconstruct what happened in a turn from its trace: role stages, tool
executions, sanitizer actions, anomalies, and recommendations. Without
--trace or --session/--run the newest trace under the data root is used.`,
		RunE: runHandler(func(cmd *cobra.Command, args []string) error {
			return runAutopsy(cmd, sessionID, runID, tracePath, checkpointPath, asJSON)
		}),
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Session id to pick traces for")
	cmd.Flags().StringVar(&runID, "run", "", "Run id (requires --session)")
	cmd.Flags().StringVar(&tracePath, "trace", "", "Explicit trace file path")
	cmd.Flags().StringVar(&checkpointPath, "checkpoint", "", "Explicit checkpoint file path")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit the report as JSON")

	return cmd
}

// buildSoakCmd creates the "soak" command validating a long run.
func buildSoakCmd() *cobra.Command {
	var (
		tracePath      string
		checkpointPath string
		turns          int
		baselinePath   string
		outPath        string
		maxFailRate    float64
		failOnWarn     bool
	)

	cmd := &cobra.Command{
		Use:   "soak",
		Short: "Analyze a soak run trace/checkpoint",
		Long: `Validate a long run: event pairing, tool failure rate, checkpoint
bounds, bytes-per-turn thresholds, and optional drift against a
baseline summary. Exits 2 when checks fail, 1 for warnings with
--fail-on-warn.`,
		RunE: runHandler(func(cmd *cobra.Command, args []string) error {
			return runSoak(cmd, tracePath, checkpointPath, turns, baselinePath, outPath, maxFailRate, failOnWarn)
		}),
	}

	cmd.Flags().StringVar(&tracePath, "trace", "", "Trace JSONL path")
	cmd.Flags().StringVar(&checkpointPath, "checkpoint", "", "Checkpoint JSON path")
	cmd.Flags().IntVar(&turns, "turns", 0, "Turn count (inferred from notes_patch events when zero)")
	cmd.Flags().StringVar(&baselinePath, "baseline", "", "Baseline summary JSON to diff against")
	cmd.Flags().StringVar(&outPath, "out", "", "Write the summary JSON here")
	cmd.Flags().Float64Var(&maxFailRate, "max-tool-fail-rate", 0.0, "Allow tool failures up to this rate")
	cmd.Flags().BoolVar(&failOnWarn, "fail-on-warn", false, "Treat warnings as failures")
	_ = cmd.MarkFlagRequired("trace")
	_ = cmd.MarkFlagRequired("checkpoint")

	return cmd
}

// =============================================================================
// Introspection Command
// =============================================================================

// buildIntrospectCmd creates the "introspect" command for repo reading.
func buildIntrospectCmd() *cobra.Command {
	var (
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
	)

	cmd := &cobra.Command{
		Use:   "introspect",
		Short: "Read or summarize repo files",
		Long: `List, read, or summarize files under the repo root (REPO_ROOT or the
working directory). Summarization chunks the tail and map-reduces it
through a governor-only pipeline.`,
		Example: `  spectator introspect --list --path internal
  spectator introspect --read --path README.md --lines 80
  spectator introspect --summarize --path data/app.log --chunking log`,
		RunE: runHandler(func(cmd *cobra.Command, args []string) error {
			return runIntrospect(cmd, introspectOptions{
				list:        list,
				read:        read,
				summarize:   summarize,
				path:        path,
				limit:       limit,
				lines:       lines,
				backendName: backendName,
				instruction: instruction,
				chunking:    chunking,
				maxChars:    maxChars,
			})
		}),
	}

	cmd.Flags().BoolVar(&list, "list", false, "List files under --path")
	cmd.Flags().BoolVar(&read, "read", false, "Print the tail of --path")
	cmd.Flags().BoolVar(&summarize, "summarize", false, "Summarize --path through a backend")
	cmd.Flags().StringVar(&path, "path", "", "Path relative to the repo root")
	cmd.Flags().IntVar(&limit, "limit", introspect.DefaultListLimit, "Maximum files to list")
	cmd.Flags().IntVar(&lines, "lines", introspect.DefaultTailLines, "Tail lines to read")
	cmd.Flags().StringVar(&backendName, "backend", "fake", "Backend for summarization")
	cmd.Flags().StringVar(&instruction, "instruction", "", "Summarization task override")
	cmd.Flags().StringVar(&chunking, "chunking", introspect.StrategyAuto,
		"Chunking strategy (auto, headings, code, log, fixed)")
	cmd.Flags().IntVar(&maxChars, "max-chars", introspect.DefaultSummarizeMaxChars, "Per-chunk character budget")
	cmd.MarkFlagsOneRequired("list", "read", "summarize")
	cmd.MarkFlagsMutuallyExclusive("list", "read", "summarize")

	return cmd
}

// =============================================================================
// Open Loop Commands
// =============================================================================

// buildLoopsCmd creates the "loops" command group for open-loop admin.
func buildLoopsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "loops",
		Short: "Manage a session's open loops",
	}
	cmd.AddCommand(buildLoopsListCmd(), buildLoopsAddCmd(), buildLoopsCloseCmd(), buildLoopsRunCmd())
	return cmd
}

func buildLoopsListCmd() *cobra.Command {
	var (
		sessionID string
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List open loops",
		RunE: runHandler(func(cmd *cobra.Command, args []string) error {
			return runLoopsList(cmd, sessionID, asJSON)
		}),
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Session id")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit loops as JSON")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func buildLoopsAddCmd() *cobra.Command {
	var (
		sessionID string
		title     string
		details   string
		tags      []string
		priority  int
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add an open loop",
		RunE: runHandler(func(cmd *cobra.Command, args []string) error {
			return runLoopsAdd(cmd, sessionID, title, details, tags, priority)
		}),
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Session id")
	cmd.Flags().StringVar(&title, "title", "", "Loop title")
	cmd.Flags().StringVar(&details, "details", "", "Optional details")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "Optional tags")
	cmd.Flags().IntVar(&priority, "priority", -1, "Optional priority 0-10")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func buildLoopsCloseCmd() *cobra.Command {
	var (
		sessionID string
		loopID    string
	)
	cmd := &cobra.Command{
		Use:   "close",
		Short: "Close an open loop by id",
		RunE: runHandler(func(cmd *cobra.Command, args []string) error {
			return runLoopsClose(cmd, sessionID, loopID)
		}),
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Session id")
	cmd.Flags().StringVar(&loopID, "id", "", "Loop id (loop-N)")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func buildLoopsRunCmd() *cobra.Command {
	var (
		sessionID   string
		backendName string
		model       string
		llamaURL    string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a turn asking the pipeline to resolve open loops",
		RunE: runHandler(func(cmd *cobra.Command, args []string) error {
			return runLoopsRun(cmd, sessionID, backendName, model, llamaURL)
		}),
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Session id")
	cmd.Flags().StringVar(&backendName, "backend", "", "Backend name (default from config)")
	cmd.Flags().StringVar(&model, "model", "", "Model override for the backend")
	cmd.Flags().StringVar(&llamaURL, "llama-url", "", "llama-server base URL override")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

// =============================================================================
// Memory Commands
// =============================================================================

// buildMemoryCmd creates the "memory" command group for the retrieval
// store.
func buildMemoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Manage the retrieval memory store",
	}
	cmd.AddCommand(buildMemoryAddCmd(), buildMemorySearchCmd())
	return cmd
}

func buildMemoryAddCmd() *cobra.Command {
	var (
		text string
		id   string
		tags []string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Store a memory",
		RunE: runHandler(func(cmd *cobra.Command, args []string) error {
			return runMemoryAdd(cmd, text, id, tags)
		}),
	}
	cmd.Flags().StringVar(&text, "text", "", "Memory text")
	cmd.Flags().StringVar(&id, "id", "", "Record id (random when empty)")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "Optional tags")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func buildMemorySearchCmd() *cobra.Command {
	var (
		query string
		topK  int
	)
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search stored memories",
		RunE: runHandler(func(cmd *cobra.Command, args []string) error {
			return runMemorySearch(cmd, query, topK)
		}),
	}
	cmd.Flags().StringVar(&query, "query", "", "Search text")
	cmd.Flags().IntVar(&topK, "top", 5, "Number of results")
	_ = cmd.MarkFlagRequired("query")
	return cmd
}

// =============================================================================
// Version Command
// =============================================================================

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: runHandler(func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "spectator %s (commit: %s, built: %s)\n", version, commit, date)
			return err
		}),
	}
}
