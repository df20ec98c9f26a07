// handlers.go implements the turn-running commands and the helpers the
// other handlers share.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/haasonsaas/spectator/internal/backend"
	"github.com/haasonsaas/spectator/internal/config"
	"github.com/haasonsaas/spectator/internal/controller"
	"github.com/haasonsaas/spectator/internal/observability"
	"github.com/haasonsaas/spectator/internal/pipeline"
	"github.com/haasonsaas/spectator/internal/protocol"
	"github.com/haasonsaas/spectator/internal/retrieval"
)

// resolveBackend builds the named backend, folding CLI overrides into
// the resolved configuration. The returned name labels metrics.
func resolveBackend(cfg config.Config, name, model, llamaURL string, logger *slog.Logger) (backend.Backend, string, error) {
	if name == "" {
		name = cfg.Backend
	}
	llama := cfg.Llama
	if llamaURL != "" {
		llama.BaseURL = llamaURL
	}
	b, err := backend.New(name, backend.Options{
		Model:  model,
		Llama:  &llama,
		Logger: logger,
	})
	if err != nil {
		return nil, "", err
	}
	return b, strings.ToLower(name), nil
}

// openMemory opens the retrieval store under the data root, creating
// it on first use.
func openMemory(cfg config.Config) (*retrieval.Memory, func(), error) {
	if err := os.MkdirAll(cfg.DataRoot, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create data root: %w", err)
	}
	store, err := retrieval.Open(filepath.Join(cfg.DataRoot, "memory.db"))
	if err != nil {
		return nil, nil, err
	}
	embedder, err := retrieval.NewHashEmbedder(retrieval.DefaultDim)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return &retrieval.Memory{Store: store, Embedder: embedder}, func() { _ = store.Close() }, nil
}

// setupTurnController wires everything one turn needs: config,
// backend, memory, optional metrics. The cleanup closes the memory
// store and stops the metrics server.
func setupTurnController(backendName, model, llamaURL, metricsAddr string) (*controller.Controller, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger := slog.Default()

	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	var metrics *observability.Metrics
	if metricsAddr != "" {
		metrics = observability.NewMetrics()
		shutdown := observability.StartMetricsServer(metricsAddr, logger)
		cleanups = append(cleanups, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = shutdown(ctx)
		})
	}

	b, name, err := resolveBackend(cfg, backendName, model, llamaURL, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	if metrics != nil {
		b = metrics.InstrumentBackend(b, name)
	}

	mem, closeMem, err := openMemory(cfg)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	cleanups = append(cleanups, closeMem)

	ctrl, err := controller.New(controller.Config{
		DataRoot: cfg.DataRoot,
		Backend:  b,
		Memory:   mem,
		Metrics:  metrics,
		Logger:   logger,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return ctrl, cleanup, nil
}

// runRun handles the run command.
func runRun(cmd *cobra.Command, sessionID, text, backendName, model, llamaURL, metricsAddr string) error {
	ctrl, cleanup, err := setupTurnController(backendName, model, llamaURL, metricsAddr)
	if err != nil {
		return err
	}
	defer cleanup()

	final, err := ctrl.RunTurn(cmd.Context(), sessionID, text)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), final)
	return nil
}

// runRepl handles the repl command.
func runRepl(cmd *cobra.Command, sessionID, backendName, model, llamaURL, metricsAddr string) error {
	ctrl, cleanup, err := setupTurnController(backendName, model, llamaURL, metricsAddr)
	if err != nil {
		return err
	}
	defer cleanup()

	in := cmd.InOrStdin()
	out := cmd.OutOrStdout()
	interactive := false
	if f, ok := in.(*os.File); ok {
		interactive = term.IsTerminal(int(f.Fd()))
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		if interactive {
			fmt.Fprint(out, "> ")
		}
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/exit" {
			break
		}
		final, err := ctrl.RunTurn(cmd.Context(), sessionID, line)
		if err != nil {
			if cmd.Context().Err() != nil {
				return nil
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "turn failed: %v\n", err)
			continue
		}
		fmt.Fprintln(out, final)
	}
	return scanner.Err()
}

// runSmoke handles the smoke command: a canned single-turn demo under
// its own data root.
func runSmoke(cmd *cobra.Command, sessionID string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	dataRoot := filepath.Join(cfg.DataRoot, "smoke")

	toolCalls := `[{"id":"t1","tool":"fs.list_dir","args":{"path":"."}}]`
	fake := backend.NewFake()
	fake.ExtendRoleResponses(pipeline.RoleReflection, "Noted.")
	fake.ExtendRoleResponses(pipeline.RolePlanner, "Plan drafted.")
	fake.ExtendRoleResponses(pipeline.RoleCritic, "Looks good.")
	fake.ExtendRoleResponses(pipeline.RoleGovernor,
		"Need to inspect the sandbox.\n"+protocol.ToolCallsStart+"\n"+toolCalls+"\n"+protocol.ToolCallsEnd+"\n",
		"Smoke run complete.")

	ctrl, err := controller.New(controller.Config{
		DataRoot: dataRoot,
		Backend:  fake,
		Logger:   slog.Default(),
	})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(ctrl.SandboxRoot(), 0o755); err != nil {
		return fmt.Errorf("create sandbox: %w", err)
	}
	if err := os.WriteFile(filepath.Join(ctrl.SandboxRoot(), "hello.txt"), []byte("hello"), 0o644); err != nil {
		return fmt.Errorf("seed sandbox: %w", err)
	}

	final, err := ctrl.RunTurn(cmd.Context(), sessionID, "Hello")
	if err != nil {
		return err
	}
	cp, err := ctrl.Store().Load(sessionID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Smoke run complete.")
	fmt.Fprintf(out, "Final answer: %s\n", final)
	fmt.Fprintf(out, "Checkpoint saved: %s\n", ctrl.CheckpointPath(sessionID))
	if n := len(cp.TraceTail); n > 0 {
		fmt.Fprintf(out, "Trace file: %s\n", filepath.Join(ctrl.TraceDir(), cp.TraceTail[n-1]))
	}
	return nil
}
