// handlers_autopsy.go implements the autopsy and soak analysis
// commands.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/spectator/internal/autopsy"
	"github.com/haasonsaas/spectator/internal/config"
	"github.com/haasonsaas/spectator/internal/trace"
)

// runAutopsy handles the autopsy command. Without an explicit trace it
// falls back to the newest trace file, optionally pinned to a session.
func runAutopsy(cmd *cobra.Command, sessionID, runID, tracePath, checkpointPath string, asJSON bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	derivedCheckpoint := ""
	if tracePath == "" {
		tracesDir := filepath.Join(cfg.DataRoot, "traces")
		if sessionID != "" && runID != "" {
			tracePath = filepath.Join(tracesDir, trace.FileName(sessionID, runID))
			derivedCheckpoint = filepath.Join(cfg.DataRoot, "checkpoints", sessionID+".json")
		} else {
			prefix := ""
			if sessionID != "" {
				prefix = sessionID + "__"
			}
			tracePath, err = newestTrace(tracesDir, prefix)
			if err != nil {
				return err
			}
			if session := sessionFromTraceName(filepath.Base(tracePath)); session != "" {
				derivedCheckpoint = filepath.Join(cfg.DataRoot, "checkpoints", session+".json")
			}
		}
	}
	if checkpointPath == "" {
		checkpointPath = derivedCheckpoint
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Autopsy trace: %s\n", tracePath)
	report, err := autopsy.FromTrace(tracePath, checkpointPath)
	if err != nil {
		return err
	}
	if asJSON {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
		return nil
	}
	fmt.Fprintln(out, autopsy.RenderMarkdown(report))
	return nil
}

// runSoak handles the soak command. Failed checks exit 2; warnings
// exit 1 when --fail-on-warn is set.
func runSoak(cmd *cobra.Command, tracePath, checkpointPath string, turns int, baselinePath, outPath string, maxFailRate float64, failOnWarn bool) error {
	summary, err := autopsy.AnalyzeSoak(tracePath, checkpointPath, autopsy.SoakOptions{
		Turns:           turns,
		BaselinePath:    baselinePath,
		MaxToolFailRate: maxFailRate,
	})
	if err != nil {
		return err
	}

	if outPath != "" {
		data, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			return err
		}
		if dir := filepath.Dir(outPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create summary dir: %w", err)
			}
		}
		if err := os.WriteFile(outPath, append(data, '\n'), 0o644); err != nil {
			return fmt.Errorf("write summary: %w", err)
		}
	}

	fmt.Fprintln(cmd.OutOrStdout(), summary.Render())

	if len(summary.Failures) > 0 {
		return &exitError{code: 2, err: fmt.Errorf("%d soak check(s) failed", len(summary.Failures))}
	}
	if failOnWarn && len(summary.Warnings) > 0 {
		return &exitError{code: 1, err: fmt.Errorf("%d soak warning(s)", len(summary.Warnings))}
	}
	return nil
}

// newestTrace picks the most recently modified trace file in dir,
// optionally filtered by filename prefix.
func newestTrace(dir, prefix string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("autopsy could not find any trace files: %w", err)
	}
	var (
		newest   string
		newestAt time.Time
	)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		if prefix != "" && !strings.HasPrefix(name, prefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestAt) {
			newest = name
			newestAt = info.ModTime()
		}
	}
	if newest == "" {
		return "", fmt.Errorf("autopsy could not find any trace files under %s", dir)
	}
	return filepath.Join(dir, newest), nil
}

// sessionFromTraceName recovers the session id from a
// session__run.jsonl trace filename.
func sessionFromTraceName(name string) string {
	session, _, ok := strings.Cut(strings.TrimSuffix(name, ".jsonl"), "__")
	if !ok {
		return ""
	}
	return session
}
