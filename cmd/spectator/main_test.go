package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/spectator/internal/backend"
	"github.com/haasonsaas/spectator/internal/checkpoint"
	"github.com/haasonsaas/spectator/internal/config"
	"github.com/haasonsaas/spectator/pkg/models"
)

// clearConfigEnv isolates a test from ambient spectator configuration.
func clearConfigEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		config.EnvConfig, config.EnvDataRoot, config.EnvRepoRoot, config.EnvBackend,
		backend.EnvFakeResponses, backend.EnvFakeRoleResponses,
		backend.EnvLlamaBaseURL, backend.EnvLlamaTimeoutS, backend.EnvLlamaAPIKey,
		backend.EnvLlamaModel, backend.EnvLlamaResetSlot, backend.EnvLlamaSlotID,
	}
	for _, k := range keys {
		t.Setenv(k, os.Getenv(k))
		os.Unsetenv(k)
	}
}

// execute runs a fresh command tree and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := buildRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"run", "repl", "smoke", "autopsy", "soak", "introspect", "loops", "memory", "version"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestRunHandlerExitMapping(t *testing.T) {
	plain := runHandler(func(*cobra.Command, []string) error { return errors.New("boom") })
	err := plain(nil, nil)
	var exit *exitError
	if !errors.As(err, &exit) || exit.code != 1 {
		t.Fatalf("plain error mapped to %v", err)
	}

	usage := runHandler(func(*cobra.Command, []string) error { return &usageError{errors.New("bad flag")} })
	err = usage(nil, nil)
	var uerr *usageError
	if !errors.As(err, &uerr) {
		t.Fatalf("usage error mapped to %v", err)
	}

	coded := runHandler(func(*cobra.Command, []string) error { return &exitError{code: 2, err: errors.New("checks")} })
	err = coded(nil, nil)
	if !errors.As(err, &exit) || exit.code != 2 {
		t.Fatalf("exit error mapped to %v", err)
	}
}

func TestSmokeCommand(t *testing.T) {
	clearConfigEnv(t)
	dataRoot := t.TempDir()
	t.Setenv(config.EnvDataRoot, dataRoot)

	out, err := execute(t, "smoke")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Final answer: Smoke run complete.") {
		t.Errorf("output missing final answer: %q", out)
	}
	cpPath := filepath.Join(dataRoot, "smoke", "checkpoints", "smoke-1.json")
	if !strings.Contains(out, "Checkpoint saved: "+cpPath) {
		t.Errorf("output missing checkpoint path: %q", out)
	}
	if _, statErr := os.Stat(cpPath); statErr != nil {
		t.Errorf("checkpoint not written: %v", statErr)
	}
	if _, statErr := os.Stat(filepath.Join(dataRoot, "smoke", "sandbox", "hello.txt")); statErr != nil {
		t.Errorf("sandbox seed missing: %v", statErr)
	}
	tracePath := filepath.Join(dataRoot, "smoke", "traces", "smoke-1__rev-1.jsonl")
	if !strings.Contains(out, "Trace file: "+tracePath) {
		t.Errorf("output missing trace path: %q", out)
	}
	if _, statErr := os.Stat(tracePath); statErr != nil {
		t.Errorf("trace not written: %v", statErr)
	}
}

func TestRunCommandWithFakeBackend(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv(config.EnvDataRoot, t.TempDir())
	t.Setenv(backend.EnvFakeRoleResponses,
		`{"reflection":["Noted."],"planner":["Plan."],"critic":["Ok."],"governor":["Hello back."]}`)

	out, err := execute(t, "run", "--session", "s1", "--text", "Hello")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Hello back.") {
		t.Errorf("output = %q, want final answer", out)
	}
}

func TestRunCommandRequiresText(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv(config.EnvDataRoot, t.TempDir())

	_, err := execute(t, "run")
	if err == nil {
		t.Fatal("run without --text succeeded")
	}
	var exit *exitError
	if errors.As(err, &exit) {
		t.Fatalf("required-flag error carried exit code %d, want cobra usage error", exit.code)
	}
}

func TestLoopsLifecycle(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv(config.EnvDataRoot, t.TempDir())

	out, err := execute(t, "loops", "add", "--session", "s1", "--title", "Fix the gate", "--priority", "2")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Added loop-1 (1 open)") {
		t.Errorf("add output = %q", out)
	}

	out, err = execute(t, "loops", "list", "--session", "s1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "loop-1  Fix the gate  p2") {
		t.Errorf("list output = %q", out)
	}

	out, err = execute(t, "loops", "close", "--session", "s1", "--id", "loop-1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Closed loop-1 (0 open)") {
		t.Errorf("close output = %q", out)
	}

	out, err = execute(t, "loops", "list", "--session", "s1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "No open loops.") {
		t.Errorf("final list output = %q", out)
	}
}

func TestMemoryAddAndSearch(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv(config.EnvDataRoot, t.TempDir())

	out, err := execute(t, "memory", "add", "--text", "deployment checklist", "--id", "m1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Stored m1 (1 total)") {
		t.Errorf("add output = %q", out)
	}

	out, err = execute(t, "memory", "add", "--text", "rollback plan")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "(2 total)") {
		t.Errorf("second add output = %q", out)
	}

	out, err = execute(t, "memory", "search", "--query", "deployment checklist", "--top", "1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "m1") || !strings.Contains(out, "deployment checklist") {
		t.Errorf("search output = %q", out)
	}
}

func TestIntrospectListAndRead(t *testing.T) {
	clearConfigEnv(t)
	repo := t.TempDir()
	t.Setenv(config.EnvDataRoot, t.TempDir())
	t.Setenv(config.EnvRepoRoot, repo)
	if err := os.WriteFile(filepath.Join(repo, "notes.txt"), []byte("alpha\nbeta\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "introspect", "--list")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "notes.txt") {
		t.Errorf("list output = %q", out)
	}

	out, err = execute(t, "introspect", "--read", "--path", "notes.txt", "--lines", "1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "beta") {
		t.Errorf("read output = %q", out)
	}

	if _, err := execute(t, "introspect", "--path", "notes.txt"); err == nil {
		t.Error("introspect without a mode succeeded")
	}
}

func TestSoakCommandExitCode(t *testing.T) {
	clearConfigEnv(t)
	dir := t.TempDir()
	tracePath := filepath.Join(dir, "soak__rev-1.jsonl")
	if err := os.WriteFile(tracePath, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	store := checkpoint.NewStore(filepath.Join(dir, "checkpoints"))
	cp := models.NewCheckpoint("soak")
	if err := store.Save(cp); err != nil {
		t.Fatal(err)
	}

	_, err := execute(t, "soak", "--trace", tracePath, "--checkpoint", store.Path("soak"))
	var exit *exitError
	if !errors.As(err, &exit) || exit.code != 2 {
		t.Fatalf("empty-trace soak error = %v, want exit code 2", err)
	}
}

func TestNewestTrace(t *testing.T) {
	dir := t.TempDir()
	older := filepath.Join(dir, "a__rev-1.jsonl")
	newer := filepath.Join(dir, "b__rev-1.jsonl")
	for _, p := range []string{older, newer} {
		if err := os.WriteFile(p, []byte("{}\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	base := time.Now().Add(-time.Hour)
	if err := os.Chtimes(older, base, base); err != nil {
		t.Fatal(err)
	}

	got, err := newestTrace(dir, "")
	if err != nil {
		t.Fatal(err)
	}
	if got != newer {
		t.Errorf("newestTrace = %q, want %q", got, newer)
	}

	got, err = newestTrace(dir, "a__")
	if err != nil {
		t.Fatal(err)
	}
	if got != older {
		t.Errorf("filtered newestTrace = %q, want %q", got, older)
	}

	if _, err := newestTrace(dir, "zzz__"); err == nil {
		t.Error("newestTrace with no matches succeeded")
	}
}

func TestSessionFromTraceName(t *testing.T) {
	cases := []struct {
		name string
		want string
	}{
		{"s1__rev-3.jsonl", "s1"},
		{"introspect__20240101-010101.jsonl", "introspect"},
		{"plain.jsonl", ""},
	}
	for _, tc := range cases {
		if got := sessionFromTraceName(tc.name); got != tc.want {
			t.Errorf("sessionFromTraceName(%q) = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "spectator dev") {
		t.Errorf("version output = %q", out)
	}
}
