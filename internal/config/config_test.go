package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/spectator/internal/backend"
)

var allEnvVars = []string{
	EnvConfig, EnvDataRoot, EnvRepoRoot, EnvBackend,
	backend.EnvLlamaBaseURL, backend.EnvLlamaTimeoutS,
	backend.EnvLlamaAPIKey, backend.EnvLlamaModel,
	backend.EnvLlamaResetSlot, backend.EnvLlamaSlotID,
}

// unsetenv clears the given variables for the test, restoring them on
// cleanup via t.Setenv's registered restore.
func unsetenv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, os.Getenv(k))
		os.Unsetenv(k)
	}
}

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.DataRoot != "data" || cfg.RepoRoot != "." || cfg.Backend != "fake" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.Llama.BaseURL != backend.DefaultLlamaBaseURL {
		t.Errorf("llama base url = %q", cfg.Llama.BaseURL)
	}
	if cfg.Llama.TimeoutS != backend.DefaultLlamaTimeoutS {
		t.Errorf("llama timeout = %v", cfg.Llama.TimeoutS)
	}
}

func TestLoadPrecedence(t *testing.T) {
	unsetenv(t, allEnvVars...)
	path := writeConfig(t, "spectator.yaml", `
data_root: filedata
backend: llama
llama:
  timeout_s: 5
`)
	t.Setenv(EnvConfig, path)
	t.Setenv(EnvDataRoot, "envdata")
	t.Setenv(backend.EnvLlamaSlotID, "3")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DataRoot != "envdata" {
		t.Errorf("data root = %q, want env override", cfg.DataRoot)
	}
	if cfg.Backend != "llama" {
		t.Errorf("backend = %q, want file value", cfg.Backend)
	}
	if cfg.RepoRoot != "." {
		t.Errorf("repo root = %q, want default", cfg.RepoRoot)
	}
	if cfg.Llama.TimeoutS != 5 {
		t.Errorf("llama timeout = %v, want file value 5", cfg.Llama.TimeoutS)
	}
	if cfg.Llama.SlotID != 3 {
		t.Errorf("llama slot = %d, want env value 3", cfg.Llama.SlotID)
	}
	if cfg.Llama.BaseURL != backend.DefaultLlamaBaseURL {
		t.Errorf("llama base url = %q, want default", cfg.Llama.BaseURL)
	}
}

func TestLoadJSON5File(t *testing.T) {
	unsetenv(t, allEnvVars...)
	path := writeConfig(t, "spectator.json5", `// local box
{
  "backend": "llama",
  "llama": {"base_url": "http://box:8080", "timeout_s": 2.5,},
}
`)
	t.Setenv(EnvConfig, path)

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Backend != "llama" || cfg.Llama.BaseURL != "http://box:8080" || cfg.Llama.TimeoutS != 2.5 {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.DataRoot != "data" {
		t.Errorf("data root = %q, want default", cfg.DataRoot)
	}
}

func TestLoadExpandsEnvInFile(t *testing.T) {
	unsetenv(t, allEnvVars...)
	path := writeConfig(t, "spectator.yaml", "data_root: ${SPECTATOR_TEST_HOME}/state\n")
	t.Setenv(EnvConfig, path)
	t.Setenv("SPECTATOR_TEST_HOME", "/srv/spectator")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DataRoot != "/srv/spectator/state" {
		t.Errorf("data root = %q", cfg.DataRoot)
	}
}

func TestLoadRejectsUnknownYAMLKeys(t *testing.T) {
	unsetenv(t, allEnvVars...)
	path := writeConfig(t, "spectator.yaml", "data_rooot: oops\n")
	t.Setenv(EnvConfig, path)

	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestLoadMissingConfigFile(t *testing.T) {
	unsetenv(t, allEnvVars...)
	t.Setenv(EnvConfig, filepath.Join(t.TempDir(), "absent.yaml"))

	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadEmptyFileKeepsDefaults(t *testing.T) {
	unsetenv(t, allEnvVars...)
	path := writeConfig(t, "spectator.yaml", "")
	t.Setenv(EnvConfig, path)

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DataRoot != "data" || cfg.Backend != "fake" {
		t.Errorf("unexpected config: %+v", cfg)
	}
}

func TestLoadDotEnv(t *testing.T) {
	unsetenv(t, allEnvVars...)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("DATA_ROOT=fromdotenv\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DataRoot != "fromdotenv" {
		t.Errorf("data root = %q, want .env value", cfg.DataRoot)
	}
}

func TestLoadEnvParseErrors(t *testing.T) {
	unsetenv(t, allEnvVars...)
	t.Setenv(backend.EnvLlamaTimeoutS, "soon")
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), backend.EnvLlamaTimeoutS) {
		t.Fatalf("timeout parse error = %v", err)
	}

	unsetenv(t, backend.EnvLlamaTimeoutS)
	t.Setenv(backend.EnvLlamaSlotID, "first")
	_, err = Load()
	if err == nil || !strings.Contains(err.Error(), backend.EnvLlamaSlotID) {
		t.Fatalf("slot parse error = %v", err)
	}
}

func TestLoadResetSlotTruthiness(t *testing.T) {
	cases := []struct {
		raw  string
		want bool
	}{
		{"1", true},
		{"true", true},
		{"YES", true},
		{"on", true},
		{"0", false},
		{"off", false},
		{"maybe", false},
	}
	for _, tc := range cases {
		unsetenv(t, allEnvVars...)
		t.Setenv(backend.EnvLlamaResetSlot, tc.raw)
		cfg, err := Load()
		if err != nil {
			t.Fatal(err)
		}
		if cfg.Llama.ResetSlot != tc.want {
			t.Errorf("reset slot for %q = %v, want %v", tc.raw, cfg.Llama.ResetSlot, tc.want)
		}
	}
}
