// Package config resolves the runtime configuration by merging, in
// order: compiled defaults, an optional YAML or JSON5 file named by
// SPECTATOR_CONFIG, and the process environment. A .env file in the
// working directory is loaded into the environment first.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/spectator/internal/backend"
)

// Environment variables consumed here. The fake backend seeds
// (SPECTATOR_FAKE_RESPONSES, SPECTATOR_FAKE_ROLE_RESPONSES) are read at
// backend construction instead.
const (
	EnvConfig   = "SPECTATOR_CONFIG"
	EnvDataRoot = "DATA_ROOT"
	EnvRepoRoot = "REPO_ROOT"
	EnvBackend  = "SPECTATOR_BACKEND"
)

// Config holds the resolved runtime settings.
type Config struct {
	// DataRoot receives checkpoints/, traces/, and sandbox/.
	DataRoot string `yaml:"data_root" json:"data_root"`
	// RepoRoot bounds introspection file access.
	RepoRoot string `yaml:"repo_root" json:"repo_root"`
	// Backend names the registry entry used when no flag overrides it.
	Backend string `yaml:"backend" json:"backend"`
	// Llama configures the llama-server backend.
	Llama backend.LlamaConfig `yaml:"llama" json:"llama"`
}

// Default returns the compiled-in configuration.
func Default() Config {
	return Config{
		DataRoot: "data",
		RepoRoot: ".",
		Backend:  "fake",
		Llama: backend.LlamaConfig{
			BaseURL:  backend.DefaultLlamaBaseURL,
			TimeoutS: backend.DefaultLlamaTimeoutS,
		},
	}
}

// Load resolves the configuration. A missing .env file is fine; a
// missing SPECTATOR_CONFIG file is an error, since the caller asked for
// it explicitly.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	cfg := Default()
	if path := os.Getenv(EnvConfig); path != "" {
		if err := mergeFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// mergeFile overlays a config file onto cfg. ${VAR} references expand
// against the environment before parsing. YAML decoding is strict:
// unknown keys are errors.
func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	expanded := os.ExpandEnv(string(data))
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		if err := json5.Unmarshal([]byte(expanded), cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		dec := yaml.NewDecoder(strings.NewReader(expanded))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v, ok := os.LookupEnv(EnvDataRoot); ok {
		cfg.DataRoot = v
	}
	if v, ok := os.LookupEnv(EnvRepoRoot); ok {
		cfg.RepoRoot = v
	}
	if v, ok := os.LookupEnv(EnvBackend); ok {
		cfg.Backend = v
	}
	if v, ok := os.LookupEnv(backend.EnvLlamaBaseURL); ok {
		cfg.Llama.BaseURL = v
	}
	if v, ok := os.LookupEnv(backend.EnvLlamaTimeoutS); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("parse %s: %w", backend.EnvLlamaTimeoutS, err)
		}
		cfg.Llama.TimeoutS = f
	}
	if v, ok := os.LookupEnv(backend.EnvLlamaAPIKey); ok {
		cfg.Llama.APIKey = v
	}
	if v, ok := os.LookupEnv(backend.EnvLlamaModel); ok {
		cfg.Llama.Model = v
	}
	if v, ok := os.LookupEnv(backend.EnvLlamaResetSlot); ok {
		cfg.Llama.ResetSlot = truthy(v)
	}
	if v, ok := os.LookupEnv(backend.EnvLlamaSlotID); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse %s: %w", backend.EnvLlamaSlotID, err)
		}
		cfg.Llama.SlotID = n
	}
	return nil
}

// truthy matches the backend package's boolean env convention.
func truthy(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
