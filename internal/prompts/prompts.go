// Package prompts ships the built-in prompt texts: one system prompt
// per pipeline role, the llama rules preamble, and the safety suffix
// appended to every default role prompt.
package prompts

import (
	"embed"
	"fmt"
	"strings"
	"sync"
)

//go:embed roles/*.txt system/*.txt
var files embed.FS

// SafetySuffix is appended to the default role prompts.
const SafetySuffix = "Don't output chain-of-thought; output only final answer"

var (
	cacheMu sync.Mutex
	cache   = map[string]string{}
)

// Load returns the trimmed contents of an embedded prompt file,
// caching after the first read.
func Load(relPath string) (string, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	if text, ok := cache[relPath]; ok {
		return text, nil
	}
	raw, err := files.ReadFile(relPath)
	if err != nil {
		return "", fmt.Errorf("load prompt %s: %w", relPath, err)
	}
	text := strings.TrimSpace(string(raw))
	cache[relPath] = text
	return text, nil
}

// Role returns the system prompt for a pipeline role name.
func Role(name string) (string, error) {
	return Load("roles/" + name + ".txt")
}

// WithSafetySuffix appends the safety suffix to a role prompt.
func WithSafetySuffix(prompt string) string {
	trimmed := strings.TrimSpace(prompt)
	if trimmed == "" {
		return SafetySuffix
	}
	return trimmed + " " + SafetySuffix
}

// LlamaRules returns the rules preamble the llama backend injects into
// the system slot. The file is embedded, so lookup cannot fail.
func LlamaRules() string {
	text, err := Load("system/llama_rules.txt")
	if err != nil {
		panic(err)
	}
	return text
}
