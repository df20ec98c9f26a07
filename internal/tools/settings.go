package tools

import (
	"path/filepath"
	"strings"
	"time"
)

// CacheFileName is the HTTP cache database created under the sandbox.
const CacheFileName = ".spectator_http_cache.sqlite"

// Settings bounds tool side effects.
type Settings struct {
	MaxOutputChars       int
	ShellTimeout         time.Duration
	HTTPAllowlistEnabled bool
	HTTPAllowlist        []string
	HTTPCachePath        string
	HTTPCacheTTL         time.Duration
	HTTPTimeout          time.Duration
	HTTPMaxBytes         int64
}

// DefaultSettings returns the standard limits for a sandbox root.
func DefaultSettings(root string) Settings {
	return Settings{
		MaxOutputChars: 20000,
		ShellTimeout:   20 * time.Second,
		HTTPCachePath:  filepath.Join(root, CacheFileName),
		HTTPCacheTTL:   time.Hour,
		HTTPTimeout:    10 * time.Second,
		HTTPMaxBytes:   1_000_000,
	}
}

// WithAllowlist enables the HTTP domain allowlist, lowercasing entries.
func (s Settings) WithAllowlist(domains []string) Settings {
	lowered := make([]string, 0, len(domains))
	for _, domain := range domains {
		lowered = append(lowered, strings.ToLower(domain))
	}
	s.HTTPAllowlistEnabled = true
	s.HTTPAllowlist = lowered
	return s
}
