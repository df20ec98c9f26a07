// Package backend defines the LLM backend contract and the process-wide
// backend registry. A backend turns one composed prompt into one
// completion; streaming backends additionally forward incremental
// deltas through a callback.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/haasonsaas/spectator/internal/trace"
	"github.com/haasonsaas/spectator/pkg/models"
)

// StreamCallback receives incremental completion deltas in arrival
// order.
type StreamCallback func(delta string)

// Params carries the per-call options a backend may honor. Pointer
// fields distinguish unset from a deliberate zero: the llama backend
// defaults temperature to a literal 0, so nil means "use the default",
// not "omit".
type Params struct {
	Role           string
	Stream         bool
	StreamCallback StreamCallback
	Messages       []models.ChatMessage
	SystemPrompt   string
	Temperature    *float64
	TopP           *float64
	MaxTokens      *int
	Seed           *int
	Model          string
}

// Float returns a pointer to v, for building Params literals.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v, for building Params literals.
func Int(v int) *int { return &v }

// Backend produces one completion per call.
type Backend interface {
	Complete(ctx context.Context, prompt string, p Params) (string, error)
}

// MessageSupporter marks backends that accept prebuilt message lists
// through Params.Messages instead of a single flattened prompt.
type MessageSupporter interface {
	SupportsMessages() bool
}

// SlotResetter is implemented by backends that hold server-side prompt
// cache slots which should be erased at most once per run.
type SlotResetter interface {
	ResetSlotCache(ctx context.Context, runID string, tracer *trace.Writer)
}

// Options parameterizes backend construction through the registry.
type Options struct {
	Model   string
	BaseURL string
	// Llama overrides the env-derived llama configuration when set.
	Llama  *LlamaConfig
	Logger *slog.Logger
}

// Factory builds a backend from construction options.
type Factory func(opts Options) (Backend, error)

var (
	registryMu sync.RWMutex
	factories  = map[string]Factory{}
)

// Register adds a named factory. Names are case-insensitive; a
// duplicate registration is an error.
func Register(name string, factory Factory) error {
	key := strings.ToLower(name)
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := factories[key]; exists {
		return fmt.Errorf("backend %q is already registered", name)
	}
	factories[key] = factory
	return nil
}

func mustRegister(name string, factory Factory) {
	if err := Register(name, factory); err != nil {
		panic(err)
	}
}

// New builds the named backend. Unknown names report the available set.
func New(name string, opts Options) (Backend, error) {
	key := strings.ToLower(name)
	registryMu.RLock()
	factory, ok := factories[key]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown backend %q, available: %s", name, strings.Join(List(), ", "))
	}
	return factory(opts)
}

// List returns the registered backend names, sorted.
func List() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
