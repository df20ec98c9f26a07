// Package tools hosts the sandboxed tool surface: a named registry of
// handlers, the executor that turns planned calls into results, and the
// built-in fs, shell, http, and time tools. Every filesystem tool is
// confined to its sandbox root; shell commands run from a validated
// argv with no shell in between.
package tools

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/haasonsaas/spectator/pkg/models"
)

// Handler executes one tool call. Args arrive as decoded JSON; the
// returned map becomes the result output verbatim.
type Handler func(ctx context.Context, args map[string]any, tc *Context) (map[string]any, error)

// Context is passed to every handler invocation.
type Context struct {
	State    *models.State
	Settings Settings
}

// Registry maps tool names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Register adds or replaces a handler.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Get looks up a handler by name.
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewDefaultRegistry builds the full tool surface rooted at root.
func NewDefaultRegistry(root string, settings Settings, logger *slog.Logger) *Registry {
	reg := NewRegistry()
	reg.Register("fs.read_text", readTextHandler(root))
	reg.Register("fs.write_text", writeTextHandler(root))
	reg.Register("fs.list_dir", listDirHandler(root))
	reg.Register("shell.exec", shellExecHandler(root))
	reg.Register("http.get", httpGetHandler(settings, logger))
	reg.Register("system.time", systemTimeHandler())
	return reg
}

// NewReadonlyRegistry builds the inspection-only surface used by
// introspection runs: file reads, directory listings, and the clock.
func NewReadonlyRegistry(root string) *Registry {
	reg := NewRegistry()
	reg.Register("fs.read_text", readTextHandler(root))
	reg.Register("fs.list_dir", listDirHandler(root))
	reg.Register("system.time", systemTimeHandler())
	return reg
}

// NewDefaultExecutor wires the default registry and settings for a
// sandbox root.
func NewDefaultExecutor(root string, logger *slog.Logger) *Executor {
	settings := DefaultSettings(root)
	return NewExecutor(NewDefaultRegistry(root, settings, logger), settings, logger)
}

// NewReadonlyExecutor wires the read-only registry for a repo root.
func NewReadonlyExecutor(root string, logger *slog.Logger) *Executor {
	settings := DefaultSettings(root)
	return NewExecutor(NewReadonlyRegistry(root), settings, logger)
}
