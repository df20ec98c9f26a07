package tools

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/haasonsaas/spectator/pkg/models"
)

// ErrUnknownTool is the failure recorded for calls naming an
// unregistered tool.
var ErrUnknownTool = errors.New("unknown tool")

// Executor runs planned tool calls against a registry.
type Executor struct {
	registry *Registry
	settings Settings
	log      *slog.Logger
}

// NewExecutor builds an executor over a registry.
func NewExecutor(registry *Registry, settings Settings, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{registry: registry, settings: settings, log: logger}
}

// Registry exposes the underlying registry.
func (e *Executor) Registry() *Registry { return e.registry }

// Settings exposes the executor's limits.
func (e *Executor) Settings() Settings { return e.settings }

// ExecuteCalls runs the calls serially and returns one result per
// call. Handler failures become ok:false results, never errors: the
// caller always gets a full result set to frame back to the model.
func (e *Executor) ExecuteCalls(ctx context.Context, calls []models.ToolCall, state *models.State) []models.ToolResult {
	tc := &Context{State: state, Settings: e.settings}
	results := make([]models.ToolResult, 0, len(calls))
	for _, call := range calls {
		results = append(results, e.execute(ctx, call, tc))
	}
	return results
}

func (e *Executor) execute(ctx context.Context, call models.ToolCall, tc *Context) models.ToolResult {
	handler, ok := e.registry.Get(call.Tool)
	if !ok {
		return models.ToolResult{ID: call.ID, Tool: call.Tool, OK: false, Error: ErrUnknownTool.Error()}
	}

	start := time.Now()
	output, err := handler(ctx, call.Args, tc)
	metadata := map[string]any{"duration_ms": time.Since(start).Milliseconds()}

	if err != nil {
		e.log.Warn("tool failed", "tool", call.Tool, "id", call.ID, "error", err)
		return models.ToolResult{ID: call.ID, Tool: call.Tool, OK: false, Error: err.Error(), Metadata: metadata}
	}
	return models.ToolResult{ID: call.ID, Tool: call.Tool, OK: true, Output: output, Metadata: metadata}
}
