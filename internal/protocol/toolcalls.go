// Package protocol implements the marker-delimited wire formats spoken
// between the pipeline and the model: tool-call blocks, notes-patch
// blocks, and the TOOL_RESULTS framing fed back after execution.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/spectator/pkg/models"
)

// Markers delimiting the tool-calls sub-protocol.
const (
	ToolCallsStart = "<<<TOOL_CALLS_JSON>>>"
	ToolCallsEnd   = "<<<END_TOOL_CALLS_JSON>>>"
)

// AllowFunc decides whether a coerced tool name may execute.
type AllowFunc func(name string) bool

// DefaultToolAllowed permits the safe tool families. Only coerced calls
// are gated; canonical blocks rely on the executor's unknown-tool
// handling.
func DefaultToolAllowed(name string) bool {
	return strings.HasPrefix(name, "fs.") ||
		strings.HasPrefix(name, "shell.") ||
		strings.HasPrefix(name, "http.")
}

// ToolCallWarning describes one rejected or suspicious entry.
type ToolCallWarning struct {
	Reason string `json:"reason"`
}

// ToolCallsReport accumulates parse diagnostics for trace emission.
type ToolCallsReport struct {
	Warnings       []ToolCallWarning
	Coerced        bool
	OriginalFormat string
	CoercedCount   int
}

// ExtractToolCalls parses tool calls out of a role response.
//
// A canonical marker block must hold an object or list of objects with
// string id, string tool, and object args; any shape violation leaves
// the text unchanged with no calls (the sanitizer strips the leftover
// block). When no marker is present but the whole trimmed text is bare
// JSON, the call is coerced: tool/name and args/arguments keys are
// accepted, string-encoded arguments are re-parsed, missing ids become
// "auto-N", and names must pass the allow predicate (nil means
// DefaultToolAllowed). Coerced input is consumed entirely.
func ExtractToolCalls(text string, allowed AllowFunc) (string, []models.ToolCall, ToolCallsReport) {
	if allowed == nil {
		allowed = DefaultToolAllowed
	}
	report := ToolCallsReport{}

	start := strings.Index(text, ToolCallsStart)
	if start >= 0 {
		rest := text[start+len(ToolCallsStart):]
		endRel := strings.Index(rest, ToolCallsEnd)
		if endRel < 0 {
			return text, nil, report
		}
		payload := strings.TrimSpace(rest[:endRel])
		calls, ok := parseCanonical(payload, &report)
		if !ok {
			return text, nil, report
		}
		cleaned := text[:start] + rest[endRel+len(ToolCallsEnd):]
		return cleaned, calls, report
	}

	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
		return text, nil, report
	}
	calls, format, ok := parseCoerced(trimmed, allowed, &report)
	if !ok {
		return text, nil, report
	}
	report.Coerced = true
	report.OriginalFormat = format
	report.CoercedCount = len(calls)
	return "", calls, report
}

// parseCanonical validates the strict {id, tool, args} shape. The whole
// payload is rejected on the first violation.
func parseCanonical(payload string, report *ToolCallsReport) ([]models.ToolCall, bool) {
	var raw any
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		report.warn("invalid JSON in tool calls block")
		return nil, false
	}
	items, ok := asObjectList(raw)
	if !ok {
		report.warn("tool calls payload must be an object or list of objects")
		return nil, false
	}
	calls := make([]models.ToolCall, 0, len(items))
	for _, item := range items {
		id, idOK := item["id"].(string)
		tool, toolOK := item["tool"].(string)
		args, argsOK := item["args"].(map[string]any)
		if !idOK || !toolOK || !argsOK {
			report.warn("tool call entry missing required fields")
			return nil, false
		}
		calls = append(calls, models.ToolCall{ID: id, Tool: tool, Args: args})
	}
	return calls, true
}

// parseCoerced recovers calls from bare JSON the model emitted without
// markers. Entries are rejected individually.
func parseCoerced(trimmed string, allowed AllowFunc, report *ToolCallsReport) ([]models.ToolCall, string, bool) {
	var raw any
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		return nil, "", false
	}
	format := "bare_object"
	if strings.HasPrefix(trimmed, "[") {
		format = "bare_array"
	}
	items, ok := asObjectList(raw)
	if !ok {
		return nil, "", false
	}

	calls := make([]models.ToolCall, 0, len(items))
	for i, item := range items {
		name, ok := coercedName(item)
		if !ok {
			report.warn("tool call entry missing required fields")
			continue
		}
		args, ok := coercedArgs(item)
		if !ok {
			report.warn("coerced arguments were not valid JSON")
			continue
		}
		if !allowed(name) {
			report.warn("tool not allowed: " + name)
			continue
		}
		id, _ := item["id"].(string)
		if id == "" {
			id = fmt.Sprintf("auto-%d", i+1)
		}
		calls = append(calls, models.ToolCall{ID: id, Tool: name, Args: args})
	}
	if len(calls) == 0 {
		return nil, "", false
	}
	return calls, format, true
}

func coercedName(item map[string]any) (string, bool) {
	if tool, ok := item["tool"].(string); ok && tool != "" {
		return tool, true
	}
	if name, ok := item["name"].(string); ok && name != "" {
		return name, true
	}
	return "", false
}

func coercedArgs(item map[string]any) (map[string]any, bool) {
	for _, key := range []string{"args", "arguments"} {
		v, present := item[key]
		if !present {
			continue
		}
		switch args := v.(type) {
		case map[string]any:
			return args, true
		case string:
			var parsed map[string]any
			if err := json.Unmarshal([]byte(args), &parsed); err != nil {
				return nil, false
			}
			return parsed, true
		default:
			return nil, false
		}
	}
	return map[string]any{}, true
}

func asObjectList(raw any) ([]map[string]any, bool) {
	switch v := raw.(type) {
	case map[string]any:
		return []map[string]any{v}, true
	case []any:
		items := make([]map[string]any, 0, len(v))
		for _, entry := range v {
			obj, ok := entry.(map[string]any)
			if !ok {
				return nil, false
			}
			items = append(items, obj)
		}
		return items, true
	default:
		return nil, false
	}
}

func (r *ToolCallsReport) warn(reason string) {
	r.Warnings = append(r.Warnings, ToolCallWarning{Reason: reason})
}
