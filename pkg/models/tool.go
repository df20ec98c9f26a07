package models

// ToolCall is one parsed tool invocation request.
type ToolCall struct {
	ID   string         `json:"id"`
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// ToolResult is the outcome of executing one ToolCall. Output is nil
// when the call failed; Error is empty when it succeeded.
type ToolResult struct {
	ID       string         `json:"id"`
	Tool     string         `json:"tool"`
	OK       bool           `json:"ok"`
	Output   map[string]any `json:"output"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}
