package models

import (
	"encoding/json"
	"testing"
)

func TestEventKind_Constants(t *testing.T) {
	tests := []struct {
		constant EventKind
		expected string
	}{
		{EventLLMReq, "llm_req"},
		{EventLLMDone, "llm_done"},
		{EventLLMStream, "llm_stream"},
		{EventToolPlan, "tool_plan"},
		{EventToolStart, "tool_start"},
		{EventToolDone, "tool_done"},
		{EventToolResultTruncated, "tool_result_truncated"},
		{EventNotesPatch, "notes_patch"},
		{EventNotesIgnored, "notes_ignored"},
		{EventCondense, "condense"},
		{EventSanitize, "sanitize"},
		{EventSanitizeWarning, "sanitize_warning"},
		{EventVisibleResponse, "visible_response"},
		{EventActions, "actions"},
		{EventRetrieval, "retrieval"},
		{EventTelemetry, "telemetry"},
		{EventMemoryPressure, "memory_pressure"},
		{EventToolCallsParseWarning, "tool_calls_parse_warning"},
		{EventToolCallsCoerced, "tool_calls_coerced"},
		{EventWarning, "warning"},
	}

	for _, tt := range tests {
		t.Run(string(tt.constant), func(t *testing.T) {
			if string(tt.constant) != tt.expected {
				t.Errorf("constant = %q, want %q", tt.constant, tt.expected)
			}
		})
	}
}

func TestTraceEvent_JSONShape(t *testing.T) {
	ev := TraceEvent{TS: 1700000000.25, Kind: EventLLMReq, Data: map[string]any{"role": "planner"}}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if raw["kind"] != "llm_req" {
		t.Errorf("kind = %v, want llm_req", raw["kind"])
	}
	if raw["ts"].(float64) != 1700000000.25 {
		t.Errorf("ts = %v, want 1700000000.25", raw["ts"])
	}
	inner, ok := raw["data"].(map[string]any)
	if !ok || inner["role"] != "planner" {
		t.Errorf("data = %v, want map with role planner", raw["data"])
	}
}
