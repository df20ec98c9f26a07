package models

// EventKind identifies one trace event type. The set is closed: readers
// (autopsy, soak) treat unknown kinds as passthrough data.
type EventKind string

const (
	EventLLMReq                EventKind = "llm_req"
	EventLLMDone               EventKind = "llm_done"
	EventLLMStream             EventKind = "llm_stream"
	EventToolPlan              EventKind = "tool_plan"
	EventToolStart             EventKind = "tool_start"
	EventToolDone              EventKind = "tool_done"
	EventToolResultTruncated   EventKind = "tool_result_truncated"
	EventNotesPatch            EventKind = "notes_patch"
	EventNotesIgnored          EventKind = "notes_ignored"
	EventCondense              EventKind = "condense"
	EventSanitize              EventKind = "sanitize"
	EventSanitizeWarning       EventKind = "sanitize_warning"
	EventVisibleResponse       EventKind = "visible_response"
	EventActions               EventKind = "actions"
	EventRetrieval             EventKind = "retrieval"
	EventTelemetry             EventKind = "telemetry"
	EventMemoryPressure        EventKind = "memory_pressure"
	EventToolCallsParseWarning EventKind = "tool_calls_parse_warning"
	EventToolCallsCoerced      EventKind = "tool_calls_coerced"
	EventWarning               EventKind = "warning"
)

// TraceEvent is one line of a JSONL trace file.
type TraceEvent struct {
	TS   float64        `json:"ts"`
	Kind EventKind      `json:"kind"`
	Data map[string]any `json:"data"`
}
