// Package autopsy reconstructs what happened during a turn from its
// trace file alone: which roles ran, which tools executed, what the
// sanitizer removed, and which invariants were violated along the way.
// The report is evidence-first; every anomaly cites the event that
// produced it.
package autopsy

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/haasonsaas/spectator/internal/trace"
	"github.com/haasonsaas/spectator/pkg/models"
)

// Anomaly is one detected invariant violation.
type Anomaly struct {
	Code      string `json:"code"`
	Severity  string `json:"severity"`
	Evidence  string `json:"evidence"`
	Category  string `json:"category"`
	Invariant string `json:"invariant"`
}

// Stage pairs one llm_req with its llm_done. Nil fields mean the
// counterpart event never arrived.
type Stage struct {
	Role      string   `json:"role"`
	ReqTS     *float64 `json:"llm_req_ts"`
	DoneTS    *float64 `json:"llm_done_ts"`
	ReqChars  *int     `json:"llm_req_chars"`
	DoneChars *int     `json:"llm_done_chars"`
}

// ToolEntry merges a tool call's start, done, and truncation evidence.
type ToolEntry struct {
	ID         string   `json:"id"`
	Tool       string   `json:"tool"`
	Args       any      `json:"args"`
	DurationMS *float64 `json:"duration_ms"`
	OK         *bool    `json:"ok"`
	Error      *string  `json:"error"`
	Truncated  bool     `json:"truncated"`
}

// Sanitizer collects the raw sanitize and sanitize_warning payloads.
type Sanitizer struct {
	Actions  []map[string]any `json:"actions"`
	Warnings []map[string]any `json:"warnings"`
}

// Recommendation is one deduplicated follow-up action.
type Recommendation struct {
	Action    string `json:"action"`
	Rationale string `json:"rationale"`
}

// CauseCategory groups anomalies sharing an invariant.
type CauseCategory struct {
	Category      string   `json:"category"`
	Invariant     string   `json:"invariant"`
	EvidenceCodes []string `json:"evidence_codes"`
}

// StateSummary counts the bounded state fields of a checkpoint.
type StateSummary struct {
	Goals       int `json:"goals"`
	OpenLoops   int `json:"open_loops"`
	Decisions   int `json:"decisions"`
	Constraints int `json:"constraints"`
}

// CheckpointSummary describes the checkpoint paired with a trace.
type CheckpointSummary struct {
	SessionID string       `json:"session_id"`
	Revision  int          `json:"revision"`
	UpdatedTS float64      `json:"updated_ts"`
	TraceTail []string     `json:"trace_tail"`
	State     StateSummary `json:"state_summary"`
}

// Summary is the report header.
type Summary struct {
	TracePath             string             `json:"trace_path"`
	EventCount            int                `json:"event_count"`
	Roles                 []string           `json:"roles"`
	ToolCount             int                `json:"tool_count"`
	AnomalyCount          int                `json:"anomaly_count"`
	SanitizerWarningCount int                `json:"sanitizer_warning_count"`
	CauseCategories       []CauseCategory    `json:"cause_categories"`
	Checkpoint            *CheckpointSummary `json:"checkpoint,omitempty"`
}

// Report is a full autopsy of one trace file.
type Report struct {
	Summary         Summary          `json:"summary"`
	Stages          []*Stage         `json:"stages"`
	Tools           []*ToolEntry     `json:"tools"`
	Sanitizer       Sanitizer        `json:"sanitizer"`
	Anomalies       []Anomaly        `json:"anomalies"`
	Recommendations []Recommendation `json:"recommendations"`
}

type causeInfo struct {
	category  string
	invariant string
}

var anomalyCauses = map[string]causeInfo{
	"tool_calls_parse_warning": {"tool_call_format", "Tool calls must be canonical or parseable."},
	"visible_tool_json_leak":   {"visible_leak", "Visible output must not contain tool-call payloads."},
	"tool_failed":              {"tool_execution", "Tool execution must succeed or surface error explicitly."},
	"tool_missing_done":        {"tool_execution", "Tool execution must produce a tool_done event."},
	"llm_req_done_mismatch":    {"trace_integrity", "Trace must pair llm_req and llm_done events."},
	"sanitize_warning":         {"sanitize_output", "Sanitizer must not empty visible output."},
	"tool_results_truncated":   {"tool_results_budget", "Tool results should fit within the configured budget."},
	"trace_parse_error":        {"trace_integrity", "Trace lines must be valid JSON."},
}

var anomalyFixes = map[string]Recommendation{
	"visible_tool_json_leak":   {Action: "Add or extend tool-call parsing tests for bare JSON leaks.", Rationale: "Visible output contained a tool-call payload."},
	"tool_calls_parse_warning": {Action: "Prefer canonical TOOL_CALLS_JSON wrapper in prompts.", Rationale: "Tool-call parser emitted warnings."},
	"tool_failed":              {Action: "Verify tool args and allowlists for failing tool.", Rationale: "Tool execution returned ok=false."},
	"tool_missing_done":        {Action: "Inspect tool executor for missing tool_done events.", Rationale: "Tool started without completion."},
	"sanitize_warning":         {Action: "Review sanitizer rules for unexpected output removal.", Rationale: "Sanitizer reported empty output."},
	"tool_results_truncated":   {Action: "Reduce tool output size or raise tool result budget.", Rationale: "Tool results were truncated."},
	"llm_req_done_mismatch":    {Action: "Check trace logging around llm_req/llm_done.", Rationale: "Trace has mismatched request/response events."},
	"trace_parse_error":        {Action: "Validate trace JSONL writer integrity.", Rationale: "Trace contains invalid JSON lines."},
}

func newAnomaly(code, severity, evidence string) Anomaly {
	cause, ok := anomalyCauses[code]
	if !ok {
		cause = causeInfo{"unknown", "Unmapped invariant"}
	}
	return Anomaly{Code: code, Severity: severity, Evidence: evidence, Category: cause.category, Invariant: cause.invariant}
}

// FromTrace analyzes one trace file, optionally pairing it with its
// checkpoint. A missing checkpoint file is not an error; malformed
// trace lines become trace_parse_error anomalies rather than failures.
func FromTrace(tracePath, checkpointPath string) (*Report, error) {
	events, err := trace.ReadFileTolerant(tracePath)
	if err != nil {
		return nil, err
	}
	checkpoint, err := loadCheckpoint(checkpointPath)
	if err != nil {
		return nil, err
	}

	var (
		stages         []*Stage
		openStages     = map[string][]*Stage{}
		toolEntries    = map[string]*ToolEntry{}
		toolOrder      []string
		truncatedTools = map[string]bool{}
		sanitizer      Sanitizer
		anomalies      []Anomaly

		llmReqCount  int
		llmDoneCount int
		toolStartIDs = map[string]bool{}
		toolDoneIDs  = map[string]bool{}
		finalVisible string
	)

	for _, event := range events {
		data := event.Data
		if data == nil {
			data = map[string]any{}
		}
		role, _ := data["role"].(string)

		switch event.Kind {
		case trace.ParseErrorKind:
			anomalies = append(anomalies, newAnomaly("trace_parse_error", "warn", fmt.Sprintf("line=%v", data["line"])))
		case models.EventLLMReq:
			llmReqCount++
			if open := openStages[role]; role != "" && len(open) > 0 && open[len(open)-1].DoneTS == nil {
				evidence := fmt.Sprintf("role=%s missing llm_done before new llm_req", role)
				anomalies = append(anomalies, newAnomaly("llm_req_done_mismatch", "warn", evidence))
			}
			ts := event.TS
			entry := &Stage{Role: role, ReqTS: &ts}
			if prompt, ok := data["prompt"].(string); ok {
				chars := utf8.RuneCountInString(prompt)
				entry.ReqChars = &chars
			}
			if role != "" {
				openStages[role] = append(openStages[role], entry)
			}
			stages = append(stages, entry)
		case models.EventLLMDone:
			llmDoneCount++
			ts := event.TS
			var entry *Stage
			if open := openStages[role]; role != "" && len(open) > 0 {
				entry = open[len(open)-1]
				openStages[role] = open[:len(open)-1]
			}
			if entry == nil {
				entry = &Stage{Role: role}
				stages = append(stages, entry)
			}
			entry.DoneTS = &ts
			if response, ok := data["response"].(string); ok {
				chars := utf8.RuneCountInString(response)
				entry.DoneChars = &chars
			}
		case models.EventToolStart:
			id, ok := data["id"].(string)
			if !ok {
				continue
			}
			toolStartIDs[id] = true
			if _, seen := toolEntries[id]; !seen {
				tool, _ := data["tool"].(string)
				toolEntries[id] = &ToolEntry{ID: id, Tool: tool, Args: data["args"]}
				toolOrder = append(toolOrder, id)
			}
		case models.EventToolDone:
			id, ok := data["id"].(string)
			if !ok {
				continue
			}
			toolDoneIDs[id] = true
			entry, seen := toolEntries[id]
			if !seen {
				entry = &ToolEntry{ID: id}
				toolEntries[id] = entry
				toolOrder = append(toolOrder, id)
			}
			if tool, ok := data["tool"].(string); ok {
				entry.Tool = tool
			}
			if args, ok := data["args"]; ok {
				entry.Args = args
			}
			if ms, ok := data["duration_ms"].(float64); ok {
				entry.DurationMS = &ms
			}
			if okValue, ok := data["ok"].(bool); ok {
				entry.OK = &okValue
			}
			if errText, ok := data["error"].(string); ok {
				entry.Error = &errText
			}
		case models.EventToolResultTruncated:
			if tools, ok := data["tools"].([]any); ok {
				for _, tool := range tools {
					if name, ok := tool.(string); ok {
						truncatedTools[name] = true
					}
				}
			}
		case models.EventSanitize:
			sanitizer.Actions = append(sanitizer.Actions, data)
		case models.EventSanitizeWarning:
			sanitizer.Warnings = append(sanitizer.Warnings, data)
			anomalies = append(anomalies, newAnomaly("sanitize_warning", "warn", stringOr(data["message"], "sanitize_warning")))
		case models.EventToolCallsParseWarning:
			anomalies = append(anomalies, newAnomaly("tool_calls_parse_warning", "warn", stringOr(data["reason"], "parse_warning")))
		case models.EventVisibleResponse:
			if visible, ok := data["visible_response"].(string); ok {
				finalVisible = visible
			}
		}
	}

	for _, entry := range toolEntries {
		if entry.Tool != "" && truncatedTools[entry.Tool] {
			entry.Truncated = true
		}
	}

	for _, id := range toolOrder {
		if toolStartIDs[id] && !toolDoneIDs[id] {
			anomalies = append(anomalies, newAnomaly("tool_missing_done", "high", "id="+id))
		}
	}
	for _, id := range toolOrder {
		entry := toolEntries[id]
		if entry.OK != nil && !*entry.OK {
			evidence := fmt.Sprintf("%s: %s", entry.Tool, derefOr(entry.Error, ""))
			anomalies = append(anomalies, newAnomaly("tool_failed", "high", evidence))
		}
	}
	if llmReqCount != llmDoneCount {
		evidence := fmt.Sprintf("llm_req=%d llm_done=%d", llmReqCount, llmDoneCount)
		anomalies = append(anomalies, newAnomaly("llm_req_done_mismatch", "warn", evidence))
	}
	if finalVisible != "" && bareToolJSON(finalVisible) {
		anomalies = append(anomalies, newAnomaly("visible_tool_json_leak", "high", truncateRunes(finalVisible, 200)))
	}
	for _, event := range events {
		if event.Kind == models.EventToolResultTruncated {
			anomalies = append(anomalies, newAnomaly("tool_results_truncated", "warn", "tool_results_truncated"))
			break
		}
	}

	tools := make([]*ToolEntry, 0, len(toolOrder))
	for _, id := range toolOrder {
		tools = append(tools, toolEntries[id])
	}

	report := &Report{
		Summary: Summary{
			TracePath:             tracePath,
			EventCount:            len(events),
			Roles:                 collectRoles(events),
			ToolCount:             len(tools),
			AnomalyCount:          len(anomalies),
			SanitizerWarningCount: len(sanitizer.Warnings),
			CauseCategories:       summarizeCauses(anomalies),
		},
		Stages:          stages,
		Tools:           tools,
		Sanitizer:       sanitizer,
		Anomalies:       anomalies,
		Recommendations: recommend(anomalies),
	}
	if checkpoint != nil {
		report.Summary.Checkpoint = summarizeCheckpoint(checkpoint)
	}
	return report, nil
}

func loadCheckpoint(path string) (*models.Checkpoint, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp models.Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint: %w", err)
	}
	return &cp, nil
}

func summarizeCheckpoint(cp *models.Checkpoint) *CheckpointSummary {
	summary := &CheckpointSummary{
		SessionID: cp.SessionID,
		Revision:  cp.Revision,
		UpdatedTS: cp.UpdatedTS,
		TraceTail: cp.TraceTail,
	}
	if summary.TraceTail == nil {
		summary.TraceTail = []string{}
	}
	if cp.State != nil {
		summary.State = StateSummary{
			Goals:       len(cp.State.Goals),
			OpenLoops:   len(cp.State.OpenLoops),
			Decisions:   len(cp.State.Decisions),
			Constraints: len(cp.State.Constraints),
		}
	}
	return summary
}

func collectRoles(events []models.TraceEvent) []string {
	seen := map[string]bool{}
	for _, event := range events {
		if event.Data == nil {
			continue
		}
		if role, ok := event.Data["role"].(string); ok {
			seen[role] = true
		}
	}
	roles := make([]string, 0, len(seen))
	for role := range seen {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

func summarizeCauses(anomalies []Anomaly) []CauseCategory {
	codes := map[string]map[string]bool{}
	invariants := map[string]string{}
	for _, anomaly := range anomalies {
		if codes[anomaly.Category] == nil {
			codes[anomaly.Category] = map[string]bool{}
			invariants[anomaly.Category] = anomaly.Invariant
		}
		codes[anomaly.Category][anomaly.Code] = true
	}
	categories := make([]string, 0, len(codes))
	for category := range codes {
		categories = append(categories, category)
	}
	sort.Strings(categories)

	out := make([]CauseCategory, 0, len(categories))
	for _, category := range categories {
		evidence := make([]string, 0, len(codes[category]))
		for code := range codes[category] {
			evidence = append(evidence, code)
		}
		sort.Strings(evidence)
		out = append(out, CauseCategory{Category: category, Invariant: invariants[category], EvidenceCodes: evidence})
	}
	return out
}

func recommend(anomalies []Anomaly) []Recommendation {
	seen := map[Recommendation]bool{}
	var out []Recommendation
	for _, anomaly := range anomalies {
		fix, ok := anomalyFixes[anomaly.Code]
		if !ok || seen[fix] {
			continue
		}
		seen[fix] = true
		out = append(out, fix)
	}
	return out
}

// bareToolJSON reports whether text is a standalone JSON object shaped
// like a tool call, which should never survive to visible output.
func bareToolJSON(text string) bool {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") || !strings.HasSuffix(trimmed, "}") {
		return false
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return false
	}
	_, hasName := payload["name"]
	_, hasArguments := payload["arguments"]
	_, hasTool := payload["tool"]
	_, hasArgs := payload["args"]
	return (hasName && hasArguments) || (hasTool && hasArgs) || (hasTool && hasArguments)
}

func stringOr(value any, fallback string) string {
	if value == nil {
		return fallback
	}
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", value)
}

func derefOr(p *string, fallback string) string {
	if p == nil {
		return fallback
	}
	return *p
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

// RenderMarkdown formats a report for humans.
func RenderMarkdown(report *Report) string {
	summary := report.Summary
	lines := []string{"# Cognitive Autopsy Report", ""}

	lines = append(lines, "## Summary")
	lines = append(lines, fmt.Sprintf("- Trace: `%s`", summary.TracePath))
	lines = append(lines, fmt.Sprintf("- Events: %d", summary.EventCount))
	roles := strings.Join(summary.Roles, ", ")
	if roles == "" {
		roles = "none"
	}
	lines = append(lines, "- Roles: "+roles)
	lines = append(lines, fmt.Sprintf("- Tools: %d", summary.ToolCount))
	lines = append(lines, fmt.Sprintf("- Anomalies: %d", summary.AnomalyCount))
	lines = append(lines, fmt.Sprintf("- Sanitizer warnings: %d", summary.SanitizerWarningCount))
	lines = append(lines, "")

	if len(summary.CauseCategories) > 0 {
		lines = append(lines, "## Likely Causes")
		for _, cause := range summary.CauseCategories {
			codes := strings.Join(cause.EvidenceCodes, ", ")
			lines = append(lines, fmt.Sprintf("- %s: %s (evidence: %s)", cause.Category, cause.Invariant, codes))
		}
		lines = append(lines, "")
	}

	if len(report.Stages) > 0 {
		lines = append(lines, "## Stages")
		for _, stage := range report.Stages {
			role := stage.Role
			if role == "" {
				role = "unknown"
			}
			lines = append(lines, fmt.Sprintf("- %s: req_chars=%s done_chars=%s", role, intOrDash(stage.ReqChars), intOrDash(stage.DoneChars)))
		}
		lines = append(lines, "")
	}

	if len(report.Tools) > 0 {
		lines = append(lines, "## Tools")
		for _, entry := range report.Tools {
			status := "error"
			if entry.OK != nil && *entry.OK {
				status = "ok"
			}
			truncated := ""
			if entry.Truncated {
				truncated = " truncated"
			}
			lines = append(lines, fmt.Sprintf("- %s id=%s status=%s%s duration_ms=%s",
				entry.Tool, entry.ID, status, truncated, floatOrDash(entry.DurationMS)))
		}
		lines = append(lines, "")
	}

	if len(report.Sanitizer.Actions) > 0 || len(report.Sanitizer.Warnings) > 0 {
		lines = append(lines, "## Sanitizer")
		for _, action := range report.Sanitizer.Actions {
			lines = append(lines, "- action: removed="+models.CompactJSON(action["removed"]))
		}
		for _, warning := range report.Sanitizer.Warnings {
			lines = append(lines, "- warning: "+stringOr(warning["message"], ""))
		}
		lines = append(lines, "")
	}

	if len(report.Anomalies) > 0 {
		lines = append(lines, "## Anomalies")
		for _, anomaly := range report.Anomalies {
			lines = append(lines, fmt.Sprintf("- %s %s: %s", anomaly.Severity, anomaly.Code, anomaly.Evidence))
		}
		lines = append(lines, "")
	}

	if len(report.Recommendations) > 0 {
		lines = append(lines, "## Recommendations")
		for _, rec := range report.Recommendations {
			lines = append(lines, fmt.Sprintf("- %s (%s)", rec.Action, rec.Rationale))
		}
		lines = append(lines, "")
	}

	return strings.TrimRight(strings.Join(lines, "\n"), "\n") + "\n"
}

func intOrDash(p *int) string {
	if p == nil {
		return "-"
	}
	return strconv.Itoa(*p)
}

func floatOrDash(p *float64) string {
	if p == nil {
		return "-"
	}
	return strconv.FormatFloat(*p, 'f', -1, 64)
}
