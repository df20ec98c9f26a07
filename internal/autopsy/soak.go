package autopsy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/haasonsaas/spectator/internal/condense"
	"github.com/haasonsaas/spectator/internal/trace"
	"github.com/haasonsaas/spectator/pkg/models"
)

// Thresholds for long-run health. Warnings flag drift worth a look;
// baseline deltas and pairing violations are hard failures.
const (
	TraceBytesPerTurnWarn    = 50_000
	CondenseStatePerTurnWarn = 0.5

	MaxCondenseStateDelta     = 0.2
	MaxToolFailRateDelta      = 0.01
	MaxTraceBytesPerTurnDelta = 10_000
)

// SoakOptions tunes a soak analysis.
type SoakOptions struct {
	// Turns overrides the turn count; zero infers it from the
	// notes_patch event count.
	Turns int
	// BaselinePath points at a previous summary JSON to diff against.
	BaselinePath string
	// MaxToolFailRate is the tolerated tool failure fraction.
	MaxToolFailRate float64
}

// SoakSummary is the outcome of analyzing one soak run.
type SoakSummary struct {
	Turns                int            `json:"turns"`
	TraceBytes           int64          `json:"trace_bytes"`
	CheckpointBytes      int64          `json:"checkpoint_bytes"`
	TraceBytesPerTurn    float64        `json:"trace_bytes_per_turn"`
	EventCounts          map[string]int `json:"event_counts"`
	ToolCounts           map[string]int `json:"tool_counts"`
	ToolOK               int            `json:"tool_ok"`
	ToolFail             int            `json:"tool_fail"`
	CondenseCounts       map[string]int `json:"condense_counts"`
	NotesPatchCount      int            `json:"notes_patch_count"`
	CondenseStatePerTurn float64        `json:"condense_state_per_turn"`
	ToolFailRate         float64        `json:"tool_fail_rate"`
	Warnings             []string       `json:"warnings"`
	Failures             []string       `json:"failures"`
}

// AnalyzeSoak validates a long run's trace and checkpoint: event
// pairing, tool failure rate, checkpoint bounds, size-per-turn
// thresholds, and optional baseline drift. Violations land in the
// summary's Failures and Warnings; errors are reserved for unreadable
// inputs.
func AnalyzeSoak(tracePath, checkpointPath string, opts SoakOptions) (*SoakSummary, error) {
	var failures, warnings []string

	events, err := trace.ReadFile(tracePath)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		failures = append(failures, "Trace contains no events.")
	}

	eventCounts := map[string]int{}
	toolCounts := map[string]int{}
	condenseCounts := map[string]int{}
	toolStartIDs := map[string]bool{}
	toolDoneIDs := map[string]bool{}
	var toolOK, toolFail, toolPlan, toolStart, toolDone, llmReq, llmDone, notesPatches int

	for _, event := range events {
		kind := string(event.Kind)
		eventCounts[kind]++
		data := event.Data
		if data == nil {
			data = map[string]any{}
		}
		switch event.Kind {
		case models.EventLLMReq:
			llmReq++
		case models.EventLLMDone:
			llmDone++
		case models.EventToolPlan:
			toolPlan++
		case models.EventToolStart:
			toolStart++
			if id, ok := data["id"].(string); ok {
				toolStartIDs[id] = true
			}
			if name, ok := data["tool"].(string); ok {
				if _, seen := toolCounts[name]; !seen {
					toolCounts[name] = 0
				}
			}
		case models.EventToolDone:
			toolDone++
			if id, ok := data["id"].(string); ok {
				toolDoneIDs[id] = true
			}
			if name, ok := data["tool"].(string); ok {
				toolCounts[name]++
			}
			if ok, isBool := data["ok"].(bool); isBool {
				if ok {
					toolOK++
				} else {
					toolFail++
				}
			}
		case models.EventCondense:
			if scope, ok := data["scope"].(string); ok {
				condenseCounts[scope]++
			}
		case models.EventNotesPatch:
			notesPatches++
		}
	}

	if llmReq != llmDone {
		failures = append(failures, fmt.Sprintf("llm_req (%d) != llm_done (%d).", llmReq, llmDone))
	}
	if toolPlan != toolStart || toolStart != toolDone {
		failures = append(failures, fmt.Sprintf("tool_plan (%d), tool_start (%d), tool_done (%d) mismatch.", toolPlan, toolStart, toolDone))
	}
	var missingDone []string
	for id := range toolStartIDs {
		if !toolDoneIDs[id] {
			missingDone = append(missingDone, id)
		}
	}
	if len(missingDone) > 0 {
		sort.Strings(missingDone)
		failures = append(failures, fmt.Sprintf("tool_start missing tool_done for ids: %s.", strings.Join(missingDone, ", ")))
	}
	denominator := toolDone
	if denominator < 1 {
		denominator = 1
	}
	toolFailRate := float64(toolFail) / float64(denominator)
	if toolFailRate > opts.MaxToolFailRate {
		failures = append(failures, fmt.Sprintf("tool_fail_rate %.3f exceeds %.3f.", toolFailRate, opts.MaxToolFailRate))
	}

	if err := validateCheckpoint(checkpointPath, condense.DefaultPolicy(), &failures); err != nil {
		return nil, err
	}

	turns := opts.Turns
	if turns == 0 {
		turns = notesPatches
	}
	if turns <= 0 {
		failures = append(failures, "Unable to infer turns from trace; pass --turns.")
		turns = 1
	}

	traceBytes, err := fileSize(tracePath)
	if err != nil {
		return nil, err
	}
	checkpointBytes, err := fileSize(checkpointPath)
	if err != nil {
		return nil, err
	}
	traceBytesPerTurn := float64(traceBytes) / float64(turns)
	condenseStatePerTurn := float64(condenseCounts["state"]) / float64(turns)

	if condenseStatePerTurn >= CondenseStatePerTurnWarn {
		warnings = append(warnings, fmt.Sprintf("High condense_state_per_turn (%.2f).", condenseStatePerTurn))
	}
	if traceBytesPerTurn > TraceBytesPerTurnWarn {
		warnings = append(warnings, fmt.Sprintf("Trace bytes per turn high (%.0f).", traceBytesPerTurn))
	}
	if notesPatches != turns {
		warnings = append(warnings, fmt.Sprintf("notes_patch count (%d) != turns (%d).", notesPatches, turns))
	}

	if opts.BaselinePath != "" {
		baselineWarnings, err := compareBaseline(opts.BaselinePath, condenseStatePerTurn, toolFailRate, traceBytesPerTurn, &failures)
		if err != nil {
			return nil, err
		}
		warnings = append(warnings, baselineWarnings...)
	}

	return &SoakSummary{
		Turns:                turns,
		TraceBytes:           traceBytes,
		CheckpointBytes:      checkpointBytes,
		TraceBytesPerTurn:    traceBytesPerTurn,
		EventCounts:          eventCounts,
		ToolCounts:           toolCounts,
		ToolOK:               toolOK,
		ToolFail:             toolFail,
		CondenseCounts:       condenseCounts,
		NotesPatchCount:      notesPatches,
		CondenseStatePerTurn: condenseStatePerTurn,
		ToolFailRate:         toolFailRate,
		Warnings:             warnings,
		Failures:             failures,
	}, nil
}

// validateCheckpoint checks the durable bounds: unique memory refs,
// disjoint capability sets, per-field limits, and the episode summary
// cap. Shape problems are errors; bound violations are failures.
func validateCheckpoint(path string, policy condense.Policy, failures *[]string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read checkpoint: %w", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("parse checkpoint: %w", err)
	}
	stateValue, ok := payload["state"]
	if !ok {
		return errors.New("checkpoint missing state payload")
	}
	state, ok := stateValue.(map[string]any)
	if !ok {
		return errors.New("checkpoint state must be an object")
	}

	memoryRefs, err := requireStringList(state, "memory_refs")
	if err != nil {
		return err
	}
	refSet := map[string]bool{}
	for _, ref := range memoryRefs {
		refSet[ref] = true
	}
	if len(refSet) != len(memoryRefs) {
		*failures = append(*failures, "Duplicate IDs found in memory_refs.")
	}

	granted, err := requireStringList(state, "capabilities_granted")
	if err != nil {
		return err
	}
	pending, err := requireStringList(state, "capabilities_pending")
	if err != nil {
		return err
	}
	grantedSet := map[string]bool{}
	for _, name := range granted {
		grantedSet[name] = true
	}
	for _, name := range pending {
		if grantedSet[name] {
			*failures = append(*failures, "Capabilities pending intersect with granted.")
			break
		}
	}

	limits := []struct {
		field string
		limit int
	}{
		{"goals", policy.MaxGoals},
		{"open_loops", policy.MaxOpenLoops},
		{"decisions", policy.MaxDecisions},
		{"constraints", policy.MaxConstraints},
		{"memory_tags", policy.MaxMemoryTags},
	}
	for _, entry := range limits {
		items, err := requireStringList(state, entry.field)
		if err != nil {
			return err
		}
		if len(items) > entry.limit {
			*failures = append(*failures, fmt.Sprintf("State field %s exceeds limit %d (len=%d).", entry.field, entry.limit, len(items)))
		}
	}

	summary, err := requireString(state, "episode_summary")
	if err != nil {
		return err
	}
	if utf8.RuneCountInString(summary) > policy.MaxEpisodeSummaryChars {
		*failures = append(*failures, "Episode summary exceeds max length.")
	}
	return nil
}

func requireStringList(state map[string]any, key string) ([]string, error) {
	items, ok := state[key].([]any)
	if !ok {
		return nil, fmt.Errorf("checkpoint state.%s must be a list", key)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("checkpoint state.%s must contain strings only", key)
		}
		out = append(out, s)
	}
	return out, nil
}

func requireString(state map[string]any, key string) (string, error) {
	value, ok := state[key]
	if !ok {
		return "", nil
	}
	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("checkpoint state.%s must be a string", key)
	}
	return s, nil
}

func compareBaseline(path string, condenseStatePerTurn, toolFailRate, traceBytesPerTurn float64, failures *[]string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read baseline: %w", err)
	}
	var baseline map[string]any
	if err := json.Unmarshal(raw, &baseline); err != nil {
		return nil, fmt.Errorf("parse baseline: %w", err)
	}

	var warnings []string
	for _, key := range []string{"condense_state_per_turn", "tool_fail_rate", "trace_bytes_per_turn"} {
		if _, ok := baseline[key]; !ok {
			warnings = append(warnings, fmt.Sprintf("Baseline missing %s; skipping.", key))
		}
	}
	if base, ok := baseline["condense_state_per_turn"].(float64); ok {
		if delta := condenseStatePerTurn - base; delta > MaxCondenseStateDelta {
			*failures = append(*failures, fmt.Sprintf("condense_state_per_turn delta %.3f exceeds %.3f", delta, MaxCondenseStateDelta))
		}
	}
	if base, ok := baseline["tool_fail_rate"].(float64); ok {
		if delta := toolFailRate - base; delta > MaxToolFailRateDelta {
			*failures = append(*failures, fmt.Sprintf("tool_fail_rate delta %.3f exceeds %.3f", delta, MaxToolFailRateDelta))
		}
	}
	if base, ok := baseline["trace_bytes_per_turn"].(float64); ok {
		if delta := traceBytesPerTurn - base; delta > MaxTraceBytesPerTurnDelta {
			*failures = append(*failures, fmt.Sprintf("trace_bytes_per_turn delta %.0f exceeds %.0f", delta, float64(MaxTraceBytesPerTurnDelta)))
		}
	}
	return warnings, nil
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Render formats the summary as the soak command's text output.
func (s *SoakSummary) Render() string {
	lines := []string{
		"Soak analysis summary",
		fmt.Sprintf("Turns: %d", s.Turns),
		fmt.Sprintf("Trace bytes: %d (%.0f/turn)", s.TraceBytes, s.TraceBytesPerTurn),
		fmt.Sprintf("Checkpoint bytes: %d", s.CheckpointBytes),
		"Events: " + models.CompactJSON(s.EventCounts),
		fmt.Sprintf("Tools: %s (ok=%d, fail=%d)", models.CompactJSON(s.ToolCounts), s.ToolOK, s.ToolFail),
		"Condense: " + models.CompactJSON(s.CondenseCounts),
		fmt.Sprintf("notes_patch: %d", s.NotesPatchCount),
	}
	if len(s.Warnings) > 0 {
		lines = append(lines, fmt.Sprintf("Warnings: %d", len(s.Warnings)))
		for i, warning := range s.Warnings {
			if i == 5 {
				break
			}
			lines = append(lines, "- "+warning)
		}
	}
	if len(s.Failures) > 0 {
		lines = append(lines, fmt.Sprintf("Failures: %d", len(s.Failures)))
		for i, failure := range s.Failures {
			if i == 5 {
				break
			}
			lines = append(lines, "- "+failure)
		}
	}
	return strings.Join(lines, "\n")
}
