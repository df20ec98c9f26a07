// Package pipeline runs one user turn through the role sequence:
// every role sees the condensed state, bounded history, and its
// predecessors' visible output; only the governor may call tools,
// apply notes patches, and produce the final answer. Everything the
// turn does is emitted on the trace as it happens.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/haasonsaas/spectator/internal/backend"
	"github.com/haasonsaas/spectator/internal/capabilities"
	"github.com/haasonsaas/spectator/internal/condense"
	"github.com/haasonsaas/spectator/internal/protocol"
	"github.com/haasonsaas/spectator/internal/retrieval"
	"github.com/haasonsaas/spectator/internal/sanitize"
	"github.com/haasonsaas/spectator/internal/telemetry"
	"github.com/haasonsaas/spectator/internal/tools"
	"github.com/haasonsaas/spectator/internal/trace"
	"github.com/haasonsaas/spectator/pkg/models"
)

// The default role sequence.
const (
	RoleReflection = "reflection"
	RolePlanner    = "planner"
	RoleCritic     = "critic"
	RoleGovernor   = "governor"
)

const (
	// DefaultMaxToolRounds allows the governor one round of tool calls
	// plus the follow-up completion.
	DefaultMaxToolRounds = 2
	// DefaultRetrievalK is how many memories are surfaced per turn.
	DefaultRetrievalK = 5
)

// FeatureBasic enables a per-role prompt feature (telemetry or memory
// feedback); any other value disables it.
const FeatureBasic = "basic"

// RoleSpec configures one role in the sequence.
type RoleSpec struct {
	Name           string
	SystemPrompt   string
	Params         backend.Params
	WantsRetrieval bool
	Telemetry      string
	MemoryFeedback string
}

// RoleResult is one role's contribution to the turn.
type RoleResult struct {
	Role  string
	Text  string
	Notes *models.NotesPatch
}

// Config wires the collaborators for a run. Tracer, Memory, and
// Executor are optional; a zero Policy and MaxToolRounds take the
// defaults.
type Config struct {
	Roles         []RoleSpec
	Backend       backend.Backend
	Memory        *retrieval.Memory
	Executor      *tools.Executor
	MaxToolRounds int
	Tracer        *trace.Writer
	Policy        condense.Policy
	Logger        *slog.Logger
}

// Run executes the role sequence for one user turn, mutating the
// checkpoint's state in place. It returns the governor's visible text
// and every role's result.
func Run(ctx context.Context, cp *models.Checkpoint, userText string, cfg Config) (string, []RoleResult, error) {
	if cfg.Backend == nil {
		return "", nil, errors.New("pipeline requires a backend")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := cfg.Policy
	if policy == (condense.Policy{}) {
		policy = condense.DefaultPolicy()
	}
	maxRounds := cfg.MaxToolRounds
	if maxRounds == 0 {
		maxRounds = DefaultMaxToolRounds
	}
	em := emitter{w: cfg.Tracer, log: logger}

	var telemetryRoles, feedbackRoles, retrievalRoles []string
	for _, role := range cfg.Roles {
		if role.Telemetry == FeatureBasic {
			telemetryRoles = append(telemetryRoles, role.Name)
		}
		if role.MemoryFeedback == FeatureBasic {
			feedbackRoles = append(feedbackRoles, role.Name)
		}
		if role.WantsRetrieval {
			retrievalRoles = append(retrievalRoles, role.Name)
		}
	}

	var snapshot *telemetry.Snapshot
	if len(telemetryRoles) > 0 {
		s := telemetry.Collect()
		snapshot = &s
	}

	historyText := FormatHistory(cp.RecentMessages, DefaultHistoryMessages, DefaultHistoryMaxChars)

	retrievalBlock := ""
	if cfg.Memory != nil && len(retrievalRoles) > 0 {
		query := userText + "\nSTATE:" + cp.State.Compact()
		scored, err := retrieval.Retrieve(ctx, query, cfg.Memory.Store, cfg.Memory.Embedder, DefaultRetrievalK)
		if err != nil {
			return "", nil, fmt.Errorf("memory retrieval: %w", err)
		}
		retrievalBlock = retrieval.FormatBlock(scored)
		ids := make([]string, len(scored))
		scores := make([]float64, len(scored))
		for i, s := range scored {
			ids[i] = s.Record.ID
			scores[i] = s.Score
		}
		em.emit(models.EventRetrieval, map[string]any{
			"roles":  retrievalRoles,
			"k":      DefaultRetrievalK,
			"count":  len(scored),
			"ids":    ids,
			"scores": scores,
		})
	}
	if snapshot != nil {
		em.emit(models.EventTelemetry, map[string]any{"roles": telemetryRoles, "snapshot": *snapshot})
	}

	results := make([]RoleResult, 0, len(cfg.Roles))
	var lastReport *condense.StateReport
	pressureTraced := false

	for _, role := range cfg.Roles {
		if len(results) > 0 {
			entries := make([]condense.RoleText, len(results))
			for i, r := range results {
				entries[i] = condense.RoleText{Role: r.Role, Text: r.Text}
			}
			condensed, report := condense.CondenseUpstream(entries, policy)
			if report.Shrunk() {
				em.emit(models.EventCondense, map[string]any{"scope": "upstream", "role": role.Name, "report": report})
			}
			for i := range results {
				results[i].Text = condensed[i].Text
			}
		}

		pressure := ComputePressure(cp.State, policy, results, lastReport)
		if len(feedbackRoles) > 0 && !pressureTraced {
			em.emit(models.EventMemoryPressure, map[string]any{
				"roles": feedbackRoles,
				"ratios": map[string]float64{
					"goals":       pressure.GoalsRatio,
					"open_loops":  pressure.OpenLoopsRatio,
					"decisions":   pressure.DecisionsRatio,
					"constraints": pressure.ConstraintsRatio,
					"memory_tags": pressure.MemoryTagsRatio,
					"upstream":    pressure.UpstreamRatio,
				},
				"high_fields": pressure.HighFields,
				"condensed":   pressure.Condensed,
			})
			pressureTraced = true
		}
		feedback := ""
		if role.MemoryFeedback == FeatureBasic {
			feedback = FormatMemoryFeedback(pressure)
		}

		prompt := composePrompt(role, cp.State, results, historyText, userText, snapshot, feedback, retrievalBlock)

		complete := func(requestPrompt string) (string, error) {
			em.emit(models.EventLLMReq, map[string]any{"role": role.Name, "prompt": requestPrompt})
			p := role.Params
			p.Role = role.Name
			if p.Stream {
				p.StreamCallback = func(delta string) {
					em.emit(models.EventLLMStream, map[string]any{"role": role.Name, "delta": delta})
				}
			}
			response, err := cfg.Backend.Complete(ctx, requestPrompt, p)
			if err != nil {
				return "", fmt.Errorf("role %s completion: %w", role.Name, err)
			}
			em.emit(models.EventLLMDone, map[string]any{"role": role.Name, "response": response})
			return response, nil
		}

		response, err := complete(prompt)
		if err != nil {
			return "", nil, err
		}

		finalResponse := response
		if role.Name == RoleGovernor && maxRounds > 1 {
			visible, calls, report := protocol.ExtractToolCalls(response, nil)
			for _, w := range report.Warnings {
				em.emit(models.EventToolCallsParseWarning, map[string]any{"role": role.Name, "reason": w.Reason})
			}
			if report.Coerced {
				em.emit(models.EventToolCallsCoerced, map[string]any{
					"role":            role.Name,
					"original_format": report.OriginalFormat,
					"count":           report.CoercedCount,
				})
			}
			if len(calls) > 0 && cfg.Executor != nil {
				em.emit(models.EventToolPlan, map[string]any{"role": role.Name, "calls": planSummary(calls)})

				// Every start precedes every done; calls still execute
				// serially in plan order.
				for _, call := range calls {
					em.emit(models.EventToolStart, map[string]any{"role": role.Name, "id": call.ID, "tool": call.Tool})
				}
				toolResults := make([]models.ToolResult, 0, len(calls))
				for _, call := range calls {
					result := cfg.Executor.ExecuteCalls(ctx, []models.ToolCall{call}, cp.State)[0]
					toolResults = append(toolResults, result)
					data := map[string]any{
						"role":  role.Name,
						"id":    result.ID,
						"tool":  result.Tool,
						"ok":    result.OK,
						"error": result.Error,
					}
					for k, v := range result.Metadata {
						data[k] = v
					}
					em.emit(models.EventToolDone, data)
				}

				block, truncated := protocol.FormatToolResults(toolResults)
				if len(truncated) > 0 {
					em.emit(models.EventToolResultTruncated, map[string]any{"tools": truncated})
				}
				second, err := complete(prompt + "\n\n" + block)
				if err != nil {
					return "", nil, err
				}
				stripped, ignored, _ := protocol.ExtractToolCalls(second, nil)
				finalResponse = stripped
				if len(ignored) > 0 {
					em.emit(models.EventToolPlan, map[string]any{"role": role.Name, "ignored": true, "calls": planSummary(ignored)})
				}
			} else {
				finalResponse = visible
			}
		}

		toolStripped, _, _ := protocol.ExtractToolCalls(finalResponse, nil)
		notesStripped, patch := protocol.ExtractNotes(toolStripped)
		res := sanitize.Sanitize(notesStripped)
		if res.Text != notesStripped {
			em.emit(models.EventSanitize, map[string]any{
				"role":         role.Name,
				"before_chars": utf8.RuneCountInString(notesStripped),
				"after_chars":  utf8.RuneCountInString(res.Text),
				"removed":      emptyIfNil(res.Removed),
			})
		}
		if res.Empty {
			em.emit(models.EventSanitizeWarning, map[string]any{
				"role":    role.Name,
				"message": "visible output empty after sanitization",
			})
		}
		visibleText := res.Text
		em.emit(models.EventVisibleResponse, map[string]any{"role": role.Name, "visible_response": visibleText})

		if patch != nil {
			if role.Name == RoleGovernor {
				protocol.ApplyNotesPatch(cp.State, patch)
				if len(patch.Actions) > 0 {
					report := capabilities.Apply(cp.State, patch.Actions)
					em.emit(models.EventActions, map[string]any{
						"role":    role.Name,
						"actions": patch.Actions,
						"before":  report.Before,
						"after":   report.After,
						"applied": report.Applied,
						"ignored": report.Ignored,
					})
				}
				stateReport := condense.CondenseState(cp.State, policy)
				if stateReport.Trimmed {
					lastReport = &stateReport
				} else {
					lastReport = nil
				}
				em.emit(models.EventNotesPatch, patchEventData(role.Name, patch))
				if stateReport.Trimmed {
					em.emit(models.EventCondense, map[string]any{"scope": "state", "role": role.Name, "report": stateReport})
				}
			} else {
				em.emit(models.EventNotesIgnored, patchEventData(role.Name, patch))
			}
		}

		results = append(results, RoleResult{Role: role.Name, Text: visibleText, Notes: patch})
	}

	finalText := ""
	if len(results) > 0 {
		finalText = results[len(results)-1].Text
	}
	return finalText, results, nil
}

func composePrompt(role RoleSpec, state *models.State, upstream []RoleResult, history, userText string, snapshot *telemetry.Snapshot, feedback, retrievalBlock string) string {
	parts := []string{role.SystemPrompt, "STATE:\n" + state.Compact()}
	if snapshot != nil && role.Telemetry == FeatureBasic {
		parts = append(parts, snapshot.RenderBlock())
	}
	if feedback != "" {
		parts = append(parts, feedback)
	}
	if retrievalBlock != "" && role.WantsRetrieval {
		parts = append(parts, retrievalBlock)
	}
	historyText := history
	if historyText == "" {
		historyText = "[]"
	}
	parts = append(parts, "HISTORY_JSON:\n"+historyText)
	if len(upstream) > 0 {
		lines := make([]string, len(upstream))
		for i, r := range upstream {
			lines[i] = r.Role + ": " + r.Text
		}
		parts = append(parts, "UPSTREAM:\n"+strings.Join(lines, "\n"))
	}
	parts = append(parts, "USER:\n"+userText)

	nonEmpty := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, "\n\n")
}

func planSummary(calls []models.ToolCall) []map[string]any {
	out := make([]map[string]any, len(calls))
	for i, c := range calls {
		out[i] = map[string]any{"id": c.ID, "tool": c.Tool}
	}
	return out
}

// patchEventData flattens a notes patch into event data, one key per
// patch field plus the role.
func patchEventData(roleName string, p *models.NotesPatch) map[string]any {
	data := map[string]any{
		"role":             roleName,
		"set_goals":        emptyIfNil(p.SetGoals),
		"add_open_loops":   emptyIfNil(p.AddOpenLoops),
		"close_open_loops": emptyIfNil(p.CloseOpenLoops),
		"add_decisions":    emptyIfNil(p.AddDecisions),
		"add_constraints":  emptyIfNil(p.AddConstraints),
		"add_memory_tags":  emptyIfNil(p.AddMemoryTags),
		"actions":          emptyIfNil(p.Actions),
	}
	if p.SetEpisodeSummary != nil {
		data["set_episode_summary"] = *p.SetEpisodeSummary
	} else {
		data["set_episode_summary"] = nil
	}
	return data
}

func emptyIfNil(xs []string) []string {
	if xs == nil {
		return []string{}
	}
	return xs
}

// emitter writes trace events, downgrading write failures to log
// warnings so a full disk cannot abort a turn midway.
type emitter struct {
	w   *trace.Writer
	log *slog.Logger
}

func (e emitter) emit(kind models.EventKind, data map[string]any) {
	if e.w == nil {
		return
	}
	if err := e.w.Emit(kind, data); err != nil {
		e.log.Warn("trace emit failed", "kind", string(kind), "error", err)
	}
}
