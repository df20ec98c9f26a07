package protocol

import (
	"encoding/json"
	"strings"

	"github.com/haasonsaas/spectator/internal/condense"
	"github.com/haasonsaas/spectator/pkg/models"
)

// Markers delimiting the notes-patch sub-protocol.
const (
	NotesStart = "<<<NOTES_JSON>>>"
	NotesEnd   = "<<<END_NOTES_JSON>>>"
)

// ExtractNotes parses a notes-patch block out of a role response. The
// payload must be a JSON object; list fields must be lists of strings
// and set_episode_summary a string when present. Any violation rejects
// the whole patch and returns the text unchanged. Unknown keys are
// ignored. A valid parse returns the text with the block removed.
func ExtractNotes(text string) (string, *models.NotesPatch) {
	start := strings.Index(text, NotesStart)
	if start < 0 {
		return text, nil
	}
	rest := text[start+len(NotesStart):]
	endRel := strings.Index(rest, NotesEnd)
	if endRel < 0 {
		return text, nil
	}
	payload := strings.TrimSpace(rest[:endRel])

	var raw map[string]any
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return text, nil
	}

	patch := &models.NotesPatch{}
	fields := []struct {
		key  string
		dest *[]string
	}{
		{"set_goals", &patch.SetGoals},
		{"add_open_loops", &patch.AddOpenLoops},
		{"close_open_loops", &patch.CloseOpenLoops},
		{"add_decisions", &patch.AddDecisions},
		{"add_constraints", &patch.AddConstraints},
		{"add_memory_tags", &patch.AddMemoryTags},
		{"actions", &patch.Actions},
	}
	for _, f := range fields {
		v, present := raw[f.key]
		if !present {
			*f.dest = []string{}
			continue
		}
		items, ok := stringList(v)
		if !ok {
			return text, nil
		}
		*f.dest = items
	}

	if v, present := raw["set_episode_summary"]; present && v != nil {
		s, ok := v.(string)
		if !ok {
			return text, nil
		}
		patch.SetEpisodeSummary = &s
	}

	cleaned := text[:start] + rest[endRel+len(NotesEnd):]
	return cleaned, patch
}

// ApplyNotesPatch folds a patch into the state: set_goals replaces,
// add_* extend without duplicates, close_open_loops removes matches,
// and set_episode_summary overwrites when present. Bounds are enforced
// later by the condense pass, not here.
func ApplyNotesPatch(s *models.State, patch *models.NotesPatch) {
	if patch == nil {
		return
	}
	if len(patch.SetGoals) > 0 {
		s.Goals = condense.DedupePreserveOrder(patch.SetGoals)
	}
	s.OpenLoops = extendUnique(s.OpenLoops, patch.AddOpenLoops)
	for _, loop := range patch.CloseOpenLoops {
		s.OpenLoops = removeAll(s.OpenLoops, loop)
	}
	s.Decisions = extendUnique(s.Decisions, patch.AddDecisions)
	s.Constraints = extendUnique(s.Constraints, patch.AddConstraints)
	if patch.SetEpisodeSummary != nil {
		s.EpisodeSummary = *patch.SetEpisodeSummary
	}
	s.MemoryTags = extendUnique(s.MemoryTags, patch.AddMemoryTags)
}

// stringList accepts a JSON array of strings; anything else, including
// an explicit null, fails.
func stringList(v any) ([]string, bool) {
	items, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

func extendUnique(base, add []string) []string {
	out := base
	for _, item := range add {
		found := false
		for _, existing := range out {
			if existing == item {
				found = true
				break
			}
		}
		if !found {
			out = append(out, item)
		}
	}
	return out
}

func removeAll(xs []string, x string) []string {
	out := make([]string, 0, len(xs))
	for _, v := range xs {
		if v != x {
			out = append(out, v)
		}
	}
	return out
}
