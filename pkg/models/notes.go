package models

// NotesPatch is the structured state update a role may emit inside a
// NOTES_JSON block. A nil SetEpisodeSummary means the field was absent
// from the payload.
type NotesPatch struct {
	SetGoals          []string `json:"set_goals"`
	AddOpenLoops      []string `json:"add_open_loops"`
	CloseOpenLoops    []string `json:"close_open_loops"`
	AddDecisions      []string `json:"add_decisions"`
	AddConstraints    []string `json:"add_constraints"`
	SetEpisodeSummary *string  `json:"set_episode_summary,omitempty"`
	AddMemoryTags     []string `json:"add_memory_tags"`
	Actions           []string `json:"actions"`
}

// IsZero reports whether the patch carries no changes at all.
func (p *NotesPatch) IsZero() bool {
	if p == nil {
		return true
	}
	return len(p.SetGoals) == 0 &&
		len(p.AddOpenLoops) == 0 &&
		len(p.CloseOpenLoops) == 0 &&
		len(p.AddDecisions) == 0 &&
		len(p.AddConstraints) == 0 &&
		p.SetEpisodeSummary == nil &&
		len(p.AddMemoryTags) == 0 &&
		len(p.Actions) == 0
}
