// Package condense keeps session state and upstream role outputs inside
// fixed budgets. Every operation is idempotent: condensing an already
// condensed value is a no-op.
package condense

import (
	"unicode/utf8"

	"github.com/haasonsaas/spectator/pkg/models"
)

// TruncationMarker is appended to any text shortened by TruncateText.
const TruncationMarker = "...[truncated]"

// Policy bounds every condensable field. Character budgets count
// Unicode code points, not bytes.
type Policy struct {
	MaxGoals                int
	MaxOpenLoops            int
	MaxDecisions            int
	MaxConstraints          int
	MaxMemoryTags           int
	MaxMemoryRefs           int
	MaxEpisodeSummaryChars  int
	MaxUpstreamCharsPerRole int
	MaxUpstreamTotalChars   int
}

// DefaultPolicy returns the standard budgets.
func DefaultPolicy() Policy {
	return Policy{
		MaxGoals:                32,
		MaxOpenLoops:            32,
		MaxDecisions:            32,
		MaxConstraints:          32,
		MaxMemoryTags:           32,
		MaxMemoryRefs:           32,
		MaxEpisodeSummaryChars:  2000,
		MaxUpstreamCharsPerRole: 1500,
		MaxUpstreamTotalChars:   4000,
	}
}

// StateReport records what CondenseState removed.
type StateReport struct {
	GoalsRemoved          int  `json:"goals_removed"`
	OpenLoopsRemoved      int  `json:"open_loops_removed"`
	DecisionsRemoved      int  `json:"decisions_removed"`
	ConstraintsRemoved    int  `json:"constraints_removed"`
	MemoryTagsRemoved     int  `json:"memory_tags_removed"`
	MemoryRefsRemoved     int  `json:"memory_refs_removed"`
	EpisodeSummaryRemoved int  `json:"episode_summary_removed"`
	Trimmed               bool `json:"trimmed"`
}

// RoleText pairs a role name with its output text, in pipeline order.
type RoleText struct {
	Role string
	Text string
}

// RoleChars records one role's size before and after upstream condensing.
type RoleChars struct {
	Role        string `json:"role"`
	BeforeChars int    `json:"before_chars"`
	AfterChars  int    `json:"after_chars"`
}

// UpstreamReport records what CondenseUpstream removed.
type UpstreamReport struct {
	BeforeTotalChars int         `json:"before_total_chars"`
	AfterTotalChars  int         `json:"after_total_chars"`
	PerRole          []RoleChars `json:"per_role"`
}

// Shrunk reports whether any upstream text was shortened.
func (r UpstreamReport) Shrunk() bool {
	return r.AfterTotalChars < r.BeforeTotalChars
}

// DedupePreserveOrder removes duplicates, keeping the first occurrence.
func DedupePreserveOrder(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}

// CapTail keeps at most the last max items. A non-positive max empties
// the list.
func CapTail(items []string, max int) []string {
	if max <= 0 {
		return []string{}
	}
	if len(items) <= max {
		return items
	}
	return items[len(items)-max:]
}

// TruncateText shortens text to at most max code points, marking the cut
// with TruncationMarker. When max cannot even hold the marker, a marker
// prefix is returned.
func TruncateText(text string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	marker := []rune(TruncationMarker)
	if max < len(marker) {
		return string(marker[:max])
	}
	return string(runes[:max-len(marker)]) + TruncationMarker
}

// CondenseState dedupes and caps every list field and truncates the
// episode summary, mutating s in place.
func CondenseState(s *models.State, p Policy) StateReport {
	r := StateReport{}
	r.GoalsRemoved = condenseList(&s.Goals, p.MaxGoals)
	r.OpenLoopsRemoved = condenseList(&s.OpenLoops, p.MaxOpenLoops)
	r.DecisionsRemoved = condenseList(&s.Decisions, p.MaxDecisions)
	r.ConstraintsRemoved = condenseList(&s.Constraints, p.MaxConstraints)
	r.MemoryTagsRemoved = condenseList(&s.MemoryTags, p.MaxMemoryTags)
	r.MemoryRefsRemoved = condenseList(&s.MemoryRefs, p.MaxMemoryRefs)

	before := utf8.RuneCountInString(s.EpisodeSummary)
	s.EpisodeSummary = TruncateText(s.EpisodeSummary, p.MaxEpisodeSummaryChars)
	r.EpisodeSummaryRemoved = before - utf8.RuneCountInString(s.EpisodeSummary)

	r.Trimmed = r.GoalsRemoved > 0 || r.OpenLoopsRemoved > 0 || r.DecisionsRemoved > 0 ||
		r.ConstraintsRemoved > 0 || r.MemoryTagsRemoved > 0 || r.MemoryRefsRemoved > 0 ||
		r.EpisodeSummaryRemoved > 0
	return r
}

func condenseList(items *[]string, max int) int {
	before := len(*items)
	deduped := DedupePreserveOrder(*items)
	capped := CapTail(deduped, max)
	*items = capped
	return before - len(capped)
}

// CondenseUpstream caps each role's text, then re-truncates in order
// against the shared total budget when the sum still exceeds it. Roles
// late in the order absorb the squeeze.
func CondenseUpstream(entries []RoleText, p Policy) ([]RoleText, UpstreamReport) {
	report := UpstreamReport{PerRole: make([]RoleChars, 0, len(entries))}
	out := make([]RoleText, len(entries))
	for i, e := range entries {
		report.BeforeTotalChars += utf8.RuneCountInString(e.Text)
		out[i] = RoleText{Role: e.Role, Text: TruncateText(e.Text, p.MaxUpstreamCharsPerRole)}
	}

	total := 0
	for _, e := range out {
		total += utf8.RuneCountInString(e.Text)
	}
	if total > p.MaxUpstreamTotalChars {
		remaining := p.MaxUpstreamTotalChars
		for i := range out {
			allowed := remaining
			if allowed < 0 {
				allowed = 0
			}
			out[i].Text = TruncateText(out[i].Text, allowed)
			remaining -= utf8.RuneCountInString(out[i].Text)
		}
	}

	for i, e := range out {
		after := utf8.RuneCountInString(e.Text)
		report.AfterTotalChars += after
		report.PerRole = append(report.PerRole, RoleChars{
			Role:        e.Role,
			BeforeChars: utf8.RuneCountInString(entries[i].Text),
			AfterChars:  after,
		})
	}
	return out, report
}
