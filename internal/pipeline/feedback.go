package pipeline

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/haasonsaas/spectator/internal/condense"
	"github.com/haasonsaas/spectator/pkg/models"
)

// Block delimiters for the memory feedback section of a prompt.
const (
	FeedbackStart = "=== MEMORY FEEDBACK ==="
	FeedbackEnd   = "=== END MEMORY FEEDBACK ==="
)

// highWater is the ratio at or above which a field is reported as
// under pressure.
const highWater = 0.8

// Pressure is a point-in-time reading of how full the condensed state
// and upstream budget are.
type Pressure struct {
	GoalsRatio       float64
	OpenLoopsRatio   float64
	DecisionsRatio   float64
	ConstraintsRatio float64
	MemoryTagsRatio  float64
	UpstreamRatio    float64
	HighFields       []string
	Condensed        bool
	LastReport       *condense.StateReport
}

// ComputePressure measures state occupancy against the policy caps.
// report is the most recent state-condense report, nil when the last
// patch did not trim anything.
func ComputePressure(state *models.State, policy condense.Policy, upstream []RoleResult, report *condense.StateReport) Pressure {
	upstreamChars := 0
	for _, r := range upstream {
		upstreamChars += utf8.RuneCountInString(r.Text)
	}

	p := Pressure{
		GoalsRatio:       ratio(len(state.Goals), policy.MaxGoals),
		OpenLoopsRatio:   ratio(len(state.OpenLoops), policy.MaxOpenLoops),
		DecisionsRatio:   ratio(len(state.Decisions), policy.MaxDecisions),
		ConstraintsRatio: ratio(len(state.Constraints), policy.MaxConstraints),
		MemoryTagsRatio:  ratio(len(state.MemoryTags), policy.MaxMemoryTags),
		UpstreamRatio:    ratio(upstreamChars, policy.MaxUpstreamTotalChars),
		HighFields:       []string{},
		LastReport:       report,
	}
	for _, field := range []struct {
		name  string
		value float64
	}{
		{"goals_ratio", p.GoalsRatio},
		{"open_loops_ratio", p.OpenLoopsRatio},
		{"decisions_ratio", p.DecisionsRatio},
		{"constraints_ratio", p.ConstraintsRatio},
		{"memory_tags_ratio", p.MemoryTagsRatio},
		{"upstream_ratio", p.UpstreamRatio},
	} {
		if field.value >= highWater {
			p.HighFields = append(p.HighFields, field.name)
		}
	}
	if report != nil {
		p.Condensed = report.Trimmed
	}
	return p
}

// FormatMemoryFeedback renders the pressure reading as the prompt
// block roles with memory feedback enabled receive.
func FormatMemoryFeedback(p Pressure) string {
	lastReport := "none"
	if p.LastReport != nil {
		lastReport = models.CompactJSON(p.LastReport)
	}
	lines := []string{
		FeedbackStart,
		fmt.Sprintf("goals_ratio: %.2f", p.GoalsRatio),
		fmt.Sprintf("open_loops_ratio: %.2f", p.OpenLoopsRatio),
		fmt.Sprintf("decisions_ratio: %.2f", p.DecisionsRatio),
		fmt.Sprintf("constraints_ratio: %.2f", p.ConstraintsRatio),
		fmt.Sprintf("memory_tags_ratio: %.2f", p.MemoryTagsRatio),
		fmt.Sprintf("upstream_ratio: %.2f", p.UpstreamRatio),
		"high_fields: " + models.CompactJSON(p.HighFields),
		"condensed: " + strconv.FormatBool(p.Condensed),
		"last_report: " + lastReport,
		FeedbackEnd,
	}
	return strings.Join(lines, "\n")
}

// ratio reports occupancy; a non-positive maximum reads as saturated
// when anything is present at all.
func ratio(current, maximum int) float64 {
	if maximum <= 0 {
		if current > 0 {
			return 1.0
		}
		return 0.0
	}
	return float64(current) / float64(maximum)
}
