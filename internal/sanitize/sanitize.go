// Package sanitize scrubs role responses before they become visible
// output: reasoning wrappers, echoed prompt scaffolding, retrieval
// blocks, and any residual sub-protocol markers are removed. The
// pipeline extracts tool calls and notes first, so every marker block
// still present here is residue.
package sanitize

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/haasonsaas/spectator/internal/protocol"
)

// Labels reported for each category of removed content.
const (
	FlagReasoningStripped      = "REASONING_STRIPPED"
	FlagScaffoldPrefixStripped = "SCAFFOLD_PREFIX_STRIPPED"
	FlagScaffoldSuffixStripped = "SCAFFOLD_SUFFIX_STRIPPED"
	FlagRetrievalBlockStripped = "RETRIEVAL_BLOCK_STRIPPED"
	FlagMarkerPollution        = "MARKER_POLLUTION"
	FlagToolBlockStripped      = "TOOL_BLOCK_STRIPPED"
	FlagNotesBlockStripped     = "NOTES_BLOCK_STRIPPED"
)

const (
	thoughtsStart = "<<<THOUGHTS>>>"
	thoughtsEnd   = "<<<END_THOUGHTS>>>"

	retrievalStart = "=== RETRIEVAL ==="
	retrievalEnd   = "=== END RETRIEVAL ==="
	memoryStart    = "=== RETRIEVED_MEMORY ==="
	memoryEnd      = "=== END RETRIEVED_MEMORY ==="
)

// scaffoldLabels open prompt-echo paragraphs that must never reach
// visible output.
var scaffoldLabels = []string{
	"STATE:", "HISTORY:", "HISTORY_JSON:", "UPSTREAM:", "USER:",
	"TOOL_RESULTS:", "reflection:", "planner:", "critic:", "assistant:",
	retrievalStart, memoryStart,
}

var blankRuns = regexp.MustCompile(`\n{3,}`)

// Result is the outcome of one Sanitize pass.
type Result struct {
	Text    string
	Removed []string
	Empty   bool
}

type protectedBlock struct {
	placeholder string
	flag        string
}

// Sanitize cleans text for visible output and reports what was removed.
// When nothing remains after cleaning, Text is "..." and Empty is set.
func Sanitize(text string) Result {
	r := Result{}
	out := text

	var protected []protectedBlock
	out = protectPairs(out, protocol.ToolCallsStart, protocol.ToolCallsEnd, FlagToolBlockStripped, &protected)
	out = protectPairs(out, protocol.NotesStart, protocol.NotesEnd, FlagNotesBlockStripped, &protected)

	var n int
	out, n = stripDelimited(out, "<think>", "</think>", true)
	reasoning := n
	out, n = stripDelimited(out, thoughtsStart, thoughtsEnd, true)
	reasoning += n
	out, n = stripDelimited(out, "=== REASONING ===", "=== END REASONING ===", true)
	reasoning += n
	if reasoning > 0 {
		r.flag(FlagReasoningStripped)
	}

	var changed bool
	out, changed = stripLeadingScaffold(out)
	if changed {
		r.flag(FlagScaffoldPrefixStripped)
	}
	out, changed = stripTrailingScaffold(out)
	if changed {
		r.flag(FlagScaffoldSuffixStripped)
	}

	out, n = stripDelimited(out, retrievalStart, retrievalEnd, false)
	retrieval := n
	out, n = stripDelimited(out, memoryStart, memoryEnd, false)
	retrieval += n
	if retrieval > 0 {
		r.flag(FlagRetrievalBlockStripped)
	}

	dangling := 0
	for _, token := range []string{
		protocol.ToolCallsStart, protocol.ToolCallsEnd,
		protocol.NotesStart, protocol.NotesEnd,
		thoughtsStart, thoughtsEnd,
	} {
		for strings.Contains(out, token) {
			out = strings.Replace(out, token, "", 1)
			dangling++
		}
	}
	if dangling > 0 {
		r.flag(FlagMarkerPollution)
	}

	for _, block := range protected {
		if strings.Contains(out, block.placeholder) {
			out = strings.ReplaceAll(out, block.placeholder, "")
			r.flag(block.flag)
		}
	}

	out = blankRuns.ReplaceAllString(out, "\n\n")
	out = strings.TrimSpace(out)
	if out == "" {
		out = "..."
		r.Empty = true
	}
	r.Text = out
	return r
}

func (r *Result) flag(label string) {
	for _, existing := range r.Removed {
		if existing == label {
			return
		}
	}
	r.Removed = append(r.Removed, label)
}

// protectPairs swaps each complete start..end block for a placeholder
// unique within this pass so later passes cannot mangle it.
// Placeholders are resolved (to nothing) at the end of the pipeline.
func protectPairs(text, start, end, flag string, protected *[]protectedBlock) string {
	out := text
	for {
		i := strings.Index(out, start)
		if i < 0 {
			return out
		}
		rest := out[i+len(start):]
		j := strings.Index(rest, end)
		if j < 0 {
			return out
		}
		placeholder := "<<<SPECTATOR_BLOCK_" + strconv.Itoa(len(*protected)) + ">>>"
		*protected = append(*protected, protectedBlock{placeholder: placeholder, flag: flag})
		out = out[:i] + placeholder + rest[j+len(end):]
	}
}

// stripDelimited removes every start..end span inclusive. When
// dropUnterminated is set, a start without its end strips to the end of
// the text; reasoning must never leak even half-closed.
func stripDelimited(text, start, end string, dropUnterminated bool) (string, int) {
	out := text
	count := 0
	for {
		i := strings.Index(out, start)
		if i < 0 {
			return out, count
		}
		rest := out[i+len(start):]
		j := strings.Index(rest, end)
		if j < 0 {
			if dropUnterminated {
				return out[:i], count + 1
			}
			return out, count
		}
		out = out[:i] + rest[j+len(end):]
		count++
	}
}

// stripLeadingScaffold drops scaffold paragraphs from the front: any
// paragraph whose first line opens with a known label is consumed to
// its blank-line boundary, or to the block's end marker for retrieval
// sections.
func stripLeadingScaffold(text string) (string, bool) {
	lines := strings.Split(text, "\n")
	i := 0
	changed := false
	for {
		j := i
		for j < len(lines) && strings.TrimSpace(lines[j]) == "" {
			j++
		}
		if j >= len(lines) {
			break
		}
		label := matchScaffoldLabel(lines[j])
		if label == "" {
			break
		}
		k := j
		if endMarker := blockEndMarker(label); endMarker != "" {
			for k < len(lines) && strings.TrimSpace(lines[k]) != endMarker {
				k++
			}
			if k < len(lines) {
				k++
			}
		} else {
			for k < len(lines) && strings.TrimSpace(lines[k]) != "" {
				k++
			}
		}
		i = k
		changed = true
	}
	if !changed {
		return text, false
	}
	return strings.Join(lines[i:], "\n"), true
}

// stripTrailingScaffold mirrors stripLeadingScaffold from the back.
func stripTrailingScaffold(text string) (string, bool) {
	lines := strings.Split(text, "\n")
	end := len(lines)
	changed := false
	for {
		j := end
		for j > 0 && strings.TrimSpace(lines[j-1]) == "" {
			j--
		}
		if j == 0 {
			break
		}
		start := j
		for start > 0 && strings.TrimSpace(lines[start-1]) != "" {
			start--
		}
		if matchScaffoldLabel(lines[start]) == "" {
			break
		}
		end = start
		changed = true
	}
	if !changed {
		return text, false
	}
	return strings.Join(lines[:end], "\n"), true
}

func matchScaffoldLabel(line string) string {
	trimmed := strings.TrimSpace(line)
	for _, label := range scaffoldLabels {
		if strings.HasPrefix(trimmed, label) {
			return label
		}
	}
	return ""
}

func blockEndMarker(label string) string {
	switch label {
	case retrievalStart:
		return retrievalEnd
	case memoryStart:
		return memoryEnd
	default:
		return ""
	}
}
