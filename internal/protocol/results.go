package protocol

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/haasonsaas/spectator/pkg/models"
)

// ToolResultsHeader opens the framed block fed back to the governor.
const ToolResultsHeader = "TOOL_RESULTS:"

// ToolResultsMaxChars bounds the framed block. Oversize blocks are
// reduced by truncating string fields inside result outputs; the JSON
// structure of each line is preserved.
const ToolResultsMaxChars = 20000

// truncNoteFmt marks a shortened field inside a result output.
const truncNoteFmt = "... <truncated %d chars>"

// FormatToolResults renders results as the TOOL_RESULTS block, one
// compact JSON object per line. When the block exceeds
// ToolResultsMaxChars, the longest string field across all outputs
// (ties go to text, then stdout) is truncated repeatedly until the
// block fits. The second return lists the tools whose output was cut,
// in first-seen order.
func FormatToolResults(results []models.ToolResult) (string, []string) {
	block := renderResultsBlock(results)
	if utf8.RuneCountInString(block) <= ToolResultsMaxChars {
		return block, nil
	}

	work := make([]models.ToolResult, len(results))
	copy(work, results)
	var truncated []string

	for {
		total := utf8.RuneCountInString(block)
		if total <= ToolResultsMaxChars {
			break
		}
		idx, key, size := largestStringField(work)
		if idx < 0 || size == 0 {
			break
		}

		excess := total - ToolResultsMaxChars
		runes := []rune(work[idx].Output[key].(string))
		keep := len(runes) - excess - len(fmt.Sprintf(truncNoteFmt, len(runes)))
		if keep < 0 {
			keep = 0
		}
		removed := len(runes) - keep
		work[idx] = cloneWithField(work[idx], key, string(runes[:keep])+fmt.Sprintf(truncNoteFmt, removed))

		next := renderResultsBlock(work)
		if utf8.RuneCountInString(next) >= total {
			break
		}
		block = next
		if !containsString(truncated, work[idx].Tool) {
			truncated = append(truncated, work[idx].Tool)
		}
	}
	return block, truncated
}

func renderResultsBlock(results []models.ToolResult) string {
	lines := make([]string, 0, len(results)+1)
	lines = append(lines, ToolResultsHeader)
	for _, r := range results {
		lines = append(lines, models.CompactJSON(r))
	}
	return strings.Join(lines, "\n")
}

// fieldRank orders equal-length candidates: the usual bulky fields
// first, then alphabetically.
func fieldRank(key string) int {
	switch key {
	case "text":
		return 0
	case "stdout":
		return 1
	default:
		return 2
	}
}

// largestStringField finds the next truncation target: the longest
// string value across all result outputs.
func largestStringField(results []models.ToolResult) (int, string, int) {
	bestIdx, bestKey, bestSize := -1, "", 0
	for i, r := range results {
		keys := make([]string, 0, len(r.Output))
		for k := range r.Output {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v, ok := r.Output[k].(string)
			if !ok {
				continue
			}
			size := utf8.RuneCountInString(v)
			if size > bestSize || (size == bestSize && bestIdx >= 0 && fieldRank(k) < fieldRank(bestKey)) {
				bestIdx, bestKey, bestSize = i, k, size
			}
		}
	}
	return bestIdx, bestKey, bestSize
}

// cloneWithField returns the result with one output field replaced,
// leaving the caller's map untouched.
func cloneWithField(r models.ToolResult, key, value string) models.ToolResult {
	out := make(map[string]any, len(r.Output))
	for k, v := range r.Output {
		out[k] = v
	}
	out[key] = value
	r.Output = out
	return r
}

func containsString(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
