package introspect

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Chunking strategies. Auto picks by file extension.
const (
	StrategyAuto     = "auto"
	StrategyHeadings = "headings"
	StrategyCode     = "code"
	StrategyLog      = "log"
	StrategyFixed    = "fixed"
)

// logTailLines is how many trailing lines the log strategy keeps as a
// dedicated tail chunk; recent lines matter most in a log.
const logTailLines = 200

// Chunk is one addressable slice of a file. Line numbers are 1-based
// and inclusive; IDs are stable for a given path, span, and title.
type Chunk struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Strategy  string `json:"strategy"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
	Text      string `json:"text"`
}

// ChunkFile splits text into chunks of at most maxChars characters
// using the named strategy. Overlap only applies to the fixed strategy.
func ChunkFile(path, text, strategy string, maxChars, overlapChars int) ([]Chunk, error) {
	if maxChars <= 0 {
		return nil, fmt.Errorf("max_chars must be positive")
	}
	normalized := normalizeNewlines(text)
	if normalized == "" {
		return nil, nil
	}
	resolved := resolveStrategy(path, strategy)

	var chunks []Chunk
	switch resolved {
	case StrategyHeadings:
		chunks = chunkByHeadings(path, normalized, maxChars)
	case StrategyCode:
		chunks = chunkByCode(path, normalized, maxChars)
	case StrategyLog:
		chunks = chunkByLog(path, normalized, maxChars)
	case StrategyFixed:
		chunks = chunkFixed(path, normalized, maxChars, overlapChars)
	default:
		return nil, fmt.Errorf("unknown chunking strategy %q", strategy)
	}
	for i := range chunks {
		chunks[i].Strategy = resolved
	}
	return chunks, nil
}

func normalizeNewlines(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}

func resolveStrategy(path, strategy string) string {
	lowered := strings.ToLower(strategy)
	if lowered == "" {
		lowered = StrategyAuto
	}
	if lowered != StrategyAuto {
		return lowered
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".log", ".jsonl", ".txt":
		return StrategyLog
	case ".md", ".rst":
		return StrategyHeadings
	case ".go":
		return StrategyCode
	default:
		return StrategyFixed
	}
}

// splitKeepEnds splits into lines that keep their trailing newline, so
// joining chunk texts reproduces the input byte for byte.
func splitKeepEnds(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.SplitAfter(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

var (
	markdownHeadingRE = regexp.MustCompile(`^(#{1,6})\s+(.*)$`)
	underlineRE       = regexp.MustCompile(`^[=\-]{3,}\s*$`)
)

func chunkByHeadings(path, text string, maxChars int) []Chunk {
	lines := splitKeepEnds(text)
	if len(lines) == 0 {
		return nil
	}

	type heading struct {
		line  int
		title string
	}
	var headings []heading
	for idx := 0; idx < len(lines); {
		line := strings.TrimRight(lines[idx], "\n")
		if match := markdownHeadingRE.FindStringSubmatch(line); match != nil {
			title := strings.TrimSpace(match[2])
			if title == "" {
				title = "heading"
			}
			headings = append(headings, heading{idx + 1, title})
			idx++
			continue
		}
		if idx+1 < len(lines) {
			underline := strings.TrimRight(lines[idx+1], "\n")
			if underlineRE.MatchString(underline) && strings.TrimSpace(line) != "" {
				headings = append(headings, heading{idx + 1, strings.TrimSpace(line)})
				idx += 2
				continue
			}
		}
		idx++
	}

	type section struct {
		start, end int
		title      string
	}
	var sections []section
	if len(headings) > 0 {
		if headings[0].line > 1 {
			sections = append(sections, section{1, headings[0].line - 1, "preamble"})
		}
		for i, h := range headings {
			next := len(lines) + 1
			if i+1 < len(headings) {
				next = headings[i+1].line
			}
			sections = append(sections, section{h.line, next - 1, h.title})
		}
	} else {
		sections = append(sections, section{1, len(lines), "document"})
	}

	var chunks []Chunk
	for _, s := range sections {
		if s.end < s.start {
			continue
		}
		sectionText := strings.Join(lines[s.start-1:s.end], "")
		chunks = append(chunks, splitOversize(path, s.title, s.start, s.end, sectionText, maxChars)...)
	}
	return chunks
}

// chunkByCode splits a Go source file at top-level declarations.
// Everything before the first declaration (package clause, imports,
// file comments) becomes a header chunk.
func chunkByCode(path, text string, maxChars int) []Chunk {
	lines := splitKeepEnds(text)
	if len(lines) == 0 {
		return nil
	}

	type decl struct {
		line  int
		title string
	}
	var decls []decl
	for idx, line := range lines {
		trimmed := strings.TrimRight(line, "\n")
		if isDeclStart(trimmed) {
			decls = append(decls, decl{idx + 1, declTitle(trimmed)})
		}
	}
	if len(decls) == 0 {
		return splitOversize(path, "header", 1, len(lines), text, maxChars)
	}

	var chunks []Chunk
	if decls[0].line > 1 {
		headerText := strings.Join(lines[:decls[0].line-1], "")
		chunks = append(chunks, splitOversize(path, "header", 1, decls[0].line-1, headerText, maxChars)...)
	}
	for i, d := range decls {
		end := len(lines)
		if i+1 < len(decls) {
			end = decls[i+1].line - 1
		}
		if end < d.line {
			continue
		}
		sectionText := strings.Join(lines[d.line-1:end], "")
		chunks = append(chunks, splitOversize(path, d.title, d.line, end, sectionText, maxChars)...)
	}
	return chunks
}

func isDeclStart(line string) bool {
	if line == "" {
		return false
	}
	switch line[0] {
	case ' ', '\t', '}', ')':
		return false
	}
	for _, prefix := range []string{"func ", "type ", "const ", "const(", "var ", "var("} {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

func declTitle(line string) string {
	trimmed := strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(trimmed, "func "):
		rest := strings.TrimSpace(strings.TrimPrefix(trimmed, "func "))
		if strings.HasPrefix(rest, "(") {
			if end := strings.Index(rest, ")"); end >= 0 {
				rest = strings.TrimSpace(rest[end+1:])
			}
		}
		if name := identPrefix(rest); name != "" {
			return "func " + name
		}
		return "func"
	case strings.HasPrefix(trimmed, "type "):
		if name := identPrefix(strings.TrimSpace(strings.TrimPrefix(trimmed, "type "))); name != "" {
			return "type " + name
		}
		return "type"
	case strings.HasPrefix(trimmed, "const"):
		if name := identPrefix(strings.TrimSpace(strings.TrimPrefix(trimmed, "const"))); name != "" {
			return "const " + name
		}
		return "const"
	case strings.HasPrefix(trimmed, "var"):
		if name := identPrefix(strings.TrimSpace(strings.TrimPrefix(trimmed, "var"))); name != "" {
			return "var " + name
		}
		return "var"
	}
	return "declaration"
}

// identPrefix returns the leading Go identifier of s, if any.
func identPrefix(s string) string {
	for i, r := range s {
		if unicode.IsLetter(r) || r == '_' || (i > 0 && unicode.IsDigit(r)) {
			continue
		}
		return s[:i]
	}
	return s
}

func chunkFixed(path, text string, maxChars, overlapChars int) []Chunk {
	lines := splitKeepEnds(text)
	if len(lines) == 0 {
		return nil
	}
	var chunks []Chunk
	startLine := 1
	var buf []string
	bufLen := 0
	for idx, line := range lines {
		lineNo := idx + 1
		lineLen := utf8.RuneCountInString(line)
		if lineLen > maxChars {
			if len(buf) > 0 {
				chunks = append(chunks, buildChunk(path, "chunk", startLine, lineNo-1, strings.Join(buf, "")))
				buf = nil
				bufLen = 0
			}
			chunks = append(chunks, splitLongLine(path, "chunk", lineNo, line, maxChars)...)
			startLine = lineNo + 1
			continue
		}
		if len(buf) > 0 && bufLen+lineLen > maxChars {
			endLine := lineNo - 1
			chunks = append(chunks, buildChunk(path, "chunk", startLine, endLine, strings.Join(buf, "")))
			overlap := computeOverlap(buf, overlapChars)
			buf = overlap
			bufLen = 0
			for _, part := range buf {
				bufLen += utf8.RuneCountInString(part)
			}
			if len(overlap) > 0 {
				startLine = endLine - len(overlap) + 1
			} else {
				startLine = lineNo
			}
		}
		buf = append(buf, line)
		bufLen += lineLen
	}
	if len(buf) > 0 {
		chunks = append(chunks, buildChunk(path, "chunk", startLine, startLine+len(buf)-1, strings.Join(buf, "")))
	}
	return chunks
}

// computeOverlap takes trailing lines of the previous window up to
// overlapChars, always at least one line when overlap is requested.
func computeOverlap(lines []string, overlapChars int) []string {
	if overlapChars <= 0 || len(lines) == 0 {
		return nil
	}
	total := 0
	var overlap []string
	for i := len(lines) - 1; i >= 0; i-- {
		lineLen := utf8.RuneCountInString(lines[i])
		if total+lineLen > overlapChars && len(overlap) > 0 {
			break
		}
		overlap = append([]string{lines[i]}, overlap...)
		total += lineLen
	}
	return overlap
}

// splitOversize emits one chunk when the section fits, otherwise packs
// it into parts labeled "(part i/n)".
func splitOversize(path, title string, startLine, endLine int, text string, maxChars int) []Chunk {
	if utf8.RuneCountInString(text) <= maxChars {
		return []Chunk{buildChunk(path, title, startLine, endLine, text)}
	}
	lines := splitKeepEnds(text)
	var parts []Chunk
	var buf []string
	bufLen := 0
	partStart := startLine
	lineNo := startLine - 1
	for _, line := range lines {
		lineNo++
		lineLen := utf8.RuneCountInString(line)
		if lineLen > maxChars {
			if len(buf) > 0 {
				parts = append(parts, buildChunk(path, title, partStart, lineNo-1, strings.Join(buf, "")))
				buf = nil
				bufLen = 0
			}
			parts = append(parts, splitLongLine(path, title, lineNo, line, maxChars)...)
			partStart = lineNo + 1
			continue
		}
		if len(buf) > 0 && bufLen+lineLen > maxChars {
			parts = append(parts, buildChunk(path, title, partStart, lineNo-1, strings.Join(buf, "")))
			buf = nil
			bufLen = 0
			partStart = lineNo
		}
		buf = append(buf, line)
		bufLen += lineLen
	}
	if len(buf) > 0 {
		parts = append(parts, buildChunk(path, title, partStart, partStart+len(buf)-1, strings.Join(buf, "")))
	}
	if len(parts) <= 1 {
		return parts
	}
	labeled := make([]Chunk, 0, len(parts))
	for i, part := range parts {
		labeledTitle := fmt.Sprintf("%s (part %d/%d)", title, i+1, len(parts))
		labeled = append(labeled, Chunk{
			ID:        chunkID(path, part.StartLine, part.EndLine, labeledTitle),
			Title:     labeledTitle,
			StartLine: part.StartLine,
			EndLine:   part.EndLine,
			Text:      part.Text,
		})
	}
	return labeled
}

func buildChunk(path, title string, startLine, endLine int, text string) Chunk {
	return Chunk{
		ID:        chunkID(path, startLine, endLine, title),
		Title:     title,
		StartLine: startLine,
		EndLine:   endLine,
		Text:      text,
	}
}

func chunkID(path string, startLine, endLine int, title string) string {
	sum := sha1.Sum([]byte(fmt.Sprintf("%s:%d:%d:%s", path, startLine, endLine, title)))
	return hex.EncodeToString(sum[:])[:10]
}

// splitLongLine slices a single line that exceeds the budget into
// maxChars-sized segments, all attributed to the same line number.
func splitLongLine(path, title string, lineNo int, line string, maxChars int) []Chunk {
	runes := []rune(line)
	var parts []Chunk
	for start := 0; start < len(runes); start += maxChars {
		end := start + maxChars
		if end > len(runes) {
			end = len(runes)
		}
		parts = append(parts, buildChunk(path, title, lineNo, lineNo, string(runes[start:end])))
	}
	return parts
}

func chunkByLog(path, text string, maxChars int) []Chunk {
	lines := splitKeepEnds(text)
	if len(lines) == 0 {
		return nil
	}
	tailCount := logTailLines
	if tailCount > len(lines) {
		tailCount = len(lines)
	}
	tailStart := len(lines) - tailCount + 1
	mainLines := lines[:tailStart-1]

	type block struct {
		start, end int
		isLog      bool
		text       string
	}
	var blocks []block
	if len(mainLines) > 0 {
		haveKind := false
		currentIsLog := false
		var buf []string
		bufStart := 1
		for idx, line := range mainLines {
			lineNo := idx + 1
			isLog, known := classifyLogLine(line)
			if !known {
				isLog = currentIsLog
			}
			if !haveKind {
				haveKind = true
				currentIsLog = isLog
				bufStart = lineNo
			} else if isLog != currentIsLog {
				if len(buf) > 0 {
					blocks = append(blocks, block{bufStart, lineNo - 1, currentIsLog, strings.Join(buf, "")})
				}
				buf = nil
				bufStart = lineNo
				currentIsLog = isLog
			}
			buf = append(buf, line)
		}
		if len(buf) > 0 {
			blocks = append(blocks, block{bufStart, len(mainLines), currentIsLog, strings.Join(buf, "")})
		}
	}

	var chunks []Chunk
	logIndex, nonLogIndex := 0, 0
	for _, b := range blocks {
		var title string
		if b.isLog {
			logIndex++
			title = fmt.Sprintf("log block %d", logIndex)
		} else {
			nonLogIndex++
			title = fmt.Sprintf("non-log block %d", nonLogIndex)
		}
		chunks = append(chunks, splitOversize(path, title, b.start, b.end, b.text, maxChars)...)
	}
	tailText := strings.Join(lines[tailStart-1:], "")
	if tailText != "" {
		chunks = append(chunks, splitOversize(path, "tail", tailStart, len(lines), tailText, maxChars)...)
	}
	return chunks
}

var (
	logLineRE   = regexp.MustCompile(`^(?:\d{4}-\d{2}-\d{2}[ T]\d{2}:\d{2}:\d{2}|\d{2}:\d{2}:\d{2}|(?:INFO|WARN|WARNING|ERROR|DEBUG|TRACE|FATAL)\b|[A-Z][a-z]{2}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2})`)
	logPrefixRE = regexp.MustCompile(`^[A-Za-z0-9_.-]{2,}:\s`)
)

const logSymbolChars = `[]{}()=:+-_/\|<>.,'"`

// classifyLogLine decides whether a line looks machine-generated.
// Blank lines return known=false and inherit the surrounding block.
func classifyLogLine(line string) (isLog, known bool) {
	stripped := strings.TrimSpace(line)
	if stripped == "" {
		return false, false
	}
	if strings.HasPrefix(stripped, "{") && strings.HasSuffix(stripped, "}") {
		return true, true
	}
	if logLineRE.MatchString(stripped) {
		return true, true
	}
	if logPrefixRE.MatchString(stripped) {
		return true, true
	}
	if symbolRatio(stripped) >= 0.35 {
		return true, true
	}
	if looksLikeLogPrefix(stripped) {
		return true, true
	}
	return false, true
}

func symbolRatio(text string) float64 {
	symbols, nonSpace := 0, 0
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		nonSpace++
		if unicode.IsDigit(r) || strings.ContainsRune(logSymbolChars, r) {
			symbols++
		}
	}
	if nonSpace == 0 {
		return 0
	}
	return float64(symbols) / float64(nonSpace)
}

func looksLikeLogPrefix(text string) bool {
	head, _, found := strings.Cut(text, ":")
	if !found {
		return false
	}
	if len(head) < 2 || len(head) > 32 {
		return false
	}
	for _, r := range head {
		if r == '_' || r == '-' {
			continue
		}
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
