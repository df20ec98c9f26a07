package introspect

import (
	"fmt"
	"reflect"
	"strings"
	"testing"
	"unicode/utf8"
)

func chunkTitles(chunks []Chunk) []string {
	titles := make([]string, 0, len(chunks))
	for _, c := range chunks {
		titles = append(titles, c.Title)
	}
	return titles
}

func joinChunkText(chunks []Chunk) string {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(c.Text)
	}
	return b.String()
}

func TestChunkFileHeadings(t *testing.T) {
	text := "intro text\n\n# Intro\nalpha\n\n## Details\nbeta\ngamma\n\n# Appendix\ndelta\n"
	chunks, err := ChunkFile("doc.md", text, StrategyAuto, 1000, 0)
	if err != nil {
		t.Fatalf("ChunkFile: %v", err)
	}
	want := []string{"preamble", "Intro", "Details", "Appendix"}
	if got := chunkTitles(chunks); !reflect.DeepEqual(got, want) {
		t.Fatalf("titles = %v, want %v", got, want)
	}
	for _, c := range chunks {
		if c.Strategy != StrategyHeadings {
			t.Fatalf("chunk %q strategy = %q, want headings", c.Title, c.Strategy)
		}
		if len(c.ID) != 10 {
			t.Fatalf("chunk %q id = %q, want 10 chars", c.Title, c.ID)
		}
	}
	if chunks[1].StartLine != 3 || chunks[1].EndLine != 5 {
		t.Fatalf("Intro span = %d-%d, want 3-5", chunks[1].StartLine, chunks[1].EndLine)
	}
	if got := joinChunkText(chunks); got != text {
		t.Fatalf("joined chunks do not reproduce the input:\n%q", got)
	}
}

func TestChunkFileHeadingsUnderline(t *testing.T) {
	chunks, err := ChunkFile("doc.md", "Overview\n--------\nbody\n", StrategyHeadings, 1000, 0)
	if err != nil {
		t.Fatalf("ChunkFile: %v", err)
	}
	if want := []string{"Overview"}; !reflect.DeepEqual(chunkTitles(chunks), want) {
		t.Fatalf("titles = %v, want %v", chunkTitles(chunks), want)
	}
	if chunks[0].StartLine != 1 || chunks[0].EndLine != 3 {
		t.Fatalf("span = %d-%d, want 1-3", chunks[0].StartLine, chunks[0].EndLine)
	}
}

func TestChunkFileHeadingsWithoutHeadings(t *testing.T) {
	chunks, err := ChunkFile("doc.md", "just prose\nmore prose\n", StrategyHeadings, 1000, 0)
	if err != nil {
		t.Fatalf("ChunkFile: %v", err)
	}
	if len(chunks) != 1 || chunks[0].Title != "document" {
		t.Fatalf("chunks = %+v, want one document chunk", chunks)
	}
}

func TestChunkFileCode(t *testing.T) {
	src := "package demo\n\nimport \"fmt\"\n\nfunc foo() {\n\tfmt.Println(\"hi\")\n}\n\ntype Bar struct {\n\tN int\n}\n\nfunc qux() {}\n"
	chunks, err := ChunkFile("demo.go", src, StrategyAuto, 1000, 0)
	if err != nil {
		t.Fatalf("ChunkFile: %v", err)
	}
	want := []string{"header", "func foo", "type Bar", "func qux"}
	if got := chunkTitles(chunks); !reflect.DeepEqual(got, want) {
		t.Fatalf("titles = %v, want %v", got, want)
	}
	if chunks[1].StartLine != 5 || chunks[1].EndLine != 8 {
		t.Fatalf("func foo span = %d-%d, want 5-8", chunks[1].StartLine, chunks[1].EndLine)
	}
	if got := joinChunkText(chunks); got != src {
		t.Fatalf("joined chunks do not reproduce the source:\n%q", got)
	}
}

func TestDeclTitle(t *testing.T) {
	cases := []struct {
		line, want string
	}{
		{"func foo() {", "func foo"},
		{"func (b *Bar) Reset() error {", "func Reset"},
		{"type Baz struct {", "type Baz"},
		{"const maxSize = 10", "const maxSize"},
		{"const (", "const"},
		{"var retries int", "var retries"},
		{"var (", "var"},
	}
	for _, tc := range cases {
		if got := declTitle(tc.line); got != tc.want {
			t.Errorf("declTitle(%q) = %q, want %q", tc.line, got, tc.want)
		}
	}
}

func TestChunkFileCodeOversizeSplitsIntoParts(t *testing.T) {
	var b strings.Builder
	b.WriteString("package demo\n\nfunc big() {\n")
	for i := 0; i < 40; i++ {
		fmt.Fprintf(&b, "\tline%02d := %d\n", i, i)
	}
	b.WriteString("}\n")

	chunks, err := ChunkFile("big.go", b.String(), StrategyCode, 120, 0)
	if err != nil {
		t.Fatalf("ChunkFile: %v", err)
	}
	if chunks[0].Title != "header" {
		t.Fatalf("first title = %q, want header", chunks[0].Title)
	}
	parts := chunks[1:]
	if len(parts) < 2 {
		t.Fatalf("expected func big to split, got %d chunks", len(parts))
	}
	for _, c := range parts {
		if !strings.HasPrefix(c.Title, "func big (part ") {
			t.Fatalf("part title = %q", c.Title)
		}
		if utf8.RuneCountInString(c.Text) > 120 {
			t.Fatalf("part %q exceeds budget: %d chars", c.Title, utf8.RuneCountInString(c.Text))
		}
	}
	if !strings.HasPrefix(parts[0].Title, fmt.Sprintf("func big (part 1/%d", len(parts))) {
		t.Fatalf("first part title = %q", parts[0].Title)
	}
}

func TestChunkFileLogBlocksAndTail(t *testing.T) {
	lines := []string{
		"2024-01-01 10:00:00 INFO boot sequence started",
		"2024-01-01 10:00:01 INFO cache warmed",
		"We should revisit the rollout plan",
		"The second attempt felt smoother",
	}
	for i := 0; i < 200; i++ {
		lines = append(lines, fmt.Sprintf("tail content %03d", i))
	}
	text := strings.Join(lines, "\n") + "\n"

	chunks, err := ChunkFile("app.log", text, StrategyAuto, 40000, 0)
	if err != nil {
		t.Fatalf("ChunkFile: %v", err)
	}
	want := []string{"log block 1", "non-log block 1", "tail"}
	if got := chunkTitles(chunks); !reflect.DeepEqual(got, want) {
		t.Fatalf("titles = %v, want %v", got, want)
	}
	for _, c := range chunks {
		if c.Strategy != StrategyLog {
			t.Fatalf("chunk %q strategy = %q, want log", c.Title, c.Strategy)
		}
	}
	if chunks[0].StartLine != 1 || chunks[0].EndLine != 2 {
		t.Fatalf("log block span = %d-%d, want 1-2", chunks[0].StartLine, chunks[0].EndLine)
	}
	if chunks[2].StartLine != 5 || chunks[2].EndLine != 204 {
		t.Fatalf("tail span = %d-%d, want 5-204", chunks[2].StartLine, chunks[2].EndLine)
	}
}

func TestChunkFileLogShortFileIsAllTail(t *testing.T) {
	chunks, err := ChunkFile("short.log", "alpha\nbeta\ngamma\n", StrategyLog, 1000, 0)
	if err != nil {
		t.Fatalf("ChunkFile: %v", err)
	}
	if len(chunks) != 1 || chunks[0].Title != "tail" {
		t.Fatalf("chunks = %+v, want a single tail chunk", chunks)
	}
	if chunks[0].StartLine != 1 || chunks[0].EndLine != 3 {
		t.Fatalf("tail span = %d-%d, want 1-3", chunks[0].StartLine, chunks[0].EndLine)
	}
}

func TestChunkFileFixedOverlap(t *testing.T) {
	text := "l1aa\nl2bb\nl3cc\nl4dd\n"
	chunks, err := ChunkFile("x.bin", text, StrategyFixed, 10, 5)
	if err != nil {
		t.Fatalf("ChunkFile: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	spans := [][2]int{{1, 2}, {2, 3}, {3, 4}}
	for i, c := range chunks {
		if c.StartLine != spans[i][0] || c.EndLine != spans[i][1] {
			t.Fatalf("chunk %d span = %d-%d, want %d-%d", i, c.StartLine, c.EndLine, spans[i][0], spans[i][1])
		}
	}
	if !strings.HasPrefix(chunks[1].Text, "l2bb") {
		t.Fatalf("second chunk should start with the overlap line, got %q", chunks[1].Text)
	}
}

func TestChunkFileFixedSplitsLongLine(t *testing.T) {
	chunks, err := ChunkFile("x.bin", strings.Repeat("x", 25), StrategyFixed, 10, 0)
	if err != nil {
		t.Fatalf("ChunkFile: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	for i, c := range chunks {
		if c.StartLine != 1 || c.EndLine != 1 {
			t.Fatalf("chunk %d span = %d-%d, want 1-1", i, c.StartLine, c.EndLine)
		}
	}
	if got := len(chunks[2].Text); got != 5 {
		t.Fatalf("last segment length = %d, want 5", got)
	}
}

func TestChunkFileStableIDs(t *testing.T) {
	text := "one\ntwo\nthree\n"
	first, err := ChunkFile("blob.bin", text, StrategyAuto, 1000, 0)
	if err != nil {
		t.Fatalf("ChunkFile: %v", err)
	}
	second, err := ChunkFile("blob.bin", text, StrategyAuto, 1000, 0)
	if err != nil {
		t.Fatalf("ChunkFile: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("chunking is not deterministic:\n%+v\n%+v", first, second)
	}
	if first[0].Strategy != StrategyFixed {
		t.Fatalf("strategy = %q, want fixed for unknown extension", first[0].Strategy)
	}
}

func TestResolveStrategyByExtension(t *testing.T) {
	cases := []struct {
		path, strategy, want string
	}{
		{"notes.txt", "", StrategyLog},
		{"trace.jsonl", "", StrategyLog},
		{"app.LOG", "", StrategyLog},
		{"README.md", "", StrategyHeadings},
		{"guide.rst", "", StrategyHeadings},
		{"main.go", "", StrategyCode},
		{"blob.bin", "", StrategyFixed},
		{"README.md", StrategyFixed, StrategyFixed},
		{"blob.bin", "LOG", StrategyLog},
	}
	for _, tc := range cases {
		if got := resolveStrategy(tc.path, tc.strategy); got != tc.want {
			t.Errorf("resolveStrategy(%q, %q) = %q, want %q", tc.path, tc.strategy, got, tc.want)
		}
	}
}

func TestChunkFileNormalizesNewlines(t *testing.T) {
	chunks, err := ChunkFile("x.bin", "a\r\nb\rc\n", StrategyFixed, 1000, 0)
	if err != nil {
		t.Fatalf("ChunkFile: %v", err)
	}
	if got := joinChunkText(chunks); got != "a\nb\nc\n" {
		t.Fatalf("normalized text = %q", got)
	}
}

func TestChunkFileErrors(t *testing.T) {
	if _, err := ChunkFile("a.txt", "hi", StrategyAuto, 0, 0); err == nil || !strings.Contains(err.Error(), "max_chars must be positive") {
		t.Fatalf("zero budget error = %v", err)
	}
	if _, err := ChunkFile("a.txt", "hi", "bogus", 100, 0); err == nil || !strings.Contains(err.Error(), `unknown chunking strategy "bogus"`) {
		t.Fatalf("unknown strategy error = %v", err)
	}
	chunks, err := ChunkFile("a.txt", "", StrategyAuto, 100, 0)
	if err != nil || chunks != nil {
		t.Fatalf("empty text: chunks=%v err=%v, want nil/nil", chunks, err)
	}
}
