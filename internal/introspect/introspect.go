// Package introspect lets the runtime examine its own repository:
// listing files, tailing them, and summarizing them through a
// governor-only pipeline armed with the read-only tool registry. Large
// files are split by the chunker and summarized map-reduce style.
package introspect

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/spectator/internal/backend"
	"github.com/haasonsaas/spectator/internal/pipeline"
	"github.com/haasonsaas/spectator/internal/prompts"
	"github.com/haasonsaas/spectator/internal/tools"
	"github.com/haasonsaas/spectator/internal/trace"
	"github.com/haasonsaas/spectator/pkg/models"
)

const (
	// MaxFileBytes caps how much of a file the tail reader loads.
	MaxFileBytes = 1_000_000
	// DefaultTailLines is the tail size when the caller does not pick one.
	DefaultTailLines = 200
	// DefaultListLimit bounds a repo listing.
	DefaultListLimit = 500
	// DefaultSummarizeMaxChars is the chunk budget for summarization.
	DefaultSummarizeMaxChars = 40000
)

// EnvRepoRoot overrides the repository root for introspection.
const EnvRepoRoot = "REPO_ROOT"

// ErrNotFile rejects tail reads of directories and special files.
var ErrNotFile = errors.New("path is not a file")

// ErrEscapesRepo rejects paths resolving outside the repo root.
var ErrEscapesRepo = errors.New("path escapes repo root")

// ResolveRepoRoot returns the repository root: REPO_ROOT when set,
// otherwise the working directory.
func ResolveRepoRoot() (string, error) {
	if root := os.Getenv(EnvRepoRoot); root != "" {
		return filepath.Abs(root)
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Abs(wd)
}

// ListRepoFiles returns up to limit file paths under prefix, relative
// to the repo root and sorted. A file prefix lists just that file.
func ListRepoFiles(repoRoot, prefix string, limit int) ([]string, error) {
	if prefix == "" {
		prefix = "."
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	target, err := resolveUnderRepo(repoRoot, prefix)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(target)
	if err != nil {
		return nil, err
	}
	if info.Mode().IsRegular() {
		rel, err := filepath.Rel(repoRoot, target)
		if err != nil {
			return nil, err
		}
		return []string{rel}, nil
	}

	var results []string
	err = filepath.WalkDir(target, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(repoRoot, path)
		if err != nil {
			return err
		}
		results = append(results, rel)
		if len(results) >= limit {
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(results)
	return results, nil
}

// ReadRepoFileTail returns the last maxLines lines of a file, loading
// at most MaxFileBytes from its end.
func ReadRepoFileTail(repoRoot, path string, maxLines int) (string, error) {
	target, err := resolveUnderRepo(repoRoot, path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(target)
	if err != nil || !info.Mode().IsRegular() {
		return "", ErrNotFile
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return "", err
	}
	if len(data) > MaxFileBytes {
		data = data[len(data)-MaxFileBytes:]
	}
	if maxLines <= 0 {
		return "", nil
	}
	text := strings.ToValidUTF8(string(data), "�")
	lines := splitLines(text)
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return strings.Join(lines, "\n"), nil
}

// SummarizeOptions tunes SummarizeRepoFile.
type SummarizeOptions struct {
	// DataRoot receives the introspection trace. Required.
	DataRoot string
	// Backend completes the summarization prompts. Required.
	Backend backend.Backend
	// TailLines bounds the tail passed to the model; zero means
	// DefaultTailLines.
	TailLines int
	// Instruction replaces the default summarization task.
	Instruction string
	// Chunking picks the split strategy for oversized files; empty
	// means StrategyAuto.
	Chunking string
	// MaxChars is the per-chunk budget; zero means
	// DefaultSummarizeMaxChars.
	MaxChars int
	Logger   *slog.Logger
}

// Summary is the result of summarizing one file.
type Summary struct {
	Summary   string `json:"summary"`
	TraceFile string `json:"trace_file"`
	TailLines int    `json:"tail_lines"`
	Path      string `json:"path"`
	Chunks    int    `json:"chunks,omitempty"`
}

const promptHeader = "You are in introspection mode. You may use tools to read files under the repo root.\n" +
	"Available tools: fs.read_text, fs.list_dir, system.time.\n"

// SummarizeRepoFile tails a file, splits the tail with the chunker, and
// summarizes it map-reduce style through a governor-only pipeline: each
// chunk on its own, then the chunk summaries combined. Log-strategy
// files keep machine output and trailing conversation apart, reducing
// each side into its own section. All passes share one trace file under
// the introspect session.
func SummarizeRepoFile(ctx context.Context, repoRoot, path string, opts SummarizeOptions) (*Summary, error) {
	if opts.Backend == nil {
		return nil, errors.New("summarize requires a backend")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tailLines := opts.TailLines
	if tailLines <= 0 {
		tailLines = DefaultTailLines
	}
	maxChars := opts.MaxChars
	if maxChars <= 0 {
		maxChars = DefaultSummarizeMaxChars
	}
	instruction := opts.Instruction
	if instruction == "" {
		instruction = "Summarize the file contents."
	}

	tail, err := ReadRepoFileTail(repoRoot, path, tailLines)
	if err != nil {
		return nil, err
	}
	chunks, err := ChunkFile(path, tail, opts.Chunking, maxChars, 0)
	if err != nil {
		return nil, err
	}

	runID := time.Now().UTC().Format("20060102-150405")
	tracer, err := trace.NewWriter(filepath.Join(opts.DataRoot, "traces", trace.FileName("introspect", runID)))
	if err != nil {
		return nil, err
	}
	defer tracer.Close()

	run := summarizeRun{
		backend:  opts.Backend,
		executor: tools.NewReadonlyExecutor(repoRoot, logger),
		tracer:   tracer,
		logger:   logger,
		cp:       models.NewCheckpoint("introspect"),
	}

	result := &Summary{
		TraceFile: filepath.Base(tracer.Path()),
		TailLines: tailLines,
		Path:      path,
		Chunks:    len(chunks),
	}

	if len(chunks) == 0 {
		prompt := promptHeader +
			fmt.Sprintf("File: %s\n", path) +
			fmt.Sprintf("Tail (%d lines):\n", tailLines) +
			tail + "\n\n" +
			"Task: " + instruction
		summary, err := run.complete(ctx, prompt)
		if err != nil {
			return nil, err
		}
		result.Summary = summary
		return result, nil
	}

	if chunks[0].Strategy == StrategyLog {
		var logChunks, tailChunks []Chunk
		for _, chunk := range chunks {
			if strings.HasPrefix(chunk.Title, "log ") {
				logChunks = append(logChunks, chunk)
			} else {
				tailChunks = append(tailChunks, chunk)
			}
		}
		logSummary := "(no log content)"
		if len(logChunks) > 0 {
			logSummary, err = run.mapReduce(ctx, path, logChunks, "Combine the log chunk summaries. "+instruction)
			if err != nil {
				return nil, err
			}
		}
		tailSummary := "(no non-log content)"
		if len(tailChunks) > 0 {
			tailSummary, err = run.mapReduce(ctx, path, tailChunks, "Combine the non-log chunk summaries. "+instruction)
			if err != nil {
				return nil, err
			}
		}
		result.Summary = "**Log Summary**\n" + logSummary +
			"\n\n**Non-log Tail**\n" + tailSummary +
			fmt.Sprintf("\n\nChunks: %d", len(chunks))
		return result, nil
	}

	combined, err := run.mapReduce(ctx, path, chunks, instruction)
	if err != nil {
		return nil, err
	}
	result.Summary = combined + fmt.Sprintf("\n\nChunks: %d", len(chunks))
	return result, nil
}

// summarizeRun holds the collaborators shared by every pipeline pass of
// one summarization.
type summarizeRun struct {
	backend  backend.Backend
	executor *tools.Executor
	tracer   *trace.Writer
	logger   *slog.Logger
	cp       *models.Checkpoint
}

func (r summarizeRun) complete(ctx context.Context, prompt string) (string, error) {
	governorPrompt, err := prompts.Role(pipeline.RoleGovernor)
	if err != nil {
		return "", err
	}
	final, _, err := pipeline.Run(ctx, r.cp, prompt, pipeline.Config{
		Roles:    []pipeline.RoleSpec{{Name: pipeline.RoleGovernor, SystemPrompt: governorPrompt}},
		Backend:  r.backend,
		Executor: r.executor,
		Tracer:   r.tracer,
		Logger:   r.logger,
	})
	return final, err
}

// mapReduce summarizes each chunk on its own, then combines the chunk
// summaries in a final pass driven by task.
func (r summarizeRun) mapReduce(ctx context.Context, path string, chunks []Chunk, task string) (string, error) {
	partials := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		prompt := promptHeader +
			fmt.Sprintf("File: %s\n", path) +
			fmt.Sprintf("Chunk %d/%d: %s (lines %d-%d)\n", i+1, len(chunks), chunk.Title, chunk.StartLine, chunk.EndLine) +
			chunk.Text + "\n\n" +
			"Task: Summarize this chunk."
		partial, err := r.complete(ctx, prompt)
		if err != nil {
			return "", fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), err)
		}
		partials = append(partials, fmt.Sprintf("[%d] %s: %s", i+1, chunk.Title, partial))
	}
	prompt := promptHeader +
		fmt.Sprintf("File: %s\n", path) +
		fmt.Sprintf("Chunk summaries (%d chunks):\n", len(chunks)) +
		strings.Join(partials, "\n") + "\n\n" +
		"Task: " + task
	return r.complete(ctx, prompt)
}

// resolveUnderRepo resolves path against the repo root. Absolute paths
// are allowed as long as they stay inside the root.
func resolveUnderRepo(repoRoot, path string) (string, error) {
	if path == "" {
		return "", errors.New("path must be a non-empty string")
	}
	root, err := filepath.Abs(repoRoot)
	if err != nil {
		return "", err
	}
	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(root, resolved)
	}
	resolved = filepath.Clean(resolved)
	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrEscapesRepo
	}
	return resolved, nil
}

// splitLines splits on newlines without keeping a trailing empty line.
func splitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
