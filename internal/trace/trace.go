// Package trace writes and reads the append-only JSONL evidence files
// produced by every turn. Files are never rewritten; a turn's trace is
// complete the moment the turn ends.
package trace

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"encoding/json"

	"github.com/haasonsaas/spectator/pkg/models"
)

// ParseErrorKind marks lines a tolerant read could not parse. It is
// synthesized by readers and never written to disk.
const ParseErrorKind models.EventKind = "trace_parse_error"

// FileName builds the trace filename for one run of a session.
func FileName(sessionID, runID string) string {
	return sessionID + "__" + runID + ".jsonl"
}

// RunID names a run after the revision it will produce.
func RunID(nextRevision int) string {
	return fmt.Sprintf("rev-%d", nextRevision)
}

// SessionFromFileName recovers the session id from a trace filename.
func SessionFromFileName(name string) (string, bool) {
	base := strings.TrimSuffix(filepath.Base(name), ".jsonl")
	session, _, found := strings.Cut(base, "__")
	if !found || session == "" {
		return "", false
	}
	return session, true
}

// Observer receives every event appended through a Writer. Used to
// feed metric counters without coupling the writer to them.
type Observer func(kind models.EventKind, data map[string]any)

// Writer appends events to one trace file, one JSON object per line.
// Safe for concurrent use.
type Writer struct {
	mu      sync.Mutex
	f       *os.File
	path    string
	observe Observer
}

// NewWriter opens (creating parents as needed) the trace file for
// appending.
func NewWriter(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create trace directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	return &Writer{f: f, path: path}, nil
}

// Path returns the file this writer appends to.
func (w *Writer) Path() string {
	return w.path
}

// SetObserver installs a callback invoked for each appended event.
func (w *Writer) SetObserver(fn Observer) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.observe = fn
}

// Emit appends one event stamped with the current time.
func (w *Writer) Emit(kind models.EventKind, data map[string]any) error {
	return w.EmitAt(float64(time.Now().UnixNano())/1e9, kind, data)
}

// EmitAt is Emit with an explicit timestamp, for tests.
func (w *Writer) EmitAt(ts float64, kind models.EventKind, data map[string]any) error {
	if data == nil {
		data = map[string]any{}
	}
	line := models.CompactJSON(models.TraceEvent{TS: ts, Kind: kind, Data: data})

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("append trace event: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("sync trace file: %w", err)
	}
	if w.observe != nil {
		w.observe(kind, data)
	}
	return nil
}

// Close releases the file handle.
func (w *Writer) Close() error {
	return w.f.Close()
}

// ReadFile parses a trace strictly; the first malformed line fails the
// whole read.
func ReadFile(path string) ([]models.TraceEvent, error) {
	return read(path, false)
}

// ReadFileTolerant parses a trace, converting malformed lines into
// synthetic ParseErrorKind events carrying the line number and a
// prefix of the raw text.
func ReadFileTolerant(path string) ([]models.TraceEvent, error) {
	return read(path, true)
}

func read(path string, tolerant bool) ([]models.TraceEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	defer f.Close()

	var events []models.TraceEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev models.TraceEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			if !tolerant {
				return nil, fmt.Errorf("invalid JSON on line %d: %w", lineNo, err)
			}
			raw := line
			if len(raw) > 200 {
				raw = raw[:200]
			}
			events = append(events, models.TraceEvent{
				Kind: ParseErrorKind,
				Data: map[string]any{"line": lineNo, "raw": raw},
			})
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read trace file: %w", err)
	}
	return events, nil
}
