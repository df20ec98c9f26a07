// Package loops administers the open-loop list stored in a session's
// checkpoint. Loops live in state.open_loops as compact JSON entries;
// the runtime appends them through notes patches and an operator
// curates them from the CLI.
package loops

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/haasonsaas/spectator/internal/checkpoint"
	"github.com/haasonsaas/spectator/internal/protocol"
)

// Limits for operator-added loops.
const (
	MaxTitleChars   = 200
	MaxDetailsChars = 1000
	MaxTags         = 10
	MaxTagChars     = 32
	MinPriority     = 0
	MaxPriority     = 10
)

// IDPrefix starts every generated loop id.
const IDPrefix = "loop-"

var idRE = regexp.MustCompile(`^loop-(\d+)$`)

var (
	// ErrSessionNotFound reports that the session has no checkpoint.
	ErrSessionNotFound = errors.New("session not found")
	// ErrLoopNotFound reports that no open loop carries the given id.
	ErrLoopNotFound = errors.New("open loop not found")
)

// Entry is one parsed open loop. Entries that are not JSON objects
// surface with a nil ID and the raw string preserved.
type Entry struct {
	ID       *string  `json:"id"`
	Title    string   `json:"title,omitempty"`
	Details  string   `json:"details,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Priority *int     `json:"priority,omitempty"`
	Raw      string   `json:"raw,omitempty"`
}

// AddOptions carries the fields of a new loop. Title is required; the
// rest are omitted from the stored entry when empty.
type AddOptions struct {
	Title    string
	Details  string
	Tags     []string
	Priority *int
}

// List returns the session's open loops, parsed.
func List(store *checkpoint.Store, sessionID string) ([]Entry, error) {
	cp, err := store.Load(sessionID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, err
	}
	return parseAll(cp.State.OpenLoops), nil
}

// Add validates opts, appends a new loop with the next free loop-N id,
// saves the checkpoint, and returns the updated list. A session without
// a checkpoint gets a fresh one.
func Add(store *checkpoint.Store, sessionID string, opts AddOptions) ([]Entry, error) {
	cp, err := store.LoadOrCreate(sessionID)
	if err != nil {
		return nil, err
	}
	entry, err := buildEntry(cp.State.OpenLoops, opts)
	if err != nil {
		return nil, err
	}
	cp.State.OpenLoops = append(cp.State.OpenLoops, entry)
	if err := store.Save(cp); err != nil {
		return nil, err
	}
	return parseAll(cp.State.OpenLoops), nil
}

// Close removes the first loop whose id matches, saves the checkpoint,
// and returns the updated list.
func Close(store *checkpoint.Store, sessionID, loopID string) ([]Entry, error) {
	if loopID == "" {
		return nil, errors.New("loop id must be a non-empty string")
	}
	cp, err := store.Load(sessionID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, err
	}

	remaining := make([]string, 0, len(cp.State.OpenLoops))
	removed := false
	for _, raw := range cp.State.OpenLoops {
		parsed := parseEntry(raw)
		if !removed && parsed.ID != nil && *parsed.ID == loopID {
			removed = true
			continue
		}
		remaining = append(remaining, raw)
	}
	if !removed {
		return nil, fmt.Errorf("%w: %q", ErrLoopNotFound, loopID)
	}
	cp.State.OpenLoops = remaining
	if err := store.Save(cp); err != nil {
		return nil, err
	}
	return parseAll(cp.State.OpenLoops), nil
}

// RunPrompt formats the turn that asks the model to work through the
// given loops and close them via a notes patch.
func RunPrompt(entries []Entry) string {
	lines := []string{
		"Please resolve the following open loops. For each item, do the work and then close it.",
		"Emit a NOTES_JSON block with close_open_loops as a list of loop ids, using the exact markers:",
		protocol.NotesStart,
		`{"close_open_loops":["loop-id"]}`,
		protocol.NotesEnd,
		"",
	}
	for _, entry := range entries {
		id := "unknown"
		if entry.ID != nil && *entry.ID != "" {
			id = *entry.ID
		}
		title := entry.Title
		if title == "" {
			title = entry.Raw
		}
		if title == "" {
			title = "untitled"
		}
		lines = append(lines, fmt.Sprintf("- [%s] %s", id, title))
	}
	return strings.Join(lines, "\n")
}

// loopPayload is the stored shape of a generated entry. Field order is
// the serialization order.
type loopPayload struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Details  string   `json:"details,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Priority *int     `json:"priority,omitempty"`
}

func buildEntry(existing []string, opts AddOptions) (string, error) {
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		return "", errors.New("title must be non-empty")
	}
	if utf8.RuneCountInString(title) > MaxTitleChars {
		return "", errors.New("title too long")
	}
	details := strings.TrimSpace(opts.Details)
	if utf8.RuneCountInString(details) > MaxDetailsChars {
		return "", errors.New("details too long")
	}
	tags, err := cleanTags(opts.Tags)
	if err != nil {
		return "", err
	}
	if opts.Priority != nil && (*opts.Priority < MinPriority || *opts.Priority > MaxPriority) {
		return "", errors.New("priority out of range")
	}

	payload := loopPayload{
		ID:       nextLoopID(existing),
		Title:    title,
		Details:  details,
		Tags:     tags,
		Priority: opts.Priority,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode open loop: %w", err)
	}
	return string(data), nil
}

func cleanTags(tags []string) ([]string, error) {
	if len(tags) > MaxTags {
		return nil, errors.New("too many tags")
	}
	var cleaned []string
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if utf8.RuneCountInString(tag) > MaxTagChars {
			return nil, errors.New("tag too long")
		}
		cleaned = append(cleaned, tag)
	}
	return cleaned, nil
}

// nextLoopID returns loop-(N+1) where N is the highest numbered id in
// use. Entries without a parseable loop-N id are skipped.
func nextLoopID(entries []string) string {
	maxID := 0
	for _, raw := range entries {
		parsed := parseEntry(raw)
		if parsed.ID == nil {
			continue
		}
		match := idRE.FindStringSubmatch(*parsed.ID)
		if match == nil {
			continue
		}
		if n, err := strconv.Atoi(match[1]); err == nil && n > maxID {
			maxID = n
		}
	}
	return fmt.Sprintf("%s%d", IDPrefix, maxID+1)
}

func parseAll(entries []string) []Entry {
	parsed := make([]Entry, 0, len(entries))
	for _, raw := range entries {
		parsed = append(parsed, parseEntry(raw))
	}
	return parsed
}

func parseEntry(raw string) Entry {
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil || payload == nil {
		return Entry{Raw: raw}
	}
	entry := Entry{}
	if id, ok := payload["id"].(string); ok {
		entry.ID = &id
	}
	if title, ok := payload["title"].(string); ok {
		entry.Title = title
	}
	if details, ok := payload["details"].(string); ok {
		entry.Details = details
	}
	if tags, ok := payload["tags"].([]any); ok {
		for _, tag := range tags {
			if s, ok := tag.(string); ok {
				entry.Tags = append(entry.Tags, s)
			}
		}
	}
	if priority, ok := payload["priority"].(float64); ok {
		p := int(priority)
		entry.Priority = &p
	}
	return entry
}
