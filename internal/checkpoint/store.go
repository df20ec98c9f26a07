// Package checkpoint persists session snapshots as JSON files, one per
// session. Saves are atomic (tmp file, fsync, rename) and loads are
// validated against an embedded schema so a corrupt or hand-mangled
// file fails loudly instead of seeding a turn with garbage.
package checkpoint

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/spectator/pkg/models"
)

//go:embed schema.json
var schemaJSON string

var checkpointSchema = jsonschema.MustCompileString("checkpoint-schema.json", schemaJSON)

// ErrNotFound reports that a session has no checkpoint on disk.
var ErrNotFound = errors.New("checkpoint not found")

// Store reads and writes checkpoints under a single directory.
type Store struct {
	dir string
}

// NewStore returns a store rooted at dir. The directory is created on
// first save.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Path returns the checkpoint file for a session.
func (s *Store) Path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".json")
}

// Load reads and validates a session's checkpoint.
func (s *Store) Load(sessionID string) (*models.Checkpoint, error) {
	path := s.Path(sessionID)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: session %q", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", path, err)
	}

	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("checkpoint %s is not valid JSON: %w", path, err)
	}
	if err := checkpointSchema.Validate(raw); err != nil {
		return nil, fmt.Errorf("checkpoint %s failed validation: %w", path, err)
	}

	var cp models.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", path, err)
	}
	return &cp, nil
}

// LoadOrCreate loads the session's checkpoint or returns a fresh
// revision-zero one when none exists.
func (s *Store) LoadOrCreate(sessionID string) (*models.Checkpoint, error) {
	cp, err := s.Load(sessionID)
	if errors.Is(err, ErrNotFound) {
		return models.NewCheckpoint(sessionID), nil
	}
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// Save bumps the revision, refreshes the timestamp, and writes the
// checkpoint atomically.
func (s *Store) Save(cp *models.Checkpoint) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint directory: %w", err)
	}

	cp.Revision++
	cp.UpdatedTS = float64(time.Now().UnixNano()) / 1e9
	cp.State.Normalize()
	if cp.RecentMessages == nil {
		cp.RecentMessages = []models.ChatMessage{}
	}
	if cp.TraceTail == nil {
		cp.TraceTail = []string{}
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	path := s.Path(cp.SessionID)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create checkpoint temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close checkpoint temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	return nil
}
