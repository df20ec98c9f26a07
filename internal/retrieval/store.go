package retrieval

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// Record is one stored memory.
type Record struct {
	ID   string         `json:"id"`
	TS   float64        `json:"ts"`
	Text string         `json:"text"`
	Tags []string       `json:"tags"`
	Meta map[string]any `json:"meta"`
}

// Scored pairs a record with its cosine similarity to a query.
type Scored struct {
	Record Record
	Score  float64
}

// Store keeps records and their vectors in SQLite. Writers are
// serialized; queries scan every vector, which is fine at the scale of
// a session memory.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (or creates) the store at path. An empty path opens an
// in-memory database.
func Open(path string) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open memory database: %w", err)
	}
	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS memory_records (
			id TEXT PRIMARY KEY,
			ts REAL NOT NULL,
			text TEXT NOT NULL,
			tags TEXT NOT NULL,
			meta TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS memory_vectors (
			record_id TEXT PRIMARY KEY,
			dim INTEGER NOT NULL,
			vector BLOB NOT NULL,
			FOREIGN KEY(record_id) REFERENCES memory_records(id)
		);
	`)
	if err != nil {
		return fmt.Errorf("create memory tables: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Add stores records with their vectors, replacing existing rows by
// id. Records with a blank id are assigned one; a zero ts is stamped
// with the current time.
func (s *Store) Add(ctx context.Context, records []Record, vectors [][]float32) error {
	if len(records) != len(vectors) {
		return errors.New("records and vectors length mismatch")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin memory write: %w", err)
	}
	defer tx.Rollback()

	for i, record := range records {
		if record.ID == "" {
			record.ID = uuid.NewString()
		}
		if record.TS == 0 {
			record.TS = float64(time.Now().UnixNano()) / 1e9
		}
		tags, err := json.Marshal(orEmptyTags(record.Tags))
		if err != nil {
			return fmt.Errorf("encode tags for %s: %w", record.ID, err)
		}
		meta, err := json.Marshal(orEmptyMeta(record.Meta))
		if err != nil {
			return fmt.Errorf("encode meta for %s: %w", record.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO memory_records (id, ts, text, tags, meta)
			VALUES (?, ?, ?, ?, ?)
		`, record.ID, record.TS, record.Text, string(tags), string(meta)); err != nil {
			return fmt.Errorf("store record %s: %w", record.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO memory_vectors (record_id, dim, vector)
			VALUES (?, ?, ?)
		`, record.ID, len(vectors[i]), packVector(vectors[i])); err != nil {
			return fmt.Errorf("store vector %s: %w", record.ID, err)
		}
	}
	return tx.Commit()
}

// Query returns the topK records most similar to vector, best first.
// A non-positive topK or a zero query vector returns no results.
func (s *Store) Query(ctx context.Context, vector []float32, topK int) ([]Scored, error) {
	if topK <= 0 {
		return nil, nil
	}
	queryNorm := vectorNorm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.ts, r.text, r.tags, r.meta, v.dim, v.vector
		FROM memory_records r
		JOIN memory_vectors v ON r.id = v.record_id
	`)
	if err != nil {
		return nil, fmt.Errorf("scan memory records: %w", err)
	}
	defer rows.Close()

	var results []Scored
	for rows.Next() {
		var (
			record     Record
			tags, meta string
			dim        int
			blob       []byte
		)
		if err := rows.Scan(&record.ID, &record.TS, &record.Text, &tags, &meta, &dim, &blob); err != nil {
			return nil, fmt.Errorf("read memory record: %w", err)
		}
		if err := json.Unmarshal([]byte(tags), &record.Tags); err != nil {
			return nil, fmt.Errorf("decode tags for %s: %w", record.ID, err)
		}
		if err := json.Unmarshal([]byte(meta), &record.Meta); err != nil {
			return nil, fmt.Errorf("decode meta for %s: %w", record.ID, err)
		}
		stored := unpackVector(blob, dim)
		if len(stored) != len(vector) {
			continue
		}
		results = append(results, Scored{Record: record, Score: cosineSimilarity(vector, stored, queryNorm)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan memory records: %w", err)
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memory_records").Scan(&n); err != nil {
		return 0, fmt.Errorf("count memory records: %w", err)
	}
	return n, nil
}

func packVector(vector []float32) []byte {
	out := make([]byte, 4*len(vector))
	for i, v := range vector {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func unpackVector(blob []byte, dim int) []float32 {
	n := len(blob) / 4
	if dim > 0 && dim < n {
		n = dim
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return out
}

func vectorNorm(vector []float32) float64 {
	var sum float64
	for _, v := range vector {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

func cosineSimilarity(query, stored []float32, queryNorm float64) float64 {
	denom := queryNorm * vectorNorm(stored)
	if denom == 0 {
		return 0
	}
	var dot float64
	for i := range query {
		dot += float64(query[i]) * float64(stored[i])
	}
	return dot / denom
}

func orEmptyTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func orEmptyMeta(meta map[string]any) map[string]any {
	if meta == nil {
		return map[string]any{}
	}
	return meta
}
