// Package semantic stores long-term user memory as an append-only fact log
// in SQLite with an in-memory vector index rebuilt on startup.
package semantic

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hearthd/hearth/internal/fault"
)

// Record is one stored fact with its embedding.
type Record struct {
	ID            uuid.UUID
	UserID        string
	Fact          string
	Vector        []float32
	SourceSession string
	SourceSeq     int64
	CreatedAt     time.Time
}

// Match pairs a record with its similarity to a query vector.
type Match struct {
	Record Record
	Score  float64
}

// Stats summarizes one user's slice of the index.
type Stats struct {
	RecordCount int   `json:"recordCount"`
	IndexBytes  int64 `json:"indexBytes"`
}

// Index owns the fact log table and the in-memory per-user vectors.
// Reads scan memory only; writes go to SQLite first, then memory.
type Index struct {
	db     *sql.DB
	mu     sync.RWMutex
	byUser map[string][]Record
}

// NewIndex prepares the schema on a shared database handle and loads the
// surviving log into memory.
func NewIndex(db *sql.DB) (*Index, error) {
	if db == nil {
		return nil, fmt.Errorf("semantic index: nil db")
	}
	idx := &Index{db: db, byUser: make(map[string][]Record)}
	if err := idx.initSchema(); err != nil {
		return nil, err
	}
	if err := idx.Rebuild(context.Background()); err != nil {
		return nil, err
	}
	return idx, nil
}

func (idx *Index) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS semantic_facts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			fact TEXT NOT NULL,
			vector BLOB NOT NULL,
			source_session TEXT NOT NULL DEFAULT '',
			source_seq INTEGER NOT NULL DEFAULT 0,
			deleted INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_facts_user ON semantic_facts(user_id, deleted)`,
	}
	for _, stmt := range stmts {
		if _, err := idx.db.Exec(stmt); err != nil {
			return &fault.StorageError{Op: "semantic init schema", Err: err}
		}
	}
	return nil
}

// Insert appends a fact to the log and publishes it to the index. The
// caller is responsible for dedup; Insert stores whatever it is given.
func (idx *Index) Insert(ctx context.Context, userID, fact string, vector []float32, sourceSession string, sourceSeq int64) (Record, error) {
	fact = strings.TrimSpace(fact)
	if userID == "" || fact == "" {
		return Record{}, fmt.Errorf("semantic insert: empty user or fact")
	}
	blob, err := EncodeVector(vector)
	if err != nil {
		return Record{}, fmt.Errorf("semantic insert: %w", err)
	}

	rec := Record{
		ID:            uuid.New(),
		UserID:        userID,
		Fact:          fact,
		Vector:        append([]float32(nil), vector...),
		SourceSession: sourceSession,
		SourceSeq:     sourceSeq,
		CreatedAt:     time.Now().UTC(),
	}

	_, err = idx.db.ExecContext(ctx, `
		INSERT INTO semantic_facts (id, user_id, fact, vector, source_session, source_seq, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.ID.String(), rec.UserID, rec.Fact, blob, rec.SourceSession, rec.SourceSeq, rec.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return Record{}, &fault.StorageError{Op: "semantic insert", Err: err}
	}

	idx.mu.Lock()
	idx.byUser[userID] = append(idx.byUser[userID], rec)
	idx.mu.Unlock()
	return rec, nil
}

// Search returns the top-k records for one user ordered by descending
// cosine similarity. Records of other users are never considered.
func (idx *Index) Search(userID string, vector []float32, k int) ([]Match, error) {
	if k <= 0 {
		k = 5
	}

	idx.mu.RLock()
	records := idx.byUser[userID]
	matches := make([]Match, 0, len(records))
	for _, rec := range records {
		score, err := CosineSimilarity(vector, rec.Vector)
		if err != nil {
			idx.mu.RUnlock()
			return nil, fmt.Errorf("semantic search: %w", err)
		}
		matches = append(matches, Match{Record: rec, Score: score})
	}
	idx.mu.RUnlock()

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Delete marks a record deleted in the log and drops it from the index.
func (idx *Index) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := idx.db.ExecContext(ctx, `UPDATE semantic_facts SET deleted = 1 WHERE id = ? AND deleted = 0`, id.String())
	if err != nil {
		return &fault.StorageError{Op: "semantic delete", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return &fault.StorageError{Op: "semantic delete", Err: err}
	}
	if affected == 0 {
		return fmt.Errorf("semantic delete %s: %w", id, fault.ErrNotFound)
	}

	idx.mu.Lock()
	for userID, records := range idx.byUser {
		for i, rec := range records {
			if rec.ID == id {
				idx.byUser[userID] = append(records[:i], records[i+1:]...)
				break
			}
		}
	}
	idx.mu.Unlock()
	return nil
}

// ClearUser removes every fact for one user. Idempotent.
func (idx *Index) ClearUser(ctx context.Context, userID string) error {
	if _, err := idx.db.ExecContext(ctx, `DELETE FROM semantic_facts WHERE user_id = ?`, userID); err != nil {
		return &fault.StorageError{Op: "semantic clear user", Err: err}
	}
	idx.mu.Lock()
	delete(idx.byUser, userID)
	idx.mu.Unlock()
	return nil
}

// ClearAll wipes the log and the index for every user.
func (idx *Index) ClearAll(ctx context.Context) error {
	if _, err := idx.db.ExecContext(ctx, `DELETE FROM semantic_facts`); err != nil {
		return &fault.StorageError{Op: "semantic clear all", Err: err}
	}
	idx.mu.Lock()
	idx.byUser = make(map[string][]Record)
	idx.mu.Unlock()
	return nil
}

// Rebuild reloads the in-memory index from the fact log, skipping rows
// whose vectors no longer decode instead of failing the whole load.
func (idx *Index) Rebuild(ctx context.Context) error {
	rows, err := idx.db.QueryContext(ctx, `
		SELECT id, user_id, fact, vector, source_session, source_seq, created_at
		FROM semantic_facts
		WHERE deleted = 0
		ORDER BY created_at ASC
	`)
	if err != nil {
		return &fault.StorageError{Op: "semantic rebuild", Err: err}
	}
	defer rows.Close()

	fresh := make(map[string][]Record)
	skipped := 0
	for rows.Next() {
		var (
			rawID, userID, fact, sourceSession, createdAt string
			blob                                          []byte
			sourceSeq                                     int64
		)
		if err := rows.Scan(&rawID, &userID, &fact, &blob, &sourceSession, &sourceSeq, &createdAt); err != nil {
			return &fault.StorageError{Op: "semantic rebuild scan", Err: err}
		}

		id, err := uuid.Parse(rawID)
		if err != nil {
			skipped++
			continue
		}
		vector, err := DecodeVector(blob)
		if err != nil {
			skipped++
			continue
		}

		fresh[userID] = append(fresh[userID], Record{
			ID:            id,
			UserID:        userID,
			Fact:          fact,
			Vector:        vector,
			SourceSession: sourceSession,
			SourceSeq:     sourceSeq,
			CreatedAt:     parseStoredTime(createdAt),
		})
	}
	if err := rows.Err(); err != nil {
		return &fault.StorageError{Op: "semantic rebuild iterate", Err: err}
	}
	if skipped > 0 {
		log.Printf("[semantic] rebuild skipped %d corrupt rows", skipped)
	}

	idx.mu.Lock()
	idx.byUser = fresh
	idx.mu.Unlock()
	return nil
}

// UserStats reports record count and the approximate in-memory footprint
// of one user's vectors.
func (idx *Index) UserStats(userID string) Stats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var bytes int64
	records := idx.byUser[userID]
	for _, rec := range records {
		bytes += int64(len(rec.Fact)) + int64(len(rec.Vector))*float32Size
	}
	return Stats{RecordCount: len(records), IndexBytes: bytes}
}

// Count returns the total number of live records across all users.
func (idx *Index) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	total := 0
	for _, records := range idx.byUser {
		total += len(records)
	}
	return total
}

func parseStoredTime(value string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return time.Time{}
}
