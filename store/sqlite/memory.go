package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	cortex "github.com/SerjRs/cortex"
)

// MemoryStoreOption configures a SQLite MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithMemoryLogger sets a structured logger for the memory store.
func WithMemoryLogger(l *slog.Logger) MemoryStoreOption {
	return func(s *MemoryStore) { s.logger = l }
}

// MemoryStore implements cortex.MemoryStore backed by SQLite: a flat hot
// facts table and a cold pair (metadata table + embedding table) joined on a
// shared rowid. Embeddings are stored as JSON text; similarity search is
// in-process brute-force cosine.
//
// Use NewMemoryStore with a shared *sql.DB from Store.DB() so both stores
// serialize through the same connection.
//
// Its schema is created only by Init — when the hippocampus is disabled,
// Init is never called and the tables must not exist.
type MemoryStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ cortex.MemoryStore = (*MemoryStore)(nil)

// NewMemoryStore creates a MemoryStore over an existing *sql.DB.
func NewMemoryStore(db *sql.DB, opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates the hot and cold tables.
func (s *MemoryStore) Init(ctx context.Context) error {
	start := time.Now()
	tables := []string{
		`CREATE TABLE IF NOT EXISTS hot_facts (
			id TEXT PRIMARY KEY,
			text TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			last_accessed_at INTEGER NOT NULL,
			hit_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS cold_facts (
			rowid INTEGER PRIMARY KEY,
			text TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			archived_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cold_vectors (
			rowid INTEGER PRIMARY KEY,
			embedding TEXT NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create memory table: %w", err)
		}
	}
	s.logger.Info("sqlite: memory init completed", "duration", time.Since(start))
	return nil
}

// --- Hot facts ---

// InsertHotFact adds a fact with zero hits and a fresh access stamp.
func (s *MemoryStore) InsertHotFact(ctx context.Context, text string) (string, error) {
	id := cortex.NewID()
	now := cortex.NowUnix()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO hot_facts (id, text, created_at, last_accessed_at, hit_count) VALUES (?, ?, ?, ?, 0)`,
		id, text, now, now)
	if err != nil {
		s.logger.Error("sqlite: insert hot fact failed", "error", err)
		return "", fmt.Errorf("insert hot fact: %w", err)
	}
	s.logger.Debug("sqlite: hot fact inserted", "id", id)
	return id, nil
}

// TopFacts returns hot facts ordered by (hit_count desc, last_accessed desc).
func (s *MemoryStore) TopFacts(ctx context.Context, limit int) ([]cortex.HotFact, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, text, created_at, last_accessed_at, hit_count FROM hot_facts
		 ORDER BY hit_count DESC, last_accessed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("top facts: %w", err)
	}
	defer rows.Close()
	return collectHotFacts(rows)
}

// TouchFact bumps hit-count and refreshes last-accessed. The feedback loop
// that keeps useful facts hot.
func (s *MemoryStore) TouchFact(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE hot_facts SET hit_count = hit_count + 1, last_accessed_at = ? WHERE id = ?`,
		cortex.NowUnix(), id)
	if err != nil {
		return fmt.Errorf("touch fact %s: %w", id, err)
	}
	return nil
}

// MatchHotFacts returns hot facts whose text contains the query, best-ranked
// first.
func (s *MemoryStore) MatchHotFacts(ctx context.Context, query string, limit int) ([]cortex.HotFact, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, text, created_at, last_accessed_at, hit_count FROM hot_facts
		 WHERE text LIKE ? ORDER BY hit_count DESC, last_accessed_at DESC LIMIT ?`,
		"%"+query+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("match hot facts: %w", err)
	}
	defer rows.Close()
	return collectHotFacts(rows)
}

// StaleFacts returns eviction candidates: last accessed before the cutoff
// and hit-count at or under maxHits.
func (s *MemoryStore) StaleFacts(ctx context.Context, olderThanDays, maxHits int) ([]cortex.HotFact, error) {
	cutoff := cortex.NowUnix() - int64(olderThanDays)*86400
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, text, created_at, last_accessed_at, hit_count FROM hot_facts
		 WHERE last_accessed_at < ? AND hit_count <= ? ORDER BY last_accessed_at ASC`,
		cutoff, maxHits)
	if err != nil {
		return nil, fmt.Errorf("stale facts: %w", err)
	}
	defer rows.Close()
	return collectHotFacts(rows)
}

// DeleteHotFact removes a single hot fact.
func (s *MemoryStore) DeleteHotFact(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM hot_facts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete hot fact %s: %w", id, err)
	}
	return nil
}

// --- Cold facts ---

// InsertColdFact archives an evicted fact with its embedding. The metadata
// row and the vector row share one rowid; both writes happen in a single
// transaction.
func (s *MemoryStore) InsertColdFact(ctx context.Context, text string, createdAt int64, embedding []float32) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("insert cold fact: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO cold_facts (text, created_at, archived_at) VALUES (?, ?, ?)`,
		text, createdAt, cortex.NowUnix())
	if err != nil {
		return 0, fmt.Errorf("insert cold fact: %w", err)
	}
	rowID, _ := res.LastInsertId()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO cold_vectors (rowid, embedding) VALUES (?, ?)`,
		rowID, serializeEmbedding(embedding)); err != nil {
		return 0, fmt.Errorf("insert cold vector: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("insert cold fact: %w", err)
	}
	s.logger.Debug("sqlite: cold fact inserted", "rowid", rowID)
	return rowID, nil
}

// SearchCold returns the k nearest cold facts by cosine distance, ascending.
func (s *MemoryStore) SearchCold(ctx context.Context, embedding []float32, k int) ([]cortex.ColdHit, error) {
	start := time.Now()
	if k <= 0 {
		k = 5
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT f.rowid, f.text, v.embedding FROM cold_facts f
		 JOIN cold_vectors v ON v.rowid = f.rowid`)
	if err != nil {
		return nil, fmt.Errorf("search cold: %w", err)
	}
	defer rows.Close()

	var hits []cortex.ColdHit
	for rows.Next() {
		var rowID int64
		var text, embText string
		if err := rows.Scan(&rowID, &text, &embText); err != nil {
			continue
		}
		emb, parseErr := deserializeEmbedding(embText)
		if parseErr != nil || len(emb) == 0 {
			continue
		}
		hits = append(hits, cortex.ColdHit{
			RowID:    rowID,
			Text:     text,
			Distance: 1 - float64(cosineSimilarity(embedding, emb)),
		})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	if len(hits) > k {
		hits = hits[:k]
	}
	s.logger.Debug("sqlite: cold search", "hits", len(hits), "duration", time.Since(start))
	return hits, rows.Err()
}

// GetColdFact returns one archived fact with its embedding, or nil.
func (s *MemoryStore) GetColdFact(ctx context.Context, rowID int64) (*cortex.ColdFact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT f.rowid, f.text, f.created_at, f.archived_at, v.embedding
		 FROM cold_facts f JOIN cold_vectors v ON v.rowid = f.rowid WHERE f.rowid = ?`, rowID)
	var cf cortex.ColdFact
	var embText string
	if err := row.Scan(&cf.RowID, &cf.Text, &cf.CreatedAt, &cf.ArchivedAt, &embText); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get cold fact %d: %w", rowID, err)
	}
	cf.Embedding, _ = deserializeEmbedding(embText)
	return &cf, nil
}

// DeleteColdFact removes the metadata row and its vector.
func (s *MemoryStore) DeleteColdFact(ctx context.Context, rowID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete cold fact: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM cold_facts WHERE rowid = ?`, rowID); err != nil {
		return fmt.Errorf("delete cold fact: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cold_vectors WHERE rowid = ?`, rowID); err != nil {
		return fmt.Errorf("delete cold vector: %w", err)
	}
	return tx.Commit()
}

func collectHotFacts(rows *sql.Rows) ([]cortex.HotFact, error) {
	var facts []cortex.HotFact
	for rows.Next() {
		var f cortex.HotFact
		if err := rows.Scan(&f.ID, &f.Text, &f.CreatedAt, &f.LastAccessedAt, &f.HitCount); err != nil {
			continue
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

// --- Embedding helpers ---

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return float32(dot / denom)
}

// serializeEmbedding converts []float32 to a JSON array string.
func serializeEmbedding(embedding []float32) string {
	data, _ := json.Marshal(embedding)
	return string(data)
}

// deserializeEmbedding parses a JSON array string back to []float32.
func deserializeEmbedding(s string) ([]float32, error) {
	var v []float32
	err := json.Unmarshal([]byte(s), &v)
	return v, err
}
