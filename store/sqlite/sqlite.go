// Package sqlite implements the cortex Store and MemoryStore on a local
// SQLite file in WAL mode, using the pure-Go driver. Zero CGO required.
//
// A single serialized connection (SetMaxOpenConns(1)) eliminates
// SQLITE_BUSY errors from concurrent writers; transient busy errors that
// still surface (e.g. a reader holding a WAL checkpoint) are retried with
// short exponential backoff.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	cortex "github.com/SerjRs/cortex"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for every operation including timing and row counts.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements cortex.Store backed by a local SQLite file.
type Store struct {
	db         *sql.DB
	sessionKey string
	logger     *slog.Logger
}

var _ cortex.Store = (*Store)(nil)

// nopLogger discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath. The connection
// opens in WAL mode so readers during a crash see a consistent snapshot.
// sessionKey namespaces the unified session (agent:<id>:cortex).
func New(dbPath, sessionKey string, opts ...StoreOption) *Store {
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, sessionKey: sessionKey, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath, "session", sessionKey)
	return s
}

// DB exposes the underlying handle so MemoryStore can share the same
// serialized connection.
func (s *Store) DB() *sql.DB { return s.db }

// Init creates all required tables and indexes. Idempotent.
// The hippocampus tables are NOT created here; see MemoryStore.Init.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS bus (
			id TEXT PRIMARY KEY,
			channel TEXT NOT NULL,
			sender TEXT NOT NULL,
			content TEXT NOT NULL,
			priority TEXT NOT NULL,
			priority_rank INTEGER NOT NULL,
			reply_context TEXT,
			metadata TEXT,
			state TEXT NOT NULL DEFAULT 'pending',
			error TEXT,
			created_at INTEGER NOT NULL,
			enqueued_at INTEGER NOT NULL,
			picked_at INTEGER,
			completed_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS session_messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			session_key TEXT NOT NULL,
			envelope_id TEXT,
			role TEXT NOT NULL,
			channel TEXT NOT NULL,
			sender_id TEXT,
			content TEXT NOT NULL,
			metadata TEXT,
			extracted_at INTEGER,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS channel_states (
			channel TEXT PRIMARY KEY,
			last_message_at INTEGER NOT NULL DEFAULT 0,
			unread_count INTEGER NOT NULL DEFAULT 0,
			summary TEXT NOT NULL DEFAULT '',
			layer TEXT NOT NULL DEFAULT 'foreground'
		)`,
		`CREATE TABLE IF NOT EXISTS pending_ops (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			description TEXT NOT NULL,
			dispatched_at INTEGER NOT NULL,
			return_channel TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			completed_at INTEGER,
			result TEXT NOT NULL DEFAULT '',
			gardened_at INTEGER,
			acknowledged_at INTEGER,
			reply_channel TEXT NOT NULL DEFAULT '',
			result_priority TEXT NOT NULL DEFAULT 'normal'
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			created_at INTEGER NOT NULL,
			channels TEXT NOT NULL,
			ops TEXT NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_bus_sched ON bus(state, priority_rank, enqueued_at)`,
		`CREATE INDEX IF NOT EXISTS idx_session_channel ON session_messages(channel, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_session_time ON session_messages(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_ops_status ON pending_ops(status)`,
	}
	for _, ddl := range indexes {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: store closed")
	return s.db.Close()
}

// --- Bus ---

// Enqueue atomically inserts an envelope in state pending.
// The enqueue stamp is nanosecond-resolution so FIFO order within a
// priority tier holds even for same-second inserts.
func (s *Store) Enqueue(ctx context.Context, env cortex.Envelope) (string, error) {
	start := time.Now()
	if env.ID == "" {
		env.ID = cortex.NewID()
	}
	if env.Channel == "" {
		return "", fmt.Errorf("enqueue: empty channel")
	}
	if !env.Priority.Valid() {
		env.Priority = cortex.PriorityNormal
	}
	if env.CreatedAt == 0 {
		env.CreatedAt = cortex.NowUnix()
	}

	sender, _ := json.Marshal(env.Sender)
	var replyCtx, meta *string
	if env.ReplyContext != nil {
		data, _ := json.Marshal(env.ReplyContext)
		v := string(data)
		replyCtx = &v
	}
	if len(env.Metadata) > 0 {
		data, _ := json.Marshal(env.Metadata)
		v := string(data)
		meta = &v
	}

	err := s.execRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO bus (id, channel, sender, content, priority, priority_rank, reply_context, metadata, state, created_at, enqueued_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?)`,
			env.ID, env.Channel, string(sender), env.Content, string(env.Priority), env.Priority.Rank(),
			replyCtx, meta, env.CreatedAt, time.Now().UnixNano())
		return err
	})
	if err != nil {
		s.logger.Error("sqlite: enqueue failed", "id", env.ID, "error", err, "duration", time.Since(start))
		return "", &cortex.ErrStoreUnavailable{Op: "enqueue", Err: err}
	}
	s.logger.Debug("sqlite: enqueued", "id", env.ID, "channel", env.Channel, "priority", env.Priority, "duration", time.Since(start))
	return env.ID, nil
}

// ClaimNext picks the oldest pending envelope of the highest priority and
// transitions it pending→processing. The UPDATE re-checks both the row state
// and the no-other-processing-row invariant, so a doubled consumer cannot
// put two rows in flight.
func (s *Store) ClaimNext(ctx context.Context) (*cortex.Envelope, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id FROM bus WHERE state = 'pending'
		 ORDER BY priority_rank ASC, enqueued_at ASC, rowid ASC LIMIT 1`)
	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("claim select: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE bus SET state = 'processing', picked_at = ?
		 WHERE id = ? AND state = 'pending'
		 AND NOT EXISTS (SELECT 1 FROM bus WHERE state = 'processing')`,
		cortex.NowUnix(), id)
	if err != nil {
		return nil, fmt.Errorf("claim update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost the CAS race or a row is already in flight.
		return nil, nil
	}
	env, err := s.getEnvelope(ctx, id)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("sqlite: claimed", "id", id, "channel", env.Channel, "priority", env.Priority)
	return env, nil
}

func (s *Store) getEnvelope(ctx context.Context, id string) (*cortex.Envelope, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, channel, sender, content, priority, reply_context, metadata, created_at
		 FROM bus WHERE id = ?`, id)
	var env cortex.Envelope
	var sender string
	var priority string
	var replyCtx, meta sql.NullString
	if err := row.Scan(&env.ID, &env.Channel, &sender, &env.Content, &priority, &replyCtx, &meta, &env.CreatedAt); err != nil {
		return nil, fmt.Errorf("get envelope %s: %w", id, err)
	}
	env.Priority = cortex.Priority(priority)
	_ = json.Unmarshal([]byte(sender), &env.Sender)
	if replyCtx.Valid && replyCtx.String != "" {
		var rc cortex.ReplyContext
		if json.Unmarshal([]byte(replyCtx.String), &rc) == nil {
			env.ReplyContext = &rc
		}
	}
	if meta.Valid && meta.String != "" {
		_ = json.Unmarshal([]byte(meta.String), &env.Metadata)
	}
	return &env, nil
}

// CompleteEnvelope transitions processing→completed.
func (s *Store) CompleteEnvelope(ctx context.Context, id string) error {
	return s.finishEnvelope(ctx, id, cortex.EnvelopeCompleted, "")
}

// FailEnvelope transitions processing→failed and records the reason.
func (s *Store) FailEnvelope(ctx context.Context, id, reason string) error {
	return s.finishEnvelope(ctx, id, cortex.EnvelopeFailed, reason)
}

func (s *Store) finishEnvelope(ctx context.Context, id, state, reason string) error {
	err := s.execRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE bus SET state = ?, error = ?, completed_at = ? WHERE id = ?`,
			state, reason, cortex.NowUnix(), id)
		return err
	})
	if err != nil {
		return fmt.Errorf("finish envelope %s: %w", id, err)
	}
	s.logger.Debug("sqlite: envelope finished", "id", id, "state", state)
	return nil
}

// CountPending returns the number of envelopes awaiting pickup.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bus WHERE state = 'pending'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// RecoverStalled resets rows stuck in processing back to pending. The
// previous worker crashed mid-turn; the envelope will be reprocessed.
func (s *Store) RecoverStalled(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE bus SET state = 'pending', picked_at = NULL WHERE state = 'processing'`)
	if err != nil {
		return 0, fmt.Errorf("recover stalled: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Warn("sqlite: reset stalled envelopes", "count", n)
	}
	return int(n), nil
}

// --- Retry policy ---

// execRetry runs fn, retrying briefly on transient lock/busy errors before
// surfacing. Everything else fails immediately.
func (s *Store) execRetry(ctx context.Context, fn func() error) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(10*time.Millisecond),
		backoff.WithMaxInterval(200*time.Millisecond),
	), 4), ctx)
	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if isBusy(err) {
			return err
		}
		return backoff.Permanent(err)
	}, bo)
}

// isBusy classifies SQLITE_BUSY / SQLITE_LOCKED class errors.
func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
