package router

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Store is the router's durable queue: a live jobs table plus an archive
// that terminal jobs move into after delivery.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore opens the queue file in WAL mode on a single serialized
// connection.
func NewStore(dbPath string, logger *slog.Logger) *Store {
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		panic(fmt.Sprintf("router: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	if logger == nil {
		logger = slog.New(discardHandler{})
	}
	return &Store{db: db, logger: logger}
}

// Init creates the jobs and archived_jobs tables. Idempotent.
func (s *Store) Init(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL DEFAULT 'task',
			prompt TEXT NOT NULL,
			issuer TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'in_queue',
			weight INTEGER NOT NULL DEFAULT 0,
			tier TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			result TEXT NOT NULL DEFAULT '',
			fail_reason TEXT NOT NULL DEFAULT '',
			retries INTEGER NOT NULL DEFAULT 0,
			worker_id TEXT NOT NULL DEFAULT '',
			checkpoint_data TEXT NOT NULL DEFAULT '',
			metadata TEXT,
			created_at INTEGER NOT NULL,
			evaluated_at INTEGER,
			started_at INTEGER,
			heartbeat_at INTEGER,
			completed_at INTEGER,
			delivered_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS archived_jobs (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL DEFAULT 'task',
			prompt TEXT NOT NULL,
			issuer TEXT NOT NULL,
			status TEXT NOT NULL,
			weight INTEGER NOT NULL,
			tier TEXT NOT NULL,
			model TEXT NOT NULL,
			result TEXT NOT NULL,
			fail_reason TEXT NOT NULL,
			retries INTEGER NOT NULL,
			metadata TEXT,
			created_at INTEGER NOT NULL,
			completed_at INTEGER,
			archived_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_sched ON jobs(status, weight, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_issuer ON jobs(issuer)`,
		`CREATE INDEX IF NOT EXISTS idx_archived_at ON archived_jobs(archived_at)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("router init: %w", err)
		}
	}
	return nil
}

// Close closes the queue file.
func (s *Store) Close() error { return s.db.Close() }

// Insert adds a job in its given status.
func (s *Store) Insert(ctx context.Context, job Job) error {
	if job.Kind == "" {
		job.Kind = DefaultJobKind
	}
	meta, _ := json.Marshal(job.Metadata)
	err := s.execRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO jobs (id, kind, prompt, issuer, status, metadata, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			job.ID, job.Kind, job.Prompt, job.Issuer, job.Status, string(meta), job.CreatedAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// DequeueForEvaluation claims the oldest in_queue job and moves it to
// evaluating. Nil when the intake is empty.
func (s *Store) DequeueForEvaluation(ctx context.Context) (*Job, error) {
	return s.claim(ctx, StatusInQueue, StatusEvaluating,
		`SELECT id FROM jobs WHERE status = ? ORDER BY created_at ASC, rowid ASC LIMIT 1`)
}

// ClaimPending claims the heaviest runnable job, oldest first within a
// weight, and moves it to processing with a fresh heartbeat, stamped with
// the claiming worker's id.
func (s *Store) ClaimPending(ctx context.Context, workerID string) (*Job, error) {
	job, err := s.claim(ctx, StatusPending, StatusProcessing,
		`SELECT id FROM jobs WHERE status = ? ORDER BY weight DESC, created_at ASC, rowid ASC LIMIT 1`)
	if err != nil || job == nil {
		return job, err
	}
	now := time.Now().Unix()
	err = s.execRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET started_at = ?, heartbeat_at = ?, worker_id = ? WHERE id = ?`,
			now, now, workerID, job.ID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("stamp claim: %w", err)
	}
	job.StartedAt = now
	job.HeartbeatAt = now
	job.WorkerID = workerID
	return job, nil
}

// claim is the shared select-then-CAS step. The UPDATE re-checks status so
// two claimants cannot take the same row.
func (s *Store) claim(ctx context.Context, from, to, selectSQL string) (*Job, error) {
	var id string
	err := s.db.QueryRowContext(ctx, selectSQL, from).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim select: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ? WHERE id = ? AND status = ?`, to, id, from)
	if err != nil {
		return nil, fmt.Errorf("claim update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	return s.getLive(ctx, id)
}

// SetEvaluation records the evaluator's verdict and releases the job to
// pending.
func (s *Store) SetEvaluation(ctx context.Context, id string, weight int, tier, model string) error {
	err := s.execRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, weight = ?, tier = ?, model = ?, evaluated_at = ?
			 WHERE id = ? AND status = ?`,
			StatusPending, weight, tier, model, time.Now().Unix(), id, StatusEvaluating)
		return err
	})
	if err != nil {
		return fmt.Errorf("set evaluation: %w", err)
	}
	return nil
}

// Heartbeat refreshes a processing job's liveness stamp.
func (s *Store) Heartbeat(ctx context.Context, id string) error {
	return s.execRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET heartbeat_at = ? WHERE id = ? AND status = ?`,
			time.Now().Unix(), id, StatusProcessing)
		return err
	})
}

// SaveCheckpoint stores intermediate executor state on a processing job and
// refreshes the heartbeat. The data survives a requeue, so a retry can pick
// up where the dead attempt left off.
func (s *Store) SaveCheckpoint(ctx context.Context, id, data string) error {
	return s.execRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET checkpoint_data = ?, heartbeat_at = ? WHERE id = ? AND status = ?`,
			data, time.Now().Unix(), id, StatusProcessing)
		return err
	})
}

// Complete stores the result and marks the job completed.
func (s *Store) Complete(ctx context.Context, id, result string) error {
	return s.finish(ctx, id, StatusCompleted, result, "")
}

// Fail stores the reason and marks the job failed.
func (s *Store) Fail(ctx context.Context, id, reason string) error {
	return s.finish(ctx, id, StatusFailed, "", reason)
}

func (s *Store) finish(ctx context.Context, id, status, result, reason string) error {
	err := s.execRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, result = ?, fail_reason = ?, completed_at = ? WHERE id = ?`,
			status, result, reason, time.Now().Unix(), id)
		return err
	})
	if err != nil {
		return fmt.Errorf("finish job %s: %w", id, err)
	}
	return nil
}

// HungJobs returns processing jobs whose heartbeat is older than the cutoff.
func (s *Store) HungJobs(ctx context.Context, olderThan int64) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx,
		jobSelect+` WHERE status = ? AND heartbeat_at < ?`, StatusProcessing, olderThan)
	if err != nil {
		return nil, fmt.Errorf("hung jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// Requeue sends a hung job back to pending and bumps its retry count.
func (s *Store) Requeue(ctx context.Context, id string) error {
	err := s.execRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, retries = retries + 1, started_at = NULL, heartbeat_at = NULL, worker_id = ''
			 WHERE id = ? AND status = ?`, StatusPending, id, StatusProcessing)
		return err
	})
	if err != nil {
		return fmt.Errorf("requeue job %s: %w", id, err)
	}
	return nil
}

// gatewayCrashReason is the terminal reason for a job whose execution
// crashed the process once too often.
const gatewayCrashReason = "gateway crash: max retries exceeded"

// Recover resets jobs stranded mid-flight by a crash. Evaluating rows go
// back to in_queue uncharged. A crashed execution is charged a retry:
// processing rows under the cap revert to pending with retries+1, rows at
// the cap fail terminally so the notifier reports them.
func (s *Store) Recover(ctx context.Context, maxRetries int) (int, error) {
	total := 0
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ? WHERE status = ?`, StatusInQueue, StatusEvaluating)
	if err != nil {
		return total, fmt.Errorf("recover evaluating: %w", err)
	}
	n, _ := res.RowsAffected()
	total += int(n)

	res, err = s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, fail_reason = ?, completed_at = ?
		 WHERE status = ? AND retries >= ?`,
		StatusFailed, gatewayCrashReason, time.Now().Unix(), StatusProcessing, maxRetries)
	if err != nil {
		return total, fmt.Errorf("recover exhausted: %w", err)
	}
	n, _ = res.RowsAffected()
	total += int(n)

	res, err = s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, retries = retries + 1, started_at = NULL, heartbeat_at = NULL, worker_id = ''
		 WHERE status = ?`, StatusPending, StatusProcessing)
	if err != nil {
		return total, fmt.Errorf("recover processing: %w", err)
	}
	n, _ = res.RowsAffected()
	total += int(n)
	return total, nil
}

// Cancel moves a job that has not started executing to the canceled
// terminal state. Executing and terminal jobs cannot be canceled.
func (s *Store) Cancel(ctx context.Context, id string) error {
	var affected int64
	err := s.execRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, completed_at = ? WHERE id = ? AND status IN (?, ?, ?)`,
			StatusCanceled, time.Now().Unix(), id, StatusInQueue, StatusEvaluating, StatusPending)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("cancel job %s: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("cancel job %s: not cancelable", id)
	}
	return nil
}

// UndeliveredTerminal returns terminal jobs still awaiting delivery, oldest
// completion first.
func (s *Store) UndeliveredTerminal(ctx context.Context) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx,
		jobSelect+` WHERE status IN (?, ?, ?) AND delivered_at IS NULL ORDER BY completed_at ASC`,
		StatusCompleted, StatusFailed, StatusCanceled)
	if err != nil {
		return nil, fmt.Errorf("undelivered: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// Archive moves a delivered job into archived_jobs and removes the live row,
// in one transaction. The live table stays small; history survives.
func (s *Store) Archive(ctx context.Context, id string) error {
	return s.execRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		now := time.Now().Unix()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO archived_jobs (id, kind, prompt, issuer, status, weight, tier, model,
				result, fail_reason, retries, metadata, created_at, completed_at, archived_at)
			 SELECT id, kind, prompt, issuer, status, weight, tier, model,
				result, fail_reason, retries, metadata, created_at, completed_at, ?
			 FROM jobs WHERE id = ?`, now, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// MarkDelivered stamps delivered_at on a live terminal job.
func (s *Store) MarkDelivered(ctx context.Context, id string) error {
	return s.execRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET delivered_at = ? WHERE id = ?`, time.Now().Unix(), id)
		return err
	})
}

// GetJob looks a job up by id, live rows first, archive second. Nil when
// unknown.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	job, err := s.getLive(ctx, id)
	if err == nil && job != nil {
		return job, nil
	}
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, kind, prompt, issuer, status, weight, tier, model, result, fail_reason,
			retries, metadata, created_at, completed_at
		 FROM archived_jobs WHERE id = ?`, id)
	var j Job
	var meta sql.NullString
	var completedAt sql.NullInt64
	err = row.Scan(&j.ID, &j.Kind, &j.Prompt, &j.Issuer, &j.Status, &j.Weight, &j.Tier, &j.Model,
		&j.Result, &j.FailReason, &j.Retries, &meta, &j.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get archived job %s: %w", id, err)
	}
	j.CompletedAt = completedAt.Int64
	decodeMeta(&j, meta)
	return &j, nil
}

func (s *Store) getLive(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, jobSelect+` WHERE id = ?`, id)
	j, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return &j, nil
}

const jobSelect = `SELECT id, kind, prompt, issuer, status, weight, tier, model, result, fail_reason,
	retries, worker_id, checkpoint_data, metadata, created_at, evaluated_at, started_at, heartbeat_at, completed_at
	FROM jobs`

func collectJobs(rows *sql.Rows) ([]Job, error) {
	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func scanJob(scan func(...any) error) (Job, error) {
	var j Job
	var meta sql.NullString
	var evaluatedAt, startedAt, heartbeatAt, completedAt sql.NullInt64
	err := scan(&j.ID, &j.Kind, &j.Prompt, &j.Issuer, &j.Status, &j.Weight, &j.Tier, &j.Model,
		&j.Result, &j.FailReason, &j.Retries, &j.WorkerID, &j.CheckpointData, &meta, &j.CreatedAt,
		&evaluatedAt, &startedAt, &heartbeatAt, &completedAt)
	if err != nil {
		return j, err
	}
	j.EvaluatedAt = evaluatedAt.Int64
	j.StartedAt = startedAt.Int64
	j.HeartbeatAt = heartbeatAt.Int64
	j.CompletedAt = completedAt.Int64
	decodeMeta(&j, meta)
	return j, nil
}

func decodeMeta(j *Job, meta sql.NullString) {
	if meta.Valid && meta.String != "" && meta.String != "null" {
		_ = json.Unmarshal([]byte(meta.String), &j.Metadata)
	}
}

// execRetry retries briefly on transient lock/busy errors; everything else
// fails immediately.
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

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
