package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	cortex "github.com/SerjRs/cortex"
)

// --- Pending operations (the inbox) ---

// AddPendingOp records an outstanding external action. The caller generates
// the id so the dispatcher owns the identity; the row must exist before the
// external call fires.
func (s *Store) AddPendingOp(ctx context.Context, op cortex.PendingOp) error {
	start := time.Now()
	if op.ID == "" {
		return fmt.Errorf("add pending op: empty id")
	}
	if op.Status == "" {
		op.Status = cortex.OpPending
	}
	if op.DispatchedAt == 0 {
		op.DispatchedAt = cortex.NowUnix()
	}
	if op.ResultPriority == "" {
		op.ResultPriority = cortex.PriorityNormal
	}
	err := s.execRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO pending_ops (id, type, description, dispatched_at, return_channel, status, reply_channel, result_priority)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			op.ID, op.Type, op.Description, op.DispatchedAt, op.ReturnChannel,
			string(op.Status), op.ReplyChannel, string(op.ResultPriority))
		return err
	})
	if err != nil {
		s.logger.Error("sqlite: add pending op failed", "id", op.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("add pending op: %w", err)
	}
	s.logger.Debug("sqlite: pending op added", "id", op.ID, "type", op.Type, "duration", time.Since(start))
	return nil
}

// GetPendingOp returns one op by id, or nil if unknown.
func (s *Store) GetPendingOp(ctx context.Context, id string) (*cortex.PendingOp, error) {
	row := s.db.QueryRowContext(ctx, opSelect+` WHERE id = ?`, id)
	op, err := scanPendingOp(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pending op %s: %w", id, err)
	}
	return &op, nil
}

// CompletePendingOp stores the result and transitions the op to completed.
// The acknowledged-at stamp stays NULL so the next assembled context surfaces
// the result as NEW RESULT.
func (s *Store) CompletePendingOp(ctx context.Context, id, result string) error {
	return s.finishPendingOp(ctx, id, cortex.OpCompleted, result)
}

// FailPendingOp stores the failure text and transitions the op to failed.
func (s *Store) FailPendingOp(ctx context.Context, id, reason string) error {
	return s.finishPendingOp(ctx, id, cortex.OpFailed, reason)
}

func (s *Store) finishPendingOp(ctx context.Context, id string, status cortex.OpStatus, result string) error {
	err := s.execRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE pending_ops SET status = ?, result = ?, completed_at = ?, acknowledged_at = NULL WHERE id = ?`,
			string(status), result, cortex.NowUnix(), id)
		return err
	})
	if err != nil {
		return fmt.Errorf("finish pending op %s: %w", id, err)
	}
	s.logger.Debug("sqlite: pending op finished", "id", id, "status", status)
	return nil
}

// MarkOpGardened stamps gardened-at after the op harvester has extracted
// facts from the result.
func (s *Store) MarkOpGardened(ctx context.Context, id string) error {
	return s.execRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE pending_ops SET status = 'gardened', gardened_at = ? WHERE id = ?`,
			cortex.NowUnix(), id)
		return err
	})
}

// UngardenedOps returns completed ops whose results have not been harvested.
// Failed harvests leave the op completed so the next run retries it.
func (s *Store) UngardenedOps(ctx context.Context) ([]cortex.PendingOp, error) {
	rows, err := s.db.QueryContext(ctx,
		opSelect+` WHERE status = 'completed' AND gardened_at IS NULL ORDER BY completed_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("ungardened ops: %w", err)
	}
	defer rows.Close()
	return collectOps(rows)
}

// ArchiveOpsOlderThan moves terminal ops whose completion is older than the
// given number of days into archived status. Facts harvested from them
// survive; the rows just stop being read.
func (s *Store) ArchiveOpsOlderThan(ctx context.Context, days int) (int, error) {
	cutoff := cortex.NowUnix() - int64(days)*86400
	var archived int64
	err := s.execRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE pending_ops SET status = 'archived'
			 WHERE status IN ('completed', 'failed', 'gardened')
			 AND acknowledged_at IS NOT NULL AND completed_at < ?`, cutoff)
		if err != nil {
			return err
		}
		archived, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("archive ops: %w", err)
	}
	return int(archived), nil
}

// Inbox returns the ops visible in the System Floor: everything pending,
// plus completed/failed ops not yet acknowledged.
func (s *Store) Inbox(ctx context.Context) ([]cortex.PendingOp, error) {
	rows, err := s.db.QueryContext(ctx,
		opSelect+` WHERE status = 'pending'
		 OR (status IN ('completed', 'failed') AND acknowledged_at IS NULL)
		 ORDER BY dispatched_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("inbox: %w", err)
	}
	defer rows.Close()
	return collectOps(rows)
}

// AcknowledgeInbox stamps acknowledged-at on every terminal unacknowledged
// op. Idempotent: a repeat call with no intervening completions returns 0.
func (s *Store) AcknowledgeInbox(ctx context.Context) (int, error) {
	var acked int64
	err := s.execRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE pending_ops SET acknowledged_at = ?
			 WHERE status IN ('completed', 'failed') AND acknowledged_at IS NULL`,
			cortex.NowUnix())
		if err != nil {
			return err
		}
		acked, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("acknowledge inbox: %w", err)
	}
	if acked > 0 {
		s.logger.Debug("sqlite: inbox acknowledged", "count", acked)
	}
	return int(acked), nil
}

// AcknowledgeOps stamps acknowledged-at on just the named terminal ops.
// Ops that went terminal after the caller's snapshot stay unread.
func (s *Store) AcknowledgeOps(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(ids)+1)
	args = append(args, cortex.NowUnix())
	for _, id := range ids {
		args = append(args, id)
	}
	var acked int64
	err := s.execRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE pending_ops SET acknowledged_at = ?
			 WHERE id IN (`+placeholders+`)
			 AND status IN ('completed', 'failed') AND acknowledged_at IS NULL`, args...)
		if err != nil {
			return err
		}
		acked, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("acknowledge ops: %w", err)
	}
	return int(acked), nil
}

const opSelect = `SELECT id, type, description, dispatched_at, return_channel, status,
	completed_at, result, gardened_at, acknowledged_at, reply_channel, result_priority
	FROM pending_ops`

func collectOps(rows *sql.Rows) ([]cortex.PendingOp, error) {
	var ops []cortex.PendingOp
	for rows.Next() {
		op, err := scanPendingOp(rows.Scan)
		if err != nil {
			continue
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func scanPendingOp(scan func(...any) error) (cortex.PendingOp, error) {
	var op cortex.PendingOp
	var status, resultPriority string
	var completedAt, gardenedAt, acknowledgedAt sql.NullInt64
	err := scan(&op.ID, &op.Type, &op.Description, &op.DispatchedAt, &op.ReturnChannel, &status,
		&completedAt, &op.Result, &gardenedAt, &acknowledgedAt, &op.ReplyChannel, &resultPriority)
	if err != nil {
		return op, err
	}
	op.Status = cortex.OpStatus(status)
	op.ResultPriority = cortex.Priority(resultPriority)
	op.CompletedAt = completedAt.Int64
	op.GardenedAt = gardenedAt.Int64
	op.AcknowledgedAt = acknowledgedAt.Int64
	return op, nil
}
