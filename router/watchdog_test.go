package router

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestRouter(t *testing.T, cfg Config) *Router {
	t.Helper()
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(t.TempDir(), "router.db")
	}
	if cfg.Executor == nil {
		cfg.Executor = func(_ context.Context, prompt, model string) (string, error) {
			return "ok", nil
		}
	}
	if cfg.Tiers == nil {
		cfg.Tiers = testTiers
	}
	r, err := New(cfg)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	if err := r.store.Init(context.Background()); err != nil {
		t.Fatalf("store init: %v", err)
	}
	t.Cleanup(func() { r.store.Close() })
	return r
}

// hangJob moves a submitted job to processing with a heartbeat far in the
// past.
func hangJob(t *testing.T, r *Router, retries int) string {
	t.Helper()
	ctx := context.Background()
	id, err := r.Submit(ctx, "stuck task", "test", nil)
	if err != nil {
		t.Fatal(err)
	}
	r.store.DequeueForEvaluation(ctx)
	r.store.SetEvaluation(ctx, id, 5, "mid", "m-mid")
	r.store.ClaimPending(ctx, r.workerID)
	stale := time.Now().Add(-time.Hour).Unix()
	if _, err := r.store.db.Exec(
		`UPDATE jobs SET heartbeat_at = ?, retries = ? WHERE id = ?`, stale, retries, id); err != nil {
		t.Fatal(err)
	}
	return id
}

func TestSweepRequeuesHungJob(t *testing.T) {
	r := newTestRouter(t, Config{MaxRetries: 2})
	ctx := context.Background()
	id := hangJob(t, r, 0)

	r.sweepHung(ctx)
	job, _ := r.GetJob(ctx, id)
	if job.Status != StatusPending || job.Retries != 1 {
		t.Errorf("job = %+v, want requeued with one retry", job)
	}
}

func TestSweepFailsJobPastRetryBudget(t *testing.T) {
	r := newTestRouter(t, Config{MaxRetries: 2})
	ctx := context.Background()
	id := hangJob(t, r, 2)

	r.sweepHung(ctx)
	job, _ := r.GetJob(ctx, id)
	if job.Status != StatusFailed || job.FailReason == "" {
		t.Errorf("job = %+v, want terminal failure with a reason", job)
	}
}

func TestSweepIgnoresHealthyJobs(t *testing.T) {
	r := newTestRouter(t, Config{})
	ctx := context.Background()
	id, _ := r.Submit(ctx, "fine", "test", nil)
	r.store.DequeueForEvaluation(ctx)
	r.store.SetEvaluation(ctx, id, 5, "mid", "m-mid")
	r.store.ClaimPending(ctx, r.workerID)

	r.sweepHung(ctx)
	job, _ := r.GetJob(ctx, id)
	if job.Status != StatusProcessing {
		t.Errorf("job = %+v, a fresh heartbeat must not be swept", job)
	}
}
