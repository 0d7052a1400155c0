package router

import (
	"context"
	"fmt"
	"time"
)

// watchdogLoop periodically sweeps for processing jobs whose heartbeat went
// stale. A hung job is requeued until its retry budget runs out, then failed
// terminally so the notifier reports it.
func (r *Router) watchdogLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepHung(ctx)
		}
	}
}

func (r *Router) sweepHung(ctx context.Context) {
	cutoff := time.Now().Add(-r.cfg.HungThreshold).Unix()
	hung, err := r.store.HungJobs(ctx, cutoff)
	if err != nil {
		r.logger.Error("router: hung sweep failed", "error", err)
		return
	}
	for _, job := range hung {
		if job.Retries >= r.cfg.MaxRetries {
			reason := fmt.Sprintf("job hung %d times, retry budget exhausted", job.Retries+1)
			if err := r.store.Fail(ctx, job.ID, reason); err != nil {
				r.logger.Error("router: fail hung job failed", "job", job.ID, "error", err)
				continue
			}
			r.logger.Warn("router: hung job failed terminally", "job", job.ID, "retries", job.Retries)
			continue
		}
		if err := r.store.Requeue(ctx, job.ID); err != nil {
			r.logger.Error("router: requeue failed", "job", job.ID, "error", err)
			continue
		}
		r.logger.Warn("router: hung job requeued", "job", job.ID, "retry", job.Retries+1)
	}
}
