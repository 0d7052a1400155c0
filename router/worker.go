package router

import (
	"context"
	"strings"
	"time"
)

// defaultPromptTemplate frames a delegated task for the execution model when
// the tier configures no template of its own.
const defaultPromptTemplate = `You are executing a delegated task on behalf of {issuer}.

Task:
{task}

Context:
{context}

Constraints:
{constraints}

Complete the task and respond with the result only.`

// renderPrompt expands the job's tier template. Context and constraints come
// from the submitter's metadata and may be empty.
func (r *Router) renderPrompt(job Job) string {
	tmpl := r.cfg.Tiers[job.Tier].PromptTemplate
	if tmpl == "" {
		tmpl = defaultPromptTemplate
	}
	return strings.NewReplacer(
		"{task}", job.Prompt,
		"{context}", job.Metadata["context"],
		"{issuer}", job.Issuer,
		"{constraints}", job.Metadata["constraints"],
	).Replace(tmpl)
}

// runJob executes one claimed job on its assigned model, heartbeating in the
// background so the watchdog can tell a slow job from a dead one.
func (r *Router) runJob(ctx context.Context, job Job) {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go r.heartbeat(hbCtx, job.ID)

	start := time.Now()
	r.logger.Info("router: job started", "job", job.ID, "tier", job.Tier, "model", job.Model)

	result, err := r.cfg.Executor(ctx, r.renderPrompt(job), job.Model)
	stopHeartbeat()
	if err != nil {
		if ferr := r.store.Fail(ctx, job.ID, err.Error()); ferr != nil {
			r.logger.Error("router: fail job failed", "job", job.ID, "error", ferr)
		}
		r.logger.Warn("router: job failed", "job", job.ID, "error", err, "duration", time.Since(start))
		return
	}
	if err := r.store.Complete(ctx, job.ID, result); err != nil {
		r.logger.Error("router: complete job failed", "job", job.ID, "error", err)
		return
	}
	r.logger.Info("router: job completed", "job", job.ID, "duration", time.Since(start))
}

// heartbeat refreshes the liveness stamp until cancelled.
func (r *Router) heartbeat(ctx context.Context, jobID string) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Heartbeat(ctx, jobID); err != nil {
				r.logger.Warn("router: heartbeat failed", "job", jobID, "error", err)
			}
		}
	}
}
