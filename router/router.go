// Package router is a durable background job queue for delegated agent
// tasks. Jobs land in a local SQLite queue, get weighed by a two-stage
// evaluator, map to a model tier, and run on heartbeated workers. Terminal
// jobs are delivered exactly once through the notifier and then archived.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Job statuses. A job moves strictly forward except for watchdog requeues
// (processing back to pending) up to the retry budget.
const (
	StatusInQueue    = "in_queue"
	StatusEvaluating = "evaluating"
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCanceled   = "canceled"
)

// DefaultJobKind is the job type recorded when the submitter names none.
const DefaultJobKind = "task"

// Job is one unit of delegated work.
type Job struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Prompt string `json:"prompt"`
	Issuer string `json:"issuer"`
	Status string `json:"status"`

	// Weight is the evaluator's 1..10 difficulty score; Tier and Model are
	// derived from it. Zero until evaluation.
	Weight int    `json:"weight"`
	Tier   string `json:"tier"`
	Model  string `json:"model"`

	Result     string `json:"result,omitempty"`
	FailReason string `json:"fail_reason,omitempty"`
	Retries    int    `json:"retries"`
	// WorkerID names the worker goroutine set currently holding the job;
	// cleared on requeue and recovery.
	WorkerID string `json:"worker_id,omitempty"`
	// CheckpointData is opaque executor state saved mid-run. The heartbeat
	// stamp doubles as the last-checkpoint time. Survives requeues.
	CheckpointData string `json:"checkpoint_data,omitempty"`

	CreatedAt   int64 `json:"created_at"`
	EvaluatedAt int64 `json:"evaluated_at,omitempty"`
	StartedAt   int64 `json:"started_at,omitempty"`
	HeartbeatAt int64 `json:"heartbeat_at,omitempty"`
	CompletedAt int64 `json:"completed_at,omitempty"`

	// Metadata is opaque caller state returned untouched with the result
	// (reply channel, originating message id, priority hints).
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Terminal reports whether the job has finished, either way.
func (j *Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed || j.Status == StatusCanceled
}

// ExecFunc runs a prompt on a named model and returns its text output. The
// router uses it both for evaluation scoring and for job execution.
type ExecFunc func(ctx context.Context, prompt, model string) (string, error)

// EvaluatorConfig tunes the two-stage difficulty scorer.
type EvaluatorConfig struct {
	// Model runs stage one. Timeout bounds the stage-one call; stage two
	// gets three times as long.
	Model   string
	Timeout time.Duration
	// Stage2Model runs the second pass for low-trust scores. Empty disables
	// stage two.
	Stage2Model string
	// LowTrustThreshold gates stage two: a stage-one weight above it is
	// re-scored by the larger model, whose answer is authoritative.
	LowTrustThreshold int
	// FallbackWeight is assigned when every evaluation stage fails.
	FallbackWeight int
}

// TierConfig maps an inclusive weight range to an execution model.
type TierConfig struct {
	Min   int
	Max   int
	Model string
	// PromptTemplate wraps the task before execution. Placeholders {task},
	// {context}, {issuer}, and {constraints} are substituted per job. Empty
	// uses the default template.
	PromptTemplate string
}

// Config configures a Router. Executor is required.
type Config struct {
	DBPath    string
	Evaluator EvaluatorConfig
	// Tiers maps tier names to weight ranges. Ranges must cover 1..10.
	Tiers map[string]TierConfig

	MaxRetries        int
	MaxInFlight       int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	// HungThreshold declares a processing job dead when its heartbeat is
	// older than this. Must exceed HeartbeatInterval by a safe margin.
	HungThreshold    time.Duration
	WatchdogInterval time.Duration

	Executor ExecFunc
	// OnDelivered fires exactly once per terminal job, before the row is
	// archived. An error keeps the job undelivered for the next pass.
	OnDelivered func(ctx context.Context, job Job) error

	Logger *slog.Logger
}

// Defaults for zero-valued Config fields.
const (
	DefaultMaxRetries        = 2
	DefaultMaxInFlight       = 4
	DefaultPollInterval      = 500 * time.Millisecond
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHungThreshold     = 90 * time.Second
	DefaultEvalTimeout       = 10 * time.Second
	DefaultFallbackWeight    = 5
	DefaultLowTrust          = 3
)

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = DefaultMaxInFlight
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HungThreshold <= 0 {
		c.HungThreshold = DefaultHungThreshold
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = c.HeartbeatInterval
	}
	if c.Evaluator.Timeout <= 0 {
		c.Evaluator.Timeout = DefaultEvalTimeout
	}
	if c.Evaluator.FallbackWeight <= 0 {
		c.Evaluator.FallbackWeight = DefaultFallbackWeight
	}
	if c.Evaluator.LowTrustThreshold <= 0 {
		c.Evaluator.LowTrustThreshold = DefaultLowTrust
	}
	if c.Logger == nil {
		c.Logger = slog.New(discardHandler{})
	}
	return c
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Router runs the queue: a dispatch loop that evaluates and executes jobs,
// a watchdog that requeues hung ones, and a notifier that delivers terminal
// results.
type Router struct {
	cfg      Config
	store    *Store
	eval     *evaluator
	notifier *Notifier
	logger   *slog.Logger

	// workerID stamps claimed rows so a row's holder is visible.
	workerID string

	// inflight bounds concurrent job execution.
	inflight chan struct{}

	mu         sync.Mutex
	cancel     context.CancelFunc
	execCtx    context.Context
	execCancel context.CancelFunc
	wg         sync.WaitGroup
	started    bool
}

// New builds a Router over its own SQLite queue file.
func New(cfg Config) (*Router, error) {
	if cfg.Executor == nil {
		return nil, fmt.Errorf("router: Executor is required")
	}
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("router: DBPath is required")
	}
	if len(cfg.Tiers) == 0 {
		return nil, fmt.Errorf("router: at least one tier is required")
	}
	cfg = cfg.withDefaults()
	st := NewStore(cfg.DBPath, cfg.Logger)
	r := &Router{
		cfg:      cfg,
		store:    st,
		logger:   cfg.Logger,
		workerID: newID(),
		inflight: make(chan struct{}, cfg.MaxInFlight),
	}
	r.eval = newEvaluator(cfg.Evaluator, cfg.Tiers, cfg.Executor, cfg.Logger)
	r.notifier = newNotifier(st, cfg.OnDelivered, cfg.Logger)
	return r, nil
}

// Notifier exposes the delivery side: typed events and WaitForJob.
func (r *Router) Notifier() *Notifier { return r.notifier }

// Submit inserts a job in in_queue and returns its id.
func (r *Router) Submit(ctx context.Context, prompt, issuer string, metadata map[string]string) (string, error) {
	job := Job{
		ID:        newID(),
		Prompt:    prompt,
		Issuer:    issuer,
		Status:    StatusInQueue,
		CreatedAt: time.Now().Unix(),
		Metadata:  metadata,
	}
	if err := r.store.Insert(ctx, job); err != nil {
		return "", err
	}
	r.logger.Info("router: job submitted", "job", job.ID, "issuer", issuer)
	return job.ID, nil
}

// GetJob returns a job by id, checking live rows first and the archive
// second. Nil when unknown.
func (r *Router) GetJob(ctx context.Context, id string) (*Job, error) {
	return r.store.GetJob(ctx, id)
}

// Cancel moves a not-yet-executing job to the canceled terminal state. The
// notifier delivers the cancellation like any other terminal outcome.
func (r *Router) Cancel(ctx context.Context, id string) error {
	if err := r.store.Cancel(ctx, id); err != nil {
		return err
	}
	r.logger.Info("router: job canceled", "job", id)
	return nil
}

// Start initializes the store, recovers jobs stranded by a crash, and
// launches the dispatch, watchdog, and notifier loops.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("router: already started")
	}
	if err := r.store.Init(ctx); err != nil {
		return fmt.Errorf("router: store init: %w", err)
	}
	recovered, err := r.store.Recover(ctx, r.cfg.MaxRetries)
	if err != nil {
		return fmt.Errorf("router: recover: %w", err)
	}
	if recovered > 0 {
		r.logger.Warn("router: recovered stranded jobs", "count", recovered)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	// Job execution runs on its own context so Stop can halt dispatching
	// while in-flight executors finish within the caller's deadline.
	r.execCtx, r.execCancel = context.WithCancel(context.Background())
	r.started = true

	r.wg.Add(3)
	go func() { defer r.wg.Done(); r.dispatchLoop(runCtx) }()
	go func() { defer r.wg.Done(); r.watchdogLoop(runCtx) }()
	go func() { defer r.wg.Done(); r.notifier.run(runCtx, r.cfg.PollInterval) }()

	r.logger.Info("router started", "max_in_flight", r.cfg.MaxInFlight, "tiers", len(r.cfg.Tiers))
	return nil
}

// Stop cancels the loops, waits for in-flight jobs to wind down, and closes
// the store. Idempotent.
func (r *Router) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return nil
	}
	// Phase one: stop claiming and sweeping, let in-flight executors run.
	r.cancel()
	done := make(chan struct{})
	go func() { r.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		// Phase two: the deadline passed, abort whatever is still running.
		r.logger.Warn("router: stop deadline hit, aborting in-flight jobs")
		r.execCancel()
		<-done
	}
	r.execCancel()
	r.started = false
	r.logger.Info("router stopped")
	return r.store.Close()
}

// dispatchLoop advances the queue: runnable pending jobs first, then one
// evaluation per pass. Execution is bounded by the in-flight semaphore;
// evaluation is serial.
func (r *Router) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		advanced := false

		// Fill free execution slots from the pending set. Jobs run on the
		// execution context so a Stop does not cut them off mid-call.
		for len(r.inflight) < cap(r.inflight) {
			job, err := r.store.ClaimPending(ctx, r.workerID)
			if err != nil {
				r.logger.Error("router: claim failed", "error", err)
				break
			}
			if job == nil {
				break
			}
			advanced = true
			r.inflight <- struct{}{}
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				defer func() { <-r.inflight }()
				r.runJob(r.execCtx, *job)
			}()
		}

		// One evaluation per pass keeps the scorer from starving execution.
		job, err := r.store.DequeueForEvaluation(ctx)
		if err != nil {
			r.logger.Error("router: dequeue failed", "error", err)
		} else if job != nil {
			advanced = true
			weight := r.eval.Evaluate(ctx, job.Prompt)
			tier, model := r.eval.TierFor(weight)
			if err := r.store.SetEvaluation(ctx, job.ID, weight, tier, model); err != nil {
				r.logger.Error("router: set evaluation failed", "job", job.ID, "error", err)
			} else {
				r.logger.Info("router: job evaluated", "job", job.ID, "weight", weight, "tier", tier)
			}
		}

		if !advanced {
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.cfg.PollInterval):
			}
		}
	}
}
