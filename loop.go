package cortex

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// Turn phases, for introspection and logging. Exactly one envelope is in
// flight at a time; the phase names where in its turn the loop is.
const (
	PhaseIdle        = "idle"
	PhaseClaimed     = "claimed"
	PhaseInLLM       = "in_llm"
	PhaseDispatching = "dispatching"
	PhaseFinalizing  = "finalizing"
)

// spawnDispatchMarker is appended to the assistant's session record once per
// sessions_spawn call, so the transcript shows the delegation happened even
// when the text portion was silent.
const spawnDispatchMarker = "[DISPATCHED THROUGH sessions_spawn]"

// loop is the serial turn executor. It owns the claim-process-complete cycle
// and everything inside one turn; concurrency exists only outside it.
type loop struct {
	store    Store
	asm      *assembler
	hippo    *Hippocampus // nil when the hippocampus is disabled
	registry *AdapterRegistry
	cfg      Config
	tracer   Tracer
	metrics  Metrics
	logger   *slog.Logger

	phase atomic.Value // string
}

func newLoop(store Store, asm *assembler, hippo *Hippocampus, registry *AdapterRegistry, cfg Config) *loop {
	l := &loop{
		store:    store,
		asm:      asm,
		hippo:    hippo,
		registry: registry,
		cfg:      cfg,
		tracer:   cfg.Tracer,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}
	l.phase.Store(PhaseIdle)
	return l
}

// Phase returns the loop's current turn phase.
func (l *loop) Phase() string {
	return l.phase.Load().(string)
}

// run polls the bus until the context is cancelled. A turn in progress when
// cancellation arrives finishes; the claim that would start the next turn
// does not happen.
func (l *loop) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		env, err := l.store.ClaimNext(ctx)
		if err != nil {
			l.logger.Error("bus claim failed", "error", err)
			l.cfg.OnError(err)
			l.sleep(ctx)
			continue
		}
		if env == nil {
			l.sleep(ctx)
			continue
		}
		l.metrics.BusDepth(-1)
		// The turn runs on Background so mid-turn cancellation cannot tear
		// the store writes; the envelope either completes or is recovered
		// as stalled on the next start.
		l.processTurn(context.Background(), env)
	}
}

func (l *loop) sleep(ctx context.Context) {
	l.phase.Store(PhaseIdle)
	select {
	case <-ctx.Done():
	case <-time.After(l.cfg.PollInterval):
	}
}

// processTurn runs one full turn for a claimed envelope. Failures inside the
// turn degrade to a silent turn; the envelope always reaches a terminal bus
// state.
func (l *loop) processTurn(ctx context.Context, env *Envelope) {
	l.phase.Store(PhaseClaimed)
	defer l.phase.Store(PhaseIdle)

	var span Span
	if l.tracer != nil {
		ctx, span = l.tracer.Start(ctx, "cortex.turn",
			StringAttr("envelope_id", env.ID),
			StringAttr("channel", env.Channel),
			StringAttr("priority", string(env.Priority)))
		defer span.End()
	}
	start := time.Now()
	l.logger.Info("turn started", "envelope", env.ID, "channel", env.Channel, "priority", env.Priority)

	// The user turn is durable before the model ever sees it.
	if _, err := l.store.AppendUserMessage(ctx, *env); err != nil {
		l.failTurn(ctx, env, span, fmt.Errorf("append user message: %w", err))
		return
	}
	if err := l.store.MarkChannelActive(ctx, env.Channel, NowUnix()); err != nil {
		l.logger.Warn("mark channel active failed", "channel", env.Channel, "error", err)
	}

	ac, surfaced, err := l.asm.assemble(ctx, env)
	if err != nil {
		l.failTurn(ctx, env, span, err)
		return
	}

	l.phase.Store(PhaseInLLM)
	llmStart := time.Now()
	result, err := l.cfg.CallLLM(ctx, ac)
	l.metrics.LLMCall(time.Since(llmStart), err != nil)
	if err != nil {
		// A model failure is a silent turn, not a failed envelope: the
		// input stays recorded and the loop moves on.
		llmErr := &ErrLLM{Stage: "turn", Message: err.Error()}
		if span != nil {
			span.Error(llmErr)
		}
		l.cfg.OnError(llmErr)
		l.logger.Error("llm call failed, turn degrades to silence", "envelope", env.ID, "error", err)
		result = LLMResult{}
	}

	l.phase.Store(PhaseDispatching)
	spawns := l.dispatchTools(ctx, env, ac, result.ToolCalls)

	targets := BuildTargets(env, result.Text)
	sent := l.registry.Dispatch(ctx, targets)
	silent := len(targets) == 0

	l.phase.Store(PhaseFinalizing)
	content := silenceOrText(result.Text)
	for i := 0; i < spawns; i++ {
		if content != "" {
			content += "\n"
		}
		content += spawnDispatchMarker
	}
	if _, err := l.store.AppendAssistantMessage(ctx, env.ID, ac.ForegroundChannel, content); err != nil {
		l.logger.Error("append assistant message failed", "envelope", env.ID, "error", err)
		l.cfg.OnError(err)
	}

	// Acknowledge only the terminal ops this turn's prompt actually showed.
	// Anything that went terminal mid-turn stays unread for the next one.
	if len(surfaced) > 0 {
		if _, err := l.store.AcknowledgeOps(ctx, surfaced); err != nil {
			l.logger.Error("acknowledge surfaced ops failed", "error", err)
			l.cfg.OnError(err)
		}
	}

	if err := l.store.CompleteEnvelope(ctx, env.ID); err != nil {
		l.logger.Error("complete envelope failed", "envelope", env.ID, "error", err)
		l.cfg.OnError(err)
		return
	}
	if span != nil {
		span.SetAttr(BoolAttr("silent", silent), IntAttr("sent", sent), IntAttr("spawns", spawns))
	}
	l.metrics.TurnCompleted(silent, time.Since(start))
	l.logger.Info("turn completed", "envelope", env.ID, "silent", silent,
		"sent", sent, "spawns", spawns, "duration", time.Since(start))
	l.cfg.OnMessageComplete(env.ID, env.ReplyContext, silent)
}

// failTurn handles pre-LLM failures: the envelope goes to failed with the
// reason and the turn ends. No assistant record, no acknowledgements.
func (l *loop) failTurn(ctx context.Context, env *Envelope, span Span, err error) {
	if span != nil {
		span.Error(err)
	}
	l.cfg.OnError(err)
	l.logger.Error("turn failed", "envelope", env.ID, "error", err)
	if ferr := l.store.FailEnvelope(ctx, env.ID, err.Error()); ferr != nil {
		l.logger.Error("fail envelope failed", "envelope", env.ID, "error", ferr)
	}
}

// dispatchTools executes the model's tool calls and returns how many spawn
// dispatches succeeded. Every call gets a durable pending op before any
// external effect; a bad call fails its own op and never the turn.
func (l *loop) dispatchTools(ctx context.Context, env *Envelope, ac AssembledContext, calls []ToolCall) int {
	spawns := 0
	for _, tc := range calls {
		l.metrics.ToolDispatched(tc.Name)
		action, err := parseToolCall(tc)
		if err != nil {
			l.recordBadCall(ctx, tc, err)
			continue
		}
		switch a := action.(type) {
		case spawnCall:
			if l.dispatchSpawn(ctx, env, ac, a) {
				spawns++
			}
		case memoryQueryCall:
			l.dispatchMemoryQuery(ctx, a)
		case unknownCall:
			op := PendingOp{ID: NewID(), Type: opType(a), Description: opDescription(a)}
			if err := l.store.AddPendingOp(ctx, op); err != nil {
				l.logger.Error("add pending op failed", "error", err)
				continue
			}
			if err := l.store.FailPendingOp(ctx, op.ID, "unknown tool: "+a.Name); err != nil {
				l.logger.Error("fail pending op failed", "id", op.ID, "error", err)
			}
		}
	}
	return spawns
}

// recordBadCall turns an unparseable tool call into a failed op so the model
// sees its own mistake next turn.
func (l *loop) recordBadCall(ctx context.Context, tc ToolCall, parseErr error) {
	l.logger.Warn("tool call rejected", "name", tc.Name, "error", parseErr)
	op := PendingOp{ID: NewID(), Type: "invalid", Description: "tool call " + tc.Name}
	if err := l.store.AddPendingOp(ctx, op); err != nil {
		l.logger.Error("add pending op failed", "error", err)
		return
	}
	if err := l.store.FailPendingOp(ctx, op.ID, parseErr.Error()); err != nil {
		l.logger.Error("fail pending op failed", "id", op.ID, "error", err)
	}
}

// dispatchSpawn records the op, then hands the task to the wired executor.
// The op row exists before the external call fires, so a crash between the
// two leaves a visible PENDING entry instead of a lost task.
func (l *loop) dispatchSpawn(ctx context.Context, env *Envelope, ac AssembledContext, call spawnCall) bool {
	op := PendingOp{
		ID:             NewID(),
		Type:           OpTypeRouterJob,
		Description:    call.Task,
		ReturnChannel:  ChannelRouter,
		ReplyChannel:   ac.ForegroundChannel,
		ResultPriority: call.Priority,
	}
	if err := l.store.AddPendingOp(ctx, op); err != nil {
		l.logger.Error("add spawn op failed", "error", err)
		l.cfg.OnError(err)
		return false
	}
	if l.cfg.OnSpawn == nil {
		_ = l.store.FailPendingOp(ctx, op.ID, "no executor configured")
		return false
	}
	jobID, err := l.cfg.OnSpawn(ctx, SpawnParams{
		TaskID:       op.ID,
		Task:         call.Task,
		Priority:     call.Priority,
		Issuer:       l.cfg.AgentID,
		ReplyChannel: ac.ForegroundChannel,
	})
	if err != nil || jobID == "" {
		reason := "spawn rejected"
		if err != nil {
			reason = err.Error()
		}
		if ferr := l.store.FailPendingOp(ctx, op.ID, reason); ferr != nil {
			l.logger.Error("fail spawn op failed", "id", op.ID, "error", ferr)
		}
		l.logger.Warn("spawn dispatch failed", "op", op.ID, "error", reason)
		return false
	}
	l.logger.Info("task spawned", "op", op.ID, "job", jobID, "priority", call.Priority)
	return true
}

// dispatchMemoryQuery runs the query inline and records its outcome as a
// terminal op, so the results surface as NEW RESULT in the next prompt.
func (l *loop) dispatchMemoryQuery(ctx context.Context, call memoryQueryCall) {
	op := PendingOp{ID: NewID(), Type: "memory_query", Description: opDescription(call)}
	if err := l.store.AddPendingOp(ctx, op); err != nil {
		l.logger.Error("add memory op failed", "error", err)
		return
	}
	if l.hippo == nil {
		_ = l.store.FailPendingOp(ctx, op.ID, "memory is disabled")
		return
	}
	l.metrics.MemoryQuery()
	hits, err := l.hippo.Query(ctx, call.Query, call.Limit)
	if err != nil {
		if ferr := l.store.FailPendingOp(ctx, op.ID, err.Error()); ferr != nil {
			l.logger.Error("fail memory op failed", "id", op.ID, "error", ferr)
		}
		return
	}
	if err := l.store.CompletePendingOp(ctx, op.ID, renderHits(hits)); err != nil {
		l.logger.Error("complete memory op failed", "id", op.ID, "error", err)
	}
}

// silenceOrText normalizes the model text for the session record.
func silenceOrText(text string) string {
	if IsSilence(text) {
		return ""
	}
	content, _ := ParseDirectives(text)
	return strings.TrimSpace(content)
}
