package cortex

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
)

// recordingAdapter captures outbound targets.
type recordingAdapter struct {
	mu      sync.Mutex
	channel string
	sent    []OutputTarget
	err     error
}

func (r *recordingAdapter) ChannelID() string { return r.channel }
func (r *recordingAdapter) IsAvailable() bool { return true }
func (r *recordingAdapter) Send(_ context.Context, target OutputTarget) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, target)
	return nil
}

type loopFixture struct {
	store    *fakeStore
	mem      *fakeMemStore
	adapter  *recordingAdapter
	loop     *loop
	complete []bool // silent flags from OnMessageComplete
}

func newLoopFixture(t *testing.T, llm LLMFunc, mutate func(*Config)) *loopFixture {
	t.Helper()
	f := &loopFixture{
		store:   newFakeStore(),
		mem:     newFakeMemStore(),
		adapter: &recordingAdapter{channel: "telegram"},
	}
	cfg := Config{
		AgentID: "iris",
		CallLLM: llm,
		OnMessageComplete: func(_ string, _ *ReplyContext, silent bool) {
			f.complete = append(f.complete, silent)
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	cfg = cfg.withDefaults()
	registry := NewAdapterRegistry(nil)
	registry.Register(f.adapter)
	hippo := NewHippocampus(f.mem, cfg.EmbedFn, nil)
	asm := testAssembler(f.store, f.mem)
	f.loop = newLoop(f.store, asm, hippo, registry, cfg)
	return f
}

func staticLLM(result LLMResult, err error) LLMFunc {
	return func(context.Context, AssembledContext) (LLMResult, error) {
		return result, err
	}
}

func TestTurnSimpleReply(t *testing.T) {
	f := newLoopFixture(t, staticLLM(LLMResult{Text: "hello back"}, nil), nil)
	env := &Envelope{ID: "e1", Channel: "telegram", Sender: Sender{ID: "u1"}, Content: "hello"}

	f.loop.processTurn(context.Background(), env)

	if len(f.adapter.sent) != 1 || f.adapter.sent[0].Content != "hello back" {
		t.Fatalf("sent = %+v", f.adapter.sent)
	}
	if f.store.claimed["e1"] != EnvelopeCompleted {
		t.Errorf("envelope state = %q", f.store.claimed["e1"])
	}
	if len(f.store.messages) != 2 {
		t.Fatalf("messages = %+v", f.store.messages)
	}
	if f.store.messages[1].Role != RoleAssistant || f.store.messages[1].Content != "hello back" {
		t.Errorf("assistant record = %+v", f.store.messages[1])
	}
	if len(f.complete) != 1 || f.complete[0] {
		t.Errorf("complete callbacks = %v, want one non-silent", f.complete)
	}
}

// TestTurnPromotesEnvelopeChannel pins which channel-state row a turn
// touches: the envelope's own channel, stamped with the claim time, even
// when a reply context points the foreground override elsewhere.
func TestTurnPromotesEnvelopeChannel(t *testing.T) {
	f := newLoopFixture(t, staticLLM(LLMResult{Text: "noted"}, nil), nil)
	env := &Envelope{
		ID: "e1", Channel: ChannelRouter, Content: "job result",
		ReplyContext: &ReplyContext{Channel: "telegram"},
		CreatedAt:    NowUnix() - 3600,
	}

	f.loop.processTurn(context.Background(), env)

	st, ok := f.store.channels[ChannelRouter]
	if !ok {
		t.Fatalf("channels = %+v, want the router channel promoted", f.store.channels)
	}
	if st.Layer != LayerForeground || st.UnreadCount != 1 {
		t.Errorf("state = %+v", st)
	}
	if st.LastMessageAt == env.CreatedAt || st.LastMessageAt < NowUnix()-5 {
		t.Errorf("last message at = %d, want the claim time, not the enqueue time", st.LastMessageAt)
	}
	if _, ok := f.store.channels["telegram"]; ok {
		t.Error("reply-context channel promoted instead of the envelope's own")
	}
}

func TestTurnSilenceSentinel(t *testing.T) {
	f := newLoopFixture(t, staticLLM(LLMResult{Text: "NO_REPLY"}, nil), nil)
	env := &Envelope{ID: "e1", Channel: "telegram", Content: "fyi only"}

	f.loop.processTurn(context.Background(), env)

	if len(f.adapter.sent) != 0 {
		t.Errorf("silent turn sent %+v", f.adapter.sent)
	}
	if f.store.messages[1].Content != SilenceMarker {
		t.Errorf("assistant record = %q, want %q", f.store.messages[1].Content, SilenceMarker)
	}
	if f.store.claimed["e1"] != EnvelopeCompleted {
		t.Error("silent turn must still complete the envelope")
	}
	if len(f.complete) != 1 || !f.complete[0] {
		t.Errorf("complete callbacks = %v, want one silent", f.complete)
	}
}

func TestTurnLLMErrorDegradesToSilence(t *testing.T) {
	var seen error
	f := newLoopFixture(t, staticLLM(LLMResult{}, fmt.Errorf("model on fire")), func(c *Config) {
		c.OnError = func(err error) { seen = err }
	})
	env := &Envelope{ID: "e1", Channel: "telegram", Content: "hello?"}

	f.loop.processTurn(context.Background(), env)

	if f.store.claimed["e1"] != EnvelopeCompleted {
		t.Errorf("envelope state = %q, want completed", f.store.claimed["e1"])
	}
	if len(f.adapter.sent) != 0 {
		t.Errorf("failed LLM turn sent %+v", f.adapter.sent)
	}
	if f.store.messages[1].Content != SilenceMarker {
		t.Errorf("assistant record = %q", f.store.messages[1].Content)
	}
	var llmErr *ErrLLM
	if seen == nil || !asErrLLM(seen, &llmErr) {
		t.Errorf("OnError got %v, want *ErrLLM", seen)
	}
}

func asErrLLM(err error, target **ErrLLM) bool {
	e, ok := err.(*ErrLLM)
	if ok {
		*target = e
	}
	return ok
}

func TestTurnSpawnDispatch(t *testing.T) {
	var spawned []SpawnParams
	llm := staticLLM(LLMResult{
		Text: "NO_REPLY",
		ToolCalls: []ToolCall{{
			ID: "c1", Name: ToolSessionsSpawn,
			Args: json.RawMessage(`{"task":"summarize the report","priority":"background"}`),
		}},
	}, nil)
	f := newLoopFixture(t, llm, func(c *Config) {
		c.OnSpawn = func(_ context.Context, p SpawnParams) (string, error) {
			spawned = append(spawned, p)
			return "job-1", nil
		}
	})
	env := &Envelope{ID: "e1", Channel: "telegram", Content: "please summarize the report later"}

	f.loop.processTurn(context.Background(), env)

	if len(spawned) != 1 {
		t.Fatalf("spawned = %+v", spawned)
	}
	if spawned[0].Task != "summarize the report" || spawned[0].Priority != PriorityBackground {
		t.Errorf("spawn params = %+v", spawned[0])
	}
	if spawned[0].ReplyChannel != "telegram" {
		t.Errorf("reply channel = %q", spawned[0].ReplyChannel)
	}

	op, _ := f.store.GetPendingOp(context.Background(), spawned[0].TaskID)
	if op == nil || op.Status != OpPending {
		t.Fatalf("pending op = %+v", op)
	}
	if op.Type != OpTypeRouterJob || op.ReplyChannel != "telegram" {
		t.Errorf("op fields = %+v", op)
	}

	assistant := f.store.messages[1]
	if !strings.Contains(assistant.Content, "[DISPATCHED THROUGH sessions_spawn]") {
		t.Errorf("assistant record missing dispatch marker: %q", assistant.Content)
	}
	if len(f.adapter.sent) != 0 {
		t.Errorf("spawn-only turn sent %+v", f.adapter.sent)
	}
}

func TestTurnSpawnRejectedFailsOp(t *testing.T) {
	llm := staticLLM(LLMResult{
		Text: "on it",
		ToolCalls: []ToolCall{{
			Name: ToolSessionsSpawn, Args: json.RawMessage(`{"task":"x"}`),
		}},
	}, nil)
	f := newLoopFixture(t, llm, func(c *Config) {
		c.OnSpawn = func(context.Context, SpawnParams) (string, error) {
			return "", fmt.Errorf("queue is closed")
		}
	})
	env := &Envelope{ID: "e1", Channel: "telegram", Content: "go"}

	f.loop.processTurn(context.Background(), env)

	if len(f.store.ops) != 1 {
		t.Fatalf("ops = %d, want 1", len(f.store.ops))
	}
	for _, op := range f.store.ops {
		if op.Status != OpFailed || op.Result != "queue is closed" {
			t.Errorf("op = %+v, want failed with reason", op)
		}
	}
	// The failed dispatch must not add a dispatch marker.
	if strings.Contains(f.store.messages[1].Content, "[DISPATCHED") {
		t.Errorf("assistant record = %q", f.store.messages[1].Content)
	}
}

func TestTurnMemoryQueryCompletesOp(t *testing.T) {
	llm := staticLLM(LLMResult{
		Text: "NO_REPLY",
		ToolCalls: []ToolCall{{
			Name: ToolMemoryQuery, Args: json.RawMessage(`{"query":"wifi"}`),
		}},
	}, nil)
	f := newLoopFixture(t, llm, nil)
	f.mem.InsertHotFact(context.Background(), "the wifi password is hunter2")

	f.loop.processTurn(context.Background(), &Envelope{ID: "e1", Channel: "telegram", Content: "?"})

	if len(f.store.ops) != 1 {
		t.Fatalf("ops = %d, want 1", len(f.store.ops))
	}
	for _, op := range f.store.ops {
		if op.Status != OpCompleted {
			t.Errorf("op status = %v", op.Status)
		}
		if !strings.Contains(op.Result, "hunter2") {
			t.Errorf("op result = %q", op.Result)
		}
	}
}

func TestTurnUnknownToolFailsOpOnly(t *testing.T) {
	llm := staticLLM(LLMResult{
		Text: "done",
		ToolCalls: []ToolCall{{
			Name: "teleport", Args: json.RawMessage(`{}`),
		}},
	}, nil)
	f := newLoopFixture(t, llm, nil)

	f.loop.processTurn(context.Background(), &Envelope{ID: "e1", Channel: "telegram", Content: "go"})

	if f.store.claimed["e1"] != EnvelopeCompleted {
		t.Error("unknown tool must not fail the turn")
	}
	if len(f.adapter.sent) != 1 {
		t.Errorf("text portion should still send: %+v", f.adapter.sent)
	}
	for _, op := range f.store.ops {
		if op.Status != OpFailed {
			t.Errorf("op = %+v, want failed", op)
		}
	}
}

func TestTurnAcknowledgesOnlySurfacedOps(t *testing.T) {
	var f *loopFixture
	f = newLoopFixture(t, func(ctx context.Context, ac AssembledContext) (LLMResult, error) {
		// A second op completes while the model is thinking.
		f.store.AddPendingOp(ctx, PendingOp{ID: "late", Type: OpTypeRouterJob, Description: "late op"})
		f.store.CompletePendingOp(ctx, "late", "late result")
		return LLMResult{Text: "saw the early result"}, nil
	}, nil)

	ctx := context.Background()
	f.store.AddPendingOp(ctx, PendingOp{ID: "early", Type: OpTypeRouterJob, Description: "early op"})
	f.store.CompletePendingOp(ctx, "early", "early result")

	f.loop.processTurn(ctx, &Envelope{ID: "e1", Channel: "telegram", Content: "hi"})

	early, _ := f.store.GetPendingOp(ctx, "early")
	if early.AcknowledgedAt == 0 {
		t.Error("surfaced op must be acknowledged")
	}
	late, _ := f.store.GetPendingOp(ctx, "late")
	if late.AcknowledgedAt != 0 {
		t.Error("op completed mid-turn must stay unread for the next turn")
	}
}

func TestTurnDirectiveFanOut(t *testing.T) {
	slack := &recordingAdapter{channel: "slack"}
	f := newLoopFixture(t, staticLLM(LLMResult{Text: "[[send_to:slack]][[send_to:telegram]]heads up"}, nil), nil)
	f.loop.registry.Register(slack)

	f.loop.processTurn(context.Background(), &Envelope{ID: "e1", Channel: "telegram", Content: "x"})

	if len(slack.sent) != 1 || slack.sent[0].Content != "heads up" {
		t.Errorf("slack sent = %+v", slack.sent)
	}
	if len(f.adapter.sent) != 1 {
		t.Errorf("telegram sent = %+v", f.adapter.sent)
	}
}

func TestTurnMissingAdapterDropsNotFails(t *testing.T) {
	f := newLoopFixture(t, staticLLM(LLMResult{Text: "[[send_to:nowhere]]lost"}, nil), nil)

	f.loop.processTurn(context.Background(), &Envelope{ID: "e1", Channel: "telegram", Content: "x"})

	if f.store.claimed["e1"] != EnvelopeCompleted {
		t.Error("missing adapter must not fail the turn")
	}
	if len(f.adapter.sent) != 0 {
		t.Errorf("telegram got %+v", f.adapter.sent)
	}
}
