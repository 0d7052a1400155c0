package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	cortex "github.com/SerjRs/cortex"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "cortex.db"), "agent:test:cortex")
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func enqueue(t *testing.T, s *Store, channel, content string, prio cortex.Priority) string {
	t.Helper()
	id, err := s.Enqueue(context.Background(), cortex.Envelope{
		Channel:  channel,
		Sender:   cortex.Sender{ID: "u1"},
		Content:  content,
		Priority: prio,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return id
}

func TestEnqueueClaimRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := enqueue(t, s, "telegram", "hello", cortex.PriorityNormal)

	env, err := s.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if env == nil || env.ID != id {
		t.Fatalf("claimed %+v, want %s", env, id)
	}
	if env.Channel != "telegram" || env.Content != "hello" || env.Sender.ID != "u1" {
		t.Errorf("envelope fields lost: %+v", env)
	}
}

func TestClaimEmptyQueueReturnsNil(t *testing.T) {
	s := newTestStore(t)
	env, err := s.ClaimNext(context.Background())
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if env != nil {
		t.Fatalf("claimed %+v from an empty queue", env)
	}
}

func TestClaimPriorityOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	bg := enqueue(t, s, "c", "background", cortex.PriorityBackground)
	n1 := enqueue(t, s, "c", "normal first", cortex.PriorityNormal)
	n2 := enqueue(t, s, "c", "normal second", cortex.PriorityNormal)
	ug := enqueue(t, s, "c", "urgent", cortex.PriorityUrgent)

	want := []string{ug, n1, n2, bg}
	for i, expected := range want {
		env, err := s.ClaimNext(ctx)
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if env == nil || env.ID != expected {
			t.Fatalf("claim %d = %+v, want %s", i, env, expected)
		}
		if err := s.CompleteEnvelope(ctx, env.ID); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}
}

func TestClaimBlocksWhileOneInFlight(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := enqueue(t, s, "c", "one", cortex.PriorityNormal)
	enqueue(t, s, "c", "two", cortex.PriorityNormal)

	env, err := s.ClaimNext(ctx)
	if err != nil || env == nil || env.ID != first {
		t.Fatalf("first claim = %+v, %v", env, err)
	}

	// A second claim with one processing must yield nothing.
	second, err := s.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if second != nil {
		t.Fatalf("claimed %+v while another envelope is in flight", second)
	}

	if err := s.CompleteEnvelope(ctx, first); err != nil {
		t.Fatalf("complete: %v", err)
	}
	third, err := s.ClaimNext(ctx)
	if err != nil || third == nil {
		t.Fatalf("claim after completion = %+v, %v", third, err)
	}
}

func TestFailEnvelopeRecordsReason(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := enqueue(t, s, "c", "x", cortex.PriorityNormal)
	if _, err := s.ClaimNext(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.FailEnvelope(ctx, id, "assembly blew up"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	var state, reason string
	err := s.db.QueryRow(`SELECT state, error FROM bus WHERE id = ?`, id).Scan(&state, &reason)
	if err != nil {
		t.Fatal(err)
	}
	if state != cortex.EnvelopeFailed || reason != "assembly blew up" {
		t.Errorf("state=%q reason=%q", state, reason)
	}
}

func TestCountPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	enqueue(t, s, "c", "a", cortex.PriorityNormal)
	enqueue(t, s, "c", "b", cortex.PriorityNormal)

	n, err := s.CountPending(ctx)
	if err != nil || n != 2 {
		t.Fatalf("count = %d, %v", n, err)
	}
	if _, err := s.ClaimNext(ctx); err != nil {
		t.Fatal(err)
	}
	n, _ = s.CountPending(ctx)
	if n != 1 {
		t.Errorf("count after claim = %d", n)
	}
}

func TestRecoverStalled(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := enqueue(t, s, "c", "crashed mid-turn", cortex.PriorityNormal)
	if _, err := s.ClaimNext(ctx); err != nil {
		t.Fatal(err)
	}

	n, err := s.RecoverStalled(ctx)
	if err != nil || n != 1 {
		t.Fatalf("recover = %d, %v", n, err)
	}
	env, err := s.ClaimNext(ctx)
	if err != nil || env == nil || env.ID != id {
		t.Fatalf("reclaim after recover = %+v, %v", env, err)
	}
}

func TestEnqueuePreservesReplyContextAndMetadata(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.Enqueue(ctx, cortex.Envelope{
		Channel:      cortex.ChannelRouter,
		Sender:       cortex.Sender{ID: "router"},
		Content:      "result",
		Priority:     cortex.PriorityNormal,
		ReplyContext: &cortex.ReplyContext{Channel: "telegram", MessageID: "m1"},
		Metadata:     map[string]string{"job_id": "j1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	env, err := s.ClaimNext(ctx)
	if err != nil || env == nil {
		t.Fatal(err)
	}
	if env.ReplyContext == nil || env.ReplyContext.Channel != "telegram" || env.ReplyContext.MessageID != "m1" {
		t.Errorf("reply context = %+v", env.ReplyContext)
	}
	if env.Metadata["job_id"] != "j1" {
		t.Errorf("metadata = %+v", env.Metadata)
	}
}

func TestEnqueueRejectsEmptyChannel(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Enqueue(context.Background(), cortex.Envelope{Content: "x"}); err == nil {
		t.Fatal("expected error for empty channel")
	}
}
