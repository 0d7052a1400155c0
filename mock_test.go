package cortex

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// fakeStore is an in-memory Store for loop and assembler tests.
type fakeStore struct {
	mu sync.Mutex

	queue     []Envelope
	claimed   map[string]string // envelope id -> terminal state
	failures  map[string]string // envelope id -> reason
	messages  []SessionMessage
	extracted []int64
	channels  map[string]ChannelState
	ops       map[string]*PendingOp
	opOrder   []string
	ckpts     []Checkpoint

	nextSeq int64

	// enqueueErr forces Enqueue to fail.
	enqueueErr error
	// inboxErr forces Inbox to fail.
	inboxErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		claimed:  make(map[string]string),
		failures: make(map[string]string),
		channels: make(map[string]ChannelState),
		ops:      make(map[string]*PendingOp),
	}
}

func (f *fakeStore) Enqueue(_ context.Context, env Envelope) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return "", f.enqueueErr
	}
	if env.ID == "" {
		env.ID = NewID()
	}
	f.queue = append(f.queue, env)
	return env.ID, nil
}

func (f *fakeStore) ClaimNext(context.Context) (*Envelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return nil, nil
	}
	env := f.queue[0]
	f.queue = f.queue[1:]
	return &env, nil
}

func (f *fakeStore) CompleteEnvelope(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claimed[id] = EnvelopeCompleted
	return nil
}

func (f *fakeStore) FailEnvelope(_ context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claimed[id] = EnvelopeFailed
	f.failures[id] = reason
	return nil
}

func (f *fakeStore) CountPending(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue), nil
}

func (f *fakeStore) RecoverStalled(context.Context) (int, error) { return 0, nil }

func (f *fakeStore) AppendUserMessage(_ context.Context, env Envelope) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSeq++
	f.messages = append(f.messages, SessionMessage{
		Seq: f.nextSeq, EnvelopeID: env.ID, Role: RoleUser,
		Channel: env.Channel, SenderID: env.Sender.ID, Content: env.Content,
	})
	return f.nextSeq, nil
}

func (f *fakeStore) AppendAssistantMessage(_ context.Context, envelopeID, channel, content string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if content == "" {
		content = SilenceMarker
	}
	f.nextSeq++
	f.messages = append(f.messages, SessionMessage{
		Seq: f.nextSeq, EnvelopeID: envelopeID, Role: RoleAssistant,
		Channel: channel, Content: content,
	})
	return f.nextSeq, nil
}

func (f *fakeStore) History(_ context.Context, channel string, limit int) ([]SessionMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []SessionMessage
	for _, m := range f.messages {
		if channel == "" || m.Channel == channel {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *fakeStore) UnextractedMessages(_ context.Context, limit int) ([]SessionMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	done := make(map[int64]bool, len(f.extracted))
	for _, seq := range f.extracted {
		done[seq] = true
	}
	var out []SessionMessage
	for _, m := range f.messages {
		if !done[m.Seq] {
			out = append(out, m)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) MarkExtracted(_ context.Context, seqs []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extracted = append(f.extracted, seqs...)
	return nil
}

func (f *fakeStore) MarkChannelActive(_ context.Context, channel string, at int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.channels[channel]
	st.Channel = channel
	st.LastMessageAt = at
	st.UnreadCount++
	st.Layer = LayerForeground
	f.channels[channel] = st
	return nil
}

func (f *fakeStore) UpsertChannelState(_ context.Context, st ChannelState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels[st.Channel] = st
	return nil
}

func (f *fakeStore) GetChannelState(_ context.Context, channel string) (*ChannelState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.channels[channel]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (f *fakeStore) ActiveChannels(context.Context) ([]ChannelState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ChannelState
	for _, st := range f.channels {
		if st.Layer != LayerArchived {
			out = append(out, st)
		}
	}
	return out, nil
}

func (f *fakeStore) IdleForegroundChannels(_ context.Context, olderThan int64) ([]ChannelState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ChannelState
	for _, st := range f.channels {
		if st.Layer == LayerForeground && st.LastMessageAt < olderThan {
			out = append(out, st)
		}
	}
	return out, nil
}

func (f *fakeStore) CompactChannel(_ context.Context, channel, summary string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.channels[channel]
	st.Channel = channel
	st.Summary = summary
	st.Layer = LayerBackground
	st.UnreadCount = 0
	f.channels[channel] = st
	return nil
}

func (f *fakeStore) AddPendingOp(_ context.Context, op PendingOp) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if op.ID == "" {
		return fmt.Errorf("empty op id")
	}
	if op.Status == "" {
		op.Status = OpPending
	}
	cp := op
	f.ops[op.ID] = &cp
	f.opOrder = append(f.opOrder, op.ID)
	return nil
}

func (f *fakeStore) GetPendingOp(_ context.Context, id string) (*PendingOp, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	op, ok := f.ops[id]
	if !ok {
		return nil, nil
	}
	cp := *op
	return &cp, nil
}

func (f *fakeStore) CompletePendingOp(_ context.Context, id, result string) error {
	return f.finishOp(id, OpCompleted, result)
}

func (f *fakeStore) FailPendingOp(_ context.Context, id, reason string) error {
	return f.finishOp(id, OpFailed, reason)
}

func (f *fakeStore) finishOp(id string, status OpStatus, result string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	op, ok := f.ops[id]
	if !ok {
		return fmt.Errorf("unknown op %s", id)
	}
	op.Status = status
	op.Result = result
	op.CompletedAt = NowUnix()
	op.AcknowledgedAt = 0
	return nil
}

func (f *fakeStore) MarkOpGardened(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if op, ok := f.ops[id]; ok {
		op.Status = OpGardened
		op.GardenedAt = NowUnix()
	}
	return nil
}

func (f *fakeStore) UngardenedOps(context.Context) ([]PendingOp, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []PendingOp
	for _, id := range f.opOrder {
		op := f.ops[id]
		if op.Status == OpCompleted && op.GardenedAt == 0 {
			out = append(out, *op)
		}
	}
	return out, nil
}

func (f *fakeStore) ArchiveOpsOlderThan(_ context.Context, days int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := NowUnix() - int64(days)*86400
	n := 0
	for _, op := range f.ops {
		terminal := op.Status == OpCompleted || op.Status == OpFailed || op.Status == OpGardened
		if terminal && op.AcknowledgedAt != 0 && op.CompletedAt < cutoff {
			op.Status = OpArchived
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) Inbox(context.Context) ([]PendingOp, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inboxErr != nil {
		return nil, f.inboxErr
	}
	var out []PendingOp
	for _, id := range f.opOrder {
		op := f.ops[id]
		if op.Status == OpPending {
			out = append(out, *op)
			continue
		}
		if (op.Status == OpCompleted || op.Status == OpFailed) && op.AcknowledgedAt == 0 {
			out = append(out, *op)
		}
	}
	return out, nil
}

func (f *fakeStore) AcknowledgeInbox(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, op := range f.ops {
		if (op.Status == OpCompleted || op.Status == OpFailed) && op.AcknowledgedAt == 0 {
			op.AcknowledgedAt = NowUnix()
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) AcknowledgeOps(_ context.Context, ids []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, id := range ids {
		op, ok := f.ops[id]
		if !ok {
			continue
		}
		if (op.Status == OpCompleted || op.Status == OpFailed) && op.AcknowledgedAt == 0 {
			op.AcknowledgedAt = NowUnix()
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) SaveCheckpoint(_ context.Context, cp Checkpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp.ID = int64(len(f.ckpts) + 1)
	f.ckpts = append(f.ckpts, cp)
	return nil
}

func (f *fakeStore) LatestCheckpoint(context.Context) (*Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ckpts) == 0 {
		return nil, nil
	}
	cp := f.ckpts[len(f.ckpts)-1]
	return &cp, nil
}

func (f *fakeStore) Init(context.Context) error { return nil }
func (f *fakeStore) Close() error               { return nil }

var _ Store = (*fakeStore)(nil)

// fakeMemStore is an in-memory MemoryStore.
type fakeMemStore struct {
	mu   sync.Mutex
	hot  []HotFact
	cold []ColdFact

	nextCold int64

	searchHits []ColdHit // canned SearchCold results
}

func newFakeMemStore() *fakeMemStore { return &fakeMemStore{} }

func (m *fakeMemStore) InsertHotFact(_ context.Context, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := NewID()
	m.hot = append(m.hot, HotFact{ID: id, Text: text, CreatedAt: NowUnix(), LastAccessedAt: NowUnix()})
	return id, nil
}

func (m *fakeMemStore) TopFacts(_ context.Context, limit int) ([]HotFact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]HotFact(nil), m.hot...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *fakeMemStore) TouchFact(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.hot {
		if m.hot[i].ID == id {
			m.hot[i].HitCount++
			m.hot[i].LastAccessedAt = NowUnix()
			return nil
		}
	}
	return fmt.Errorf("unknown fact %s", id)
}

func (m *fakeMemStore) MatchHotFacts(_ context.Context, query string, limit int) ([]HotFact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []HotFact
	for _, f := range m.hot {
		if containsFold(f.Text, query) {
			out = append(out, f)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *fakeMemStore) StaleFacts(_ context.Context, olderThanDays, maxHits int) ([]HotFact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := NowUnix() - int64(olderThanDays)*86400
	var out []HotFact
	for _, f := range m.hot {
		if f.LastAccessedAt < cutoff && f.HitCount <= maxHits {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *fakeMemStore) DeleteHotFact(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.hot {
		if m.hot[i].ID == id {
			m.hot = append(m.hot[:i], m.hot[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("unknown fact %s", id)
}

func (m *fakeMemStore) InsertColdFact(_ context.Context, text string, createdAt int64, embedding []float32) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextCold++
	m.cold = append(m.cold, ColdFact{
		RowID: m.nextCold, Text: text, CreatedAt: createdAt,
		ArchivedAt: NowUnix(), Embedding: embedding,
	})
	return m.nextCold, nil
}

func (m *fakeMemStore) SearchCold(_ context.Context, _ []float32, k int) ([]ColdHit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]ColdHit(nil), m.searchHits...)
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (m *fakeMemStore) GetColdFact(_ context.Context, rowID int64) (*ColdFact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.cold {
		if f.RowID == rowID {
			cp := f
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *fakeMemStore) DeleteColdFact(_ context.Context, rowID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.cold {
		if m.cold[i].RowID == rowID {
			m.cold = append(m.cold[:i], m.cold[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("unknown cold fact %d", rowID)
}

func (m *fakeMemStore) Init(context.Context) error { return nil }

var _ MemoryStore = (*fakeMemStore)(nil)

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
