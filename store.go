package cortex

import "context"

// Store abstracts the Cortex durable state: the envelope bus, the unified
// session, channel rollups, the pending-op inbox, and checkpoints.
// The store/sqlite package provides the local WAL-backed implementation.
type Store interface {
	// --- Bus ---

	// Enqueue atomically inserts an envelope in state pending and returns
	// its id. Fails only with *ErrStoreUnavailable.
	Enqueue(ctx context.Context, env Envelope) (string, error)
	// ClaimNext picks the oldest pending envelope of the highest priority
	// and transitions it pending→processing in one CAS-style step.
	// Returns nil when the queue is empty.
	ClaimNext(ctx context.Context) (*Envelope, error)
	CompleteEnvelope(ctx context.Context, id string) error
	FailEnvelope(ctx context.Context, id, reason string) error
	CountPending(ctx context.Context) (int, error)
	// RecoverStalled resets rows stuck in processing back to pending and
	// returns how many it reset. Called once before the loop starts.
	RecoverStalled(ctx context.Context) (int, error)

	// --- Session ---

	AppendUserMessage(ctx context.Context, env Envelope) (int64, error)
	// AppendAssistantMessage records the assistant's reply. Empty content is
	// stored as the literal [silence] marker.
	AppendAssistantMessage(ctx context.Context, envelopeID, channel, content string) (int64, error)
	// History returns the transcript, oldest first. Empty channel means all
	// channels; limit <= 0 means no limit.
	History(ctx context.Context, channel string, limit int) ([]SessionMessage, error)
	// UnextractedMessages returns session messages the fact extractor has
	// not yet processed, oldest first.
	UnextractedMessages(ctx context.Context, limit int) ([]SessionMessage, error)
	MarkExtracted(ctx context.Context, seqs []int64) error

	// --- Channel state ---

	// MarkChannelActive bumps last-message-at, increments the unread count,
	// and promotes the channel to the foreground layer.
	MarkChannelActive(ctx context.Context, channel string, at int64) error
	UpsertChannelState(ctx context.Context, st ChannelState) error
	GetChannelState(ctx context.Context, channel string) (*ChannelState, error)
	ActiveChannels(ctx context.Context) ([]ChannelState, error)
	// IdleForegroundChannels returns foreground channels whose last message
	// is older than the cutoff. Compaction candidates.
	IdleForegroundChannels(ctx context.Context, olderThan int64) ([]ChannelState, error)
	// CompactChannel stores a summary and demotes the channel to background.
	CompactChannel(ctx context.Context, channel, summary string) error

	// --- Pending ops ---

	AddPendingOp(ctx context.Context, op PendingOp) error
	GetPendingOp(ctx context.Context, id string) (*PendingOp, error)
	CompletePendingOp(ctx context.Context, id, result string) error
	FailPendingOp(ctx context.Context, id, reason string) error
	MarkOpGardened(ctx context.Context, id string) error
	// UngardenedOps returns completed ops whose results have not yet been
	// harvested for facts.
	UngardenedOps(ctx context.Context) ([]PendingOp, error)
	ArchiveOpsOlderThan(ctx context.Context, days int) (int, error)
	// Inbox returns the ops visible in the System Floor: everything pending,
	// plus completed/failed ops not yet acknowledged.
	Inbox(ctx context.Context) ([]PendingOp, error)
	// AcknowledgeInbox stamps acknowledged-at on every terminal op that is
	// still unacknowledged. Idempotent: with no intervening completions or
	// failures a repeat call is a no-op and returns 0.
	AcknowledgeInbox(ctx context.Context) (int, error)
	// AcknowledgeOps stamps acknowledged-at on just the named terminal ops.
	// The loop uses this so an op that failed after context assembly stays
	// unread until the turn that actually surfaces it.
	AcknowledgeOps(ctx context.Context, ids []string) (int, error)

	// --- Checkpoints ---

	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	LatestCheckpoint(ctx context.Context) (*Checkpoint, error)

	// --- Lifecycle ---

	Init(ctx context.Context) error
	Close() error
}

// MemoryStore holds the hippocampus tables: a frequency-ranked hot facts
// table and a vector-indexed cold archive. Its schema exists only when the
// hippocampus is enabled.
type MemoryStore interface {
	InsertHotFact(ctx context.Context, text string) (string, error)
	// TopFacts returns hot facts ordered by (hit_count desc, last_accessed desc).
	TopFacts(ctx context.Context, limit int) ([]HotFact, error)
	// TouchFact bumps hit-count and refreshes last-accessed. Every fact
	// surfaced into a prompt and every query hit goes through here.
	TouchFact(ctx context.Context, id string) error
	// MatchHotFacts returns hot facts whose text contains the query.
	MatchHotFacts(ctx context.Context, query string, limit int) ([]HotFact, error)
	// StaleFacts returns eviction candidates: last accessed before the
	// cutoff and hit-count at or under maxHits.
	StaleFacts(ctx context.Context, olderThanDays, maxHits int) ([]HotFact, error)
	DeleteHotFact(ctx context.Context, id string) error

	InsertColdFact(ctx context.Context, text string, createdAt int64, embedding []float32) (int64, error)
	// SearchCold returns the k nearest cold facts by cosine distance,
	// ascending.
	SearchCold(ctx context.Context, embedding []float32, k int) ([]ColdHit, error)
	GetColdFact(ctx context.Context, rowID int64) (*ColdFact, error)
	DeleteColdFact(ctx context.Context, rowID int64) error

	Init(ctx context.Context) error
}
