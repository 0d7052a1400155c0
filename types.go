package cortex

import "encoding/json"

// --- Priorities ---

// Priority orders envelopes on the bus. Urgent beats normal beats background;
// within one tier the bus is strictly FIFO.
type Priority string

const (
	PriorityUrgent     Priority = "urgent"
	PriorityNormal     Priority = "normal"
	PriorityBackground Priority = "background"
)

// Rank returns the scheduling rank for a priority. Lower runs first.
// Unknown values rank as normal so a malformed producer cannot starve itself.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityBackground:
		return 2
	default:
		return 1
	}
}

// Valid reports whether p is one of the three known priorities.
func (p Priority) Valid() bool {
	return p == PriorityUrgent || p == PriorityNormal || p == PriorityBackground
}

// --- Channels ---

// Internal channel names. Envelopes on these channels come from machinery
// (router results, sub-agents, timers) rather than a human transport.
const (
	ChannelRouter   = "router"
	ChannelSubagent = "subagent"
	ChannelCron     = "cron"
)

// IsInternalChannel reports whether a channel id belongs to internal
// machinery. A reply-context on an internal-channel envelope overrides
// foreground channel selection during context assembly.
func IsInternalChannel(channel string) bool {
	return channel == ChannelRouter || channel == ChannelSubagent || channel == ChannelCron
}

// --- Envelope (bus record) ---

// Sender identifies who produced an envelope.
type Sender struct {
	ID           string `json:"id"`
	Name         string `json:"name,omitempty"`
	Relationship string `json:"relationship,omitempty"`
}

// ReplyContext points an internally produced envelope back at the user-facing
// channel that should ultimately receive a reply.
type ReplyContext struct {
	Channel   string `json:"channel"`
	MessageID string `json:"message_id,omitempty"`
}

// Envelope is one atomic unit of input to the Cortex loop. Content may be
// empty (silence); Channel must not be.
type Envelope struct {
	ID           string            `json:"id"`
	Channel      string            `json:"channel"`
	Sender       Sender            `json:"sender"`
	Content      string            `json:"content"`
	Priority     Priority          `json:"priority"`
	CreatedAt    int64             `json:"created_at"`
	ReplyContext *ReplyContext     `json:"reply_context,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Bus row states.
const (
	EnvelopePending    = "pending"
	EnvelopeProcessing = "processing"
	EnvelopeCompleted  = "completed"
	EnvelopeFailed     = "failed"
)

// --- Session ---

// Session message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// SilenceMarker is recorded as the assistant content when a turn produced no
// outbound text (NO_REPLY, HEARTBEAT_OK, or a failed turn).
const SilenceMarker = "[silence]"

// SessionMessage is one entry in the unified chronological transcript.
// There is exactly one session per agent; Channel is a tag, not a partition.
type SessionMessage struct {
	Seq        int64             `json:"seq"`
	EnvelopeID string            `json:"envelope_id,omitempty"`
	Role       string            `json:"role"`
	Channel    string            `json:"channel"`
	SenderID   string            `json:"sender_id,omitempty"`
	Content    string            `json:"content"`
	CreatedAt  int64             `json:"created_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// --- Channel state ---

// AttentionLayer places a channel in the assembled context.
type AttentionLayer string

const (
	LayerForeground AttentionLayer = "foreground"
	LayerBackground AttentionLayer = "background"
	LayerArchived   AttentionLayer = "archived"
)

// ChannelState is the per-channel rollup used for background awareness and
// compaction decisions.
type ChannelState struct {
	Channel       string         `json:"channel"`
	LastMessageAt int64          `json:"last_message_at"`
	UnreadCount   int            `json:"unread_count"`
	Summary       string         `json:"summary,omitempty"`
	Layer         AttentionLayer `json:"layer"`
}

// --- Pending operations (the inbox) ---

// OpStatus is the lifecycle state of a pending operation.
type OpStatus string

const (
	OpPending   OpStatus = "pending"
	OpCompleted OpStatus = "completed"
	OpFailed    OpStatus = "failed"
	OpGardened  OpStatus = "gardened"
	OpArchived  OpStatus = "archived"
)

// Pending operation types.
const (
	OpTypeRouterJob = "router_job"
	OpTypeSubagent  = "subagent"
)

// PendingOp is a durable record of an outstanding external action dispatched
// by the agent. It doubles as an unread-inbox surface: an op appears in the
// System Floor while pending, and again (tagged NEW RESULT or FAILED) until
// the turn that surfaced its outcome acknowledges it.
type PendingOp struct {
	ID             string   `json:"id"`
	Type           string   `json:"type"`
	Description    string   `json:"description"`
	DispatchedAt   int64    `json:"dispatched_at"`
	ReturnChannel  string   `json:"return_channel"`
	Status         OpStatus `json:"status"`
	CompletedAt    int64    `json:"completed_at,omitempty"`
	Result         string   `json:"result,omitempty"`
	GardenedAt     int64    `json:"gardened_at,omitempty"`
	AcknowledgedAt int64    `json:"acknowledged_at,omitempty"`
	ReplyChannel   string   `json:"reply_channel,omitempty"`
	ResultPriority Priority `json:"result_priority,omitempty"`
}

// --- Memory (hippocampus) ---

// HotFact is a small natural-language statement in the frequency-ranked
// hot table.
type HotFact struct {
	ID             string `json:"id"`
	Text           string `json:"text"`
	CreatedAt      int64  `json:"created_at"`
	LastAccessedAt int64  `json:"last_accessed_at"`
	HitCount       int    `json:"hit_count"`
}

// ColdFact is an evicted hot fact plus its embedding, stored in the
// vector-indexed archive.
type ColdFact struct {
	RowID      int64     `json:"rowid"`
	Text       string    `json:"text"`
	CreatedAt  int64     `json:"created_at"`
	ArchivedAt int64     `json:"archived_at"`
	Embedding  []float32 `json:"-"`
}

// ColdHit is one KNN search result, ordered by ascending distance.
type ColdHit struct {
	RowID    int64   `json:"rowid"`
	Text     string  `json:"text"`
	Distance float64 `json:"distance"`
}

// --- LLM protocol ---

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"arguments"`
}

// LLMResult is what the external text generator returns for one turn.
type LLMResult struct {
	Text      string     `json:"text"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Whole-message sentinels. Either one means silence: no outbound send, the
// assistant record is [silence].
const (
	SentinelNoReply     = "NO_REPLY"
	SentinelHeartbeatOK = "HEARTBEAT_OK"
)

// --- Assembled context ---

// AssembledContext is the layered prompt handed to the LLM caller.
type AssembledContext struct {
	// SystemFloor is always present: identity, wall clock, known facts,
	// background channel summaries, and the pending-op inbox.
	SystemFloor string `json:"system_floor"`
	// Background is compact cross-channel awareness, one line per
	// non-foreground channel with activity.
	Background string `json:"background"`
	// Foreground is the transcript of the foreground channel, oldest first,
	// truncated to the remaining token budget.
	Foreground []SessionMessage `json:"foreground"`
	// ForegroundChannel names the channel the transcript came from. It may
	// differ from the triggering envelope's channel when a reply-context on
	// an internal channel overrides it.
	ForegroundChannel string `json:"foreground_channel"`
}

// OutputTarget is one outbound payload for the adapter registry.
type OutputTarget struct {
	Channel string `json:"channel"`
	Content string `json:"content"`
	ReplyTo string `json:"reply_to,omitempty"`
}

// --- Checkpoint ---

// Checkpoint snapshots channel states and pending ops so state hydrates fast
// on restart. Append-only.
type Checkpoint struct {
	ID        int64          `json:"id"`
	CreatedAt int64          `json:"created_at"`
	Channels  []ChannelState `json:"channels"`
	Ops       []PendingOp    `json:"ops"`
}

// --- Spawn contract ---

// SpawnParams describes a delegated task handed to the router (or any other
// executor the host wires in).
type SpawnParams struct {
	TaskID       string   `json:"task_id"`
	Task         string   `json:"task"`
	Priority     Priority `json:"priority"`
	Issuer       string   `json:"issuer"`
	ReplyChannel string   `json:"reply_channel,omitempty"`
}
