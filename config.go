package cortex

import (
	"context"
	"log/slog"
	"time"
)

// LLMFunc is the external text generator invoked once per turn. It is the
// sole suspension point inside a turn.
type LLMFunc func(ctx context.Context, ac AssembledContext) (LLMResult, error)

// EmbedFunc turns text into a fixed-dimension embedding vector.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// TextFunc is a plain prompt-in, text-out model callback used by the
// gardener for extraction and summarization.
type TextFunc func(ctx context.Context, prompt string) (string, error)

// SpawnFunc hands a delegated task to the executor the host wired in
// (normally the router bridge). It returns the executor-side job id.
// An empty id or an error marks the pending op failed immediately.
type SpawnFunc func(ctx context.Context, params SpawnParams) (string, error)

// Config configures a Cortex instance. CallLLM is the only required
// callback; every other callback defaults to a no-op.
type Config struct {
	// AgentID namespaces the unified session key agent:<AgentID>:cortex.
	AgentID string
	// WorkspaceDir holds IDENTITY.md, the identity text for the System Floor.
	WorkspaceDir string
	// DBPath is the durable store location. The store is owned by Cortex.
	DBPath string

	// MaxContextTokens bounds the assembled prompt; the foreground layer
	// gets whatever the other layers leave, floor 1024 tokens.
	MaxContextTokens int
	// PollInterval is the loop's idle wait when the bus is empty.
	PollInterval time.Duration

	// HippocampusEnabled gates the hot/cold memory schema, the memory_query
	// tool, and the gardener workers that feed memory. When false the
	// memory tables must not exist.
	HippocampusEnabled bool

	CallLLM LLMFunc
	EmbedFn EmbedFunc
	// GardenerExtractLLM extracts facts from transcript turns and harvested
	// op results. GardenerSummarizeLLM compacts idle channels.
	GardenerExtractLLM   TextFunc
	GardenerSummarizeLLM TextFunc

	// OnError observes per-turn failures. The loop never stops on one.
	OnError func(err error)
	// OnSpawn dispatches a sessions_spawn tool call.
	OnSpawn SpawnFunc
	// OnMessageComplete fires after a turn commits, with the envelope id,
	// its reply context, and whether the turn was silent.
	OnMessageComplete func(envelopeID string, reply *ReplyContext, silent bool)

	Logger  *slog.Logger
	Tracer  Tracer
	Metrics Metrics

	// Gardener tuning. Zero values take the defaults below.
	GardenerInterval     time.Duration
	CompactIdleThreshold time.Duration
	EvictOlderThanDays   int
	EvictMaxHitCount     int
	OpArchiveAfterDays   int

	// System Floor sizing.
	TopFactLimit   int
	FactByteBudget int
}

// Defaults applied by New for zero-valued fields.
const (
	DefaultMaxContextTokens     = 32_768
	DefaultPollInterval         = 500 * time.Millisecond
	DefaultGardenerInterval     = 5 * time.Minute
	DefaultCompactIdleThreshold = time.Hour
	DefaultEvictOlderThanDays   = 14
	DefaultEvictMaxHitCount     = 3
	DefaultOpArchiveAfterDays   = 7
	DefaultTopFactLimit         = 20
	DefaultFactByteBudget       = 4096
)

// withDefaults fills zero-valued tuning fields and normalizes callbacks so
// the loop never nil-checks them.
func (c Config) withDefaults() Config {
	if c.MaxContextTokens <= 0 {
		c.MaxContextTokens = DefaultMaxContextTokens
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.GardenerInterval <= 0 {
		c.GardenerInterval = DefaultGardenerInterval
	}
	if c.CompactIdleThreshold <= 0 {
		c.CompactIdleThreshold = DefaultCompactIdleThreshold
	}
	if c.EvictOlderThanDays <= 0 {
		c.EvictOlderThanDays = DefaultEvictOlderThanDays
	}
	if c.EvictMaxHitCount <= 0 {
		c.EvictMaxHitCount = DefaultEvictMaxHitCount
	}
	if c.OpArchiveAfterDays <= 0 {
		c.OpArchiveAfterDays = DefaultOpArchiveAfterDays
	}
	if c.TopFactLimit <= 0 {
		c.TopFactLimit = DefaultTopFactLimit
	}
	if c.FactByteBudget <= 0 {
		c.FactByteBudget = DefaultFactByteBudget
	}
	if c.Logger == nil {
		c.Logger = nopLogger
	}
	if c.Metrics == nil {
		c.Metrics = nopMetrics{}
	}
	if c.OnError == nil {
		c.OnError = func(error) {}
	}
	if c.OnMessageComplete == nil {
		c.OnMessageComplete = func(string, *ReplyContext, bool) {}
	}
	return c
}

// SessionKey returns the unified session key for this agent.
func (c Config) SessionKey() string {
	return "agent:" + c.AgentID + ":cortex"
}

// nopLogger discards all output. Used whenever no logger is configured.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
