package cortex

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Cortex is the single-agent cognition engine: one durable bus, one serial
// turn loop, one unified session, plus the gardener's background workers.
// Construct with New, wire adapters, then Start.
type Cortex struct {
	cfg      Config
	store    Store
	hippo    *Hippocampus
	loop     *loop
	gardener *Gardener
	registry *AdapterRegistry

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// New builds a Cortex over the given store. mem carries the hippocampus
// tables and must be nil exactly when cfg.HippocampusEnabled is false.
// CallLLM is required; the store must be initialized by Start.
func New(cfg Config, store Store, mem MemoryStore) (*Cortex, error) {
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("cortex: AgentID is required")
	}
	if cfg.CallLLM == nil {
		return nil, fmt.Errorf("cortex: CallLLM is required")
	}
	if store == nil {
		return nil, fmt.Errorf("cortex: store is required")
	}
	if cfg.HippocampusEnabled && mem == nil {
		return nil, fmt.Errorf("cortex: hippocampus enabled but no memory store given")
	}
	if !cfg.HippocampusEnabled && mem != nil {
		return nil, fmt.Errorf("cortex: memory store given but hippocampus is disabled")
	}
	cfg = cfg.withDefaults()

	var hippo *Hippocampus
	if cfg.HippocampusEnabled {
		hippo = NewHippocampus(mem, cfg.EmbedFn, cfg.Logger)
	}

	registry := NewAdapterRegistry(cfg.Logger)
	asm := &assembler{
		store:            store,
		mem:              mem,
		identity:         loadIdentity(cfg.WorkspaceDir, cfg.Logger),
		agentID:          cfg.AgentID,
		maxContextTokens: cfg.MaxContextTokens,
		topFactLimit:     cfg.TopFactLimit,
		factByteBudget:   cfg.FactByteBudget,
		tokens:           newTokenCounter(),
		logger:           cfg.Logger,
	}

	c := &Cortex{
		cfg:      cfg,
		store:    store,
		hippo:    hippo,
		registry: registry,
	}
	c.loop = newLoop(store, asm, hippo, registry, cfg)
	c.gardener = newGardener(store, hippo, cfg)
	return c, nil
}

// Adapters returns the outbound adapter registry. Register adapters before
// Start; registration after Start is safe but a turn already dispatching may
// miss the new adapter.
func (c *Cortex) Adapters() *AdapterRegistry { return c.registry }

// Hippocampus returns the memory engine, or nil when disabled.
func (c *Cortex) Hippocampus() *Hippocampus { return c.hippo }

// Phase returns the loop's current turn phase.
func (c *Cortex) Phase() string { return c.loop.Phase() }

// Start initializes storage, recovers any envelope stranded in processing by
// a crash, replays the latest checkpoint, and launches the loop and the
// gardener. Starting twice is an invariant violation.
func (c *Cortex) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return &ErrInvariant{Detail: "cortex already started"}
	}

	if err := c.store.Init(ctx); err != nil {
		return fmt.Errorf("cortex: store init: %w", err)
	}
	recovered, err := c.store.RecoverStalled(ctx)
	if err != nil {
		return fmt.Errorf("cortex: recover stalled: %w", err)
	}
	if recovered > 0 {
		c.cfg.Logger.Warn("recovered envelopes stranded by a previous crash", "count", recovered)
	}
	c.hydrateCheckpoint(ctx)

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.started = true

	c.gardener.Start(runCtx)
	go func() {
		defer close(c.done)
		c.loop.run(runCtx)
	}()

	c.cfg.Logger.Info("cortex started", "agent", c.cfg.AgentID,
		"hippocampus", c.cfg.HippocampusEnabled, "poll", c.cfg.PollInterval)
	return nil
}

// Stop cancels the loop and the gardener, waits for the in-flight turn to
// finish, saves a checkpoint, and closes the store. Idempotent.
func (c *Cortex) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil
	}
	c.cancel()
	select {
	case <-c.done:
	case <-ctx.Done():
		c.cfg.Logger.Warn("stop deadline hit with a turn still in flight")
	}
	c.gardener.Wait()

	if err := c.saveCheckpoint(context.Background()); err != nil {
		c.cfg.Logger.Error("checkpoint on stop failed", "error", err)
	}
	c.started = false
	c.cfg.Logger.Info("cortex stopped", "agent", c.cfg.AgentID)
	return c.store.Close()
}

// Enqueue places an envelope on the durable bus. Safe from any goroutine;
// this is the only inbound path.
func (c *Cortex) Enqueue(ctx context.Context, env Envelope) (string, error) {
	id, err := c.store.Enqueue(ctx, env)
	if err == nil {
		c.cfg.Metrics.BusDepth(1)
	}
	return id, err
}

// PendingCount reports the bus backlog.
func (c *Cortex) PendingCount(ctx context.Context) (int, error) {
	return c.store.CountPending(ctx)
}

// hydrateCheckpoint replays the latest checkpoint's channel rollups. Ops and
// the session live in their own tables and need no replay; the checkpoint
// exists so a restore onto an empty channel_states table is cheap.
func (c *Cortex) hydrateCheckpoint(ctx context.Context) {
	cp, err := c.store.LatestCheckpoint(ctx)
	if err != nil {
		c.cfg.Logger.Warn("checkpoint load failed", "error", err)
		return
	}
	if cp == nil {
		return
	}
	for _, st := range cp.Channels {
		existing, err := c.store.GetChannelState(ctx, st.Channel)
		if err != nil || existing != nil {
			continue
		}
		if err := c.store.UpsertChannelState(ctx, st); err != nil {
			c.cfg.Logger.Warn("checkpoint channel restore failed", "channel", st.Channel, "error", err)
		}
	}
	c.cfg.Logger.Debug("checkpoint hydrated", "id", cp.ID, "channels", len(cp.Channels))
}

// saveCheckpoint snapshots channel states and the open inbox.
func (c *Cortex) saveCheckpoint(ctx context.Context) error {
	channels, err := c.store.ActiveChannels(ctx)
	if err != nil {
		return err
	}
	ops, err := c.store.Inbox(ctx)
	if err != nil {
		return err
	}
	return c.store.SaveCheckpoint(ctx, Checkpoint{
		CreatedAt: NowUnix(),
		Channels:  channels,
		Ops:       ops,
	})
}

// loadIdentity reads IDENTITY.md from the workspace. Missing file or missing
// workspace is fine; the System Floor falls back to a one-line identity.
func loadIdentity(workspaceDir string, logger *slog.Logger) string {
	if workspaceDir == "" {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(workspaceDir, "IDENTITY.md"))
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("identity load failed", "error", err)
		}
		return ""
	}
	return strings.TrimSpace(string(data))
}
