package cortex

import (
	"context"
	"log/slog"
	"sync"
)

// Adapter is the outbound contract for one channel. Inbound is not an
// adapter concern: transports push envelopes straight onto the bus.
type Adapter interface {
	// ChannelID names the channel this adapter serves.
	ChannelID() string
	// Send delivers one outbound payload.
	Send(ctx context.Context, target OutputTarget) error
	// IsAvailable reports whether the transport can currently deliver.
	IsAvailable() bool
}

// AdapterRegistry maps channel ids to adapters. A registered channel with no
// adapter is not an error: outbound messages on it are dropped with a
// warning (shadow mode, tests).
type AdapterRegistry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	logger   *slog.Logger
}

// NewAdapterRegistry creates an empty registry.
func NewAdapterRegistry(logger *slog.Logger) *AdapterRegistry {
	if logger == nil {
		logger = nopLogger
	}
	return &AdapterRegistry{adapters: make(map[string]Adapter), logger: logger}
}

// Register adds or replaces the adapter for its channel.
func (r *AdapterRegistry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.ChannelID()] = a
}

// Get returns the adapter for a channel, or nil.
func (r *AdapterRegistry) Get(channel string) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[channel]
}

// Dispatch fans targets out to their adapters and returns how many sends
// succeeded. Unknown or unavailable adapters and send failures are logged
// and dropped; they never fail the turn.
func (r *AdapterRegistry) Dispatch(ctx context.Context, targets []OutputTarget) int {
	sent := 0
	for _, t := range targets {
		a := r.Get(t.Channel)
		if a == nil {
			r.logger.Warn("no adapter for channel, dropping outbound", "channel", t.Channel)
			continue
		}
		if !a.IsAvailable() {
			r.logger.Warn("adapter unavailable, dropping outbound", "channel", t.Channel)
			continue
		}
		if err := a.Send(ctx, t); err != nil {
			r.logger.Warn("adapter send failed", "channel", t.Channel, "error", err)
			continue
		}
		sent++
	}
	return sent
}
