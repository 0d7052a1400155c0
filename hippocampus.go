package cortex

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// MemoryHit is one memory_query result.
type MemoryHit struct {
	Text string `json:"text"`
	// Source is "hot" for a direct hot-table match or "cold" for a fact
	// promoted out of the vector archive by this query.
	Source string `json:"source"`
}

// Hippocampus is the hot/cold memory engine. Hot facts live in a
// frequency-ranked table; evicted facts move to a vector-indexed cold
// archive and can be promoted back by semantic search.
type Hippocampus struct {
	mem    MemoryStore
	embed  EmbedFunc
	logger *slog.Logger
}

// NewHippocampus wires the engine over a memory store and an embedding
// callback. embed may be nil; cold search is then unavailable and queries
// stop at the hot table.
func NewHippocampus(mem MemoryStore, embed EmbedFunc, logger *slog.Logger) *Hippocampus {
	if logger == nil {
		logger = nopLogger
	}
	return &Hippocampus{mem: mem, embed: embed, logger: logger}
}

// Remember inserts a fact into hot memory.
func (h *Hippocampus) Remember(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("remember: empty fact")
	}
	return h.mem.InsertHotFact(ctx, text)
}

// Query searches hot memory first; on a miss it embeds the query, searches
// the cold archive, and promotes every returned cold fact back to hot
// (insert into hot, delete from cold) before returning. Every hit is
// touched, so hit-count increments and last-accessed refreshes.
func (h *Hippocampus) Query(ctx context.Context, query string, limit int) ([]MemoryHit, error) {
	if limit <= 0 {
		limit = 5
	}
	hot, err := h.mem.MatchHotFacts(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("memory query hot: %w", err)
	}
	if len(hot) > 0 {
		hits := make([]MemoryHit, 0, len(hot))
		for _, f := range hot {
			if err := h.mem.TouchFact(ctx, f.ID); err != nil {
				h.logger.Warn("touch hot fact failed", "id", f.ID, "error", err)
			}
			hits = append(hits, MemoryHit{Text: f.Text, Source: "hot"})
		}
		return hits, nil
	}

	if h.embed == nil {
		return nil, nil
	}
	vec, err := h.embed(ctx, query)
	if err != nil {
		return nil, &ErrLLM{Stage: "embed", Message: err.Error()}
	}
	cold, err := h.mem.SearchCold(ctx, vec, limit)
	if err != nil {
		return nil, fmt.Errorf("memory query cold: %w", err)
	}

	hits := make([]MemoryHit, 0, len(cold))
	for _, c := range cold {
		id, err := h.promote(ctx, c.RowID, c.Text)
		if err != nil {
			h.logger.Warn("cold fact promotion failed", "rowid", c.RowID, "error", err)
			hits = append(hits, MemoryHit{Text: c.Text, Source: "cold"})
			continue
		}
		if err := h.mem.TouchFact(ctx, id); err != nil {
			h.logger.Warn("touch promoted fact failed", "id", id, "error", err)
		}
		hits = append(hits, MemoryHit{Text: c.Text, Source: "cold"})
	}
	return hits, nil
}

// promote moves one cold fact back into the hot table.
func (h *Hippocampus) promote(ctx context.Context, rowID int64, text string) (string, error) {
	id, err := h.mem.InsertHotFact(ctx, text)
	if err != nil {
		return "", err
	}
	if err := h.mem.DeleteColdFact(ctx, rowID); err != nil {
		return id, err
	}
	h.logger.Debug("cold fact promoted", "rowid", rowID, "hot_id", id)
	return id, nil
}

// EvictStale moves stale hot facts into the cold archive: embed, insert
// cold, delete hot. Idempotent per fact; a fact that fails to embed stays
// hot and is retried on the next run.
func (h *Hippocampus) EvictStale(ctx context.Context, olderThanDays, maxHits int) (int, []error) {
	if h.embed == nil {
		return 0, []error{fmt.Errorf("evict: no embed callback configured")}
	}
	stale, err := h.mem.StaleFacts(ctx, olderThanDays, maxHits)
	if err != nil {
		return 0, []error{fmt.Errorf("evict: %w", err)}
	}
	var errs []error
	evicted := 0
	for _, f := range stale {
		vec, err := h.embed(ctx, f.Text)
		if err != nil {
			errs = append(errs, &ErrLLM{Stage: "embed", Message: err.Error()})
			continue
		}
		if _, err := h.mem.InsertColdFact(ctx, f.Text, f.CreatedAt, vec); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := h.mem.DeleteHotFact(ctx, f.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		evicted++
	}
	if evicted > 0 {
		h.logger.Info("hippocampus eviction", "evicted", evicted, "errors", len(errs))
	}
	return evicted, errs
}

// renderHits formats query results for a pending-op record.
func renderHits(hits []MemoryHit) string {
	if len(hits) == 0 {
		return "no matching facts"
	}
	lines := make([]string, len(hits))
	for i, h := range hits {
		lines[i] = "- " + h.Text
	}
	return strings.Join(lines, "\n")
}
