package cortex

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// RunResult is what one gardener worker run reports: how many items it
// advanced and the per-item errors it collected. Workers aggregate, they
// never raise.
type RunResult struct {
	Processed int
	Errors    []error
}

// Gardener runs the background maintenance workers: fact extraction,
// op harvesting, channel compaction, and vector eviction. Each worker is
// soft-scheduled: a run must finish before the next starts, and failures
// never cascade past the run that saw them.
type Gardener struct {
	store Store
	hippo *Hippocampus

	extract   TextFunc
	summarize TextFunc

	interval             time.Duration
	compactIdleThreshold time.Duration
	evictOlderThanDays   int
	evictMaxHitCount     int
	opArchiveAfterDays   int

	metrics Metrics
	logger  *slog.Logger

	wg sync.WaitGroup
}

func newGardener(store Store, hippo *Hippocampus, cfg Config) *Gardener {
	return &Gardener{
		store:                store,
		hippo:                hippo,
		extract:              cfg.GardenerExtractLLM,
		summarize:            cfg.GardenerSummarizeLLM,
		interval:             cfg.GardenerInterval,
		compactIdleThreshold: cfg.CompactIdleThreshold,
		evictOlderThanDays:   cfg.EvictOlderThanDays,
		evictMaxHitCount:     cfg.EvictMaxHitCount,
		opArchiveAfterDays:   cfg.OpArchiveAfterDays,
		metrics:              cfg.Metrics,
		logger:               cfg.Logger,
	}
}

// Start launches the four workers. Each ticks on the shared interval and
// runs serially with itself; workers run concurrently with each other and
// with the loop. Blocks only until the goroutines are spawned.
func (g *Gardener) Start(ctx context.Context) {
	workers := []struct {
		name string
		run  func(context.Context) RunResult
	}{
		{"fact_extractor", g.RunFactExtraction},
		{"op_harvester", g.RunOpHarvest},
		{"channel_compactor", g.RunChannelCompaction},
		{"vector_evictor", g.RunVectorEviction},
	}
	for _, w := range workers {
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			ticker := time.NewTicker(g.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					res := w.run(ctx)
					g.metrics.GardenerRun(w.name, res.Processed, len(res.Errors))
					if res.Processed > 0 || len(res.Errors) > 0 {
						g.logger.Debug("gardener run", "worker", w.name,
							"processed", res.Processed, "errors", len(res.Errors))
					}
				}
			}
		}()
	}
}

// Wait blocks until all workers have observed cancellation and exited.
func (g *Gardener) Wait() {
	g.wg.Wait()
}

// RunFactExtraction feeds unprocessed transcript turns through the
// extraction model and inserts the returned facts into hot memory.
// A turn that fails extraction is left unmarked so the next run retries it.
func (g *Gardener) RunFactExtraction(ctx context.Context) RunResult {
	var res RunResult
	if g.extract == nil || g.hippo == nil {
		return res
	}
	msgs, err := g.store.UnextractedMessages(ctx, 50)
	if err != nil {
		res.Errors = append(res.Errors, err)
		return res
	}
	var done []int64
	for _, m := range msgs {
		if ctx.Err() != nil {
			break
		}
		if !ShouldExtract(m.Content) {
			done = append(done, m.Seq)
			continue
		}
		prompt := ExtractFactsPrompt + "\n\nConversation:\n" + m.Role + ": " + m.Content
		raw, err := g.extract(ctx, prompt)
		if err != nil {
			res.Errors = append(res.Errors, &ErrLLM{Stage: "extract", Message: err.Error()})
			continue
		}
		for _, fact := range ParseExtractedFacts(raw) {
			if _, err := g.hippo.Remember(ctx, fact); err != nil {
				res.Errors = append(res.Errors, err)
			}
		}
		done = append(done, m.Seq)
		res.Processed++
	}
	if err := g.store.MarkExtracted(ctx, done); err != nil {
		res.Errors = append(res.Errors, err)
	}
	return res
}

// RunOpHarvest extracts facts from the result text of completed ops and
// marks them gardened. An op whose extraction fails stays completed so the
// next run retries it. Old acknowledged terminal ops are archived at the
// end of the run; facts harvested from them survive archival.
func (g *Gardener) RunOpHarvest(ctx context.Context) RunResult {
	var res RunResult
	if g.extract == nil || g.hippo == nil {
		return res
	}
	ops, err := g.store.UngardenedOps(ctx)
	if err != nil {
		res.Errors = append(res.Errors, err)
		return res
	}
	for _, op := range ops {
		if ctx.Err() != nil {
			break
		}
		if strings.TrimSpace(op.Result) != "" {
			prompt := ExtractFactsPrompt + "\n\nTask: " + op.Description + "\nResult:\n" + op.Result
			raw, err := g.extract(ctx, prompt)
			if err != nil {
				res.Errors = append(res.Errors, &ErrLLM{Stage: "extract", Message: err.Error()})
				continue
			}
			for _, fact := range ParseExtractedFacts(raw) {
				if _, err := g.hippo.Remember(ctx, fact); err != nil {
					res.Errors = append(res.Errors, err)
				}
			}
		}
		if err := g.store.MarkOpGardened(ctx, op.ID); err != nil {
			res.Errors = append(res.Errors, err)
			continue
		}
		res.Processed++
	}
	if _, err := g.store.ArchiveOpsOlderThan(ctx, g.opArchiveAfterDays); err != nil {
		res.Errors = append(res.Errors, err)
	}
	return res
}

// RunChannelCompaction summarizes foreground channels that have been idle
// past the threshold and demotes them to the background layer.
func (g *Gardener) RunChannelCompaction(ctx context.Context) RunResult {
	var res RunResult
	if g.summarize == nil {
		return res
	}
	cutoff := NowUnix() - int64(g.compactIdleThreshold/time.Second)
	idle, err := g.store.IdleForegroundChannels(ctx, cutoff)
	if err != nil {
		res.Errors = append(res.Errors, err)
		return res
	}
	for _, st := range idle {
		if ctx.Err() != nil {
			break
		}
		history, err := g.store.History(ctx, st.Channel, 50)
		if err != nil {
			res.Errors = append(res.Errors, err)
			continue
		}
		summary, err := g.summarize(ctx, compactionPrompt(st.Channel, history))
		if err != nil {
			res.Errors = append(res.Errors, &ErrLLM{Stage: "summarize", Message: err.Error()})
			continue
		}
		summary = strings.TrimSpace(summary)
		if summary == "" {
			res.Errors = append(res.Errors, fmt.Errorf("compact %s: empty summary", st.Channel))
			continue
		}
		if err := g.store.CompactChannel(ctx, st.Channel, summary); err != nil {
			res.Errors = append(res.Errors, err)
			continue
		}
		res.Processed++
	}
	return res
}

// RunVectorEviction moves stale hot facts into the cold archive.
func (g *Gardener) RunVectorEviction(ctx context.Context) RunResult {
	var res RunResult
	if g.hippo == nil {
		return res
	}
	evicted, errs := g.hippo.EvictStale(ctx, g.evictOlderThanDays, g.evictMaxHitCount)
	res.Processed = evicted
	res.Errors = errs
	return res
}

// compactionPrompt renders a channel transcript for the summarizer.
func compactionPrompt(channel string, history []SessionMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Summarize this conversation on channel %q in one or two sentences. Keep names, decisions, and open items.\n\n", channel)
	for _, m := range history {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return b.String()
}
