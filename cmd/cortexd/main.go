// Command cortexd runs a Cortex agent on a console transport: stdin lines
// become envelopes, outbound sends print to stdout.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	cortex "github.com/SerjRs/cortex"
	"github.com/SerjRs/cortex/internal/config"
	"github.com/SerjRs/cortex/observer"
	"github.com/SerjRs/cortex/provider/gemini"
	"github.com/SerjRs/cortex/router"
	"github.com/SerjRs/cortex/store/sqlite"
)

const consoleChannel = "console"

// consoleAdapter prints outbound messages to stdout.
type consoleAdapter struct{}

func (consoleAdapter) ChannelID() string { return consoleChannel }
func (consoleAdapter) IsAvailable() bool { return true }
func (consoleAdapter) Send(_ context.Context, target cortex.OutputTarget) error {
	fmt.Printf("\n<< %s\n", target.Content)
	return nil
}

func main() {
	cfg := config.Load(os.Getenv("CORTEX_CONFIG"))
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx := context.Background()

	var tracer cortex.Tracer
	var metrics *observer.Metrics
	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx, cfg.Observer.ServiceName)
		if err != nil {
			logger.Error("observer init failed", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutCtx)
		}()
		tracer = observer.NewTracer()
		metrics = observer.NewMetrics(inst)
	}

	// Providers
	chat := gemini.New(cfg.LLM.APIKey, cfg.LLM.Model)
	extract := gemini.New(cfg.LLM.APIKey, cfg.LLM.ExtractModel)
	summarize := gemini.New(cfg.LLM.APIKey, cfg.LLM.SummarizeModel)
	var embed cortex.EmbedFunc
	if cfg.Memory.Enabled && cfg.LLM.EmbedModel != "" {
		embed = gemini.NewEmbedding(cfg.LLM.APIKey, cfg.LLM.EmbedModel, 768).Embed
	}

	// Store
	cortexCfg := cortex.Config{
		AgentID:              cfg.Agent.ID,
		WorkspaceDir:         cfg.Agent.WorkspacePath,
		DBPath:               cfg.Agent.DBPath,
		MaxContextTokens:     cfg.Agent.MaxContextTokens,
		PollInterval:         time.Duration(cfg.Agent.PollIntervalMS) * time.Millisecond,
		HippocampusEnabled:   cfg.Memory.Enabled,
		CallLLM:              chat.Turn,
		EmbedFn:              embed,
		GardenerExtractLLM:   extract.Generate,
		GardenerSummarizeLLM: summarize.Generate,
		Logger:               logger,
		Tracer:               tracer,
		GardenerInterval:     time.Duration(cfg.Gardener.IntervalMinutes) * time.Minute,
		CompactIdleThreshold: time.Duration(cfg.Gardener.CompactIdleMinutes) * time.Minute,
		EvictOlderThanDays:   cfg.Gardener.EvictOlderThanDays,
		EvictMaxHitCount:     cfg.Gardener.EvictMaxHitCount,
		OpArchiveAfterDays:   cfg.Gardener.OpArchiveAfterDays,
		TopFactLimit:         cfg.Memory.TopFactLimit,
		FactByteBudget:       cfg.Memory.FactByteBudget,
	}
	if metrics != nil {
		cortexCfg.Metrics = metrics
	}
	store := sqlite.New(cfg.Agent.DBPath, cortexCfg.SessionKey(), sqlite.WithLogger(logger))
	var mem cortex.MemoryStore
	if cfg.Memory.Enabled {
		mem = sqlite.NewMemoryStore(store.DB())
	}

	tiers := make(map[string]router.TierConfig, len(cfg.Router.Tiers))
	for name, t := range cfg.Router.Tiers {
		tiers[name] = router.TierConfig{Min: t.Min, Max: t.Max, Model: t.Model, PromptTemplate: t.PromptTemplate}
	}
	routerCfg := router.Config{
		DBPath: cfg.Router.DBPath,
		Evaluator: router.EvaluatorConfig{
			Model:             cfg.Router.EvalModel,
			Stage2Model:       cfg.Router.EvalStage2Model,
			Timeout:           time.Duration(cfg.Router.EvalTimeoutSec) * time.Second,
			LowTrustThreshold: cfg.Router.LowTrust,
			FallbackWeight:    cfg.Router.FallbackWeight,
		},
		Tiers:             tiers,
		MaxRetries:        cfg.Router.MaxRetries,
		MaxInFlight:       cfg.Router.MaxInFlight,
		HeartbeatInterval: time.Duration(cfg.Router.HeartbeatSec) * time.Second,
		HungThreshold:     time.Duration(cfg.Router.HungThresholdSec) * time.Second,
		Executor: func(ctx context.Context, prompt, model string) (string, error) {
			return gemini.New(cfg.LLM.APIKey, model).Generate(ctx, prompt)
		},
		Logger: logger,
	}

	rt, err := cortex.NewRuntime(cortexCfg, store, mem, routerCfg)
	if err != nil {
		logger.Error("runtime build failed", "error", err)
		os.Exit(1)
	}
	rt.Cortex.Adapters().Register(consoleAdapter{})

	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime start failed", "error", err)
		os.Exit(1)
	}

	if metrics != nil {
		go func() {
			for ev := range rt.Router.Notifier().Events() {
				metrics.RecordJob(string(ev.Kind), ev.Job.StartedAt, ev.Job.CompletedAt)
			}
		}()
	}

	// Stdin pump: each line is one envelope.
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			_, err := rt.Cortex.Enqueue(context.Background(), cortex.Envelope{
				Channel:  consoleChannel,
				Sender:   cortex.Sender{ID: "operator", Relationship: "owner"},
				Content:  line,
				Priority: cortex.PriorityNormal,
			})
			if err != nil {
				logger.Error("enqueue failed", "error", err)
			}
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := rt.Stop(stopCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
