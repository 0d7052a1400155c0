package router

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// evalPromptTemplate asks the scoring model for a bare difficulty weight.
const evalPromptTemplate = `Rate the difficulty of the following task on a scale of 1 to 10, where 1 is trivial (lookup, rephrasing) and 10 is very hard (multi-step reasoning, synthesis, long output).

Respond with ONLY the number.

Task:
%s`

// evaluator scores job difficulty and maps weights to tiers. Stage one runs
// a light model under a short timeout; weights above the trust threshold get
// a second pass on a larger model with three times the budget, and the
// second answer wins.
type evaluator struct {
	cfg    EvaluatorConfig
	tiers  map[string]TierConfig
	exec   ExecFunc
	logger *slog.Logger

	// tierOrder is tier names sorted by ascending Min, for deterministic
	// range lookup.
	tierOrder []string
}

func newEvaluator(cfg EvaluatorConfig, tiers map[string]TierConfig, exec ExecFunc, logger *slog.Logger) *evaluator {
	order := make([]string, 0, len(tiers))
	for name := range tiers {
		order = append(order, name)
	}
	sort.Slice(order, func(i, j int) bool { return tiers[order[i]].Min < tiers[order[j]].Min })
	return &evaluator{cfg: cfg, tiers: tiers, exec: exec, logger: logger, tierOrder: order}
}

// Evaluate returns the 1..10 weight for a prompt. It never fails: a broken
// evaluation falls back to the configured weight.
func (e *evaluator) Evaluate(ctx context.Context, prompt string) int {
	weight, err := e.score(ctx, prompt, e.cfg.Model, e.cfg.Timeout)
	if err != nil {
		e.logger.Warn("router: stage-one evaluation failed", "error", err)
		weight = e.cfg.FallbackWeight
	}
	if e.cfg.Stage2Model == "" || weight <= e.cfg.LowTrustThreshold {
		return weight
	}

	// The light model claims the task is hard: confirm with the big one
	// before committing the job to an expensive tier.
	second, err := e.score(ctx, prompt, e.cfg.Stage2Model, 3*e.cfg.Timeout)
	if err != nil {
		e.logger.Warn("router: stage-two evaluation failed, keeping stage-one weight",
			"weight", weight, "error", err)
		return weight
	}
	return second
}

// score runs one evaluation pass and parses the weight.
func (e *evaluator) score(ctx context.Context, prompt, model string, timeout time.Duration) (int, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out, err := e.exec(callCtx, fmt.Sprintf(evalPromptTemplate, prompt), model)
	if err != nil {
		return 0, err
	}
	w, ok := parseWeight(out)
	if !ok {
		return 0, fmt.Errorf("unparseable weight %q", strings.TrimSpace(out))
	}
	return w, nil
}

// TierFor maps a weight to its tier name and execution model. A weight
// outside every range lands in the last (heaviest) tier.
func (e *evaluator) TierFor(weight int) (string, string) {
	for _, name := range e.tierOrder {
		t := e.tiers[name]
		if weight >= t.Min && weight <= t.Max {
			return name, t.Model
		}
	}
	last := e.tierOrder[len(e.tierOrder)-1]
	return last, e.tiers[last].Model
}

var weightRe = regexp.MustCompile(`\d+(\.\d+)?`)

// parseWeight extracts the first number from the model's reply, rounds it,
// and clamps to 1..10.
func parseWeight(out string) (int, bool) {
	m := weightRe.FindString(out)
	if m == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, false
	}
	w := int(math.Round(f))
	if w < 1 {
		w = 1
	}
	if w > 10 {
		w = 10
	}
	return w, true
}
