package cortex

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// minForegroundTokens is the floor for the foreground transcript budget,
// regardless of how much the other layers consumed.
const minForegroundTokens = 1024

// foregroundFetchLimit caps how much transcript the assembler pulls before
// applying the token budget.
const foregroundFetchLimit = 200

// assembler builds the layered prompt for one turn.
type assembler struct {
	store    Store
	mem      MemoryStore // nil when the hippocampus is disabled
	identity string
	agentID  string

	maxContextTokens int
	topFactLimit     int
	factByteBudget   int

	tokens *tokenCounter
	logger *slog.Logger
}

// ForegroundChannel decides whose history populates the conversational
// portion of the prompt. A reply-context on an internal-channel envelope
// (router, subagent, cron) overrides the envelope's own channel, so a
// router-delivered answer assembles the correct user-facing history.
func ForegroundChannel(env *Envelope) string {
	if IsInternalChannel(env.Channel) && env.ReplyContext != nil && env.ReplyContext.Channel != "" {
		return env.ReplyContext.Channel
	}
	return env.Channel
}

// assemble builds the three layers for the triggering envelope. It returns
// the context plus the ids of terminal inbox ops that were surfaced, so the
// turn can acknowledge exactly what the model saw.
func (a *assembler) assemble(ctx context.Context, env *Envelope) (AssembledContext, []string, error) {
	fg := ForegroundChannel(env)

	inbox, err := a.store.Inbox(ctx)
	if err != nil {
		return AssembledContext{}, nil, fmt.Errorf("assemble inbox: %w", err)
	}
	var surfacedTerminal []string
	for _, op := range inbox {
		if op.Status == OpCompleted || op.Status == OpFailed {
			surfacedTerminal = append(surfacedTerminal, op.ID)
		}
	}

	channels, err := a.store.ActiveChannels(ctx)
	if err != nil {
		return AssembledContext{}, nil, fmt.Errorf("assemble channels: %w", err)
	}

	floor := a.systemFloor(ctx, inbox, channels)
	background := a.backgroundLayer(channels, fg)

	// Foreground gets whatever budget the fixed layers left over.
	budget := a.maxContextTokens - a.tokens.Count(floor) - a.tokens.Count(background)
	if budget < minForegroundTokens {
		budget = minForegroundTokens
	}
	history, err := a.store.History(ctx, fg, foregroundFetchLimit)
	if err != nil {
		return AssembledContext{}, nil, fmt.Errorf("assemble history: %w", err)
	}
	foreground := truncateHistory(history, budget, a.tokens)

	return AssembledContext{
		SystemFloor:       floor,
		Background:        background,
		Foreground:        foreground,
		ForegroundChannel: fg,
	}, surfacedTerminal, nil
}

// systemFloor renders the always-present prompt portion: identity, wall
// clock, the pending-op inbox, known facts, and background channel
// summaries. Inbox renders before facts.
func (a *assembler) systemFloor(ctx context.Context, inbox []PendingOp, channels []ChannelState) string {
	var b strings.Builder
	if a.identity != "" {
		b.WriteString(a.identity)
		b.WriteString("\n\n")
	} else {
		fmt.Fprintf(&b, "You are agent %s.\n\n", a.agentID)
	}
	fmt.Fprintf(&b, "Current time: %s\n", time.Now().UTC().Format("2006-01-02 15:04:05 UTC"))

	if len(inbox) > 0 {
		b.WriteString("\n## Outstanding operations\n")
		for _, op := range inbox {
			b.WriteString(renderOp(op))
			b.WriteByte('\n')
		}
	}

	if a.mem != nil {
		facts := a.knownFacts(ctx)
		if len(facts) > 0 {
			b.WriteString("\n## Known facts\n")
			for _, f := range facts {
				fmt.Fprintf(&b, "- %s\n", f)
			}
		}
	}

	var summaries []string
	for _, st := range channels {
		if st.Layer == LayerBackground && st.Summary != "" {
			summaries = append(summaries, fmt.Sprintf("- %s: %s", st.Channel, st.Summary))
		}
	}
	if len(summaries) > 0 {
		b.WriteString("\n## Other channels\n")
		b.WriteString(strings.Join(summaries, "\n"))
		b.WriteByte('\n')
	}
	return b.String()
}

// renderOp formats one inbox entry with its status tag. Terminal entries
// carry their result or failure text so the model sees outcomes inline.
func renderOp(op PendingOp) string {
	switch op.Status {
	case OpCompleted:
		return fmt.Sprintf("- [NEW RESULT] %s: %s", op.Description, op.Result)
	case OpFailed:
		return fmt.Sprintf("- [FAILED] %s: %s", op.Description, op.Result)
	default:
		return fmt.Sprintf("- [PENDING] %s (dispatched %s)", op.Description,
			time.Unix(op.DispatchedAt, 0).UTC().Format("2006-01-02 15:04"))
	}
}

// knownFacts returns the top hot facts, deduplicated by text and capped by
// the byte budget. Every fact surfaced is touched so its hit-count and
// last-accessed reflect actual prompt usage.
func (a *assembler) knownFacts(ctx context.Context) []string {
	facts, err := a.mem.TopFacts(ctx, a.topFactLimit)
	if err != nil {
		a.logger.Warn("known facts lookup failed", "error", err)
		return nil
	}
	seen := make(map[string]bool, len(facts))
	var out []string
	used := 0
	for _, f := range facts {
		if seen[f.Text] {
			continue
		}
		if used+len(f.Text) > a.factByteBudget {
			break
		}
		seen[f.Text] = true
		used += len(f.Text)
		out = append(out, f.Text)
		if err := a.mem.TouchFact(ctx, f.ID); err != nil {
			a.logger.Warn("touch fact failed", "id", f.ID, "error", err)
		}
	}
	return out
}

// backgroundLayer is compact cross-channel awareness: one line per
// non-foreground channel with activity.
func (a *assembler) backgroundLayer(channels []ChannelState, foreground string) string {
	var lines []string
	for _, st := range channels {
		if st.Channel == foreground || st.LastMessageAt == 0 {
			continue
		}
		line := fmt.Sprintf("- %s: last activity %s, %d unread",
			st.Channel, time.Unix(st.LastMessageAt, 0).UTC().Format("2006-01-02 15:04"), st.UnreadCount)
		if st.Summary != "" {
			line += ", " + st.Summary
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return ""
	}
	return "Activity on other channels:\n" + strings.Join(lines, "\n")
}

// truncateHistory drops the oldest turns until the transcript fits the
// token budget.
func truncateHistory(history []SessionMessage, budget int, tokens *tokenCounter) []SessionMessage {
	total := 0
	// Walk backwards from the newest message; keep as many as fit.
	cut := 0
	for i := len(history) - 1; i >= 0; i-- {
		n := tokens.Count(history[i].Content) + 4 // role/frame overhead
		if total+n > budget {
			cut = i + 1
			break
		}
		total += n
	}
	return history[cut:]
}
