package cortex

import "time"

// Metrics receives operational counters from the loop and the gardener.
// Implementations must be safe for concurrent use; every callback fires on
// the hot path and must not block. The observer package provides an
// OTEL-backed implementation.
type Metrics interface {
	// TurnCompleted fires once per committed turn.
	TurnCompleted(silent bool, d time.Duration)
	// LLMCall fires once per turn-level model call.
	LLMCall(d time.Duration, failed bool)
	// ToolDispatched fires once per tool call the model emitted.
	ToolDispatched(tool string)
	// MemoryQuery fires once per hippocampus lookup.
	MemoryQuery()
	// GardenerRun fires after each worker tick.
	GardenerRun(worker string, processed, failed int)
	// BusDepth tracks the bus backlog: +1 on enqueue, -1 on claim.
	BusDepth(delta int)
}

// nopMetrics is the default when no Metrics is configured.
type nopMetrics struct{}

func (nopMetrics) TurnCompleted(bool, time.Duration) {}
func (nopMetrics) LLMCall(time.Duration, bool)       {}
func (nopMetrics) ToolDispatched(string)             {}
func (nopMetrics) MemoryQuery()                      {}
func (nopMetrics) GardenerRun(string, int, int)      {}
func (nopMetrics) BusDepth(int)                      {}
