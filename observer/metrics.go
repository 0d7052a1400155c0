package observer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	cortex "github.com/SerjRs/cortex"
)

// Metrics feeds the cortex.Metrics callbacks into the OTEL instruments.
// Instrument adds are non-blocking, so recording from the turn loop is fine.
type Metrics struct {
	inst *Instruments
}

// NewMetrics wraps the instruments from Init.
func NewMetrics(inst *Instruments) *Metrics {
	return &Metrics{inst: inst}
}

var _ cortex.Metrics = (*Metrics)(nil)

func (m *Metrics) TurnCompleted(silent bool, d time.Duration) {
	ctx := context.Background()
	m.inst.Turns.Add(ctx, 1)
	if silent {
		m.inst.SilentTurns.Add(ctx, 1)
	}
	m.inst.TurnDuration.Record(ctx, float64(d.Milliseconds()))
}

func (m *Metrics) LLMCall(d time.Duration, failed bool) {
	ctx := context.Background()
	m.inst.LLMRequests.Add(ctx, 1, metric.WithAttributes(attribute.Bool("failed", failed)))
	m.inst.LLMDuration.Record(ctx, float64(d.Milliseconds()))
}

func (m *Metrics) ToolDispatched(tool string) {
	m.inst.ToolDispatch.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("tool", tool)))
}

func (m *Metrics) MemoryQuery() {
	m.inst.MemoryQueries.Add(context.Background(), 1)
}

func (m *Metrics) GardenerRun(worker string, processed, failed int) {
	m.inst.GardenerRuns.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("worker", worker),
		attribute.Int("processed", processed),
		attribute.Int("failed", failed)))
}

func (m *Metrics) BusDepth(delta int) {
	m.inst.BusBacklog.Add(context.Background(), int64(delta))
}

// RecordJob feeds one delivered router job into the job instruments. The
// host wires this to the notifier's event stream.
func (m *Metrics) RecordJob(kind string, startedAt, completedAt int64) {
	ctx := context.Background()
	m.inst.RouterJobs.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", kind)))
	if startedAt > 0 && completedAt >= startedAt {
		m.inst.JobDuration.Record(ctx, float64(completedAt-startedAt)*1000)
	}
}
