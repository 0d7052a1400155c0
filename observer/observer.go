// Package observer provides OTEL-based observability for the cortex loop
// and the router queue.
//
// It exposes instruments for turn, tool, and job telemetry and a
// cortex.Tracer backed by OpenTelemetry. Export goes to any OTEL-compatible
// backend via the standard OTEL env vars.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/SerjRs/cortex/observer"

// Instruments holds all OTEL instruments for the cortex and router.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// Counters
	Turns         metric.Int64Counter
	SilentTurns   metric.Int64Counter
	LLMRequests   metric.Int64Counter
	ToolDispatch  metric.Int64Counter
	RouterJobs    metric.Int64Counter
	MemoryQueries metric.Int64Counter
	GardenerRuns  metric.Int64Counter

	// Histograms
	TurnDuration metric.Float64Histogram
	LLMDuration  metric.Float64Histogram
	JobDuration  metric.Float64Histogram

	// Gauges
	BusBacklog metric.Int64UpDownCounter
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP
// exporters. Configuration comes from standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT, etc.). Returns a shutdown function that must
// be called on application exit.
func Init(ctx context.Context, serviceName string) (*Instruments, func(context.Context) error, error) {
	if serviceName == "" {
		serviceName = "cortex"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	// Trace provider
	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// Metric provider
	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	// Log provider
	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	turns, err := meter.Int64Counter("cortex.turns",
		metric.WithDescription("Turns processed"),
		metric.WithUnit("{turn}"))
	if err != nil {
		return nil, err
	}

	silentTurns, err := meter.Int64Counter("cortex.turns.silent",
		metric.WithDescription("Turns that produced no outbound text"),
		metric.WithUnit("{turn}"))
	if err != nil {
		return nil, err
	}

	llmRequests, err := meter.Int64Counter("cortex.llm.requests",
		metric.WithDescription("LLM request count"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}

	toolDispatch, err := meter.Int64Counter("cortex.tool.dispatch",
		metric.WithDescription("Tool calls dispatched"),
		metric.WithUnit("{call}"))
	if err != nil {
		return nil, err
	}

	routerJobs, err := meter.Int64Counter("router.jobs",
		metric.WithDescription("Router jobs submitted"),
		metric.WithUnit("{job}"))
	if err != nil {
		return nil, err
	}

	memoryQueries, err := meter.Int64Counter("cortex.memory.queries",
		metric.WithDescription("Hippocampus queries"),
		metric.WithUnit("{query}"))
	if err != nil {
		return nil, err
	}

	gardenerRuns, err := meter.Int64Counter("cortex.gardener.runs",
		metric.WithDescription("Gardener worker runs"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}

	turnDuration, err := meter.Float64Histogram("cortex.turn.duration",
		metric.WithDescription("Turn duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	llmDuration, err := meter.Float64Histogram("cortex.llm.duration",
		metric.WithDescription("LLM call duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	jobDuration, err := meter.Float64Histogram("router.job.duration",
		metric.WithDescription("Router job execution duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	busBacklog, err := meter.Int64UpDownCounter("cortex.bus.backlog",
		metric.WithDescription("Envelopes awaiting pickup"),
		metric.WithUnit("{envelope}"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:        tracer,
		Meter:         meter,
		Logger:        logger,
		Turns:         turns,
		SilentTurns:   silentTurns,
		LLMRequests:   llmRequests,
		ToolDispatch:  toolDispatch,
		RouterJobs:    routerJobs,
		MemoryQueries: memoryQueries,
		GardenerRuns:  gardenerRuns,
		TurnDuration:  turnDuration,
		LLMDuration:   llmDuration,
		JobDuration:   jobDuration,
		BusBacklog:    busBacklog,
	}, nil
}
