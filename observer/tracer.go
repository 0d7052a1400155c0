package observer

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	cortex "github.com/SerjRs/cortex"
)

// NewTracer returns a cortex.Tracer that writes spans through the global
// OTEL TracerProvider. Without a prior Init the provider is a no-op, so the
// tracer is always safe to wire.
func NewTracer() cortex.Tracer {
	return spanTracer{tr: otel.Tracer(scopeName)}
}

type spanTracer struct {
	tr trace.Tracer
}

var _ cortex.Tracer = spanTracer{}

func (t spanTracer) Start(ctx context.Context, name string, attrs ...cortex.SpanAttr) (context.Context, cortex.Span) {
	ctx, sp := t.tr.Start(ctx, name, trace.WithAttributes(convertAttrs(attrs)...))
	return ctx, span{sp: sp}
}

// span adapts one OTEL span to the cortex.Span surface.
type span struct {
	sp trace.Span
}

var _ cortex.Span = span{}

func (s span) SetAttr(attrs ...cortex.SpanAttr) {
	s.sp.SetAttributes(convertAttrs(attrs)...)
}

func (s span) Event(name string, attrs ...cortex.SpanAttr) {
	s.sp.AddEvent(name, trace.WithAttributes(convertAttrs(attrs)...))
}

func (s span) Error(err error) {
	s.sp.RecordError(err)
	s.sp.SetStatus(codes.Error, err.Error())
}

func (s span) End() { s.sp.End() }

// convertAttrs maps cortex span attributes onto OTEL key-values. Value types
// the cortex side never produces degrade to their string form.
func convertAttrs(attrs []cortex.SpanAttr) []attribute.KeyValue {
	out := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		switch v := a.Value.(type) {
		case string:
			out[i] = attribute.String(a.Key, v)
		case bool:
			out[i] = attribute.Bool(a.Key, v)
		case int:
			out[i] = attribute.Int(a.Key, v)
		case int64:
			out[i] = attribute.Int64(a.Key, v)
		case float64:
			out[i] = attribute.Float64(a.Key, v)
		default:
			out[i] = attribute.String(a.Key, fmt.Sprint(v))
		}
	}
	return out
}
