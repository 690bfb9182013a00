package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/datamind/control-plane/pkg/contracts"
)

// InstrumentationName is the OpenTelemetry tracer name of the control plane.
const InstrumentationName = "datamind-control-plane"

// OTelTracer implements contracts.Tracer on an OpenTelemetry tracer.
type OTelTracer struct {
	tracer trace.Tracer
}

// NewOTelTracer wraps t. A nil t uses the global provider.
func NewOTelTracer(t trace.Tracer) *OTelTracer {
	if t == nil {
		t = otel.Tracer(InstrumentationName)
	}
	return &OTelTracer{tracer: t}
}

type otelSpan struct {
	name string
	span trace.Span
}

func (s *otelSpan) Name() string { return s.name }

func (t *OTelTracer) StartSpan(ctx context.Context, name string) (context.Context, contracts.Span) {
	ctx, span := t.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal))
	return ctx, &otelSpan{name: name, span: span}
}

func (t *OTelTracer) EndSpan(s contracts.Span, m contracts.SpanMetrics) {
	sp, ok := s.(*otelSpan)
	if !ok {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.Int("datamind.attempt", m.Attempt),
		attribute.Int64("datamind.tokens.input", m.TokensIn),
		attribute.Int64("datamind.tokens.output", m.TokensOut),
		attribute.Int64("datamind.latency_ms", m.LatencyMs),
	}
	if m.Tier != "" {
		attrs = append(attrs, attribute.String("datamind.tier", m.Tier))
	}
	if m.Status != "" {
		attrs = append(attrs, attribute.String("datamind.status", m.Status))
	}
	if m.Score != nil {
		attrs = append(attrs, attribute.Float64("datamind.score", *m.Score))
	}
	sp.span.SetAttributes(attrs...)
	if m.Err != nil {
		sp.span.RecordError(m.Err)
		sp.span.SetStatus(codes.Error, m.Err.Error())
	}
	sp.span.End()
}

// Multi fans one span out to several tracers.
type Multi []contracts.Tracer

type multiSpan struct {
	name  string
	spans []contracts.Span
}

func (s *multiSpan) Name() string { return s.name }

func (m Multi) StartSpan(ctx context.Context, name string) (context.Context, contracts.Span) {
	ms := &multiSpan{name: name, spans: make([]contracts.Span, len(m))}
	for i, t := range m {
		ctx, ms.spans[i] = t.StartSpan(ctx, name)
	}
	return ctx, ms
}

func (m Multi) EndSpan(s contracts.Span, metrics contracts.SpanMetrics) {
	ms, ok := s.(*multiSpan)
	if !ok {
		return
	}
	for i := len(m) - 1; i >= 0; i-- {
		m[i].EndSpan(ms.spans[i], metrics)
	}
}

// Noop discards spans.
type Noop struct{}

type noopSpan string

func (s noopSpan) Name() string { return string(s) }

func (Noop) StartSpan(ctx context.Context, name string) (context.Context, contracts.Span) {
	return ctx, noopSpan(name)
}

func (Noop) EndSpan(contracts.Span, contracts.SpanMetrics) {}
