package telemetry_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/datamind/control-plane/internal/telemetry"
	"github.com/datamind/control-plane/pkg/contracts"
)

func newRecordingTracer() (*telemetry.OTelTracer, *tracetest.SpanRecorder) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	return telemetry.NewOTelTracer(tp.Tracer("test")), rec
}

func attrMap(kvs []attribute.KeyValue) map[string]attribute.Value {
	out := make(map[string]attribute.Value, len(kvs))
	for _, kv := range kvs {
		out[string(kv.Key)] = kv.Value
	}
	return out
}

func TestOTelTracer(t *testing.T) {
	tr, rec := newRecordingTracer()

	ctx, parent := tr.StartSpan(context.Background(), "request")
	_, child := tr.StartSpan(ctx, "generate")
	score := 0.91
	tr.EndSpan(child, contracts.SpanMetrics{Tier: "cloud_standard", Attempt: 2, TokensIn: 120, TokensOut: 40, Score: &score})
	tr.EndSpan(parent, contracts.SpanMetrics{Err: errors.New("deadline exceeded")})

	ended := rec.Ended()
	require.Len(t, ended, 2)

	gen := ended[0]
	assert.Equal(t, "generate", gen.Name())
	assert.Equal(t, ended[1].SpanContext().SpanID(), gen.Parent().SpanID())
	attrs := attrMap(gen.Attributes())
	assert.Equal(t, "cloud_standard", attrs["datamind.tier"].AsString())
	assert.Equal(t, int64(2), attrs["datamind.attempt"].AsInt64())
	assert.Equal(t, int64(120), attrs["datamind.tokens.input"].AsInt64())
	assert.InDelta(t, 0.91, attrs["datamind.score"].AsFloat64(), 1e-9)

	assert.Equal(t, codes.Error, ended[1].Status().Code)
}

func TestMulti(t *testing.T) {
	a, recA := newRecordingTracer()
	b, recB := newRecordingTracer()
	m := telemetry.Multi{a, b, telemetry.Noop{}}

	_, span := m.StartSpan(context.Background(), "validate")
	assert.Equal(t, "validate", span.Name())
	m.EndSpan(span, contracts.SpanMetrics{Status: "accept"})

	assert.Len(t, recA.Ended(), 1)
	assert.Len(t, recB.Ended(), 1)
}
