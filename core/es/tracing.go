package es

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/codewandler/clstr-es/core/es"

// TracerProviderOption sets the OpenTelemetry tracer provider used for
// repository and consumer spans. The global provider is used otherwise.
type TracerProviderOption valueOption[trace.TracerProvider]

func WithTracerProvider(tp trace.TracerProvider) TracerProviderOption {
	return TracerProviderOption{v: tp}
}

func (o TracerProviderOption) applyToEnv(e *envOptions)            { e.tracerProvider = o.v }
func (o TracerProviderOption) applyToRepository(r *repoOpts)       { r.tracerProvider = o.v }
func (o TracerProviderOption) applyToConsumerOpts(c *consumerOpts) { c.tracerProvider = o.v }

func newTracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(tracerName)
}

func startSpan(ctx context.Context, t trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.Start(ctx, name, trace.WithAttributes(attrs...))
}

// endSpan records err on span, if any, and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func attrAggregate(aggID string) attribute.KeyValue {
	return attribute.String("es.aggregate_id", aggID)
}

func attrVersion(key string, v Version) attribute.KeyValue {
	return attribute.Int64(key, int64(v))
}
