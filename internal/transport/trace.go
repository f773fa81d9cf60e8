package transport

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// InjectTrace writes the span context of ctx into the envelope headers.
func InjectTrace(ctx context.Context, env *Envelope) {
	if env.Headers == nil {
		env.Headers = make(map[string]string)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(env.Headers))
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		env.Headers[HeaderTraceID] = sc.TraceID().String()
	}
}

// ExtractTrace returns ctx carrying the remote span context found in the envelope headers.
func ExtractTrace(ctx context.Context, env Envelope) context.Context {
	if len(env.Headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(env.Headers))
}

// TraceID returns the trace id header, if any.
func (e Envelope) TraceID() string {
	return e.Headers[HeaderTraceID]
}
