package otel

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys for snapq spans and metric points.
var (
	AttrTaskID       = attribute.Key("snapq.task.id")
	AttrTaskKind     = attribute.Key("snapq.task.kind")
	AttrQueue        = attribute.Key("snapq.queue")
	AttrAttempt      = attribute.Key("snapq.task.attempt")
	AttrStatus       = attribute.Key("snapq.task.status")
	AttrWorkerID     = attribute.Key("snapq.worker.id")
	AttrConnectionID = attribute.Key("snapq.connection.id")
	AttrIdentity     = attribute.Key("snapq.identity")
	AttrScaleAction  = attribute.Key("snapq.pool.action")
	AttrLimiter      = attribute.Key("snapq.ratelimit.scope")
)

// Trace context crosses the broker as a W3C traceparent string stored with
// the task, so the worker span joins the trace of the upload that created it.
var traceContext = propagation.TraceContext{}

const traceparentHeader = "traceparent"

// ExtractHTTP returns ctx carrying the remote span context from a request's
// traceparent header, if any.
func ExtractHTTP(ctx context.Context, h http.Header) context.Context {
	return traceContext.Extract(ctx, propagation.HeaderCarrier(h))
}

// TraceParent encodes the span context of ctx, or "" when it has none.
func TraceParent(ctx context.Context) string {
	carrier := propagation.MapCarrier{}
	traceContext.Inject(ctx, carrier)
	return carrier.Get(traceparentHeader)
}

// WithTraceParent returns ctx carrying the remote span context encoded in
// traceparent. Malformed or empty values leave ctx unchanged.
func WithTraceParent(ctx context.Context, traceparent string) context.Context {
	if traceparent == "" {
		return ctx
	}
	return traceContext.Extract(ctx, propagation.MapCarrier{traceparentHeader: traceparent})
}

// StartSpan starts an internal span.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request or session.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartProducerSpan starts a span for a task being enqueued.
func StartProducerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
}

// StartConsumerSpan starts a span for a task taken off a queue. When the
// task carries a traceparent the span continues that trace.
func StartConsumerSpan(ctx context.Context, tracer trace.Tracer, name, traceparent string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx = WithTraceParent(ctx, traceparent)
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
}
