package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "framewire"

var propagator = propagation.TraceContext{}

// Context is the trace context carried by a frame envelope. It is attached
// once at capture time and must never be mutated by components that handle
// the frame; each hop starts a child span referencing it instead.
type Context struct {
	TraceID string `json:"trace_id"`
	SpanID  string `json:"span_id"`
	Sampled bool   `json:"sampled"`

	// State is the opaque vendor tracestate blob, carried verbatim.
	State string `json:"state,omitempty"`
}

// IsZero reports whether no valid trace context is carried.
func (c Context) IsZero() bool {
	return c.TraceID == "" || c.SpanID == ""
}

func (c Context) spanContext() trace.SpanContext {
	if c.IsZero() {
		return trace.SpanContext{}
	}
	tid, err := trace.TraceIDFromHex(c.TraceID)
	if err != nil {
		return trace.SpanContext{}
	}
	sid, err := trace.SpanIDFromHex(c.SpanID)
	if err != nil {
		return trace.SpanContext{}
	}
	var flags trace.TraceFlags
	if c.Sampled {
		flags = trace.FlagsSampled
	}
	state, _ := trace.ParseTraceState(c.State)
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: flags,
		TraceState: state,
		Remote:     true,
	})
}

func fromSpanContext(sc trace.SpanContext) Context {
	if !sc.IsValid() {
		return Context{}
	}
	return Context{
		TraceID: sc.TraceID().String(),
		SpanID:  sc.SpanID().String(),
		Sampled: sc.IsSampled(),
		State:   sc.TraceState().String(),
	}
}

// Inject serialises c into the carrier as W3C traceparent/tracestate fields.
// A zero context injects nothing.
func Inject(c Context, carrier propagation.TextMapCarrier) {
	sc := c.spanContext()
	if !sc.IsValid() {
		return
	}
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	propagator.Inject(ctx, carrier)
}

// Extract parses a trace context from the carrier. It fails softly: a
// missing or invalid traceparent yields a zero Context (an unsampled root),
// never an error.
func Extract(carrier propagation.TextMapCarrier) Context {
	ctx := propagator.Extract(context.Background(), carrier)
	return fromSpanContext(trace.SpanContextFromContext(ctx))
}

// StartSpan starts a child span of the carried context for one hop of frame
// handling. The carried context itself is left untouched. When c is zero an
// unsampled root span is started instead.
func StartSpan(c Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx := context.Background()
	if sc := c.spanContext(); sc.IsValid() {
		ctx = trace.ContextWithSpanContext(ctx, sc)
	}
	return otel.Tracer(tracerName).Start(ctx, op, trace.WithAttributes(attrs...))
}

// StartBatchSpan starts one span covering a hop that moves several frames at
// once, linked to each carried context rather than parented to any single
// one. Zero contexts contribute no link.
func StartBatchSpan(cs []Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	links := make([]trace.Link, 0, len(cs))
	for _, c := range cs {
		if sc := c.spanContext(); sc.IsValid() {
			links = append(links, trace.Link{SpanContext: sc})
		}
	}
	return otel.Tracer(tracerName).Start(context.Background(), op,
		trace.WithAttributes(attrs...), trace.WithLinks(links...))
}
