package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// spanPrefix names pass spans the way the render graph names its profiler
// scopes.
const spanPrefix = "WorldSpaceReSTIR."

// Tracer starts one span per pass.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer returns a tracer from tp. A nil tp selects the global provider.
func NewTracer(tp trace.TracerProvider) *Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Tracer{tracer: tp.Tracer("github.com/gogpu/restir")}
}

// StartPass starts the span of one pass of one instance.
func (t *Tracer) StartPass(ctx context.Context, pass string, instance int, frame uint32) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, spanPrefix+pass,
		trace.WithAttributes(
			attribute.Int("restir.instance", instance),
			attribute.Int64("restir.frame", int64(frame)),
		),
	)
}

// EndPass ends span, recording err when set.
func EndPass(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
