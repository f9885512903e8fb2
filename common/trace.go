package common

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "github.com/grafana/xk6-channel/common"

func defaultTracer() trace.Tracer {
	return noop.NewTracerProvider().Tracer(tracerName)
}

// startSpan starts the client span of a call. The request id is only known
// once the call is registered, see setSpanID.
func (c *Connection) startSpan(ctx context.Context, o *ChannelOwner, method string) trace.Span {
	_, span := c.tracer.Start(ctx, o.typ+"."+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("guid", o.guid),
			attribute.String("method", method),
		),
	)
	return span
}

func setSpanID(span trace.Span, id int64) {
	span.SetAttributes(attribute.Int64("id", id))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
