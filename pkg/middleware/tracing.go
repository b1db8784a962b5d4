package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OpenTelemetryMiddleware adds a span around each batch commit. Uses the
// global tracer provider by default, or a custom tracer can be provided.
func OpenTelemetryMiddleware(tracerName string) func(CommitFunc) CommitFunc {
	if tracerName == "" {
		tracerName = "github.com/plaenen/fleet-reporter"
	}

	return OpenTelemetryMiddlewareWithTracer(otel.Tracer(tracerName))
}

// OpenTelemetryMiddlewareWithTracer creates middleware with a specific tracer.
func OpenTelemetryMiddlewareWithTracer(tracer trace.Tracer) func(CommitFunc) CommitFunc {
	return func(next CommitFunc) CommitFunc {
		return func(ctx context.Context) error {
			spanCtx, span := tracer.Start(ctx, "batch.commit",
				trace.WithSpanKind(trace.SpanKindInternal),
			)
			defer span.End()

			err := next(spanCtx)

			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return err
			}

			span.SetAttributes(attribute.Bool("success", true))
			span.SetStatus(codes.Ok, "batch committed")
			return nil
		}
	}
}
