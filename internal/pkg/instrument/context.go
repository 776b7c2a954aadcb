package instrument

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

type correlationKey struct{}

// SetCorrelationID stores the id that ties logs and published messages of one request together.
func SetCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// GetCorrelationID returns the stored correlation id, falling back to the
// active trace id, or "" when neither exists.
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok && id != "" {
		return id
	}

	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}

	return ""
}
