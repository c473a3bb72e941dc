package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// WithClientSpan 包装一次外部调用（模型、Gmail、Calendar、OAuth）
func WithClientSpan(ctx context.Context, provider, operation string, fn func(context.Context) error) error {
	ctx, span := StartSpan(ctx, provider+"."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("peer.service", provider),
			attribute.String("rpc.method", operation),
		),
	)
	defer span.End()

	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
