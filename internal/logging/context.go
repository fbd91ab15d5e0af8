// SPDX-License-Identifier: Apache-2.0

package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type planCtxKey struct{}
type executionCtxKey struct{}
type correlationCtxKey struct{}

// ContextFields extracts correlation data from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields := make([]zap.Field, 0, 5)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if id := PlanIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("plan.id", id))
	}
	if id := ExecutionIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("execution.id", id))
	}
	if id := CorrelationIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("correlation.id", id))
	}
	return fields
}

func WithPlanID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, planCtxKey{}, id)
}

func PlanIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(planCtxKey{}).(string)
	return s
}

func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionCtxKey{}, id)
}

func ExecutionIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(executionCtxKey{}).(string)
	return s
}

// WithCorrelationID attaches a correlation id. Empty ids are ignored.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationCtxKey{}, id)
}

func CorrelationIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(correlationCtxKey{}).(string)
	return s
}
