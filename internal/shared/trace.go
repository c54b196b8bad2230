// Package shared holds context-carried identifiers and secret redaction used
// across snapq components.
package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type taskIDKey struct{}
type workerIDKey struct{}
type connIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

func NewTraceID() string {
	return uuid.NewString()
}

func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

// TaskID extracts task_id from context. Returns "" if absent.
func TaskID(ctx context.Context) string {
	v, _ := ctx.Value(taskIDKey{}).(string)
	return v
}

func WithWorkerID(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, workerIDKey{}, workerID)
}

func WorkerID(ctx context.Context) string {
	v, _ := ctx.Value(workerIDKey{}).(string)
	return v
}

// WithConnectionID attaches the ingress connection id.
func WithConnectionID(ctx context.Context, connID string) context.Context {
	return context.WithValue(ctx, connIDKey{}, connID)
}

func ConnectionID(ctx context.Context) string {
	v, _ := ctx.Value(connIDKey{}).(string)
	return v
}

// LogAttrs returns the ids present in ctx as slog key/value pairs.
func LogAttrs(ctx context.Context) []any {
	attrs := []any{"trace_id", TraceID(ctx)}
	if v := TaskID(ctx); v != "" {
		attrs = append(attrs, "task_id", v)
	}
	if v := WorkerID(ctx); v != "" {
		attrs = append(attrs, "worker_id", v)
	}
	if v := ConnectionID(ctx); v != "" {
		attrs = append(attrs, "connection_id", v)
	}
	return attrs
}
