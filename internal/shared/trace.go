package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type actorKey struct{}
type taskIDKey struct{}
type workspaceKey struct{}

// Actor recorded when a request carries no identity of its own.
const DefaultActor = "dashboard"

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

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithActor attaches the acting identity (user or agent) to the context.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// Actor extracts the acting identity from context. Returns DefaultActor if
// absent.
func Actor(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok && v != "" {
		return v
	}
	return DefaultActor
}

// WithTaskID attaches a task_id to the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

// TaskID extracts task_id from context. Returns "" if absent.
func TaskID(ctx context.Context) string {
	if v, ok := ctx.Value(taskIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithWorkspaceID attaches a workspace_id to the context.
func WithWorkspaceID(ctx context.Context, workspaceID string) context.Context {
	return context.WithValue(ctx, workspaceKey{}, workspaceID)
}

// WorkspaceID extracts workspace_id from context. Returns "" if absent.
func WorkspaceID(ctx context.Context) string {
	if v, ok := ctx.Value(workspaceKey{}).(string); ok {
		return v
	}
	return ""
}
