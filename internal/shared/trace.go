package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type nodeIDKey struct{}
type runIDKey struct{}

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

// WithNodeID attaches the calling node's id to the context.
func WithNodeID(ctx context.Context, nodeID int64) context.Context {
	return context.WithValue(ctx, nodeIDKey{}, nodeID)
}

// NodeID extracts the node id from context. Returns 0 if absent.
func NodeID(ctx context.Context) int64 {
	if v, ok := ctx.Value(nodeIDKey{}).(int64); ok {
		return v
	}
	return 0
}

// WithRunID attaches a run_id to the context.
func WithRunID(ctx context.Context, runID int64) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunID extracts the run id from context. Returns 0 if absent.
func RunID(ctx context.Context) int64 {
	if v, ok := ctx.Value(runIDKey{}).(int64); ok {
		return v
	}
	return 0
}
