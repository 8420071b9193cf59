package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// LaneKey is the context key for the queue lane a task runs in
	LaneKey ContextKey = "lane"
	// TaskIDKey is the context key for the queued task ID
	TaskIDKey ContextKey = "task_id"
	// JobIDKey is the context key for the cron job ID
	JobIDKey ContextKey = "job_id"
	// AgentIDKey is the context key for the heartbeat agent ID
	AgentIDKey ContextKey = "agent_id"
)

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithLane adds a lane name to the context
func WithLane(ctx context.Context, lane string) context.Context {
	return context.WithValue(ctx, LaneKey, lane)
}

// WithTaskID adds a task ID to the context
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, TaskIDKey, taskID)
}

// WithJobID adds a cron job ID to the context
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, JobIDKey, jobID)
}

// WithAgentID adds an agent ID to the context
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, AgentIDKey, agentID)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// GetLane retrieves the lane name from the context
func GetLane(ctx context.Context) string {
	if lane, ok := ctx.Value(LaneKey).(string); ok {
		return lane
	}
	return ""
}

// GetTaskID retrieves the task ID from the context
func GetTaskID(ctx context.Context) string {
	if taskID, ok := ctx.Value(TaskIDKey).(string); ok {
		return taskID
	}
	return ""
}

// GetJobID retrieves the cron job ID from the context
func GetJobID(ctx context.Context) string {
	if jobID, ok := ctx.Value(JobIDKey).(string); ok {
		return jobID
	}
	return ""
}

// GetAgentID retrieves the agent ID from the context
func GetAgentID(ctx context.Context) string {
	if agentID, ok := ctx.Value(AgentIDKey).(string); ok {
		return agentID
	}
	return ""
}
