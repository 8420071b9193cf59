package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// LoggerFromContext enriches a zerolog logger with any scheduling metadata
// carried by the context.
func LoggerFromContext(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	if ctx == nil {
		return base
	}

	lc := base.With()
	if traceID := GetTraceID(ctx); traceID != "" {
		lc = lc.Str("trace_id", traceID)
	}
	if lane := GetLane(ctx); lane != "" {
		lc = lc.Str("lane", lane)
	}
	if taskID := GetTaskID(ctx); taskID != "" {
		lc = lc.Str("task_id", taskID)
	}
	if jobID := GetJobID(ctx); jobID != "" {
		lc = lc.Str("job_id", jobID)
	}
	if agentID := GetAgentID(ctx); agentID != "" {
		lc = lc.Str("agent_id", agentID)
	}
	return lc.Logger()
}
