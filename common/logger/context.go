package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields are added to every record logged with a context carrying them.
type LogFields struct {
	JobID       string
	ExecutionID string
	Attempt     *int
	RequestID   string // IPC request id, HTTP request id or stream message id
	Command     string // control protocol command
	Component   string // e.g. "jobd.daemon", "jobd.ipc"
}

// WithLogFields enriches ctx. Multiple calls merge, newer non-empty values
// win.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	existing := GetLogFields(ctx)
	merged := mergeFields(existing, fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

func mergeFields(existing, new LogFields) LogFields {
	result := existing

	if new.JobID != "" {
		result.JobID = new.JobID
	}
	if new.ExecutionID != "" {
		result.ExecutionID = new.ExecutionID
	}
	if new.Attempt != nil {
		result.Attempt = new.Attempt
	}
	if new.RequestID != "" {
		result.RequestID = new.RequestID
	}
	if new.Command != "" {
		result.Command = new.Command
	}
	if new.Component != "" {
		result.Component = new.Component
	}

	return result
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

// Truncate cuts s to maxLen bytes, appending "..." if it was longer.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
