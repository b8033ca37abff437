package events

import (
	"context"
	"os"
)

type contextKey int

const (
	loggerKey contextKey = iota
	traceIDKey
	userIDKey
)

// FromContext extracts logger from context.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return defaultLogger
}

// WithLogger adds logger to context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// WithTraceID adds a trace token to context and logger.
func WithTraceID(ctx context.Context, id string) context.Context {
	logger := FromContext(ctx).WithField("trace_id", id)
	ctx = context.WithValue(ctx, traceIDKey, id)
	return WithLogger(ctx, logger)
}

// WithUserID adds the active user id to context and logger.
func WithUserID(ctx context.Context, id string) context.Context {
	logger := FromContext(ctx).WithField("user_id", id)
	ctx = context.WithValue(ctx, userIDKey, id)
	return WithLogger(ctx, logger)
}

// GetTraceID retrieves the trace token from context.
func GetTraceID(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	return ""
}

// GetUserID retrieves the active user id from context.
func GetUserID(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey).(string); ok {
		return id
	}
	return ""
}

var defaultLogger = &Logger{
	level:  InfoLevel,
	format: "text",
	output: os.Stdout,
	fields: make(map[string]interface{}),
}

// SetDefault sets the default logger.
func SetDefault(logger *Logger) {
	defaultLogger = logger
}
