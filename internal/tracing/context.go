package tracing

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// TurnIDKey is the context key for the id of one orchestration turn
	TurnIDKey ContextKey = "turn_id"
	// SessionIDKey is the context key for the conversation session id
	SessionIDKey ContextKey = "session_id"
	// UserIDKey is the context key for the caller's user id
	UserIDKey ContextKey = "user_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID   string
	TurnID    string
	SessionID string
	UserID    string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewTurnID generates a new turn ID
func NewTurnID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithTurnID adds a turn ID to the context
func WithTurnID(ctx context.Context, turnID string) context.Context {
	return context.WithValue(ctx, TurnIDKey, turnID)
}

// WithSessionID adds a session ID to the context
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

// WithUserID adds a user ID to the context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

func getString(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	return getString(ctx, TraceIDKey)
}

// GetTurnID retrieves the turn ID from the context
func GetTurnID(ctx context.Context) string {
	return getString(ctx, TurnIDKey)
}

// GetSessionID retrieves the session ID from the context
func GetSessionID(ctx context.Context) string {
	return getString(ctx, SessionIDKey)
}

// GetUserID retrieves the user ID from the context
func GetUserID(ctx context.Context) string {
	return getString(ctx, UserIDKey)
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:   GetTraceID(ctx),
		TurnID:    GetTurnID(ctx),
		SessionID: GetSessionID(ctx),
		UserID:    GetUserID(ctx),
	}
}

// NewTurnContext prepares the context for one orchestration turn. A trace ID
// is created when the caller did not supply one.
func NewTurnContext(ctx context.Context, sessionID, userID string) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	ctx = WithTurnID(ctx, NewTurnID())
	ctx = WithSessionID(ctx, sessionID)
	if userID != "" {
		ctx = WithUserID(ctx, userID)
	}
	return ctx
}

// LoggerFromContext returns baseLogger enriched with the tracing fields found in ctx.
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)
	lc := baseLogger.With()
	if tc.TraceID != "" {
		lc = lc.Str("trace_id", tc.TraceID)
	}
	if tc.TurnID != "" {
		lc = lc.Str("turn_id", tc.TurnID)
	}
	if tc.SessionID != "" {
		lc = lc.Str("session_id", tc.SessionID)
	}
	if tc.UserID != "" {
		lc = lc.Str("user_id", tc.UserID)
	}
	return lc.Logger()
}
