// Package logging provides structured, context-aware logging for the
// signaling hub. A single zap logger is shared process-wide; helpers pull
// request-scoped identifiers out of the context so every log line carries
// the correlation id, user and room it belongs to.
package logging

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

// Context keys for request-scoped log fields.
const (
	CorrelationIDKey contextKey = "correlation_id"
	UserIDKey        contextKey = "user_id"
	RoomIDKey        contextKey = "room_id"
)

const serviceName = "signaling-hub"

var (
	logger *zap.Logger
	once   sync.Once
)

// Initialize configures the global logger. Development mode uses a
// human-readable console encoder; production emits JSON with ISO8601
// timestamps. Safe to call more than once; only the first call wins.
func Initialize(development bool) {
	once.Do(func() {
		var cfg zap.Config
		if development {
			cfg = zap.NewDevelopmentConfig()
			cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		} else {
			cfg = zap.NewProductionConfig()
			cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		}

		l, err := cfg.Build(zap.AddCallerSkip(1))
		if err != nil {
			l = zap.NewNop()
		}
		logger = l
	})
}

// GetLogger returns the shared logger, initializing a development logger
// if Initialize was never called. Useful in tests.
func GetLogger() *zap.Logger {
	if logger == nil {
		Initialize(true)
	}
	return logger
}

// WithCorrelationID attaches a correlation id to the context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, id)
}

// WithUserID attaches an authenticated user id to the context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithRoomID attaches a room id to the context.
func WithRoomID(ctx context.Context, roomID string) context.Context {
	return context.WithValue(ctx, RoomIDKey, roomID)
}

// appendContextFields enriches fields with identifiers carried in the
// context plus the static service name.
func appendContextFields(ctx context.Context, fields []zap.Field) []zap.Field {
	out := make([]zap.Field, 0, len(fields)+4)
	out = append(out, zap.String("service", serviceName))

	if ctx != nil {
		if v, ok := ctx.Value(CorrelationIDKey).(string); ok && v != "" {
			out = append(out, zap.String("correlationId", v))
		}
		if v, ok := ctx.Value(UserIDKey).(string); ok && v != "" {
			out = append(out, zap.String("userId", v))
		}
		if v, ok := ctx.Value(RoomIDKey).(string); ok && v != "" {
			out = append(out, zap.String("roomId", v))
		}
	}

	return append(out, fields...)
}

// Info logs at info level with context fields attached.
func Info(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Info(msg, appendContextFields(ctx, fields)...)
}

// Warn logs at warn level with context fields attached.
func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Warn(msg, appendContextFields(ctx, fields)...)
}

// Error logs at error level with context fields attached.
func Error(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Error(msg, appendContextFields(ctx, fields)...)
}

// Fatal logs at fatal level with context fields attached, then exits.
func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Fatal(msg, appendContextFields(ctx, fields)...)
}

// Sync flushes buffered log entries. Called on shutdown.
func Sync() {
	if logger != nil {
		_ = logger.Sync()
	}
}

// RedactEmail masks the local part of an email address so logs never leak
// full addresses. "alice@example.com" becomes "a***@example.com".
func RedactEmail(email string) string {
	at := strings.Index(email, "@")
	if at <= 0 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}
