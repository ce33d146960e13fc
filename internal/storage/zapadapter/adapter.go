// Package zapadapter provides a pgx logger that writes to a go.uber.org/zap.Logger
// and tags every entry with the id of the HTTP request that issued the query.
package zapadapter

import (
	"context"

	"github.com/jackc/pgx/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey struct{}

// redacted lists pgx log fields that may carry message texts of patients
var redacted = map[string]bool{
	"args": true,
}

type Logger struct {
	logger *zap.Logger
}

// WithRequestID returns a copy of ctx carrying request id
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// RequestIDFromContext extracts request id stored by WithRequestID
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok
}

func NewLogger(logger *zap.Logger) *Logger {
	return &Logger{logger: logger.WithOptions(zap.AddCallerSkip(1))}
}

func (pl *Logger) Log(ctx context.Context, level pgx.LogLevel, msg string, data map[string]interface{}) {
	fields := make([]zapcore.Field, 0, len(data)+1)
	if id, ok := RequestIDFromContext(ctx); ok {
		fields = append(fields, zap.String("request_id", id))
	}
	for k, v := range data {
		if redacted[k] {
			fields = append(fields, zap.String(k, "[redacted]"))
			continue
		}
		fields = append(fields, zap.Reflect(k, v))
	}

	switch level {
	// pgx reports every query at info
	case pgx.LogLevelTrace, pgx.LogLevelDebug, pgx.LogLevelInfo:
		pl.logger.Debug(msg, fields...)
	case pgx.LogLevelWarn:
		pl.logger.Warn(msg, fields...)
	case pgx.LogLevelError:
		pl.logger.Error(msg, fields...)
	default:
		pl.logger.Error(msg, append(fields, zap.Stringer("PGX_LOG_LEVEL", level))...)
	}
}
