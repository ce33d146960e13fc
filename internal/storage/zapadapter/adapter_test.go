package zapadapter

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "abc")
	id, ok := RequestIDFromContext(ctx)
	require.True(t, ok)
	require.Equal(t, "abc", id)

	_, ok = RequestIDFromContext(context.Background())
	require.False(t, ok)
}

func TestLogRedactsArgs(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewLogger(zap.New(core))

	ctx := WithRequestID(context.Background(), "req-1")
	l.Log(ctx, pgx.LogLevelError, "Query", map[string]interface{}{
		"sql":  "insert into messages ...",
		"args": []interface{}{int64(1), "dor no peito"},
	})

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "req-1", fields["request_id"])
	require.Equal(t, "[redacted]", fields["args"])
	require.Equal(t, "insert into messages ...", fields["sql"])
}
