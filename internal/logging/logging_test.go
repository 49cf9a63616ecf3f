package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	testCases := []struct {
		name    string
		level   string
		enabled zapcore.Level
		wantErr bool
	}{
		{name: "empty_defaults_to_info", level: "", enabled: zapcore.InfoLevel},
		{name: "debug", level: "debug", enabled: zapcore.DebugLevel},
		{name: "warn", level: "warn", enabled: zapcore.WarnLevel},
		{name: "invalid", level: "loud", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			logger, err := New(tc.level)
			if tc.wantErr {
				assert.Error(t, err)
				assert.Nil(t, logger)
				return
			}
			require.NoError(t, err)
			assert.True(t, logger.Core().Enabled(tc.enabled))
			assert.False(t, logger.Core().Enabled(tc.enabled-1))
		})
	}
}

func TestContextIDs(t *testing.T) {
	ctx := WithActorID(WithRequestID(context.Background(), "req-1"), "actor-1")

	assert.Equal(t, "req-1", RequestID(ctx))
	assert.Equal(t, "actor-1", ActorID(ctx))
	assert.Empty(t, RequestID(context.Background()))
}

func TestFromContext(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core)

	ctx := WithActorID(WithRequestID(context.Background(), "req-1"), "actor-1")
	FromContext(ctx, base).Info("write_probe_recorded")
	FromContext(context.Background(), base).Info("bare")

	entries := logs.All()
	require.Len(t, entries, 2)
	fields := entries[0].ContextMap()
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "actor-1", fields["actor_id"])
	assert.Empty(t, entries[1].ContextMap())

	assert.NotNil(t, FromContext(ctx, nil))
}
