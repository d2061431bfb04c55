package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Levels(t *testing.T) {
	tests := []struct {
		level     string
		enabled   slog.Level
		disabled  slog.Level
		checkDown bool
	}{
		{level: "debug", enabled: slog.LevelDebug},
		{level: "", enabled: slog.LevelInfo, disabled: slog.LevelDebug, checkDown: true},
		{level: "warn", enabled: slog.LevelWarn, disabled: slog.LevelInfo, checkDown: true},
		{level: "ERROR", enabled: slog.LevelError, disabled: slog.LevelWarn, checkDown: true},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger := New(tt.level, "text")
			require.NotNil(t, logger)
			assert.True(t, logger.Enabled(context.Background(), tt.enabled))
			if tt.checkDown {
				assert.False(t, logger.Enabled(context.Background(), tt.disabled))
			}
		})
	}
}

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "json")
	logger.Info("escrow captured", "escrowId", "esc_1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "escrow captured", line["msg"])
	assert.Equal(t, "esc_1", line["escrowId"])
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestID(ctx))

	ctx = WithRequestID(ctx, "req-123")
	assert.Equal(t, "req-123", RequestID(ctx))
}

func TestFromContext_DefaultsToSlogDefault(t *testing.T) {
	assert.Equal(t, slog.Default(), FromContext(context.Background()))

	logger := Discard()
	ctx := WithLogger(context.Background(), logger)
	assert.Equal(t, logger, FromContext(ctx))
	assert.NotNil(t, L(WithRequestID(ctx, "abc")))
}
