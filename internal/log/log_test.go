package log_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/GemAppSec/CxDynEngine/internal/log"
	"github.com/stretchr/testify/require"
)

func TestContextAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, false).With("component", "test")

	ctx := log.ContextAttrs(context.Background(), slog.String("cmd", "run"))
	ctx = log.CycleContext(ctx)
	logger.DebugContext(ctx, "hidden")
	logger.InfoContext(ctx, "hello", "scan_id", 42)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "hello", rec["msg"])
	require.Equal(t, "run", rec["cmd"])
	require.Equal(t, "test", rec["component"])
	require.EqualValues(t, 42, rec["scan_id"])
	require.Len(t, rec["cycle_id"], 36)
}

func TestContextAttrs_NoAliasing(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, true)

	parent := log.ContextAttrs(context.Background(), slog.String("a", "1"))
	first := log.ContextAttrs(parent, slog.String("b", "2"))
	_ = log.ContextAttrs(parent, slog.String("b", "3"))
	logger.DebugContext(first, "first")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "2", rec["b"])
}
