package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscaping(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, slog.LevelInfo, "worker-1")

	logger.Info("payload: \"quoted\"\nline2\tend\x01")

	line := buf.String()
	require.True(t, strings.HasSuffix(line, "}\n"))
	assert.Contains(t, line, `\"quoted\"`)
	assert.Contains(t, line, `\n`)
	assert.Contains(t, line, `\t`)
	assert.Contains(t, line, `"thread":"worker-1"`)
	assert.Contains(t, line, `"level":"INFO"`)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARNING"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("info"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, slog.LevelWarn, "w")

	logger.Info("dropped")
	assert.Empty(t, buf.String())

	logger.Warn("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestWithThreadSharesLock(t *testing.T) {
	var buf bytes.Buffer
	base := New(&buf, slog.LevelInfo, "main")
	worker := WithThread(base, "worker-2")

	worker.Info("hello")
	assert.Contains(t, buf.String(), `"thread":"worker-2"`)

	base.Info("world")
	assert.Contains(t, buf.String(), `"thread":"main"`)
}

func TestNoRecordInterleaving(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, slog.LevelInfo, "w")

	const n = 50
	done := make(chan struct{})
	for i := 0; i < n; i++ {
		go func(i int) {
			logger.Info("concurrent record", "i", i)
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < n; i++ {
		<-done
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, n)
	for _, line := range lines {
		assert.True(t, strings.HasPrefix(line, "{"))
		assert.True(t, strings.HasSuffix(line, "}"))
	}
}
