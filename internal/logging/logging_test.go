package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/webrelay/internal/model"
)

func TestNew_LevelAndComponent(t *testing.T) {
	var buf bytes.Buffer
	l := Component(New(model.LoggingConfig{Level: "warn"}, &buf), "watcher")

	l.Info().Msg("hidden")
	l.Warn().Str("file", "a.json").Msg("quarantined")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "watcher", entry["component"])
	assert.Equal(t, "a.json", entry["file"])
}

func TestNew_BadLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	l := New(model.LoggingConfig{Level: "loud"}, &buf)
	l.Debug().Msg("hidden")
	l.Info().Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestWith_ContextIDs(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithRequestID(WithJobID(context.Background(), "job-1"), "req-9")
	l := With(ctx, New(model.LoggingConfig{}, &buf))
	l.Info().Msg("x")
	assert.Contains(t, buf.String(), `"job_id":"job-1"`)
	assert.Contains(t, buf.String(), `"request_id":"req-9"`)
}

func TestOpen_WritesLogFile(t *testing.T) {
	dir := t.TempDir()
	l, closer, err := Open(model.LoggingConfig{Level: "info", File: true}, dir)
	require.NoError(t, err)
	l.Info().Msg("to_file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(filepath.Join(dir, "logs", "webrelay.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "to_file")
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "abc", Preview("  abc ", 5))
	assert.Equal(t, "abcde...", Preview("abcdefgh", 5))
}
