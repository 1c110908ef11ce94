package logger_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erilali/roomchat/internal/logger"
)

func decodeLine(t *testing.T, b []byte) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(b), &entry))
	return entry
}

func TestLogEvent_Fields(t *testing.T) {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	var buf bytes.Buffer
	l := logger.New(zerolog.New(&buf), "socket")

	l.LogEvent("warn", "connection timed out", "lobby", "after 1s")

	entry := decodeLine(t, buf.Bytes())
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "socket", entry["component"])
	assert.Equal(t, "connection timed out", entry["event"])
	assert.Equal(t, "lobby", entry["room"])
	assert.Equal(t, "after 1s", entry["detail"])
}

func TestLogEvent_UnknownLevelFallsBackToInfo(t *testing.T) {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	var buf bytes.Buffer
	l := logger.New(zerolog.New(&buf), "socket")

	l.LogEvent("loud", "connected", "", "")

	entry := decodeLine(t, buf.Bytes())
	assert.Equal(t, "info", entry["level"])
	assert.NotContains(t, entry, "room")
	assert.NotContains(t, entry, "detail")
}

func TestWithFieldsAndError(t *testing.T) {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	var buf bytes.Buffer
	l := logger.New(zerolog.New(&buf), "api").
		WithFields(map[string]interface{}{"room": "r1", "attempt": 2}).
		WithError(errors.New("boom"))

	l.Errorf("post failed: %d", 500)

	entry := decodeLine(t, buf.Bytes())
	assert.Equal(t, "r1", entry["room"])
	assert.EqualValues(t, 2, entry["attempt"])
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, "post failed: 500", entry["message"])
}

func TestInitLogger_WritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.log")
	cfg := logger.DefaultLogConfig()
	cfg.LogToFile = true
	cfg.LogToJSON = true
	cfg.FilePath = path
	cfg.Level = "debug"

	logger.InitLogger(cfg)
	logger.NewLogger("test").Info("hello file")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"test"`)
	assert.Contains(t, string(data), "hello file")
}

func TestNop_DoesNotPanic(t *testing.T) {
	l := logger.Nop()
	l.WithField("k", "v").Infof("ignored %s", "value")
	l.LogEvent("debug", "ignored", "room", "")
}
