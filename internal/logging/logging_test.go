package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Output: &buf})
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("retrieved", zap.String("type", "query"), zap.Int("items", 3))
	require.NoError(t, logger.Sync())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "retrieved", entry["msg"])
	assert.Equal(t, "query", entry["type"])
	assert.Equal(t, 3.0, entry["items"])
	assert.NotContains(t, buf.String(), "hidden")
}

func TestNew_VerboseEnablesDebug(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Verbose: true, Output: &buf})
	require.NoError(t, err)

	logger.Debug("cache merge", zap.String("tenant", "dev"))
	assert.Contains(t, buf.String(), "cache merge")
	assert.Contains(t, buf.String(), "dev")
}

func TestNew_Level(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Level: "warn", Output: &buf})
	require.NoError(t, err)

	logger.Info("quiet")
	logger.Warn("loud")
	assert.NotContains(t, buf.String(), "quiet")
	assert.Contains(t, buf.String(), "loud")

	_, err = New(Options{Level: "chatty"})
	assert.Error(t, err)
}
