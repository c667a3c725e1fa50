package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestProductionWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter("production", "info", &buf)
	require.NoError(t, err)

	log.Debug("hidden")
	log.Info("committed", zap.String("operation", "receive:T1"))
	require.NoError(t, log.Sync())

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec))
	assert.Equal(t, "committed", rec["msg"])
	assert.Equal(t, "receive:T1", rec["operation"])
	assert.Contains(t, rec, "timestamp")
	assert.NotContains(t, buf.String(), "hidden")
}

func TestDevelopmentLevel(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter("development", "warn", &buf)
	require.NoError(t, err)

	log.Info("quiet")
	log.Warn("loud")
	assert.NotContains(t, buf.String(), "quiet")
	assert.Contains(t, buf.String(), "loud")
}

func TestBadLevel(t *testing.T) {
	_, err := New("production", "chatty")
	assert.Error(t, err)
}
