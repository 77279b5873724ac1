package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInfoWritesKeyValues(t *testing.T) {
	var buf bytes.Buffer
	InitWriter("info", "json", &buf)
	defer func() { Log = nil }()

	Info("turn_started", "conversation_id", "c1", "seq", 3, "error", errors.New("boom"))
	Debug("hidden")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "turn_started", line["message"])
	assert.Equal(t, "c1", line["conversation_id"])
	assert.Equal(t, float64(3), line["seq"])
	assert.Equal(t, "boom", line["error"])
}

func TestCallsBeforeInitAreDropped(t *testing.T) {
	Log = nil
	assert.NotPanics(t, func() { Error("nothing", "k", "v") })
}

func TestRedactHeader(t *testing.T) {
	assert.Equal(t, "s*****t", RedactHeader("Authorization", "secret"))
	assert.Equal(t, "<redacted>", RedactHeader("X-API-Key", "ab"))
	assert.Equal(t, "application/json", RedactHeader("Content-Type", "application/json"))
}
