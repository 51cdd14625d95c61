package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "warn", "json")

	log.Info().Msg("dropped")
	log.Warn().Str("session_id", "s1").Msg("Kept")

	var entry map[string]any
	assert.NilError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, entry["message"], "Kept")
	assert.Equal(t, entry["session_id"], "s1")
	assert.Equal(t, entry["service"], "applypilot")
}

func TestConsoleFormatAndFallbackLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "chatty", "console")

	log.Debug().Msg("hidden")
	log.Info().Msg("Shown")
	assert.Check(t, is.Contains(buf.String(), "Shown"))
	assert.Check(t, !bytes.Contains(buf.Bytes(), []byte("hidden")))
}
