package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/questline/questline-client/questClient/config"
)

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&config.Config{LogLevel: 1, LogFormat: "json"}, &buf)

	log.Debug().Msg("hidden")
	log.Info().Str("component", "queue").Msg("visible")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "visible", line["message"])
	assert.Equal(t, "queue", line["component"])
	assert.Equal(t, "questd", line["service"])
}

func TestNewWithWriter_Console(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&config.Config{LogLevel: 0, LogFormat: "console"}, &buf)

	log.Debug().Msg("hello console")
	assert.Contains(t, buf.String(), "hello console")
}
