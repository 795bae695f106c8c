package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/docinfer/internal/config"
)

func TestInit_WritesJSONToConsoleAndFile(t *testing.T) {
	var buf bytes.Buffer
	file := filepath.Join(t.TempDir(), "logs", "docinfer.log")

	require.NoError(t, Init(Options{Level: "info", File: file, MaxSizeMB: 1, Console: &buf}))
	defer Close()

	log.Info().Str("request_id", "r-1").Msg("inference completed")
	log.Debug().Msg("hidden")

	var ev map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &ev))
	assert.Equal(t, "inference completed", ev["message"])
	assert.Equal(t, "r-1", ev["request_id"])

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "inference completed")
	assert.NotContains(t, string(data), "hidden")
}

func TestInit_BadLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Init(Options{Level: "loud", Console: &buf}))

	log.Info().Msg("visible")
	log.Debug().Msg("not visible")

	assert.Contains(t, buf.String(), "visible")
	assert.NotContains(t, buf.String(), "not visible")
}

func TestComponent_TagsEvents(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Init(Options{Level: "debug", Console: &buf}))

	l := Component("inference")
	l.Info().Msg("hello")

	assert.Contains(t, buf.String(), `"component":"inference"`)
}

func TestOptionsFromConfig_AxiomNeedsKey(t *testing.T) {
	cfg := config.Config{}
	cfg.Axiom.Send = true
	assert.False(t, OptionsFromConfig(cfg).SendToAxiom)

	cfg.Axiom.APIKey = "xaat-test"
	assert.True(t, OptionsFromConfig(cfg).SendToAxiom)
}
