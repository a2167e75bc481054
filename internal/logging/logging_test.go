package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetLogger(t *testing.T) {
	t.Cleanup(func() {
		_ = Close()
		mu.Lock()
		logPath = ""
		mu.Unlock()
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	})
}

func TestSetupTeesToFile(t *testing.T) {
	resetLogger(t)
	var console bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "broker.log")

	require.NoError(t, Setup(Options{Level: "debug", Format: "json", Path: path, Stdout: &console}))
	log.Debug().Str("connection", "alice_1").Msg("dialing")

	assert.Contains(t, console.String(), `"message":"dialing"`)

	tail, err := ReadTail(1)
	require.NoError(t, err)
	var line map[string]any
	require.NoError(t, json.Unmarshal([]byte(tail), &line))
	assert.Equal(t, "dialing", line["message"])
	assert.Equal(t, "alice_1", line["connection"])
}

func TestSetupLevelFilters(t *testing.T) {
	resetLogger(t)
	var console bytes.Buffer
	require.NoError(t, Setup(Options{Level: "warn", Format: "json", Stdout: &console}))

	log.Info().Msg("hidden")
	log.Warn().Msg("shown")
	assert.NotContains(t, console.String(), "hidden")
	assert.Contains(t, console.String(), "shown")
}

func TestSetupConsoleFormat(t *testing.T) {
	resetLogger(t)
	var console bytes.Buffer
	require.NoError(t, Setup(Options{Level: "info", Format: "console", Stdout: &console}))
	log.Info().Msg("pool started")
	assert.Contains(t, console.String(), "pool started")
	assert.False(t, strings.HasPrefix(console.String(), "{"))
}

func TestReadTail(t *testing.T) {
	resetLogger(t)
	path := filepath.Join(t.TempDir(), "broker.log")
	require.NoError(t, Setup(Options{Level: "info", Format: "json", Path: path, Stdout: &bytes.Buffer{}}))
	for i := 0; i < 10; i++ {
		log.Info().Int("n", i).Msg("line")
	}

	tail, err := ReadTail(3)
	require.NoError(t, err)
	lines := strings.Split(tail, "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[2], `"n":9`)
	assert.Contains(t, lines[0], fmt.Sprintf(`"n":%d`, 7))
}

func TestReadTailWithoutFile(t *testing.T) {
	resetLogger(t)
	require.NoError(t, Setup(Options{Level: "info", Stdout: &bytes.Buffer{}}))
	tail, err := ReadTail(10)
	require.NoError(t, err)
	assert.Empty(t, tail)
}
