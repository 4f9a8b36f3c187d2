package logging_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/DIMO-Network/pse-pairing/pkg/logging"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestDefaultLogger(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := logging.DefaultLogger("pse-pairing", &buf)
	logger.Info().Str("component", "test").Msg("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "pse-pairing", line["app"])
	require.Equal(t, "hello", line["message"])
	require.Contains(t, line, "time")
}

// Not parallel: the level is global.
func TestSetLevel(t *testing.T) {
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	require.NoError(t, logging.SetLevel(""))
	require.Equal(t, prev, zerolog.GlobalLevel())
	require.NoError(t, logging.SetLevel("warn"))
	require.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())
	require.Error(t, logging.SetLevel("loud"))
}
