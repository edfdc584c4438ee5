package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_InvalidLevel(t *testing.T) {
	_, closer, err := New("loud", "")
	defer closer()
	assert.Error(t, err)
}

func TestNew_WritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "sti.log")

	log, closer, err := New("info", path)
	require.NoError(t, err)

	ingestLog := Component(log, "ingest")
	ingestLog.Info().Int("added", 2).Msg("collected")
	log.Debug().Msg("filtered out")
	closer()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "ingest", entry["component"])
	assert.Equal(t, "collected", entry["message"])
	assert.EqualValues(t, 2, entry["added"])
}
