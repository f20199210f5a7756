package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fiscalpos.log")
	cfg := DefaultConfig()
	cfg.Output = path
	cfg.Level = "warn"

	log, closer, err := New(cfg)
	require.NoError(t, err)
	ledgerLog := WithComponent(log, "ledger")
	ledgerLog.Info().Msg("dropped")
	ledgerLog.Warn().Str("device_id", "POS-1").Msg("clock rollback clamped")
	require.NoError(t, closer.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(raw, &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "ledger", entry["component"])
	assert.Equal(t, "POS-1", entry["device_id"])
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, _, err := New(Config{Level: "loud"})
	assert.Error(t, err)
}
