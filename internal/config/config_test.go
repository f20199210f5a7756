package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("MANAGER_PIN", "")

	cfg := Load()
	assert.Empty(t, cfg.AuthSecret)
	assert.Empty(t, cfg.ManagerPIN)
}

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, ":8080", cfg.Address())
	assert.Equal(t, "sha256", cfg.Ledger.HashAlgorithm)
	assert.Equal(t, "sandbox", cfg.Authority.Mode)
	assert.Equal(t, 15*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, 20*time.Hour, cfg.Alerts.WarnAfter)
	assert.Equal(t, 23*time.Hour, cfg.Alerts.CriticalAfter)
	assert.Equal(t, 30*time.Second, cfg.Sync.ReconnectInterval)
	assert.Equal(t, time.Hour, cfg.Sync.ClockRefresh)
	assert.Empty(t, cfg.Alerts.KafkaBrokers)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("STORE_DRIVER", "SQLite")
	t.Setenv("LEDGER_HASH_ALGORITHM", "BLAKE2B-256")
	t.Setenv("DEFAULT_JURISDICTION", "ae")
	t.Setenv("SYNC_CALL_TIMEOUT", "5s")
	t.Setenv("ALERT_KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "0")

	cfg := Load()
	assert.Equal(t, ":9090", cfg.Address())
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "blake2b-256", cfg.Ledger.HashAlgorithm)
	assert.Equal(t, "AE", cfg.Ledger.DefaultJurisdiction)
	assert.Equal(t, 5*time.Second, cfg.Sync.CallTimeout)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Alerts.KafkaBrokers)
	assert.Equal(t, 480, cfg.AccessTokenTTLMinutes)
}
