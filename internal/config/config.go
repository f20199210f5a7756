package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"fiscalpos/backend/internal/logger"
)

type Config struct {
	Port          string
	AllowedOrigin string
	AuthSecret    string
	// AccessTokenTTLMinutes bounds operator and terminal sessions.
	AccessTokenTTLMinutes int
	ManagerPIN            string
	// AdminUsername and AdminPassword seed the first operator account.
	AdminUsername string
	AdminPassword string

	Store     StoreConfig
	Redis     RedisConfig
	Seller    SellerConfig
	Ledger    LedgerConfig
	Authority AuthorityConfig
	Sync      SyncConfig
	Alerts    AlertsConfig
	Log       logger.Config
}

type StoreConfig struct {
	// Driver is memory, sqlite or postgres.
	Driver      string
	DatabaseURL string
	SQLitePath  string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type SellerConfig struct {
	Name  string
	TaxID string
}

type LedgerConfig struct {
	HashAlgorithm       string
	DefaultJurisdiction string
	// SigningSeed is a hex ed25519 seed for QR chain proofs; empty disables signing.
	SigningSeed string
}

type AuthorityConfig struct {
	// Mode is sandbox or http.
	Mode              string
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

type SyncConfig struct {
	Interval          time.Duration
	Workers           int
	BatchSize         int
	CallTimeout       time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	BreakerThreshold  int
	BreakerCooldown   time.Duration
	ReconnectInterval time.Duration
	ClockRefresh      time.Duration
}

type AlertsConfig struct {
	KafkaBrokers  []string
	KafkaTopic    string
	WarnAfter     time.Duration
	CriticalAfter time.Duration
	History       int
}

func defaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("ALLOWED_ORIGIN", "http://127.0.0.1:3000")
	v.SetDefault("ACCESS_TOKEN_TTL_MINUTES", 480)
	v.SetDefault("ADMIN_USERNAME", "admin")

	v.SetDefault("STORE_DRIVER", "memory")
	v.SetDefault("SQLITE_PATH", "fiscalpos.db")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("SELLER_NAME", "Maktabah Store")
	v.SetDefault("SELLER_TAX_ID", "300000000000003")

	v.SetDefault("LEDGER_HASH_ALGORITHM", "sha256")
	v.SetDefault("DEFAULT_JURISDICTION", "SA")

	v.SetDefault("AUTHORITY_MODE", "sandbox")
	v.SetDefault("AUTHORITY_TIMEOUT", "15s")
	v.SetDefault("AUTHORITY_RPS", 5.0)
	v.SetDefault("AUTHORITY_BURST", 5)

	v.SetDefault("SYNC_INTERVAL", "15m")
	v.SetDefault("SYNC_WORKERS", 4)
	v.SetDefault("SYNC_BATCH_SIZE", 50)
	v.SetDefault("SYNC_CALL_TIMEOUT", "30s")
	v.SetDefault("SYNC_BACKOFF_BASE", "30s")
	v.SetDefault("SYNC_BACKOFF_MAX", "30m")
	v.SetDefault("SYNC_BREAKER_THRESHOLD", 5)
	v.SetDefault("SYNC_BREAKER_COOLDOWN", "1m")
	v.SetDefault("SYNC_RECONNECT_INTERVAL", "30s")
	v.SetDefault("CLOCK_REFRESH_INTERVAL", "1h")

	v.SetDefault("ALERT_KAFKA_TOPIC", "fiscalpos.alerts")
	v.SetDefault("ALERT_WARN_AFTER", "20h")
	v.SetDefault("ALERT_CRITICAL_AFTER", "23h")
	v.SetDefault("ALERT_HISTORY", 500)

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("LOG_OUTPUT", "stdout")
}

// Load reads an optional .env file and then the environment.
func Load() Config {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	defaults(v)

	tokenTTL := v.GetInt("ACCESS_TOKEN_TTL_MINUTES")
	if tokenTTL < 1 {
		tokenTTL = 480
	}

	logCfg := logger.DefaultConfig()
	logCfg.Level = v.GetString("LOG_LEVEL")
	logCfg.Format = v.GetString("LOG_FORMAT")
	logCfg.Output = v.GetString("LOG_OUTPUT")

	return Config{
		Port:                  v.GetString("PORT"),
		AllowedOrigin:         v.GetString("ALLOWED_ORIGIN"),
		AuthSecret:            strings.TrimSpace(v.GetString("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
		ManagerPIN:            strings.TrimSpace(v.GetString("MANAGER_PIN")),
		AdminUsername:         strings.ToLower(strings.TrimSpace(v.GetString("ADMIN_USERNAME"))),
		AdminPassword:         v.GetString("ADMIN_PASSWORD"),
		Store: StoreConfig{
			Driver:      strings.ToLower(v.GetString("STORE_DRIVER")),
			DatabaseURL: v.GetString("DATABASE_URL"),
			SQLitePath:  v.GetString("SQLITE_PATH"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		Seller: SellerConfig{
			Name:  v.GetString("SELLER_NAME"),
			TaxID: v.GetString("SELLER_TAX_ID"),
		},
		Ledger: LedgerConfig{
			HashAlgorithm:       strings.ToLower(v.GetString("LEDGER_HASH_ALGORITHM")),
			DefaultJurisdiction: strings.ToUpper(v.GetString("DEFAULT_JURISDICTION")),
			SigningSeed:         strings.TrimSpace(v.GetString("QR_SIGNING_SEED")),
		},
		Authority: AuthorityConfig{
			Mode:              strings.ToLower(v.GetString("AUTHORITY_MODE")),
			BaseURL:           v.GetString("AUTHORITY_BASE_URL"),
			APIKey:            strings.TrimSpace(v.GetString("AUTHORITY_API_KEY")),
			Timeout:           v.GetDuration("AUTHORITY_TIMEOUT"),
			RequestsPerSecond: v.GetFloat64("AUTHORITY_RPS"),
			Burst:             v.GetInt("AUTHORITY_BURST"),
		},
		Sync: SyncConfig{
			Interval:          v.GetDuration("SYNC_INTERVAL"),
			Workers:           v.GetInt("SYNC_WORKERS"),
			BatchSize:         v.GetInt("SYNC_BATCH_SIZE"),
			CallTimeout:       v.GetDuration("SYNC_CALL_TIMEOUT"),
			BackoffBase:       v.GetDuration("SYNC_BACKOFF_BASE"),
			BackoffMax:        v.GetDuration("SYNC_BACKOFF_MAX"),
			BreakerThreshold:  v.GetInt("SYNC_BREAKER_THRESHOLD"),
			BreakerCooldown:   v.GetDuration("SYNC_BREAKER_COOLDOWN"),
			ReconnectInterval: v.GetDuration("SYNC_RECONNECT_INTERVAL"),
			ClockRefresh:      v.GetDuration("CLOCK_REFRESH_INTERVAL"),
		},
		Alerts: AlertsConfig{
			KafkaBrokers:  splitList(v.GetString("ALERT_KAFKA_BROKERS")),
			KafkaTopic:    v.GetString("ALERT_KAFKA_TOPIC"),
			WarnAfter:     v.GetDuration("ALERT_WARN_AFTER"),
			CriticalAfter: v.GetDuration("ALERT_CRITICAL_AFTER"),
			History:       v.GetInt("ALERT_HISTORY"),
		},
		Log: logCfg,
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func splitList(raw string) []string {
	out := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
