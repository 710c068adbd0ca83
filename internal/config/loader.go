package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies GROUPCART_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known GROUPCART_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "GROUPCART_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "GROUPCART_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "GROUPCART_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "GROUPCART_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "GROUPCART_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "GROUPCART_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "GROUPCART_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "GROUPCART_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "GROUPCART_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "GROUPCART_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "GROUPCART_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "GROUPCART_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "GROUPCART_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "GROUPCART_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "GROUPCART_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "GROUPCART_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "GROUPCART_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "GROUPCART_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "GROUPCART_S3_REGION")
	setStr(&cfg.S3.Bucket, "GROUPCART_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "GROUPCART_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "GROUPCART_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "GROUPCART_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "GROUPCART_S3_FORCE_PATH_STYLE")

	// ── Engine ──
	setDuration(&cfg.Engine.SweepInterval, "GROUPCART_ENGINE_SWEEP_INTERVAL")
	setDuration(&cfg.Engine.OutboxInterval, "GROUPCART_ENGINE_OUTBOX_INTERVAL")
	setInt(&cfg.Engine.ArchiveRetentionDays, "GROUPCART_ENGINE_ARCHIVE_RETENTION_DAYS")
	setBool(&cfg.Engine.SnapshotCache, "GROUPCART_ENGINE_SNAPSHOT_CACHE")

	// ── Payment ──
	setStr(&cfg.Payment.Provider, "GROUPCART_PAYMENT_PROVIDER")
	setDuration(&cfg.Payment.SimulatedLatency, "GROUPCART_PAYMENT_SIMULATED_LATENCY")
	setFloat64(&cfg.Payment.DeclineRate, "GROUPCART_PAYMENT_DECLINE_RATE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "GROUPCART_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "GROUPCART_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "GROUPCART_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "GROUPCART_SERVER_API_KEY")
	setInt(&cfg.Server.JoinRateLimit, "GROUPCART_SERVER_JOIN_RATE_LIMIT")
	setDuration(&cfg.Server.JoinRateWindow, "GROUPCART_SERVER_JOIN_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "GROUPCART_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "GROUPCART_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.WebhookURL, "GROUPCART_NOTIFY_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "GROUPCART_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "GROUPCART_MODE")
	setStr(&cfg.LogLevel, "GROUPCART_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
