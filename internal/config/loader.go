package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies VENUEROUTER_* environment variable overrides, and
// returns the final Config. An empty path skips the file and uses defaults.
// The returned Config has NOT been validated; the caller should invoke
// Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		// Venues from the file replace the defaults rather than merging into
		// them element by element.
		defaults := cfg.Venues
		cfg.Venues = nil
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if len(cfg.Venues) == 0 {
			cfg.Venues = defaults
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known VENUEROUTER_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Top-level ──
	setStr(&cfg.Mode, "VENUEROUTER_MODE")
	setStringSlice(&cfg.Symbols, "VENUEROUTER_SYMBOLS")

	// ── Log ──
	setStr(&cfg.Log.Level, "VENUEROUTER_LOG_LEVEL")
	setStr(&cfg.Log.Format, "VENUEROUTER_LOG_FORMAT")
	setStr(&cfg.Log.File, "VENUEROUTER_LOG_FILE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "VENUEROUTER_SERVER_ENABLED")
	setStr(&cfg.Server.Host, "VENUEROUTER_SERVER_HOST")
	setInt(&cfg.Server.Port, "VENUEROUTER_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "VENUEROUTER_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "VENUEROUTER_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "VENUEROUTER_SERVER_RATE_LIMIT")

	// ── Coordinator ──
	setStr(&cfg.Coordinator.Strategy, "VENUEROUTER_COORDINATOR_STRATEGY")
	setFloat64(&cfg.Coordinator.BalancedPriceWeight, "VENUEROUTER_COORDINATOR_BALANCED_PRICE_WEIGHT")
	setDuration(&cfg.Coordinator.BookMaxAge, "VENUEROUTER_COORDINATOR_BOOK_MAX_AGE")
	setDuration(&cfg.Coordinator.LatencyThreshold, "VENUEROUTER_COORDINATOR_LATENCY_THRESHOLD")

	// ── Router ──
	setFloat64(&cfg.Router.MaxSingleVenuePct, "VENUEROUTER_ROUTER_MAX_SINGLE_VENUE_PCT")
	setFloat64(&cfg.Router.DefaultTakerFee, "VENUEROUTER_ROUTER_DEFAULT_TAKER_FEE")

	// ── Reconcile ──
	setBool(&cfg.Reconcile.Enabled, "VENUEROUTER_RECONCILE_ENABLED")
	setDuration(&cfg.Reconcile.Interval, "VENUEROUTER_RECONCILE_INTERVAL")
	setInt(&cfg.Reconcile.MaxMismatchesBeforeFreeze, "VENUEROUTER_RECONCILE_MAX_MISMATCHES_BEFORE_FREEZE")
	setBool(&cfg.Reconcile.CancelOrphans, "VENUEROUTER_RECONCILE_CANCEL_ORPHANS")

	// ── Resilience ──
	setFloat64(&cfg.Resilience.RatePerSecond, "VENUEROUTER_RESILIENCE_RATE_PER_SECOND")
	setBool(&cfg.Resilience.SharedRateLimit, "VENUEROUTER_RESILIENCE_SHARED_RATE_LIMIT")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "VENUEROUTER_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "VENUEROUTER_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "VENUEROUTER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "VENUEROUTER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "VENUEROUTER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "VENUEROUTER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "VENUEROUTER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "VENUEROUTER_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "VENUEROUTER_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "VENUEROUTER_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "VENUEROUTER_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "VENUEROUTER_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "VENUEROUTER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "VENUEROUTER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "VENUEROUTER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "VENUEROUTER_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "VENUEROUTER_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "VENUEROUTER_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "VENUEROUTER_REDIS_KEY_PREFIX")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "VENUEROUTER_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "VENUEROUTER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "VENUEROUTER_S3_REGION")
	setStr(&cfg.S3.Bucket, "VENUEROUTER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "VENUEROUTER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "VENUEROUTER_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "VENUEROUTER_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "VENUEROUTER_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "VENUEROUTER_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Cron, "VENUEROUTER_ARCHIVE_CRON")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "VENUEROUTER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "VENUEROUTER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "VENUEROUTER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "VENUEROUTER_NOTIFY_EVENTS")
	setDuration(&cfg.Notify.Cooldown, "VENUEROUTER_NOTIFY_COOLDOWN")
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
