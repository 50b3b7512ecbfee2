package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Len(t, cfg.Venues, 2)
	assert.Equal(t, "best_price", cfg.Coordinator.Strategy)
	assert.Equal(t, 3, cfg.Reconcile.MaxMismatchesBeforeFreeze)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
mode = "reconcile"
symbols = ["SOL-USDT"]

[log]
level = "debug"

[coordinator]
strategy = "balanced"
book_max_age = "2s"

[reconcile]
interval = "45s"

[[venues]]
name = "kraken"
kind = "paper"
enabled = true
taker_fee = 0.0026
latency = "20ms"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "reconcile", cfg.Mode)
	assert.Equal(t, []string{"SOL-USDT"}, cfg.Symbols)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format, "untouched keys keep defaults")
	assert.Equal(t, "balanced", cfg.Coordinator.Strategy)
	assert.Equal(t, 2*time.Second, cfg.Coordinator.BookMaxAge.Duration)
	assert.Equal(t, 45*time.Second, cfg.Reconcile.Interval.Duration)

	require.Len(t, cfg.Venues, 1, "configured venues replace the defaults")
	v := cfg.Venues[0]
	assert.Equal(t, "kraken", v.Name)
	assert.Equal(t, 0.0026, v.TakerFee)
	assert.Zero(t, v.MakerFee, "no values leak from the default venues")
	assert.Equal(t, 20*time.Millisecond, v.Latency.Duration)
}

func TestLoadWithoutPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Len(t, cfg.Venues, 2)
}

func TestLoadBadFile(t *testing.T) {
	_, err := Load(writeConfig(t, `mode = `))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "[coordinator]\nbook_max_age = \"soon\"\n"))
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VENUEROUTER_MODE", "reconcile")
	t.Setenv("VENUEROUTER_SYMBOLS", "BTC-USDT, ,XRP-USDT")
	t.Setenv("VENUEROUTER_SERVER_PORT", "9100")
	t.Setenv("VENUEROUTER_SERVER_API_KEY", "secret")
	t.Setenv("VENUEROUTER_RECONCILE_INTERVAL", "1m")
	t.Setenv("VENUEROUTER_RECONCILE_CANCEL_ORPHANS", "true")
	t.Setenv("VENUEROUTER_REDIS_ENABLED", "yes") // not a bool, ignored
	t.Setenv("VENUEROUTER_ROUTER_MAX_SINGLE_VENUE_PCT", "0.4")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "reconcile", cfg.Mode)
	assert.Equal(t, []string{"BTC-USDT", "XRP-USDT"}, cfg.Symbols)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "secret", cfg.Server.APIKey)
	assert.Equal(t, time.Minute, cfg.Reconcile.Interval.Duration)
	assert.True(t, cfg.Reconcile.CancelOrphans)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, 0.4, cfg.Router.MaxSingleVenuePct)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "backtest"
	cfg.Coordinator.Strategy = "fastest"
	cfg.Router.MaxSingleVenuePct = 0
	cfg.Venues = append(cfg.Venues, VenueConfig{Name: "BINANCE", Kind: "paper"})
	cfg.Venues = append(cfg.Venues, VenueConfig{Name: "ftx", Kind: "rest"})
	cfg.Resilience.SharedRateLimit = true
	cfg.Archive.Enabled = true

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		`unknown mode "backtest"`,
		`unknown strategy "fastest"`,
		"max_single_venue_pct",
		`duplicate venue "BINANCE"`,
		`unsupported kind "rest"`,
		"shared_rate_limit requires redis.enabled",
		"archive: requires s3.enabled",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestValidateRequiresEnabledVenue(t *testing.T) {
	cfg := Defaults()
	for i := range cfg.Venues {
		cfg.Venues[i].Enabled = false
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one venue must be enabled")
}

func TestValidatePostgresAndRedis(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Enabled = true
	cfg.Postgres.Host = ""
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: host")
	assert.Contains(t, err.Error(), "redis: addr")

	cfg.Postgres.DSN = "postgres://u:p@db/venuerouter"
	cfg.Redis.Addr = "redis:6379"
	require.NoError(t, cfg.Validate())
}

func TestRedacted(t *testing.T) {
	cfg := Defaults()
	cfg.Server.APIKey = "k"
	cfg.Postgres.Password = "pw"
	cfg.S3.SecretKey = "s3"
	cfg.Notify.TelegramToken = "tg"

	out := cfg.Redacted()
	assert.Equal(t, "***", out.Server.APIKey)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Equal(t, "***", out.S3.SecretKey)
	assert.Equal(t, "***", out.Notify.TelegramToken)
	assert.Empty(t, out.Redis.Password, "empty secrets stay empty")

	out.Venues[0].Name = "changed"
	assert.Equal(t, "binance", cfg.Venues[0].Name)
	assert.Equal(t, "k", cfg.Server.APIKey)
}

func TestDurationText(t *testing.T) {
	var d duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration)
	b, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(b))
	assert.Error(t, d.UnmarshalText([]byte("later")))
}
