// Package config defines the top-level configuration for the venue router
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by VENUEROUTER_* environment variables.
type Config struct {
	Mode        string            `toml:"mode"`
	Symbols     []string          `toml:"symbols"`
	Log         LogConfig         `toml:"log"`
	Server      ServerConfig      `toml:"server"`
	Venues      []VenueConfig     `toml:"venues"`
	Paper       PaperConfig       `toml:"paper"`
	Coordinator CoordinatorConfig `toml:"coordinator"`
	Router      RouterConfig      `toml:"router"`
	Algo        AlgoConfig        `toml:"algo"`
	Reconcile   ReconcileConfig   `toml:"reconcile"`
	Resilience  ResilienceConfig  `toml:"resilience"`
	Postgres    PostgresConfig    `toml:"postgres"`
	Redis       RedisConfig       `toml:"redis"`
	S3          S3Config          `toml:"s3"`
	Archive     ArchiveConfig     `toml:"archive"`
	Notify      NotifyConfig      `toml:"notify"`
}

// LogConfig selects the slog handler and optional file rotation.
type LogConfig struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"` // json or text
	File       string `toml:"file"`   // empty logs to stderr
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Host        string   `toml:"host"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"` // requests per second per client, 0 disables
}

// VenueConfig describes one venue connection.
type VenueConfig struct {
	Name         string   `toml:"name"`
	Kind         string   `toml:"kind"` // only "paper" is built in
	Enabled      bool     `toml:"enabled"`
	MakerFee     float64  `toml:"maker_fee"`
	TakerFee     float64  `toml:"taker_fee"`
	MinOrderSize float64  `toml:"min_order_size"`
	Weight       float64  `toml:"weight"`
	Latency      duration `toml:"latency"` // simulated latency for paper venues
	// Balances seeds a paper venue's account, by asset.
	Balances map[string]float64 `toml:"balances"`
}

// PaperConfig shapes the synthetic market shared by paper venues.
type PaperConfig struct {
	Interval      duration           `toml:"interval"`
	StartPrices   map[string]float64 `toml:"start_prices"`
	VolatilityBps float64            `toml:"volatility_bps"`
	SpreadBps     float64            `toml:"spread_bps"`
	Levels        int                `toml:"levels"`
	LevelQty      float64            `toml:"level_qty"`
}

// CoordinatorConfig tunes venue selection and book maintenance.
type CoordinatorConfig struct {
	Strategy            string   `toml:"strategy"`
	BalancedPriceWeight float64  `toml:"balanced_price_weight"`
	BookMaxAge          duration `toml:"book_max_age"`
	BookRefresh         duration `toml:"book_refresh"`
	BookDepth           int      `toml:"book_depth"`
	HealthInterval      duration `toml:"health_interval"`
	LatencyThreshold    duration `toml:"latency_threshold"`
	LatencyWindowSize   int      `toml:"latency_window_size"`
	LatencyWindow       duration `toml:"latency_window"`
}

// RouterConfig holds the scoring weights and split limits.
type RouterConfig struct {
	PriceWeight       float64 `toml:"price_weight"`
	FeeWeight         float64 `toml:"fee_weight"`
	LatencyWeight     float64 `toml:"latency_weight"`
	LiquidityWeight   float64 `toml:"liquidity_weight"`
	ReliabilityWeight float64 `toml:"reliability_weight"`
	DefaultTakerFee   float64 `toml:"default_taker_fee"`
	MaxSingleVenuePct float64 `toml:"max_single_venue_pct"`
	QualityWindow     int     `toml:"quality_window"`
}

// AlgoConfig holds execution algorithm defaults.
type AlgoConfig struct {
	TickInterval      duration  `toml:"tick_interval"`
	LimitOffsetBps    float64   `toml:"limit_offset_bps"`
	TWAPRandomization float64   `toml:"twap_randomization"`
	VWAPProfile       []float64 `toml:"vwap_profile"`
}

// ReconcileConfig holds reconciler parameters.
type ReconcileConfig struct {
	Enabled                   bool     `toml:"enabled"`
	Interval                  duration `toml:"interval"`
	MaxMismatchesBeforeFreeze int      `toml:"max_mismatches_before_freeze"`
	CancelOrphans             bool     `toml:"cancel_orphans"`
	Tolerance                 float64  `toml:"tolerance"`
	HistorySize               int      `toml:"history_size"`
	PendingWindow             duration `toml:"pending_window"`
	QueryTimeout              duration `toml:"query_timeout"`
	LockTTL                   duration `toml:"lock_ttl"`
}

// ResilienceConfig wraps every venue in a breaker, retry and pacer.
type ResilienceConfig struct {
	FailureThreshold int      `toml:"failure_threshold"`
	SuccessThreshold int      `toml:"success_threshold"`
	OpenTimeout      duration `toml:"open_timeout"`
	MaxAttempts      int      `toml:"max_attempts"`
	InitialBackoff   duration `toml:"initial_backoff"`
	MaxBackoff       duration `toml:"max_backoff"`
	CallTimeout      duration `toml:"call_timeout"`
	// RatePerSecond paces calls per venue; 0 disables pacing. With Redis
	// enabled and SharedRateLimit set the budget is shared across processes.
	RatePerSecond   float64 `toml:"rate_per_second"`
	RateBurst       int     `toml:"rate_burst"`
	SharedRateLimit bool    `toml:"shared_rate_limit"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool     `toml:"enabled"`
	DSN           string   `toml:"dsn"`
	Host          string   `toml:"host"`
	Port          int      `toml:"port"`
	Database      string   `toml:"database"`
	User          string   `toml:"user"`
	Password      string   `toml:"password"`
	SSLMode       string   `toml:"ssl_mode"`
	PoolMaxConns  int      `toml:"pool_max_conns"`
	PoolMinConns  int      `toml:"pool_min_conns"`
	ConnLifetime  duration `toml:"conn_lifetime"`
	RunMigrations bool     `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool     `toml:"enabled"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	KeyPrefix  string   `toml:"key_prefix"`
	BBOTTL     duration `toml:"bbo_ttl"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig schedules the reconciliation audit export.
type ArchiveConfig struct {
	Enabled bool   `toml:"enabled"`
	Cron    string `toml:"cron"`
	Prefix  string `toml:"prefix"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	Cooldown          duration `toml:"cooldown"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values: two
// paper venues, in-memory stores and no external services.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Mode:    "full",
		Symbols: []string{"BTC-USDT", "ETH-USDT"},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
			Compress:   true,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   20,
		},
		Venues: []VenueConfig{
			{Name: "binance", Kind: "paper", Enabled: true, MakerFee: 0.001, TakerFee: 0.001, MinOrderSize: 0.0001, Weight: 1, Balances: defaultBalances()},
			{Name: "okx", Kind: "paper", Enabled: true, MakerFee: 0.0008, TakerFee: 0.001, MinOrderSize: 0.0001, Weight: 1, Balances: defaultBalances()},
		},
		Paper: PaperConfig{
			Interval:      duration{500 * time.Millisecond},
			StartPrices:   map[string]float64{"BTC-USDT": 60000, "ETH-USDT": 3000},
			VolatilityBps: 5,
			SpreadBps:     4,
			Levels:        10,
			LevelQty:      1,
		},
		Coordinator: CoordinatorConfig{
			Strategy:            "best_price",
			BalancedPriceWeight: 0.5,
			BookMaxAge:          duration{5 * time.Second},
			BookRefresh:         duration{time.Second},
			BookDepth:           20,
			HealthInterval:      duration{5 * time.Second},
			LatencyThreshold:    duration{500 * time.Millisecond},
			LatencyWindowSize:   1000,
			LatencyWindow:       duration{5 * time.Minute},
		},
		Router: RouterConfig{
			PriceWeight:       0.35,
			FeeWeight:         0.15,
			LatencyWeight:     0.15,
			LiquidityWeight:   0.2,
			ReliabilityWeight: 0.15,
			DefaultTakerFee:   0.001,
			MaxSingleVenuePct: 0.5,
			QualityWindow:     100,
		},
		Algo: AlgoConfig{
			TickInterval:      duration{time.Second},
			LimitOffsetBps:    5,
			TWAPRandomization: 0.1,
		},
		Reconcile: ReconcileConfig{
			Enabled:                   true,
			Interval:                  duration{30 * time.Second},
			MaxMismatchesBeforeFreeze: 3,
			Tolerance:                 1e-8,
			HistorySize:               1000,
			PendingWindow:             duration{time.Hour},
			QueryTimeout:              duration{10 * time.Second},
			LockTTL:                   duration{2 * time.Minute},
		},
		Resilience: ResilienceConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			OpenTimeout:      duration{30 * time.Second},
			MaxAttempts:      3,
			InitialBackoff:   duration{100 * time.Millisecond},
			MaxBackoff:       duration{5 * time.Second},
			CallTimeout:      duration{10 * time.Second},
			RatePerSecond:    10,
			RateBurst:        10,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "venuerouter",
			User:          "venuerouter",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  1,
			ConnLifetime:  duration{time.Hour},
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   10,
			MaxRetries: 3,
			KeyPrefix:  "venuerouter",
			BBOTTL:     duration{10 * time.Second},
		},
		S3: S3Config{
			Endpoint:       "localhost:9000",
			Region:         "us-east-1",
			Bucket:         "venuerouter",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Cron:   "0 * * * *",
			Prefix: "archive/reconciliation",
		},
		Notify: NotifyConfig{
			Events:   []string{"strategy_frozen", "strategy_resumed", "circuit_open", "venue_down"},
			Cooldown: duration{5 * time.Minute},
		},
	}
}

func defaultBalances() map[string]float64 {
	return map[string]float64{"USDT": 1_000_000, "BTC": 10, "ETH": 100}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"full":      true,
	"reconcile": true,
}

// validLogLevels enumerates the accepted values for Config.Log.Level.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validStrategies = map[string]bool{
	"best_price":      true,
	"lowest_latency":  true,
	"balanced":        true,
	"round_robin":     true,
	"weighted_random": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	if !validModes[strings.ToLower(c.Mode)] {
		add("unknown mode %q (valid: full, reconcile)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		add("log: unknown level %q (valid: debug, info, warn, error)", c.Log.Level)
	}
	if f := strings.ToLower(c.Log.Format); f != "json" && f != "text" {
		add("log: format must be json or text, got %q", c.Log.Format)
	}

	// Venues
	seen := make(map[string]bool)
	enabled := 0
	for i, v := range c.Venues {
		name := strings.ToLower(strings.TrimSpace(v.Name))
		switch {
		case name == "":
			add("venues[%d]: name must not be empty", i)
		case seen[name]:
			add("venues[%d]: duplicate venue %q", i, v.Name)
		default:
			if _, err := domain.ParseVenue(name); err != nil {
				add("venues[%d]: %v", i, err)
			}
		}
		seen[name] = true
		if v.Kind != "paper" {
			add("venues[%d]: unsupported kind %q (valid: paper)", i, v.Kind)
		}
		if v.MakerFee < 0 || v.TakerFee < 0 || v.MinOrderSize < 0 || v.Weight < 0 {
			add("venues[%d]: fees, min_order_size and weight must not be negative", i)
		}
		if v.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		add("venues: at least one venue must be enabled")
	}
	if c.Paper.Interval.Duration <= 0 {
		add("paper: interval must be positive")
	}
	if len(c.Symbols) == 0 {
		add("symbols: at least one symbol is required")
	}

	// Coordinator
	if !validStrategies[strings.ToLower(c.Coordinator.Strategy)] {
		add("coordinator: unknown strategy %q", c.Coordinator.Strategy)
	}
	if w := c.Coordinator.BalancedPriceWeight; w < 0 || w > 1 {
		add("coordinator: balanced_price_weight must be within [0,1], got %v", w)
	}
	if c.Coordinator.BookRefresh.Duration <= 0 {
		add("coordinator: book_refresh must be positive")
	}

	// Router
	for name, w := range map[string]float64{
		"price_weight":       c.Router.PriceWeight,
		"fee_weight":         c.Router.FeeWeight,
		"latency_weight":     c.Router.LatencyWeight,
		"liquidity_weight":   c.Router.LiquidityWeight,
		"reliability_weight": c.Router.ReliabilityWeight,
	} {
		if w < 0 || w > 1 {
			add("router: %s must be within [0,1], got %v", name, w)
		}
	}
	if p := c.Router.MaxSingleVenuePct; p <= 0 || p > 1 {
		add("router: max_single_venue_pct must be within (0,1], got %v", p)
	}

	// Algo
	if c.Algo.TickInterval.Duration <= 0 {
		add("algo: tick_interval must be positive")
	}
	if r := c.Algo.TWAPRandomization; r < 0 || r > 0.9 {
		add("algo: twap_randomization must be within [0,0.9], got %v", r)
	}
	for i, w := range c.Algo.VWAPProfile {
		if w < 0 {
			add("algo: vwap_profile[%d] must not be negative", i)
		}
	}

	// Reconcile
	if c.Reconcile.Enabled || c.Mode == "reconcile" {
		if c.Reconcile.Interval.Duration <= 0 {
			add("reconcile: interval must be positive")
		}
		if c.Reconcile.MaxMismatchesBeforeFreeze < 1 {
			add("reconcile: max_mismatches_before_freeze must be >= 1")
		}
	}

	// Resilience
	if c.Resilience.FailureThreshold < 1 || c.Resilience.SuccessThreshold < 1 {
		add("resilience: failure_threshold and success_threshold must be >= 1")
	}
	if c.Resilience.RatePerSecond < 0 {
		add("resilience: rate_per_second must not be negative")
	}
	if c.Resilience.SharedRateLimit && !c.Redis.Enabled {
		add("resilience: shared_rate_limit requires redis.enabled")
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				add("postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
			}
			if c.Postgres.Database == "" {
				add("postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			add("postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			add("postgres: pool_min_conns must be within [0, pool_max_conns]")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			add("redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			add("redis: pool_size must be >= 1")
		}
	}

	// S3 and archive
	if c.S3.Enabled && c.S3.Bucket == "" {
		add("s3: bucket must not be empty")
	}
	if c.Archive.Enabled {
		if !c.S3.Enabled {
			add("archive: requires s3.enabled")
		}
		if c.Archive.Cron == "" {
			add("archive: cron must not be empty")
		}
	}

	// Server
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		add("server: port must be 1-65535, got %d", c.Server.Port)
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		add("notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
