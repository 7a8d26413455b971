// Package config loads the engine's environment-driven settings. Invalid
// values are startup-fatal: the caller maps a Load error to process exit 2.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds every environment-driven setting for the trading core.
type Config struct {
	// Capital
	StartingCapital  decimal.Decimal
	StartingCurrency string

	// PaperTrading selects the simulated venue. It never defaults to false:
	// only an explicit "false"/"0" flips it off, and even then the core
	// ships no live adapter, so the caller must supply one.
	PaperTrading bool

	// Circuit breaker
	LossThresholdPercent    decimal.Decimal // fraction in (0,1)
	DrainDeadline           time.Duration
	BreakerCooldown         time.Duration
	CircuitBreakerStatePath string

	// Reconciliation
	ReconcileInterval  time.Duration
	ReconcileTolerance decimal.Decimal
	ReconcileFailLimit int

	// Event bus
	EventBusMaxQueueSize int
	CriticalTopics       []string // operator additions beyond the built-in set

	// Gateway timeouts
	SymbolLockTimeout time.Duration
	SubmitTimeout     time.Duration
	FetchPollInterval time.Duration
	FetchPollDeadline time.Duration
	FeeBufferRate     decimal.Decimal

	// Persistence
	WALDir          string
	WALMaxBytes     int64
	PersistencePath string

	// Venue rules & simulation
	SymbolsConfigPath string
	Symbols           []string
	MockSeed          int64
	SlippageBps       decimal.Decimal
	TapeInterval      time.Duration

	// Pre-trade limits
	MaxOrderNotional decimal.Decimal
	MaxDailyTrades   int

	// Operator console
	AdminHTTPAddr  string
	AdminJWTSecret string

	// Instance identity
	NodeIDOverride string

	// Per-venue credentials, opaque to the core.
	VenueAPIKey    string
	VenueAPISecret string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the engine still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		StartingCurrency:        getEnv("STARTING_CURRENCY", "USDT"),
		PaperTrading:            !isExplicitFalse(os.Getenv("PAPER_TRADING")),
		CircuitBreakerStatePath: getEnv("CIRCUIT_BREAKER_STATE_PATH", "./data/circuit_breaker.json"),
		ReconcileFailLimit:      getEnvInt("RECONCILE_FAIL_LIMIT", 3),
		EventBusMaxQueueSize:    getEnvInt("EVENT_BUS_MAX_QUEUE_SIZE", 1024),
		CriticalTopics:          splitAndTrim(getEnv("CRITICAL_TOPICS", "")),
		WALDir:                  getEnv("WAL_DIR", "./data/wal"),
		WALMaxBytes:             int64(getEnvInt("WAL_MAX_BYTES", 64<<20)),
		PersistencePath:         getEnv("PERSISTENCE_PATH", "./data/orders.db"),
		SymbolsConfigPath:       getEnv("SYMBOLS_CONFIG_PATH", "config/symbols.yaml"),
		Symbols:                 splitAndTrim(getEnv("SYMBOLS", "BTC/USDT,ETH/USDT")),
		MockSeed:                int64(getEnvInt("MOCK_SEED", 1)),
		MaxDailyTrades:          getEnvInt("MAX_DAILY_TRADES", 0),
		AdminHTTPAddr:           getEnv("ADMIN_HTTP_ADDR", ":8090"),
		AdminJWTSecret:          getEnv("ADMIN_JWT_SECRET", "dev-secret"),
		NodeIDOverride:          os.Getenv("NODE_ID_OVERRIDE"),
		VenueAPIKey:             os.Getenv("VENUE_API_KEY"),
		VenueAPISecret:          os.Getenv("VENUE_API_SECRET"),
	}

	cfg.SymbolLockTimeout = time.Duration(getEnvInt("SYMBOL_LOCK_TIMEOUT_MS", 5000)) * time.Millisecond
	cfg.SubmitTimeout = time.Duration(getEnvInt("SUBMIT_TIMEOUT_MS", 10000)) * time.Millisecond
	cfg.FetchPollInterval = time.Duration(getEnvInt("FETCH_POLL_INTERVAL_MS", 200)) * time.Millisecond
	cfg.FetchPollDeadline = time.Duration(getEnvInt("FETCH_POLL_DEADLINE_MS", 30000)) * time.Millisecond
	cfg.ReconcileInterval = time.Duration(getEnvInt("RECONCILE_INTERVAL_SECONDS", 30)) * time.Second
	cfg.DrainDeadline = time.Duration(getEnvInt("DRAIN_DEADLINE_SECONDS", 60)) * time.Second
	cfg.BreakerCooldown = time.Duration(getEnvInt("BREAKER_COOLDOWN_SECONDS", 300)) * time.Second
	cfg.TapeInterval = time.Duration(getEnvInt("TAPE_INTERVAL_MS", 1000)) * time.Millisecond

	var err error
	if cfg.StartingCapital, err = getEnvDecimal("STARTING_CAPITAL", "10000"); err != nil {
		return nil, err
	}
	if cfg.LossThresholdPercent, err = getEnvDecimal("LOSS_THRESHOLD_PERCENT", "0.1"); err != nil {
		return nil, err
	}
	if cfg.ReconcileTolerance, err = getEnvDecimal("RECONCILE_TOLERANCE_PERCENT", "0.01"); err != nil {
		return nil, err
	}
	if cfg.FeeBufferRate, err = getEnvDecimal("FEE_BUFFER_RATE", "0.001"); err != nil {
		return nil, err
	}
	if cfg.SlippageBps, err = getEnvDecimal("SLIPPAGE_BPS", "0"); err != nil {
		return nil, err
	}
	if cfg.MaxOrderNotional, err = getEnvDecimal("MAX_ORDER_NOTIONAL", "0"); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	one := decimal.NewFromInt(1)
	if c.LossThresholdPercent.Sign() <= 0 || c.LossThresholdPercent.GreaterThanOrEqual(one) {
		return fmt.Errorf("config: LOSS_THRESHOLD_PERCENT must be in (0,1), got %s", c.LossThresholdPercent)
	}
	if c.StartingCapital.Sign() < 0 {
		return fmt.Errorf("config: STARTING_CAPITAL must be non-negative, got %s", c.StartingCapital)
	}
	if c.ReconcileTolerance.Sign() < 0 {
		return fmt.Errorf("config: RECONCILE_TOLERANCE_PERCENT must be non-negative, got %s", c.ReconcileTolerance)
	}
	if c.ReconcileFailLimit <= 0 {
		return fmt.Errorf("config: RECONCILE_FAIL_LIMIT must be positive, got %d", c.ReconcileFailLimit)
	}
	if c.EventBusMaxQueueSize <= 0 {
		return fmt.Errorf("config: EVENT_BUS_MAX_QUEUE_SIZE must be positive, got %d", c.EventBusMaxQueueSize)
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("config: SYMBOLS must list at least one symbol")
	}
	return nil
}

// isExplicitFalse implements the paper-trading default: only a literal
// "false" or "0" counts as opting out.
func isExplicitFalse(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "false" || v == "0"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	if val == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDecimal(key, def string) (decimal.Decimal, error) {
	v := getEnv(key, def)
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("config: %s=%q is not a decimal: %w", key, v, err)
	}
	return d, nil
}
