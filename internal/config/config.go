// Package config provides application configuration loaded from environment variables.
// Use the package-level Get() function to obtain the singleton Config instance.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

// ──────────────────────────────────────────────────────────────────────────────
// Sub-config structs
// ──────────────────────────────────────────────────────────────────────────────

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         string        // e.g. "8080"
	Env          string        // "development" | "production"
	ReadTimeout  time.Duration // default 10s
	WriteTimeout time.Duration // default 10s
}

// DBConfig holds PostgreSQL connection settings.
type DBConfig struct {
	DSN             string        // full postgres DSN
	MaxOpenConns    int           // default 25
	MaxIdleConns    int           // default 10
	ConnMaxLifetime time.Duration // default 5m
}

// JWTConfig holds JWT signing settings for the websocket feed.
type JWTConfig struct {
	AccessSecret string        // must be set
	AccessTTL    time.Duration // default 15m
}

// LedgerConfig holds the external balance ledger client settings.
type LedgerConfig struct {
	BaseURL string        // default "http://localhost:9090"
	Timeout time.Duration // default 3s
}

// OracleConfig holds exchange price feed settings.
type OracleConfig struct {
	BinanceURL   string        // default "https://api.binance.com"
	BybitURL     string        // default "https://api.bybit.com"
	OKXURL       string        // default "https://www.okx.com"
	FetchTimeout time.Duration // default 2s
	CacheTTL     time.Duration // default 1s
	// Weight percentages (must sum to 100)
	BinanceWeight int // default 50
	BybitWeight   int // default 30
	OKXWeight     int // default 20
}

// DexConfig holds DEX aggregation settings.
type DexConfig struct {
	QuoteTimeout    time.Duration // per-adapter quote budget, default 1500ms
	ExecTimeout     time.Duration // swap execution budget, default 30s
	RefreshInterval time.Duration // adapter pool refresh cadence, default 30s
	OracleInterval  time.Duration // oracle cache refresh cadence, default 10s
}

// BridgeConfig holds cross-chain bridge settings.
type BridgeConfig struct {
	EstimateTimeout time.Duration // per-bridge estimate budget, default 2s
}

// LendingConfig holds lending, interest, and liquidation settings.
type LendingConfig struct {
	AccrualInterval     time.Duration // interest tick cadence, default 1h
	LiquidationInterval time.Duration // risk sweep cadence, default 5m
	MaturityInterval    time.Duration // matured-position sweep cadence, default 1m
	PerUserLoanCap      float64       // max outstanding USD per user, default 1_000_000
	BaseRate            float64       // loan base rate, default 0.05
	RiskSlope           float64       // rate increase per unit LTV, default 0.10
}

// ──────────────────────────────────────────────────────────────────────────────
// Top-level Config
// ──────────────────────────────────────────────────────────────────────────────

// Config is the root configuration object for the entire application.
type Config struct {
	Server  ServerConfig
	DB      DBConfig
	JWT     JWTConfig
	Ledger  LedgerConfig
	Oracle  OracleConfig
	Dex     DexConfig
	Bridge  BridgeConfig
	Lending LendingConfig
}

// IsProd returns true when running in the production environment.
func (c *Config) IsProd() bool {
	return c.Server.Env == "production"
}

// Validate checks that all required configuration values are present and valid.
// Returns the first validation error encountered.
func (c *Config) Validate() error {
	var errs []error

	if c.JWT.AccessSecret == "" {
		errs = append(errs, errors.New("JWT_ACCESS_SECRET must be set"))
	}

	// In production, DB DSN must be explicit
	if c.IsProd() && c.DB.DSN == "" {
		errs = append(errs, errors.New("DATABASE_DSN must be set in production"))
	}

	// Oracle weights must sum to 100
	total := c.Oracle.BinanceWeight + c.Oracle.BybitWeight + c.Oracle.OKXWeight
	if total != 100 {
		errs = append(errs, fmt.Errorf(
			"oracle weights must sum to 100, got %d (Binance=%d Bybit=%d OKX=%d)",
			total, c.Oracle.BinanceWeight, c.Oracle.BybitWeight, c.Oracle.OKXWeight,
		))
	}

	if c.Dex.QuoteTimeout <= 0 {
		errs = append(errs, errors.New("DEX_QUOTE_TIMEOUT must be positive"))
	}

	if c.Lending.PerUserLoanCap <= 0 {
		errs = append(errs, fmt.Errorf(
			"LENDING_PER_USER_LOAN_CAP must be positive, got %.2f",
			c.Lending.PerUserLoanCap,
		))
	}
	if c.Lending.BaseRate < 0 || c.Lending.BaseRate >= 1 {
		errs = append(errs, fmt.Errorf(
			"LENDING_BASE_RATE must be in [0,1), got %.4f", c.Lending.BaseRate,
		))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Singleton
// ──────────────────────────────────────────────────────────────────────────────

var (
	instance *Config
	once     sync.Once
	loadErr  error
)

// Get returns the singleton Config, loading it once from environment variables.
// Panics if loading fails; call this early in main() to catch misconfigurations
// at startup.
func Get() *Config {
	once.Do(func() {
		instance, loadErr = load()
	})
	if loadErr != nil {
		panic(fmt.Sprintf("config: failed to load: %v", loadErr))
	}
	return instance
}

// MustLoad loads and validates configuration. Intended for use in main().
// Panics on any error so misconfiguration is caught immediately at boot.
func MustLoad() *Config {
	cfg := Get()
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("config: validation failed: %v", err))
	}
	return cfg
}

// ──────────────────────────────────────────────────────────────────────────────
// Internal loader
// ──────────────────────────────────────────────────────────────────────────────

func load() (*Config, error) {
	cfg := &Config{}

	// ── Server ────────────────────────────────────────────────────────────────
	cfg.Server = ServerConfig{
		Port:         getEnv("SERVER_PORT", "8080"),
		Env:          getEnv("ENVIRONMENT", "development"),
		ReadTimeout:  getDuration("SERVER_READ_TIMEOUT", 10*time.Second),
		WriteTimeout: getDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
	}

	// ── Database ──────────────────────────────────────────────────────────────
	dsn := os.Getenv("DATABASE_DSN")
	if dsn == "" {
		// Build DSN from individual components for convenience in dev
		dsn = fmt.Sprintf(
			"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			getEnv("DB_HOST", "localhost"),
			getEnv("DB_PORT", "5432"),
			getEnv("DB_USER", "postgres"),
			getEnv("DB_PASSWORD", ""),
			getEnv("DB_NAME", "nivora_platform"),
			getEnv("DB_SSLMODE", "disable"),
		)
	}

	maxOpen, err := getInt("DB_MAX_OPEN_CONNS", 25)
	if err != nil {
		return nil, fmt.Errorf("DB_MAX_OPEN_CONNS: %w", err)
	}
	maxIdle, err := getInt("DB_MAX_IDLE_CONNS", 10)
	if err != nil {
		return nil, fmt.Errorf("DB_MAX_IDLE_CONNS: %w", err)
	}

	cfg.DB = DBConfig{
		DSN:             dsn,
		MaxOpenConns:    maxOpen,
		MaxIdleConns:    maxIdle,
		ConnMaxLifetime: getDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}

	// ── JWT ───────────────────────────────────────────────────────────────────
	cfg.JWT = JWTConfig{
		AccessSecret: getEnv("JWT_ACCESS_SECRET", ""),
		AccessTTL:    getDuration("JWT_ACCESS_TTL", 15*time.Minute),
	}

	// ── Ledger ────────────────────────────────────────────────────────────────
	cfg.Ledger = LedgerConfig{
		BaseURL: getEnv("LEDGER_BASE_URL", "http://localhost:9090"),
		Timeout: getDuration("LEDGER_TIMEOUT", 3*time.Second),
	}

	// ── Oracle ────────────────────────────────────────────────────────────────
	binW, err := getInt("ORACLE_BINANCE_WEIGHT", 50)
	if err != nil {
		return nil, fmt.Errorf("ORACLE_BINANCE_WEIGHT: %w", err)
	}
	byW, err := getInt("ORACLE_BYBIT_WEIGHT", 30)
	if err != nil {
		return nil, fmt.Errorf("ORACLE_BYBIT_WEIGHT: %w", err)
	}
	okxW, err := getInt("ORACLE_OKX_WEIGHT", 20)
	if err != nil {
		return nil, fmt.Errorf("ORACLE_OKX_WEIGHT: %w", err)
	}

	cfg.Oracle = OracleConfig{
		BinanceURL:    getEnv("ORACLE_BINANCE_URL", "https://api.binance.com"),
		BybitURL:      getEnv("ORACLE_BYBIT_URL", "https://api.bybit.com"),
		OKXURL:        getEnv("ORACLE_OKX_URL", "https://www.okx.com"),
		FetchTimeout:  getDuration("ORACLE_FETCH_TIMEOUT", 2*time.Second),
		CacheTTL:      getDuration("ORACLE_CACHE_TTL", 1*time.Second),
		BinanceWeight: binW,
		BybitWeight:   byW,
		OKXWeight:     okxW,
	}

	// ── DEX ───────────────────────────────────────────────────────────────────
	cfg.Dex = DexConfig{
		QuoteTimeout:    getDuration("DEX_QUOTE_TIMEOUT", 1500*time.Millisecond),
		ExecTimeout:     getDuration("DEX_EXEC_TIMEOUT", 30*time.Second),
		RefreshInterval: getDuration("DEX_REFRESH_INTERVAL", 30*time.Second),
		OracleInterval:  getDuration("DEX_ORACLE_INTERVAL", 10*time.Second),
	}

	// ── Bridge ────────────────────────────────────────────────────────────────
	cfg.Bridge = BridgeConfig{
		EstimateTimeout: getDuration("BRIDGE_ESTIMATE_TIMEOUT", 2*time.Second),
	}

	// ── Lending ───────────────────────────────────────────────────────────────
	loanCap, err := getFloat("LENDING_PER_USER_LOAN_CAP", 1_000_000)
	if err != nil {
		return nil, fmt.Errorf("LENDING_PER_USER_LOAN_CAP: %w", err)
	}
	baseRate, err := getFloat("LENDING_BASE_RATE", 0.05)
	if err != nil {
		return nil, fmt.Errorf("LENDING_BASE_RATE: %w", err)
	}
	riskSlope, err := getFloat("LENDING_RISK_SLOPE", 0.10)
	if err != nil {
		return nil, fmt.Errorf("LENDING_RISK_SLOPE: %w", err)
	}

	cfg.Lending = LendingConfig{
		AccrualInterval:     getDuration("LENDING_ACCRUAL_INTERVAL", 1*time.Hour),
		LiquidationInterval: getDuration("LENDING_LIQUIDATION_INTERVAL", 5*time.Minute),
		MaturityInterval:    getDuration("LENDING_MATURITY_INTERVAL", 1*time.Minute),
		PerUserLoanCap:      loanCap,
		BaseRate:            baseRate,
		RiskSlope:           riskSlope,
	}

	return cfg, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Helper functions
// ──────────────────────────────────────────────────────────────────────────────

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

func getFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float %q", v)
	}
	return f, nil
}

// getDuration parses an env var as a Go duration string (e.g. "15m", "2s").
// Falls back to defaultVal if the variable is unset or empty.
func getDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// Fall back to default; do not crash on parse error
		return defaultVal
	}
	return d
}
