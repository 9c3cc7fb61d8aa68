package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"stockHftBot/internal/adapters/logger" // Import the logger package for LogLevel
	"stockHftBot/internal/domain"
)

// Config holds all application configuration.
type Config struct {
	// Brokerage Gateway
	GatewayHost string
	GatewayPort int
	TradingEnv  domain.TradingEnv // live or simulated

	// Account
	InitialCash float64
	Symbols     []string

	// Risk Limits
	MaxPositionPerSymbol float64 // fraction of equity per symbol
	DailyLossLimit       float64 // fraction; >= trips the circuit breaker
	MaxDrawdown          float64 // fraction; > breaches the drawdown monitor
	MaxSlippage          float64 // fraction; > classifies a fill as excessive
	MaxOrderValue        float64 // absolute notional cap per order
	MinOrderInterval     time.Duration
	MaxOrdersPerMinute   int
	ConsecutiveLossLimit int
	SlippageStreakLimit  int
	SlippageStreakWindow time.Duration
	AllowFlattenHalted   bool // permit closing positions while halted

	// Sessions
	AllowPreMarket  bool
	AllowAfterHours bool

	// Execution
	TradingInterval   time.Duration // seconds between decision cycles
	OrderTimeout      time.Duration // round-trip budget per submission
	EnableShort       bool
	FlattenOnShutdown bool // close open positions on graceful shutdown

	// Connection Pool
	PoolSize             int
	PoolAcquireTimeout   time.Duration
	HeartbeatInterval    time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int

	// Database
	DBPath string

	// Sinks
	AlertWebhookURL string
	MetricsAddr     string
	DecisionURL     string

	// Logging
	LogLevel logger.LogLevel // Use the LogLevel type from the logger adapter
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Brokerage Gateway
	cfg.GatewayHost = getEnv("GATEWAY_HOST", "127.0.0.1")
	cfg.GatewayPort = getEnvAsInt("GATEWAY_PORT", 11111)
	if cfg.GatewayPort <= 0 || cfg.GatewayPort > 65535 {
		errs = append(errs, "GATEWAY_PORT must be a valid TCP port")
	}
	switch env := getEnv("TRADING_ENV", "simulated"); env {
	case string(domain.EnvLive):
		cfg.TradingEnv = domain.EnvLive
	case string(domain.EnvSimulated):
		cfg.TradingEnv = domain.EnvSimulated
	default:
		errs = append(errs, fmt.Sprintf("TRADING_ENV must be 'live' or 'simulated', got %q", env))
	}

	// Account
	cfg.InitialCash, err = getEnvAsFloatRequired("INITIAL_CASH", 50000.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid INITIAL_CASH: %v", err))
	} else if cfg.InitialCash <= 0 {
		errs = append(errs, "INITIAL_CASH must be positive")
	}

	symbols := getEnv("SYMBOLS", "TQQQ")
	for _, s := range strings.Split(symbols, ",") {
		if s = strings.TrimSpace(s); s != "" {
			cfg.Symbols = append(cfg.Symbols, s)
		}
	}
	if len(cfg.Symbols) == 0 {
		errs = append(errs, "SYMBOLS must list at least one symbol")
	}

	// Risk Limits
	cfg.MaxPositionPerSymbol, err = getEnvAsFloatRequired("MAX_POSITION_PER_SYMBOL", 0.20)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_POSITION_PER_SYMBOL: %v", err))
	} else if cfg.MaxPositionPerSymbol <= 0 || cfg.MaxPositionPerSymbol > 1.0 {
		errs = append(errs, "MAX_POSITION_PER_SYMBOL must be between 0.0 and 1.0")
	}

	cfg.DailyLossLimit, err = getEnvAsFloatRequired("DAILY_LOSS_LIMIT", 0.03)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid DAILY_LOSS_LIMIT: %v", err))
	} else if cfg.DailyLossLimit <= 0 || cfg.DailyLossLimit >= 1.0 {
		errs = append(errs, "DAILY_LOSS_LIMIT must be between 0.0 and 1.0 (exclusive)")
	}

	cfg.MaxDrawdown, err = getEnvAsFloatRequired("MAX_DRAWDOWN", 0.15)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_DRAWDOWN: %v", err))
	} else if cfg.MaxDrawdown <= 0 || cfg.MaxDrawdown >= 1.0 {
		errs = append(errs, "MAX_DRAWDOWN must be between 0.0 and 1.0 (exclusive)")
	}

	cfg.MaxSlippage, err = getEnvAsFloatRequired("MAX_SLIPPAGE", 0.002)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_SLIPPAGE: %v", err))
	} else if cfg.MaxSlippage <= 0 {
		errs = append(errs, "MAX_SLIPPAGE must be positive")
	}

	cfg.MaxOrderValue, err = getEnvAsFloatRequired("MAX_ORDER_VALUE", 50000.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_ORDER_VALUE: %v", err))
	} else if cfg.MaxOrderValue <= 0 {
		errs = append(errs, "MAX_ORDER_VALUE must be positive")
	}

	minIntervalMs := getEnvAsInt("MIN_ORDER_INTERVAL_MS", 500)
	if minIntervalMs < 0 {
		errs = append(errs, "MIN_ORDER_INTERVAL_MS cannot be negative")
	}
	cfg.MinOrderInterval = time.Duration(minIntervalMs) * time.Millisecond

	cfg.MaxOrdersPerMinute = getEnvAsInt("MAX_ORDERS_PER_MINUTE", 60)
	if cfg.MaxOrdersPerMinute <= 0 {
		errs = append(errs, "MAX_ORDERS_PER_MINUTE must be positive")
	}

	cfg.ConsecutiveLossLimit = getEnvAsInt("CONSECUTIVE_LOSS_LIMIT", 5)
	if cfg.ConsecutiveLossLimit <= 0 {
		errs = append(errs, "CONSECUTIVE_LOSS_LIMIT must be positive")
	}

	cfg.SlippageStreakLimit = getEnvAsInt("SLIPPAGE_STREAK_LIMIT", 3)
	streakWindowSec := getEnvAsInt("SLIPPAGE_STREAK_WINDOW_SECONDS", 300)
	if streakWindowSec <= 0 {
		errs = append(errs, "SLIPPAGE_STREAK_WINDOW_SECONDS must be positive")
	}
	cfg.SlippageStreakWindow = time.Duration(streakWindowSec) * time.Second

	cfg.AllowFlattenHalted = getEnvAsBool("ALLOW_FLATTEN_WHEN_HALTED", true)

	// Sessions
	cfg.AllowPreMarket = getEnvAsBool("ALLOW_PREMARKET", false)
	cfg.AllowAfterHours = getEnvAsBool("ALLOW_AFTERHOURS", false)

	// Execution
	intervalSec := getEnvAsInt("TRADING_INTERVAL_SECONDS", 60)
	if intervalSec <= 0 {
		errs = append(errs, "TRADING_INTERVAL_SECONDS must be positive")
	}
	cfg.TradingInterval = time.Duration(intervalSec) * time.Second

	orderTimeoutSec := getEnvAsInt("ORDER_TIMEOUT_SECONDS", 5)
	if orderTimeoutSec <= 0 {
		errs = append(errs, "ORDER_TIMEOUT_SECONDS must be positive")
	}
	cfg.OrderTimeout = time.Duration(orderTimeoutSec) * time.Second

	cfg.EnableShort = getEnvAsBool("ENABLE_SHORT", true)
	cfg.FlattenOnShutdown = getEnvAsBool("FLATTEN_ON_SHUTDOWN", false)

	// Connection Pool
	cfg.PoolSize = getEnvAsInt("POOL_SIZE", 3)
	if cfg.PoolSize <= 0 {
		errs = append(errs, "POOL_SIZE must be positive")
	}

	acquireTimeoutSec := getEnvAsInt("POOL_ACQUIRE_TIMEOUT_SECONDS", 5)
	if acquireTimeoutSec <= 0 {
		errs = append(errs, "POOL_ACQUIRE_TIMEOUT_SECONDS must be positive")
	}
	cfg.PoolAcquireTimeout = time.Duration(acquireTimeoutSec) * time.Second

	heartbeatSec := getEnvAsInt("HEARTBEAT_INTERVAL_SECONDS", 30)
	if heartbeatSec <= 0 {
		errs = append(errs, "HEARTBEAT_INTERVAL_SECONDS must be positive")
	}
	cfg.HeartbeatInterval = time.Duration(heartbeatSec) * time.Second

	reconnectBaseMs := getEnvAsInt("RECONNECT_BASE_DELAY_MS", 1000)
	if reconnectBaseMs <= 0 {
		errs = append(errs, "RECONNECT_BASE_DELAY_MS must be positive")
	}
	cfg.ReconnectBaseDelay = time.Duration(reconnectBaseMs) * time.Millisecond

	reconnectMaxSec := getEnvAsInt("RECONNECT_MAX_DELAY_SECONDS", 30)
	if reconnectMaxSec <= 0 {
		errs = append(errs, "RECONNECT_MAX_DELAY_SECONDS must be positive")
	}
	cfg.ReconnectMaxDelay = time.Duration(reconnectMaxSec) * time.Second

	cfg.MaxReconnectAttempts = getEnvAsInt("MAX_RECONNECT_ATTEMPTS", 5)
	if cfg.MaxReconnectAttempts < 0 {
		errs = append(errs, "MAX_RECONNECT_ATTEMPTS cannot be negative")
	}

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/trading.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Sinks
	cfg.AlertWebhookURL = getEnv("ALERT_WEBHOOK_URL", "")
	cfg.MetricsAddr = getEnv("METRICS_ADDR", ":9090")
	cfg.DecisionURL = getEnv("DECISION_URL", "")

	// Logging
	logLevelStr := getEnv("LOG_LEVEL", "INFO")
	cfg.LogLevel = logger.ParseLevel(logLevelStr) // Use the parser from the logger package

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
