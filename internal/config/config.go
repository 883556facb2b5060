// Package config provides configuration management functionality.
// Configuration is the single source of truth for the tradeable symbol set,
// the symbol-to-exchange-ticker mapping, risk limits, and all periodic
// intervals. Loading fails fast: a broken configuration must never silently
// shrink the tradeable set or substitute defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultSymbols is the default tradeable universe. The exchange ticker for
// each is derived as <SYMBOL>USDT unless overridden via KESTREL_SYMBOL_MAP.
var DefaultSymbols = []string{
	"BTC", "ETH", "SOL", "BNB", "XRP",
	"ADA", "DOGE", "AVAX", "DOT", "LINK",
	"MATIC", "LTC", "ATOM", "UNI", "NEAR",
	"APT", "ARB", "OP", "FIL", "INJ",
}

// Config holds application configuration.
type Config struct {
	DataDir  string // base directory for the store (db file lives here)
	DBPath   string // full path to the SQLite store
	Port     int
	LogLevel string
	DevMode  bool

	// Universe. TradeableSymbols and the keys of SymbolMap must be equal as
	// sets; Validate enforces this.
	TradeableSymbols []string
	SymbolMap        map[string]string // canonical symbol -> exchange ticker

	// Paper account and risk limits.
	InitialBalance float64
	MaxPositions   int
	MaxExposurePct float64
	MinSizeUSD     float64
	MaxSizeUSD     float64

	// Strategist validation bounds (fractions).
	StopLossMin     float64
	StopLossMax     float64
	TakeProfitMin   float64
	TakeProfitMax   float64
	MaxTriggerDrift float64 // max |trigger-spot|/spot

	// Intervals.
	StrategistPeriod       time.Duration
	ReflectionPeriod       time.Duration
	ReflectionMinTrades    int
	MinTradesForAdaptation int

	// Coin status thresholds (win rates).
	BlacklistWinRate float64
	ReducedWinRate   float64
	FavoredWinRate   float64

	// LLM chat client.
	LLMEndpoint string
	LLMModel    string
	LLMAPIKey   string

	// Price feed.
	FeedURL string
}

// Load reads configuration from environment variables (and .env if present).
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir := getEnv("KESTREL_DATA_DIR", "data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	symbols, symbolMap, err := loadUniverse()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:  absDataDir,
		DBPath:   filepath.Join(absDataDir, getEnv("KESTREL_DB_FILE", "store.db")),
		Port:     getEnvAsInt("KESTREL_PORT", 8010),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),

		TradeableSymbols: symbols,
		SymbolMap:        symbolMap,

		InitialBalance: getEnvAsFloat("KESTREL_INITIAL_BALANCE", 10000),
		MaxPositions:   getEnvAsInt("KESTREL_MAX_POSITIONS", 5),
		MaxExposurePct: getEnvAsFloat("KESTREL_MAX_EXPOSURE_PCT", 0.10),
		MinSizeUSD:     getEnvAsFloat("KESTREL_MIN_SIZE_USD", 20),
		MaxSizeUSD:     getEnvAsFloat("KESTREL_MAX_SIZE_USD", 100),

		StopLossMin:     getEnvAsFloat("KESTREL_SL_MIN", 0.002),
		StopLossMax:     getEnvAsFloat("KESTREL_SL_MAX", 0.10),
		TakeProfitMin:   getEnvAsFloat("KESTREL_TP_MIN", 0.002),
		TakeProfitMax:   getEnvAsFloat("KESTREL_TP_MAX", 0.10),
		MaxTriggerDrift: getEnvAsFloat("KESTREL_MAX_TRIGGER_DRIFT", 0.10),

		StrategistPeriod:       time.Duration(getEnvAsInt("KESTREL_STRATEGIST_PERIOD_S", 180)) * time.Second,
		ReflectionPeriod:       time.Duration(getEnvAsInt("KESTREL_REFLECTION_PERIOD_H", 1)) * time.Hour,
		ReflectionMinTrades:    getEnvAsInt("KESTREL_REFLECTION_MIN_TRADES", 10),
		MinTradesForAdaptation: getEnvAsInt("KESTREL_MIN_TRADES_FOR_ADAPTATION", 5),

		BlacklistWinRate: getEnvAsFloat("KESTREL_BLACKLIST_WR", 0.30),
		ReducedWinRate:   getEnvAsFloat("KESTREL_REDUCED_WR", 0.45),
		FavoredWinRate:   getEnvAsFloat("KESTREL_FAVORED_WR", 0.60),

		LLMEndpoint: getEnv("LLM_ENDPOINT", "https://openrouter.ai/api/v1"),
		LLMModel:    getEnv("LLM_MODEL", ""),
		LLMAPIKey:   getEnv("LLM_API_KEY", ""),

		FeedURL: getEnv("KESTREL_FEED_URL", "wss://stream.binance.com:9443/stream"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadUniverse builds the tradeable symbol set and the symbol map.
// KESTREL_SYMBOLS is a comma list of canonical symbols; KESTREL_SYMBOL_MAP is
// a comma list of SYMBOL:TICKER pairs. When the map is omitted, tickers are
// derived as <SYMBOL>USDT.
func loadUniverse() ([]string, map[string]string, error) {
	symbols := DefaultSymbols
	if raw := os.Getenv("KESTREL_SYMBOLS"); raw != "" {
		symbols = nil
		for _, s := range strings.Split(raw, ",") {
			s = strings.ToUpper(strings.TrimSpace(s))
			if s != "" {
				symbols = append(symbols, s)
			}
		}
	}

	symbolMap := make(map[string]string, len(symbols))
	if raw := os.Getenv("KESTREL_SYMBOL_MAP"); raw != "" {
		for _, pair := range strings.Split(raw, ",") {
			parts := strings.SplitN(pair, ":", 2)
			if len(parts) != 2 {
				return nil, nil, fmt.Errorf("invalid KESTREL_SYMBOL_MAP entry %q (expected SYMBOL:TICKER)", pair)
			}
			sym := strings.ToUpper(strings.TrimSpace(parts[0]))
			ticker := strings.ToUpper(strings.TrimSpace(parts[1]))
			if sym == "" || ticker == "" {
				return nil, nil, fmt.Errorf("invalid KESTREL_SYMBOL_MAP entry %q", pair)
			}
			symbolMap[sym] = ticker
		}
	} else {
		for _, sym := range symbols {
			symbolMap[sym] = sym + "USDT"
		}
	}

	return symbols, symbolMap, nil
}

// Validate checks required configuration. Violations are config errors
// (exit code 1), never silently papered over.
func (c *Config) Validate() error {
	if len(c.TradeableSymbols) == 0 {
		return fmt.Errorf("tradeable symbol set is empty")
	}

	// Set equality between tradeable symbols and symbol map keys.
	seen := make(map[string]bool, len(c.TradeableSymbols))
	for _, sym := range c.TradeableSymbols {
		if seen[sym] {
			return fmt.Errorf("duplicate tradeable symbol %q", sym)
		}
		seen[sym] = true
		if _, ok := c.SymbolMap[sym]; !ok {
			return fmt.Errorf("symbol %q is tradeable but missing from symbol map", sym)
		}
	}
	for sym := range c.SymbolMap {
		if !seen[sym] {
			return fmt.Errorf("symbol %q is mapped but not in the tradeable set", sym)
		}
	}

	if c.InitialBalance <= 0 {
		return fmt.Errorf("initial balance must be positive, got %v", c.InitialBalance)
	}
	if c.MaxPositions < 1 {
		return fmt.Errorf("max positions must be at least 1, got %d", c.MaxPositions)
	}
	if c.MaxExposurePct <= 0 || c.MaxExposurePct > 1 {
		return fmt.Errorf("max exposure pct must be in (0,1], got %v", c.MaxExposurePct)
	}
	if c.MinSizeUSD <= 0 || c.MaxSizeUSD < c.MinSizeUSD {
		return fmt.Errorf("invalid size bounds [%v, %v]", c.MinSizeUSD, c.MaxSizeUSD)
	}
	if c.StopLossMin <= 0 || c.StopLossMax < c.StopLossMin {
		return fmt.Errorf("invalid stop-loss bounds [%v, %v]", c.StopLossMin, c.StopLossMax)
	}
	if c.TakeProfitMin <= 0 || c.TakeProfitMax < c.TakeProfitMin {
		return fmt.Errorf("invalid take-profit bounds [%v, %v]", c.TakeProfitMin, c.TakeProfitMax)
	}
	if c.StrategistPeriod <= 0 {
		return fmt.Errorf("strategist period must be positive")
	}
	if c.ReflectionPeriod <= 0 {
		return fmt.Errorf("reflection period must be positive")
	}
	if !(c.BlacklistWinRate < c.ReducedWinRate && c.ReducedWinRate < c.FavoredWinRate) {
		return fmt.Errorf("status thresholds must be ordered blacklist < reduced < favored, got %v/%v/%v",
			c.BlacklistWinRate, c.ReducedWinRate, c.FavoredWinRate)
	}

	return nil
}

// Ticker returns the exchange ticker for a canonical symbol.
func (c *Config) Ticker(symbol string) (string, bool) {
	t, ok := c.SymbolMap[symbol]
	return t, ok
}

// SymbolForTicker reverse-maps an exchange ticker to a canonical symbol.
func (c *Config) SymbolForTicker(ticker string) (string, bool) {
	for sym, t := range c.SymbolMap {
		if t == ticker {
			return sym, true
		}
	}
	return "", false
}

// IsTradeable reports whether a symbol is in the configured universe.
func (c *Config) IsTradeable(symbol string) bool {
	_, ok := c.SymbolMap[symbol]
	return ok
}

// SortedSymbols returns the tradeable symbols in stable order for prompts
// and logs.
func (c *Config) SortedSymbols() []string {
	out := make([]string, len(c.TradeableSymbols))
	copy(out, c.TradeableSymbols)
	sort.Strings(out)
	return out
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
