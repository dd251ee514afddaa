// Package config loads service settings from the environment, an optional
// .env file and an optional config.yaml.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/atmx/paper-engine/internal/fees"
	"github.com/atmx/paper-engine/internal/slippage"
)

type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration

	StartingBalance    decimal.Decimal
	SettlementCurrency string

	FeeDefaultRate decimal.Decimal
	FeeRates       map[string]decimal.Decimal

	Slippage     slippage.Config
	SlippageSeed int64

	AllowShort            bool
	MaxSymbolExposure     decimal.Decimal
	MaxCorrelatedExposure decimal.Decimal

	Log LogConfig
}

type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var ErrInvalidConfig = errors.New("config: invalid value")

// Load reads .env (if present), then config.yaml from the working directory
// or ./configs (if present), then the process environment. Environment
// variables win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("configs")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}
	v.AutomaticEnv()
	setDefaults(v)

	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	sd := slippage.DefaultConfig()

	v.SetDefault("PORT", "8080")
	v.SetDefault("CACHE_TTL", "30s")
	v.SetDefault("STARTING_BALANCE", "10000")
	v.SetDefault("SETTLEMENT_CURRENCY", "USDT")
	v.SetDefault("FEE_DEFAULT_RATE", fees.DefaultRate.String())
	v.SetDefault("FEE_RATES", "")
	v.SetDefault("SLIPPAGE_BASE_PERCENT", sd.BasePercent.String())
	v.SetDefault("SLIPPAGE_MAX_PERCENT", sd.MaxPercent.String())
	v.SetDefault("SLIPPAGE_VOLATILITY_WEIGHT", sd.VolatilityWeight.String())
	v.SetDefault("SLIPPAGE_DEPTH", sd.Depth.String())
	v.SetDefault("SLIPPAGE_SEED", 0)
	v.SetDefault("ALLOW_SHORT", false)
	v.SetDefault("MAX_SYMBOL_EXPOSURE", "0")
	v.SetDefault("MAX_CORRELATED_EXPOSURE", "0")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FILE", "")
	v.SetDefault("LOG_MAX_SIZE_MB", 100)
	v.SetDefault("LOG_MAX_BACKUPS", 5)
	v.SetDefault("LOG_MAX_AGE_DAYS", 28)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Port:               v.GetString("PORT"),
		DatabaseURL:        v.GetString("DATABASE_URL"),
		RedisURL:           v.GetString("REDIS_URL"),
		CacheTTL:           v.GetDuration("CACHE_TTL"),
		SettlementCurrency: strings.ToUpper(strings.TrimSpace(v.GetString("SETTLEMENT_CURRENCY"))),
		SlippageSeed:       v.GetInt64("SLIPPAGE_SEED"),
		AllowShort:         v.GetBool("ALLOW_SHORT"),
		Log: LogConfig{
			Level:      v.GetString("LOG_LEVEL"),
			File:       v.GetString("LOG_FILE"),
			MaxSizeMB:  v.GetInt("LOG_MAX_SIZE_MB"),
			MaxBackups: v.GetInt("LOG_MAX_BACKUPS"),
			MaxAgeDays: v.GetInt("LOG_MAX_AGE_DAYS"),
		},
	}

	var err error
	dec := func(key string) decimal.Decimal {
		if err != nil {
			return decimal.Zero
		}
		var d decimal.Decimal
		d, err = decimal.NewFromString(strings.TrimSpace(v.GetString(key)))
		if err != nil {
			err = fmt.Errorf("%w: %s=%q", ErrInvalidConfig, key, v.GetString(key))
		} else if d.IsNegative() {
			err = fmt.Errorf("%w: %s must not be negative", ErrInvalidConfig, key)
		}
		return d
	}

	cfg.StartingBalance = dec("STARTING_BALANCE")
	cfg.FeeDefaultRate = dec("FEE_DEFAULT_RATE")
	cfg.MaxSymbolExposure = dec("MAX_SYMBOL_EXPOSURE")
	cfg.MaxCorrelatedExposure = dec("MAX_CORRELATED_EXPOSURE")

	sc := slippage.DefaultConfig()
	sc.BasePercent = dec("SLIPPAGE_BASE_PERCENT")
	sc.MaxPercent = dec("SLIPPAGE_MAX_PERCENT")
	sc.VolatilityWeight = dec("SLIPPAGE_VOLATILITY_WEIGHT")
	sc.Depth = dec("SLIPPAGE_DEPTH")
	cfg.Slippage = sc
	if err != nil {
		return nil, err
	}

	if cfg.SettlementCurrency == "" {
		return nil, fmt.Errorf("%w: SETTLEMENT_CURRENCY is empty", ErrInvalidConfig)
	}

	cfg.FeeRates = make(map[string]decimal.Decimal, len(fees.DefaultRates))
	for venue, rate := range fees.DefaultRates {
		cfg.FeeRates[venue] = rate
	}
	overrides, err := fees.ParseRates(v.GetString("FEE_RATES"))
	if err != nil {
		return nil, fmt.Errorf("%w: FEE_RATES: %v", ErrInvalidConfig, err)
	}
	for venue, rate := range overrides {
		cfg.FeeRates[venue] = rate
	}

	return cfg, nil
}
