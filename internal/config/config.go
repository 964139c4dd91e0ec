package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	WS        WSConfig        `yaml:"ws"`
	Feed      FeedConfig      `yaml:"feed"`
	Risk      RiskConfig      `yaml:"risk"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Persist   PersistConfig   `yaml:"persist"`
	Timescale TimescaleConfig `yaml:"timescale"`
	State     StateConfig     `yaml:"state"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telegram  TelegramConfig  `yaml:"telegram"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ExchangeConfig struct {
	Symbol            string        `yaml:"symbol"`
	Label             string        `yaml:"label"`
	SpotBaseURL       string        `yaml:"spot_base_url"`
	FuturesBaseURL    string        `yaml:"futures_base_url"`
	MarketWSURL       string        `yaml:"market_ws_url"`
	UserWSURL         string        `yaml:"user_ws_url"`
	Timeout           time.Duration `yaml:"timeout"`
	RecvWindow        time.Duration `yaml:"recv_window"`
	QuantityPrecision int32         `yaml:"quantity_precision"`
	APIKey            string        `yaml:"api_key"`
	APISecret         string        `yaml:"api_secret"`
}

type WSConfig struct {
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

type FeedConfig struct {
	FundingRefresh time.Duration `yaml:"funding_refresh"`
	TickBuffer     int           `yaml:"tick_buffer"`
}

type RiskConfig struct {
	InitialEquity  float64 `yaml:"initial_equity"`
	MaxAlloc       float64 `yaml:"max_alloc"`
	HistorySize    int     `yaml:"history_size"`
	FallbackFee    float64 `yaml:"fallback_fee"`
	MarginFraction float64 `yaml:"margin_fraction"`
	RestoreState   bool    `yaml:"restore_state"`
}

type DispatchConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

type PersistConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type TimescaleConfig struct {
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	Table           string        `yaml:"table"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
	// HedgeRetention bounds how long placed and failed hedge records are
	// kept. Unwind-required and interrupted records are never pruned.
	HedgeRetention time.Duration `yaml:"hedge_retention"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	return m.Enabled != nil && *m.Enabled
}

type TelegramConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Token                  string        `yaml:"token"`
	ChatID                 string        `yaml:"chat_id"`
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("BINANCE_API_KEY")); v != "" {
		cfg.Exchange.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("BINANCE_API_SECRET")); v != "" {
		cfg.Exchange.APISecret = v
	}
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		cfg.Timescale.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("SYMBOL")); v != "" {
		cfg.Exchange.Symbol = v
	}
	if v := strings.TrimSpace(os.Getenv("MAX_ALLOC")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Risk.MaxAlloc = f
		}
	}
	if v := strings.TrimSpace(os.Getenv("TELEGRAM_TOKEN")); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("TELEGRAM_CHAT_ID")); v != "" {
		cfg.Telegram.ChatID = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	cfg.Exchange.Symbol = strings.ToUpper(strings.TrimSpace(cfg.Exchange.Symbol))
	if cfg.Exchange.Symbol == "" {
		cfg.Exchange.Symbol = "BTCUSDT"
	}
	if cfg.Exchange.Label == "" {
		cfg.Exchange.Label = "binance"
	}
	if cfg.Exchange.SpotBaseURL == "" {
		cfg.Exchange.SpotBaseURL = "https://api.binance.com"
	}
	if cfg.Exchange.FuturesBaseURL == "" {
		cfg.Exchange.FuturesBaseURL = "https://fapi.binance.com"
	}
	if cfg.Exchange.MarketWSURL == "" {
		cfg.Exchange.MarketWSURL = "wss://stream.binance.com:9443/stream"
	}
	if cfg.Exchange.UserWSURL == "" {
		cfg.Exchange.UserWSURL = "wss://fstream.binance.com/ws"
	}
	if cfg.Exchange.Timeout == 0 {
		cfg.Exchange.Timeout = 10 * time.Second
	}
	if cfg.Exchange.RecvWindow == 0 {
		cfg.Exchange.RecvWindow = 5 * time.Second
	}
	if cfg.Exchange.QuantityPrecision == 0 {
		cfg.Exchange.QuantityPrecision = 3
	}
	if cfg.WS.ReconnectDelay == 0 {
		cfg.WS.ReconnectDelay = time.Second
	}
	if cfg.WS.PingInterval == 0 {
		cfg.WS.PingInterval = 30 * time.Second
	}
	if cfg.Feed.FundingRefresh == 0 {
		cfg.Feed.FundingRefresh = 8 * time.Hour
	}
	if cfg.Feed.TickBuffer == 0 {
		cfg.Feed.TickBuffer = 1000
	}
	if cfg.Risk.InitialEquity == 0 {
		cfg.Risk.InitialEquity = 100_000
	}
	if cfg.Risk.MaxAlloc == 0 {
		cfg.Risk.MaxAlloc = 0.1
	}
	if cfg.Risk.HistorySize == 0 {
		cfg.Risk.HistorySize = 500
	}
	if cfg.Risk.FallbackFee == 0 {
		cfg.Risk.FallbackFee = 0.001
	}
	if cfg.Risk.MarginFraction == 0 {
		cfg.Risk.MarginFraction = 0.01
	}
	if cfg.Dispatch.BufferSize == 0 {
		cfg.Dispatch.BufferSize = 1000
	}
	if cfg.Persist.BatchSize == 0 {
		cfg.Persist.BatchSize = 100
	}
	if cfg.Persist.FlushInterval == 0 {
		cfg.Persist.FlushInterval = time.Second
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Timescale.Table == "" {
		cfg.Timescale.Table = "prices"
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/basis-bot.db"
	}
	if cfg.State.HedgeRetention == 0 {
		cfg.State.HedgeRetention = 7 * 24 * time.Hour
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9001"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Timescale.DSN) == "" {
		return errors.New("timescale.dsn (or DATABASE_URL) is required")
	}
	if cfg.Exchange.APIKey == "" || cfg.Exchange.APISecret == "" {
		return errors.New("exchange api_key and api_secret (or BINANCE_API_KEY/BINANCE_API_SECRET) are required")
	}
	if cfg.Risk.MaxAlloc <= 0 || cfg.Risk.MaxAlloc > 1 {
		return fmt.Errorf("risk.max_alloc must be in (0,1], got %v", cfg.Risk.MaxAlloc)
	}
	if cfg.Risk.InitialEquity < 0 {
		return errors.New("risk.initial_equity must be >= 0")
	}
	if cfg.Risk.HistorySize < 0 {
		return errors.New("risk.history_size must be >= 0")
	}
	if cfg.Risk.FallbackFee < 0 || cfg.Risk.MarginFraction < 0 {
		return errors.New("risk fee and margin settings must be >= 0")
	}
	if cfg.WS.ReconnectDelay < 0 || cfg.WS.PingInterval < 0 {
		return errors.New("ws durations must be >= 0")
	}
	if cfg.Feed.FundingRefresh < 0 || cfg.Persist.FlushInterval < 0 {
		return errors.New("feed.funding_refresh and persist.flush_interval must be >= 0")
	}
	if cfg.Dispatch.BufferSize < 0 || cfg.Feed.TickBuffer < 0 || cfg.Persist.BatchSize < 0 {
		return errors.New("buffer and batch sizes must be >= 0")
	}
	if cfg.Exchange.QuantityPrecision < 0 {
		return errors.New("exchange.quantity_precision must be >= 0")
	}
	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	if cfg.Telegram.Enabled && (strings.TrimSpace(cfg.Telegram.Token) == "" || strings.TrimSpace(cfg.Telegram.ChatID) == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	if cfg.Telegram.OperatorEnabled && !cfg.Telegram.Enabled {
		return errors.New("telegram.operator_enabled requires telegram.enabled")
	}
	if cfg.State.HedgeRetention < 0 {
		return errors.New("state.hedge_retention must be >= 0")
	}
	if cfg.Telegram.OperatorPollInterval < 0 {
		return errors.New("telegram.operator_poll_interval must be >= 0")
	}
	return nil
}
