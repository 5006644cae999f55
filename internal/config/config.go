// Package config defines all configuration for the trading bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via TRADETERM_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	API     APIConfig     `mapstructure:"api"`
	Store   StoreConfig   `mapstructure:"store"`
	Watcher WatcherConfig `mapstructure:"watcher"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// APIConfig selects the market and controls how the transport talks to the
// exchange. BaseCurrency/QuoteCurrency name the one market this instance
// trades (e.g. BTC / USD); everything inbound is filtered against them.
type APIConfig struct {
	BaseCurrency  string `mapstructure:"base_currency"`
	QuoteCurrency string `mapstructure:"quote_currency"`

	WSHost   string `mapstructure:"ws_host"`
	HTTPHost string `mapstructure:"http_host"`

	UseSSL               bool `mapstructure:"use_ssl"`
	UsePlainOldWebsocket bool `mapstructure:"use_plain_old_websocket"`
	UseHTTPAPI           bool `mapstructure:"use_http_api"`
	UseTonce             bool `mapstructure:"use_tonce"`

	LoadFullDepth    bool `mapstructure:"load_fulldepth"`
	LoadHistory      bool `mapstructure:"load_history"`
	HistoryTimeframe int  `mapstructure:"history_timeframe"` // minutes, 0 = default 15

	// SecretKey is the API key (stored plain); SecretSecret is the API
	// secret, AES-encrypted under a passphrase (TRADETERM_PASSPHRASE).
	SecretKey    string `mapstructure:"secret_key"`
	SecretSecret string `mapstructure:"secret_secret"`
}

// StoreConfig sets where per-market hints are persisted (JSON files).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// WatcherConfig controls the built-in reference consumer.
type WatcherConfig struct {
	Enabled  bool `mapstructure:"enabled"`
	Interval int  `mapstructure:"interval"` // seconds between summaries
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: TRADETERM_SECRET_KEY, TRADETERM_SECRET_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TRADETERM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("api.use_ssl", true)
	v.SetDefault("api.load_fulldepth", true)
	v.SetDefault("api.load_history", true)
	v.SetDefault("api.history_timeframe", 15)
	v.SetDefault("store.data_dir", "data")
	v.SetDefault("watcher.interval", 60)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("TRADETERM_SECRET_KEY"); key != "" {
		cfg.API.SecretKey = key
	}
	if sec := os.Getenv("TRADETERM_SECRET_SECRET"); sec != "" {
		cfg.API.SecretSecret = sec
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.API.BaseCurrency == "" {
		return fmt.Errorf("api.base_currency is required")
	}
	if c.API.QuoteCurrency == "" {
		return fmt.Errorf("api.quote_currency is required")
	}
	if c.API.WSHost == "" && !c.API.UseHTTPAPI {
		return fmt.Errorf("api.ws_host is required unless api.use_http_api is set")
	}
	if c.API.UseHTTPAPI && c.API.HTTPHost == "" {
		return fmt.Errorf("api.http_host is required when api.use_http_api is set")
	}
	if c.API.HistoryTimeframe < 0 {
		return fmt.Errorf("api.history_timeframe must be >= 0")
	}
	if c.Watcher.Interval <= 0 {
		return fmt.Errorf("watcher.interval must be > 0")
	}
	return nil
}
