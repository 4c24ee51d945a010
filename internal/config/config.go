// Package config provides configuration management for the hedging engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"delta-hedger/internal/errors"
	"delta-hedger/internal/models"
	"delta-hedger/pkg/utils"
)

// Config holds all application configuration.
type Config struct {
	Trading     TradingConfig  `mapstructure:"trading"`
	Hedge       HedgeConfig    `mapstructure:"hedge"`
	Feed        FeedConfig     `mapstructure:"feed"`
	Executor    ExecutorConfig `mapstructure:"executor"`
	Store       StoreConfig    `mapstructure:"store"`
	Logging     LoggingConfig  `mapstructure:"logging"`
	Notify      NotifyConfig   `mapstructure:"notifications"`
	Credentials Credentials    `mapstructure:"-" json:"-"` // Loaded separately
	Dir         string         `mapstructure:"-"`
}

// TradingConfig holds order routing configuration.
type TradingConfig struct {
	Mode     string `mapstructure:"mode"`     // "live", "paper"
	Exchange string `mapstructure:"exchange"` // NFO, BFO
	Product  string `mapstructure:"product"`  // MIS, NRML
}

// HedgeConfig holds the strategy parameters.
type HedgeConfig struct {
	EntryTime             string   `mapstructure:"entry_time"`
	ExitTime              string   `mapstructure:"exit_time"`
	Expiry                string   `mapstructure:"expiry"`         // WEEKLY, MONTHLY
	ExpiryWeekday         string   `mapstructure:"expiry_weekday"` // e.g. Thursday
	InitialDelta          float64  `mapstructure:"initial_delta"`
	DeltaThreshold        float64  `mapstructure:"delta_threshold"`
	LotSize               int      `mapstructure:"lot_size"`
	Lots                  int      `mapstructure:"lots"`
	PortfolioStopLoss     float64  `mapstructure:"portfolio_stop_loss"`
	VegaAdjustmentTrigger int      `mapstructure:"vega_adjustment_trigger"`
	VegaTargetDelta       float64  `mapstructure:"vega_target_delta"`
	MinInstruments        int      `mapstructure:"min_instruments"`
	Location              string   `mapstructure:"location"`
	Holidays              []string `mapstructure:"holidays"` // YYYY-MM-DD
}

// FeedConfig holds the snapshot feed configuration.
type FeedConfig struct {
	URL              string        `mapstructure:"url"`
	ReconnectInitial time.Duration `mapstructure:"reconnect_initial"`
	ReconnectMax     time.Duration `mapstructure:"reconnect_max"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	SnapshotBuffer   int           `mapstructure:"snapshot_buffer"`
}

// ExecutorConfig holds order executor configuration.
type ExecutorConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	FillTimeout  time.Duration `mapstructure:"fill_timeout"`
	FillBuffer   int           `mapstructure:"fill_buffer"`

	// Consecutive order placement failures that pause placement for CircuitCooldown
	CircuitFailures int           `mapstructure:"circuit_failures"`
	CircuitCooldown time.Duration `mapstructure:"circuit_cooldown"`
}

// StoreConfig holds trade log storage configuration.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// NotifyConfig holds notification configuration.
type NotifyConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Level    string         `mapstructure:"level"` // all, sessions_only, errors_only
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token" json:"-"`
	ChatID   string `mapstructure:"chat_id"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	File       bool   `mapstructure:"file"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// Credentials holds API credentials.
type Credentials struct {
	Zerodha ZerodhaCredentials `mapstructure:"zerodha"`
}

// ZerodhaCredentials holds Zerodha API credentials.
type ZerodhaCredentials struct {
	APIKey      string `mapstructure:"api_key"`
	APISecret   string `mapstructure:"api_secret"`
	AccessToken string `mapstructure:"access_token"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/delta-hedger"
	}
	return filepath.Join(home, ".config", "delta-hedger")
}

// Load loads configuration from the specified directory and validates it.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	cfg, err := LoadUnchecked(configDir)
	if err != nil {
		return nil, err
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadUnchecked loads configuration without validating it. Used by commands
// that must work before credentials exist.
func LoadUnchecked(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	cfg := &Config{Dir: configDir}

	// Load main config
	if err := loadConfigFile(configDir, cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	// Load credentials
	if err := loadCredentials(configDir, &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}

	// A saved login session fills in a missing access token
	if cfg.Credentials.Zerodha.AccessToken == "" {
		if token, ok := loadSessionToken(configDir, time.Now()); ok {
			cfg.Credentials.Zerodha.AccessToken = token
		}
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("trading.mode", "paper")
	v.SetDefault("trading.exchange", "NFO")
	v.SetDefault("trading.product", "MIS")

	v.SetDefault("hedge.entry_time", "09:17")
	v.SetDefault("hedge.exit_time", "15:00")
	v.SetDefault("hedge.expiry", "WEEKLY")
	v.SetDefault("hedge.expiry_weekday", "Thursday")
	v.SetDefault("hedge.initial_delta", 0.2)
	v.SetDefault("hedge.delta_threshold", 0.2)
	v.SetDefault("hedge.lot_size", 25)
	v.SetDefault("hedge.lots", 1)
	v.SetDefault("hedge.portfolio_stop_loss", 10000.0)
	v.SetDefault("hedge.vega_adjustment_trigger", 2)
	v.SetDefault("hedge.vega_target_delta", 0.5)
	v.SetDefault("hedge.min_instruments", 2)
	v.SetDefault("hedge.location", "Asia/Kolkata")
	v.SetDefault("hedge.holidays", []string{})

	v.SetDefault("feed.url", "ws://127.0.0.1:8765/snapshots")
	v.SetDefault("feed.reconnect_initial", "1s")
	v.SetDefault("feed.reconnect_max", "30s")
	v.SetDefault("feed.handshake_timeout", "10s")
	v.SetDefault("feed.snapshot_buffer", 64)

	v.SetDefault("executor.poll_interval", "500ms")
	v.SetDefault("executor.fill_timeout", "30s")
	v.SetDefault("executor.fill_buffer", 64)
	v.SetDefault("executor.circuit_failures", 5)
	v.SetDefault("executor.circuit_cooldown", "30s")

	v.SetDefault("store.path", filepath.Join(DefaultConfigDir(), "hedger.db"))

	v.SetDefault("notifications.enabled", false)
	v.SetDefault("notifications.level", "all")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", true)
	v.SetDefault("logging.file_path", filepath.Join(DefaultConfigDir(), "logs", "hedger.log"))
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 7)
	v.SetDefault("logging.max_age", 30)
}

func loadConfigFile(configDir string, target *Config) error {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found, create template
			return createTemplateConfig(configDir)
		}
		return err
	}

	return v.Unmarshal(target)
}

func loadCredentials(configDir string, creds *Credentials) error {
	v := viper.New()
	v.SetConfigName("credentials")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Paper mode runs without credentials
			return writeTemplateCredentials(configDir)
		}
		return err
	}

	return v.Unmarshal(creds)
}

func applyEnvOverrides(cfg *Config) {
	// Zerodha credentials
	if v := os.Getenv("ZERODHA_API_KEY"); v != "" {
		cfg.Credentials.Zerodha.APIKey = v
	}
	if v := os.Getenv("ZERODHA_API_SECRET"); v != "" {
		cfg.Credentials.Zerodha.APISecret = v
	}
	if v := os.Getenv("ZERODHA_ACCESS_TOKEN"); v != "" {
		cfg.Credentials.Zerodha.AccessToken = v
	}

	// Trading mode
	if v := os.Getenv("HEDGER_MODE"); v != "" {
		cfg.Trading.Mode = v
	}

	if v := os.Getenv("HEDGER_FEED_URL"); v != "" {
		cfg.Feed.URL = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Trading.Mode != "live" && c.Trading.Mode != "paper" {
		return errors.NewValidationError("trading.mode", c.Trading.Mode, "must be 'live' or 'paper'")
	}

	entry, err := models.ParseTimeOfDay(c.Hedge.EntryTime)
	if err != nil {
		return errors.NewValidationError("hedge.entry_time", c.Hedge.EntryTime, err.Error())
	}
	exit, err := models.ParseTimeOfDay(c.Hedge.ExitTime)
	if err != nil {
		return errors.NewValidationError("hedge.exit_time", c.Hedge.ExitTime, err.Error())
	}
	if entry.Minutes() >= exit.Minutes() {
		return errors.NewValidationError("hedge.entry_time", c.Hedge.EntryTime, "must be before exit_time")
	}

	if _, err := c.ExpiryMode(); err != nil {
		return errors.NewValidationError("hedge.expiry", c.Hedge.Expiry, err.Error())
	}
	if _, err := parseWeekday(c.Hedge.ExpiryWeekday); err != nil {
		return errors.NewValidationError("hedge.expiry_weekday", c.Hedge.ExpiryWeekday, err.Error())
	}

	if c.Hedge.InitialDelta <= 0 || c.Hedge.InitialDelta >= 1 {
		return errors.NewValidationError("hedge.initial_delta", c.Hedge.InitialDelta, "must be between 0 and 1")
	}
	if c.Hedge.DeltaThreshold <= 0 {
		return errors.NewValidationError("hedge.delta_threshold", c.Hedge.DeltaThreshold, "must be positive")
	}
	if c.Hedge.LotSize <= 0 {
		return errors.NewValidationError("hedge.lot_size", c.Hedge.LotSize, "must be positive")
	}
	if c.Hedge.Lots <= 0 {
		return errors.NewValidationError("hedge.lots", c.Hedge.Lots, "must be positive")
	}
	if c.Hedge.PortfolioStopLoss <= 0 {
		return errors.NewValidationError("hedge.portfolio_stop_loss", c.Hedge.PortfolioStopLoss, "must be positive")
	}
	if c.Hedge.VegaAdjustmentTrigger < 1 {
		return errors.NewValidationError("hedge.vega_adjustment_trigger", c.Hedge.VegaAdjustmentTrigger, "must be at least 1")
	}
	if c.Hedge.VegaTargetDelta <= 0 || c.Hedge.VegaTargetDelta >= 1 {
		return errors.NewValidationError("hedge.vega_target_delta", c.Hedge.VegaTargetDelta, "must be between 0 and 1")
	}
	if c.Hedge.MinInstruments < 0 {
		return errors.NewValidationError("hedge.min_instruments", c.Hedge.MinInstruments, "must be non-negative")
	}
	if _, err := time.LoadLocation(c.Hedge.Location); err != nil && c.Hedge.Location != "Asia/Kolkata" {
		return errors.NewValidationError("hedge.location", c.Hedge.Location, err.Error())
	}
	if _, err := c.HolidayDates(); err != nil {
		return errors.NewValidationError("hedge.holidays", c.Hedge.Holidays, err.Error())
	}

	if c.Feed.URL == "" {
		return errors.NewValidationError("feed.url", c.Feed.URL, "must be set")
	}
	switch c.Notify.Level {
	case "", "all", "sessions_only", "errors_only":
	default:
		return errors.NewValidationError("notifications.level", c.Notify.Level, "must be all, sessions_only or errors_only")
	}

	if c.Executor.PollInterval <= 0 {
		return errors.NewValidationError("executor.poll_interval", c.Executor.PollInterval, "must be positive")
	}

	if c.Trading.Mode == "live" {
		if c.Credentials.Zerodha.APIKey == "" || c.Credentials.Zerodha.AccessToken == "" {
			return errors.NewValidationError("credentials.zerodha", "", "api_key and access_token are required in live mode")
		}
	}

	return nil
}

// IsPaperMode returns true if paper trading mode is enabled.
func (c *Config) IsPaperMode() bool {
	return c.Trading.Mode == "paper"
}

// ExpiryMode selects which expiry series the hedge trades.
type ExpiryMode string

const (
	ExpiryWeekly  ExpiryMode = "WEEKLY"
	ExpiryMonthly ExpiryMode = "MONTHLY"
)

// ExpiryMode returns the parsed expiry mode.
func (c *Config) ExpiryMode() (ExpiryMode, error) {
	switch m := ExpiryMode(strings.ToUpper(c.Hedge.Expiry)); m {
	case ExpiryWeekly, ExpiryMonthly:
		return m, nil
	default:
		return "", fmt.Errorf("unknown expiry mode %q (want WEEKLY or MONTHLY)", c.Hedge.Expiry)
	}
}

// ExpiryWeekday returns the parsed expiry weekday.
func (c *Config) ExpiryWeekday() time.Weekday {
	d, err := parseWeekday(c.Hedge.ExpiryWeekday)
	if err != nil {
		return time.Thursday
	}
	return d
}

// Location returns the exchange timezone.
func (c *Config) Location() *time.Location {
	return utils.LoadLocation(c.Hedge.Location)
}

// HolidayDates parses the configured holiday list in the exchange timezone.
func (c *Config) HolidayDates() ([]time.Time, error) {
	loc := c.Location()
	dates := make([]time.Time, 0, len(c.Hedge.Holidays))
	for _, h := range c.Hedge.Holidays {
		d, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(h), loc)
		if err != nil {
			return nil, fmt.Errorf("invalid holiday %q: %w", h, err)
		}
		dates = append(dates, d)
	}
	return dates, nil
}

// Quantity returns the order quantity per leg.
func (c *Config) Quantity() int {
	return c.Hedge.LotSize * c.Hedge.Lots
}

func parseWeekday(s string) (time.Weekday, error) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.EqualFold(d.String(), s) || strings.EqualFold(d.String()[:3], s) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}
