package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	State     StateConfig     `yaml:"state"`
	Feed      FeedConfig      `yaml:"feed"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Timescale TimescaleConfig `yaml:"timescale"`
	Telegram  TelegramConfig  `yaml:"telegram"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type FeedConfig struct {
	URL            string        `yaml:"url"`
	Symbol         string        `yaml:"symbol"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

type StrategyConfig struct {
	Quantity           int       `yaml:"quantity"`
	TickSize           float64   `yaml:"tick_size"`
	BracketFraction    float64   `yaml:"bracket_fraction"`
	StopFraction       float64   `yaml:"stop_fraction"`
	TakeProfitFraction float64   `yaml:"take_profit_fraction"`
	UseTradingWindow   bool      `yaml:"use_trading_window"`
	StartTime          TimeOfDay `yaml:"start_time"`
	StopTime           TimeOfDay `yaml:"stop_time"`
	TradingEnabled     bool      `yaml:"trading_enabled"`
	SafetyFlatten      *bool     `yaml:"safety_flatten"`
	VolatilityWindow   int       `yaml:"volatility_window"`
}

// SafetyFlattenEnabled reports whether an orphaned protective order forces an
// immediate flatten. Defaults to true when unset.
func (c StrategyConfig) SafetyFlattenEnabled() bool {
	if c.SafetyFlatten == nil {
		return true
	}
	return *c.SafetyFlatten
}

type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

// TimeOfDay is a wall-clock time expressed as seconds since midnight.
// It decodes from "HH:MM" or "HH:MM:SS" yaml strings.
type TimeOfDay int

func (t *TimeOfDay) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := ParseTimeOfDay(raw)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func (t TimeOfDay) MarshalYAML() (interface{}, error) {
	return t.String(), nil
}

func (t TimeOfDay) String() string {
	secs := int(t)
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, secs/60%60, secs%60)
}

func ParseTimeOfDay(raw string) (TimeOfDay, error) {
	raw = strings.TrimSpace(raw)
	layout := "15:04:05"
	if strings.Count(raw, ":") == 1 {
		layout = "15:04"
	}
	parsed, err := time.Parse(layout, raw)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q: %w", raw, err)
	}
	return TimeOfDay(parsed.Hour()*3600 + parsed.Minute()*60 + parsed.Second()), nil
}

// TimeOfDayFrom extracts the wall-clock component of t.
func TimeOfDayFrom(t time.Time) TimeOfDay {
	return TimeOfDay(t.Hour()*3600 + t.Minute()*60 + t.Second())
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
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/scalping-bot.db"
	}
	if cfg.Feed.ReconnectDelay == 0 {
		cfg.Feed.ReconnectDelay = 3 * time.Second
	}
	if cfg.Feed.PingInterval == 0 {
		cfg.Feed.PingInterval = 30 * time.Second
	}
	if cfg.Strategy.Quantity == 0 {
		cfg.Strategy.Quantity = 1
	}
	if cfg.Strategy.BracketFraction == 0 {
		cfg.Strategy.BracketFraction = 0.25
	}
	if cfg.Strategy.StopFraction == 0 {
		cfg.Strategy.StopFraction = 0.5
	}
	if cfg.Strategy.TakeProfitFraction == 0 {
		cfg.Strategy.TakeProfitFraction = 1.0
	}
	if cfg.Strategy.VolatilityWindow == 0 {
		cfg.Strategy.VolatilityWindow = 120
	}
	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = ":9100"
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 256
	}
}

func validate(cfg *Config) error {
	if cfg.Feed.Symbol == "" {
		return errors.New("feed.symbol is required")
	}
	if cfg.Strategy.Quantity < 1 {
		return errors.New("strategy.quantity must be >= 1")
	}
	if cfg.Strategy.TickSize <= 0 {
		return errors.New("strategy.tick_size must be > 0")
	}
	if cfg.Strategy.BracketFraction <= 0 {
		return errors.New("strategy.bracket_fraction must be > 0")
	}
	if cfg.Strategy.StopFraction <= 0 {
		return errors.New("strategy.stop_fraction must be > 0")
	}
	if cfg.Strategy.TakeProfitFraction <= 0 {
		return errors.New("strategy.take_profit_fraction must be > 0")
	}
	if cfg.Strategy.UseTradingWindow && cfg.Strategy.StopTime <= cfg.Strategy.StartTime {
		return errors.New("strategy.stop_time must be after strategy.start_time")
	}
	if cfg.Strategy.VolatilityWindow < 2 {
		return errors.New("strategy.volatility_window must be >= 2")
	}
	// The schema name is interpolated into DDL by the journal writer, so it
	// must be a plain identifier.
	if cfg.Timescale.Enabled && !identifierPattern.MatchString(cfg.Timescale.Schema) {
		return fmt.Errorf("timescale.schema %q must be a plain identifier", cfg.Timescale.Schema)
	}
	return nil
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
