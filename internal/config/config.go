package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	REST      RESTConfig      `yaml:"rest"`
	WS        WSConfig        `yaml:"ws"`
	State     StateConfig     `yaml:"state"`
	Engine    EngineConfig    `yaml:"engine"`
	Exec      ExecConfig      `yaml:"exec"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Timescale TimescaleConfig `yaml:"timescale"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type RESTConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type WSConfig struct {
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

const (
	VenueSequential = "sequential"
	VenueAtomic     = "atomic"

	HedgeLegActive  = "active"
	HedgeLegPassive = "passive"

	LegKindPerp = "perp"
	LegKindSpot = "spot"
)

type LegConfig struct {
	Symbol string `yaml:"symbol"`
	Kind   string `yaml:"kind"`
	Venue  string `yaml:"venue"`
}

// EngineConfig carries the immutable hedge parameters of one engine instance.
type EngineConfig struct {
	Active  LegConfig `yaml:"active"`
	Passive LegConfig `yaml:"passive"`

	HedgeNum float64 `yaml:"hedge_num"`
	LevelPre float64 `yaml:"level_pre"`
	LevelGap float64 `yaml:"level_gap"`
	LevelNum float64 `yaml:"level_num"`
	Slippage float64 `yaml:"slippage"`
	Interval int     `yaml:"interval"`

	HedgeLeg             string        `yaml:"hedge_leg"`
	TimerPeriod          time.Duration `yaml:"timer_period"`
	StaleAfter           time.Duration `yaml:"stale_after"`
	DegradedInterval     int           `yaml:"degraded_interval"`
	AutoRecover          *bool         `yaml:"auto_recover"`
	CancelPendingOnCycle bool          `yaml:"cancel_pending_on_cycle"`
}

func (e EngineConfig) AutoRecoverValue() bool {
	if e.AutoRecover == nil {
		return true
	}
	return *e.AutoRecover
}

type ExecConfig struct {
	QueueSize    int           `yaml:"queue_size"`
	MaxAttempts  int           `yaml:"max_attempts"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	Tif          string        `yaml:"tif"`
}

type TelegramConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Token                  string        `yaml:"token"`
	ChatID                 string        `yaml:"chat_id"`
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	if m.Enabled == nil {
		return false
	}
	return *m.Enabled
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
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.File != "" {
		if cfg.Log.MaxSizeMB == 0 {
			cfg.Log.MaxSizeMB = 100
		}
		if cfg.Log.MaxBackups == 0 {
			cfg.Log.MaxBackups = 5
		}
		if cfg.Log.MaxAgeDays == 0 {
			cfg.Log.MaxAgeDays = 14
		}
	}
	if cfg.REST.BaseURL == "" {
		cfg.REST.BaseURL = "https://api.hyperliquid.xyz"
	}
	if cfg.REST.Timeout == 0 {
		cfg.REST.Timeout = 10 * time.Second
	}
	if cfg.WS.URL == "" {
		cfg.WS.URL = wsURLFromREST(cfg.REST.BaseURL)
	}
	if cfg.WS.ReconnectDelay == 0 {
		cfg.WS.ReconnectDelay = 3 * time.Second
	}
	if cfg.WS.PingInterval == 0 {
		cfg.WS.PingInterval = 30 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/hl-spread-arb.db"
	}
	applyLegDefaults(&cfg.Engine.Active)
	applyLegDefaults(&cfg.Engine.Passive)
	if cfg.Engine.LevelPre == 0 {
		cfg.Engine.LevelPre = 0.01
	}
	if cfg.Engine.LevelGap == 0 {
		cfg.Engine.LevelGap = 0.002
	}
	if cfg.Engine.LevelNum == 0 {
		cfg.Engine.LevelNum = 10
	}
	if cfg.Engine.Interval == 0 {
		cfg.Engine.Interval = 5
	}
	if cfg.Engine.HedgeLeg == "" {
		cfg.Engine.HedgeLeg = HedgeLegPassive
	}
	if cfg.Engine.TimerPeriod == 0 {
		cfg.Engine.TimerPeriod = time.Second
	}
	if cfg.Engine.StaleAfter == 0 {
		cfg.Engine.StaleAfter = 10 * time.Second
	}
	if cfg.Engine.DegradedInterval == 0 {
		cfg.Engine.DegradedInterval = 1800
	}
	if cfg.Engine.AutoRecover == nil {
		enabled := true
		cfg.Engine.AutoRecover = &enabled
	}
	if cfg.Exec.QueueSize == 0 {
		cfg.Exec.QueueSize = 64
	}
	if cfg.Exec.MaxAttempts == 0 {
		cfg.Exec.MaxAttempts = 3
	}
	if cfg.Exec.RetryBackoff == 0 {
		cfg.Exec.RetryBackoff = 200 * time.Millisecond
	}
	if cfg.Exec.Tif == "" {
		cfg.Exec.Tif = "Gtc"
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9001"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
}

func applyLegDefaults(leg *LegConfig) {
	if leg.Kind == "" {
		leg.Kind = LegKindPerp
	}
	if leg.Venue == "" {
		leg.Venue = VenueSequential
	}
}

func wsURLFromREST(baseURL string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	switch {
	case strings.HasPrefix(trimmed, "https://"):
		return "wss://" + strings.TrimPrefix(trimmed, "https://") + "/ws"
	case strings.HasPrefix(trimmed, "http://"):
		return "ws://" + strings.TrimPrefix(trimmed, "http://") + "/ws"
	}
	return "wss://api.hyperliquid.xyz/ws"
}

func applyEnvOverrides(cfg *Config) {
	if token := strings.TrimSpace(os.Getenv("HL_TELEGRAM_TOKEN")); token != "" {
		cfg.Telegram.Token = token
	}
	if chatID := strings.TrimSpace(os.Getenv("HL_TELEGRAM_CHAT_ID")); chatID != "" {
		cfg.Telegram.ChatID = chatID
	}
	if dsn := strings.TrimSpace(os.Getenv("HL_TIMESCALE_DSN")); dsn != "" {
		cfg.Timescale.DSN = dsn
	}
}

func validate(cfg *Config) error {
	eng := cfg.Engine
	if strings.TrimSpace(eng.Active.Symbol) == "" {
		return errors.New("engine.active.symbol is required")
	}
	if strings.TrimSpace(eng.Passive.Symbol) == "" {
		return errors.New("engine.passive.symbol is required")
	}
	if eng.Active.Symbol == eng.Passive.Symbol {
		return errors.New("engine.active.symbol and engine.passive.symbol must differ")
	}
	for name, leg := range map[string]LegConfig{"active": eng.Active, "passive": eng.Passive} {
		if leg.Kind != LegKindPerp && leg.Kind != LegKindSpot {
			return fmt.Errorf("engine.%s.kind must be %q or %q", name, LegKindPerp, LegKindSpot)
		}
		if leg.Venue != VenueSequential && leg.Venue != VenueAtomic {
			return fmt.Errorf("engine.%s.venue must be %q or %q", name, VenueSequential, VenueAtomic)
		}
	}
	if eng.Active.Venue != eng.Passive.Venue {
		return errors.New("engine.active.venue and engine.passive.venue must match")
	}
	if eng.HedgeNum < 0 {
		return errors.New("engine.hedge_num must be >= 0")
	}
	if eng.LevelGap <= 0 {
		return errors.New("engine.level_gap must be > 0")
	}
	if eng.LevelNum <= 0 {
		return errors.New("engine.level_num must be > 0")
	}
	if eng.Slippage < 0 || eng.Slippage >= 1 {
		return errors.New("engine.slippage must be in [0, 1)")
	}
	if eng.Interval <= 0 {
		return errors.New("engine.interval must be > 0")
	}
	if eng.DegradedInterval < eng.Interval {
		return errors.New("engine.degraded_interval must be >= engine.interval")
	}
	if eng.HedgeLeg != HedgeLegActive && eng.HedgeLeg != HedgeLegPassive {
		return fmt.Errorf("engine.hedge_leg must be %q or %q", HedgeLegActive, HedgeLegPassive)
	}
	if eng.TimerPeriod <= 0 {
		return errors.New("engine.timer_period must be > 0")
	}
	if eng.StaleAfter <= 0 {
		return errors.New("engine.stale_after must be > 0")
	}
	if cfg.Exec.QueueSize < 0 {
		return errors.New("exec.queue_size must be >= 0")
	}
	if cfg.Exec.MaxAttempts <= 0 {
		return errors.New("exec.max_attempts must be > 0")
	}
	switch cfg.Exec.Tif {
	case "Gtc", "Ioc", "Alo":
	default:
		return errors.New("exec.tif must be one of Gtc, Ioc, Alo")
	}
	if cfg.Metrics.EnabledValue() && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	if cfg.Telegram.Enabled && (strings.TrimSpace(cfg.Telegram.Token) == "" || strings.TrimSpace(cfg.Telegram.ChatID) == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	if cfg.Timescale.Enabled && strings.TrimSpace(cfg.Timescale.DSN) == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	return nil
}
