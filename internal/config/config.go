package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	State     StateConfig     `yaml:"state"`
	History   HistoryConfig   `yaml:"history"`
	Events    EventsConfig    `yaml:"events"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	Allocator AllocatorConfig `yaml:"allocator"`
	Rebalance RebalanceConfig `yaml:"rebalance"`
	Audit     AuditConfig     `yaml:"audit"`
	Loops     LoopConfig      `yaml:"loops"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type ExchangeConfig struct {
	SpotBaseURL    string        `yaml:"spot_base_url"`
	FuturesBaseURL string        `yaml:"futures_base_url"`
	MarkPriceWSURL string        `yaml:"mark_price_ws_url"`
	Timeout        time.Duration `yaml:"timeout"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type HistoryConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type EventsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Redis    RedisConfig    `yaml:"redis"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Stream  string `yaml:"stream"`
}

type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// StrategyConfig tunes opportunity selection and deployment sizing.
type StrategyConfig struct {
	MinFundingRate float64       `yaml:"min_funding_rate"` // absolute per-8h rate floor
	MinVolumeUSD   float64       `yaml:"min_volume_usd"`
	MaxPositions   int           `yaml:"max_positions"`
	MinPositionUSD float64       `yaml:"min_position_usd"`
	Leverage       int           `yaml:"leverage"`
	HedgeRatio     float64       `yaml:"hedge_ratio"`     // futures qty as fraction of spot fill
	MinHedgeRatio  float64       `yaml:"min_hedge_ratio"` // verification floor
	MaxHedgeRatio  float64       `yaml:"max_hedge_ratio"` // verification ceiling, never over-hedge
	SettleDelay    time.Duration `yaml:"settle_delay"`    // between spot fill and futures leg
	AllowLongOnly  *bool         `yaml:"allow_long_only"` // positive-rate path, not delta neutral
}

func (s StrategyConfig) LongOnlyAllowed() bool {
	return s.AllowLongOnly == nil || *s.AllowLongOnly
}

// AllocatorConfig tunes the spot/futures capital split and its correction.
type AllocatorConfig struct {
	TargetSpotRatio    float64 `yaml:"target_spot_ratio"`
	TargetFuturesRatio float64 `yaml:"target_futures_ratio"`
	DeficitThreshold   float64 `yaml:"deficit_threshold"`    // USD below which no action
	FuturesMarginFloor float64 `yaml:"futures_margin_floor"` // USD kept on futures
	TransferHaircut    float64 `yaml:"transfer_haircut"`     // fraction of deficit moved
	ConvertDustFloor   float64 `yaml:"convert_dust_floor"`   // skip holdings below this USD value
	ConvertVerifyFloor float64 `yaml:"convert_verify_floor"` // measured gain must exceed this
}

type RebalanceConfig struct {
	ActionCap            int     `yaml:"action_cap"`
	LossStopUSD          float64 `yaml:"loss_stop_usd"`
	LossStopPct          float64 `yaml:"loss_stop_pct"` // fraction of notional
	RankTightenFactor    float64 `yaml:"rank_tighten_factor"`
	RankTightenCutoff    int     `yaml:"rank_tighten_cutoff"`
	ImprovementRatio     float64 `yaml:"improvement_ratio"`
	WinnerScalePct       float64 `yaml:"winner_scale_pct"` // of total value per scale-up
	WinnerMinPnLUSD      float64 `yaml:"winner_min_pnl_usd"`
	PositionCapPct       float64 `yaml:"position_cap_pct"` // of total value per position
	IdleDeployPct        float64 `yaml:"idle_deploy_pct"`  // of total value per forced deploy
	IdleTopN             int     `yaml:"idle_top_n"`
	IdleMinDailyRate     float64 `yaml:"idle_min_daily_rate"` // percent per day
	TargetUtilization    float64 `yaml:"target_utilization"`  // percent
	UtilizationShortfall float64 `yaml:"utilization_shortfall"`
}

type AuditConfig struct {
	BreakerWindow time.Duration `yaml:"breaker_window"`
	LedgerBound   int           `yaml:"ledger_bound"`
	Persist       bool          `yaml:"persist"`
}

type LoopConfig struct {
	Allocation   time.Duration `yaml:"allocation"`
	Optimization time.Duration `yaml:"optimization"`
	Rebalance    time.Duration `yaml:"rebalance"`
	Report       time.Duration `yaml:"report"`
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
	if cfg.Exchange.SpotBaseURL == "" {
		cfg.Exchange.SpotBaseURL = "https://api.binance.com"
	}
	if cfg.Exchange.FuturesBaseURL == "" {
		cfg.Exchange.FuturesBaseURL = "https://fapi.binance.com"
	}
	if cfg.Exchange.MarkPriceWSURL == "" {
		cfg.Exchange.MarkPriceWSURL = "wss://fstream.binance.com/ws/!markPrice@arr"
	}
	if cfg.Exchange.Timeout == 0 {
		cfg.Exchange.Timeout = 10 * time.Second
	}
	if cfg.Exchange.ReconnectDelay == 0 {
		cfg.Exchange.ReconnectDelay = 3 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/bn-harvest-bot.db"
	}
	if cfg.History.Schema == "" {
		cfg.History.Schema = "public"
	}
	if cfg.History.QueueSize == 0 {
		cfg.History.QueueSize = 256
	}
	if cfg.Events.Redis.Stream == "" {
		cfg.Events.Redis.Stream = "harvest:events"
	}
	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = ":9090"
	}

	s := &cfg.Strategy
	if s.MinFundingRate == 0 {
		s.MinFundingRate = 0.0001
	}
	if s.MinVolumeUSD == 0 {
		s.MinVolumeUSD = 1_000_000
	}
	if s.MaxPositions == 0 {
		s.MaxPositions = 10
	}
	if s.MinPositionUSD == 0 {
		s.MinPositionUSD = 25
	}
	if s.Leverage == 0 {
		s.Leverage = 2
	}
	if s.HedgeRatio == 0 {
		s.HedgeRatio = 0.95
	}
	if s.MinHedgeRatio == 0 {
		s.MinHedgeRatio = 0.90
	}
	if s.MaxHedgeRatio == 0 {
		s.MaxHedgeRatio = 1.00
	}
	if s.SettleDelay == 0 {
		s.SettleDelay = 2 * time.Second
	}

	a := &cfg.Allocator
	if a.TargetSpotRatio == 0 {
		a.TargetSpotRatio = 0.55
	}
	if a.TargetFuturesRatio == 0 {
		a.TargetFuturesRatio = 0.45
	}
	if a.DeficitThreshold == 0 {
		a.DeficitThreshold = 10
	}
	if a.FuturesMarginFloor == 0 {
		a.FuturesMarginFloor = 50
	}
	if a.TransferHaircut == 0 {
		a.TransferHaircut = 0.9
	}
	if a.ConvertDustFloor == 0 {
		a.ConvertDustFloor = 15
	}
	if a.ConvertVerifyFloor == 0 {
		a.ConvertVerifyFloor = 10
	}

	r := &cfg.Rebalance
	if r.ActionCap == 0 {
		r.ActionCap = 5
	}
	if r.LossStopUSD == 0 {
		r.LossStopUSD = 25
	}
	if r.LossStopPct == 0 {
		r.LossStopPct = 0.08
	}
	if r.RankTightenFactor == 0 {
		r.RankTightenFactor = 0.6
	}
	if r.RankTightenCutoff == 0 {
		r.RankTightenCutoff = 10
	}
	if r.ImprovementRatio == 0 {
		r.ImprovementRatio = 1.10
	}
	if r.WinnerScalePct == 0 {
		r.WinnerScalePct = 0.03
	}
	if r.WinnerMinPnLUSD == 0 {
		r.WinnerMinPnLUSD = 5
	}
	if r.PositionCapPct == 0 {
		r.PositionCapPct = 0.15
	}
	if r.IdleDeployPct == 0 {
		r.IdleDeployPct = 0.08
	}
	if r.IdleTopN == 0 {
		r.IdleTopN = 3
	}
	if r.IdleMinDailyRate == 0 {
		r.IdleMinDailyRate = 0.10
	}
	if r.TargetUtilization == 0 {
		r.TargetUtilization = 80
	}
	if r.UtilizationShortfall == 0 {
		r.UtilizationShortfall = 20
	}

	if cfg.Audit.BreakerWindow == 0 {
		cfg.Audit.BreakerWindow = 5 * time.Minute
	}
	if cfg.Audit.LedgerBound == 0 {
		cfg.Audit.LedgerBound = 200
	}

	l := &cfg.Loops
	if l.Allocation == 0 {
		l.Allocation = 30 * time.Second
	}
	if l.Optimization == 0 {
		l.Optimization = 2 * time.Minute
	}
	if l.Rebalance == 0 {
		l.Rebalance = 10 * time.Minute
	}
	if l.Report == 0 {
		l.Report = 5 * time.Minute
	}
}

func validate(cfg *Config) error {
	a := cfg.Allocator
	if sum := a.TargetSpotRatio + a.TargetFuturesRatio; sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("allocator ratios must sum to 1, got %.3f", sum)
	}
	s := cfg.Strategy
	if s.MinHedgeRatio <= 0 || s.MaxHedgeRatio > 1.0 || s.MinHedgeRatio > s.MaxHedgeRatio {
		return errors.New("strategy hedge ratio bounds must satisfy 0 < min <= max <= 1")
	}
	if s.HedgeRatio < s.MinHedgeRatio || s.HedgeRatio > s.MaxHedgeRatio {
		return errors.New("strategy.hedge_ratio outside verification bounds")
	}
	if s.Leverage < 1 || s.Leverage > 20 {
		return errors.New("strategy.leverage must be in [1, 20]")
	}
	r := cfg.Rebalance
	if r.ImprovementRatio < 1.0 || r.ImprovementRatio > 3.0 {
		return errors.New("rebalance.improvement_ratio must be in [1.0, 3.0]")
	}
	if r.PositionCapPct <= 0 || r.PositionCapPct > 1 {
		return errors.New("rebalance.position_cap_pct must be in (0, 1]")
	}
	if cfg.History.Enabled && cfg.History.DSN == "" {
		return errors.New("history.dsn is required when history is enabled")
	}
	if cfg.Events.Redis.Enabled && cfg.Events.Redis.Addr == "" {
		return errors.New("events.redis.addr is required when redis is enabled")
	}
	return nil
}
