// Package config loads the engine configuration: built-in defaults, then the
// YAML file, then PCS_* environment overrides (a .env file is honoured).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/vitos/crypto_pcs_engine/internal/domain"
	"github.com/vitos/crypto_pcs_engine/internal/infrastructure/bus"
	"github.com/vitos/crypto_pcs_engine/internal/usecase"
	"gopkg.in/yaml.v3"
)

type ExchangeConfig struct {
	Name         string `yaml:"name"`
	APIKey       string `yaml:"api_key"`
	APISecret    string `yaml:"api_secret"`
	WSEndpoint   string `yaml:"ws_endpoint"`
	RESTEndpoint string `yaml:"rest_endpoint"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	// File, when set, also writes logs to this path.
	File string `yaml:"file"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Client    bus.ClientConfig    `yaml:",inline"`
	Publisher bus.PublisherConfig `yaml:"publisher"`
}

type EngineConfig struct {
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	ExecutionTimeout time.Duration `yaml:"execution_timeout"`
	// DryRun fills orders locally at the last price instead of sending them.
	DryRun bool `yaml:"dry_run"`
}

// ConditionsConfig enables conditions by presence: a nil entry is disabled.
type ConditionsConfig struct {
	EntryMode       usecase.SetMode                `yaml:"entry_mode"`
	MACross         *usecase.MACrossConfig         `yaml:"ma_cross"`
	ChannelBreakout *usecase.ChannelBreakoutConfig `yaml:"channel_breakout"`
	OrderbookTick   *usecase.OrderbookTickConfig   `yaml:"orderbook_tick"`
	TickPattern     *usecase.TickPatternConfig     `yaml:"tick_pattern"`
	CandleState     *usecase.CandleStateConfig     `yaml:"candle_state"`

	TrailingChannel *usecase.TrailingChannelConfig `yaml:"trailing_channel"`
	TickExit        *usecase.TickExitConfig        `yaml:"tick_exit"`
	Breakeven       *usecase.BreakevenConfig       `yaml:"breakeven"`
	HardStop        *usecase.HardStopConfig        `yaml:"hard_stop"`
}

type Config struct {
	Exchange ExchangeConfig `yaml:"exchange"`
	Symbols  []string       `yaml:"symbols"`
	Logging  LoggingConfig  `yaml:"logging"`
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Redis    RedisConfig    `yaml:"redis"`
	Engine   EngineConfig   `yaml:"engine"`

	Market     usecase.MarketConfig   `yaml:"market"`
	Channel    usecase.ChannelConfig  `yaml:"channel"`
	Reversal   usecase.ReversalConfig `yaml:"reversal"`
	Risk       usecase.RiskConfig     `yaml:"risk"`
	PCS        usecase.PCSConfig      `yaml:"pcs"`
	Trading    usecase.TradingConfig  `yaml:"trading"`
	Conditions ConditionsConfig       `yaml:"conditions"`
}

func Defaults() Config {
	return Config{
		Exchange: ExchangeConfig{Name: "bybit"},
		Logging:  LoggingConfig{Level: "info"},
		Server:   ServerConfig{Port: 8080},
		Storage:  StorageConfig{Path: "pcs.db"},
		Redis: RedisConfig{
			Client: bus.ClientConfig{Addr: "localhost:6379", PoolSize: 10},
			Publisher: bus.PublisherConfig{
				ExitChannel:   bus.DefaultExitChannel,
				SignalChannel: bus.DefaultSignalChannel,
			},
		},
		Engine: EngineConfig{
			SnapshotInterval: time.Second,
			ExecutionTimeout: 10 * time.Second,
		},
		Market:   usecase.DefaultMarketConfig(),
		Channel:  usecase.DefaultChannelConfig(),
		Reversal: usecase.DefaultReversalConfig(),
		Risk:     usecase.DefaultRiskConfig(),
		PCS:      usecase.DefaultPCSConfig(),
		Trading:  usecase.DefaultTradingConfig(),
		Conditions: ConditionsConfig{
			EntryMode:       usecase.SetModeAll,
			ChannelBreakout: &usecase.ChannelBreakoutConfig{MinConfidence: 0.5},
			TrailingChannel: &usecase.TrailingChannelConfig{BufferPct: 0.001},
			Breakeven:       &usecase.BreakevenConfig{ArmProfitPct: 0.01, BufferPct: 0.001},
			HardStop:        &usecase.HardStopConfig{GracePct: 0.002},
		},
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path skips the file. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		decoder := yaml.NewDecoder(f)
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Exchange.Name, "PCS_EXCHANGE_NAME")
	setStr(&cfg.Exchange.APIKey, "PCS_EXCHANGE_API_KEY")
	setStr(&cfg.Exchange.APISecret, "PCS_EXCHANGE_API_SECRET")
	setStr(&cfg.Exchange.RESTEndpoint, "PCS_EXCHANGE_REST_ENDPOINT")
	setStr(&cfg.Exchange.WSEndpoint, "PCS_EXCHANGE_WS_ENDPOINT")
	setStringSlice(&cfg.Symbols, "PCS_SYMBOLS")

	setStr(&cfg.Logging.Level, "PCS_LOG_LEVEL")
	setStr(&cfg.Logging.File, "PCS_LOG_FILE")
	setInt(&cfg.Server.Port, "PCS_SERVER_PORT")
	setStr(&cfg.Storage.Path, "PCS_STORAGE_PATH")

	setBool(&cfg.Redis.Enabled, "PCS_REDIS_ENABLED")
	setStr(&cfg.Redis.Client.Addr, "PCS_REDIS_ADDR")
	setStr(&cfg.Redis.Client.Password, "PCS_REDIS_PASSWORD")
	setInt(&cfg.Redis.Client.DB, "PCS_REDIS_DB")

	setBool(&cfg.Engine.DryRun, "PCS_DRY_RUN")
	setDuration(&cfg.Engine.SnapshotInterval, "PCS_SNAPSHOT_INTERVAL")

	setFloat64(&cfg.Risk.InitialCapital, "PCS_RISK_INITIAL_CAPITAL")
	setFloat64(&cfg.Risk.RiskPercent, "PCS_RISK_PERCENT")
	setBool(&cfg.PCS.TwoStepLiquidation, "PCS_TWO_STEP_LIQUIDATION")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		*dst = cleaned
	}
}

// Validate returns the first problem found.
func (c *Config) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("%w: at least one symbol is required", domain.ErrInvalidConfig)
	}
	if !c.Engine.DryRun && (c.Exchange.APIKey == "" || c.Exchange.APISecret == "") {
		return fmt.Errorf("%w: exchange api_key and api_secret are required unless dry_run is set", domain.ErrInvalidConfig)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server port %d out of range", domain.ErrInvalidConfig, c.Server.Port)
	}
	if c.Engine.SnapshotInterval <= 0 {
		return fmt.Errorf("%w: engine snapshot_interval must be positive", domain.ErrInvalidConfig)
	}
	if c.Redis.Enabled && c.Redis.Client.Addr == "" {
		return fmt.Errorf("%w: redis addr is required when redis is enabled", domain.ErrInvalidConfig)
	}
	if c.Conditions.EntryMode != usecase.SetModeAll && c.Conditions.EntryMode != usecase.SetModeAny {
		return fmt.Errorf("%w: unknown entry_mode %q", domain.ErrInvalidConfig, c.Conditions.EntryMode)
	}

	checks := []func() error{
		c.Market.Validate,
		c.Channel.Validate,
		c.Reversal.Validate,
		c.Risk.Validate,
		c.PCS.Validate,
		c.Trading.Validate,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

// IsInvalid reports whether err came from Validate.
func IsInvalid(err error) bool {
	return errors.Is(err, domain.ErrInvalidConfig)
}
