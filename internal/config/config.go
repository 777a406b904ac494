package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"twapguard/internal/logging"
	"twapguard/internal/twap"
)

// Storage drivers.
const (
	DriverPostgres = "postgres"
	DriverBadger   = "badger"
)

// Pair sources.
const (
	SourceSwap = "swap"
	SourceCow  = "cow"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Ethereum  EthereumConfig  `mapstructure:"ethereum"`
	Cow       CowConfig       `mapstructure:"cow"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Pairs     []PairConfig    `mapstructure:"pairs"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	API       APIConfig       `mapstructure:"api"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// StorageConfig selects the pair state backend.
type StorageConfig struct {
	Driver string       `mapstructure:"driver"`
	Badger BadgerConfig `mapstructure:"badger"`
}

// BadgerConfig configures the embedded backend.
type BadgerConfig struct {
	Path     string `mapstructure:"path"`
	InMemory bool   `mapstructure:"in_memory"`
}

// SchedulerConfig governs sampling cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// EthereumConfig covers on-chain data access.
type EthereumConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxBlockRange  uint64        `mapstructure:"max_block_range"`
	Confirmations  uint64        `mapstructure:"confirmations"`
}

// CowConfig captures CoW Protocol connectivity.
type CowConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	PriceQuality   string        `mapstructure:"price_quality"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// PolicyConfig holds the engine defaults applied to pairs created from config.
type PolicyConfig struct {
	MinUpdateInterval           uint64 `mapstructure:"min_update_interval"`
	MaxUpdatesPerHour           uint32 `mapstructure:"max_updates_per_hour"`
	MinVolumeThreshold          uint64 `mapstructure:"min_volume_threshold"`
	MinPriceChangeBps           uint16 `mapstructure:"min_price_change_bps"`
	EmergencyUpdateThresholdBps uint16 `mapstructure:"emergency_update_threshold_bps"`
	MaxEmergencyUpdatesPerHour  uint32 `mapstructure:"max_emergency_updates_per_hour"`
	BucketCount                 uint32 `mapstructure:"bucket_count"`
	BucketDurationTicks         uint64 `mapstructure:"bucket_duration_ticks"`
	BuybackDiscountBps          uint16 `mapstructure:"buyback_discount_bps"`
	MaxBuybackAmount            uint64 `mapstructure:"max_buyback_amount"`
	AdvanceMode                 string `mapstructure:"advance_mode"`
}

// PairConfig describes one tracked base/quote pair and where its samples come from.
type PairConfig struct {
	ID             string  `mapstructure:"id"`
	BaseAsset      string  `mapstructure:"base_asset"`
	QuoteAsset     string  `mapstructure:"quote_asset"`
	Source         string  `mapstructure:"source"`
	PoolAddress    string  `mapstructure:"pool_address"`
	BaseIsToken0   bool    `mapstructure:"base_is_token0"`
	StartBlock     uint64  `mapstructure:"start_block"`
	BaseToken      string  `mapstructure:"base_token"`
	QuoteToken     string  `mapstructure:"quote_token"`
	BaseDecimals   int32   `mapstructure:"base_decimals"`
	VolumeDecimals int32   `mapstructure:"volume_decimals"`
	PriceDecimals  int32   `mapstructure:"price_decimals"`
	Notional       float64 `mapstructure:"notional"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// APIConfig controls the read-only HTTP API.
type APIConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Listen          string        `mapstructure:"listen"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("TWAPGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadDotEnv exports .env entries without overriding the real environment.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "twapguard")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.path", "")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 7)
	v.SetDefault("logging.file.max_age_days", 30)

	v.SetDefault("storage.driver", DriverBadger)
	v.SetDefault("storage.badger.path", "data/twapguard")

	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x74776170))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("ethereum.rpc_url", "")
	v.SetDefault("ethereum.request_timeout", "10s")
	v.SetDefault("ethereum.max_block_range", 2000)
	v.SetDefault("ethereum.confirmations", 2)

	v.SetDefault("cow.base_url", "https://api.cow.fi/mainnet/api/v1")
	v.SetDefault("cow.price_quality", "optimal")
	v.SetDefault("cow.request_timeout", "10s")
	v.SetDefault("cow.user_agent", "twapguard/1.0")

	defaults := twap.DefaultParams()
	v.SetDefault("policy.min_update_interval", defaults.MinUpdateInterval)
	v.SetDefault("policy.max_updates_per_hour", defaults.MaxUpdatesPerHour)
	v.SetDefault("policy.min_volume_threshold", defaults.MinVolumeThreshold)
	v.SetDefault("policy.min_price_change_bps", defaults.MinPriceChangeBps)
	v.SetDefault("policy.emergency_update_threshold_bps", defaults.EmergencyUpdateThresholdBps)
	v.SetDefault("policy.max_emergency_updates_per_hour", defaults.MaxEmergencyUpdatesPerHour)
	v.SetDefault("policy.bucket_count", defaults.BucketCount)
	v.SetDefault("policy.bucket_duration_ticks", defaults.BucketDurationTicks)
	v.SetDefault("policy.buyback_discount_bps", defaults.BuybackDiscountBps)
	v.SetDefault("policy.max_buyback_amount", defaults.MaxBuybackAmount)
	v.SetDefault("policy.advance_mode", string(defaults.AdvanceMode))

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", "127.0.0.1:8085")
	v.SetDefault("api.shutdown_timeout", "5s")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	switch c.Storage.Driver {
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	case DriverBadger:
		if c.Storage.Badger.Path == "" && !c.Storage.Badger.InMemory {
			return fmt.Errorf("storage.badger.path is required unless in_memory is set")
		}
	default:
		return fmt.Errorf("storage.driver must be %q or %q, got %q", DriverPostgres, DriverBadger, c.Storage.Driver)
	}
	if err := c.PolicyParams().Validate(); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	if err := c.validatePairs(); err != nil {
		return err
	}
	if c.API.Enabled && c.API.Listen == "" {
		return fmt.Errorf("api.listen is required when the api is enabled")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

func (c *Config) validatePairs() error {
	seen := make(map[string]struct{}, len(c.Pairs))
	for i, p := range c.Pairs {
		if p.ID == "" {
			return fmt.Errorf("pairs[%d].id is required", i)
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("pairs[%d].id %q is duplicated", i, p.ID)
		}
		seen[p.ID] = struct{}{}
		if p.PriceDecimals < 0 || p.BaseDecimals < 0 || p.VolumeDecimals < 0 {
			return fmt.Errorf("pair %s: decimals cannot be negative", p.ID)
		}
		if p.VolumeDecimals > p.BaseDecimals {
			return fmt.Errorf("pair %s: volume_decimals cannot exceed base_decimals", p.ID)
		}
		switch p.Source {
		case SourceSwap:
			if p.PoolAddress == "" {
				return fmt.Errorf("pair %s: pool_address is required for swap sources", p.ID)
			}
		case SourceCow:
			if p.BaseToken == "" || p.QuoteToken == "" {
				return fmt.Errorf("pair %s: base_token and quote_token are required for cow sources", p.ID)
			}
			if p.Notional <= 0 {
				return fmt.Errorf("pair %s: notional must be greater than zero", p.ID)
			}
		default:
			return fmt.Errorf("pair %s: source must be %q or %q, got %q", p.ID, SourceSwap, SourceCow, p.Source)
		}
	}
	return nil
}

// PolicyParams maps the policy section onto engine parameters.
func (c *Config) PolicyParams() twap.Params {
	p := c.Policy
	return twap.Params{
		MinUpdateInterval:           p.MinUpdateInterval,
		MaxUpdatesPerHour:           p.MaxUpdatesPerHour,
		MinVolumeThreshold:          p.MinVolumeThreshold,
		MinPriceChangeBps:           p.MinPriceChangeBps,
		EmergencyUpdateThresholdBps: p.EmergencyUpdateThresholdBps,
		MaxEmergencyUpdatesPerHour:  p.MaxEmergencyUpdatesPerHour,
		BucketCount:                 p.BucketCount,
		BucketDurationTicks:         p.BucketDurationTicks,
		BuybackDiscountBps:          p.BuybackDiscountBps,
		MaxBuybackAmount:            p.MaxBuybackAmount,
		AdvanceMode:                 twap.AdvanceMode(p.AdvanceMode),
	}
}

// Pair looks up a configured pair by id.
func (c *Config) Pair(id string) (PairConfig, bool) {
	for _, p := range c.Pairs {
		if p.ID == id {
			return p, true
		}
	}
	return PairConfig{}, false
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
