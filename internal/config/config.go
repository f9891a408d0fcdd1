package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"price-pulse/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	Snapshot SnapshotConfig `mapstructure:"snapshot"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Alerting AlertingConfig `mapstructure:"alerting"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Export   ExportConfig   `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	Asset       string `mapstructure:"asset"`
}

// SnapshotConfig governs the polled REST source and its cadence.
type SnapshotConfig struct {
	Endpoint       string        `mapstructure:"endpoint"`
	BaseURL        string        `mapstructure:"base_url"`
	CoinID         string        `mapstructure:"coin_id"`
	VsCurrency     string        `mapstructure:"vs_currency"`
	Interval       time.Duration `mapstructure:"interval"`
	Backoff        time.Duration `mapstructure:"backoff"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	Burst          int           `mapstructure:"burst"`
	Breaker        BreakerConfig `mapstructure:"breaker"`
}

// BreakerConfig tunes the snapshot circuit breaker.
type BreakerConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
	OpenTimeout         time.Duration `mapstructure:"open_timeout"`
}

// StreamConfig covers the WebSocket ticker feed.
type StreamConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	URL               string        `mapstructure:"url"`
	Streams           []string      `mapstructure:"streams"`
	Proxy             string        `mapstructure:"proxy"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
}

// AlertingConfig defines the startup rule and notification routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Channels []string       `mapstructure:"channels"`
	Rule     RuleConfig     `mapstructure:"rule"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// RuleConfig is the alert rule armed at startup; empty thresholds mean unset.
type RuleConfig struct {
	PriceThreshold     string `mapstructure:"price_threshold"`
	ChangeThreshold    string `mapstructure:"change_threshold"`
	RequireTightSpread bool   `mapstructure:"require_tight_spread"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. Storage is off when DSN is empty.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// RedisConfig enables the Redis render sink when Addr is set.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Key      string        `mapstructure:"key"`
	Channel  string        `mapstructure:"channel"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// HTTPConfig configures the API listener; empty Addr disables it.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PRICEPULSE")
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
	v.SetDefault("app.name", "pricepulse")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.asset", "BTC")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.max_size_mb", 50)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age_days", 14)

	v.SetDefault("snapshot.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("snapshot.coin_id", "bitcoin")
	v.SetDefault("snapshot.vs_currency", "usd")
	v.SetDefault("snapshot.interval", "15s")
	v.SetDefault("snapshot.backoff", "30s")
	v.SetDefault("snapshot.request_timeout", "10s")
	v.SetDefault("snapshot.rate_limit", 0.5)
	v.SetDefault("snapshot.burst", 2)
	v.SetDefault("snapshot.breaker.enabled", false)
	v.SetDefault("snapshot.breaker.consecutive_failures", 5)
	v.SetDefault("snapshot.breaker.open_timeout", "1m")

	v.SetDefault("stream.enabled", true)
	v.SetDefault("stream.url", "wss://stream.binance.com:9443/ws")
	v.SetDefault("stream.streams", []string{"btcusdt@ticker"})
	v.SetDefault("stream.reconnect_delay", "2s")
	v.SetDefault("stream.heartbeat_interval", "30s")
	v.SetDefault("stream.handshake_timeout", "10s")

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("redis.key", "pricepulse:latest")
	v.SetDefault("redis.channel", "pricepulse:updates")
	v.SetDefault("redis.ttl", "5m")

	v.SetDefault("http.addr", "127.0.0.1:8080")
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "10s")
	v.SetDefault("http.shutdown_timeout", "5s")

	v.SetDefault("export.max_data_points", 100000)

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
	if c.Snapshot.Interval <= 0 {
		return fmt.Errorf("snapshot.interval must be greater than zero")
	}
	if c.Snapshot.Backoff <= 0 {
		return fmt.Errorf("snapshot.backoff must be greater than zero")
	}
	if c.Snapshot.Endpoint == "" && c.Snapshot.CoinID == "" {
		return fmt.Errorf("snapshot.coin_id or snapshot.endpoint must be set")
	}
	if c.Snapshot.RateLimit < 0 {
		return fmt.Errorf("snapshot.rate_limit cannot be negative")
	}
	if c.Stream.Enabled {
		if c.Stream.URL == "" {
			return fmt.Errorf("stream.url must be set when the stream is enabled")
		}
		if c.Stream.ReconnectDelay <= 0 {
			return fmt.Errorf("stream.reconnect_delay must be greater than zero")
		}
	}
	if _, err := c.Alerting.Rule.AlertRuleThresholds(); err != nil {
		return err
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

// Thresholds holds the parsed startup rule thresholds.
type Thresholds struct {
	Price  decimal.NullDecimal
	Change decimal.NullDecimal
}

// AlertRuleThresholds parses the configured thresholds; blanks stay unset.
func (r RuleConfig) AlertRuleThresholds() (Thresholds, error) {
	var out Thresholds
	var err error
	if out.Price, err = parseThreshold(r.PriceThreshold); err != nil {
		return Thresholds{}, fmt.Errorf("alerting.rule.price_threshold: %w", err)
	}
	if out.Change, err = parseThreshold(r.ChangeThreshold); err != nil {
		return Thresholds{}, fmt.Errorf("alerting.rule.change_threshold: %w", err)
	}
	return out, nil
}

// IsSet reports whether any threshold is configured.
func (r RuleConfig) IsSet() bool {
	return strings.TrimSpace(r.PriceThreshold) != "" || strings.TrimSpace(r.ChangeThreshold) != ""
}

func parseThreshold(raw string) (decimal.NullDecimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
