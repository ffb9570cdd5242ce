package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"heart-rate-alerts/internal/detector"
	"heart-rate-alerts/internal/logging"
)

// Broker drivers.
const (
	DriverKafka  = "kafka"
	DriverMemory = "memory"
)

// Notification channels.
const (
	ChannelLog      = "log"
	ChannelEmail    = "email"
	ChannelTelegram = "telegram"
)

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	Producer ProducerConfig `mapstructure:"producer"`
	Alerting AlertingConfig `mapstructure:"alerting"`
	Database DatabaseConfig `mapstructure:"database"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`

	// path is the file the config was read from, if any.
	path string
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// BrokerConfig selects and tunes the channel transport.
type BrokerConfig struct {
	Driver       string        `mapstructure:"driver"`
	Brokers      []string      `mapstructure:"brokers"`
	ClientID     string        `mapstructure:"client_id"`
	GroupPrefix  string        `mapstructure:"group_prefix"`
	Topics       TopicsConfig  `mapstructure:"topics"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	ReadMaxWait  time.Duration `mapstructure:"read_max_wait"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	MemoryBuffer int           `mapstructure:"memory_buffer"`
	Retry        RetryConfig   `mapstructure:"retry"`
}

// TopicsConfig names the channel per alert kind plus the monitor channel.
type TopicsConfig struct {
	Drop     string `mapstructure:"drop"`
	Stall    string `mapstructure:"stall"`
	Elevated string `mapstructure:"elevated"`
	Monitor  string `mapstructure:"monitor"`
}

// RetryConfig bounds broker reconnect attempts.
type RetryConfig struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// ProducerConfig governs reading replay cadence.
type ProducerConfig struct {
	SourcePath      string        `mapstructure:"source_path"`
	Interval        time.Duration `mapstructure:"interval"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	AlignToStart    bool          `mapstructure:"align_to_start"`
	PublishMonitor  bool          `mapstructure:"publish_monitor"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// AlertingConfig defines alert delivery.
type AlertingConfig struct {
	QueueSize     int            `mapstructure:"queue_size"`
	NotifyTimeout time.Duration  `mapstructure:"notify_timeout"`
	Channels      []string       `mapstructure:"channels"`
	Email         EmailConfig    `mapstructure:"email"`
	Telegram      TelegramConfig `mapstructure:"telegram"`
}

// EmailConfig holds SMTP delivery settings.
type EmailConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	From     string        `mapstructure:"from"`
	To       []string      `mapstructure:"to"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// TelegramConfig describes Telegram alert delivery.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN disables
// alert persistence.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// MetricsConfig exposes Prometheus metrics. An empty Addr disables the endpoint.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HRWATCH")
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
	cfg.path = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Path returns the config file in use, or "" when running on defaults.
func (c *Config) Path() string { return c.path }

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "hrwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("broker.driver", DriverKafka)
	v.SetDefault("broker.brokers", []string{"localhost:9092"})
	v.SetDefault("broker.client_id", "hrwatch")
	v.SetDefault("broker.group_prefix", "hrwatch")
	v.SetDefault("broker.topics.drop", "02-heart-rate-drop")
	v.SetDefault("broker.topics.stall", "03-heart-rate-stall")
	v.SetDefault("broker.topics.elevated", "04-heart-rate-elevated")
	v.SetDefault("broker.topics.monitor", "01-heart-rate-monitor")
	v.SetDefault("broker.write_timeout", "10s")
	v.SetDefault("broker.read_max_wait", "1s")
	v.SetDefault("broker.fetch_timeout", "30s")
	v.SetDefault("broker.memory_buffer", 1024)
	v.SetDefault("broker.retry.max_retries", 5)
	v.SetDefault("broker.retry.initial_backoff", "1s")
	v.SetDefault("broker.retry.max_backoff", "30s")

	v.SetDefault("producer.source_path", "heart_rate.csv")
	v.SetDefault("producer.interval", "30s")
	v.SetDefault("producer.startup_delay", "0s")
	v.SetDefault("producer.align_to_start", false)
	v.SetDefault("producer.publish_monitor", false)
	v.SetDefault("producer.advisory_lock_key", int64(0x68727761))

	v.SetDefault("alerting.queue_size", 64)
	v.SetDefault("alerting.notify_timeout", "30s")
	v.SetDefault("alerting.channels", []string{ChannelLog})
	v.SetDefault("alerting.email.enabled", false)
	v.SetDefault("alerting.email.port", 587)
	v.SetDefault("alerting.email.timeout", "15s")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("metrics.addr", "")
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
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	switch c.Broker.Driver {
	case DriverKafka:
		if len(c.Broker.Brokers) == 0 {
			return fmt.Errorf("broker.brokers is required for the kafka driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("broker.driver must be %q or %q, got %q", DriverKafka, DriverMemory, c.Broker.Driver)
	}
	for _, kind := range detector.Kinds {
		if c.TopicFor(kind) == "" {
			return fmt.Errorf("broker.topics.%s is required", kind)
		}
	}
	if c.Broker.Retry.MaxRetries < 0 {
		return fmt.Errorf("broker.retry.max_retries cannot be negative")
	}

	if c.Producer.Interval <= 0 {
		return fmt.Errorf("producer.interval must be greater than zero")
	}
	if c.Producer.StartupDelay < 0 {
		return fmt.Errorf("producer.startup_delay cannot be negative")
	}

	if c.Alerting.QueueSize <= 0 {
		return fmt.Errorf("alerting.queue_size must be greater than zero")
	}
	if c.Alerting.NotifyTimeout <= 0 {
		return fmt.Errorf("alerting.notify_timeout must be greater than zero")
	}
	for _, ch := range c.Alerting.Channels {
		switch ch {
		case ChannelLog, ChannelEmail, ChannelTelegram:
		default:
			return fmt.Errorf("alerting.channels: unknown channel %q", ch)
		}
	}
	if c.Alerting.Email.Enabled {
		if c.Alerting.Email.Host == "" {
			return fmt.Errorf("alerting.email.host is required")
		}
		if c.Alerting.Email.From == "" {
			return fmt.Errorf("alerting.email.from is required")
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}

// TopicFor returns the channel carrying readings for kind.
func (c *Config) TopicFor(kind detector.Kind) string {
	switch kind {
	case detector.KindDrop:
		return c.Broker.Topics.Drop
	case detector.KindStall:
		return c.Broker.Topics.Stall
	case detector.KindElevated:
		return c.Broker.Topics.Elevated
	default:
		return ""
	}
}

// ProducerTopics lists the channels the producer publishes to, in order.
func (c *Config) ProducerTopics() []string {
	topics := make([]string, 0, len(detector.Kinds)+1)
	for _, kind := range detector.Kinds {
		topics = append(topics, c.TopicFor(kind))
	}
	if c.Producer.PublishMonitor && c.Broker.Topics.Monitor != "" {
		topics = append(topics, c.Broker.Topics.Monitor)
	}
	return topics
}

// ChannelEnabled reports whether ch is listed in alerting.channels.
func (c *Config) ChannelEnabled(ch string) bool {
	for _, name := range c.Alerting.Channels {
		if strings.EqualFold(name, ch) {
			return true
		}
	}
	return false
}
