// Package config loads stagerelay settings from defaults, an optional YAML
// file and STAGERELAY_ prefixed environment variables, in increasing order
// of precedence. STAGERELAY_BUS_KAFKA_BROKERS overrides bus.kafka.brokers.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/glimte/stagerelay/sweeper"
)

// ErrInvalidConfig wraps every validation failure
var ErrInvalidConfig = errors.New("config: invalid configuration")

// EnvPrefix prefixes every environment override
const EnvPrefix = "STAGERELAY"

// Config holds the configuration of every stagerelay component
type Config struct {
	Log          LogConfig          `mapstructure:"log"`
	Store        StoreConfig        `mapstructure:"store"`
	Bus          BusConfig          `mapstructure:"bus"`
	Router       RouterConfig       `mapstructure:"router"`
	Publisher    PublisherConfig    `mapstructure:"publisher"`
	Webhook      WebhookConfig      `mapstructure:"webhook"`
	Sweeper      SweeperConfig      `mapstructure:"sweeper"`
	Integrations IntegrationsConfig `mapstructure:"integrations"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type StoreConfig struct {
	Dialect string `mapstructure:"dialect"`
	DSN     string `mapstructure:"dsn"`
}

type BusConfig struct {
	Transport       string         `mapstructure:"transport"`
	Topic           string         `mapstructure:"topic"`
	Group           string         `mapstructure:"group"`
	DeadLetterTopic string         `mapstructure:"dead_letter_topic"`
	Kafka           KafkaConfig    `mapstructure:"kafka"`
	RabbitMQ        RabbitMQConfig `mapstructure:"rabbitmq"`
}

type KafkaConfig struct {
	Brokers          []string      `mapstructure:"brokers"`
	ClientID         string        `mapstructure:"client_id"`
	AutoCreateTopics bool          `mapstructure:"auto_create_topics"`
	HandlerTimeout   time.Duration `mapstructure:"handler_timeout"`
}

type RabbitMQConfig struct {
	URL                  string        `mapstructure:"url"`
	Exchange             string        `mapstructure:"exchange"`
	Prefetch             int           `mapstructure:"prefetch"`
	SingleActiveConsumer bool          `mapstructure:"single_active_consumer"`
	HandlerTimeout       time.Duration `mapstructure:"handler_timeout"`
	RedeliveryDelay      time.Duration `mapstructure:"redelivery_delay"`
}

type RouterConfig struct {
	// MaxAttempts dead-letters a message after this many failures; 0 retries
	// forever
	MaxAttempts        int           `mapstructure:"max_attempts"`
	StrictIntegrations bool          `mapstructure:"strict_integrations"`
	HandlerTimeout     time.Duration `mapstructure:"handler_timeout"`
	// BreakerThreshold opens a circuit breaker around message handling after
	// that many consecutive failures; 0 disables it
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerTimeout   time.Duration `mapstructure:"breaker_timeout"`
	Redis            RedisConfig   `mapstructure:"redis"`
}

// RedisConfig enables the shared attempt counter when Addr is set
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type PublisherConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	BatchSize      int           `mapstructure:"batch_size"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

type WebhookConfig struct {
	Address     string `mapstructure:"address"`
	BodyLimit   string `mapstructure:"body_limit"`
	ServiceName string `mapstructure:"service_name"`
}

type SweeperConfig struct {
	Schedule     string        `mapstructure:"schedule"`
	PendingAfter time.Duration `mapstructure:"pending_after"`
	WaitingAfter time.Duration `mapstructure:"waiting_after"`
	Limit        int           `mapstructure:"limit"`
}

type IntegrationsConfig struct {
	Mail     MailConfig     `mapstructure:"mail"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Files    FilesConfig    `mapstructure:"files"`
}

type MailConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// FilesConfig enables the chat document branch when BaseURL is set
type FilesConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("store.dialect", "sqlite")
	v.SetDefault("store.dsn", "stagerelay.db")

	v.SetDefault("bus.transport", "kafka")
	v.SetDefault("bus.topic", "stages")
	v.SetDefault("bus.group", "stagerelay-router")
	v.SetDefault("bus.dead_letter_topic", "")
	v.SetDefault("bus.kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("bus.kafka.client_id", "stagerelay")
	v.SetDefault("bus.kafka.auto_create_topics", false)
	v.SetDefault("bus.kafka.handler_timeout", 2*time.Minute)
	v.SetDefault("bus.rabbitmq.url", "")
	v.SetDefault("bus.rabbitmq.exchange", "stagerelay")
	v.SetDefault("bus.rabbitmq.prefetch", 1)
	v.SetDefault("bus.rabbitmq.single_active_consumer", true)
	v.SetDefault("bus.rabbitmq.handler_timeout", 2*time.Minute)
	v.SetDefault("bus.rabbitmq.redelivery_delay", time.Second)

	v.SetDefault("router.max_attempts", 0)
	v.SetDefault("router.strict_integrations", false)
	v.SetDefault("router.handler_timeout", time.Minute)
	v.SetDefault("router.breaker_threshold", 0)
	v.SetDefault("router.breaker_timeout", 30*time.Second)
	v.SetDefault("router.redis.addr", "")
	v.SetDefault("router.redis.password", "")
	v.SetDefault("router.redis.db", 0)
	v.SetDefault("router.redis.ttl", 24*time.Hour)

	v.SetDefault("publisher.interval", 10*time.Second)
	v.SetDefault("publisher.batch_size", 5)
	v.SetDefault("publisher.publish_timeout", 10*time.Second)

	v.SetDefault("webhook.address", ":8080")
	v.SetDefault("webhook.body_limit", "2M")
	v.SetDefault("webhook.service_name", "stagerelay-webhook")

	v.SetDefault("sweeper.schedule", "@every 5m")
	v.SetDefault("sweeper.pending_after", 15*time.Minute)
	v.SetDefault("sweeper.waiting_after", 72*time.Hour)
	v.SetDefault("sweeper.limit", 100)

	v.SetDefault("integrations.mail.enabled", true)
	v.SetDefault("integrations.telegram.enabled", true)
	v.SetDefault("integrations.telegram.endpoint", "")
	v.SetDefault("integrations.files.base_url", "")

	v.SetDefault("metrics.enabled", true)
}

// Load reads the configuration. path names a YAML file; when empty,
// ./stagerelay.yaml is read if it exists.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("stagerelay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the settings every component needs. A failure is fatal at
// startup.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...)))
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		fail("%v", err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		fail("log.format must be json or text, got %q", c.Log.Format)
	}

	switch c.Store.Dialect {
	case "sqlite", "postgres":
	default:
		fail("store.dialect must be sqlite or postgres, got %q", c.Store.Dialect)
	}
	if c.Store.DSN == "" {
		fail("store.dsn is required")
	}

	switch c.Bus.Transport {
	case "kafka":
		if len(c.Bus.Kafka.Brokers) == 0 {
			fail("bus.kafka.brokers is required")
		}
	case "rabbitmq":
		if c.Bus.RabbitMQ.URL == "" {
			fail("bus.rabbitmq.url is required")
		}
	case "memory":
	default:
		fail("bus.transport must be kafka, rabbitmq or memory, got %q", c.Bus.Transport)
	}
	if c.Bus.Topic == "" {
		fail("bus.topic is required")
	}
	if c.Bus.Group == "" {
		fail("bus.group is required")
	}
	if c.Bus.DeadLetterTopic != "" && c.Bus.DeadLetterTopic == c.Bus.Topic {
		fail("bus.dead_letter_topic must differ from bus.topic")
	}

	if c.Router.MaxAttempts < 0 {
		fail("router.max_attempts must not be negative")
	}
	if c.Router.BreakerThreshold < 0 {
		fail("router.breaker_threshold must not be negative")
	}

	if c.Publisher.Interval <= 0 {
		fail("publisher.interval must be positive")
	}
	if c.Publisher.BatchSize <= 0 {
		fail("publisher.batch_size must be positive")
	}

	if c.Webhook.Address == "" {
		fail("webhook.address is required")
	}

	if err := sweeper.ValidateSchedule(c.Sweeper.Schedule); err != nil {
		fail("%v", err)
	}

	return errors.Join(errs...)
}

// NewLogger builds the process logger from the log settings
func (c LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log.level %q", s)
	}
	return level, nil
}
