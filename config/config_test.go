package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "sqlite", cfg.Store.Dialect)
	assert.Equal(t, "kafka", cfg.Bus.Transport)
	assert.Equal(t, "stages", cfg.Bus.Topic)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Bus.Kafka.Brokers)
	assert.Equal(t, 10*time.Second, cfg.Publisher.Interval)
	assert.Equal(t, 5, cfg.Publisher.BatchSize)
	assert.Equal(t, 0, cfg.Router.MaxAttempts)
	assert.Equal(t, "@every 5m", cfg.Sweeper.Schedule)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stagerelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  dialect: postgres
  dsn: postgres://relay@db/relay
bus:
  transport: rabbitmq
  rabbitmq:
    url: amqp://guest:guest@mq:5672/
publisher:
  interval: 2s
router:
  max_attempts: 3
`), 0o600))

	t.Setenv("STAGERELAY_PUBLISHER_BATCH_SIZE", "20")
	t.Setenv("STAGERELAY_BUS_DEAD_LETTER_TOPIC", "stages.dlq")
	t.Setenv("STAGERELAY_BUS_KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "postgres", cfg.Store.Dialect)
	assert.Equal(t, "rabbitmq", cfg.Bus.Transport)
	assert.Equal(t, "amqp://guest:guest@mq:5672/", cfg.Bus.RabbitMQ.URL)
	assert.Equal(t, 2*time.Second, cfg.Publisher.Interval)
	assert.Equal(t, 20, cfg.Publisher.BatchSize)
	assert.Equal(t, 3, cfg.Router.MaxAttempts)
	assert.Equal(t, "stages.dlq", cfg.Bus.DeadLetterTopic)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Bus.Kafka.Brokers)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func valid(t *testing.T) *Config {
	t.Helper()
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{name: "log level", mutate: func(c *Config) { c.Log.Level = "loud" }, want: "log.level"},
		{name: "log format", mutate: func(c *Config) { c.Log.Format = "xml" }, want: "log.format"},
		{name: "dialect", mutate: func(c *Config) { c.Store.Dialect = "oracle" }, want: "store.dialect"},
		{name: "dsn", mutate: func(c *Config) { c.Store.DSN = "" }, want: "store.dsn"},
		{name: "transport", mutate: func(c *Config) { c.Bus.Transport = "nats" }, want: "bus.transport"},
		{name: "kafka brokers", mutate: func(c *Config) { c.Bus.Kafka.Brokers = nil }, want: "bus.kafka.brokers"},
		{name: "rabbitmq url", mutate: func(c *Config) { c.Bus.Transport = "rabbitmq" }, want: "bus.rabbitmq.url"},
		{name: "topic", mutate: func(c *Config) { c.Bus.Topic = "" }, want: "bus.topic"},
		{name: "dead letter topic", mutate: func(c *Config) { c.Bus.DeadLetterTopic = c.Bus.Topic }, want: "bus.dead_letter_topic"},
		{name: "max attempts", mutate: func(c *Config) { c.Router.MaxAttempts = -1 }, want: "router.max_attempts"},
		{name: "batch size", mutate: func(c *Config) { c.Publisher.BatchSize = 0 }, want: "publisher.batch_size"},
		{name: "interval", mutate: func(c *Config) { c.Publisher.Interval = 0 }, want: "publisher.interval"},
		{name: "schedule", mutate: func(c *Config) { c.Sweeper.Schedule = "sometimes" }, want: "sweeper schedule"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	t.Run("memory transport needs no connection", func(t *testing.T) {
		cfg := valid(t)
		cfg.Bus.Transport = "memory"
		cfg.Bus.Kafka.Brokers = nil
		assert.NoError(t, cfg.Validate())
	})
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer

	logger, err := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "runId", "r1")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"runId":"r1"`)

	buf.Reset()
	logger, err = LogConfig{Level: "debug", Format: "text"}.NewLogger(&buf)
	require.NoError(t, err)
	logger.Debug("detail")
	assert.Contains(t, buf.String(), "msg=detail")

	_, err = LogConfig{Level: "chatty"}.NewLogger(&buf)
	assert.Error(t, err)
}
