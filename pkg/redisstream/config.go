package redisstream

import "time"

// Config holds connection, encoding, and framing options shared by
// RedisClient, StreamSource, and StreamSink. Field defaults mirror
// SPEC_FULL.md §6's option table.
type Config struct {
	Host     string `env:"REDISSTREAM_HOST" validate:"required"`
	Port     int    `env:"REDISSTREAM_PORT" env-default:"6379"`
	DB       int    `env:"REDISSTREAM_DB" env-default:"0"`
	Password string `env:"REDISSTREAM_PASSWORD"`

	Base64Encode bool   `env:"REDISSTREAM_BASE64" env-default:"true"`
	PayloadKey   string `env:"REDISSTREAM_PAYLOAD_KEY" env-default:"redis.stream.key"`
	TypeNameKey  string `env:"REDISSTREAM_TYPE_KEY" env-default:"redis.stream.type"`
}

// DefaultConfig returns a Config with every optional field at its
// SPEC_FULL.md default, leaving Host unset.
func DefaultConfig() Config {
	return Config{
		Port:         6379,
		DB:           0,
		Base64Encode: true,
		PayloadKey:   "redis.stream.key",
		TypeNameKey:  "redis.stream.type",
	}
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = 6379
	}
	if c.PayloadKey == "" {
		c.PayloadKey = "redis.stream.key"
	}
	if c.TypeNameKey == "" {
		c.TypeNameKey = "redis.stream.type"
	}
	return c
}

// SourceConfig configures a StreamSource on top of the shared Config.
type SourceConfig struct {
	Config

	ConsumerGroup        string        `env:"REDISSTREAM_CONSUMER_GROUP" validate:"required"`
	ConsumerID           string        `env:"REDISSTREAM_CONSUMER_ID"`
	ConsumerGroupStartID string        `env:"REDISSTREAM_START_ID" env-default:"$"`
	Streams              []string      `validate:"required,min=1"`
	BatchSize            int64         `env:"REDISSTREAM_BATCH_SIZE" env-default:"10"`
	BlockTimeout         time.Duration `env:"REDISSTREAM_BLOCK_TIMEOUT" env-default:"100ms"`
	IdleTimeout          time.Duration `env:"REDISSTREAM_IDLE_TIMEOUT" env-default:"30s"`

	// ReclaimMessageInterval is the period between reclaim passes, default
	// 60s (SPEC_FULL.md §6). The Go zero value means "not set" and defaults
	// to 60s the same as every other duration field here; to actually
	// disable reclaim (SPEC_FULL.md §9's "nullable to disable"), set it to
	// DisableReclaim (-1) explicitly.
	ReclaimMessageInterval time.Duration `env:"REDISSTREAM_RECLAIM_INTERVAL" env-default:"60s"`
}

// DisableReclaim is the explicit opt-out sentinel for
// SourceConfig.ReclaimMessageInterval: Phase B then only ever reads new
// messages and never claims other consumers' PEL. Leaving the field at its
// Go zero value defaults it to 60s instead — it does not disable reclaim.
const DisableReclaim time.Duration = -1

func (c SourceConfig) withDefaults() SourceConfig {
	c.Config = c.Config.withDefaults()
	if c.ConsumerGroupStartID == "" {
		c.ConsumerGroupStartID = "$"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = 100 * time.Millisecond
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Second
	}
	switch {
	case c.ReclaimMessageInterval == 0:
		c.ReclaimMessageInterval = 60 * time.Second
	case c.ReclaimMessageInterval < 0:
		c.ReclaimMessageInterval = 0
	}
	return c
}

// SinkConfig configures a StreamSink on top of the shared Config.
type SinkConfig struct {
	Config

	// Stream is the default target stream used when an outbound message
	// carries no per-message override.
	Stream string `env:"REDISSTREAM_STREAM" validate:"required"`

	// MaxStreamLength enables an approximate MAXLEN trim on every XAdd.
	// Zero disables trimming.
	MaxStreamLength int64 `env:"REDISSTREAM_MAXLEN"`
}

func (c SinkConfig) withDefaults() SinkConfig {
	c.Config = c.Config.withDefaults()
	return c
}
