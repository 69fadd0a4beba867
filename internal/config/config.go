package config

import (
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/yourusername/bucketfence/pkg/bucketfence"
)

// Store backends
const (
	StoreRedis           = "redis"
	StoreRedisOptimistic = "redis-optimistic"
	StoreMemory          = "memory"
)

type Server struct {
	Addr              string `yaml:"addr"`
	ReadTimeoutMS     int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS    int    `yaml:"write_timeout_ms"`
	IdleTimeoutMS     int    `yaml:"idle_timeout_ms"`
	ShutdownTimeoutMS int    `yaml:"shutdown_timeout_ms"`
}

type Redis struct {
	Addr           string `yaml:"addr"`
	Password       string `yaml:"password"`
	DB             int    `yaml:"db"`
	PoolSize       int    `yaml:"pool_size"`
	DialTimeoutMS  int    `yaml:"dial_timeout_ms"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
	KeyPrefix      string `yaml:"key_prefix"`
	MaxAttempts    int    `yaml:"max_attempts"` // redis-optimistic only
}

type Limiter struct {
	Store     string `yaml:"store"` // "redis", "redis-optimistic" or "memory"
	TimeoutMS int    `yaml:"timeout_ms"`
}

type Root struct {
	Server   Server  `yaml:"server"`
	LogLevel string  `yaml:"log_level"` // "debug","info","warn","error"
	Redis    Redis   `yaml:"redis"`
	Limiter  Limiter `yaml:"limiter"`

	// Limits holds the top-level defaults, policies, key_extractor and
	// deny_cache sections.
	Limits *bucketfence.Config `yaml:"-"`
}

func (s Server) ReadTimeout() time.Duration     { return msOr(s.ReadTimeoutMS, 5*time.Second) }
func (s Server) WriteTimeout() time.Duration    { return msOr(s.WriteTimeoutMS, 10*time.Second) }
func (s Server) IdleTimeout() time.Duration     { return msOr(s.IdleTimeoutMS, 60*time.Second) }
func (s Server) ShutdownTimeout() time.Duration { return msOr(s.ShutdownTimeoutMS, 10*time.Second) }

func (l Limiter) Timeout() time.Duration { return msOr(l.TimeoutMS, 0) }

// Options builds the go-redis client options
func (r Redis) Options() *redis.Options {
	return &redis.Options{
		Addr:         r.Addr,
		Password:     r.Password,
		DB:           r.DB,
		PoolSize:     r.PoolSize,
		DialTimeout:  msOr(r.DialTimeoutMS, 5*time.Second),
		ReadTimeout:  msOr(r.ReadTimeoutMS, 500*time.Millisecond),
		WriteTimeout: msOr(r.WriteTimeoutMS, 500*time.Millisecond),
	}
}

func msOr(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// Load reads the server configuration from a YAML file
func Load(path string) (*Root, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse parses a YAML document, applying defaults
func Parse(b []byte) (*Root, error) {
	var cfg Root
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	limits, err := bucketfence.ParseConfig(b)
	if err != nil {
		return nil, err
	}
	cfg.Limits = limits

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given
func Default() *Root {
	cfg := &Root{Limits: bucketfence.NewConfig()}
	cfg.applyDefaults()
	return cfg
}

func (c *Root) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Limiter.Store == "" {
		c.Limiter.Store = StoreRedis
	}
}

// Validate checks the settings not covered by bucketfence.Config
func (c *Root) Validate() error {
	switch c.Limiter.Store {
	case StoreRedis, StoreRedisOptimistic, StoreMemory:
	default:
		return fmt.Errorf("%w: unknown store %q", bucketfence.ErrInvalidConfig, c.Limiter.Store)
	}
	if c.Limiter.TimeoutMS < 0 {
		return fmt.Errorf("%w: limiter timeout cannot be negative", bucketfence.ErrInvalidConfig)
	}
	if c.Redis.MaxAttempts < 0 {
		return fmt.Errorf("%w: redis max_attempts cannot be negative", bucketfence.ErrInvalidConfig)
	}
	return nil
}
