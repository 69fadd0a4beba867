package bucketfence

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yourusername/bucketfence/core"
)

// Config holds the rate limiting policies.
// It supports global defaults and per-route overrides.
type Config struct {
	// Defaults are applied to all routes unless overridden
	Defaults PolicyConfig `yaml:"defaults"`

	// Policies maps route paths to their own policy.
	// Each route gets its own buckets, so one client's budget on
	// "/api/login" is independent of its budget elsewhere.
	Policies map[string]PolicyConfig `yaml:"policies,omitempty"`

	// KeyExtractor specifies how to identify clients
	// Examples: "ip", "ip-proxy", "header:X-API-Key", "bearer"
	KeyExtractor string `yaml:"key_extractor,omitempty"`

	// DenyCache configures the local cache of denied keys
	DenyCache DenyCacheConfig `yaml:"deny_cache"`
}

// PolicyConfig defines the bucket parameters for a route or the defaults.
type PolicyConfig struct {
	// MaxTokens is the bucket capacity (burst size)
	MaxTokens int64 `yaml:"max_tokens"`

	// IntervalMs is the refill period in milliseconds
	IntervalMs int64 `yaml:"interval_ms"`

	// RefillRate is the number of tokens added per interval
	// Example: max_tokens 100, interval_ms 60000, refill_rate 100 = 100 req/min
	RefillRate float64 `yaml:"refill_rate"`

	// Disabled turns rate limiting off for the route
	Disabled bool `yaml:"disabled,omitempty"`
}

// DenyCacheConfig sizes the local deny cache. Size 0 disables it.
type DenyCacheConfig struct {
	Size  int   `yaml:"size"`
	TTLMs int64 `yaml:"ttl_ms"`
}

// TTL returns the cache entry lifetime
func (d DenyCacheConfig) TTL() time.Duration {
	return time.Duration(d.TTLMs) * time.Millisecond
}

// NewConfig creates a new Config with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Defaults: PolicyConfig{
			MaxTokens:  100,
			IntervalMs: 1000,
			RefillRate: 10, // 600 req/min
		},
		Policies:     make(map[string]PolicyConfig),
		KeyExtractor: "ip",
	}
}

// LoadConfigFromFile loads configuration from a YAML file.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read config file: %v", ErrInvalidConfig, err)
	}
	return ParseConfig(data)
}

// ParseConfig parses and validates a YAML document.
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("%w: failed to parse YAML: %v", ErrInvalidConfig, err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.KeyExtractor == "" {
		c.KeyExtractor = "ip"
	}
	if c.Policies == nil {
		c.Policies = make(map[string]PolicyConfig)
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := c.Defaults.Validate(); err != nil {
		return fmt.Errorf("%w: invalid defaults: %v", ErrInvalidConfig, err)
	}

	for route, policy := range c.Policies {
		if err := policy.Validate(); err != nil {
			return fmt.Errorf("%w: invalid policy for route %s: %v", ErrInvalidConfig, route, err)
		}
	}

	if c.DenyCache.Size < 0 || c.DenyCache.TTLMs < 0 {
		return fmt.Errorf("%w: deny cache size and ttl cannot be negative", ErrInvalidConfig)
	}

	return nil
}

// Validate checks if a PolicyConfig is valid. Disabled policies are not
// checked further.
func (p *PolicyConfig) Validate() error {
	if p.Disabled {
		return nil
	}
	return p.Params().Validate()
}

// Params converts the policy into bucket parameters.
func (p *PolicyConfig) Params() core.Params {
	return core.Params{
		MaxTokens:  p.MaxTokens,
		IntervalMs: p.IntervalMs,
		RefillRate: p.RefillRate,
	}
}

// GetPolicy returns the policy for a route and the name its buckets are
// namespaced under. Routes without their own policy share the defaults.
func (c *Config) GetPolicy(route string) (string, PolicyConfig) {
	if policy, exists := c.Policies[route]; exists {
		return "route:" + route, policy
	}
	return "default", c.Defaults
}

// SetPolicy sets a rate limit policy for a specific route.
func (c *Config) SetPolicy(route string, policy PolicyConfig) error {
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Policies == nil {
		c.Policies = make(map[string]PolicyConfig)
	}
	c.Policies[route] = policy
	return nil
}

// LimiterOptions returns the options implied by the configuration.
func (c *Config) LimiterOptions() []Option {
	var opts []Option
	if c.DenyCache.Size > 0 {
		opts = append(opts, WithDenyCache(c.DenyCache.Size, c.DenyCacheTTL()))
	}
	return opts
}

// DenyCacheTTL returns the deny cache entry lifetime. When unset it is the
// default policy's refill interval.
func (c *Config) DenyCacheTTL() time.Duration {
	if ttl := c.DenyCache.TTL(); ttl > 0 {
		return ttl
	}
	return c.Defaults.Params().Interval()
}
