// Package config holds the immutable runtime configuration for the stats
// proxy. It is parsed once at startup from environment variables and passed
// by reference into each component's constructor.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the complete tuning surface of the resolution pipeline.
type Config struct {
	// Upstream API
	UpstreamBaseURL string        `env:"UPSTREAM_BASE_URL" envDefault:"https://api.hypixel.net"`
	UpstreamAPIKey  string        `env:"UPSTREAM_API_KEY"`
	UpstreamTimeout time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"5s"`
	UserAgent       string        `env:"OUTBOUND_USER_AGENT" envDefault:"statrelay/1.0"`

	// Profile API (name to opaque-ID lookups)
	ProfileBaseURL string `env:"PROFILE_BASE_URL" envDefault:"https://api.mojang.com/users/profiles/minecraft"`

	// Retry (transient upstream failures only)
	RetryBaseDelay time.Duration `env:"UPSTREAM_RETRY_BASE_DELAY" envDefault:"250ms"`

	// Circuit breaker
	BreakerFailureThreshold int           `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	BreakerMinSamples       int           `env:"BREAKER_MIN_SAMPLES" envDefault:"10"`
	BreakerResetTimeout     time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"30s"`

	// Fast tier (L1)
	RedisAddr        string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	L1TTLMin         time.Duration `env:"L1_TTL_MIN" envDefault:"1m"`
	L1TTLMax         time.Duration `env:"L1_TTL_MAX" envDefault:"30m"`
	L1TTLFallback    time.Duration `env:"L1_TTL_FALLBACK" envDefault:"5m"`
	L1MaxBytes       int64         `env:"L1_MAX_BYTES" envDefault:"268435456"`
	L1TargetUtil     float64       `env:"L1_TARGET_UTILIZATION" envDefault:"0.8"`
	L1SafetyFactor   float64       `env:"L1_SAFETY_FACTOR" envDefault:"0.5"`
	AdaptiveInterval time.Duration `env:"L1_ADAPTIVE_INTERVAL" envDefault:"30s"`
	PurgeInterval    time.Duration `env:"L2_PURGE_INTERVAL" envDefault:"15m"`

	// Durable tier (L2)
	DatabaseURL string        `env:"DATABASE_URL"`
	L2TTL       time.Duration `env:"L2_TTL" envDefault:"24h"`
	NameL2TTL   time.Duration `env:"NAME_L2_TTL" envDefault:"6h"`

	// Stale-while-revalidate
	SWREnabled     bool          `env:"SWR_ENABLED" envDefault:"true"`
	SWRStaleWindow time.Duration `env:"SWR_STALE_WINDOW" envDefault:"10m"`

	// Resolver
	MemoTTL          time.Duration `env:"RESOLVER_MEMO_TTL" envDefault:"2m"`
	MemoSize         int           `env:"RESOLVER_MEMO_SIZE" envDefault:"4096"`
	RefreshWorkers   int           `env:"REFRESH_WORKERS" envDefault:"4"`
	RefreshQueueSize int           `env:"REFRESH_QUEUE_SIZE" envDefault:"256"`
	BatchConcurrency int           `env:"BATCH_CONCURRENCY" envDefault:"6"`
	MaxIdentifierLen int           `env:"MAX_IDENTIFIER_LEN" envDefault:"64"`

	// Server
	Port     string `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load parses the configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants between the tuning values.
func (c *Config) Validate() error {
	if c.L1TTLMin <= 0 || c.L1TTLMax < c.L1TTLMin {
		return fmt.Errorf("L1 TTL bounds invalid: min=%s max=%s", c.L1TTLMin, c.L1TTLMax)
	}
	if c.L1TTLFallback < c.L1TTLMin || c.L1TTLFallback > c.L1TTLMax {
		return fmt.Errorf("L1 fallback TTL %s outside [%s, %s]", c.L1TTLFallback, c.L1TTLMin, c.L1TTLMax)
	}
	if c.BreakerFailureThreshold < 1 {
		return fmt.Errorf("breaker failure threshold must be >= 1 (got %d)", c.BreakerFailureThreshold)
	}
	if c.BreakerMinSamples < c.BreakerFailureThreshold {
		return fmt.Errorf("breaker min samples %d must be >= failure threshold %d",
			c.BreakerMinSamples, c.BreakerFailureThreshold)
	}
	if c.L1TargetUtil <= 0 || c.L1TargetUtil > 1 {
		return fmt.Errorf("L1 target utilization must be in (0, 1] (got %g)", c.L1TargetUtil)
	}
	if c.SWRStaleWindow < 0 {
		return fmt.Errorf("SWR stale window must not be negative (got %s)", c.SWRStaleWindow)
	}
	if c.RefreshWorkers < 1 {
		return fmt.Errorf("refresh workers must be >= 1 (got %d)", c.RefreshWorkers)
	}
	if c.BatchConcurrency < 1 {
		return fmt.Errorf("batch concurrency must be >= 1 (got %d)", c.BatchConcurrency)
	}
	if c.MaxIdentifierLen < 32 {
		return fmt.Errorf("max identifier length must be >= 32 (got %d)", c.MaxIdentifierLen)
	}
	return nil
}
