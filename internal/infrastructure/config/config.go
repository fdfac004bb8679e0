package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Prefix is prepended to every variable name.
const Prefix = "SALTWATER"

var (
	// ErrInvalid is wrapped by Validate failures.
	ErrInvalid = errors.New("invalid configuration")
)

// Config holds all daemon configuration.
type Config struct {
	Platform  PlatformConfig  `envconfig:"PLATFORM"`
	Kernel    KernelConfig    `envconfig:"KERNEL"`
	HTTP      HTTPConfig      `envconfig:"HTTP"`
	Logging   LogConfig       `envconfig:"LOG"`
	RateLimit RateLimitConfig `envconfig:"RATE_LIMIT"`
}

// PlatformConfig describes the machine to boot. Processors and MemoryMiB
// build a manifest when Manifest is empty.
type PlatformConfig struct {
	Manifest   string `envconfig:"MANIFEST"`
	Processors int    `envconfig:"PROCESSORS" default:"2"`
	MemoryMiB  uint64 `envconfig:"MEMORY_MIB" default:"64"`
}

// KernelConfig holds the kernel tunables.
type KernelConfig struct {
	Processors        int           `envconfig:"PROCESSORS" default:"0"`
	StackPages        int           `envconfig:"STACK_PAGES" default:"4"`
	BaseWeight        uint64        `envconfig:"BASE_WEIGHT" default:"100"`
	MaxBoost          uint64        `envconfig:"MAX_BOOST" default:"900"`
	RebalanceInterval time.Duration `envconfig:"REBALANCE_INTERVAL" default:"50ms"`
	RebalanceBurst    int           `envconfig:"REBALANCE_BURST" default:"1"`
	IdleInterval      time.Duration `envconfig:"IDLE_INTERVAL" default:"10ms"`
}

// HTTPConfig holds the introspection server configuration.
type HTTPConfig struct {
	Addr            string        `envconfig:"ADDR" default:"127.0.0.1:7070"`
	Enabled         bool          `envconfig:"ENABLED" default:"true"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"5s"`
	MaxConnections  int           `envconfig:"MAX_CONNECTIONS" default:"64"`
	Compress        bool          `envconfig:"COMPRESS" default:"true"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LEVEL" default:"info"`
	Development bool   `envconfig:"DEV" default:"false"`
}

// RateLimitConfig holds introspection rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RPS" default:"50"`
	Burst             int  `envconfig:"BURST" default:"100"`
	Enabled           bool `envconfig:"ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from the environment or returns the
// default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Platform: PlatformConfig{
			Processors: 2,
			MemoryMiB:  64,
		},
		Kernel: KernelConfig{
			StackPages:        4,
			BaseWeight:        100,
			MaxBoost:          900,
			RebalanceInterval: 50 * time.Millisecond,
			RebalanceBurst:    1,
			IdleInterval:      10 * time.Millisecond,
		},
		HTTP: HTTPConfig{
			Addr:            "127.0.0.1:7070",
			Enabled:         true,
			ShutdownTimeout: 5 * time.Second,
			MaxConnections:  64,
			Compress:        true,
		},
		Logging: LogConfig{
			Level: "info",
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 50,
			Burst:             100,
			Enabled:           true,
		},
	}
}

// Validate rejects values the kernel cannot boot with.
func (c *Config) Validate() error {
	switch {
	case c.Platform.Manifest == "" && c.Platform.Processors <= 0:
		return fmt.Errorf("platform processors %d: %w", c.Platform.Processors, ErrInvalid)
	case c.Platform.Manifest == "" && c.Platform.MemoryMiB < 2:
		return fmt.Errorf("platform memory %d MiB: %w", c.Platform.MemoryMiB, ErrInvalid)
	case c.Kernel.Processors < 0:
		return fmt.Errorf("kernel processors %d: %w", c.Kernel.Processors, ErrInvalid)
	case c.Kernel.StackPages <= 0:
		return fmt.Errorf("stack pages %d: %w", c.Kernel.StackPages, ErrInvalid)
	case c.Kernel.BaseWeight == 0:
		return fmt.Errorf("base weight 0: %w", ErrInvalid)
	case c.Kernel.RebalanceBurst <= 0 && c.Kernel.RebalanceInterval > 0:
		return fmt.Errorf("rebalance burst %d: %w", c.Kernel.RebalanceBurst, ErrInvalid)
	case c.HTTP.MaxConnections < 0:
		return fmt.Errorf("http max connections %d: %w", c.HTTP.MaxConnections, ErrInvalid)
	case c.RateLimit.Enabled && c.RateLimit.RequestsPerSecond <= 0:
		return fmt.Errorf("rate limit %d rps: %w", c.RateLimit.RequestsPerSecond, ErrInvalid)
	}
	return nil
}
