package config

import (
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultServerAddress is the default API listen address.
	DefaultServerAddress = ":8085"
	// DefaultReadTimeout is the default HTTP read timeout.
	DefaultReadTimeout = 10 * time.Second
	// DefaultWriteTimeout is the default HTTP write timeout.
	DefaultWriteTimeout = 30 * time.Second

	// DefaultJobAttempts is the production default delivery attempts per job.
	DefaultJobAttempts = 3
	// DefaultConcurrency is the production default workers per queue.
	DefaultConcurrency = 5
	// DefaultBackoffBase is the initial retry backoff delay.
	DefaultBackoffBase = 2 * time.Second
	// DefaultMaxQueueSize caps the number of pending jobs per queue.
	DefaultMaxQueueSize = 10000

	// DefaultTickInterval is how often the scheduler evaluates due entries.
	DefaultTickInterval = time.Minute
	// DefaultHealthInterval is how often the orchestrator polls component health.
	DefaultHealthInterval = 30 * time.Second
	// DefaultProgressTTL is the sliding expiry window for progress records.
	DefaultProgressTTL = time.Hour
)

// Config is the top-level orchestrator configuration.
type Config struct {
	Debug     bool            `yaml:"debug" env:"APP_DEBUG"`
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Queues    QueuesConfig    `yaml:"queues"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Progress  ProgressConfig  `yaml:"progress"`
	Health    HealthConfig    `yaml:"health"`
	Verifier  VerifierConfig  `yaml:"verifier"`
}

// VerifierConfig points at the downstream verification service the default
// processors call. An empty URL runs the queues in accept-only mode.
type VerifierConfig struct {
	URL     string        `yaml:"url" env:"VERIFIER_URL"`
	Timeout time.Duration `yaml:"timeout"`
}

// ServerConfig configures the caller-facing HTTP API.
type ServerConfig struct {
	Address      string        `yaml:"address" env:"SERVER_ADDRESS"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// RedisConfig configures the shared store and broker connection.
type RedisConfig struct {
	Address  string `yaml:"address" env:"REDIS_ADDRESS"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

// QueuesConfig holds queue manager defaults and per-queue overrides.
type QueuesConfig struct {
	DefaultAttempts    int           `yaml:"default_attempts" env:"QUEUE_DEFAULT_ATTEMPTS"`
	DefaultConcurrency int           `yaml:"default_concurrency" env:"QUEUE_DEFAULT_CONCURRENCY"`
	BackoffBase        time.Duration `yaml:"backoff_base"`
	MaxSize            int           `yaml:"max_size"`
	// CompletedRetention is how long terminally successful jobs are kept.
	CompletedRetention time.Duration `yaml:"completed_retention"`
	// FailedRetention is how long terminally failed jobs are kept.
	// Kept much longer than completed jobs for inspection.
	FailedRetention time.Duration `yaml:"failed_retention"`
	// VisibilityTimeout is the lease after which an unacked active job is
	// returned to the pending queue.
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
}

// SchedulerConfig configures the distributed scheduler.
type SchedulerConfig struct {
	TickInterval time.Duration `yaml:"tick_interval" env:"SCHEDULER_TICK_INTERVAL"`
}

// ProgressConfig configures the progress ledger.
type ProgressConfig struct {
	TTL time.Duration `yaml:"ttl"`
	// SweepMaxAge is the retention threshold for terminal records removed by
	// the cleanup sweep.
	SweepMaxAge time.Duration `yaml:"sweep_max_age"`
}

// HealthConfig configures the periodic health check.
type HealthConfig struct {
	Interval time.Duration `yaml:"interval" env:"HEALTH_INTERVAL"`
}

// Load reads the orchestrator configuration from path, applies defaults and
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := load(path, &cfg); err != nil {
		return nil, err
	}

	cfg.SetDefaults()
	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// SetDefaults applies default values to unset fields.
func (c *Config) SetDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = DefaultServerAddress
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = DefaultReadTimeout
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = DefaultWriteTimeout
	}
	if c.Redis.Address == "" {
		c.Redis.Address = "localhost:6379"
	}
	if c.Queues.DefaultAttempts <= 0 {
		c.Queues.DefaultAttempts = DefaultJobAttempts
	}
	if c.Queues.DefaultConcurrency <= 0 {
		c.Queues.DefaultConcurrency = DefaultConcurrency
	}
	if c.Queues.BackoffBase <= 0 {
		c.Queues.BackoffBase = DefaultBackoffBase
	}
	if c.Queues.MaxSize <= 0 {
		c.Queues.MaxSize = DefaultMaxQueueSize
	}
	if c.Queues.CompletedRetention <= 0 {
		c.Queues.CompletedRetention = time.Hour
	}
	if c.Queues.FailedRetention <= 0 {
		c.Queues.FailedRetention = 7 * 24 * time.Hour
	}
	if c.Queues.VisibilityTimeout <= 0 {
		c.Queues.VisibilityTimeout = 5 * time.Minute
	}
	if c.Scheduler.TickInterval <= 0 {
		c.Scheduler.TickInterval = DefaultTickInterval
	}
	if c.Progress.TTL <= 0 {
		c.Progress.TTL = DefaultProgressTTL
	}
	if c.Progress.SweepMaxAge <= 0 {
		c.Progress.SweepMaxAge = 24 * time.Hour
	}
	if c.Health.Interval <= 0 {
		c.Health.Interval = DefaultHealthInterval
	}
	if c.Verifier.Timeout <= 0 {
		c.Verifier.Timeout = 30 * time.Second
	}
}

// Validate checks the configuration and returns an error if it is unusable.
func (c *Config) Validate() error {
	if c.Redis.Address == "" {
		return errors.New("redis.address is required")
	}
	if c.Queues.FailedRetention < c.Queues.CompletedRetention {
		return fmt.Errorf("queues.failed_retention (%v) must not be shorter than completed_retention (%v)",
			c.Queues.FailedRetention, c.Queues.CompletedRetention)
	}
	if c.Scheduler.TickInterval < time.Second {
		return fmt.Errorf("scheduler.tick_interval must be at least 1s, got %v", c.Scheduler.TickInterval)
	}
	return nil
}
