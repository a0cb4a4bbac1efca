// Package config loads the listener configuration surface from
// environment variables (optionally via a .env file), grounded on the
// teacher's config.go: caarlos0/env struct tags, godotenv for local
// development, a Validate pass, and a Print/LogConfig pair for
// human-readable and structured dumps respectively.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every listener option recognized by spec.md §6.
type Config struct {
	// Protocol selects the wire codec: "smq" or "mqtt".
	Protocol string `env:"SMQ_PROTOCOL" envDefault:"smq"`
	// Bind is the host:port for the accept socket.
	Bind string `env:"SMQ_BIND" envDefault:":1883"`
	// Transport selects the byte-stream backend: "tcp" or "websocket".
	Transport string `env:"SMQ_TRANSPORT" envDefault:"tcp"`

	AuthUser   string `env:"SMQ_AUTH_USER" envDefault:""`
	AuthSecret string `env:"SMQ_AUTH_SECRET" envDefault:""`

	StorageDirectory  string `env:"SMQ_STORAGE_DIRECTORY" envDefault:"./data"`
	StorageBucketSize int64  `env:"SMQ_STORAGE_BUCKET_SIZE" envDefault:"4194304"` // 4MiB
	StorageSlotSize   int64  `env:"SMQ_STORAGE_SLOT_SIZE" envDefault:"4096"`
	ObjectName        string `env:"SMQ_OBJECT_NAME" envDefault:"smq"`

	Workers int `env:"SMQ_WORKERS" envDefault:"0"` // 0 => runtime.GOMAXPROCS(0)

	SendQueueHighWater int `env:"SMQ_SEND_QUEUE_HIGH_WATER" envDefault:"1000"`

	TimeoutConnect time.Duration `env:"SMQ_TIMEOUT_CONNECT" envDefault:"30s"`
	TimeoutIdle    time.Duration `env:"SMQ_TIMEOUT_IDLE" envDefault:"60s"`
	TimeoutDrain   time.Duration `env:"SMQ_TIMEOUT_DRAIN" envDefault:"5s"`

	RateLimitPerSecond float64 `env:"SMQ_RATE_LIMIT_PER_SECOND" envDefault:"200"`
	RateLimitBurst     int     `env:"SMQ_RATE_LIMIT_BURST" envDefault:"400"`

	MetricsAddr string `env:"SMQ_METRICS_ADDR" envDefault:":9102"`

	LogLevel  string `env:"SMQ_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"SMQ_LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from an optional .env file and the process
// environment. Priority: environment variables > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

// Validate checks the loaded configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Bind == "" {
		return fmt.Errorf("SMQ_BIND is required")
	}
	if c.Protocol != "smq" && c.Protocol != "mqtt" {
		return fmt.Errorf("SMQ_PROTOCOL must be smq or mqtt, got %q", c.Protocol)
	}
	if c.Transport != "tcp" && c.Transport != "websocket" {
		return fmt.Errorf("SMQ_TRANSPORT must be tcp or websocket, got %q", c.Transport)
	}
	if c.StorageDirectory == "" {
		return fmt.Errorf("SMQ_STORAGE_DIRECTORY is required")
	}
	if c.StorageSlotSize <= 16 {
		return fmt.Errorf("SMQ_STORAGE_SLOT_SIZE must exceed the 16-byte slot header, got %d", c.StorageSlotSize)
	}
	if c.StorageBucketSize < c.StorageSlotSize {
		return fmt.Errorf("SMQ_STORAGE_BUCKET_SIZE must be at least one slot")
	}
	if c.SendQueueHighWater < 1 {
		return fmt.Errorf("SMQ_SEND_QUEUE_HIGH_WATER must be > 0, got %d", c.SendQueueHighWater)
	}
	if c.Workers < 0 {
		return fmt.Errorf("SMQ_WORKERS must be >= 0, got %d", c.Workers)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("SMQ_LOG_LEVEL must be one of debug, info, warn, error (got %q)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("SMQ_LOG_FORMAT must be one of json, pretty (got %q)", c.LogFormat)
	}
	return nil
}

// SlotsPerBucket derives the slot count implied by StorageBucketSize and
// StorageSlotSize.
func (c *Config) SlotsPerBucket() uint32 {
	return uint32(c.StorageBucketSize / c.StorageSlotSize)
}

// Print writes a human-readable configuration dump to stdout.
func (c *Config) Print() {
	fmt.Println("=== SMQ Listener Configuration ===")
	fmt.Printf("Protocol:        %s\n", c.Protocol)
	fmt.Printf("Bind:            %s\n", c.Bind)
	fmt.Printf("Transport:       %s\n", c.Transport)
	fmt.Printf("Storage dir:     %s\n", c.StorageDirectory)
	fmt.Printf("Bucket size:     %d bytes\n", c.StorageBucketSize)
	fmt.Printf("Slot size:       %d bytes\n", c.StorageSlotSize)
	fmt.Printf("Workers:         %d\n", c.Workers)
	fmt.Printf("Send-queue hwm:  %d\n", c.SendQueueHighWater)
	fmt.Printf("Timeouts:        connect=%s idle=%s drain=%s\n", c.TimeoutConnect, c.TimeoutIdle, c.TimeoutDrain)
	fmt.Printf("Rate limit:      %.0f/s burst %d\n", c.RateLimitPerSecond, c.RateLimitBurst)
	fmt.Printf("Log:             level=%s format=%s\n", c.LogLevel, c.LogFormat)
	fmt.Println("===================================")
}

// LogConfig emits the same configuration as a single structured log line.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("protocol", c.Protocol).
		Str("bind", c.Bind).
		Str("transport", c.Transport).
		Str("storage_directory", c.StorageDirectory).
		Int64("storage_bucket_size", c.StorageBucketSize).
		Int64("storage_slot_size", c.StorageSlotSize).
		Int("workers", c.Workers).
		Int("send_queue_high_water", c.SendQueueHighWater).
		Dur("timeout_connect", c.TimeoutConnect).
		Dur("timeout_idle", c.TimeoutIdle).
		Dur("timeout_drain", c.TimeoutDrain).
		Float64("rate_limit_per_second", c.RateLimitPerSecond).
		Int("rate_limit_burst", c.RateLimitBurst).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("listener configuration loaded")
}
