// Package config loads host settings from AWAITFLOW_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	env "github.com/caarlos0/env/v11"
)

const (
	DefaultWorkers        = 4
	DefaultQueueCapacity  = 1024
	DefaultLeaseTTL       = 30 * time.Second
	DefaultResultPoll     = 250 * time.Millisecond
	DefaultSignalAttempts = 3
	DefaultSignalBackoff  = 50 * time.Millisecond
	DefaultCodec          = "msgpack"
	DefaultHTTPAddr       = ":8080"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "pretty"
)

// Config holds the complete host configuration.
type Config struct {
	Workers       int           `json:"workers"        env:"WORKERS"`
	QueueCapacity int           `json:"queue_capacity" env:"QUEUE_CAPACITY"`
	LeaseTTL      time.Duration `json:"lease_ttl"      env:"LEASE_TTL"`
	ResultPoll    time.Duration `json:"result_poll"    env:"RESULT_POLL"`
	Codec         string        `json:"codec"          env:"CODEC"`
	// DB is a SQLite DSN. Empty keeps executions in memory.
	DB       string `json:"db"        env:"DB"`
	HTTPAddr string `json:"http_addr" env:"HTTP_ADDR"`

	Signal SignalConfig `json:"signal" envPrefix:"SIGNAL_"`
	Log    LogConfig    `json:"log"    envPrefix:"LOG_"`
}

// SignalConfig controls redelivery of queued signals.
type SignalConfig struct {
	Attempts int           `json:"attempts" env:"ATTEMPTS"`
	Backoff  time.Duration `json:"backoff"  env:"BACKOFF"`
}

type LogConfig struct {
	Level  string `json:"level"  env:"LEVEL"`
	Format string `json:"format" env:"FORMAT"`
}

// Default returns the configuration used when no variable is set.
func Default() Config {
	return Config{
		Workers:       DefaultWorkers,
		QueueCapacity: DefaultQueueCapacity,
		LeaseTTL:      DefaultLeaseTTL,
		ResultPoll:    DefaultResultPoll,
		Codec:         DefaultCodec,
		HTTPAddr:      DefaultHTTPAddr,
		Signal: SignalConfig{
			Attempts: DefaultSignalAttempts,
			Backoff:  DefaultSignalBackoff,
		},
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}

// Load reads AWAITFLOW_* variables over the defaults and validates the
// result.
func Load() (*Config, error) {
	return LoadWith(env.Options{Prefix: "AWAITFLOW_"})
}

// LoadWith is Load with explicit parser options, e.g. a fixed Environment
// map in tests.
func LoadWith(opts env.Options) (*Config, error) {
	cfg := Default()
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if c.QueueCapacity < 1 {
		errs = append(errs, fmt.Errorf("queue capacity must be at least 1, got %d", c.QueueCapacity))
	}
	if c.LeaseTTL <= 0 {
		errs = append(errs, fmt.Errorf("lease ttl must be positive, got %s", c.LeaseTTL))
	}
	if c.ResultPoll <= 0 {
		errs = append(errs, fmt.Errorf("result poll must be positive, got %s", c.ResultPoll))
	}
	if c.Signal.Attempts < 1 {
		errs = append(errs, fmt.Errorf("signal attempts must be at least 1, got %d", c.Signal.Attempts))
	}
	if c.Signal.Backoff < 0 {
		errs = append(errs, fmt.Errorf("signal backoff must not be negative, got %s", c.Signal.Backoff))
	}
	switch c.Codec {
	case "msgpack", "json":
	default:
		errs = append(errs, fmt.Errorf("codec must be msgpack or json, got %q", c.Codec))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log level must be debug, info, warn or error, got %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "pretty", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log format must be pretty, json or text, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}
