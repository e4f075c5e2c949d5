// Package config loads server configuration from an optional YAML file and
// the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/georgeshao/inference-gate/internal/admission"
	"github.com/georgeshao/inference-gate/internal/dispatcher"
	"github.com/georgeshao/inference-gate/internal/upstream"
)

const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendPebble = "pebble"
	BackendRedis  = "redis"
)

type Config struct {
	Port      string          `yaml:"port"`
	Log       LogConfig       `yaml:"log"`
	Store     StoreConfig     `yaml:"store"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Queue     QueueConfig     `yaml:"queue"`
	Admission AdmissionConfig `yaml:"admission"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type StoreConfig struct {
	Backend       string        `yaml:"backend"`
	Path          string        `yaml:"path"` // sqlite file or pebble directory
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	KeyPrefix     string        `yaml:"key_prefix"`
	PurgeInterval time.Duration `yaml:"purge_interval"` // sqlite and pebble only
}

type UpstreamConfig struct {
	BaseURL   string        `yaml:"base_url"`
	APIKey    string        `yaml:"api_key"`
	Model     string        `yaml:"model"`
	MaxTokens int           `yaml:"max_tokens"`
	Delimiter string        `yaml:"delimiter"`
	Timeout   time.Duration `yaml:"timeout"`
}

type QueueConfig struct {
	MaxConcurrent            int64         `yaml:"max_concurrent"`
	MaxQueueSize             int           `yaml:"max_queue_size"`
	BaseBackoff              time.Duration `yaml:"base_backoff"`
	MaxBackoff               time.Duration `yaml:"max_backoff"`
	MaxRetries               int           `yaml:"max_retries"`
	RequestsPerSecond        float64       `yaml:"requests_per_second"`
	ReleaseSlotDuringBackoff bool          `yaml:"release_slot_during_backoff"`
	RequestTimeout           time.Duration `yaml:"request_timeout"` // how long an HTTP caller waits
}

type AdmissionConfig struct {
	MaxPerTick       int           `yaml:"max_per_tick"`
	MaxPerMinute     int64         `yaml:"max_per_minute"`
	MaxTotal         int64         `yaml:"max_total"`
	MaxTrialDuration time.Duration `yaml:"max_trial_duration"`
	LockTTL          time.Duration `yaml:"lock_ttl"`
	DedupTTL         time.Duration `yaml:"dedup_ttl"`
	MinuteTTL        time.Duration `yaml:"minute_ttl"`
	ScanPageSize     int           `yaml:"scan_page_size"`
}

func Default() Config {
	up := upstream.DefaultConfig()
	q := dispatcher.DefaultConfig()
	a := admission.DefaultConfig()

	return Config{
		Port: ":8080",
		Log:  LogConfig{Level: "info"},
		Store: StoreConfig{
			Backend:       BackendMemory,
			Path:          "./data/gate.db",
			RedisAddr:     "localhost:6379",
			KeyPrefix:     "gate:",
			PurgeInterval: time.Minute,
		},
		Upstream: UpstreamConfig{
			BaseURL:   up.BaseURL,
			Model:     up.DefaultModel,
			MaxTokens: up.DefaultMaxTokens,
			Delimiter: up.Delimiter,
			Timeout:   up.Timeout,
		},
		Queue: QueueConfig{
			MaxConcurrent:  q.MaxConcurrent,
			MaxQueueSize:   q.MaxQueueSize,
			BaseBackoff:    q.BaseBackoff,
			MaxBackoff:     q.MaxBackoff,
			MaxRetries:     q.MaxRetries,
			RequestTimeout: 5 * time.Minute,
		},
		Admission: AdmissionConfig{
			MaxPerTick:   a.MaxPerTick,
			MaxPerMinute: a.MaxPerMinute,
			LockTTL:      a.LockTTL,
			DedupTTL:     a.DedupTTL,
			MinuteTTL:    a.MinuteTTL,
			ScanPageSize: a.ScanPageSize,
		},
	}
}

// Load starts from Default, overlays the YAML file at path when path is not
// empty, then applies environment overrides. ${VAR} references in the file
// are expanded before parsing.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		c.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("STORE_BACKEND"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("STORAGE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Store.RedisAddr = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.Upstream.APIKey = v
	}
	if v := os.Getenv("MAX_PER_MINUTE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("config: MAX_PER_MINUTE: %w", err)
		}
		c.Admission.MaxPerMinute = n
	}

	if c.Port != "" && c.Port[0] != ':' {
		c.Port = ":" + c.Port
	}
	return nil
}

// Validate checks the config for consistency.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory:
	case BackendSQLite, BackendPebble:
		if c.Store.Path == "" {
			return fmt.Errorf("config: store.path is required for the %s backend", c.Store.Backend)
		}
	case BackendRedis:
		if c.Store.RedisAddr == "" {
			return errors.New("config: store.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}

	if c.Queue.MaxConcurrent <= 0 {
		return errors.New("config: queue.max_concurrent must be positive")
	}
	if c.Queue.MaxQueueSize <= 0 {
		return errors.New("config: queue.max_queue_size must be positive")
	}
	if c.Queue.MaxRetries < 0 {
		return errors.New("config: queue.max_retries must not be negative")
	}
	if c.Queue.BaseBackoff <= 0 || c.Queue.MaxBackoff < c.Queue.BaseBackoff {
		return errors.New("config: queue backoff needs 0 < base_backoff <= max_backoff")
	}
	if c.Queue.RequestsPerSecond < 0 {
		return errors.New("config: queue.requests_per_second must not be negative")
	}

	a := c.Admission
	if a.MaxPerTick <= 0 {
		return errors.New("config: admission.max_per_tick must be positive")
	}
	if a.MaxPerMinute < 0 || a.MaxTotal < 0 || a.MaxTrialDuration < 0 {
		return errors.New("config: admission limits must not be negative")
	}
	if a.LockTTL <= 0 || a.DedupTTL <= 0 {
		return errors.New("config: admission lock_ttl and dedup_ttl must be positive")
	}
	if a.MinuteTTL < time.Minute {
		return errors.New("config: admission.minute_ttl must cover at least one minute")
	}
	return nil
}

func (c Config) ToDispatcher() dispatcher.Config {
	return dispatcher.Config{
		MaxConcurrent:            c.Queue.MaxConcurrent,
		MaxQueueSize:             c.Queue.MaxQueueSize,
		BaseBackoff:              c.Queue.BaseBackoff,
		MaxBackoff:               c.Queue.MaxBackoff,
		MaxRetries:               c.Queue.MaxRetries,
		RequestsPerSecond:        c.Queue.RequestsPerSecond,
		ReleaseSlotDuringBackoff: c.Queue.ReleaseSlotDuringBackoff,
	}
}

func (c Config) ToUpstream() upstream.Config {
	cfg := upstream.DefaultConfig()
	cfg.BaseURL = c.Upstream.BaseURL
	cfg.APIKey = c.Upstream.APIKey
	cfg.DefaultModel = c.Upstream.Model
	cfg.DefaultMaxTokens = c.Upstream.MaxTokens
	cfg.Delimiter = c.Upstream.Delimiter
	cfg.Timeout = c.Upstream.Timeout
	return cfg
}

func (c Config) ToAdmission() admission.Config {
	a := c.Admission
	return admission.Config{
		MaxPerTick:       a.MaxPerTick,
		MaxPerMinute:     a.MaxPerMinute,
		MaxTotal:         a.MaxTotal,
		MaxTrialDuration: a.MaxTrialDuration,
		LockTTL:          a.LockTTL,
		DedupTTL:         a.DedupTTL,
		MinuteTTL:        a.MinuteTTL,
		ScanPageSize:     a.ScanPageSize,
	}
}
