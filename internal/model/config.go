package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend types.
const (
	BackendBrowser  = "browser"
	BackendTerminal = "terminal"
)

// Idempotency backends.
const (
	IdempotencyMemory = "memory"
	IdempotencyRedis  = "redis"
	IdempotencyOff    = "off"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Backend     BackendConfig     `yaml:"backend"`
	Browser     BrowserConfig     `yaml:"browser"`
	Terminal    TerminalConfig    `yaml:"terminal"`
	Parser      ParserConfig      `yaml:"parser"`
	Watcher     WatcherConfig     `yaml:"watcher"`
	Queue       QueueConfig       `yaml:"queue"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Daemon      DaemonConfig      `yaml:"daemon"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

type ServerConfig struct {
	Addr           string `yaml:"addr"`
	BodyLimitBytes int64  `yaml:"body_limit_bytes"`
	HMACSecret     string `yaml:"hmac_secret"`
	HMACSkewSec    int    `yaml:"hmac_skew_sec"`
}

type BackendConfig struct {
	Type           string `yaml:"type"`
	TimeoutMs      int    `yaml:"timeout_ms"`
	PollIntervalMs int    `yaml:"poll_interval_ms"`
	StableCount    int    `yaml:"stable_count"`
}

type BrowserConfig struct {
	DebugURL         string `yaml:"debug_url"`
	Endpoint         string `yaml:"endpoint"`
	ComposerSelector string `yaml:"composer_selector"`
	ReplyScript      string `yaml:"reply_script"`
}

type TerminalConfig struct {
	Session         string   `yaml:"session"`
	Endpoint        string   `yaml:"endpoint"`
	Command         string   `yaml:"command"`
	SoftNewlineKeys []string `yaml:"soft_newline_keys"`
	BusyPatterns    string   `yaml:"busy_patterns"`
	CaptureLines    int      `yaml:"capture_lines"`
}

type ParserConfig struct {
	Sentinel        string `yaml:"sentinel"`
	MaxFollowupJobs int    `yaml:"max_followup_jobs"`
}

type WatcherConfig struct {
	InDir      string `yaml:"in_dir"`
	OutDir     string `yaml:"out_dir"`
	DebounceMs int    `yaml:"debounce_ms"`
}

type QueueConfig struct {
	Concurrency int `yaml:"concurrency"`
	Capacity    int `yaml:"capacity"`
}

type IdempotencyConfig struct {
	Backend    string      `yaml:"backend"`
	TTLSec     int         `yaml:"ttl_sec"`
	MaxEntries int         `yaml:"max_entries"`
	Redis      RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   bool   `yaml:"file"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:           ":3000",
			BodyLimitBytes: 10 << 20,
			HMACSkewSec:    300,
		},
		Backend: BackendConfig{
			Type:           BackendBrowser,
			TimeoutMs:      120000,
			PollIntervalMs: 1000,
			StableCount:    4,
		},
		Browser: BrowserConfig{
			DebugURL:         "http://127.0.0.1:9222",
			Endpoint:         "https://chatgpt.com",
			ComposerSelector: "#prompt-textarea",
		},
		Terminal: TerminalConfig{
			Session:         "webrelay",
			Endpoint:        "agent",
			Command:         "claude",
			SoftNewlineKeys: []string{"M-Enter"},
			BusyPatterns:    "Working|Thinking|Planning|Generating|esc to interrupt",
			CaptureLines:    400,
		},
		Parser: ParserConfig{
			Sentinel:        "}}}",
			MaxFollowupJobs: DefaultMaxFollowupJobs,
		},
		Watcher: WatcherConfig{
			InDir:      "in",
			OutDir:     "out",
			DebounceMs: 300,
		},
		Queue: QueueConfig{
			Concurrency: 1,
			Capacity:    64,
		},
		Idempotency: IdempotencyConfig{
			Backend:    IdempotencyMemory,
			TTLSec:     3600,
			MaxEntries: 5000,
			Redis:      RedisConfig{Addr: "127.0.0.1:6379"},
		},
		Daemon:  DaemonConfig{ShutdownTimeoutSec: 30},
		Logging: LoggingConfig{Level: "info", Format: "json", File: true},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// LoadConfig reads config.yaml from dir over the defaults and applies
// environment overrides. A missing file is not an error.
func LoadConfig(dir string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config.yaml: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return Config{}, fmt.Errorf("read config.yaml: %w", err)
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides deployment settings from WEBRELAY_* variables.
func (c *Config) ApplyEnv(getenv func(string) string) {
	set := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set("WEBRELAY_ADDR", &c.Server.Addr)
	set("WEBRELAY_BROWSER_URL", &c.Browser.DebugURL)
	set("WEBRELAY_ENDPOINT", &c.Browser.Endpoint)
	set("WEBRELAY_IN_DIR", &c.Watcher.InDir)
	set("WEBRELAY_OUT_DIR", &c.Watcher.OutDir)
	set("WEBRELAY_HMAC_SECRET", &c.Server.HMACSecret)
	set("WEBRELAY_LOG_LEVEL", &c.Logging.Level)
	if v := strings.TrimSpace(getenv("WEBRELAY_REDIS_ADDR")); v != "" {
		c.Idempotency.Redis.Addr = v
		c.Idempotency.Backend = IdempotencyRedis
	}
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	switch c.Backend.Type {
	case BackendBrowser, BackendTerminal:
	default:
		return fmt.Errorf("backend.type: unsupported %q", c.Backend.Type)
	}
	switch c.Idempotency.Backend {
	case IdempotencyMemory, IdempotencyRedis, IdempotencyOff, "":
	default:
		return fmt.Errorf("idempotency.backend: unsupported %q", c.Idempotency.Backend)
	}
	if c.Parser.Sentinel == "" {
		return fmt.Errorf("parser.sentinel: must not be empty")
	}
	if c.Parser.MaxFollowupJobs <= 0 {
		return fmt.Errorf("parser.max_followup_jobs: must be positive")
	}
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue.capacity: must be positive")
	}
	return nil
}

func (c BackendConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c BackendConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c WatcherConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

func (c DaemonConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSec) * time.Second
}

func (c IdempotencyConfig) TTL() time.Duration {
	return time.Duration(c.TTLSec) * time.Second
}

func (c ServerConfig) HMACSkew() time.Duration {
	return time.Duration(c.HMACSkewSec) * time.Second
}
