// Package config loads the daemon configuration: a YAML file overlaid with
// environment variables, numeric knobs clamped to their operational bounds.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loopboard/agentd/internal/otel"
)

// Knob bounds. Values outside these ranges are clamped, not rejected, so a
// fat-fingered config cannot take the queue down.
const (
	minLeaseTTLMs = 500
	maxLeaseTTLMs = 300_000

	minPollMs = 10
	maxPollMs = 60_000

	minTaskAttempts = 1
	maxTaskAttempts = 30

	maxJitterRatio = 0.95
)

// Defaults.
const (
	defaultLeaseTTLMs     = 30_000
	defaultPollMinMs      = 250
	defaultPollMaxMs      = 5_000
	defaultTaskAttempts   = 3
	defaultRetryBaseMs    = 500
	defaultRetryMaxMs     = 30_000
	defaultJitterRatio    = 0.2
	defaultDedupeWindowMs = 120_000
	defaultWorkerCount    = 4
	defaultRoomLimit      = 2
	defaultBindAddr       = "127.0.0.1:8787"
)

// RetryConfig tunes the provider retry policy engine.
type RetryConfig struct {
	MaxAttempts  int     `yaml:"max_attempts"`
	BaseDelayMs  int     `yaml:"base_delay_ms"`
	MaxDelayMs   int     `yaml:"max_delay_ms"`
	JitterRatio  float64 `yaml:"jitter_ratio"`
}

// QueueConfig tunes the task store and worker pool.
type QueueConfig struct {
	LeaseTTLMs     int `yaml:"lease_ttl_ms"`
	PollMinMs      int `yaml:"poll_min_ms"`
	PollMaxMs      int `yaml:"poll_max_ms"`
	DedupeWindowMs int `yaml:"dedupe_window_ms"`
	WorkerCount    int `yaml:"worker_count"`
	// RoomConcurrency caps concurrently running tasks per room. 0 = unlimited.
	RoomConcurrency int `yaml:"room_concurrency"`
}

// RetentionConfig prunes old rows. 0 = keep forever.
type RetentionConfig struct {
	TraceEventDays int `yaml:"trace_event_days"`
	AuditDays      int `yaml:"audit_days"`
}

type Config struct {
	DataDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AuthToken guards the admin API. Operator allowlisting happens in the
	// outer product; this is only transport-level protection.
	AuthToken string `yaml:"auth_token"`

	Queue     QueueConfig     `yaml:"queue"`
	Retry     RetryConfig     `yaml:"retry"`
	Retention RetentionConfig `yaml:"retention"`

	// ProviderLinks maps a provider id to a deep-link URL template for
	// failure summaries, e.g.
	//   anthropic: "https://console.anthropic.com/logs?request={providerRequestId}"
	// Templates substitute {traceId}, {providerRequestId}, {model},
	// {provider} and {taskId}.
	ProviderLinks map[string]string `yaml:"provider_links"`

	// SchemaDir holds optional <kind>.schema.json files validating enqueue
	// params per task kind.
	SchemaDir string `yaml:"schema_dir"`

	Otel otel.Config `yaml:"otel"`
}

// Tunables is the hot-reloadable knob subset, read by the worker pool and
// retry policy on every use so a config change applies without restart.
type Tunables struct {
	LeaseTTL     time.Duration
	PollMin      time.Duration
	PollMax      time.Duration
	DedupeWindow time.Duration
	MaxAttempts  int
	RetryBase    time.Duration
	RetryMax     time.Duration
	JitterRatio  float64
}

// Tunables extracts the hot-reloadable knobs.
func (c *Config) Tunables() Tunables {
	return Tunables{
		LeaseTTL:     time.Duration(c.Queue.LeaseTTLMs) * time.Millisecond,
		PollMin:      time.Duration(c.Queue.PollMinMs) * time.Millisecond,
		PollMax:      time.Duration(c.Queue.PollMaxMs) * time.Millisecond,
		DedupeWindow: time.Duration(c.Queue.DedupeWindowMs) * time.Millisecond,
		MaxAttempts:  c.Retry.MaxAttempts,
		RetryBase:    time.Duration(c.Retry.BaseDelayMs) * time.Millisecond,
		RetryMax:     time.Duration(c.Retry.MaxDelayMs) * time.Millisecond,
		JitterRatio:  c.Retry.JitterRatio,
	}
}

// Load reads <dataDir>/config.yaml (if present), applies env overrides,
// then defaults and clamps. A missing file is not an error.
func Load(dataDir string) (*Config, error) {
	cfg := &Config{DataDir: dataDir}

	path := filepath.Join(dataDir, "config.yaml")
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// First run: defaults only.
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	cfg.DataDir = dataDir

	applyEnv(cfg)
	cfg.applyDefaults()
	cfg.clamp()
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("AGENTD_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("AGENTD_AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("AGENTD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v, ok := envInt("AGENTD_LEASE_TTL_MS"); ok {
		cfg.Queue.LeaseTTLMs = v
	}
	if v, ok := envInt("AGENTD_WORKER_COUNT"); ok {
		cfg.Queue.WorkerCount = v
	}
	if v, ok := envInt("AGENTD_RETRY_MAX_ATTEMPTS"); ok {
		cfg.Retry.MaxAttempts = v
	}
	// Provider deep-link templates: AGENTD_PROVIDER_LINK_ANTHROPIC=<url template>.
	for _, kv := range os.Environ() {
		name, value, found := strings.Cut(kv, "=")
		if !found || value == "" {
			continue
		}
		const prefix = "AGENTD_PROVIDER_LINK_"
		if strings.HasPrefix(name, prefix) {
			provider := strings.ToLower(strings.TrimPrefix(name, prefix))
			if provider == "" {
				continue
			}
			if cfg.ProviderLinks == nil {
				cfg.ProviderLinks = make(map[string]string)
			}
			cfg.ProviderLinks[provider] = value
		}
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (c *Config) applyDefaults() {
	if c.BindAddr == "" {
		c.BindAddr = defaultBindAddr
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Queue.LeaseTTLMs == 0 {
		c.Queue.LeaseTTLMs = defaultLeaseTTLMs
	}
	if c.Queue.PollMinMs == 0 {
		c.Queue.PollMinMs = defaultPollMinMs
	}
	if c.Queue.PollMaxMs == 0 {
		c.Queue.PollMaxMs = defaultPollMaxMs
	}
	if c.Queue.DedupeWindowMs == 0 {
		c.Queue.DedupeWindowMs = defaultDedupeWindowMs
	}
	if c.Queue.WorkerCount == 0 {
		c.Queue.WorkerCount = defaultWorkerCount
	}
	if c.Queue.RoomConcurrency == 0 {
		c.Queue.RoomConcurrency = defaultRoomLimit
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = defaultTaskAttempts
	}
	if c.Retry.BaseDelayMs == 0 {
		c.Retry.BaseDelayMs = defaultRetryBaseMs
	}
	if c.Retry.MaxDelayMs == 0 {
		c.Retry.MaxDelayMs = defaultRetryMaxMs
	}
	if c.Retry.JitterRatio == 0 {
		c.Retry.JitterRatio = defaultJitterRatio
	}
}

func (c *Config) clamp() {
	c.Queue.LeaseTTLMs = clampInt(c.Queue.LeaseTTLMs, minLeaseTTLMs, maxLeaseTTLMs)
	c.Queue.PollMinMs = clampInt(c.Queue.PollMinMs, minPollMs, maxPollMs)
	c.Queue.PollMaxMs = clampInt(c.Queue.PollMaxMs, minPollMs, maxPollMs)
	if c.Queue.PollMaxMs < c.Queue.PollMinMs {
		c.Queue.PollMaxMs = c.Queue.PollMinMs
	}
	c.Retry.MaxAttempts = clampInt(c.Retry.MaxAttempts, minTaskAttempts, maxTaskAttempts)
	if c.Retry.MaxDelayMs < c.Retry.BaseDelayMs {
		c.Retry.MaxDelayMs = c.Retry.BaseDelayMs
	}
	if c.Retry.JitterRatio < 0 {
		c.Retry.JitterRatio = 0
	}
	if c.Retry.JitterRatio > maxJitterRatio {
		c.Retry.JitterRatio = maxJitterRatio
	}
	if c.Queue.WorkerCount < 1 {
		c.Queue.WorkerCount = 1
	}
	if c.Queue.RoomConcurrency < 0 {
		c.Queue.RoomConcurrency = 0
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
