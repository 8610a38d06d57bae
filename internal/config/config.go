package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is loaded from an optional YAML file and CLIPFORGE_* environment overrides.
type Config struct {
	ListenAddr  string   `yaml:"listenAddr"`
	APIKeys     []string `yaml:"apiKeys"` // empty disables auth
	CORSOrigins []string `yaml:"corsOrigins"`
	RateLimit   int      `yaml:"rateLimit"` // job creations per second per IP, 0 disables
	DBPath      string   `yaml:"dbPath"`
	WorkDir     string   `yaml:"workDir"`
	LogLevel    string   `yaml:"logLevel"` // debug|info|warn|error

	Scheduler SchedulerConfig `yaml:"scheduler"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Events    EventsConfig    `yaml:"events"`
	Cleanup   CleanupConfig   `yaml:"cleanup"`
	Tools     ToolsConfig     `yaml:"tools"`
	Webhook   WebhookConfig   `yaml:"webhook"`
}

type SchedulerConfig struct {
	InstanceID   string        `yaml:"instanceId"`
	PoolSize     int           `yaml:"poolSize"`
	PollInterval time.Duration `yaml:"pollInterval"`
	LeaseTimeout time.Duration `yaml:"leaseTimeout"`
}

type ExecutorConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	ProgressInterval  time.Duration `yaml:"progressInterval"`
	StepTimeout       time.Duration `yaml:"stepTimeout"`
	RetryBase         time.Duration `yaml:"retryBase"`
	RetryCap          time.Duration `yaml:"retryCap"`
}

type EventsConfig struct {
	RingSize         int           `yaml:"ringSize"`
	SubscriberBuffer int           `yaml:"subscriberBuffer"`
	Retention        time.Duration `yaml:"retention"`
	// PollInterval is how often the event log is read for jobs with subscribers.
	PollInterval time.Duration `yaml:"pollInterval"`
}

type CleanupConfig struct {
	JobTTL   time.Duration `yaml:"jobTTL"` // 0 keeps terminal jobs forever
	Interval time.Duration `yaml:"interval"`
}

type ToolsConfig struct {
	FFmpeg       string `yaml:"ffmpeg"`
	FFprobe      string `yaml:"ffprobe"`
	Whisper      string `yaml:"whisper"`
	WhisperModel string `yaml:"whisperModel"`
}

type WebhookConfig struct {
	Attempts     int  `yaml:"attempts"`
	AllowPrivate bool `yaml:"allowPrivate"`
}

// Load reads the file named by CLIPFORGE_CONFIG (if set), applies defaults and
// environment overrides, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{}
	if path := os.Getenv("CLIPFORGE_CONFIG"); path != "" {
		if err := readFile(filepath.Clean(path), cfg); err != nil {
			return nil, err
		}
	}
	applyDefaults(cfg)
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path) // #nosec G304 - operator-supplied config path
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	// ${VAR} references in the file are expanded from the environment.
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "clipforge.db"
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "clipforge")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	s := &cfg.Scheduler
	if s.PoolSize == 0 {
		s.PoolSize = 2
	}
	if s.PollInterval == 0 {
		s.PollInterval = time.Second
	}
	if s.LeaseTimeout == 0 {
		s.LeaseTimeout = 30 * time.Second
	}

	e := &cfg.Executor
	if e.HeartbeatInterval == 0 {
		e.HeartbeatInterval = 10 * time.Second
	}
	if e.ProgressInterval == 0 {
		e.ProgressInterval = 500 * time.Millisecond
	}
	if e.StepTimeout == 0 {
		e.StepTimeout = 2 * time.Hour
	}
	if e.RetryBase == 0 {
		e.RetryBase = time.Second
	}
	if e.RetryCap == 0 {
		e.RetryCap = 30 * time.Second
	}

	ev := &cfg.Events
	if ev.RingSize == 0 {
		ev.RingSize = 256
	}
	if ev.SubscriberBuffer == 0 {
		ev.SubscriberBuffer = 64
	}
	if ev.Retention == 0 {
		ev.Retention = 10 * time.Minute
	}
	if ev.PollInterval == 0 {
		ev.PollInterval = time.Second
	}

	if cfg.Cleanup.JobTTL == 0 {
		cfg.Cleanup.JobTTL = 7 * 24 * time.Hour
	}
	if cfg.Cleanup.Interval == 0 {
		cfg.Cleanup.Interval = time.Hour
	}

	t := &cfg.Tools
	if t.FFmpeg == "" {
		t.FFmpeg = "ffmpeg"
	}
	if t.FFprobe == "" {
		t.FFprobe = "ffprobe"
	}
	if t.Whisper == "" {
		t.Whisper = "whisper-cli"
	}

	if cfg.Webhook.Attempts == 0 {
		cfg.Webhook.Attempts = 8
	}
}

func applyEnv(cfg *Config) error {
	cfg.ListenAddr = getEnv("CLIPFORGE_LISTEN_ADDR", cfg.ListenAddr)
	cfg.DBPath = getEnv("CLIPFORGE_DB_PATH", cfg.DBPath)
	cfg.WorkDir = getEnv("CLIPFORGE_WORK_DIR", cfg.WorkDir)
	cfg.LogLevel = getEnv("CLIPFORGE_LOG_LEVEL", cfg.LogLevel)
	cfg.Scheduler.InstanceID = getEnv("CLIPFORGE_INSTANCE_ID", cfg.Scheduler.InstanceID)
	cfg.Tools.FFmpeg = getEnv("CLIPFORGE_FFMPEG_PATH", cfg.Tools.FFmpeg)
	cfg.Tools.FFprobe = getEnv("CLIPFORGE_FFPROBE_PATH", cfg.Tools.FFprobe)
	cfg.Tools.Whisper = getEnv("CLIPFORGE_WHISPER_PATH", cfg.Tools.Whisper)
	cfg.Tools.WhisperModel = getEnv("CLIPFORGE_WHISPER_MODEL", cfg.Tools.WhisperModel)

	if v := os.Getenv("CLIPFORGE_API_KEYS"); v != "" {
		cfg.APIKeys = splitList(v)
	}
	if v := os.Getenv("CLIPFORGE_CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitList(v)
	}
	if v := os.Getenv("CLIPFORGE_WEBHOOK_ALLOW_PRIVATE"); v != "" {
		allow, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CLIPFORGE_WEBHOOK_ALLOW_PRIVATE: invalid boolean %q", v)
		}
		cfg.Webhook.AllowPrivate = allow
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"CLIPFORGE_RATE_LIMIT", &cfg.RateLimit},
		{"CLIPFORGE_POOL_SIZE", &cfg.Scheduler.PoolSize},
		{"CLIPFORGE_EVENT_RING_SIZE", &cfg.Events.RingSize},
		{"CLIPFORGE_EVENT_BUFFER", &cfg.Events.SubscriberBuffer},
		{"CLIPFORGE_WEBHOOK_ATTEMPTS", &cfg.Webhook.Attempts},
	}
	for _, f := range ints {
		n, err := getEnvInt(f.key, *f.dst)
		if err != nil {
			return fmt.Errorf("%s: %w", f.key, err)
		}
		*f.dst = n
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"CLIPFORGE_POLL_INTERVAL", &cfg.Scheduler.PollInterval},
		{"CLIPFORGE_LEASE_TIMEOUT", &cfg.Scheduler.LeaseTimeout},
		{"CLIPFORGE_HEARTBEAT_INTERVAL", &cfg.Executor.HeartbeatInterval},
		{"CLIPFORGE_PROGRESS_INTERVAL", &cfg.Executor.ProgressInterval},
		{"CLIPFORGE_STEP_TIMEOUT", &cfg.Executor.StepTimeout},
		{"CLIPFORGE_RETRY_BASE", &cfg.Executor.RetryBase},
		{"CLIPFORGE_RETRY_CAP", &cfg.Executor.RetryCap},
		{"CLIPFORGE_EVENT_RETENTION", &cfg.Events.Retention},
		{"CLIPFORGE_EVENT_POLL_INTERVAL", &cfg.Events.PollInterval},
		{"CLIPFORGE_JOB_TTL", &cfg.Cleanup.JobTTL},
		{"CLIPFORGE_CLEANUP_INTERVAL", &cfg.Cleanup.Interval},
	}
	for _, f := range durations {
		d, err := getEnvDuration(f.key, *f.dst)
		if err != nil {
			return fmt.Errorf("%s: %w", f.key, err)
		}
		*f.dst = d
	}
	return nil
}

// Validate checks ranges and the relation between lease, poll and heartbeat timing.
func (c *Config) Validate() error {
	var errs []error
	if c.Scheduler.PoolSize < 1 {
		errs = append(errs, errors.New("scheduler.poolSize must be > 0"))
	}
	if c.Scheduler.PollInterval <= 0 {
		errs = append(errs, errors.New("scheduler.pollInterval must be > 0"))
	}
	if c.Executor.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("executor.heartbeatInterval must be > 0"))
	}
	// A healthy job must heartbeat at least twice per lease, and a reclaim must not
	// race the poll that would find it. Heartbeats go out on progress ticks, so the
	// longest gap between two of them is heartbeat + progress interval.
	gap := c.Executor.HeartbeatInterval + c.Executor.ProgressInterval
	if margin := 2 * max(c.Scheduler.PollInterval, gap); c.Scheduler.LeaseTimeout < margin {
		errs = append(errs, fmt.Errorf("scheduler.leaseTimeout %s must be at least %s (2x the larger of poll interval and heartbeat+progress interval)",
			c.Scheduler.LeaseTimeout, margin))
	}
	if c.Executor.ProgressInterval <= 0 {
		errs = append(errs, errors.New("executor.progressInterval must be > 0"))
	}
	if c.Executor.StepTimeout < 0 {
		errs = append(errs, errors.New("executor.stepTimeout must not be negative"))
	}
	if c.Executor.RetryCap < c.Executor.RetryBase {
		errs = append(errs, errors.New("executor.retryCap must be >= executor.retryBase"))
	}
	if c.Events.RingSize < 1 {
		errs = append(errs, errors.New("events.ringSize must be > 0"))
	}
	if c.Events.PollInterval <= 0 {
		errs = append(errs, errors.New("events.pollInterval must be > 0"))
	}
	if c.Events.SubscriberBuffer < 1 {
		errs = append(errs, errors.New("events.subscriberBuffer must be > 0"))
	}
	if c.RateLimit < 0 {
		errs = append(errs, errors.New("rateLimit must not be negative"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ParseLevel maps a config log level onto slog.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("logLevel %q must be one of: debug, info, warn, error", s)
	}
	return l, nil
}

func splitList(raw string) []string {
	var out []string
	for _, v := range strings.Split(raw, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return d, nil
}
