// Package config loads and validates the application configuration.
// The file is YAML; ${VAR} references are expanded from the
// environment before parsing, and a handful of well-known environment
// variables override their file counterparts so containerized
// deployments can avoid templating the file at all.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/esmero/strawberry-runners-sub000/errors"
	"github.com/esmero/strawberry-runners-sub000/searchindex"
)

// Defaults
const (
	DefaultNATSURL        = "nats://127.0.0.1:4222"
	DefaultClientName     = "strawberryd"
	DefaultBucketPrefix   = "sbr"
	DefaultMetricsAddr    = ":9464"
	DefaultCacheEntries   = 256
	DefaultDatasource     = "strawberryfield_flavor_datasource"
	defaultRealtimeSpec   = "@every 5s"
	defaultBackgroundSpec = "@every 30s"
)

// Config is the complete application configuration
type Config struct {
	NATS       NATSConfig      `yaml:"nats"`
	Queues     QueuesConfig    `yaml:"queues"`
	Scheduler  SchedulerConfig `yaml:"scheduler"`
	Indexes    []IndexConfig   `yaml:"indexes"`
	Storage    StorageConfig   `yaml:"storage"`
	Cache      CacheConfig     `yaml:"cache"`
	Logging    LoggingConfig   `yaml:"logging"`
	Metrics    MetricsConfig   `yaml:"metrics"`
	Datasource string          `yaml:"datasource"`
}

// NATSConfig covers the connection and the key-value buckets
type NATSConfig struct {
	URL                  string `yaml:"url"`
	ClientName           string `yaml:"client_name"`
	TimeoutSeconds       int    `yaml:"timeout_seconds"`
	MaxReconnects        int    `yaml:"max_reconnects"`
	ReconnectWaitSeconds int    `yaml:"reconnect_wait_seconds"`

	// BucketPrefix names the KV buckets: <prefix>-assets,
	// <prefix>-tracking, <prefix>-configs, <prefix>-liveness.
	BucketPrefix string `yaml:"bucket_prefix"`
}

func (c NATSConfig) Bucket(suffix string) string {
	return c.BucketPrefix + "-" + suffix
}

// QueuesConfig drives the cron-scheduled queue drains
type QueuesConfig struct {
	RealtimeSchedule   string `yaml:"realtime_schedule"`
	BackgroundSchedule string `yaml:"background_schedule"`
	RealtimeWorkers    int    `yaml:"realtime_workers"`
	BackgroundWorkers  int    `yaml:"background_workers"`

	// BackgroundRate limits background processing to this many items
	// per second. Zero means unlimited.
	BackgroundRate float64 `yaml:"background_rate"`
}

// SchedulerConfig drives the per-asset control loop
type SchedulerConfig struct {
	Enabled     bool   `yaml:"enabled"`
	WakeSeconds int    `yaml:"wake_seconds"`
	IdleBudget  int    `yaml:"idle_budget"`
	MaxChildren int    `yaml:"max_children"`
	LivenessKey string `yaml:"liveness_key"`
}

func (c SchedulerConfig) WakePeriod() time.Duration {
	return time.Duration(c.WakeSeconds) * time.Second
}

// IndexConfig describes one search index instance
type IndexConfig struct {
	ID             string            `yaml:"id"`
	Endpoint       string            `yaml:"endpoint"`
	Datasources    []string          `yaml:"datasources"`
	Headers        map[string]string `yaml:"headers"`
	TimeoutSeconds int               `yaml:"timeout_seconds"`
}

// HTTP converts the section into a search index client config
func (c IndexConfig) HTTP() searchindex.HTTPConfig {
	return searchindex.HTTPConfig{
		ID:          c.ID,
		Endpoint:    c.Endpoint,
		Datasources: c.Datasources,
		Headers:     c.Headers,
		Timeout:     time.Duration(c.TimeoutSeconds) * time.Second,
	}
}

// StorageConfig locates the source files. Exactly one of Root (a
// local directory) or Bucket (a NATS object store) is used; Bucket
// wins when both are set.
type StorageConfig struct {
	Root   string `yaml:"root"`
	Bucket string `yaml:"bucket"`
}

// CacheConfig drives the local working copy cache
type CacheConfig struct {
	Dir        string `yaml:"dir"`
	MaxEntries int    `yaml:"max_entries"`
}

// LoggingConfig selects level and output format
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Logger builds a slog logger from the section
func (c LoggingConfig) Logger() *slog.Logger {
	var level slog.Level
	switch c.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// MetricsConfig drives the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// Load reads, expands, parses, defaults and validates the file at
// path. An empty path yields the pure default configuration.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Config", "Load", "config file read")
		}
		expanded := os.Expand(string(raw), func(key string) string {
			return os.Getenv(key)
		})
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, errors.WrapInvalid(err, "Config", "Load", "YAML parsing")
		}
	}

	cfg.applyEnvOverrides()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides maps well-known environment variables onto the
// config, winning over the file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("SBR_BUCKET_PREFIX"); v != "" {
		c.NATS.BucketPrefix = v
	}
	if v := os.Getenv("SBR_STORAGE_ROOT"); v != "" {
		c.Storage.Root = v
	}
	if v := os.Getenv("SBR_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SBR_METRICS_ADDR"); v != "" {
		c.Metrics.Addr = v
	}
	if v := os.Getenv("SBR_DATASOURCE"); v != "" {
		c.Datasource = v
	}
	if v := os.Getenv("SBR_BACKGROUND_RATE"); v != "" {
		if rate, err := strconv.ParseFloat(v, 64); err == nil {
			c.Queues.BackgroundRate = rate
		}
	}
}

// ApplyDefaults fills every zero field that has a sensible default
func (c *Config) ApplyDefaults() {
	if c.NATS.URL == "" {
		c.NATS.URL = DefaultNATSURL
	}
	if c.NATS.ClientName == "" {
		c.NATS.ClientName = DefaultClientName
	}
	if c.NATS.TimeoutSeconds <= 0 {
		c.NATS.TimeoutSeconds = 5
	}
	if c.NATS.BucketPrefix == "" {
		c.NATS.BucketPrefix = DefaultBucketPrefix
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = 10
	}
	if c.NATS.ReconnectWaitSeconds <= 0 {
		c.NATS.ReconnectWaitSeconds = 2
	}
	if c.Queues.RealtimeSchedule == "" {
		c.Queues.RealtimeSchedule = defaultRealtimeSpec
	}
	if c.Queues.BackgroundSchedule == "" {
		c.Queues.BackgroundSchedule = defaultBackgroundSpec
	}
	if c.Queues.RealtimeWorkers <= 0 {
		c.Queues.RealtimeWorkers = 2
	}
	if c.Queues.BackgroundWorkers <= 0 {
		c.Queues.BackgroundWorkers = 1
	}
	if c.Scheduler.WakeSeconds <= 0 {
		c.Scheduler.WakeSeconds = 3
	}
	if c.Scheduler.IdleBudget <= 0 {
		c.Scheduler.IdleBudget = 5
	}
	if c.Scheduler.MaxChildren <= 0 {
		c.Scheduler.MaxChildren = 2
	}
	if c.Cache.Dir == "" {
		c.Cache.Dir = os.TempDir()
	}
	if c.Cache.MaxEntries <= 0 {
		c.Cache.MaxEntries = DefaultCacheEntries
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = DefaultMetricsAddr
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Datasource == "" {
		c.Datasource = DefaultDatasource
	}
}

// Validate rejects configurations the daemon could not run with
func (c *Config) Validate() error {
	fail := func(section, detail string) error {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s: %s", errors.ErrInvalidConfig, section, detail),
			"Config", "Validate", "configuration validation")
	}

	if c.NATS.URL == "" {
		return fail("nats", "url is required")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(c.Queues.RealtimeSchedule); err != nil {
		return fail("queues", fmt.Sprintf("bad realtime_schedule %q: %v", c.Queues.RealtimeSchedule, err))
	}
	if _, err := parser.Parse(c.Queues.BackgroundSchedule); err != nil {
		return fail("queues", fmt.Sprintf("bad background_schedule %q: %v", c.Queues.BackgroundSchedule, err))
	}
	if c.Queues.BackgroundRate < 0 {
		return fail("queues", "background_rate may not be negative")
	}

	seen := make(map[string]bool, len(c.Indexes))
	for _, idx := range c.Indexes {
		if idx.ID == "" || idx.Endpoint == "" {
			return fail("indexes", "every index needs an id and an endpoint")
		}
		if seen[idx.ID] {
			return fail("indexes", fmt.Sprintf("duplicate index id %q", idx.ID))
		}
		seen[idx.ID] = true
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fail("logging", fmt.Sprintf("unknown level %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fail("logging", fmt.Sprintf("unknown format %q", c.Logging.Format))
	}

	return nil
}
