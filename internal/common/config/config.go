package config

import (
	"os"
	"regexp"
	"time"

	"github.com/relaycast/relaycast/internal/common/cnst"
	"github.com/relaycast/relaycast/pkg/helper"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type (
	// CoordinatorConfig is the top-level configuration for the coordinator process
	CoordinatorConfig struct {
		Port      int             `yaml:"port"`
		PID       string          `yaml:"pid"`
		Logger    LoggerConfig    `yaml:"logger"`
		Session   SessionConfig   `yaml:"session"`
		Broadcast BroadcastConfig `yaml:"broadcast"`
		Heartbeat HeartbeatConfig `yaml:"heartbeat"`
		Sweep     SweepConfig     `yaml:"sweep"`
		Reconnect ReconnectConfig `yaml:"reconnect"`
		Metrics   MetricsConfig   `yaml:"metrics"`
	}

	// SessionConfig controls the session store backend and retention limits
	SessionConfig struct {
		Type                string             `yaml:"type"` // "memory" or "redis"
		TTLIdle             time.Duration      `yaml:"ttl_idle"`
		RetainedEvents      int                `yaml:"retained_events"`   // per-session retention cap
		MaxSessionBytes     int64              `yaml:"max_session_bytes"` // per-session payload budget
		MemoryWarningBytes  int64              `yaml:"memory_warning_bytes"`
		MemoryCriticalBytes int64              `yaml:"memory_critical_bytes"`
		Redis               SessionRedisConfig `yaml:"redis"`
	}

	// SessionRedisConfig represents the Redis configuration for session storage
	SessionRedisConfig struct {
		Addr     string        `yaml:"addr"`
		Username string        `yaml:"username"`
		Password string        `yaml:"password"`
		DB       int           `yaml:"db"`
		Prefix   string        `yaml:"prefix"`
		TTL      time.Duration `yaml:"ttl"`
	}

	// BroadcastConfig controls per-subscriber delivery queues
	BroadcastConfig struct {
		QueueSize int    `yaml:"queue_size"`
		Policy    string `yaml:"policy"` // "drop-oldest" or "disconnect"
	}

	// HeartbeatConfig controls keepalive emission and connection liveness
	HeartbeatConfig struct {
		Interval      time.Duration `yaml:"interval"`
		ConnectionTTL time.Duration `yaml:"connection_ttl"`
	}

	// SweepConfig controls the background eviction loop
	SweepConfig struct {
		Interval time.Duration `yaml:"interval"`
	}

	// ReconnectConfig controls client reattachment backoff
	ReconnectConfig struct {
		BaseDelay   time.Duration `yaml:"base_delay"`
		MaxDelay    time.Duration `yaml:"max_delay"`
		MaxAttempts uint64        `yaml:"max_attempts"`
	}

	// MetricsConfig represents the Prometheus metrics configuration
	MetricsConfig struct {
		Namespace string    `yaml:"namespace"`
		Buckets   []float64 `yaml:"buckets"`
	}

	// LoggerConfig represents the logger configuration
	LoggerConfig struct {
		Level      string `yaml:"level"`       // debug, info, warn, error
		Format     string `yaml:"format"`      // json, console
		Output     string `yaml:"output"`      // stdout, file
		FilePath   string `yaml:"file_path"`   // path to log file when output is file
		MaxSize    int    `yaml:"max_size"`    // max size of log file in MB
		MaxBackups int    `yaml:"max_backups"` // max number of backup files
		MaxAge     int    `yaml:"max_age"`     // max age of backup files in days
		Compress   bool   `yaml:"compress"`    // whether to compress backup files
		Color      bool   `yaml:"color"`       // whether to use color in console output
		Stacktrace bool   `yaml:"stacktrace"`  // whether to include stacktrace in error logs
		TimeZone   string `yaml:"time_zone"`   // time zone for log timestamps
		TimeFormat string `yaml:"time_format"` // time format for log timestamps
	}
)

// LoadConfig loads configuration from a YAML file with environment variable support
func LoadConfig(filename string) (*CoordinatorConfig, string, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfgPath := helper.GetCfgPath(filename)
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, cfgPath, err
	}

	// Resolve environment variables
	data = resolveEnv(data)
	var cfg CoordinatorConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, cfgPath, err
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, err
	}

	return &cfg, cfgPath, nil
}

// resolveEnv replaces environment variable placeholders in YAML content
func resolveEnv(content []byte) []byte {
	regex := regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

	return regex.ReplaceAllFunc(content, func(match []byte) []byte {
		matches := regex.FindSubmatch(match)
		envKey := string(matches[1])
		var defaultValue string

		if len(matches) > 2 {
			defaultValue = string(matches[2])
		}

		if value, exists := os.LookupEnv(envKey); exists {
			return []byte(value)
		}
		return []byte(defaultValue)
	})
}

// SetDefaults fills zero-valued fields with production defaults.
func (c *CoordinatorConfig) SetDefaults() {
	if c.Port == 0 {
		c.Port = 5190
	}
	if c.Session.Type == "" {
		c.Session.Type = "memory"
	}
	if c.Session.TTLIdle <= 0 {
		c.Session.TTLIdle = 5 * time.Minute
	}
	if c.Session.RetainedEvents <= 0 {
		c.Session.RetainedEvents = 256
	}
	if c.Session.MaxSessionBytes <= 0 {
		c.Session.MaxSessionBytes = 4 << 20
	}
	if c.Session.MemoryWarningBytes <= 0 {
		c.Session.MemoryWarningBytes = 128 << 20
	}
	if c.Session.MemoryCriticalBytes <= 0 {
		c.Session.MemoryCriticalBytes = 256 << 20
	}
	if c.Session.Redis.TTL <= 0 {
		c.Session.Redis.TTL = 30 * time.Minute
	}
	if c.Broadcast.QueueSize <= 0 {
		c.Broadcast.QueueSize = 64
	}
	if c.Broadcast.Policy == "" {
		c.Broadcast.Policy = cnst.PolicyDropOldest
	}
	if c.Heartbeat.Interval <= 0 {
		c.Heartbeat.Interval = 15 * time.Second
	}
	if c.Heartbeat.ConnectionTTL <= 0 {
		c.Heartbeat.ConnectionTTL = 60 * time.Second
	}
	if c.Sweep.Interval <= 0 {
		c.Sweep.Interval = 30 * time.Second
	}
	if c.Reconnect.BaseDelay <= 0 {
		c.Reconnect.BaseDelay = 500 * time.Millisecond
	}
	if c.Reconnect.MaxDelay <= 0 {
		c.Reconnect.MaxDelay = 30 * time.Second
	}
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = 8
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = cnst.AppName
	}
	if len(c.Metrics.Buckets) == 0 {
		c.Metrics.Buckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	}
}

// Validate performs configuration validation
func (c *CoordinatorConfig) Validate() error {
	switch c.Session.Type {
	case "memory", "redis":
	default:
		return ErrInvalidSessionStoreType(c.Session.Type)
	}
	switch c.Broadcast.Policy {
	case cnst.PolicyDropOldest, cnst.PolicyDisconnect:
	default:
		return ErrInvalidBackpressurePolicy(c.Broadcast.Policy)
	}
	if c.Session.MemoryCriticalBytes < c.Session.MemoryWarningBytes {
		return ErrMemoryThresholdOrder(c.Session.MemoryWarningBytes, c.Session.MemoryCriticalBytes)
	}
	if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return ErrBackoffDelayOrder(c.Reconnect.BaseDelay, c.Reconnect.MaxDelay)
	}
	return nil
}
