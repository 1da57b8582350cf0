/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// ExportBackend selects where iCalendar exports are published after a run.
type ExportBackend string

const (
	ExportNone       ExportBackend = "none"
	ExportFilesystem ExportBackend = "filesystem"
	ExportS3         ExportBackend = "s3"
)

// EventBusBackend selects the transport for schedule events.
type EventBusBackend string

const (
	EventBusMemory EventBusBackend = "memory"
	EventBusRedis  EventBusBackend = "redis"
	EventBusNATS   EventBusBackend = "nats"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	HTTPBind    string
	HTTPPort    int
	DBBackend   DatabaseBackend
	DBDSN       string

	// Scheduling defaults applied when a run request leaves them unset.
	Lookahead          time.Duration
	GranularityMinutes int
	DefaultTimezone    string
	WeekStart          time.Weekday
	OptimizerTimeout   time.Duration
	AutoRunInterval    time.Duration // 0 disables the background rerun loop

	// Runs per second accepted by POST /schedule, with RunRateBurst headroom. 0 disables the limit.
	RunRateLimit float64
	RunRateBurst int

	// Remote optimizer over NATS request/reply. Empty URL selects the built-in placer.
	NATSURL          string
	OptimizerSubject string

	// EventBus selects how schedule events reach other instances.
	EventBus EventBusBackend

	// UpdateCheck polls GitHub releases and reports newer versions on /healthz.
	UpdateCheck bool

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	// Multi-instance configuration
	LeaderElectionEnabled bool
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	InstanceID            string

	// Export publishing
	ExportBackend     ExportBackend
	ExportDir         string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Region          string
	S3Bucket          string
	S3Endpoint        string // For S3-compatible services (MinIO, Spaces, etc.)
	S3Prefix          string
	S3UsePathStyle    bool

	ConfigFile        string
	LegacyEnvWarnings []string
}

// fileDefaults mirrors the subset of settings accepted from ELASTISCHED_CONFIG_FILE.
// Environment variables always win over file values.
type fileDefaults struct {
	Environment        string  `yaml:"environment"`
	HTTPBind           string  `yaml:"http_bind"`
	HTTPPort           int     `yaml:"http_port"`
	DBBackend          string  `yaml:"db_backend"`
	DBDSN              string  `yaml:"db_dsn"`
	Lookahead          string  `yaml:"lookahead"`
	GranularityMinutes int     `yaml:"granularity_minutes"`
	DefaultTimezone    string  `yaml:"default_timezone"`
	WeekStart          string  `yaml:"week_start"`
	OptimizerTimeout   string  `yaml:"optimizer_timeout"`
	AutoRunInterval    string  `yaml:"auto_run_interval"`
	RunRateLimit       float64 `yaml:"run_rate_limit"`
	RunRateBurst       int     `yaml:"run_rate_burst"`
	NATSURL            string  `yaml:"nats_url"`
	OptimizerSubject   string  `yaml:"optimizer_subject"`
	RedisAddr          string  `yaml:"redis_addr"`
	EventBus           string  `yaml:"event_bus"`
	UpdateCheck        bool    `yaml:"update_check"`
	TracingEnabled     bool    `yaml:"tracing_enabled"`
	OTLPEndpoint       string  `yaml:"otlp_endpoint"`
	TracingSampleRate  float64 `yaml:"tracing_sample_rate"`
	ExportBackend      string  `yaml:"export_backend"`
	ExportDir          string  `yaml:"export_dir"`
	S3Bucket           string  `yaml:"s3_bucket"`
	S3Region           string  `yaml:"s3_region"`
	S3Endpoint         string  `yaml:"s3_endpoint"`
	S3Prefix           string  `yaml:"s3_prefix"`
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	file := fileDefaults{}
	configFile := getEnv("ELASTISCHED_CONFIG_FILE", "")
	if configFile != "" {
		raw, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &file); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	lookahead, err := parseDuration(getEnv("ELASTISCHED_LOOKAHEAD", orString(file.Lookahead, "336h")))
	if err != nil {
		return nil, fmt.Errorf("invalid ELASTISCHED_LOOKAHEAD: %w", err)
	}
	optimizerTimeout, err := parseDuration(getEnv("ELASTISCHED_OPTIMIZER_TIMEOUT", orString(file.OptimizerTimeout, "30s")))
	if err != nil {
		return nil, fmt.Errorf("invalid ELASTISCHED_OPTIMIZER_TIMEOUT: %w", err)
	}
	autoRun, err := parseDuration(getEnv("ELASTISCHED_AUTO_RUN_INTERVAL", orString(file.AutoRunInterval, "0s")))
	if err != nil {
		return nil, fmt.Errorf("invalid ELASTISCHED_AUTO_RUN_INTERVAL: %w", err)
	}
	weekStart, err := ParseWeekday(getEnv("ELASTISCHED_WEEK_START", orString(file.WeekStart, "monday")))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Environment:        getEnvAny([]string{"ELASTISCHED_ENV", "ENVIRONMENT"}, orString(file.Environment, "development")),
		HTTPBind:           getEnv("ELASTISCHED_HTTP_BIND", orString(file.HTTPBind, "0.0.0.0")),
		HTTPPort:           getEnvInt("ELASTISCHED_HTTP_PORT", orInt(file.HTTPPort, 8080)),
		DBBackend:          DatabaseBackend(getEnv("ELASTISCHED_DB_BACKEND", orString(file.DBBackend, string(DatabaseSQLite)))),
		DBDSN:              getEnvAny([]string{"ELASTISCHED_DB_DSN", "DATABASE_URL"}, orString(file.DBDSN, "file:elastisched.db")),
		Lookahead:          lookahead,
		GranularityMinutes: getEnvInt("ELASTISCHED_GRANULARITY_MINUTES", orInt(file.GranularityMinutes, 5)),
		DefaultTimezone:    getEnv("ELASTISCHED_DEFAULT_TIMEZONE", orString(file.DefaultTimezone, "UTC")),
		WeekStart:          weekStart,
		OptimizerTimeout:   optimizerTimeout,
		AutoRunInterval:    autoRun,
		RunRateLimit:       getEnvFloat("ELASTISCHED_RUN_RATE_LIMIT", orFloat(file.RunRateLimit, 1.0)),
		RunRateBurst:       getEnvInt("ELASTISCHED_RUN_RATE_BURST", orInt(file.RunRateBurst, 3)),

		NATSURL:          getEnv("ELASTISCHED_NATS_URL", file.NATSURL),
		OptimizerSubject: getEnv("ELASTISCHED_OPTIMIZER_SUBJECT", orString(file.OptimizerSubject, "elastisched.optimizer.schedule")),

		EventBus: EventBusBackend(getEnv("ELASTISCHED_EVENT_BUS", orString(file.EventBus, string(EventBusMemory)))),

		UpdateCheck: getEnvBool("ELASTISCHED_UPDATE_CHECK", file.UpdateCheck),

		TracingEnabled:    getEnvBool("ELASTISCHED_TRACING_ENABLED", file.TracingEnabled),
		OTLPEndpoint:      getEnv("ELASTISCHED_OTLP_ENDPOINT", orString(file.OTLPEndpoint, "localhost:4317")),
		TracingSampleRate: getEnvFloat("ELASTISCHED_TRACING_SAMPLE_RATE", orFloat(file.TracingSampleRate, 1.0)),

		LeaderElectionEnabled: getEnvBool("ELASTISCHED_LEADER_ELECTION_ENABLED", false),
		RedisAddr:             getEnv("ELASTISCHED_REDIS_ADDR", orString(file.RedisAddr, "")),
		RedisPassword:         getEnv("ELASTISCHED_REDIS_PASSWORD", ""),
		RedisDB:               getEnvInt("ELASTISCHED_REDIS_DB", 0),
		InstanceID:            getEnv("ELASTISCHED_INSTANCE_ID", ""),

		ExportBackend:     ExportBackend(getEnv("ELASTISCHED_EXPORT_BACKEND", orString(file.ExportBackend, string(ExportNone)))),
		ExportDir:         getEnv("ELASTISCHED_EXPORT_DIR", orString(file.ExportDir, "./exports")),
		S3AccessKeyID:     getEnvAny([]string{"ELASTISCHED_S3_ACCESS_KEY", "AWS_ACCESS_KEY_ID"}, ""),
		S3SecretAccessKey: getEnvAny([]string{"ELASTISCHED_S3_SECRET_KEY", "AWS_SECRET_ACCESS_KEY"}, ""),
		S3Region:          getEnvAny([]string{"ELASTISCHED_S3_REGION", "AWS_REGION"}, orString(file.S3Region, "us-east-1")),
		S3Bucket:          getEnv("ELASTISCHED_S3_BUCKET", file.S3Bucket),
		S3Endpoint:        getEnv("ELASTISCHED_S3_ENDPOINT", file.S3Endpoint),
		S3Prefix:          getEnv("ELASTISCHED_S3_PREFIX", orString(file.S3Prefix, "elastisched/")),
		S3UsePathStyle:    getEnvBool("ELASTISCHED_S3_USE_PATH_STYLE", false),

		ConfigFile: configFile,
	}

	if cfg.DBBackend != DatabasePostgres && cfg.DBBackend != DatabaseMySQL && cfg.DBBackend != DatabaseSQLite {
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}
	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("ELASTISCHED_DB_DSN must be provided")
	}
	if cfg.Lookahead <= 0 {
		return nil, fmt.Errorf("ELASTISCHED_LOOKAHEAD must be greater than 0")
	}
	if cfg.GranularityMinutes < 1 {
		return nil, fmt.Errorf("ELASTISCHED_GRANULARITY_MINUTES must be at least 1")
	}
	if cfg.OptimizerTimeout <= 0 {
		return nil, fmt.Errorf("ELASTISCHED_OPTIMIZER_TIMEOUT must be greater than 0")
	}
	if cfg.RunRateLimit < 0 || cfg.RunRateBurst < 1 {
		return nil, fmt.Errorf("ELASTISCHED_RUN_RATE_LIMIT must not be negative and ELASTISCHED_RUN_RATE_BURST must be at least 1")
	}
	if cfg.AutoRunInterval < 0 {
		return nil, fmt.Errorf("ELASTISCHED_AUTO_RUN_INTERVAL must not be negative")
	}
	if _, err := time.LoadLocation(cfg.DefaultTimezone); err != nil {
		return nil, fmt.Errorf("invalid ELASTISCHED_DEFAULT_TIMEZONE %q: %w", cfg.DefaultTimezone, err)
	}

	switch cfg.ExportBackend {
	case ExportNone, ExportFilesystem:
	case ExportS3:
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("ELASTISCHED_S3_BUCKET is required when ELASTISCHED_EXPORT_BACKEND=s3")
		}
	default:
		return nil, fmt.Errorf("unsupported export backend %q", cfg.ExportBackend)
	}

	switch cfg.EventBus {
	case EventBusMemory:
	case EventBusRedis:
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("ELASTISCHED_REDIS_ADDR is required when ELASTISCHED_EVENT_BUS=redis")
		}
	case EventBusNATS:
		if cfg.NATSURL == "" {
			return nil, fmt.Errorf("ELASTISCHED_NATS_URL is required when ELASTISCHED_EVENT_BUS=nats")
		}
	default:
		return nil, fmt.Errorf("unsupported event bus %q", cfg.EventBus)
	}

	if cfg.LeaderElectionEnabled && cfg.RedisAddr == "" {
		return nil, fmt.Errorf("ELASTISCHED_REDIS_ADDR is required when leader election is enabled")
	}

	cfg.LegacyEnvWarnings = detectLegacyEnvWarnings()

	return cfg, nil
}

func detectLegacyEnvWarnings() []string {
	legacy := map[string]string{
		"ENVIRONMENT":  "use ELASTISCHED_ENV",
		"DATABASE_URL": "use ELASTISCHED_DB_DSN together with ELASTISCHED_DB_BACKEND",
	}

	warnings := make([]string, 0, len(legacy))
	for key, recommendation := range legacy {
		if os.Getenv(key) != "" {
			warnings = append(warnings, fmt.Sprintf("legacy env key %s is set; %s", key, recommendation))
		}
	}
	return warnings
}

// Location returns the configured default timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	if c == nil || c.DefaultTimezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.DefaultTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Granularity returns the default run granularity.
func (c *Config) Granularity() time.Duration {
	return time.Duration(c.GranularityMinutes) * time.Minute
}

// ParseWeekday accepts full or three-letter English weekday names.
func ParseWeekday(value string) (time.Weekday, error) {
	v := strings.ToLower(strings.TrimSpace(value))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if v == name || v == name[:3] {
			return d, nil
		}
	}
	return time.Monday, fmt.Errorf("invalid week start %q", value)
}

func parseDuration(value string) (time.Duration, error) {
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(value)
}

func orString(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func orInt(v, def int) int {
	if v != 0 {
		return v
	}
	return def
}

func orFloat(v, def float64) float64 {
	if v != 0 {
		return v
	}
	return def
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	return getEnvBoolAny([]string{key}, def)
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return def
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// getEnvBoolAny returns the first set boolean environment variable value from keys, or def.
func getEnvBoolAny(keys []string, def bool) bool {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			v = strings.ToLower(strings.TrimSpace(v))
			if v == "true" || v == "1" || v == "yes" {
				return true
			}
			if v == "false" || v == "0" || v == "no" {
				return false
			}
		}
	}
	return def
}
