// Package config holds keel's explicit runtime configuration: store backend
// selection, lock budgets, heartbeat TTL, ranker endpoint, telemetry. Values
// come from standard 12-factor environment variables, optionally overlaid by
// a YAML profile file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Backend selects the state store implementation.
type Backend string

const (
	BackendFile     Backend = "file"
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
	BackendRedis    Backend = "redis"
)

func (b Backend) Valid() bool {
	switch b {
	case BackendFile, BackendSQLite, BackendPostgres, BackendRedis:
		return true
	}
	return false
}

// Config is the explicit configuration object every component receives its
// settings from. No component reads the environment directly.
type Config struct {
	// Store backend.
	Backend     Backend
	DataDir     string // file backend: snapshot directory
	SQLitePath  string // sqlite backend: database file
	PostgresDSN string // postgres backend
	RedisAddr   string // redis backend
	RedisDB     int

	// Lock acquisition bounds, shared by all backends.
	LockBudget     time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Agent identity for lifecycle commands.
	AgentID string
	Team    string

	// Liveness.
	HeartbeatTTL time.Duration

	// External ranker.
	RankerURL    string // empty disables the ranker
	RankerBudget time.Duration

	// Telemetry.
	SpanFilePath    string
	OTLPEndpoint    string
	OTLPInsecure    bool
	SampleRate      float64
	TraceIDOverride string // join an existing coordination trace

	LogLevel string
}

// Load builds a Config from environment variables with development defaults.
func Load() *Config {
	cfg := &Config{
		Backend:         Backend(envOr("KEEL_BACKEND", string(BackendFile))),
		DataDir:         envOr("KEEL_DATA_DIR", ".keel"),
		SQLitePath:      envOr("KEEL_SQLITE_PATH", ".keel/keel.db"),
		PostgresDSN:     os.Getenv("KEEL_POSTGRES_DSN"),
		RedisAddr:       os.Getenv("KEEL_REDIS_ADDR"),
		RedisDB:         envInt("KEEL_REDIS_DB", 0),
		LockBudget:      envDuration("KEEL_LOCK_BUDGET", 5*time.Second),
		InitialBackoff:  envDuration("KEEL_INITIAL_BACKOFF", 20*time.Millisecond),
		MaxBackoff:      envDuration("KEEL_MAX_BACKOFF", 500*time.Millisecond),
		AgentID:         os.Getenv("KEEL_AGENT_ID"),
		Team:            os.Getenv("KEEL_TEAM"),
		HeartbeatTTL:    envDuration("KEEL_HEARTBEAT_TTL", 90*time.Second),
		RankerURL:       os.Getenv("KEEL_RANKER_URL"),
		RankerBudget:    envDuration("KEEL_RANKER_BUDGET", 2*time.Second),
		SpanFilePath:    envOr("KEEL_SPAN_FILE", ".keel/telemetry_spans.jsonl"),
		OTLPEndpoint:    os.Getenv("KEEL_OTLP_ENDPOINT"),
		OTLPInsecure:    os.Getenv("KEEL_OTLP_INSECURE") == "true",
		SampleRate:      envFloat("KEEL_SAMPLE_RATE", 1.0),
		TraceIDOverride: os.Getenv("KEEL_TRACE_ID"),
		LogLevel:        envOr("KEEL_LOG_LEVEL", "INFO"),
	}
	return cfg
}

// Validate checks cross-field invariants.
func (c *Config) Validate() error {
	if !c.Backend.Valid() {
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	switch c.Backend {
	case BackendFile:
		if c.DataDir == "" {
			return fmt.Errorf("file backend requires a data dir")
		}
	case BackendSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("sqlite backend requires a database path")
		}
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("postgres backend requires KEEL_POSTGRES_DSN")
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("redis backend requires KEEL_REDIS_ADDR")
		}
	}
	if c.LockBudget <= 0 {
		return fmt.Errorf("lock budget must be positive")
	}
	if c.HeartbeatTTL <= 0 {
		return fmt.Errorf("heartbeat ttl must be positive")
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("sample rate %v out of range 0-1", c.SampleRate)
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
