package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// duration adds human-readable parsing ("750ms", "3m") to YAML profiles.
type duration time.Duration

func (d *duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("bad duration %q: %w", node.Value, err)
	}
	*d = duration(parsed)
	return nil
}

// profileOverlay mirrors Config with profile-friendly types. Absent fields
// stay zero and leave the base config untouched.
type profileOverlay struct {
	Backend     Backend `yaml:"backend"`
	DataDir     string  `yaml:"data_dir"`
	SQLitePath  string  `yaml:"sqlite_path"`
	PostgresDSN string  `yaml:"postgres_dsn"`
	RedisAddr   string  `yaml:"redis_addr"`
	RedisDB     int     `yaml:"redis_db"`

	LockBudget     duration `yaml:"lock_budget"`
	InitialBackoff duration `yaml:"initial_backoff"`
	MaxBackoff     duration `yaml:"max_backoff"`

	AgentID string `yaml:"agent_id"`
	Team    string `yaml:"team"`

	HeartbeatTTL duration `yaml:"heartbeat_ttl"`

	RankerURL    string   `yaml:"ranker_url"`
	RankerBudget duration `yaml:"ranker_budget"`

	SpanFilePath    string  `yaml:"span_file_path"`
	OTLPEndpoint    string  `yaml:"otlp_endpoint"`
	OTLPInsecure    bool    `yaml:"otlp_insecure"`
	SampleRate      float64 `yaml:"sample_rate"`
	TraceIDOverride string  `yaml:"trace_id"`

	LogLevel string `yaml:"log_level"`
}

// LoadProfile overlays a YAML profile file on top of cfg. A profile only has
// to name what it changes; unknown keys are rejected so typos surface
// immediately.
func LoadProfile(cfg *Config, path string) error {
	if !strings.HasSuffix(path, ".yaml") && !strings.HasSuffix(path, ".yml") {
		return fmt.Errorf("profile %s: expected a .yaml file", path)
	}
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("read profile %s: %w", path, err)
	}

	var overlay profileOverlay
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(&overlay); err != nil {
		return fmt.Errorf("parse profile %s: %w", path, err)
	}
	merge(cfg, &overlay)
	return nil
}

func merge(dst *Config, src *profileOverlay) {
	if src.Backend != "" {
		dst.Backend = src.Backend
	}
	if src.DataDir != "" {
		dst.DataDir = src.DataDir
	}
	if src.SQLitePath != "" {
		dst.SQLitePath = src.SQLitePath
	}
	if src.PostgresDSN != "" {
		dst.PostgresDSN = src.PostgresDSN
	}
	if src.RedisAddr != "" {
		dst.RedisAddr = src.RedisAddr
	}
	if src.RedisDB != 0 {
		dst.RedisDB = src.RedisDB
	}
	if src.LockBudget != 0 {
		dst.LockBudget = time.Duration(src.LockBudget)
	}
	if src.InitialBackoff != 0 {
		dst.InitialBackoff = time.Duration(src.InitialBackoff)
	}
	if src.MaxBackoff != 0 {
		dst.MaxBackoff = time.Duration(src.MaxBackoff)
	}
	if src.AgentID != "" {
		dst.AgentID = src.AgentID
	}
	if src.Team != "" {
		dst.Team = src.Team
	}
	if src.HeartbeatTTL != 0 {
		dst.HeartbeatTTL = time.Duration(src.HeartbeatTTL)
	}
	if src.RankerURL != "" {
		dst.RankerURL = src.RankerURL
	}
	if src.RankerBudget != 0 {
		dst.RankerBudget = time.Duration(src.RankerBudget)
	}
	if src.SpanFilePath != "" {
		dst.SpanFilePath = src.SpanFilePath
	}
	if src.OTLPEndpoint != "" {
		dst.OTLPEndpoint = src.OTLPEndpoint
	}
	if src.OTLPInsecure {
		dst.OTLPInsecure = true
	}
	if src.SampleRate != 0 {
		dst.SampleRate = src.SampleRate
	}
	if src.TraceIDOverride != "" {
		dst.TraceIDOverride = src.TraceIDOverride
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
}
