package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EngineConfig is the top-level configuration for the bayoud document
// control engine: storage backend selection, the retry/idle/cache
// tuning knobs spec.md leaves as deployment choices, and the optional
// transports (NATS fanout, debug websocket) a deployment can enable.
type EngineConfig struct {
	Storage StorageConfig `yaml:"storage"`
	Server  ServerConfig  `yaml:"server"`
	Engine  EngineTuning  `yaml:"engine"`
	NATS    NATSConfig    `yaml:"nats,omitempty"`
}

// StorageBackend selects the storage.Store implementation a
// deployment runs against.
type StorageBackend string

const (
	StorageBackendMemory StorageBackend = "memory"
	StorageBackendSQLite StorageBackend = "sqlite"
)

// StorageConfig configures the storage backend.
type StorageConfig struct {
	Backend StorageBackend `yaml:"backend"`
	Path    string         `yaml:"path,omitempty"` // sqlite file path; ":memory:" allowed
}

// ServerConfig configures the listening HTTP server.
type ServerConfig struct {
	ListenAddr      string `yaml:"listen_addr"`
	DebugWebsocket  bool   `yaml:"debug_websocket,omitempty"`
	EnableTracing   bool   `yaml:"enable_tracing,omitempty"`
}

// EngineTuning holds the deployment-tunable knobs spec.md leaves open
// (Open Questions around idle threshold, cache size, retry budget).
// AppendRetryBudget is parsed by AppendRetryBudgetDuration but is not
// passed to the control streams, whose retry loop always uses a fixed
// 20s budget.
type EngineTuning struct {
	IdleCaretThreshold string `yaml:"idle_caret_threshold,omitempty"` // duration string, e.g. "10m"
	ReaperInterval     string `yaml:"reaper_interval,omitempty"`
	SnapshotCacheCap   int    `yaml:"snapshot_cache_cap,omitempty"`
	AppendRetryBudget  string `yaml:"append_retry_budget,omitempty"`
}

// NATSConfig configures the optional cross-process getChangeAfter
// fanout bridge (off by default).
type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url,omitempty"`
	Subject string `yaml:"subject,omitempty"`
}

// DefaultEngineConfig returns the configuration bayoud runs with when
// no config file is supplied.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Storage: StorageConfig{Backend: StorageBackendMemory},
		Server:  ServerConfig{ListenAddr: ":8080"},
		Engine: EngineTuning{
			IdleCaretThreshold: "10m",
			ReaperInterval:     "1m",
			SnapshotCacheCap:   64,
			AppendRetryBudget:  "20s",
		},
	}
}

// IdleCaretThresholdDuration parses Engine.IdleCaretThreshold, falling
// back to the default on empty or invalid input.
func (c EngineConfig) IdleCaretThresholdDuration() time.Duration {
	return parseDurationOr(c.Engine.IdleCaretThreshold, 10*time.Minute)
}

// ReaperIntervalDuration parses Engine.ReaperInterval, falling back to
// the default on empty or invalid input.
func (c EngineConfig) ReaperIntervalDuration() time.Duration {
	return parseDurationOr(c.Engine.ReaperInterval, 1*time.Minute)
}

// AppendRetryBudgetDuration parses Engine.AppendRetryBudget, falling
// back to the default on empty or invalid input.
func (c EngineConfig) AppendRetryBudgetDuration() time.Duration {
	return parseDurationOr(c.Engine.AppendRetryBudget, 20*time.Second)
}

func parseDurationOr(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}

// LoadEngineConfig reads .env (if present, via godotenv — process
// environment variables already set take precedence) then the YAML
// file at path, merging its values over DefaultEngineConfig. An empty
// path returns the defaults untouched.
func LoadEngineConfig(path string) (EngineConfig, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return EngineConfig{}, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := DefaultEngineConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return EngineConfig{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return EngineConfig{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
