// Package config loads the engine configuration from YAML or JSON files
// with environment variable overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// Config is the full recognized configuration surface of the core engine.
type Config struct {
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
	Reality  RealityConfig  `json:"reality" yaml:"reality"`
	Chaos    ChaosConfig    `json:"chaos" yaml:"chaos"`
	Recorder RecorderConfig `json:"recorder" yaml:"recorder"`
	Cache    CacheConfig    `json:"cache" yaml:"cache"`
	Session  SessionConfig  `json:"session" yaml:"session"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format string `json:"format" yaml:"format" env:"LOG_FORMAT"`
}

// MetricsConfig controls the prometheus collectors.
type MetricsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled" env:"METRICS_ENABLED"`
}

// RealityConfig controls mock/live blending.
type RealityConfig struct {
	Enabled        bool               `json:"enabled" yaml:"enabled" env:"REALITY_ENABLED"`
	DefaultRatio   float64            `json:"default_ratio" yaml:"default_ratio" env:"REALITY_DEFAULT_RATIO"`
	TransitionMode string             `json:"transition_mode" yaml:"transition_mode" env:"REALITY_TRANSITION_MODE"`
	TimeSchedule   TimeScheduleConfig `json:"time_schedule" yaml:"time_schedule"`
	MergeStrategy  string             `json:"merge_strategy" yaml:"merge_strategy" env:"REALITY_MERGE_STRATEGY"`
}

// TimeScheduleConfig describes a ratio transition over time.
type TimeScheduleConfig struct {
	Start      string  `json:"start" yaml:"start"` // RFC3339
	End        string  `json:"end" yaml:"end"`
	StartRatio float64 `json:"start_ratio" yaml:"start_ratio"`
	EndRatio   float64 `json:"end_ratio" yaml:"end_ratio"`
	Curve      string  `json:"curve" yaml:"curve"` // linear|exponential|sigmoid
	// Cron expression used when transition_mode is "scheduled".
	Cron string `json:"cron" yaml:"cron"`
}

// ChaosConfig controls latency/fault injection and resilience limits.
type ChaosConfig struct {
	Enabled        bool                 `json:"enabled" yaml:"enabled" env:"CHAOS_ENABLED"`
	Latency        LatencyConfig        `json:"latency" yaml:"latency"`
	Faults         []FaultConfig        `json:"faults" yaml:"faults"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
	Bulkhead       BulkheadConfig       `json:"bulkhead" yaml:"bulkhead"`
	// BandwidthBytesPerSec caps response throughput when > 0.
	BandwidthBytesPerSec int `json:"bandwidth_bytes_per_sec" yaml:"bandwidth_bytes_per_sec" env:"CHAOS_BANDWIDTH_BPS"`
}

// LatencyConfig shapes injected latency.
type LatencyConfig struct {
	BaseMs    int     `json:"base_ms" yaml:"base_ms" env:"CHAOS_LATENCY_BASE_MS"`
	JitterPct float64 `json:"jitter_pct" yaml:"jitter_pct" env:"CHAOS_LATENCY_JITTER_PCT"`
	// TailProfile interpolates sleep durations from percentile points.
	TailProfile *TailProfileConfig `json:"tail_profile" yaml:"tail_profile"`
}

// TailProfileConfig holds latency percentile points in milliseconds.
type TailProfileConfig struct {
	P50 int `json:"p50" yaml:"p50"`
	P95 int `json:"p95" yaml:"p95"`
	P99 int `json:"p99" yaml:"p99"`
}

// FaultConfig is one entry of the fault table.
type FaultConfig struct {
	// Route pattern this fault applies to; empty means global.
	Route       string  `json:"route" yaml:"route"`
	Probability float64 `json:"probability" yaml:"probability"`
	// Kind: error | drop | latency_tail
	Kind        string `json:"kind" yaml:"kind"`
	ErrorStatus int    `json:"error_status" yaml:"error_status"`
	ErrorBody   string `json:"error_body" yaml:"error_body"`
	TailMs      int    `json:"tail_ms" yaml:"tail_ms"`
}

// CircuitBreakerConfig controls the per-endpoint breaker.
type CircuitBreakerConfig struct {
	FailureThreshold     int     `json:"failure_threshold" yaml:"failure_threshold" env:"CHAOS_CB_FAILURE_THRESHOLD"`
	SuccessThreshold     int     `json:"success_threshold" yaml:"success_threshold" env:"CHAOS_CB_SUCCESS_THRESHOLD"`
	TimeoutMs            int     `json:"timeout_ms" yaml:"timeout_ms" env:"CHAOS_CB_TIMEOUT_MS"`
	HalfOpenMaxRequests  int     `json:"half_open_max_requests" yaml:"half_open_max_requests" env:"CHAOS_CB_HALF_OPEN_MAX"`
	FailureRateThreshold float64 `json:"failure_rate_threshold" yaml:"failure_rate_threshold"`
	MinRequestsForRate   int     `json:"min_requests_for_rate" yaml:"min_requests_for_rate"`
	RollingWindowMs      int     `json:"rolling_window_ms" yaml:"rolling_window_ms"`
	// DynamicThresholds enables ±20% failure threshold scaling.
	DynamicThresholds bool `json:"dynamic_thresholds" yaml:"dynamic_thresholds"`
	MinThreshold      int  `json:"min_threshold" yaml:"min_threshold"`
	MaxThreshold      int  `json:"max_threshold" yaml:"max_threshold"`
}

// BulkheadConfig controls the per-service concurrency pool.
type BulkheadConfig struct {
	MaxConcurrentRequests int `json:"max_concurrent_requests" yaml:"max_concurrent_requests" env:"CHAOS_BH_MAX_CONCURRENT"`
	MaxQueueSize          int `json:"max_queue_size" yaml:"max_queue_size" env:"CHAOS_BH_MAX_QUEUE"`
	QueueTimeoutMs        int `json:"queue_timeout_ms" yaml:"queue_timeout_ms" env:"CHAOS_BH_QUEUE_TIMEOUT_MS"`
}

// RecorderConfig controls the journal.
type RecorderConfig struct {
	Enabled          bool   `json:"enabled" yaml:"enabled" env:"RECORDER_ENABLED"`
	RetentionEntries int    `json:"retention_entries" yaml:"retention_entries" env:"RECORDER_RETENTION"`
	FlowGrouping     bool   `json:"flow_grouping" yaml:"flow_grouping" env:"RECORDER_FLOW_GROUPING"`
	WindowSeconds    int    `json:"window_seconds" yaml:"window_seconds" env:"RECORDER_WINDOW_SECONDS"`
	Flex             FlexConfig `json:"flex" yaml:"flex"`
}

// FlexConfig tunes replay flex-mode matching. The similarity threshold is
// deliberately configurable rather than fixed.
type FlexConfig struct {
	NormalizeIDSegments bool `json:"normalize_id_segments" yaml:"normalize_id_segments"`
	MaxReorderWindow    int  `json:"max_reorder_window" yaml:"max_reorder_window"`
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	Enabled    bool `json:"enabled" yaml:"enabled" env:"CACHE_ENABLED"`
	TTLSeconds int  `json:"ttl_seconds" yaml:"ttl_seconds" env:"CACHE_TTL_SECONDS"`
	MaxEntries int  `json:"max_entries" yaml:"max_entries" env:"CACHE_MAX_ENTRIES"`
}

// SessionConfig controls session derivation and lifetime.
type SessionConfig struct {
	// IDSource: cookie | header | trace_id | ip_window | auto
	IDSource       string `json:"id_source" yaml:"id_source" env:"SESSION_ID_SOURCE"`
	AutoCreate     bool   `json:"auto_create" yaml:"auto_create" env:"SESSION_AUTO_CREATE"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds" env:"SESSION_TIMEOUT_SECONDS"`
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Metrics: MetricsConfig{Enabled: true},
		Reality: RealityConfig{
			Enabled:        false,
			DefaultRatio:   0,
			TransitionMode: "manual",
			MergeStrategy:  "field_level",
		},
		Chaos: ChaosConfig{
			Enabled: false,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold:     5,
				SuccessThreshold:     2,
				TimeoutMs:            30000,
				HalfOpenMaxRequests:  3,
				FailureRateThreshold: 0.5,
				MinRequestsForRate:   20,
				RollingWindowMs:      60000,
				MinThreshold:         2,
				MaxThreshold:         20,
			},
			Bulkhead: BulkheadConfig{
				MaxConcurrentRequests: 64,
				MaxQueueSize:          128,
				QueueTimeoutMs:        1000,
			},
		},
		Recorder: RecorderConfig{
			Enabled:          true,
			RetentionEntries: 10000,
			FlowGrouping:     true,
			WindowSeconds:    300,
		},
		Cache: CacheConfig{
			Enabled:    true,
			TTLSeconds: 300,
			MaxEntries: 10000,
		},
		Session: SessionConfig{
			IDSource:       "auto",
			AutoCreate:     true,
			TimeoutSeconds: 1800,
		},
	}
}

// Load reads a configuration file (extension-switched YAML/JSON), overlays
// environment variables, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse yaml config: %w", err)
			}
		case ".json":
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse json config: %w", err)
			}
		default:
			return nil, fmt.Errorf("unsupported config extension: %s", filepath.Ext(path))
		}
	}

	// Environment overrides take precedence over file values. envdecode
	// errors when no tagged field is present in the environment; treat that
	// as "no overrides".
	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env overrides: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ratio bounds, positive timeouts, and enum strings.
func (c *Config) Validate() error {
	if c.Reality.DefaultRatio < 0 || c.Reality.DefaultRatio > 1 {
		return fmt.Errorf("reality.default_ratio must be within [0,1], got %v", c.Reality.DefaultRatio)
	}
	switch c.Reality.TransitionMode {
	case "", "manual", "time_based", "scheduled":
	default:
		return fmt.Errorf("reality.transition_mode %q not recognized", c.Reality.TransitionMode)
	}
	switch c.Reality.MergeStrategy {
	case "", "prefer_existing", "prefer_incoming", "field_level", "weighted_selection", "body_blend":
	default:
		return fmt.Errorf("reality.merge_strategy %q not recognized", c.Reality.MergeStrategy)
	}
	switch c.Reality.TimeSchedule.Curve {
	case "", "linear", "exponential", "sigmoid":
	default:
		return fmt.Errorf("reality.time_schedule.curve %q not recognized", c.Reality.TimeSchedule.Curve)
	}
	for i, f := range c.Chaos.Faults {
		if f.Probability < 0 || f.Probability > 1 {
			return fmt.Errorf("chaos.faults[%d].probability must be within [0,1]", i)
		}
		switch f.Kind {
		case "error", "drop", "latency_tail":
		default:
			return fmt.Errorf("chaos.faults[%d].kind %q not recognized", i, f.Kind)
		}
	}
	if c.Chaos.Bulkhead.MaxConcurrentRequests < 1 {
		return fmt.Errorf("chaos.bulkhead.max_concurrent_requests must be positive")
	}
	if c.Chaos.Bulkhead.QueueTimeoutMs < 0 {
		return fmt.Errorf("chaos.bulkhead.queue_timeout_ms must not be negative")
	}
	if c.Cache.TTLSeconds <= 0 {
		return fmt.Errorf("cache.ttl_seconds must be positive")
	}
	if c.Session.TimeoutSeconds <= 0 {
		return fmt.Errorf("session.timeout_seconds must be positive")
	}
	switch c.Session.IDSource {
	case "", "cookie", "header", "trace_id", "ip_window", "auto":
	default:
		return fmt.Errorf("session.id_source %q not recognized", c.Session.IDSource)
	}
	return nil
}
