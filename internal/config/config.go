// Package config loads and validates the engine's option record. Source
// values arrive as a loosely typed YAML document, parsed with
// gopkg.in/yaml.v3; this package is where defaults get materialized once,
// at load time, into a typed struct the rest of the engine can trust
// without re-checking.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kestrel-dl/kestrel/internal/model"
)

// JitterMode controls how retry backoff is randomized.
type JitterMode string

const (
	JitterNone         JitterMode = "none"
	JitterFull         JitterMode = "full"
	JitterProportional JitterMode = "proportional"
)

// Options is the validated, fully defaulted configuration record recognized
// by the engine.
type Options struct {
	MaxConnections             int           `yaml:"max_connections"`
	MultiConnectionThresholdB  int64         `yaml:"multi_connection_threshold_bytes"`
	MinSegmentSizeB            int64         `yaml:"min_segment_size_bytes"`
	ChunkSizeB                 int           `yaml:"chunk_size_bytes"`
	EnableBandwidthLimiting    bool          `yaml:"enable_bandwidth_limiting"`
	GlobalBandwidthLimitBps    int64         `yaml:"global_bandwidth_limit_bps"`
	PerTaskBandwidthLimitBps   int64         `yaml:"per_task_bandwidth_limit_bps"`
	MaxActiveDownloads         int           `yaml:"max_active_downloads"`
	PerHostEnabled             bool          `yaml:"per_host_enabled"`
	PerHostMaxActive           int           `yaml:"per_host_max_active"`
	RetryEnabled               bool          `yaml:"retry_enabled"`
	RetryMaxAttempts           int           `yaml:"retry_max_attempts"`
	RetryBackoffBaseS          float64       `yaml:"retry_backoff_base_s"`
	RetryBackoffMaxS           float64       `yaml:"retry_backoff_max_s"`
	RetryJitterMode            JitterMode    `yaml:"retry_jitter_mode"`
	PriorityAgingEnabled       bool          `yaml:"priority_aging_enabled"`
	PriorityAgingStep          int           `yaml:"priority_aging_step"`
	PriorityAgingIntervalS     float64       `yaml:"priority_aging_interval_s"`
	PersistQueue               bool          `yaml:"persist_queue"`
	QueueStatePath             string        `yaml:"queue_state_path"`
	ProgressThrottleMs         int           `yaml:"progress_throttle_ms"`
	KeepPartialsOnCancelMulti  bool          `yaml:"keep_partials_on_cancel_multi"`
	CleanupOnCancel            bool          `yaml:"cleanup_on_cancel"`
	HistoryLedgerPath          string        `yaml:"history_ledger_path"`
}

// MaxPriority is the cap effective priority can never exceed.
const MaxPriority = 10

// Defaults returns the option record with every default value already
// materialized.
func Defaults() Options {
	return Options{
		MaxConnections:            4,
		MultiConnectionThresholdB: 8 * 1024 * 1024,
		MinSegmentSizeB:           1 * 1024 * 1024,
		ChunkSizeB:                64 * 1024,
		EnableBandwidthLimiting:   false,
		GlobalBandwidthLimitBps:   0,
		PerTaskBandwidthLimitBps:  0,
		MaxActiveDownloads:        2,
		PerHostEnabled:            false,
		PerHostMaxActive:          2,
		RetryEnabled:              false,
		RetryMaxAttempts:          3,
		RetryBackoffBaseS:         1,
		RetryBackoffMaxS:          60,
		RetryJitterMode:           JitterProportional,
		PriorityAgingEnabled:      false,
		PriorityAgingStep:         1,
		PriorityAgingIntervalS:    30,
		PersistQueue:              false,
		QueueStatePath:            "data/queue_state.json",
		ProgressThrottleMs:        250,
		KeepPartialsOnCancelMulti: true,
		CleanupOnCancel:           false,
		HistoryLedgerPath:         "data/history.jsonl",
	}
}

// Validate rejects option combinations the engine cannot act on, returning
// a VALIDATION-kind error so callers can surface it the same way a bad
// snapshot would be surfaced.
func (o Options) Validate() error {
	if o.MaxConnections < 1 || o.MaxConnections > 16 {
		return model.NewError(model.KindValidation, fmt.Errorf("max_connections must be in [1,16], got %d", o.MaxConnections))
	}
	if o.MinSegmentSizeB <= 0 {
		return model.NewError(model.KindValidation, fmt.Errorf("min_segment_size_bytes must be positive"))
	}
	if o.ChunkSizeB <= 0 {
		return model.NewError(model.KindValidation, fmt.Errorf("chunk_size_bytes must be positive"))
	}
	if o.MaxActiveDownloads < 1 {
		return model.NewError(model.KindValidation, fmt.Errorf("max_active_downloads must be positive"))
	}
	if o.PerHostMaxActive < 1 {
		return model.NewError(model.KindValidation, fmt.Errorf("per_host_max_active must be positive"))
	}
	if o.RetryMaxAttempts < 1 {
		return model.NewError(model.KindValidation, fmt.Errorf("retry_max_attempts must be positive"))
	}
	switch o.RetryJitterMode {
	case JitterNone, JitterFull, JitterProportional, "":
	default:
		return model.NewError(model.KindValidation, fmt.Errorf("unknown retry_jitter_mode %q", o.RetryJitterMode))
	}
	if o.ProgressThrottleMs < 0 {
		return model.NewError(model.KindValidation, fmt.Errorf("progress_throttle_ms must be non-negative"))
	}
	return nil
}

// ProgressThrottle is a convenience accessor returning the throttle
// interval as a time.Duration.
func (o Options) ProgressThrottle() time.Duration {
	return time.Duration(o.ProgressThrottleMs) * time.Millisecond
}

// Load reads a YAML document at path, overlays it onto Defaults(), and
// validates the result.
func Load(path string) (Options, error) {
	opts := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return Options{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}
