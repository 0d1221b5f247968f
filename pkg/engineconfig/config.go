// Package engineconfig loads the scan configuration: the knobs that
// govern window sizing, parallelism, memory limits, and streaming
// behavior for one engine run, layered as YAML over defaults.
package engineconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config governs one engine run.
type Config struct {
	WindowSizeMinutes        int  `yaml:"window_size_minutes"`
	ScanningIntervalMinutes  int  `yaml:"scanning_interval_minutes"`
	StartingEpoch            *time.Time `yaml:"starting_epoch"`
	EndingEpoch              *time.Time `yaml:"ending_epoch"`
	AutoDetectTimeRange      bool `yaml:"auto_detect_time_range"`
	MaxTimeRangeYears        int  `yaml:"max_time_range_years"`
	EnableQuickEmptyCheck    bool `yaml:"enable_quick_empty_check"`
	EnableOverlappingWindows bool `yaml:"enable_overlapping_windows"`
	MaxRecordsPerWindow      int  `yaml:"max_records_per_window"`
	ParallelWindowProcessing bool `yaml:"parallel_window_processing"`
	MaxWorkers               int  `yaml:"max_workers"`
	ParallelBatchSize        int  `yaml:"parallel_batch_size"`
	ParallelBatchMin         int  `yaml:"parallel_batch_min"`
	ParallelBatchMax         int  `yaml:"parallel_batch_max"`
	MaxMatchesPerAnchor      int  `yaml:"max_matches_per_anchor"`
	MemoryLimitMB            int  `yaml:"memory_limit_mb"`
	EnableStreamingMode      bool `yaml:"enable_streaming_mode"`
	DebugMode                bool `yaml:"debug_mode"`

	// Persistence and integration endpoints; not part of the original
	// scan knobs above but required to wire the storage and eventing
	// stack.
	CorrelationDBPath string       `yaml:"correlation_db_path"`
	MatchStorePath    string       `yaml:"match_store_path"`
	ClickHouseDSN     string       `yaml:"clickhouse_dsn"`
	NATSUrl           string       `yaml:"nats_url"`
	RegistryURL       string       `yaml:"registry_url"`
	RegistryTLS       *RegistryTLS `yaml:"registry_tls"`
	MetricsAddr       string       `yaml:"metrics_addr"`
}

// RegistryTLS configures mutual-TLS client authentication against the
// artifact-type registry, for deployments that require client
// certificates. AutoReload re-reads the files when they change on
// disk, so a certificate rotation doesn't need a restart.
type RegistryTLS struct {
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	CAFile     string `yaml:"ca_file"`
	AutoReload bool   `yaml:"auto_reload"`
}

// Default returns the standard defaults: max_workers unset (the
// scheduler then sizes the pool to min(2*cores,16)), batch size 10
// within bounds [10,500], 500MB memory limit, quick-empty-check on,
// streaming off.
func Default() Config {
	return Config{
		WindowSizeMinutes:        5,
		ScanningIntervalMinutes:  0, // 0 == same as WindowSizeMinutes (non-overlapping)
		AutoDetectTimeRange:      true,
		MaxTimeRangeYears:        20,
		EnableQuickEmptyCheck:    true,
		EnableOverlappingWindows: false,
		MaxRecordsPerWindow:      0, // 0 == unbounded
		ParallelWindowProcessing: true,
		ParallelBatchSize:        10,
		ParallelBatchMin:         10,
		ParallelBatchMax:         500,
		MaxMatchesPerAnchor:      100,
		MemoryLimitMB:            500,
		EnableStreamingMode:      false,
	}
}

// Load reads a YAML config file, applying Default() for unset fields.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read scanning config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse scanning config %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scanning config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the fields that must be positive/sane before a run.
func (c *Config) Validate() error {
	if c.WindowSizeMinutes <= 0 {
		return fmt.Errorf("window_size_minutes must be > 0")
	}
	if c.MaxTimeRangeYears <= 0 {
		return fmt.Errorf("max_time_range_years must be > 0")
	}
	if c.MemoryLimitMB <= 0 {
		return fmt.Errorf("memory_limit_mb must be > 0")
	}
	return nil
}

// EffectiveIntervalMinutes returns the scanning interval, defaulting to
// WindowSizeMinutes (non-overlapping windows) when unset.
func (c *Config) EffectiveIntervalMinutes() int {
	if c.ScanningIntervalMinutes <= 0 {
		return c.WindowSizeMinutes
	}
	return c.ScanningIntervalMinutes
}
