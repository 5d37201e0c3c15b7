// Package config provides configuration loading for reflectd.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fyrsmithlabs/reflectd/internal/logging"
)

// Config is the root configuration for the reflectd process.
type Config struct {
	// LogsDir is the root of the conversation log corpus.
	LogsDir string `koanf:"logs_dir"`
	// StateFile overrides the per-provider default state file path.
	StateFile string `koanf:"state_file"`

	Store     StoreConfig     `koanf:"store"`
	Embedding EmbeddingConfig `koanf:"embedding"`
	Decay     DecayConfig     `koanf:"decay"`
	Ingest    IngestConfig    `koanf:"ingest"`
	Governor  GovernorConfig  `koanf:"governor"`
	Server    ServerConfig    `koanf:"server"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Logging   logging.Config  `koanf:"logging"`
}

// StoreConfig describes the external vector store.
type StoreConfig struct {
	// Host of the store's gRPC endpoint.
	Host string `koanf:"host"`
	// Port of the store's gRPC endpoint (6334 for qdrant gRPC).
	Port int `koanf:"port"`
	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool `koanf:"use_tls"`
	// Timeout bounds every store call.
	Timeout Duration `koanf:"timeout"`
}

// EmbeddingConfig selects and configures the embedding provider.
type EmbeddingConfig struct {
	// PreferLocal selects the on-device provider when true (the default).
	PreferLocal *bool `koanf:"prefer_local"`
	// CloudAPIKey is the credential for the cloud provider.
	CloudAPIKey Secret `koanf:"cloud_api_key"`
	// CloudModel is the cloud embedding model. Defaults to voyage-3-large.
	CloudModel string `koanf:"cloud_model"`
	// CacheDir caches local model files. Defaults to ~/.cache/reflectd/models.
	CacheDir string `koanf:"cache_dir"`
	// Timeout bounds cloud embedding requests.
	Timeout Duration `koanf:"timeout"`
}

// DecayConfig holds the global recency-decay defaults for search.
type DecayConfig struct {
	// Enabled turns server-side exponential decay on by default.
	Enabled bool `koanf:"enabled"`
	// Weight is the decay contribution added to raw similarity.
	Weight float64 `koanf:"weight"`
	// ScaleDays is the decay half-life in days.
	ScaleDays float64 `koanf:"scale_days"`
}

// IngestConfig tunes the watcher loop and the streaming ingester.
type IngestConfig struct {
	// ImportFrequency is the idle scan interval.
	ImportFrequency Duration `koanf:"import_frequency"`
	// HotCheckInterval is the scan interval while hot work is queued.
	HotCheckInterval Duration `koanf:"hot_check_interval"`
	// HotWindow classifies files modified within it as HOT.
	HotWindow Duration `koanf:"hot_window"`
	// WarmWindow classifies files modified within it as WARM.
	WarmWindow Duration `koanf:"warm_window"`
	// MaxWarmWait promotes WARM files that queued longer than this.
	MaxWarmWait Duration `koanf:"max_warm_wait"`
	// MaxQueueSize bounds the scheduling queue.
	MaxQueueSize int `koanf:"max_queue_size"`
	// MaxColdFiles caps COLD admissions per scan cycle.
	MaxColdFiles int `koanf:"max_cold_files"`
	// BatchSize is how many files one cycle pulls from the queue.
	BatchSize int `koanf:"batch_size"`
	// Parallelism bounds concurrent per-file pipelines. Zero means
	// provider-dependent (1 local, 4 cloud).
	Parallelism int `koanf:"parallelism"`
	// ShutdownGrace bounds the drain on shutdown.
	ShutdownGrace Duration `koanf:"shutdown_grace"`
}

// GovernorConfig tunes the memory and CPU governors.
type GovernorConfig struct {
	// MemoryWarningMB and MemoryLimitMB are RSS thresholds. Zero means
	// auto-detect (constrained: 400/600, otherwise 800/1024).
	MemoryWarningMB int `koanf:"memory_warning_mb"`
	MemoryLimitMB   int `koanf:"memory_limit_mb"`
	// MaxCPUPercentPerCore throttles local embedding above this.
	MaxCPUPercentPerCore float64 `koanf:"max_cpu_percent_per_core"`
}

// ServerConfig configures the health HTTP surface.
type ServerConfig struct {
	// Enabled starts the health server with the watcher.
	Enabled bool `koanf:"enabled"`
	Host    string `koanf:"host"`
	Port    int    `koanf:"port"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Endpoint string `koanf:"endpoint"`
}

// PreferLocalValue reports whether the local provider is preferred. Defaults true.
func (c EmbeddingConfig) PreferLocalValue() bool {
	if c.PreferLocal == nil {
		return true
	}
	return *c.PreferLocal
}

// Validate checks invariants that defaulting cannot repair.
func (c *Config) Validate() error {
	if c.LogsDir == "" {
		return fmt.Errorf("logs_dir is required")
	}
	if c.Store.Port <= 0 || c.Store.Port > 65535 {
		return fmt.Errorf("invalid store port: %d", c.Store.Port)
	}
	if c.Decay.Weight < 0 || c.Decay.Weight > 1 {
		return fmt.Errorf("decay weight must be in [0,1], got %v", c.Decay.Weight)
	}
	if c.Decay.ScaleDays <= 0 {
		return fmt.Errorf("decay scale_days must be positive, got %v", c.Decay.ScaleDays)
	}
	if c.Ingest.MaxQueueSize <= 0 {
		return fmt.Errorf("max_queue_size must be positive, got %d", c.Ingest.MaxQueueSize)
	}
	if c.Ingest.Parallelism < 0 {
		return fmt.Errorf("parallelism cannot be negative, got %d", c.Ingest.Parallelism)
	}
	return nil
}

// applyDefaults fills unset fields with production defaults.
func applyDefaults(cfg *Config) {
	home, _ := os.UserHomeDir()

	if cfg.LogsDir == "" && home != "" {
		cfg.LogsDir = filepath.Join(home, ".claude", "projects")
	}

	if cfg.Store.Host == "" {
		cfg.Store.Host = "localhost"
	}
	if cfg.Store.Port == 0 {
		cfg.Store.Port = 6334
	}
	if cfg.Store.Timeout == 0 {
		cfg.Store.Timeout = Duration(30 * second)
	}

	if cfg.Embedding.CloudModel == "" {
		cfg.Embedding.CloudModel = "voyage-3-large"
	}
	if cfg.Embedding.CacheDir == "" && home != "" {
		cfg.Embedding.CacheDir = filepath.Join(home, ".cache", "reflectd", "models")
	}
	if cfg.Embedding.Timeout == 0 {
		cfg.Embedding.Timeout = Duration(30 * second)
	}

	if cfg.Decay.Weight == 0 {
		cfg.Decay.Weight = 0.3
	}
	if cfg.Decay.ScaleDays == 0 {
		cfg.Decay.ScaleDays = 90
	}

	if cfg.Ingest.ImportFrequency == 0 {
		cfg.Ingest.ImportFrequency = Duration(60 * second)
	}
	if cfg.Ingest.HotCheckInterval == 0 {
		cfg.Ingest.HotCheckInterval = Duration(2 * second)
	}
	if cfg.Ingest.HotWindow == 0 {
		cfg.Ingest.HotWindow = Duration(5 * minute)
	}
	if cfg.Ingest.WarmWindow == 0 {
		cfg.Ingest.WarmWindow = Duration(24 * hour)
	}
	if cfg.Ingest.MaxWarmWait == 0 {
		cfg.Ingest.MaxWarmWait = Duration(30 * minute)
	}
	if cfg.Ingest.MaxQueueSize == 0 {
		cfg.Ingest.MaxQueueSize = 10000
	}
	if cfg.Ingest.MaxColdFiles == 0 {
		cfg.Ingest.MaxColdFiles = 3
	}
	if cfg.Ingest.BatchSize == 0 {
		cfg.Ingest.BatchSize = 5
	}
	if cfg.Ingest.ShutdownGrace == 0 {
		cfg.Ingest.ShutdownGrace = Duration(30 * second)
	}

	if cfg.Governor.MaxCPUPercentPerCore == 0 {
		cfg.Governor.MaxCPUPercentPerCore = 50
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9879
	}
}

const (
	second = Duration(1e9)
	minute = 60 * second
	hour   = 60 * minute
)
