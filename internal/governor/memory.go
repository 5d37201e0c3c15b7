// Package governor gates ingestion work against process memory and CPU
// budgets so the daemon stays a polite background neighbor.
package governor

import (
	"context"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// MemLevel classifies current RSS against the configured thresholds.
type MemLevel int

const (
	MemOK MemLevel = iota
	MemWarning
	MemCritical
)

func (l MemLevel) String() string {
	switch l {
	case MemWarning:
		return "warning"
	case MemCritical:
		return "critical"
	default:
		return "ok"
	}
}

const (
	// Thresholds for cgroup-constrained processes (containers, systemd
	// slices with a low memory cap).
	constrainedWarningMB = 400
	constrainedLimitMB   = 600
	// Thresholds for unconstrained processes.
	defaultWarningMB = 800
	defaultLimitMB   = 1024

	// A cgroup cap below this counts as constrained.
	constrainedCapBytes = 2 << 30

	memPollInterval = 500 * time.Millisecond
	// gcHintInterval rate-limits the collection hint fired when crossing
	// the warning threshold.
	gcHintInterval = 30 * time.Second
)

// MemoryConfig holds the two RSS thresholds in megabytes.
type MemoryConfig struct {
	WarningMB uint64
	LimitMB   uint64
}

// DefaultMemoryConfig picks thresholds by inspecting the cgroup memory cap:
// a low cap means the 400/600 MB profile, otherwise 800/1024 MB.
func DefaultMemoryConfig() MemoryConfig {
	if limit, ok := cgroupMemoryLimit(); ok && limit < constrainedCapBytes {
		return MemoryConfig{WarningMB: constrainedWarningMB, LimitMB: constrainedLimitMB}
	}
	return MemoryConfig{WarningMB: defaultWarningMB, LimitMB: defaultLimitMB}
}

// cgroupMemoryLimit reads the effective cgroup memory cap, v2 first. A
// missing file or "max" means unconstrained.
func cgroupMemoryLimit() (uint64, bool) {
	for _, path := range []string{
		"/sys/fs/cgroup/memory.max",
		"/sys/fs/cgroup/memory/memory.limit_in_bytes",
	} {
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		s := strings.TrimSpace(string(raw))
		if s == "max" {
			return 0, false
		}
		limit, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			continue
		}
		return limit, true
	}
	return 0, false
}

// MemoryMonitor observes the process resident set size. Over warning it
// fires a collection hint; over limit callers block in WaitUntilBelowWarning
// before accepting new batches.
type MemoryMonitor struct {
	cfg    MemoryConfig
	logger *zap.Logger

	// sampleRSS returns current RSS in bytes. Replaceable in tests.
	sampleRSS func() (uint64, error)

	mu         sync.Mutex
	lastGCHint time.Time
}

// NewMemoryMonitor builds a monitor over the current process, applying
// DefaultMemoryConfig for zero thresholds.
func NewMemoryMonitor(cfg MemoryConfig, logger *zap.Logger) (*MemoryMonitor, error) {
	def := DefaultMemoryConfig()
	if cfg.WarningMB == 0 {
		cfg.WarningMB = def.WarningMB
	}
	if cfg.LimitMB == 0 {
		cfg.LimitMB = def.LimitMB
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	m := &MemoryMonitor{
		cfg:    cfg,
		logger: logger,
		sampleRSS: func() (uint64, error) {
			info, err := proc.MemoryInfo()
			if err != nil {
				return 0, err
			}
			return info.RSS, nil
		},
	}
	return m, nil
}

// Level samples RSS and classifies it. Sampling failures degrade to MemOK so
// a broken /proc never stalls ingestion.
func (m *MemoryMonitor) Level() (MemLevel, uint64) {
	rss, err := m.sampleRSS()
	if err != nil {
		m.logger.Warn("memory sample failed", zap.Error(err))
		return MemOK, 0
	}
	rssMB := rss / (1 << 20)

	switch {
	case rssMB >= m.cfg.LimitMB:
		return MemCritical, rssMB
	case rssMB >= m.cfg.WarningMB:
		m.hintGC(rssMB)
		return MemWarning, rssMB
	default:
		return MemOK, rssMB
	}
}

// hintGC nudges the collector at most once per interval while over warning.
func (m *MemoryMonitor) hintGC(rssMB uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if time.Since(m.lastGCHint) < gcHintInterval {
		return
	}
	m.lastGCHint = time.Now()
	m.logger.Info("memory over warning threshold, hinting GC",
		zap.Uint64("rss_mb", rssMB),
		zap.Uint64("warning_mb", m.cfg.WarningMB))
	runtime.GC()
}

// WaitUntilBelowWarning blocks while RSS is at or above the warning
// threshold, polling every 500 ms. Returns early on context cancellation.
func (m *MemoryMonitor) WaitUntilBelowWarning(ctx context.Context) error {
	ticker := time.NewTicker(memPollInterval)
	defer ticker.Stop()

	for {
		level, rssMB := m.Level()
		if level == MemOK {
			return nil
		}
		m.logger.Debug("waiting for memory pressure to clear",
			zap.Stringer("level", level),
			zap.Uint64("rss_mb", rssMB))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Thresholds reports the effective configuration.
func (m *MemoryMonitor) Thresholds() MemoryConfig { return m.cfg }
