package governor

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"go.uber.org/zap"
)

const (
	// DefaultMaxCPUPercentPerCore throttles when any core is half busy.
	DefaultMaxCPUPercentPerCore = 50.0

	cpuSampleWindow = time.Second

	// ThrottleDelay is the cooperative sleep the ingester inserts between
	// batches while throttled.
	ThrottleDelay = 200 * time.Millisecond
)

// CPUMonitor samples per-core CPU usage over a one-second window and reports
// whether ingestion should back off.
type CPUMonitor struct {
	maxPerCore float64
	logger     *zap.Logger

	// samplePerCore returns the busiest core's percent over the window.
	// Replaceable in tests.
	samplePerCore func(ctx context.Context) (float64, error)
}

// NewCPUMonitor builds a monitor over system per-core usage. A zero threshold
// gets the 50% default.
func NewCPUMonitor(maxPerCore float64, logger *zap.Logger) *CPUMonitor {
	if maxPerCore <= 0 {
		maxPerCore = DefaultMaxCPUPercentPerCore
	}
	return &CPUMonitor{
		maxPerCore: maxPerCore,
		logger:     logger,
		samplePerCore: func(ctx context.Context) (float64, error) {
			percents, err := cpu.PercentWithContext(ctx, cpuSampleWindow, true)
			if err != nil {
				return 0, err
			}
			var max float64
			for _, p := range percents {
				if p > max {
					max = p
				}
			}
			return max, nil
		},
	}
}

// ShouldThrottle blocks for the sample window and reports whether the
// busiest core exceeds the threshold. Sampling failures read as not
// throttled.
func (m *CPUMonitor) ShouldThrottle(ctx context.Context) bool {
	busiest, err := m.samplePerCore(ctx)
	if err != nil {
		m.logger.Warn("cpu sample failed", zap.Error(err))
		return false
	}
	if busiest > m.maxPerCore {
		m.logger.Debug("cpu over threshold",
			zap.Float64("busiest_core_percent", busiest),
			zap.Float64("max_percent", m.maxPerCore))
		return true
	}
	return false
}

// Threshold reports the configured per-core limit.
func (m *CPUMonitor) Threshold() float64 { return m.maxPerCore }
