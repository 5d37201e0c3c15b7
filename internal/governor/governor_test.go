package governor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMemMonitor(t *testing.T, cfg MemoryConfig, rssMB uint64) *MemoryMonitor {
	t.Helper()
	m, err := NewMemoryMonitor(cfg, zap.NewNop())
	require.NoError(t, err)
	m.sampleRSS = func() (uint64, error) { return rssMB << 20, nil }
	return m
}

func TestMemoryLevels(t *testing.T) {
	cfg := MemoryConfig{WarningMB: 400, LimitMB: 600}

	tests := []struct {
		name  string
		rssMB uint64
		want  MemLevel
	}{
		{name: "under warning", rssMB: 200, want: MemOK},
		{name: "at warning", rssMB: 400, want: MemWarning},
		{name: "between thresholds", rssMB: 500, want: MemWarning},
		{name: "at limit", rssMB: 600, want: MemCritical},
		{name: "over limit", rssMB: 900, want: MemCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMemMonitor(t, cfg, tt.rssMB)
			level, rssMB := m.Level()
			assert.Equal(t, tt.want, level)
			assert.Equal(t, tt.rssMB, rssMB)
		})
	}
}

func TestMemorySampleFailureReadsOK(t *testing.T) {
	m := newMemMonitor(t, MemoryConfig{WarningMB: 400, LimitMB: 600}, 0)
	m.sampleRSS = func() (uint64, error) { return 0, errors.New("proc gone") }

	level, _ := m.Level()
	assert.Equal(t, MemOK, level)
}

func TestWaitUntilBelowWarning(t *testing.T) {
	m := newMemMonitor(t, MemoryConfig{WarningMB: 400, LimitMB: 600}, 0)

	// RSS drops below warning after two samples.
	calls := 0
	m.sampleRSS = func() (uint64, error) {
		calls++
		if calls < 3 {
			return 700 << 20, nil
		}
		return 100 << 20, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.WaitUntilBelowWarning(ctx))
	assert.GreaterOrEqual(t, calls, 3)
}

func TestWaitUntilBelowWarningCancel(t *testing.T) {
	m := newMemMonitor(t, MemoryConfig{WarningMB: 400, LimitMB: 600}, 900)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := m.WaitUntilBelowWarning(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryDefaultsApplied(t *testing.T) {
	m, err := NewMemoryMonitor(MemoryConfig{}, zap.NewNop())
	require.NoError(t, err)

	cfg := m.Thresholds()
	def := DefaultMemoryConfig()
	assert.Equal(t, def.WarningMB, cfg.WarningMB)
	assert.Equal(t, def.LimitMB, cfg.LimitMB)
	assert.Less(t, cfg.WarningMB, cfg.LimitMB)
}

func TestCPUShouldThrottle(t *testing.T) {
	tests := []struct {
		name    string
		busiest float64
		err     error
		want    bool
	}{
		{name: "idle", busiest: 5, want: false},
		{name: "at threshold", busiest: 50, want: false},
		{name: "over threshold", busiest: 80, want: true},
		{name: "sample failure", err: errors.New("no procfs"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewCPUMonitor(50, zap.NewNop())
			m.samplePerCore = func(ctx context.Context) (float64, error) {
				return tt.busiest, tt.err
			}
			assert.Equal(t, tt.want, m.ShouldThrottle(context.Background()))
		})
	}
}

func TestCPUDefaultThreshold(t *testing.T) {
	m := NewCPUMonitor(0, zap.NewNop())
	assert.Equal(t, DefaultMaxCPUPercentPerCore, m.Threshold())
}
