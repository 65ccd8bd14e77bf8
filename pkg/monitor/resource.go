package monitor

import (
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/gaissa/greenbench/pkg/stats"
	"github.com/gaissa/greenbench/pkg/types"
)

// ResourceSample is one point-in-time CPU/RAM observation.
type ResourceSample struct {
	At         time.Time
	CPUPercent float64 // may exceed 100 on multi-core for process scope
	RSS        types.Bytes
	VMS        types.Bytes
}

// ResourceStats aggregates one measurement window of resource samples.
// The zero value (Samples == 0) is the "no samples" result.
type ResourceStats struct {
	CPUUsageMeanPercent float64
	CPUUsagePeakPercent float64
	CPUUsageMinPercent  float64
	CPUUsageStdPercent  float64

	RAMUsageMeanMB float64
	RAMUsagePeakMB float64
	RAMUsageMinMB  float64
	RAMUsageStdMB  float64

	Samples int
}

// ResourceMonitor samples CPU utilization and memory, either for one process
// or system-wide. Not safe to share across concurrent measurement windows;
// Start resets the buffer for a new sequential window.
type ResourceMonitor struct {
	interval time.Duration
	proc     *process.Process // nil means system scope

	mu      sync.Mutex
	samples []ResourceSample
}

// NewProcessResourceMonitor monitors one PID. CPU percent is normalized so
// multi-core usage can exceed 100%. Returns ErrProcessUnavailable when the
// PID does not exist.
func NewProcessResourceMonitor(pid int32, interval time.Duration) (*ResourceMonitor, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("%w: pid %d: %v", ErrProcessUnavailable, pid, err)
	}
	return &ResourceMonitor{interval: interval, proc: p}, nil
}

// NewSystemResourceMonitor monitors system-wide CPU utilization and used RAM.
// This is the scope the aggregator runs during command execution.
func NewSystemResourceMonitor(interval time.Duration) *ResourceMonitor {
	return &ResourceMonitor{interval: interval}
}

// Interval returns the configured sampling cadence.
func (m *ResourceMonitor) Interval() time.Duration { return m.interval }

// Start resets the sample buffer for a new measurement window.
func (m *ResourceMonitor) Start() {
	m.mu.Lock()
	m.samples = nil
	m.mu.Unlock()
}

// AddSample reads current CPU utilization and memory and appends one sample.
// The call blocks for the configured interval because utilization needs an
// observation window.
func (m *ResourceMonitor) AddSample() error {
	var s ResourceSample
	if m.proc != nil {
		pct, err := m.proc.Percent(m.interval)
		if err != nil {
			return m.procErr(err)
		}
		mi, err := m.proc.MemoryInfo()
		if err != nil {
			return m.procErr(err)
		}
		s = ResourceSample{At: time.Now(), CPUPercent: pct, RSS: types.ToBytes(mi.RSS), VMS: types.ToBytes(mi.VMS)}
	} else {
		pcts, err := cpu.Percent(m.interval, false)
		if err != nil {
			return fmt.Errorf("system cpu sample: %w", err)
		}
		var pct float64
		if len(pcts) > 0 {
			pct = pcts[0]
		}
		vm, err := mem.VirtualMemory()
		if err != nil {
			return fmt.Errorf("system memory sample: %w", err)
		}
		s = ResourceSample{At: time.Now(), CPUPercent: pct, RSS: types.ToBytes(vm.Used)}
	}

	m.mu.Lock()
	m.samples = append(m.samples, s)
	m.mu.Unlock()
	return nil
}

func (m *ResourceMonitor) procErr(err error) error {
	if running, rerr := m.proc.IsRunning(); rerr == nil && !running {
		return fmt.Errorf("%w: pid %d", ErrProcessUnavailable, m.proc.Pid)
	}
	return fmt.Errorf("process sample pid %d: %w", m.proc.Pid, err)
}

// Samples returns a copy of the buffered samples.
func (m *ResourceMonitor) Samples() []ResourceSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ResourceSample, len(m.samples))
	copy(out, m.samples)
	return out
}

// Statistics aggregates the buffered samples. With no samples it returns the
// zero-value stats, never an error.
func (m *ResourceMonitor) Statistics() ResourceStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.samples) == 0 {
		return ResourceStats{}
	}

	cpuVals := make([]float64, len(m.samples))
	ramVals := make([]float64, len(m.samples))
	for i, s := range m.samples {
		cpuVals[i] = s.CPUPercent
		ramVals[i] = s.RSS.MB()
	}

	c := stats.Summarize(cpuVals)
	r := stats.Summarize(ramVals)
	return ResourceStats{
		CPUUsageMeanPercent: c.Mean,
		CPUUsagePeakPercent: c.Max,
		CPUUsageMinPercent:  c.Min,
		CPUUsageStdPercent:  c.Std,

		RAMUsageMeanMB: r.Mean,
		RAMUsagePeakMB: r.Max,
		RAMUsageMinMB:  r.Min,
		RAMUsageStdMB:  r.Std,

		Samples: len(m.samples),
	}
}
