package monitor

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gaissa/greenbench/pkg/stats"
	"github.com/gaissa/greenbench/pkg/types"
)

// GPUOptions configures a GPU measurement window.
type GPUOptions struct {
	DeviceIndex      int
	SamplingInterval time.Duration
	TrackTemperature bool
	TrackPower       bool
}

// GPUSample is one point-in-time GPU observation. Temperature and power are
// nil when the hardware/driver does not support the reading.
type GPUSample struct {
	At                 time.Time
	UtilizationPercent float64
	MemoryUsed         types.Bytes
	MemoryTotal        types.Bytes
	MemoryPercent      float64
	TemperatureCelsius *float64
	PowerWatts         *float64
}

// GPUStats aggregates one window of GPU samples. Temperature and power
// aggregates are nil unless at least one sample carried the reading.
type GPUStats struct {
	UsageMeanPercent float64
	UsagePeakPercent float64
	UsageMinPercent  float64
	UsageStdPercent  float64

	MemoryMeanMB      float64
	MemoryPeakMB      float64
	MemoryMeanPercent float64
	MemoryPeakPercent float64

	TemperatureMeanCelsius *float64
	TemperaturePeakCelsius *float64
	PowerMeanWatts         *float64
	PowerPeakWatts         *float64

	Samples int
}

// GPUMonitor samples one NVML device. It holds a reference on the shared
// Handle from construction until Shutdown; the driver itself is only torn
// down when the session owner drops the last reference.
type GPUMonitor struct {
	handle *Handle
	dev    nvmlDevice
	name   string
	opts   GPUOptions

	mu       sync.Mutex
	samples  []GPUSample
	released bool
}

// NewGPUMonitor binds a monitor to the device at opts.DeviceIndex. It fails
// with ErrDeviceUnavailable when the library cannot initialize or the index
// is out of range; probe with IsGPUAvailable before constructing.
func NewGPUMonitor(h *Handle, opts GPUOptions) (*GPUMonitor, error) {
	if err := h.Acquire(); err != nil {
		return nil, err
	}
	dev, err := h.lib.DeviceByIndex(opts.DeviceIndex)
	if err != nil {
		h.Release()
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	name, err := dev.Name()
	if err != nil {
		name = fmt.Sprintf("gpu-%d", opts.DeviceIndex)
	}
	if _, total, err := dev.MemoryInfo(); err == nil {
		slog.Info("gpu monitor initialized", "device", name, "index", opts.DeviceIndex, "memory", total.Humanized())
	} else {
		slog.Info("gpu monitor initialized", "device", name, "index", opts.DeviceIndex)
	}
	return &GPUMonitor{handle: h, dev: dev, name: name, opts: opts}, nil
}

// Name returns the device product name.
func (g *GPUMonitor) Name() string { return g.name }

// Interval returns the configured sampling cadence.
func (g *GPUMonitor) Interval() time.Duration { return g.opts.SamplingInterval }

// Start resets the sample buffer for a new measurement window.
func (g *GPUMonitor) Start() {
	g.mu.Lock()
	g.samples = nil
	g.mu.Unlock()
}

// AddSample queries utilization, memory, and optionally temperature and
// power, and appends one sample. Unsupported readings are omitted from the
// sample rather than recorded as zero.
func (g *GPUMonitor) AddSample() error {
	util, err := g.dev.Utilization()
	if err != nil {
		return fmt.Errorf("gpu sample: %w", err)
	}
	used, total, err := g.dev.MemoryInfo()
	if err != nil {
		return fmt.Errorf("gpu sample: %w", err)
	}

	s := GPUSample{
		At:                 time.Now(),
		UtilizationPercent: util,
		MemoryUsed:         used,
		MemoryTotal:        total,
	}
	if total > 0 {
		s.MemoryPercent = float64(used) / float64(total) * 100
	}

	if g.opts.TrackTemperature {
		if t, err := g.dev.Temperature(); err == nil {
			s.TemperatureCelsius = &t
		} else if !errors.Is(err, errUnsupported) {
			slog.Warn("gpu temperature read failed", "err", err)
		}
	}
	if g.opts.TrackPower {
		if p, err := g.dev.PowerUsage(); err == nil {
			s.PowerWatts = &p
		} else if !errors.Is(err, errUnsupported) {
			slog.Warn("gpu power read failed", "err", err)
		}
	}

	g.mu.Lock()
	g.samples = append(g.samples, s)
	g.mu.Unlock()
	return nil
}

// Statistics aggregates the buffered samples; the zero value is returned
// when nothing was sampled.
func (g *GPUMonitor) Statistics() GPUStats {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.samples) == 0 {
		return GPUStats{}
	}

	util := make([]float64, len(g.samples))
	memMB := make([]float64, len(g.samples))
	memPct := make([]float64, len(g.samples))
	var temps, powers []float64
	for i, s := range g.samples {
		util[i] = s.UtilizationPercent
		memMB[i] = s.MemoryUsed.MB()
		memPct[i] = s.MemoryPercent
		if s.TemperatureCelsius != nil {
			temps = append(temps, *s.TemperatureCelsius)
		}
		if s.PowerWatts != nil {
			powers = append(powers, *s.PowerWatts)
		}
	}

	u := stats.Summarize(util)
	mb := stats.Summarize(memMB)
	mp := stats.Summarize(memPct)
	out := GPUStats{
		UsageMeanPercent: u.Mean,
		UsagePeakPercent: u.Max,
		UsageMinPercent:  u.Min,
		UsageStdPercent:  u.Std,

		MemoryMeanMB:      mb.Mean,
		MemoryPeakMB:      mb.Max,
		MemoryMeanPercent: mp.Mean,
		MemoryPeakPercent: mp.Max,

		Samples: len(g.samples),
	}
	if len(temps) > 0 {
		t := stats.Summarize(temps)
		out.TemperatureMeanCelsius = &t.Mean
		out.TemperaturePeakCelsius = &t.Max
	}
	if len(powers) > 0 {
		p := stats.Summarize(powers)
		out.PowerMeanWatts = &p.Mean
		out.PowerPeakWatts = &p.Max
	}
	return out
}

// Shutdown drops this monitor's reference on the shared NVML handle. Safe to
// call multiple times; only the first call releases.
func (g *GPUMonitor) Shutdown() {
	g.mu.Lock()
	if g.released {
		g.mu.Unlock()
		return
	}
	g.released = true
	g.mu.Unlock()
	g.handle.Release()
}
