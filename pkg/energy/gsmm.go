package energy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gaissa/greenbench/pkg/carbon"
	"github.com/gaissa/greenbench/pkg/config"
	"github.com/gaissa/greenbench/pkg/monitor"
	"github.com/gaissa/greenbench/pkg/stats"
)

// WrapMode controls whether a command is wrapped with the test runner
// before execution.
type WrapMode int

const (
	// WrapAuto wraps unless the command already mentions the runner or the
	// interpreter. The detection is a substring match and is therefore
	// ambiguous for commands that merely contain those names elsewhere
	// (e.g. a test path under .../python/...); automated pipelines should
	// pass WrapAlways or WrapNever explicitly.
	WrapAuto WrapMode = iota
	WrapAlways
	WrapNever
)

func (m WrapMode) String() string {
	switch m {
	case WrapAlways:
		return "always"
	case WrapNever:
		return "never"
	default:
		return "auto"
	}
}

// ParseWrapMode converts a CLI flag value into a WrapMode.
func ParseWrapMode(s string) (WrapMode, error) {
	switch strings.ToLower(s) {
	case "auto", "":
		return WrapAuto, nil
	case "always":
		return WrapAlways, nil
	case "never":
		return WrapNever, nil
	default:
		return WrapAuto, fmt.Errorf("energy: unknown wrap mode %q", s)
	}
}

const (
	defaultRunner      = "pytest"
	defaultInterpreter = "python"
)

// GSMM orchestrates one command-to-record measurement across all enabled
// domains: wattmeter, GPU and system resources sampled in the background
// while the CPU energy tool blocks on the command itself.
//
// The monitor set is decided at construction and fixed for the session;
// domain probes that fail disable the domain with a warning rather than
// failing the session (only the CPU energy tool is mandatory).
type GSMM struct {
	cfg *config.Config
	cpu *CPUEnergyMonitor
	gpu *monitor.GPUMonitor
	wm  *monitor.WattmeterMonitor

	gridIntensity float64
	runner        string
	interpreter   string // optional path; wraps as "<interpreter> -m <runner> ..."
}

// Option customizes a GSMM aggregator.
type Option func(*GSMM)

// WithRunner overrides the test runner name used for wrapping and
// auto-detection.
func WithRunner(name string) Option { return func(g *GSMM) { g.runner = name } }

// WithInterpreter sets an interpreter path override: wrapped commands become
// "<interpreter> -m <runner> <command>". Ignored when the command is passed
// through unwrapped.
func WithInterpreter(path string) Option { return func(g *GSMM) { g.interpreter = path } }

// NewGSMM builds the aggregator for one measurement session. handle carries
// the session-owned NVML reference; GPU and wattmeter domains degrade to
// disabled on probe failure, the CPU energy tool is required.
func NewGSMM(cfg *config.Config, handle *monitor.Handle, opts ...Option) (*GSMM, error) {
	g := &GSMM{
		cfg:           cfg,
		gridIntensity: cfg.Energy.GridIntensity,
		runner:        defaultRunner,
	}
	if g.gridIntensity <= 0 {
		g.gridIntensity = carbon.Default()
	}
	for _, o := range opts {
		o(g)
	}

	cpu, err := NewCPUEnergyMonitor(ToolConfig{
		Path:           cfg.Energy.ToolPath,
		UseSudo:        cfg.Energy.UseSudo,
		SampleInterval: secs(cfg.Energy.MeasurePowerSecs),
	})
	if err != nil {
		return nil, fmt.Errorf("cpu energy monitoring required but unavailable: %w", err)
	}
	g.cpu = cpu

	if cfg.GPU.Enabled {
		gpu, err := monitor.NewGPUMonitor(handle, monitor.GPUOptions{
			DeviceIndex:      cfg.GPU.DeviceIndex,
			SamplingInterval: secs(cfg.GPU.SamplingInterval),
			TrackTemperature: cfg.GPU.TrackTemperature,
			TrackPower:       cfg.GPU.TrackPower,
		})
		if err != nil {
			slog.Warn("gpu monitoring unavailable", "err", err)
		} else {
			g.gpu = gpu
		}
	}

	if cfg.Wattmeter.Enabled {
		wm, err := monitor.NewWattmeterMonitor(
			cfg.Wattmeter.IP,
			cfg.Wattmeter.OutputID,
			secs(cfg.Wattmeter.Timeout),
			secs(cfg.Wattmeter.PollingInterval),
		)
		if err != nil {
			slog.Warn("wattmeter unavailable, continuing with partial coverage", "err", err)
		} else {
			g.wm = wm
			slog.Info("wattmeter monitoring enabled, full system coverage")
		}
	}

	slog.Info("gsmm energy monitoring enabled",
		"grid_intensity", g.gridIntensity,
		"gpu", g.gpu != nil,
		"wattmeter", g.wm != nil)
	return g, nil
}

func secs(v float64) time.Duration { return time.Duration(v * float64(time.Second)) }

// GPUEnabled reports whether the GPU domain survived its probe.
func (g *GSMM) GPUEnabled() bool { return g.gpu != nil }

// WattmeterEnabled reports whether the wattmeter domain survived its probe.
func (g *GSMM) WattmeterEnabled() bool { return g.wm != nil }

// GridIntensity returns the carbon multiplier in use (gCO2e/kWh).
func (g *GSMM) GridIntensity() float64 { return g.gridIntensity }

// resolveCommand applies the wrap mode. See WrapMode for the auto-detection
// caveat.
func (g *GSMM) resolveCommand(command string, mode WrapMode) string {
	wrap := false
	switch mode {
	case WrapAlways:
		wrap = true
	case WrapNever:
		wrap = false
	case WrapAuto:
		wrap = !strings.Contains(command, g.runner) && !strings.Contains(command, defaultInterpreter)
	}
	if !wrap {
		return command
	}
	if g.interpreter != "" {
		return fmt.Sprintf("%s -m %s %s", g.interpreter, g.runner, command)
	}
	return fmt.Sprintf("%s %s", g.runner, command)
}

// MeasureTestEnergy runs one command under full instrumentation and returns
// its MeasurementRecord. The samplers bracket the command: all enabled
// background domains start before the tool launches the subprocess and stop
// only after it completes, wattmeter first so it covers the widest window.
func (g *GSMM) MeasureTestEnergy(ctx context.Context, command string, mode WrapMode) (Record, error) {
	start := time.Now()

	var wmBg, gpuBg *monitor.Background
	if g.wm != nil {
		g.wm.Start()
		wmBg = monitor.NewBackground(g.wm, g.wm.Interval())
		_ = wmBg.Start()
	}
	if g.gpu != nil {
		g.gpu.Start()
		gpuBg = monitor.NewBackground(g.gpu, g.gpu.Interval())
		_ = gpuBg.Start()
	}
	res := monitor.NewSystemResourceMonitor(secs(g.cfg.Resources.CPUInterval))
	res.Start()
	resBg := monitor.NewBackground(res, 0) // self-paced: AddSample blocks for its interval
	_ = resBg.Start()

	full := g.resolveCommand(command, mode)
	toolRes, toolErr := g.cpu.MeasureEnergy(ctx, full)

	// stop everything before deciding about the tool error so the samplers
	// never leak past the window
	_ = resBg.Stop()
	var gpuStats monitor.GPUStats
	if gpuBg != nil {
		_ = gpuBg.Stop()
		gpuStats = g.gpu.Statistics()
	}
	var wmStats monitor.WattmeterStats
	if wmBg != nil {
		_ = wmBg.Stop()
		wmStats = g.wm.Statistics()
	}
	resStats := res.Statistics()

	if toolErr != nil {
		return Record{}, toolErr
	}

	duration := time.Since(start).Seconds()

	// GPU energy is approximated as mean power over the whole window times
	// duration, not integrated sample-by-sample; the sampling resolution
	// does not support anything finer.
	var gpuEnergy float64
	if gpuStats.PowerMeanWatts != nil {
		gpuEnergy = *gpuStats.PowerMeanWatts * duration
	}

	total := gpuEnergy + toolRes.EnergyJoules

	rec := Record{
		DurationSeconds:   duration,
		GPUEnergyJoules:   gpuEnergy,
		CPUEnergyJoules:   toolRes.EnergyJoules,
		TotalEnergyJoules: total,
		PowerWatts:        stats.SafeDiv(total, duration),
		CarbonGrams:       carbon.EmissionsGrams(total, g.gridIntensity),
		EnergyEfficiency:  stats.SafeDiv(1, total),

		CPUUsageMeanPercent: resStats.CPUUsageMeanPercent,
		CPUUsagePeakPercent: resStats.CPUUsagePeakPercent,
		RAMUsageMeanMB:      resStats.RAMUsageMeanMB,
		RAMUsagePeakMB:      resStats.RAMUsagePeakMB,

		CPUPowerWatts: toolRes.PowerWatts,
		CPUSamples:    toolRes.Samples,
	}

	if g.gpu != nil && gpuStats.Samples > 0 {
		rec.GPUUsageMeanPercent = ptr(gpuStats.UsageMeanPercent)
		rec.GPUUsagePeakPercent = ptr(gpuStats.UsagePeakPercent)
		rec.GPUMemoryMeanMB = ptr(gpuStats.MemoryMeanMB)
		rec.GPUMemoryPeakMB = ptr(gpuStats.MemoryPeakMB)
		rec.GPUMemoryMeanPercent = ptr(gpuStats.MemoryMeanPercent)
		rec.GPUMemoryPeakPercent = ptr(gpuStats.MemoryPeakPercent)
		rec.GPUTemperatureMeanCelsius = gpuStats.TemperatureMeanCelsius
		rec.GPUTemperaturePeakCelsius = gpuStats.TemperaturePeakCelsius
		rec.GPUPowerMeanWatts = gpuStats.PowerMeanWatts
		rec.GPUPowerPeakWatts = gpuStats.PowerPeakWatts
	}

	// a wattmeter reading adds full-coverage figures without discarding the
	// partial GPU+CPU ones; consumers pick which to trust
	if g.wm != nil && wmStats.Samples > 0 {
		rec.SystemEnergyJoules = ptr(wmStats.EnergyJoules)
		rec.SystemPowerMeanWatts = ptr(wmStats.PowerMeanWatts)
		rec.SystemPowerPeakWatts = ptr(wmStats.PowerPeakWatts)
		rec.CarbonGramsSystem = ptr(carbon.EmissionsGrams(wmStats.EnergyJoules, g.gridIntensity))
	}

	return rec, nil
}

// MeasureBaseline measures idle draw by running a no-op sleep for the given
// wall-clock window, never wrapped with the runner.
func (g *GSMM) MeasureBaseline(ctx context.Context, durationSec float64) (Record, error) {
	return g.MeasureTestEnergy(ctx, fmt.Sprintf("sleep %g", durationSec), WrapNever)
}

// Close releases the aggregator's GPU reference. The session owner still
// holds its own; the driver shuts down when the last one is dropped.
func (g *GSMM) Close() {
	if g.gpu != nil {
		g.gpu.Shutdown()
	}
}

func ptr(v float64) *float64 { return &v }
