package energy

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/gaissa/greenbench/pkg/stats"
)

// ToolConfig configures the external CPU-package energy tool (an
// EnergiBridge-style wrapper that execs the measured command under elevated
// privilege and writes a cumulative-energy CSV log).
type ToolConfig struct {
	// Path to the tool binary; a bare name is resolved via PATH.
	Path string
	// UseSudo prefixes the invocation with sudo. Required on real hardware
	// because the package energy counters need elevated privilege.
	UseSudo bool
	// SampleInterval is the tool's own sampling period.
	SampleInterval time.Duration
	// TempDir for the wrapper script and log; defaults to os.TempDir().
	TempDir string
}

// ToolResult is the single cumulative measurement the tool yields for one
// command execution.
type ToolResult struct {
	EnergyJoules    float64
	PowerWatts      float64
	DurationSeconds float64
	Samples         int
}

// CPUEnergyMonitor runs a command under the energy tool and parses the
// resulting log. Unlike the sampled monitors it produces one energy delta
// for the whole execution, not a time series.
type CPUEnergyMonitor struct {
	cfg  ToolConfig
	path string
}

// NewCPUEnergyMonitor resolves and validates the tool binary up front so a
// misconfigured path fails at session construction, not mid-measurement.
func NewCPUEnergyMonitor(cfg ToolConfig) (*CPUEnergyMonitor, error) {
	path := cfg.Path
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrToolNotFound)
	}
	if strings.ContainsRune(path, os.PathSeparator) {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrToolNotFound, path, err)
		}
	} else {
		resolved, err := exec.LookPath(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrToolNotFound, path, err)
		}
		path = resolved
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	return &CPUEnergyMonitor{cfg: cfg, path: path}, nil
}

// shell control operators the tool cannot handle: it execs its argument
// directly, without a shell.
var shellOperators = []string{"&&", "||", ";", "|", ">", "<", "\n"}

func needsScript(command string) bool {
	for _, op := range shellOperators {
		if strings.Contains(command, op) {
			return true
		}
	}
	// working-directory changes only mean anything to a shell
	return strings.HasPrefix(command, "cd ") || strings.Contains(command, " cd ")
}

// MeasureEnergy synchronously executes command under the energy tool and
// returns the cumulative energy delta over the execution. Commands with
// shell control operators are wrapped in a temporary script. The wrapper
// script and the tool's log are removed on every exit path.
func (m *CPUEnergyMonitor) MeasureEnergy(ctx context.Context, command string) (ToolResult, error) {
	logFile, err := os.CreateTemp(m.cfg.TempDir, fmt.Sprintf("greenbench-%d-*.csv", os.Getpid()))
	if err != nil {
		return ToolResult{}, fmt.Errorf("energy: create log file: %w", err)
	}
	logPath := logFile.Name()
	_ = logFile.Close()
	defer os.Remove(logPath)

	var target []string
	if needsScript(command) {
		script, err := m.writeScript(command)
		if err != nil {
			return ToolResult{}, err
		}
		defer os.Remove(script)
		target = []string{"/bin/sh", script}
	} else {
		target = strings.Fields(command)
	}
	if len(target) == 0 {
		return ToolResult{}, fmt.Errorf("%w: empty command", ErrEnergyTool)
	}

	argv := make([]string, 0, len(target)+8)
	if m.cfg.UseSudo {
		argv = append(argv, "sudo")
	}
	argv = append(argv, m.path, "-o", logPath)
	if m.cfg.SampleInterval > 0 {
		argv = append(argv, "--interval", strconv.Itoa(int(m.cfg.SampleInterval.Milliseconds())))
	}
	argv = append(argv, "--")
	argv = append(argv, target...)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	slog.Debug("running energy tool", "argv", argv)
	if err := cmd.Run(); err != nil {
		return ToolResult{}, fmt.Errorf("%w: %v: %s", ErrEnergyTool, err, strings.TrimSpace(stderr.String()))
	}

	// the log was written under elevated privilege; take it back
	if m.cfg.UseSudo {
		if err := os.Chown(logPath, os.Getuid(), os.Getgid()); err != nil {
			slog.Warn("chown of energy log failed", "path", logPath, "err", err)
		}
	}

	res, err := parseEnergyLog(logPath)
	if err != nil {
		return ToolResult{}, err
	}
	return res, nil
}

func (m *CPUEnergyMonitor) writeScript(command string) (string, error) {
	f, err := os.CreateTemp(m.cfg.TempDir, fmt.Sprintf("greenbench-%d-*.sh", os.Getpid()))
	if err != nil {
		return "", fmt.Errorf("energy: create wrapper script: %w", err)
	}
	path := f.Name()
	_, werr := f.WriteString("#!/bin/sh\n" + command + "\n")
	cerr := f.Close()
	if werr != nil || cerr != nil {
		os.Remove(path)
		return "", fmt.Errorf("energy: write wrapper script: %w", werr)
	}
	if err := os.Chmod(path, 0o700); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("energy: chmod wrapper script: %w", err)
	}
	return path, nil
}

// time column candidates and their divisor to seconds. EnergiBridge writes
// "Time" in milliseconds; plainer tools write "timestamp" in seconds.
var timeColumns = map[string]float64{
	"Time":      1000,
	"timestamp": 1,
	"Timestamp": 1,
}

var energyColumns = []string{"PACKAGE_ENERGY (J)", "CPU_ENERGY (J)", "energy_joules"}

// parseEnergyLog computes last-minus-first cumulative energy and duration
// from the tool's CSV log. A single-row log yields zero energy and zero
// duration with power 0, never a division error.
func parseEnergyLog(path string) (ToolResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return ToolResult{}, fmt.Errorf("%w: open log: %v", ErrEnergyTool, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return ToolResult{}, fmt.Errorf("%w: parse log: %v", ErrEnergyTool, err)
	}
	if len(rows) < 2 {
		return ToolResult{}, fmt.Errorf("%w: log has no data rows", ErrEnergyTool)
	}

	header := rows[0]
	timeIdx, divisor := -1, 1.0
	for i, col := range header {
		if d, ok := timeColumns[col]; ok {
			timeIdx, divisor = i, d
			break
		}
	}
	energyIdx := -1
	for _, want := range energyColumns {
		for i, col := range header {
			if col == want {
				energyIdx = i
				break
			}
		}
		if energyIdx >= 0 {
			break
		}
	}
	if timeIdx < 0 || energyIdx < 0 {
		return ToolResult{}, fmt.Errorf("%w: log missing time/energy columns (header %v)", ErrEnergyTool, header)
	}

	data := rows[1:]
	first, last := data[0], data[len(data)-1]
	firstT, err1 := parseField(first, timeIdx)
	lastT, err2 := parseField(last, timeIdx)
	firstE, err3 := parseField(first, energyIdx)
	lastE, err4 := parseField(last, energyIdx)
	for _, e := range []error{err1, err2, err3, err4} {
		if e != nil {
			return ToolResult{}, fmt.Errorf("%w: %v", ErrEnergyTool, e)
		}
	}

	energy := lastE - firstE
	// the counter is cumulative; going backwards means it wrapped or reset
	// mid-run, which is a broken measurement, not a zero-energy one
	if energy < 0 {
		return ToolResult{}, fmt.Errorf("%w: negative energy delta %v J", ErrEnergyTool, energy)
	}
	duration := (lastT - firstT) / divisor
	return ToolResult{
		EnergyJoules:    energy,
		PowerWatts:      stats.SafeDiv(energy, duration),
		DurationSeconds: duration,
		Samples:         len(data),
	}, nil
}

func parseField(row []string, idx int) (float64, error) {
	if idx >= len(row) {
		return 0, fmt.Errorf("short row %v", row)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(row[idx]), 64)
	if err != nil {
		return 0, fmt.Errorf("bad numeric field %q: %v", row[idx], err)
	}
	return v, nil
}
