// Package monitor provides the per-domain samplers that bracket a measured
// command: process/system CPU+RAM (gopsutil), GPU telemetry (NVML), and a
// networked wattmeter, plus the background goroutine that drives any of them
// at a fixed cadence.
//
// Lifecycle
//
//	idle -> Start() -> AddSample()... -> Statistics()
//
// Start clears the sample buffer; Statistics consumes it. A monitor instance
// belongs to exactly one measurement window — reuse across concurrent windows
// cross-contaminates statistics, so create one per window (or Start again for
// strictly sequential windows).
//
// Errors (errs.go):
//
//	ErrDeviceUnavailable    : NVML missing or device index out of range
//	ErrProcessUnavailable   : monitored process vanished mid-window
//	ErrWattmeterUnreachable : endpoint down or output channel absent
//
// Transient single-sample failures (a wattmeter network blip, an unsupported
// GPU reading) are logged and skipped; they never abort the window.
//
// The NVML library is process-global. Handle reference-counts Init/Shutdown
// so a session can span many sequential measurement windows without
// re-initializing the driver between repetitions, which is unreliable.
package monitor
