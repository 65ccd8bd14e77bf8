package monitor

import "errors"

var (
	// ErrDeviceUnavailable indicates that the GPU driver library could not
	// be initialized or the requested device index does not exist. The GPU
	// domain is disabled for the whole session when this is returned.
	ErrDeviceUnavailable = errors.New("monitor: gpu device unavailable")

	// ErrProcessUnavailable indicates that the monitored process vanished
	// mid-sampling. The monitor does not recover; the caller must start a
	// fresh measurement window.
	ErrProcessUnavailable = errors.New("monitor: target process unavailable")

	// ErrWattmeterUnreachable indicates that the wattmeter endpoint could
	// not be contacted or the configured output channel is absent from its
	// response. Detected at construction so the domain can be disabled
	// up front instead of failing mid-run.
	ErrWattmeterUnreachable = errors.New("monitor: wattmeter unreachable")

	// ErrMonitorStopped indicates a sampler loop was asked to start twice
	// or sampled after stop.
	ErrMonitorStopped = errors.New("monitor: sampler already stopped")
)
