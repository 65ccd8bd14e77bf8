package monitor

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/NVIDIA/go-nvml/pkg/nvml"

	"github.com/gaissa/greenbench/pkg/types"
)

// errUnsupported marks a per-reading capability the hardware/driver lacks
// (e.g. no power sensor). Such readings are omitted from samples, not
// zero-filled.
var errUnsupported = errors.New("monitor: nvml reading unsupported")

// nvmlLib abstracts the NVML entry points the GPU monitor uses, so tests can
// substitute a fake driver.
type nvmlLib interface {
	Init() error
	Shutdown() error
	DeviceCount() (int, error)
	DeviceByIndex(idx int) (nvmlDevice, error)
}

type nvmlDevice interface {
	Name() (string, error)
	Utilization() (float64, error)
	MemoryInfo() (used, total types.Bytes, err error)
	Temperature() (float64, error)
	PowerUsage() (float64, error)
}

type realNVML struct{}

func nvmlErr(op string, ret nvml.Return) error {
	return fmt.Errorf("nvml %s: %s", op, nvml.ErrorString(ret))
}

func (realNVML) Init() error {
	if ret := nvml.Init(); ret != nvml.SUCCESS {
		return nvmlErr("init", ret)
	}
	return nil
}

func (realNVML) Shutdown() error {
	if ret := nvml.Shutdown(); ret != nvml.SUCCESS {
		return nvmlErr("shutdown", ret)
	}
	return nil
}

func (realNVML) DeviceCount() (int, error) {
	n, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return 0, nvmlErr("device count", ret)
	}
	return n, nil
}

func (realNVML) DeviceByIndex(idx int) (nvmlDevice, error) {
	dev, ret := nvml.DeviceGetHandleByIndex(idx)
	if ret != nvml.SUCCESS {
		return nil, nvmlErr(fmt.Sprintf("device %d", idx), ret)
	}
	return realDevice{dev: dev}, nil
}

type realDevice struct {
	dev nvml.Device
}

func (d realDevice) Name() (string, error) {
	name, ret := d.dev.GetName()
	if ret != nvml.SUCCESS {
		return "", nvmlErr("device name", ret)
	}
	return name, nil
}

func (d realDevice) Utilization() (float64, error) {
	u, ret := d.dev.GetUtilizationRates()
	if ret != nvml.SUCCESS {
		return 0, nvmlErr("utilization", ret)
	}
	return float64(u.Gpu), nil
}

func (d realDevice) MemoryInfo() (types.Bytes, types.Bytes, error) {
	mi, ret := d.dev.GetMemoryInfo()
	if ret != nvml.SUCCESS {
		return 0, 0, nvmlErr("memory info", ret)
	}
	return types.ToBytes(mi.Used), types.ToBytes(mi.Total), nil
}

func (d realDevice) Temperature() (float64, error) {
	t, ret := d.dev.GetTemperature(nvml.TEMPERATURE_GPU)
	if ret == nvml.ERROR_NOT_SUPPORTED {
		return 0, errUnsupported
	}
	if ret != nvml.SUCCESS {
		return 0, nvmlErr("temperature", ret)
	}
	return float64(t), nil
}

func (d realDevice) PowerUsage() (float64, error) {
	mw, ret := d.dev.GetPowerUsage()
	if ret == nvml.ERROR_NOT_SUPPORTED {
		return 0, errUnsupported
	}
	if ret != nvml.SUCCESS {
		return 0, nvmlErr("power usage", ret)
	}
	return float64(mw) / 1000.0, nil
}

// Handle is a reference-counted guard around the process-global NVML state.
// Init runs on the first Acquire, Shutdown on the last Release. The session
// owner (collector) holds one reference across all repetitions so the driver
// is never torn down between sequential runs — repeated init/shutdown cycles
// silently break subsequent sampling.
type Handle struct {
	mu   sync.Mutex
	lib  nvmlLib
	refs int
}

// NewHandle returns a handle bound to the real NVML library.
func NewHandle() *Handle { return &Handle{lib: realNVML{}} }

func newHandleWithLib(lib nvmlLib) *Handle { return &Handle{lib: lib} }

// Acquire takes a reference, initializing NVML on the first one.
func (h *Handle) Acquire() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.refs == 0 {
		if err := h.lib.Init(); err != nil {
			return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
	}
	h.refs++
	return nil
}

// Release drops a reference, shutting NVML down when the count reaches zero.
// Extra releases are ignored.
func (h *Handle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.refs == 0 {
		return
	}
	h.refs--
	if h.refs == 0 {
		if err := h.lib.Shutdown(); err != nil {
			// nothing the caller can do at teardown; keep it observable
			slog.Warn("nvml shutdown failed", "err", err)
		}
	}
}

func (h *Handle) refCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refs
}

// IsGPUAvailable probes whether at least one NVML device exists. It takes
// and drops its own handle reference, so an idle probe leaves the driver
// uninitialized.
func IsGPUAvailable(h *Handle) bool {
	if err := h.Acquire(); err != nil {
		return false
	}
	defer h.Release()
	n, err := h.lib.DeviceCount()
	return err == nil && n > 0
}
