package monitor

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaissa/greenbench/pkg/types"
)

// fakeNVML is an in-memory NVML stand-in.
type fakeNVML struct {
	initialized bool
	initErr     error
	inits       int
	shutdowns   int
	devices     []*fakeDevice
}

func (f *fakeNVML) Init() error {
	if f.initErr != nil {
		return f.initErr
	}
	f.initialized = true
	f.inits++
	return nil
}

func (f *fakeNVML) Shutdown() error {
	f.initialized = false
	f.shutdowns++
	return nil
}

func (f *fakeNVML) DeviceCount() (int, error) { return len(f.devices), nil }

func (f *fakeNVML) DeviceByIndex(idx int) (nvmlDevice, error) {
	if idx < 0 || idx >= len(f.devices) {
		return nil, errors.New("invalid index")
	}
	return f.devices[idx], nil
}

type fakeDevice struct {
	name    string
	util    float64
	memUsed uint64
	memTot  uint64
	temp    float64
	power   float64
	noTemp  bool
	noPower bool
}

func (d *fakeDevice) Name() (string, error)        { return d.name, nil }
func (d *fakeDevice) Utilization() (float64, error) { return d.util, nil }
func (d *fakeDevice) MemoryInfo() (types.Bytes, types.Bytes, error) {
	return types.ToBytes(d.memUsed), types.ToBytes(d.memTot), nil
}
func (d *fakeDevice) Temperature() (float64, error) {
	if d.noTemp {
		return 0, errUnsupported
	}
	return d.temp, nil
}
func (d *fakeDevice) PowerUsage() (float64, error) {
	if d.noPower {
		return 0, errUnsupported
	}
	return d.power, nil
}

func newFakeHandle(devs ...*fakeDevice) (*Handle, *fakeNVML) {
	lib := &fakeNVML{devices: devs}
	return newHandleWithLib(lib), lib
}

func TestGPUMonitor_SampleStatistics(t *testing.T) {
	const MB = uint64(1 << 20)
	dev := &fakeDevice{name: "Fake A100", util: 40, memUsed: 512 * MB, memTot: 2048 * MB, temp: 60, power: 150}
	h, _ := newFakeHandle(dev)

	g, err := NewGPUMonitor(h, GPUOptions{TrackTemperature: true, TrackPower: true, SamplingInterval: time.Millisecond})
	require.NoError(t, err)
	defer g.Shutdown()

	g.Start()
	require.NoError(t, g.AddSample())
	dev.util, dev.temp, dev.power = 60, 70, 250
	require.NoError(t, g.AddSample())

	st := g.Statistics()
	assert.Equal(t, 2, st.Samples)
	assert.InDelta(t, 50.0, st.UsageMeanPercent, 1e-9)
	assert.InDelta(t, 60.0, st.UsagePeakPercent, 1e-9)
	assert.InDelta(t, 512.0, st.MemoryMeanMB, 1e-9)
	assert.InDelta(t, 25.0, st.MemoryMeanPercent, 1e-9)

	require.NotNil(t, st.TemperatureMeanCelsius)
	assert.InDelta(t, 65.0, *st.TemperatureMeanCelsius, 1e-9)
	require.NotNil(t, st.PowerMeanWatts)
	assert.InDelta(t, 200.0, *st.PowerMeanWatts, 1e-9)
	assert.InDelta(t, 250.0, *st.PowerPeakWatts, 1e-9)
}

func TestGPUMonitor_UnsupportedReadingsOmitted(t *testing.T) {
	dev := &fakeDevice{name: "NoSensors", util: 10, memUsed: 1, memTot: 2, noTemp: true, noPower: true}
	h, _ := newFakeHandle(dev)

	g, err := NewGPUMonitor(h, GPUOptions{TrackTemperature: true, TrackPower: true})
	require.NoError(t, err)
	defer g.Shutdown()

	g.Start()
	require.NoError(t, g.AddSample())

	st := g.Statistics()
	assert.Equal(t, 1, st.Samples)
	assert.Nil(t, st.TemperatureMeanCelsius, "unsupported temperature must be omitted, not zero-filled")
	assert.Nil(t, st.PowerMeanWatts, "unsupported power must be omitted, not zero-filled")
}

func TestGPUMonitor_DeviceUnavailable(t *testing.T) {
	h, lib := newFakeHandle() // no devices
	_, err := NewGPUMonitor(h, GPUOptions{DeviceIndex: 0})
	require.ErrorIs(t, err, ErrDeviceUnavailable)
	// failed construction must not leak a handle reference
	assert.Equal(t, 0, h.refCount())
	assert.False(t, lib.initialized)
}

func TestGPUMonitor_InitFailure(t *testing.T) {
	lib := &fakeNVML{initErr: errors.New("driver missing")}
	h := newHandleWithLib(lib)
	_, err := NewGPUMonitor(h, GPUOptions{})
	require.ErrorIs(t, err, ErrDeviceUnavailable)
}

func TestGPUMonitor_ShutdownIdempotent(t *testing.T) {
	dev := &fakeDevice{name: "Fake", memTot: 1}
	h, lib := newFakeHandle(dev)

	g, err := NewGPUMonitor(h, GPUOptions{})
	require.NoError(t, err)

	g.Shutdown()
	g.Shutdown() // must not panic or double-release
	assert.Equal(t, 1, lib.shutdowns)
	assert.Equal(t, 0, h.refCount())
}

func TestHandle_RefCountingAcrossMonitors(t *testing.T) {
	dev := &fakeDevice{name: "Fake", memTot: 1}
	h, lib := newFakeHandle(dev)

	// session owner holds a reference across repetitions
	require.NoError(t, h.Acquire())

	g1, err := NewGPUMonitor(h, GPUOptions{})
	require.NoError(t, err)
	g1.Shutdown()
	assert.True(t, lib.initialized, "driver must survive a per-run monitor shutdown")

	g2, err := NewGPUMonitor(h, GPUOptions{})
	require.NoError(t, err)
	require.NoError(t, g2.AddSample())
	g2.Shutdown()

	h.Release()
	assert.False(t, lib.initialized)
	assert.Equal(t, 1, lib.inits, "driver initialized exactly once per session")
	assert.Equal(t, 1, lib.shutdowns)
}

func TestIsGPUAvailable(t *testing.T) {
	h, lib := newFakeHandle(&fakeDevice{memTot: 1})
	assert.True(t, IsGPUAvailable(h))
	assert.False(t, lib.initialized, "probe must not keep the driver initialized")

	empty, _ := newFakeHandle()
	assert.False(t, IsGPUAvailable(empty))

	broken := newHandleWithLib(&fakeNVML{initErr: errors.New("no driver")})
	assert.False(t, IsGPUAvailable(broken))
}
