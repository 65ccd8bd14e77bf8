package monitor

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gaissa/greenbench/pkg/stats"
)

// netioResponse mirrors the NETIO PowerBOX JSON document.
type netioResponse struct {
	Outputs []netioOutput `json:"Outputs"`
}

type netioOutput struct {
	ID     int     `json:"ID"`
	Name   string  `json:"Name"`
	Load   float64 `json:"Load"`   // instantaneous watts
	Energy float64 `json:"Energy"` // cumulative watt-hours
}

// WattmeterStats aggregates one window of wall-power samples. Energy is
// mean power times the nominal sampling window (samples x polling interval),
// not wall clock, so a late Stop does not inflate the figure.
type WattmeterStats struct {
	PowerMeanWatts float64
	PowerPeakWatts float64
	PowerMinWatts  float64
	EnergyJoules   float64
	Samples        int
}

// WattmeterMonitor polls a networked power meter for the load of one output
// channel. Construction verifies connectivity so the aggregator can treat
// the wattmeter as optional, best-effort coverage.
type WattmeterMonitor struct {
	url      string
	outputID int
	interval time.Duration
	client   *http.Client

	mu      sync.Mutex
	samples []float64
}

// NewWattmeterMonitor builds a monitor for http://<ip>/netio.json and
// verifies the endpoint answers and carries outputID. Fails with
// ErrWattmeterUnreachable otherwise.
func NewWattmeterMonitor(ip string, outputID int, timeout, pollingInterval time.Duration) (*WattmeterMonitor, error) {
	url := ip
	if !strings.Contains(url, "://") {
		url = "http://" + url
	}
	if !strings.HasSuffix(url, ".json") {
		url = strings.TrimRight(url, "/") + "/netio.json"
	}

	m := &WattmeterMonitor{
		url:      url,
		outputID: outputID,
		interval: pollingInterval,
		client:   &http.Client{Timeout: timeout},
	}
	if err := m.verifyConnection(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *WattmeterMonitor) verifyConnection() error {
	if _, err := m.readLoad(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrWattmeterUnreachable, m.url, err)
	}
	return nil
}

func (m *WattmeterMonitor) readLoad() (float64, error) {
	resp, err := m.client.Get(m.url)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("status %s", resp.Status)
	}

	var doc netioResponse
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return 0, fmt.Errorf("decode: %w", err)
	}
	for _, out := range doc.Outputs {
		if out.ID == m.outputID {
			return out.Load, nil
		}
	}
	return 0, fmt.Errorf("output %d not present in response", m.outputID)
}

// Interval returns the nominal polling cadence.
func (m *WattmeterMonitor) Interval() time.Duration { return m.interval }

// Start resets the sample buffer for a new measurement window.
func (m *WattmeterMonitor) Start() {
	m.mu.Lock()
	m.samples = nil
	m.mu.Unlock()
}

// AddSample polls the meter once. Transient read failures are logged and the
// sample skipped; a network blip must not invalidate the whole window.
func (m *WattmeterMonitor) AddSample() error {
	load, err := m.readLoad()
	if err != nil {
		slog.Warn("wattmeter sample skipped", "err", err)
		return nil
	}
	m.mu.Lock()
	m.samples = append(m.samples, load)
	m.mu.Unlock()
	return nil
}

// SampleCount returns the number of buffered samples.
func (m *WattmeterMonitor) SampleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.samples)
}

// Statistics aggregates the window: mean/peak load and the derived
// system energy. Zero-valued stats when nothing was sampled.
func (m *WattmeterMonitor) Statistics() WattmeterStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.samples) == 0 {
		return WattmeterStats{}
	}
	s := stats.Summarize(m.samples)
	elapsed := float64(len(m.samples)) * m.interval.Seconds()
	return WattmeterStats{
		PowerMeanWatts: s.Mean,
		PowerPeakWatts: s.Max,
		PowerMinWatts:  s.Min,
		EnergyJoules:   s.Mean * elapsed,
		Samples:        len(m.samples),
	}
}
