// Package collector is the session façade over the measurement engine: it
// owns the configuration and the NVML handle, probes the optional domains
// once per session, runs repetitions, aggregates across them and persists
// the result set.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/gaissa/greenbench/pkg/carbon"
	"github.com/gaissa/greenbench/pkg/config"
	"github.com/gaissa/greenbench/pkg/energy"
	"github.com/gaissa/greenbench/pkg/monitor"
	"github.com/gaissa/greenbench/pkg/stats"
)

// Metadata identifies one measurement session in the persisted output.
type Metadata struct {
	InstanceID    string  `json:"instance_id"`
	Timestamp     string  `json:"timestamp"`
	CountryCode   string  `json:"country_code,omitempty"`
	GPUEnabled    bool    `json:"gpu_enabled"`
	GridIntensity float64 `json:"grid_intensity"`
}

// Results is the persisted output document: the raw per-repetition records,
// the cross-repetition aggregates, and the session metadata.
type Results struct {
	Measurements []energy.Record    `json:"measurements"`
	Aggregated   map[string]float64 `json:"aggregated"`
	Metadata     Metadata           `json:"metadata"`
}

// Collector runs measured commands for one session. Domain availability is
// probed once at construction and fixed for the session lifetime.
type Collector struct {
	cfg    *config.Config
	gsmm   *energy.GSMM
	handle *monitor.Handle
	meta   Metadata
}

// Option customizes a Collector.
type Option func(*opts)

type opts struct {
	gsmmOpts []energy.Option
}

// WithGSMMOptions forwards options to the underlying aggregator (runner
// name, interpreter override).
func WithGSMMOptions(o ...energy.Option) Option {
	return func(c *opts) { c.gsmmOpts = append(c.gsmmOpts, o...) }
}

// New builds a session collector. instanceID may be empty, in which case a
// fresh UUID is assigned. The GPU domain is enabled only when both the
// configuration asks for it and the hardware answers the probe; the grid
// intensity is resolved from countryCode when the configuration leaves it
// unset.
func New(instanceID, countryCode string, cfg *config.Config, options ...Option) (*Collector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	// probe results and the resolved grid intensity belong to this session;
	// the caller's config must stay reusable across sessions
	session := *cfg
	cfg = &session

	var o opts
	for _, fn := range options {
		fn(&o)
	}
	handle := monitor.NewHandle()

	if cfg.GPU.Enabled && !monitor.IsGPUAvailable(handle) {
		slog.Info("gpu requested but not available, disabling")
		cfg.GPU.Enabled = false
	}
	if cfg.Energy.GridIntensity <= 0 {
		cfg.Energy.GridIntensity = carbon.IntensityOrDefault(countryCode)
	}

	gsmm, err := energy.NewGSMM(cfg, handle, o.gsmmOpts...)
	if err != nil {
		return nil, fmt.Errorf("collector: %w", err)
	}

	c := &Collector{
		cfg:    cfg,
		gsmm:   gsmm,
		handle: handle,
		meta: Metadata{
			InstanceID:    instanceID,
			Timestamp:     time.Now().UTC().Format(time.RFC3339),
			CountryCode:   countryCode,
			GPUEnabled:    gsmm.GPUEnabled(),
			GridIntensity: gsmm.GridIntensity(),
		},
	}
	slog.Info("collector session started",
		"instance_id", instanceID,
		"gpu_enabled", c.meta.GPUEnabled,
		"grid_intensity", c.meta.GridIntensity)
	return c, nil
}

// Metadata returns the session metadata.
func (c *Collector) Metadata() Metadata { return c.meta }

// MeasureBaseline measures idle draw for the configured baseline window.
func (c *Collector) MeasureBaseline(ctx context.Context) (energy.Record, error) {
	return c.gsmm.MeasureBaseline(ctx, c.cfg.Measurement.BaselineDurationSec)
}

// MeasureTestExecution runs the command for the configured number of
// repetitions, sequentially, and returns one record per repetition. A
// failing repetition aborts the run; partial result sets are never
// silently padded.
func (c *Collector) MeasureTestExecution(ctx context.Context, command string, mode energy.WrapMode) ([]energy.Record, error) {
	reps := c.cfg.Measurement.Repetitions
	if reps < 1 {
		reps = 1
	}
	records := make([]energy.Record, 0, reps)
	for i := 0; i < reps; i++ {
		slog.Info("measurement repetition", "n", i+1, "of", reps)
		rec, err := c.gsmm.MeasureTestEnergy(ctx, command, mode)
		if err != nil {
			return nil, fmt.Errorf("collector: repetition %d: %w", i+1, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Aggregate computes mean/std/min/max per metric over the union of keys
// present in the record set. A key carried by only some records is
// aggregated over those records alone; absence never turns into a zero.
func Aggregate(records []energy.Record) map[string]float64 {
	if len(records) == 0 {
		return map[string]float64{}
	}

	byKey := make(map[string][]float64)
	for _, rec := range records {
		for k, v := range rec.Fields() {
			byKey[k] = append(byKey[k], v)
		}
	}

	out := make(map[string]float64, len(byKey)*4)
	for k, vals := range byKey {
		s := stats.Summarize(vals)
		out[k+"_mean"] = s.Mean
		out[k+"_std"] = s.Std
		out[k+"_min"] = s.Min
		out[k+"_max"] = s.Max
	}
	return out
}

// SaveResults writes the full result document to path as indented JSON.
func (c *Collector) SaveResults(path string, records []energy.Record) error {
	doc := Results{
		Measurements: records,
		Aggregated:   Aggregate(records),
		Metadata:     c.meta,
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("collector: marshal results: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("collector: write results: %w", err)
	}
	slog.Info("results saved", "path", path, "measurements", len(records))
	return nil
}

// Close ends the session. The last dropped GPU reference shuts the NVML
// library down.
func (c *Collector) Close() {
	c.gsmm.Close()
}
