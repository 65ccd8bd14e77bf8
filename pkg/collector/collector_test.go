package collector

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaissa/greenbench/pkg/config"
	"github.com/gaissa/greenbench/pkg/energy"
)

// fakeTool writes a shell script standing in for the energy tool: it writes
// a fixed two-row CSV to the -o log path and execs the target command.
func fakeTool(t *testing.T, dir string) string {
	t.Helper()
	script := `#!/bin/sh
out=""
while [ $# -gt 0 ]; do
  case "$1" in
    -o) out="$2"; shift 2 ;;
    --) shift; break ;;
    *) shift ;;
  esac
done
cat > "$out" <<'CSVEOF'
Time,PACKAGE_ENERGY (J)
1000,100.0
2000,130.0
CSVEOF
exec "$@"
`
	path := filepath.Join(dir, "fake-energibridge")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o700))
	return path
}

func testCollector(t *testing.T, reps int) *Collector {
	t.Helper()
	cfg := config.Default()
	cfg.Energy.ToolPath = fakeTool(t, t.TempDir())
	cfg.Energy.UseSudo = false
	cfg.Resources.CPUInterval = 0.05
	cfg.GPU.Enabled = false
	cfg.Wattmeter.Enabled = false
	cfg.Measurement.Repetitions = reps
	cfg.Measurement.BaselineDurationSec = 0.1

	c, err := New("", "FIN", cfg)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestNewAssignsInstanceID(t *testing.T) {
	c := testCollector(t, 1)
	meta := c.Metadata()
	assert.NotEmpty(t, meta.InstanceID)
	assert.Equal(t, "FIN", meta.CountryCode)
	assert.False(t, meta.GPUEnabled)
	assert.Greater(t, meta.GridIntensity, 0.0)
}

func TestNewKeepsExplicitInstanceID(t *testing.T) {
	cfg := config.Default()
	cfg.Energy.ToolPath = fakeTool(t, t.TempDir())
	cfg.Energy.UseSudo = false
	cfg.GPU.Enabled = false
	cfg.Wattmeter.Enabled = false

	c, err := New("bench-42", "", cfg)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, "bench-42", c.Metadata().InstanceID)
}

func TestNewLeavesCallerConfigUntouched(t *testing.T) {
	cfg := config.Default()
	cfg.Energy.ToolPath = fakeTool(t, t.TempDir())
	cfg.Energy.UseSudo = false
	cfg.Energy.GridIntensity = 0
	cfg.GPU.Enabled = false
	cfg.Wattmeter.Enabled = false

	c, err := New("", "FRA", cfg)
	require.NoError(t, err)
	defer c.Close()

	// the session resolved an intensity from the country code, but the
	// caller's config stays reusable for the next session
	assert.Greater(t, c.Metadata().GridIntensity, 0.0)
	assert.Zero(t, cfg.Energy.GridIntensity)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Resources.CPUInterval = -1
	_, err := New("", "", cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cpu_interval")
}

func TestMeasureTestExecutionRepetitions(t *testing.T) {
	c := testCollector(t, 3)

	records, err := c.MeasureTestExecution(context.Background(), "echo hi", energy.WrapNever)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for _, rec := range records {
		assert.InDelta(t, 30.0, rec.CPUEnergyJoules, 1e-9)
		assert.Greater(t, rec.DurationSeconds, 0.0)
	}
}

func TestMeasureTestExecutionAbortsOnFailure(t *testing.T) {
	c := testCollector(t, 3)

	_, err := c.MeasureTestExecution(context.Background(), "false", energy.WrapNever)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "repetition 1")
}

func TestMeasureBaseline(t *testing.T) {
	c := testCollector(t, 1)

	rec, err := c.MeasureBaseline(context.Background())
	require.NoError(t, err)
	assert.Greater(t, rec.DurationSeconds, 0.0)
	assert.InDelta(t, 30.0, rec.TotalEnergyJoules, 1e-9)
}

func TestAggregateInvariants(t *testing.T) {
	records := []energy.Record{
		{TotalEnergyJoules: 10, DurationSeconds: 1},
		{TotalEnergyJoules: 30, DurationSeconds: 3},
		{TotalEnergyJoules: 20, DurationSeconds: 2},
	}
	agg := Aggregate(records)

	assert.InDelta(t, 20.0, agg["total_energy_joules_mean"], 1e-9)
	assert.InDelta(t, 10.0, agg["total_energy_joules_min"], 1e-9)
	assert.InDelta(t, 30.0, agg["total_energy_joules_max"], 1e-9)
	assert.InDelta(t, 10.0, agg["total_energy_joules_std"], 1e-9)

	for key := range agg {
		if !strings.HasSuffix(key, "_mean") {
			continue
		}
		base := strings.TrimSuffix(key, "_mean")
		assert.LessOrEqual(t, agg[base+"_min"], agg[base+"_mean"], base)
		assert.LessOrEqual(t, agg[base+"_mean"], agg[base+"_max"], base)
	}
}

func TestAggregateSingleRecordStdZero(t *testing.T) {
	agg := Aggregate([]energy.Record{{TotalEnergyJoules: 5}})
	assert.Zero(t, agg["total_energy_joules_std"])
	assert.Equal(t, agg["total_energy_joules_mean"], agg["total_energy_joules_min"])
	assert.Equal(t, agg["total_energy_joules_mean"], agg["total_energy_joules_max"])
}

func TestAggregatePartialKeys(t *testing.T) {
	sys := 120.0
	records := []energy.Record{
		{TotalEnergyJoules: 10},
		{TotalEnergyJoules: 20, SystemEnergyJoules: &sys},
	}
	agg := Aggregate(records)

	// the wattmeter key present in one record aggregates over that record
	// alone; the absent record never contributes a phantom zero
	assert.InDelta(t, 120.0, agg["system_energy_joules_mean"], 1e-9)
	assert.Zero(t, agg["system_energy_joules_std"])
	assert.InDelta(t, 15.0, agg["total_energy_joules_mean"], 1e-9)
}

func TestAggregateEmpty(t *testing.T) {
	assert.Empty(t, Aggregate(nil))
}

func TestSaveResultsRoundTrip(t *testing.T) {
	c := testCollector(t, 2)

	records, err := c.MeasureTestExecution(context.Background(), "echo hi", energy.WrapNever)
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "results.json")
	require.NoError(t, c.SaveResults(out, records))

	b, err := os.ReadFile(out)
	require.NoError(t, err)

	var doc Results
	require.NoError(t, json.Unmarshal(b, &doc))
	assert.Len(t, doc.Measurements, 2)
	assert.Equal(t, c.Metadata().InstanceID, doc.Metadata.InstanceID)
	assert.Contains(t, doc.Aggregated, "total_energy_joules_mean")
	assert.Contains(t, doc.Aggregated, "total_energy_joules_std")

	// absent domains stay absent in the persisted measurements too
	var raw map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	ms := raw["measurements"].([]any)
	first := ms[0].(map[string]any)
	assert.NotContains(t, first, "gpu_usage_mean_percent")
	assert.NotContains(t, first, "system_energy_joules")
}
