package energy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaissa/greenbench/pkg/config"
)

func testConfig(t *testing.T, toolPath string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Energy.ToolPath = toolPath
	cfg.Energy.UseSudo = false
	cfg.Energy.GridIntensity = 100
	cfg.Resources.CPUInterval = 0.05
	cfg.GPU.Enabled = false
	cfg.Wattmeter.Enabled = false
	return cfg
}

func TestParseWrapMode(t *testing.T) {
	for in, want := range map[string]WrapMode{
		"auto":   WrapAuto,
		"":       WrapAuto,
		"always": WrapAlways,
		"Never":  WrapNever,
	} {
		got, err := ParseWrapMode(in)
		require.NoError(t, err, "input %q", in)
		assert.Equal(t, want, got)
	}

	_, err := ParseWrapMode("sometimes")
	assert.Error(t, err)
}

func TestResolveCommand(t *testing.T) {
	dir := t.TempDir()
	tool, _ := writeFakeTool(t, dir, twoRowCSV)
	g, err := NewGSMM(testConfig(t, tool), nil)
	require.NoError(t, err)
	defer g.Close()

	cases := []struct {
		name    string
		command string
		mode    WrapMode
		want    string
	}{
		{"auto wraps bare path", "tests/unit", WrapAuto, "pytest tests/unit"},
		{"auto keeps explicit runner", "pytest -x tests/", WrapAuto, "pytest -x tests/"},
		{"auto keeps interpreter invocation", "python -m unittest", WrapAuto, "python -m unittest"},
		{"always wraps", "pytest tests/", WrapAlways, "pytest pytest tests/"},
		{"never passes through", "tests/unit", WrapNever, "tests/unit"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, g.resolveCommand(tc.command, tc.mode))
		})
	}
}

// Auto-detection is a substring match, so a path that merely contains the
// interpreter name suppresses wrapping. Documented behavior; callers that
// hit it should pass an explicit mode.
func TestResolveCommandAutoSubstringSuppression(t *testing.T) {
	dir := t.TempDir()
	tool, _ := writeFakeTool(t, dir, twoRowCSV)
	g, err := NewGSMM(testConfig(t, tool), nil)
	require.NoError(t, err)
	defer g.Close()

	got := g.resolveCommand("tests/python/test_api.py", WrapAuto)
	assert.Equal(t, "tests/python/test_api.py", got)
}

func TestResolveCommandOptions(t *testing.T) {
	dir := t.TempDir()
	tool, _ := writeFakeTool(t, dir, twoRowCSV)
	g, err := NewGSMM(testConfig(t, tool), nil,
		WithRunner("nose2"), WithInterpreter("/opt/py/bin/python3.11"))
	require.NoError(t, err)
	defer g.Close()

	got := g.resolveCommand("tests/", WrapAlways)
	assert.Equal(t, "/opt/py/bin/python3.11 -m nose2 tests/", got)

	// auto-detection follows the configured runner name
	assert.Equal(t, "nose2 -v", g.resolveCommand("nose2 -v", WrapAuto))
}

func TestNewGSMMMissingTool(t *testing.T) {
	cfg := testConfig(t, "/nonexistent/energibridge")
	_, err := NewGSMM(cfg, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrToolNotFound))
}

func TestNewGSMMGridIntensityFallback(t *testing.T) {
	dir := t.TempDir()
	tool, _ := writeFakeTool(t, dir, twoRowCSV)
	cfg := testConfig(t, tool)
	cfg.Energy.GridIntensity = 0

	g, err := NewGSMM(cfg, nil)
	require.NoError(t, err)
	defer g.Close()
	assert.Greater(t, g.GridIntensity(), 0.0)
}

func TestMeasureTestEnergy(t *testing.T) {
	dir := t.TempDir()
	tool, _ := writeFakeTool(t, dir, twoRowCSV)
	g, err := NewGSMM(testConfig(t, tool), nil)
	require.NoError(t, err)
	defer g.Close()

	rec, err := g.MeasureTestEnergy(context.Background(), "echo hello", WrapNever)
	require.NoError(t, err)

	assert.InDelta(t, 60.0, rec.CPUEnergyJoules, 1e-9)
	assert.Zero(t, rec.GPUEnergyJoules)
	assert.InDelta(t, 60.0, rec.TotalEnergyJoules, 1e-9)
	assert.Greater(t, rec.DurationSeconds, 0.0)
	assert.Greater(t, rec.PowerWatts, 0.0)

	// carbon: joules -> kWh -> grams at 100 gCO2e/kWh
	assert.InDelta(t, 60.0/3.6e6*100, rec.CarbonGrams, 1e-12)
	assert.InDelta(t, 1.0/60.0, rec.EnergyEfficiency, 1e-12)

	assert.InDelta(t, 30.0, rec.CPUPowerWatts, 1e-9)
	assert.Equal(t, 2, rec.CPUSamples)

	// disabled domains stay absent, not zero
	fields := rec.Fields()
	assert.NotContains(t, fields, "gpu_usage_mean_percent")
	assert.NotContains(t, fields, "system_energy_joules")
	assert.Contains(t, fields, "total_energy_joules")
	assert.Contains(t, fields, "cpu_usage_mean_percent")

	t.Logf("measured %.1f J over %.3f s", rec.TotalEnergyJoules, rec.DurationSeconds)
}

func TestMeasureTestEnergyZeroEnergy(t *testing.T) {
	dir := t.TempDir()
	tool, _ := writeFakeTool(t, dir, "Time,PACKAGE_ENERGY (J)\n1000,100.0\n")
	g, err := NewGSMM(testConfig(t, tool), nil)
	require.NoError(t, err)
	defer g.Close()

	rec, err := g.MeasureTestEnergy(context.Background(), "true", WrapNever)
	require.NoError(t, err)

	// zero energy must not blow up the derived ratios
	assert.Zero(t, rec.TotalEnergyJoules)
	assert.Zero(t, rec.CarbonGrams)
	assert.Zero(t, rec.EnergyEfficiency)
}

func TestMeasureTestEnergyToolFailure(t *testing.T) {
	dir := t.TempDir()
	tool, _ := writeFakeTool(t, dir, twoRowCSV)
	g, err := NewGSMM(testConfig(t, tool), nil)
	require.NoError(t, err)
	defer g.Close()

	_, err = g.MeasureTestEnergy(context.Background(), "false", WrapNever)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEnergyTool))
}

func TestMeasureBaseline(t *testing.T) {
	dir := t.TempDir()
	tool, argvPath := writeFakeTool(t, dir, twoRowCSV)
	g, err := NewGSMM(testConfig(t, tool), nil)
	require.NoError(t, err)
	defer g.Close()

	rec, err := g.MeasureBaseline(context.Background(), 0.1)
	require.NoError(t, err)
	assert.Greater(t, rec.DurationSeconds, 0.0)

	// baseline runs a bare sleep, never the runner
	argv := readArgv(t, argvPath)
	assert.Contains(t, argv, "sleep")
	assert.Contains(t, argv, "0.1")
	assert.NotContains(t, argv, "pytest")
}
