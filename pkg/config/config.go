// Package config holds the measurement session configuration. It is loaded
// once per collector instance and treated as read-only afterwards.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the process-wide measurement configuration.
type Config struct {
	Resources   ResourcesConfig   `mapstructure:"resources"`
	Energy      EnergyConfig      `mapstructure:"energy"`
	GPU         GPUConfig         `mapstructure:"gpu"`
	Wattmeter   WattmeterConfig   `mapstructure:"wattmeter"`
	Measurement MeasurementConfig `mapstructure:"measurement"`
}

// ResourcesConfig controls CPU/RAM sampling.
type ResourcesConfig struct {
	// CPUInterval is the sampling cadence in seconds. Per-process CPU
	// utilization blocks for this interval on every sample.
	CPUInterval float64 `mapstructure:"cpu_interval"`
}

// EnergyConfig controls the CPU-package energy tool and carbon conversion.
type EnergyConfig struct {
	// ToolPath is the EnergiBridge-style binary wrapped around the command.
	ToolPath string `mapstructure:"tool_path"`
	// UseSudo runs the tool under sudo; required on real hardware because
	// the energy counters need elevated privilege.
	UseSudo bool `mapstructure:"use_sudo"`
	// MeasurePowerSecs is the tool's own sampling period in seconds.
	MeasurePowerSecs float64 `mapstructure:"measure_power_secs"`
	// GridIntensity is the carbon multiplier in gCO2e/kWh. Zero means
	// "resolve from country code" at session construction.
	GridIntensity float64 `mapstructure:"grid_intensity"`
}

// GPUConfig controls NVML-based GPU telemetry.
type GPUConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	DeviceIndex      int     `mapstructure:"device_index"`
	SamplingInterval float64 `mapstructure:"sampling_interval"`
	TrackTemperature bool    `mapstructure:"track_temperature"`
	TrackPower       bool    `mapstructure:"track_power"`
}

// WattmeterConfig controls the networked power meter domain.
type WattmeterConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	IP              string  `mapstructure:"ip"`
	OutputID        int     `mapstructure:"output_id"`
	Timeout         float64 `mapstructure:"timeout"`
	PollingInterval float64 `mapstructure:"polling_interval"`
}

// MeasurementConfig controls repetition policy.
type MeasurementConfig struct {
	Repetitions         int     `mapstructure:"repetitions"`
	BaselineDurationSec float64 `mapstructure:"baseline_duration_sec"`
}

const envPrefix = "GREENBENCH"

func setDefaults(v *viper.Viper) {
	v.SetDefault("resources.cpu_interval", 0.1)

	v.SetDefault("energy.tool_path", "energibridge")
	v.SetDefault("energy.use_sudo", true)
	v.SetDefault("energy.measure_power_secs", 0.1)
	v.SetDefault("energy.grid_intensity", 0.0)

	v.SetDefault("gpu.enabled", false)
	v.SetDefault("gpu.device_index", 0)
	v.SetDefault("gpu.sampling_interval", 0.1)
	v.SetDefault("gpu.track_temperature", true)
	v.SetDefault("gpu.track_power", true)

	v.SetDefault("wattmeter.enabled", false)
	v.SetDefault("wattmeter.ip", "")
	v.SetDefault("wattmeter.output_id", 1)
	v.SetDefault("wattmeter.timeout", 5.0)
	v.SetDefault("wattmeter.polling_interval", 0.1)

	v.SetDefault("measurement.repetitions", 1)
	v.SetDefault("measurement.baseline_duration_sec", 5.0)
}

// Load reads configuration from an optional YAML file plus GREENBENCH_*
// environment variables, on top of the built-in defaults. An empty path
// yields the defaults (still overridable via environment).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		// defaults always validate
		panic(err)
	}
	return cfg
}

// Validate rejects values the measurement engine cannot operate with.
func (c *Config) Validate() error {
	if c.Resources.CPUInterval <= 0 {
		return fmt.Errorf("config: resources.cpu_interval must be > 0, got %v", c.Resources.CPUInterval)
	}
	if c.GPU.Enabled && c.GPU.SamplingInterval <= 0 {
		return fmt.Errorf("config: gpu.sampling_interval must be > 0, got %v", c.GPU.SamplingInterval)
	}
	if c.GPU.Enabled && c.GPU.DeviceIndex < 0 {
		return fmt.Errorf("config: gpu.device_index must be >= 0, got %d", c.GPU.DeviceIndex)
	}
	if c.Wattmeter.Enabled {
		if c.Wattmeter.IP == "" {
			return fmt.Errorf("config: wattmeter.ip required when wattmeter is enabled")
		}
		if c.Wattmeter.PollingInterval <= 0 {
			return fmt.Errorf("config: wattmeter.polling_interval must be > 0, got %v", c.Wattmeter.PollingInterval)
		}
	}
	if c.Measurement.Repetitions < 1 {
		return fmt.Errorf("config: measurement.repetitions must be >= 1, got %d", c.Measurement.Repetitions)
	}
	return nil
}
