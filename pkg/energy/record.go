package energy

// Record is the measurement output for one execution of one command.
// Core energy/duration/carbon fields are always present; GPU and wattmeter
// fields are pointers so "domain absent" and "measured zero" stay distinct
// both in memory and in the persisted JSON.
//
// A Record is immutable once the aggregator returns it.
type Record struct {
	DurationSeconds   float64 `json:"duration_seconds"`
	GPUEnergyJoules   float64 `json:"gpu_energy_joules"`
	CPUEnergyJoules   float64 `json:"cpu_energy_joules"`
	TotalEnergyJoules float64 `json:"total_energy_joules"`
	PowerWatts        float64 `json:"power_watts"`
	CarbonGrams       float64 `json:"carbon_grams"`
	EnergyEfficiency  float64 `json:"energy_efficiency"`

	// wattmeter domain (100% coverage when present)
	SystemEnergyJoules   *float64 `json:"system_energy_joules,omitempty"`
	SystemPowerMeanWatts *float64 `json:"system_power_mean_watts,omitempty"`
	SystemPowerPeakWatts *float64 `json:"system_power_peak_watts,omitempty"`
	CarbonGramsSystem    *float64 `json:"carbon_grams_system,omitempty"`

	CPUUsageMeanPercent float64 `json:"cpu_usage_mean_percent"`
	CPUUsagePeakPercent float64 `json:"cpu_usage_peak_percent"`
	RAMUsageMeanMB      float64 `json:"ram_usage_mean_mb"`
	RAMUsagePeakMB      float64 `json:"ram_usage_peak_mb"`

	// GPU domain
	GPUUsageMeanPercent       *float64 `json:"gpu_usage_mean_percent,omitempty"`
	GPUUsagePeakPercent       *float64 `json:"gpu_usage_peak_percent,omitempty"`
	GPUMemoryMeanMB           *float64 `json:"gpu_memory_mean_mb,omitempty"`
	GPUMemoryPeakMB           *float64 `json:"gpu_memory_peak_mb,omitempty"`
	GPUMemoryMeanPercent      *float64 `json:"gpu_memory_mean_percent,omitempty"`
	GPUMemoryPeakPercent      *float64 `json:"gpu_memory_peak_percent,omitempty"`
	GPUTemperatureMeanCelsius *float64 `json:"gpu_temperature_mean_celsius,omitempty"`
	GPUTemperaturePeakCelsius *float64 `json:"gpu_temperature_peak_celsius,omitempty"`
	GPUPowerMeanWatts         *float64 `json:"gpu_power_mean_watts,omitempty"`
	GPUPowerPeakWatts         *float64 `json:"gpu_power_peak_watts,omitempty"`

	// tool-level details
	CPUPowerWatts float64 `json:"cpu_power_watts"`
	CPUSamples    int     `json:"cpu_samples"`
}

// Fields returns the flat key set present on this record, optional fields
// included only when set. Aggregation across repetitions operates on this
// map so a key missing from some records is never defaulted to zero.
func (r Record) Fields() map[string]float64 {
	m := map[string]float64{
		"duration_seconds":       r.DurationSeconds,
		"gpu_energy_joules":      r.GPUEnergyJoules,
		"cpu_energy_joules":      r.CPUEnergyJoules,
		"total_energy_joules":    r.TotalEnergyJoules,
		"power_watts":            r.PowerWatts,
		"carbon_grams":           r.CarbonGrams,
		"energy_efficiency":      r.EnergyEfficiency,
		"cpu_usage_mean_percent": r.CPUUsageMeanPercent,
		"cpu_usage_peak_percent": r.CPUUsagePeakPercent,
		"ram_usage_mean_mb":      r.RAMUsageMeanMB,
		"ram_usage_peak_mb":      r.RAMUsagePeakMB,
		"cpu_power_watts":        r.CPUPowerWatts,
		"cpu_samples":            float64(r.CPUSamples),
	}
	addOpt := func(key string, v *float64) {
		if v != nil {
			m[key] = *v
		}
	}
	addOpt("system_energy_joules", r.SystemEnergyJoules)
	addOpt("system_power_mean_watts", r.SystemPowerMeanWatts)
	addOpt("system_power_peak_watts", r.SystemPowerPeakWatts)
	addOpt("carbon_grams_system", r.CarbonGramsSystem)
	addOpt("gpu_usage_mean_percent", r.GPUUsageMeanPercent)
	addOpt("gpu_usage_peak_percent", r.GPUUsagePeakPercent)
	addOpt("gpu_memory_mean_mb", r.GPUMemoryMeanMB)
	addOpt("gpu_memory_peak_mb", r.GPUMemoryPeakMB)
	addOpt("gpu_memory_mean_percent", r.GPUMemoryMeanPercent)
	addOpt("gpu_memory_peak_percent", r.GPUMemoryPeakPercent)
	addOpt("gpu_temperature_mean_celsius", r.GPUTemperatureMeanCelsius)
	addOpt("gpu_temperature_peak_celsius", r.GPUTemperaturePeakCelsius)
	addOpt("gpu_power_mean_watts", r.GPUPowerMeanWatts)
	addOpt("gpu_power_peak_watts", r.GPUPowerPeakWatts)
	return m
}
