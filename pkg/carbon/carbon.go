// Package carbon resolves ISO country codes to electricity grid carbon
// intensity (gCO2e/kWh), the multiplier used to convert measured energy
// into emission estimates.
package carbon

import (
	_ "embed"
	"encoding/json"
	"log/slog"
	"strings"
)

//go:embed grid_intensities.json
var gridJSON []byte

type gridTable struct {
	Default     float64            `json:"default"`
	Intensities map[string]float64 `json:"intensities"`
}

var table = mustLoad()

func mustLoad() gridTable {
	var t gridTable
	if err := json.Unmarshal(gridJSON, &t); err != nil {
		// the table is compiled in; a parse failure is a build defect
		panic("carbon: embedded grid table: " + err.Error())
	}
	return t
}

// Default returns the fallback grid intensity used when no country is given
// or the country is unknown.
func Default() float64 { return table.Default }

// Intensity returns the grid intensity for an ISO 3166-1 alpha-3 country
// code and whether the code was found in the table.
func Intensity(countryCode string) (float64, bool) {
	v, ok := table.Intensities[strings.ToUpper(strings.TrimSpace(countryCode))]
	return v, ok
}

// IntensityOrDefault resolves countryCode, logging a warning and falling back
// to the default when the code is empty or unknown.
func IntensityOrDefault(countryCode string) float64 {
	if countryCode == "" {
		return table.Default
	}
	if v, ok := Intensity(countryCode); ok {
		return v
	}
	slog.Warn("unknown country code, using default grid intensity",
		"country", countryCode, "default", table.Default)
	return table.Default
}

// EmissionsGrams converts energy in joules to grams of CO2e at the given
// grid intensity. 1 kWh = 3.6e6 J.
func EmissionsGrams(energyJoules, gridIntensity float64) float64 {
	return energyJoules / 3.6e6 * gridIntensity
}
