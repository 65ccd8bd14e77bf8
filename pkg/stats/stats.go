// Package stats provides the small numeric helpers shared by the monitors
// and the collector: per-window sample statistics and guarded arithmetic.
package stats

import "math"

// Summary holds the four aggregates reported for every numeric series.
type Summary struct {
	Mean float64
	Std  float64
	Min  float64
	Max  float64
}

// Summarize computes mean, sample standard deviation, min and max over vals.
// Std uses the N-1 denominator and is 0 for fewer than two values.
// An empty slice yields the zero Summary.
func Summarize(vals []float64) Summary {
	if len(vals) == 0 {
		return Summary{}
	}
	s := Summary{Min: vals[0], Max: vals[0]}
	var sum float64
	for _, v := range vals {
		sum += v
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
	}
	s.Mean = sum / float64(len(vals))
	s.Std = Stdev(vals)
	return s
}

// Mean returns the arithmetic mean of vals, 0 for an empty slice.
func Mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

// Stdev returns the sample standard deviation (N-1 denominator) of vals.
// Fewer than two values yield 0, never an error.
func Stdev(vals []float64) float64 {
	n := len(vals)
	if n < 2 {
		return 0
	}
	m := Mean(vals)
	var ss float64
	for _, v := range vals {
		d := v - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(n-1))
}

// SafeDiv divides n by d, returning 0 only when d is exactly zero. Derived
// ratios must be zero iff their denominator is; tiny non-zero denominators
// stay honest divisions.
func SafeDiv(n, d float64) float64 {
	if d == 0 {
		return 0
	}
	return n / d
}
