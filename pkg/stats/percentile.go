// Package stats provides percentile and latency summary calculations
// shared by the tracing and queue monitoring components.
package stats

import (
	"math"
	"sort"
	"time"
)

// Summary holds the derived statistics for one sample set.
type Summary struct {
	P50   float64 `json:"p50"`
	P75   float64 `json:"p75"`
	P90   float64 `json:"p90"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	Count int     `json:"count"`
}

// Compute derives percentile statistics from a sample set.
//
// The input is copied before sorting, so the caller's slice is never
// mutated. An empty input yields a zero Summary with Count 0.
func Compute(samples []float64) Summary {
	if len(samples) == 0 {
		return Summary{}
	}

	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	var total float64
	for _, v := range sorted {
		total += v
	}

	n := len(sorted)
	return Summary{
		P50:   percentile(sorted, 50),
		P75:   percentile(sorted, 75),
		P90:   percentile(sorted, 90),
		P95:   percentile(sorted, 95),
		P99:   percentile(sorted, 99),
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   total / float64(n),
		Count: n,
	}
}

// ComputeDurations derives percentile statistics from durations,
// expressed in milliseconds.
func ComputeDurations(durations []time.Duration) Summary {
	if len(durations) == 0 {
		return Summary{}
	}

	samples := make([]float64, len(durations))
	for i, d := range durations {
		samples[i] = float64(d.Nanoseconds()) / 1e6
	}
	return Compute(samples)
}

// percentile returns the value at rank p over an already sorted slice.
// Rank index is ceil(p/100 * n) - 1, clamped to [0, n-1].
func percentile(sorted []float64, p float64) float64 {
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
