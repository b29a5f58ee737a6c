// Package rollup derives trend metrics from coordination events: token
// totals, quality averages, duration percentiles, and success rates, both
// over full histories and over rolling time windows.
package rollup

import (
	"math"
	"sort"
)

// SumTokens totals a token sample set.
func SumTokens(tokens []int64) int64 {
	var sum int64
	for _, t := range tokens {
		sum += t
	}
	return sum
}

// QualitySample is a quality score with an aggregation weight, typically the
// number of tasks the score covers.
type QualitySample struct {
	Quality float64
	Weight  float64
}

// WeightedQuality averages quality scores weighted by task count. Samples
// with non-positive weight count as weight 1 so an unweighted caller gets a
// plain mean.
func WeightedQuality(samples []QualitySample) float64 {
	var sum, weights float64
	for _, s := range samples {
		w := s.Weight
		if w <= 0 {
			w = 1
		}
		sum += s.Quality * w
		weights += w
	}
	if weights == 0 {
		return 0
	}
	return sum / weights
}

// SuccessRate returns successes/total, 0 when total is 0.
func SuccessRate(successes, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(successes) / float64(total)
}

// Percentiles of interest for duration reporting.
var defaultPercentiles = []float64{0.50, 0.90, 0.99}

// DurationStats holds p50/p90/p99 over a duration sample set, in the same
// unit the samples were given in.
type DurationStats struct {
	P50   float64 `json:"p50"`
	P90   float64 `json:"p90"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// DurationPercentiles computes p50/p90/p99 by sorting the samples and
// indexing at ceil(p*n)-1. An empty set yields zeros.
func DurationPercentiles(samples []float64) DurationStats {
	stats := DurationStats{Count: len(samples)}
	if len(samples) == 0 {
		return stats
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	at := func(p float64) float64 {
		idx := int(math.Ceil(p*float64(len(sorted)))) - 1
		if idx < 0 {
			idx = 0
		}
		return sorted[idx]
	}
	stats.P50 = at(defaultPercentiles[0])
	stats.P90 = at(defaultPercentiles[1])
	stats.P99 = at(defaultPercentiles[2])
	return stats
}

// Percentile computes a single percentile (0 < p <= 1) over samples.
func Percentile(samples []float64, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
