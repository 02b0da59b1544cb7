// Package baseline holds the descriptive statistics and smoothing models
// shared by the forecast and anomaly packages.
package baseline

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Epsilon floors standard deviations so ratios never divide by zero.
const Epsilon = 1e-9

// MeanStdDev returns the mean and the sample standard deviation of values,
// with the deviation floored at Epsilon. A single value has deviation Epsilon.
func MeanStdDev(values []float64) (mean, stdDev float64) {
	switch len(values) {
	case 0:
		return 0, Epsilon
	case 1:
		return values[0], Epsilon
	}
	mean, stdDev = stat.MeanStdDev(values, nil)
	return mean, math.Max(stdDev, Epsilon)
}

// Mean returns the arithmetic mean, or 0 for no values.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return stat.Mean(values, nil)
}

// Quantile returns the q-th quantile (0 <= q <= 1) of values using linear
// interpolation between closest ranks: position q*(n-1) in the sorted sample.
func Quantile(values []float64, q float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	pos := clamp(q, 0, 1) * float64(n-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// ZForConfidence returns the two-sided standard normal critical value for a
// confidence level in (0,1), e.g. 1.96 for 0.95.
func ZForConfidence(level float64) float64 {
	return distuv.UnitNormal.Quantile((1 + level) / 2)
}

// RMS returns the root mean square of errs.
func RMS(errs []float64) float64 {
	if len(errs) == 0 {
		return 0
	}
	var ss float64
	for _, e := range errs {
		ss += e * e
	}
	return math.Sqrt(ss / float64(len(errs)))
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
