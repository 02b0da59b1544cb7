package baseline

import "math"

// Decomposition splits a series into linear trend, per-phase seasonal index
// and residual. Phase of bucket i is i mod Period.
type Decomposition struct {
	Trend     Line
	Period    int
	Seasonal  []float64 // Average deviation from trend per phase, centered on zero
	Residuals []float64
}

// Decompose fits the additive model value = trend + seasonal[phase] + residual.
// It returns false when values cover fewer than two full periods.
func Decompose(values []float64, period int) (Decomposition, bool) {
	if period < 2 || len(values) < 2*period {
		return Decomposition{}, false
	}

	trend := FitLine(values)
	seasonal := make([]float64, period)
	counts := make([]int, period)
	for i, v := range values {
		phase := i % period
		seasonal[phase] += v - trend.At(float64(i))
		counts[phase]++
	}
	var center float64
	for p := range seasonal {
		seasonal[p] /= float64(counts[p])
		center += seasonal[p]
	}
	center /= float64(period)
	for p := range seasonal {
		seasonal[p] -= center
	}

	residuals := make([]float64, len(values))
	for i, v := range values {
		residuals[i] = v - trend.At(float64(i)) - seasonal[i%period]
	}

	return Decomposition{
		Trend:     trend,
		Period:    period,
		Seasonal:  seasonal,
		Residuals: residuals,
	}, true
}

// Expected returns trend plus seasonal index at bucket index i.
func (d Decomposition) Expected(i int) float64 {
	return d.Trend.At(float64(i)) + d.Seasonal[i%d.Period]
}

// ResidualStdDev returns sqrt(SSE/(n-2)) over the residuals, floored at Epsilon.
func (d Decomposition) ResidualStdDev() float64 {
	n := len(d.Residuals)
	if n < 3 {
		return Epsilon
	}
	var sse float64
	for _, r := range d.Residuals {
		sse += r * r
	}
	return math.Max(math.Sqrt(sse/float64(n-2)), Epsilon)
}
