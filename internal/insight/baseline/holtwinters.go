package baseline

// Holt-Winters defaults for bucketed usage series.
const (
	DefaultHWAlpha = 0.3
	DefaultHWBeta  = 0.1
	DefaultHWGamma = 0.3
)

// HoltWinters implements triple exponential smoothing with additive seasonality.
// It is initialized from the first two seasons of a batch and then updated
// one value at a time.
type HoltWinters struct {
	Alpha     float64   // Level smoothing (0-1)
	Beta      float64   // Trend smoothing (0-1)
	Gamma     float64   // Seasonal smoothing (0-1)
	SeasonLen int       // Buckets in one season
	Level     float64   // Current level
	Trend     float64   // Current trend per bucket
	Seasonal  []float64 // Seasonal components indexed by phase
	Samples   int       // Values absorbed, including the initialization window

	errs []float64
}

// NewHoltWinters creates an uninitialized model.
func NewHoltWinters(alpha, beta, gamma float64, seasonLen int) *HoltWinters {
	return &HoltWinters{
		Alpha:     clamp(alpha, 0, 1),
		Beta:      clamp(beta, 0, 1),
		Gamma:     clamp(gamma, 0, 1),
		SeasonLen: seasonLen,
		Seasonal:  make([]float64, seasonLen),
	}
}

// Fit initializes the model from the first two seasons of values and then
// absorbs the remaining values. It returns false when values are shorter
// than two seasons.
func (hw *HoltWinters) Fit(values []float64) bool {
	p := hw.SeasonLen
	if p < 2 || len(values) < 2*p {
		return false
	}

	first := Mean(values[:p])
	second := Mean(values[p : 2*p])
	hw.Level = first
	hw.Trend = (second - first) / float64(p)
	for i := 0; i < p; i++ {
		hw.Seasonal[i] = values[i] - (first + hw.Trend*(float64(i)-float64(p-1)/2))
	}
	hw.Samples = p
	// Level sits at the middle of the first season; move it to the last bucket.
	hw.Level += hw.Trend * float64(p-1) / 2

	for _, v := range values[p:] {
		hw.Update(v)
	}
	return true
}

// Update absorbs the next value, recording the one-step-ahead error.
func (hw *HoltWinters) Update(value float64) {
	idx := hw.Samples % hw.SeasonLen
	hw.errs = append(hw.errs, value-hw.Predict(1))
	hw.Samples++

	prevLevel := hw.Level
	hw.Level = hw.Alpha*(value-hw.Seasonal[idx]) + (1-hw.Alpha)*(prevLevel+hw.Trend)
	hw.Trend = hw.Beta*(hw.Level-prevLevel) + (1-hw.Beta)*hw.Trend
	hw.Seasonal[idx] = hw.Gamma*(value-hw.Level) + (1-hw.Gamma)*hw.Seasonal[idx]
}

// Predict returns the forecast stepsAhead buckets past the last absorbed value.
func (hw *HoltWinters) Predict(stepsAhead int) float64 {
	idx := (hw.Samples + stepsAhead - 1) % hw.SeasonLen
	return hw.Level + float64(stepsAhead)*hw.Trend + hw.Seasonal[idx]
}

// ResidualStdDev returns the RMS one-step-ahead error, floored at Epsilon.
func (hw *HoltWinters) ResidualStdDev() float64 {
	r := RMS(hw.errs)
	if r < Epsilon {
		return Epsilon
	}
	return r
}
