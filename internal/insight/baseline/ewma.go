package baseline

// DefaultAlpha is the smoothing factor for single exponential smoothing.
const DefaultAlpha = 0.3

// EWMA is single exponential smoothing over a sequence of bucket values.
// Each Update records the one-step-ahead error made before absorbing the value.
type EWMA struct {
	Alpha   float64 // Smoothing factor (0 < alpha <= 1)
	Level   float64 // Current smoothed level
	Samples int     // Number of values processed

	errs []float64
}

// NewEWMA creates a smoother. Out-of-range alpha falls back to DefaultAlpha.
func NewEWMA(alpha float64) *EWMA {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	return &EWMA{Alpha: alpha}
}

// Update absorbs the next value. The first value seeds the level.
func (e *EWMA) Update(value float64) {
	e.Samples++
	if e.Samples == 1 {
		e.Level = value
		return
	}
	e.errs = append(e.errs, value-e.Level)
	e.Level += e.Alpha * (value - e.Level)
}

// Errors returns the one-step-ahead errors recorded so far.
func (e *EWMA) Errors() []float64 {
	return e.errs
}

// SmoothLevel runs values through a fresh EWMA and returns the final level and
// the RMS one-step-ahead error, floored at Epsilon.
func SmoothLevel(values []float64, alpha float64) (level, rmse float64) {
	e := NewEWMA(alpha)
	for _, v := range values {
		e.Update(v)
	}
	rmse = RMS(e.Errors())
	if rmse < Epsilon {
		rmse = Epsilon
	}
	return e.Level, rmse
}
