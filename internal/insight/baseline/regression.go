package baseline

import "math"

// Line is an ordinary least squares fit of value against bucket index.
type Line struct {
	Slope     float64 // Change per bucket
	Intercept float64 // Fitted value at index 0
	RSquared  float64 // Coefficient of determination (0-1)
	SSE       float64 // Sum of squared residuals
	N         int
}

// At returns the fitted value at bucket index x.
func (l Line) At(x float64) float64 {
	return l.Intercept + l.Slope*x
}

// ResidualStdDev returns sqrt(SSE/(n-2)), floored at Epsilon.
// Fits with fewer than three points have no residual degrees of freedom.
func (l Line) ResidualStdDev() float64 {
	if l.N < 3 {
		return Epsilon
	}
	return math.Max(math.Sqrt(l.SSE/float64(l.N-2)), Epsilon)
}

// FitLine regresses values on their indices 0..n-1.
// A single point yields a flat line through it.
func FitLine(values []float64) Line {
	n := len(values)
	if n == 0 {
		return Line{}
	}

	meanX := float64(n-1) / 2
	meanY := Mean(values)

	var ssXY, ssXX, ssYY float64
	for i, v := range values {
		dx := float64(i) - meanX
		dy := v - meanY
		ssXY += dx * dy
		ssXX += dx * dx
		ssYY += dy * dy
	}

	l := Line{Intercept: meanY, N: n}
	if ssXX > 0 {
		l.Slope = ssXY / ssXX
		l.Intercept = meanY - l.Slope*meanX
	}
	if ssXX > 0 && ssYY > 0 {
		l.RSquared = (ssXY * ssXY) / (ssXX * ssYY)
	}
	for i, v := range values {
		r := v - l.At(float64(i))
		l.SSE += r * r
	}
	return l
}
