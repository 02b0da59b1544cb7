// Package correlation measures linear relationships between aligned metric series.
package correlation

import (
	"math"

	"github.com/HerbHall/carbonsight/pkg/analytics"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// MinSamples is the fewest paired buckets a coefficient is computed from.
const MinSamples = 3

const method = "pearson"

// Result holds the Pearson coefficient and its two-tailed p-value.
type Result struct {
	Coefficient float64
	PValue      float64
	N           int
}

// Pearson correlates x and y, which must be aligned bucket by bucket.
// Either series being constant leaves the coefficient undefined and is
// reported as a computation error.
func Pearson(x, y []float64) (Result, error) {
	if len(x) != len(y) {
		return Result{}, analytics.NewValidationError("series", "correlated series must have equal length")
	}
	n := len(x)
	if n < MinSamples {
		return Result{}, analytics.NewInsufficientDataError(method, MinSamples, n)
	}
	if constant(x) || constant(y) {
		return Result{}, analytics.NewComputationError(method, "zero variance in input series")
	}

	r := stat.Correlation(x, y, nil)
	r = math.Max(-1, math.Min(1, r))
	return Result{Coefficient: r, PValue: pValue(r, n), N: n}, nil
}

// pValue is the two-tailed probability of |r| under no correlation, from
// Student's t with n-2 degrees of freedom.
func pValue(r float64, n int) float64 {
	if n <= 2 {
		return 1
	}
	if math.Abs(r) >= 1 {
		return 0
	}
	df := float64(n - 2)
	t := math.Abs(r) * math.Sqrt(df/(1-r*r))
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	return math.Max(0, math.Min(1, 2*dist.Survival(t)))
}

func constant(v []float64) bool {
	for _, x := range v[1:] {
		if x != v[0] {
			return false
		}
	}
	return true
}
