// Package anomaly flags buckets whose values fall outside a method-specific
// tolerance interval.
package anomaly

import (
	"fmt"
	"math"

	"github.com/HerbHall/carbonsight/internal/insight/baseline"
	"github.com/HerbHall/carbonsight/internal/insight/timeseries"
	"github.com/HerbHall/carbonsight/pkg/analytics"
	"github.com/google/uuid"
)

// MinPoints is the shortest series worth scanning. Shorter series yield no anomalies.
const MinPoints = 4

// TrailingWindow is the number of preceding buckets used by moving average deviation.
const TrailingWindow = 5

// namespace scopes deterministic anomaly IDs.
var namespace = uuid.MustParse("6f1d7c2e-4a8b-5c3d-9e0f-a1b2c3d4e5f6")

// Config selects how a series is scanned.
type Config struct {
	Method      analytics.AnomalyMethod
	Sensitivity analytics.Sensitivity
	Granularity analytics.TimeFrame // Needed by SEASONAL_RESIDUAL
}

// tolerance is the expected value and acceptable range for one bucket.
type tolerance struct {
	index    int
	expected float64
	rng      analytics.Range
}

type scanner func(values []float64, threshold float64, cfg Config) ([]tolerance, error)

var scanners = map[analytics.AnomalyMethod]scanner{
	analytics.AnomalyZScore:                 scanZScore,
	analytics.AnomalyIQR:                    scanIQR,
	analytics.AnomalyMovingAverageDeviation: scanMovingAverage,
	analytics.AnomalySeasonalResidual:       scanSeasonal,
}

// Supported reports whether m names a known anomaly method.
func Supported(m analytics.AnomalyMethod) bool {
	_, ok := scanners[m]
	return ok
}

// Detect scans buckets and returns one Anomaly per bucket whose value lies
// outside its tolerance interval, in bucket order.
func Detect(buckets []analytics.Bucket, metric analytics.Metric, cfg Config) ([]analytics.Anomaly, error) {
	scan, ok := scanners[cfg.Method]
	if !ok {
		return nil, analytics.NewUnsupportedMethodError("anomaly method", string(cfg.Method))
	}
	threshold, ok := cfg.Sensitivity.ZThreshold()
	if cfg.Method == analytics.AnomalyIQR {
		threshold, ok = cfg.Sensitivity.IQRMultiplier()
	}
	if !ok {
		return nil, analytics.NewValidationError("sensitivity", fmt.Sprintf("unknown level %q", cfg.Sensitivity))
	}
	if len(buckets) < MinPoints {
		return []analytics.Anomaly{}, nil
	}

	values := timeseries.Values(buckets)
	tols, err := scan(values, threshold, cfg)
	if err != nil {
		return nil, err
	}

	out := []analytics.Anomaly{}
	for _, tol := range tols {
		v := values[tol.index]
		if tol.rng.Contains(v) {
			continue
		}
		b := buckets[tol.index]
		out = append(out, analytics.Anomaly{
			Timestamp:     b.Start,
			Bucket:        b.Label,
			Metric:        metric,
			Method:        cfg.Method,
			ObservedValue: v,
			Expected:      tol.expected,
			ExpectedRange: tol.rng,
			Severity:      Severity(v, tol.rng),
		})
	}
	return out, nil
}

// Severity is the distance beyond the range normalized by the range's
// half-width, clamped to [0,1]. A zero-width range gives 1 for any excess.
func Severity(v float64, r analytics.Range) float64 {
	var excess float64
	switch {
	case v > r.High:
		excess = v - r.High
	case v < r.Low:
		excess = r.Low - v
	default:
		return 0
	}
	half := (r.High - r.Low) / 2
	if half <= 0 {
		return 1
	}
	return math.Min(excess/half, 1)
}

// ID derives a stable identifier for an anomaly within an organization.
func ID(orgID string, a *analytics.Anomaly) string {
	key := fmt.Sprintf("%s|%s|%s|%d", orgID, a.Metric, a.Method, a.Timestamp.UnixNano())
	return uuid.NewSHA1(namespace, []byte(key)).String()
}

func band(center, halfWidth float64) analytics.Range {
	return analytics.Range{Low: center - halfWidth, High: center + halfWidth}
}

func scanZScore(values []float64, threshold float64, _ Config) ([]tolerance, error) {
	mean, sd := baseline.MeanStdDev(values)
	rng := band(mean, threshold*sd)
	tols := make([]tolerance, len(values))
	for i := range values {
		tols[i] = tolerance{index: i, expected: mean, rng: rng}
	}
	return tols, nil
}

func scanIQR(values []float64, k float64, _ Config) ([]tolerance, error) {
	q1 := baseline.Quantile(values, 0.25)
	q3 := baseline.Quantile(values, 0.75)
	iqr := q3 - q1
	rng := analytics.Range{Low: q1 - k*iqr, High: q3 + k*iqr}
	median := baseline.Quantile(values, 0.5)
	tols := make([]tolerance, len(values))
	for i := range values {
		tols[i] = tolerance{index: i, expected: median, rng: rng}
	}
	return tols, nil
}

// scanMovingAverage compares each bucket with the mean of up to TrailingWindow
// preceding buckets. Buckets with fewer than two predecessors are not judged.
func scanMovingAverage(values []float64, threshold float64, _ Config) ([]tolerance, error) {
	var tols []tolerance
	for i := 2; i < len(values); i++ {
		window := values[max(0, i-TrailingWindow):i]
		mean, sd := baseline.MeanStdDev(window)
		tols = append(tols, tolerance{index: i, expected: mean, rng: band(mean, threshold*sd)})
	}
	return tols, nil
}

func scanSeasonal(values []float64, threshold float64, cfg Config) ([]tolerance, error) {
	period, ok := cfg.Granularity.SeasonalPeriod()
	if !ok {
		return nil, analytics.NewUnsupportedMethodError("granularity for seasonal residual detection", string(cfg.Granularity))
	}
	d, ok := baseline.Decompose(values, period)
	if !ok {
		return nil, analytics.NewInsufficientDataError(string(analytics.AnomalySeasonalResidual), 2*period, len(values))
	}
	sd := d.ResidualStdDev()
	tols := make([]tolerance, len(values))
	for i := range values {
		exp := d.Expected(i)
		tols[i] = tolerance{index: i, expected: exp, rng: band(exp, threshold*sd)}
	}
	return tols, nil
}
