// Package forecast extrapolates aggregated bucket series into future buckets
// with widening confidence bands.
package forecast

import (
	"math"

	"github.com/HerbHall/carbonsight/internal/insight/baseline"
	"github.com/HerbHall/carbonsight/internal/insight/timeseries"
	"github.com/HerbHall/carbonsight/pkg/analytics"
)

// DefaultConfidenceLevel is used when the config leaves it unset.
const DefaultConfidenceLevel = 0.95

// MovingAverageWindow is the maximum number of trailing buckets averaged.
const MovingAverageWindow = 5

// model is a fitted forecaster. predict takes steps ahead starting at 1.
type model struct {
	predict func(step int) float64
	sigma   float64
	flat    bool // Zero-width bounds
}

type method struct {
	minPoints int  // Ignored for seasonal methods
	seasonal  bool // Needs two full seasonal periods
	fit       func(values []float64, season int) model
}

var methods = map[analytics.ForecastMethod]method{
	analytics.ForecastNaive:                {minPoints: 2, fit: fitNaive},
	analytics.ForecastMovingAverage:        {minPoints: 2, fit: fitMovingAverage},
	analytics.ForecastLinearRegression:     {minPoints: 3, fit: fitLinear},
	analytics.ForecastExponentialSmoothing: {minPoints: 2, fit: fitExponential},
	analytics.ForecastSeasonal:             {seasonal: true, fit: fitSeasonal},
	analytics.ForecastHoltWinters:          {seasonal: true, fit: fitHoltWinters},
}

// Supported reports whether m names a known forecast method.
func Supported(m analytics.ForecastMethod) bool {
	_, ok := methods[m]
	return ok
}

// MinPoints returns the minimum training length m needs at granularity tf.
func MinPoints(m analytics.ForecastMethod, tf analytics.TimeFrame) (int, error) {
	def, ok := methods[m]
	if !ok {
		return 0, analytics.NewUnsupportedMethodError("forecast method", string(m))
	}
	if !def.seasonal {
		return def.minPoints, nil
	}
	season, ok := tf.SeasonalPeriod()
	if !ok {
		return 0, analytics.NewUnsupportedMethodError("granularity for "+string(m)+" forecasting", string(tf))
	}
	return 2 * season, nil
}

// Forecast fits cfg.Method to train and predicts every bucket of cfg.ForecastPeriod.
// Bounds are predicted +/- z * sigma * sqrt(1 + h/n) for step h and training length n.
func Forecast(train []analytics.Bucket, cfg analytics.ForecastConfig) (*analytics.ForecastResult, error) {
	def, ok := methods[cfg.Method]
	if !ok {
		return nil, analytics.NewUnsupportedMethodError("forecast method", string(cfg.Method))
	}
	if err := ValidatePeriods(cfg); err != nil {
		return nil, err
	}
	horizon, err := timeseries.Bounds(cfg.ForecastPeriod, cfg.Granularity)
	if err != nil {
		return nil, err
	}
	if len(horizon) == 0 {
		return nil, analytics.NewValidationError("forecast_period", "must span at least one bucket")
	}

	minPoints, err := MinPoints(cfg.Method, cfg.Granularity)
	if err != nil {
		return nil, err
	}
	n := len(train)
	if n < minPoints {
		return nil, analytics.NewInsufficientDataError(string(cfg.Method), minPoints, n)
	}

	level := cfg.ConfidenceLevel
	if level == 0 {
		level = DefaultConfidenceLevel
	}
	if level <= 0 || level >= 1 {
		return nil, analytics.NewValidationError("confidence_level", "must be between 0 and 1 exclusive")
	}

	season, _ := cfg.Granularity.SeasonalPeriod()
	values := timeseries.Values(train)
	m := def.fit(values, season)
	z := baseline.ZForConfidence(level)

	result := &analytics.ForecastResult{
		Metric:          cfg.Metric,
		Method:          cfg.Method,
		Points:          make([]analytics.ForecastPoint, len(horizon)),
		ConfidenceLevel: level,
		TrainSize:       n,
		LastObserved:    values[n-1],
		LastObservedAt:  train[n-1].Start,
	}
	if !m.flat {
		result.ResidualStdDev = m.sigma
	}

	for i, b := range horizon {
		step := i + 1
		predicted := m.predict(step)
		half := 0.0
		if !m.flat {
			half = z * m.sigma * math.Sqrt(1+float64(step)/float64(n))
		}
		result.Points[i] = analytics.ForecastPoint{
			Bucket:     b,
			Predicted:  predicted,
			LowerBound: predicted - half,
			UpperBound: predicted + half,
		}
		result.Points[i].Bucket.Value = predicted
	}
	return result, nil
}

// ValidatePeriods checks that the forecast period begins where training ends.
func ValidatePeriods(cfg analytics.ForecastConfig) error {
	if err := cfg.TrainPeriod.Validate("train_period"); err != nil {
		return err
	}
	if err := cfg.ForecastPeriod.Validate("forecast_period"); err != nil {
		return err
	}
	if !cfg.ForecastPeriod.Start.Equal(cfg.TrainPeriod.End) {
		return analytics.NewValidationError("forecast_period", "must start where train_period ends")
	}
	return nil
}

func fitNaive(values []float64, _ int) model {
	last := values[len(values)-1]
	return model{
		predict: func(int) float64 { return last },
		flat:    true,
	}
}

func fitMovingAverage(values []float64, _ int) model {
	w := min(MovingAverageWindow, len(values))
	mean, sd := baseline.MeanStdDev(values[len(values)-w:])
	return model{
		predict: func(int) float64 { return mean },
		sigma:   sd,
	}
}

func fitLinear(values []float64, _ int) model {
	line := baseline.FitLine(values)
	n := float64(len(values))
	return model{
		predict: func(step int) float64 { return line.At(n - 1 + float64(step)) },
		sigma:   line.ResidualStdDev(),
	}
}

func fitExponential(values []float64, _ int) model {
	level, rmse := baseline.SmoothLevel(values, baseline.DefaultAlpha)
	return model{
		predict: func(int) float64 { return level },
		sigma:   rmse,
	}
}

func fitSeasonal(values []float64, season int) model {
	d, _ := baseline.Decompose(values, season)
	n := len(values)
	return model{
		predict: func(step int) float64 { return d.Expected(n - 1 + step) },
		sigma:   d.ResidualStdDev(),
	}
}

func fitHoltWinters(values []float64, season int) model {
	hw := baseline.NewHoltWinters(baseline.DefaultHWAlpha, baseline.DefaultHWBeta, baseline.DefaultHWGamma, season)
	hw.Fit(values)
	return model{
		predict: hw.Predict,
		sigma:   hw.ResidualStdDev(),
	}
}
