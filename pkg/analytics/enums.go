package analytics

import (
	"strings"
	"time"
)

// Aggregation is how raw points combine inside a bucket.
type Aggregation int

const (
	AggregateSum Aggregation = iota
	AggregateAverage
	AggregateCount
)

// Metric identifies a tracked usage or emissions measure.
type Metric string

const (
	MetricCarbonEmissions   Metric = "carbon_emissions"
	MetricEnergyConsumption Metric = "energy_consumption"
	MetricWaterUsage        Metric = "water_usage"
	MetricWasteGenerated    Metric = "waste_generated"
	MetricCost              Metric = "cost"
	MetricRevenue           Metric = "revenue"
	MetricCarbonIntensity   Metric = "carbon_intensity"
	MetricEnergyIntensity   Metric = "energy_intensity"
	MetricWaterIntensity    Metric = "water_intensity"
	MetricWasteIntensity    Metric = "waste_intensity"
	MetricUsageEvents       Metric = "usage_events"
)

type metricInfo struct {
	aggregation Aggregation
	priority    int // Lower ranks first; emissions before cost
	display     string
}

var metricCatalog = map[Metric]metricInfo{
	MetricCarbonEmissions:   {AggregateSum, 0, "Carbon emissions"},
	MetricCarbonIntensity:   {AggregateAverage, 1, "Carbon intensity"},
	MetricEnergyConsumption: {AggregateSum, 2, "Energy consumption"},
	MetricEnergyIntensity:   {AggregateAverage, 3, "Energy intensity"},
	MetricWaterUsage:        {AggregateSum, 4, "Water usage"},
	MetricWaterIntensity:    {AggregateAverage, 5, "Water intensity"},
	MetricWasteGenerated:    {AggregateSum, 6, "Waste generated"},
	MetricWasteIntensity:    {AggregateAverage, 7, "Waste intensity"},
	MetricUsageEvents:       {AggregateCount, 8, "Usage events"},
	MetricCost:              {AggregateSum, 9, "Cost"},
	MetricRevenue:           {AggregateSum, 10, "Revenue"},
}

// Metrics returns every known metric in priority order.
func Metrics() []Metric {
	out := make([]Metric, len(metricCatalog))
	for m, info := range metricCatalog {
		out[info.priority] = m
	}
	return out
}

// Valid reports whether m is a known metric.
func (m Metric) Valid() bool {
	_, ok := metricCatalog[m]
	return ok
}

// Aggregation returns how m's points combine inside a bucket.
func (m Metric) Aggregation() Aggregation {
	return metricCatalog[m].aggregation
}

// Priority orders metrics for deterministic tie-breaking. Unknown metrics sort last.
func (m Metric) Priority() int {
	if info, ok := metricCatalog[m]; ok {
		return info.priority
	}
	return len(metricCatalog)
}

// DisplayName returns a human-readable name.
func (m Metric) DisplayName() string {
	if info, ok := metricCatalog[m]; ok {
		return info.display
	}
	return string(m)
}

func (m *Metric) UnmarshalText(b []byte) error {
	*m = Metric(normalize(string(b)))
	return nil
}

// Dimension is a tag key points can be partitioned by.
type Dimension string

const (
	DimensionEmissionsSource Dimension = "emissions_source"
	DimensionDepartment      Dimension = "department"
	DimensionLocation        Dimension = "location"
	DimensionProject         Dimension = "project"
	DimensionSupplier        Dimension = "supplier"
	DimensionCustomer        Dimension = "customer"
	DimensionProduct         Dimension = "product"
	DimensionService         Dimension = "service"
)

// Valid reports whether d is a known dimension. The empty dimension is valid.
func (d Dimension) Valid() bool {
	switch d {
	case "", DimensionEmissionsSource, DimensionDepartment, DimensionLocation, DimensionProject,
		DimensionSupplier, DimensionCustomer, DimensionProduct, DimensionService:
		return true
	}
	return false
}

func (d *Dimension) UnmarshalText(b []byte) error {
	*d = Dimension(normalize(string(b)))
	return nil
}

// TimeFrame is the bucket width unit.
type TimeFrame string

const (
	TimeFrameDay     TimeFrame = "day"
	TimeFrameWeek    TimeFrame = "week"
	TimeFrameMonth   TimeFrame = "month"
	TimeFrameQuarter TimeFrame = "quarter"
	TimeFrameYear    TimeFrame = "year"
)

const day = 24 * time.Hour

// Width returns the fixed bucket width, or 0 for an unrecognized time frame.
func (tf TimeFrame) Width() time.Duration {
	switch tf {
	case TimeFrameDay:
		return day
	case TimeFrameWeek:
		return 7 * day
	case TimeFrameMonth:
		return 30 * day
	case TimeFrameQuarter:
		return 90 * day
	case TimeFrameYear:
		return 365 * day
	}
	return 0
}

// Valid reports whether tf is a recognized time frame.
func (tf TimeFrame) Valid() bool {
	return tf.Width() > 0
}

// SeasonalPeriod returns the number of buckets in one seasonal cycle.
// YEAR granularity has no seasonal cycle.
func (tf TimeFrame) SeasonalPeriod() (int, bool) {
	switch tf {
	case TimeFrameDay:
		return 7, true
	case TimeFrameWeek:
		return 52, true
	case TimeFrameMonth:
		return 12, true
	case TimeFrameQuarter:
		return 4, true
	}
	return 0, false
}

func (tf *TimeFrame) UnmarshalText(b []byte) error {
	*tf = TimeFrame(normalize(string(b)))
	return nil
}

// ForecastMethod selects a forecasting technique.
type ForecastMethod string

const (
	ForecastNaive                ForecastMethod = "naive"
	ForecastMovingAverage        ForecastMethod = "moving_average"
	ForecastLinearRegression     ForecastMethod = "linear_regression"
	ForecastExponentialSmoothing ForecastMethod = "exponential_smoothing"
	ForecastSeasonal             ForecastMethod = "seasonal"
	ForecastHoltWinters          ForecastMethod = "holt_winters"
)

func (m *ForecastMethod) UnmarshalText(b []byte) error {
	*m = ForecastMethod(normalize(string(b)))
	return nil
}

// AnomalyMethod selects an outlier detection technique.
type AnomalyMethod string

const (
	AnomalyZScore                 AnomalyMethod = "z_score"
	AnomalyIQR                    AnomalyMethod = "iqr"
	AnomalyMovingAverageDeviation AnomalyMethod = "moving_average_deviation"
	AnomalySeasonalResidual       AnomalyMethod = "seasonal_residual"
)

func (m *AnomalyMethod) UnmarshalText(b []byte) error {
	*m = AnomalyMethod(normalize(string(b)))
	return nil
}

// Sensitivity is the coarse anomaly threshold knob.
type Sensitivity string

const (
	SensitivityLow    Sensitivity = "low"
	SensitivityMedium Sensitivity = "medium"
	SensitivityHigh   Sensitivity = "high"
)

// Valid reports whether s is a known sensitivity level.
func (s Sensitivity) Valid() bool {
	_, ok := s.ZThreshold()
	return ok
}

// ZThreshold returns the standard-deviation multiplier for z-score style methods.
func (s Sensitivity) ZThreshold() (float64, bool) {
	switch s {
	case SensitivityLow:
		return 3.0, true
	case SensitivityMedium:
		return 2.0, true
	case SensitivityHigh:
		return 1.5, true
	}
	return 0, false
}

// IQRMultiplier returns the fence multiplier k for the IQR method.
func (s Sensitivity) IQRMultiplier() (float64, bool) {
	switch s {
	case SensitivityLow:
		return 3.0, true
	case SensitivityMedium:
		return 1.5, true
	case SensitivityHigh:
		return 1.0, true
	}
	return 0, false
}

func (s *Sensitivity) UnmarshalText(b []byte) error {
	*s = Sensitivity(normalize(string(b)))
	return nil
}

// normalize accepts both "LINEAR_REGRESSION" and "linear-regression" style input.
func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.ReplaceAll(s, "-", "_")
}
