// Package analytics provides public SDK types for the CarbonSight analytics engine.
// This package is Apache 2.0 licensed, part of the public plugin SDK.
package analytics

import (
	"fmt"
	"time"
)

// MetricPoint is a single raw usage or emissions reading for an organization.
type MetricPoint struct {
	OrganizationID string            `json:"organization_id"`
	Metric         Metric            `json:"metric"`
	Value          float64           `json:"value"`
	Timestamp      time.Time         `json:"timestamp"`
	Tags           map[string]string `json:"tags,omitempty"`
}

// Period is a time range. Points belong to a period when Start <= ts < End.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Validate reports a ValidationError when Start is after End.
func (p Period) Validate(field string) error {
	if p.Start.IsZero() || p.End.IsZero() {
		return NewValidationError(field, "start and end are required")
	}
	if p.Start.After(p.End) {
		return NewValidationError(field, fmt.Sprintf("start %s is after end %s",
			p.Start.UTC().Format(time.RFC3339), p.End.UTC().Format(time.RFC3339)))
	}
	return nil
}

// Contains reports whether t falls in [Start, End).
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Duration returns End - Start.
func (p Period) Duration() time.Duration {
	return p.End.Sub(p.Start)
}

// Bucket is one fixed-width interval of an aggregated series.
type Bucket struct {
	Label string    `json:"label"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Value float64   `json:"value"`
	Count int       `json:"count"` // Raw points that fell into the bucket
}

// Filter is an equality predicate over a point's tags.
type Filter struct {
	Tag   string `json:"tag" validate:"required"`
	Value string `json:"value"`
}

// Matches reports whether the point carries Tag=Value.
func (f Filter) Matches(p *MetricPoint) bool {
	v, ok := p.Tags[f.Tag]
	return ok && v == f.Value
}

// AnalyticsQuery is a request for one or more aggregated metric series.
type AnalyticsQuery struct {
	OrganizationID string    `json:"organization_id" validate:"required"`
	Metrics        []Metric  `json:"metrics" validate:"required,min=1,dive,required"`
	Dimension      Dimension `json:"dimension,omitempty"`
	TimeFrame      TimeFrame `json:"time_frame" validate:"required"`
	Period         *Period   `json:"period,omitempty"`
	Filters        []Filter  `json:"filters,omitempty" validate:"dive"`
}

// MetricSeries is the aggregated result for one metric. Partitions is set
// instead of Buckets when the query requested a dimension.
type MetricSeries struct {
	Metric     Metric              `json:"metric"`
	Dimension  Dimension           `json:"dimension,omitempty"`
	TimeFrame  TimeFrame           `json:"time_frame"`
	Period     Period              `json:"period"`
	Buckets    []Bucket            `json:"buckets,omitempty"`
	Partitions map[string][]Bucket `json:"partitions,omitempty"`
	Total      float64             `json:"total"`
}

// Clone returns a deep copy so callers can never mutate a cached snapshot.
func (s *MetricSeries) Clone() *MetricSeries {
	if s == nil {
		return nil
	}
	cp := *s
	if s.Buckets != nil {
		cp.Buckets = append([]Bucket(nil), s.Buckets...)
	}
	if s.Partitions != nil {
		cp.Partitions = make(map[string][]Bucket, len(s.Partitions))
		for k, v := range s.Partitions {
			cp.Partitions[k] = append([]Bucket(nil), v...)
		}
	}
	return &cp
}

// QueryResult is the response to an AnalyticsQuery.
type QueryResult struct {
	Query       AnalyticsQuery     `json:"query"`
	Series      []MetricSeries     `json:"series"`
	Totals      map[Metric]float64 `json:"totals"`
	GeneratedAt time.Time          `json:"generated_at"`
}

// ForecastConfig selects the forecasting method and the periods involved.
type ForecastConfig struct {
	Method          ForecastMethod `json:"method" validate:"required"`
	Metric          Metric         `json:"metric" validate:"required"`
	TrainPeriod     Period         `json:"train_period"`
	ForecastPeriod  Period         `json:"forecast_period"`
	Granularity     TimeFrame      `json:"granularity" validate:"required"`
	ConfidenceLevel float64        `json:"confidence_level,omitempty" validate:"omitempty,gt=0,lt=1"`
}

// ForecastPoint is one predicted bucket with its confidence band.
type ForecastPoint struct {
	Bucket     Bucket  `json:"bucket"`
	Predicted  float64 `json:"predicted"`
	LowerBound float64 `json:"lower_bound"`
	UpperBound float64 `json:"upper_bound"`
}

// ForecastResult is the output of the forecast engine.
type ForecastResult struct {
	Metric          Metric          `json:"metric"`
	Method          ForecastMethod  `json:"method"`
	Points          []ForecastPoint `json:"points"`
	ResidualStdDev  float64         `json:"residual_std_dev"`
	ConfidenceLevel float64         `json:"confidence_level"`
	TrainSize       int             `json:"train_size"`
	LastObserved    float64         `json:"last_observed"`
	LastObservedAt  time.Time       `json:"last_observed_at"`
}

// AnomalyConfig selects the detection method, metrics and sensitivity.
// Granularity and Period are optional; the engine fills defaults.
type AnomalyConfig struct {
	Method      AnomalyMethod `json:"method" validate:"required"`
	Metrics     []Metric      `json:"metrics" validate:"required,min=1,dive,required"`
	Sensitivity Sensitivity   `json:"sensitivity" validate:"required"`
	Granularity TimeFrame     `json:"granularity,omitempty"`
	Period      *Period       `json:"period,omitempty"`
}

// Range is a closed numeric interval.
type Range struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// Contains reports whether v lies inside [Low, High].
func (r Range) Contains(v float64) bool {
	return v >= r.Low && v <= r.High
}

// Anomaly is a bucket whose value fell outside the method's tolerance interval.
type Anomaly struct {
	ID            string        `json:"id"`
	Timestamp     time.Time     `json:"timestamp"`
	Bucket        string        `json:"bucket"`
	Metric        Metric        `json:"metric"`
	Method        AnomalyMethod `json:"method"`
	ObservedValue float64       `json:"observed_value"`
	Expected      float64       `json:"expected"`
	ExpectedRange Range         `json:"expected_range"`
	Severity      float64       `json:"severity"` // 0.0-1.0
}

// InsightKind classifies where an insight came from.
type InsightKind string

const (
	InsightTrend       InsightKind = "trend"
	InsightAnomaly     InsightKind = "anomaly"
	InsightForecast    InsightKind = "forecast"
	InsightCorrelation InsightKind = "correlation"
)

// Insight is a ranked, human-readable finding.
type Insight struct {
	ID            string      `json:"id"`
	Kind          InsightKind `json:"kind"`
	Text          string      `json:"text"`
	Significance  float64     `json:"significance"` // 0.0-1.0
	RelatedMetric Metric      `json:"related_metric"`
	Timestamp     time.Time   `json:"timestamp"`
}

// ReferenceDistribution is an industry's sample for one metric.
// Samples are sorted ascending.
type ReferenceDistribution struct {
	IndustryID string    `json:"industry_id"`
	Metric     Metric    `json:"metric"`
	Samples    []float64 `json:"samples"`
	Average    float64   `json:"average"`
	Best       float64   `json:"best"`
}

// OrgValue is an organization's value for one metric.
type OrgValue struct {
	Metric Metric  `json:"metric"`
	Value  float64 `json:"value"`
}

// BenchmarkEntry is the organization's standing for one metric.
type BenchmarkEntry struct {
	Metric          Metric  `json:"metric"`
	Value           float64 `json:"value"`
	IndustryAverage float64 `json:"industry_average"`
	IndustryBest    float64 `json:"industry_best"`
	Percentile      float64 `json:"percentile"` // 0-100
}

// BenchmarkResult is the comparison against one industry.
type BenchmarkResult struct {
	IndustryID string           `json:"industry_id"`
	Entries    []BenchmarkEntry `json:"entries"`
}

// CorrelationResult describes the linear relationship between two metrics.
type CorrelationResult struct {
	Metric1     Metric  `json:"metric1"`
	Metric2     Metric  `json:"metric2"`
	Coefficient float64 `json:"coefficient"` // -1.0-1.0
	PValue      float64 `json:"p_value"`
	SampleSize  int     `json:"sample_size"`
	Period      Period  `json:"period"`
}
