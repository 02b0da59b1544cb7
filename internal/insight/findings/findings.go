// Package findings turns forecasts, anomalies, period comparisons and
// correlations into ranked, human-readable insights.
package findings

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/HerbHall/carbonsight/pkg/analytics"
	"github.com/google/uuid"
)

// DefaultLimit is the number of insights returned when the caller does not choose.
const DefaultLimit = 10

// ChangeThreshold is the minimum absolute period-over-period change, in percent,
// that produces a trend insight.
const ChangeThreshold = 10.0

// Correlation insights need at least this |r| and at most this p-value.
const (
	MinCorrelation  = 0.7
	MaxCorrelationP = 0.05
)

var namespace = uuid.MustParse("b7e3c1a4-2d5f-5e6a-8b9c-0d1e2f3a4b5c")

// PeriodChange compares a metric's total over the current window with the
// total over the equally long window before it.
type PeriodChange struct {
	Metric  analytics.Metric
	Current float64
	Prior   float64
	At      time.Time // Start of the most recent bucket in the current window
}

// Input is everything the generator ranks. Every field is optional.
type Input struct {
	Forecasts    []*analytics.ForecastResult
	Anomalies    []analytics.Anomaly
	Changes      []PeriodChange
	Correlations []analytics.CorrelationResult
}

// CompareWindows builds a PeriodChange from two bucket windows.
func CompareWindows(metric analytics.Metric, current, prior []analytics.Bucket) PeriodChange {
	pc := PeriodChange{Metric: metric}
	for _, b := range current {
		pc.Current += b.Value
	}
	for _, b := range prior {
		pc.Prior += b.Value
	}
	if n := len(current); n > 0 {
		pc.At = current[n-1].Start
	}
	return pc
}

// Generate derives candidate insights from in, ranks them by significance
// (then most recent timestamp, then metric priority) and keeps the top limit.
func Generate(in Input, limit int) ([]analytics.Insight, error) {
	if limit <= 0 {
		return nil, analytics.NewValidationError("limit", "must be a positive integer")
	}

	var out []analytics.Insight
	for _, c := range in.Changes {
		if ins, ok := fromChange(c); ok {
			out = append(out, ins)
		}
	}
	for i := range in.Anomalies {
		out = append(out, fromAnomaly(&in.Anomalies[i]))
	}
	for _, f := range in.Forecasts {
		if ins, ok := fromForecast(f); ok {
			out = append(out, ins)
		}
	}
	for _, c := range in.Correlations {
		if ins, ok := fromCorrelation(c); ok {
			out = append(out, ins)
		}
	}

	for i := range out {
		out[i].ID = id(&out[i])
	}
	Rank(out)
	if len(out) > limit {
		out = out[:limit]
	}
	if out == nil {
		out = []analytics.Insight{}
	}
	return out, nil
}

// Rank sorts insights in place into their deterministic presentation order.
func Rank(insights []analytics.Insight) {
	slices.SortStableFunc(insights, func(a, b analytics.Insight) int {
		if c := cmp.Compare(b.Significance, a.Significance); c != 0 {
			return c
		}
		if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
			return c
		}
		if c := cmp.Compare(a.RelatedMetric.Priority(), b.RelatedMetric.Priority()); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Kind, b.Kind); c != 0 {
			return c
		}
		return cmp.Compare(a.Text, b.Text)
	})
}

func fromChange(c PeriodChange) (analytics.Insight, bool) {
	if c.Prior == 0 {
		return analytics.Insight{}, false
	}
	pct := (c.Current - c.Prior) / math.Abs(c.Prior) * 100
	if math.Abs(pct) <= ChangeThreshold || math.IsNaN(pct) {
		return analytics.Insight{}, false
	}
	direction := "increased"
	if pct < 0 {
		direction = "decreased"
	}
	return analytics.Insight{
		Kind: analytics.InsightTrend,
		Text: fmt.Sprintf("%s %s %.1f%% compared with the previous period (%.2f vs %.2f)",
			c.Metric.DisplayName(), direction, math.Abs(pct), c.Current, c.Prior),
		Significance:  score(math.Abs(pct) / 100),
		RelatedMetric: c.Metric,
		Timestamp:     c.At,
	}, true
}

func fromAnomaly(a *analytics.Anomaly) analytics.Insight {
	direction := "above"
	if a.ObservedValue < a.ExpectedRange.Low {
		direction = "below"
	}
	return analytics.Insight{
		Kind: analytics.InsightAnomaly,
		Text: fmt.Sprintf("Unusual %s on %s: %.2f is %s the expected range %.2f to %.2f",
			lower(a.Metric.DisplayName()), a.Bucket, a.ObservedValue, direction,
			a.ExpectedRange.Low, a.ExpectedRange.High),
		Significance:  score(a.Severity),
		RelatedMetric: a.Metric,
		Timestamp:     a.Timestamp,
	}
}

func fromForecast(f *analytics.ForecastResult) (analytics.Insight, bool) {
	if f == nil || len(f.Points) == 0 || f.LastObserved == 0 {
		return analytics.Insight{}, false
	}
	last := f.Points[len(f.Points)-1]
	rel := (last.Predicted - f.LastObserved) / math.Abs(f.LastObserved)
	if math.IsNaN(rel) || math.IsInf(rel, 0) {
		return analytics.Insight{}, false
	}

	var text string
	switch {
	case rel > 0:
		text = fmt.Sprintf("%s is projected to rise %.1f%% to %.2f by %s",
			f.Metric.DisplayName(), rel*100, last.Predicted, last.Bucket.Label)
	case rel < 0:
		text = fmt.Sprintf("%s is projected to fall %.1f%% to %.2f by %s",
			f.Metric.DisplayName(), -rel*100, last.Predicted, last.Bucket.Label)
	default:
		text = fmt.Sprintf("%s is projected to hold steady at %.2f through %s",
			f.Metric.DisplayName(), last.Predicted, last.Bucket.Label)
	}
	return analytics.Insight{
		Kind:          analytics.InsightForecast,
		Text:          text,
		Significance:  score(math.Abs(rel)),
		RelatedMetric: f.Metric,
		Timestamp:     last.Bucket.Start,
	}, true
}

func fromCorrelation(c analytics.CorrelationResult) (analytics.Insight, bool) {
	if math.Abs(c.Coefficient) < MinCorrelation || c.PValue > MaxCorrelationP {
		return analytics.Insight{}, false
	}
	kind := "move together"
	if c.Coefficient < 0 {
		kind = "move in opposite directions"
	}
	related := c.Metric1
	if c.Metric2.Priority() < related.Priority() {
		related = c.Metric2
	}
	return analytics.Insight{
		Kind: analytics.InsightCorrelation,
		Text: fmt.Sprintf("%s and %s %s (r=%.2f, p=%.3f)",
			c.Metric1.DisplayName(), lower(c.Metric2.DisplayName()), kind, c.Coefficient, c.PValue),
		Significance:  score(math.Abs(c.Coefficient)),
		RelatedMetric: related,
		Timestamp:     c.Period.End,
	}, true
}

func score(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return math.Min(v, 1)
}

func lower(s string) string {
	if s == "" {
		return s
	}
	b := []byte(s)
	if b[0] >= 'A' && b[0] <= 'Z' {
		b[0] += 'a' - 'A'
	}
	return string(b)
}

func id(ins *analytics.Insight) string {
	key := fmt.Sprintf("%s|%s|%d|%s", ins.Kind, ins.RelatedMetric, ins.Timestamp.UnixNano(), ins.Text)
	return uuid.NewSHA1(namespace, []byte(key)).String()
}
