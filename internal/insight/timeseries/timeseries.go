// Package timeseries buckets raw metric points into uniform time intervals.
package timeseries

import (
	"fmt"
	"math"
	"time"

	"github.com/HerbHall/carbonsight/pkg/analytics"
)

// MaxBuckets caps how many buckets a single period may span.
const MaxBuckets = 5000

// Unassigned is the partition key for points that lack the requested dimension tag.
const Unassigned = "unassigned"

// LabelLayout formats bucket labels from the bucket start in UTC.
const LabelLayout = "2006-01-02"

// Bounds returns the empty buckets that tile period at the time frame's width.
// Buckets start at period.Start; the last one may extend past period.End.
func Bounds(period analytics.Period, tf analytics.TimeFrame) ([]analytics.Bucket, error) {
	if err := period.Validate("period"); err != nil {
		return nil, err
	}
	width := tf.Width()
	if width <= 0 {
		return nil, analytics.NewValidationError("time_frame", fmt.Sprintf("unrecognized time frame %q", tf))
	}

	d := period.Duration()
	n := int((d + width - 1) / width)
	if n > MaxBuckets {
		return nil, analytics.NewValidationError("period",
			fmt.Sprintf("spans %d %s buckets, maximum is %d", n, tf, MaxBuckets))
	}

	buckets := make([]analytics.Bucket, n)
	for i := range buckets {
		start := period.Start.Add(time.Duration(i) * width)
		buckets[i] = analytics.Bucket{
			Label: start.UTC().Format(LabelLayout),
			Start: start,
			End:   start.Add(width),
		}
	}
	return buckets, nil
}

// Aggregate folds points into the buckets tiling period, combining values with agg.
// Points outside [period.Start, period.End) and non-finite values are ignored.
func Aggregate(points []analytics.MetricPoint, period analytics.Period, tf analytics.TimeFrame, agg analytics.Aggregation) ([]analytics.Bucket, error) {
	buckets, err := Bounds(period, tf)
	if err != nil {
		return nil, err
	}
	fill(buckets, points, period, tf.Width(), agg)
	return buckets, nil
}

// AggregateBy partitions points by the value of the dim tag and aggregates each
// partition independently. Every partition tiles the same period. With no
// points the empty tiling is returned under Unassigned.
func AggregateBy(points []analytics.MetricPoint, dim analytics.Dimension, period analytics.Period, tf analytics.TimeFrame, agg analytics.Aggregation) (map[string][]analytics.Bucket, error) {
	template, err := Bounds(period, tf)
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return map[string][]analytics.Bucket{Unassigned: template}, nil
	}

	groups := Partition(points, dim)
	out := make(map[string][]analytics.Bucket, len(groups))
	for key, group := range groups {
		buckets := append([]analytics.Bucket(nil), template...)
		fill(buckets, group, period, tf.Width(), agg)
		out[key] = buckets
	}
	return out, nil
}

// Partition groups points by their dim tag value. Points without the tag
// land under Unassigned.
func Partition(points []analytics.MetricPoint, dim analytics.Dimension) map[string][]analytics.MetricPoint {
	groups := make(map[string][]analytics.MetricPoint)
	for i := range points {
		key, ok := points[i].Tags[string(dim)]
		if !ok || key == "" {
			key = Unassigned
		}
		groups[key] = append(groups[key], points[i])
	}
	return groups
}

// ApplyFilters keeps points that match every filter. No filters keeps everything.
func ApplyFilters(points []analytics.MetricPoint, filters []analytics.Filter) []analytics.MetricPoint {
	if len(filters) == 0 {
		return points
	}
	out := make([]analytics.MetricPoint, 0, len(points))
next:
	for i := range points {
		for _, f := range filters {
			if !f.Matches(&points[i]) {
				continue next
			}
		}
		out = append(out, points[i])
	}
	return out
}

// Values extracts bucket values in order.
func Values(buckets []analytics.Bucket) []float64 {
	vals := make([]float64, len(buckets))
	for i := range buckets {
		vals[i] = buckets[i].Value
	}
	return vals
}

// Total summarizes a bucket sequence: the sum for SUM and COUNT metrics,
// the mean of non-empty buckets for AVERAGE metrics.
func Total(buckets []analytics.Bucket, agg analytics.Aggregation) float64 {
	var sum float64
	var nonEmpty int
	for i := range buckets {
		sum += buckets[i].Value
		if buckets[i].Count > 0 {
			nonEmpty++
		}
	}
	if agg == analytics.AggregateAverage {
		if nonEmpty == 0 {
			return 0
		}
		return sum / float64(nonEmpty)
	}
	return sum
}

// Next returns n contiguous empty buckets starting at from.
func Next(from time.Time, tf analytics.TimeFrame, n int) []analytics.Bucket {
	width := tf.Width()
	out := make([]analytics.Bucket, n)
	for i := range out {
		start := from.Add(time.Duration(i) * width)
		out[i] = analytics.Bucket{
			Label: start.UTC().Format(LabelLayout),
			Start: start,
			End:   start.Add(width),
		}
	}
	return out
}

func fill(buckets []analytics.Bucket, points []analytics.MetricPoint, period analytics.Period, width time.Duration, agg analytics.Aggregation) {
	if len(buckets) == 0 {
		return
	}
	for i := range points {
		p := &points[i]
		if !period.Contains(p.Timestamp) || math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
			continue
		}
		idx := int(p.Timestamp.Sub(period.Start) / width)
		b := &buckets[idx]
		b.Count++
		switch agg {
		case analytics.AggregateCount:
			b.Value = float64(b.Count)
		default:
			b.Value += p.Value
		}
	}
	if agg == analytics.AggregateAverage {
		for i := range buckets {
			if buckets[i].Count > 0 {
				buckets[i].Value /= float64(buckets[i].Count)
			}
		}
	}
}
