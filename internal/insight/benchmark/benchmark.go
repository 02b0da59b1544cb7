// Package benchmark ranks an organization's metric values against industry
// reference distributions.
package benchmark

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"

	"github.com/HerbHall/carbonsight/pkg/analytics"
)

// ReferenceSource looks up an industry's reference distribution for a metric.
// Implementations return analytics.ErrReferenceNotFound for unconfigured pairs.
type ReferenceSource interface {
	FetchReferenceDistribution(ctx context.Context, industryID string, metric analytics.Metric) (*analytics.ReferenceDistribution, error)
}

// Compare computes the organization's percentile standing for each value.
// Industry average and best are copied from the reference summary.
func Compare(ctx context.Context, values []analytics.OrgValue, src ReferenceSource, industryID string) (*analytics.BenchmarkResult, error) {
	if industryID == "" {
		return nil, analytics.NewValidationError("industry_id", "is required")
	}

	result := &analytics.BenchmarkResult{
		IndustryID: industryID,
		Entries:    make([]analytics.BenchmarkEntry, 0, len(values)),
	}
	for _, v := range values {
		ref, err := src.FetchReferenceDistribution(ctx, industryID, v.Metric)
		if err != nil {
			return nil, referenceError(industryID, v.Metric, err)
		}
		if ref == nil || len(ref.Samples) == 0 {
			return nil, analytics.NewValidationError("industry_id",
				fmt.Sprintf("reference distribution for %s/%s has no samples", industryID, v.Metric))
		}
		result.Entries = append(result.Entries, analytics.BenchmarkEntry{
			Metric:          v.Metric,
			Value:           v.Value,
			IndustryAverage: ref.Average,
			IndustryBest:    ref.Best,
			Percentile:      PercentileOfScore(ref.Samples, v.Value),
		})
	}
	return result, nil
}

// PercentileOfScore returns the rank of score within samples as a percentage
// in [0,100]. Ranks between neighbouring samples are linearly interpolated and
// ties take the midpoint of their ranks. Unsorted samples are sorted on a copy.
// Empty samples and non-finite scores rank 0.
func PercentileOfScore(samples []float64, score float64) float64 {
	n := len(samples)
	if n == 0 || math.IsNaN(score) || math.IsInf(score, 0) {
		return 0
	}
	if !slices.IsSorted(samples) {
		samples = slices.Clone(samples)
		slices.Sort(samples)
	}

	switch {
	case score < samples[0]:
		return 0
	case score > samples[n-1]:
		return 100
	case n == 1:
		return 50
	}

	lo := sort.SearchFloat64s(samples, score) // first >= score
	hi := sort.Search(n, func(i int) bool { return samples[i] > score }) - 1

	var rank float64
	if lo <= hi {
		rank = float64(lo+hi) / 2
	} else {
		// samples[hi] < score < samples[lo]
		rank = float64(hi) + (score-samples[hi])/(samples[lo]-samples[hi])
	}
	return clampPercent(rank / float64(n-1) * 100)
}

func clampPercent(p float64) float64 {
	return max(0, min(100, p))
}

func referenceError(industryID string, metric analytics.Metric, err error) error {
	if errors.Is(err, analytics.ErrReferenceNotFound) {
		return analytics.NewValidationError("industry_id",
			fmt.Sprintf("no reference distribution configured for industry %q metric %s", industryID, metric))
	}
	var ae *analytics.Error
	if errors.As(err, &ae) {
		return err
	}
	return analytics.NewDataSourceError("fetch reference distribution", err)
}
