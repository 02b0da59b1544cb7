package testutil

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HerbHall/carbonsight/pkg/analytics"
)

// NewPoint returns a MetricPoint with sensible defaults, suitable for test fixtures.
// Override individual fields after creation as needed.
func NewPoint(opts ...func(*analytics.MetricPoint)) analytics.MetricPoint {
	p := analytics.MetricPoint{
		OrganizationID: "org-test",
		Metric:         analytics.MetricCarbonEmissions,
		Value:          1,
		Timestamp:      time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// WithOrg sets the point's organization.
func WithOrg(org string) func(*analytics.MetricPoint) {
	return func(p *analytics.MetricPoint) { p.OrganizationID = org }
}

// WithMetric sets the point's metric.
func WithMetric(m analytics.Metric) func(*analytics.MetricPoint) {
	return func(p *analytics.MetricPoint) { p.Metric = m }
}

// WithValue sets the point's value.
func WithValue(v float64) func(*analytics.MetricPoint) {
	return func(p *analytics.MetricPoint) { p.Value = v }
}

// WithTimestamp sets the point's timestamp.
func WithTimestamp(t time.Time) func(*analytics.MetricPoint) {
	return func(p *analytics.MetricPoint) { p.Timestamp = t }
}

// WithTag adds a tag to the point.
func WithTag(key, value string) func(*analytics.MetricPoint) {
	return func(p *analytics.MetricPoint) {
		if p.Tags == nil {
			p.Tags = make(map[string]string)
		}
		p.Tags[key] = value
	}
}

// Series returns one point per value, spaced step apart starting at start.
func Series(org string, metric analytics.Metric, start time.Time, step time.Duration, values ...float64) []analytics.MetricPoint {
	out := make([]analytics.MetricPoint, len(values))
	for i, v := range values {
		out[i] = NewPoint(WithOrg(org), WithMetric(metric), WithValue(v), WithTimestamp(start.Add(time.Duration(i)*step)))
	}
	return out
}

// PointSource is an in-memory data source. It filters stored points the way
// the SQLite store does and counts calls.
type PointSource struct {
	mu     sync.RWMutex
	points []analytics.MetricPoint

	Err   error         // Returned by every fetch when set
	Delay time.Duration // Fetches block this long, or until ctx is done
	calls atomic.Int64
}

// NewPointSource creates a PointSource holding points.
func NewPointSource(points ...analytics.MetricPoint) *PointSource {
	return &PointSource{points: points}
}

// Add appends points.
func (s *PointSource) Add(points ...analytics.MetricPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points = append(s.points, points...)
}

// Calls returns how many fetches were made.
func (s *PointSource) Calls() int {
	return int(s.calls.Load())
}

// FetchRawPoints returns the org's points for metric inside period that carry
// every filter tag.
func (s *PointSource) FetchRawPoints(ctx context.Context, orgID string, metric analytics.Metric, period analytics.Period, filters []analytics.Filter) ([]analytics.MetricPoint, error) {
	s.calls.Add(1)
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.Err != nil {
		return nil, s.Err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []analytics.MetricPoint
next:
	for i := range s.points {
		p := &s.points[i]
		if p.OrganizationID != orgID || p.Metric != metric || !period.Contains(p.Timestamp) {
			continue
		}
		for _, f := range filters {
			if !f.Matches(p) {
				continue next
			}
		}
		out = append(out, *p)
	}
	return out, nil
}

// ReferenceSource is an in-memory set of industry reference distributions.
type ReferenceSource struct {
	Refs map[string]map[analytics.Metric]*analytics.ReferenceDistribution
	Err  error
}

// FetchReferenceDistribution returns the configured distribution or
// analytics.ErrReferenceNotFound.
func (s *ReferenceSource) FetchReferenceDistribution(_ context.Context, industryID string, metric analytics.Metric) (*analytics.ReferenceDistribution, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	ref, ok := s.Refs[industryID][metric]
	if !ok {
		return nil, analytics.ErrReferenceNotFound
	}
	return ref, nil
}
