package insight

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/HerbHall/carbonsight/internal/insight/anomaly"
	"github.com/HerbHall/carbonsight/internal/insight/benchmark"
	"github.com/HerbHall/carbonsight/internal/insight/correlation"
	"github.com/HerbHall/carbonsight/internal/insight/findings"
	"github.com/HerbHall/carbonsight/internal/insight/forecast"
	"github.com/HerbHall/carbonsight/internal/insight/timeseries"
	"github.com/HerbHall/carbonsight/pkg/analytics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultPeriodBuckets is how many buckets a request without a period covers.
const DefaultPeriodBuckets = 12

// benchmarkWindow is the trailing window an organization's benchmark value
// is summed over.
const benchmarkWindow = 365 * 24 * time.Hour

// DataSource supplies raw points to the engine. Implementations must honor
// ctx cancellation; the engine gives up on a fetch when ctx expires either way.
type DataSource interface {
	FetchRawPoints(ctx context.Context, orgID string, metric analytics.Metric, period analytics.Period, filters []analytics.Filter) ([]analytics.MetricPoint, error)
}

// AnomalyHook is called after a detection run that flagged anything.
type AnomalyHook func(ctx context.Context, orgID string, anomalies []analytics.Anomaly)

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithClock overrides the engine's notion of now.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithAnomalyHook registers a callback for detected anomalies.
func WithAnomalyHook(h AnomalyHook) EngineOption {
	return func(e *Engine) { e.onAnomalies = h }
}

// SeriesRequest asks for one aggregated metric series.
type SeriesRequest struct {
	OrganizationID string              `json:"organization_id" validate:"required"`
	Metric         analytics.Metric    `json:"metric" validate:"required"`
	Dimension      analytics.Dimension `json:"dimension,omitempty"`
	TimeFrame      analytics.TimeFrame `json:"time_frame" validate:"required"`
	Period         *analytics.Period   `json:"period,omitempty"`
	Filters        []analytics.Filter  `json:"filters,omitempty" validate:"dive"`
}

// Engine is the query façade over the analytics components. It owns no
// mutable state besides an optional cache of immutable series snapshots.
type Engine struct {
	source      DataSource
	refs        benchmark.ReferenceSource
	cfg         AnalyticsConfig
	logger      *zap.Logger
	cache       *seriesCache[*analytics.MetricSeries]
	validator   *requestValidator
	now         func() time.Time
	onAnomalies AnomalyHook
}

// NewEngine creates an Engine reading points from source and industry
// reference distributions from refs.
func NewEngine(source DataSource, refs benchmark.ReferenceSource, cfg AnalyticsConfig, logger *zap.Logger, opts ...EngineOption) *Engine {
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 1
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultConfig().FetchTimeout
	}
	e := &Engine{
		source:    source,
		refs:      refs,
		cfg:       cfg,
		logger:    logger,
		validator: newRequestValidator(),
		now:       time.Now,
	}
	if cfg.CacheEnabled && cfg.CacheTTL > 0 {
		e.cache = newSeriesCache[*analytics.MetricSeries](cfg.CacheTTL, promCacheObserver{})
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteQuery aggregates every requested metric over the query period.
// Metrics are processed concurrently, bounded by MaxWorkers.
func (e *Engine) ExecuteQuery(ctx context.Context, q analytics.AnalyticsQuery) (result *analytics.QueryResult, err error) {
	defer observe("query", time.Now(), &err)

	if err := e.validator.Struct(q); err != nil {
		return nil, err
	}
	if err := checkMetrics("metrics", q.Metrics); err != nil {
		return nil, err
	}
	if !q.Dimension.Valid() {
		return nil, analytics.NewValidationError("dimension", fmt.Sprintf("unknown dimension %q", q.Dimension))
	}
	period, err := e.resolvePeriod(q.Period, q.TimeFrame)
	if err != nil {
		return nil, err
	}
	q.Period = &period

	e.logger.Debug("executing query",
		zap.String("organization_id", q.OrganizationID),
		zap.Int("metrics", len(q.Metrics)),
		zap.String("time_frame", string(q.TimeFrame)),
	)

	series := make([]analytics.MetricSeries, len(q.Metrics))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxWorkers)
	for i, m := range q.Metrics {
		g.Go(func() error {
			s, err := e.loadSeries(gctx, seriesSpec{
				org: q.OrganizationID, metric: m, dim: q.Dimension,
				tf:  q.TimeFrame, period: period, filters: q.Filters,
			})
			if err != nil {
				return err
			}
			series[i] = *s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	totals := make(map[analytics.Metric]float64, len(series))
	for i := range series {
		totals[series[i].Metric] = series[i].Total
	}
	return &analytics.QueryResult{
		Query:       q,
		Series:      series,
		Totals:      totals,
		GeneratedAt: e.now().UTC(),
	}, nil
}

// GetTimeSeriesData returns a single aggregated series. With a dimension the
// result carries per-partition buckets instead of Buckets.
func (e *Engine) GetTimeSeriesData(ctx context.Context, req SeriesRequest) (ms *analytics.MetricSeries, err error) {
	defer observe("timeseries", time.Now(), &err)

	if err := e.validator.Struct(req); err != nil {
		return nil, err
	}
	if err := checkMetrics("metric", []analytics.Metric{req.Metric}); err != nil {
		return nil, err
	}
	if !req.Dimension.Valid() {
		return nil, analytics.NewValidationError("dimension", fmt.Sprintf("unknown dimension %q", req.Dimension))
	}
	period, err := e.resolvePeriod(req.Period, req.TimeFrame)
	if err != nil {
		return nil, err
	}
	return e.loadSeries(ctx, seriesSpec{
		org: req.OrganizationID, metric: req.Metric, dim: req.Dimension,
		tf:  req.TimeFrame, period: period, filters: req.Filters,
	})
}

// GenerateForecast trains on the organization's series over cfg.TrainPeriod
// and predicts every bucket of cfg.ForecastPeriod.
func (e *Engine) GenerateForecast(ctx context.Context, orgID string, cfg analytics.ForecastConfig) (res *analytics.ForecastResult, err error) {
	defer observe("forecast", time.Now(), &err)

	if orgID == "" {
		return nil, analytics.NewValidationError("organization_id", "is required")
	}
	if !forecast.Supported(cfg.Method) {
		return nil, analytics.NewUnsupportedMethodError("forecast method", string(cfg.Method))
	}
	if err := e.validator.Struct(cfg); err != nil {
		return nil, err
	}
	if err := checkMetrics("metric", []analytics.Metric{cfg.Metric}); err != nil {
		return nil, err
	}
	if err := checkTimeFrame("granularity", cfg.Granularity); err != nil {
		return nil, err
	}
	if err := cfg.TrainPeriod.Validate("train_period"); err != nil {
		return nil, err
	}
	if err := forecast.ValidatePeriods(cfg); err != nil {
		return nil, err
	}
	if cfg.TrainPeriod.End.After(e.now()) {
		return nil, analytics.NewValidationError("train_period", "must not end after the current time")
	}
	if cfg.ConfidenceLevel == 0 {
		cfg.ConfidenceLevel = e.cfg.ConfidenceLevel
	}

	e.logger.Debug("generating forecast",
		zap.String("organization_id", orgID),
		zap.String("metric", string(cfg.Metric)),
		zap.String("method", string(cfg.Method)),
	)

	s, err := e.loadSeries(ctx, seriesSpec{org: orgID, metric: cfg.Metric, tf: cfg.Granularity, period: cfg.TrainPeriod})
	if err != nil {
		return nil, err
	}
	return forecast.Forecast(s.Buckets, cfg)
}

// DetectAnomalies scans each requested metric independently and returns the
// merged anomalies ordered by time, then metric priority.
func (e *Engine) DetectAnomalies(ctx context.Context, orgID string, cfg analytics.AnomalyConfig) (found []analytics.Anomaly, err error) {
	defer observe("anomalies", time.Now(), &err)

	if orgID == "" {
		return nil, analytics.NewValidationError("organization_id", "is required")
	}
	if !anomaly.Supported(cfg.Method) {
		return nil, analytics.NewUnsupportedMethodError("anomaly method", string(cfg.Method))
	}
	if err := e.validator.Struct(cfg); err != nil {
		return nil, err
	}
	if !cfg.Sensitivity.Valid() {
		return nil, analytics.NewValidationError("sensitivity", fmt.Sprintf("unknown level %q", cfg.Sensitivity))
	}
	if err := checkMetrics("metrics", cfg.Metrics); err != nil {
		return nil, err
	}
	if cfg.Granularity == "" {
		cfg.Granularity = analytics.TimeFrameDay
	}
	if err := checkTimeFrame("granularity", cfg.Granularity); err != nil {
		return nil, err
	}
	period := e.trailing(e.cfg.AnomalyLookback)
	if cfg.Period != nil {
		period = *cfg.Period
	}
	if err := period.Validate("period"); err != nil {
		return nil, err
	}
	if _, err := timeseries.Bounds(period, cfg.Granularity); err != nil {
		return nil, err
	}

	e.logger.Debug("detecting anomalies",
		zap.String("organization_id", orgID),
		zap.String("method", string(cfg.Method)),
		zap.Int("metrics", len(cfg.Metrics)),
	)

	detectCfg := anomaly.Config{Method: cfg.Method, Sensitivity: cfg.Sensitivity, Granularity: cfg.Granularity}
	perMetric := make([][]analytics.Anomaly, len(cfg.Metrics))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxWorkers)
	for i, m := range cfg.Metrics {
		g.Go(func() error {
			s, err := e.loadSeries(gctx, seriesSpec{org: orgID, metric: m, tf: cfg.Granularity, period: period})
			if err != nil {
				return err
			}
			perMetric[i], err = e.detect(orgID, s, detectCfg)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	found = []analytics.Anomaly{}
	for _, as := range perMetric {
		found = append(found, as...)
	}
	sortAnomalies(found)

	if len(found) > 0 && e.onAnomalies != nil {
		e.onAnomalies(ctx, orgID, slices.Clone(found))
	}
	return found, nil
}

// GetInsights ranks period-over-period changes, recent anomalies, forecast
// movements and strong correlations across the configured insight metrics.
func (e *Engine) GetInsights(ctx context.Context, orgID string, limit int) (insights []analytics.Insight, err error) {
	defer observe("insights", time.Now(), &err)

	if orgID == "" {
		return nil, analytics.NewValidationError("organization_id", "is required")
	}
	if limit <= 0 {
		return nil, analytics.NewValidationError("limit", "must be a positive integer")
	}
	metrics := e.cfg.InsightMetrics
	if len(metrics) == 0 {
		return []analytics.Insight{}, nil
	}
	if err := checkMetrics("insight_metrics", metrics); err != nil {
		return nil, err
	}

	window := max(e.cfg.InsightWindow, 1)
	horizon := max(e.cfg.InsightHorizon, 1)
	month := analytics.TimeFrameMonth.Width()
	// Windows close at the start of today so the trend forecast trains on
	// completed days only.
	end := startOfDay(e.now())
	current := analytics.Period{Start: end.Add(-time.Duration(window) * month), End: end}
	prior := analytics.Period{Start: current.Start.Add(-time.Duration(window) * month), End: current.Start}
	ahead := analytics.Period{Start: end, End: end.Add(time.Duration(horizon) * month)}
	lookback := e.trailing(e.cfg.AnomalyLookback)

	e.logger.Debug("generating insights",
		zap.String("organization_id", orgID),
		zap.Int("limit", limit),
	)

	type metricFindings struct {
		values    []float64
		change    findings.PeriodChange
		forecast  *analytics.ForecastResult
		anomalies []analytics.Anomaly
	}
	perMetric := make([]metricFindings, len(metrics))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxWorkers)
	for i, m := range metrics {
		g.Go(func() error {
			cur, err := e.loadSeries(gctx, seriesSpec{org: orgID, metric: m, tf: analytics.TimeFrameMonth, period: current})
			if err != nil {
				return err
			}
			prev, err := e.loadSeries(gctx, seriesSpec{org: orgID, metric: m, tf: analytics.TimeFrameMonth, period: prior})
			if err != nil {
				return err
			}
			daily, err := e.loadSeries(gctx, seriesSpec{org: orgID, metric: m, tf: analytics.TimeFrameDay, period: lookback})
			if err != nil {
				return err
			}

			mf := metricFindings{
				values: timeseries.Values(cur.Buckets),
				change: findings.CompareWindows(m, cur.Buckets, prev.Buckets),
			}
			mf.anomalies, err = e.detect(orgID, daily, anomaly.Config{
				Method:      analytics.AnomalyZScore,
				Sensitivity: analytics.SensitivityMedium,
				Granularity: analytics.TimeFrameDay,
			})
			if err != nil {
				return err
			}
			mf.forecast, err = forecast.Forecast(cur.Buckets, analytics.ForecastConfig{
				Method:          analytics.ForecastLinearRegression,
				Metric:          m,
				TrainPeriod:     current,
				ForecastPeriod:  ahead,
				Granularity:     analytics.TimeFrameMonth,
				ConfidenceLevel: e.cfg.ConfidenceLevel,
			})
			if err != nil {
				if !analytics.IsInsufficientData(err) && !analytics.IsComputation(err) {
					return err
				}
				e.logger.Debug("skipping forecast insight", zap.String("metric", string(m)), zap.Error(err))
			}
			perMetric[i] = mf
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var in findings.Input
	for i := range perMetric {
		in.Changes = append(in.Changes, perMetric[i].change)
		in.Anomalies = append(in.Anomalies, perMetric[i].anomalies...)
		if perMetric[i].forecast != nil {
			in.Forecasts = append(in.Forecasts, perMetric[i].forecast)
		}
	}
	for i := range metrics {
		for j := i + 1; j < len(metrics); j++ {
			r, err := correlation.Pearson(perMetric[i].values, perMetric[j].values)
			if err != nil {
				// Constant or short windows carry no correlation finding.
				e.logger.Debug("skipping correlation insight",
					zap.String("metric1", string(metrics[i])),
					zap.String("metric2", string(metrics[j])),
					zap.Error(err),
				)
				continue
			}
			in.Correlations = append(in.Correlations, analytics.CorrelationResult{
				Metric1:     metrics[i],
				Metric2:     metrics[j],
				Coefficient: r.Coefficient,
				PValue:      r.PValue,
				SampleSize:  r.N,
				Period:      current,
			})
		}
	}
	return findings.Generate(in, limit)
}

// GetIndustryBenchmarks compares the organization's trailing-year totals for
// each metric against the industry's reference distributions. An empty
// industryID falls back to the configured default industry.
func (e *Engine) GetIndustryBenchmarks(ctx context.Context, orgID, industryID string, metrics []analytics.Metric) (res *analytics.BenchmarkResult, err error) {
	defer observe("benchmarks", time.Now(), &err)

	if orgID == "" {
		return nil, analytics.NewValidationError("organization_id", "is required")
	}
	if industryID == "" {
		industryID = e.cfg.DefaultIndustry
	}
	if industryID == "" {
		return nil, analytics.NewValidationError("industry_id", "is required")
	}
	if len(metrics) == 0 {
		return nil, analytics.NewValidationError("metrics", "must contain at least 1 item(s)")
	}
	if err := checkMetrics("metrics", metrics); err != nil {
		return nil, err
	}

	e.logger.Debug("comparing to industry",
		zap.String("organization_id", orgID),
		zap.String("industry_id", industryID),
	)

	period := e.trailing(benchmarkWindow)
	values := make([]analytics.OrgValue, len(metrics))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxWorkers)
	for i, m := range metrics {
		g.Go(func() error {
			s, err := e.loadSeries(gctx, seriesSpec{org: orgID, metric: m, tf: analytics.TimeFrameYear, period: period})
			if err != nil {
				return err
			}
			values[i] = analytics.OrgValue{Metric: m, Value: s.Total}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()
	return benchmark.Compare(ctx, values, e.refs, industryID)
}

// CalculateCorrelation correlates two metrics bucket by bucket over period.
func (e *Engine) CalculateCorrelation(ctx context.Context, orgID string, metric1, metric2 analytics.Metric, tf analytics.TimeFrame, period *analytics.Period) (res *analytics.CorrelationResult, err error) {
	defer observe("correlation", time.Now(), &err)

	if orgID == "" {
		return nil, analytics.NewValidationError("organization_id", "is required")
	}
	if err := checkMetrics("metric1", []analytics.Metric{metric1}); err != nil {
		return nil, err
	}
	if err := checkMetrics("metric2", []analytics.Metric{metric2}); err != nil {
		return nil, err
	}
	p, err := e.resolvePeriod(period, tf)
	if err != nil {
		return nil, err
	}

	pair := [2]analytics.Metric{metric1, metric2}
	var values [2][]float64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxWorkers)
	for i, m := range pair {
		g.Go(func() error {
			s, err := e.loadSeries(gctx, seriesSpec{org: orgID, metric: m, tf: tf, period: p})
			if err != nil {
				return err
			}
			values[i] = timeseries.Values(s.Buckets)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	r, err := correlation.Pearson(values[0], values[1])
	if err != nil {
		return nil, err
	}
	return &analytics.CorrelationResult{
		Metric1:     metric1,
		Metric2:     metric2,
		Coefficient: r.Coefficient,
		PValue:      r.PValue,
		SampleSize:  r.N,
		Period:      p,
	}, nil
}

// Invalidate drops the organization's cached series. It returns the number
// of entries removed.
func (e *Engine) Invalidate(orgID string) int {
	if e.cache == nil {
		return 0
	}
	n := e.cache.invalidate(orgID)
	e.logger.Debug("invalidated cached series", zap.String("organization_id", orgID), zap.Int("entries", n))
	return n
}

// SweepCache removes expired cache entries.
func (e *Engine) SweepCache() int {
	if e.cache == nil {
		return 0
	}
	return e.cache.sweep()
}

// CachedSeries returns the number of live cache entries.
func (e *Engine) CachedSeries() int {
	if e.cache == nil {
		return 0
	}
	return e.cache.size()
}

// -- series loading --

type seriesSpec struct {
	org     string
	metric  analytics.Metric
	dim     analytics.Dimension
	tf      analytics.TimeFrame
	period  analytics.Period
	filters []analytics.Filter
}

// loadSeries returns a private copy of the aggregated series, reading through
// the cache when enabled.
func (e *Engine) loadSeries(ctx context.Context, s seriesSpec) (*analytics.MetricSeries, error) {
	if e.cache == nil {
		return e.buildSeries(ctx, s)
	}
	key := seriesKey(s.org, s.metric, s.dim, s.tf, s.period, s.filters)
	ms, err := e.cache.getOrLoad(ctx, s.org, key, func(ctx context.Context) (*analytics.MetricSeries, error) {
		return e.buildSeries(ctx, s)
	})
	if err != nil {
		if ctx.Err() != nil && !analytics.IsDataSource(err) {
			return nil, analytics.NewDataSourceError("fetch raw points", err)
		}
		return nil, err
	}
	return ms.Clone(), nil
}

func (e *Engine) buildSeries(ctx context.Context, s seriesSpec) (*analytics.MetricSeries, error) {
	points, err := e.fetch(ctx, s)
	if err != nil {
		return nil, err
	}
	points = timeseries.ApplyFilters(points, s.filters)

	agg := s.metric.Aggregation()
	buckets, err := timeseries.Aggregate(points, s.period, s.tf, agg)
	if err != nil {
		return nil, err
	}
	ms := &analytics.MetricSeries{
		Metric:    s.metric,
		Dimension: s.dim,
		TimeFrame: s.tf,
		Period:    s.period,
		Total:     timeseries.Total(buckets, agg),
	}
	if s.dim == "" {
		ms.Buckets = buckets
		return ms, nil
	}
	ms.Partitions, err = timeseries.AggregateBy(points, s.dim, s.period, s.tf, agg)
	if err != nil {
		return nil, err
	}
	return ms, nil
}

type fetchResult struct {
	points []analytics.MetricPoint
	err    error
}

// fetch calls the data source under FetchTimeout. A source that ignores
// cancellation is abandoned when the deadline passes.
func (e *Engine) fetch(ctx context.Context, s seriesSpec) ([]analytics.MetricPoint, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()

	done := make(chan fetchResult, 1)
	go func() {
		points, err := e.source.FetchRawPoints(ctx, s.org, s.metric, s.period, s.filters)
		done <- fetchResult{points: points, err: err}
	}()

	var r fetchResult
	select {
	case r = <-done:
	case <-ctx.Done():
		r.err = ctx.Err()
	}
	if r.err == nil {
		return r.points, nil
	}

	e.logger.Warn("data source fetch failed",
		zap.String("organization_id", s.org),
		zap.String("metric", string(s.metric)),
		zap.Error(r.err),
	)
	if analytics.IsDataSource(r.err) {
		return nil, r.err
	}
	return nil, analytics.NewDataSourceError("fetch raw points", r.err)
}

func (e *Engine) detect(orgID string, s *analytics.MetricSeries, cfg anomaly.Config) ([]analytics.Anomaly, error) {
	found, err := anomaly.Detect(s.Buckets, s.Metric, cfg)
	if err != nil {
		return nil, err
	}
	for i := range found {
		found[i].ID = anomaly.ID(orgID, &found[i])
	}
	return found, nil
}

// -- request helpers --

// resolvePeriod validates tf and the requested period, defaulting to the
// DefaultPeriodBuckets buckets ending at the close of the current UTC day.
func (e *Engine) resolvePeriod(p *analytics.Period, tf analytics.TimeFrame) (analytics.Period, error) {
	if err := checkTimeFrame("time_frame", tf); err != nil {
		return analytics.Period{}, err
	}
	var period analytics.Period
	if p != nil {
		period = *p
	} else {
		period = e.trailing(time.Duration(DefaultPeriodBuckets) * tf.Width())
	}
	if _, err := timeseries.Bounds(period, tf); err != nil {
		return analytics.Period{}, err
	}
	return period, nil
}

// trailing returns the window of length d ending at the close of the current UTC day.
func (e *Engine) trailing(d time.Duration) analytics.Period {
	end := endOfDay(e.now())
	return analytics.Period{Start: end.Add(-d), End: end}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func endOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

func checkMetrics(field string, metrics []analytics.Metric) error {
	for _, m := range metrics {
		if !m.Valid() {
			return analytics.NewValidationError(field, fmt.Sprintf("unknown metric %q", m))
		}
	}
	return nil
}

func checkTimeFrame(field string, tf analytics.TimeFrame) error {
	if !tf.Valid() {
		return analytics.NewValidationError(field, fmt.Sprintf("unknown time frame %q", tf))
	}
	return nil
}

func sortAnomalies(as []analytics.Anomaly) {
	slices.SortStableFunc(as, func(a, b analytics.Anomaly) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		return a.Metric.Priority() - b.Metric.Priority()
	})
}
