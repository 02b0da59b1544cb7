package insight

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/HerbHall/carbonsight/internal/insight/findings"
	"github.com/HerbHall/carbonsight/pkg/analytics"
	"github.com/HerbHall/carbonsight/pkg/plugin"
)

// maxBodyBytes bounds request bodies, including bulk usage ingestion.
const maxBodyBytes = 8 << 20

// Routes implements plugin.HTTPProvider.
func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "POST", Path: "/query", Handler: m.handleQuery},
		{Method: "GET", Path: "/timeseries", Handler: m.handleTimeSeries},
		{Method: "POST", Path: "/forecast", Handler: m.handleForecast},
		{Method: "POST", Path: "/anomalies", Handler: m.handleAnomalies},
		{Method: "GET", Path: "/insights", Handler: m.handleInsights},
		{Method: "GET", Path: "/benchmarks", Handler: m.handleBenchmarks},
		{Method: "PUT", Path: "/benchmarks/{industry}/{metric}", Handler: m.handlePutReference},
		{Method: "GET", Path: "/correlation", Handler: m.handleCorrelation},
		{Method: "POST", Path: "/usage", Handler: m.handleIngestUsage},
	}
}

// QueryPaths lists the POST routes that only read data. They carry their
// query in the body and stay open when the server runs read-only.
func QueryPaths() []string {
	return []string{"/query", "/forecast", "/anomalies"}
}

// ForecastRequest is the body of POST /forecast.
type ForecastRequest struct {
	OrganizationID string `json:"organization_id"`
	analytics.ForecastConfig
}

// AnomalyRequest is the body of POST /anomalies.
type AnomalyRequest struct {
	OrganizationID string `json:"organization_id"`
	analytics.AnomalyConfig
}

// UsageRequest is the body of POST /usage.
type UsageRequest struct {
	Points []analytics.MetricPoint `json:"points"`
}

// ReferenceRequest is the body of PUT /benchmarks/{industry}/{metric}.
type ReferenceRequest struct {
	Samples []float64 `json:"samples"`
	Average float64   `json:"average"`
	Best    float64   `json:"best"`
}

// handleQuery runs a multi-metric aggregation query.
//
//	@Summary		Execute analytics query
//	@Description	Aggregates one or more metrics into time buckets, optionally partitioned by a dimension.
//	@Tags			analytics
//	@Accept			json
//	@Produce		json
//	@Security		BearerAuth
//	@Param			request body analytics.AnalyticsQuery true "Query"
//	@Success		200 {object} analytics.QueryResult
//	@Failure		400 {object} map[string]any
//	@Failure		503 {object} map[string]any
//	@Router			/analytics/query [post]
func (m *Module) handleQuery(w http.ResponseWriter, r *http.Request) {
	var q analytics.AnalyticsQuery
	if !decodeBody(w, r, &q) {
		return
	}
	res, err := withRetry(r.Context(), m.cfg.RetryBackoff, func() (*analytics.QueryResult, error) {
		return m.engine.ExecuteQuery(r.Context(), q)
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleTimeSeries returns a single aggregated series.
//
//	@Summary		Time series
//	@Description	Returns one metric's buckets. Filters use tag:value and may repeat.
//	@Tags			analytics
//	@Produce		json
//	@Security		BearerAuth
//	@Param			organization_id query string true "Organization ID"
//	@Param			metric query string true "Metric"
//	@Param			time_frame query string true "Bucket width"
//	@Param			dimension query string false "Partition dimension"
//	@Param			start query string false "Period start (RFC 3339)"
//	@Param			end query string false "Period end (RFC 3339)"
//	@Param			filter query []string false "tag:value filter"
//	@Success		200 {object} analytics.MetricSeries
//	@Failure		400 {object} map[string]any
//	@Failure		503 {object} map[string]any
//	@Router			/analytics/timeseries [get]
func (m *Module) handleTimeSeries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	period, err := parsePeriod(r)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	filters, err := parseFilters(q["filter"])
	if err != nil {
		writeEngineError(w, err)
		return
	}
	req := SeriesRequest{
		OrganizationID: q.Get("organization_id"),
		Metric:         parseMetric(q.Get("metric")),
		Dimension:      parseDimension(q.Get("dimension")),
		TimeFrame:      parseTimeFrame(q.Get("time_frame")),
		Period:         period,
		Filters:        filters,
	}
	res, err := withRetry(r.Context(), m.cfg.RetryBackoff, func() (*analytics.MetricSeries, error) {
		return m.engine.GetTimeSeriesData(r.Context(), req)
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleForecast generates a forecast.
//
//	@Summary		Generate forecast
//	@Description	Trains the chosen method on the training period and predicts the forecast period.
//	@Tags			analytics
//	@Accept			json
//	@Produce		json
//	@Security		BearerAuth
//	@Param			request body ForecastRequest true "Forecast configuration"
//	@Success		200 {object} analytics.ForecastResult
//	@Failure		400 {object} map[string]any
//	@Failure		422 {object} map[string]any
//	@Failure		503 {object} map[string]any
//	@Router			/analytics/forecast [post]
func (m *Module) handleForecast(w http.ResponseWriter, r *http.Request) {
	var req ForecastRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := withRetry(r.Context(), m.cfg.RetryBackoff, func() (*analytics.ForecastResult, error) {
		return m.engine.GenerateForecast(r.Context(), req.OrganizationID, req.ForecastConfig)
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleAnomalies runs anomaly detection.
//
//	@Summary		Detect anomalies
//	@Description	Scans each metric for buckets outside the method's tolerance interval.
//	@Tags			analytics
//	@Accept			json
//	@Produce		json
//	@Security		BearerAuth
//	@Param			request body AnomalyRequest true "Detection configuration"
//	@Success		200 {array} analytics.Anomaly
//	@Failure		400 {object} map[string]any
//	@Failure		422 {object} map[string]any
//	@Failure		503 {object} map[string]any
//	@Router			/analytics/anomalies [post]
func (m *Module) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	var req AnomalyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := withRetry(r.Context(), m.cfg.RetryBackoff, func() ([]analytics.Anomaly, error) {
		return m.engine.DetectAnomalies(r.Context(), req.OrganizationID, req.AnomalyConfig)
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleInsights returns ranked insights for an organization.
//
//	@Summary		Insights
//	@Description	Returns the most significant trends, anomalies, forecasts and correlations.
//	@Tags			analytics
//	@Produce		json
//	@Security		BearerAuth
//	@Param			organization_id query string true "Organization ID"
//	@Param			limit query int false "Maximum results" default(10)
//	@Success		200 {array} analytics.Insight
//	@Failure		400 {object} map[string]any
//	@Failure		503 {object} map[string]any
//	@Router			/analytics/insights [get]
func (m *Module) handleInsights(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, findings.DefaultLimit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	org := r.URL.Query().Get("organization_id")
	res, err := withRetry(r.Context(), m.cfg.RetryBackoff, func() ([]analytics.Insight, error) {
		return m.engine.GetInsights(r.Context(), org, limit)
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleBenchmarks compares an organization against an industry.
//
//	@Summary		Industry benchmarks
//	@Description	Percentile standing of the organization's trailing-year totals within the industry.
//	@Tags			analytics
//	@Produce		json
//	@Security		BearerAuth
//	@Param			organization_id query string true "Organization ID"
//	@Param			industry query string false "Industry ID (defaults to the configured industry)"
//	@Param			metrics query string true "Comma-separated metrics"
//	@Success		200 {object} analytics.BenchmarkResult
//	@Failure		400 {object} map[string]any
//	@Failure		503 {object} map[string]any
//	@Router			/analytics/benchmarks [get]
func (m *Module) handleBenchmarks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	metrics := parseMetrics(q["metrics"])
	org, industry := q.Get("organization_id"), q.Get("industry")
	res, err := withRetry(r.Context(), m.cfg.RetryBackoff, func() (*analytics.BenchmarkResult, error) {
		return m.engine.GetIndustryBenchmarks(r.Context(), org, industry, metrics)
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handlePutReference stores an industry reference distribution.
//
//	@Summary		Set reference distribution
//	@Description	Replaces the industry's sample for one metric. Samples are stored sorted.
//	@Tags			analytics
//	@Accept			json
//	@Produce		json
//	@Security		BearerAuth
//	@Param			industry path string true "Industry ID"
//	@Param			metric path string true "Metric"
//	@Param			request body ReferenceRequest true "Reference sample"
//	@Success		200 {object} analytics.ReferenceDistribution
//	@Failure		400 {object} map[string]any
//	@Failure		503 {object} map[string]any
//	@Router			/analytics/benchmarks/{industry}/{metric} [put]
func (m *Module) handlePutReference(w http.ResponseWriter, r *http.Request) {
	var req ReferenceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ref := &analytics.ReferenceDistribution{
		IndustryID: r.PathValue("industry"),
		Metric:     parseMetric(r.PathValue("metric")),
		Samples:    req.Samples,
		Average:    req.Average,
		Best:       req.Best,
	}
	if err := m.PutReference(r.Context(), ref); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ref)
}

// handleCorrelation correlates two metrics.
//
//	@Summary		Metric correlation
//	@Description	Pearson correlation of two metrics bucket by bucket, with a two-tailed p-value.
//	@Tags			analytics
//	@Produce		json
//	@Security		BearerAuth
//	@Param			organization_id query string true "Organization ID"
//	@Param			metric1 query string true "First metric"
//	@Param			metric2 query string true "Second metric"
//	@Param			time_frame query string true "Bucket width"
//	@Param			start query string false "Period start (RFC 3339)"
//	@Param			end query string false "Period end (RFC 3339)"
//	@Success		200 {object} analytics.CorrelationResult
//	@Failure		400 {object} map[string]any
//	@Failure		422 {object} map[string]any
//	@Router			/analytics/correlation [get]
func (m *Module) handleCorrelation(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	period, err := parsePeriod(r)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	org := q.Get("organization_id")
	m1, m2 := parseMetric(q.Get("metric1")), parseMetric(q.Get("metric2"))
	tf := parseTimeFrame(q.Get("time_frame"))
	res, err := withRetry(r.Context(), m.cfg.RetryBackoff, func() (*analytics.CorrelationResult, error) {
		return m.engine.CalculateCorrelation(r.Context(), org, m1, m2, tf, period)
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleIngestUsage stores raw usage points.
//
//	@Summary		Ingest usage
//	@Description	Stores raw metric points and invalidates the affected organizations' cached series.
//	@Tags			analytics
//	@Accept			json
//	@Produce		json
//	@Security		BearerAuth
//	@Param			request body UsageRequest true "Points"
//	@Success		201 {object} map[string]int
//	@Failure		400 {object} map[string]any
//	@Failure		503 {object} map[string]any
//	@Router			/analytics/usage [post]
func (m *Module) handleIngestUsage(w http.ResponseWriter, r *http.Request) {
	var req UsageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := m.IngestUsage(r.Context(), req.Points); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"ingested": len(req.Points)})
}

// -- helpers --

// withRetry calls fn and, when it fails with a retryable error, once more
// after backoff.
func withRetry[T any](ctx context.Context, backoff time.Duration, fn func() (T, error)) (T, error) {
	v, err := fn()
	if err == nil || !analytics.IsRetryable(err) {
		return v, err
	}
	t := time.NewTimer(backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return v, err
	case <-t.C:
	}
	return fn()
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeProblem(w, status, detail, nil)
}

// writeEngineError maps the analytics error taxonomy onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	var ae *analytics.Error
	if !errors.As(err, &ae) {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	status := http.StatusInternalServerError
	switch ae.Code {
	case analytics.ErrCodeValidation, analytics.ErrCodeUnsupportedMethod:
		status = http.StatusBadRequest
	case analytics.ErrCodeInsufficientData, analytics.ErrCodeComputation:
		status = http.StatusUnprocessableEntity
	case analytics.ErrCodeDataSource:
		status = http.StatusServiceUnavailable
	}
	writeProblem(w, status, ae.Message, ae)
}

func writeProblem(w http.ResponseWriter, status int, detail string, ae *analytics.Error) {
	body := map[string]any{
		"type":   problemBase + problemSlug(status, ae),
		"title":  http.StatusText(status),
		"status": status,
		"detail": detail,
	}
	if ae != nil {
		body["code"] = ae.Code
		if ae.Field != "" {
			body["field"] = ae.Field
		}
		if ae.Method != "" {
			body["method"] = ae.Method
		}
		if ae.Code == analytics.ErrCodeInsufficientData {
			body["required"] = ae.Required
			body["actual"] = ae.Actual
		}
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

const problemBase = "https://carbonsight.dev/problems/"

func problemSlug(status int, ae *analytics.Error) string {
	if ae != nil {
		return strings.ReplaceAll(ae.Code, "_", "-")
	}
	return strings.ReplaceAll(strings.ToLower(http.StatusText(status)), " ", "-")
}

// parseLimit reads ?limit=. Unlike a silent default, a malformed or
// non-positive value is rejected.
func parseLimit(r *http.Request, defaultLimit int) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, analytics.NewValidationError("limit", "must be a positive integer")
	}
	return min(n, 1000), nil
}

// parsePeriod reads ?start=&end= as RFC 3339. Both or neither must be set.
func parsePeriod(r *http.Request) (*analytics.Period, error) {
	q := r.URL.Query()
	start, end := q.Get("start"), q.Get("end")
	if start == "" && end == "" {
		return nil, nil
	}
	if start == "" || end == "" {
		return nil, analytics.NewValidationError("period", "start and end must be given together")
	}
	s, err := time.Parse(time.RFC3339, start)
	if err != nil {
		return nil, analytics.NewValidationError("start", "must be an RFC 3339 timestamp")
	}
	e, err := time.Parse(time.RFC3339, end)
	if err != nil {
		return nil, analytics.NewValidationError("end", "must be an RFC 3339 timestamp")
	}
	return &analytics.Period{Start: s, End: e}, nil
}

func parseFilters(raw []string) ([]analytics.Filter, error) {
	var out []analytics.Filter
	for i, f := range raw {
		tag, value, ok := strings.Cut(f, ":")
		if !ok || tag == "" {
			return nil, analytics.NewValidationError(fmt.Sprintf("filter[%d]", i), "must be tag:value")
		}
		out = append(out, analytics.Filter{Tag: tag, Value: value})
	}
	return out, nil
}

// parseMetrics accepts repeated and comma-separated values.
func parseMetrics(raw []string) []analytics.Metric {
	var out []analytics.Metric
	for _, s := range raw {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, parseMetric(part))
			}
		}
	}
	return out
}

func parseMetric(s string) analytics.Metric {
	var m analytics.Metric
	_ = m.UnmarshalText([]byte(s))
	return m
}

func parseDimension(s string) analytics.Dimension {
	var d analytics.Dimension
	_ = d.UnmarshalText([]byte(s))
	return d
}

func parseTimeFrame(s string) analytics.TimeFrame {
	var tf analytics.TimeFrame
	_ = tf.UnmarshalText([]byte(s))
	return tf
}
