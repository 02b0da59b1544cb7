package insight

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/HerbHall/carbonsight/internal/store"
	"github.com/HerbHall/carbonsight/pkg/analytics"
	"github.com/HerbHall/carbonsight/pkg/plugin"
	"go.uber.org/zap"
)

func newTestModule(t *testing.T) *Module {
	t.Helper()
	db, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	m := New()
	err = m.Init(context.Background(), plugin.Dependencies{
		Logger: zap.NewNop(),
		Store:  db,
	})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	return m
}

// serve routes req through a mux built from Routes, so path values resolve
// the way they do behind the server.
func serve(t *testing.T, m *Module, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *bytes.Reader
	switch b := body.(type) {
	case nil:
		rdr = bytes.NewReader(nil)
	case string:
		rdr = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rdr = bytes.NewReader(raw)
	}

	mux := http.NewServeMux()
	for _, rt := range m.Routes() {
		mux.HandleFunc(rt.Method+" "+rt.Path, rt.Handler)
	}
	req := httptest.NewRequest(method, target, rdr)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
	return v
}

func problem(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("Content-Type = %q, want application/problem+json", ct)
	}
	return decode[map[string]any](t, w)
}

// recentDay returns midnight UTC n days ago.
func recentDay(n int) time.Time {
	return time.Now().UTC().Truncate(24*time.Hour).AddDate(0, 0, -n)
}

func ingest(t *testing.T, m *Module, points ...analytics.MetricPoint) {
	t.Helper()
	w := serve(t, m, http.MethodPost, "/usage", UsageRequest{Points: points})
	if w.Code != http.StatusCreated {
		t.Fatalf("POST /usage status = %d, body %s", w.Code, w.Body.String())
	}
}

func point(org string, metric analytics.Metric, ts time.Time, v float64) analytics.MetricPoint {
	return analytics.MetricPoint{OrganizationID: org, Metric: metric, Timestamp: ts, Value: v}
}

func TestHandleIngestUsage(t *testing.T) {
	m := newTestModule(t)

	w := serve(t, m, http.MethodPost, "/usage", UsageRequest{Points: []analytics.MetricPoint{
		point(testOrg, analytics.MetricCarbonEmissions, recentDay(1), 3),
		point(testOrg, analytics.MetricCost, recentDay(1), 9),
	}})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusCreated)
	}
	got := decode[map[string]int](t, w)
	if got["ingested"] != 2 {
		t.Errorf("ingested = %d, want 2", got["ingested"])
	}

	n, err := m.store.CountUsage(context.Background())
	if err != nil {
		t.Fatalf("CountUsage: %v", err)
	}
	if n != 2 {
		t.Errorf("stored %d points, want 2", n)
	}
}

func TestHandleIngestUsage_Invalid(t *testing.T) {
	m := newTestModule(t)

	tests := []struct {
		name      string
		body      any
		wantField string
	}{
		{"malformed json", "{", ""},
		{"empty", UsageRequest{}, "points"},
		{"missing org", UsageRequest{Points: []analytics.MetricPoint{point("", analytics.MetricCost, recentDay(1), 1)}}, "points[0].organization_id"},
		{"unknown metric", UsageRequest{Points: []analytics.MetricPoint{
			point(testOrg, analytics.MetricCost, recentDay(1), 1),
			point(testOrg, "bananas", recentDay(1), 1),
		}}, "points[1].metric"},
		{"missing timestamp", UsageRequest{Points: []analytics.MetricPoint{point(testOrg, analytics.MetricCost, time.Time{}, 1)}}, "points[0].timestamp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(t, m, http.MethodPost, "/usage", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			p := problem(t, w)
			if tt.wantField != "" && p["field"] != tt.wantField {
				t.Errorf("field = %v, want %q", p["field"], tt.wantField)
			}
		})
	}

	n, _ := m.store.CountUsage(context.Background())
	if n != 0 {
		t.Errorf("stored %d points from rejected batches, want 0", n)
	}
}

func TestHandleTimeSeries(t *testing.T) {
	m := newTestModule(t)
	start := recentDay(5)
	ingest(t, m,
		point(testOrg, analytics.MetricCarbonEmissions, start.Add(2*time.Hour), 1),
		point(testOrg, analytics.MetricCarbonEmissions, start.Add(26*time.Hour), 2),
		point(testOrg, analytics.MetricCarbonEmissions, start.Add(50*time.Hour), 3),
		point("org-other", analytics.MetricCarbonEmissions, start.Add(2*time.Hour), 100),
	)

	q := url.Values{
		"organization_id": {testOrg},
		"metric":          {"Carbon-Emissions"},
		"time_frame":      {"DAY"},
		"start":           {start.Format(time.RFC3339)},
		"end":             {start.AddDate(0, 0, 3).Format(time.RFC3339)},
	}
	w := serve(t, m, http.MethodGet, "/timeseries?"+q.Encode(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	s := decode[analytics.MetricSeries](t, w)
	if s.Metric != analytics.MetricCarbonEmissions {
		t.Errorf("Metric = %q, want normalized carbon_emissions", s.Metric)
	}
	if len(s.Buckets) != 3 {
		t.Fatalf("len(Buckets) = %d, want 3", len(s.Buckets))
	}
	if s.Total != 6 {
		t.Errorf("Total = %v, want 6", s.Total)
	}

	// New points reach the next read without waiting for the cache TTL.
	ingest(t, m, point(testOrg, analytics.MetricCarbonEmissions, start.Add(3*time.Hour), 10))
	w = serve(t, m, http.MethodGet, "/timeseries?"+q.Encode(), nil)
	if s := decode[analytics.MetricSeries](t, w); s.Total != 16 {
		t.Errorf("Total after ingest = %v, want 16", s.Total)
	}
}

func TestHandleTimeSeries_Filters(t *testing.T) {
	m := newTestModule(t)
	start := recentDay(3)
	scoped := point(testOrg, analytics.MetricEnergyConsumption, start.Add(time.Hour), 4)
	scoped.Tags = map[string]string{"location": "berlin"}
	other := point(testOrg, analytics.MetricEnergyConsumption, start.Add(time.Hour), 7)
	other.Tags = map[string]string{"location": "lyon"}
	ingest(t, m, scoped, other)

	q := url.Values{
		"organization_id": {testOrg},
		"metric":          {"energy_consumption"},
		"time_frame":      {"day"},
		"start":           {start.Format(time.RFC3339)},
		"end":             {start.AddDate(0, 0, 1).Format(time.RFC3339)},
		"filter":          {"location:berlin"},
	}
	w := serve(t, m, http.MethodGet, "/timeseries?"+q.Encode(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if s := decode[analytics.MetricSeries](t, w); s.Total != 4 {
		t.Errorf("Total = %v, want only the berlin point", s.Total)
	}
}

func TestHandleTimeSeries_BadParams(t *testing.T) {
	m := newTestModule(t)
	now := time.Now().UTC().Format(time.RFC3339)

	tests := []struct {
		name      string
		query     string
		wantField string
	}{
		{"start without end", "organization_id=o&metric=cost&time_frame=day&start=" + url.QueryEscape(now), "period"},
		{"bad start", "organization_id=o&metric=cost&time_frame=day&start=yesterday&end=" + url.QueryEscape(now), "start"},
		{"bad filter", "organization_id=o&metric=cost&time_frame=day&filter=nocolon", "filter[0]"},
		{"unknown metric", "organization_id=o&metric=bananas&time_frame=day", "metric"},
		{"unknown time frame", "organization_id=o&metric=cost&time_frame=fortnight", "time_frame"},
		{"missing org", "metric=cost&time_frame=day", "organization_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(t, m, http.MethodGet, "/timeseries?"+tt.query, nil)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (body %s)", w.Code, w.Body.String())
			}
			p := problem(t, w)
			if p["code"] != analytics.ErrCodeValidation {
				t.Errorf("code = %v, want %s", p["code"], analytics.ErrCodeValidation)
			}
			if p["field"] != tt.wantField {
				t.Errorf("field = %v, want %q", p["field"], tt.wantField)
			}
			if p["type"] != problemBase+"validation-error" {
				t.Errorf("type = %v", p["type"])
			}
		})
	}
}

func TestHandleQuery(t *testing.T) {
	m := newTestModule(t)
	start := recentDay(4)
	ingest(t, m,
		point(testOrg, analytics.MetricCarbonEmissions, start.Add(time.Hour), 2),
		point(testOrg, analytics.MetricCost, start.Add(time.Hour), 5),
		point(testOrg, analytics.MetricCost, start.Add(25*time.Hour), 5),
	)

	w := serve(t, m, http.MethodPost, "/query", analytics.AnalyticsQuery{
		OrganizationID: testOrg,
		Metrics:        []analytics.Metric{analytics.MetricCarbonEmissions, analytics.MetricCost},
		TimeFrame:      analytics.TimeFrameDay,
		Period:         &analytics.Period{Start: start, End: start.AddDate(0, 0, 2)},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	res := decode[analytics.QueryResult](t, w)
	if len(res.Series) != 2 {
		t.Fatalf("len(Series) = %d, want 2", len(res.Series))
	}
	if res.Totals[analytics.MetricCarbonEmissions] != 2 || res.Totals[analytics.MetricCost] != 10 {
		t.Errorf("Totals = %v, want carbon 2 and cost 10", res.Totals)
	}
}

func TestHandleForecast(t *testing.T) {
	m := newTestModule(t)
	start := recentDay(30)
	var pts []analytics.MetricPoint
	for i := range 20 {
		pts = append(pts, point(testOrg, analytics.MetricCost, start.AddDate(0, 0, i).Add(time.Hour), float64(10+2*i)))
	}
	ingest(t, m, pts...)

	trainEnd := start.AddDate(0, 0, 20)
	body := map[string]any{
		"organization_id": testOrg,
		"method":          "LINEAR_REGRESSION",
		"metric":          "cost",
		"granularity":     "day",
		"train_period":    analytics.Period{Start: start, End: trainEnd},
		"forecast_period": analytics.Period{Start: trainEnd, End: trainEnd.AddDate(0, 0, 3)},
	}
	w := serve(t, m, http.MethodPost, "/forecast", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	res := decode[analytics.ForecastResult](t, w)
	if len(res.Points) != 3 {
		t.Fatalf("len(Points) = %d, want 3", len(res.Points))
	}
	if got := res.Points[0].Predicted; got < 49.9 || got > 50.1 {
		t.Errorf("first prediction = %v, want 50 on the exact trend", got)
	}
}

func TestHandleForecast_Errors(t *testing.T) {
	m := newTestModule(t)
	start := recentDay(10)
	trainEnd := start.AddDate(0, 0, 5)
	ingest(t, m, point(testOrg, analytics.MetricCost, start.Add(time.Hour), 1))

	base := func(method string) map[string]any {
		return map[string]any{
			"organization_id": testOrg,
			"method":          method,
			"metric":          "cost",
			"granularity":     "day",
			"train_period":    analytics.Period{Start: start, End: trainEnd},
			"forecast_period": analytics.Period{Start: trainEnd, End: trainEnd.AddDate(0, 0, 2)},
		}
	}

	tests := []struct {
		name       string
		body       map[string]any
		wantStatus int
		wantCode   string
	}{
		{"unsupported method", base("crystal_ball"), http.StatusBadRequest, analytics.ErrCodeUnsupportedMethod},
		{"too few points", base("holt_winters"), http.StatusUnprocessableEntity, analytics.ErrCodeInsufficientData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(t, m, http.MethodPost, "/forecast", tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
			p := problem(t, w)
			if p["code"] != tt.wantCode {
				t.Errorf("code = %v, want %s", p["code"], tt.wantCode)
			}
			if tt.wantCode == analytics.ErrCodeInsufficientData {
				if p["required"] == nil || p["actual"] == nil {
					t.Errorf("problem lacks required/actual: %v", p)
				}
			}
		})
	}
}

func TestHandleAnomalies(t *testing.T) {
	m := newTestModule(t)
	start := recentDay(25)
	var pts []analytics.MetricPoint
	for i := range 21 {
		v := 10.0 + float64(i%3)
		if i == 13 {
			v = 100
		}
		pts = append(pts, point(testOrg, analytics.MetricCarbonEmissions, start.AddDate(0, 0, i).Add(time.Hour), v))
	}
	ingest(t, m, pts...)

	body := map[string]any{
		"organization_id": testOrg,
		"method":          "z_score",
		"metrics":         []string{"carbon_emissions"},
		"sensitivity":     "medium",
		"granularity":     "day",
		"period":          analytics.Period{Start: start, End: start.AddDate(0, 0, 21)},
	}
	w := serve(t, m, http.MethodPost, "/anomalies", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	got := decode[[]analytics.Anomaly](t, w)
	if len(got) != 1 {
		t.Fatalf("anomalies = %d, want 1", len(got))
	}
	if got[0].ObservedValue != 100 || !got[0].Timestamp.Equal(start.AddDate(0, 0, 13)) {
		t.Errorf("anomaly = %+v, want the day-13 spike", got[0])
	}
	if got[0].ID == "" {
		t.Error("anomaly has no ID")
	}
}

func TestHandleInsights(t *testing.T) {
	m := newTestModule(t)

	w := serve(t, m, http.MethodGet, "/insights?organization_id="+testOrg, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if got := decode[[]analytics.Insight](t, w); len(got) != 0 {
		t.Errorf("insights = %d, want none without data", len(got))
	}

	for _, limit := range []string{"0", "-3", "ten"} {
		w := serve(t, m, http.MethodGet, "/insights?organization_id="+testOrg+"&limit="+limit, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("limit=%s: status = %d, want 400", limit, w.Code)
			continue
		}
		if p := problem(t, w); p["field"] != "limit" {
			t.Errorf("limit=%s: field = %v", limit, p["field"])
		}
	}
}

func TestHandleBenchmarks(t *testing.T) {
	m := newTestModule(t)

	w := serve(t, m, http.MethodPut, "/benchmarks/manufacturing/carbon_emissions",
		ReferenceRequest{Samples: []float64{300, 100, 200}, Average: 200, Best: 100})
	if w.Code != http.StatusOK {
		t.Fatalf("PUT status = %d, body %s", w.Code, w.Body.String())
	}
	ref := decode[analytics.ReferenceDistribution](t, w)
	if ref.IndustryID != "manufacturing" || ref.Metric != analytics.MetricCarbonEmissions {
		t.Errorf("stored reference = %+v", ref)
	}

	ingest(t, m,
		point(testOrg, analytics.MetricCarbonEmissions, recentDay(40), 100),
		point(testOrg, analytics.MetricCarbonEmissions, recentDay(20), 50),
	)

	w = serve(t, m, http.MethodGet, "/benchmarks?organization_id="+testOrg+"&industry=manufacturing&metrics=carbon_emissions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET status = %d, body %s", w.Code, w.Body.String())
	}
	res := decode[analytics.BenchmarkResult](t, w)
	if len(res.Entries) != 1 {
		t.Fatalf("len(Entries) = %d, want 1", len(res.Entries))
	}
	if e := res.Entries[0]; e.Value != 150 || e.Percentile != 25 {
		t.Errorf("entry = %+v, want value 150 at percentile 25", e)
	}
}

func TestHandleBenchmarks_Errors(t *testing.T) {
	m := newTestModule(t)

	tests := []struct {
		name       string
		method     string
		target     string
		body       any
		wantStatus int
	}{
		{"no metrics", http.MethodGet, "/benchmarks?organization_id=o&industry=retail", nil, http.StatusBadRequest},
		{"no industry", http.MethodGet, "/benchmarks?organization_id=o&metrics=cost", nil, http.StatusBadRequest},
		{"unknown metric in path", http.MethodPut, "/benchmarks/retail/bananas", ReferenceRequest{Samples: []float64{1}}, http.StatusBadRequest},
		{"no samples", http.MethodPut, "/benchmarks/retail/cost", ReferenceRequest{}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(t, m, tt.method, tt.target, tt.body)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

func TestHandleCorrelation(t *testing.T) {
	m := newTestModule(t)
	start := recentDay(10)
	var pts []analytics.MetricPoint
	for i := range 6 {
		ts := start.AddDate(0, 0, i).Add(time.Hour)
		pts = append(pts,
			point(testOrg, analytics.MetricEnergyConsumption, ts, float64(i+1)),
			point(testOrg, analytics.MetricCarbonEmissions, ts, float64(3*(i+1))),
		)
	}
	ingest(t, m, pts...)

	q := url.Values{
		"organization_id": {testOrg},
		"metric1":         {"energy_consumption"},
		"metric2":         {"carbon_emissions"},
		"time_frame":      {"day"},
		"start":           {start.Format(time.RFC3339)},
		"end":             {start.AddDate(0, 0, 6).Format(time.RFC3339)},
	}
	w := serve(t, m, http.MethodGet, "/correlation?"+q.Encode(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	res := decode[analytics.CorrelationResult](t, w)
	if res.Coefficient < 0.9999 {
		t.Errorf("Coefficient = %v, want 1", res.Coefficient)
	}
	if res.SampleSize != 6 {
		t.Errorf("SampleSize = %d, want 6", res.SampleSize)
	}
}

func TestHandlers_NoStore(t *testing.T) {
	m := New()
	if err := m.Init(context.Background(), plugin.Dependencies{Logger: zap.NewNop()}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	m.cfg.RetryBackoff = time.Millisecond

	w := serve(t, m, http.MethodGet, "/timeseries?organization_id=o&metric=cost&time_frame=day", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if p := problem(t, w); p["code"] != analytics.ErrCodeDataSource {
		t.Errorf("code = %v, want %s", p["code"], analytics.ErrCodeDataSource)
	}

	w = serve(t, m, http.MethodPost, "/usage", UsageRequest{Points: []analytics.MetricPoint{point("o", analytics.MetricCost, recentDay(1), 1)}})
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("ingest status = %d, want 503", w.Code)
	}
}

func TestWithRetry(t *testing.T) {
	transient := analytics.NewDataSourceError("fetch raw points", errors.New("connection reset"))

	tests := []struct {
		name      string
		errs      []error
		wantCalls int
		wantErr   bool
	}{
		{"success", []error{nil}, 1, false},
		{"retryable then success", []error{transient, nil}, 2, false},
		{"retryable twice", []error{transient, transient}, 2, true},
		{"not retryable", []error{analytics.NewValidationError("metric", "is required")}, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			_, err := withRetry(context.Background(), time.Millisecond, func() (int, error) {
				err := tt.errs[calls]
				calls++
				return calls, err
			})
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWriteEngineError_StatusMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{analytics.NewValidationError("x", "bad"), http.StatusBadRequest},
		{analytics.NewUnsupportedMethodError("forecast method", "magic"), http.StatusBadRequest},
		{analytics.NewInsufficientDataError("holt_winters", 14, 3), http.StatusUnprocessableEntity},
		{analytics.NewComputationError("pearson", "zero variance"), http.StatusUnprocessableEntity},
		{analytics.NewDataSourceError("fetch", errors.New("down")), http.StatusServiceUnavailable},
		{fmt.Errorf("wrapped: %w", analytics.NewValidationError("x", "bad")), http.StatusBadRequest},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			w := httptest.NewRecorder()
			writeEngineError(w, tt.err)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			if tt.want == http.StatusInternalServerError && strings.Contains(w.Body.String(), "plain") {
				t.Error("internal error detail leaked to client")
			}
		})
	}
}
