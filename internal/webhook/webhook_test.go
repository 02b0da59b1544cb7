package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/HerbHall/carbonsight/internal/config"
	"github.com/HerbHall/carbonsight/internal/event"
	"github.com/HerbHall/carbonsight/internal/insight"
	"github.com/HerbHall/carbonsight/pkg/analytics"
	"github.com/HerbHall/carbonsight/pkg/plugin"
	"github.com/HerbHall/carbonsight/pkg/plugin/plugintest"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func TestContract(t *testing.T) {
	plugintest.TestPluginContract(t, func() plugin.Plugin { return New() })
}

func newModule(t *testing.T, values map[string]any) *Module {
	t.Helper()
	v := viper.New()
	for k, val := range values {
		v.Set(k, val)
	}
	m := New()
	if err := m.Init(context.Background(), plugin.Dependencies{Logger: zap.NewNop(), Config: config.New(v)}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return m
}

func anomalyEvent(severities ...float64) plugin.Event {
	ev := insight.AnomalyDetectedEvent{OrganizationID: "org-1"}
	for i, s := range severities {
		ev.Anomalies = append(ev.Anomalies, analytics.Anomaly{
			ID:            string(rune('a' + i)),
			Metric:        analytics.MetricCarbonEmissions,
			Method:        analytics.AnomalyZScore,
			ObservedValue: 100,
			Severity:      s,
		})
	}
	return plugin.Event{
		Topic:     insight.TopicAnomalyDetected,
		Source:    insight.PluginName,
		Timestamp: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Payload:   ev,
	}
}

// recorder is a webhook endpoint that answers with the queued status codes,
// then 200.
type recorder struct {
	mu       sync.Mutex
	statuses []int
	received []AlertPayload
	calls    atomic.Int32
}

func (rec *recorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec.calls.Add(1)
	var p AlertPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.received = append(rec.received, p)
	status := http.StatusOK
	if len(rec.statuses) > 0 {
		status, rec.statuses = rec.statuses[0], rec.statuses[1:]
	}
	if !strings.HasPrefix(r.Header.Get("User-Agent"), "CarbonSight-Webhook/") {
		status = http.StatusForbidden
	}
	w.WriteHeader(status)
}

func TestSubscriptions(t *testing.T) {
	subs := New().Subscriptions()
	if len(subs) != 1 || subs[0].Topic != insight.TopicAnomalyDetected {
		t.Fatalf("Subscriptions() = %+v, want one %s", subs, insight.TopicAnomalyDetected)
	}
}

func TestInit_RejectsBadSeverity(t *testing.T) {
	v := viper.New()
	v.Set("min_severity", 1.5)
	err := New().Init(context.Background(), plugin.Dependencies{Logger: zap.NewNop(), Config: config.New(v)})
	if err == nil {
		t.Fatal("expected error for min_severity > 1")
	}
}

func TestHandleEvent_Delivers(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	m := newModule(t, map[string]any{"url": srv.URL, "min_severity": 0.5, "rate_per_second": 0})
	m.handleEvent(context.Background(), anomalyEvent(0.2, 0.9))

	if len(rec.received) != 1 {
		t.Fatalf("received %d alerts, want 1", len(rec.received))
	}
	got := rec.received[0]
	if got.Event != insight.TopicAnomalyDetected || got.OrganizationID != "org-1" {
		t.Errorf("payload = %+v", got)
	}
	if len(got.Anomalies) != 1 || got.Anomalies[0].Severity != 0.9 {
		t.Errorf("anomalies = %+v, want only the 0.9 one", got.Anomalies)
	}
	if got.Timestamp != "2026-03-01T00:00:00Z" {
		t.Errorf("timestamp = %q", got.Timestamp)
	}
}

func TestHandleEvent_Skips(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]any
		event  plugin.Event
	}{
		{"disabled", map[string]any{"enabled": false}, anomalyEvent(1)},
		{"below threshold", map[string]any{"min_severity": 0.8}, anomalyEvent(0.3, 0.5)},
		{"foreign payload", nil, plugin.Event{Topic: insight.TopicAnomalyDetected, Payload: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			srv := httptest.NewServer(rec)
			defer srv.Close()

			values := map[string]any{"url": srv.URL}
			for k, v := range tt.values {
				values[k] = v
			}
			m := newModule(t, values)
			m.handleEvent(context.Background(), tt.event)
			if n := rec.calls.Load(); n != 0 {
				t.Errorf("endpoint called %d times, want 0", n)
			}
		})
	}
}

func TestHandleEvent_NoURL(t *testing.T) {
	m := newModule(t, nil)
	m.handleEvent(context.Background(), anomalyEvent(1))
	if got := m.Health(context.Background()).Status; got != "degraded" {
		t.Errorf("Health = %q, want degraded without URL", got)
	}
}

func TestDeliver_Retries(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []int
		wantCalls int32
	}{
		{"server error then success", []int{http.StatusBadGateway}, 2},
		{"client error is final", []int{http.StatusBadRequest}, 1},
		{"attempts exhausted", []int{500, 500, 500}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{statuses: tt.statuses}
			srv := httptest.NewServer(rec)
			defer srv.Close()

			m := newModule(t, map[string]any{"url": srv.URL, "retry_delay": "1ms", "max_attempts": 2})
			m.handleEvent(context.Background(), anomalyEvent(1))
			if n := rec.calls.Load(); n != tt.wantCalls {
				t.Errorf("calls = %d, want %d", n, tt.wantCalls)
			}
		})
	}
}

func TestDelivery_ThroughBus(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	bus := event.NewBus(zap.NewNop())
	m := newModule(t, map[string]any{"url": srv.URL})
	for _, s := range m.Subscriptions() {
		defer bus.Subscribe(s.Topic, s.Handler)()
	}

	bus.PublishAsync(context.Background(), anomalyEvent(0.7))
	bus.Wait()

	if n := rec.calls.Load(); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}
