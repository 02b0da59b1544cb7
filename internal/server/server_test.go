package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/HerbHall/carbonsight/pkg/plugin"
	"go.uber.org/zap"
)

// fakeRegistry satisfies PluginSource.
type fakeRegistry struct {
	plugins []plugin.Plugin
	routes  map[string][]plugin.Route
	health  map[string]plugin.HealthStatus
}

func (f *fakeRegistry) AllRoutes() map[string][]plugin.Route { return f.routes }
func (f *fakeRegistry) All() []plugin.Plugin                 { return f.plugins }
func (f *fakeRegistry) Health(context.Context) map[string]plugin.HealthStatus {
	return f.health
}

type namedPlugin struct {
	info plugin.PluginInfo
}

func (p namedPlugin) Info() plugin.PluginInfo                         { return p.info }
func (p namedPlugin) Init(context.Context, plugin.Dependencies) error { return nil }
func (p namedPlugin) Start(context.Context) error                     { return nil }
func (p namedPlugin) Stop(context.Context) error                      { return nil }

func analyticsRegistry(status string) *fakeRegistry {
	return &fakeRegistry{
		plugins: []plugin.Plugin{namedPlugin{plugin.PluginInfo{
			Name:        "analytics",
			Version:     "0.1.0",
			Description: "Emissions and usage analytics",
		}}},
		routes: map[string][]plugin.Route{
			"analytics": {
				{Method: "POST", Path: "/usage", Handler: func(w http.ResponseWriter, _ *http.Request) {
					w.WriteHeader(http.StatusAccepted)
				}},
				{Method: "POST", Path: "/query", Handler: func(http.ResponseWriter, *http.Request) {}},
				{Method: "GET", Path: "/benchmarks/{industry}", Handler: func(w http.ResponseWriter, r *http.Request) {
					_, _ = w.Write([]byte(r.PathValue("industry")))
				}},
			},
		},
		health: map[string]plugin.HealthStatus{"analytics": {Status: status}},
	}
}

func request(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, http.NoBody)
	req.RemoteAddr = "198.51.100.7:4000"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

func TestProbes(t *testing.T) {
	notReady := errors.New("database locked")
	tests := []struct {
		name       string
		path       string
		ready      ReadinessChecker
		wantCode   int
		wantStatus string
	}{
		{"liveness", "/healthz", nil, http.StatusOK, "alive"},
		{"ready without check", "/readyz", nil, http.StatusOK, "ready"},
		{"ready", "/readyz", func(context.Context) error { return nil }, http.StatusOK, "ready"},
		{"not ready", "/readyz", func(context.Context) error { return notReady }, http.StatusServiceUnavailable, "not ready"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := New(Config{Host: "127.0.0.1", Port: 8080}, analyticsRegistry("healthy"), zap.NewNop(), tt.ready)
			w := request(t, srv.Handler(), "GET", tt.path)
			if w.Code != tt.wantCode {
				t.Fatalf("status code = %d, want %d", w.Code, tt.wantCode)
			}
			body := decode[map[string]string](t, w)
			if body["status"] != tt.wantStatus {
				t.Errorf("status = %q, want %q", body["status"], tt.wantStatus)
			}
			if tt.wantCode == http.StatusServiceUnavailable && body["error"] != notReady.Error() {
				t.Errorf("error = %q, want %q", body["error"], notReady.Error())
			}
		})
	}
}

func TestHandleHealth(t *testing.T) {
	for pluginStatus, want := range map[string]string{"healthy": "ok", "degraded": "degraded"} {
		t.Run(pluginStatus, func(t *testing.T) {
			srv := New(Config{Port: 8080}, analyticsRegistry(pluginStatus), zap.NewNop(), nil)
			resp := decode[HealthResponse](t, request(t, srv.Handler(), "GET", "/api/v1/health"))
			if resp.Status != want {
				t.Errorf("status = %q, want %q", resp.Status, want)
			}
			if resp.Service != "carbonsight" {
				t.Errorf("service = %q, want carbonsight", resp.Service)
			}
			if resp.Version["version"] == "" {
				t.Error("version info missing")
			}
			if resp.Plugins["analytics"].Status != pluginStatus {
				t.Errorf("plugin status = %q, want %q", resp.Plugins["analytics"].Status, pluginStatus)
			}
		})
	}
}

func TestHandlePlugins(t *testing.T) {
	srv := New(Config{Port: 8080}, analyticsRegistry("healthy"), zap.NewNop(), nil)
	got := decode[[]PluginResponse](t, request(t, srv.Handler(), "GET", "/api/v1/plugins"))
	want := PluginResponse{Name: "analytics", Version: "0.1.0", Description: "Emissions and usage analytics"}
	if len(got) != 1 || got[0] != want {
		t.Errorf("plugins = %+v, want [%+v]", got, want)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := New(Config{Port: 8080}, analyticsRegistry("healthy"), zap.NewNop(), nil)
	request(t, srv.Handler(), "POST", "/api/v1/analytics/usage")

	body := request(t, srv.Handler(), "GET", "/metrics").Body.String()
	for _, want := range []string{"go_goroutines", `carbonsight_http_requests_total{method="POST",route="POST /api/v1/analytics/usage",status="202"}`} {
		if !strings.Contains(body, want) {
			t.Errorf("/metrics missing %s", want)
		}
	}
}

func TestPluginRoutes(t *testing.T) {
	srv := New(Config{Port: 8080}, analyticsRegistry("healthy"), zap.NewNop(), nil)
	h := srv.Handler()

	if w := request(t, h, "POST", "/api/v1/analytics/usage"); w.Code != http.StatusAccepted {
		t.Errorf("POST usage = %d, want 202", w.Code)
	}
	if w := request(t, h, "GET", "/api/v1/analytics/benchmarks/retail"); w.Body.String() != "retail" {
		t.Errorf("path value = %q, want retail", w.Body.String())
	}
	if w := request(t, h, "GET", "/api/v1/analytics/usage"); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET usage = %d, want 405 from the mux", w.Code)
	}

	w := request(t, h, "GET", "/healthz")
	for _, header := range []string{"X-CarbonSight-Version", "X-Request-ID", "X-Content-Type-Options"} {
		if w.Header().Get(header) == "" {
			t.Errorf("missing %s from the middleware chain", header)
		}
	}
}

func TestNew_ConfigDrivenMiddleware(t *testing.T) {
	cfg := Config{Port: 8080, ReadOnly: true, RateLimitRPS: 1, RateLimitBurst: 2}
	srv := New(cfg, analyticsRegistry("healthy"), zap.NewNop(), nil, "/api/v1/analytics/query")
	h := srv.Handler()

	steps := []struct {
		method, path string
		want         int
	}{
		{"POST", "/api/v1/analytics/query", http.StatusOK},
		{"POST", "/api/v1/analytics/usage", http.StatusMethodNotAllowed},
		{"POST", "/api/v1/analytics/query", http.StatusTooManyRequests},
		{"GET", "/healthz", http.StatusOK},
	}
	for i, s := range steps {
		if w := request(t, h, s.method, s.path); w.Code != s.want {
			t.Errorf("step %d %s %s = %d, want %d", i, s.method, s.path, w.Code, s.want)
		}
	}
}
