package registry

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/HerbHall/carbonsight/internal/event"
	"github.com/HerbHall/carbonsight/pkg/plugin"
	"go.uber.org/zap"
)

// testPlugin records lifecycle calls into a shared log.
type testPlugin struct {
	info     plugin.PluginInfo
	initErr  error
	startErr error
	stopErr  error
	panicAt  string
	calls    *[]string
}

func newTestPlugin(name string, calls *[]string) *testPlugin {
	return &testPlugin{
		info: plugin.PluginInfo{
			Name:       name,
			Version:    "1.0.0",
			APIVersion: plugin.APIVersionCurrent,
		},
		calls: calls,
	}
}

func (p *testPlugin) record(stage string) {
	if p.calls != nil {
		*p.calls = append(*p.calls, stage+":"+p.info.Name)
	}
	if p.panicAt == stage {
		panic(stage + " exploded")
	}
}

func (p *testPlugin) Info() plugin.PluginInfo { return p.info }
func (p *testPlugin) Init(_ context.Context, _ plugin.Dependencies) error {
	p.record("init")
	return p.initErr
}
func (p *testPlugin) Start(_ context.Context) error { p.record("start"); return p.startErr }
func (p *testPlugin) Stop(_ context.Context) error  { p.record("stop"); return p.stopErr }

type httpPlugin struct {
	*testPlugin
	routes []plugin.Route
}

func (p *httpPlugin) Routes() []plugin.Route { return p.routes }

type subscriberPlugin struct {
	*testPlugin
	topic string
	got   []plugin.Event
}

func (p *subscriberPlugin) Subscriptions() []plugin.Subscription {
	return []plugin.Subscription{{Topic: p.topic, Handler: func(_ context.Context, e plugin.Event) {
		p.got = append(p.got, e)
	}}}
}

type healthPlugin struct {
	*testPlugin
}

func (p *healthPlugin) Health(context.Context) plugin.HealthStatus {
	return plugin.HealthStatus{Status: "degraded", Message: "no database"}
}

func testDeps(bus plugin.EventBus) func(string) plugin.Dependencies {
	return func(name string) plugin.Dependencies {
		return plugin.Dependencies{Logger: zap.NewNop().Named(name), Bus: bus}
	}
}

func TestRegister(t *testing.T) {
	r := New(zap.NewNop())
	if err := r.Register(newTestPlugin("analytics", nil)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(newTestPlugin("analytics", nil)); err == nil {
		t.Error("expected error for duplicate name")
	}
	if err := r.Register(newTestPlugin("", nil)); err == nil {
		t.Error("expected error for empty name")
	}
}

func TestValidate_APIVersion(t *testing.T) {
	tests := []struct {
		name       string
		apiVersion int
		required   bool
		wantErr    bool
		disabled   bool
	}{
		{"current", plugin.APIVersionCurrent, true, false, false},
		{"too old required", plugin.APIVersionMin - 1, true, true, false},
		{"too new required", plugin.APIVersionCurrent + 1, true, true, false},
		{"too new optional", plugin.APIVersionCurrent + 1, false, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(zap.NewNop())
			p := newTestPlugin("p", nil)
			p.info.APIVersion = tt.apiVersion
			p.info.Required = tt.required
			_ = r.Register(p)

			err := r.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if r.IsDisabled("p") != tt.disabled {
				t.Errorf("IsDisabled = %v, want %v", r.IsDisabled("p"), tt.disabled)
			}
		})
	}
}

func TestLifecycle_Order(t *testing.T) {
	var calls []string
	r := New(zap.NewNop())
	for _, name := range []string{"a", "b", "c"} {
		_ = r.Register(newTestPlugin(name, &calls))
	}
	ctx := context.Background()
	if err := r.Validate(); err != nil {
		t.Fatal(err)
	}
	if err := r.InitAll(ctx, testDeps(nil)); err != nil {
		t.Fatal(err)
	}
	if err := r.StartAll(ctx); err != nil {
		t.Fatal(err)
	}
	r.StopAll(ctx)

	want := "init:a init:b init:c start:a start:b start:c stop:c stop:b stop:a"
	if got := strings.Join(calls, " "); got != want {
		t.Errorf("calls = %s\nwant    %s", got, want)
	}
}

func TestInitAll_Failures(t *testing.T) {
	boom := errors.New("boom")

	t.Run("required returns error", func(t *testing.T) {
		r := New(zap.NewNop())
		p := newTestPlugin("analytics", nil)
		p.info.Required = true
		p.initErr = boom
		_ = r.Register(p)
		err := r.InitAll(context.Background(), testDeps(nil))
		if !errors.Is(err, boom) {
			t.Fatalf("InitAll error = %v, want boom", err)
		}
	})

	t.Run("optional is disabled", func(t *testing.T) {
		var calls []string
		r := New(zap.NewNop())
		bad := newTestPlugin("bad", &calls)
		bad.initErr = boom
		_ = r.Register(bad)
		_ = r.Register(newTestPlugin("good", &calls))

		if err := r.InitAll(context.Background(), testDeps(nil)); err != nil {
			t.Fatalf("InitAll: %v", err)
		}
		if !r.IsDisabled("bad") {
			t.Error("failing optional plugin not disabled")
		}
		if _, ok := r.Get("bad"); ok {
			t.Error("Get returned a disabled plugin")
		}
		_ = r.StartAll(context.Background())
		for _, c := range calls {
			if c == "start:bad" {
				t.Error("disabled plugin was started")
			}
		}
		if len(r.All()) != 1 {
			t.Errorf("All() = %d plugins, want 1", len(r.All()))
		}
	})

	t.Run("panic is recovered", func(t *testing.T) {
		r := New(zap.NewNop())
		p := newTestPlugin("analytics", nil)
		p.info.Required = true
		p.panicAt = "init"
		_ = r.Register(p)
		err := r.InitAll(context.Background(), testDeps(nil))
		if err == nil || !strings.Contains(err.Error(), "panicked during init") {
			t.Fatalf("InitAll error = %v, want panic error", err)
		}
	})
}

func TestStartAll_RequiredFailure(t *testing.T) {
	r := New(zap.NewNop())
	p := newTestPlugin("analytics", nil)
	p.info.Required = true
	p.startErr = errors.New("port in use")
	_ = r.Register(p)
	_ = r.InitAll(context.Background(), testDeps(nil))

	if err := r.StartAll(context.Background()); err == nil {
		t.Fatal("expected error from required plugin start failure")
	}
}

func TestStopAll_ContinuesPastErrorsAndPanics(t *testing.T) {
	var calls []string
	r := New(zap.NewNop())
	a := newTestPlugin("a", &calls)
	b := newTestPlugin("b", &calls)
	b.stopErr = errors.New("stuck")
	c := newTestPlugin("c", &calls)
	c.panicAt = "stop"
	for _, p := range []*testPlugin{a, b, c} {
		_ = r.Register(p)
	}
	r.StopAll(context.Background())

	want := "stop:c stop:b stop:a"
	if got := strings.Join(calls, " "); got != want {
		t.Errorf("calls = %s, want %s", got, want)
	}
}

func TestInitAll_WiresEventSubscriber(t *testing.T) {
	bus := event.NewBus(zap.NewNop())
	r := New(zap.NewNop())
	sub := &subscriberPlugin{testPlugin: newTestPlugin("analytics", nil), topic: "analytics.usage.ingested"}
	_ = r.Register(sub)

	if err := r.InitAll(context.Background(), testDeps(bus)); err != nil {
		t.Fatalf("InitAll: %v", err)
	}
	_ = bus.Publish(context.Background(), plugin.Event{Topic: "analytics.usage.ingested", Payload: 1})
	if len(sub.got) != 1 {
		t.Fatalf("handler received %d events, want 1", len(sub.got))
	}

	r.StopAll(context.Background())
	_ = bus.Publish(context.Background(), plugin.Event{Topic: "analytics.usage.ingested", Payload: 2})
	if len(sub.got) != 1 {
		t.Errorf("handler still subscribed after StopAll")
	}
}

func TestAllRoutes(t *testing.T) {
	r := New(zap.NewNop())
	_ = r.Register(&httpPlugin{
		testPlugin: newTestPlugin("analytics", nil),
		routes:     []plugin.Route{{Method: "GET", Path: "/insights"}},
	})
	_ = r.Register(newTestPlugin("quiet", nil))

	routes := r.AllRoutes()
	if len(routes) != 1 || len(routes["analytics"]) != 1 {
		t.Errorf("AllRoutes() = %v, want one analytics route", routes)
	}
}

func TestHealth(t *testing.T) {
	r := New(zap.NewNop())
	_ = r.Register(&healthPlugin{testPlugin: newTestPlugin("analytics", nil)})
	_ = r.Register(newTestPlugin("plain", nil))

	got := r.Health(context.Background())
	if got["analytics"].Status != "degraded" {
		t.Errorf("analytics status = %q, want degraded", got["analytics"].Status)
	}
	if got["plain"].Status != "healthy" {
		t.Errorf("plain status = %q, want healthy", got["plain"].Status)
	}
}
