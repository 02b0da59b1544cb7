// Package plugintest holds lifecycle checks every plugin.Plugin must pass.
package plugintest

import (
	"context"
	"strings"
	"testing"

	"github.com/HerbHall/carbonsight/pkg/plugin"
	"go.uber.org/zap"
)

// TestPluginContract exercises the lifecycle of fresh plugins from factory
// using only a logger as dependency. Use it from each plugin's tests:
//
//	func TestPluginContract(t *testing.T) {
//		plugintest.TestPluginContract(t, func() plugin.Plugin { return insight.New() })
//	}
func TestPluginContract(t *testing.T, factory func() plugin.Plugin) {
	t.Helper()
	ctx := context.Background()

	initialized := func(t *testing.T) plugin.Plugin {
		t.Helper()
		p := factory()
		deps := plugin.Dependencies{Logger: zap.NewNop().Named(p.Info().Name)}
		if err := p.Init(ctx, deps); err != nil {
			t.Fatalf("Init() with minimal dependencies: %v", err)
		}
		return p
	}

	t.Run("info", func(t *testing.T) {
		info := factory().Info()
		if info.Name == "" || strings.ContainsAny(info.Name, "/ ") {
			t.Errorf("Info().Name = %q, want a non-empty path segment", info.Name)
		}
		if info.Version == "" {
			t.Error("Info().Version is empty")
		}
		if info.APIVersion < plugin.APIVersionMin || info.APIVersion > plugin.APIVersionCurrent {
			t.Errorf("Info().APIVersion = %d, outside [%d, %d]", info.APIVersion, plugin.APIVersionMin, plugin.APIVersionCurrent)
		}
	})

	t.Run("start stop", func(t *testing.T) {
		p := initialized(t)
		if err := p.Start(ctx); err != nil {
			t.Fatalf("Start(): %v", err)
		}
		if err := p.Stop(ctx); err != nil {
			t.Fatalf("Stop(): %v", err)
		}
	})

	t.Run("stop without start", func(t *testing.T) {
		if err := initialized(t).Stop(ctx); err != nil {
			t.Fatalf("Stop(): %v", err)
		}
	})

	t.Run("health after init", func(t *testing.T) {
		hc, ok := initialized(t).(plugin.HealthChecker)
		if !ok {
			t.Skip("no health reporting")
		}
		switch s := hc.Health(ctx).Status; s {
		case "healthy", "degraded", "unhealthy":
		default:
			t.Errorf("Health().Status = %q", s)
		}
	})

	t.Run("routes", func(t *testing.T) {
		hp, ok := factory().(plugin.HTTPProvider)
		if !ok {
			t.Skip("no routes")
		}
		seen := make(map[string]bool)
		for _, r := range hp.Routes() {
			if r.Method == "" || r.Handler == nil || !strings.HasPrefix(r.Path, "/") {
				t.Errorf("malformed route %s %q", r.Method, r.Path)
			}
			key := r.Method + " " + r.Path
			if seen[key] {
				t.Errorf("duplicate route %s", key)
			}
			seen[key] = true
		}
	})
}
