// Package registry manages module lifecycle for CarbonSight: registration,
// API version checks, initialization with event wiring, and shutdown.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/HerbHall/carbonsight/pkg/plugin"
	"go.uber.org/zap"
)

// Registry runs registered plugins in registration order and stops them in
// reverse. Optional plugins that fail are disabled; required ones abort.
type Registry struct {
	mu       sync.RWMutex
	order    []string
	plugins  map[string]plugin.Plugin
	infos    map[string]plugin.PluginInfo
	disabled map[string]bool
	unsubs   []func()
	logger   *zap.Logger
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		plugins:  make(map[string]plugin.Plugin),
		infos:    make(map[string]plugin.PluginInfo),
		disabled: make(map[string]bool),
		logger:   logger,
	}
}

// Register adds a plugin. Names must be unique and non-empty.
func (r *Registry) Register(p plugin.Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info := p.Info()
	if info.Name == "" {
		return fmt.Errorf("plugin has empty name")
	}
	if _, exists := r.plugins[info.Name]; exists {
		return fmt.Errorf("plugin %q already registered", info.Name)
	}

	r.plugins[info.Name] = p
	r.infos[info.Name] = info
	r.order = append(r.order, info.Name)
	r.logger.Info("plugin registered",
		zap.String("name", info.Name),
		zap.String("version", info.Version),
		zap.Int("api_version", info.APIVersion),
	)
	return nil
}

// Validate checks every plugin's API version against the supported range.
func (r *Registry) Validate() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.order {
		info := r.infos[name]
		if err := checkAPIVersion(info); err != nil {
			if info.Required {
				return err
			}
			r.logger.Warn("disabling plugin due to API version incompatibility",
				zap.String("name", name),
				zap.Error(err),
			)
			r.disabled[name] = true
		}
	}
	return nil
}

// InitAll initializes active plugins and subscribes EventSubscriber handlers
// on the plugin's bus once its Init succeeds.
func (r *Registry) InitAll(ctx context.Context, depsFn func(name string) plugin.Dependencies) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.order {
		if r.disabled[name] {
			continue
		}
		p := r.plugins[name]
		deps := depsFn(name)

		r.logger.Info("initializing plugin", zap.String("name", name))
		if err := safely(name, "init", func() error { return p.Init(ctx, deps) }); err != nil {
			if err := r.fail(name, "initialize", err); err != nil {
				return err
			}
			continue
		}

		if es, ok := p.(plugin.EventSubscriber); ok && deps.Bus != nil {
			for _, sub := range es.Subscriptions() {
				r.unsubs = append(r.unsubs, deps.Bus.Subscribe(sub.Topic, sub.Handler))
				r.logger.Debug("event subscription wired",
					zap.String("plugin", name),
					zap.String("topic", sub.Topic),
				)
			}
		}
	}
	return nil
}

// StartAll starts initialized plugins in registration order.
func (r *Registry) StartAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.order {
		if r.disabled[name] {
			continue
		}
		p := r.plugins[name]
		r.logger.Info("starting plugin", zap.String("name", name))
		if err := safely(name, "start", func() error { return p.Start(ctx) }); err != nil {
			if err := r.fail(name, "start", err); err != nil {
				return err
			}
		}
	}
	return nil
}

// StopAll unsubscribes event handlers and stops active plugins in reverse
// order. Errors and panics are logged; every plugin gets its Stop call.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, unsub := range r.unsubs {
		unsub()
	}
	r.unsubs = nil

	for i := len(r.order) - 1; i >= 0; i-- {
		name := r.order[i]
		if r.disabled[name] {
			continue
		}
		p := r.plugins[name]
		r.logger.Info("stopping plugin", zap.String("name", name))
		if err := safely(name, "stop", func() error { return p.Stop(ctx) }); err != nil {
			r.logger.Error("failed to stop plugin", zap.String("name", name), zap.Error(err))
		}
	}
}

// Get returns an active plugin by name.
func (r *Registry) Get(name string) (plugin.Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	if !ok || r.disabled[name] {
		return nil, false
	}
	return p, true
}

// All returns the active plugins in registration order.
func (r *Registry) All() []plugin.Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]plugin.Plugin, 0, len(r.order))
	for _, name := range r.order {
		if !r.disabled[name] {
			out = append(out, r.plugins[name])
		}
	}
	return out
}

// AllRoutes returns the routes of active HTTPProvider plugins keyed by plugin name.
func (r *Registry) AllRoutes() map[string][]plugin.Route {
	r.mu.RLock()
	defer r.mu.RUnlock()

	routes := make(map[string][]plugin.Route)
	for _, name := range r.order {
		if r.disabled[name] {
			continue
		}
		if hp, ok := r.plugins[name].(plugin.HTTPProvider); ok {
			if pr := hp.Routes(); len(pr) > 0 {
				routes[name] = pr
			}
		}
	}
	return routes
}

// Health collects reports from active HealthChecker plugins. Plugins without
// a checker are reported healthy.
func (r *Registry) Health(ctx context.Context) map[string]plugin.HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]plugin.HealthStatus, len(r.order))
	for _, name := range r.order {
		if r.disabled[name] {
			out[name] = plugin.HealthStatus{Status: "disabled"}
			continue
		}
		if hc, ok := r.plugins[name].(plugin.HealthChecker); ok {
			out[name] = hc.Health(ctx)
			continue
		}
		out[name] = plugin.HealthStatus{Status: "healthy"}
	}
	return out
}

// IsDisabled reports whether a plugin has been disabled.
func (r *Registry) IsDisabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.disabled[name]
}

// fail disables an optional plugin, or returns the error for a required one.
// Must be called with r.mu held.
func (r *Registry) fail(name, stage string, err error) error {
	if r.infos[name].Required {
		return fmt.Errorf("required plugin %q failed to %s: %w", name, stage, err)
	}
	r.logger.Error("optional plugin failed, disabling",
		zap.String("name", name),
		zap.String("stage", stage),
		zap.Error(err),
	)
	r.disabled[name] = true
	return nil
}

// safely converts a panic in a lifecycle call into an error.
func safely(name, stage string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("plugin %q panicked during %s: %v", name, stage, rec)
		}
	}()
	return fn()
}

func checkAPIVersion(info plugin.PluginInfo) error {
	switch {
	case info.APIVersion < plugin.APIVersionMin:
		return fmt.Errorf("plugin %q targets Plugin API v%d, but this server requires v%d or newer",
			info.Name, info.APIVersion, plugin.APIVersionMin)
	case info.APIVersion > plugin.APIVersionCurrent:
		return fmt.Errorf("plugin %q targets Plugin API v%d, but this server only supports up to v%d",
			info.Name, info.APIVersion, plugin.APIVersionCurrent)
	}
	return nil
}
