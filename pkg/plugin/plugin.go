// Package plugin provides the public SDK types for CarbonSight modules.
// Built-in modules implement Plugin plus any of the optional capability
// interfaces (HTTPProvider, HealthChecker, EventSubscriber).
package plugin

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Range of plugin API versions the registry accepts.
const (
	APIVersionMin     = 1
	APIVersionCurrent = 1
)

// Plugin is the lifecycle every CarbonSight module implements. The registry
// calls Init once, then Start; Stop may be called without a prior Start.
type Plugin interface {
	Info() PluginInfo
	Init(ctx context.Context, deps Dependencies) error
	// Start launches background work. It must not block.
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// PluginInfo describes a plugin. Name doubles as the config section under
// "plugins." and the route prefix under /api/v1/.
type PluginInfo struct {
	Name        string
	Version     string
	Description string
	Required    bool // init or start failure aborts startup instead of disabling the plugin
	APIVersion  int
}

// Dependencies are the shared services handed to Init. Any field may be nil
// in tests; plugins fall back to defaults or degrade.
type Dependencies struct {
	Config Config // scoped to plugins.<name>
	Logger *zap.Logger
	Store  Store
	Bus    EventBus
}

// Store is the shared database handle handed to plugins.
type Store interface {
	DB() *sql.DB
	Tx(ctx context.Context, fn func(tx *sql.Tx) error) error
	Migrate(ctx context.Context, pluginName string, migrations []Migration) error
}

// Migration is one forward-only schema change owned by a plugin.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// Route is one endpoint. Path may contain net/http wildcards such as {industry}.
type Route struct {
	Method  string
	Path    string
	Handler http.HandlerFunc
}

// HTTPProvider plugins get their routes mounted under /api/v1/<name>.
type HTTPProvider interface {
	Routes() []Route
}

// HealthStatus is a plugin's self-reported health.
type HealthStatus struct {
	Status  string            `json:"status"` // healthy, degraded or unhealthy
	Message string            `json:"message,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// HealthChecker plugins report their own health; others count as healthy.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// EventSubscriber is implemented by plugins that consume bus events.
// The server subscribes each declared handler after Init.
type EventSubscriber interface {
	Subscriptions() []Subscription
}

// Config is read access to a configuration subtree.
type Config interface {
	Unmarshal(target any) error
	Get(key string) any
	GetString(key string) string
	GetInt(key string) int
	GetBool(key string) bool
	GetDuration(key string) time.Duration
	IsSet(key string) bool
	Sub(key string) Config
}

// EventBus is in-process publish/subscribe between plugins. Publish delivers
// before returning; PublishAsync does not wait for handlers.
type EventBus interface {
	Publish(ctx context.Context, event Event) error
	PublishAsync(ctx context.Context, event Event)
	Subscribe(topic string, handler EventHandler) (unsubscribe func())
	SubscribeAll(handler EventHandler) (unsubscribe func())
}

// Event is a bus message. Each topic documents its Payload type.
type Event struct {
	Topic     string
	Source    string
	Timestamp time.Time
	Payload   any
}

type EventHandler func(ctx context.Context, event Event)

// Subscription pairs a topic with its handler.
type Subscription struct {
	Topic   string
	Handler EventHandler
}
