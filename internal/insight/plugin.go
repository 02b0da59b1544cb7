package insight

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/HerbHall/carbonsight/internal/insight/benchmark"
	"github.com/HerbHall/carbonsight/pkg/analytics"
	"github.com/HerbHall/carbonsight/pkg/plugin"
	"go.uber.org/zap"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin          = (*Module)(nil)
	_ plugin.HTTPProvider    = (*Module)(nil)
	_ plugin.HealthChecker   = (*Module)(nil)
	_ plugin.EventSubscriber = (*Module)(nil)
)

// PluginName is the analytics module's registry and migration name.
const PluginName = "analytics"

// errNoStore is returned by the data source when the module runs without a database.
var errNoStore = errors.New("analytics store not configured")

// Module implements the analytics plugin: it owns the SQLite-backed data
// layer and exposes the Engine over HTTP.
type Module struct {
	logger *zap.Logger
	cfg    AnalyticsConfig
	store  *AnalyticsStore
	bus    plugin.EventBus
	engine *Engine

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new analytics plugin instance.
func New() *Module {
	return &Module{}
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:        PluginName,
		Version:     "0.1.0",
		Description: "Emissions and usage analytics: aggregation, forecasting, anomaly detection, insights and industry benchmarks",
		Required:    true,
		APIVersion:  plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(ctx context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger

	m.cfg = DefaultConfig()
	if deps.Config != nil {
		if err := deps.Config.Unmarshal(&m.cfg); err != nil {
			return fmt.Errorf("unmarshal analytics config: %w", err)
		}
	}

	var source DataSource = unavailableStore{}
	var refs benchmark.ReferenceSource = unavailableStore{}
	if deps.Store != nil {
		if err := deps.Store.Migrate(ctx, PluginName, migrations()); err != nil {
			return fmt.Errorf("analytics migrations: %w", err)
		}
		m.store = NewAnalyticsStore(deps.Store.DB())
		source, refs = m.store, m.store
	}

	m.bus = deps.Bus
	m.engine = NewEngine(source, refs, m.cfg, m.logger, WithAnomalyHook(m.publishAnomalies))

	m.logger.Info("analytics module initialized",
		zap.Bool("store", m.store != nil),
		zap.Duration("fetch_timeout", m.cfg.FetchTimeout),
		zap.Int("max_workers", m.cfg.MaxWorkers),
		zap.Bool("cache_enabled", m.cfg.CacheEnabled),
		zap.Duration("cache_ttl", m.cfg.CacheTTL),
		zap.Float64("confidence_level", m.cfg.ConfidenceLevel),
	)
	return nil
}

func (m *Module) Start(_ context.Context) error {
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.startMaintenance()
	m.logger.Info("analytics module started")
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("analytics module stopped")
	return nil
}

// Engine returns the module's query engine. It is nil before Init.
func (m *Module) Engine() *Engine {
	return m.engine
}

// -- plugin.HealthChecker --

// Health implements plugin.HealthChecker.
func (m *Module) Health(ctx context.Context) plugin.HealthStatus {
	details := map[string]string{
		"cached_series": strconv.Itoa(m.engine.CachedSeries()),
	}
	if m.store == nil {
		return plugin.HealthStatus{
			Status:  "degraded",
			Message: "no database configured; queries will fail",
			Details: details,
		}
	}

	usage, err := m.store.CountUsage(ctx)
	if err != nil {
		return plugin.HealthStatus{Status: "unhealthy", Message: err.Error(), Details: details}
	}
	refs, err := m.store.CountReferences(ctx)
	if err != nil {
		return plugin.HealthStatus{Status: "unhealthy", Message: err.Error(), Details: details}
	}
	details["usage_points"] = strconv.FormatInt(usage, 10)
	details["reference_distributions"] = strconv.FormatInt(refs, 10)
	return plugin.HealthStatus{Status: "healthy", Details: details}
}

// -- plugin.EventSubscriber --

// Subscriptions implements plugin.EventSubscriber.
func (m *Module) Subscriptions() []plugin.Subscription {
	return []plugin.Subscription{
		{Topic: TopicUsageIngested, Handler: m.handleUsageIngested},
	}
}

// handleUsageIngested drops the organization's cached series so the next
// read sees the new points.
func (m *Module) handleUsageIngested(_ context.Context, event plugin.Event) {
	var org string
	switch p := event.Payload.(type) {
	case UsageIngestedEvent:
		org = p.OrganizationID
	case *UsageIngestedEvent:
		org = p.OrganizationID
	default:
		m.logger.Debug("ignored usage event: unexpected payload type",
			zap.String("source", event.Source))
		return
	}
	m.engine.Invalidate(org)
}

// -- ingestion and reference management --

// IngestUsage validates and stores raw points, then announces them per
// organization on the event bus.
func (m *Module) IngestUsage(ctx context.Context, points []analytics.MetricPoint) error {
	if m.store == nil {
		return analytics.NewDataSourceError("ingest usage", errNoStore)
	}
	if len(points) == 0 {
		return analytics.NewValidationError("points", "must contain at least 1 item(s)")
	}
	for i := range points {
		if err := validatePoint(i, &points[i]); err != nil {
			return err
		}
	}
	if err := m.store.InsertUsage(ctx, points); err != nil {
		return analytics.NewDataSourceError("ingest usage", err)
	}

	byOrg := make(map[string]*UsageIngestedEvent)
	var order []string
	for i := range points {
		p := &points[i]
		ev, ok := byOrg[p.OrganizationID]
		if !ok {
			ev = &UsageIngestedEvent{OrganizationID: p.OrganizationID}
			byOrg[p.OrganizationID] = ev
			order = append(order, p.OrganizationID)
		}
		ev.Count++
		if !slices.Contains(ev.Metrics, p.Metric) {
			ev.Metrics = append(ev.Metrics, p.Metric)
		}
	}
	for _, org := range order {
		m.logger.Debug("usage ingested",
			zap.String("organization_id", org),
			zap.Int("count", byOrg[org].Count),
		)
		if m.bus == nil {
			m.engine.Invalidate(org)
			continue
		}
		// Synchronous so the cache is clean before the caller reads back.
		_ = m.bus.Publish(ctx, plugin.Event{
			Topic:     TopicUsageIngested,
			Source:    PluginName,
			Timestamp: time.Now(),
			Payload:   *byOrg[org],
		})
	}
	return nil
}

// PutReference stores an industry reference distribution.
func (m *Module) PutReference(ctx context.Context, ref *analytics.ReferenceDistribution) error {
	if m.store == nil {
		return analytics.NewDataSourceError("store reference distribution", errNoStore)
	}
	if ref.IndustryID == "" {
		return analytics.NewValidationError("industry_id", "is required")
	}
	if !ref.Metric.Valid() {
		return analytics.NewValidationError("metric", fmt.Sprintf("unknown metric %q", ref.Metric))
	}
	if len(ref.Samples) == 0 {
		return analytics.NewValidationError("samples", "must contain at least 1 item(s)")
	}
	for _, v := range ref.Samples {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return analytics.NewValidationError("samples", "must be finite numbers")
		}
	}
	if err := m.store.UpsertReference(ctx, ref); err != nil {
		return analytics.NewDataSourceError("store reference distribution", err)
	}
	m.logger.Info("reference distribution updated",
		zap.String("industry_id", ref.IndustryID),
		zap.String("metric", string(ref.Metric)),
		zap.Int("samples", len(ref.Samples)),
	)
	return nil
}

// publishAnomalies announces detected anomalies without blocking the request.
func (m *Module) publishAnomalies(ctx context.Context, orgID string, anomalies []analytics.Anomaly) {
	m.logger.Info("anomalies detected",
		zap.String("organization_id", orgID),
		zap.Int("count", len(anomalies)),
	)
	if m.bus == nil {
		return
	}
	if m.ctx != nil {
		ctx = m.ctx
	}
	m.bus.PublishAsync(context.WithoutCancel(ctx), plugin.Event{
		Topic:     TopicAnomalyDetected,
		Source:    PluginName,
		Timestamp: time.Now(),
		Payload:   AnomalyDetectedEvent{OrganizationID: orgID, Anomalies: anomalies},
	})
}

func validatePoint(i int, p *analytics.MetricPoint) error {
	field := func(name string) string { return fmt.Sprintf("points[%d].%s", i, name) }
	switch {
	case p.OrganizationID == "":
		return analytics.NewValidationError(field("organization_id"), "is required")
	case !p.Metric.Valid():
		return analytics.NewValidationError(field("metric"), fmt.Sprintf("unknown metric %q", p.Metric))
	case p.Timestamp.IsZero():
		return analytics.NewValidationError(field("timestamp"), "is required")
	case math.IsNaN(p.Value) || math.IsInf(p.Value, 0):
		return analytics.NewValidationError(field("value"), "must be a finite number")
	}
	return nil
}

// unavailableStore stands in for the data layer when no database is configured.
type unavailableStore struct{}

func (unavailableStore) FetchRawPoints(context.Context, string, analytics.Metric, analytics.Period, []analytics.Filter) ([]analytics.MetricPoint, error) {
	return nil, errNoStore
}

func (unavailableStore) FetchReferenceDistribution(context.Context, string, analytics.Metric) (*analytics.ReferenceDistribution, error) {
	return nil, analytics.NewDataSourceError("fetch reference distribution", errNoStore)
}
