// Package webhook forwards detected anomalies to an external HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/HerbHall/carbonsight/internal/insight"
	"github.com/HerbHall/carbonsight/internal/version"
	"github.com/HerbHall/carbonsight/pkg/analytics"
	"github.com/HerbHall/carbonsight/pkg/plugin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin          = (*Module)(nil)
	_ plugin.EventSubscriber = (*Module)(nil)
	_ plugin.HealthChecker   = (*Module)(nil)
)

var deliveries = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "carbonsight_webhook_deliveries_total",
		Help: "Anomaly alert deliveries by result.",
	},
	[]string{"result"},
)

func init() {
	prometheus.MustRegister(deliveries)
}

// Config holds the webhook plugin configuration.
type Config struct {
	URL         string        `mapstructure:"url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Enabled     bool          `mapstructure:"enabled"`
	MinSeverity float64       `mapstructure:"min_severity"` // Anomalies below this are not forwarded
	MaxAttempts int           `mapstructure:"max_attempts"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
	RatePerSec  float64       `mapstructure:"rate_per_second"` // 0 disables throttling
}

// DefaultConfig returns the webhook defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:     10 * time.Second,
		Enabled:     true,
		MaxAttempts: 2,
		RetryDelay:  time.Second,
		RatePerSec:  1,
	}
}

// Module implements the anomaly alert webhook plugin.
type Module struct {
	logger  *zap.Logger
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
}

// New creates a new webhook plugin instance.
func New() *Module {
	return &Module{}
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:        "webhook",
		Version:     "0.1.0",
		Description: "Posts detected anomalies to a configurable webhook URL",
		APIVersion:  plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(_ context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger
	m.cfg = DefaultConfig()
	if deps.Config != nil {
		if err := deps.Config.Unmarshal(&m.cfg); err != nil {
			return fmt.Errorf("unmarshal webhook config: %w", err)
		}
	}
	if m.cfg.MaxAttempts < 1 {
		m.cfg.MaxAttempts = 1
	}
	if m.cfg.MinSeverity < 0 || m.cfg.MinSeverity > 1 {
		return fmt.Errorf("webhook min_severity %v outside [0, 1]", m.cfg.MinSeverity)
	}

	m.client = &http.Client{Timeout: m.cfg.Timeout}
	m.limiter = rate.NewLimiter(rate.Inf, 0)
	if m.cfg.RatePerSec > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(m.cfg.RatePerSec), 1)
	}

	if m.cfg.URL == "" {
		m.logger.Warn("webhook URL not configured; anomaly alerts will be dropped")
	}
	m.logger.Info("webhook module initialized",
		zap.String("url", m.cfg.URL),
		zap.Duration("timeout", m.cfg.Timeout),
		zap.Bool("enabled", m.cfg.Enabled),
		zap.Float64("min_severity", m.cfg.MinSeverity),
	)
	return nil
}

func (m *Module) Start(_ context.Context) error {
	m.logger.Info("webhook module started")
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	m.logger.Info("webhook module stopped")
	return nil
}

// Health implements plugin.HealthChecker.
func (m *Module) Health(_ context.Context) plugin.HealthStatus {
	switch {
	case !m.cfg.Enabled:
		return plugin.HealthStatus{Status: "healthy", Message: "alerts disabled"}
	case m.cfg.URL == "":
		return plugin.HealthStatus{Status: "degraded", Message: "webhook URL not configured"}
	}
	return plugin.HealthStatus{Status: "healthy"}
}

// Subscriptions implements plugin.EventSubscriber.
func (m *Module) Subscriptions() []plugin.Subscription {
	return []plugin.Subscription{
		{Topic: insight.TopicAnomalyDetected, Handler: m.handleEvent},
	}
}

// AlertPayload is the JSON body sent to the webhook URL.
type AlertPayload struct {
	Event          string              `json:"event"`
	Source         string              `json:"source"`
	Timestamp      string              `json:"timestamp"`
	OrganizationID string              `json:"organization_id"`
	Anomalies      []analytics.Anomaly `json:"anomalies"`
}

func (m *Module) handleEvent(ctx context.Context, event plugin.Event) {
	if !m.cfg.Enabled || m.cfg.URL == "" {
		return
	}
	detected, ok := event.Payload.(insight.AnomalyDetectedEvent)
	if !ok {
		m.logger.Warn("unexpected anomaly event payload", zap.String("topic", event.Topic))
		return
	}

	var forward []analytics.Anomaly
	for _, a := range detected.Anomalies {
		if a.Severity >= m.cfg.MinSeverity {
			forward = append(forward, a)
		}
	}
	if len(forward) == 0 {
		deliveries.WithLabelValues("filtered").Inc()
		return
	}

	body, err := json.Marshal(AlertPayload{
		Event:          event.Topic,
		Source:         event.Source,
		Timestamp:      event.Timestamp.UTC().Format(time.RFC3339),
		OrganizationID: detected.OrganizationID,
		Anomalies:      forward,
	})
	if err != nil {
		m.logger.Error("failed to marshal webhook payload", zap.Error(err))
		return
	}

	if err := m.limiter.Wait(ctx); err != nil {
		deliveries.WithLabelValues("dropped").Inc()
		m.logger.Warn("webhook alert dropped", zap.Error(err))
		return
	}
	m.deliver(ctx, body, detected.OrganizationID)
}

// deliver posts body, retrying transport errors and 5xx responses.
func (m *Module) deliver(ctx context.Context, body []byte, orgID string) {
	for attempt := 1; ; attempt++ {
		status, err := m.send(ctx, body)
		if err == nil && status < 400 {
			deliveries.WithLabelValues("delivered").Inc()
			m.logger.Debug("webhook delivered",
				zap.String("organization_id", orgID),
				zap.Int("status_code", status),
			)
			return
		}
		retryable := err != nil || status >= 500
		if !retryable || attempt >= m.cfg.MaxAttempts {
			deliveries.WithLabelValues("failed").Inc()
			m.logger.Warn("webhook delivery failed",
				zap.String("url", m.cfg.URL),
				zap.String("organization_id", orgID),
				zap.Int("attempts", attempt),
				zap.Int("status_code", status),
				zap.Error(err),
			)
			return
		}

		t := time.NewTimer(m.cfg.RetryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			deliveries.WithLabelValues("failed").Inc()
			return
		case <-t.C:
		}
	}
}

func (m *Module) send(ctx context.Context, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "CarbonSight-Webhook/"+version.Short())

	resp, err := m.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
