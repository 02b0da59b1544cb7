package insight

import (
	"time"

	"github.com/HerbHall/carbonsight/pkg/analytics"
)

// AnalyticsConfig holds configuration for the analytics module.
type AnalyticsConfig struct {
	FetchTimeout        time.Duration `mapstructure:"fetch_timeout"` // Per data source call
	MaxWorkers          int           `mapstructure:"max_workers"`   // Concurrent per-metric passes per request
	CacheEnabled        bool          `mapstructure:"cache_enabled"`
	CacheTTL            time.Duration `mapstructure:"cache_ttl"`
	RetryBackoff        time.Duration `mapstructure:"retry_backoff"`   // Delay before the single data source retry
	UsageRetention      time.Duration `mapstructure:"usage_retention"` // Raw usage points older than this are purged
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"`
	ConfidenceLevel     float64       `mapstructure:"confidence_level"`

	// Insight generation.
	InsightMetrics  []analytics.Metric `mapstructure:"insight_metrics"`
	InsightWindow   int                `mapstructure:"insight_window"`  // MONTH buckets compared period over period
	InsightHorizon  int                `mapstructure:"insight_horizon"` // MONTH buckets forecast
	AnomalyLookback time.Duration      `mapstructure:"anomaly_lookback"`
	DefaultIndustry string             `mapstructure:"default_industry"`
}

// DefaultConfig returns sensible defaults for the analytics module.
func DefaultConfig() AnalyticsConfig {
	return AnalyticsConfig{
		FetchTimeout:        5 * time.Second,
		MaxWorkers:          4,
		CacheEnabled:        true,
		CacheTTL:            2 * time.Minute,
		RetryBackoff:        250 * time.Millisecond,
		UsageRetention:      395 * 24 * time.Hour,
		MaintenanceInterval: 1 * time.Hour,
		ConfidenceLevel:     0.95,

		InsightMetrics: []analytics.Metric{
			analytics.MetricCarbonEmissions,
			analytics.MetricEnergyConsumption,
			analytics.MetricCost,
		},
		InsightWindow:   6,
		InsightHorizon:  3,
		AnomalyLookback: 90 * 24 * time.Hour,
	}
}
