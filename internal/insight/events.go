package insight

import "github.com/HerbHall/carbonsight/pkg/analytics"

// Event topics consumed by the analytics module.
const (
	TopicUsageIngested = "analytics.usage.ingested"
)

// Event topics published by the analytics module.
const (
	TopicAnomalyDetected = "analytics.anomaly.detected"
)

// UsageIngestedEvent is the payload of TopicUsageIngested.
type UsageIngestedEvent struct {
	OrganizationID string             `json:"organization_id"`
	Metrics        []analytics.Metric `json:"metrics"`
	Count          int                `json:"count"`
}

// AnomalyDetectedEvent is the payload of TopicAnomalyDetected.
type AnomalyDetectedEvent struct {
	OrganizationID string              `json:"organization_id"`
	Anomalies      []analytics.Anomaly `json:"anomalies"`
}
