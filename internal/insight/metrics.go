package insight

import (
	"errors"
	"time"

	"github.com/HerbHall/carbonsight/pkg/analytics"
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus analytics metrics.
var (
	operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carbonsight_analytics_operations_total",
			Help: "Analytics engine operations by outcome.",
		},
		[]string{"operation", "outcome"},
	)
	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "carbonsight_analytics_operation_duration_seconds",
			Help:    "Analytics engine operation duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
	cacheRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carbonsight_analytics_cache_requests_total",
			Help: "Series cache lookups by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(operationsTotal)
	prometheus.MustRegister(operationDuration)
	prometheus.MustRegister(cacheRequestsTotal)
}

// observe records one engine operation. Use as
// defer observe("forecast", time.Now(), &err).
func observe(operation string, start time.Time, errp *error) {
	operationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	operationsTotal.WithLabelValues(operation, outcome(*errp)).Inc()
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	var ae *analytics.Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return "error"
}

// promCacheObserver feeds cache hits and misses into cacheRequestsTotal.
type promCacheObserver struct{}

func (promCacheObserver) CacheHit()  { cacheRequestsTotal.WithLabelValues("hit").Inc() }
func (promCacheObserver) CacheMiss() { cacheRequestsTotal.WithLabelValues("miss").Inc() }
