package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// LockAcquireCounter counts acquire attempts by outcome
	// (acquired, held, timeout, degraded, error).
	LockAcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_lock_acquire_total",
		Help: "Total number of lock acquire attempts by result",
	}, []string{"result"})
	// LockReleaseCounter counts releases by result.
	LockReleaseCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_lock_release_total",
		Help: "Total number of lock releases by result",
	}, []string{"result"})
	// LockDegradedCounter counts synthetic handles handed out during outages.
	LockDegradedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleet_lock_degraded_total",
		Help: "Total number of degraded lock acquisitions",
	})
	// RateLimitCounter counts limiter checks by mode (shared, local) and
	// outcome (allowed, limited).
	RateLimitCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_ratelimit_checks_total",
		Help: "Total number of rate limit checks",
	}, []string{"mode", "outcome"})
	// ConfigOpsCounter counts config store operations by op, backend and result.
	ConfigOpsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_config_ops_total",
		Help: "Total number of config store operations",
	}, []string{"op", "backend", "result"})
	// ConfigCacheCounter counts cached config reads by result (hit, miss).
	ConfigCacheCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_config_cache_total",
		Help: "Total number of cached config reads",
	}, []string{"result"})
	// NotifyPublishCounter counts change notifications by result (sent, skipped).
	NotifyPublishCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_notify_publish_total",
		Help: "Total number of change notifications published",
	}, []string{"result"})
	// NotifyReceiveCounter counts change events received by result
	// (delivered, malformed).
	NotifyReceiveCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_notify_receive_total",
		Help: "Total number of change events received",
	}, []string{"result"})
	// StreamGauge reports the number of open operator event streams.
	StreamGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_event_streams",
		Help: "Current number of open event streams",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterMetrics registers every fleet collector on the provided registry.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		LockAcquireCounter,
		LockReleaseCounter,
		LockDegradedCounter,
		RateLimitCounter,
		ConfigOpsCounter,
		ConfigCacheCounter,
		NotifyPublishCounter,
		NotifyReceiveCounter,
		StreamGauge,
	)
}
