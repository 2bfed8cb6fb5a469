// Package metrics exposes the Prometheus instrumentation for the
// selection engine: per-server active load, circuit breaker trips, zone
// evictions, retry exhaustion, and subset churn.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeRequests = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "balancer_server_active_requests",
			Help: "In-flight requests currently attributed to a server",
		},
		[]string{"balancer", "server", "zone"},
	)

	zoneLoadPerServer = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "balancer_zone_load_per_server",
			Help: "Average active requests per available server in a zone",
		},
		[]string{"balancer", "zone"},
	)

	chooseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "balancer_choose_duration_seconds",
			Help:    "Time spent inside LoadBalancer.ChooseServer",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"balancer", "rule"},
	)

	circuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "balancer_circuit_breaker_trips_total",
			Help: "Number of times a server was skipped because its circuit breaker was tripped",
		},
		[]string{"balancer", "server"},
	)

	zoneEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "balancer_zone_evictions_total",
			Help: "Number of times the zone-avoidance algorithm evicted a zone",
		},
		[]string{"balancer", "zone"},
	)

	retryExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "balancer_retry_exhausted_total",
			Help: "Number of times RetryRule gave up before the deadline",
		},
		[]string{"balancer"},
	)

	subsetChurn = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "balancer_subset_churn_total",
			Help: "Number of servers dropped by ServerListSubsetFilter, summed over refreshes",
		},
		[]string{"balancer"},
	)

	updaterFaults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "balancer_updater_faults_total",
			Help: "Number of failed ServerListUpdater refresh cycles",
		},
		[]string{"balancer", "source"},
	)
)

// SetActiveRequests records the current active-request gauge for one
// server.
func SetActiveRequests(balancer, serverID, zone string, count int64) {
	activeRequests.WithLabelValues(balancer, serverID, zone).Set(float64(count))
}

// SetZoneLoad records the current load-per-server gauge for one zone.
func SetZoneLoad(balancer, zone string, load float64) {
	zoneLoadPerServer.WithLabelValues(balancer, zone).Set(load)
}

// ObserveChooseDuration records how long one ChooseServer call took.
func ObserveChooseDuration(balancer, ruleName string, d time.Duration) {
	chooseDuration.WithLabelValues(balancer, ruleName).Observe(d.Seconds())
}

// RecordCircuitBreakerTrip increments the tripped-breaker skip counter for
// a server.
func RecordCircuitBreakerTrip(balancer, serverID string) {
	circuitBreakerTrips.WithLabelValues(balancer, serverID).Inc()
}

// RecordZoneEviction increments the eviction counter for a zone.
func RecordZoneEviction(balancer, zone string) {
	zoneEvictions.WithLabelValues(balancer, zone).Inc()
}

// RecordRetryExhausted increments the retry-exhaustion counter.
func RecordRetryExhausted(balancer string) {
	retryExhausted.WithLabelValues(balancer).Inc()
}

// RecordSubsetChurn adds n to the subset-filter churn counter.
func RecordSubsetChurn(balancer string, n int) {
	if n <= 0 {
		return
	}
	subsetChurn.WithLabelValues(balancer).Add(float64(n))
}

// RecordUpdaterFault increments the updater-fault counter for a source.
func RecordUpdaterFault(balancer, source string) {
	updaterFaults.WithLabelValues(balancer, source).Inc()
}
