package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Replica routing
	DBSessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socialfeed_db_sessions_total",
			Help: "Sessions handed out by node and kind (read, write, fallback)",
		},
		[]string{"node", "kind"},
	)

	HealthyReplicas = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "socialfeed_healthy_replicas",
			Help: "Number of read replicas that answered the last probe",
		},
	)

	ReplicaDemotionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socialfeed_replica_demotions_total",
			Help: "Replicas removed from the healthy set after a read-path failure",
		},
		[]string{"node"},
	)

	ReplicasExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "socialfeed_replicas_exhausted_total",
			Help: "Probe cycles that found no reachable read replica",
		},
	)

	// Feed cache
	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socialfeed_cache_lookups_total",
			Help: "Feed cache lookups by result (hit, empty, defer, error)",
		},
		[]string{"result"},
	)

	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socialfeed_cache_errors_total",
			Help: "Feed cache transport failures by operation",
		},
		[]string{"op"},
	)

	// Event bus
	BusPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socialfeed_bus_published_total",
			Help: "Post events published by outcome",
		},
		[]string{"driver", "outcome"},
	)

	BusConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socialfeed_bus_consumed_total",
			Help: "Post events consumed by outcome (ack, requeue, drop)",
		},
		[]string{"driver", "outcome"},
	)

	// Live connections
	LiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "socialfeed_live_connections",
			Help: "Currently registered live connections",
		},
	)

	LiveDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socialfeed_live_deliveries_total",
			Help: "Payload sends to live connections by outcome",
		},
		[]string{"outcome"},
	)

	// API
	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "socialfeed_api_request_duration_seconds",
			Help:    "HTTP API request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "status"},
	)
)

func init() {
	prometheus.MustRegister(DBSessionsTotal)
	prometheus.MustRegister(HealthyReplicas)
	prometheus.MustRegister(ReplicaDemotionsTotal)
	prometheus.MustRegister(ReplicasExhaustedTotal)
	prometheus.MustRegister(CacheLookupsTotal)
	prometheus.MustRegister(CacheErrorsTotal)
	prometheus.MustRegister(BusPublishedTotal)
	prometheus.MustRegister(BusConsumedTotal)
	prometheus.MustRegister(LiveConnections)
	prometheus.MustRegister(LiveDeliveriesTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation and records it into a histogram on Observe.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
