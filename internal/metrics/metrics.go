package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the service
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, path, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// RemoteRequests counts telemetry API calls by endpoint and status code ("0" for transport failures)
	RemoteRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "traccar_requests_total", Help: "Telemetry API requests by endpoint and status."},
		[]string{"endpoint", "status"},
	)
	RemoteLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "traccar_request_latency_ms", Help: "Telemetry API latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000, 10000}},
		[]string{"endpoint"},
	)
	// BreakerState is 0 closed, 1 half-open, 2 open
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "traccar_breaker_state", Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)."},
		[]string{"name"},
	)

	// SyncOutcomes counts per-vehicle sync results: logged, skipped, no_position, failed
	SyncOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "vehicle_sync_total", Help: "Vehicle sync cycles by outcome."},
		[]string{"outcome"},
	)
	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "sweep_duration_seconds", Help: "Fleet sweep duration in seconds.", Buckets: prometheus.DefBuckets},
	)
	// QueueJobs counts task queue transitions by kind and status
	QueueJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "queue_jobs_total", Help: "Queued jobs by kind and status."},
		[]string{"kind", "status"},
	)
)

// RegisterDefault registers collectors to the service registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(RemoteRequests)
		Registry.MustRegister(RemoteLatency)
		Registry.MustRegister(BreakerState)
		Registry.MustRegister(SyncOutcomes)
		Registry.MustRegister(SweepDuration)
		Registry.MustRegister(QueueJobs)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
