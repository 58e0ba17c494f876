package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the API
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
	// RateLimited counts requests rejected by the per-principal limiter
	RateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "http_rate_limited_total", Help: "Requests rejected with 429."},
	)

	// UpstreamCalls counts optimizer calls by operation and outcome (ok, http_error, timeout, error)
	UpstreamCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "optimizer_calls_total", Help: "Route optimization engine calls by op and outcome."},
		[]string{"op", "outcome"},
	)
	// UpstreamDuration records optimizer call latency in seconds
	UpstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "optimizer_call_duration_seconds", Help: "Route optimization engine call duration in seconds.", Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30}},
		[]string{"op"},
	)

	// JourneyEvents counts lifecycle transitions (journey.started, stop.marked, ...)
	JourneyEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "journey_events_total", Help: "Journey lifecycle events by type."},
		[]string{"event"},
	)
	// Reoptimizations counts committed reorders by trigger (manual, traffic)
	Reoptimizations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "route_reoptimizations_total", Help: "Committed route reoptimizations by trigger."},
		[]string{"trigger"},
	)
	// TrafficChecks counts traffic checks by result (ok, exceeded, cooldown, error)
	TrafficChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "traffic_checks_total", Help: "Traffic checks by result."},
		[]string{"result"},
	)
	// StatusDegraded counts status reads served without one of their sources
	StatusDegraded = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "journey_status_degraded_total", Help: "Status reads that omitted a failed source."},
		[]string{"source"},
	)

	// WebhookDeliveries counts webhook delivery outcomes by event type and status
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by event type and status."},
		[]string{"event_type", "status"},
	)
	// WebhookLatency tracks webhook delivery latencies in milliseconds
	WebhookLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"event_type", "status"},
	)
)

// RegisterDefault registers collectors to the default registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(RateLimited)
		Registry.MustRegister(UpstreamCalls)
		Registry.MustRegister(UpstreamDuration)
		Registry.MustRegister(JourneyEvents)
		Registry.MustRegister(Reoptimizations)
		Registry.MustRegister(TrafficChecks)
		Registry.MustRegister(StatusDegraded)
		Registry.MustRegister(WebhookDeliveries)
		Registry.MustRegister(WebhookLatency)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
