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

    // ProximityScans counts pairwise proximity checks by outcome
    ProximityScans = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "proximity_scans_total", Help: "Proximity scans by outcome."},
        []string{"outcome"},
    )
    // OpportunityDecisions counts absorption opportunity terminal states
    OpportunityDecisions = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "absorption_decisions_total", Help: "Absorption opportunity decisions by status."},
        []string{"status"},
    )
    // DistanceSaved accumulates approved savings in km
    DistanceSaved = prometheus.NewCounter(
        prometheus.CounterOpts{Name: "absorption_distance_saved_km_total", Help: "Total km saved by approved absorptions."},
    )
    // BackhaulTransitions counts backhaul state changes
    BackhaulTransitions = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "backhaul_transitions_total", Help: "Backhaul transitions by target status."},
        []string{"status"},
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
    regOnce.Do(func(){
        Registry.MustRegister(HTTPRequests)
        Registry.MustRegister(HTTPDuration)
        Registry.MustRegister(ProximityScans)
        Registry.MustRegister(OpportunityDecisions)
        Registry.MustRegister(DistanceSaved)
        Registry.MustRegister(BackhaulTransitions)
        Registry.MustRegister(WebhookDeliveries)
        Registry.MustRegister(WebhookLatency)
        // Go/process collectors on our registry
        Registry.MustRegister(collectors.NewGoCollector())
        Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
    })
}

var regOnce sync.Once
