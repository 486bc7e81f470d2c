package main

import (
    "context"
    "log"
    "net/http"
    "strconv"
    "time"

    "github.com/prometheus/client_golang/prometheus/promhttp"

    "synergy/internal/api"
    "synergy/internal/config"
    "synergy/internal/metrics"
)

func main() {
    cfg := config.Load()
    srvDeps, err := api.NewServer(cfg)
    if err != nil {
        log.Fatalf("failed to init server: %v", err)
    }
    metrics.RegisterDefault()

    mux := http.NewServeMux()

    // Fleet
    mux.HandleFunc("/v1/trucks", srvDeps.TrucksHandler)
    mux.HandleFunc("/v1/trucks/location", srvDeps.LocationHandler)
    mux.HandleFunc("/v1/trucks/", srvDeps.TruckByIDHandler) // includes /{id}/positions
    mux.HandleFunc("/v1/locations", srvDeps.LocationsHandler)

    // Deliveries and allocation
    mux.HandleFunc("/v1/deliveries", srvDeps.DeliveriesHandler)
    mux.HandleFunc("/v1/routes/allocate", srvDeps.AllocateHandler)
    mux.HandleFunc("/v1/routes", srvDeps.RoutesIndexHandler)
    mux.HandleFunc("/v1/routes/", srvDeps.RouteByIDHandler) // includes /{id}/deliveries

    // Absorption opportunities
    mux.HandleFunc("/v1/absorption", srvDeps.AbsorptionHandler)
    mux.HandleFunc("/v1/absorption/", srvDeps.AbsorptionByIDHandler) // includes /{id}/decide

    // Backhaul marketplace
    mux.HandleFunc("/v1/backhaul/check", srvDeps.BackhaulCheckHandler)
    mux.HandleFunc("/v1/backhaul", srvDeps.BackhaulsHandler)
    mux.HandleFunc("/v1/backhaul/", srvDeps.BackhaulByIDHandler) // includes /{id}/{action}
    mux.HandleFunc("/v1/marketplace/loads", srvDeps.MarketplaceHandler)
    mux.HandleFunc("/v1/marketplace/import", srvDeps.MarketplaceImportHandler)

    // Drivers
    mux.HandleFunc("/v1/drivers/", srvDeps.DriversHandler)

    // Virtual hubs
    mux.HandleFunc("/v1/hubs", srvDeps.HubsHandler)
    mux.HandleFunc("/v1/hubs/", srvDeps.HubByIDHandler)

    // Subscriptions
    mux.HandleFunc("/v1/subscriptions", srvDeps.SubscriptionsHandler)
    mux.HandleFunc("/v1/subscriptions/", srvDeps.SubscriptionByIDHandler)

    // Event streams
    mux.HandleFunc("/v1/events/stream", srvDeps.EventsStreamHandler)
    mux.HandleFunc("/v1/ws/events", srvDeps.WSEventsHandler)

    // Health and ops
    mux.HandleFunc("/healthz", srvDeps.HealthHandler)
    mux.HandleFunc("/readyz", srvDeps.ReadyHandler)
    mux.HandleFunc("/debugz", srvDeps.DebugJSON)
    mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

    // Admin
    mux.HandleFunc("/v1/admin/plan-metrics", srvDeps.PlanMetricsHandler)
    mux.HandleFunc("/v1/admin/webhook-deliveries", srvDeps.WebhookDeliveriesHandler)
    mux.HandleFunc("/v1/admin/webhook-deliveries/", srvDeps.WebhookDeliveryRetryHandler)
    mux.HandleFunc("/v1/admin/webhook-dlq", srvDeps.WebhookDLQHandler)
    mux.HandleFunc("/v1/admin/webhook-dlq/", srvDeps.WebhookDLQHandler)

    addr := ":" + cfg.Port

    srv := &http.Server{
        Addr:              addr,
        Handler:           logMiddleware(metricsMiddleware(mux)),
        ReadHeaderTimeout: 5 * time.Second,
    }

    log.Printf("API listening on %s", addr)
    // Start webhook worker
    if srvDeps.Pub != nil {
        worker := srvDeps.NewWebhookWorker()
        worker.Start()
    }
    // Expire stale opportunities in the background
    go func() {
        ticker := time.NewTicker(time.Minute)
        defer ticker.Stop()
        for range ticker.C {
            ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
            if _, err := srvDeps.Synergy.ExpireDue(ctx); err != nil {
                log.Printf("expire opportunities: %v", err)
            }
            cancel()
        }
    }()
    if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
        log.Fatalf("server error: %v", err)
    }
}

func logMiddleware(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        start := time.Now()
        next.ServeHTTP(w, r)
        dur := time.Since(start)
        log.Printf("%s %s %s %v", r.RemoteAddr, r.Method, r.URL.Path, dur)
    })
}

type statusRecorder struct {
    http.ResponseWriter
    status int
}

func (r *statusRecorder) WriteHeader(code int) {
    r.status = code
    r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
    if f, ok := r.ResponseWriter.(http.Flusher); ok {
        f.Flush()
    }
}

func metricsMiddleware(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
        start := time.Now()
        next.ServeHTTP(rec, r)
        status := strconv.Itoa(rec.status)
        metrics.HTTPRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
        metrics.HTTPDuration.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
    })
}
