package api

import (
    "context"
    "net/http"
    "os"
    "strings"
    "time"

    "synergy/internal/auth"
    "synergy/internal/backhaul"
    "synergy/internal/config"
    "synergy/internal/store"
    "synergy/internal/synergy"
    "synergy/internal/webhooks"
)

type Server struct {
    Store    store.Store
    Pub      *webhooks.Publisher
    Auth     *auth.Verifier
    Broker   EventBroker
    Cfg      config.Config
    Synergy  *synergy.Engine
    Backhaul *backhaul.Engine

    limits    *limiterCache
    locations *LocationCache
}

// NewServer creates a Server. If DATABASE_URL is unset, uses in-memory store.
func NewServer(cfg config.Config) (*Server, error) {
    var s store.Store
    if strings.TrimSpace(cfg.DatabaseURL) == "" {
        s = store.NewMemory()
    } else {
        sp, err := store.NewPostgres(cfg.DatabaseURL)
        if err != nil {
            return nil, err
        }
        // Run migrations (dev helper)
        if os.Getenv("DB_MIGRATE") != "false" {
            _ = sp.MigrateDir("db/migrations")
        }
        s = sp
    }
    // Broker selection
    var broker EventBroker
    if cfg.RedisURL != "" {
        if rb, err := NewRedisBroker(cfg.RedisURL); err == nil { broker = rb } else { broker = NewBroker() }
    } else {
        broker = NewBroker()
    }
    pub := webhooks.NewPublisher(s)
    syn := synergy.NewEngine(s, pub, synergy.Config{
        RadiusKm:       cfg.ProximityRadiusKm,
        EmissionFactor: cfg.EmissionFactorKgPerKm,
        Lookahead:      time.Duration(cfg.LookaheadMinutes) * time.Minute,
        TTL:            time.Duration(cfg.OpportunityTTLMinutes) * time.Minute,
        MinSavedKm:     cfg.MinDistanceSavedKm,
    })
    bh := backhaul.NewEngine(s, pub, backhaul.Config{
        RadiusKm:       cfg.ProximityRadiusKm,
        EmissionFactor: cfg.EmissionFactorKgPerKm,
        Bonus:          cfg.BackhaulBonus,
        MaxProposals:   cfg.BackhaulMaxProposals,
    })
    return &Server{
        Store:    s,
        Pub:      pub,
        Auth:     auth.NewVerifierFromEnv(),
        Broker:   broker,
        Cfg:      cfg,
        Synergy:  syn,
        Backhaul: bh,
        limits:   newLimiterCache(cfg.RateRPS, cfg.RateBurst),
        locations: NewLocationCache(),
    }, nil
}

func (s *Server) withCompany(r *http.Request) (context.Context, string) {
    company := s.getPrincipal(r).Company
    ctx := context.WithValue(r.Context(), ctxKeyCompany{}, company)
    return ctx, company
}

type ctxKeyCompany struct{}

// NewWebhookWorker creates a background worker for webhook deliveries.
func (s *Server) NewWebhookWorker() *webhooks.Worker {
    return webhooks.NewWorker(s.Store)
}
