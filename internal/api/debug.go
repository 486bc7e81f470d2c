package api

import (
    "encoding/json"
    "net/http"
    "os"
    "time"

    "synergy/internal/buildinfo"
)

func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
    info := map[string]any{
        "build": buildinfo.Info(),
        "time":  time.Now().UTC().Format(time.RFC3339),
        "config": map[string]any{
            "PORT": os.Getenv("PORT"),
            "AUTH_MODE": os.Getenv("AUTH_MODE"),
            "PROXIMITY_RADIUS_KM": s.Cfg.ProximityRadiusKm,
            "EMISSION_FACTOR_KG_PER_KM": s.Cfg.EmissionFactorKgPerKm,
            "BACKHAUL_BONUS": s.Cfg.BackhaulBonus,
            "RATE_RPS": s.Cfg.RateRPS,
            "RATE_BURST": s.Cfg.RateBurst,
            "WEBHOOK_MAX_ATTEMPTS": s.Cfg.WebhookMaxAttempts,
            "HAS_DATABASE_URL": s.Cfg.DatabaseURL != "",
            "HAS_REDIS_URL": s.Cfg.RedisURL != "",
        },
    }
    w.Header().Set("Content-Type", "application/json")
    _ = json.NewEncoder(w).Encode(info)
}
