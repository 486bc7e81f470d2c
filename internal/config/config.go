// Package config centralizes the service tunables. Values come from an
// optional YAML file (CONFIG_FILE) overlaid by environment variables, so
// env always wins.
package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port        string `yaml:"port"`
	DatabaseURL string `yaml:"databaseUrl"`
	RedisURL    string `yaml:"redisUrl"`

	ProximityRadiusKm     float64 `yaml:"proximityRadiusKm"`
	EmissionFactorKgPerKm float64 `yaml:"emissionFactorKgPerKm"`
	BackhaulBonus         float64 `yaml:"backhaulBonus"`
	BackhaulMaxProposals  int     `yaml:"backhaulMaxProposals"`
	LookaheadMinutes      int     `yaml:"opportunityLookaheadMin"`
	OpportunityTTLMinutes int     `yaml:"opportunityTtlMin"`
	MinDistanceSavedKm    float64 `yaml:"minDistanceSavedKm"`

	RateRPS   float64 `yaml:"rateRps"`
	RateBurst int     `yaml:"rateBurst"`

	WebhookMaxAttempts int `yaml:"webhookMaxAttempts"`
}

func defaults() Config {
	return Config{
		Port:                  "8080",
		ProximityRadiusKm:     20,
		EmissionFactorKgPerKm: 0.1,
		BackhaulBonus:         100,
		BackhaulMaxProposals:  5,
		LookaheadMinutes:      30,
		OpportunityTTLMinutes: 30,
		MinDistanceSavedKm:    0,
		RateRPS:               5,
		RateBurst:             10,
		WebhookMaxAttempts:    10,
	}
}

// Load builds the effective config. A missing or unreadable CONFIG_FILE is
// not an error; env vars are applied last.
func Load() Config {
	cfg := defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if b, err := os.ReadFile(path); err == nil {
			_ = yaml.Unmarshal(b, &cfg)
		}
	}
	cfg.Port = envOr("PORT", cfg.Port)
	cfg.DatabaseURL = envOr("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = envOr("REDIS_URL", cfg.RedisURL)
	cfg.ProximityRadiusKm = envOrFloat("PROXIMITY_RADIUS_KM", cfg.ProximityRadiusKm)
	cfg.EmissionFactorKgPerKm = envOrFloat("EMISSION_FACTOR_KG_PER_KM", cfg.EmissionFactorKgPerKm)
	cfg.BackhaulBonus = envOrFloat("BACKHAUL_BONUS", cfg.BackhaulBonus)
	cfg.BackhaulMaxProposals = envOrInt("BACKHAUL_MAX_PROPOSALS", cfg.BackhaulMaxProposals)
	cfg.LookaheadMinutes = envOrInt("OPPORTUNITY_LOOKAHEAD_MIN", cfg.LookaheadMinutes)
	cfg.OpportunityTTLMinutes = envOrInt("OPPORTUNITY_TTL_MIN", cfg.OpportunityTTLMinutes)
	cfg.MinDistanceSavedKm = envOrFloat("MIN_DISTANCE_SAVED_KM", cfg.MinDistanceSavedKm)
	cfg.RateRPS = envOrFloat("RATE_RPS", cfg.RateRPS)
	cfg.RateBurst = envOrInt("RATE_BURST", cfg.RateBurst)
	cfg.WebhookMaxAttempts = envOrInt("WEBHOOK_MAX_ATTEMPTS", cfg.WebhookMaxAttempts)
	return cfg
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envOrFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
