//go:build postgres_integration

package store

import (
    "errors"
    "os"
    "testing"

    "synergy/internal/model"
)

func TestPostgresConnectivityAndMigrate(t *testing.T) {
    dsn := os.Getenv("DATABASE_URL")
    if dsn == "" { t.Skip("DATABASE_URL not set; skipping integration test") }
    p, err := NewPostgres(dsn)
    if err != nil { t.Fatalf("NewPostgres: %v", err) }
    if err := p.Ping(t.Context()); err != nil { t.Fatalf("Ping: %v", err) }
    if err := p.MigrateDir("../../db/migrations"); err != nil { t.Fatalf("MigrateDir: %v", err) }
    // Try simple call
    if _, _, err := p.ListRoutes(t.Context(), "co_demo", "", "", 1); err != nil { t.Fatalf("ListRoutes: %v", err) }
}

func TestPostgresAdjustTruckLoadVersioning(t *testing.T) {
    dsn := os.Getenv("DATABASE_URL")
    if dsn == "" { t.Skip("DATABASE_URL not set; skipping integration test") }
    p, err := NewPostgres(dsn)
    if err != nil { t.Fatalf("NewPostgres: %v", err) }
    if err := p.MigrateDir("../../db/migrations"); err != nil { t.Fatalf("MigrateDir: %v", err) }

    tr, err := p.CreateTruck(t.Context(), "co_itest", model.TruckInput{CapWeightKg: 100, CapVolumeM3: 10})
    if err != nil { t.Fatalf("CreateTruck: %v", err) }

    // Version 0 skips the CAS guard; the backhaul ledger path relies on it.
    got, err := p.AdjustTruckLoad(t.Context(), "co_itest", tr.ID, 40, 2, 0)
    if err != nil { t.Fatalf("unversioned adjust: %v", err) }
    if got.LoadWeightKg != 40 { t.Fatalf("load after unversioned adjust: %+v", got) }

    // A stale version still conflicts.
    if _, err := p.AdjustTruckLoad(t.Context(), "co_itest", tr.ID, 10, 1, tr.LoadVersion); !errors.Is(err, ErrConflict) {
        t.Fatalf("want ErrConflict on stale version, got %v", err)
    }
    if got, err = p.AdjustTruckLoad(t.Context(), "co_itest", tr.ID, 10, 1, got.LoadVersion); err != nil {
        t.Fatalf("versioned adjust: %v", err)
    }
    if got.LoadWeightKg != 50 { t.Fatalf("load after versioned adjust: %+v", got) }

    // Deltas below zero clamp instead of going negative.
    if got, err = p.AdjustTruckLoad(t.Context(), "co_itest", tr.ID, -500, -500, 0); err != nil {
        t.Fatalf("clamping adjust: %v", err)
    }
    if got.LoadWeightKg != 0 || got.LoadVolumeM3 != 0 { t.Fatalf("ledger should clamp at zero: %+v", got) }
}

func TestPostgresSubscriptionsWildcard(t *testing.T) {
    dsn := os.Getenv("DATABASE_URL")
    if dsn == "" { t.Skip("DATABASE_URL not set; skipping integration test") }
    p, err := NewPostgres(dsn)
    if err != nil { t.Fatalf("NewPostgres: %v", err) }
    if err := p.MigrateDir("../../db/migrations"); err != nil { t.Fatalf("MigrateDir: %v", err) }

    if _, err := p.CreateSubscription(t.Context(), model.SubscriptionRequest{CompanyID: "co_itest_sub", URL: "https://example.invalid/a", Events: []string{"absorption.pending"}}); err != nil {
        t.Fatalf("exact sub: %v", err)
    }
    if _, err := p.CreateSubscription(t.Context(), model.SubscriptionRequest{CompanyID: "co_itest_sub", URL: "https://example.invalid/b", Events: []string{"*"}}); err != nil {
        t.Fatalf("wildcard sub: %v", err)
    }
    subs, err := p.GetSubscriptionsForEvent(t.Context(), "co_itest_sub", "absorption.pending")
    if err != nil { t.Fatalf("GetSubscriptionsForEvent: %v", err) }
    if len(subs) != 2 { t.Fatalf("want exact and wildcard matches, got %d", len(subs)) }
    subs, err = p.GetSubscriptionsForEvent(t.Context(), "co_itest_sub", "backhaul.completed")
    if err != nil { t.Fatalf("GetSubscriptionsForEvent: %v", err) }
    if len(subs) != 1 { t.Fatalf("want wildcard match only, got %d", len(subs)) }
}
