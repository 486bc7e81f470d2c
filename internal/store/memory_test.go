package store

import (
    "context"
    "errors"
    "testing"
    "time"

    "synergy/internal/model"
)

func TestAdjustTruckLoadVersionConflict(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    tr, err := m.CreateTruck(ctx, "co1", model.TruckInput{CapWeightKg: 100, CapVolumeM3: 10})
    if err != nil { t.Fatal(err) }

    got, err := m.AdjustTruckLoad(ctx, "co1", tr.ID, 40, 2, tr.LoadVersion)
    if err != nil { t.Fatalf("first adjust: %v", err) }
    if got.LoadWeightKg != 40 || got.LoadVersion != tr.LoadVersion+1 {
        t.Fatalf("ledger after first adjust: %+v", got)
    }

    // Second writer still holding the old version must lose.
    if _, err := m.AdjustTruckLoad(ctx, "co1", tr.ID, 10, 1, tr.LoadVersion); !errors.Is(err, ErrConflict) {
        t.Fatalf("want ErrConflict, got %v", err)
    }

    // Deltas below zero clamp rather than going negative.
    got, err = m.AdjustTruckLoad(ctx, "co1", tr.ID, -100, -100, 0)
    if err != nil { t.Fatal(err) }
    if got.LoadWeightKg != 0 || got.LoadVolumeM3 != 0 {
        t.Fatalf("ledger should clamp at zero: %+v", got)
    }
}

func TestCreateOpportunityIfAbsentUnorderedPair(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    base := model.AbsorptionOpportunity{
        CompanyID:        "co1",
        DonorRouteID:     "r-a",
        RecipientRouteID: "r-b",
        ExpiresAt:        time.Now().Add(time.Hour),
    }
    first, isNew, err := m.CreateOpportunityIfAbsent(ctx, base)
    if err != nil || !isNew { t.Fatalf("first create: %v isNew=%v", err, isNew) }

    // Swapped pair maps to the same key and must return the live one.
    swapped := base
    swapped.DonorRouteID, swapped.RecipientRouteID = "r-b", "r-a"
    got, isNew, err := m.CreateOpportunityIfAbsent(ctx, swapped)
    if err != nil { t.Fatal(err) }
    if isNew || got.ID != first.ID {
        t.Fatalf("swapped pair created a second live opportunity: %+v", got)
    }

    // Once the live one leaves PENDING the pair frees up.
    if _, err := m.UpdateOpportunityStatus(ctx, "co1", first.ID, model.OpportunityPending, model.OpportunityRejected, "disp"); err != nil {
        t.Fatal(err)
    }
    _, isNew, err = m.CreateOpportunityIfAbsent(ctx, base)
    if err != nil || !isNew { t.Fatalf("pair not freed after reject: %v isNew=%v", err, isNew) }
}

func TestTransitionBackhaulWrongPredecessor(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    b, err := m.CreateBackhaul(ctx, model.BackhaulPickup{CompanyID: "co1", TruckID: "trk1", Status: model.BackhaulProposed})
    if err != nil { t.Fatal(err) }

    // Skipping accept and start-pickup must fail without touching status.
    if _, err := m.TransitionBackhaul(ctx, b.ID, model.BackhaulEnRoute, model.BackhaulPickedUp, time.Now()); !errors.Is(err, ErrInvalidTransition) {
        t.Fatalf("want ErrInvalidTransition, got %v", err)
    }
    cur, err := m.GetBackhaul(ctx, b.ID)
    if err != nil { t.Fatal(err) }
    if cur.Status != model.BackhaulProposed {
        t.Fatalf("status mutated on failed transition: %s", cur.Status)
    }
}
