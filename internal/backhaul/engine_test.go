package backhaul

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"synergy/internal/model"
	"synergy/internal/store"
)

type recNotifier struct {
	mu     sync.Mutex
	events []string
}

func (r *recNotifier) Emit(ctx context.Context, companyID, eventType string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
}

func (r *recNotifier) has(event string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == event {
			return true
		}
	}
	return false
}

const company = "acme"

func setup(t *testing.T) (*Engine, *store.Memory, *recNotifier, model.Truck) {
	t.Helper()
	s := store.NewMemory()
	n := &recNotifier{}
	e := NewEngine(s, n, Config{RadiusKm: 20, EmissionFactor: 0.1, Bonus: 100, MaxProposals: 5})
	tr, err := s.CreateTruck(context.Background(), company, model.TruckInput{
		DriverID: "driver-1", CapWeightKg: 100, CapVolumeM3: 10,
	})
	if err != nil {
		t.Fatal(err)
	}
	tr, err = s.UpdateTruckPosition(context.Background(), company, tr.ID, model.PositionLog{
		TruckID: tr.ID, Lat: 19.0760, Lng: 72.8777, TS: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return e, s, n, tr
}

func seedLoad(t *testing.T, s *store.Memory, lat, lng, weight float64) model.MarketplaceLoad {
	t.Helper()
	l, err := s.CreateMarketplaceLoad(context.Background(), model.MarketplaceLoad{
		ShipperID: "shipper-1", ShipperName: "Shakti Traders",
		Pickup: model.GeoPoint{Lat: lat, Lng: lng},
		Drop:   model.GeoPoint{Lat: 19.2, Lng: 72.97},
		WeightKg: weight, VolumeM3: 1, Packages: 3,
	})
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func TestCheckProposesNearestFirst(t *testing.T) {
	e, s, n, tr := setup(t)
	ctx := context.Background()
	far := seedLoad(t, s, 19.15, 72.95, 40) // ~11 km
	near := seedLoad(t, s, 19.0790, 72.8800, 30) // <1 km
	seedLoad(t, s, 20.5, 78.9, 10) // well outside the radius

	got, err := e.Check(ctx, company, tr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 proposals, got %d", len(got))
	}
	if got[0].LoadID != near.ID || got[1].LoadID != far.ID {
		t.Fatalf("not nearest first: %s, %s", got[0].LoadID, got[1].LoadID)
	}
	if got[0].Status != model.BackhaulProposed {
		t.Fatalf("status %s", got[0].Status)
	}
	if got[0].CarbonSavedKg != got[0].DistanceKm*0.1 {
		t.Fatalf("carbon %f for %f km", got[0].CarbonSavedKg, got[0].DistanceKm)
	}
	if !n.has("backhaul.proposed") {
		t.Fatal("missing backhaul.proposed event")
	}

	// Re-checking must not duplicate live proposals.
	again, err := e.Check(ctx, company, tr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Fatalf("want no duplicates, got %d", len(again))
	}
}

func TestCheckDedupSurvivesDeepHistory(t *testing.T) {
	e, s, _, tr := setup(t)
	ctx := context.Background()
	seedLoad(t, s, 19.0790, 72.8800, 30)

	// Bury the live proposal under a page's worth of delivered history.
	for i := 0; i < 120; i++ {
		if _, err := s.CreateBackhaul(ctx, model.BackhaulPickup{
			CompanyID: company, TruckID: tr.ID, DriverID: "driver-1",
			LoadID: "historic", Status: model.BackhaulDelivered,
		}); err != nil {
			t.Fatal(err)
		}
	}

	first, err := e.Check(ctx, company, tr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 1 {
		t.Fatalf("want 1 proposal, got %d", len(first))
	}
	again, err := e.Check(ctx, company, tr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Fatalf("live proposal lost in history, got %d duplicates", len(again))
	}
}

func TestTransitionHappyPath(t *testing.T) {
	e, s, n, tr := setup(t)
	ctx := context.Background()
	seedLoad(t, s, 19.0790, 72.8800, 30)
	props, err := e.Check(ctx, company, tr.ID)
	if err != nil || len(props) != 1 {
		t.Fatalf("setup: %v (%d proposals)", err, len(props))
	}
	id := props[0].ID

	steps := []struct {
		action string
		status string
	}{
		{ActionAccept, model.BackhaulAccepted},
		{ActionStartPickup, model.BackhaulEnRoute},
		{ActionConfirmPickup, model.BackhaulPickedUp},
		{ActionComplete, model.BackhaulDelivered},
	}
	for _, st := range steps {
		b, err := e.Transition(ctx, id, st.action, "driver-1")
		if err != nil {
			t.Fatalf("%s: %v", st.action, err)
		}
		if b.Status != st.status {
			t.Fatalf("%s gave status %s", st.action, b.Status)
		}
	}

	// Load went on at pickup and came off at completion.
	truck, err := s.GetTruck(ctx, company, tr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if truck.LoadWeightKg != 0 {
		t.Fatalf("load should net out to zero, got %f", truck.LoadWeightKg)
	}

	// Completion pays the fixed bonus.
	earn, err := s.GetDriverEarnings(ctx, "driver-1", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if earn.Total != 100 || earn.Weekly != 100 {
		t.Fatalf("earnings %+v", earn)
	}
	txs, err := s.ListTransactions(ctx, "driver-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(txs) != 1 || txs[0].Type != "BACKHAUL_BONUS" || txs[0].Amount != 100 {
		t.Fatalf("transactions %+v", txs)
	}
	for _, ev := range []string{"backhaul.accepted", "backhaul.en_route", "backhaul.picked_up", "backhaul.completed"} {
		if !n.has(ev) {
			t.Fatalf("missing %s event", ev)
		}
	}
}

func TestTransitionOutOfOrderFails(t *testing.T) {
	e, s, _, tr := setup(t)
	ctx := context.Background()
	seedLoad(t, s, 19.0790, 72.8800, 30)
	props, _ := e.Check(ctx, company, tr.ID)
	id := props[0].ID

	// confirm-pickup straight from PROPOSED must fail and change nothing.
	if _, err := e.Transition(ctx, id, ActionConfirmPickup, "driver-1"); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("want invalid transition, got %v", err)
	}
	b, err := s.GetBackhaul(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if b.Status != model.BackhaulProposed {
		t.Fatalf("status mutated to %s", b.Status)
	}

	// REJECTED is terminal.
	if _, err := e.Transition(ctx, id, ActionReject, "driver-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Transition(ctx, id, ActionAccept, "driver-1"); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("want invalid transition after reject, got %v", err)
	}
}

func TestTransitionWrongDriver(t *testing.T) {
	e, s, _, tr := setup(t)
	ctx := context.Background()
	seedLoad(t, s, 19.0790, 72.8800, 30)
	props, _ := e.Check(ctx, company, tr.ID)

	if _, err := e.Transition(ctx, props[0].ID, ActionAccept, "driver-2"); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("want authorization error, got %v", err)
	}
	b, _ := s.GetBackhaul(ctx, props[0].ID)
	if b.Status != model.BackhaulProposed {
		t.Fatalf("status mutated to %s", b.Status)
	}
}

func TestPickupIgnoresCapacityGate(t *testing.T) {
	e, s, _, tr := setup(t)
	ctx := context.Background()
	// Heavier than the truck's 100kg capacity.
	seedLoad(t, s, 19.0790, 72.8800, 150)
	props, _ := e.Check(ctx, company, tr.ID)
	id := props[0].ID

	for _, a := range []string{ActionAccept, ActionStartPickup, ActionConfirmPickup} {
		if _, err := e.Transition(ctx, id, a, "driver-1"); err != nil {
			t.Fatalf("%s: %v", a, err)
		}
	}
	truck, _ := s.GetTruck(ctx, company, tr.ID)
	if truck.LoadWeightKg != 150 {
		t.Fatalf("pickup should load anyway, got %f", truck.LoadWeightKg)
	}
}

func TestAcceptAssignsMarketplaceLoad(t *testing.T) {
	e, s, _, tr := setup(t)
	ctx := context.Background()
	seedLoad(t, s, 19.0790, 72.8800, 30)
	props, _ := e.Check(ctx, company, tr.ID)
	if _, err := e.Transition(ctx, props[0].ID, ActionAccept, "driver-1"); err != nil {
		t.Fatal(err)
	}
	// The load is off the marketplace, so a second truck finds nothing.
	tr2, _ := s.CreateTruck(ctx, company, model.TruckInput{DriverID: "driver-2", CapWeightKg: 100, CapVolumeM3: 10})
	tr2, _ = s.UpdateTruckPosition(ctx, company, tr2.ID, model.PositionLog{TruckID: tr2.ID, Lat: 19.0761, Lng: 72.8778, TS: time.Now()})
	got, err := e.Check(ctx, company, tr2.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("assigned load should be invisible, got %d", len(got))
	}
}
