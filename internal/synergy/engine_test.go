package synergy

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

func newEngine(s *store.Memory) (*Engine, *recNotifier) {
	n := &recNotifier{}
	e := NewEngine(s, n, Config{
		RadiusKm:       20,
		EmissionFactor: 0.1,
		Lookahead:      30 * time.Minute,
		TTL:            30 * time.Minute,
	})
	return e, n
}

// addTruck creates a truck with a one-route allocation over the given drops.
func addTruck(t *testing.T, s *store.Memory, routeID string, pos model.GeoPoint, capW float64, drops []model.DeliveryInput) model.Truck {
	t.Helper()
	ctx := context.Background()
	tr, err := s.CreateTruck(ctx, company, model.TruckInput{CapWeightKg: capW, CapVolumeM3: 50})
	if err != nil {
		t.Fatal(err)
	}
	ds, err := s.CreateDeliveries(ctx, company, drops)
	if err != nil {
		t.Fatal(err)
	}
	ids := make([]string, len(ds))
	for i, d := range ds {
		ids[i] = d.ID
	}
	_, err = s.SaveAllocation(ctx, company, []model.Route{{ID: routeID, TruckID: tr.ID, Status: model.RouteActive}}, map[string][]string{routeID: ids})
	if err != nil {
		t.Fatal(err)
	}
	tr, err = s.UpdateTruckPosition(ctx, company, tr.ID, model.PositionLog{TruckID: tr.ID, Lat: pos.Lat, Lng: pos.Lng, TS: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	return tr
}

func drop(lat, lng, weight float64) model.DeliveryInput {
	return model.DeliveryInput{
		Pickup: model.GeoPoint{Lat: lat, Lng: lng},
		Drop:   model.GeoPoint{Lat: lat, Lng: lng},
		WeightKg: weight, VolumeM3: 1,
	}
}

func TestHandleLocationCreatesOpportunity(t *testing.T) {
	s := store.NewMemory()
	e, n := newEngine(s)
	ctx := context.Background()

	a := addTruck(t, s, "r-a", model.GeoPoint{Lat: 19.0760, Lng: 72.8777}, 1000,
		[]model.DeliveryInput{drop(19.0800, 72.8801, 20)})
	addTruck(t, s, "r-b", model.GeoPoint{Lat: 19.0770, Lng: 72.8778}, 1000,
		[]model.DeliveryInput{drop(19.0800, 72.8800, 20), drop(19.0820, 72.8810, 20)})

	opp, created, err := e.HandleLocation(ctx, company, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected an opportunity")
	}
	if opp.Status != model.OpportunityPending {
		t.Fatalf("status %s", opp.Status)
	}
	if opp.DistanceSavedKm <= 0 {
		t.Fatalf("distanceSaved %f", opp.DistanceSavedKm)
	}
	if opp.CarbonSavedKg != opp.DistanceSavedKm*0.1 {
		t.Fatalf("carbon %f for saved %f", opp.CarbonSavedKg, opp.DistanceSavedKm)
	}
	if !n.has("absorption.pending") {
		t.Fatal("missing absorption.pending event")
	}
}

func TestHandleLocationOutOfRange(t *testing.T) {
	s := store.NewMemory()
	e, _ := newEngine(s)
	ctx := context.Background()

	a := addTruck(t, s, "r-a", model.GeoPoint{Lat: 19.0760, Lng: 72.8777}, 1000,
		[]model.DeliveryInput{drop(19.0800, 72.8801, 20)})
	addTruck(t, s, "r-b", model.GeoPoint{Lat: 20.5, Lng: 78.9}, 1000,
		[]model.DeliveryInput{drop(20.51, 78.91, 20)})

	_, created, err := e.HandleLocation(ctx, company, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("trucks far apart should not pair")
	}
}

func TestHandleLocationDedupsPair(t *testing.T) {
	s := store.NewMemory()
	e, _ := newEngine(s)
	ctx := context.Background()

	a := addTruck(t, s, "r-a", model.GeoPoint{Lat: 19.0760, Lng: 72.8777}, 1000,
		[]model.DeliveryInput{drop(19.0800, 72.8801, 20)})
	addTruck(t, s, "r-b", model.GeoPoint{Lat: 19.0770, Lng: 72.8778}, 1000,
		[]model.DeliveryInput{drop(19.0800, 72.8800, 20), drop(19.0820, 72.8810, 20)})

	if _, created, _ := e.HandleLocation(ctx, company, a.ID); !created {
		t.Fatal("first report should create")
	}
	if _, created, _ := e.HandleLocation(ctx, company, a.ID); created {
		t.Fatal("second report must not duplicate the pair")
	}
	opps, _, err := s.ListOpportunities(ctx, company, "", "", 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(opps) != 1 {
		t.Fatalf("want 1 opportunity, got %d", len(opps))
	}
}

func TestEligibleSetTrimmedToCapacity(t *testing.T) {
	s := store.NewMemory()
	e, _ := newEngine(s)
	ctx := context.Background()

	// Donor carries 55kg across two deliveries; recipient headroom is 40kg.
	a := addTruck(t, s, "r-a", model.GeoPoint{Lat: 19.0760, Lng: 72.8777}, 1000,
		[]model.DeliveryInput{drop(19.0761, 72.8778, 25), drop(19.2000, 72.8800, 30)})
	b := addTruck(t, s, "r-b", model.GeoPoint{Lat: 19.0770, Lng: 72.8778}, 1000,
		[]model.DeliveryInput{drop(19.2100, 72.8800, 20)})
	// Shrink recipient headroom to 40kg over current load.
	bNow, err := s.GetTruck(ctx, company, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.AdjustTruckLoad(ctx, company, b.ID, bNow.CapWeightKg-bNow.LoadWeightKg-40, 0, 0); err != nil {
		t.Fatal(err)
	}

	opp, created, err := e.HandleLocation(ctx, company, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected a trimmed opportunity")
	}
	if len(opp.EligibleDeliveryIDs) != 1 {
		t.Fatalf("want 1 eligible delivery, got %d", len(opp.EligibleDeliveryIDs))
	}
	if opp.SpaceRequiredWeight != 30 {
		t.Fatalf("want the 30kg delivery kept, got %fkg", opp.SpaceRequiredWeight)
	}
	if opp.SpaceRequiredWeight > opp.SpaceAvailableWeight {
		t.Fatalf("required %f exceeds available %f", opp.SpaceRequiredWeight, opp.SpaceAvailableWeight)
	}
}

func TestDecideApproveTransfersDeliveries(t *testing.T) {
	s := store.NewMemory()
	e, n := newEngine(s)
	ctx := context.Background()

	a := addTruck(t, s, "r-a", model.GeoPoint{Lat: 19.0760, Lng: 72.8777}, 1000,
		[]model.DeliveryInput{drop(19.0800, 72.8801, 20)})
	addTruck(t, s, "r-b", model.GeoPoint{Lat: 19.0770, Lng: 72.8778}, 1000,
		[]model.DeliveryInput{drop(19.0800, 72.8800, 20), drop(19.0820, 72.8810, 20)})

	opp, created, err := e.HandleLocation(ctx, company, a.ID)
	if err != nil || !created {
		t.Fatalf("setup: created=%v err=%v", created, err)
	}
	donorBefore, _ := s.GetTruck(ctx, company, opp.DonorTruckID)
	recipBefore, _ := s.GetTruck(ctx, company, opp.RecipientTruckID)

	out, err := e.Decide(ctx, company, opp.ID, model.OpportunityApproved, "dispatcher-1")
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != model.OpportunityApproved {
		t.Fatalf("status %s", out.Status)
	}
	for _, did := range out.EligibleDeliveryIDs {
		ds, err := s.ListRouteDeliveries(ctx, company, out.RecipientRouteID)
		if err != nil {
			t.Fatal(err)
		}
		for _, d := range ds {
			if d.ID == did {
				t.Fatal("transferred delivery should not stay ASSIGNED")
			}
		}
	}
	donorAfter, _ := s.GetTruck(ctx, company, opp.DonorTruckID)
	recipAfter, _ := s.GetTruck(ctx, company, opp.RecipientTruckID)
	if donorAfter.LoadWeightKg >= donorBefore.LoadWeightKg {
		t.Fatal("donor load should decrease")
	}
	if recipAfter.LoadWeightKg <= recipBefore.LoadWeightKg {
		t.Fatal("recipient load should increase")
	}
	if recipAfter.LoadWeightKg > recipAfter.CapWeightKg {
		t.Fatal("recipient over capacity")
	}
	if donorAfter.LoadVersion == donorBefore.LoadVersion || recipAfter.LoadVersion == recipBefore.LoadVersion {
		t.Fatal("ledger versions should bump")
	}
	if !n.has("absorption.approved") {
		t.Fatal("missing absorption.approved event")
	}

	// Terminal: a second decision is rejected.
	if _, err := e.Decide(ctx, company, opp.ID, model.OpportunityRejected, "dispatcher-1"); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("want invalid transition, got %v", err)
	}
}

func TestDecideValidation(t *testing.T) {
	s := store.NewMemory()
	e, _ := newEngine(s)
	if _, err := e.Decide(context.Background(), company, "nope", "MAYBE", "x"); !errors.Is(err, ErrValidation) {
		t.Fatalf("want validation error, got %v", err)
	}
	if _, err := e.Decide(context.Background(), company, "nope", model.OpportunityApproved, "x"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("want not found, got %v", err)
	}
}

func TestExpiryFreesPair(t *testing.T) {
	s := store.NewMemory()
	e, _ := newEngine(s)
	ctx := context.Background()
	base := time.Now()
	e.now = func() time.Time { return base }
	e.Cfg.TTL = time.Minute

	a := addTruck(t, s, "r-a", model.GeoPoint{Lat: 19.0760, Lng: 72.8777}, 1000,
		[]model.DeliveryInput{drop(19.0800, 72.8801, 20)})
	addTruck(t, s, "r-b", model.GeoPoint{Lat: 19.0770, Lng: 72.8778}, 1000,
		[]model.DeliveryInput{drop(19.0800, 72.8800, 20), drop(19.0820, 72.8810, 20)})

	opp, created, err := e.HandleLocation(ctx, company, a.ID)
	if err != nil || !created {
		t.Fatalf("setup: created=%v err=%v", created, err)
	}

	e.now = func() time.Time { return base.Add(2 * time.Minute) }
	n, err := e.ExpireDue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("want 1 expired, got %d", n)
	}
	got, err := s.GetOpportunity(ctx, company, opp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.OpportunityExpired {
		t.Fatalf("status %s", got.Status)
	}

	// The pair is free again.
	if _, created, _ := e.HandleLocation(ctx, company, a.ID); !created {
		t.Fatal("expired pair should allow a fresh opportunity")
	}
}
