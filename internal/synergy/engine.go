// Package synergy implements the proximity scanner and the absorption
// opportunity evaluator. A location report feeds the scanner; qualifying
// truck pairs go through the evaluator, which may create a PENDING
// opportunity for a dispatcher to decide.
package synergy

import (
	"context"
	"errors"
	"log"
	"sort"
	"time"

	"synergy/internal/geo"
	"synergy/internal/model"
	"synergy/internal/store"
)

// Notifier delivers domain events to whoever listens (webhooks, live feeds).
type Notifier interface {
	Emit(ctx context.Context, companyID, eventType string, data any)
}

type Config struct {
	RadiusKm       float64
	EmissionFactor float64
	Lookahead      time.Duration
	TTL            time.Duration
	MinSavedKm     float64
}

type Engine struct {
	Store  store.Store
	Notify Notifier
	Cfg    Config

	now func() time.Time
}

func NewEngine(s store.Store, n Notifier, cfg Config) *Engine {
	return &Engine{Store: s, Notify: n, Cfg: cfg, now: time.Now}
}

var ErrValidation = errors.New("validation")

// HandleLocation runs the scanner for one position report and returns the
// first opportunity created, if any. Pairs that already carry a live
// PENDING opportunity are skipped by the store's dedup gate.
func (e *Engine) HandleLocation(ctx context.Context, companyID, truckID string) (model.AbsorptionOpportunity, bool, error) {
	truck, err := e.Store.GetTruck(ctx, companyID, truckID)
	if err != nil {
		return model.AbsorptionOpportunity{}, false, err
	}
	if truck.Position == nil || truck.RouteID == "" {
		return model.AbsorptionOpportunity{}, false, nil
	}
	open, err := e.Store.ListRouteDeliveries(ctx, companyID, truck.RouteID)
	if err != nil || len(open) == 0 {
		return model.AbsorptionOpportunity{}, false, err
	}
	routes, err := e.Store.ListActiveRoutes(ctx, companyID)
	if err != nil {
		return model.AbsorptionOpportunity{}, false, err
	}
	for _, r := range routes {
		if r.ID == truck.RouteID || r.TruckID == truck.ID {
			continue
		}
		other, err := e.Store.GetTruck(ctx, companyID, r.TruckID)
		if err != nil || other.Position == nil {
			continue
		}
		if geo.DistanceKm(*truck.Position, *other.Position) >= e.Cfg.RadiusKm {
			continue
		}
		otherOpen, err := e.Store.ListRouteDeliveries(ctx, companyID, r.ID)
		if err != nil || len(otherOpen) == 0 {
			continue
		}
		opp, created, err := e.evaluatePair(ctx, companyID, truck, open, other, otherOpen)
		if err != nil {
			log.Printf("synergy: evaluate pair %s/%s: %v", truck.ID, other.ID, err)
			continue
		}
		if created {
			return opp, true, nil
		}
	}
	return model.AbsorptionOpportunity{}, false, nil
}

// evaluatePair decides donor vs recipient, builds the eligible set and
// creates the opportunity when the consolidation actually saves distance.
func (e *Engine) evaluatePair(ctx context.Context, companyID string, a model.Truck, aOpen []model.Delivery, b model.Truck, bOpen []model.Delivery) (model.AbsorptionOpportunity, bool, error) {
	donor, donorOpen, recip, recipOpen := pickDonor(a, aOpen, b, bOpen)
	center := geo.Midpoint(*donor.Position, *recip.Position)

	eligible := []model.Delivery{}
	for _, d := range donorOpen {
		if geo.WithinRadius(center, d.Pickup, e.Cfg.RadiusKm) && geo.WithinRadius(center, d.Drop, e.Cfg.RadiusKm) {
			eligible = append(eligible, d)
		}
	}
	if len(eligible) == 0 {
		eligible = donorOpen
	}

	headW := recip.CapWeightKg - recip.LoadWeightKg
	headV := recip.CapVolumeM3 - recip.LoadVolumeM3
	eligible = trimToCapacity(eligible, headW, headV)
	if len(eligible) == 0 {
		return model.AbsorptionOpportunity{}, false, nil
	}

	transferred := map[string]bool{}
	var reqW, reqV float64
	ids := make([]string, 0, len(eligible))
	for _, d := range eligible {
		transferred[d.ID] = true
		reqW += d.WeightKg
		reqV += d.VolumeM3
		ids = append(ids, d.ID)
	}

	donorBefore := remainingKm(*donor.Position, donorOpen, nil)
	donorAfter := remainingKmVia(*donor.Position, center, donorOpen, transferred)
	recipBefore := remainingKm(*recip.Position, recipOpen, nil)
	recipAfter := absorbedKm(*recip.Position, center, eligible, recipOpen)
	saved := (donorBefore + recipBefore) - (donorAfter + recipAfter)
	if saved <= e.Cfg.MinSavedKm {
		return model.AbsorptionOpportunity{}, false, nil
	}

	now := e.now()
	opp := model.AbsorptionOpportunity{
		CompanyID:            companyID,
		DonorRouteID:         donor.RouteID,
		DonorTruckID:         donor.ID,
		RecipientRouteID:     recip.RouteID,
		RecipientTruckID:     recip.ID,
		Center:               center,
		WindowStart:          now,
		WindowEnd:            now.Add(e.Cfg.Lookahead),
		EligibleDeliveryIDs:  ids,
		DonorBeforeKm:        donorBefore,
		DonorAfterKm:         donorAfter,
		RecipientBeforeKm:    recipBefore,
		RecipientAfterKm:     recipAfter,
		DistanceSavedKm:      saved,
		CarbonSavedKg:        saved * e.Cfg.EmissionFactor,
		SpaceRequiredWeight:  reqW,
		SpaceRequiredVolume:  reqV,
		SpaceAvailableWeight: headW,
		SpaceAvailableVolume: headV,
		Status:               model.OpportunityPending,
		CreatedAt:            now,
		ExpiresAt:            now.Add(e.Cfg.TTL),
	}
	created, isNew, err := e.Store.CreateOpportunityIfAbsent(ctx, opp)
	if err != nil || !isNew {
		return created, false, err
	}
	e.Notify.Emit(ctx, companyID, "absorption.pending", map[string]any{
		"opportunityId":   created.ID,
		"donorRouteId":    created.DonorRouteID,
		"recipientRouteId": created.RecipientRouteID,
		"distanceSavedKm": created.DistanceSavedKm,
		"carbonSavedKg":   created.CarbonSavedKg,
		"deliveries":      len(created.EligibleDeliveryIDs),
	})
	return created, true, nil
}

// Decide applies a dispatcher decision. A PENDING opportunity past its
// expiry is lazily expired and the decision rejected as a bad transition.
func (e *Engine) Decide(ctx context.Context, companyID, id, decision, actor string) (model.AbsorptionOpportunity, error) {
	if decision != model.OpportunityApproved && decision != model.OpportunityRejected {
		return model.AbsorptionOpportunity{}, ErrValidation
	}
	opp, err := e.Store.GetOpportunity(ctx, companyID, id)
	if err != nil {
		return model.AbsorptionOpportunity{}, err
	}
	if opp.Status == model.OpportunityPending && !opp.ExpiresAt.After(e.now()) {
		_, _ = e.Store.UpdateOpportunityStatus(ctx, companyID, id, model.OpportunityPending, model.OpportunityExpired, "")
		return model.AbsorptionOpportunity{}, store.ErrInvalidTransition
	}
	var out model.AbsorptionOpportunity
	if decision == model.OpportunityApproved {
		out, err = e.Store.ApproveOpportunity(ctx, companyID, id, actor)
	} else {
		out, err = e.Store.UpdateOpportunityStatus(ctx, companyID, id, model.OpportunityPending, model.OpportunityRejected, actor)
	}
	if err != nil {
		return model.AbsorptionOpportunity{}, err
	}
	event := "absorption.rejected"
	if decision == model.OpportunityApproved {
		event = "absorption.approved"
	}
	e.Notify.Emit(ctx, companyID, event, map[string]any{
		"opportunityId": out.ID,
		"decidedBy":     actor,
		"deliveries":    len(out.EligibleDeliveryIDs),
	})
	return out, nil
}

// ExpireDue flips overdue PENDING opportunities, freeing their route pairs.
func (e *Engine) ExpireDue(ctx context.Context) (int, error) {
	n, err := e.Store.ExpireOpportunities(ctx, e.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Printf("synergy: expired %d opportunities", n)
	}
	return n, nil
}

// pickDonor orders the pair with an explicit total comparator: shorter
// remaining distance loses, then fewer open deliveries, then smaller id.
func pickDonor(a model.Truck, aOpen []model.Delivery, b model.Truck, bOpen []model.Delivery) (model.Truck, []model.Delivery, model.Truck, []model.Delivery) {
	aRem := remainingKm(*a.Position, aOpen, nil)
	bRem := remainingKm(*b.Position, bOpen, nil)
	switch {
	case aRem != bRem:
		if aRem < bRem {
			return a, aOpen, b, bOpen
		}
		return b, bOpen, a, aOpen
	case len(aOpen) != len(bOpen):
		if len(aOpen) < len(bOpen) {
			return a, aOpen, b, bOpen
		}
		return b, bOpen, a, aOpen
	case a.ID < b.ID:
		return a, aOpen, b, bOpen
	default:
		return b, bOpen, a, aOpen
	}
}

// trimToCapacity keeps the heaviest deliveries that still fit both axes.
func trimToCapacity(ds []model.Delivery, headW, headV float64) []model.Delivery {
	sorted := append([]model.Delivery(nil), ds...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].WeightKg > sorted[j].WeightKg })
	out := []model.Delivery{}
	for _, d := range sorted {
		if d.WeightKg <= headW && d.VolumeM3 <= headV {
			out = append(out, d)
			headW -= d.WeightKg
			headV -= d.VolumeM3
		}
	}
	return out
}

// remainingKm estimates the distance left: position through each open drop
// in order, skipping any delivery in skip.
func remainingKm(pos model.GeoPoint, open []model.Delivery, skip map[string]bool) float64 {
	pts := []model.GeoPoint{pos}
	for _, d := range open {
		if skip[d.ID] {
			continue
		}
		pts = append(pts, d.Drop)
	}
	return geo.PathKm(pts)
}

// remainingKmVia is remainingKm with a rendezvous detour first.
func remainingKmVia(pos, via model.GeoPoint, open []model.Delivery, skip map[string]bool) float64 {
	pts := []model.GeoPoint{pos, via}
	for _, d := range open {
		if skip[d.ID] {
			continue
		}
		pts = append(pts, d.Drop)
	}
	return geo.PathKm(pts)
}

// absorbedKm estimates the recipient path after taking on the transferred
// deliveries at the rendezvous.
func absorbedKm(pos, via model.GeoPoint, transferred, own []model.Delivery) float64 {
	pts := []model.GeoPoint{pos, via}
	for _, d := range transferred {
		pts = append(pts, d.Drop)
	}
	for _, d := range own {
		pts = append(pts, d.Drop)
	}
	return geo.PathKm(pts)
}
