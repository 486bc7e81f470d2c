// Package backhaul matches trucks that finished (or nearly finished) their
// outbound legs with marketplace loads near them, and drives the pickup
// state machine through to the driver payout.
package backhaul

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"synergy/internal/geo"
	"synergy/internal/model"
	"synergy/internal/store"
)

type Notifier interface {
	Emit(ctx context.Context, companyID, eventType string, data any)
}

type Config struct {
	RadiusKm       float64
	EmissionFactor float64
	Bonus          float64
	MaxProposals   int
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

var (
	ErrNotAuthorized = errors.New("not authorized")
	ErrUnknownAction = errors.New("unknown action")
)

// Actions accepted by Transition.
const (
	ActionAccept        = "accept"
	ActionReject        = "reject"
	ActionStartPickup   = "start-pickup"
	ActionConfirmPickup = "confirm-pickup"
	ActionComplete      = "complete"
)

// Check searches the marketplace around the truck's position and proposes
// pickups, nearest first. A load the truck already has a live proposal for
// is skipped.
func (e *Engine) Check(ctx context.Context, companyID, truckID string) ([]model.BackhaulPickup, error) {
	truck, err := e.Store.GetTruck(ctx, companyID, truckID)
	if err != nil {
		return nil, err
	}
	if truck.Position == nil {
		return nil, nil
	}
	loads, err := e.Store.SearchMarketplaceLoads(ctx, *truck.Position, e.Cfg.RadiusKm, e.Cfg.MaxProposals)
	if err != nil {
		return nil, err
	}
	existing, err := e.Store.ListLiveBackhaulsForTruck(ctx, truckID)
	if err != nil {
		return nil, err
	}
	live := map[string]bool{}
	for _, b := range existing {
		live[b.LoadID] = true
	}
	out := []model.BackhaulPickup{}
	for _, l := range loads {
		if live[l.ID] {
			continue
		}
		km := geo.DistanceKm(*truck.Position, l.Pickup)
		b := model.BackhaulPickup{
			CompanyID:        companyID,
			TruckID:          truck.ID,
			DriverID:         truck.DriverID,
			LoadID:           l.ID,
			ShipperID:        l.ShipperID,
			ShipperName:      l.ShipperName,
			ShipperPhone:     l.Phone,
			PickupLabel:      l.PickupLabel,
			Pickup:           l.Pickup,
			DestinationHubID: truck.SourceHubID,
			PackageCount:     l.Packages,
			TotalWeightKg:    l.WeightKg,
			TotalVolumeM3:    l.VolumeM3,
			DistanceKm:       km,
			CarbonSavedKg:    km * e.Cfg.EmissionFactor,
			Status:           model.BackhaulProposed,
			ProposedAt:       e.now(),
		}
		created, err := e.Store.CreateBackhaul(ctx, b)
		if err != nil {
			return nil, err
		}
		out = append(out, created)
	}
	if len(out) > 0 {
		e.Notify.Emit(ctx, companyID, "backhaul.proposed", map[string]any{
			"truckId": truckID, "driverId": truck.DriverID, "count": len(out),
		})
	}
	return out, nil
}

// List returns the driver's backhauls, optionally filtered by status.
func (e *Engine) List(ctx context.Context, companyID, driverID, status string) ([]model.BackhaulPickup, error) {
	items, _, err := e.Store.ListBackhauls(ctx, companyID, driverID, status, "", 0)
	return items, err
}

// Transition applies a driver action. Authorization is checked before any
// mutation; a wrong predecessor state fails without touching the record.
func (e *Engine) Transition(ctx context.Context, id, action, driverID string) (model.BackhaulPickup, error) {
	b, err := e.Store.GetBackhaul(ctx, id)
	if err != nil {
		return model.BackhaulPickup{}, err
	}
	if driverID != "" && b.DriverID != driverID {
		return model.BackhaulPickup{}, ErrNotAuthorized
	}
	now := e.now()
	switch action {
	case ActionAccept:
		b, err = e.Store.TransitionBackhaul(ctx, id, model.BackhaulProposed, model.BackhaulAccepted, now)
		if err == nil {
			if lerr := e.Store.MarkLoadAssigned(ctx, b.LoadID); lerr != nil {
				log.Printf("backhaul: mark load %s assigned: %v", b.LoadID, lerr)
			}
			e.emit(ctx, b, "backhaul.accepted", nil)
		}
	case ActionReject:
		b, err = e.Store.TransitionBackhaul(ctx, id, model.BackhaulProposed, model.BackhaulRejected, now)
		if err == nil {
			e.emit(ctx, b, "backhaul.rejected", nil)
		}
	case ActionStartPickup:
		b, err = e.Store.TransitionBackhaul(ctx, id, model.BackhaulAccepted, model.BackhaulEnRoute, now)
		if err == nil {
			e.emit(ctx, b, "backhaul.en_route", nil)
		}
	case ActionConfirmPickup:
		b, err = e.Store.TransitionBackhaul(ctx, id, model.BackhaulEnRoute, model.BackhaulPickedUp, now)
		if err == nil {
			// Opportunistic pickup: the load goes on regardless of a
			// capacity check. An overload is logged, not blocked.
			t, lerr := e.Store.AdjustTruckLoad(ctx, b.CompanyID, b.TruckID, b.TotalWeightKg, b.TotalVolumeM3, 0)
			if lerr != nil {
				log.Printf("backhaul: load ledger for truck %s: %v", b.TruckID, lerr)
			} else if t.LoadWeightKg > t.CapWeightKg || t.LoadVolumeM3 > t.CapVolumeM3 {
				log.Printf("backhaul: truck %s over capacity after pickup %s", t.ID, b.ID)
			}
			e.emit(ctx, b, "backhaul.picked_up", nil)
		}
	case ActionComplete:
		var tx model.Transaction
		b, tx, err = e.Store.CompleteBackhaul(ctx, id, e.Cfg.Bonus, now)
		if err == nil {
			if _, lerr := e.Store.AdjustTruckLoad(ctx, b.CompanyID, b.TruckID, -b.TotalWeightKg, -b.TotalVolumeM3, 0); lerr != nil {
				log.Printf("backhaul: unload ledger for truck %s: %v", b.TruckID, lerr)
			}
			e.emit(ctx, b, "backhaul.completed", map[string]any{
				"transactionId": tx.ID,
				"amount":        tx.Amount,
			})
		}
	default:
		return model.BackhaulPickup{}, fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}
	if err != nil {
		return model.BackhaulPickup{}, err
	}
	return b, nil
}

func (e *Engine) emit(ctx context.Context, b model.BackhaulPickup, event string, extra map[string]any) {
	data := map[string]any{
		"backhaulId": b.ID,
		"truckId":    b.TruckID,
		"driverId":   b.DriverID,
		"status":     b.Status,
	}
	for k, v := range extra {
		data[k] = v
	}
	e.Notify.Emit(ctx, b.CompanyID, event, data)
}
