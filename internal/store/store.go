package store

import (
    "context"
    "errors"
    "time"

    "synergy/internal/model"
)

// Store is the persistence interface used by the API server and the
// coordination engines. Methods that mutate several records describe the
// whole mutation so each backend can make it atomic.
type Store interface {
    // Trucks
    CreateTruck(ctx context.Context, companyID string, in model.TruckInput) (model.Truck, error)
    GetTruck(ctx context.Context, companyID, truckID string) (model.Truck, error)
    ListTrucks(ctx context.Context, companyID, cursor string, limit int) ([]model.Truck, string, error)
    // UpdateTruckPosition writes the live position and appends a position
    // log row. Reports for the same truck are applied in arrival order.
    UpdateTruckPosition(ctx context.Context, companyID, truckID string, log model.PositionLog) (model.Truck, error)
    ListPositionLog(ctx context.Context, companyID, truckID string, limit int) ([]model.PositionLog, error)
    // AdjustTruckLoad applies a ledger delta guarded by the load version.
    // A stale version returns ErrConflict.
    AdjustTruckLoad(ctx context.Context, companyID, truckID string, dWeightKg, dVolumeM3 float64, expectVersion int) (model.Truck, error)

    // Deliveries
    CreateDeliveries(ctx context.Context, companyID string, in []model.DeliveryInput) ([]model.Delivery, error)
    ListPendingDeliveries(ctx context.Context, companyID string) ([]model.Delivery, error)
    ListRouteDeliveries(ctx context.Context, companyID, routeID string) ([]model.Delivery, error)

    // Routes
    // SaveAllocation persists constructed routes, assigns the named
    // deliveries to each route's truck and seeds the truck load ledgers.
    SaveAllocation(ctx context.Context, companyID string, routes []model.Route, assignments map[string][]string) ([]model.Route, error)
    GetRoute(ctx context.Context, companyID, routeID string) (model.Route, error)
    ListRoutes(ctx context.Context, companyID, status, cursor string, limit int) ([]model.Route, string, error)
    ListActiveRoutes(ctx context.Context, companyID string) ([]model.Route, error)

    // Absorption opportunities
    // CreateOpportunityIfAbsent is the dedup gate: it creates the
    // opportunity only when the unordered route pair has no live PENDING
    // one, and reports whether a create happened.
    CreateOpportunityIfAbsent(ctx context.Context, opp model.AbsorptionOpportunity) (model.AbsorptionOpportunity, bool, error)
    GetOpportunity(ctx context.Context, companyID, id string) (model.AbsorptionOpportunity, error)
    ListOpportunities(ctx context.Context, companyID, status, cursor string, limit int) ([]model.AbsorptionOpportunity, string, error)
    // ApproveOpportunity flips PENDING to APPROVED and reassigns the
    // eligible deliveries to the recipient, moving load between the two
    // truck ledgers. All or nothing.
    ApproveOpportunity(ctx context.Context, companyID, id, actor string) (model.AbsorptionOpportunity, error)
    UpdateOpportunityStatus(ctx context.Context, companyID, id, from, to, actor string) (model.AbsorptionOpportunity, error)
    ExpireOpportunities(ctx context.Context, now time.Time) (int, error)

    // Backhaul marketplace
    CreateMarketplaceLoad(ctx context.Context, load model.MarketplaceLoad) (model.MarketplaceLoad, error)
    // SearchMarketplaceLoads returns PENDING loads with a pickup inside
    // radiusKm of center, nearest first.
    SearchMarketplaceLoads(ctx context.Context, center model.GeoPoint, radiusKm float64, limit int) ([]model.MarketplaceLoad, error)
    MarkLoadAssigned(ctx context.Context, loadID string) error

    // Backhaul pickups
    CreateBackhaul(ctx context.Context, b model.BackhaulPickup) (model.BackhaulPickup, error)
    GetBackhaul(ctx context.Context, id string) (model.BackhaulPickup, error)
    ListBackhauls(ctx context.Context, companyID, driverID, status, cursor string, limit int) ([]model.BackhaulPickup, string, error)
    // ListLiveBackhaulsForTruck returns the truck's backhauls that are not
    // yet terminal, regardless of how many historical rows exist.
    ListLiveBackhaulsForTruck(ctx context.Context, truckID string) ([]model.BackhaulPickup, error)
    // TransitionBackhaul is a compare-and-set on status: it succeeds only
    // when the row is still in from.
    TransitionBackhaul(ctx context.Context, id, from, to string, at time.Time) (model.BackhaulPickup, error)
    // CompleteBackhaul records DELIVERED together with the bonus
    // transaction and the driver earnings update. All or nothing.
    CompleteBackhaul(ctx context.Context, id string, bonus float64, at time.Time) (model.BackhaulPickup, model.Transaction, error)

    // Driver earnings
    GetDriverEarnings(ctx context.Context, driverID string, now time.Time) (model.DriverEarnings, error)
    ListTransactions(ctx context.Context, driverID string, limit int) ([]model.Transaction, error)

    // Virtual hubs
    CreateVirtualHub(ctx context.Context, companyID string, in model.VirtualHubInput) (model.VirtualHub, error)
    ListVirtualHubs(ctx context.Context, companyID, cursor string, limit int) ([]model.VirtualHub, string, error)
    GetVirtualHub(ctx context.Context, companyID, id string) (model.VirtualHub, error)
    PatchVirtualHub(ctx context.Context, companyID, id string, in model.VirtualHubInput) (model.VirtualHub, error)
    DeleteVirtualHub(ctx context.Context, companyID, id string) error

    // Subscriptions
    CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error)
    GetSubscriptionsForEvent(ctx context.Context, companyID, eventType string) ([]model.Subscription, error)
    ListSubscriptions(ctx context.Context, companyID, cursor string, limit int) ([]model.Subscription, string, error)
    DeleteSubscription(ctx context.Context, companyID, id string) error

    // Webhook deliveries
    EnqueueWebhook(ctx context.Context, companyID, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
    FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
    MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
    FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
    ListWebhookDeliveries(ctx context.Context, companyID, status, cursor string, limit int) ([]map[string]any, string, error)
    RetryWebhookDelivery(ctx context.Context, companyID, id string) error
    ListWebhookDLQ(ctx context.Context, companyID, eventType, cursor string, limit int) ([]map[string]any, string, error)
    RequeueWebhookDLQ(ctx context.Context, companyID, id string) error
}

var (
    ErrNotFound          = errors.New("not found")
    ErrConflict          = errors.New("conflict")
    ErrInvalidTransition = errors.New("invalid transition")
)
