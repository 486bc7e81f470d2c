package model

import "time"

type GeoPoint struct {
    Lat float64 `json:"lat"`
    Lng float64 `json:"lng"`
}

// Truck is the unit of capacity. Load fields are the live ledger; Version
// is bumped on every ledger write and checked on compare-and-set updates.
type Truck struct {
    ID           string    `json:"id"`
    CompanyID    string    `json:"companyId"`
    LicensePlate string    `json:"licensePlate,omitempty"`
    DriverID     string    `json:"driverId,omitempty"`
    Position     *GeoPoint `json:"position,omitempty"`
    PositionAt   string    `json:"positionAt,omitempty"`
    CapWeightKg  float64   `json:"capWeightKg"`
    CapVolumeM3  float64   `json:"capVolumeM3"`
    LoadWeightKg float64   `json:"loadWeightKg"`
    LoadVolumeM3 float64   `json:"loadVolumeM3"`
    LoadVersion  int       `json:"loadVersion"`
    RouteID      string    `json:"routeId,omitempty"`
    SourceHubID  string    `json:"sourceHubId,omitempty"`
}

type TruckInput struct {
    LicensePlate string    `json:"licensePlate,omitempty"`
    DriverID     string    `json:"driverId,omitempty"`
    CapWeightKg  float64   `json:"capWeightKg"`
    CapVolumeM3  float64   `json:"capVolumeM3"`
    SourceHubID  string    `json:"sourceHubId,omitempty"`
    Position     *GeoPoint `json:"position,omitempty"`
}

// Delivery statuses.
const (
    DeliveryPending     = "PENDING"
    DeliveryAssigned    = "ASSIGNED"
    DeliveryTransferred = "ABSORPTION_TRANSFERRED"
    DeliveryCompleted   = "COMPLETED"
    DeliveryCancelled   = "CANCELLED"
)

type Delivery struct {
    ID           string   `json:"id"`
    CompanyID    string   `json:"companyId"`
    RouteID      string   `json:"routeId,omitempty"`
    TruckID      string   `json:"truckId,omitempty"`
    PickupLabel  string   `json:"pickupLabel,omitempty"`
    Pickup       GeoPoint `json:"pickup"`
    DropLabel    string   `json:"dropLabel,omitempty"`
    Drop         GeoPoint `json:"drop"`
    WeightKg     float64  `json:"weightKg"`
    VolumeM3     float64  `json:"volumeM3"`
    Status       string   `json:"status"`
}

type DeliveryInput struct {
    PickupLabel string   `json:"pickupLabel,omitempty"`
    Pickup      GeoPoint `json:"pickup"`
    DropLabel   string   `json:"dropLabel,omitempty"`
    Drop        GeoPoint `json:"drop"`
    WeightKg    float64  `json:"weightKg"`
    VolumeM3    float64  `json:"volumeM3"`
}

// Route statuses.
const (
    RouteAllocated = "ALLOCATED"
    RouteActive    = "ACTIVE"
    RouteCompleted = "COMPLETED"
)

type Stop struct {
    Seq        int      `json:"seq"`
    Kind       string   `json:"kind"` // hub, rendezvous, pickup, drop
    DeliveryID string   `json:"deliveryId,omitempty"`
    Label      string   `json:"label,omitempty"`
    Location   GeoPoint `json:"location"`
}

type Route struct {
    ID         string  `json:"id"`
    CompanyID  string  `json:"companyId"`
    TruckID    string  `json:"truckId"`
    Status     string  `json:"status"`
    Stops      []Stop  `json:"stops"`
    DistanceKm float64 `json:"distanceKm"`
    CreatedAt  string  `json:"createdAt,omitempty"`
}

type AllocateRequest struct {
    CompanyID string   `json:"companyId,omitempty"`
    HubID     string   `json:"hubId,omitempty"`
    TruckIDs  []string `json:"truckIds,omitempty"`
    Algorithm string   `json:"algorithm,omitempty"` // sector (default) or anneal
}

type AllocateResponse struct {
    Routes      []Route `json:"routes"`
    TotalKm     float64 `json:"totalKm"`
    Unallocated int     `json:"unallocated"`
}

// Absorption opportunity statuses. PENDING is the only non-terminal state.
const (
    OpportunityPending  = "PENDING"
    OpportunityApproved = "APPROVED"
    OpportunityRejected = "REJECTED"
    OpportunityExpired  = "EXPIRED"
)

// OpportunityTransitions enumerates the legal status edges.
var OpportunityTransitions = map[string][]string{
    OpportunityPending:  {OpportunityApproved, OpportunityRejected, OpportunityExpired},
    OpportunityApproved: {},
    OpportunityRejected: {},
    OpportunityExpired:  {},
}

type AbsorptionOpportunity struct {
    ID                   string    `json:"id"`
    CompanyID            string    `json:"companyId"`
    DonorRouteID         string    `json:"donorRouteId"`
    DonorTruckID         string    `json:"donorTruckId"`
    RecipientRouteID     string    `json:"recipientRouteId"`
    RecipientTruckID     string    `json:"recipientTruckId"`
    Center               GeoPoint  `json:"center"`
    WindowStart          time.Time `json:"windowStart"`
    WindowEnd            time.Time `json:"windowEnd"`
    EligibleDeliveryIDs  []string  `json:"eligibleDeliveryIds"`
    DonorBeforeKm        float64   `json:"donorBeforeKm"`
    DonorAfterKm         float64   `json:"donorAfterKm"`
    RecipientBeforeKm    float64   `json:"recipientBeforeKm"`
    RecipientAfterKm     float64   `json:"recipientAfterKm"`
    DistanceSavedKm      float64   `json:"distanceSavedKm"`
    CarbonSavedKg        float64   `json:"carbonSavedKg"`
    SpaceRequiredWeight  float64   `json:"spaceRequiredWeightKg"`
    SpaceRequiredVolume  float64   `json:"spaceRequiredVolumeM3"`
    SpaceAvailableWeight float64   `json:"spaceAvailableWeightKg"`
    SpaceAvailableVolume float64   `json:"spaceAvailableVolumeM3"`
    Status               string    `json:"status"`
    DecidedBy            string    `json:"decidedBy,omitempty"`
    CreatedAt            time.Time `json:"createdAt"`
    ExpiresAt            time.Time `json:"expiresAt"`
}

type DecideRequest struct {
    Decision string `json:"decision"` // APPROVED or REJECTED
}

// Backhaul pickup statuses. The forward chain is strict; REJECTED is only
// reachable from PROPOSED.
const (
    BackhaulProposed  = "PROPOSED"
    BackhaulAccepted  = "ACCEPTED"
    BackhaulEnRoute   = "EN_ROUTE_TO_PICKUP"
    BackhaulPickedUp  = "PICKED_UP"
    BackhaulDelivered = "DELIVERED"
    BackhaulRejected  = "REJECTED"
)

var BackhaulTransitions = map[string][]string{
    BackhaulProposed:  {BackhaulAccepted, BackhaulRejected},
    BackhaulAccepted:  {BackhaulEnRoute},
    BackhaulEnRoute:   {BackhaulPickedUp},
    BackhaulPickedUp:  {BackhaulDelivered},
    BackhaulDelivered: {},
    BackhaulRejected:  {},
}

type BackhaulPickup struct {
    ID               string     `json:"id"`
    CompanyID        string     `json:"companyId"`
    TruckID          string     `json:"truckId"`
    DriverID         string     `json:"driverId"`
    LoadID           string     `json:"loadId"`
    ShipperID        string     `json:"shipperId,omitempty"`
    ShipperName      string     `json:"shipperName,omitempty"`
    ShipperPhone     string     `json:"shipperPhone,omitempty"`
    PickupLabel      string     `json:"pickupLabel,omitempty"`
    Pickup           GeoPoint   `json:"pickup"`
    DestinationHubID string     `json:"destinationHubId,omitempty"`
    PackageCount     int        `json:"packageCount"`
    TotalWeightKg    float64    `json:"totalWeightKg"`
    TotalVolumeM3    float64    `json:"totalVolumeM3"`
    DistanceKm       float64    `json:"distanceKm"`
    CarbonSavedKg    float64    `json:"carbonSavedKg"`
    Status           string     `json:"status"`
    ProposedAt       time.Time  `json:"proposedAt"`
    PickedUpAt       *time.Time `json:"pickedUpAt,omitempty"`
    DeliveredAt      *time.Time `json:"deliveredAt,omitempty"`
}

// Marketplace load statuses.
const (
    LoadPending   = "PENDING"
    LoadAssigned  = "ASSIGNED"
    LoadCancelled = "CANCELLED"
)

// MarketplaceLoad is a shipper-posted shipment available for backhaul.
type MarketplaceLoad struct {
    ID          string   `json:"id"`
    ShipperID   string   `json:"shipperId"`
    ShipperName string   `json:"shipperName,omitempty"`
    Phone       string   `json:"phone,omitempty"`
    PickupLabel string   `json:"pickupLabel,omitempty"`
    Pickup      GeoPoint `json:"pickup"`
    DropLabel   string   `json:"dropLabel,omitempty"`
    Drop        GeoPoint `json:"drop"`
    CargoType   string   `json:"cargoType,omitempty"`
    WeightKg    float64  `json:"weightKg"`
    VolumeM3    float64  `json:"volumeM3"`
    Packages    int      `json:"packages"`
    Status      string   `json:"status"`
}

type Transaction struct {
    ID          string    `json:"id"`
    DriverID    string    `json:"driverId"`
    Amount      float64   `json:"amount"`
    Type        string    `json:"type"` // BACKHAUL_BONUS
    Description string    `json:"description,omitempty"`
    CreatedAt   time.Time `json:"createdAt"`
}

type DriverEarnings struct {
    DriverID string         `json:"driverId"`
    Total    float64        `json:"total"`
    Weekly   float64        `json:"weekly"`
    Daily    []DailyEarning `json:"daily,omitempty"`
}

type DailyEarning struct {
    Date   string  `json:"date"`
    Amount float64 `json:"amount"`
}

type LocationReport struct {
    TruckID string   `json:"truckId"`
    Lat     *float64 `json:"lat"`
    Lng     *float64 `json:"lng"`
    SpeedKmh float64 `json:"speedKmh,omitempty"`
    Heading  float64 `json:"heading,omitempty"`
}

type LocationAck struct {
    TruckID             string `json:"truckId"`
    OpportunityDetected bool   `json:"opportunityDetected"`
    OpportunityID       string `json:"opportunityId,omitempty"`
}

type PositionLog struct {
    TruckID  string   `json:"truckId"`
    Lat      float64  `json:"lat"`
    Lng      float64  `json:"lng"`
    SpeedKmh float64  `json:"speedKmh,omitempty"`
    Heading  float64  `json:"heading,omitempty"`
    TS       time.Time `json:"ts"`
}

// Virtual hubs are operator-managed rendezvous areas.
type VirtualHubInput struct {
    Name     string    `json:"name,omitempty"`
    Center   *GeoPoint `json:"center,omitempty"`
    RadiusKm float64   `json:"radiusKm,omitempty"`
}

type VirtualHub struct {
    ID        string    `json:"id"`
    CompanyID string    `json:"companyId"`
    Name      string    `json:"name,omitempty"`
    Center    *GeoPoint `json:"center,omitempty"`
    RadiusKm  float64   `json:"radiusKm,omitempty"`
}

type SubscriptionRequest struct {
    CompanyID string   `json:"companyId"`
    URL       string   `json:"url"`
    Events    []string `json:"events"`
    Secret    string   `json:"secret"`
}

type Subscription struct {
    ID        string   `json:"id"`
    CompanyID string   `json:"companyId"`
    URL       string   `json:"url"`
    Events    []string `json:"events"`
    Secret    string   `json:"secret,omitempty"`
}

// CanTransition reports whether the from/to edge is legal in the given table.
func CanTransition(table map[string][]string, from, to string) bool {
    for _, s := range table[from] {
        if s == to {
            return true
        }
    }
    return false
}

// PairKey returns the canonical unordered key for a route pair.
func PairKey(a, b string) string {
    if b < a {
        a, b = b, a
    }
    return a + "|" + b
}
