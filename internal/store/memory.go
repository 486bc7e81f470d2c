package store

import (
    "context"
    "sort"
    "sync"
    "time"

    "github.com/google/uuid"
    "synergy/internal/geo"
    "synergy/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
// One mutex guards everything, which also gives per-truck write ordering.
type Memory struct {
    mu        sync.Mutex
    trucks    map[string]model.Truck
    truckIDs  map[string][]string // company -> truck ids
    delivs    map[string]model.Delivery
    delivIDs  map[string][]string // company -> delivery ids
    routes    map[string]model.Route
    routeIDs  map[string][]string // company -> route ids
    opps      map[string]model.AbsorptionOpportunity
    oppIDs    map[string][]string // company -> opportunity ids
    pairIdx   map[string]string   // unordered route pair -> live PENDING opp id
    loads     map[string]model.MarketplaceLoad
    loadIDs   []string
    backhauls map[string]model.BackhaulPickup
    bhIDs     []string
    txns      map[string][]model.Transaction // driver -> transactions
    posLog    map[string][]model.PositionLog // truck -> log, newest last
    hubs      map[string]model.VirtualHub
    hubIDs    map[string][]string // company -> hub ids
    subs      map[string][]model.Subscription
    // Webhooks queue state
    deliveries         map[string]*memDelivery
    deliveriesByCompany map[string][]string
    dlq                []map[string]any
}

func NewMemory() *Memory {
    return &Memory{
        trucks: map[string]model.Truck{},
        truckIDs: map[string][]string{},
        delivs: map[string]model.Delivery{},
        delivIDs: map[string][]string{},
        routes: map[string]model.Route{},
        routeIDs: map[string][]string{},
        opps: map[string]model.AbsorptionOpportunity{},
        oppIDs: map[string][]string{},
        pairIdx: map[string]string{},
        loads: map[string]model.MarketplaceLoad{},
        backhauls: map[string]model.BackhaulPickup{},
        txns: map[string][]model.Transaction{},
        posLog: map[string][]model.PositionLog{},
        hubs: map[string]model.VirtualHub{},
        hubIDs: map[string][]string{},
        subs: map[string][]model.Subscription{},
        deliveries: map[string]*memDelivery{},
        deliveriesByCompany: map[string][]string{},
        dlq: []map[string]any{},
    }
}

// memDelivery augments WebhookDelivery with scheduling/metrics
type memDelivery struct {
    WebhookDelivery
    NextAttemptAt time.Time
    LastError     string
    ResponseCode  int
    LatencyMs     int
    DeliveredAt   *time.Time
}

// Trucks

func (m *Memory) CreateTruck(ctx context.Context, companyID string, in model.TruckInput) (model.Truck, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    t := model.Truck{
        ID: uuid.New().String(), CompanyID: companyID,
        LicensePlate: in.LicensePlate, DriverID: in.DriverID,
        CapWeightKg: in.CapWeightKg, CapVolumeM3: in.CapVolumeM3,
        SourceHubID: in.SourceHubID, Position: in.Position,
        LoadVersion: 1,
    }
    m.trucks[t.ID] = t
    m.truckIDs[companyID] = append(m.truckIDs[companyID], t.ID)
    return t, nil
}

func (m *Memory) GetTruck(ctx context.Context, companyID, truckID string) (model.Truck, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    t, ok := m.trucks[truckID]
    if !ok || t.CompanyID != companyID { return model.Truck{}, ErrNotFound }
    return t, nil
}

func (m *Memory) ListTrucks(ctx context.Context, companyID, cursor string, limit int) ([]model.Truck, string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    ids := m.truckIDs[companyID]
    start := cursorStart(ids, cursor)
    if limit <= 0 { limit = 100 }
    out := []model.Truck{}
    var next string
    for i := start; i < len(ids) && len(out) < limit; i++ {
        out = append(out, m.trucks[ids[i]])
        next = ids[i]
    }
    if len(out) < limit { next = "" }
    return out, next, nil
}

func (m *Memory) UpdateTruckPosition(ctx context.Context, companyID, truckID string, log model.PositionLog) (model.Truck, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    t, ok := m.trucks[truckID]
    if !ok || t.CompanyID != companyID { return model.Truck{}, ErrNotFound }
    t.Position = &model.GeoPoint{Lat: log.Lat, Lng: log.Lng}
    t.PositionAt = log.TS.UTC().Format(time.RFC3339)
    m.trucks[truckID] = t
    m.posLog[truckID] = append(m.posLog[truckID], log)
    return t, nil
}

func (m *Memory) ListPositionLog(ctx context.Context, companyID, truckID string, limit int) ([]model.PositionLog, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    t, ok := m.trucks[truckID]
    if !ok || t.CompanyID != companyID { return nil, ErrNotFound }
    logs := m.posLog[truckID]
    if limit <= 0 || limit > len(logs) { limit = len(logs) }
    // newest first
    out := make([]model.PositionLog, 0, limit)
    for i := len(logs) - 1; i >= 0 && len(out) < limit; i-- {
        out = append(out, logs[i])
    }
    return out, nil
}

func (m *Memory) AdjustTruckLoad(ctx context.Context, companyID, truckID string, dWeightKg, dVolumeM3 float64, expectVersion int) (model.Truck, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    return m.adjustLoadLocked(companyID, truckID, dWeightKg, dVolumeM3, expectVersion)
}

func (m *Memory) adjustLoadLocked(companyID, truckID string, dWeightKg, dVolumeM3 float64, expectVersion int) (model.Truck, error) {
    t, ok := m.trucks[truckID]
    if !ok || (companyID != "" && t.CompanyID != companyID) { return model.Truck{}, ErrNotFound }
    if expectVersion != 0 && t.LoadVersion != expectVersion { return model.Truck{}, ErrConflict }
    t.LoadWeightKg += dWeightKg
    t.LoadVolumeM3 += dVolumeM3
    if t.LoadWeightKg < 0 { t.LoadWeightKg = 0 }
    if t.LoadVolumeM3 < 0 { t.LoadVolumeM3 = 0 }
    t.LoadVersion++
    m.trucks[truckID] = t
    return t, nil
}

// Deliveries

func (m *Memory) CreateDeliveries(ctx context.Context, companyID string, in []model.DeliveryInput) ([]model.Delivery, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := make([]model.Delivery, 0, len(in))
    for _, d := range in {
        dl := model.Delivery{
            ID: uuid.New().String(), CompanyID: companyID,
            PickupLabel: d.PickupLabel, Pickup: d.Pickup,
            DropLabel: d.DropLabel, Drop: d.Drop,
            WeightKg: d.WeightKg, VolumeM3: d.VolumeM3,
            Status: model.DeliveryPending,
        }
        m.delivs[dl.ID] = dl
        m.delivIDs[companyID] = append(m.delivIDs[companyID], dl.ID)
        out = append(out, dl)
    }
    return out, nil
}

func (m *Memory) ListPendingDeliveries(ctx context.Context, companyID string) ([]model.Delivery, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := []model.Delivery{}
    for _, id := range m.delivIDs[companyID] {
        if d := m.delivs[id]; d.Status == model.DeliveryPending { out = append(out, d) }
    }
    return out, nil
}

func (m *Memory) ListRouteDeliveries(ctx context.Context, companyID, routeID string) ([]model.Delivery, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := []model.Delivery{}
    for _, id := range m.delivIDs[companyID] {
        if d := m.delivs[id]; d.RouteID == routeID && d.Status == model.DeliveryAssigned {
            out = append(out, d)
        }
    }
    return out, nil
}

// Routes

func (m *Memory) SaveAllocation(ctx context.Context, companyID string, routes []model.Route, assignments map[string][]string) ([]model.Route, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := make([]model.Route, 0, len(routes))
    for _, r := range routes {
        if r.ID == "" { r.ID = uuid.New().String() }
        r.CompanyID = companyID
        if r.Status == "" { r.Status = model.RouteAllocated }
        r.CreatedAt = time.Now().UTC().Format(time.RFC3339)
        m.routes[r.ID] = r
        m.routeIDs[companyID] = append(m.routeIDs[companyID], r.ID)
        var w, v float64
        for _, did := range assignments[r.ID] {
            d, ok := m.delivs[did]
            if !ok || d.CompanyID != companyID { continue }
            d.RouteID = r.ID
            d.TruckID = r.TruckID
            d.Status = model.DeliveryAssigned
            m.delivs[did] = d
            w += d.WeightKg
            v += d.VolumeM3
        }
        if t, ok := m.trucks[r.TruckID]; ok {
            t.RouteID = r.ID
            t.LoadWeightKg += w
            t.LoadVolumeM3 += v
            t.LoadVersion++
            m.trucks[r.TruckID] = t
        }
        out = append(out, r)
    }
    return out, nil
}

func (m *Memory) GetRoute(ctx context.Context, companyID, routeID string) (model.Route, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    r, ok := m.routes[routeID]
    if !ok || r.CompanyID != companyID { return model.Route{}, ErrNotFound }
    return r, nil
}

func (m *Memory) ListRoutes(ctx context.Context, companyID, status, cursor string, limit int) ([]model.Route, string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    ids := m.routeIDs[companyID]
    start := cursorStart(ids, cursor)
    if limit <= 0 { limit = 100 }
    out := []model.Route{}
    var next string
    for i := start; i < len(ids) && len(out) < limit; i++ {
        r := m.routes[ids[i]]
        if status == "" || r.Status == status { out = append(out, r) }
        next = ids[i]
    }
    if len(out) < limit { next = "" }
    return out, next, nil
}

func (m *Memory) ListActiveRoutes(ctx context.Context, companyID string) ([]model.Route, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := []model.Route{}
    for _, id := range m.routeIDs[companyID] {
        r := m.routes[id]
        if r.Status == model.RouteAllocated || r.Status == model.RouteActive {
            out = append(out, r)
        }
    }
    return out, nil
}

// Absorption opportunities

func (m *Memory) CreateOpportunityIfAbsent(ctx context.Context, opp model.AbsorptionOpportunity) (model.AbsorptionOpportunity, bool, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    key := model.PairKey(opp.DonorRouteID, opp.RecipientRouteID)
    if liveID, ok := m.pairIdx[key]; ok {
        live := m.opps[liveID]
        if live.Status == model.OpportunityPending && time.Now().Before(live.ExpiresAt) {
            return live, false, nil
        }
        // stale entry, fall through and replace
        delete(m.pairIdx, key)
    }
    if opp.ID == "" { opp.ID = uuid.New().String() }
    opp.Status = model.OpportunityPending
    m.opps[opp.ID] = opp
    m.oppIDs[opp.CompanyID] = append(m.oppIDs[opp.CompanyID], opp.ID)
    m.pairIdx[key] = opp.ID
    return opp, true, nil
}

func (m *Memory) GetOpportunity(ctx context.Context, companyID, id string) (model.AbsorptionOpportunity, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    o, ok := m.opps[id]
    if !ok || o.CompanyID != companyID { return model.AbsorptionOpportunity{}, ErrNotFound }
    return o, nil
}

func (m *Memory) ListOpportunities(ctx context.Context, companyID, status, cursor string, limit int) ([]model.AbsorptionOpportunity, string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    ids := m.oppIDs[companyID]
    start := cursorStart(ids, cursor)
    if limit <= 0 { limit = 100 }
    out := []model.AbsorptionOpportunity{}
    var next string
    for i := start; i < len(ids) && len(out) < limit; i++ {
        o := m.opps[ids[i]]
        if status == "" || o.Status == status { out = append(out, o) }
        next = ids[i]
    }
    if len(out) < limit { next = "" }
    return out, next, nil
}

func (m *Memory) ApproveOpportunity(ctx context.Context, companyID, id, actor string) (model.AbsorptionOpportunity, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    o, ok := m.opps[id]
    if !ok || o.CompanyID != companyID { return model.AbsorptionOpportunity{}, ErrNotFound }
    if o.Status != model.OpportunityPending { return model.AbsorptionOpportunity{}, ErrInvalidTransition }
    donor, okD := m.trucks[o.DonorTruckID]
    recip, okR := m.trucks[o.RecipientTruckID]
    if !okD || !okR { return model.AbsorptionOpportunity{}, ErrNotFound }
    var w, v float64
    moved := []string{}
    for _, did := range o.EligibleDeliveryIDs {
        d, ok := m.delivs[did]
        if !ok || d.RouteID != o.DonorRouteID || d.Status != model.DeliveryAssigned { continue }
        w += d.WeightKg
        v += d.VolumeM3
        moved = append(moved, did)
    }
    if len(moved) == 0 { return model.AbsorptionOpportunity{}, ErrConflict }
    if recip.LoadWeightKg+w > recip.CapWeightKg || recip.LoadVolumeM3+v > recip.CapVolumeM3 {
        return model.AbsorptionOpportunity{}, ErrConflict
    }
    for _, did := range moved {
        d := m.delivs[did]
        d.RouteID = o.RecipientRouteID
        d.TruckID = o.RecipientTruckID
        d.Status = model.DeliveryTransferred
        m.delivs[did] = d
    }
    donor.LoadWeightKg -= w
    donor.LoadVolumeM3 -= v
    if donor.LoadWeightKg < 0 { donor.LoadWeightKg = 0 }
    if donor.LoadVolumeM3 < 0 { donor.LoadVolumeM3 = 0 }
    donor.LoadVersion++
    recip.LoadWeightKg += w
    recip.LoadVolumeM3 += v
    recip.LoadVersion++
    m.trucks[donor.ID] = donor
    m.trucks[recip.ID] = recip
    o.Status = model.OpportunityApproved
    o.DecidedBy = actor
    m.opps[id] = o
    delete(m.pairIdx, model.PairKey(o.DonorRouteID, o.RecipientRouteID))
    return o, nil
}

func (m *Memory) UpdateOpportunityStatus(ctx context.Context, companyID, id, from, to, actor string) (model.AbsorptionOpportunity, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    o, ok := m.opps[id]
    if !ok || o.CompanyID != companyID { return model.AbsorptionOpportunity{}, ErrNotFound }
    if o.Status != from || !model.CanTransition(model.OpportunityTransitions, from, to) {
        return model.AbsorptionOpportunity{}, ErrInvalidTransition
    }
    o.Status = to
    o.DecidedBy = actor
    m.opps[id] = o
    delete(m.pairIdx, model.PairKey(o.DonorRouteID, o.RecipientRouteID))
    return o, nil
}

func (m *Memory) ExpireOpportunities(ctx context.Context, now time.Time) (int, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    n := 0
    for id, o := range m.opps {
        if o.Status == model.OpportunityPending && !o.ExpiresAt.After(now) {
            o.Status = model.OpportunityExpired
            m.opps[id] = o
            delete(m.pairIdx, model.PairKey(o.DonorRouteID, o.RecipientRouteID))
            n++
        }
    }
    return n, nil
}

// Backhaul marketplace

func (m *Memory) CreateMarketplaceLoad(ctx context.Context, load model.MarketplaceLoad) (model.MarketplaceLoad, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    if load.ID == "" { load.ID = uuid.New().String() }
    if load.Status == "" { load.Status = model.LoadPending }
    m.loads[load.ID] = load
    m.loadIDs = append(m.loadIDs, load.ID)
    return load, nil
}

func (m *Memory) SearchMarketplaceLoads(ctx context.Context, center model.GeoPoint, radiusKm float64, limit int) ([]model.MarketplaceLoad, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    type cand struct {
        load model.MarketplaceLoad
        km   float64
    }
    cands := []cand{}
    for _, id := range m.loadIDs {
        l := m.loads[id]
        if l.Status != model.LoadPending { continue }
        if km := geo.DistanceKm(center, l.Pickup); km < radiusKm {
            cands = append(cands, cand{l, km})
        }
    }
    sort.SliceStable(cands, func(i, j int) bool { return cands[i].km < cands[j].km })
    if limit > 0 && len(cands) > limit { cands = cands[:limit] }
    out := make([]model.MarketplaceLoad, len(cands))
    for i, c := range cands { out[i] = c.load }
    return out, nil
}

func (m *Memory) MarkLoadAssigned(ctx context.Context, loadID string) error {
    m.mu.Lock(); defer m.mu.Unlock()
    l, ok := m.loads[loadID]
    if !ok { return ErrNotFound }
    l.Status = model.LoadAssigned
    m.loads[loadID] = l
    return nil
}

// Backhaul pickups

func (m *Memory) CreateBackhaul(ctx context.Context, b model.BackhaulPickup) (model.BackhaulPickup, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    if b.ID == "" { b.ID = uuid.New().String() }
    if b.Status == "" { b.Status = model.BackhaulProposed }
    m.backhauls[b.ID] = b
    m.bhIDs = append(m.bhIDs, b.ID)
    return b, nil
}

func (m *Memory) GetBackhaul(ctx context.Context, id string) (model.BackhaulPickup, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    b, ok := m.backhauls[id]
    if !ok { return model.BackhaulPickup{}, ErrNotFound }
    return b, nil
}

func (m *Memory) ListBackhauls(ctx context.Context, companyID, driverID, status, cursor string, limit int) ([]model.BackhaulPickup, string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    start := cursorStart(m.bhIDs, cursor)
    if limit <= 0 { limit = 100 }
    out := []model.BackhaulPickup{}
    var next string
    for i := start; i < len(m.bhIDs) && len(out) < limit; i++ {
        b := m.backhauls[m.bhIDs[i]]
        if companyID != "" && b.CompanyID != companyID { continue }
        if driverID != "" && b.DriverID != driverID { continue }
        if status != "" && b.Status != status { continue }
        out = append(out, b)
        next = b.ID
    }
    if len(out) < limit { next = "" }
    return out, next, nil
}

func (m *Memory) ListLiveBackhaulsForTruck(ctx context.Context, truckID string) ([]model.BackhaulPickup, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := []model.BackhaulPickup{}
    for _, id := range m.bhIDs {
        b := m.backhauls[id]
        if b.TruckID != truckID { continue }
        if b.Status == model.BackhaulRejected || b.Status == model.BackhaulDelivered { continue }
        out = append(out, b)
    }
    return out, nil
}

func (m *Memory) TransitionBackhaul(ctx context.Context, id, from, to string, at time.Time) (model.BackhaulPickup, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    b, ok := m.backhauls[id]
    if !ok { return model.BackhaulPickup{}, ErrNotFound }
    if b.Status != from || !model.CanTransition(model.BackhaulTransitions, from, to) {
        return model.BackhaulPickup{}, ErrInvalidTransition
    }
    b.Status = to
    switch to {
    case model.BackhaulPickedUp:
        b.PickedUpAt = &at
    case model.BackhaulDelivered:
        b.DeliveredAt = &at
    }
    m.backhauls[id] = b
    return b, nil
}

func (m *Memory) CompleteBackhaul(ctx context.Context, id string, bonus float64, at time.Time) (model.BackhaulPickup, model.Transaction, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    b, ok := m.backhauls[id]
    if !ok { return model.BackhaulPickup{}, model.Transaction{}, ErrNotFound }
    if b.Status != model.BackhaulPickedUp {
        return model.BackhaulPickup{}, model.Transaction{}, ErrInvalidTransition
    }
    b.Status = model.BackhaulDelivered
    b.DeliveredAt = &at
    m.backhauls[id] = b
    tx := model.Transaction{
        ID: uuid.New().String(), DriverID: b.DriverID, Amount: bonus,
        Type: "BACKHAUL_BONUS", Description: "Backhaul delivery " + b.ID, CreatedAt: at,
    }
    m.txns[b.DriverID] = append(m.txns[b.DriverID], tx)
    return b, tx, nil
}

// Driver earnings

func (m *Memory) GetDriverEarnings(ctx context.Context, driverID string, now time.Time) (model.DriverEarnings, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    e := model.DriverEarnings{DriverID: driverID}
    weekAgo := now.AddDate(0, 0, -7)
    byDay := map[string]float64{}
    for _, tx := range m.txns[driverID] {
        e.Total += tx.Amount
        if tx.CreatedAt.After(weekAgo) {
            e.Weekly += tx.Amount
            byDay[tx.CreatedAt.UTC().Format("2006-01-02")] += tx.Amount
        }
    }
    days := make([]string, 0, len(byDay))
    for d := range byDay { days = append(days, d) }
    sort.Strings(days)
    for _, d := range days {
        e.Daily = append(e.Daily, model.DailyEarning{Date: d, Amount: byDay[d]})
    }
    return e, nil
}

func (m *Memory) ListTransactions(ctx context.Context, driverID string, limit int) ([]model.Transaction, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    txs := m.txns[driverID]
    if limit <= 0 || limit > len(txs) { limit = len(txs) }
    out := make([]model.Transaction, 0, limit)
    for i := len(txs) - 1; i >= 0 && len(out) < limit; i-- {
        out = append(out, txs[i])
    }
    return out, nil
}

// Virtual hubs

func (m *Memory) CreateVirtualHub(ctx context.Context, companyID string, in model.VirtualHubInput) (model.VirtualHub, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    h := model.VirtualHub{ID: uuid.New().String(), CompanyID: companyID, Name: in.Name, Center: in.Center, RadiusKm: in.RadiusKm}
    m.hubs[h.ID] = h
    m.hubIDs[companyID] = append(m.hubIDs[companyID], h.ID)
    return h, nil
}

func (m *Memory) ListVirtualHubs(ctx context.Context, companyID, cursor string, limit int) ([]model.VirtualHub, string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    ids := m.hubIDs[companyID]
    start := cursorStart(ids, cursor)
    if limit <= 0 { limit = 100 }
    out := []model.VirtualHub{}
    var next string
    for i := start; i < len(ids) && len(out) < limit; i++ {
        out = append(out, m.hubs[ids[i]])
        next = ids[i]
    }
    if len(out) < limit { next = "" }
    return out, next, nil
}

func (m *Memory) GetVirtualHub(ctx context.Context, companyID, id string) (model.VirtualHub, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    h, ok := m.hubs[id]
    if !ok || h.CompanyID != companyID { return model.VirtualHub{}, ErrNotFound }
    return h, nil
}

func (m *Memory) PatchVirtualHub(ctx context.Context, companyID, id string, in model.VirtualHubInput) (model.VirtualHub, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    h, ok := m.hubs[id]
    if !ok || h.CompanyID != companyID { return model.VirtualHub{}, ErrNotFound }
    if in.Name != "" { h.Name = in.Name }
    if in.Center != nil { h.Center = in.Center }
    if in.RadiusKm != 0 { h.RadiusKm = in.RadiusKm }
    m.hubs[id] = h
    return h, nil
}

func (m *Memory) DeleteVirtualHub(ctx context.Context, companyID, id string) error {
    m.mu.Lock(); defer m.mu.Unlock()
    h, ok := m.hubs[id]
    if !ok || h.CompanyID != companyID { return ErrNotFound }
    delete(m.hubs, id)
    ids := m.hubIDs[companyID]
    out := make([]string, 0, len(ids))
    for _, v := range ids { if v != id { out = append(out, v) } }
    m.hubIDs[companyID] = out
    return nil
}

// Subscriptions

func (m *Memory) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    s := model.Subscription{ID: uuid.New().String(), CompanyID: req.CompanyID, URL: req.URL, Events: req.Events, Secret: req.Secret}
    m.subs[req.CompanyID] = append(m.subs[req.CompanyID], s)
    return s, nil
}

func (m *Memory) GetSubscriptionsForEvent(ctx context.Context, companyID, eventType string) ([]model.Subscription, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    var out []model.Subscription
    for _, s := range m.subs[companyID] {
        for _, e := range s.Events { if e == eventType || e == "*" { out = append(out, s); break } }
    }
    return out, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context, companyID, cursor string, limit int) ([]model.Subscription, string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    list := m.subs[companyID]
    start := 0
    if cursor != "" {
        for i := range list { if list[i].ID == cursor { start = i+1; break } }
    }
    if limit <= 0 { limit = 100 }
    end := start + limit
    if end > len(list) { end = len(list) }
    items := append([]model.Subscription(nil), list[start:end]...)
    next := ""
    if end < len(list) { next = list[end-1].ID }
    return items, next, nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, companyID, id string) error {
    m.mu.Lock(); defer m.mu.Unlock()
    arr := m.subs[companyID]
    out := make([]model.Subscription, 0, len(arr))
    for _, s := range arr { if s.ID != id { out = append(out, s) } }
    m.subs[companyID] = out
    return nil
}

// Webhook deliveries

func (m *Memory) EnqueueWebhook(ctx context.Context, companyID, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    id := uuid.New().String()
    d := &memDelivery{WebhookDelivery: WebhookDelivery{ID: id, CompanyID: companyID, SubscriptionID: subscriptionID, EventType: eventType, URL: url, Secret: secret, Payload: payload, Status: "pending", Attempts: 0}, NextAttemptAt: time.Now()}
    m.deliveries[id] = d
    m.deliveriesByCompany[companyID] = append(m.deliveriesByCompany[companyID], id)
    return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    now := time.Now()
    out := []WebhookDelivery{}
    for _, id := range m.iterDeliveryIDs() {
        d := m.deliveries[id]
        if d == nil { continue }
        if (d.Status == "pending" || d.Status == "retry") && !d.NextAttemptAt.After(now) {
            out = append(out, d.WebhookDelivery)
            if limit > 0 && len(out) >= limit { break }
        }
    }
    return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
    m.mu.Lock(); defer m.mu.Unlock()
    d := m.deliveries[id]
    if d == nil { return nil }
    d.Attempts++
    d.ResponseCode = responseCode
    d.LatencyMs = latencyMs
    if success {
        d.Status = "delivered"
        now := time.Now()
        d.DeliveredAt = &now
    } else {
        d.Status = "retry"
        d.LastError = lastError
        if nextAttemptAt != nil { d.NextAttemptAt = *nextAttemptAt } else { d.NextAttemptAt = time.Now().Add(1 * time.Minute) }
    }
    return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
    m.mu.Lock(); defer m.mu.Unlock()
    d := m.deliveries[id]
    if d != nil { d.Status = "failed" }
    m.dlq = append(m.dlq, map[string]any{"id": id, "lastError": lastError, "responseCode": responseCode, "latencyMs": latencyMs})
    return nil
}

func (m *Memory) ListWebhookDeliveries(ctx context.Context, companyID, status, cursor string, limit int) ([]map[string]any, string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := []map[string]any{}
    for _, id := range m.deliveriesByCompany[companyID] {
        d := m.deliveries[id]
        if d == nil { continue }
        if status == "" || d.Status == status {
            item := map[string]any{"id": d.ID, "eventType": d.EventType, "status": d.Status, "attempts": d.Attempts, "url": d.URL}
            if !d.NextAttemptAt.IsZero() { item["nextAttemptAt"] = d.NextAttemptAt }
            if d.LastError != "" { item["lastError"] = d.LastError }
            out = append(out, item)
        }
    }
    return out, "", nil
}

func (m *Memory) RetryWebhookDelivery(ctx context.Context, companyID, id string) error {
    m.mu.Lock(); defer m.mu.Unlock()
    d := m.deliveries[id]
    if d != nil && d.CompanyID == companyID {
        d.Status = "pending"
        d.NextAttemptAt = time.Now()
    }
    return nil
}

func (m *Memory) ListWebhookDLQ(ctx context.Context, companyID, eventType, cursor string, limit int) ([]map[string]any, string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := append([]map[string]any(nil), m.dlq...)
    if out == nil { out = []map[string]any{} }
    return out, "", nil
}

func (m *Memory) RequeueWebhookDLQ(ctx context.Context, companyID, id string) error {
    m.mu.Lock(); defer m.mu.Unlock()
    d := m.deliveries[id]
    if d != nil && d.CompanyID == companyID && d.Status == "failed" {
        d.Status = "pending"
        d.NextAttemptAt = time.Now()
    }
    return nil
}

// helpers

func cursorStart(ids []string, cursor string) int {
    if cursor == "" { return 0 }
    for i, id := range ids {
        if id == cursor { return i + 1 }
    }
    return 0
}

func (m *Memory) iterDeliveryIDs() []string {
    ids := []string{}
    for _, lst := range m.deliveriesByCompany {
        ids = append(ids, lst...)
    }
    return ids
}
