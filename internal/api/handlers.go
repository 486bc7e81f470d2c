package api

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "net/http"
    "strings"
    "time"

    "synergy/internal/backhaul"
    "synergy/internal/integrations/csvsftp"
    "synergy/internal/metrics"
    "synergy/internal/model"
    "synergy/internal/opt"
    "synergy/internal/store"
    syn "synergy/internal/synergy"

    "github.com/google/uuid"
)

// writeStoreErr maps store sentinels to problem responses.
func writeStoreErr(w http.ResponseWriter, r *http.Request, title string, err error) {
    switch {
    case errors.Is(err, store.ErrNotFound):
        writeProblem(w, http.StatusNotFound, "Not Found", err.Error(), r.URL.Path)
    case errors.Is(err, store.ErrConflict):
        writeProblem(w, http.StatusConflict, "Conflict", err.Error(), r.URL.Path)
    case errors.Is(err, store.ErrInvalidTransition):
        writeProblem(w, http.StatusConflict, "Invalid transition", err.Error(), r.URL.Path)
    default:
        writeProblem(w, http.StatusInternalServerError, title, err.Error(), r.URL.Path)
    }
}

// TrucksHandler handles POST/GET /v1/trucks
func (s *Server) TrucksHandler(w http.ResponseWriter, r *http.Request) {
    switch r.Method {
    case http.MethodPost:
        pr := s.getPrincipal(r)
        if !pr.CanDispatch() { writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path); return }
        var in model.TruckInput
        if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        if err := validateTruckInput(&in); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid truck", err.Error(), r.URL.Path)
            return
        }
        t, err := s.Store.CreateTruck(r.Context(), pr.Company, in)
        if err != nil { writeStoreErr(w, r, "Create truck failed", err); return }
        writeJSON(w, http.StatusCreated, t)
    case http.MethodGet:
        _, company := s.withCompany(r)
        cursor := r.URL.Query().Get("cursor")
        limit := 100
        if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
        items, next, err := s.Store.ListTrucks(r.Context(), company, cursor, limit)
        if err != nil { writeStoreErr(w, r, "List trucks failed", err); return }
        writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

// TruckByIDHandler handles GET /v1/trucks/{id} and GET /v1/trucks/{id}/positions
func (s *Server) TruckByIDHandler(w http.ResponseWriter, r *http.Request) {
    rest := strings.TrimPrefix(r.URL.Path, "/v1/trucks/")
    if rest == r.URL.Path || rest == "" {
        writeProblem(w, http.StatusNotFound, "Not Found", "missing id", r.URL.Path)
        return
    }
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    parts := strings.Split(rest, "/")
    id := parts[0]
    _, company := s.withCompany(r)
    if len(parts) > 1 && parts[1] == "positions" {
        limit := 100
        if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
        items, err := s.Store.ListPositionLog(r.Context(), company, id, limit)
        if err != nil { writeStoreErr(w, r, "List positions failed", err); return }
        writeJSON(w, http.StatusOK, map[string]any{"items": items})
        return
    }
    t, err := s.Store.GetTruck(r.Context(), company, id)
    if err != nil { writeStoreErr(w, r, "Get truck failed", err); return }
    writeJSON(w, http.StatusOK, t)
}

// LocationHandler handles POST /v1/trucks/location. Each accepted report
// updates the truck position and runs the proximity scanner; the ack tells
// the device whether a consolidation opportunity came out of it.
func (s *Server) LocationHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost {
        w.WriteHeader(http.StatusMethodNotAllowed)
        return
    }
    var req model.LocationReport
    if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
        writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
        return
    }
    if err := validateLocationReport(&req); err != nil {
        writeProblem(w, http.StatusBadRequest, "Invalid location report", err.Error(), r.URL.Path)
        return
    }
    _, company := s.withCompany(r)
    if !s.limits.allow(company + "|" + req.TruckID) {
        writeProblem(w, http.StatusTooManyRequests, "Rate limited", "too many reports for truck "+req.TruckID, r.URL.Path)
        return
    }
    now := time.Now().UTC()
    lg := model.PositionLog{TruckID: req.TruckID, Lat: *req.Lat, Lng: *req.Lng, SpeedKmh: req.SpeedKmh, Heading: req.Heading, TS: now}
    truck, err := s.Store.UpdateTruckPosition(r.Context(), company, req.TruckID, lg)
    if err != nil { writeStoreErr(w, r, "Update position failed", err); return }
    s.locations.Upsert(company, truck.ID, truck.DriverID, lg.Lat, lg.Lng, now.Format(time.RFC3339))

    opp, created, err := s.Synergy.HandleLocation(r.Context(), company, req.TruckID)
    if err != nil {
        metrics.ProximityScans.WithLabelValues("error").Inc()
        writeStoreErr(w, r, "Proximity scan failed", err)
        return
    }
    ack := model.LocationAck{TruckID: req.TruckID}
    if created {
        metrics.ProximityScans.WithLabelValues("opportunity").Inc()
        ack.OpportunityDetected = true
        ack.OpportunityID = opp.ID
        s.Broker.Publish(company, SSEEvent{Type: "absorption.pending", Data: map[string]any{
            "opportunityId":   opp.ID,
            "donorTruckId":    opp.DonorTruckID,
            "recipientTruckId": opp.RecipientTruckID,
            "distanceSavedKm": opp.DistanceSavedKm,
        }})
    } else {
        metrics.ProximityScans.WithLabelValues("none").Inc()
    }
    writeJSON(w, http.StatusOK, ack)
}

// LocationsByTruckHandler handles GET /v1/locations?truckId= (live cache)
func (s *Server) LocationsHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    _, company := s.withCompany(r)
    writeJSON(w, http.StatusOK, map[string]any{"items": s.locations.ListByCompany(company)})
}

// DeliveriesHandler handles POST/GET /v1/deliveries
func (s *Server) DeliveriesHandler(w http.ResponseWriter, r *http.Request) {
    switch r.Method {
    case http.MethodPost:
        var req struct {
            CompanyID  string                `json:"companyId"`
            Deliveries []model.DeliveryInput `json:"deliveries"`
        }
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        if req.CompanyID == "" { _, req.CompanyID = s.withCompany(r) }
        for i := range req.Deliveries {
            if err := validateDeliveryInput(&req.Deliveries[i]); err != nil {
                writeProblem(w, http.StatusBadRequest, "Invalid delivery", fmt.Sprintf("deliveries[%d]: %v", i, err), r.URL.Path)
                return
            }
        }
        items, err := s.Store.CreateDeliveries(r.Context(), req.CompanyID, req.Deliveries)
        if err != nil { writeStoreErr(w, r, "Create deliveries failed", err); return }
        writeJSON(w, http.StatusCreated, map[string]any{"items": items, "created": len(items)})
    case http.MethodGet:
        _, company := s.withCompany(r)
        items, err := s.Store.ListPendingDeliveries(r.Context(), company)
        if err != nil { writeStoreErr(w, r, "List deliveries failed", err); return }
        writeJSON(w, http.StatusOK, map[string]any{"items": items})
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

// AllocateHandler handles POST /v1/routes/allocate
func (s *Server) AllocateHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost {
        w.WriteHeader(http.StatusMethodNotAllowed)
        return
    }
    pr := s.getPrincipal(r)
    if !pr.CanDispatch() { writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path); return }
    var req model.AllocateRequest
    if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
        writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
        return
    }
    if err := validateAllocateRequest(&req); err != nil {
        writeProblem(w, http.StatusBadRequest, "Invalid allocate request", err.Error(), r.URL.Path)
        return
    }
    if req.CompanyID == "" { _, req.CompanyID = s.withCompany(r) }
    company := req.CompanyID

    hub, err := s.Store.GetVirtualHub(r.Context(), company, req.HubID)
    if err != nil { writeStoreErr(w, r, "Get hub failed", err); return }
    if hub.Center == nil {
        writeProblem(w, http.StatusUnprocessableEntity, "Hub has no center", "hub "+hub.ID+" carries no coordinates", r.URL.Path)
        return
    }
    center := *hub.Center

    trucks, err := s.allocatableTrucks(r.Context(), company, req.TruckIDs)
    if err != nil { writeStoreErr(w, r, "Resolve trucks failed", err); return }
    if len(trucks) == 0 {
        writeProblem(w, http.StatusUnprocessableEntity, "No trucks available", "all trucks are already on routes", r.URL.Path)
        return
    }

    pending, err := s.Store.ListPendingDeliveries(r.Context(), company)
    if err != nil { writeStoreErr(w, r, "List deliveries failed", err); return }
    if len(pending) == 0 {
        writeJSON(w, http.StatusOK, model.AllocateResponse{Routes: []model.Route{}})
        return
    }

    pts := make([]opt.DeliveryPoint, 0, len(pending))
    for _, d := range pending {
        pts = append(pts, opt.DeliveryPoint{DeliveryID: d.ID, Label: d.DropLabel, Point: d.Drop, WeightKg: d.WeightKg, VolumeM3: d.VolumeM3})
    }

    ctor := s.constructor(req.Algorithm)
    started := time.Now()
    tours := ctor.BuildTours(center, pts, len(trucks))
    elapsed := time.Since(started)

    routes := make([]model.Route, 0, len(tours))
    assignments := map[string][]string{}
    var total float64
    assigned := 0
    for i, tour := range tours {
        if i >= len(trucks) { break }
        rt := model.Route{ID: uuid.New().String(), CompanyID: company, TruckID: trucks[i].ID, Status: model.RouteActive}
        seq := 0
        add := func(kind, deliveryID, label string, loc model.GeoPoint) {
            rt.Stops = append(rt.Stops, model.Stop{Seq: seq, Kind: kind, DeliveryID: deliveryID, Label: label, Location: loc})
            seq++
        }
        add("hub", "", hub.Name, center)
        add("rendezvous", "", "", tour.Entry)
        for _, p := range tour.Points {
            add("drop", p.DeliveryID, p.Label, p.Point)
            assignments[rt.ID] = append(assignments[rt.ID], p.DeliveryID)
            assigned++
        }
        add("rendezvous", "", "", tour.Exit)
        add("hub", "", hub.Name, center)
        rt.DistanceKm = opt.TourLengthKm(center, tour)
        total += rt.DistanceKm
        routes = append(routes, rt)
    }

    saved, err := s.Store.SaveAllocation(r.Context(), company, routes, assignments)
    if err != nil { writeStoreErr(w, r, "Save allocation failed", err); return }

    algo := req.Algorithm
    if algo == "" { algo = "sector" }
    opt.RecordPlan(company, algo, opt.PlanMetrics{
        Algo:      algo,
        Points:    len(pts),
        Tours:     len(saved),
        TotalKm:   total,
        ElapsedMs: elapsed.Milliseconds(),
    })
    s.Pub.Emit(r.Context(), company, "routes.allocated", map[string]any{
        "hubId": hub.ID, "routes": len(saved), "deliveries": assigned, "totalKm": total,
    })
    s.Broker.Publish(company, SSEEvent{Type: "routes.allocated", Data: map[string]any{"hubId": hub.ID, "routes": len(saved), "totalKm": total}})
    writeJSON(w, http.StatusOK, model.AllocateResponse{Routes: saved, TotalKm: total, Unallocated: len(pts) - assigned})
}

// constructor picks the tour builder for a request.
func (s *Server) constructor(algo string) opt.Constructor {
    if algo == "anneal" {
        return opt.AnnealingConstructor{}
    }
    return opt.SectorConstructor{}
}

func (s *Server) allocatableTrucks(ctx context.Context, company string, ids []string) ([]model.Truck, error) {
    if len(ids) > 0 {
        out := make([]model.Truck, 0, len(ids))
        for _, id := range ids {
            t, err := s.Store.GetTruck(ctx, company, id)
            if err != nil { return nil, err }
            out = append(out, t)
        }
        return out, nil
    }
    all, _, err := s.Store.ListTrucks(ctx, company, "", 0)
    if err != nil { return nil, err }
    out := []model.Truck{}
    for _, t := range all {
        if t.RouteID == "" { out = append(out, t) }
    }
    return out, nil
}

// RoutesIndexHandler handles GET /v1/routes
func (s *Server) RoutesIndexHandler(w http.ResponseWriter, r *http.Request) {
    if r.URL.Path != "/v1/routes" { writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path); return }
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    _, company := s.withCompany(r)
    status := r.URL.Query().Get("status")
    cursor := r.URL.Query().Get("cursor")
    limit := 100
    if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
    items, next, err := s.Store.ListRoutes(r.Context(), company, status, cursor, limit)
    if err != nil { writeStoreErr(w, r, "List routes failed", err); return }
    writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
}

// RouteByIDHandler handles GET /v1/routes/{id} and GET /v1/routes/{id}/deliveries
func (s *Server) RouteByIDHandler(w http.ResponseWriter, r *http.Request) {
    rest := strings.TrimPrefix(r.URL.Path, "/v1/routes/")
    if rest == r.URL.Path || rest == "" {
        writeProblem(w, http.StatusNotFound, "Not Found", "missing id", r.URL.Path)
        return
    }
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    parts := strings.Split(rest, "/")
    id := parts[0]
    _, company := s.withCompany(r)
    if len(parts) > 1 && parts[1] == "deliveries" {
        items, err := s.Store.ListRouteDeliveries(r.Context(), company, id)
        if err != nil { writeStoreErr(w, r, "List route deliveries failed", err); return }
        writeJSON(w, http.StatusOK, map[string]any{"items": items})
        return
    }
    route, err := s.Store.GetRoute(r.Context(), company, id)
    if err != nil { writeStoreErr(w, r, "Get route failed", err); return }
    writeJSON(w, http.StatusOK, route)
}

// AbsorptionHandler handles GET /v1/absorption
func (s *Server) AbsorptionHandler(w http.ResponseWriter, r *http.Request) {
    if r.URL.Path != "/v1/absorption" { writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path); return }
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    _, company := s.withCompany(r)
    status := r.URL.Query().Get("status")
    cursor := r.URL.Query().Get("cursor")
    limit := 100
    if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
    items, next, err := s.Store.ListOpportunities(r.Context(), company, status, cursor, limit)
    if err != nil { writeStoreErr(w, r, "List opportunities failed", err); return }
    writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
}

// AbsorptionByIDHandler handles GET /v1/absorption/{id} and POST /v1/absorption/{id}/decide
func (s *Server) AbsorptionByIDHandler(w http.ResponseWriter, r *http.Request) {
    rest := strings.TrimPrefix(r.URL.Path, "/v1/absorption/")
    if rest == r.URL.Path || rest == "" {
        writeProblem(w, http.StatusNotFound, "Not Found", "missing id", r.URL.Path)
        return
    }
    parts := strings.Split(rest, "/")
    id := parts[0]
    _, company := s.withCompany(r)
    if len(parts) > 1 && parts[1] == "decide" {
        if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
        pr := s.getPrincipal(r)
        if !pr.CanDispatch() { writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path); return }
        var req model.DecideRequest
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        actor := pr.DriverID
        if actor == "" { actor = pr.Role }
        opp, err := s.Synergy.Decide(r.Context(), company, id, req.Decision, actor)
        if err != nil {
            if errors.Is(err, syn.ErrValidation) {
                writeProblem(w, http.StatusBadRequest, "Invalid decision", "decision must be APPROVED or REJECTED", r.URL.Path)
                return
            }
            writeStoreErr(w, r, "Decide failed", err)
            return
        }
        metrics.OpportunityDecisions.WithLabelValues(opp.Status).Inc()
        if opp.Status == model.OpportunityApproved {
            metrics.DistanceSaved.Add(opp.DistanceSavedKm)
        }
        s.Broker.Publish(company, SSEEvent{Type: "absorption." + strings.ToLower(opp.Status), Data: map[string]any{
            "opportunityId": opp.ID, "decidedBy": opp.DecidedBy, "distanceSavedKm": opp.DistanceSavedKm,
        }})
        writeJSON(w, http.StatusOK, opp)
        return
    }
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    opp, err := s.Store.GetOpportunity(r.Context(), company, id)
    if err != nil { writeStoreErr(w, r, "Get opportunity failed", err); return }
    writeJSON(w, http.StatusOK, opp)
}

// BackhaulCheckHandler handles POST /v1/backhaul/check
func (s *Server) BackhaulCheckHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost {
        w.WriteHeader(http.StatusMethodNotAllowed)
        return
    }
    var req struct {
        TruckID string `json:"truckId"`
    }
    if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
        writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
        return
    }
    if req.TruckID == "" { writeProblem(w, 400, "Missing truckId", "", r.URL.Path); return }
    _, company := s.withCompany(r)
    items, err := s.Backhaul.Check(r.Context(), company, req.TruckID)
    if err != nil { writeStoreErr(w, r, "Backhaul check failed", err); return }
    if len(items) > 0 {
        s.Broker.Publish(company, SSEEvent{Type: "backhaul.proposed", Data: map[string]any{"truckId": req.TruckID, "count": len(items)}})
    }
    writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// BackhaulsHandler handles GET /v1/backhaul
func (s *Server) BackhaulsHandler(w http.ResponseWriter, r *http.Request) {
    if r.URL.Path != "/v1/backhaul" { writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path); return }
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    pr := s.getPrincipal(r)
    _, company := s.withCompany(r)
    driverID := r.URL.Query().Get("driverId")
    if pr.Role == "driver" { driverID = pr.DriverID }
    status := r.URL.Query().Get("status")
    items, err := s.Backhaul.List(r.Context(), company, driverID, status)
    if err != nil { writeStoreErr(w, r, "List backhauls failed", err); return }
    writeJSON(w, 200, map[string]any{"items": items})
}

// BackhaulByIDHandler handles GET /v1/backhaul/{id} and the driver actions
// POST /v1/backhaul/{id}/{accept|reject|start-pickup|confirm-pickup|complete}
func (s *Server) BackhaulByIDHandler(w http.ResponseWriter, r *http.Request) {
    rest := strings.TrimPrefix(r.URL.Path, "/v1/backhaul/")
    if rest == r.URL.Path || rest == "" {
        writeProblem(w, http.StatusNotFound, "Not Found", "missing id", r.URL.Path)
        return
    }
    parts := strings.Split(rest, "/")
    id := parts[0]
    if len(parts) == 1 {
        if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
        b, err := s.Store.GetBackhaul(r.Context(), id)
        if err != nil { writeStoreErr(w, r, "Get backhaul failed", err); return }
        writeJSON(w, http.StatusOK, b)
        return
    }
    if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
    action := parts[1]
    pr := s.getPrincipal(r)
    // drivers may only act on their own pickups; dispatchers and admins
    // act on behalf of the assigned driver. Anyone else is refused.
    driverID := ""
    switch {
    case pr.CanDispatch():
    case pr.Role == "driver" && pr.DriverID != "":
        driverID = pr.DriverID
    default:
        writeProblem(w, http.StatusForbidden, "Forbidden", "driver identity required", r.URL.Path)
        return
    }
    b, err := s.Backhaul.Transition(r.Context(), id, action, driverID)
    if err != nil {
        switch {
        case errors.Is(err, backhaul.ErrNotAuthorized):
            writeProblem(w, http.StatusForbidden, "Forbidden", "pickup belongs to another driver", r.URL.Path)
        case errors.Is(err, backhaul.ErrUnknownAction):
            writeProblem(w, http.StatusBadRequest, "Unknown action", err.Error(), r.URL.Path)
        default:
            writeStoreErr(w, r, "Backhaul action failed", err)
        }
        return
    }
    metrics.BackhaulTransitions.WithLabelValues(b.Status).Inc()
    s.Broker.Publish(b.CompanyID, SSEEvent{Type: "backhaul." + strings.ToLower(b.Status), Data: map[string]any{
        "backhaulId": b.ID, "truckId": b.TruckID, "driverId": b.DriverID, "status": b.Status,
    }})
    writeJSON(w, http.StatusOK, b)
}

// MarketplaceHandler handles POST/GET /v1/marketplace/loads
func (s *Server) MarketplaceHandler(w http.ResponseWriter, r *http.Request) {
    switch r.Method {
    case http.MethodPost:
        var in model.MarketplaceLoad
        if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        if err := validateMarketplaceLoad(&in); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid load", err.Error(), r.URL.Path)
            return
        }
        l, err := s.Store.CreateMarketplaceLoad(r.Context(), in)
        if err != nil { writeStoreErr(w, r, "Create load failed", err); return }
        writeJSON(w, http.StatusCreated, l)
    case http.MethodGet:
        q := r.URL.Query()
        var lat, lng, radius float64
        fmt.Sscanf(q.Get("lat"), "%f", &lat)
        fmt.Sscanf(q.Get("lng"), "%f", &lng)
        fmt.Sscanf(q.Get("radiusKm"), "%f", &radius)
        if radius <= 0 { radius = s.Cfg.ProximityRadiusKm }
        limit := 20
        if v := q.Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
        items, err := s.Store.SearchMarketplaceLoads(r.Context(), model.GeoPoint{Lat: lat, Lng: lng}, radius, limit)
        if err != nil { writeStoreErr(w, r, "Search loads failed", err); return }
        writeJSON(w, http.StatusOK, map[string]any{"items": items})
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

// MarketplaceImportHandler handles POST /v1/marketplace/import (CSV body).
// A malformed file imports nothing.
func (s *Server) MarketplaceImportHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost {
        w.WriteHeader(http.StatusMethodNotAllowed)
        return
    }
    pr := s.getPrincipal(r)
    if !pr.CanDispatch() { writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path); return }
    loads, err := csvsftp.ParseLoads(r.Body)
    if err != nil {
        writeProblem(w, http.StatusBadRequest, "Invalid load feed", err.Error(), r.URL.Path)
        return
    }
    created := 0
    for _, l := range loads {
        if err := validateMarketplaceLoad(&l); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid load", err.Error(), r.URL.Path)
            return
        }
        if _, err := s.Store.CreateMarketplaceLoad(r.Context(), l); err != nil {
            writeStoreErr(w, r, "Create load failed", err)
            return
        }
        created++
    }
    writeJSON(w, http.StatusCreated, map[string]int{"created": created})
}

// DriversHandler handles GET /v1/drivers/{id}/earnings and /v1/drivers/{id}/transactions
func (s *Server) DriversHandler(w http.ResponseWriter, r *http.Request) {
    rest := strings.TrimPrefix(r.URL.Path, "/v1/drivers/")
    parts := strings.Split(rest, "/")
    if len(parts) < 2 { writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path); return }
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    driverID := parts[0]
    pr := s.getPrincipal(r)
    if pr.Role == "driver" && pr.DriverID != driverID {
        writeProblem(w, http.StatusForbidden, "Forbidden", "not your earnings", r.URL.Path)
        return
    }
    switch parts[1] {
    case "earnings":
        e, err := s.Store.GetDriverEarnings(r.Context(), driverID, time.Now().UTC())
        if err != nil { writeStoreErr(w, r, "Get earnings failed", err); return }
        writeJSON(w, http.StatusOK, e)
    case "transactions":
        limit := 50
        if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
        items, err := s.Store.ListTransactions(r.Context(), driverID, limit)
        if err != nil { writeStoreErr(w, r, "List transactions failed", err); return }
        writeJSON(w, http.StatusOK, map[string]any{"items": items})
    default:
        writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
    }
}

// HubsHandler handles POST/GET /v1/hubs
func (s *Server) HubsHandler(w http.ResponseWriter, r *http.Request) {
    _, company := s.withCompany(r)
    pr := s.getPrincipal(r)
    switch r.Method {
    case http.MethodGet:
        cursor := r.URL.Query().Get("cursor")
        limit := 100
        if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
        items, next, err := s.Store.ListVirtualHubs(r.Context(), company, cursor, limit)
        if err != nil { writeStoreErr(w, r, "List hubs failed", err); return }
        writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
    case http.MethodPost:
        if !pr.CanDispatch() { writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path); return }
        var in model.VirtualHubInput
        if err := json.NewDecoder(r.Body).Decode(&in); err != nil { writeProblem(w, 400, "Invalid JSON", err.Error(), r.URL.Path); return }
        if in.Center == nil { writeProblem(w, 400, "Missing center", "", r.URL.Path); return }
        h, err := s.Store.CreateVirtualHub(r.Context(), company, in)
        if err != nil { writeStoreErr(w, r, "Create hub failed", err); return }
        writeJSON(w, 201, h)
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

// HubByIDHandler handles GET/PATCH/DELETE /v1/hubs/{id}
func (s *Server) HubByIDHandler(w http.ResponseWriter, r *http.Request) {
    if !strings.HasPrefix(r.URL.Path, "/v1/hubs/") { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
    id := strings.TrimPrefix(r.URL.Path, "/v1/hubs/")
    _, company := s.withCompany(r)
    pr := s.getPrincipal(r)
    switch r.Method {
    case http.MethodGet:
        h, err := s.Store.GetVirtualHub(r.Context(), company, id)
        if err != nil { writeStoreErr(w, r, "Get hub failed", err); return }
        writeJSON(w, 200, h)
    case http.MethodPatch:
        if !pr.CanDispatch() { writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path); return }
        var in model.VirtualHubInput
        if err := json.NewDecoder(r.Body).Decode(&in); err != nil { writeProblem(w, 400, "Invalid JSON", err.Error(), r.URL.Path); return }
        h, err := s.Store.PatchVirtualHub(r.Context(), company, id, in)
        if err != nil { writeStoreErr(w, r, "Update hub failed", err); return }
        writeJSON(w, 200, h)
    case http.MethodDelete:
        if !pr.CanDispatch() { writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path); return }
        if err := s.Store.DeleteVirtualHub(r.Context(), company, id); err != nil { writeStoreErr(w, r, "Delete hub failed", err); return }
        w.WriteHeader(204)
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

// SubscriptionsHandler handles POST/GET /v1/subscriptions
func (s *Server) SubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
    switch r.Method {
    case http.MethodPost:
        p := s.getPrincipal(r)
        if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
        var req model.SubscriptionRequest
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        if req.CompanyID == "" { req.CompanyID = p.Company }
        sub, err := s.Store.CreateSubscription(r.Context(), req)
        if err != nil { writeStoreErr(w, r, "Create subscription failed", err); return }
        writeJSON(w, http.StatusCreated, sub)
    case http.MethodGet:
        p := s.getPrincipal(r)
        if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
        cursor := r.URL.Query().Get("cursor")
        limit := 100
        if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
        items, next, err := s.Store.ListSubscriptions(r.Context(), p.Company, cursor, limit)
        if err != nil { writeStoreErr(w, r, "List subscriptions failed", err); return }
        writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

// SubscriptionByIDHandler handles DELETE /v1/subscriptions/{id}
func (s *Server) SubscriptionByIDHandler(w http.ResponseWriter, r *http.Request) {
    if !strings.HasPrefix(r.URL.Path, "/v1/subscriptions/") { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
    if r.Method != http.MethodDelete { w.WriteHeader(405); return }
    p := s.getPrincipal(r)
    if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
    id := strings.TrimPrefix(r.URL.Path, "/v1/subscriptions/")
    if err := s.Store.DeleteSubscription(r.Context(), p.Company, id); err != nil { writeStoreErr(w, r, "Delete subscription failed", err); return }
    w.WriteHeader(204)
}

// EventsStreamHandler handles GET /v1/events/stream (SSE, per company)
func (s *Server) EventsStreamHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    _, company := s.withCompany(r)
    flusher, ok := w.(http.Flusher)
    if !ok { writeProblem(w, 500, "Streaming unsupported", "", r.URL.Path); return }
    w.Header().Set("Content-Type", "text/event-stream")
    w.Header().Set("Cache-Control", "no-cache")
    w.Header().Set("Connection", "keep-alive")
    ch := s.Broker.Subscribe(company)
    defer s.Broker.Unsubscribe(company, ch)
    // initial heartbeat
    fmt.Fprintf(w, "event: heartbeat\n")
    fmt.Fprintf(w, "data: {\"companyId\":\"%s\",\"ts\":\"%s\"}\n\n", company, time.Now().Format(time.RFC3339))
    flusher.Flush()
    notify := r.Context().Done()
    for {
        select {
        case <-notify:
            return
        case evt := <-ch:
            b, _ := json.Marshal(evt.Data)
            fmt.Fprintf(w, "event: %s\n", evt.Type)
            fmt.Fprintf(w, "data: %s\n\n", string(b))
            flusher.Flush()
        case <-time.After(15 * time.Second):
            fmt.Fprintf(w, "event: heartbeat\n")
            fmt.Fprintf(w, "data: {\"companyId\":\"%s\",\"ts\":\"%s\"}\n\n", company, time.Now().Format(time.RFC3339))
            flusher.Flush()
        }
    }
}

// Health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
    writeJSON(w, 200, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
    // Check DB connectivity when using Postgres store
    type pinger interface{ Ping(ctx context.Context) error }
    if pg, ok := s.Store.(pinger); ok {
        ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
        defer cancel()
        if err := pg.Ping(ctx); err != nil { writeProblem(w, 503, "Not Ready", err.Error(), r.URL.Path); return }
    }
    writeJSON(w, 200, map[string]string{"status": "ready"})
}

// Admin: allocation plan metrics
func (s *Server) PlanMetricsHandler(w http.ResponseWriter, r *http.Request) {
    if r.URL.Path != "/v1/admin/plan-metrics" || r.Method != http.MethodGet { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
    p := s.getPrincipal(r)
    if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
    writeJSON(w, 200, map[string]any{"items": opt.GetPlans(p.Company)})
}

// Admin: webhook deliveries list and retry
func (s *Server) WebhookDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
    if r.URL.Path != "/v1/admin/webhook-deliveries" { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
    p := s.getPrincipal(r)
    if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
    if r.Method != http.MethodGet { w.WriteHeader(405); return }
    status := r.URL.Query().Get("status")
    cursor := r.URL.Query().Get("cursor")
    limit := 100
    if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
    items, next, err := s.Store.ListWebhookDeliveries(r.Context(), p.Company, status, cursor, limit)
    if err != nil { writeStoreErr(w, r, "List deliveries failed", err); return }
    writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
}

func (s *Server) WebhookDeliveryRetryHandler(w http.ResponseWriter, r *http.Request) {
    if !strings.HasPrefix(r.URL.Path, "/v1/admin/webhook-deliveries/") || !strings.HasSuffix(r.URL.Path, "/retry") { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
    if r.Method != http.MethodPost { w.WriteHeader(405); return }
    p := s.getPrincipal(r)
    if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
    id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/admin/webhook-deliveries/"), "/retry")
    if err := s.Store.RetryWebhookDelivery(r.Context(), p.Company, id); err != nil { writeStoreErr(w, r, "Retry delivery failed", err); return }
    writeJSON(w, 202, map[string]int{"accepted": 1})
}

// Admin: webhook DLQ list and requeue
func (s *Server) WebhookDLQHandler(w http.ResponseWriter, r *http.Request) {
    p := s.getPrincipal(r)
    if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
    if r.URL.Path == "/v1/admin/webhook-dlq" && r.Method == http.MethodGet {
        cursor := r.URL.Query().Get("cursor")
        limit := 100
        if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
        eventType := r.URL.Query().Get("eventType")
        items, next, err := s.Store.ListWebhookDLQ(r.Context(), p.Company, eventType, cursor, limit)
        if err != nil { writeStoreErr(w, r, "List DLQ failed", err); return }
        writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
        return
    }
    if strings.HasPrefix(r.URL.Path, "/v1/admin/webhook-dlq/") && strings.HasSuffix(r.URL.Path, "/requeue") && r.Method == http.MethodPost {
        id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/admin/webhook-dlq/"), "/requeue")
        if err := s.Store.RequeueWebhookDLQ(r.Context(), p.Company, id); err != nil { writeStoreErr(w, r, "Requeue failed", err); return }
        writeJSON(w, 202, map[string]int{"accepted": 1})
        return
    }
    writeProblem(w, 404, "Not Found", "", r.URL.Path)
}
