package store

import (
    "context"
    "database/sql"
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "sort"
    "strings"
    "time"

    _ "github.com/jackc/pgx/v5/stdlib"
    "github.com/google/uuid"
    "encoding/json"
    "crypto/sha256"
    "encoding/hex"

    "synergy/internal/model"
)

type Postgres struct {
    db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
    db, err := sql.Open("pgx", dsn)
    if err != nil {
        return nil, err
    }
    if err := db.Ping(); err != nil {
        return nil, err
    }
    return &Postgres{db: db}, nil
}

// Trucks

func (p *Postgres) CreateTruck(ctx context.Context, companyID string, in model.TruckInput) (model.Truck, error) {
    id := uuid.New().String()
    var lat, lng any
    if in.Position != nil {
        lat, lng = in.Position.Lat, in.Position.Lng
    }
    _, err := p.db.ExecContext(ctx, `INSERT INTO trucks (id, company_id, license_plate, driver_id, lat, lng, cap_weight_kg, cap_volume_m3, load_weight_kg, load_volume_m3, load_version, source_hub_id)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,0,0,1,$9)`,
        id, companyID, nullIfEmpty(in.LicensePlate), nullIfEmpty(in.DriverID), lat, lng, in.CapWeightKg, in.CapVolumeM3, nullIfEmpty(in.SourceHubID))
    if err != nil { return model.Truck{}, err }
    return p.GetTruck(ctx, companyID, id)
}

const truckCols = `id::text, COALESCE(license_plate,''), COALESCE(driver_id,''), lat, lng, position_at, cap_weight_kg, cap_volume_m3, load_weight_kg, load_volume_m3, load_version, COALESCE(route_id::text,''), COALESCE(source_hub_id::text,'')`

type rowScanner interface{ Scan(dest ...any) error }

func scanTruck(row rowScanner) (model.Truck, error) {
    var t model.Truck
    var lat, lng sql.NullFloat64
    var posAt sql.NullTime
    if err := row.Scan(&t.ID, &t.LicensePlate, &t.DriverID, &lat, &lng, &posAt, &t.CapWeightKg, &t.CapVolumeM3, &t.LoadWeightKg, &t.LoadVolumeM3, &t.LoadVersion, &t.RouteID, &t.SourceHubID); err != nil {
        return model.Truck{}, err
    }
    if lat.Valid && lng.Valid {
        t.Position = &model.GeoPoint{Lat: lat.Float64, Lng: lng.Float64}
    }
    if posAt.Valid { t.PositionAt = posAt.Time.UTC().Format(time.RFC3339) }
    return t, nil
}

func (p *Postgres) GetTruck(ctx context.Context, companyID, truckID string) (model.Truck, error) {
    row := p.db.QueryRowContext(ctx, `SELECT `+truckCols+` FROM trucks WHERE company_id=$1 AND id=$2`, companyID, truckID)
    t, err := scanTruck(row)
    if err != nil {
        if errors.Is(err, sql.ErrNoRows) { return model.Truck{}, ErrNotFound }
        return model.Truck{}, err
    }
    t.CompanyID = companyID
    return t, nil
}

func (p *Postgres) ListTrucks(ctx context.Context, companyID, cursor string, limit int) ([]model.Truck, string, error) {
    if limit <= 0 || limit > 500 { limit = 100 }
    var rows *sql.Rows
    var err error
    if cursor != "" {
        rows, err = p.db.QueryContext(ctx, `SELECT `+truckCols+` FROM trucks WHERE company_id=$1 AND id::text > $2 ORDER BY id LIMIT $3`, companyID, cursor, limit)
    } else {
        rows, err = p.db.QueryContext(ctx, `SELECT `+truckCols+` FROM trucks WHERE company_id=$1 ORDER BY id LIMIT $2`, companyID, limit)
    }
    if err != nil { return nil, "", err }
    defer rows.Close()
    out := []model.Truck{}
    var last string
    for rows.Next() {
        t, err := scanTruck(rows)
        if err != nil { return nil, "", err }
        t.CompanyID = companyID
        out = append(out, t)
        last = t.ID
    }
    next := ""
    if len(out) == limit { next = last }
    return out, next, nil
}

func (p *Postgres) UpdateTruckPosition(ctx context.Context, companyID, truckID string, log model.PositionLog) (model.Truck, error) {
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return model.Truck{}, err }
    defer func(){ _ = tx.Rollback() }()
    res, err := tx.ExecContext(ctx, `UPDATE trucks SET lat=$3, lng=$4, position_at=$5 WHERE company_id=$1 AND id=$2`, companyID, truckID, log.Lat, log.Lng, log.TS)
    if err != nil { return model.Truck{}, err }
    if n, _ := res.RowsAffected(); n == 0 { return model.Truck{}, ErrNotFound }
    _, err = tx.ExecContext(ctx, `INSERT INTO position_logs (id, company_id, truck_id, lat, lng, speed_kmh, heading, ts) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
        uuid.New().String(), companyID, truckID, log.Lat, log.Lng, log.SpeedKmh, log.Heading, log.TS)
    if err != nil { return model.Truck{}, err }
    if err := tx.Commit(); err != nil { return model.Truck{}, err }
    return p.GetTruck(ctx, companyID, truckID)
}

func (p *Postgres) ListPositionLog(ctx context.Context, companyID, truckID string, limit int) ([]model.PositionLog, error) {
    if limit <= 0 || limit > 1000 { limit = 100 }
    rows, err := p.db.QueryContext(ctx, `SELECT lat, lng, speed_kmh, heading, ts FROM position_logs WHERE company_id=$1 AND truck_id=$2 ORDER BY ts DESC LIMIT $3`, companyID, truckID, limit)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.PositionLog{}
    for rows.Next() {
        l := model.PositionLog{TruckID: truckID}
        if err := rows.Scan(&l.Lat, &l.Lng, &l.SpeedKmh, &l.Heading, &l.TS); err != nil { return nil, err }
        out = append(out, l)
    }
    return out, nil
}

func (p *Postgres) AdjustTruckLoad(ctx context.Context, companyID, truckID string, dWeightKg, dVolumeM3 float64, expectVersion int) (model.Truck, error) {
    // expectVersion 0 applies the delta unconditionally, same as Memory.
    res, err := p.db.ExecContext(ctx, `UPDATE trucks SET load_weight_kg=GREATEST(load_weight_kg+$4, 0), load_volume_m3=GREATEST(load_volume_m3+$5, 0), load_version=load_version+1
        WHERE company_id=$1 AND id=$2 AND ($3 = 0 OR load_version = $3)`, companyID, truckID, expectVersion, dWeightKg, dVolumeM3)
    if err != nil { return model.Truck{}, err }
    if n, _ := res.RowsAffected(); n == 0 {
        if _, gerr := p.GetTruck(ctx, companyID, truckID); gerr != nil { return model.Truck{}, gerr }
        return model.Truck{}, ErrConflict
    }
    return p.GetTruck(ctx, companyID, truckID)
}

// Deliveries

func (p *Postgres) CreateDeliveries(ctx context.Context, companyID string, in []model.DeliveryInput) ([]model.Delivery, error) {
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return nil, err }
    defer func(){ _ = tx.Rollback() }()
    out := make([]model.Delivery, 0, len(in))
    for _, d := range in {
        id := uuid.New().String()
        _, err = tx.ExecContext(ctx, `INSERT INTO deliveries (id, company_id, pickup_label, pickup_lat, pickup_lng, drop_label, drop_lat, drop_lng, weight_kg, volume_m3, status)
            VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
            id, companyID, nullIfEmpty(d.PickupLabel), d.Pickup.Lat, d.Pickup.Lng, nullIfEmpty(d.DropLabel), d.Drop.Lat, d.Drop.Lng, d.WeightKg, d.VolumeM3, model.DeliveryPending)
        if err != nil { return nil, err }
        out = append(out, model.Delivery{ID: id, CompanyID: companyID, PickupLabel: d.PickupLabel, Pickup: d.Pickup, DropLabel: d.DropLabel, Drop: d.Drop, WeightKg: d.WeightKg, VolumeM3: d.VolumeM3, Status: model.DeliveryPending})
    }
    if err := tx.Commit(); err != nil { return nil, err }
    return out, nil
}

const deliveryCols = `id::text, COALESCE(route_id::text,''), COALESCE(truck_id::text,''), COALESCE(pickup_label,''), pickup_lat, pickup_lng, COALESCE(drop_label,''), drop_lat, drop_lng, weight_kg, volume_m3, status`

func scanDelivery(rows *sql.Rows, companyID string) (model.Delivery, error) {
    var d model.Delivery
    if err := rows.Scan(&d.ID, &d.RouteID, &d.TruckID, &d.PickupLabel, &d.Pickup.Lat, &d.Pickup.Lng, &d.DropLabel, &d.Drop.Lat, &d.Drop.Lng, &d.WeightKg, &d.VolumeM3, &d.Status); err != nil {
        return model.Delivery{}, err
    }
    d.CompanyID = companyID
    return d, nil
}

func (p *Postgres) ListPendingDeliveries(ctx context.Context, companyID string) ([]model.Delivery, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT `+deliveryCols+` FROM deliveries WHERE company_id=$1 AND status=$2 ORDER BY id`, companyID, model.DeliveryPending)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.Delivery{}
    for rows.Next() {
        d, err := scanDelivery(rows, companyID)
        if err != nil { return nil, err }
        out = append(out, d)
    }
    return out, nil
}

func (p *Postgres) ListRouteDeliveries(ctx context.Context, companyID, routeID string) ([]model.Delivery, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT `+deliveryCols+` FROM deliveries WHERE company_id=$1 AND route_id=$2 ORDER BY id`, companyID, routeID)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.Delivery{}
    for rows.Next() {
        d, err := scanDelivery(rows, companyID)
        if err != nil { return nil, err }
        out = append(out, d)
    }
    return out, nil
}

// Routes

func (p *Postgres) SaveAllocation(ctx context.Context, companyID string, routes []model.Route, assignments map[string][]string) ([]model.Route, error) {
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return nil, err }
    defer func(){ _ = tx.Rollback() }()
    out := make([]model.Route, 0, len(routes))
    for _, r := range routes {
        if r.ID == "" { r.ID = uuid.New().String() }
        if r.Status == "" { r.Status = model.RouteAllocated }
        _, err = tx.ExecContext(ctx, `INSERT INTO routes (id, company_id, truck_id, status, distance_km) VALUES ($1,$2,$3,$4,$5)`,
            r.ID, companyID, r.TruckID, r.Status, r.DistanceKm)
        if err != nil { return nil, err }
        for _, s := range r.Stops {
            _, err = tx.ExecContext(ctx, `INSERT INTO route_stops (id, company_id, route_id, seq, kind, delivery_id, label, lat, lng) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
                uuid.New().String(), companyID, r.ID, s.Seq, s.Kind, nullIfEmpty(s.DeliveryID), nullIfEmpty(s.Label), s.Location.Lat, s.Location.Lng)
            if err != nil { return nil, err }
        }
        var w, v float64
        for _, did := range assignments[r.ID] {
            var dw, dv float64
            err = tx.QueryRowContext(ctx, `UPDATE deliveries SET route_id=$3, truck_id=$4, status=$5 WHERE company_id=$1 AND id=$2 RETURNING weight_kg, volume_m3`,
                companyID, did, r.ID, r.TruckID, model.DeliveryAssigned).Scan(&dw, &dv)
            if err != nil {
                if errors.Is(err, sql.ErrNoRows) { return nil, ErrNotFound }
                return nil, err
            }
            w += dw
            v += dv
        }
        _, err = tx.ExecContext(ctx, `UPDATE trucks SET route_id=$3, load_weight_kg=load_weight_kg+$4, load_volume_m3=load_volume_m3+$5, load_version=load_version+1 WHERE company_id=$1 AND id=$2`,
            companyID, r.TruckID, r.ID, w, v)
        if err != nil { return nil, err }
        r.CompanyID = companyID
        out = append(out, r)
    }
    if err := tx.Commit(); err != nil { return nil, err }
    return out, nil
}

func (p *Postgres) GetRoute(ctx context.Context, companyID, routeID string) (model.Route, error) {
    var r model.Route
    var created sql.NullTime
    err := p.db.QueryRowContext(ctx, `SELECT id::text, truck_id::text, status, distance_km, created_at FROM routes WHERE company_id=$1 AND id=$2`, companyID, routeID).
        Scan(&r.ID, &r.TruckID, &r.Status, &r.DistanceKm, &created)
    if err != nil {
        if errors.Is(err, sql.ErrNoRows) { return model.Route{}, ErrNotFound }
        return model.Route{}, err
    }
    r.CompanyID = companyID
    if created.Valid { r.CreatedAt = created.Time.UTC().Format(time.RFC3339) }
    rows, err := p.db.QueryContext(ctx, `SELECT seq, kind, COALESCE(delivery_id::text,''), COALESCE(label,''), lat, lng FROM route_stops WHERE company_id=$1 AND route_id=$2 ORDER BY seq`, companyID, routeID)
    if err != nil { return model.Route{}, err }
    defer rows.Close()
    for rows.Next() {
        var s model.Stop
        if err := rows.Scan(&s.Seq, &s.Kind, &s.DeliveryID, &s.Label, &s.Location.Lat, &s.Location.Lng); err != nil { return model.Route{}, err }
        r.Stops = append(r.Stops, s)
    }
    return r, nil
}

func (p *Postgres) ListRoutes(ctx context.Context, companyID, status, cursor string, limit int) ([]model.Route, string, error) {
    if limit <= 0 || limit > 500 { limit = 100 }
    var rows *sql.Rows
    var err error
    if status != "" {
        if cursor != "" {
            rows, err = p.db.QueryContext(ctx, `SELECT id::text FROM routes WHERE company_id=$1 AND status=$2 AND id::text > $3 ORDER BY id LIMIT $4`, companyID, status, cursor, limit)
        } else {
            rows, err = p.db.QueryContext(ctx, `SELECT id::text FROM routes WHERE company_id=$1 AND status=$2 ORDER BY id LIMIT $3`, companyID, status, limit)
        }
    } else {
        if cursor != "" {
            rows, err = p.db.QueryContext(ctx, `SELECT id::text FROM routes WHERE company_id=$1 AND id::text > $2 ORDER BY id LIMIT $3`, companyID, cursor, limit)
        } else {
            rows, err = p.db.QueryContext(ctx, `SELECT id::text FROM routes WHERE company_id=$1 ORDER BY id LIMIT $2`, companyID, limit)
        }
    }
    if err != nil { return nil, "", err }
    ids := []string{}
    for rows.Next() {
        var id string
        if err := rows.Scan(&id); err != nil { rows.Close(); return nil, "", err }
        ids = append(ids, id)
    }
    rows.Close()
    out := []model.Route{}
    for _, id := range ids {
        r, err := p.GetRoute(ctx, companyID, id)
        if err != nil { return nil, "", err }
        out = append(out, r)
    }
    next := ""
    if len(out) == limit { next = ids[len(ids)-1] }
    return out, next, nil
}

func (p *Postgres) ListActiveRoutes(ctx context.Context, companyID string) ([]model.Route, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT id::text FROM routes WHERE company_id=$1 AND status IN ($2,$3) ORDER BY id`, companyID, model.RouteAllocated, model.RouteActive)
    if err != nil { return nil, err }
    ids := []string{}
    for rows.Next() {
        var id string
        if err := rows.Scan(&id); err != nil { rows.Close(); return nil, err }
        ids = append(ids, id)
    }
    rows.Close()
    out := []model.Route{}
    for _, id := range ids {
        r, err := p.GetRoute(ctx, companyID, id)
        if err != nil { return nil, err }
        out = append(out, r)
    }
    return out, nil
}

// Absorption opportunities

const oppCols = `id::text, company_id::text, donor_route_id::text, donor_truck_id::text, recipient_route_id::text, recipient_truck_id::text, center_lat, center_lng, window_start, window_end, eligible_delivery_ids, donor_before_km, donor_after_km, recipient_before_km, recipient_after_km, distance_saved_km, carbon_saved_kg, space_req_weight_kg, space_req_volume_m3, space_avail_weight_kg, space_avail_volume_m3, status, COALESCE(decided_by,''), created_at, expires_at`

func scanOpportunity(row rowScanner) (model.AbsorptionOpportunity, error) {
    var o model.AbsorptionOpportunity
    var eligible []byte
    if err := row.Scan(&o.ID, &o.CompanyID, &o.DonorRouteID, &o.DonorTruckID, &o.RecipientRouteID, &o.RecipientTruckID,
        &o.Center.Lat, &o.Center.Lng, &o.WindowStart, &o.WindowEnd, &eligible,
        &o.DonorBeforeKm, &o.DonorAfterKm, &o.RecipientBeforeKm, &o.RecipientAfterKm, &o.DistanceSavedKm, &o.CarbonSavedKg,
        &o.SpaceRequiredWeight, &o.SpaceRequiredVolume, &o.SpaceAvailableWeight, &o.SpaceAvailableVolume,
        &o.Status, &o.DecidedBy, &o.CreatedAt, &o.ExpiresAt); err != nil {
        return model.AbsorptionOpportunity{}, err
    }
    _ = json.Unmarshal(eligible, &o.EligibleDeliveryIDs)
    return o, nil
}

// CreateOpportunityIfAbsent relies on a partial unique index on pair_key
// WHERE status='PENDING': a conflicting insert means a live opportunity
// already exists for the pair.
func (p *Postgres) CreateOpportunityIfAbsent(ctx context.Context, opp model.AbsorptionOpportunity) (model.AbsorptionOpportunity, bool, error) {
    if opp.ID == "" { opp.ID = uuid.New().String() }
    if opp.Status == "" { opp.Status = model.OpportunityPending }
    pk := model.PairKey(opp.DonorRouteID, opp.RecipientRouteID)
    // Expire any stale PENDING row for the pair first so the index only
    // blocks on genuinely live ones.
    _, _ = p.db.ExecContext(ctx, `UPDATE opportunities SET status=$2 WHERE pair_key=$1 AND status=$3 AND expires_at <= now()`,
        pk, model.OpportunityExpired, model.OpportunityPending)
    eligible, _ := json.Marshal(opp.EligibleDeliveryIDs)
    res, err := p.db.ExecContext(ctx, `INSERT INTO opportunities (id, company_id, pair_key, donor_route_id, donor_truck_id, recipient_route_id, recipient_truck_id, center_lat, center_lng, window_start, window_end, eligible_delivery_ids, donor_before_km, donor_after_km, recipient_before_km, recipient_after_km, distance_saved_km, carbon_saved_kg, space_req_weight_kg, space_req_volume_m3, space_avail_weight_kg, space_avail_volume_m3, status, created_at, expires_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)
        ON CONFLICT DO NOTHING`,
        opp.ID, opp.CompanyID, pk, opp.DonorRouteID, opp.DonorTruckID, opp.RecipientRouteID, opp.RecipientTruckID,
        opp.Center.Lat, opp.Center.Lng, opp.WindowStart, opp.WindowEnd, eligible,
        opp.DonorBeforeKm, opp.DonorAfterKm, opp.RecipientBeforeKm, opp.RecipientAfterKm, opp.DistanceSavedKm, opp.CarbonSavedKg,
        opp.SpaceRequiredWeight, opp.SpaceRequiredVolume, opp.SpaceAvailableWeight, opp.SpaceAvailableVolume,
        opp.Status, opp.CreatedAt, opp.ExpiresAt)
    if err != nil { return model.AbsorptionOpportunity{}, false, err }
    if n, _ := res.RowsAffected(); n == 0 {
        row := p.db.QueryRowContext(ctx, `SELECT `+oppCols+` FROM opportunities WHERE pair_key=$1 AND status=$2`, pk, model.OpportunityPending)
        existing, err := scanOpportunity(row)
        if err != nil {
            if errors.Is(err, sql.ErrNoRows) { return model.AbsorptionOpportunity{}, false, ErrConflict }
            return model.AbsorptionOpportunity{}, false, err
        }
        return existing, false, nil
    }
    return opp, true, nil
}

func (p *Postgres) GetOpportunity(ctx context.Context, companyID, id string) (model.AbsorptionOpportunity, error) {
    row := p.db.QueryRowContext(ctx, `SELECT `+oppCols+` FROM opportunities WHERE company_id=$1 AND id=$2`, companyID, id)
    o, err := scanOpportunity(row)
    if err != nil {
        if errors.Is(err, sql.ErrNoRows) { return model.AbsorptionOpportunity{}, ErrNotFound }
        return model.AbsorptionOpportunity{}, err
    }
    return o, nil
}

func (p *Postgres) ListOpportunities(ctx context.Context, companyID, status, cursor string, limit int) ([]model.AbsorptionOpportunity, string, error) {
    if limit <= 0 || limit > 500 { limit = 100 }
    base := `SELECT ` + oppCols + ` FROM opportunities WHERE company_id=$1`
    args := []any{companyID}
    idx := 2
    if status != "" { base += ` AND status=$` + fmt.Sprint(idx); args = append(args, status); idx++ }
    if cursor != "" { base += ` AND id::text > $` + fmt.Sprint(idx); args = append(args, cursor); idx++ }
    base += ` ORDER BY id LIMIT $` + fmt.Sprint(idx)
    args = append(args, limit)
    rows, err := p.db.QueryContext(ctx, base, args...)
    if err != nil { return nil, "", err }
    defer rows.Close()
    out := []model.AbsorptionOpportunity{}
    var last string
    for rows.Next() {
        o, err := scanOpportunity(rows)
        if err != nil { return nil, "", err }
        out = append(out, o)
        last = o.ID
    }
    next := ""
    if len(out) == limit { next = last }
    return out, next, nil
}

func (p *Postgres) ApproveOpportunity(ctx context.Context, companyID, id, actor string) (model.AbsorptionOpportunity, error) {
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return model.AbsorptionOpportunity{}, err }
    defer func(){ _ = tx.Rollback() }()

    row := tx.QueryRowContext(ctx, `SELECT `+oppCols+` FROM opportunities WHERE company_id=$1 AND id=$2 FOR UPDATE`, companyID, id)
    o, err := scanOpportunity(row)
    if err != nil {
        if errors.Is(err, sql.ErrNoRows) { return model.AbsorptionOpportunity{}, ErrNotFound }
        return model.AbsorptionOpportunity{}, err
    }
    if o.Status != model.OpportunityPending {
        return model.AbsorptionOpportunity{}, ErrInvalidTransition
    }

    // Re-read the deliveries under lock. Anything no longer assigned on
    // the donor route drops out of the transfer.
    var w, v float64
    moved := []string{}
    for _, did := range o.EligibleDeliveryIDs {
        var dw, dv float64
        var st, rid string
        err = tx.QueryRowContext(ctx, `SELECT weight_kg, volume_m3, status, COALESCE(route_id::text,'') FROM deliveries WHERE company_id=$1 AND id=$2 FOR UPDATE`, companyID, did).Scan(&dw, &dv, &st, &rid)
        if err != nil {
            if errors.Is(err, sql.ErrNoRows) { continue }
            return model.AbsorptionOpportunity{}, err
        }
        if st != model.DeliveryAssigned || rid != o.DonorRouteID { continue }
        w += dw
        v += dv
        moved = append(moved, did)
    }
    if len(moved) == 0 { return model.AbsorptionOpportunity{}, ErrConflict }

    // Recipient headroom may have shrunk since the opportunity was scored.
    res, err := tx.ExecContext(ctx, `UPDATE trucks SET load_weight_kg=load_weight_kg+$3, load_volume_m3=load_volume_m3+$4, load_version=load_version+1
        WHERE company_id=$1 AND id=$2 AND load_weight_kg+$3 <= cap_weight_kg AND load_volume_m3+$4 <= cap_volume_m3`,
        companyID, o.RecipientTruckID, w, v)
    if err != nil { return model.AbsorptionOpportunity{}, err }
    if n, _ := res.RowsAffected(); n == 0 { return model.AbsorptionOpportunity{}, ErrConflict }
    _, err = tx.ExecContext(ctx, `UPDATE trucks SET load_weight_kg=load_weight_kg-$3, load_volume_m3=load_volume_m3-$4, load_version=load_version+1 WHERE company_id=$1 AND id=$2`,
        companyID, o.DonorTruckID, w, v)
    if err != nil { return model.AbsorptionOpportunity{}, err }

    for _, did := range moved {
        _, err = tx.ExecContext(ctx, `UPDATE deliveries SET route_id=$3, truck_id=$4, status=$5 WHERE company_id=$1 AND id=$2`,
            companyID, did, o.RecipientRouteID, o.RecipientTruckID, model.DeliveryTransferred)
        if err != nil { return model.AbsorptionOpportunity{}, err }
    }
    _, err = tx.ExecContext(ctx, `UPDATE opportunities SET status=$3, decided_by=$4 WHERE company_id=$1 AND id=$2`,
        companyID, id, model.OpportunityApproved, nullIfEmpty(actor))
    if err != nil { return model.AbsorptionOpportunity{}, err }
    if err := tx.Commit(); err != nil { return model.AbsorptionOpportunity{}, err }
    o.Status = model.OpportunityApproved
    o.DecidedBy = actor
    o.EligibleDeliveryIDs = moved
    return o, nil
}

func (p *Postgres) UpdateOpportunityStatus(ctx context.Context, companyID, id, from, to, actor string) (model.AbsorptionOpportunity, error) {
    if !model.CanTransition(model.OpportunityTransitions, from, to) {
        return model.AbsorptionOpportunity{}, ErrInvalidTransition
    }
    res, err := p.db.ExecContext(ctx, `UPDATE opportunities SET status=$4, decided_by=$5 WHERE company_id=$1 AND id=$2 AND status=$3`,
        companyID, id, from, to, nullIfEmpty(actor))
    if err != nil { return model.AbsorptionOpportunity{}, err }
    if n, _ := res.RowsAffected(); n == 0 {
        if _, gerr := p.GetOpportunity(ctx, companyID, id); gerr != nil { return model.AbsorptionOpportunity{}, gerr }
        return model.AbsorptionOpportunity{}, ErrInvalidTransition
    }
    return p.GetOpportunity(ctx, companyID, id)
}

func (p *Postgres) ExpireOpportunities(ctx context.Context, now time.Time) (int, error) {
    res, err := p.db.ExecContext(ctx, `UPDATE opportunities SET status=$1 WHERE status=$2 AND expires_at <= $3`,
        model.OpportunityExpired, model.OpportunityPending, now)
    if err != nil { return 0, err }
    n, _ := res.RowsAffected()
    return int(n), nil
}

// Backhaul marketplace

func (p *Postgres) CreateMarketplaceLoad(ctx context.Context, load model.MarketplaceLoad) (model.MarketplaceLoad, error) {
    if load.ID == "" { load.ID = uuid.New().String() }
    if load.Status == "" { load.Status = model.LoadPending }
    _, err := p.db.ExecContext(ctx, `INSERT INTO marketplace_loads (id, shipper_id, shipper_name, phone, pickup_label, pickup_lat, pickup_lng, drop_label, drop_lat, drop_lng, cargo_type, weight_kg, volume_m3, packages, status)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
        load.ID, load.ShipperID, nullIfEmpty(load.ShipperName), nullIfEmpty(load.Phone), nullIfEmpty(load.PickupLabel), load.Pickup.Lat, load.Pickup.Lng,
        nullIfEmpty(load.DropLabel), load.Drop.Lat, load.Drop.Lng, nullIfEmpty(load.CargoType), load.WeightKg, load.VolumeM3, load.Packages, load.Status)
    if err != nil { return model.MarketplaceLoad{}, err }
    return load, nil
}

func (p *Postgres) SearchMarketplaceLoads(ctx context.Context, center model.GeoPoint, radiusKm float64, limit int) ([]model.MarketplaceLoad, error) {
    if limit <= 0 || limit > 100 { limit = 20 }
    // Haversine in SQL; good enough at marketplace scale.
    rows, err := p.db.QueryContext(ctx, `SELECT id::text, shipper_id::text, COALESCE(shipper_name,''), COALESCE(phone,''), COALESCE(pickup_label,''), pickup_lat, pickup_lng, COALESCE(drop_label,''), drop_lat, drop_lng, COALESCE(cargo_type,''), weight_kg, volume_m3, packages, status
        FROM (SELECT *, 6371 * 2 * asin(sqrt(pow(sin(radians(pickup_lat-$1)/2),2) + cos(radians($1))*cos(radians(pickup_lat))*pow(sin(radians(pickup_lng-$2)/2),2))) AS dist_km
              FROM marketplace_loads WHERE status=$3) q
        WHERE dist_km < $4 ORDER BY dist_km ASC LIMIT $5`,
        center.Lat, center.Lng, model.LoadPending, radiusKm, limit)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.MarketplaceLoad{}
    for rows.Next() {
        var l model.MarketplaceLoad
        if err := rows.Scan(&l.ID, &l.ShipperID, &l.ShipperName, &l.Phone, &l.PickupLabel, &l.Pickup.Lat, &l.Pickup.Lng, &l.DropLabel, &l.Drop.Lat, &l.Drop.Lng, &l.CargoType, &l.WeightKg, &l.VolumeM3, &l.Packages, &l.Status); err != nil {
            return nil, err
        }
        out = append(out, l)
    }
    return out, nil
}

func (p *Postgres) MarkLoadAssigned(ctx context.Context, loadID string) error {
    res, err := p.db.ExecContext(ctx, `UPDATE marketplace_loads SET status=$2 WHERE id=$1 AND status=$3`, loadID, model.LoadAssigned, model.LoadPending)
    if err != nil { return err }
    if n, _ := res.RowsAffected(); n == 0 { return ErrConflict }
    return nil
}

// Backhaul pickups

const backhaulCols = `id::text, company_id::text, truck_id::text, COALESCE(driver_id,''), load_id::text, COALESCE(shipper_id::text,''), COALESCE(shipper_name,''), COALESCE(shipper_phone,''), COALESCE(pickup_label,''), pickup_lat, pickup_lng, COALESCE(destination_hub_id::text,''), package_count, total_weight_kg, total_volume_m3, distance_km, carbon_saved_kg, status, proposed_at, picked_up_at, delivered_at`

func scanBackhaul(row rowScanner) (model.BackhaulPickup, error) {
    var b model.BackhaulPickup
    var pu, de sql.NullTime
    if err := row.Scan(&b.ID, &b.CompanyID, &b.TruckID, &b.DriverID, &b.LoadID, &b.ShipperID, &b.ShipperName, &b.ShipperPhone,
        &b.PickupLabel, &b.Pickup.Lat, &b.Pickup.Lng, &b.DestinationHubID, &b.PackageCount, &b.TotalWeightKg, &b.TotalVolumeM3,
        &b.DistanceKm, &b.CarbonSavedKg, &b.Status, &b.ProposedAt, &pu, &de); err != nil {
        return model.BackhaulPickup{}, err
    }
    if pu.Valid { t := pu.Time; b.PickedUpAt = &t }
    if de.Valid { t := de.Time; b.DeliveredAt = &t }
    return b, nil
}

func (p *Postgres) CreateBackhaul(ctx context.Context, b model.BackhaulPickup) (model.BackhaulPickup, error) {
    if b.ID == "" { b.ID = uuid.New().String() }
    if b.Status == "" { b.Status = model.BackhaulProposed }
    _, err := p.db.ExecContext(ctx, `INSERT INTO backhauls (id, company_id, truck_id, driver_id, load_id, shipper_id, shipper_name, shipper_phone, pickup_label, pickup_lat, pickup_lng, destination_hub_id, package_count, total_weight_kg, total_volume_m3, distance_km, carbon_saved_kg, status, proposed_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
        b.ID, b.CompanyID, b.TruckID, nullIfEmpty(b.DriverID), b.LoadID, nullIfEmpty(b.ShipperID), nullIfEmpty(b.ShipperName), nullIfEmpty(b.ShipperPhone),
        nullIfEmpty(b.PickupLabel), b.Pickup.Lat, b.Pickup.Lng, nullIfEmpty(b.DestinationHubID), b.PackageCount, b.TotalWeightKg, b.TotalVolumeM3,
        b.DistanceKm, b.CarbonSavedKg, b.Status, b.ProposedAt)
    if err != nil { return model.BackhaulPickup{}, err }
    return b, nil
}

func (p *Postgres) GetBackhaul(ctx context.Context, id string) (model.BackhaulPickup, error) {
    row := p.db.QueryRowContext(ctx, `SELECT `+backhaulCols+` FROM backhauls WHERE id=$1`, id)
    b, err := scanBackhaul(row)
    if err != nil {
        if errors.Is(err, sql.ErrNoRows) { return model.BackhaulPickup{}, ErrNotFound }
        return model.BackhaulPickup{}, err
    }
    return b, nil
}

func (p *Postgres) ListBackhauls(ctx context.Context, companyID, driverID, status, cursor string, limit int) ([]model.BackhaulPickup, string, error) {
    if limit <= 0 || limit > 500 { limit = 100 }
    base := `SELECT ` + backhaulCols + ` FROM backhauls WHERE company_id=$1`
    args := []any{companyID}
    idx := 2
    if driverID != "" { base += ` AND driver_id=$` + fmt.Sprint(idx); args = append(args, driverID); idx++ }
    if status != "" { base += ` AND status=$` + fmt.Sprint(idx); args = append(args, status); idx++ }
    if cursor != "" { base += ` AND id::text > $` + fmt.Sprint(idx); args = append(args, cursor); idx++ }
    base += ` ORDER BY id LIMIT $` + fmt.Sprint(idx)
    args = append(args, limit)
    rows, err := p.db.QueryContext(ctx, base, args...)
    if err != nil { return nil, "", err }
    defer rows.Close()
    out := []model.BackhaulPickup{}
    var last string
    for rows.Next() {
        b, err := scanBackhaul(rows)
        if err != nil { return nil, "", err }
        out = append(out, b)
        last = b.ID
    }
    next := ""
    if len(out) == limit { next = last }
    return out, next, nil
}

func (p *Postgres) ListLiveBackhaulsForTruck(ctx context.Context, truckID string) ([]model.BackhaulPickup, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT `+backhaulCols+` FROM backhauls WHERE truck_id=$1 AND status NOT IN ($2,$3)`, truckID, model.BackhaulRejected, model.BackhaulDelivered)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.BackhaulPickup{}
    for rows.Next() {
        b, err := scanBackhaul(rows)
        if err != nil { return nil, err }
        out = append(out, b)
    }
    return out, nil
}

func (p *Postgres) TransitionBackhaul(ctx context.Context, id, from, to string, at time.Time) (model.BackhaulPickup, error) {
    if !model.CanTransition(model.BackhaulTransitions, from, to) {
        return model.BackhaulPickup{}, ErrInvalidTransition
    }
    q := `UPDATE backhauls SET status=$3`
    args := []any{id, from, to}
    switch to {
    case model.BackhaulPickedUp:
        q += `, picked_up_at=$4`
        args = append(args, at)
    case model.BackhaulDelivered:
        q += `, delivered_at=$4`
        args = append(args, at)
    }
    q += ` WHERE id=$1 AND status=$2`
    res, err := p.db.ExecContext(ctx, q, args...)
    if err != nil { return model.BackhaulPickup{}, err }
    if n, _ := res.RowsAffected(); n == 0 {
        if _, gerr := p.GetBackhaul(ctx, id); gerr != nil { return model.BackhaulPickup{}, gerr }
        return model.BackhaulPickup{}, ErrInvalidTransition
    }
    return p.GetBackhaul(ctx, id)
}

func (p *Postgres) CompleteBackhaul(ctx context.Context, id string, bonus float64, at time.Time) (model.BackhaulPickup, model.Transaction, error) {
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return model.BackhaulPickup{}, model.Transaction{}, err }
    defer func(){ _ = tx.Rollback() }()
    var driverID, loadID string
    err = tx.QueryRowContext(ctx, `SELECT COALESCE(driver_id,''), load_id::text FROM backhauls WHERE id=$1 FOR UPDATE`, id).Scan(&driverID, &loadID)
    if err != nil {
        if errors.Is(err, sql.ErrNoRows) { return model.BackhaulPickup{}, model.Transaction{}, ErrNotFound }
        return model.BackhaulPickup{}, model.Transaction{}, err
    }
    res, err := tx.ExecContext(ctx, `UPDATE backhauls SET status=$2, delivered_at=$3 WHERE id=$1 AND status=$4`,
        id, model.BackhaulDelivered, at, model.BackhaulPickedUp)
    if err != nil { return model.BackhaulPickup{}, model.Transaction{}, err }
    if n, _ := res.RowsAffected(); n == 0 {
        return model.BackhaulPickup{}, model.Transaction{}, ErrInvalidTransition
    }
    txn := model.Transaction{
        ID:          uuid.New().String(),
        DriverID:    driverID,
        Amount:      bonus,
        Type:        "BACKHAUL_BONUS",
        Description: "Backhaul delivery " + loadID,
        CreatedAt:   at,
    }
    _, err = tx.ExecContext(ctx, `INSERT INTO transactions (id, driver_id, amount, type, description, created_at) VALUES ($1,$2,$3,$4,$5,$6)`,
        txn.ID, txn.DriverID, txn.Amount, txn.Type, txn.Description, txn.CreatedAt)
    if err != nil { return model.BackhaulPickup{}, model.Transaction{}, err }
    if err := tx.Commit(); err != nil { return model.BackhaulPickup{}, model.Transaction{}, err }
    b, err := p.GetBackhaul(ctx, id)
    if err != nil { return model.BackhaulPickup{}, model.Transaction{}, err }
    return b, txn, nil
}

// Driver earnings

func (p *Postgres) GetDriverEarnings(ctx context.Context, driverID string, now time.Time) (model.DriverEarnings, error) {
    out := model.DriverEarnings{DriverID: driverID}
    err := p.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount),0), COALESCE(SUM(amount) FILTER (WHERE created_at >= $2), 0) FROM transactions WHERE driver_id=$1`,
        driverID, now.Add(-7*24*time.Hour)).Scan(&out.Total, &out.Weekly)
    if err != nil { return model.DriverEarnings{}, err }
    rows, err := p.db.QueryContext(ctx, `SELECT to_char(created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day, SUM(amount) FROM transactions WHERE driver_id=$1 GROUP BY day ORDER BY day`, driverID)
    if err != nil { return model.DriverEarnings{}, err }
    defer rows.Close()
    for rows.Next() {
        var d model.DailyEarning
        if err := rows.Scan(&d.Date, &d.Amount); err != nil { return model.DriverEarnings{}, err }
        out.Daily = append(out.Daily, d)
    }
    return out, nil
}

func (p *Postgres) ListTransactions(ctx context.Context, driverID string, limit int) ([]model.Transaction, error) {
    if limit <= 0 || limit > 500 { limit = 100 }
    rows, err := p.db.QueryContext(ctx, `SELECT id::text, amount, type, COALESCE(description,''), created_at FROM transactions WHERE driver_id=$1 ORDER BY created_at DESC LIMIT $2`, driverID, limit)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.Transaction{}
    for rows.Next() {
        t := model.Transaction{DriverID: driverID}
        if err := rows.Scan(&t.ID, &t.Amount, &t.Type, &t.Description, &t.CreatedAt); err != nil { return nil, err }
        out = append(out, t)
    }
    return out, nil
}

// Virtual hubs

func (p *Postgres) CreateVirtualHub(ctx context.Context, companyID string, in model.VirtualHubInput) (model.VirtualHub, error) {
    id := uuid.New().String()
    var lat, lng any
    if in.Center != nil { lat, lng = in.Center.Lat, in.Center.Lng }
    _, err := p.db.ExecContext(ctx, `INSERT INTO virtual_hubs (id, company_id, name, lat, lng, radius_km) VALUES ($1,$2,$3,$4,$5,$6)`,
        id, companyID, nullIfEmpty(in.Name), lat, lng, in.RadiusKm)
    if err != nil { return model.VirtualHub{}, err }
    return model.VirtualHub{ID: id, CompanyID: companyID, Name: in.Name, Center: in.Center, RadiusKm: in.RadiusKm}, nil
}

func (p *Postgres) ListVirtualHubs(ctx context.Context, companyID, cursor string, limit int) ([]model.VirtualHub, string, error) {
    if limit <= 0 || limit > 500 { limit = 100 }
    var rows *sql.Rows
    var err error
    q := `SELECT id::text, COALESCE(name,''), lat, lng, radius_km FROM virtual_hubs WHERE company_id=$1`
    if cursor != "" {
        rows, err = p.db.QueryContext(ctx, q+` AND id::text > $2 ORDER BY id LIMIT $3`, companyID, cursor, limit)
    } else {
        rows, err = p.db.QueryContext(ctx, q+` ORDER BY id LIMIT $2`, companyID, limit)
    }
    if err != nil { return nil, "", err }
    defer rows.Close()
    out := []model.VirtualHub{}
    var last string
    for rows.Next() {
        var h model.VirtualHub
        var lat, lng sql.NullFloat64
        if err := rows.Scan(&h.ID, &h.Name, &lat, &lng, &h.RadiusKm); err != nil { return nil, "", err }
        h.CompanyID = companyID
        if lat.Valid && lng.Valid { h.Center = &model.GeoPoint{Lat: lat.Float64, Lng: lng.Float64} }
        out = append(out, h)
        last = h.ID
    }
    next := ""
    if len(out) == limit { next = last }
    return out, next, nil
}

func (p *Postgres) GetVirtualHub(ctx context.Context, companyID, id string) (model.VirtualHub, error) {
    var h model.VirtualHub
    var lat, lng sql.NullFloat64
    err := p.db.QueryRowContext(ctx, `SELECT id::text, COALESCE(name,''), lat, lng, radius_km FROM virtual_hubs WHERE company_id=$1 AND id=$2`, companyID, id).
        Scan(&h.ID, &h.Name, &lat, &lng, &h.RadiusKm)
    if err != nil {
        if errors.Is(err, sql.ErrNoRows) { return model.VirtualHub{}, ErrNotFound }
        return model.VirtualHub{}, err
    }
    h.CompanyID = companyID
    if lat.Valid && lng.Valid { h.Center = &model.GeoPoint{Lat: lat.Float64, Lng: lng.Float64} }
    return h, nil
}

func (p *Postgres) PatchVirtualHub(ctx context.Context, companyID, id string, in model.VirtualHubInput) (model.VirtualHub, error) {
    if in.Name != "" {
        if _, err := p.db.ExecContext(ctx, `UPDATE virtual_hubs SET name=$3 WHERE company_id=$1 AND id=$2`, companyID, id, in.Name); err != nil {
            return model.VirtualHub{}, err
        }
    }
    if in.Center != nil {
        if _, err := p.db.ExecContext(ctx, `UPDATE virtual_hubs SET lat=$3, lng=$4 WHERE company_id=$1 AND id=$2`, companyID, id, in.Center.Lat, in.Center.Lng); err != nil {
            return model.VirtualHub{}, err
        }
    }
    if in.RadiusKm > 0 {
        if _, err := p.db.ExecContext(ctx, `UPDATE virtual_hubs SET radius_km=$3 WHERE company_id=$1 AND id=$2`, companyID, id, in.RadiusKm); err != nil {
            return model.VirtualHub{}, err
        }
    }
    return p.GetVirtualHub(ctx, companyID, id)
}

func (p *Postgres) DeleteVirtualHub(ctx context.Context, companyID, id string) error {
    _, err := p.db.ExecContext(ctx, `DELETE FROM virtual_hubs WHERE company_id=$1 AND id=$2`, companyID, id)
    return err
}

// Subscriptions

func (p *Postgres) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
    id := uuid.New().String()
    ev, _ := json.Marshal(req.Events)
    _, err := p.db.ExecContext(ctx, `INSERT INTO subscriptions (id, company_id, url, events, secret) VALUES ($1,$2,$3,$4,$5)`, id, req.CompanyID, req.URL, ev, req.Secret)
    if err != nil { return model.Subscription{}, err }
    return model.Subscription{ID: id, CompanyID: req.CompanyID, URL: req.URL, Events: req.Events, Secret: req.Secret}, nil
}

func (p *Postgres) GetSubscriptionsForEvent(ctx context.Context, companyID, eventType string) ([]model.Subscription, error) {
    // "*" subscribes to every event, same as Memory.
    rows, err := p.db.QueryContext(ctx, `SELECT id::text, url, secret, events FROM subscriptions WHERE company_id=$1 AND (events @> $2::jsonb OR events @> '["*"]'::jsonb)`, companyID, fmt.Sprintf("[\"%s\"]", eventType))
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.Subscription{}
    for rows.Next() {
        var s model.Subscription
        var events any
        if err := rows.Scan(&s.ID, &s.URL, &s.Secret, &events); err != nil { return nil, err }
        s.CompanyID = companyID
        if b, ok := events.([]byte); ok { _ = json.Unmarshal(b, &s.Events) }
        out = append(out, s)
    }
    return out, nil
}

func (p *Postgres) ListSubscriptions(ctx context.Context, companyID, cursor string, limit int) ([]model.Subscription, string, error) {
    if limit <= 0 || limit > 500 { limit = 100 }
    var rows *sql.Rows
    var err error
    if cursor != "" {
        rows, err = p.db.QueryContext(ctx, `SELECT id::text, url, secret, events FROM subscriptions WHERE company_id=$1 AND id::text > $2 ORDER BY id LIMIT $3`, companyID, cursor, limit)
    } else {
        rows, err = p.db.QueryContext(ctx, `SELECT id::text, url, secret, events FROM subscriptions WHERE company_id=$1 ORDER BY id LIMIT $2`, companyID, limit)
    }
    if err != nil { return nil, "", err }
    defer rows.Close()
    var out []model.Subscription
    var last string
    for rows.Next() {
        var s model.Subscription
        var ev []byte
        if err := rows.Scan(&s.ID, &s.URL, &s.Secret, &ev); err != nil { return nil, "", err }
        s.CompanyID = companyID
        _ = json.Unmarshal(ev, &s.Events)
        out = append(out, s)
        last = s.ID
    }
    next := ""
    if len(out) == limit { next = last }
    return out, next, nil
}

func (p *Postgres) DeleteSubscription(ctx context.Context, companyID, id string) error {
    _, err := p.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE company_id=$1 AND id=$2`, companyID, id)
    return err
}

// Webhook deliveries

func (p *Postgres) EnqueueWebhook(ctx context.Context, companyID, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
    id := uuid.New().String()
    dk := computeDedupKey(payload)
    _, err := p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (id, company_id, subscription_id, event_type, url, secret, payload, status, attempts, next_attempt_at, dedup_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,'pending',0,now(),$8)
        ON CONFLICT (company_id, event_type, url, dedup_key) DO NOTHING`, id, companyID, nullIfEmpty(subscriptionID), eventType, url, nullIfEmpty(secret), payload, dk)
    if err != nil { return "", err }
    return id, nil
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT id::text, company_id::text, COALESCE(subscription_id::text,''), event_type, url, COALESCE(secret,''), payload, status, attempts
        FROM webhook_deliveries WHERE status IN ('pending','retry') AND next_attempt_at <= now() ORDER BY next_attempt_at ASC LIMIT $1`, limit)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []WebhookDelivery{}
    for rows.Next() {
        var d WebhookDelivery
        var payload []byte
        if err := rows.Scan(&d.ID, &d.CompanyID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Secret, &payload, &d.Status, &d.Attempts); err != nil { return nil, err }
        d.Payload = payload
        out = append(out, d)
    }
    return out, nil
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
    if !success {
        if nextAttemptAt == nil { t := time.Now().Add(1 * time.Minute); nextAttemptAt = &t }
        _, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='retry', last_error=$2, next_attempt_at=$3, updated_at=now(), response_code=$4, latency_ms=$5 WHERE id=$1`, id, nullIfEmpty(lastError), *nextAttemptAt, responseCode, latencyMs)
        return err
    }
    _, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='delivered', delivered_at=now(), updated_at=now(), response_code=$2, latency_ms=$3 WHERE id=$1`, id, responseCode, latencyMs)
    return err
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
    _, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='failed', last_error=$2, updated_at=now(), response_code=$3, latency_ms=$4 WHERE id=$1`, id, nullIfEmpty(lastError), responseCode, latencyMs)
    if err != nil { return err }
    // move to DLQ
    _, err = p.db.ExecContext(ctx, `INSERT INTO webhook_dlq (id, company_id, delivery_id, event_type, url, secret, payload, attempts, last_error)
        SELECT gen_random_uuid(), company_id, id, event_type, url, secret, payload, attempts+1, $2 FROM webhook_deliveries WHERE id=$1`, id, nullIfEmpty(lastError))
    return err
}

func (p *Postgres) ListWebhookDeliveries(ctx context.Context, companyID, status, cursor string, limit int) ([]map[string]any, string, error) {
    if limit <= 0 || limit > 500 { limit = 100 }
    q := `SELECT id::text, event_type, status, attempts, next_attempt_at, last_error, url FROM webhook_deliveries WHERE company_id=$1`
    var rows *sql.Rows
    var err error
    if status != "" {
        q += ` AND status=$2 ORDER BY id LIMIT $3`
        rows, err = p.db.QueryContext(ctx, q, companyID, status, limit)
    } else {
        q += ` ORDER BY id LIMIT $2`
        rows, err = p.db.QueryContext(ctx, q, companyID, limit)
    }
    if err != nil { return nil, "", err }
    defer rows.Close()
    out := []map[string]any{}
    var last string
    for rows.Next() {
        var id, typ, st, url string
        var lastErr sql.NullString
        var attempts int
        var nextAt sql.NullTime
        if err := rows.Scan(&id, &typ, &st, &attempts, &nextAt, &lastErr, &url); err != nil { return nil, "", err }
        m := map[string]any{"id": id, "eventType": typ, "status": st, "attempts": attempts, "url": url}
        if nextAt.Valid { m["nextAttemptAt"] = nextAt.Time }
        if lastErr.Valid && lastErr.String != "" { m["lastError"] = lastErr.String }
        out = append(out, m)
        last = id
    }
    next := ""
    if len(out) == limit { next = last }
    return out, next, nil
}

func (p *Postgres) RetryWebhookDelivery(ctx context.Context, companyID, id string) error {
    _, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='pending', next_attempt_at=now() WHERE company_id=$1 AND id=$2`, companyID, id)
    return err
}

func (p *Postgres) ListWebhookDLQ(ctx context.Context, companyID, eventType, cursor string, limit int) ([]map[string]any, string, error) {
    if limit <= 0 || limit > 500 { limit = 100 }
    base := `SELECT id::text, delivery_id::text, event_type, url, last_error, attempts, created_at FROM webhook_dlq WHERE company_id=$1`
    args := []any{companyID}
    idx := 2
    if eventType != "" { base += ` AND event_type=$` + fmt.Sprint(idx); args = append(args, eventType); idx++ }
    if cursor != "" { base += ` AND id::text > $` + fmt.Sprint(idx); args = append(args, cursor); idx++ }
    base += ` ORDER BY id LIMIT $` + fmt.Sprint(idx)
    args = append(args, limit)
    rows, err := p.db.QueryContext(ctx, base, args...)
    if err != nil { return nil, "", err }
    defer rows.Close()
    out := []map[string]any{}
    var last string
    for rows.Next() {
        var id, delID, et, url, errStr string
        var attempts int
        var created time.Time
        if err := rows.Scan(&id, &delID, &et, &url, &errStr, &attempts, &created); err != nil { return nil, "", err }
        out = append(out, map[string]any{"id": id, "deliveryId": delID, "eventType": et, "url": url, "lastError": errStr, "attempts": attempts, "createdAt": created})
        last = id
    }
    next := ""
    if len(out) == limit { next = last }
    return out, next, nil
}

func (p *Postgres) RequeueWebhookDLQ(ctx context.Context, companyID, id string) error {
    var delID, et, url, secret string
    var payload []byte
    err := p.db.QueryRowContext(ctx, `SELECT COALESCE(delivery_id::text,''), event_type, url, COALESCE(secret,''), payload FROM webhook_dlq WHERE company_id=$1 AND id=$2`, companyID, id).Scan(&delID, &et, &url, &secret, &payload)
    if err != nil { return err }
    if _, err := p.EnqueueWebhook(ctx, companyID, delID, et, url, secret, payload); err != nil { return err }
    _, err = p.db.ExecContext(ctx, `DELETE FROM webhook_dlq WHERE company_id=$1 AND id=$2`, companyID, id)
    return err
}

func computeDedupKey(payload []byte) string {
    // try to parse JSON and use id
    var m map[string]any
    if json.Unmarshal(payload, &m) == nil {
        if v, ok := m["id"].(string); ok && v != "" {
            return v
        }
    }
    sum := sha256.Sum256(payload)
    return hex.EncodeToString(sum[:8])
}

func nullIfEmpty(s string) any { if s == "" { return nil }; return s }

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// MigrateDir executes every .sql file in dir in lexical order. Files are
// expected to be idempotent (CREATE TABLE IF NOT EXISTS and friends).
func (p *Postgres) MigrateDir(dir string) error {
    entries, err := os.ReadDir(dir)
    if err != nil { return err }
    names := []string{}
    for _, e := range entries {
        if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") { continue }
        names = append(names, e.Name())
    }
    sort.Strings(names)
    for _, name := range names {
        b, err := os.ReadFile(filepath.Join(dir, name))
        if err != nil { return err }
        if _, err := p.db.Exec(string(b)); err != nil {
            return fmt.Errorf("migrate %s: %w", name, err)
        }
    }
    return nil
}
