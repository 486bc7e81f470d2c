package csvsftp

import (
    "encoding/csv"
    "fmt"
    "io"
    "strconv"
    "strings"

    "synergy/internal/integrations"
    "synergy/internal/model"
)

// Columns expected in a load feed file, in order.
var columns = []string{
    "shipperId", "shipperName", "phone",
    "pickupLabel", "pickupLat", "pickupLng",
    "dropLabel", "dropLat", "dropLng",
    "cargoType", "weightKg", "volumeM3", "packages",
}

// ParseLoads reads a CSV load feed. The first row must be the header above;
// rows with unparsable coordinates or weights fail the whole parse so a bad
// file never half-imports.
func ParseLoads(r io.Reader) ([]model.MarketplaceLoad, error) {
    cr := csv.NewReader(r)
    cr.TrimLeadingSpace = true
    header, err := cr.Read()
    if err != nil {
        return nil, fmt.Errorf("read header: %w", err)
    }
    if len(header) != len(columns) {
        return nil, fmt.Errorf("want %d columns, got %d", len(columns), len(header))
    }
    for i, c := range columns {
        if !strings.EqualFold(strings.TrimSpace(header[i]), c) {
            return nil, fmt.Errorf("column %d: want %s, got %s", i, c, header[i])
        }
    }
    out := []model.MarketplaceLoad{}
    for line := 2; ; line++ {
        rec, err := cr.Read()
        if err == io.EOF {
            break
        }
        if err != nil {
            return nil, fmt.Errorf("line %d: %w", line, err)
        }
        l := model.MarketplaceLoad{
            ShipperID:   rec[0],
            ShipperName: rec[1],
            Phone:       rec[2],
            PickupLabel: rec[3],
            DropLabel:   rec[6],
            CargoType:   rec[9],
            Status:      model.LoadPending,
        }
        if l.ShipperID == "" {
            return nil, fmt.Errorf("line %d: shipperId required", line)
        }
        if l.Pickup.Lat, err = strconv.ParseFloat(rec[4], 64); err != nil {
            return nil, fmt.Errorf("line %d: pickupLat: %w", line, err)
        }
        if l.Pickup.Lng, err = strconv.ParseFloat(rec[5], 64); err != nil {
            return nil, fmt.Errorf("line %d: pickupLng: %w", line, err)
        }
        if l.Drop.Lat, err = strconv.ParseFloat(rec[7], 64); err != nil {
            return nil, fmt.Errorf("line %d: dropLat: %w", line, err)
        }
        if l.Drop.Lng, err = strconv.ParseFloat(rec[8], 64); err != nil {
            return nil, fmt.Errorf("line %d: dropLng: %w", line, err)
        }
        if l.WeightKg, err = strconv.ParseFloat(rec[10], 64); err != nil {
            return nil, fmt.Errorf("line %d: weightKg: %w", line, err)
        }
        if rec[11] != "" {
            if l.VolumeM3, err = strconv.ParseFloat(rec[11], 64); err != nil {
                return nil, fmt.Errorf("line %d: volumeM3: %w", line, err)
            }
        }
        if rec[12] != "" {
            if l.Packages, err = strconv.Atoi(rec[12]); err != nil {
                return nil, fmt.Errorf("line %d: packages: %w", line, err)
            }
        }
        out = append(out, l)
    }
    return out, nil
}

// Adapter serves loads from a CSV file dropped over SFTP. Fetching lists
// files by mtime; this implementation parses a single in-memory payload.
type Adapter struct {
    Payload []byte
}

func (a Adapter) Name() string { return "csv-sftp" }

func (a Adapter) Authenticate(cfg map[string]any) (integrations.AuthState, error) {
    return integrations.AuthState{Method: "sftp", Token: "keyref://example"}, nil
}

func (a Adapter) FetchLoads(since string, cursor string) (integrations.LoadBatch, error) {
    loads, err := ParseLoads(strings.NewReader(string(a.Payload)))
    if err != nil {
        return integrations.LoadBatch{}, err
    }
    return integrations.LoadBatch{Loads: loads}, nil
}

func (a Adapter) AckLoads(ids []string) error { return nil }
