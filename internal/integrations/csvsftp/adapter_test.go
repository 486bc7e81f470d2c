package csvsftp

import (
    "strings"
    "testing"

    "synergy/internal/integrations"
)

const feed = `shipperId,shipperName,phone,pickupLabel,pickupLat,pickupLng,dropLabel,dropLat,dropLng,cargoType,weightKg,volumeM3,packages
shp1,Acme Traders,+911112223334,Andheri East,19.1136,72.8697,Thane,19.2183,72.9781,textiles,120,2.5,4
shp2,Metro Goods,,Dadar,19.0178,72.8478,Pune,18.5204,73.8567,electronics,300,,10
`

func TestParseLoads(t *testing.T) {
    loads, err := ParseLoads(strings.NewReader(feed))
    if err != nil {
        t.Fatal(err)
    }
    if len(loads) != 2 {
        t.Fatalf("want 2 loads, got %d", len(loads))
    }
    if loads[0].ShipperID != "shp1" || loads[0].WeightKg != 120 || loads[0].Packages != 4 {
        t.Fatalf("bad first load: %+v", loads[0])
    }
    if loads[1].VolumeM3 != 0 {
        t.Fatalf("empty volume should parse to zero, got %f", loads[1].VolumeM3)
    }
    if loads[0].Status != "PENDING" {
        t.Fatalf("status %s", loads[0].Status)
    }
}

func TestParseLoadsBadHeader(t *testing.T) {
    if _, err := ParseLoads(strings.NewReader("a,b,c\n1,2,3\n")); err == nil {
        t.Fatal("expected header error")
    }
}

func TestParseLoadsBadRowFailsWhole(t *testing.T) {
    bad := strings.Replace(feed, "19.1136", "not-a-lat", 1)
    if _, err := ParseLoads(strings.NewReader(bad)); err == nil {
        t.Fatal("expected parse error")
    }
}

func TestAdapterFetchLoads(t *testing.T) {
    var src integrations.LoadSource = Adapter{Payload: []byte(feed)}
    st, err := src.Authenticate(nil)
    if err != nil || st.Method != "sftp" {
        t.Fatalf("auth: %v %+v", err, st)
    }
    batch, err := src.FetchLoads("", "")
    if err != nil {
        t.Fatal(err)
    }
    if len(batch.Loads) != 2 {
        t.Fatalf("want 2 loads, got %d", len(batch.Loads))
    }
    if err := src.AckLoads([]string{batch.Loads[0].ID}); err != nil {
        t.Fatal(err)
    }
}
