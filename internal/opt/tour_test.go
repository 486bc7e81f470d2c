package opt

import (
	"math"
	"sort"
	"testing"

	"synergy/internal/geo"
	"synergy/internal/model"
)

var hub = model.GeoPoint{Lat: 12.9716, Lng: 77.5946}

func cityPoints() []DeliveryPoint {
	coords := []model.GeoPoint{
		{Lat: 13.01, Lng: 77.60}, {Lat: 13.02, Lng: 77.64},
		{Lat: 12.99, Lng: 77.68}, {Lat: 12.95, Lng: 77.70},
		{Lat: 12.90, Lng: 77.62}, {Lat: 12.91, Lng: 77.55},
		{Lat: 12.95, Lng: 77.50}, {Lat: 13.00, Lng: 77.52},
	}
	pts := make([]DeliveryPoint, len(coords))
	for i, c := range coords {
		pts[i] = DeliveryPoint{DeliveryID: string(rune('a' + i)), Point: c, WeightKg: 10}
	}
	return pts
}

func TestBuildToursPartitionsAllPoints(t *testing.T) {
	pts := cityPoints()
	tours := SectorConstructor{}.BuildTours(hub, pts, 2)
	if len(tours) != 2 {
		t.Fatalf("want 2 tours, got %d", len(tours))
	}
	seen := map[string]bool{}
	for _, tr := range tours {
		if len(tr.Points) != 4 {
			t.Fatalf("want 4 points per tour, got %d", len(tr.Points))
		}
		for _, p := range tr.Points {
			if seen[p.DeliveryID] {
				t.Fatalf("point %s assigned twice", p.DeliveryID)
			}
			seen[p.DeliveryID] = true
		}
	}
	if len(seen) != len(pts) {
		t.Fatalf("lost points: %d of %d", len(seen), len(pts))
	}
}

func TestBuildToursNoWorseThanAngularOrder(t *testing.T) {
	pts := cityPoints()
	tours := SectorConstructor{}.BuildTours(hub, pts, 2)

	// Baseline: angular order within the same segmentation, no NN or 2-opt.
	sorted := append([]DeliveryPoint(nil), pts...)
	sort.SliceStable(sorted, func(i, j int) bool {
		ai := math.Atan2(sorted[i].Point.Lat-hub.Lat, sorted[i].Point.Lng-hub.Lng)
		aj := math.Atan2(sorted[j].Point.Lat-hub.Lat, sorted[j].Point.Lng-hub.Lng)
		return ai < aj
	})
	for ti, tr := range tours {
		seg := sorted[ti*4 : ti*4+4]
		baseline := geo.DistanceKm(hub, tr.Entry)
		cur := tr.Entry
		for _, p := range seg {
			baseline += geo.DistanceKm(cur, p.Point)
			cur = p.Point
		}
		baseline += geo.DistanceKm(cur, tr.Exit) + geo.DistanceKm(tr.Exit, hub)
		if tr.LengthKm > baseline+1e-6 {
			t.Fatalf("tour %d longer than angular baseline: %f > %f", ti, tr.LengthKm, baseline)
		}
	}
}

func TestBuildToursMoreTrucksThanPoints(t *testing.T) {
	pts := cityPoints()[:2]
	tours := SectorConstructor{}.BuildTours(hub, pts, 4)
	if len(tours) != 4 {
		t.Fatalf("want 4 tours, got %d", len(tours))
	}
	nonEmpty := 0
	for _, tr := range tours {
		if len(tr.Points) > 0 {
			nonEmpty++
			continue
		}
		// Degenerate hub-to-hub tour, zero length.
		if tr.LengthKm != 0 {
			t.Fatalf("empty tour has length %f", tr.LengthKm)
		}
	}
	if nonEmpty != 2 {
		t.Fatalf("want 2 non-empty tours, got %d", nonEmpty)
	}
}

func TestImproveOrder2OptNeverWorse(t *testing.T) {
	pts := cityPoints()
	points := make([]model.GeoPoint, 0, len(pts)+2)
	points = append(points, hub)
	for _, p := range pts {
		points = append(points, p.Point)
	}
	points = append(points, hub)
	order := make([]int, len(points))
	for i := range order {
		order[i] = i
	}
	before := orderKm(points, order)
	improved := ImproveOrder2Opt(points, order, 10)
	after := orderKm(points, improved)
	if after > before+1e-6 {
		t.Fatalf("2-opt made it worse: %f > %f", after, before)
	}
	if improved[0] != 0 || improved[len(improved)-1] != len(points)-1 {
		t.Fatalf("endpoints moved: %v", improved)
	}
}

func TestAnnealingNoWorseThanSector(t *testing.T) {
	pts := cityPoints()
	sector := SectorConstructor{}.BuildTours(hub, pts, 2)
	annealed := AnnealingConstructor{Seed: 42, Iterations: 300}.BuildTours(hub, pts, 2)
	if plansKm(hub, annealed) > plansKm(hub, sector)+1e-6 {
		t.Fatalf("annealing worse: %f > %f", plansKm(hub, annealed), plansKm(hub, sector))
	}
	seen := map[string]bool{}
	for _, tr := range annealed {
		for _, p := range tr.Points {
			if seen[p.DeliveryID] {
				t.Fatalf("duplicate %s", p.DeliveryID)
			}
			seen[p.DeliveryID] = true
		}
	}
	if len(seen) != len(pts) {
		t.Fatalf("annealing lost points")
	}
}
