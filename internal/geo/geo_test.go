package geo

import (
	"math"
	"testing"

	"synergy/internal/model"
)

func TestDistanceKmSymmetric(t *testing.T) {
	a := model.GeoPoint{Lat: 19.0760, Lng: 72.8777}
	b := model.GeoPoint{Lat: 28.7041, Lng: 77.1025}
	if d1, d2 := DistanceKm(a, b), DistanceKm(b, a); math.Abs(d1-d2) > 1e-9 {
		t.Fatalf("asymmetric: %f vs %f", d1, d2)
	}
	if DistanceKm(a, a) != 0 {
		t.Fatalf("self distance not zero")
	}
}

func TestDistanceKmKnown(t *testing.T) {
	// Mumbai to Delhi is roughly 1150 km great-circle.
	a := model.GeoPoint{Lat: 19.0760, Lng: 72.8777}
	b := model.GeoPoint{Lat: 28.7041, Lng: 77.1025}
	d := DistanceKm(a, b)
	if d < 1100 || d > 1200 {
		t.Fatalf("unexpected distance %f", d)
	}
}

func TestWithinRadiusBoundary(t *testing.T) {
	center := model.GeoPoint{Lat: 19.0760, Lng: 72.8777}
	near := model.GeoPoint{Lat: 19.0770, Lng: 72.8778}
	far := model.GeoPoint{Lat: 20.5, Lng: 78.9}
	if !WithinRadius(center, near, 20) {
		t.Fatalf("near point should qualify")
	}
	if WithinRadius(center, far, 20) {
		t.Fatalf("far point should not qualify")
	}
	// A point exactly on the boundary is inside.
	d := DistanceKm(center, far)
	if !WithinRadius(center, far, d) {
		t.Fatalf("point at exactly %f km should qualify", d)
	}
	if WithinRadius(center, far, d-1e-9) {
		t.Fatalf("point just beyond the radius should not qualify")
	}
}

func TestMidpoint(t *testing.T) {
	a := model.GeoPoint{Lat: 10, Lng: 20}
	b := model.GeoPoint{Lat: 20, Lng: 40}
	m := Midpoint(a, b)
	if m.Lat != 15 || m.Lng != 30 {
		t.Fatalf("midpoint %+v", m)
	}
}

func TestPathKm(t *testing.T) {
	a := model.GeoPoint{Lat: 12.9716, Lng: 77.5946}
	b := model.GeoPoint{Lat: 12.98, Lng: 77.60}
	c := model.GeoPoint{Lat: 12.99, Lng: 77.61}
	want := DistanceKm(a, b) + DistanceKm(b, c)
	if got := PathKm([]model.GeoPoint{a, b, c}); math.Abs(got-want) > 1e-9 {
		t.Fatalf("path %f want %f", got, want)
	}
	if PathKm([]model.GeoPoint{a}) != 0 {
		t.Fatalf("single point path should be zero")
	}
}
