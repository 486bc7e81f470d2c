// Package geo holds the great-circle primitives shared by the planner,
// the proximity scanner and the backhaul matcher. Every distance in the
// system comes from DistanceKm so thresholds compare consistently.
package geo

import (
	"math"

	"synergy/internal/model"
)

const earthRadiusKm = 6371.0

// DistanceKm returns the haversine distance between two points in km.
func DistanceKm(a, b model.GeoPoint) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}

// WithinRadius reports whether p lies within radiusKm of center. A point
// exactly on the boundary counts.
func WithinRadius(center, p model.GeoPoint, radiusKm float64) bool {
	return DistanceKm(center, p) <= radiusKm
}

// Midpoint returns the coordinate midpoint of two points. Good enough as a
// rendezvous estimate at city scale; not a geodesic midpoint.
func Midpoint(a, b model.GeoPoint) model.GeoPoint {
	return model.GeoPoint{Lat: (a.Lat + b.Lat) / 2, Lng: (a.Lng + b.Lng) / 2}
}

// PathKm sums DistanceKm over consecutive points.
func PathKm(pts []model.GeoPoint) float64 {
	total := 0.0
	for i := 0; i < len(pts)-1; i++ {
		total += DistanceKm(pts[i], pts[i+1])
	}
	return total
}
