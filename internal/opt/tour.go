package opt

import (
	"math"
	"sort"

	"synergy/internal/geo"
	"synergy/internal/model"
)

// DeliveryPoint is one drop considered by the tour constructor.
type DeliveryPoint struct {
	DeliveryID string
	Label      string
	Point      model.GeoPoint
	WeightKg   float64
	VolumeM3   float64
}

// Tour is the ordered visit plan for one truck: hub, entry rendezvous,
// drops, exit rendezvous, hub.
type Tour struct {
	Entry    model.GeoPoint
	Exit     model.GeoPoint
	Points   []DeliveryPoint
	LengthKm float64
}

// Constructor builds truck tours from a hub and a set of drops. The
// heuristic version below is the default; a solver can replace it.
type Constructor interface {
	BuildTours(hub model.GeoPoint, pts []DeliveryPoint, k int) []Tour
}

// SectorConstructor clusters drops into angular sectors around the hub,
// orders each sector by nearest neighbor and refines with 2-opt.
type SectorConstructor struct{}

func (SectorConstructor) BuildTours(hub model.GeoPoint, pts []DeliveryPoint, k int) []Tour {
	if k <= 0 {
		return nil
	}
	sorted := append([]DeliveryPoint(nil), pts...)
	sort.SliceStable(sorted, func(i, j int) bool {
		ai := math.Atan2(sorted[i].Point.Lat-hub.Lat, sorted[i].Point.Lng-hub.Lng)
		aj := math.Atan2(sorted[j].Point.Lat-hub.Lat, sorted[j].Point.Lng-hub.Lng)
		return ai < aj
	})

	segSize := (len(sorted) + k - 1) / k
	segments := make([][]DeliveryPoint, k)
	for i := range segments {
		lo := i * segSize
		hi := lo + segSize
		if lo > len(sorted) {
			lo = len(sorted)
		}
		if hi > len(sorted) {
			hi = len(sorted)
		}
		segments[i] = sorted[lo:hi]
	}

	// Rendezvous between adjacent non-empty segments: midpoint of the last
	// point of one and the first point of the next. Boundary segments fall
	// back to the hub.
	entries := make([]model.GeoPoint, k)
	exits := make([]model.GeoPoint, k)
	for i := range segments {
		entries[i] = hub
		exits[i] = hub
	}
	for i := 0; i < k-1; i++ {
		if len(segments[i]) == 0 || len(segments[i+1]) == 0 {
			continue
		}
		m := geo.Midpoint(segments[i][len(segments[i])-1].Point, segments[i+1][0].Point)
		exits[i] = m
		entries[i+1] = m
	}

	tours := make([]Tour, 0, k)
	for i, seg := range segments {
		t := Tour{Entry: entries[i], Exit: exits[i]}
		if len(seg) > 0 {
			ordered := nearestNeighborOrder(entries[i], seg)
			ordered = refine(hub, entries[i], exits[i], ordered)
			t.Points = ordered
		}
		t.LengthKm = tourKm(hub, t)
		tours = append(tours, t)
	}
	return tours
}

// nearestNeighborOrder greedily walks from the anchor; ties resolve to the
// first candidate encountered, which keeps the result deterministic for a
// fixed input order.
func nearestNeighborOrder(anchor model.GeoPoint, pts []DeliveryPoint) []DeliveryPoint {
	remaining := append([]DeliveryPoint(nil), pts...)
	out := make([]DeliveryPoint, 0, len(pts))
	cur := anchor
	for len(remaining) > 0 {
		bestIdx := 0
		bestD := geo.DistanceKm(cur, remaining[0].Point)
		for i := 1; i < len(remaining); i++ {
			if d := geo.DistanceKm(cur, remaining[i].Point); d < bestD {
				bestD = d
				bestIdx = i
			}
		}
		out = append(out, remaining[bestIdx])
		cur = remaining[bestIdx].Point
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return out
}

func refine(hub, entry, exit model.GeoPoint, pts []DeliveryPoint) []DeliveryPoint {
	if len(pts) < 3 {
		return pts
	}
	// Build the full point sequence with fixed endpoints for 2-opt.
	seq := make([]model.GeoPoint, 0, len(pts)+4)
	seq = append(seq, hub, entry)
	for _, p := range pts {
		seq = append(seq, p.Point)
	}
	seq = append(seq, exit, hub)
	order := make([]int, len(seq))
	for i := range order {
		order[i] = i
	}
	// Pin hub and rendezvous positions by restricting swaps to the drop span.
	improved := improveSpan(seq, order, 2, len(seq)-3)
	out := make([]DeliveryPoint, len(pts))
	for i := 0; i < len(pts); i++ {
		out[i] = pts[improved[i+2]-2]
	}
	return out
}

// improveSpan runs 2-opt restricted to indices [lo,hi] of order.
func improveSpan(points []model.GeoPoint, order []int, lo, hi int) []int {
	best := append([]int(nil), order...)
	bestDist := orderKm(points, best)
	for {
		improved := false
		for i := lo; i < hi; i++ {
			for k := i + 1; k <= hi; k++ {
				cand := twoOptSwap(best, i, k)
				if d := orderKm(points, cand); d+1e-6 < bestDist {
					best = cand
					bestDist = d
					improved = true
				}
			}
		}
		if !improved {
			return best
		}
	}
}

func tourKm(hub model.GeoPoint, t Tour) float64 {
	seq := make([]model.GeoPoint, 0, len(t.Points)+4)
	seq = append(seq, hub, t.Entry)
	for _, p := range t.Points {
		seq = append(seq, p.Point)
	}
	seq = append(seq, t.Exit, hub)
	return geo.PathKm(seq)
}

// TourLengthKm exposes the full hub-to-hub length of a tour.
func TourLengthKm(hub model.GeoPoint, t Tour) float64 {
	return tourKm(hub, t)
}
