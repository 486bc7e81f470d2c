package opt

import (
	"synergy/internal/geo"
	"synergy/internal/model"
)

// ImproveOrder2Opt applies a simple 2-opt heuristic to reduce total distance.
// The first and last index of order are treated as fixed endpoints.
func ImproveOrder2Opt(points []model.GeoPoint, order []int, iterations int) []int {
	if iterations <= 0 {
		iterations = 1
	}
	best := append([]int(nil), order...)
	bestDist := orderKm(points, best)
	n := len(order)
	for it := 0; it < iterations; it++ {
		improved := false
		for i := 1; i < n-2; i++ {
			for k := i + 1; k < n-1; k++ {
				newOrder := twoOptSwap(best, i, k)
				d := orderKm(points, newOrder)
				if d+1e-6 < bestDist {
					best = newOrder
					bestDist = d
					improved = true
				}
			}
		}
		if !improved {
			break
		}
	}
	return best
}

func twoOptSwap(ord []int, i, k int) []int {
	out := make([]int, len(ord))
	copy(out, ord[:i])
	// reverse i..k
	pos := i
	for j := k; j >= i; j-- {
		out[pos] = ord[j]
		pos++
	}
	copy(out[pos:], ord[k+1:])
	return out
}

func orderKm(points []model.GeoPoint, order []int) float64 {
	total := 0.0
	for i := 0; i < len(order)-1; i++ {
		total += geo.DistanceKm(points[order[i]], points[order[i+1]])
	}
	return total
}
