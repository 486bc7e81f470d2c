package opt

import (
	"math"
	"math/rand"
	"time"

	"synergy/internal/model"
)

// AnnealingConstructor refines the sector plan with simulated annealing:
// random relocations of drops between adjacent sectors, accepting worse
// plans with decaying probability. Deterministic for a fixed Seed.
type AnnealingConstructor struct {
	Seed       int64
	Iterations int
	InitTemp   float64
	Cooling    float64
}

func (a AnnealingConstructor) BuildTours(hub model.GeoPoint, pts []DeliveryPoint, k int) []Tour {
	base := SectorConstructor{}.BuildTours(hub, pts, k)
	if len(base) < 2 || len(pts) < 3 {
		return base
	}
	seed := a.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	iters := a.Iterations
	if iters <= 0 {
		iters = 500
	}
	temp := a.InitTemp
	if temp <= 0 {
		temp = 1.0
	}
	cool := a.Cooling
	if cool <= 0 || cool >= 1 {
		cool = 0.995
	}

	best := cloneTours(base)
	bestKm := plansKm(hub, best)
	curr := cloneTours(base)
	currKm := bestKm
	for it := 0; it < iters; it++ {
		cand := cloneTours(curr)
		if !relocateRandom(cand, rng) {
			break
		}
		reorder(hub, cand)
		candKm := plansKm(hub, cand)
		delta := candKm - currKm
		if delta < 0 || rng.Float64() < math.Exp(-delta/(temp+1e-9)) {
			curr = cand
			currKm = candKm
			if candKm+1e-6 < bestKm {
				best = cloneTours(cand)
				bestKm = candKm
			}
		}
		temp *= cool
	}
	return best
}

// relocateRandom moves one random drop to a random other tour.
func relocateRandom(tours []Tour, rng *rand.Rand) bool {
	from := -1
	for _, i := range rng.Perm(len(tours)) {
		if len(tours[i].Points) > 1 {
			from = i
			break
		}
	}
	if from < 0 {
		return false
	}
	to := rng.Intn(len(tours))
	for to == from {
		to = rng.Intn(len(tours))
	}
	pi := rng.Intn(len(tours[from].Points))
	p := tours[from].Points[pi]
	tours[from].Points = append(tours[from].Points[:pi], tours[from].Points[pi+1:]...)
	tours[to].Points = append(tours[to].Points, p)
	return true
}

func reorder(hub model.GeoPoint, tours []Tour) {
	for i := range tours {
		if len(tours[i].Points) > 1 {
			tours[i].Points = nearestNeighborOrder(tours[i].Entry, tours[i].Points)
			tours[i].Points = refine(hub, tours[i].Entry, tours[i].Exit, tours[i].Points)
		}
		tours[i].LengthKm = tourKm(hub, tours[i])
	}
}

func cloneTours(in []Tour) []Tour {
	out := make([]Tour, len(in))
	for i, t := range in {
		out[i] = t
		out[i].Points = append([]DeliveryPoint(nil), t.Points...)
	}
	return out
}

func plansKm(hub model.GeoPoint, tours []Tour) float64 {
	total := 0.0
	for i := range tours {
		total += tourKm(hub, tours[i])
	}
	return total
}
