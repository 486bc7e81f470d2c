package opt

import "sync"

// PlanMetrics summarizes one allocation run.
type PlanMetrics struct {
    Algo        string  `json:"algo"`
    Points      int     `json:"points"`
    Tours       int     `json:"tours"`
    TotalKm     float64 `json:"totalKm"`
    BaselineKm  float64 `json:"baselineKm"`
    SavedKm     float64 `json:"savedKm"`
    ElapsedMs   int64   `json:"elapsedMs"`
}

type key struct{
    Company string
    Algo string
}

var (
    mu sync.Mutex
    plans = map[key]PlanMetrics{}
)

func RecordPlan(company, algo string, m PlanMetrics) {
    mu.Lock()
    plans[key{Company: company, Algo: algo}] = m
    mu.Unlock()
}

func GetPlans(company string) map[string]PlanMetrics {
    mu.Lock()
    defer mu.Unlock()
    out := map[string]PlanMetrics{}
    for k, v := range plans {
        if k.Company == company {
            out[k.Algo] = v
        }
    }
    return out
}
