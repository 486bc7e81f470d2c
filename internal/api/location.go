package api

import (
	"sync"
)

// LatestLocation holds the latest known position for a truck.
type LatestLocation struct {
	Company  string  `json:"companyId"`
	TruckID  string  `json:"truckId"`
	DriverID string  `json:"driverId,omitempty"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	TS       string  `json:"ts"`
}

// LocationCache stores latest truck positions per company/truck.
type LocationCache struct {
	mu sync.Mutex
	// key: company|truckId
	m map[string]LatestLocation
}

// NewLocationCache constructs a LocationCache.
func NewLocationCache() *LocationCache { return &LocationCache{m: map[string]LatestLocation{}} }

func (c *LocationCache) key(company, truckID string) string {
	return company + "|" + truckID
}

// Upsert stores or updates the latest position for a truck.
func (c *LocationCache) Upsert(company, truckID, driverID string, lat, lng float64, ts string) {
	if company == "" || truckID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	k := c.key(company, truckID)
	c.m[k] = LatestLocation{Company: company, TruckID: truckID, DriverID: driverID, Lat: lat, Lng: lng, TS: ts}
}

// ListByCompany returns the latest positions for a company's trucks.
func (c *LocationCache) ListByCompany(company string) []LatestLocation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := []LatestLocation{}
	prefix := company + "|"
	for k, v := range c.m {
		// simple prefix match
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, v)
		}
	}
	return out
}
