package api

import (
    "sync"

    "golang.org/x/time/rate"
)

// limiterCache hands out one token bucket per key (company|truckId) so a
// chatty GPS unit cannot starve the proximity scanner for the whole fleet.
type limiterCache struct {
    mu    sync.Mutex
    rps   rate.Limit
    burst int
    m     map[string]*rate.Limiter
}

func newLimiterCache(rps float64, burst int) *limiterCache {
    if rps <= 0 { rps = 5 }
    if burst <= 0 { burst = 10 }
    return &limiterCache{rps: rate.Limit(rps), burst: burst, m: map[string]*rate.Limiter{}}
}

func (c *limiterCache) allow(key string) bool {
    c.mu.Lock()
    l := c.m[key]
    if l == nil {
        l = rate.NewLimiter(c.rps, c.burst)
        c.m[key] = l
    }
    c.mu.Unlock()
    return l.Allow()
}
