package auth

import (
	"sync"
	"time"
)

// sweepEvery bounds how long an idle tenant's window survives in memory.
const sweepEvery = 5 * time.Minute

// RateLimiter enforces a per-tenant sliding window: a request is admitted
// while fewer than limit requests fall inside the window. Stale tenants are
// swept inline during Allow, so the limiter needs no background goroutine
// and can simply be dropped when the server shuts down.
type RateLimiter struct {
	mu        sync.Mutex
	tenants   map[string]*tenantWindow
	limit     int
	window    time.Duration
	lastSweep time.Time
}

// tenantWindow holds one tenant's request times, oldest first. Times are
// only appended under the limiter's lock, so the slice stays sorted.
type tenantWindow struct {
	times []time.Time
}

func (tw *tenantWindow) prune(cutoff time.Time) {
	i := 0
	for i < len(tw.times) && !tw.times[i].After(cutoff) {
		i++
	}
	tw.times = tw.times[i:]
}

// NewRateLimiter creates a limiter that admits limit requests per tenant
// within the given window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		tenants:   make(map[string]*tenantWindow),
		limit:     limit,
		window:    window,
		lastSweep: time.Now(),
	}
}

// Allow reports whether the tenant is under its limit. An admitted call
// counts against the window; a rejected one does not.
func (rl *RateLimiter) Allow(tenant string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)
	if now.Sub(rl.lastSweep) >= sweepEvery {
		rl.sweep(cutoff)
		rl.lastSweep = now
	}

	tw := rl.tenants[tenant]
	if tw == nil {
		tw = &tenantWindow{}
		rl.tenants[tenant] = tw
	}
	tw.prune(cutoff)

	if len(tw.times) >= rl.limit {
		return false
	}
	tw.times = append(tw.times, now)
	return true
}

// sweep drops tenants whose whole window has expired. Caller holds the lock.
func (rl *RateLimiter) sweep(cutoff time.Time) {
	for tenant, tw := range rl.tenants {
		tw.prune(cutoff)
		if len(tw.times) == 0 {
			delete(rl.tenants, tenant)
		}
	}
}
