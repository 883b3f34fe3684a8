package router

import (
	"context"
	"sync"
	"time"

	"github.com/petal-labs/conduit/core"
)

// healthState tracks one backend's failure streak and cooldown window.
type healthState struct {
	mu                  sync.Mutex
	consecutiveFailures int
	unhealthyUntil      time.Time
	unhealthy           bool
}

// available reports whether the backend may receive traffic.
func (h *healthState) available(now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.unhealthy {
		return true
	}
	return now.After(h.unhealthyUntil)
}

// recordFailure counts a failure; crossing the threshold opens the
// cooldown window. Returns true on a healthy-to-unhealthy transition.
func (h *healthState) recordFailure(now time.Time, threshold int, cooldown time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutiveFailures++
	if h.consecutiveFailures < threshold || h.unhealthy {
		if h.unhealthy {
			// Still failing after cooldown expiry: extend the window.
			h.unhealthyUntil = now.Add(cooldown)
		}
		return false
	}
	h.unhealthy = true
	h.unhealthyUntil = now.Add(cooldown)
	return true
}

// recordSuccess resets the streak. Returns true on an unhealthy-to-healthy
// transition.
func (h *healthState) recordSuccess() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutiveFailures = 0
	if !h.unhealthy {
		return false
	}
	h.unhealthy = false
	h.unhealthyUntil = time.Time{}
	return true
}

// probeLoop actively probes backends implementing core.HealthChecker at
// the configured interval, feeding results into the same health state as
// passive tracking.
func (r *Router) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.probeAll(ctx)
		}
	}
}

func (r *Router) probeAll(ctx context.Context) {
	for i, b := range r.backends {
		checker, ok := b.(core.HealthChecker)
		if !ok {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := checker.HealthCheck(probeCtx)
		cancel()

		name := b.Info().Name
		if err != nil {
			if r.health[i].recordFailure(r.now(), r.cfg.UnhealthyThreshold, r.cfg.Cooldown) {
				r.emit(Event{Type: EventHealthChanged, Backend: name, Healthy: false})
			}
			continue
		}
		if r.health[i].recordSuccess() {
			r.emit(Event{Type: EventHealthChanged, Backend: name, Healthy: true})
		}
	}
}

// StartProbes launches the background probe loop; it stops when ctx is
// cancelled. No-op unless ProbeInterval is set.
func (r *Router) StartProbes(ctx context.Context) {
	if r.cfg.ProbeInterval <= 0 {
		return
	}
	go r.probeLoop(ctx)
}
