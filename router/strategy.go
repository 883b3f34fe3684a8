package router

import (
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/petal-labs/conduit/core"
)

// Strategy selects the order in which candidate backends are tried.
type Strategy string

const (
	// StrategyRoundRobin rotates through backends per request.
	StrategyRoundRobin Strategy = "round_robin"
	// StrategyPriority always prefers earlier-configured backends.
	StrategyPriority Strategy = "priority"
	// StrategyRandom shuffles the candidates per request.
	StrategyRandom Strategy = "random"
	// StrategyLeastLatency prefers the lowest observed smoothed latency.
	StrategyLeastLatency Strategy = "least_latency"
	// StrategyCustom delegates the primary choice to Config.Selector.
	StrategyCustom Strategy = "custom"
)

// order returns candidate indices in preference order for one request.
func (r *Router) order(req *core.ChatRequest, candidates []int) []int {
	out := append([]int(nil), candidates...)
	switch r.cfg.Strategy {
	case StrategyRoundRobin, "":
		if len(out) > 1 {
			shift := int(r.rr.Add(1)-1) % len(out)
			out = append(out[shift:], out[:shift]...)
		}
	case StrategyPriority:
		// Configured order is the preference order.
	case StrategyRandom:
		rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	case StrategyLeastLatency:
		sort.SliceStable(out, func(i, j int) bool {
			return r.latency[out[i]].value() < r.latency[out[j]].value()
		})
	case StrategyCustom:
		if r.cfg.Selector == nil {
			return out
		}
		names := make([]string, len(out))
		for i, idx := range out {
			names[i] = r.backends[idx].Info().Name
		}
		chosen := r.cfg.Selector(req, names)
		for i, idx := range out {
			if r.backends[idx].Info().Name == chosen {
				picked := out[i]
				out = append(out[:i], out[i+1:]...)
				out = append([]int{picked}, out...)
				break
			}
		}
	}
	return out
}

// Selector picks the preferred backend name from the candidates for one
// request. An unknown name falls back to the candidate order as-is.
type Selector func(req *core.ChatRequest, candidates []string) string

// CostOptimized returns a Selector preferring the cheapest candidate by
// the given relative cost table (e.g. USD per million tokens). Candidates
// missing from the table are never preferred over priced ones.
func CostOptimized(costs map[string]float64) Selector {
	return func(_ *core.ChatRequest, candidates []string) string {
		best := ""
		bestCost := math.MaxFloat64
		for _, name := range candidates {
			cost, ok := costs[name]
			if ok && cost < bestCost {
				best = name
				bestCost = cost
			}
		}
		return best
	}
}

// Complexity returns a Selector that routes short requests to the simple
// backend and everything at or above tokenThreshold (estimated) to the
// capable one.
func Complexity(tokenThreshold int, simple, capable string) Selector {
	return func(req *core.ChatRequest, _ []string) string {
		if core.EstimateRequestTokens(req) >= tokenThreshold {
			return capable
		}
		return simple
	}
}

// ewma is a smoothed latency estimate in milliseconds. Unobserved
// backends read as zero so they are tried first under least-latency.
type ewma struct {
	mu  sync.Mutex
	v   float64
	set bool
}

const ewmaAlpha = 0.3

func (e *ewma) observe(ms float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.set {
		e.v = ms
		e.set = true
		return
	}
	e.v = ewmaAlpha*ms + (1-ewmaAlpha)*e.v
}

func (e *ewma) value() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.v
}
