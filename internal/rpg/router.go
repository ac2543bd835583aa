package rpg

import (
	"math"
	"math/rand"
	"sort"
	"sync"
)

// router selects and orders candidate providers according to a
// configured Strategy. It holds no per-provider state of its own beyond
// a round-robin cursor; availability filtering defers to each
// provider's KeyManager.
type router struct {
	strategy Strategy
	keyMgrs  map[string]*keyManager

	mu      sync.Mutex
	rrIndex int
	rng     *rand.Rand
}

func newRouter(strategy Strategy, keyMgrs map[string]*keyManager) *router {
	if strategy == "" {
		strategy = StrategyPriorityFailover
	}
	return &router{
		strategy: strategy,
		keyMgrs:  keyMgrs,
		rng:      rand.New(rand.NewSource(1)),
	}
}

// selectProvider returns the single best candidate under the
// configured strategy, or nil if no provider qualifies.
func (r *router) selectProvider(providers []ProviderConfig, exclude map[string]bool, estimatedTokens int) *ProviderConfig {
	candidates := r.filterCandidates(providers, exclude)
	if len(candidates) == 0 {
		return nil
	}

	switch r.strategy {
	case StrategyRoundRobin:
		return r.selectRoundRobin(candidates)
	case StrategyWeighted:
		return r.selectWeighted(candidates)
	case StrategyLeastLatency:
		return r.selectLeastLatency(candidates)
	default: // StrategyPriorityFailover
		return r.selectPriority(candidates)
	}
}

// fallbackChain returns every currently-admissible provider, always
// ordered by ascending priority regardless of the configured routing
// strategy — failover order is priority order.
func (r *router) fallbackChain(providers []ProviderConfig, exclude map[string]bool, estimatedTokens int) []ProviderConfig {
	candidates := r.filterCandidates(providers, exclude)
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority < candidates[j].Priority
	})
	return candidates
}

func (r *router) selectPriority(candidates []ProviderConfig) *ProviderConfig {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Priority < best.Priority {
			best = c
		}
	}
	return &best
}

func (r *router) selectRoundRobin(candidates []ProviderConfig) *ProviderConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.rrIndex % len(candidates)
	r.rrIndex++
	return &candidates[idx]
}

func (r *router) selectWeighted(candidates []ProviderConfig) *ProviderConfig {
	total := 0
	for _, c := range candidates {
		w := c.Weight
		if w <= 0 {
			w = 1
		}
		total += w
	}
	if total <= 0 {
		return &candidates[0]
	}

	r.mu.Lock()
	pick := r.rng.Intn(total)
	r.mu.Unlock()

	for _, c := range candidates {
		w := c.Weight
		if w <= 0 {
			w = 1
		}
		if pick < w {
			return &c
		}
		pick -= w
	}
	return &candidates[len(candidates)-1]
}

// selectLeastLatency chooses the survivor with the smallest non-zero
// p50, treating a provider with no reported latency yet as infinite.
// Ties (including all-infinite) keep the stable input order.
func (r *router) selectLeastLatency(candidates []ProviderConfig) *ProviderConfig {
	best := &candidates[0]
	bestLatency := r.providerP50(candidates[0])

	for i := 1; i < len(candidates); i++ {
		latency := r.providerP50(candidates[i])
		if latency < bestLatency {
			best = &candidates[i]
			bestLatency = latency
		}
	}
	return best
}

// providerP50 returns a provider's best reported key p50 latency, or
// +Inf if it has not reported any latency sample yet.
func (r *router) providerP50(cfg ProviderConfig) float64 {
	km, ok := r.keyMgrs[cfg.ID]
	if !ok {
		return math.Inf(1)
	}
	ms, reported := km.p50Ms()
	if !reported {
		return math.Inf(1)
	}
	return ms
}

// filterCandidates drops providers that are excluded, have no
// configured keys, or whose KeyManager reports no circuit-usable key
// at all.
func (r *router) filterCandidates(providers []ProviderConfig, exclude map[string]bool) []ProviderConfig {
	var out []ProviderConfig
	for _, p := range providers {
		if exclude[p.ID] {
			continue
		}
		if !p.hasKeys() {
			continue
		}
		km, ok := r.keyMgrs[p.ID]
		if !ok || !km.anyHealthy() {
			continue
		}
		out = append(out, p)
	}
	return out
}
