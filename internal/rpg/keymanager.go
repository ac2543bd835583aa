package rpg

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// keyState bundles one API key with its own circuit breaker, quota
// manager, and health tracker. Each key is isolated from its siblings:
// a rate-limited or misbehaving key never affects another key's
// availability.
type keyState struct {
	apiKey string
	index  int
	cb     *circuitBreaker
	quota  *quotaManager
	health *healthTracker
}

// isUsable reports whether the key's circuit currently admits requests.
// Quota is deliberately excluded from usability; SelectKey checks quota
// against a specific request's estimated cost instead.
func (k *keyState) isUsable() bool {
	return k.cb.canExecute()
}

// keyManager owns the pool of keys for a single provider and performs
// round-robin selection among the currently usable ones.
type keyManager struct {
	providerID string

	mu      sync.Mutex
	keys    []*keyState
	rrIndex int
}

func newKeyManager(cfg ProviderConfig, now func() time.Time, logger *slog.Logger) *keyManager {
	km := &keyManager{providerID: cfg.ID}

	window := 60 * time.Second
	for idx, key := range cfg.APIKeys {
		label := fmt.Sprintf("%s:key-%d", cfg.ID, idx)
		km.keys = append(km.keys, &keyState{
			apiKey: key,
			index:  idx,
			cb:     newCircuitBreaker(label, idx, cfg.CBFailureThreshold, cfg.CBCooldown, now, logger),
			quota:  newQuotaManager(label, idx, cfg.RPMLimit, cfg.TPMLimit, window, now, logger),
			health: newHealthTracker(window, 0.30, 0.60, now),
		})
	}
	return km
}

// exhaustedReasons explains, per key, why the key is currently
// unusable. Diagnostic only: never consulted by selectKey or the
// Router's filtering.
func (km *keyManager) exhaustedReasons() []string {
	km.mu.Lock()
	defer km.mu.Unlock()

	var reasons []string
	for _, ks := range km.keys {
		switch {
		case !ks.isUsable():
			reasons = append(reasons, fmt.Sprintf("key %d: circuit open", ks.index))
		case !ks.quota.canAccept(0):
			reasons = append(reasons, fmt.Sprintf("key %d: quota exhausted", ks.index))
		}
	}
	return reasons
}

// selectKey performs one round-robin scan over the key pool, returning
// the first key that is both circuit-usable and has quota for
// estimatedTokens. It advances the cursor past whichever key it
// returns. Returns nil if no key qualifies.
func (km *keyManager) selectKey(estimatedTokens int) *keyState {
	km.mu.Lock()
	defer km.mu.Unlock()

	count := len(km.keys)
	if count == 0 {
		return nil
	}

	start := km.rrIndex
	for i := 0; i < count; i++ {
		idx := (start + i) % count
		ks := km.keys[idx]

		if !ks.isUsable() {
			continue
		}
		if !ks.quota.canAccept(estimatedTokens) {
			continue
		}

		km.rrIndex = (idx + 1) % count
		return ks
	}
	return nil
}

// recordSuccess updates the circuit, quota, and health state for a
// successful call made with the key at keyIndex.
func (km *keyManager) recordSuccess(keyIndex int, latencyMs float64, tokens int) {
	km.mu.Lock()
	ks := km.keyAt(keyIndex)
	km.mu.Unlock()
	if ks == nil {
		return
	}
	ks.cb.recordSuccess()
	ks.quota.recordUsage(tokens)
	ks.health.recordSuccess(latencyMs)
}

// recordFailure updates the circuit and health state for a failed call
// made with the key at keyIndex.
func (km *keyManager) recordFailure(keyIndex int, errText string, latencyMs float64) {
	km.mu.Lock()
	ks := km.keyAt(keyIndex)
	km.mu.Unlock()
	if ks == nil {
		return
	}
	ks.cb.recordFailure()
	ks.health.recordFailure(errText, latencyMs)
}

// keyAt returns the key at index, or nil if out of range. Caller must
// hold km.mu.
func (km *keyManager) keyAt(index int) *keyState {
	if index < 0 || index >= len(km.keys) {
		return nil
	}
	return km.keys[index]
}

// anyHealthy reports whether at least one key's circuit currently
// admits requests, ignoring quota. Used by the Router to decide
// whether a provider belongs in the candidate set at all.
func (km *keyManager) anyHealthy() bool {
	km.mu.Lock()
	defer km.mu.Unlock()
	for _, ks := range km.keys {
		if ks.isUsable() {
			return true
		}
	}
	return false
}

// p50Ms reports this provider's best (smallest) reported p50 latency
// across its keys, for the Router's LEAST_LATENCY strategy. reported is
// false if no key has recorded any latency sample yet.
func (km *keyManager) p50Ms() (ms float64, reported bool) {
	km.mu.Lock()
	defer km.mu.Unlock()

	for _, ks := range km.keys {
		p50 := ks.health.snapshot().LatencyP50Ms
		if p50 <= 0 {
			continue
		}
		if !reported || p50 < ms {
			ms = p50
			reported = true
		}
	}
	return ms, reported
}

// keyCount returns the number of configured keys.
func (km *keyManager) keyCount() int {
	km.mu.Lock()
	defer km.mu.Unlock()
	return len(km.keys)
}

// resetAll force-resets every key's circuit and quota state, used by
// the admin reset API.
func (km *keyManager) resetAll() {
	km.mu.Lock()
	defer km.mu.Unlock()
	for _, ks := range km.keys {
		ks.cb.reset()
		ks.quota.reset()
	}
}

// snapshot aggregates this provider's keys into a single Snapshot,
// following the aggregation rule documented in DESIGN.md: sum
// cumulative counters across keys, classify status from the count of
// keys whose circuit currently admits requests, and leave percentile
// fields at zero (not meaningfully aggregable across keys without
// merging raw per-key sample sets).
func (km *keyManager) snapshot() Snapshot {
	km.mu.Lock()
	defer km.mu.Unlock()

	var totalReq, totalSucc, totalFail int64
	usable := 0

	for _, ks := range km.keys {
		h := ks.health.snapshot()
		totalReq += h.TotalRequests
		totalSucc += h.TotalSuccesses
		totalFail += h.TotalFailures
		if ks.isUsable() {
			usable++
		}
	}

	status := StatusHealthy
	switch {
	case len(km.keys) > 0 && usable == 0:
		status = StatusUnhealthy
	case usable < len(km.keys):
		status = StatusDegraded
	}

	successRate := 1.0
	if totalReq > 0 {
		successRate = float64(totalSucc) / float64(totalReq)
	}

	return Snapshot{
		ProviderID:        km.providerID,
		Status:            status,
		TotalRequests:     totalReq,
		TotalSuccesses:    totalSucc,
		TotalFailures:     totalFail,
		SuccessRate:       successRate,
		LastError:         "check individual key logs",
		QuotaRemainingPct: 100.0,
		CurrentKeyIndex:   km.rrIndex,
	}
}
