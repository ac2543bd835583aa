// Package rpg implements the resilient multi-provider gateway: a reusable,
// in-process resilience layer that wraps any set of remote API providers
// behind a single Execute entry point, handling per-key circuit breaking,
// quota accounting, health tracking, intra-provider key rotation,
// inter-provider priority failover, and bounded retries with backoff.
package rpg

import (
	"context"
	"strings"
	"time"
)

// Strategy selects how the Router orders candidate providers.
type Strategy string

// Supported routing strategies.
const (
	StrategyPriorityFailover Strategy = "priority_failover"
	StrategyRoundRobin       Strategy = "round_robin"
	StrategyWeighted         Strategy = "weighted"
	StrategyLeastLatency     Strategy = "least_latency"
)

// Status is the health classification of a provider or key.
type Status string

// Provider/key health classifications.
const (
	StatusHealthy     Status = "healthy"
	StatusDegraded    Status = "degraded"
	StatusUnhealthy   Status = "unhealthy"
	StatusCircuitOpen Status = "circuit_open"
)

// CircuitState is the circuit breaker's current state.
type CircuitState string

// Circuit breaker states.
const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// ProviderConfig is the static configuration for a single provider.
// It is immutable once handed to NewGateway.
type ProviderConfig struct {
	// ID uniquely identifies the provider (e.g. "anthropic", "openai").
	ID string

	// APIKeys is the pool of keys to rotate through. At least one
	// non-blank key is required for the provider to be routable.
	APIKeys []string

	// Priority orders candidates for PriorityFailover routing; lower
	// values are tried first. Default: 10.
	Priority int

	// Weight is the relative selection weight for Weighted routing.
	// Default: 1.
	Weight int

	// RPMLimit caps requests per minute per key. Zero means unlimited.
	RPMLimit int

	// TPMLimit caps tokens per minute per key. Zero means unlimited.
	TPMLimit int

	// Timeout bounds a single request attempt. Default: 60s.
	Timeout time.Duration

	// CBFailureThreshold is the number of consecutive failures before
	// a key's circuit opens. Default: 5.
	CBFailureThreshold int

	// CBCooldown is how long a key's circuit stays open before a
	// half-open probe is allowed. Default: 30s.
	CBCooldown time.Duration

	// MaxRetries bounds retries within this single provider, not
	// counting the first attempt. Default: 2.
	MaxRetries int

	// Metadata carries arbitrary provider-specific data (model name,
	// base URL, etc.) opaque to the gateway.
	Metadata map[string]string
}

// hasKeys reports whether the config has at least one non-blank key.
func (c ProviderConfig) hasKeys() bool {
	for _, k := range c.APIKeys {
		if strings.TrimSpace(k) != "" {
			return true
		}
	}
	return false
}

func (c *ProviderConfig) defaults() {
	if c.Priority == 0 {
		c.Priority = 10
	}
	if c.Weight == 0 {
		c.Weight = 1
	}
	if c.Timeout == 0 {
		c.Timeout = 60 * time.Second
	}
	if c.CBFailureThreshold == 0 {
		c.CBFailureThreshold = 5
	}
	if c.CBCooldown == 0 {
		c.CBCooldown = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
}

// Snapshot is a read-only health view of a single provider, aggregated
// across all of its keys. Field names are stable and intended for
// admin/observability consumers.
type Snapshot struct {
	ProviderID          string
	Status              Status
	TotalRequests       int64
	TotalSuccesses      int64
	TotalFailures       int64
	ConsecutiveFailures int64
	SuccessRate         float64
	LatencyP50Ms        float64
	LatencyP95Ms        float64
	LatencyP99Ms        float64
	LastError           string
	LastErrorTime       time.Time
	QuotaRemainingPct   float64
	CurrentKeyIndex     int
}

// RequestFunc is the caller-supplied request body. It receives the
// provider configuration and the API key selected for this attempt, and
// must return the result or an error. The gateway never inspects the
// result; it only reacts to whether err is nil.
type RequestFunc func(ctx context.Context, cfg ProviderConfig, apiKey string) (any, error)
