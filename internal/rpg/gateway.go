package rpg

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer is resolved against the global TracerProvider. Callers that
// never configure one get the no-op implementation, so Execute incurs
// no tracing overhead unless the host process wires a real provider.
var tracer = otel.Tracer("github.com/resilientgw/rpg/internal/rpg")

// noopHandler is a slog.Handler that discards all log records. Enabled
// returns false so slog skips formatting entirely when no logger is
// injected via WithLogger.
type noopHandler struct{}

func (noopHandler) Enabled(context.Context, slog.Level) bool   { return false }
func (noopHandler) Handle(context.Context, slog.Record) error  { return nil }
func (noopHandler) WithAttrs([]slog.Attr) slog.Handler         { return noopHandler{} }
func (noopHandler) WithGroup(string) slog.Handler              { return noopHandler{} }

// Option configures a Gateway at construction time.
type Option func(*Gateway)

// WithLogger injects a structured logger. When omitted, all gateway log
// output is silently discarded.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithStrategy selects the routing strategy used to order candidate
// providers. Default: StrategyPriorityFailover.
func WithStrategy(s Strategy) Option {
	return func(g *Gateway) { g.strategy = s }
}

// WithBackoff overrides the base and max capped-exponential-backoff
// durations applied between attempts within a single provider.
// Defaults: 500ms base, 8s max.
func WithBackoff(base, max time.Duration) Option {
	return func(g *Gateway) {
		g.backoffBase = base
		g.backoffMax = max
	}
}

// WithClock overrides the gateway's time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// Gateway is the resilient multi-provider gateway: it composes a
// KeyManager per provider with a shared Router and drives retries,
// capped exponential backoff, per-attempt timeouts, and inter-provider
// failover around a caller-supplied RequestFunc.
type Gateway struct {
	logger      *slog.Logger
	strategy    Strategy
	backoffBase time.Duration
	backoffMax  time.Duration
	now         func() time.Time

	mu        sync.RWMutex
	providers map[string]ProviderConfig
	order     []string
	keyMgrs   map[string]*keyManager
	router    *router
}

// NewGateway builds a Gateway over the given provider pool. Each
// provider's zero-value config fields are filled with the defaults
// documented on ProviderConfig.
func NewGateway(providers []ProviderConfig, opts ...Option) (*Gateway, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("%w: no providers configured", ErrNoUsableProvider)
	}

	g := &Gateway{
		strategy:    StrategyPriorityFailover,
		backoffBase: 500 * time.Millisecond,
		backoffMax:  8 * time.Second,
		now:         time.Now,
		providers:   make(map[string]ProviderConfig, len(providers)),
		keyMgrs:     make(map[string]*keyManager, len(providers)),
	}

	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.New(noopHandler{})
	}

	for _, cfg := range providers {
		cfg.defaults()
		if _, dup := g.providers[cfg.ID]; dup {
			return nil, fmt.Errorf("rpg: duplicate provider id %q", cfg.ID)
		}
		g.providers[cfg.ID] = cfg
		g.order = append(g.order, cfg.ID)
		g.keyMgrs[cfg.ID] = newKeyManager(cfg, g.now, g.logger)
	}

	g.router = newRouter(g.strategy, g.keyMgrs)
	return g, nil
}

// Execute runs reqFn against the best available provider, failing over
// through the chain and retrying within each provider up to its
// configured MaxRetries, until one attempt succeeds or the chain is
// exhausted. preferred, if non-empty and present in the pool, is moved
// to the front of the chain as a soft preference — it is still skipped
// if it has no usable key.
func (g *Gateway) Execute(ctx context.Context, reqFn RequestFunc, estimatedTokens int, preferred string) (any, error) {
	ctx, span := tracer.Start(ctx, "rpg.execute", trace.WithAttributes(
		attribute.Int("rpg.estimated_tokens", estimatedTokens),
		attribute.String("rpg.preferred_provider", preferred),
	))
	defer span.End()

	errs := make(map[string]string)
	causes := make(map[string]error)
	attempted := make(map[string]bool)

	chain := g.buildChain(preferred, estimatedTokens)

	for _, cfg := range chain {
		if attempted[cfg.ID] {
			continue
		}
		attempted[cfg.ID] = true

		result, ok, err := g.tryProvider(ctx, cfg, reqFn, estimatedTokens)
		if ok {
			if len(attempted) > 1 {
				g.logger.Info("provider failover succeeded",
					"provider", cfg.ID, "attempts", len(attempted))
			}
			span.SetAttributes(attribute.String("rpg.winning_provider", cfg.ID))
			return result, nil
		}
		errs[cfg.ID] = err.Error()
		causes[cfg.ID] = err

		if ctxErr := ctx.Err(); ctxErr != nil {
			span.RecordError(ctxErr)
			return nil, ctxErr
		}
	}

	g.logger.Error("all providers exhausted", "errors", errs)
	exhausted := &AllProvidersExhaustedError{Errors: errs, causes: causes}
	span.RecordError(exhausted)
	span.SetStatus(codes.Error, exhausted.Error())
	return nil, exhausted
}

// tryProvider drives the per-provider attempt loop: select a key,
// invoke reqFn under a per-attempt timeout, record the outcome, and
// back off before the next attempt. It never holds the KeyManager's
// lock across the reqFn call or the backoff sleep.
func (g *Gateway) tryProvider(ctx context.Context, cfg ProviderConfig, reqFn RequestFunc, estimatedTokens int) (any, bool, error) {
	ctx, span := tracer.Start(ctx, "rpg.attempt", trace.WithAttributes(attribute.String("rpg.provider", cfg.ID)))
	defer span.End()

	km := g.keyMgrs[cfg.ID]
	maxAttempts := cfg.MaxRetries + 1
	if kc := km.keyCount(); kc > 0 && kc < maxAttempts {
		maxAttempts = kc
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		ks := km.selectKey(estimatedTokens)
		if ks == nil {
			g.logger.Warn("provider keys exhausted",
				"provider", cfg.ID, "reasons", km.exhaustedReasons())
			return nil, false, fmt.Errorf("%w: provider %q", ErrNoUsableKeys, cfg.ID)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		start := g.now()
		result, err := reqFn(attemptCtx, cfg, ks.apiKey)
		cancel()
		latencyMs := float64(g.now().Sub(start).Microseconds()) / 1000.0

		if err == nil {
			km.recordSuccess(ks.index, latencyMs, estimatedTokens)
			g.logger.Info("provider request succeeded",
				"provider", cfg.ID, "attempt", attempt+1, "key_index", ks.index, "latency_ms", latencyMs)
			return result, true, nil
		}

		var errText string
		if attemptCtx.Err() == context.DeadlineExceeded {
			errText = fmt.Sprintf("timeout after %s", cfg.Timeout)
			km.recordFailure(ks.index, errText, latencyMs)
			lastErr = fmt.Errorf("%w: provider %q attempt %d after %s", ErrTimeout, cfg.ID, attempt+1, cfg.Timeout)
			g.logger.Warn("provider attempt timed out",
				"provider", cfg.ID, "attempt", attempt+1, "key_index", ks.index, "timeout", cfg.Timeout)
		} else {
			errText = err.Error()
			km.recordFailure(ks.index, errText, latencyMs)
			lastErr = fmt.Errorf("rpg: provider %q attempt %d: %w", cfg.ID, attempt+1, err)
			g.logger.Warn("provider request failed",
				"provider", cfg.ID, "attempt", attempt+1, "key_index", ks.index, "error", errText, "latency_ms", latencyMs)
		}

		if attempt < maxAttempts-1 {
			if !g.sleepBackoff(ctx, attempt) {
				return nil, false, lastErr
			}
		}
	}

	return nil, false, fmt.Errorf("rpg: provider %q exhausted attempts: %w", cfg.ID, lastErr)
}

// sleepBackoff waits min(backoffBase*2^attempt, backoffMax), returning
// false early if ctx is cancelled first.
func (g *Gateway) sleepBackoff(ctx context.Context, attempt int) bool {
	delay := g.backoffBase << attempt
	if delay > g.backoffMax || delay <= 0 {
		delay = g.backoffMax
	}

	t := time.NewTimer(delay)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// buildChain returns the fallback chain in priority order, with
// preferred (if present and configured) moved to the front.
func (g *Gateway) buildChain(preferred string, estimatedTokens int) []ProviderConfig {
	g.mu.RLock()
	providers := make([]ProviderConfig, 0, len(g.order))
	for _, id := range g.order {
		providers = append(providers, g.providers[id])
	}
	g.mu.RUnlock()

	chain := g.router.fallbackChain(providers, nil, estimatedTokens)

	if preferred == "" {
		return chain
	}
	for i, c := range chain {
		if c.ID == preferred {
			chain = append(chain[:i:i], chain[i+1:]...)
			chain = append([]ProviderConfig{c}, chain...)
			break
		}
	}
	return chain
}

// GetHealth returns the current Snapshot for a single provider.
func (g *Gateway) GetHealth(providerID string) (Snapshot, bool) {
	g.mu.RLock()
	km, ok := g.keyMgrs[providerID]
	g.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return km.snapshot(), true
}

// GetAllHealth returns a Snapshot for every configured provider, in
// configuration order.
func (g *Gateway) GetAllHealth() []Snapshot {
	g.mu.RLock()
	ids := append([]string(nil), g.order...)
	g.mu.RUnlock()

	snapshots := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		if snap, ok := g.GetHealth(id); ok {
			snapshots = append(snapshots, snap)
		}
	}
	return snapshots
}

// ResetProvider force-resets every key's circuit breaker and quota
// state for the given provider, for admin/operator use after a known
// transient incident clears.
func (g *Gateway) ResetProvider(providerID string) error {
	g.mu.RLock()
	km, ok := g.keyMgrs[providerID]
	g.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownProvider, providerID)
	}
	km.resetAll()
	g.logger.Info("provider state reset", "provider", providerID)
	return nil
}
