package rpg

import "testing"

func routerFixture(t *testing.T, strategy Strategy, configs ...ProviderConfig) (*router, []ProviderConfig) {
	t.Helper()
	mgrs := make(map[string]*keyManager, len(configs))
	for i := range configs {
		configs[i].defaults()
		mgrs[configs[i].ID] = newKeyManager(configs[i], nil, nil)
	}
	return newRouter(strategy, mgrs), configs
}

func TestRouter_PriorityFailoverOrdersByPriority(t *testing.T) {
	r, configs := routerFixture(t, StrategyPriorityFailover,
		ProviderConfig{ID: "b", APIKeys: []string{"k"}, Priority: 5},
		ProviderConfig{ID: "a", APIKeys: []string{"k"}, Priority: 1},
		ProviderConfig{ID: "c", APIKeys: []string{"k"}, Priority: 10},
	)

	chain := r.fallbackChain(configs, nil, 0)
	if len(chain) != 3 || chain[0].ID != "a" || chain[1].ID != "b" || chain[2].ID != "c" {
		t.Fatalf("chain = %v, want [a b c]", idsOf(chain))
	}
}

func TestRouter_FiltersProvidersWithoutKeys(t *testing.T) {
	r, configs := routerFixture(t, StrategyPriorityFailover,
		ProviderConfig{ID: "has-keys", APIKeys: []string{"k"}},
		ProviderConfig{ID: "no-keys", APIKeys: nil},
	)

	chain := r.fallbackChain(configs, nil, 0)
	if len(chain) != 1 || chain[0].ID != "has-keys" {
		t.Fatalf("chain = %v, want [has-keys]", idsOf(chain))
	}
}

func TestRouter_FiltersExcluded(t *testing.T) {
	r, configs := routerFixture(t, StrategyPriorityFailover,
		ProviderConfig{ID: "a", APIKeys: []string{"k"}},
		ProviderConfig{ID: "b", APIKeys: []string{"k"}},
	)

	chain := r.fallbackChain(configs, map[string]bool{"a": true}, 0)
	if len(chain) != 1 || chain[0].ID != "b" {
		t.Fatalf("chain = %v, want [b]", idsOf(chain))
	}
}

func TestRouter_RoundRobinAdvancesEachCall(t *testing.T) {
	r, configs := routerFixture(t, StrategyRoundRobin,
		ProviderConfig{ID: "a", APIKeys: []string{"k"}},
		ProviderConfig{ID: "b", APIKeys: []string{"k"}},
	)

	first := r.selectProvider(configs, nil, 0)
	second := r.selectProvider(configs, nil, 0)
	if first.ID == second.ID {
		t.Fatalf("round robin selected %q twice in a row", first.ID)
	}
}

func TestRouter_NoCandidatesReturnsNil(t *testing.T) {
	r, configs := routerFixture(t, StrategyPriorityFailover)
	if got := r.selectProvider(configs, nil, 0); got != nil {
		t.Fatalf("expected nil with no providers, got %v", got)
	}
}

func TestRouter_WeightedFavorsHeavierWeight(t *testing.T) {
	r, configs := routerFixture(t, StrategyWeighted,
		ProviderConfig{ID: "light", APIKeys: []string{"k"}, Weight: 1},
		ProviderConfig{ID: "heavy", APIKeys: []string{"k"}, Weight: 99},
	)

	counts := map[string]int{}
	for i := 0; i < 200; i++ {
		got := r.selectProvider(configs, nil, 0)
		if got == nil {
			t.Fatal("selectProvider returned nil")
		}
		counts[got.ID]++
	}
	if counts["heavy"] <= counts["light"] {
		t.Fatalf("expected heavy-weighted provider to be picked more often, got %v", counts)
	}
}

func TestRouter_LeastLatencyPrefersSmallerP50(t *testing.T) {
	r, configs := routerFixture(t, StrategyLeastLatency,
		ProviderConfig{ID: "slow", APIKeys: []string{"k"}},
		ProviderConfig{ID: "fast", APIKeys: []string{"k"}},
	)

	r.keyMgrs["slow"].recordSuccess(0, 500, 0)
	r.keyMgrs["fast"].recordSuccess(0, 10, 0)

	got := r.selectProvider(configs, nil, 0)
	if got == nil || got.ID != "fast" {
		t.Fatalf("selectProvider = %v, want fast", got)
	}
}

func TestRouter_LeastLatencyTreatsUnreportedAsInfinite(t *testing.T) {
	r, configs := routerFixture(t, StrategyLeastLatency,
		ProviderConfig{ID: "unreported", APIKeys: []string{"k"}},
		ProviderConfig{ID: "reported", APIKeys: []string{"k"}},
	)

	r.keyMgrs["reported"].recordSuccess(0, 42, 0)

	got := r.selectProvider(configs, nil, 0)
	if got == nil || got.ID != "reported" {
		t.Fatalf("selectProvider = %v, want reported (unreported should count as infinite)", got)
	}
}

func TestRouter_LeastLatencyStableWhenAllUnreported(t *testing.T) {
	r, configs := routerFixture(t, StrategyLeastLatency,
		ProviderConfig{ID: "a", APIKeys: []string{"k"}},
		ProviderConfig{ID: "b", APIKeys: []string{"k"}},
	)

	got := r.selectProvider(configs, nil, 0)
	if got == nil || got.ID != "a" {
		t.Fatalf("selectProvider = %v, want a (stable tie-break on input order)", got)
	}
}

func idsOf(configs []ProviderConfig) []string {
	out := make([]string, len(configs))
	for i, c := range configs {
		out[i] = c.ID
	}
	return out
}
