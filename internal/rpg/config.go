package rpg

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileProvider is the YAML wire shape for one provider entry. Durations
// are expressed in seconds to keep the config file free of Go duration
// syntax for operators unfamiliar with it.
type fileProvider struct {
	ID                 string            `yaml:"id"`
	APIKeys            []string          `yaml:"api_keys"`
	Priority           int               `yaml:"priority"`
	Weight             int               `yaml:"weight"`
	RPMLimit           int               `yaml:"rpm_limit"`
	TPMLimit           int               `yaml:"tpm_limit"`
	TimeoutSeconds     float64           `yaml:"timeout_s"`
	CBFailureThreshold int               `yaml:"cb_failure_threshold"`
	CBCooldownSeconds  float64           `yaml:"cb_cooldown_s"`
	MaxRetries         int               `yaml:"max_retries"`
	Metadata           map[string]string `yaml:"metadata"`
}

// FileConfig is the top-level YAML document shape for a provider pool,
// e.g.:
//
//	strategy: priority_failover
//	providers:
//	  - id: anthropic
//	    api_keys: ["sk-..."]
//	    priority: 1
type FileConfig struct {
	Strategy  string         `yaml:"strategy"`
	Providers []fileProvider `yaml:"providers"`
}

// defaults fills zero-value top-level fields.
func (c *FileConfig) defaults() {
	if c.Strategy == "" {
		c.Strategy = string(StrategyPriorityFailover)
	}
}

// LoadProviders reads and parses a provider-pool YAML file, returning
// the configured Strategy and the decoded ProviderConfig slice ready
// to hand to NewGateway.
func LoadProviders(path string) (Strategy, []ProviderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("rpg: reading config %q: %w", path, err)
	}

	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return "", nil, fmt.Errorf("rpg: parsing config %q: %w", path, err)
	}
	fc.defaults()

	providers := make([]ProviderConfig, 0, len(fc.Providers))
	for _, fp := range fc.Providers {
		if fp.ID == "" {
			return "", nil, fmt.Errorf("rpg: config %q: provider missing id", path)
		}
		providers = append(providers, ProviderConfig{
			ID:                 fp.ID,
			APIKeys:            fp.APIKeys,
			Priority:           fp.Priority,
			Weight:             fp.Weight,
			RPMLimit:           fp.RPMLimit,
			TPMLimit:           fp.TPMLimit,
			Timeout:            secondsToDuration(fp.TimeoutSeconds),
			CBFailureThreshold: fp.CBFailureThreshold,
			CBCooldown:         secondsToDuration(fp.CBCooldownSeconds),
			MaxRetries:         fp.MaxRetries,
			Metadata:           fp.Metadata,
		})
	}

	return Strategy(fc.Strategy), providers, nil
}

func secondsToDuration(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}
