package rpg

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Sentinel errors surfaced to callers of Execute and its collaborators.
var (
	// ErrNoUsableKeys indicates every key for a provider is circuit-open
	// or quota-exhausted; the provider is skipped without being attempted.
	ErrNoUsableKeys = errors.New("rpg: no usable keys for provider")

	// ErrNoUsableProvider is returned by NewGateway when no providers are
	// configured. An Execute call whose filtered chain is empty returns an
	// AllProvidersExhaustedError with no entries instead.
	ErrNoUsableProvider = errors.New("rpg: no usable provider")

	// ErrTimeout indicates a single attempt exceeded its configured
	// per-attempt timeout.
	ErrTimeout = errors.New("rpg: attempt timed out")

	// ErrUnknownProvider is returned by ResetProvider for an unrecognized
	// provider ID. (GetHealth reports an unknown ID through its bool result.)
	ErrUnknownProvider = errors.New("rpg: unknown provider")
)

// AllProvidersExhaustedError is the single error Execute returns when
// every provider in the fallback chain has failed. Errors carries the
// last classified failure reason per attempted provider ID. causes
// holds the underlying per-provider errors so that errors.Is (e.g.
// IsTimeout) can still see through to a wrapped sentinel.
type AllProvidersExhaustedError struct {
	Errors map[string]string

	causes map[string]error
}

func (e *AllProvidersExhaustedError) Error() string {
	ids := make([]string, 0, len(e.Errors))
	for id := range e.Errors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return fmt.Sprintf("rpg: all providers exhausted: %s", strings.Join(ids, ", "))
}

// Unwrap exposes the underlying per-provider errors so errors.Is/As can
// find a sentinel (e.g. ErrTimeout) wrapped by any one of them.
func (e *AllProvidersExhaustedError) Unwrap() []error {
	causes := make([]error, 0, len(e.causes))
	for _, id := range sortedKeys(e.causes) {
		causes = append(causes, e.causes[id])
	}
	return causes
}

func sortedKeys(m map[string]error) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsTimeout reports whether err (or any error it wraps) is ErrTimeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsNoUsableKeys reports whether err (or any error it wraps) is ErrNoUsableKeys.
func IsNoUsableKeys(err error) bool {
	return errors.Is(err, ErrNoUsableKeys)
}
