package rpg_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/resilientgw/rpg/internal/rpg"
)

func cfg(id string, priority int, keys ...string) rpg.ProviderConfig {
	return rpg.ProviderConfig{
		ID:                 id,
		APIKeys:            keys,
		Priority:           priority,
		RPMLimit:           0,
		Timeout:            50 * time.Millisecond,
		CBFailureThreshold: 2,
		CBCooldown:         time.Second,
		MaxRetries:         2,
	}
}

func TestGateway_FirstAttemptSucceeds(t *testing.T) {
	gw, err := rpg.NewGateway([]rpg.ProviderConfig{cfg("a", 1, "key1")})
	if err != nil {
		t.Fatal(err)
	}

	result, err := gw.Execute(context.Background(), func(_ context.Context, c rpg.ProviderConfig, key string) (any, error) {
		return "ok:" + c.ID + ":" + key, nil
	}, 0, "")
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if result != "ok:a:key1" {
		t.Fatalf("result = %v", result)
	}
}

func TestGateway_FailsOverToSecondProvider(t *testing.T) {
	gw, err := rpg.NewGateway([]rpg.ProviderConfig{
		cfg("primary", 1, "key1"),
		cfg("secondary", 2, "key1"),
	})
	if err != nil {
		t.Fatal(err)
	}

	result, err := gw.Execute(context.Background(), func(_ context.Context, c rpg.ProviderConfig, _ string) (any, error) {
		if c.ID == "primary" {
			return nil, errors.New("boom")
		}
		return "from-secondary", nil
	}, 0, "")
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if result != "from-secondary" {
		t.Fatalf("result = %v, want from-secondary", result)
	}
}

func TestGateway_RetriesWithinProviderBeforeFailover(t *testing.T) {
	var calls int32

	gw, err := rpg.NewGateway([]rpg.ProviderConfig{cfg("a", 1, "key1", "key2")}, rpg.WithBackoff(time.Millisecond, time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}

	result, err := gw.Execute(context.Background(), func(_ context.Context, _ rpg.ProviderConfig, _ string) (any, error) {
		n := atomic.AddInt32(&calls, 1)
		if n < 2 {
			return nil, errors.New("transient")
		}
		return "recovered", nil
	}, 0, "")
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if result != "recovered" {
		t.Fatalf("result = %v", result)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestGateway_AllProvidersExhausted(t *testing.T) {
	gw, err := rpg.NewGateway([]rpg.ProviderConfig{
		cfg("a", 1, "key1"),
		cfg("b", 2, "key1"),
	}, rpg.WithBackoff(time.Millisecond, time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}

	_, err = gw.Execute(context.Background(), func(_ context.Context, _ rpg.ProviderConfig, _ string) (any, error) {
		return nil, errors.New("always fails")
	}, 0, "")

	var exhausted *rpg.AllProvidersExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected AllProvidersExhaustedError, got %v (%T)", err, err)
	}
	if len(exhausted.Errors) != 2 {
		t.Fatalf("exhausted.Errors = %v, want 2 entries", exhausted.Errors)
	}
}

func TestGateway_PreferredProviderTriedFirst(t *testing.T) {
	gw, err := rpg.NewGateway([]rpg.ProviderConfig{
		cfg("low-priority", 10, "key1"),
		cfg("high-priority", 1, "key1"),
	})
	if err != nil {
		t.Fatal(err)
	}

	var firstTried string
	_, err = gw.Execute(context.Background(), func(_ context.Context, c rpg.ProviderConfig, _ string) (any, error) {
		if firstTried == "" {
			firstTried = c.ID
		}
		return "ok", nil
	}, 0, "low-priority")
	if err != nil {
		t.Fatal(err)
	}
	if firstTried != "low-priority" {
		t.Fatalf("firstTried = %q, want the soft-preferred provider despite lower priority", firstTried)
	}
}

func TestGateway_PerAttemptTimeout(t *testing.T) {
	gw, err := rpg.NewGateway([]rpg.ProviderConfig{
		{
			ID:                 "slow",
			APIKeys:            []string{"key1"},
			Timeout:            10 * time.Millisecond,
			CBFailureThreshold: 5,
			MaxRetries:         0,
		},
	}, rpg.WithBackoff(time.Millisecond, time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}

	_, err = gw.Execute(context.Background(), func(ctx context.Context, _ rpg.ProviderConfig, _ string) (any, error) {
		select {
		case <-time.After(100 * time.Millisecond):
			return "too-slow", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, 0, "")

	var exhausted *rpg.AllProvidersExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected AllProvidersExhaustedError from a timed-out attempt, got %v", err)
	}
	if !rpg.IsTimeout(err) {
		t.Fatalf("expected IsTimeout(err) to be true for a timed-out attempt, got %v", err)
	}
}

func TestGateway_GetHealthAggregatesAcrossKeys(t *testing.T) {
	gw, err := rpg.NewGateway([]rpg.ProviderConfig{cfg("a", 1, "key1", "key2")})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		_, _ = gw.Execute(context.Background(), func(_ context.Context, _ rpg.ProviderConfig, _ string) (any, error) {
			return "ok", nil
		}, 0, "")
	}

	snap, ok := gw.GetHealth("a")
	if !ok {
		t.Fatal("expected a snapshot for provider a")
	}
	if snap.TotalRequests != 3 {
		t.Fatalf("TotalRequests = %d, want 3", snap.TotalRequests)
	}
	if snap.Status != rpg.StatusHealthy {
		t.Fatalf("Status = %v, want healthy", snap.Status)
	}
}

func TestGateway_ResetProviderClearsCircuit(t *testing.T) {
	gw, err := rpg.NewGateway([]rpg.ProviderConfig{
		{ID: "a", APIKeys: []string{"key1"}, CBFailureThreshold: 1, Timeout: time.Second, MaxRetries: 0},
	}, rpg.WithBackoff(time.Millisecond, time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}

	_, _ = gw.Execute(context.Background(), func(_ context.Context, _ rpg.ProviderConfig, _ string) (any, error) {
		return nil, errors.New("fail once to trip the only key's circuit")
	}, 0, "")

	if err := gw.ResetProvider("a"); err != nil {
		t.Fatalf("ResetProvider: %v", err)
	}

	_, err = gw.Execute(context.Background(), func(_ context.Context, _ rpg.ProviderConfig, _ string) (any, error) {
		return "ok-after-reset", nil
	}, 0, "")
	if err != nil {
		t.Fatalf("expected success after reset, got %v", err)
	}
}

func TestGateway_UnknownProviderReset(t *testing.T) {
	gw, err := rpg.NewGateway([]rpg.ProviderConfig{cfg("a", 1, "key1")})
	if err != nil {
		t.Fatal(err)
	}
	if err := gw.ResetProvider("does-not-exist"); !errors.Is(err, rpg.ErrUnknownProvider) {
		t.Fatalf("err = %v, want ErrUnknownProvider", err)
	}
}

func TestGateway_RejectsEmptyProviderPool(t *testing.T) {
	if _, err := rpg.NewGateway(nil); err == nil {
		t.Fatal("expected an error constructing a gateway with no providers")
	}
}
