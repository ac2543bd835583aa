// Package main is the entry point for the rpgctl CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/resilientgw/rpg/internal/admin"
	"github.com/resilientgw/rpg/internal/rpg"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "rpgctl",
		Short:         "Resilient multi-provider gateway control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(versionCmd(), demoCmd(), serveCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("rpgctl %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// demoCmd spins up an in-process gateway against a few simulated
// providers and drives a handful of requests through it, printing what
// happens — circuit trips, key rotation, failover — as it goes.
func demoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Run the gateway against simulated providers and print what happens",
		RunE: func(_ *cobra.Command, _ []string) error {
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

			providers := []rpg.ProviderConfig{
				{
					ID:                 "primary",
					APIKeys:            []string{"primary-key-1", "primary-key-2"},
					Priority:           1,
					RPMLimit:           5,
					Timeout:            2 * time.Second,
					CBFailureThreshold: 2,
					CBCooldown:         3 * time.Second,
					MaxRetries:         2,
				},
				{
					ID:                 "fallback",
					APIKeys:            []string{"fallback-key-1"},
					Priority:           10,
					RPMLimit:           0,
					Timeout:            2 * time.Second,
					CBFailureThreshold: 3,
					CBCooldown:         3 * time.Second,
					MaxRetries:         1,
				},
			}

			gw, err := rpg.NewGateway(providers, rpg.WithLogger(logger), rpg.WithBackoff(100*time.Millisecond, time.Second))
			if err != nil {
				return err
			}

			flaky := unreliableRequestFunc()

			for i := 0; i < 10; i++ {
				result, err := gw.Execute(context.Background(), flaky, 100, "")
				if err != nil {
					fmt.Printf("request %d: failed: %v\n", i+1, err)
					continue
				}
				fmt.Printf("request %d: %v\n", i+1, result)
			}

			for _, snap := range gw.GetAllHealth() {
				fmt.Printf("provider=%s status=%s requests=%d success_rate=%.2f quota_remaining_pct=%.1f\n",
					snap.ProviderID, snap.Status, snap.TotalRequests, snap.SuccessRate, snap.QuotaRemainingPct)
			}
			return nil
		},
	}
}

// unreliableRequestFunc simulates the "primary" provider failing
// roughly a third of the time, to exercise retry, key rotation, and
// eventual circuit-open/failover in the demo.
func unreliableRequestFunc() rpg.RequestFunc {
	rng := rand.New(rand.NewSource(42))
	return func(_ context.Context, cfg rpg.ProviderConfig, apiKey string) (any, error) {
		if cfg.ID == "primary" && rng.Intn(3) == 0 {
			return nil, errors.New("simulated transient provider error")
		}
		return fmt.Sprintf("response from %s using %s", cfg.ID, apiKey), nil
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Load a provider pool from YAML and serve the admin HTTP surface",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			if cfgPath == "" {
				resolved, err := resolveConfigPath()
				if err != nil {
					return err
				}
				cfgPath = resolved
			}
			addr, _ := cmd.Flags().GetString("addr")
			digestSchedule, _ := cmd.Flags().GetString("digest-schedule")

			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

			strategy, providers, err := rpg.LoadProviders(cfgPath)
			if err != nil {
				return err
			}

			gw, err := rpg.NewGateway(providers, rpg.WithLogger(logger), rpg.WithStrategy(strategy))
			if err != nil {
				return err
			}

			collector := admin.NewCollector(gw)
			server := admin.NewServer(gw, collector)

			sweeper := admin.NewSweeper(gw, logger, digestSchedule)
			if err := sweeper.Start(); err != nil {
				return err
			}
			defer func() { _ = sweeper.Stop(context.Background()) }()

			logger.Info("rpgctl admin server listening", "addr", addr)
			return http.ListenAndServe(addr, server)
		},
	}
	cmd.Flags().StringP("config", "c", "", "Path to provider pool YAML config")
	cmd.Flags().String("addr", "127.0.0.1:8089", "Address for the admin HTTP surface")
	cmd.Flags().String("digest-schedule", "*/1 * * * *", "Cron schedule for the health digest log job")
	return cmd
}

// resolveConfigPath searches for a provider pool config file in standard
// locations when --config is omitted.
// Search order: $XDG_CONFIG_HOME/rpgctl/providers.yaml (or
// ~/.config/rpgctl/providers.yaml when XDG_CONFIG_HOME is unset) →
// ./providers.yaml
func resolveConfigPath() (string, error) {
	var candidates []string

	if xdg, ok := os.LookupEnv("XDG_CONFIG_HOME"); ok {
		candidates = append(candidates, filepath.Join(xdg, "rpgctl", "providers.yaml"))
	} else if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "rpgctl", "providers.yaml"))
	}

	candidates = append(candidates, "providers.yaml")

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no provider pool config found (searched: %v)", candidates)
}
