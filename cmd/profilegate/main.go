// Package main is the entry point for the profilegate inspection CLI.
//
// The CLI drives the same operation contracts the agent layer consumes:
// quota status, cache inspection, and task state review for dry runs.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/szaher/profilegate/internal/app"
	"github.com/szaher/profilegate/internal/config"
)

// Version information set at build time.
var version = "0.2.0"

// Global flags.
var (
	configPath string
	verbose    bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "profilegate",
		Short: "Resource access and state control for the profile API",
		Long: `Profilegate mediates access to the rate-limited external profile API:
a three-tier response cache, a quota-aware rate limiter shared across
processes, and a durable task state tracker for dry-run review.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable verbose output")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newQuotaCmd())
	root.AddCommand(newCacheCmd())
	root.AddCommand(newStateCmd())
	root.AddCommand(newSweepCmd())

	return root
}

// buildApp assembles the access layer for one CLI invocation.
func buildApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.LogLevel = "debug"
	}
	return app.New(ctx, cfg)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
