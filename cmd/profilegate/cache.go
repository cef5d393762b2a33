package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the response cache",
	}

	cmd.AddCommand(newCacheStatsCmd())
	cmd.AddCommand(newCacheGetCmd())
	cmd.AddCommand(newCacheInvalidateCmd())

	return cmd
}

func newCacheStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show per-tier hit and miss counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			stats := a.Cache.Stats()
			fmt.Printf("%-8s %s\n", "TIER", "HITS")
			for _, name := range []string{"l1", "l2", "l3"} {
				if hits, ok := stats.Hits[name]; ok {
					fmt.Printf("%-8s %d\n", name, hits)
				}
			}
			fmt.Printf("%-8s %d\n", "misses", stats.Misses)
			fmt.Printf("%-8s %d\n", "sets", stats.Sets)
			return nil
		},
	}
}

func newCacheGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Fetch a cached value by key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			value, found := a.Cache.Get(cmd.Context(), args[0])
			if !found {
				return fmt.Errorf("cache miss for %q", args[0])
			}

			// Pretty-print JSON payloads, pass anything else through.
			var pretty json.RawMessage
			if err := json.Unmarshal(value, &pretty); err == nil {
				out, err := json.MarshalIndent(pretty, "", "  ")
				if err == nil {
					fmt.Println(string(out))
					return nil
				}
			}
			os.Stdout.Write(value)
			fmt.Println()
			return nil
		},
	}
}

func newCacheInvalidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate <key>",
		Short: "Remove a key from every cache tier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Cache.Invalidate(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Invalidated %q\n", args[0])
			return nil
		},
	}
}
