package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run the task state retention sweep now",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			removed, err := a.Tracker.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d expired task state(s)\n", removed)
			return nil
		},
	}
}
