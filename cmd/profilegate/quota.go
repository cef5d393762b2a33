package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newQuotaCmd() *cobra.Command {
	var tenant string

	cmd := &cobra.Command{
		Use:   "quota",
		Short: "Show the remaining call budget for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			limiter := a.Limiters.ForTenant(tenant)
			remaining := limiter.RemainingEstimate(ctx)
			fmt.Printf("%-12s %s\n", "TENANT", tenant)
			fmt.Printf("%-12s %.0f\n", "REMAINING", remaining)
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "default", "Tenant to inspect")

	return cmd
}
