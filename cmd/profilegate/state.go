package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/szaher/profilegate/internal/telemetry"
)

func newStateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Review tracked task state",
	}

	cmd.AddCommand(newStateListCmd())
	cmd.AddCommand(newStateShowCmd())

	return cmd
}

func newStateListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tracked task IDs",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			ids, err := a.Tracker.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Println("No tracked tasks.")
				return nil
			}
			for _, id := range ids {
				fmt.Println(id)
			}
			return nil
		},
	}
}

func newStateShowCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show diffs and safety checks for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := telemetry.WithTaskID(cmd.Context(), args[0])
			a, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.Tracker.Get(ctx, args[0])
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}

			fmt.Printf("Task:       %s\n", st.TaskID)
			fmt.Printf("Dry run:    %v\n", st.DryRun)
			fmt.Printf("Created:    %s\n", st.CreatedAt.Format("2006-01-02 15:04:05"))
			fmt.Printf("Updated:    %s\n", st.UpdatedAt.Format("2006-01-02 15:04:05"))

			fmt.Printf("\nSafety checks (%d):\n", len(st.SafetyChecks))
			for name, passed := range st.SafetyChecks {
				status := "PASS"
				if !passed {
					status = "FAIL"
				}
				fmt.Printf("  %-24s %s\n", name, status)
			}

			fmt.Printf("\nProposed changes (%d):\n", len(st.Diffs))
			for _, d := range st.Diffs {
				fmt.Printf("  %s\n", d.Path)
				if tool, ok := d.Metadata["tool"]; ok {
					fmt.Printf("    tool: %s\n", tool)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit the full state as JSON")

	return cmd
}
