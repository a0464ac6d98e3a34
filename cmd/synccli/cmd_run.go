package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func buildRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one sync round against the configured remote",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeFn, err := newApp()
			if err != nil {
				return err
			}
			defer closeFn()

			result, err := a.orchestrator.RunRound(cmd.Context())
			if err != nil {
				color.Red("sync round failed: %v", err)
				return err
			}

			if err := a.persistSnapshot(); err != nil {
				return fmt.Errorf("persist materialized snapshot: %w", err)
			}

			color.Green("round complete: state=%s", result.FinalState)
			fmt.Printf("  downloaded applied:  %d\n", result.DownloadApplied)
			if result.PiggybackApplied > 0 {
				color.Yellow("  piggybacked applied: %d", result.PiggybackApplied)
			} else {
				fmt.Printf("  piggybacked applied: %d\n", result.PiggybackApplied)
			}
			fmt.Printf("  uploaded:            %d\n", result.Uploaded)
			if result.Invalidated > 0 {
				color.Yellow("  invalidated (C6):    %d", result.Invalidated)
			}
			if result.RewriteRounds > 0 {
				color.Yellow("  rewrite rounds:      %d (rewritten=%d discarded=%d)", result.RewriteRounds, result.Rewritten, result.Discarded)
			}
			return nil
		},
	}
}
