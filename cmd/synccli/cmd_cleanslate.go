package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/super-productivity/sync-core/pkg/vectorclock"
)

func buildCleanSlateCmd() *cobra.Command {
	var newClientID string

	cmd := &cobra.Command{
		Use:   "clean-slate",
		Short: "Invalidate all prior operations and force-upload the current state as a fresh import",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeFn, err := newApp()
			if err != nil {
				return err
			}
			defer closeFn()

			id := newClientID
			if id == "" {
				id = uuid.NewString()
			}

			snapshot, err := a.mat.CurrentSnapshot()
			if err != nil {
				return fmt.Errorf("build snapshot: %w", err)
			}

			if err := a.orchestrator.CleanSlate(cmd.Context(), vectorclock.ClientID(id), snapshot); err != nil {
				color.Red("clean-slate failed: %v", err)
				return err
			}

			if err := a.persistSnapshot(); err != nil {
				return fmt.Errorf("persist materialized snapshot: %w", err)
			}

			color.Green("clean-slate complete: new client id %s", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&newClientID, "new-client-id", "", "client id to adopt (default: a fresh UUID)")
	return cmd
}
