package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/super-productivity/sync-core/pkg/orchestrator"
)

func buildStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the orchestrator's current state and local store summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeFn, err := newApp()
			if err != nil {
				return err
			}
			defer closeFn()

			clientID, ok, err := a.store.GetLocalClientID()
			if err != nil {
				return err
			}
			if !ok {
				color.Red("no local client id assigned")
				return nil
			}

			clock, err := a.store.GetCurrentVectorClock()
			if err != nil {
				return err
			}
			lastSeq, err := a.store.GetLastSeq()
			if err != nil {
				return err
			}

			printState(a.orchestrator.State())
			fmt.Printf("  client id:        %s\n", clientID)
			fmt.Printf("  vector clock:     %v\n", clock)
			fmt.Printf("  last seq:         %d\n", lastSeq)
			fmt.Printf("  materialized:     %d entities\n", a.mat.Len())
			return nil
		},
	}
}

func printState(s orchestrator.State) {
	switch s {
	case orchestrator.StateError:
		color.Red("state: %s", s)
	case orchestrator.StateIdle:
		color.Green("state: %s", s)
	default:
		color.Yellow("state: %s", s)
	}
}
