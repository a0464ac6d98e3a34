// Command synccli drives a single sync round (or a clean-slate) against
// a local op-log store and single-file remote, the CLI demo harness for
// this module's core.
package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/super-productivity/sync-core/internal/config"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "synccli",
		Short: "synccli drives the sync core's op-log against a single-file remote",
		Long: `synccli is a thin demonstration harness over the sync-core library:
it loads a local goleveldb-backed op-log store and a local-file remote
blob, then runs the orchestrator's round state machine against them.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: built-in defaults)")

	rootCmd.AddCommand(
		buildRunCmd(),
		buildStatusCmd(),
		buildCleanSlateCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("synccli: command failed")
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	return config.Load(configPath)
}
