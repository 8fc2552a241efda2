package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "beatsync",
	Short: "Beat-synchronized loop player",
	Long: `beatsync plays a short audio loop locked to the beat of a live or
recorded input signal, time-stretching the loop in real time to track the
input's tempo and phase.

Commands:
  - sync: play a loop synced to a live device or file input
  - analyze: estimate tempo and beat grid for a loop file offline`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
