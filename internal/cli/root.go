// Package cli implements the warden command line client. Every command
// talks to a running wardend over its JSON API.
package cli

import (
	"github.com/spf13/cobra"
)

var serverAddr string

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Coordinate agent task execution",
	Long:  "warden is the client for the wardend coordination daemon.\nCreate tasks, watch events, and resolve human interactions.",
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "http://localhost:9090", "wardend base URL")

	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(interactionCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(statusCmd)
}
