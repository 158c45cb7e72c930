// Package cli implements the amialive command tree.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "amialive",
	Short: "Am I Alive? - a digital entity that lives and dies in public",
	Long: `amialive runs the two halves of the experiment: the observer, which owns
life and death, and the agent, which does the living.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(observerCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(qrCmd)
}

// Execute runs the CLI.
func Execute() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	return rootCmd.Execute()
}
