package client

import (
	"github.com/spf13/cobra"
)

// NewCommands returns the client commands for embedding in a root command.
func NewCommands(baseURL BaseURLFunc) []*cobra.Command {
	return []*cobra.Command{
		newPublishCommand(baseURL),
		newStatsCommand(baseURL),
		newEventsCommand(baseURL),
		newResetCommand(baseURL),
		newSimulateCommand(baseURL),
	}
}

// NewRoot constructs a standalone root command holding the client commands.
func NewRoot(baseURL BaseURLFunc) *cobra.Command {
	root := &cobra.Command{
		Use:   "aggregator",
		Short: "Aggregator client commands",
	}
	root.AddCommand(NewCommands(baseURL)...)
	return root
}
