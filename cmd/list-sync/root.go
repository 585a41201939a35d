package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list-sync",
		Short: "Offline-first sync client for a shared shopping list",
		Long: `list-sync keeps a local copy of a shared shopping list in step with the
list server. Changes made while offline are queued and replayed in order
when the server becomes reachable again.

Run the daemon with "list-sync run". The other commands hand work to a
running daemon or inspect its state.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newStatusCommand())
	cmd.AddCommand(newQueueCommand())
	cmd.AddCommand(newHashTokenCommand())
	cmd.AddCommand(newWakeCommand())

	for _, c := range newItemCommands() {
		cmd.AddCommand(c)
	}

	cmd.AddCommand(newSectionCommand())

	return cmd
}
