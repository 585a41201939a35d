package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/alexjbarnes/list-sync/internal/config"
	"github.com/alexjbarnes/list-sync/internal/state"
	"github.com/spf13/cobra"
)

func newQueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect or clear queued changes (daemon must be stopped)",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List changes waiting to be sent, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openLocalStore()
			if err != nil {
				return err
			}
			defer store.Close()

			pending, err := store.ListPending()
			if err != nil {
				return fmt.Errorf("listing queue: %w", err)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tQUEUED\tTYPE\tMETHOD\tURL")

			for _, qa := range pending {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
					qa.ID, qa.EnqueuedAt().Format(time.RFC3339), qa.Type, qa.Method, qa.URL)
			}

			return tw.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Drop every queued change",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openLocalStore()
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.Count()
			if err != nil {
				return fmt.Errorf("counting queue: %w", err)
			}

			if err := store.ClearAll(); err != nil {
				return fmt.Errorf("clearing queue: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "cleared %d queued change(s)\n", n)

			return nil
		},
	})

	return cmd
}

func openLocalStore() (*state.State, error) {
	cfg, err := config.LoadLocal()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	store, err := state.LoadAtWithTimeout(cfg.DBPath(), storeLockTimeout)
	if err != nil {
		return nil, fmt.Errorf("opening state store (is the daemon running?): %w", err)
	}

	return store, nil
}
