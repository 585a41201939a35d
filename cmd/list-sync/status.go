package main

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/alexjbarnes/list-sync/internal/config"
	"github.com/alexjbarnes/list-sync/internal/engine"
	"github.com/alexjbarnes/list-sync/internal/state"
	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const (
	// statusTimeout bounds the daemon query before falling back to the
	// database.
	statusTimeout = 2 * time.Second

	// storeLockTimeout is how long offline commands wait for the bbolt
	// lock. The daemon holds it while running.
	storeLockTimeout = time.Second
)

var validFormats = []string{"text", "json", "yaml"}

func newStatusCommand() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sync status",
		Long: `Show connectivity, live channel state, and the number of queued changes.

Asks the running daemon first. When no daemon answers, reads the queue
database directly and reports the channel as "stopped".

Examples:
  list-sync status
  list-sync status --format json`,
		Args: cobra.NoArgs,
		PreRunE: func(_ *cobra.Command, _ []string) error {
			if !slices.Contains(validFormats, format) {
				return fmt.Errorf("invalid format %q: must be one of %v", format, validFormats)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadLocal()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			st, err := fetchStatus(cfg)
			if err != nil {
				return err
			}

			return writeStatus(cmd.OutOrStdout(), st, format)
		},
	}

	cmd.Flags().StringVar(&format, "format", "text", "output format (text|json|yaml)")

	return cmd
}

// fetchStatus asks the daemon, then falls back to the database.
func fetchStatus(cfg *config.Config) (engine.Status, error) {
	var st engine.Status

	resp, err := resty.New().
		SetBaseURL(cfg.LocalURL()).
		SetTimeout(statusTimeout).
		R().
		SetResult(&st).
		Get("/status")
	if err == nil && resp.IsSuccess() {
		return st, nil
	}

	return offlineStatus(cfg)
}

func offlineStatus(cfg *config.Config) (engine.Status, error) {
	store, err := state.LoadAtWithTimeout(cfg.DBPath(), storeLockTimeout)
	if err != nil {
		return engine.Status{}, fmt.Errorf("daemon not reachable and state store unavailable: %w", err)
	}
	defer store.Close()

	st := engine.Status{Channel: "stopped", StoreAvailable: true}

	if st.Pending, err = store.Count(); err != nil {
		return engine.Status{}, fmt.Errorf("counting queue: %w", err)
	}

	ts, err := store.LastSync()
	if err != nil {
		return engine.Status{}, fmt.Errorf("reading last sync: %w", err)
	}

	if ts > 0 {
		st.LastSync = time.Unix(ts, 0).UTC()
	}

	return st, nil
}

func writeStatus(w io.Writer, st engine.Status, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		return enc.Encode(st)

	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()

		return enc.Encode(st)
	}

	online := "offline"
	if st.Online {
		online = "online"
	}

	fmt.Fprintf(w, "server:    %s\n", online)
	fmt.Fprintf(w, "channel:   %s\n", st.Channel)
	fmt.Fprintf(w, "pending:   %d\n", st.Pending)

	if st.Draining {
		fmt.Fprintln(w, "draining:  yes")
	}

	if !st.StoreAvailable {
		fmt.Fprintln(w, "store:     unavailable (offline changes are not kept)")
	}

	if st.LastSync.IsZero() {
		fmt.Fprintln(w, "last sync: never")
	} else {
		fmt.Fprintf(w, "last sync: %s\n", st.LastSync.Format(time.RFC3339))
	}

	return nil
}
