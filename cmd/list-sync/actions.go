package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alexjbarnes/list-sync/internal/config"
	"github.com/alexjbarnes/list-sync/internal/engine"
	"github.com/alexjbarnes/list-sync/internal/models"
	"github.com/alexjbarnes/list-sync/internal/spool"
	"github.com/spf13/cobra"
)

// submit validates a and drops it in the daemon's spool.
func submit(cmd *cobra.Command, a engine.Action) error {
	if err := a.Validate(); err != nil {
		return err
	}

	return writeSpool(cmd, spool.Request{Kind: spool.KindAction, Action: &a, CreatedAt: time.Now()})
}

func writeSpool(cmd *cobra.Command, req spool.Request) error {
	cfg, err := config.LoadLocal()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	path, err := spool.Write(cfg.SpoolDir(), req)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), path)

	return nil
}

func parseID(s, what string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be a positive integer", what, s)
	}

	return id, nil
}

func joinName(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

func parseDirection(s string) (models.Direction, error) {
	d := models.Direction(strings.ToLower(s))
	if !d.Valid() {
		return "", fmt.Errorf("invalid direction %q: must be up or down", s)
	}

	return d, nil
}

// itemCommand builds a command whose only argument is an item id.
func itemCommand(use, short string, t engine.ActionType) *cobra.Command {
	return &cobra.Command{
		Use:   use + " ITEM_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "item id")
			if err != nil {
				return err
			}

			return submit(cmd, engine.Action{Type: t, ItemID: id})
		},
	}
}

func newItemCommands() []*cobra.Command {
	add := &cobra.Command{
		Use:   "add SECTION_ID NAME...",
		Short: "Add an item to a section",
		Example: `  list-sync add 3 oat milk
  list-sync add 3 eggs --description "free range, 12"`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			section, err := parseID(args[0], "section id")
			if err != nil {
				return err
			}

			desc, _ := cmd.Flags().GetString("description")

			return submit(cmd, engine.Action{
				Type:        engine.CreateItem,
				SectionID:   section,
				Name:        joinName(args[1:]),
				Description: desc,
			})
		},
	}
	add.Flags().String("description", "", "optional note such as quantity")

	edit := &cobra.Command{
		Use:   "edit ITEM_ID NAME...",
		Short: "Rename an item and replace its description",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "item id")
			if err != nil {
				return err
			}

			desc, _ := cmd.Flags().GetString("description")

			return submit(cmd, engine.Action{
				Type:        engine.EditItem,
				ItemID:      id,
				Name:        joinName(args[1:]),
				Description: desc,
			})
		},
	}
	edit.Flags().String("description", "", "new description, empty clears it")

	move := &cobra.Command{
		Use:   "move ITEM_ID SECTION_ID",
		Short: "Move an item to another section",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "item id")
			if err != nil {
				return err
			}

			section, err := parseID(args[1], "section id")
			if err != nil {
				return err
			}

			return submit(cmd, engine.Action{Type: engine.MoveItem, ItemID: id, SectionID: section})
		},
	}

	reorder := &cobra.Command{
		Use:   "reorder ITEM_ID up|down",
		Short: "Move an item one place within its section",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "item id")
			if err != nil {
				return err
			}

			dir, err := parseDirection(args[1])
			if err != nil {
				return err
			}

			return submit(cmd, engine.Action{Type: engine.MoveItemOrder, ItemID: id, Direction: dir})
		},
	}

	return []*cobra.Command{
		add,
		itemCommand("toggle", "Mark an item bought or not bought", engine.ToggleItem),
		itemCommand("uncertain", "Flag or unflag an item as uncertain", engine.ToggleUncertain),
		edit,
		itemCommand("delete", "Remove an item", engine.DeleteItem),
		move,
		reorder,
	}
}

// newSectionCommand groups the structural commands. These need the server
// to be reachable; the daemon refuses them while offline.
func newSectionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "section",
		Short: "Create, rename, delete, or reorder sections (online only)",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "add NAME...",
		Short: "Create a section",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return submit(cmd, engine.Action{Type: engine.CreateSection, Name: joinName(args)})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rename SECTION_ID NAME...",
		Short: "Rename a section",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "section id")
			if err != nil {
				return err
			}

			return submit(cmd, engine.Action{Type: engine.RenameSection, SectionID: id, Name: joinName(args[1:])})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete SECTION_ID",
		Short: "Delete a section and its items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "section id")
			if err != nil {
				return err
			}

			return submit(cmd, engine.Action{Type: engine.DeleteSection, SectionID: id})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "move SECTION_ID up|down",
		Short: "Move a section one place",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "section id")
			if err != nil {
				return err
			}

			dir, err := parseDirection(args[1])
			if err != nil {
				return err
			}

			return submit(cmd, engine.Action{Type: engine.MoveSection, SectionID: id, Direction: dir})
		},
	})

	return cmd
}

func newWakeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "wake",
		Short: "Tell the daemon to reconnect and sync now",
		Long: `Ask the running daemon to behave as if the app just came to the
foreground: reconnect the live channel if it is down, replay queued
changes, and refresh the cached list.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return writeSpool(cmd, spool.Request{Kind: spool.KindWake, CreatedAt: time.Now()})
		},
	}
}
