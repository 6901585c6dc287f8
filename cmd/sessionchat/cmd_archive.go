package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/user/sessionchat/internal/types"
)

func init() {
	rootCmd.AddCommand(archiveCmd)
	archiveCmd.AddCommand(archiveListCmd, archiveShowCmd, archiveLoadCmd, archiveDeleteCmd)
}

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Manage archived conversations",
}

// archiveEntry resolves a 1-based position in the archive list.
func archiveEntry(entries []types.ArchiveEntry, arg string) (types.ArchiveEntry, error) {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > len(entries) {
		return types.ArchiveEntry{}, fmt.Errorf("no archived conversation %q (have %d)", arg, len(entries))
	}
	return entries[n-1], nil
}

var archiveListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived conversations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStores(loadConfig())
		if err != nil {
			return err
		}
		defer st.close()

		printArchive(os.Stdout, st.archive.List())
		return nil
	},
}

var archiveShowCmd = &cobra.Command{
	Use:   "show <n>",
	Short: "Print an archived conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStores(loadConfig())
		if err != nil {
			return err
		}
		defer st.close()

		entry, err := archiveEntry(st.archive.List(), args[0])
		if err != nil {
			return err
		}
		dimColor.Fprintf(os.Stdout, "-- %s (%s) --\n", entry.SessionID, entry.CreatedAt().Format("2006-01-02 15:04:05"))
		for _, msg := range entry.Messages {
			printMessage(os.Stdout, msg)
		}
		return nil
	},
}

var archiveLoadCmd = &cobra.Command{
	Use:   "load <n>",
	Short: "Make an archived conversation current, syncing it from the server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)

		a, err := newApp(cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		entry, err := archiveEntry(a.stores.archive.List(), args[0])
		if err != nil {
			return err
		}
		ctx := context.Background()
		if err := a.start(ctx); err != nil {
			return err
		}
		if !a.machine.LoadArchived(ctx, entry.ID) {
			return fmt.Errorf("archived conversation %s not found", args[0])
		}

		newRenderer(os.Stdout).render(a.machine.Snapshot())
		return nil
	},
}

var archiveDeleteCmd = &cobra.Command{
	Use:   "delete <n>",
	Short: "Delete an archived conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStores(loadConfig())
		if err != nil {
			return err
		}
		defer st.close()

		entry, err := archiveEntry(st.archive.List(), args[0])
		if err != nil {
			return err
		}
		st.archive.Remove(entry.ID)
		fmt.Fprintf(os.Stdout, "Deleted archived conversation %s.\n", args[0])
		return nil
	},
}
