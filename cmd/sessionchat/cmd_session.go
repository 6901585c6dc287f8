package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionShowCmd, sessionNewCmd)
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage the current session",
}

var sessionShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current session id",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStores(loadConfig())
		if err != nil {
			return err
		}
		defer st.close()

		id, created := st.identity.GetOrCreate()
		fmt.Fprintln(os.Stdout, id)
		if created {
			dimColor.Fprintln(os.Stderr, "(new session)")
		}
		return nil
	},
}

var sessionNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Archive the current conversation and start a new server session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)

		a, err := newApp(cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := context.Background()
		if err := a.start(ctx); err != nil {
			return err
		}
		id, err := a.machine.StartNew(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, id)
		return nil
	},
}
