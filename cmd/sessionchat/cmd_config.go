package main

import (
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/sessionchat/internal/config"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configListCmd, configGetCmd, configSetCmd, configKeysCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configListCmd = &cobra.Command{
	Use:   "list [section]",
	Short: "List configuration values, optionally limited to one section",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		values, err := config.ListValues(loadConfig())
		if err != nil {
			return fmt.Errorf("list config: %w", err)
		}
		var section string
		if len(args) == 1 {
			section = strings.TrimSuffix(args[0], ".") + "."
		}
		printValues(os.Stdout, values, section)
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		val, err := config.GetValue(cfgPath, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, val)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Run 'sessionchat config keys' for the settable keys and their types.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		// Load first so the file exists with defaults before editing it.
		loadConfig()
		key := args[0]
		if err := config.SetValue(cfgPath, key, args[1]); err != nil {
			return err
		}
		val, err := config.GetValue(cfgPath, key)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "%s = %v\n", key, val)
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List settable keys and their types",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		printKeys(os.Stdout)
	},
}

// printValues writes key = value lines in key order. A non-empty section
// prefix filters the keys.
func printValues(w io.Writer, values map[string]any, section string) {
	for _, k := range slices.Sorted(maps.Keys(values)) {
		if section != "" && !strings.HasPrefix(k, section) {
			continue
		}
		fmt.Fprintf(w, "%s = %v\n", k, values[k])
	}
}

func printKeys(w io.Writer) {
	schema := config.Schema()
	for _, k := range config.Keys() {
		fmt.Fprintf(w, "%-26s %s\n", k, schema[k])
	}
}
