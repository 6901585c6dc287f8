package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/sessionchat/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("sessionchat setup")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		cfg.Server.BaseURL = prompt(scanner, "Server URL", cfg.Server.BaseURL)
		cfg.Server.ChannelURL = prompt(scanner, "Channel (websocket) URL", cfg.Server.ChannelURL)
		cfg.Chat.Model = prompt(scanner, "Model", cfg.Chat.Model)

		temp := prompt(scanner, "Temperature", strconv.FormatFloat(cfg.Chat.Temperature, 'f', -1, 64))
		if v, err := strconv.ParseFloat(temp, 64); err == nil {
			cfg.Chat.Temperature = v
		}

		backend := prompt(scanner, "Storage backend (file, sqlite, memory)", cfg.Storage.Backend)
		switch backend {
		case config.StorageFile, config.StorageSQLite, config.StorageMemory:
			cfg.Storage.Backend = backend
		default:
			fmt.Printf("Unknown storage backend %q, keeping %q.\n", backend, cfg.Storage.Backend)
		}

		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

// prompt displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned.
func prompt(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}
