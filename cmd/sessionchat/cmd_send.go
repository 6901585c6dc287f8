package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/sessionchat/internal/types"
	"github.com/user/sessionchat/pkg/backend"
)

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringSliceP("file", "f", nil, "attach a file (repeatable)")
}

var sendCmd = &cobra.Command{
	Use:   "send <message...>",
	Short: "Send one message in the current conversation and print the reply",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)

		files, _ := cmd.Flags().GetStringSlice("file")
		var uploads []backend.Upload
		for _, path := range files {
			up, err := readUpload(path)
			if err != nil {
				return err
			}
			uploads = append(uploads, up)
		}

		a, err := newApp(cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.start(context.Background()); err != nil {
			return err
		}

		placeholder, err := a.machine.SendMessage(strings.Join(args, " "), uploads)
		if err != nil {
			return err
		}

		timeout := time.Duration(cfg.Server.TimeoutSeconds)*time.Second +
			time.Duration(cfg.Chat.StageDelayMS)*time.Millisecond + 5*time.Second
		if !a.machine.WaitIdle(timeout) {
			return fmt.Errorf("no reply after %s", timeout)
		}

		msg, ok := a.machine.Snapshot().Message(placeholder)
		if !ok {
			return fmt.Errorf("reply was discarded")
		}
		printMessage(os.Stdout, msg)
		if msg.Status == types.StatusError {
			return fmt.Errorf("send failed")
		}
		return nil
	},
}
