package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/sessionchat/internal/devserver"
)

func init() {
	rootCmd.AddCommand(devserverCmd)
	devserverCmd.AddCommand(devserverStopCmd)
	devserverCmd.Flags().String("addr", "", "listen address (overrides devserver.addr)")
}

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run an in-memory conversation server for local testing",
	Args:  cobra.NoArgs,
	RunE:  runDevserver,
}

func pidPath(dataDir string) string {
	return filepath.Join(dataDir, "devserver.pid")
}

func writePIDFile(dataDir string) (string, error) {
	path := pidPath(dataDir)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return path, nil
}

// readPID reads the devserver PID file and checks the process exists by
// sending signal 0.
func readPID(dataDir string) (int, error) {
	data, err := os.ReadFile(pidPath(dataDir))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("no running devserver (PID file not found)")
		}
		return 0, fmt.Errorf("read PID file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file content: %w", err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return 0, fmt.Errorf("no running devserver (process %d not found)", pid)
	}
	return pid, nil
}

func runDevserver(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = cfg.DevServer.Addr
	}

	pidFile, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidFile)

	srv := devserver.New(devserver.Options{})
	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("devserver started", "listen", addr, "pid_file", pidFile)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		return fmt.Errorf("devserver: %w", err)
	}

	srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(ctx)
}

var devserverStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running devserver",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := readPID(loadConfig().DataDir)
		if err != nil {
			return err
		}
		proc, err := os.FindProcess(pid)
		if err != nil {
			return fmt.Errorf("find process: %w", err)
		}
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			return fmt.Errorf("send SIGTERM: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Sent SIGTERM to devserver (PID %d).\n", pid)
		return nil
	},
}
