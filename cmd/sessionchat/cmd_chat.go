package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/user/sessionchat/internal/types"
	"github.com/user/sessionchat/pkg/backend"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive conversation",
	Args:  cobra.NoArgs,
	RunE:  runChat,
}

var errQuit = errors.New("quit")

const chatHelp = `Commands:
  /new              archive this conversation and start a new one
  /archive          list archived conversations
  /load <n>         load archived conversation n
  /delete <n>       delete archived conversation n
  /clear            clear the conversation without archiving
  /attach <path>    attach a file to the next message
  /conversations    list the server's conversations
  /dismiss          dismiss the error notice
  /reconnect        reconnect the real-time channel after it gave up
  /quit             exit
Anything else is sent as a message.`

func runChat(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.start(ctx); err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, "Type /help for commands.")

	// The stdin reader cannot be interrupted, so it lives outside the group.
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r := newRenderer(os.Stdout)
		for snap := range a.machine.Subscribe(gctx) {
			r.render(snap)
		}
		return nil
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return errQuit
				}
				if err := a.handleLine(gctx, line, os.Stdout); err != nil {
					return err
				}
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
		return err
	}
	return nil
}

// handleLine runs one line of REPL input against the machine.
func (a *app) handleLine(ctx context.Context, line string, out io.Writer) error {
	m := a.machine
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		m.SetInput(line)
		if _, err := m.Submit(); err != nil {
			errorColor.Fprintln(out, err)
		}
		return nil
	}

	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "/quit", "/exit":
		return errQuit
	case "/help":
		fmt.Fprintln(out, chatHelp)
	case "/new":
		if _, err := m.StartNew(ctx); err != nil {
			errorColor.Fprintln(out, err)
		}
	case "/archive":
		printArchive(out, m.Snapshot().Archive)
	case "/load", "/delete":
		entries := m.Snapshot().Archive
		n, err := strconv.Atoi(arg)
		if err != nil || n < 1 || n > len(entries) {
			errorColor.Fprintf(out, "usage: %s <1-%d>\n", name, len(entries))
			return nil
		}
		entry := entries[n-1]
		if name == "/load" {
			if !m.LoadArchived(ctx, entry.ID) {
				errorColor.Fprintln(out, "archived conversation not found")
			}
			return nil
		}
		m.DeleteArchived(entry.ID)
		fmt.Fprintf(out, "Deleted archived conversation %d.\n", n)
	case "/clear":
		m.Clear()
	case "/attach":
		up, err := readUpload(arg)
		if err != nil {
			errorColor.Fprintln(out, err)
			return nil
		}
		m.Attach(up)
		fmt.Fprintf(out, "Attached %s (%d bytes).\n", up.Name, len(up.Data))
	case "/conversations":
		list := m.Snapshot().ServerList
		if len(list) == 0 {
			fmt.Fprintln(out, "No server conversations.")
		}
		for _, s := range list {
			fmt.Fprintf(out, "  %s  %s  %s\n", s.Timestamp, s.ID, s.Title)
		}
	case "/dismiss":
		m.DismissNotice()
	case "/reconnect":
		if err := a.reconnect(); err != nil {
			errorColor.Fprintln(out, err)
			return nil
		}
		fmt.Fprintln(out, "Reconnecting...")
	default:
		errorColor.Fprintf(out, "unknown command %s (try /help)\n", name)
	}
	return nil
}

// reconnect starts a fresh channel connection under the active session.
// Only a Disconnected or Failed channel accepts it.
func (a *app) reconnect() error {
	if a.sup == nil {
		return errors.New("real-time channel is disabled")
	}
	status := a.sup.Status()
	if status != types.ChannelFailed && status != types.ChannelDisconnected {
		return fmt.Errorf("channel is %s", status)
	}
	if err := a.sup.Connect(a.machine.SessionID()); err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}
	return nil
}

// readUpload loads a file for attachment. The media type comes from the
// file extension.
func readUpload(path string) (backend.Upload, error) {
	if path == "" {
		return backend.Upload{}, errors.New("usage: /attach <path>")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return backend.Upload{}, fmt.Errorf("read attachment: %w", err)
	}
	return backend.Upload{
		Name:      filepath.Base(path),
		MediaType: mime.TypeByExtension(filepath.Ext(path)),
		Data:      data,
	}, nil
}
