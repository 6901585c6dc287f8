package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/user/sessionchat/internal/chat"
	"github.com/user/sessionchat/internal/types"
)

var (
	userColor      = color.New(color.FgGreen, color.Bold)
	assistantColor = color.New(color.FgCyan)
	errorColor     = color.New(color.FgRed)
	dimColor       = color.New(color.FgHiBlack)
	bannerColor    = color.New(color.FgYellow, color.Bold)
)

// renderer prints snapshot changes as a scrolling transcript.
type renderer struct {
	out     io.Writer
	session types.SessionID
	shown   map[types.MessageID]bool
	labels  map[types.MessageID]string
	channel types.ChannelStatus
	banner  string
	notice  string
	status  string
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{
		out:    out,
		shown:  make(map[types.MessageID]bool),
		labels: make(map[types.MessageID]string),
	}
}

func (r *renderer) render(s chat.Snapshot) {
	if s.SessionID != r.session || r.replaced(s) {
		r.session = s.SessionID
		r.shown = make(map[types.MessageID]bool)
		r.labels = make(map[types.MessageID]string)
		dimColor.Fprintf(r.out, "-- conversation %s --\n", s.SessionID)
	}

	for _, msg := range s.Messages {
		if r.shown[msg.ID] {
			continue
		}
		if msg.Status == types.StatusPending {
			if r.labels[msg.ID] != msg.Content {
				r.labels[msg.ID] = msg.Content
				dimColor.Fprintf(r.out, "  %s\n", msg.Content)
			}
			continue
		}
		r.shown[msg.ID] = true
		printMessage(r.out, msg)
	}

	if s.Channel != r.channel {
		r.channel = s.Channel
		dimColor.Fprintf(r.out, "[channel %s]\n", s.Channel)
	}
	if s.Banner != r.banner {
		r.banner = s.Banner
		if s.Banner != "" {
			bannerColor.Fprintln(r.out, "! "+s.Banner)
		}
	}
	if s.Notice != r.notice {
		r.notice = s.Notice
		if s.Notice != "" {
			errorColor.Fprintln(r.out, "! "+s.Notice)
		}
	}
	if s.Status != r.status {
		r.status = s.Status
		if s.Status != "" {
			dimColor.Fprintf(r.out, "  (%s)\n", s.Status)
		}
	}
}

// replaced reports whether the conversation was swapped in place, as when a
// loaded snapshot is replaced by the server's copy.
func (r *renderer) replaced(s chat.Snapshot) bool {
	if len(r.shown) == 0 {
		return false
	}
	for _, msg := range s.Messages {
		if r.shown[msg.ID] {
			return false
		}
	}
	return true
}

func printMessage(out io.Writer, msg types.Message) {
	switch {
	case msg.Status == types.StatusError:
		errorColor.Fprintln(out, msg.Content)
	case msg.Role == types.RoleUser:
		userColor.Fprint(out, "you> ")
		fmt.Fprintln(out, msg.Content)
	default:
		assistantColor.Fprint(out, "assistant> ")
		fmt.Fprintln(out, msg.Content)
	}
	for _, att := range msg.Attachments {
		line := "  [file] " + att.Name
		if att.URL != "" {
			line += " " + att.URL
		}
		dimColor.Fprintln(out, line)
	}
}

func printArchive(out io.Writer, entries []types.ArchiveEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(out, "No archived conversations.")
		return
	}
	for i, e := range entries {
		fmt.Fprintf(out, "%3d  %s  %s  %s\n", i+1,
			e.CreatedAt().Format("2006-01-02 15:04"), e.SessionID, preview(e.Messages))
	}
}

// preview is the first user message, shortened.
func preview(msgs []types.Message) string {
	for _, m := range msgs {
		if m.Role == types.RoleUser && m.Content != "" {
			text := strings.ReplaceAll(m.Content, "\n", " ")
			if len(text) > 48 {
				text = text[:45] + "..."
			}
			return text
		}
	}
	return fmt.Sprintf("(%d messages)", len(msgs))
}
