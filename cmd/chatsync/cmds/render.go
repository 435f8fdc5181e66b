package cmds

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"charm.land/lipgloss/v2"
	"github.com/charmbracelet/glamour"
	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/message"
	"github.com/go-go-golems/chatsync/pkg/sessionsync"
)

var (
	dayStyle       = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	assistantStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	errorStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	mutedStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
)

type renderer struct {
	out      io.Writer
	now      func() time.Time
	plain    bool
	markdown *glamour.TermRenderer
}

func newRenderer(out io.Writer, plain bool) *renderer {
	r := &renderer{out: out, now: time.Now, plain: plain}
	if f, ok := out.(*os.File); !ok || !isatty.IsTerminal(f.Fd()) {
		r.plain = true
	}
	if !r.plain {
		tr, err := glamour.NewTermRenderer(glamour.WithStandardStyle("dark"), glamour.WithWordWrap(100))
		if err != nil {
			log.Debug().Err(err).Msg("markdown rendering disabled")
		} else {
			r.markdown = tr
		}
	}
	return r
}

// String renders w into a string instead of the renderer's writer.
func (r *renderer) String(w sessionsync.Window) string {
	var b strings.Builder
	c := *r
	c.out = &b
	c.Window(w)
	return b.String()
}

func (r *renderer) style(s lipgloss.Style, text string) string {
	if r.plain {
		return text
	}
	return s.Render(text)
}

// Window prints the messages grouped by day, with a header naming the session.
func (r *renderer) Window(w sessionsync.Window) {
	now := r.now()
	header := fmt.Sprintf("session %s: %d messages", w.SessionID, len(w.Messages))
	if w.FromCache {
		header += " (cached)"
	}
	if w.HasMore {
		header += ", older messages available"
	}
	_, _ = fmt.Fprintln(r.out, r.style(mutedStyle, header))

	for _, g := range message.GroupByDay(w.Messages, now) {
		_, _ = fmt.Fprintln(r.out, r.style(dayStyle, "── "+g.Label+" ──"))
		for _, m := range g.Messages {
			r.message(m, now)
		}
	}
}

func (r *renderer) message(m message.Message, now time.Time) {
	var label string
	switch {
	case m.Error:
		label = r.style(errorStyle, "error")
	case m.Role == message.RoleUser:
		label = r.style(userStyle, "you")
	default:
		label = r.style(assistantStyle, "assistant")
	}
	meta := humanize.RelTime(m.CreatedAt, now, "ago", "from now")
	if m.Role == message.RoleUser && m.Status != "" && m.Status != message.StatusDelivered {
		meta += " · " + string(m.Status)
	}
	if m.Error && m.Retryable {
		meta += " · retry with --retry"
	}
	if m.Ephemeral {
		meta = "…"
	}
	_, _ = fmt.Fprintf(r.out, "%s %s\n", label, r.style(mutedStyle, meta))

	body := m.Content
	if m.IsMedia() {
		body = fmt.Sprintf("%s <%s>", m.Content, m.Media.URL)
	}
	if r.markdown != nil && m.Role == message.RoleAssistant && !m.Error {
		if out, err := r.markdown.Render(body); err == nil {
			_, _ = fmt.Fprint(r.out, out)
			return
		}
	}
	for _, line := range strings.Split(body, "\n") {
		_, _ = fmt.Fprintln(r.out, "  "+line)
	}
}
