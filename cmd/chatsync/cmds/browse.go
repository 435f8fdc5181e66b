package cmds

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"charm.land/lipgloss/v2"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatsync/pkg/config"
	"github.com/go-go-golems/chatsync/pkg/persistence/sessioncache"
	"github.com/go-go-golems/chatsync/pkg/sessionsync"
)

const listWidth = 40

var (
	paneStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 1)
	noSelectionStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#888888")).
				Align(lipgloss.Center).
				PaddingTop(2)
)

type sessionItem struct {
	entry sessioncache.Entry
	now   time.Time
}

func (i sessionItem) Title() string { return i.entry.SessionID }
func (i sessionItem) Description() string {
	return fmt.Sprintf("%d messages · %s", len(i.entry.Messages),
		humanize.RelTime(i.entry.TouchedAt, i.now, "ago", "from now"))
}
func (i sessionItem) FilterValue() string { return i.entry.SessionID }

// pane holds the rendered active window. It is written by engine listeners
// and by the paginator, then copied into the bubbles viewport on Update.
type pane struct {
	mu      sync.Mutex
	render  func(sessionsync.Window) string
	content string
	lines   int
	offset  int
}

var _ sessionsync.Viewport = &pane{}

func (p *pane) show(w sessionsync.Window) {
	content := p.render(w)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.content = content
	p.lines = lipgloss.Height(content)
}

func (p *pane) ContentExtent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lines
}

func (p *pane) ScrollBy(delta int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offset = max(p.offset+delta, 0)
}

func (p *pane) setOffset(offset int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offset = offset
}

func (p *pane) snapshot() (string, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.content, p.offset
}

type (
	windowChangedMsg struct{}
	loadedMsg        struct {
		window sessionsync.Window
		err    error
	}
	olderMsg struct{ err error }
)

type browseModel struct {
	ctx       context.Context
	engine    *sessionsync.Engine
	paginator *sessionsync.Paginator
	pane      *pane

	list     list.Model
	viewport viewport.Model
	selected string
	status   string
	ready    bool
	width    int
	height   int
}

func (m browseModel) Init() tea.Cmd {
	return nil
}

func (m browseModel) load(sessionID string) tea.Cmd {
	return func() tea.Msg {
		w, err := m.engine.Load(m.ctx, sessionID)
		return loadedMsg{window: w, err: err}
	}
}

func (m browseModel) older() tea.Cmd {
	m.pane.setOffset(m.viewport.YOffset)
	return func() tea.Msg {
		_, err := m.paginator.OnSentinelVisible(m.ctx)
		return olderMsg{err: err}
	}
}

func (m *browseModel) sync() {
	content, offset := m.pane.snapshot()
	m.viewport.SetContent(content)
	m.viewport.SetYOffset(offset)
}

func (m browseModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "enter":
			if item, ok := m.list.SelectedItem().(sessionItem); ok && item.entry.SessionID != m.selected {
				m.selected = item.entry.SessionID
				m.status = "loading " + m.selected
				return m, m.load(m.selected)
			}
			return m, nil
		case "pgup", "ctrl+u":
			if m.selected != "" && m.viewport.AtTop() {
				m.status = "loading older messages"
				return m, m.older()
			}
			fallthrough
		case "pgdown", "ctrl+d":
			var viewportCmd tea.Cmd
			m.viewport, viewportCmd = m.viewport.Update(msg)
			return m, viewportCmd
		}
		var listCmd tea.Cmd
		m.list, listCmd = m.list.Update(msg)
		return m, listCmd

	case loadedMsg:
		m.status = ""
		if msg.err != nil {
			m.status = msg.err.Error()
		}
		m.pane.show(msg.window)
		m.sync()
		m.viewport.GotoBottom()

	case olderMsg:
		m.status = ""
		if msg.err != nil {
			m.status = msg.err.Error()
		}
		m.sync()

	case windowChangedMsg:
		content, _ := m.pane.snapshot()
		atBottom := m.viewport.AtBottom()
		m.viewport.SetContent(content)
		if atBottom {
			m.viewport.GotoBottom()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.list.SetSize(listWidth, m.height-2)
		if !m.ready {
			m.viewport = viewport.New(m.width-listWidth-6, m.height-3)
			m.ready = true
		} else {
			m.viewport.Width = m.width - listWidth - 6
			m.viewport.Height = m.height - 3
		}
	}

	var viewportCmd tea.Cmd
	m.viewport, viewportCmd = m.viewport.Update(msg)
	return m, viewportCmd
}

func (m browseModel) View() string {
	if !m.ready {
		return "Loading..."
	}
	left := paneStyle.Width(listWidth).Render(m.list.View())
	var right string
	if m.selected == "" {
		right = noSelectionStyle.Render("Select a session and press enter")
	} else {
		right = m.viewport.View()
	}
	if m.status != "" {
		right = lipgloss.JoinVertical(lipgloss.Left, right, mutedStyle.Render(m.status))
	}
	right = paneStyle.Width(m.width - listWidth - 4).Render(right)
	return lipgloss.JoinHorizontal(lipgloss.Top, left, right)
}

func newBrowseCommand(cfg *config.Config) *cobra.Command {
	var plain bool
	cmd := &cobra.Command{
		Use:   "browse",
		Short: "Browse cached sessions, page up at the top loads older messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			now := time.Now()
			var items []list.Item
			for _, e := range a.store.Entries(ctx) {
				if e.SessionID == sessioncache.PendingSessionKey {
					continue
				}
				items = append(items, sessionItem{entry: e, now: now})
			}
			if len(items) == 0 {
				return errors.New("no cached sessions, run load first")
			}

			r := newRenderer(os.Stdout, plain)
			p := &pane{render: func(w sessionsync.Window) string {
				return strings.TrimRight(r.String(w), "\n")
			}}

			l := list.New(items, list.NewDefaultDelegate(), 0, 0)
			l.Title = "Cached sessions"
			l.SetShowStatusBar(false)
			l.SetFilteringEnabled(false)

			m := browseModel{
				ctx:       ctx,
				engine:    a.engine,
				paginator: sessionsync.NewPaginator(a.engine, p),
				pane:      p,
				list:      l,
			}
			program := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
			unsubscribe := a.engine.Subscribe(func(w sessionsync.Window) {
				p.show(w)
				go program.Send(windowChangedMsg{})
			})
			defer unsubscribe()

			if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
				return errors.Wrap(err, "run browser")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&plain, "plain", false, "Disable colors and markdown rendering")
	return cmd
}
