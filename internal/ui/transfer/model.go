// Package transfer is the terminal view of running attachment downloads
// and previews: one progress bar per attachment fed by the progress hub.
package transfer

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/mailattach/internal/keys"
	"github.com/nhle/mailattach/internal/model"
	"github.com/nhle/mailattach/internal/theme"
)

// Item is one attachment shown in the view.
type Item struct {
	Key  model.CacheKey
	Name string
}

// ProgressMsg reports a new percentage for an item.
type ProgressMsg struct {
	Key     model.CacheKey
	Percent int
}

// DoneMsg reports that the work for an item finished.
type DoneMsg struct {
	Key  model.CacheKey
	Path string
	Err  error
}

const (
	stateResolving   = "resolving"
	stateReady       = "ready"
	stateFailed      = "failed"
	stateUnsupported = "unsupported"
	stateCanceled    = "canceled"
)

type row struct {
	item    Item
	bar     progress.Model
	percent int
	state   string
	detail  string
}

// Model is the transfer view.
type Model struct {
	keys     *keys.KeyMap
	help     help.Model
	rows     []*row
	index    map[model.CacheKey]*row
	cancel   context.CancelFunc
	title    string
	width    int
	showHelp bool
	canceled bool
}

// New creates a view for items. cancel is invoked when the user aborts.
func New(title string, items []Item, cancel context.CancelFunc) Model {
	m := Model{
		keys:   keys.DefaultKeyMap(),
		help:   help.New(),
		index:  make(map[model.CacheKey]*row, len(items)),
		cancel: cancel,
		title:  title,
		width:  80,
	}
	for _, it := range items {
		r := &row{
			item:  it,
			bar:   progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
			state: stateResolving,
		}
		m.rows = append(m.rows, r)
		m.index[it.Key] = r
	}
	m.resize()
	return m
}

// Init returns the initial command.
func (m Model) Init() tea.Cmd {
	return nil
}

// Update handles messages for the transfer view.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.resize()

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Cancel):
			m.abort()
		case key.Matches(msg, m.keys.Quit):
			if m.Finished() {
				return m, tea.Quit
			}
			m.abort()
		case key.Matches(msg, m.keys.Help):
			m.showHelp = !m.showHelp
		}

	case ProgressMsg:
		if r, ok := m.index[msg.Key]; ok && r.state == stateResolving && msg.Percent > r.percent {
			r.percent = msg.Percent
		}

	case DoneMsg:
		if r, ok := m.index[msg.Key]; ok {
			applyDone(r, msg)
		}
		if m.Finished() {
			return m, tea.Quit
		}
	}

	return m, nil
}

func (m *Model) abort() {
	if m.canceled {
		return
	}
	m.canceled = true
	if m.cancel != nil {
		m.cancel()
	}
}

func applyDone(r *row, msg DoneMsg) {
	if msg.Err == nil {
		r.state = stateReady
		r.percent = 100
		r.detail = msg.Path
		return
	}

	switch model.KindOf(msg.Err) {
	case model.KindUnsupported:
		r.state = stateUnsupported
		r.detail = msg.Path
	case model.KindCanceled:
		r.state = stateCanceled
	default:
		r.state = stateFailed
		r.detail = string(model.KindOf(msg.Err))
	}
}

// Finished reports whether every item has reached a final state.
func (m Model) Finished() bool {
	for _, r := range m.rows {
		if r.state == stateResolving {
			return false
		}
	}
	return true
}

// Canceled reports whether the user aborted the transfers.
func (m Model) Canceled() bool {
	return m.canceled
}

// View renders the transfer list.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(theme.HeaderStyle.Render(m.title))
	b.WriteString("\n")

	var lines []string
	for _, r := range m.rows {
		state := theme.StateStyle(r.state).Render(r.state)
		line := fmt.Sprintf("%s %s\n%s %3d%%",
			theme.NameStyle.Render(r.item.Name), state,
			r.bar.ViewAs(float64(r.percent)/100), r.percent,
		)
		if r.detail != "" {
			line += "\n" + theme.HelpStyle.Render(r.detail)
		}
		lines = append(lines, line)
	}
	b.WriteString(theme.PanelStyle.Width(max(m.width-4, 20)).Render(
		lipgloss.JoinVertical(lipgloss.Left, lines...),
	))
	b.WriteString("\n")

	m.help.ShowAll = m.showHelp
	b.WriteString(m.help.View(m.keys))
	return b.String()
}

func (m *Model) resize() {
	w := m.width - 16
	if w < 10 {
		w = 10
	}
	for _, r := range m.rows {
		r.bar.Width = w
	}
	m.help.Width = m.width
}
