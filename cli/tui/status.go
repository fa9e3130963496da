package tui

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/resolvd/resolver"
	"github.com/pithecene-io/resolvd/types"
)

// Source is the live resolver set shown by the status view.
// *resolver.Registry implements it.
type Source interface {
	Status() []resolver.Status
	// Changed is closed at the next state change.
	Changed() <-chan struct{}
	Reload(id types.ResolverID) error
}

var _ Source = (*resolver.Registry)(nil)

type statusMsg struct {
	statuses []resolver.Status
	changed  <-chan struct{}
}

type changedMsg struct{}

type reloadMsg struct {
	id  types.ResolverID
	err error
}

// keyMap defines key bindings.
type keyMap struct {
	Quit   key.Binding
	Reload key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
	Reload: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "reload selected"),
	),
}

var columns = []table.Column{
	{Title: "ID", Width: 4},
	{Title: "Name", Width: 18},
	{Title: "State", Width: 10},
	{Title: "Weight", Width: 6},
	{Title: "Timeout", Width: 8},
	{Title: "In flight", Width: 36},
	{Title: "Load error", Width: 40},
}

// Summary counts resolvers by lifecycle state.
type Summary struct {
	Total     int
	Available int
	Loading   int
	Resolving int
	Failed    int
}

// Busy returns true while any resolver is loading or resolving.
func (s Summary) Busy() bool { return s.Loading > 0 || s.Resolving > 0 }

// Summarize counts statuses. A load failure counts as failed, not loading.
func Summarize(statuses []resolver.Status) Summary {
	s := Summary{Total: len(statuses)}
	for _, st := range statuses {
		switch {
		case st.LoadError != "":
			s.Failed++
		case st.State == types.StateLoading.String():
			s.Loading++
		}
		if st.Available {
			s.Available++
		}
		if st.State == types.StateResolving.String() {
			s.Resolving++
		}
	}
	return s
}

func stateOf(st resolver.Status) string {
	if st.LoadError != "" {
		return "failed"
	}
	return st.State
}

// StatusModel is a Bubble Tea model that follows a Source live.
type StatusModel struct {
	src  Source
	done <-chan struct{}

	table    table.Model
	spinner  spinner.Model
	statuses []resolver.Status
	err      error
	quitting bool
}

// NewStatusModel creates a status model. The model stops waiting for
// changes once done is closed.
func NewStatusModel(src Source, done <-chan struct{}) StatusModel {
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(mutedColor).
		BorderBottom(true).
		Bold(true).
		Foreground(primaryColor)
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(primaryColor)

	return StatusModel{
		src:  src,
		done: done,
		table: table.New(
			table.WithColumns(columns),
			table.WithFocused(true),
			table.WithHeight(10),
			table.WithStyles(styles),
		),
		spinner: spinner.New(
			spinner.WithSpinner(spinner.Dot),
			spinner.WithStyle(spinnerStyle),
		),
	}
}

// Init implements tea.Model.
func (m StatusModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, snapshot(m.src))
}

// snapshot takes the change channel before reading, so a change between
// the two is seen by the next wait.
func snapshot(src Source) tea.Cmd {
	return func() tea.Msg {
		ch := src.Changed()
		return statusMsg{statuses: src.Status(), changed: ch}
	}
}

func waitChange(changed, done <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		select {
		case <-changed:
			return changedMsg{}
		case <-done:
			return nil
		}
	}
}

func reload(src Source, id types.ResolverID) tea.Cmd {
	return func() tea.Msg {
		return reloadMsg{id: id, err: src.Reload(id)}
	}
}

// Update implements tea.Model.
func (m StatusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.table.SetHeight(max(3, msg.Height-8))
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, keys.Reload):
			if i := m.table.Cursor(); i >= 0 && i < len(m.statuses) {
				return m, reload(m.src, m.statuses[i].ID)
			}
			return m, nil
		}
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, cmd

	case statusMsg:
		m = m.withStatuses(msg.statuses)
		return m, waitChange(msg.changed, m.done)

	case changedMsg:
		return m, snapshot(m.src)

	case reloadMsg:
		m.err = nil
		if msg.err != nil {
			m.err = fmt.Errorf("reload %d: %w", msg.id, msg.err)
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m StatusModel) withStatuses(statuses []resolver.Status) StatusModel {
	m.statuses = statuses
	rows := make([]table.Row, 0, len(statuses))
	for _, st := range statuses {
		rows = append(rows, table.Row{
			strconv.Itoa(int(st.ID)),
			st.Name,
			stateOf(st),
			strconv.Itoa(st.Weight),
			st.Timeout.String(),
			st.InFlight,
			st.LoadError,
		})
	}
	m.table.SetRows(rows)
	if c := m.table.Cursor(); c >= len(rows) && len(rows) > 0 {
		m.table.SetCursor(len(rows) - 1)
	}
	return m
}

// View implements tea.Model.
func (m StatusModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Resolvers"))
	b.WriteString("\n")
	b.WriteString(m.summaryLine())
	b.WriteString("\n\n")
	b.WriteString(m.table.View())
	b.WriteString("\n")
	if m.err != nil {
		b.WriteString(ErrorStyle.Render(m.err.Error()))
		b.WriteString("\n")
	}
	b.WriteString(HelpStyle.Render("↑/↓ select • r reload • q quit"))
	return b.String()
}

func (m StatusModel) summaryLine() string {
	s := Summarize(m.statuses)
	counts := fmt.Sprintf("%d resolvers, %d available", s.Total, s.Available)
	if s.Failed > 0 {
		counts += ", " + ErrorStyle.Render(fmt.Sprintf("%d failed", s.Failed))
	}
	if !s.Busy() {
		return SuccessStyle.Render("✓") + " " + counts
	}
	var busy []string
	if s.Loading > 0 {
		busy = append(busy, fmt.Sprintf("%d loading", s.Loading))
	}
	if s.Resolving > 0 {
		busy = append(busy, fmt.Sprintf("%d resolving", s.Resolving))
	}
	return m.spinner.View() + " " + counts + ", " + WarningStyle.Render(strings.Join(busy, ", "))
}

// Run shows the live status view until the user quits or ctx ends.
func Run(ctx context.Context, src Source) error {
	p := tea.NewProgram(
		NewStatusModel(src, ctx.Done()),
		tea.WithAltScreen(),
		tea.WithContext(ctx),
	)
	_, err := p.Run()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// RenderStatic renders statuses once without a terminal program.
func RenderStatic(statuses []resolver.Status) string {
	m := NewStatusModel(nil, nil).withStatuses(statuses)
	return lipgloss.NewStyle().Padding(1, 2).Render(m.View())
}
