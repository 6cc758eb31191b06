package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// tickMsg is sent by Bubble Tea on every tick interval.
// Used to trigger periodic data refresh from the state database.
type tickMsg time.Time

// serversMsg carries fetched server state. nil means the database was not
// readable (daemon never initialized it).
type serversMsg []ServerRow

// runsMsg carries fetched pipeline run summaries.
type runsMsg []RunRow

// callsMsg carries the newest call log entries.
type callsMsg []CallRow

// tickCmd returns a command that sends a tickMsg after 2 seconds.
func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchServersCmd() tea.Cmd {
	return func() tea.Msg {
		servers, _ := FetchServers(defaultDBPath())
		return serversMsg(servers)
	}
}

func fetchRunsCmd() tea.Cmd {
	return func() tea.Msg {
		runs, _ := FetchRuns(defaultDBPath(), 15)
		return runsMsg(runs)
	}
}

func fetchCallsCmd() tea.Cmd {
	return func() tea.Msg {
		calls, _ := FetchRecentCalls(defaultDBPath(), 8)
		return callsMsg(calls)
	}
}

// Model is the Bubble Tea model for the refinery dashboard.
type Model struct {
	theme Theme

	servers []ServerRow
	runs    []RunRow
	calls   []CallRow

	serverTable table.Model
	runTable    table.Model
	// focusRuns selects which table receives cursor keys.
	focusRuns bool

	width  int
	height int
}

// newModel creates a new Model with empty tables; the first tick fills them.
func newModel() Model {
	theme := DefaultTheme()

	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true).Foreground(theme.Primary)
	styles.Selected = styles.Selected.Foreground(theme.Secondary).Bold(true)

	serverTable := table.New(
		table.WithColumns([]table.Column{
			{Title: "Server", Width: 14},
			{Title: "State", Width: 9},
			{Title: "PID", Width: 7},
			{Title: "Restarts", Width: 8},
			{Title: "Last Error", Width: 32},
		}),
		table.WithHeight(6),
		table.WithStyles(styles),
	)
	runTable := table.New(
		table.WithColumns([]table.Column{
			{Title: "Run", Width: 10},
			{Title: "Status", Width: 10},
			{Title: "Created", Width: 20},
			{Title: "Input", Width: 36},
		}),
		table.WithHeight(10),
		table.WithStyles(styles),
	)
	serverTable.Focus()

	return Model{
		theme:       theme,
		serverTable: serverTable,
		runTable:    runTable,
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(fetchServersCmd(), fetchRunsCmd(), fetchCallsCmd(), tickCmd())
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "tab":
			m.focusRuns = !m.focusRuns
			if m.focusRuns {
				m.serverTable.Blur()
				m.runTable.Focus()
			} else {
				m.runTable.Blur()
				m.serverTable.Focus()
			}
			return m, nil
		case "r":
			return m, tea.Batch(fetchServersCmd(), fetchRunsCmd(), fetchCallsCmd())
		}

	case tickMsg:
		return m, tea.Batch(fetchServersCmd(), fetchRunsCmd(), fetchCallsCmd(), tickCmd())

	case serversMsg:
		m.servers = msg
		m.serverTable.SetRows(serverRows(msg))
		return m, nil

	case runsMsg:
		m.runs = msg
		m.runTable.SetRows(runRows(msg))
		return m, nil

	case callsMsg:
		m.calls = msg
		return m, nil
	}

	var cmd tea.Cmd
	if m.focusRuns {
		m.runTable, cmd = m.runTable.Update(msg)
	} else {
		m.serverTable, cmd = m.serverTable.Update(msg)
	}
	return m, cmd
}

func serverRows(servers []ServerRow) []table.Row {
	rows := make([]table.Row, 0, len(servers))
	for _, s := range servers {
		rows = append(rows, table.Row{
			s.Name, s.State, fmt.Sprintf("%d", s.PID), fmt.Sprintf("%d", s.Restarts), s.LastError,
		})
	}
	return rows
}

func runRows(runs []RunRow) []table.Row {
	rows := make([]table.Row, 0, len(runs))
	for _, r := range runs {
		id := r.ID
		if len(id) > 8 {
			id = id[:8]
		}
		rows = append(rows, table.Row{id, r.Status, r.CreatedAt, r.Input})
	}
	return rows
}

// View implements tea.Model.
func (m Model) View() string {
	title := lipgloss.NewStyle().Bold(true).Foreground(m.theme.Primary).
		Render("refinery dashboard")
	help := lipgloss.NewStyle().Foreground(m.theme.Muted).
		Render("tab: switch table  r: refresh  q: quit")

	section := lipgloss.NewStyle().Bold(true).Foreground(m.theme.Secondary)

	out := title + "\n\n"
	out += section.Render("Servers") + "\n" + m.serverTable.View() + "\n\n"
	out += section.Render("Runs") + "\n" + m.runTable.View() + "\n\n"
	out += section.Render("Recent Calls") + "\n" + m.renderCalls() + "\n"
	out += help
	return out
}

func (m Model) renderCalls() string {
	if len(m.calls) == 0 {
		return lipgloss.NewStyle().Foreground(m.theme.Muted).Render("  none recorded")
	}
	out := ""
	for _, c := range m.calls {
		status := "ok"
		switch {
		case c.Fallback:
			status = "fallback"
		case c.Error != "":
			status = "error"
		}
		line := fmt.Sprintf("  %s  %-12s %-20s %-8s %5dms attempt=%d",
			c.CreatedAt, c.Server, c.Tool, status, c.DurationMS, c.Attempt)
		out += lipgloss.NewStyle().Foreground(m.theme.statusColor(status)).Render(line) + "\n"
	}
	return out
}
