package watch

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/InsulaLabs/taskboard/internal/board"
	"github.com/InsulaLabs/taskboard/models"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const (
	refreshInterval = 200 * time.Millisecond
	progressStep    = 10
)

type tickMsg time.Time

type editResultMsg struct {
	err error
}

type Config struct {
	Board     *board.Board
	Publisher board.Publisher

	// Transport names how this context reaches the others. Display only.
	Transport string
}

// Model is a live dashboard over a board. Remote edits show up on the
// next refresh, along with a notice that clears on its own.
type Model struct {
	ctx       context.Context
	board     *board.Board
	pub       board.Publisher
	transport string

	cursor   int
	status   string
	isErr    bool
	width    int
	bar      progress.Model
	styles   styles
	quitting bool
}

type styles struct {
	header   lipgloss.Style
	selected lipgloss.Style
	muted    lipgloss.Style
	notice   lipgloss.Style
	err      lipgloss.Style
}

func New(ctx context.Context, cfg Config) Model {
	return Model{
		ctx:       ctx,
		board:     cfg.Board,
		pub:       cfg.Publisher,
		transport: cfg.Transport,
		bar:       progress.New(progress.WithDefaultGradient(), progress.WithWidth(24)),
		styles: styles{
			header:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
			selected: lipgloss.NewStyle().Foreground(lipgloss.Color("5")),
			muted:    lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
			notice:   lipgloss.NewStyle().Foreground(lipgloss.Color("0")).Background(lipgloss.Color("10")).Padding(0, 1),
			err:      lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		},
	}
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) Init() tea.Cmd {
	return tick()
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		return m, tick()
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil
	case editResultMsg:
		if msg.err != nil {
			m.status, m.isErr = msg.err.Error(), true
		} else {
			m.status, m.isErr = "progress shared", false
		}
		return m, nil
	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	projects := m.board.Projects()
	switch msg.String() {
	case "ctrl+c", "q", "esc":
		m.quitting = true
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(projects)-1 {
			m.cursor++
		}
	case "+", "=", "right", "l":
		return m, m.adjust(projects, progressStep)
	case "-", "left", "h":
		return m, m.adjust(projects, -progressStep)
	}
	return m, nil
}

func (m Model) adjust(projects []models.Project, delta int) tea.Cmd {
	if m.cursor >= len(projects) {
		return nil
	}
	p := projects[m.cursor]
	target := min(max(p.Progress+delta, 0), 100)
	return func() tea.Msg {
		return editResultMsg{err: m.board.SetProgress(m.ctx, m.pub, p.ID, target)}
	}
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(m.styles.header.Render(fmt.Sprintf("taskboard  %s (%s)", m.board.User(), m.board.Role())))
	if m.transport != "" {
		sb.WriteString(m.styles.muted.Render("  via " + m.transport))
	}
	sb.WriteString("\n\n")

	projects := m.board.Projects()
	for i, p := range projects {
		line := fmt.Sprintf("%-28s %-12s %s", p.Name, p.Status, m.bar.ViewAs(float64(p.Progress)/100))
		if i == m.cursor {
			sb.WriteString(m.styles.selected.Render("> " + line))
		} else {
			sb.WriteString("  " + line)
		}
		sb.WriteString("\n")
	}
	if len(projects) > 0 {
		sb.WriteString(m.styles.muted.Render(StatusSummary(projects)))
		sb.WriteString("\n")
	}

	if notices := m.board.Notices(); len(notices) > 0 {
		sb.WriteString("\n")
		for _, n := range notices {
			sb.WriteString(m.styles.notice.Render(n.Message))
			sb.WriteString("\n")
		}
	}

	if m.status != "" {
		sb.WriteString("\n")
		if m.isErr {
			sb.WriteString(m.styles.err.Render(m.status))
		} else {
			sb.WriteString(m.styles.muted.Render(m.status))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("\n")
	sb.WriteString(m.styles.muted.Render("↑/↓ select  +/- progress  q quit"))
	return sb.String()
}

// Project statuses in the order the dashboard charts them. Other statuses
// follow alphabetically.
var statusOrder = []string{"Completed", "In Progress", "On Hold"}

// StatusSummary counts projects per status, e.g.
// "Completed 2 · In Progress 3 · On Hold 1".
func StatusSummary(projects []models.Project) string {
	counts := make(map[string]int)
	var extra []string
	for _, p := range projects {
		if counts[p.Status] == 0 && !slices.Contains(statusOrder, p.Status) {
			extra = append(extra, p.Status)
		}
		counts[p.Status]++
	}
	slices.Sort(extra)

	parts := make([]string, 0, len(statusOrder)+len(extra))
	for _, status := range append(slices.Clone(statusOrder), extra...) {
		if n := counts[status]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s %d", status, n))
		}
	}
	return strings.Join(parts, " · ")
}
