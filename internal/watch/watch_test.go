package watch

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/InsulaLabs/taskboard/internal/board"
	"github.com/InsulaLabs/taskboard/internal/events"
	"github.com/InsulaLabs/taskboard/models"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var stamper = events.NewStamper(nil)

type fakePublisher struct {
	mu      sync.Mutex
	updates []events.Update
}

func (f *fakePublisher) BroadcastUpdate(_ context.Context, u events.Update) (events.Envelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, u)
	return stamper.Stamp(u)
}

func newModel(t *testing.T, role models.Role) (Model, *board.Board, *fakePublisher) {
	t.Helper()
	b := board.New(board.Config{
		Logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn})),
		User:   "pm@x.com",
		Role:   role,
	})
	b.Load(models.SeedProjects())
	t.Cleanup(b.Close)

	pub := &fakePublisher{}
	return New(context.Background(), Config{Board: b, Publisher: pub, Transport: "local"}), b, pub
}

func key(s string) tea.KeyMsg {
	switch s {
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	case "up":
		return tea.KeyMsg{Type: tea.KeyUp}
	case "ctrl+c":
		return tea.KeyMsg{Type: tea.KeyCtrlC}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func send(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	nm, ok := next.(Model)
	require.True(t, ok)
	return nm, cmd
}

func TestViewListsProjects(t *testing.T) {
	m, _, _ := newModel(t, models.RoleProjectManager)
	view := m.View()

	assert.Contains(t, view, "pm@x.com")
	assert.Contains(t, view, "via local")
	for _, p := range models.SeedProjects() {
		assert.Contains(t, view, p.Name)
	}
	assert.Contains(t, view, "> Website Redesign")
}

func TestViewShowsStatusDistribution(t *testing.T) {
	m, _, _ := newModel(t, models.RoleProjectManager)
	assert.Contains(t, m.View(), "Completed 2 · In Progress 3 · On Hold 1")
}

func TestStatusSummary(t *testing.T) {
	assert.Empty(t, StatusSummary(nil))
	assert.Equal(t, "In Progress 1 · Archived 1 · Blocked 2", StatusSummary([]models.Project{
		{Status: "Blocked"},
		{Status: "In Progress"},
		{Status: "Archived"},
		{Status: "Blocked"},
	}))
}

func TestCursorStaysInRange(t *testing.T) {
	m, _, _ := newModel(t, models.RoleProjectManager)

	m, _ = send(t, m, key("up"))
	assert.Equal(t, 0, m.cursor)

	for range 20 {
		m, _ = send(t, m, key("down"))
	}
	assert.Equal(t, len(models.SeedProjects())-1, m.cursor)
}

func TestProgressKeysShareEdit(t *testing.T) {
	m, b, pub := newModel(t, models.RoleProjectManager)

	m, cmd := send(t, m, key("+"))
	require.NotNil(t, cmd)
	m, _ = send(t, m, cmd())

	p, ok := b.Project(1)
	require.True(t, ok)
	assert.Equal(t, 50, p.Progress)
	require.Len(t, pub.updates, 1)
	assert.Equal(t, map[string]any{"progress": 50}, pub.updates[0].Payload)
	assert.Equal(t, "progress shared", m.status)
	assert.False(t, m.isErr)

	// Project 2 is already complete; the step is clamped.
	m, _ = send(t, m, key("down"))
	_, cmd = send(t, m, key("+"))
	cmd()
	p, _ = b.Project(2)
	assert.Equal(t, 100, p.Progress)
	assert.Equal(t, 100, pub.updates[1].Payload["progress"])
}

func TestProgressKeysRespectRole(t *testing.T) {
	m, b, pub := newModel(t, models.RoleDeveloper)

	m, cmd := send(t, m, key("-"))
	require.NotNil(t, cmd)
	m, _ = send(t, m, cmd())

	p, _ := b.Project(1)
	assert.Equal(t, 40, p.Progress)
	assert.Empty(t, pub.updates)
	assert.True(t, m.isErr)
	assert.Contains(t, m.View(), board.ErrForbidden.Error())
}

func TestRemoteUpdateShowsNotice(t *testing.T) {
	m, b, _ := newModel(t, models.RoleProjectManager)

	env, err := stamper.Stamp(events.Update{
		Kind:       events.KindProjectUpdated,
		ProjectID:  1,
		Payload:    map[string]any{"progress": 75},
		OriginUser: "admin@x.com",
	})
	require.NoError(t, err)
	b.OnUpdate(context.Background(), env)

	m, cmd := send(t, m, tickMsg{})
	assert.NotNil(t, cmd)
	view := m.View()
	assert.Contains(t, view, "admin@x.com updated a project")
}

func TestQuit(t *testing.T) {
	m, _, _ := newModel(t, models.RoleAdmin)

	m, cmd := send(t, m, key("q"))
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.Empty(t, m.View())
}
