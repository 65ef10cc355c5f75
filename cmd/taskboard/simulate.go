package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/InsulaLabs/taskboard/config"
	"github.com/InsulaLabs/taskboard/db/tkv"
	"github.com/InsulaLabs/taskboard/internal/board"
	"github.com/InsulaLabs/taskboard/internal/realtime"
	"github.com/InsulaLabs/taskboard/internal/transport"
	"github.com/InsulaLabs/taskboard/models"
	"github.com/fatih/color"
)

const simulatedSettle = 300 * time.Millisecond

// handleSimulate runs several dashboards in this process, sharing either a
// broadcast channel hub or one storage slot, and shows an edit made in the
// first reaching the others.
func handleSimulate(rt config.Realtime, args []string) {
	fs := flag.NewFlagSet("simulate", flag.ExitOnError)
	medium := fs.String("medium", "broadcast", "Cross-context medium: broadcast or storage")
	contexts := fs.Int("contexts", 3, "Number of dashboards")
	fs.Parse(args)

	if *contexts < 2 {
		fail("Invalid context count", fmt.Errorf("need at least 2 contexts, got %d", *contexts))
	}

	ctx, cancel := signalContext()
	defer cancel()

	var env transport.Environment
	switch *medium {
	case "broadcast":
		env = transport.Environment{
			Windowed: true,
			Channels: transport.NewChannelHub(transport.HubConfig{Logger: logger, InboxSize: rt.ChannelInboxSize}),
		}
	case "storage":
		store, err := tkv.New(tkv.Config{
			Logger:         logger,
			BadgerLogLevel: slog.LevelError,
			InMemory:       true,
		})
		if err != nil {
			fail("Failed to open shared storage", err)
		}
		defer store.Close()
		env = transport.Environment{Storage: store}
	default:
		fail("Invalid medium", fmt.Errorf("unknown medium %q", *medium))
	}

	sessions := make([]*session, 0, *contexts)
	defer func() {
		for _, s := range sessions {
			s.Close()
		}
	}()
	for i := range *contexts {
		email := fmt.Sprintf("dev%d@sim.local", i)
		if i == 0 {
			email = "pm@sim.local"
		}
		s, err := simulatedSession(ctx, env, email, rt.NoticeTTL)
		if err != nil {
			fail("Failed to mount context", err)
		}
		sessions = append(sessions, s)
	}

	editor := sessions[0]
	fmt.Printf("%d contexts over %s\n", len(sessions), color.CyanString(string(editor.provider.TransportKind())))

	if err := editor.board.SetProgress(ctx, editor.provider, 1, 75); err != nil {
		fail("Progress edit failed", err)
	}
	if err := editor.board.SetTaskStatus(ctx, editor.provider, 1, 3, models.TaskInProgress); err != nil {
		fail("Status edit failed", err)
	}

	time.Sleep(simulatedSettle)

	for _, s := range sessions {
		p, _ := s.board.Project(1)
		task := p.Task(3)
		fmt.Printf("%-16s progress=%3d%%  task 3=%-12s", s.board.User(), p.Progress, statusColor(task.Status))
		for _, n := range s.board.Notices() {
			fmt.Printf("  [%s]", color.GreenString(n.Message))
		}
		fmt.Fprintln(os.Stdout)
	}
}

func simulatedSession(ctx context.Context, env transport.Environment, email string, noticeTTL time.Duration) (*session, error) {
	provider, err := realtime.Mount(ctx, realtime.Config{Logger: logger, Env: env})
	if err != nil {
		return nil, err
	}
	b := board.New(board.Config{
		Logger:    logger,
		User:      email,
		Role:      models.RoleForEmail(email),
		NoticeTTL: noticeTTL,
	})
	b.Load(models.SeedProjects())
	provider.SubscribeToUpdates(b)
	return &session{provider: provider, board: b}, nil
}
