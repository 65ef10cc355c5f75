package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/InsulaLabs/taskboard/client"
	"github.com/InsulaLabs/taskboard/config"
	"github.com/InsulaLabs/taskboard/internal/board"
	"github.com/InsulaLabs/taskboard/internal/realtime"
	"github.com/InsulaLabs/taskboard/internal/transport"
	"github.com/InsulaLabs/taskboard/internal/watch"
	"github.com/InsulaLabs/taskboard/models"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"
	"github.com/fatih/color"
)

const readyTimeout = 10 * time.Second

var (
	logger     *slog.Logger
	configPath string
	clientCfg  *config.Client
)

func init() {
	flag.StringVar(&configPath, "config", "taskboard.yaml", "Path to the client configuration file")
}

func setupLogger(level string) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		color.HiYellow("Unknown logging level: %s, defaulting to warn", level)
		lvl = log.WarnLevel
	}
	handler := log.NewWithOptions(os.Stderr, log.Options{
		Level:           lvl,
		ReportTimestamp: true,
		Prefix:          "taskboard",
	})
	logger = slog.New(handler)
}

func main() {
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}
	command := args[0]
	cmdArgs := args[1:]

	// These run without a config file.
	switch command {
	case "new-cfg":
		handleNewConfig(cmdArgs)
		return
	case "simulate":
		cfg, err := config.LoadClientConfig(configPath)
		if err != nil {
			cfg = config.GenerateClientConfig()
		}
		setupLogger(cfg.Logging.Level)
		handleSimulate(cfg.Realtime, cmdArgs)
		return
	}

	var err error
	clientCfg, err = config.LoadClientConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration from %s: %v\n", configPath, err)
		os.Exit(1)
	}
	setupLogger(clientCfg.Logging.Level)

	c, err := client.NewClient(&client.Config{
		Endpoint:   clientCfg.Endpoint,
		Token:      clientCfg.Token,
		SkipVerify: clientCfg.SkipVerify,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("Failed to create client", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signalContext()
	defer cancel()

	switch command {
	case "login":
		handleLogin(ctx, c, cmdArgs)
	case "projects":
		handleProjects(ctx, c)
	case "project":
		handleProject(ctx, c, cmdArgs)
	case "watch":
		handleWatch(ctx, c, cmdArgs)
	case "progress":
		handleProgress(ctx, c, cmdArgs)
	case "status":
		handleStatus(ctx, c, cmdArgs)
	default:
		logger.Error("Unknown command", "command", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: taskboard [flags] <command> [args...]\n")
	fmt.Fprintf(os.Stderr, "Flags:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nCommands:\n")
	fmt.Fprintf(os.Stderr, "  new-cfg <path>\n")
	fmt.Fprintf(os.Stderr, "  login <email> <password>\n")
	fmt.Fprintf(os.Stderr, "  projects\n")
	fmt.Fprintf(os.Stderr, "  project <id>\n")
	fmt.Fprintf(os.Stderr, "  watch [--project <id>]\n")
	fmt.Fprintf(os.Stderr, "  progress <projectID> <0-100>\n")
	fmt.Fprintf(os.Stderr, "  status <projectID> <taskID> <Todo|In Progress|Done>\n")
	fmt.Fprintf(os.Stderr, "  simulate [--medium broadcast|storage] [--contexts n]\n")
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("Received signal, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

func fail(msg string, err error) {
	logger.Error(msg, "error", err)
	fmt.Println(color.RedString("Error:"), err)
	os.Exit(1)
}

func parseID(name, raw string) int64 {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		fail("Invalid "+name, fmt.Errorf("%s must be a positive integer, got %q", name, raw))
	}
	return id
}

func handleNewConfig(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "new-cfg: requires <path>")
		printUsage()
		os.Exit(1)
	}
	if err := config.WriteConfig(args[0], config.GenerateClientConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write configuration: %v\n", err)
		os.Exit(1)
	}
	color.HiGreen("Wrote client configuration to %s", args[0])
}

func handleLogin(ctx context.Context, c *client.Client, args []string) {
	if len(args) != 2 {
		logger.Error("login: requires <email> <password>")
		printUsage()
		os.Exit(1)
	}

	resp, err := c.Login(ctx, args[0], args[1])
	if err != nil {
		fail("Login failed", err)
	}

	clientCfg.Email = resp.Email
	clientCfg.Token = resp.Token
	if err := config.WriteConfig(configPath, clientCfg); err != nil {
		fail("Failed to save session", err)
	}
	fmt.Printf("Logged in as %s (%s)\n", color.CyanString(resp.Email), resp.Role)
}

func handleProjects(ctx context.Context, c *client.Client) {
	projects, err := c.Projects(ctx)
	if err != nil {
		fail("Listing projects failed", err)
	}
	for _, p := range projects {
		fmt.Printf("%3d  %-28s %-12s %3d%%\n", p.ID, p.Name, p.Status, p.Progress)
	}
}

func handleProject(ctx context.Context, c *client.Client, args []string) {
	if len(args) != 1 {
		logger.Error("project: requires <id>")
		printUsage()
		os.Exit(1)
	}
	p, err := c.Project(ctx, parseID("project id", args[0]))
	if err != nil {
		fail("Fetching project failed", err)
	}

	color.New(color.Bold).Printf("%s\n", p.Name)
	fmt.Printf("  %s  %s to %s  %d%%  $%.0f\n", p.Status, p.StartDate, p.EndDate, p.Progress, p.Budget)
	if p.Description != "" {
		fmt.Printf("  %s\n", p.Description)
	}
	for _, t := range p.Tasks {
		fmt.Printf("  %3d  %-28s %-12s %-16s %s\n", t.ID, t.Title, statusColor(t.Status), t.AssignedTo, t.Priority)
	}
}

func statusColor(s models.TaskStatus) string {
	switch s {
	case models.TaskDone:
		return color.GreenString(string(s))
	case models.TaskInProgress:
		return color.YellowString(string(s))
	}
	return string(s)
}

// session mounts a realtime provider on the server relay and loads a board
// with the projects in scope.
type session struct {
	provider *realtime.Provider
	board    *board.Board
}

func openSession(ctx context.Context, c *client.Client, scope int64, onChange func()) (*session, error) {
	email := clientCfg.Email
	if email == "" {
		return nil, client.ErrNotLoggedIn
	}

	var projects []models.Project
	if scope != 0 {
		p, err := c.Project(ctx, scope)
		if err != nil {
			return nil, err
		}
		projects = []models.Project{*p}
	} else {
		summaries, err := c.Projects(ctx)
		if err != nil {
			return nil, err
		}
		for _, s := range summaries {
			p, err := c.Project(ctx, s.ID)
			if err != nil {
				return nil, err
			}
			projects = append(projects, *p)
		}
	}

	rt := clientCfg.Realtime
	provider, err := realtime.Mount(ctx, realtime.Config{
		Logger: logger,
		Relay: transport.RelayConfig{
			URL:        c.RelayURL(),
			Header:     c.RelayHeader(),
			SkipVerify: clientCfg.SkipVerify,
			Logger:     logger,
			MinBackoff: rt.MinBackoff,
			MaxBackoff: rt.MaxBackoff,
			PingPeriod: rt.PingPeriod,
			SendBuffer: rt.SendBufferSize,
		},
	})
	if err != nil {
		return nil, err
	}

	b := board.New(board.Config{
		Logger:    logger,
		User:      email,
		Role:      models.RoleForEmail(email),
		Scope:     scope,
		NoticeTTL: rt.NoticeTTL,
		OnChange:  onChange,
	})
	b.Load(projects)
	provider.SubscribeToUpdates(b)

	return &session{provider: provider, board: b}, nil
}

func (s *session) Close() {
	s.provider.Close()
	s.board.Close()
}

func handleWatch(ctx context.Context, c *client.Client, args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	scope := fs.Int64("project", 0, "Watch a single project")
	fs.Parse(args)

	s, err := openSession(ctx, c, *scope, nil)
	if err != nil {
		fail("Failed to open realtime session", err)
	}
	defer s.Close()

	m := watch.New(ctx, watch.Config{
		Board:     s.board,
		Publisher: s.provider,
		Transport: string(s.provider.TransportKind()),
	})
	if _, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		fail("Watch failed", err)
	}
}

// oneShot runs edit against a fresh session once the relay is up.
func oneShot(ctx context.Context, c *client.Client, projectID int64, edit func(*session) error) {
	s, err := openSession(ctx, c, projectID, nil)
	if err != nil {
		fail("Failed to open realtime session", err)
	}
	defer s.Close()

	readyCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()
	if err := s.provider.WaitReady(readyCtx); err != nil {
		logger.Warn("Relay not reachable, change stays local", "error", err)
	}

	if err := edit(s); err != nil {
		fail("Update failed", err)
	}
}

func handleProgress(ctx context.Context, c *client.Client, args []string) {
	if len(args) != 2 {
		logger.Error("progress: requires <projectID> <value>")
		printUsage()
		os.Exit(1)
	}
	projectID := parseID("project id", args[0])
	value, err := strconv.Atoi(args[1])
	if err != nil {
		fail("Invalid progress", err)
	}

	oneShot(ctx, c, projectID, func(s *session) error {
		if err := s.board.SetProgress(ctx, s.provider, projectID, value); err != nil {
			return err
		}
		p, _ := s.board.Project(projectID)
		fmt.Printf("%s progress is now %d%%\n", p.Name, p.Progress)
		return nil
	})
}

func handleStatus(ctx context.Context, c *client.Client, args []string) {
	if len(args) != 3 {
		logger.Error("status: requires <projectID> <taskID> <status>")
		printUsage()
		os.Exit(1)
	}
	projectID := parseID("project id", args[0])
	taskID := parseID("task id", args[1])
	status := models.TaskStatus(args[2])

	oneShot(ctx, c, projectID, func(s *session) error {
		if err := s.board.SetTaskStatus(ctx, s.provider, projectID, taskID, status); err != nil {
			return err
		}
		fmt.Printf("Task %d is now %s\n", taskID, statusColor(status))
		return nil
	})
}
