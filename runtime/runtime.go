package runtime

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/InsulaLabs/taskboard/config"
	"github.com/InsulaLabs/taskboard/db/tkv"
	"github.com/InsulaLabs/taskboard/service"
	"github.com/fatih/color"
)

// ErrConfigGenerated is returned by New after --new-cfg wrote a config.
// There is nothing left to run.
var ErrConfigGenerated = errors.New("configuration generated")

// Runtime manages the execution of taskboardd, handling configuration,
// signal processing, and the lifecycle of the service.
type Runtime struct {
	appCtx     context.Context
	appCancel  context.CancelFunc
	logger     *slog.Logger
	cfg        *config.Server
	configFile string
	rawArgs    []string
	done       chan struct{}

	currentLogLevel slog.Level
}

// ParseLevel maps a config logging level to slog. Unknown values give
// info and false.
func ParseLevel(level string) (slog.Level, bool) {
	switch level {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}

// New creates a new Runtime instance.
// It initializes the application context, sets up signal handling,
// parses command-line flags, and loads the server configuration.
func New(args []string, defaultConfigFile string) (*Runtime, error) {
	r := &Runtime{
		rawArgs: args,
		done:    make(chan struct{}),
	}

	r.appCtx, r.appCancel = context.WithCancel(context.Background())
	r.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("service", "taskboarddRuntime")

	var genConfigFile string
	fs := flag.NewFlagSet("runtime", flag.ContinueOnError)
	fs.StringVar(&r.configFile, "config", defaultConfigFile, "Path to the server configuration file.")
	fs.StringVar(&genConfigFile, "new-cfg", "", "Generate a new server configuration file to a given path.")

	if err := fs.Parse(r.rawArgs); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}

	if genConfigFile != "" {
		dir := filepath.Dir(genConfigFile)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create directory for config file %s: %w", genConfigFile, err)
			}
		}
		if err := config.WriteConfig(genConfigFile, config.GenerateConfig()); err != nil {
			return nil, fmt.Errorf("failed to write generated configuration to %s: %w", genConfigFile, err)
		}
		r.logger.Info("Successfully generated new configuration file", "path", genConfigFile)
		return nil, ErrConfigGenerated
	}

	var err error
	r.cfg, err = config.LoadConfig(r.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from %s: %w", r.configFile, err)
	}

	level, ok := ParseLevel(r.cfg.Logging.Level)
	if !ok {
		color.HiYellow("Unknown logging level: %s, defaulting to info", r.cfg.Logging.Level)
	}
	r.currentLogLevel = level

	r.logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: r.currentLogLevel,
	})).With("service", "taskboarddRuntime")

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			r.logger.Info("Received signal, initiating shutdown...", "signal", sig)
			r.appCancel()
		case <-r.appCtx.Done():
		}
		signal.Stop(sigChan)
	}()

	return r, nil
}

// Run opens the project store and serves until the runtime is stopped.
func (r *Runtime) Run() error {
	defer close(r.done)

	if err := os.MkdirAll(r.cfg.DataDir, os.ModePerm); err != nil {
		return fmt.Errorf("failed to create data directory %s: %w", r.cfg.DataDir, err)
	}

	store, err := tkv.New(tkv.Config{
		Logger:         r.logger.WithGroup("tkv"),
		BadgerLogLevel: r.currentLogLevel,
		Directory:      r.cfg.DataDir,
	})
	if err != nil {
		return fmt.Errorf("failed to open project store: %w", err)
	}
	defer store.Close()

	svc, err := service.NewService(r.appCtx, r.logger.WithGroup("service"), r.cfg, store)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	svc.Run()
	r.logger.Info("Service stopped")
	return nil
}

// Wait blocks until Run has returned.
func (r *Runtime) Wait() {
	<-r.done
}

func (r *Runtime) Stop() {
	r.appCancel()
}

func (r *Runtime) GetDataDir() string {
	return r.cfg.DataDir
}
