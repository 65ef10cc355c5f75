package main

import (
	"errors"
	"log/slog"
	"os"

	"github.com/InsulaLabs/taskboard/runtime"
)

func main() {
	rt, err := runtime.New(os.Args[1:], "taskboardd.yaml")
	if errors.Is(err, runtime.ErrConfigGenerated) {
		return
	}
	if err != nil {
		slog.Error("Failed to initialize runtime", "error", err)
		os.Exit(1)
	}

	if err := rt.Run(); err != nil {
		slog.Error("Runtime exited with error", "error", err)
		os.Exit(1)
	}

	rt.Wait()
	slog.Info("Application exiting.")
}
