package transport

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/InsulaLabs/taskboard/internal/events"
)

type SelectConfig struct {
	Env      Environment
	Notifier events.Notifier
	Logger   *slog.Logger

	// Relay.URL selects the relay deployment mode. When set, no same-origin
	// medium is used.
	Relay RelayConfig
}

// Select picks the transport for one context. It runs once; the result is
// kept for the life of the context.
func Select(ctx context.Context, cfg SelectConfig) (Transport, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.WithGroup("transport")

	if cfg.Relay.URL != "" {
		relayCfg := cfg.Relay
		if relayCfg.Logger == nil {
			relayCfg.Logger = cfg.Logger
		}
		r, err := NewRelay(ctx, relayCfg, cfg.Notifier)
		if err != nil {
			return nil, fmt.Errorf("failed to start relay transport: %w", err)
		}
		logger.Info("Using relay transport", "url", r.url)
		return r, nil
	}

	if cfg.Env.Windowed && cfg.Env.Channels != nil {
		logger.Info("Using broadcast channel transport", "channel", ChannelName)
		return NewBroadcast(ctx, cfg.Env.Channels, cfg.Notifier, cfg.Logger), nil
	}
	if !cfg.Env.Windowed {
		logger.Info("Broadcast channel unavailable in headless context")
	} else {
		logger.Info("Broadcast channel unavailable")
	}

	if cfg.Env.Storage != nil {
		s, err := NewStorage(ctx, cfg.Env.Storage, cfg.Notifier, cfg.Logger)
		if err == nil {
			logger.Info("Using storage transport", "key", StorageKey)
			return s, nil
		}
		logger.Info("Storage transport unavailable", "error", err)
	} else {
		logger.Info("Shared storage unavailable")
	}

	logger.Info("Using local transport, updates stay in this context")
	return NewLocal(cfg.Notifier), nil
}
