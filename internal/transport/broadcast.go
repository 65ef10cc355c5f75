package transport

import (
	"context"
	"log/slog"

	"github.com/InsulaLabs/taskboard/internal/events"
)

// ChannelName is the fixed channel every context of an origin joins.
const ChannelName = "taskboard-realtime"

// Broadcast propagates over the origin's ChannelHub.
type Broadcast struct {
	logger   *slog.Logger
	notifier events.Notifier
	channel  *Channel
}

var _ Transport = &Broadcast{}

func NewBroadcast(ctx context.Context, hub *ChannelHub, notifier events.Notifier, logger *slog.Logger) *Broadcast {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broadcast{
		logger:   logger.WithGroup("broadcast"),
		notifier: notifier,
	}
	b.channel = hub.Open(ChannelName, func(env events.Envelope) {
		b.logger.Debug("Update received on channel", "update", env.String())
		notifier.Notify(ctx, env)
	})
	return b
}

func (b *Broadcast) Kind() Kind { return KindBroadcast }

func (b *Broadcast) Send(ctx context.Context, env events.Envelope) error {
	b.notifier.Notify(ctx, env)
	return b.channel.Post(env)
}

func (b *Broadcast) Close() error {
	return b.channel.Close()
}
