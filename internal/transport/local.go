package transport

import (
	"context"

	"github.com/InsulaLabs/taskboard/internal/events"
)

// Local never leaves the context: other contexts do not learn of updates.
type Local struct {
	notifier events.Notifier
}

var _ Transport = &Local{}

func NewLocal(notifier events.Notifier) *Local {
	return &Local{notifier: notifier}
}

func (l *Local) Kind() Kind { return KindLocal }

func (l *Local) Send(ctx context.Context, env events.Envelope) error {
	l.notifier.Notify(ctx, env)
	return nil
}

func (l *Local) Close() error { return nil }
