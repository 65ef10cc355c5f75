package transport

import (
	"context"
	"errors"

	"github.com/InsulaLabs/taskboard/internal/events"
)

var (
	ErrClosed        = errors.New("transport closed")
	ErrSendQueueFull = errors.New("send queue full")
)

// Kind names the delivery strategy a context ended up with.
type Kind string

const (
	KindLocal     Kind = "local"
	KindRelay     Kind = "relay"
	KindBroadcast Kind = "broadcast"
	KindStorage   Kind = "storage"
)

// Transport delivers envelopes. Send always notifies the local registry
// first and then propagates to other contexts without waiting for them.
type Transport interface {
	Kind() Kind
	Send(ctx context.Context, env events.Envelope) error
	Close() error
}

// SharedStorage is persistent key-value storage shared by every context of
// an origin, with change notification. tkv.TKV satisfies it.
type SharedStorage interface {
	Set(key string, value string) error
	Watch(ctx context.Context, key string, fn func(value []byte)) error
}

// Environment describes what cross-context media the running context can
// reach. A nil field means the medium is unavailable.
type Environment struct {
	// Windowed is false for headless contexts, which never use the
	// broadcast channel.
	Windowed bool
	Channels *ChannelHub
	Storage  SharedStorage
}
