package events

import (
	"context"
	"log/slog"
	"sync"
)

// Subscriber receives every envelope notified on the registry it is
// subscribed to. Implementations must tolerate being called from more than
// one goroutine: local sends and inbound deliveries are not serialized.
type Subscriber interface {
	OnUpdate(ctx context.Context, env Envelope)
}

// SubscriberFunc adapts a plain function to a Subscriber.
type SubscriberFunc func(ctx context.Context, env Envelope)

func (f SubscriberFunc) OnUpdate(ctx context.Context, env Envelope) {
	f(ctx, env)
}

// Call to stop receiving updates. Calling it more than once is a no-op.
type Unsubscriber func()

// Notifier is the half of the registry a transport needs.
type Notifier interface {
	Notify(ctx context.Context, env Envelope)
}

type Config struct {
	Logger *slog.Logger
}

// Registry is the set of subscribers belonging to one context. It is built
// by the context that owns it and lives exactly as long as that context.
type Registry struct {
	logger *slog.Logger

	mu          sync.Mutex
	nextID      uint64
	subscribers map[uint64]Subscriber
}

var _ Notifier = &Registry{}

func NewRegistry(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:      logger.WithGroup("registry"),
		subscribers: make(map[uint64]Subscriber),
	}
}

// Subscribe registers the subscriber and returns the function that removes it.
// Each call creates a distinct membership, even for the same subscriber value.
func (r *Registry) Subscribe(sub Subscriber) Unsubscriber {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	r.subscribers[id] = sub

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.subscribers, id)
		})
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subscribers)
}

// Notify hands env to every subscriber registered when the call began.
// Subscribers may subscribe or unsubscribe while being notified; changes
// take effect from the next Notify.
func (r *Registry) Notify(ctx context.Context, env Envelope) {
	r.mu.Lock()
	snapshot := make([]Subscriber, 0, len(r.subscribers))
	for _, sub := range r.subscribers {
		snapshot = append(snapshot, sub)
	}
	r.mu.Unlock()

	for _, sub := range snapshot {
		r.deliver(ctx, sub, env)
	}
}

func (r *Registry) deliver(ctx context.Context, sub Subscriber, env Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn("Subscriber panicked while handling update", "update", env.String(), "panic", rec)
		}
	}()
	sub.OnUpdate(ctx, env)
}
