// Package realtime is the entry point consumers use to publish and receive
// live updates. Each Provider owns one context's registry and transport.
package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/InsulaLabs/taskboard/internal/events"
	"github.com/InsulaLabs/taskboard/internal/transport"
)

var ErrNoProvider = errors.New("realtime: no provider mounted")

type Config struct {
	Logger *slog.Logger
	Env    transport.Environment
	Relay  transport.RelayConfig

	// Now overrides the clock used to stamp envelopes.
	Now func() time.Time
}

type Provider struct {
	logger    *slog.Logger
	registry  *events.Registry
	stamper   *events.Stamper
	transport transport.Transport

	mu     sync.RWMutex
	closed bool
}

// Mount builds the provider for one context. The transport is chosen here
// and kept until Close.
func Mount(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.WithGroup("realtime")

	registry := events.NewRegistry(events.Config{Logger: cfg.Logger})
	tr, err := transport.Select(ctx, transport.SelectConfig{
		Env:      cfg.Env,
		Notifier: registry,
		Logger:   cfg.Logger,
		Relay:    cfg.Relay,
	})
	if err != nil {
		return nil, err
	}

	return &Provider{
		logger:    logger,
		registry:  registry,
		stamper:   events.NewStamper(cfg.Now),
		transport: tr,
	}, nil
}

func (p *Provider) mustBeOpen() {
	if p == nil {
		panic(ErrNoProvider)
	}
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		panic(ErrNoProvider)
	}
}

// SubscribeToUpdates registers s for every update seen by this context,
// local or remote.
func (p *Provider) SubscribeToUpdates(s events.Subscriber) events.Unsubscriber {
	p.mustBeOpen()
	return p.registry.Subscribe(s)
}

// BroadcastUpdate stamps u and delivers it to this context's listeners and
// then to other contexts. Propagation failures are logged; the update has
// still reached local listeners.
func (p *Provider) BroadcastUpdate(ctx context.Context, u events.Update) (events.Envelope, error) {
	p.mustBeOpen()

	env, err := p.stamper.Stamp(u)
	if err != nil {
		return events.Envelope{}, err
	}
	if err := p.transport.Send(ctx, env); err != nil {
		p.logger.Warn("Update not propagated to other contexts",
			"transport", p.transport.Kind(), "update", env.String(), "error", err)
	}
	return env, nil
}

type connectionWaiter interface {
	WaitConnected(ctx context.Context) error
}

// WaitReady blocks until the transport can reach other contexts. Only the
// relay has a connection to wait for; every other transport is ready on
// mount.
func (p *Provider) WaitReady(ctx context.Context) error {
	p.mustBeOpen()
	if w, ok := p.transport.(connectionWaiter); ok {
		return w.WaitConnected(ctx)
	}
	return nil
}

func (p *Provider) TransportKind() transport.Kind {
	p.mustBeOpen()
	return p.transport.Kind()
}

// Close releases the transport. Further use of the provider panics.
func (p *Provider) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	return p.transport.Close()
}

type providerKey struct{}

// NewContext returns a copy of ctx carrying p.
func NewContext(ctx context.Context, p *Provider) context.Context {
	return context.WithValue(ctx, providerKey{}, p)
}

// FromContext returns the provider carried by ctx. It panics when none was
// mounted.
func FromContext(ctx context.Context) *Provider {
	p, ok := ctx.Value(providerKey{}).(*Provider)
	if !ok || p == nil {
		panic(ErrNoProvider)
	}
	return p
}
