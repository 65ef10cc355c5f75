package transport

import (
	"log/slog"
	"sync"

	"github.com/InsulaLabs/taskboard/internal/events"
	"github.com/google/uuid"
)

const defaultInboxSize = 256

type HubConfig struct {
	Logger *slog.Logger

	// InboxSize bounds how many posts a slow receiver may fall behind
	// before further posts to it are dropped.
	InboxSize int
}

// ChannelHub is the same-origin broadcast medium: every Channel opened under
// a name receives what any other Channel of that name posts. Values are
// handed over as-is, with no serialization.
type ChannelHub struct {
	logger    *slog.Logger
	inboxSize int

	mu       sync.RWMutex
	channels map[string]map[*Channel]struct{}
}

func NewChannelHub(cfg HubConfig) *ChannelHub {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = defaultInboxSize
	}
	return &ChannelHub{
		logger:    cfg.Logger.WithGroup("channel_hub"),
		inboxSize: cfg.InboxSize,
		channels:  make(map[string]map[*Channel]struct{}),
	}
}

// Channel is one context's handle on a named broadcast channel.
type Channel struct {
	hub   *ChannelHub
	name  string
	id    string
	inbox chan events.Envelope
	done  chan struct{}

	closeOnce sync.Once
}

// Open joins the named channel. onMessage runs on the channel's own
// goroutine, once per post from another channel, in post order.
func (h *ChannelHub) Open(name string, onMessage func(events.Envelope)) *Channel {
	ch := &Channel{
		hub:   h,
		name:  name,
		id:    uuid.NewString(),
		inbox: make(chan events.Envelope, h.inboxSize),
		done:  make(chan struct{}),
	}

	h.mu.Lock()
	if _, ok := h.channels[name]; !ok {
		h.channels[name] = make(map[*Channel]struct{})
	}
	h.channels[name][ch] = struct{}{}
	h.mu.Unlock()

	go ch.deliverLoop(onMessage)

	h.logger.Debug("Channel opened", "name", name, "channel_id", ch.id)
	return ch
}

// Members reports how many channels are open under name.
func (h *ChannelHub) Members(name string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[name])
}

func (c *Channel) ID() string { return c.id }

// Post hands env to every other open channel with the same name. It never
// blocks; a receiver whose inbox is full misses the post.
func (c *Channel) Post(env events.Envelope) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()

	for peer := range c.hub.channels[c.name] {
		if peer == c {
			continue
		}
		select {
		case peer.inbox <- env:
		default:
			c.hub.logger.Warn("Channel inbox full, post dropped", "name", c.name, "channel_id", peer.id)
		}
	}
	return nil
}

func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.hub.mu.Lock()
		if members, ok := c.hub.channels[c.name]; ok {
			delete(members, c)
			if len(members) == 0 {
				delete(c.hub.channels, c.name)
			}
		}
		c.hub.mu.Unlock()
		close(c.done)
		c.hub.logger.Debug("Channel closed", "name", c.name, "channel_id", c.id)
	})
	return nil
}

func (c *Channel) deliverLoop(onMessage func(events.Envelope)) {
	for {
		select {
		case <-c.done:
			return
		case env := <-c.inbox:
			onMessage(env)
		}
	}
}
