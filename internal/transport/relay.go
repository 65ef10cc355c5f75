package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/InsulaLabs/taskboard/internal/events"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	defaultMinBackoff = 500 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
	defaultPingPeriod = 30 * time.Second
	defaultWriteWait  = 10 * time.Second
	defaultSendBuffer = 256
	maxMessageSize    = 64 * 1024
)

type RelayState int32

const (
	RelayConnecting RelayState = iota
	RelayConnected
	RelayClosed
)

func (s RelayState) String() string {
	switch s {
	case RelayConnecting:
		return "connecting"
	case RelayConnected:
		return "connected"
	case RelayClosed:
		return "closed"
	}
	return "unknown"
}

type RelayConfig struct {
	URL        string
	Header     http.Header
	SkipVerify bool
	Logger     *slog.Logger

	// Reconnect pacing. The wait between dial attempts doubles from
	// MinBackoff up to MaxBackoff while dials keep failing.
	MinBackoff time.Duration
	MaxBackoff time.Duration

	PingPeriod time.Duration
	// PongWait bounds how long the connection may stay silent. It must
	// exceed PingPeriod; otherwise PingPeriod plus WriteWait is used.
	PongWait   time.Duration
	WriteWait  time.Duration
	SendBuffer int
}

// Relay keeps one websocket connection to a relay process for the life of
// the context and reconnects whenever it drops, without giving up.
type Relay struct {
	cfg      RelayConfig
	url      string
	logger   *slog.Logger
	notifier events.Notifier
	dialer   websocket.Dialer

	send  chan []byte
	state atomic.Int32

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

var _ Transport = &Relay{}

func NewRelay(ctx context.Context, cfg RelayConfig, notifier events.Notifier) (*Relay, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid relay url %q: %w", cfg.URL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("relay url %q must use ws or wss", cfg.URL)
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = defaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = max(defaultMaxBackoff, cfg.MinBackoff)
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = defaultPingPeriod
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = defaultWriteWait
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.PongWait <= cfg.PingPeriod {
		cfg.PongWait = cfg.PingPeriod + cfg.WriteWait
	}

	r := &Relay{
		cfg:      cfg,
		url:      u.String(),
		logger:   cfg.Logger.WithGroup("relay"),
		notifier: notifier,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.SkipVerify,
			},
		},
		send: make(chan []byte, cfg.SendBuffer),
		done: make(chan struct{}),
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.state.Store(int32(RelayConnecting))

	go r.run()
	return r, nil
}

func (r *Relay) Kind() Kind { return KindRelay }

func (r *Relay) State() RelayState {
	return RelayState(r.state.Load())
}

// Send queues the envelope for the relay. While disconnected, sends wait in
// the queue for the next connection.
func (r *Relay) Send(ctx context.Context, env events.Envelope) error {
	r.notifier.Notify(ctx, env)

	if r.State() == RelayClosed {
		return ErrClosed
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode update for relay: %w", err)
	}
	select {
	case r.send <- raw:
		return nil
	default:
		r.logger.Warn("Relay send queue full, update dropped", "update", env.String())
		return ErrSendQueueFull
	}
}

// WaitConnected blocks until the relay connection is up or ctx is done.
func (r *Relay) WaitConnected(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		switch r.State() {
		case RelayConnected:
			return nil
		case RelayClosed:
			return ErrClosed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.ctx.Done():
			return ErrClosed
		case <-ticker.C:
		}
	}
}

func (r *Relay) Close() error {
	r.closeOnce.Do(func() {
		r.cancel()
		<-r.done
		r.state.Store(int32(RelayClosed))
	})
	return nil
}

func (r *Relay) run() {
	defer close(r.done)

	backoff := r.cfg.MinBackoff
	limiter := rate.NewLimiter(rate.Every(backoff), 1)

	for {
		if err := limiter.Wait(r.ctx); err != nil {
			return
		}

		r.state.Store(int32(RelayConnecting))
		r.logger.Info("Connecting to relay", "url", r.url)
		conn, resp, err := r.dialer.DialContext(r.ctx, r.url, r.cfg.Header)
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			if resp != nil {
				r.logger.Warn("Relay dial failed", "url", r.url, "status", resp.Status, "error", err, "retry_in", backoff)
			} else {
				r.logger.Warn("Relay dial failed", "url", r.url, "error", err, "retry_in", backoff)
			}
			backoff = min(backoff*2, r.cfg.MaxBackoff)
			limiter.SetLimit(rate.Every(backoff))
			continue
		}

		backoff = r.cfg.MinBackoff
		limiter.SetLimit(rate.Every(backoff))
		r.state.Store(int32(RelayConnected))
		r.logger.Info("Connected to relay", "url", r.url)

		err = r.serve(conn)
		if r.ctx.Err() != nil {
			return
		}
		r.logger.Warn("Relay connection lost, reconnecting", "url", r.url, "error", err)
	}
}

// serve pumps one connection until it fails or the relay is closed. All
// writes happen on this goroutine; reads happen on readLoop.
func (r *Relay) serve(conn *websocket.Conn) error {
	defer conn.Close()

	readErr := make(chan error, 1)
	go func() {
		readErr <- r.readLoop(conn)
	}()

	ticker := time.NewTicker(r.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			r.flush(conn)
			conn.SetWriteDeadline(time.Now().Add(r.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")); err != nil {
				r.logger.Debug("Error sending close message", "error", err)
			}
			conn.Close()
			<-readErr
			return r.ctx.Err()

		case err := <-readErr:
			return err

		case message := <-r.send:
			conn.SetWriteDeadline(time.Now().Add(r.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				r.logger.Error("Relay write failed, update lost", "error", err)
				conn.Close()
				<-readErr
				return err
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(r.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				<-readErr
				return err
			}
		}
	}
}

// flush writes whatever is still queued. Used on shutdown only.
func (r *Relay) flush(conn *websocket.Conn) {
	for {
		select {
		case message := <-r.send:
			conn.SetWriteDeadline(time.Now().Add(r.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				r.logger.Warn("Relay flush failed, queued updates lost", "pending", len(r.send)+1, "error", err)
				return
			}
		default:
			return
		}
	}
}

// readLoop hands inbound envelopes to the registry in the order the relay
// sent them.
func (r *Relay) readLoop(conn *websocket.Conn) error {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(r.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		r.logger.Debug("Received pong from relay")
		return conn.SetReadDeadline(time.Now().Add(r.cfg.PongWait))
	})

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, context.Canceled) {
				r.logger.Error("Error reading from relay", "error", err)
			}
			return err
		}
		conn.SetReadDeadline(time.Now().Add(r.cfg.PongWait))
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		env, err := events.DecodeEnvelope(message)
		if err != nil {
			r.logger.Warn("Dropping malformed update from relay", "error", err, "message", string(message))
			continue
		}
		r.notifier.Notify(r.ctx, env)
	}
}
