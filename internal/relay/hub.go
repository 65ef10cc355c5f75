package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	defaultWriteWait      = 10 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultMaxMessageSize = 64 * 1024
	defaultSendBufferSize = 256
	defaultMaxConnections = 100
)

var ErrTooManyConnections = errors.New("too many connections")

// Authorizer decides whether a request may join the relay. It returns the
// identity recorded for the connection.
type Authorizer func(r *http.Request) (string, bool)

type Config struct {
	Logger         *slog.Logger
	MaxConnections int
	SendBufferSize int
	MaxMessageSize int64
	WriteWait      time.Duration
	PongWait       time.Duration

	// Websocket I/O buffer sizes. Zero uses 1024.
	ReadBufferSize  int
	WriteBufferSize int

	// Authorize is optional. Without it every request is accepted.
	Authorize Authorizer

	CheckOrigin func(r *http.Request) bool
}

// Hub forwards every message a connection sends to all other connections.
// The sender never gets its own message back.
type Hub struct {
	ctx      context.Context
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[*session]struct{}
	closed   bool
}

// A connected context.
type session struct {
	id       string
	identity string
	conn     *websocket.Conn
	send     chan []byte
	hub      *Hub
}

func NewHub(ctx context.Context, cfg Config) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaultMaxConnections
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = defaultSendBufferSize
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = defaultWriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaultPongWait
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = 1024
	}
	if cfg.WriteBufferSize <= 0 {
		cfg.WriteBufferSize = 1024
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}

	h := &Hub{
		ctx:    ctx,
		cfg:    cfg,
		logger: cfg.Logger.WithGroup("relay_hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     checkOrigin,
		},
		sessions: make(map[*session]struct{}),
	}
	go func() {
		<-ctx.Done()
		h.Close()
	}()
	return h
}

// Connections reports how many contexts are currently joined.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity := ""
	if h.cfg.Authorize != nil {
		id, ok := h.cfg.Authorize(r)
		if !ok {
			http.Error(w, "Invalid or missing token", http.StatusUnauthorized)
			return
		}
		identity = id
	}

	if h.Connections() >= h.cfg.MaxConnections {
		h.logger.Warn("Max relay connections reached, rejecting new connection", "max", h.cfg.MaxConnections)
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade relay connection", "error", err)
		return
	}

	s := &session{
		id:       uuid.NewString(),
		identity: identity,
		conn:     conn,
		send:     make(chan []byte, h.cfg.SendBufferSize),
		hub:      h,
	}
	if err := h.register(s); err != nil {
		h.logger.Warn("Relay connection rejected after upgrade", "error", err)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(h.cfg.WriteWait))
		conn.Close()
		return
	}

	go s.writePump()
	go s.readPump()
}

func (h *Hub) register(s *session) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return context.Canceled
	}
	if len(h.sessions) >= h.cfg.MaxConnections {
		return ErrTooManyConnections
	}
	h.sessions[s] = struct{}{}
	h.logger.Info("Relay connection registered",
		"session", s.id, "identity", s.identity,
		"remote_addr", s.conn.RemoteAddr().String(), "count", len(h.sessions))
	return nil
}

func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.sessions[s]; !ok {
		return
	}
	delete(h.sessions, s)
	close(s.send)
	h.logger.Info("Relay connection unregistered", "session", s.id, "count", len(h.sessions))
}

// fanOut queues message on every session except from.
func (h *Hub) fanOut(from *session, message []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for s := range h.sessions {
		if s == from {
			continue
		}
		select {
		case s.send <- message:
		default:
			h.logger.Warn("Relay send queue full, message dropped", "session", s.id)
		}
	}
}

// Close disconnects every session and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for s := range h.sessions {
		delete(h.sessions, s)
		close(s.send)
	}
}

// readPump is the only reader of the connection.
func (s *session) readPump() {
	defer func() {
		s.hub.unregister(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(s.hub.cfg.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(s.hub.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.hub.cfg.PongWait))
		return nil
	})
	s.conn.SetPingHandler(func(data string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.hub.cfg.PongWait))
		err := s.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(s.hub.cfg.WriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		messageType, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.hub.logger.Error("Relay read error", "session", s.id, "error", err)
			} else {
				s.hub.logger.Debug("Relay connection closed", "session", s.id, "error", err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(s.hub.cfg.PongWait))
		if messageType != websocket.TextMessage {
			continue
		}
		s.hub.fanOut(s, message)
	}
}

// writePump is the only writer of the connection apart from control frames.
func (s *session) writePump() {
	pingPeriod := (s.hub.cfg.PongWait * 9) / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.hub.cfg.WriteWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.hub.logger.Error("Relay write error", "session", s.id, "error", err)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.hub.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
