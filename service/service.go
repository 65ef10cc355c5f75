package service

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/InsulaLabs/taskboard/config"
	"github.com/InsulaLabs/taskboard/db/tkv"
	"github.com/InsulaLabs/taskboard/internal/relay"
	"github.com/InsulaLabs/taskboard/models"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
)

const (
	PathAuth     = "/api/auth"
	PathProjects = "/api/projects"
	PathRelay    = "/realtime/ws"
)

// session is what a token stands for.
type session struct {
	Email    string
	Role     models.Role
	IssuedAt time.Time
}

type Service struct {
	appCtx context.Context
	cfg    *config.Server
	logger *slog.Logger

	projects *projectStore
	sessions *ttlcache.Cache[string, session]
	relay    *relay.Hub
	mux      *http.ServeMux

	rateLimiters map[string]*clientLimiter

	closeOnce sync.Once
}

func NewService(ctx context.Context, logger *slog.Logger, cfg *config.Server, store tkv.TKV) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("service config is required")
	}
	if store == nil {
		return nil, errors.New("service store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	sessions := ttlcache.New[string, session](
		ttlcache.WithTTL[string, session](cfg.Sessions.TTL),
		ttlcache.WithDisableTouchOnHit[string, session](), // tokens expire a fixed time after login
	)
	go sessions.Start()

	rateLimiters := make(map[string]*clientLimiter)
	rlLogger := logger.With("component", "rate-limiter")
	for category, rlConfig := range map[string]config.RateLimiterConfig{
		"auth":     cfg.RateLimiters.Auth,
		"projects": cfg.RateLimiters.Projects,
		"realtime": cfg.RateLimiters.Realtime,
	} {
		if rlConfig.Limit > 0 {
			rateLimiters[category] = newClientLimiter(rlConfig)
			rlLogger.Info("Initialized rate limiter", "category", category, "limit", rlConfig.Limit, "burst", rlConfig.Burst)
		}
	}

	s := &Service{
		appCtx:       ctx,
		cfg:          cfg,
		logger:       logger,
		projects:     &projectStore{db: store},
		sessions:     sessions,
		rateLimiters: rateLimiters,
		mux:          http.NewServeMux(),
	}

	s.relay = relay.NewHub(ctx, relay.Config{
		Logger:          logger,
		MaxConnections:  cfg.Sessions.MaxConnections,
		SendBufferSize:  cfg.Sessions.SendBufferSize,
		MaxMessageSize:  cfg.Sessions.MaxMessageSize,
		ReadBufferSize:  cfg.Sessions.WebSocketReadBufferSize,
		WriteBufferSize: cfg.Sessions.WebSocketWriteBufferSize,
		Authorize:       s.authorizeRelay,
	})

	if cfg.SeedOnStart {
		seeded, err := s.projects.seed()
		if err != nil {
			s.Close()
			return nil, err
		}
		if seeded {
			logger.Info("Seeded project store", "projects", len(models.SeedProjects()))
		}
	}

	s.mux.Handle("POST "+PathAuth, s.rateLimitMiddleware(http.HandlerFunc(s.authHandler), "auth"))
	s.mux.Handle("GET "+PathProjects, s.rateLimitMiddleware(http.HandlerFunc(s.listProjectsHandler), "projects"))
	s.mux.Handle("GET "+PathProjects+"/{id}", s.rateLimitMiddleware(http.HandlerFunc(s.getProjectHandler), "projects"))
	s.mux.Handle("GET "+PathRelay, s.rateLimitMiddleware(s.relay, "realtime"))

	return s, nil
}

func (s *Service) Handler() http.Handler {
	return s.mux
}

// RelayConnections reports how many contexts are joined to the relay.
func (s *Service) RelayConnections() int {
	return s.relay.Connections()
}

// Close releases the session store, rate limiters and relay.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.relay.Close()
		s.sessions.Stop()
		for _, l := range s.rateLimiters {
			l.stop()
		}
	})
}

// Run forever until the context is cancelled
func (s *Service) Run() {
	defer s.Close()

	httpListenAddr := s.cfg.HttpBinding
	tlsEnabled := s.cfg.TLS.Cert != "" && s.cfg.TLS.Key != ""
	s.logger.Info("Attempting to start server", "listen_addr", httpListenAddr, "tls_enabled", tlsEnabled)

	srv := &http.Server{
		Addr:    httpListenAddr,
		Handler: s.mux,
	}

	go func() {
		<-s.appCtx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Server shutdown error", "error", err)
		}
	}()

	if tlsEnabled {
		s.logger.Info("Starting HTTPS server", "cert", s.cfg.TLS.Cert, "key", s.cfg.TLS.Key)
		srv.TLSConfig = &tls.Config{}
		if err := srv.ListenAndServeTLS(s.cfg.TLS.Cert, s.cfg.TLS.Key); err != http.ErrServerClosed {
			s.logger.Error("HTTPS server error", "error", err)
		}
	} else {
		s.logger.Info("TLS cert or key not specified in config. Starting HTTP server (insecure).")
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, models.ErrorResponse{Success: false, Error: msg})
}

func (s *Service) authHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req models.AuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.logger.Debug("Invalid JSON payload for auth request", "error", err)
		writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Missing credentials")
		return
	}

	sess := session{
		Email:    req.Email,
		Role:     models.RoleForEmail(req.Email),
		IssuedAt: time.Now(),
	}
	token := uuid.NewString()
	s.sessions.Set(token, sess, ttlcache.DefaultTTL)
	s.logger.Info("Session issued", "email", sess.Email, "role", sess.Role)

	writeJSON(w, http.StatusOK, models.AuthResponse{
		Success: true,
		Token:   token,
		Role:    sess.Role,
		Email:   sess.Email,
	})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

func (s *Service) lookupSession(token string) (session, bool) {
	if token == "" {
		return session{}, false
	}
	item := s.sessions.Get(token)
	if item == nil {
		return session{}, false
	}
	return item.Value(), true
}

// authorizeRelay accepts a token from the Authorization header or, for
// clients that cannot set headers on a websocket dial, the token query
// parameter.
func (s *Service) authorizeRelay(r *http.Request) (string, bool) {
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	sess, ok := s.lookupSession(token)
	if !ok {
		s.logger.Debug("Relay connection without a valid session", "remote_addr", clientAddr(r))
		return "", false
	}
	return sess.Email, true
}

func (s *Service) requireSession(w http.ResponseWriter, r *http.Request) (session, bool) {
	sess, ok := s.lookupSession(bearerToken(r))
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return session{}, false
	}
	return sess, true
}

func (s *Service) listProjectsHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireSession(w, r); !ok {
		return
	}

	projects, err := s.projects.list()
	if err != nil {
		s.logger.Error("Could not list projects", "error", err)
		writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		return
	}

	summaries := make([]models.Project, 0, len(projects))
	for _, p := range projects {
		summaries = append(summaries, p.Summary())
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Service) getProjectHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireSession(w, r); !ok {
		return
	}

	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid project id")
		return
	}

	project, err := s.projects.get(id)
	if errors.Is(err, ErrProjectNotFound) {
		writeError(w, http.StatusNotFound, "Project not found")
		return
	} else if err != nil {
		s.logger.Error("Could not read project", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		return
	}
	writeJSON(w, http.StatusOK, project)
}
