package service

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/InsulaLabs/taskboard/client"
	"github.com/InsulaLabs/taskboard/config"
	"github.com/InsulaLabs/taskboard/db/tkv"
	"github.com/InsulaLabs/taskboard/internal/events"
	"github.com/InsulaLabs/taskboard/internal/transport"
	"github.com/InsulaLabs/taskboard/models"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/suite"
)

type ServiceSuite struct {
	suite.Suite
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
	store  tkv.TKV
	svc    *Service
	srv    *httptest.Server
}

func testConfig() *config.Server {
	cfg := config.GenerateConfig()
	cfg.RateLimiters.Auth = config.RateLimiterConfig{Limit: 1000, Burst: 1000}
	cfg.RateLimiters.Projects = config.RateLimiterConfig{Limit: 1000, Burst: 1000}
	cfg.RateLimiters.Realtime = config.RateLimiterConfig{Limit: 1000, Burst: 1000}
	return cfg
}

func (s *ServiceSuite) SetupTest() {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))

	store, err := tkv.New(tkv.Config{
		Logger:         s.logger,
		BadgerLogLevel: slog.LevelError,
		InMemory:       true,
	})
	s.Require().NoError(err)
	s.store = store

	s.svc, s.srv = s.start(testConfig())
}

func (s *ServiceSuite) start(cfg *config.Server) (*Service, *httptest.Server) {
	svc, err := NewService(s.ctx, s.logger, cfg, s.store)
	s.Require().NoError(err)
	srv := httptest.NewServer(svc.Handler())
	s.T().Cleanup(func() {
		srv.Close()
		svc.Close()
	})
	return svc, srv
}

func (s *ServiceSuite) TearDownTest() {
	s.cancel()
	s.store.Close()
}

func (s *ServiceSuite) newClient(endpoint string) *client.Client {
	c, err := client.NewClient(&client.Config{Endpoint: endpoint, Logger: s.logger})
	s.Require().NoError(err)
	return c
}

func (s *ServiceSuite) login(email string) *client.Client {
	c := s.newClient(s.srv.URL)
	_, err := c.Login(s.ctx, email, "secret")
	s.Require().NoError(err)
	return c
}

func (s *ServiceSuite) TestLoginAssignsRoleFromEmail() {
	tests := []struct {
		email string
		want  models.Role
	}{
		{"admin@x.com", models.RoleAdmin},
		{"pm.lead@x.com", models.RoleProjectManager},
		{"dev@x.com", models.RoleDeveloper},
	}
	for _, tt := range tests {
		c := s.newClient(s.srv.URL)
		resp, err := c.Login(s.ctx, tt.email, "pw")
		s.Require().NoError(err)
		s.True(resp.Success)
		s.Equal(tt.want, resp.Role)
		s.Equal(tt.email, resp.Email)
		s.NotEmpty(resp.Token)

		email, role := c.Identity()
		s.Equal(tt.email, email)
		s.Equal(tt.want, role)
	}
}

func (s *ServiceSuite) TestLoginRequiresCredentials() {
	resp, err := http.Post(s.srv.URL+PathAuth, "application/json", bytes.NewBufferString(`{"email":"a@x.com"}`))
	s.Require().NoError(err)
	defer resp.Body.Close()
	s.Equal(http.StatusBadRequest, resp.StatusCode)
}

func (s *ServiceSuite) TestProjectsRequireSession() {
	c, err := client.NewClient(&client.Config{Endpoint: s.srv.URL, Token: "not-a-session", Logger: s.logger})
	s.Require().NoError(err)

	_, err = c.Projects(s.ctx)
	s.ErrorIs(err, client.ErrUnauthorized)

	_, err = s.newClient(s.srv.URL).Projects(s.ctx)
	s.ErrorIs(err, client.ErrNotLoggedIn)
}

func (s *ServiceSuite) TestProjectsAreSeeded() {
	c := s.login("dev@x.com")

	projects, err := c.Projects(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(projects, 6)
	for i, p := range projects {
		s.Equal(int64(i+1), p.ID)
		s.Empty(p.Tasks)
	}
	s.Equal("Website Redesign", projects[0].Name)

	p, err := c.Project(s.ctx, 1)
	s.Require().NoError(err)
	s.Len(p.Tasks, 3)
	s.Equal(models.TaskInProgress, p.Task(2).Status)

	_, err = c.Project(s.ctx, 404)
	s.ErrorIs(err, client.ErrProjectNotFound)
}

func (s *ServiceSuite) TestSeedIsNotRepeated() {
	s.Require().NoError(s.store.Set(projectKey(1), `{"id":1,"name":"Edited"}`))

	_, srv := s.start(testConfig())
	c := s.newClient(srv.URL)
	_, err := c.Login(s.ctx, "dev@x.com", "pw")
	s.Require().NoError(err)

	p, err := c.Project(s.ctx, 1)
	s.Require().NoError(err)
	s.Equal("Edited", p.Name)
}

func (s *ServiceSuite) TestRateLimitedRequestsGetRetryAfter() {
	cfg := testConfig()
	cfg.RateLimiters.Auth = config.RateLimiterConfig{Limit: 0.5, Burst: 1}
	_, srv := s.start(cfg)

	body := `{"email":"a@x.com","password":"pw"}`
	first, err := http.Post(srv.URL+PathAuth, "application/json", bytes.NewBufferString(body))
	s.Require().NoError(err)
	first.Body.Close()
	s.Equal(http.StatusOK, first.StatusCode)

	second, err := http.Post(srv.URL+PathAuth, "application/json", bytes.NewBufferString(body))
	s.Require().NoError(err)
	second.Body.Close()
	s.Equal(http.StatusTooManyRequests, second.StatusCode)
	s.Equal("2", second.Header.Get("Retry-After"))
}

func (s *ServiceSuite) TestRelayRequiresSession() {
	c := s.newClient(s.srv.URL)
	_, resp, err := websocket.DefaultDialer.Dial(c.RelayURL(), nil)
	s.Require().Error(err)
	s.Require().NotNil(resp)
	s.Equal(http.StatusUnauthorized, resp.StatusCode)
}

type received struct {
	ch chan events.Envelope
}

func (r *received) OnUpdate(_ context.Context, env events.Envelope) {
	r.ch <- env
}

func (s *ServiceSuite) TestRelayCarriesUpdatesBetweenSessions() {
	alice := s.login("admin@x.com")
	bob := s.login("dev@x.com")

	mount := func(c *client.Client) (*transport.Relay, *received) {
		rec := &received{ch: make(chan events.Envelope, 8)}
		reg := events.NewRegistry(events.Config{Logger: s.logger})
		reg.Subscribe(rec)
		r, err := transport.NewRelay(s.ctx, transport.RelayConfig{
			URL:        c.RelayURL(),
			Header:     c.RelayHeader(),
			Logger:     s.logger,
			MinBackoff: 10 * time.Millisecond,
		}, reg)
		s.Require().NoError(err)
		s.T().Cleanup(func() { r.Close() })
		return r, rec
	}
	ra, recA := mount(alice)
	rb, recB := mount(bob)

	s.Eventually(func() bool {
		return ra.State() == transport.RelayConnected && rb.State() == transport.RelayConnected &&
			s.svc.RelayConnections() == 2
	}, 2*time.Second, 5*time.Millisecond)

	env, err := events.NewStamper(nil).Stamp(events.Update{
		Kind:       events.KindProjectUpdated,
		ProjectID:  1,
		Payload:    map[string]any{"progress": 90},
		OriginUser: "admin@x.com",
	})
	s.Require().NoError(err)
	s.Require().NoError(ra.Send(s.ctx, env))
	s.Equal(env, <-recA.ch)

	select {
	case got := <-recB.ch:
		s.Equal(env, got)
	case <-time.After(2 * time.Second):
		s.Fail("update did not reach the other session")
	}
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}
