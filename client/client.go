package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/InsulaLabs/taskboard/models"
)

const (
	defaultTimeout = 10 * time.Second

	pathAuth     = "/api/auth"
	pathProjects = "/api/projects"
	pathRelay    = "/realtime/ws"
)

var (
	ErrNotLoggedIn       = errors.New("not logged in")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrProjectNotFound   = errors.New("project not found")
	ErrMissingCredential = errors.New("email and password are required")
)

// ErrRateLimited carries how long the server asked us to wait.
type ErrRateLimited struct {
	RetryAfter time.Duration
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

type Config struct {
	// Endpoint is the server base URL, e.g. https://board.example.com:7070.
	Endpoint   string
	Token      string
	SkipVerify bool
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Client is the API client for taskboardd.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	logger     *slog.Logger

	mu    sync.RWMutex
	token string
	email string
	role  models.Role
}

func NewClient(cfg *Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	clientLogger := cfg.Logger.WithGroup("taskboard_client")

	baseURL, err := url.Parse(cfg.Endpoint)
	if err != nil {
		clientLogger.Error("Failed to parse base URL", "url", cfg.Endpoint, "error", err)
		return nil, fmt.Errorf("failed to parse base URL '%s': %w", cfg.Endpoint, err)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, fmt.Errorf("endpoint '%s' must use http or https", cfg.Endpoint)
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.SkipVerify,
			},
		},
		Timeout: cfg.Timeout,
	}

	clientLogger.Debug("Taskboard client initialized", "base_url", baseURL.String(), "tls_skip_verify", cfg.SkipVerify)

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     clientLogger,
		token:      cfg.Token,
	}, nil
}

// Token is the session token from the last Login, or the configured one.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Identity is the email and role of the logged in user.
func (c *Client) Identity() (string, models.Role) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.email, c.role
}

// internal request helper
func (c *Client) doRequest(ctx context.Context, method, path string, body any, target any) error {
	reqURL := c.baseURL.JoinPath(path)

	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body for %s %s: %w", method, path, err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request %s %s: %w", method, reqURL, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	c.logger.Debug("Sending request", "method", method, "url", reqURL.String())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request %s %s failed: %w", method, reqURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := time.Second
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			retryAfter = time.Duration(secs) * time.Second
		}
		return &ErrRateLimited{RetryAfter: retryAfter}
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		var errorResp models.ErrorResponse
		bodyBytes, readErr := io.ReadAll(resp.Body)
		if readErr == nil && json.Unmarshal(bodyBytes, &errorResp) == nil && errorResp.Error != "" {
			return &ErrServer{StatusCode: resp.StatusCode, Message: errorResp.Error}
		}
		return &ErrServer{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}

	if target != nil {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			return fmt.Errorf("failed to decode response body for %s %s (status %d): %w", method, reqURL, resp.StatusCode, err)
		}
	}
	return nil
}

// ErrServer is a non-2xx response other than 401 and 429.
type ErrServer struct {
	StatusCode int
	Message    string
}

func (e *ErrServer) Error() string {
	return fmt.Sprintf("server error (status %d): %s", e.StatusCode, e.Message)
}

// Login opens a session. Later calls and the relay use its token.
func (c *Client) Login(ctx context.Context, email, password string) (*models.AuthResponse, error) {
	if email == "" || password == "" {
		return nil, ErrMissingCredential
	}
	return withRetries(ctx, c.logger, func() (*models.AuthResponse, error) {
		var resp models.AuthResponse
		if err := c.doRequest(ctx, http.MethodPost, pathAuth, models.AuthRequest{Email: email, Password: password}, &resp); err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.token = resp.Token
		c.email = resp.Email
		c.role = resp.Role
		c.mu.Unlock()
		return &resp, nil
	})
}

// Projects lists every project without tasks.
func (c *Client) Projects(ctx context.Context) ([]models.Project, error) {
	if c.Token() == "" {
		return nil, ErrNotLoggedIn
	}
	return withRetries(ctx, c.logger, func() ([]models.Project, error) {
		var projects []models.Project
		if err := c.doRequest(ctx, http.MethodGet, pathProjects, nil, &projects); err != nil {
			return nil, err
		}
		return projects, nil
	})
}

// Project returns one project with its tasks.
func (c *Client) Project(ctx context.Context, id int64) (*models.Project, error) {
	if c.Token() == "" {
		return nil, ErrNotLoggedIn
	}
	return withRetries(ctx, c.logger, func() (*models.Project, error) {
		var p models.Project
		err := c.doRequest(ctx, http.MethodGet, pathProjects+"/"+strconv.FormatInt(id, 10), nil, &p)
		var serverErr *ErrServer
		if errors.As(err, &serverErr) && serverErr.StatusCode == http.StatusNotFound {
			return nil, ErrProjectNotFound
		}
		if err != nil {
			return nil, err
		}
		return &p, nil
	})
}

// RelayURL is the websocket address of the server's relay.
func (c *Client) RelayURL() string {
	u := *c.baseURL
	u.Scheme = "ws"
	if strings.EqualFold(c.baseURL.Scheme, "https") {
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + pathRelay
	u.RawQuery = ""
	return u.String()
}

// RelayHeader carries the session token for the relay handshake.
func (c *Client) RelayHeader() http.Header {
	h := http.Header{}
	if token := c.Token(); token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}
