package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type TLS struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type Logging struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

type SessionsConfig struct {
	TTL                      time.Duration `yaml:"ttl"`
	MaxConnections           int           `yaml:"maxConnections"`
	SendBufferSize           int           `yaml:"sendBufferSize"`
	MaxMessageSize           int64         `yaml:"maxMessageSize"`
	WebSocketReadBufferSize  int           `yaml:"webSocketReadBufferSize"`
	WebSocketWriteBufferSize int           `yaml:"webSocketWriteBufferSize"`
}

type RateLimiterConfig struct {
	Limit float64 `yaml:"limit"` // Requests per second
	Burst int     `yaml:"burst"` // Burst size
}

type RateLimiters struct {
	Auth     RateLimiterConfig `yaml:"auth"`
	Projects RateLimiterConfig `yaml:"projects"`
	Realtime RateLimiterConfig `yaml:"realtime"`
}

// Server is the taskboardd configuration.
type Server struct {
	HttpBinding      string         `yaml:"httpBinding"`
	DataDir          string         `yaml:"dataDir"`
	ServerMustUseTLS bool           `yaml:"serverMustUseTLS"`
	TLS              TLS            `yaml:"tls"`
	Logging          Logging        `yaml:"logging"`
	Sessions         SessionsConfig `yaml:"sessions"`
	RateLimiters     RateLimiters   `yaml:"rateLimiters"`
	SeedOnStart      bool           `yaml:"seedOnStart"`
}

// Realtime tunes how a client context keeps up with other contexts.
type Realtime struct {
	MinBackoff       time.Duration `yaml:"minBackoff"`
	MaxBackoff       time.Duration `yaml:"maxBackoff"`
	PingPeriod       time.Duration `yaml:"pingPeriod"`
	SendBufferSize   int           `yaml:"sendBufferSize"`
	ChannelInboxSize int           `yaml:"channelInboxSize"`
	NoticeTTL        time.Duration `yaml:"noticeTTL"`
}

// Client is the taskboard CLI configuration.
type Client struct {
	Endpoint   string   `yaml:"endpoint"`
	SkipVerify bool     `yaml:"skipVerify"`
	Email      string   `yaml:"email"`
	Token      string   `yaml:"token,omitempty"`
	Logging    Logging  `yaml:"logging"`
	Realtime   Realtime `yaml:"realtime"`
}

var (
	ErrConfigFileMissing                = errors.New("config file is missing")
	ErrConfigFileUnreadable             = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable         = errors.New("config file is unmarshallable")
	ErrHttpBindingMissing               = errors.New("httpBinding is missing in config")
	ErrDataDirMissing                   = errors.New("dataDir is missing in config and is required for project data")
	ErrTLSMissing                       = errors.New("TLS configuration incomplete: both cert and key must be provided if one is specified")
	ErrLoggingLevelInvalid              = errors.New("logging.level must be one of debug, info, warn, error")
	ErrSessionsTTLMissing               = errors.New("sessions.ttl is missing in config")
	ErrSessionsMaxConnectionsMissing    = errors.New("sessions.maxConnections is missing or invalid in config")
	ErrSessionsSendBufferSizeMissing    = errors.New("sessions.sendBufferSize is missing or invalid in config")
	ErrRateLimitersAuthLimitMissing     = errors.New("rateLimiters.auth.limit is missing in config")
	ErrRateLimitersProjectsLimitMissing = errors.New("rateLimiters.projects.limit is missing in config")
	ErrRateLimitersRealtimeLimitMissing = errors.New("rateLimiters.realtime.limit is missing in config")
	ErrEndpointMissing                  = errors.New("endpoint is missing in client config")
	ErrRealtimeBackoffInvalid           = errors.New("realtime.maxBackoff must not be lower than realtime.minBackoff")
	ErrRealtimeNoticeTTLInvalid         = errors.New("realtime.noticeTTL must not be negative")
)

func validLevel(level string) bool {
	switch level {
	case "", "debug", "info", "warn", "error":
		return true
	}
	return false
}

func readYAML(configFile string, out any) error {
	data, err := os.ReadFile(configFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrConfigFileMissing
		}
		return ErrConfigFileUnreadable
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return ErrConfigFileUnmarshallable
	}
	return nil
}

func LoadConfig(configFile string) (*Server, error) {
	var cfg Server
	if err := readYAML(configFile, &cfg); err != nil {
		return nil, err
	}

	if cfg.HttpBinding == "" {
		return nil, ErrHttpBindingMissing
	}
	if cfg.DataDir == "" {
		return nil, ErrDataDirMissing
	}

	if cfg.ServerMustUseTLS && (cfg.TLS.Cert == "" || cfg.TLS.Key == "") {
		return nil, ErrTLSMissing
	}
	if cfg.TLS.Cert != "" && cfg.TLS.Key == "" ||
		cfg.TLS.Cert == "" && cfg.TLS.Key != "" {
		return nil, ErrTLSMissing
	}

	if !validLevel(cfg.Logging.Level) {
		return nil, ErrLoggingLevelInvalid
	}

	if cfg.Sessions.TTL == 0 {
		return nil, ErrSessionsTTLMissing
	}
	if cfg.Sessions.MaxConnections <= 0 {
		return nil, ErrSessionsMaxConnectionsMissing
	}
	if cfg.Sessions.SendBufferSize <= 0 {
		return nil, ErrSessionsSendBufferSizeMissing
	}

	if cfg.RateLimiters.Auth.Limit == 0 {
		return nil, ErrRateLimitersAuthLimitMissing
	}
	if cfg.RateLimiters.Projects.Limit == 0 {
		return nil, ErrRateLimitersProjectsLimitMissing
	}
	if cfg.RateLimiters.Realtime.Limit == 0 {
		return nil, ErrRateLimitersRealtimeLimitMissing
	}

	return &cfg, nil
}

func GenerateConfig() *Server {
	return &Server{
		HttpBinding:      "127.0.0.1:7070",
		DataDir:          "data/taskboard", // Relative path for easier default setup
		ServerMustUseTLS: false,
		Logging:          Logging{Level: "info"},
		Sessions: SessionsConfig{
			TTL:                      24 * time.Hour,
			MaxConnections:           100,
			SendBufferSize:           256,
			MaxMessageSize:           64 * 1024,
			WebSocketReadBufferSize:  4096,
			WebSocketWriteBufferSize: 4096,
		},
		RateLimiters: RateLimiters{
			Auth:     RateLimiterConfig{Limit: 5.0, Burst: 10},
			Projects: RateLimiterConfig{Limit: 50.0, Burst: 100},
			Realtime: RateLimiterConfig{Limit: 10.0, Burst: 20},
		},
		SeedOnStart: true,
	}
}

// LoadClientConfig reads the CLI configuration. Unset realtime values fall
// back to GenerateClientConfig's.
func LoadClientConfig(configFile string) (*Client, error) {
	cfg := GenerateClientConfig()
	if err := readYAML(configFile, cfg); err != nil {
		return nil, err
	}

	if cfg.Endpoint == "" {
		return nil, ErrEndpointMissing
	}
	if !validLevel(cfg.Logging.Level) {
		return nil, ErrLoggingLevelInvalid
	}
	if cfg.Realtime.MaxBackoff < cfg.Realtime.MinBackoff {
		return nil, ErrRealtimeBackoffInvalid
	}
	if cfg.Realtime.NoticeTTL < 0 {
		return nil, ErrRealtimeNoticeTTLInvalid
	}
	return cfg, nil
}

func GenerateClientConfig() *Client {
	return &Client{
		Endpoint: "http://127.0.0.1:7070",
		Logging:  Logging{Level: "warn"},
		Realtime: Realtime{
			MinBackoff:       500 * time.Millisecond,
			MaxBackoff:       30 * time.Second,
			PingPeriod:       30 * time.Second,
			SendBufferSize:   256,
			ChannelInboxSize: 256,
			NoticeTTL:        3 * time.Second,
		},
	}
}

// WriteConfig writes cfg to configFile as YAML.
func WriteConfig(configFile string, cfg any) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(configFile, data, 0600)
}
