package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/leadchat/internal/intent"
	"github.com/kalambet/leadchat/internal/lead"
)

type Config struct {
	Backend BackendConfig
	Session SessionConfig
	Stream  StreamConfig
	Server  ServerConfig
	Storage StorageConfig
	Log     LogConfig
	App     AppConfig
}

type BackendConfig struct {
	BaseURL string
	APIKey  string
}

type SessionConfig struct {
	DefaultSource string
	MaxResults    int
	IdleThreshold time.Duration
}

type StreamConfig struct {
	MaxReconnects  int
	ReconnectDelay time.Duration
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir          string
	ChallengeBackend string
	ChallengeTTL     time.Duration
	SessionRetention time.Duration
}

type LogConfig struct {
	Level string
}

type AppConfig struct {
	Env string
}

// Challenge store backends.
const (
	ChallengeBackendSQLite = "sqlite"
	ChallengeBackendRedis  = "redis"
)

// MaxResultsCap bounds any derived maxResults value.
const MaxResultsCap = 500

func defaults() Config {
	return Config{
		Backend: BackendConfig{
			BaseURL: "http://localhost:5000",
		},
		Session: SessionConfig{
			DefaultSource: string(lead.SourceApify),
			MaxResults:    50,
			IdleThreshold: 30 * time.Second,
		},
		Stream: StreamConfig{
			MaxReconnects:  3,
			ReconnectDelay: time.Second,
		},
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir:          defaultDataDir(),
			ChallengeBackend: ChallengeBackendSQLite,
			ChallengeTTL:     30 * time.Minute,
			SessionRetention: 30 * 24 * time.Hour,
		},
		Log: LogConfig{
			Level: "info",
		},
		App: AppConfig{
			Env: "development",
		},
	}
}

// Load layers defaults, stored settings, LEADCHAT_* environment variables and
// the secret store, in that order.
//
// On macOS settings live in UserDefaults (domain com.leadchat.app) and secrets
// in the Keychain. Elsewhere both are JSON files under
// $XDG_CONFIG_HOME/leadchat (config.json and credentials.json), relocatable
// with LEADCHAT_CONFIG_FILE and LEADCHAT_SECRETS_FILE.
func Load() (Config, error) {
	return loadWith(newPlatformSettings(), NewKeychain())
}

func loadWith(st Settings, kc Keychain) (Config, error) {
	cfg := defaults()

	if err := applySettings(&cfg, st); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// The backend API key is optional; try the secret store if still empty.
	if cfg.Backend.APIKey == "" && kc != nil {
		if key, err := kc.Get(keychainService, backendKeyAccount); err == nil && key != "" {
			cfg.Backend.APIKey = key
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail later at runtime.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Backend.BaseURL) == "" {
		return fmt.Errorf("backend.base_url must not be empty")
	}
	if _, err := lead.ParseSource(c.Session.DefaultSource); err != nil {
		return fmt.Errorf("session.default_source: %w", err)
	}
	if c.Session.MaxResults <= 0 || c.Session.MaxResults > MaxResultsCap {
		return fmt.Errorf("session.max_results must be between 1 and %d, got %d", MaxResultsCap, c.Session.MaxResults)
	}
	if c.Stream.MaxReconnects < 0 {
		return fmt.Errorf("stream.max_reconnects must not be negative, got %d", c.Stream.MaxReconnects)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	switch c.Storage.ChallengeBackend {
	case ChallengeBackendSQLite, ChallengeBackendRedis:
	default:
		return fmt.Errorf("storage.challenge_backend must be %q or %q, got %q",
			ChallengeBackendSQLite, ChallengeBackendRedis, c.Storage.ChallengeBackend)
	}
	return nil
}

// DefaultSource returns the parsed default source. Validate has already
// rejected unknown names.
func (c Config) DefaultSource() lead.Source {
	src, err := lead.ParseSource(c.Session.DefaultSource)
	if err != nil {
		return lead.SourceApify
	}
	return src
}

// RequestDefaults returns the defaults used to build lead requests.
func (c Config) RequestDefaults() intent.Defaults {
	return intent.Defaults{
		Source:     c.DefaultSource(),
		MaxResults: c.Session.MaxResults,
		Cap:        MaxResultsCap,
	}
}
