package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "backend.base_url", typ: kString, env: "LEADCHAT_BACKEND_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Backend.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Backend.BaseURL },
	},
	{
		key: "backend.api_key", typ: kString, env: "LEADCHAT_BACKEND_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Backend.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Backend.APIKey },
	},
	{
		key: "session.default_source", typ: kString, env: "LEADCHAT_SESSION_DEFAULT_SOURCE",
		apply:   func(cfg *Config, v any) { cfg.Session.DefaultSource = v.(string) },
		extract: func(cfg Config) any { return cfg.Session.DefaultSource },
	},
	{
		key: "session.max_results", typ: kInt, env: "LEADCHAT_SESSION_MAX_RESULTS",
		apply:   func(cfg *Config, v any) { cfg.Session.MaxResults = v.(int) },
		extract: func(cfg Config) any { return cfg.Session.MaxResults },
	},
	{
		key: "session.idle_threshold", typ: kDuration, env: "LEADCHAT_SESSION_IDLE_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Session.IdleThreshold = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Session.IdleThreshold },
	},
	{
		key: "stream.max_reconnects", typ: kInt, env: "LEADCHAT_STREAM_MAX_RECONNECTS",
		apply:   func(cfg *Config, v any) { cfg.Stream.MaxReconnects = v.(int) },
		extract: func(cfg Config) any { return cfg.Stream.MaxReconnects },
	},
	{
		key: "stream.reconnect_delay", typ: kDuration, env: "LEADCHAT_STREAM_RECONNECT_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Stream.ReconnectDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Stream.ReconnectDelay },
	},
	{
		key: "server.port", typ: kInt, env: "LEADCHAT_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "LEADCHAT_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.challenge_backend", typ: kString, env: "LEADCHAT_STORAGE_CHALLENGE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Storage.ChallengeBackend = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.ChallengeBackend },
	},
	{
		key: "storage.challenge_ttl", typ: kDuration, env: "LEADCHAT_STORAGE_CHALLENGE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Storage.ChallengeTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Storage.ChallengeTTL },
	},
	{
		key: "storage.session_retention", typ: kDuration, env: "LEADCHAT_STORAGE_SESSION_RETENTION",
		apply:   func(cfg *Config, v any) { cfg.Storage.SessionRetention = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Storage.SessionRetention },
	},
	{
		key: "log.level", typ: kString, env: "LEADCHAT_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "app.env", typ: kString, env: "LEADCHAT_APP_ENV",
		apply:   func(cfg *Config, v any) { cfg.App.Env = v.(string) },
		extract: func(cfg Config) any { return cfg.App.Env },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parse converts raw text into the key's type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		i, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid integer value for %s: %w", s.key, err)
		}
		return i, nil
	case kDuration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid duration value for %s: %w", s.key, err)
		}
		return d, nil
	default:
		return raw, nil
	}
}

// applySettings copies stored values into cfg. Secrets are never read from
// settings, and a stored value that does not parse is an error.
func applySettings(cfg *Config, st Settings) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		raw, ok, err := st.Lookup(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			return err
		}
		s.apply(cfg, v)
	}
	return nil
}

// applyEnvOverrides applies LEADCHAT_* variables. Unparsable values are
// reported and skipped; the logger is not configured yet at this point.
func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if s.env == "" || raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] ignoring %s=%q: %v\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
