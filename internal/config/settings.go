package config

import (
	"os"
	"path/filepath"
)

const appName = "leadchat"

// Explicit file locations, honoured on every platform that stores settings
// and secrets in files.
const (
	envConfigFile  = "LEADCHAT_CONFIG_FILE"
	envSecretsFile = "LEADCHAT_SECRETS_FILE"
)

// Settings is the persistent store behind `leadchat config set`. Values are
// kept as text; the key table types them on load.
type Settings interface {
	Lookup(key string) (val string, ok bool, err error)
	Store(key, val string) error
	Remove(key string) error
}

// userDir returns $<env>/leadchat, or ~/<home...>/leadchat when env is unset.
func userDir(env string, home ...string) string {
	base := os.Getenv(env)
	if base == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return appName + "-data"
		}
		base = filepath.Join(append([]string{h}, home...)...)
	}
	return filepath.Join(base, appName)
}
