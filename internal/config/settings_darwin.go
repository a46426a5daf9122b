//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// defaultsDomain is the UserDefaults domain holding leadchat settings.
const defaultsDomain = "com.leadchat.app"

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return appName + "-data"
	}
	return filepath.Join(home, "Library", "Application Support", appName)
}

func newPlatformSettings() Settings {
	return defaultsSettings{domain: defaultsDomain}
}

// defaultsSettings keeps every value as a string default so `defaults read`
// returns it unchanged.
type defaultsSettings struct {
	domain string
}

func (s defaultsSettings) Lookup(key string) (string, bool, error) {
	out, err := exec.Command("defaults", "read", s.domain, key).CombinedOutput()
	val := strings.TrimSpace(string(out))
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", false, nil
		}
		return "", false, fmt.Errorf("defaults read %s %s: %w (%s)", s.domain, key, err, val)
	}
	return val, true, nil
}

func (s defaultsSettings) Store(key, val string) error {
	return exec.Command("defaults", "write", s.domain, key, "-string", val).Run()
}

func (s defaultsSettings) Remove(key string) error {
	return exec.Command("defaults", "delete", s.domain, key).Run()
}
