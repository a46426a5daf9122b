//go:build !darwin

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/renameio/v2"
)

func defaultDataDir() string {
	return userDir("XDG_DATA_HOME", ".local", "share")
}

func settingsFilePath() string {
	if p := os.Getenv(envConfigFile); p != "" {
		return p
	}
	return filepath.Join(userDir("XDG_CONFIG_HOME", ".config"), "config.json")
}

func newPlatformSettings() Settings {
	return &fileSettings{path: settingsFilePath()}
}

// fileSettings is a flat JSON object of key to value. The file is re-read on
// every call so concurrent `config set` runs see each other's writes.
type fileSettings struct {
	path string
}

func (s *fileSettings) read() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", s.path, err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", s.path, err)
	}
	values := make(map[string]string, len(raw))
	for k, v := range raw {
		switch v := v.(type) {
		case string:
			values[k] = v
		case float64:
			values[k] = strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			values[k] = strconv.FormatBool(v)
		default:
			return nil, fmt.Errorf("%s: value of %s must be a string or number", s.path, k)
		}
	}
	return values, nil
}

func (s *fileSettings) write(values map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(s.path, data, 0o600)
}

func (s *fileSettings) Lookup(key string) (string, bool, error) {
	values, err := s.read()
	if err != nil {
		return "", false, err
	}
	v, ok := values[key]
	return v, ok, nil
}

func (s *fileSettings) Store(key, val string) error {
	values, err := s.read()
	if err != nil {
		return err
	}
	values[key] = val
	return s.write(values)
}

func (s *fileSettings) Remove(key string) error {
	values, err := s.read()
	if err != nil {
		return err
	}
	if _, ok := values[key]; !ok {
		return nil
	}
	delete(values, key)
	return s.write(values)
}
