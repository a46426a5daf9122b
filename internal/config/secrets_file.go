//go:build !darwin

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// secretsFilePath is the 0600 credentials file standing in for the Keychain.
// It sits next to config.json so one directory holds the CLI's state.
func secretsFilePath() string {
	if p := os.Getenv(envSecretsFile); p != "" {
		return p
	}
	return filepath.Join(userDir("XDG_CONFIG_HOME", ".config"), "credentials.json")
}

func secretName(service, account string) string {
	return service + "/" + account
}

func readSecrets(p string) (map[string]string, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	secrets := map[string]string{}
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", p, err)
	}
	return secrets, nil
}

func keychainGet(service, account string) ([]byte, error) {
	secrets, err := readSecrets(secretsFilePath())
	if err != nil {
		return nil, fmt.Errorf("no stored credentials: %w", err)
	}
	val, ok := secrets[secretName(service, account)]
	if !ok {
		return nil, fmt.Errorf("credential %s not stored", secretName(service, account))
	}
	return []byte(val), nil
}

func keychainSet(service, account, value string) error {
	p := secretsFilePath()
	secrets, err := readSecrets(p)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		secrets = map[string]string{}
	case err != nil:
		return err
	}
	secrets[secretName(service, account)] = value

	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return fmt.Errorf("creating credentials dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(p, out, 0o600)
}
