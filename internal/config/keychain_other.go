//go:build !darwin

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Without a system keychain, fieldsync keeps its secrets in a 0600 JSON
// file beside the local store, grouped by service:
//
//	$XDG_DATA_HOME/fieldsync/secrets.json
//	{"fieldsync": {"api_token": "...", "remote_token": "..."}}
//
// Entries of other services are preserved on write.
func secretsFilePath() string {
	return filepath.Join(defaultDataDir(), "secrets.json")
}

type secretsFile map[string]map[string]string

// readSecrets returns an empty set when the file does not exist yet.
func readSecrets(path string) (secretsFile, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return secretsFile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}
	var secrets secretsFile
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file %s: %w", path, err)
	}
	if secrets == nil {
		secrets = secretsFile{}
	}
	return secrets, nil
}

func keychainGet(service, account string) ([]byte, error) {
	secrets, err := readSecrets(secretsFilePath())
	if err != nil {
		return nil, err
	}
	val, ok := secrets[service][account]
	if !ok {
		return nil, fmt.Errorf("no %s secret stored for %s", account, service)
	}
	return []byte(val), nil
}

// keychainSet refuses to replace a secrets file it cannot parse, so a
// corrupt file never silently loses the local API token.
func keychainSet(service, account, value string) error {
	p := secretsFilePath()
	secrets, err := readSecrets(p)
	if err != nil {
		return err
	}
	if secrets[service] == nil {
		secrets[service] = make(map[string]string)
	}
	secrets[service][account] = value

	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return fmt.Errorf("writing secrets file: %w", err)
	}
	return os.Rename(tmp, p)
}
