package config

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// fieldsync keeps its secrets in the platform secret store under one
// service name: the macOS login keychain, or a 0600 file elsewhere (see
// keychain_other.go). Config files and defaults domains never hold them.
const keychainService = "fieldsync"

// Secret-store accounts under keychainService.
const (
	// remoteTokenAccount is the bearer token sent to the remote REST API on
	// replay and pull. It backs the remote.token config key and is
	// overridden by FIELDSYNC_REMOTE_TOKEN.
	remoteTokenAccount = "remote_token"

	// apiTokenAccount is the bearer token guarding the local HTTP API and
	// MCP endpoint. The server generates it on first start and the CLI
	// reads the same entry.
	apiTokenAccount = "api_token"
)

type keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

type platformKeychain struct{}

func (platformKeychain) Get(service, account string) (string, error) {
	b, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func (platformKeychain) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}

// applySecrets fills secret keys not set by the environment from the
// secret store. A missing entry leaves the key empty.
func applySecrets(cfg *Config, kc keychain) {
	for _, s := range specs {
		if !s.secret() || s.extract(*cfg) != "" {
			continue
		}
		if v, err := kc.Get(keychainService, s.account); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}

// GetAPIToken returns the bearer token guarding the local HTTP API,
// generating and storing one on first use. The server and the CLI
// both read it from the platform secret store.
func GetAPIToken() (string, error) {
	return apiTokenWith(platformKeychain{})
}

func apiTokenWith(kc keychain) (string, error) {
	if tok, err := kc.Get(keychainService, apiTokenAccount); err == nil && tok != "" {
		return tok, nil
	}
	tok := strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := kc.Set(keychainService, apiTokenAccount, tok); err != nil {
		return "", fmt.Errorf("storing api token: %w", err)
	}
	return tok, nil
}
