//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// defaultsDomain holds fieldsync's settings in UserDefaults, readable with
// `defaults read com.fieldsync.app`.
const defaultsDomain = "com.fieldsync.app"

// defaultDataDir is where the SQLite store, its WAL and the PID file live.
func defaultDataDir() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, "Library", "Application Support", "fieldsync")
	}
	return "fieldsync-data"
}

// darwinBackend shells out to the defaults tool. Every value is written as
// a string or an int; durations such as sync.pull_interval are strings.
type darwinBackend struct {
	domain string
}

func newPlatformBackend() ConfigBackend {
	return &darwinBackend{domain: defaultsDomain}
}

// run executes one defaults subcommand against the domain. missing reports
// exit status 1, which defaults uses for an absent key.
func (b *darwinBackend) run(verb, key string, args ...string) (out string, missing bool, err error) {
	argv := append([]string{verb, b.domain, key}, args...)
	raw, err := exec.Command("defaults", argv...).CombinedOutput()
	out = strings.TrimSpace(string(raw))
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return out, true, nil
		}
		return out, false, fmt.Errorf("defaults %s %s %s: %w: %s", verb, b.domain, key, err, out)
	}
	return out, false, nil
}

func (b *darwinBackend) GetString(key string) (string, bool, error) {
	out, missing, err := b.run("read", key)
	if err != nil || missing {
		return "", false, err
	}
	return out, true, nil
}

func (b *darwinBackend) GetInt(key string) (int, bool, error) {
	s, ok, err := b.GetString(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, true, fmt.Errorf("invalid integer for %s in %s: %w", key, b.domain, err)
	}
	return i, true, nil
}

func (b *darwinBackend) SetString(key, val string) error {
	_, missing, err := b.run("write", key, "-string", val)
	if missing {
		return fmt.Errorf("defaults write %s %s failed", b.domain, key)
	}
	return err
}

func (b *darwinBackend) SetInt(key string, val int) error {
	_, missing, err := b.run("write", key, "-int", strconv.Itoa(val))
	if missing {
		return fmt.Errorf("defaults write %s %s failed", b.domain, key)
	}
	return err
}

func (b *darwinBackend) Delete(key string) error {
	_, _, err := b.run("delete", key)
	return err
}
