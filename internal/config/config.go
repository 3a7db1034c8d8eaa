package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kalambet/fieldsync/internal/conflict"
)

type Config struct {
	Server  ServerConfig
	Remote  RemoteConfig
	Sync    SyncConfig
	Storage StorageConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port int
}

type RemoteConfig struct {
	BaseURL   string
	HealthURL string // empty means <BaseURL>/health
	Timeout   time.Duration
	Token     string
}

type SyncConfig struct {
	AutoSync        bool
	PullInterval    time.Duration
	ProbeInterval   time.Duration
	DefaultStrategy string
}

type StorageConfig struct {
	DataDir    string
	SchemaFile string // optional YAML collection schema
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Remote: RemoteConfig{
			Timeout: 15 * time.Second,
		},
		Sync: SyncConfig{
			AutoSync:        true,
			PullInterval:    15 * time.Minute,
			ProbeInterval:   30 * time.Second,
			DefaultStrategy: string(conflict.Merge),
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// HealthEndpoint returns the URL pinged to check connectivity.
func (c RemoteConfig) HealthEndpoint() string {
	if c.HealthURL != "" {
		return c.HealthURL
	}
	return strings.TrimSuffix(c.BaseURL, "/") + "/health"
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.fieldsync.app) and
// secrets live in the macOS Keychain.
// On Linux the backend is a JSONC file at $XDG_CONFIG_HOME/fieldsync/config.json
// and secrets live in $XDG_DATA_HOME/fieldsync/secrets.json.
//
// Environment variables (FIELDSYNC_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), platformKeychain{})
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	applySecrets(&cfg, kc)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if cfg.Remote.BaseURL == "" {
		return fmt.Errorf("missing required config: remote.base_url. " +
			"Set it with `fieldsync config set remote.base_url <url>` or the FIELDSYNC_REMOTE_BASE_URL environment variable")
	}
	u, err := url.Parse(cfg.Remote.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid remote.base_url %q: must be an absolute http(s) URL", cfg.Remote.BaseURL)
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", cfg.Server.Port)
	}
	if cfg.Remote.Timeout <= 0 {
		return fmt.Errorf("remote.timeout must be positive, got %s", cfg.Remote.Timeout)
	}
	if cfg.Sync.PullInterval <= 0 || cfg.Sync.ProbeInterval <= 0 {
		return fmt.Errorf("sync intervals must be positive")
	}
	if _, err := conflict.ParseStrategy(cfg.Sync.DefaultStrategy); err != nil {
		return fmt.Errorf("invalid sync.default_strategy: %w", err)
	}
	return nil
}
