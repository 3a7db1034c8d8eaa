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
	kBool
	kDuration
)

type keySpec struct {
	key string
	typ keyType
	env string
	// account names the secret-store entry of a secret key. Secret keys
	// are never read from or written to a ConfigBackend.
	account string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

func (s keySpec) secret() bool { return s.account != "" }

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "FIELDSYNC_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "remote.base_url", typ: kString, env: "FIELDSYNC_REMOTE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Remote.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.BaseURL },
	},
	{
		key: "remote.health_url", typ: kString, env: "FIELDSYNC_REMOTE_HEALTH_URL",
		apply:   func(cfg *Config, v any) { cfg.Remote.HealthURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.HealthURL },
	},
	{
		key: "remote.timeout", typ: kDuration, env: "FIELDSYNC_REMOTE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Remote.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Remote.Timeout },
	},
	{
		key: "remote.token", typ: kString, env: "FIELDSYNC_REMOTE_TOKEN",
		account: remoteTokenAccount,
		apply:   func(cfg *Config, v any) { cfg.Remote.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.Token },
	},
	{
		key: "sync.auto_sync", typ: kBool, env: "FIELDSYNC_SYNC_AUTO_SYNC",
		apply:   func(cfg *Config, v any) { cfg.Sync.AutoSync = v.(bool) },
		extract: func(cfg Config) any { return cfg.Sync.AutoSync },
	},
	{
		key: "sync.pull_interval", typ: kDuration, env: "FIELDSYNC_SYNC_PULL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Sync.PullInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.PullInterval },
	},
	{
		key: "sync.probe_interval", typ: kDuration, env: "FIELDSYNC_SYNC_PROBE_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Sync.ProbeInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.ProbeInterval },
	},
	{
		key: "sync.default_strategy", typ: kString, env: "FIELDSYNC_SYNC_DEFAULT_STRATEGY",
		apply:   func(cfg *Config, v any) { cfg.Sync.DefaultStrategy = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.DefaultStrategy },
	},
	{
		key: "storage.data_dir", typ: kString, env: "FIELDSYNC_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.schema_file", typ: kString, env: "FIELDSYNC_STORAGE_SCHEMA_FILE",
		apply:   func(cfg *Config, v any) { cfg.Storage.SchemaFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.SchemaFile },
	},
	{
		key: "log.level", typ: kString, env: "FIELDSYNC_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret() {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if d, err := time.ParseDuration(v); err == nil {
					s.apply(cfg, d)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
