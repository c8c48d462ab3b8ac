package config

import (
	"fmt"
	"log/slog"
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
		key: "server.port", typ: kInt, env: "RACELOG_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.max_connections", typ: kInt, env: "RACELOG_SERVER_MAX_CONNECTIONS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConnections = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConnections },
	},
	{
		key: "storage.backend", typ: kString, env: "RACELOG_STORAGE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Storage.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Backend },
	},
	{
		key: "storage.data_dir", typ: kString, env: "RACELOG_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.firestore_project", typ: kString, env: "RACELOG_STORAGE_FIRESTORE_PROJECT",
		apply:   func(cfg *Config, v any) { cfg.Storage.FirestoreProject = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.FirestoreProject },
	},
	{
		key: "storage.firestore_collection", typ: kString, env: "RACELOG_STORAGE_FIRESTORE_COLLECTION",
		apply:   func(cfg *Config, v any) { cfg.Storage.FirestoreCollection = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.FirestoreCollection },
	},
	{
		key: "analysis.base_url", typ: kString, env: "RACELOG_ANALYSIS_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Analysis.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Analysis.BaseURL },
	},
	{
		key: "analysis.timeout", typ: kDuration, env: "RACELOG_ANALYSIS_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Analysis.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Analysis.Timeout },
	},
	{
		key: "analysis.athlete_alias", typ: kString, env: "RACELOG_ANALYSIS_ATHLETE_ALIAS",
		apply:   func(cfg *Config, v any) { cfg.Analysis.AthleteAlias = v.(string) },
		extract: func(cfg Config) any { return cfg.Analysis.AthleteAlias },
	},
	{
		key: "certificates.bucket", typ: kString, env: "RACELOG_CERTIFICATES_BUCKET",
		apply:   func(cfg *Config, v any) { cfg.Certificates.Bucket = v.(string) },
		extract: func(cfg Config) any { return cfg.Certificates.Bucket },
	},
	{
		key: "certificates.dir", typ: kString, env: "RACELOG_CERTIFICATES_DIR",
		apply:   func(cfg *Config, v any) { cfg.Certificates.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Certificates.Dir },
	},
	{
		key: "auth.issuer", typ: kString, env: "RACELOG_AUTH_ISSUER",
		apply:   func(cfg *Config, v any) { cfg.Auth.Issuer = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.Issuer },
	},
	{
		key: "auth.jwt_secret", typ: kString, env: "RACELOG_AUTH_JWT_SECRET",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Auth.JWTSecret = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.JWTSecret },
	},
	{
		key: "auth.token", typ: kString, env: "RACELOG_AUTH_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Auth.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.Token },
	},
	{
		key: "log.level", typ: kString, env: "RACELOG_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
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
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if d, err := time.ParseDuration(v); err == nil {
					s.apply(cfg, d)
				} else {
					slog.Warn("could not parse duration from config, using default value",
						"key", s.key, "value", v, "error", err)
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
				slog.Warn("could not parse integer from env var, using default value",
					"env", s.env, "value", raw, "error", err)
			}
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				slog.Warn("could not parse duration from env var, using default value",
					"env", s.env, "value", raw, "error", err)
			}
		}
	}
}
