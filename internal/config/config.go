package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
)

// keychainService is the service name secrets are filed under.
const appName = "racelog"

const keychainService = appName

// Keychain accounts for the secrets racelog keeps.
const (
	AccountJWTSecret = "jwt_secret"
	AccountCLIToken  = "cli_token"
)

type Config struct {
	Server       ServerConfig
	Storage      StorageConfig
	Analysis     AnalysisConfig
	Certificates CertificatesConfig
	Auth         AuthConfig
	Log          LogConfig
}

type ServerConfig struct {
	Port           int
	MaxConnections int
}

type StorageConfig struct {
	Backend             string
	DataDir             string
	FirestoreProject    string
	FirestoreCollection string
}

type AnalysisConfig struct {
	BaseURL      string
	Timeout      time.Duration
	AthleteAlias string
}

type CertificatesConfig struct {
	Bucket string
	Dir    string
}

type AuthConfig struct {
	Issuer    string
	JWTSecret string
	Token     string
}

type LogConfig struct {
	Level string
}

// Storage backends.
const (
	BackendSQLite    = "sqlite"
	BackendFirestore = "firestore"
)

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:           4100,
			MaxConnections: 64,
		},
		Storage: StorageConfig{
			Backend:             BackendSQLite,
			DataDir:             defaultDataDir(),
			FirestoreCollection: "marathon_records",
		},
		Analysis: AnalysisConfig{
			BaseURL:      "http://localhost:8080",
			Timeout:      60 * time.Second,
			AthleteAlias: "常夏冬太郎",
		},
		Auth: AuthConfig{
			Issuer: "racelog",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// CertificatesDir is where the local certificate store keeps its files.
func (c Config) CertificatesDir() string {
	if c.Certificates.Dir != "" {
		return c.Certificates.Dir
	}
	return filepath.Join(c.Storage.DataDir, "certificates")
}

// SlogLevel maps log.level onto a slog level. Unknown values mean info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.racelog.app) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/racelog/config.json
// and secrets come from environment variables or
// $XDG_DATA_HOME/racelog/secrets.json.
//
// Environment variables (RACELOG_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts Keychain access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Auth.JWTSecret == "" {
		if v, err := kc.Get(keychainService, AccountJWTSecret); err == nil && v != "" {
			cfg.Auth.JWTSecret = v
		}
	}
	if cfg.Auth.Token == "" {
		if v, err := kc.Get(keychainService, AccountCLIToken); err == nil && v != "" {
			cfg.Auth.Token = v
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid config: server.port %d out of range", c.Server.Port)
	}
	if c.Server.MaxConnections <= 0 {
		return fmt.Errorf("invalid config: server.max_connections must be positive")
	}
	switch c.Storage.Backend {
	case BackendSQLite:
	case BackendFirestore:
		if c.Storage.FirestoreProject == "" {
			return fmt.Errorf("missing required config: storage.firestore_project " +
				"(set RACELOG_STORAGE_FIRESTORE_PROJECT) when storage.backend is firestore")
		}
	default:
		return fmt.Errorf("invalid config: storage.backend %q (want %s or %s)",
			c.Storage.Backend, BackendSQLite, BackendFirestore)
	}
	if c.Analysis.Timeout <= 0 {
		return fmt.Errorf("invalid config: analysis.timeout must be positive")
	}
	return nil
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// SetSecret stores a secret in the platform secret store.
func SetSecret(account, value string) error {
	return keychainSet(keychainService, account, value)
}

// DeleteSecret removes a secret from the platform secret store. Removing a
// secret that is not stored is not an error.
func DeleteSecret(account string) error {
	return keychainDelete(keychainService, account)
}
