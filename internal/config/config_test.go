package config

import (
	"errors"
	"strings"
	"testing"
	"time"
)

// mockKeychain is a test double for the keychain interface.
type mockKeychain struct {
	values map[string]string
	err    error
}

func (m mockKeychain) Get(service, account string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	v, ok := m.values[account]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

// mapBackend is an in-memory ConfigBackend.
type mapBackend struct {
	strings map[string]string
	ints    map[string]int
	err     error
}

func newMapBackend() *mapBackend {
	return &mapBackend{strings: map[string]string{}, ints: map[string]int{}}
}

func (b *mapBackend) GetString(key string) (string, bool, error) {
	if b.err != nil {
		return "", false, b.err
	}
	v, ok := b.strings[key]
	return v, ok, nil
}

func (b *mapBackend) GetInt(key string) (int, bool, error) {
	if b.err != nil {
		return 0, false, b.err
	}
	v, ok := b.ints[key]
	return v, ok, nil
}

func (b *mapBackend) SetString(key, val string) error {
	b.strings[key] = val
	return nil
}

func (b *mapBackend) SetInt(key string, val int) error {
	b.ints[key] = val
	return nil
}

func (b *mapBackend) Delete(key string) error {
	delete(b.strings, key)
	delete(b.ints, key)
	return nil
}

// clearEnv blanks every RACELOG_* variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith(newMapBackend(), mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Server.MaxConnections != 64 {
		t.Errorf("Server.MaxConnections = %d, want 64", cfg.Server.MaxConnections)
	}
	if cfg.Storage.Backend != BackendSQLite {
		t.Errorf("Storage.Backend = %q, want %q", cfg.Storage.Backend, BackendSQLite)
	}
	if cfg.Storage.DataDir == "" {
		t.Error("Storage.DataDir is empty")
	}
	if cfg.Storage.FirestoreCollection != "marathon_records" {
		t.Errorf("Storage.FirestoreCollection = %q", cfg.Storage.FirestoreCollection)
	}
	if cfg.Analysis.BaseURL != "http://localhost:8080" {
		t.Errorf("Analysis.BaseURL = %q", cfg.Analysis.BaseURL)
	}
	if cfg.Analysis.Timeout != 60*time.Second {
		t.Errorf("Analysis.Timeout = %v, want 60s", cfg.Analysis.Timeout)
	}
	if cfg.Analysis.AthleteAlias != "常夏冬太郎" {
		t.Errorf("Analysis.AthleteAlias = %q", cfg.Analysis.AthleteAlias)
	}
	if cfg.Auth.Issuer != "racelog" {
		t.Errorf("Auth.Issuer = %q, want racelog", cfg.Auth.Issuer)
	}
	if cfg.Auth.JWTSecret != "" || cfg.Auth.Token != "" {
		t.Errorf("secrets should be empty by default, got %q / %q", cfg.Auth.JWTSecret, cfg.Auth.Token)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
}

func TestBackendValues(t *testing.T) {
	clearEnv(t)
	b := newMapBackend()
	b.ints["server.port"] = 5000
	b.strings["analysis.base_url"] = "http://analysis:9000"
	b.strings["analysis.timeout"] = "15s"
	b.strings["certificates.dir"] = "/srv/certs"
	b.strings["log.level"] = "debug"

	cfg, err := loadWith(b, mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Analysis.BaseURL != "http://analysis:9000" {
		t.Errorf("Analysis.BaseURL = %q", cfg.Analysis.BaseURL)
	}
	if cfg.Analysis.Timeout != 15*time.Second {
		t.Errorf("Analysis.Timeout = %v, want 15s", cfg.Analysis.Timeout)
	}
	if cfg.CertificatesDir() != "/srv/certs" {
		t.Errorf("CertificatesDir() = %q", cfg.CertificatesDir())
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
}

func TestBadDurationKeepsDefault(t *testing.T) {
	clearEnv(t)
	b := newMapBackend()
	b.strings["analysis.timeout"] = "soon"

	cfg, err := loadWith(b, mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Analysis.Timeout != 60*time.Second {
		t.Errorf("Analysis.Timeout = %v, want default 60s", cfg.Analysis.Timeout)
	}
}

func TestBackendError(t *testing.T) {
	clearEnv(t)
	b := newMapBackend()
	b.err = errors.New("defaults unavailable")

	if _, err := loadWith(b, mockKeychain{}); err == nil {
		t.Fatal("expected error from failing backend")
	}
}

func TestEnvOverridesBackend(t *testing.T) {
	clearEnv(t)
	b := newMapBackend()
	b.ints["server.port"] = 5000
	b.strings["storage.backend"] = "sqlite"

	t.Setenv("RACELOG_SERVER_PORT", "6000")
	t.Setenv("RACELOG_ANALYSIS_TIMEOUT", "2m")
	t.Setenv("RACELOG_STORAGE_BACKEND", "firestore")
	t.Setenv("RACELOG_STORAGE_FIRESTORE_PROJECT", "racelog-prod")

	cfg, err := loadWith(b, mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want 6000", cfg.Server.Port)
	}
	if cfg.Analysis.Timeout != 2*time.Minute {
		t.Errorf("Analysis.Timeout = %v, want 2m", cfg.Analysis.Timeout)
	}
	if cfg.Storage.Backend != BackendFirestore || cfg.Storage.FirestoreProject != "racelog-prod" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
}

func TestInvalidEnvIntKeepsValue(t *testing.T) {
	clearEnv(t)
	t.Setenv("RACELOG_SERVER_PORT", "not-a-port")

	cfg, err := loadWith(newMapBackend(), mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
}

func TestSecretsFromEnvWinOverKeychain(t *testing.T) {
	clearEnv(t)
	t.Setenv("RACELOG_AUTH_JWT_SECRET", "env-secret")

	kc := mockKeychain{values: map[string]string{
		AccountJWTSecret: "keychain-secret",
		AccountCLIToken:  "keychain-token",
	}}
	cfg, err := loadWith(newMapBackend(), kc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Auth.JWTSecret != "env-secret" {
		t.Errorf("JWTSecret = %q, want env-secret", cfg.Auth.JWTSecret)
	}
	if cfg.Auth.Token != "keychain-token" {
		t.Errorf("Token = %q, want keychain-token", cfg.Auth.Token)
	}
}

func TestSecretsIgnoredInBackend(t *testing.T) {
	clearEnv(t)
	b := newMapBackend()
	b.strings["auth.jwt_secret"] = "from-file"

	cfg, err := loadWith(b, mockKeychain{err: errors.New("locked")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Auth.JWTSecret != "" {
		t.Errorf("JWTSecret = %q, want empty", cfg.Auth.JWTSecret)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"unknown backend", map[string]string{"RACELOG_STORAGE_BACKEND": "postgres"}, "storage.backend"},
		{"firestore without project", map[string]string{"RACELOG_STORAGE_BACKEND": "firestore"}, "storage.firestore_project"},
		{"port out of range", map[string]string{"RACELOG_SERVER_PORT": "70000"}, "server.port"},
		{"zero max connections", map[string]string{"RACELOG_SERVER_MAX_CONNECTIONS": "0"}, "server.max_connections"},
		{"zero timeout", map[string]string{"RACELOG_ANALYSIS_TIMEOUT": "0s"}, "analysis.timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := loadWith(newMapBackend(), mockKeychain{})
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestCertificatesDirDefault(t *testing.T) {
	cfg := defaults()
	cfg.Storage.DataDir = "/data"
	if got := cfg.CertificatesDir(); got != "/data/certificates" {
		t.Errorf("CertificatesDir() = %q, want /data/certificates", got)
	}
}

func TestSlogLevel(t *testing.T) {
	for level, want := range map[string]string{
		"debug": "DEBUG", "WARN": "WARN", "error": "ERROR", "info": "INFO", "chatty": "INFO",
	} {
		cfg := Config{Log: LogConfig{Level: level}}
		if got := cfg.SlogLevel().String(); got != want {
			t.Errorf("SlogLevel(%q) = %s, want %s", level, got, want)
		}
	}
}

func TestShowAllOmitsSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Auth.JWTSecret = "super-secret"
	cfg.Analysis.Timeout = 90 * time.Second

	var sawTimeout bool
	for _, ki := range ShowAll(cfg) {
		if strings.HasPrefix(ki.Key, "auth.jwt") || ki.Key == "auth.token" {
			t.Errorf("ShowAll lists secret %s", ki.Key)
		}
		if strings.Contains(ki.Value, "super-secret") {
			t.Errorf("%s leaks the secret", ki.Key)
		}
		if ki.Key == "analysis.timeout" {
			sawTimeout = true
			if ki.Value != "1m30s" {
				t.Errorf("analysis.timeout = %q, want 1m30s", ki.Value)
			}
			if ki.EnvVar != "RACELOG_ANALYSIS_TIMEOUT" {
				t.Errorf("analysis.timeout env = %q", ki.EnvVar)
			}
		}
	}
	if !sawTimeout {
		t.Error("analysis.timeout missing from ShowAll")
	}
}

func TestShowAllSource(t *testing.T) {
	clearEnv(t)
	t.Setenv("RACELOG_SERVER_PORT", "4200")

	cfg := defaults()
	cfg.Server.Port = 4200
	cfg.Analysis.BaseURL = "http://analysis.internal:9000"

	want := map[string]string{
		"server.port":       SourceEnv,
		"analysis.base_url": SourceStored,
		"storage.backend":   SourceDefault,
	}
	for _, ki := range ShowAll(cfg) {
		if src, ok := want[ki.Key]; ok && ki.Source != src {
			t.Errorf("%s source = %q, want %q", ki.Key, ki.Source, src)
		}
	}
}

func TestSetKey(t *testing.T) {
	b := newMapBackend()

	if err := setKeyWith(b, "server.port", "4200"); err != nil {
		t.Fatalf("server.port: %v", err)
	}
	if b.ints["server.port"] != 4200 {
		t.Errorf("server.port stored as %d", b.ints["server.port"])
	}
	if err := setKeyWith(b, "analysis.timeout", "90s"); err != nil {
		t.Fatalf("analysis.timeout: %v", err)
	}
	if b.strings["analysis.timeout"] != "90s" {
		t.Errorf("analysis.timeout stored as %q", b.strings["analysis.timeout"])
	}

	if err := setKeyWith(b, "server.port", "many"); err == nil {
		t.Error("expected error for non-integer port")
	}
	if err := setKeyWith(b, "analysis.timeout", "later"); err == nil {
		t.Error("expected error for invalid duration")
	}
	if err := setKeyWith(b, "auth.jwt_secret", "x"); err == nil || !strings.Contains(err.Error(), "RACELOG_AUTH_JWT_SECRET") {
		t.Errorf("secret key error = %v", err)
	}
	if err := setKeyWith(b, "nope.key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestValidKeysExcludesSecrets(t *testing.T) {
	keys := ValidKeys()
	for _, k := range keys {
		if strings.HasPrefix(k, "auth.jwt_secret") || k == "auth.token" {
			t.Errorf("ValidKeys contains secret %q", k)
		}
	}
	if len(keys) != len(specs)-2 {
		t.Errorf("ValidKeys returned %d keys, want %d", len(keys), len(specs)-2)
	}
}
