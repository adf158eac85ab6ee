package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/linkedai/assist-backend/internal/config"
)

func clearAppEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		config.EnvDBConnection, config.EnvSupabaseURL, config.EnvSupabaseServiceKey, config.EnvSupabaseJWTSecret,
		config.EnvAnthropicAPIKey, config.EnvStripeWebhookKey, config.EnvPostHogAPIKey, config.EnvPostHogHost,
		config.EnvOwnKeySecret, config.EnvRedisAddr, config.EnvPort, config.EnvAdminToken,
	} {
		t.Setenv(key, "")
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		DatabaseDSN: buildSQLiteDSN(filepath.Join(t.TempDir(), "assist.db")),
		Identity:    config.IdentityConfig{Mode: config.IdentityModeJWT, JWTSecret: "jwt-secret"},
		Anthropic:   config.AnthropicConfig{APIKey: "platform-key", BaseURL: "http://127.0.0.1:0"},
		Ledger:      config.LedgerConfig{Backend: config.LedgerBackendMemory},
		Security:    config.SecurityConfig{OwnKeySecret: "own-key-secret"},
	}
	return cfg
}

func TestBuildServesHealth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv, err := Build(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer func() {
		if errClose := srv.Close(); errClose != nil {
			t.Errorf("close: %v", errClose)
		}
	}()

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/usage", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without bearer, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v0/admin/quotas", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected admin api disabled without token, got %d", rec.Code)
	}
}

func TestBuildRegistersAdminWithToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := testConfig(t)
	cfg.Admin.Token = "ops-token"
	srv, err := Build(context.Background(), cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer func() { _ = srv.Close() }()

	req := httptest.NewRequest(http.MethodGet, "/v0/admin/quotas", nil)
	req.Header.Set("Authorization", "Bearer ops-token")
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestBuildRequiresPlatformKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Anthropic.APIKey = ""
	if _, err := Build(context.Background(), cfg); !errors.Is(err, config.ErrConfigurationMissing) {
		t.Fatalf("expected ErrConfigurationMissing, got %v", err)
	}
}

func TestMigrateFromConfigFile(t *testing.T) {
	clearAppEnv(t)
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := WriteConfigFile(configPath, InitOptions{DatabasePath: filepath.Join(dir, "assist.db")}); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := Migrate(context.Background(), config.AppConfig{ConfigPath: configPath}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
}
