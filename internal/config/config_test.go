package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaults(t *testing.T) {
	t.Setenv("SERVER_ENVIRONMENT", "development")

	cfg := NewConfig()

	assert.Equal(t, "3001", cfg.Server.Port)
	assert.Equal(t, "local", cfg.Storage.Type)
	assert.True(t, cfg.Email.EnforceAllowlist)
	assert.Equal(t, "[TEST] ", cfg.Email.SubjectPrefix)
	assert.Equal(t, 5, cfg.Email.MaxAttempts)
	assert.Greater(t, cfg.Email.StaleClaimTimeout, time.Duration(cfg.Email.BatchSize)*cfg.Email.ProviderTimeout)
	assert.NoError(t, cfg.Validate())
}

func TestNewConfigProductionDefaults(t *testing.T) {
	t.Setenv("SERVER_ENVIRONMENT", "production")

	cfg := NewConfig()

	assert.False(t, cfg.Email.EnforceAllowlist)
	assert.Empty(t, cfg.Email.SubjectPrefix)
	assert.Error(t, cfg.Validate(), "production requires a token secret")
}

func TestNewConfigFromEnv(t *testing.T) {
	t.Setenv("EMAIL_ALLOWLIST", " a@example.com, ,b@example.com ")
	t.Setenv("EMAIL_RUN_CAP", "2")
	t.Setenv("EMAIL_INITIAL_BACKOFF", "1m")
	t.Setenv("EMAIL_ENFORCE_ALLOWLIST", "false")
	t.Setenv("FEATURE_MANAGEMENT_MENU", "not-a-bool")

	cfg := NewConfig()

	assert.Equal(t, []string{"a@example.com", "b@example.com"}, cfg.Email.Allowlist)
	assert.Equal(t, 2, cfg.Email.RunCap)
	assert.Equal(t, time.Minute, cfg.Email.InitialBackoff)
	assert.False(t, cfg.Email.EnforceAllowlist)
	assert.True(t, cfg.Features.ManagementMenu, "invalid values fall back to the default")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"s3 without bucket", func(c *Config) { c.Storage.Type = "s3" }, true},
		{"unknown storage", func(c *Config) { c.Storage.Type = "ftp" }, true},
		{"resend without key", func(c *Config) { c.Email.Provider = "resend" }, true},
		{"short secret", func(c *Config) { c.Token.Secret = "short" }, true},
		{"zero batch", func(c *Config) { c.Email.BatchSize = 0 }, true},
		{"stale claim shorter than a batch", func(c *Config) {
			c.Email.BatchSize = 100
			c.Email.ProviderTimeout = 10 * time.Second
			c.Email.StaleClaimTimeout = 10 * time.Minute
		}, true},
		{"stale claim equal to a batch", func(c *Config) {
			c.Email.BatchSize = 60
			c.Email.ProviderTimeout = 10 * time.Second
			c.Email.StaleClaimTimeout = 10 * time.Minute
		}, true},
		{"stale claim reaper disabled", func(c *Config) {
			c.Email.BatchSize = 500
			c.Email.StaleClaimTimeout = 0
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SERVER_ENVIRONMENT", "development")
			cfg := NewConfig()
			tt.mutate(cfg)
			if tt.wantErr {
				assert.Error(t, cfg.Validate())
			} else {
				assert.NoError(t, cfg.Validate())
			}
		})
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("EMAIL_SUBJECT_PREFIX=[STAGING]\nSERVER_PORT=4000\n"), 0o600))
	t.Setenv("SERVER_PORT", "5000")
	// godotenv does not override variables that are already set.
	t.Cleanup(func() { os.Unsetenv("EMAIL_SUBJECT_PREFIX") })

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "5000", cfg.Server.Port)
	assert.Equal(t, "[STAGING]", cfg.Email.SubjectPrefix)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.NoError(t, err)
}
