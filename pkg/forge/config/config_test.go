package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestLoadDefaults(t *testing.T) {
	v := New()
	v.Set("secret", testSecret)
	v.Set("internal_secret", "internal")

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 30*24*time.Hour, cfg.SessionTTL)
	assert.True(t, cfg.IsLocal())
	assert.False(t, cfg.SecureCookies())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("FORGE_SECRET", testSecret)
	t.Setenv("FORGE_INTERNAL_SECRET", "internal")
	t.Setenv("FORGE_BASE_URL", "https://forge.example.com/")
	t.Setenv("FORGE_DATABASE_DRIVER", "postgres")
	t.Setenv("FORGE_SUPERADMIN_DOMAINS", "example.com, Mattrax.app")

	cfg, err := Load(New())
	require.NoError(t, err)

	assert.Equal(t, "https://forge.example.com", cfg.BaseURL)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, []string{"example.com", "mattrax.app"}, cfg.SuperadminDomains)
	assert.True(t, cfg.SecureCookies())
	assert.False(t, cfg.IsLocal())
}

func TestValidateRejectsShortSecret(t *testing.T) {
	v := New()
	v.Set("secret", "short")
	v.Set("internal_secret", "internal")

	_, err := Load(v)
	assert.Error(t, err)
}

func TestValidateAuthzDisabledNeedsUnsafeFlag(t *testing.T) {
	t.Setenv("FORGE_SECRET", testSecret)
	t.Setenv("FORGE_INTERNAL_SECRET", "internal")
	t.Setenv("FORGE_AUTHZ_MODE", "Disabled")

	_, err := Load(New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FORGE_AUTHZ_UNSAFE_ALLOW_DISABLED")

	t.Setenv("FORGE_AUTHZ_UNSAFE_ALLOW_DISABLED", "1")
	cfg, err := Load(New())
	require.NoError(t, err)
	assert.Equal(t, "Disabled", cfg.AuthzMode)
	assert.True(t, cfg.AuthzUnsafeAllowDisabled)

	t.Setenv("FORGE_AUTHZ_UNSAFE_ALLOW_DISABLED", "")
	t.Setenv("FORGE_AUTHZ_MODE", "shadow")
	_, err = Load(New())
	assert.NoError(t, err)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("FORGE_DOTENV_TEST=loaded\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("FORGE_DOTENV_TEST") })

	require.NoError(t, LoadDotEnv(path, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "loaded", os.Getenv("FORGE_DOTENV_TEST"))
}
