package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFile_Defaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[app]\ndata_dir = \"/var/lib/library\"\n"), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "library", cfg.App.Name)
	assert.Equal(t, "development", cfg.App.Env)
	assert.Equal(t, "/var/lib/library/library.db", cfg.Database.Path)
	assert.Equal(t, "/var/lib/library/.library-token", cfg.Auth.TokenFile)
	assert.Equal(t, 5*time.Second, cfg.Database.BusyTimeout)
	assert.Equal(t, "library:changes", cfg.Redis.Channel)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Cache.StaleTime)
	assert.Equal(t, 3, cfg.Cache.Retry)
	assert.Equal(t, "offlineFirst", cfg.Cache.NetworkMode)
	assert.Equal(t, "library-auth", cfg.Session.SnapshotKey)
	assert.NotEmpty(t, cfg.Auth.JWTSecret)
}

func TestLoadFile_EnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[cache]\nstale_time = \"10s\"\n"), 0o644))

	t.Setenv("LIBRARY_CACHE_STALE_TIME", "1m")
	t.Setenv("LIBRARY_REDIS_ENABLED", "true")
	t.Setenv("LIBRARY_REDIS_PORT", "6380")

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, time.Minute, cfg.Cache.StaleTime)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "localhost:6380", cfg.Redis.Addr())
}

func TestLoadFile_Validation(t *testing.T) {
	t.Run("rejects unknown network mode", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.toml")
		require.NoError(t, os.WriteFile(path, []byte("[cache]\nnetwork_mode = \"sometimes\"\n"), 0o644))

		_, err := LoadFile(path)
		assert.ErrorContains(t, err, "cache.network_mode")
	})

	t.Run("requires a real secret in production", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.toml")
		require.NoError(t, os.WriteFile(path, []byte("[app]\nenv = \"production\"\n"), 0o644))

		_, err := LoadFile(path)
		assert.ErrorContains(t, err, "auth.jwt_secret")
	})
}

func TestLoadFile_MissingFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}
