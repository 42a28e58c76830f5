package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openmined/sealbox/internal/seal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate_Defaults(t *testing.T) {
	tmp := t.TempDir()
	cfg := &Config{
		SyncDir:   filepath.Join(tmp, "sync"),
		StateDir:  filepath.Join(tmp, "state"),
		ServerURL: "tls://sync.example.com",
		Username:  "alice",
	}

	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultSyncInterval, cfg.SyncInterval)
	assert.Equal(t, seal.DefaultIterations, cfg.KDFIterations)
	assert.Equal(t, filepath.Join(tmp, "state", "state.db"), cfg.HashStorePath())
	assert.Equal(t, filepath.Join(tmp, "state", "sealbox.lock"), cfg.LockPath())

	iv, err := cfg.LegacyIVBytes()
	require.NoError(t, err)
	assert.Nil(t, iv)
}

func TestConfig_Validate_ResolvesPaths(t *testing.T) {
	cfg := &Config{
		SyncDir:   "sync",
		StateDir:  "sync/.state",
		ServerURL: "dir:///srv/sealbox",
	}
	require.NoError(t, cfg.Validate())
	assert.True(t, filepath.IsAbs(cfg.SyncDir))
	assert.True(t, filepath.IsAbs(cfg.StateDir))

	rel, ok := cfg.StateDirInSyncDir()
	assert.True(t, ok)
	assert.Equal(t, ".state", rel)

	cfg.StateDir = filepath.Join(filepath.Dir(cfg.SyncDir), "elsewhere")
	_, ok = cfg.StateDirInSyncDir()
	assert.False(t, ok)
}

func TestConfig_Validate_Errors(t *testing.T) {
	tmp := t.TempDir()
	valid := func() *Config {
		return &Config{
			SyncDir:   filepath.Join(tmp, "sync"),
			StateDir:  filepath.Join(tmp, "state"),
			ServerURL: "tls://sync.example.com:4433",
			Username:  "alice",
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"missing server", func(c *Config) { c.ServerURL = "" }, "server url"},
		{"bad scheme", func(c *Config) { c.ServerURL = "https://example.com" }, "scheme"},
		{"tls without host", func(c *Config) { c.ServerURL = "tls://" }, "missing host"},
		{"tls without user", func(c *Config) { c.Username = "" }, "username"},
		{"s3 without bucket", func(c *Config) { c.ServerURL = "s3://" }, "bucket"},
		{"same dirs", func(c *Config) { c.StateDir = c.SyncDir }, "state dir"},
		{"short interval", func(c *Config) { c.SyncInterval = time.Millisecond }, "sync interval"},
		{"negative iterations", func(c *Config) { c.KDFIterations = -1 }, "kdf iterations"},
		{"bad legacy iv", func(c *Config) { c.LegacyIV = "zz" }, "legacy iv"},
		{"short legacy iv", func(c *Config) { c.LegacyIV = "0102" }, "legacy iv"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_LegacyIV(t *testing.T) {
	cfg := &Config{LegacyIV: "000102030405060708090a0b0c0d0e0f"}
	iv, err := cfg.LegacyIVBytes()
	require.NoError(t, err)
	assert.Len(t, iv, seal.IVSize)
	assert.Equal(t, byte(0x0f), iv[15])
}

func TestConfig_SaveAndLoad_Roundtrip(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "nested", "config.json")

	cfg := &Config{
		SyncDir:     filepath.Join(tmp, "sync"),
		StateDir:    filepath.Join(tmp, "state"),
		ServerURL:   "tls://sync.example.com",
		Username:    "alice",
		AccessToken: "tok",
		Password:    "secret", // must not persist
		Path:        path,
	}
	require.NoError(t, cfg.Validate())
	require.NoError(t, cfg.Save())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret")

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.SyncDir, loaded.SyncDir)
	assert.Equal(t, cfg.StateDir, loaded.StateDir)
	assert.Equal(t, cfg.ServerURL, loaded.ServerURL)
	assert.Equal(t, cfg.Username, loaded.Username)
	assert.Equal(t, cfg.AccessToken, loaded.AccessToken)
	assert.Equal(t, cfg.KDFIterations, loaded.KDFIterations)
	assert.Empty(t, loaded.Password)
	assert.Equal(t, path, loaded.Path)
}

func TestConfig_SaveWithoutPath(t *testing.T) {
	assert.Error(t, (&Config{}).Save())
}
