package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cliEnv struct {
	dir     string
	syncDir string
	args    []string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("SEALBOX_PASSWORD", "pw")
	t.Setenv("SEALBOX_KDF_ITERATIONS", "10")

	env := &cliEnv{dir: dir, syncDir: filepath.Join(dir, "sync")}
	env.args = []string{
		"--config", filepath.Join(dir, "missing.json"),
		"--sync-dir", env.syncDir,
		"--state-dir", filepath.Join(dir, "state"),
		"--server", "dir://" + filepath.ToSlash(filepath.Join(dir, "srv")),
	}
	require.NoError(t, os.MkdirAll(env.syncDir, 0o755))
	return env
}

func (e *cliEnv) run(t *testing.T, command string) (string, error) {
	t.Helper()
	return execute(t, append([]string{command}, e.args...)...)
}

func TestSyncCommand(t *testing.T) {
	env := newCLIEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(env.syncDir, "a.txt"), []byte("a"), 0o644))

	out, err := env.run(t, "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "LOCAL_ADDED")
	assert.Contains(t, out, "a.txt")
	assert.Contains(t, out, "1 synced, 0 conflicts, 0 failed")

	out, err = env.run(t, "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "Everything up to date")

	_, err = os.Stat(filepath.Join(env.dir, "state", "logs", "sealbox.log"))
	assert.NoError(t, err)
}

func TestSyncCommand_InvalidConfig(t *testing.T) {
	env := newCLIEnv(t)
	_, err := execute(t, "sync", "--config", filepath.Join(env.dir, "missing.json"), "--server", "ftp://nope")
	assert.ErrorContains(t, err, "server url")
}

func TestPasswdCommand(t *testing.T) {
	env := newCLIEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(env.syncDir, "a.txt"), []byte("a"), 0o644))
	_, err := env.run(t, "sync")
	require.NoError(t, err)

	t.Setenv("SEALBOX_NEW_PASSWORD", "new")
	out, err := env.run(t, "passwd")
	require.NoError(t, err)
	assert.Contains(t, out, "Password changed")

	_, err = env.run(t, "sync")
	assert.Error(t, err)

	t.Setenv("SEALBOX_PASSWORD", "new")
	out, err = env.run(t, "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "Everything up to date")
}
