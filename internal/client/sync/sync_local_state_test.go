package sync

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncLocalState_Scan(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/sync/a.txt", []byte("a"), 0o644))
	require.NoError(t, afero.WriteFile(fsys, "/sync/dir/b.txt", []byte("bb"), 0o644))
	require.NoError(t, afero.WriteFile(fsys, "/sync/.git/config", []byte("x"), 0o644))
	require.NoError(t, afero.WriteFile(fsys, "/sync/.b.txt.1234.sealtmp", []byte("x"), 0o644))
	require.NoError(t, fsys.MkdirAll("/sync/empty", 0o755))

	state := NewSyncLocalState(fsys, "/sync", NewSyncIgnoreList(fsys, "/sync"))
	snap, err := state.Scan()
	require.NoError(t, err)

	require.Len(t, snap, 2)
	assert.Equal(t, h("a"), snap["a.txt"].Digest)
	assert.Equal(t, int64(2), snap["dir/b.txt"].Size)
	assert.Equal(t, "dir/b.txt", snap["dir/b.txt"].Name)
}

func TestSyncLocalState_ScanMissingRoot(t *testing.T) {
	state := NewSyncLocalState(afero.NewMemMapFs(), "/nope", nil)
	_, err := state.Scan()
	assert.Error(t, err)
}

func TestSyncLocalState_Stat(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/sync/a.txt", []byte("a"), 0o644))
	require.NoError(t, fsys.MkdirAll("/sync/dir", 0o755))

	state := NewSyncLocalState(fsys, "/sync", NewSyncIgnoreList(fsys, "/sync"))

	meta, err := state.Stat("a.txt")
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, h("a"), meta.Digest)

	for _, name := range []string{"missing.txt", "dir", ".DS_Store"} {
		meta, err := state.Stat(name)
		require.NoError(t, err)
		assert.Nil(t, meta, name)
	}
}

func TestSyncLocalState_DigestFollowsContent(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/sync/a.txt", []byte("a"), 0o644))
	state := NewSyncLocalState(fsys, "/sync", nil)

	meta, err := state.Stat("a.txt")
	require.NoError(t, err)
	assert.Equal(t, h("a"), meta.Digest)

	require.NoError(t, afero.WriteFile(fsys, "/sync/a.txt", []byte("changed"), 0o644))
	meta, err = state.Stat("a.txt")
	require.NoError(t, err)
	assert.Equal(t, h("changed"), meta.Digest)
}
