package sync

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openmined/sealbox/internal/catalog"
	"github.com/openmined/sealbox/internal/codec"
	"github.com/openmined/sealbox/internal/gate"
	"github.com/openmined/sealbox/internal/seal"
	"github.com/openmined/sealbox/internal/transport"
	"github.com/openmined/sealbox/internal/utils"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRoot = "/sync"

type testEnv struct {
	fs     afero.Fs
	tr     *transport.DirTransport
	gate   *gate.Gate
	store  *HashStore
	engine *SyncEngine
	// remote plays a second device sharing the same catalogue
	remote *seal.Vault
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll(testRoot, 0o755))

	tr, err := transport.NewDirTransport(fsys, "/srv")
	require.NoError(t, err)

	vault, err := seal.NewVault(tr, "pw", seal.VaultOptions{})
	require.NoError(t, err)
	require.NoError(t, vault.Init(ctx))

	remote, err := seal.NewVault(tr, "pw", seal.VaultOptions{})
	require.NoError(t, err)
	require.NoError(t, remote.Init(ctx))

	g := gate.New()
	store := newHashStore(t)
	engine, err := NewSyncEngine(SyncEngineConfig{
		Fs:      fsys,
		RootDir: testRoot,
		Vault:   vault,
		Store:   store,
		Gate:    g,
	})
	require.NoError(t, err)

	return &testEnv{fs: fsys, tr: tr, gate: g, store: store, engine: engine, remote: remote}
}

func (e *testEnv) writeLocal(t *testing.T, name, content string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(e.fs, pathFromName(testRoot, name), []byte(content), 0o644))
}

func (e *testEnv) readLocal(t *testing.T, name string) (string, bool) {
	t.Helper()
	b, err := afero.ReadFile(e.fs, pathFromName(testRoot, name))
	if err != nil {
		require.ErrorIs(t, err, fs.ErrNotExist)
		return "", false
	}
	return string(b), true
}

// putRemote uploads content from the remote device. hash overrides the
// recorded digest when set.
func (e *testEnv) putRemote(t *testing.T, name, content, hash string) catalog.ClientFile {
	t.Helper()
	ctx := context.Background()

	w, err := e.remote.CreateFile(ctx)
	require.NoError(t, err)
	_, err = w.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Commit())

	if hash == "" {
		hash = utils.HashBytes([]byte(content))
	}
	cf := catalog.ClientFile{
		Name:     name,
		Location: w.Location(),
		Key:      w.Key(),
		Hash:     hash,
		Scheme:   w.Scheme(),
	}
	_, err = e.remote.FetchCatalogue(ctx)
	require.NoError(t, err)
	require.NoError(t, e.remote.UpdateCatalogue(ctx, func(kf *catalog.KeyFile) error {
		return kf.Add(cf)
	}))
	return cf
}

// putRawRecord adds cf to the remote catalogue without validating it, the way
// a faulty client could have stored it.
func (e *testEnv) putRawRecord(t *testing.T, cf catalog.ClientFile) {
	t.Helper()
	ctx := context.Background()

	_, err := e.remote.FetchCatalogue(ctx)
	require.NoError(t, err)
	require.NoError(t, e.remote.UpdateCatalogue(ctx, func(kf *catalog.KeyFile) error {
		data, err := codec.Marshal(struct {
			Version int                  `json:"version"`
			Files   []catalog.ClientFile `json:"files"`
		}{Version: 1, Files: append(kf.Files(), cf)})
		if err != nil {
			return err
		}
		return codec.Unmarshal(data, kf)
	}))
}

func (e *testEnv) updateRemote(t *testing.T, name, content string) {
	t.Helper()
	ctx := context.Background()

	cf := e.remoteEntry(t, name)
	w, err := e.remote.UpdateFile(ctx, cf)
	require.NoError(t, err)
	_, err = w.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Commit())

	require.NoError(t, e.remote.UpdateCatalogue(ctx, func(kf *catalog.KeyFile) error {
		cf.Hash = utils.HashBytes([]byte(content))
		cf.Scheme = w.Scheme()
		return kf.Update(cf)
	}))
}

func (e *testEnv) removeRemote(t *testing.T, name string) {
	t.Helper()
	ctx := context.Background()

	cf := e.remoteEntry(t, name)
	require.NoError(t, e.remote.UpdateCatalogue(ctx, func(kf *catalog.KeyFile) error {
		kf.Remove(name)
		return nil
	}))
	require.NoError(t, e.remote.DeleteFile(ctx, cf.Location))
}

func (e *testEnv) remoteEntry(t *testing.T, name string) catalog.ClientFile {
	t.Helper()
	kf, err := e.remote.FetchCatalogue(context.Background())
	require.NoError(t, err)
	cf, ok := kf.Get(name)
	require.True(t, ok, "remote has no %s", name)
	return cf
}

func (e *testEnv) hasRemote(t *testing.T, name string) bool {
	t.Helper()
	kf, err := e.remote.FetchCatalogue(context.Background())
	require.NoError(t, err)
	_, ok := kf.Get(name)
	return ok
}

func (e *testEnv) readRemote(t *testing.T, name string) string {
	t.Helper()
	rc, err := e.remote.OpenFile(context.Background(), e.remoteEntry(t, name))
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(b)
}

func (e *testEnv) sync(t *testing.T) *SyncReport {
	t.Helper()
	report, err := e.engine.RunSync(context.Background())
	require.NoError(t, err)
	return report
}

func TestSyncEngine_ServerAdded(t *testing.T) {
	env := newTestEnv(t)
	env.putRemote(t, "dir/a.txt", "hello", "")

	report := env.sync(t)
	assert.Equal(t, []CompareResult{{Name: "dir/a.txt", Outcome: ServerAdded}}, report.Completed)
	assert.Empty(t, report.Failures)

	content, ok := env.readLocal(t, "dir/a.txt")
	require.True(t, ok)
	assert.Equal(t, "hello", content)

	digest, ok, err := env.store.Get("dir/a.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, utils.HashBytes([]byte("hello")), digest)

	// reconciled divergences are gone from the next cycle
	assert.Empty(t, env.sync(t).Results)
}

func TestSyncEngine_LocalAdded(t *testing.T) {
	env := newTestEnv(t)
	env.writeLocal(t, "notes.txt", "local content")

	report := env.sync(t)
	assert.Equal(t, []CompareResult{{Name: "notes.txt", Outcome: LocalAdded}}, report.Completed)
	assert.Equal(t, "local content", env.readRemote(t, "notes.txt"))
	assert.Equal(t, catalog.SchemeRandomIV, env.remoteEntry(t, "notes.txt").Scheme)

	assert.Empty(t, env.sync(t).Results)
}

func TestSyncEngine_LocalRemoved(t *testing.T) {
	env := newTestEnv(t)
	env.writeLocal(t, "a.txt", "a")
	env.sync(t)
	cf := env.remoteEntry(t, "a.txt")

	require.NoError(t, env.fs.Remove(pathFromName(testRoot, "a.txt")))
	report := env.sync(t)
	assert.Equal(t, []CompareResult{{Name: "a.txt", Outcome: LocalRemoved}}, report.Completed)

	assert.False(t, env.hasRemote(t, "a.txt"))
	_, err := env.tr.OpenFile(context.Background(), cf.Location)
	assert.ErrorIs(t, err, transport.ErrNotFound)
	_, ok, err := env.store.Get("a.txt")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSyncEngine_ServerRemoved(t *testing.T) {
	env := newTestEnv(t)
	env.putRemote(t, "a.txt", "a", "")
	env.sync(t)

	env.removeRemote(t, "a.txt")
	report := env.sync(t)
	assert.Equal(t, []CompareResult{{Name: "a.txt", Outcome: ServerRemoved}}, report.Completed)

	_, ok := env.readLocal(t, "a.txt")
	assert.False(t, ok)
	assert.Empty(t, env.sync(t).Results)
}

func TestSyncEngine_Updates(t *testing.T) {
	env := newTestEnv(t)
	env.putRemote(t, "server.txt", "v1", "")
	env.writeLocal(t, "local.txt", "v1")
	env.sync(t)

	env.updateRemote(t, "server.txt", "server v2")
	env.writeLocal(t, "local.txt", "local v2")

	report := env.sync(t)
	assert.ElementsMatch(t, []CompareResult{
		{Name: "server.txt", Outcome: ServerUpdated},
		{Name: "local.txt", Outcome: LocalUpdated},
	}, report.Completed)

	content, _ := env.readLocal(t, "server.txt")
	assert.Equal(t, "server v2", content)
	assert.Equal(t, "local v2", env.readRemote(t, "local.txt"))
	assert.Empty(t, env.sync(t).Results)
}

func TestSyncEngine_ConflictLeftUntouched(t *testing.T) {
	env := newTestEnv(t)
	env.putRemote(t, "a.txt", "base", "")
	env.sync(t)

	env.updateRemote(t, "a.txt", "server edit")
	env.writeLocal(t, "a.txt", "local edit!")

	report := env.sync(t)
	assert.Equal(t, []string{"a.txt"}, report.Conflicts)
	assert.Empty(t, report.Completed)
	assert.True(t, env.engine.Status().IsConflicted("a.txt"))
	assert.Len(t, report.Messages(), 1)

	content, _ := env.readLocal(t, "a.txt")
	assert.Equal(t, "local edit!", content)
	assert.Equal(t, "server edit", env.readRemote(t, "a.txt"))

	// resolving by hand clears the mark
	env.writeLocal(t, "a.txt", "server edit")
	report = env.sync(t)
	assert.Empty(t, report.Results)
	assert.Equal(t, 1, report.Adopted)
	assert.False(t, env.engine.Status().IsConflicted("a.txt"))
}

func TestSyncEngine_AdoptsIdenticalContent(t *testing.T) {
	env := newTestEnv(t)
	env.putRemote(t, "a.txt", "same", "")
	env.writeLocal(t, "a.txt", "same")

	report := env.sync(t)
	assert.Empty(t, report.Results)
	assert.Equal(t, 1, report.Adopted)

	_, ok, err := env.store.Get("a.txt")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSyncEngine_DigestMismatchIsIsolated(t *testing.T) {
	env := newTestEnv(t)
	env.putRemote(t, "bad.txt", "tampered", utils.HashBytes([]byte("expected")))
	env.putRemote(t, "good.txt", "fine", "")

	report := env.sync(t)
	assert.Equal(t, []CompareResult{{Name: "good.txt", Outcome: ServerAdded}}, report.Completed)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "bad.txt", report.Failures[0].Name)
	assert.ErrorIs(t, report.Failures[0], ErrDigestMismatch)

	_, ok := env.readLocal(t, "bad.txt")
	assert.False(t, ok)
	require.NoError(t, afero.Walk(env.fs, testRoot, func(path string, info fs.FileInfo, err error) error {
		assert.False(t, strings.HasSuffix(path, tempSuffix), path)
		return err
	}))

	status, ok := env.engine.Status().GetStatus("bad.txt")
	require.True(t, ok)
	assert.Equal(t, SyncStateError, status.SyncState)

	// retried on the next cycle
	report = env.sync(t)
	assert.Equal(t, []CompareResult{{Name: "bad.txt", Outcome: ServerAdded}}, report.Results)
}

func TestSyncEngine_InvalidRecordIsIsolated(t *testing.T) {
	env := newTestEnv(t)
	env.putRemote(t, "good.txt", "fine", "")
	env.putRawRecord(t, catalog.ClientFile{
		Name:     "bad.txt",
		Location: "nowhere",
		Hash:     utils.HashBytes([]byte("lost")),
		Scheme:   catalog.SchemeRandomIV,
	})

	report := env.sync(t)
	assert.Equal(t, []CompareResult{{Name: "good.txt", Outcome: ServerAdded}}, report.Completed)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "bad.txt", report.Failures[0].Name)
	assert.ErrorIs(t, report.Failures[0], catalog.ErrInvalidEntry)

	content, ok := env.readLocal(t, "good.txt")
	require.True(t, ok)
	assert.Equal(t, "fine", content)

	// uploads still reach the catalogue and the bad record survives them
	env.writeLocal(t, "new.txt", "more")
	report = env.sync(t)
	assert.Contains(t, report.Completed, CompareResult{Name: "new.txt", Outcome: LocalAdded})
	assert.True(t, env.hasRemote(t, "bad.txt"))
	assert.Equal(t, "more", env.readRemote(t, "new.txt"))
}

// catalogueOutage refuses catalogue uploads while down is set.
type catalogueOutage struct {
	transport.Transport
	down bool
}

func (c *catalogueOutage) StoreCatalogue(ctx context.Context) (transport.Upload, error) {
	if c.down {
		return nil, &transport.Error{Op: "put_keyfile", Err: io.ErrClosedPipe}
	}
	return c.Transport.StoreCatalogue(ctx)
}

func TestSyncEngine_UpdateWithoutCatalogue(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.putRemote(t, "a.txt", "v1", "")

	tr := &catalogueOutage{Transport: env.tr}
	vault, err := seal.NewVault(tr, "pw", seal.VaultOptions{})
	require.NoError(t, err)
	require.NoError(t, vault.Init(ctx))
	engine, err := NewSyncEngine(SyncEngineConfig{
		Fs:      env.fs,
		RootDir: testRoot,
		Vault:   vault,
		Store:   env.store,
		Gate:    env.gate,
	})
	require.NoError(t, err)

	_, err = engine.RunSync(ctx)
	require.NoError(t, err)

	env.writeLocal(t, "a.txt", "v2 changed")
	tr.down = true
	report, err := engine.RunSync(ctx)
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, LocalUpdated, report.Failures[0].Outcome)
	assert.ErrorIs(t, report.Failures[0], ErrCatalogueBehind)
	assert.ErrorIs(t, report.Failures[0], io.ErrClosedPipe)
	assert.Equal(t, utils.HashBytes([]byte("v1")), env.remoteEntry(t, "a.txt").Hash)

	tr.down = false
	report, err = engine.RunSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, []CompareResult{{Name: "a.txt", Outcome: LocalUpdated}}, report.Completed)
	assert.Equal(t, "v2 changed", env.readRemote(t, "a.txt"))
}

func TestSyncEngine_SkipsUnsafeAndIgnoredNames(t *testing.T) {
	env := newTestEnv(t)
	env.putRemote(t, "../escape.txt", "x", "")
	env.writeLocal(t, ".DS_Store", "junk")

	report := env.sync(t)
	assert.Empty(t, report.Results)

	exists, err := afero.Exists(env.fs, filepath.Join(filepath.Dir(testRoot), "escape.txt"))
	require.NoError(t, err)
	assert.False(t, exists)
	assert.False(t, env.hasRemote(t, ".DS_Store"))
}

func TestSyncEngine_Disabled(t *testing.T) {
	env := newTestEnv(t)
	env.writeLocal(t, "a.txt", "a")

	env.gate.WaitForStop()
	_, err := env.engine.RunSync(context.Background())
	assert.ErrorIs(t, err, ErrSyncDisabled)
	_, err = env.engine.SyncName(context.Background(), "a.txt")
	assert.ErrorIs(t, err, ErrSyncDisabled)
	assert.False(t, env.hasRemote(t, "a.txt"))

	env.gate.Reenable()
	report := env.sync(t)
	assert.Len(t, report.Completed, 1)
	assert.Equal(t, 0, env.gate.Open())
}

func TestSyncEngine_SyncName(t *testing.T) {
	env := newTestEnv(t)
	env.writeLocal(t, "a.txt", "a")
	env.writeLocal(t, "b.txt", "b")

	report, err := env.engine.SyncName(context.Background(), "a.txt")
	require.NoError(t, err)
	assert.Equal(t, []CompareResult{{Name: "a.txt", Outcome: LocalAdded}}, report.Completed)
	assert.True(t, env.hasRemote(t, "a.txt"))
	assert.False(t, env.hasRemote(t, "b.txt"))

	report, err = env.engine.SyncName(context.Background(), "a.txt")
	require.NoError(t, err)
	assert.Empty(t, report.Results)

	_, err = env.engine.SyncName(context.Background(), "../a.txt")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestSyncEngine_LargeFile(t *testing.T) {
	env := newTestEnv(t)
	content := bytes.Repeat([]byte("0123456789abcdef"), 4096+3)
	env.writeLocal(t, "big.bin", string(content))

	env.sync(t)
	assert.Equal(t, string(content), env.readRemote(t, "big.bin"))
}

func TestNewSyncEngine_Validates(t *testing.T) {
	_, err := NewSyncEngine(SyncEngineConfig{})
	assert.Error(t, err)
	_, err = NewSyncEngine(SyncEngineConfig{Fs: afero.NewMemMapFs(), RootDir: testRoot})
	assert.Error(t, err)
}
