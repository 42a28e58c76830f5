package seal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/openmined/sealbox/internal/catalog"
	"github.com/openmined/sealbox/internal/transport"
)

type VaultOptions struct {
	// Iterations is the PBKDF2 count used when a new salt is generated.
	Iterations int
	// LegacyIV enables decoding content sealed by older clients with a fixed
	// IV. Nil disables the legacy decode path.
	LegacyIV []byte
}

// Vault manages the sealed catalogue and per-file keys on top of a
// transport. The catalogue is cached between fetches; updates are applied to
// a copy and swapped in only once the sealed blob has been committed.
type Vault struct {
	transport  transport.Transport
	iterations int
	legacyIV   []byte

	mu       sync.Mutex
	password string
	master   *MasterKey
	cat      *catalog.KeyFile
}

func NewVault(t transport.Transport, password string, opts VaultOptions) (*Vault, error) {
	if opts.Iterations == 0 {
		opts.Iterations = DefaultIterations
	}
	if opts.Iterations < 0 || opts.Iterations > maxIterations {
		return nil, fmt.Errorf("seal: iteration count %d out of range", opts.Iterations)
	}
	if opts.LegacyIV != nil && len(opts.LegacyIV) != IVSize {
		return nil, fmt.Errorf("seal: legacy iv must be %d bytes", IVSize)
	}
	return &Vault{
		transport:  t,
		iterations: opts.Iterations,
		legacyIV:   opts.LegacyIV,
		password:   password,
	}, nil
}

// Init loads the catalogue, storing an empty one first if the server has
// none yet.
func (v *Vault) Init(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	exists, err := v.transport.CatalogueExists(ctx)
	if err != nil {
		return fmt.Errorf("check catalogue: %w", err)
	}
	if exists {
		return v.load(ctx)
	}

	m, err := NewMasterKey(v.password, v.iterations)
	if err != nil {
		return err
	}
	kf := catalog.New()
	if err := v.store(ctx, m, kf); err != nil {
		return fmt.Errorf("create catalogue: %w", err)
	}
	v.master, v.cat = m, kf
	slog.Info("vault created empty catalogue", "iterations", v.iterations)
	return nil
}

// FetchCatalogue downloads and opens the current catalogue. The returned
// copy is the caller's to read; changes go through UpdateCatalogue.
func (v *Vault) FetchCatalogue(ctx context.Context) (*catalog.KeyFile, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.load(ctx); err != nil {
		return nil, err
	}
	return v.cat.Clone(), nil
}

// UpdateCatalogue applies fn to a copy of the cached catalogue and stores
// the result. If fn or the upload fails, the cache and the stored blob stay
// as they were.
func (v *Vault) UpdateCatalogue(ctx context.Context, fn func(kf *catalog.KeyFile) error) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.cat == nil {
		if err := v.load(ctx); err != nil {
			return err
		}
	}
	next := v.cat.Clone()
	if err := fn(next); err != nil {
		return err
	}
	if err := v.store(ctx, v.master, next); err != nil {
		return fmt.Errorf("store catalogue: %w", err)
	}
	v.cat = next
	return nil
}

// ChangePassword reseals the catalogue under newPassword and a fresh salt.
// oldPassword must open the stored catalogue. On any failure the stored blob
// still opens with oldPassword and the vault keeps using it.
func (v *Vault) ChangePassword(ctx context.Context, oldPassword, newPassword string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	kf, _, err := v.fetch(ctx, oldPassword, nil)
	if err != nil {
		return fmt.Errorf("open catalogue with old password: %w", err)
	}
	m, err := NewMasterKey(newPassword, v.iterations)
	if err != nil {
		return err
	}
	if err := v.store(ctx, m, kf); err != nil {
		return fmt.Errorf("store resealed catalogue: %w", err)
	}
	v.password, v.master, v.cat = newPassword, m, kf
	slog.Info("vault password changed")
	return nil
}

func (v *Vault) load(ctx context.Context) error {
	kf, m, err := v.fetch(ctx, v.password, v.master)
	if err != nil {
		return err
	}
	v.master, v.cat = m, kf
	return nil
}

func (v *Vault) fetch(ctx context.Context, password string, cached *MasterKey) (*catalog.KeyFile, *MasterKey, error) {
	kf, m, err := v.read(ctx, password, nil, cached)
	if err == nil || v.legacyIV == nil || !errors.Is(err, ErrDecrypt) {
		return kf, m, err
	}

	kf, m, lerr := v.read(ctx, password, v.legacyIV, cached)
	if lerr != nil {
		return nil, nil, err
	}
	slog.Warn("vault opened legacy fixed-iv catalogue, it will be resealed on next update")
	return kf, m, nil
}

func (v *Vault) read(ctx context.Context, password string, legacyIV []byte, cached *MasterKey) (*catalog.KeyFile, *MasterKey, error) {
	rc, err := v.transport.OpenCatalogue(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("open catalogue: %w", err)
	}
	defer rc.Close()
	return readCatalogue(rc, password, legacyIV, cached)
}

func (v *Vault) store(ctx context.Context, m *MasterKey, kf *catalog.KeyFile) error {
	up, err := v.transport.StoreCatalogue(ctx)
	if err != nil {
		return err
	}
	if err := WriteCatalogue(up, m, kf); err != nil {
		up.Abort()
		return err
	}
	return up.Commit()
}

// OpenFile returns the plaintext of f. The entry is validated before any
// transfer starts.
func (v *Vault) OpenFile(ctx context.Context, f catalog.ClientFile) (io.ReadCloser, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if f.Scheme == catalog.SchemeLegacyIV && v.legacyIV == nil {
		return nil, fmt.Errorf("%q: %w", f.Name, ErrLegacyScheme)
	}

	rc, err := v.transport.OpenFile(ctx, f.Location)
	if err != nil {
		return nil, err
	}

	var dec *Reader
	switch f.Scheme {
	case catalog.SchemeLegacyIV:
		dec, err = NewReaderIV(rc, f.Key, v.legacyIV)
	default:
		dec, err = NewReader(rc, f.Key)
	}
	if err != nil {
		rc.Close()
		return nil, err
	}
	return &fileReader{Reader: dec, body: rc}, nil
}

type fileReader struct {
	*Reader
	body io.Closer
}

func (f *fileReader) Close() error { return f.body.Close() }

// CreateFile starts an upload of new content under a fresh per-file key.
func (v *Vault) CreateFile(ctx context.Context) (*FileWriter, error) {
	key, err := NewFileKey()
	if err != nil {
		return nil, err
	}
	up, err := v.transport.CreateFile(ctx)
	if err != nil {
		return nil, err
	}
	return newFileWriter(up, key)
}

// UpdateFile starts an upload replacing the content at f's location, sealed
// with f's existing key and a fresh IV.
func (v *Vault) UpdateFile(ctx context.Context, f catalog.ClientFile) (*FileWriter, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	up, err := v.transport.UpdateFile(ctx, f.Location)
	if err != nil {
		return nil, err
	}
	return newFileWriter(up, f.Key)
}

func (v *Vault) DeleteFile(ctx context.Context, location string) error {
	return v.transport.DeleteFile(ctx, location)
}

// FileWriter seals plaintext into a pending upload. Nothing is visible on the
// server until Commit succeeds.
type FileWriter struct {
	up  transport.Upload
	enc *Writer
	key []byte
}

func newFileWriter(up transport.Upload, key []byte) (*FileWriter, error) {
	enc, err := NewWriter(up, key)
	if err != nil {
		up.Abort()
		return nil, err
	}
	return &FileWriter{up: up, enc: enc, key: key}, nil
}

func (w *FileWriter) Write(p []byte) (int, error) { return w.enc.Write(p) }

func (w *FileWriter) Location() string { return w.up.Location() }

func (w *FileWriter) Key() []byte { return w.key }

func (w *FileWriter) Scheme() catalog.Scheme { return catalog.SchemeRandomIV }

func (w *FileWriter) Commit() error {
	if err := w.enc.Close(); err != nil {
		w.up.Abort()
		return err
	}
	return w.up.Commit()
}

func (w *FileWriter) Abort() error { return w.up.Abort() }
