package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

const (
	catalogueName = "keyfile.bin"
	blobsDir      = "blobs"
	partPrefix    = ".part-"
)

// DirTransport stores the catalogue and blobs in a directory. It backs
// dir:// server URLs and the engine tests.
type DirTransport struct {
	fs   afero.Fs
	root string
}

var _ Transport = (*DirTransport)(nil)

func NewDirTransport(fsys afero.Fs, root string) (*DirTransport, error) {
	if err := fsys.MkdirAll(filepath.Join(root, blobsDir), 0o700); err != nil {
		return nil, &Error{Op: "init", Err: err}
	}
	return &DirTransport{fs: fsys, root: root}, nil
}

func (d *DirTransport) cataloguePath() string {
	return filepath.Join(d.root, catalogueName)
}

func (d *DirTransport) blobPath(location string) (string, error) {
	if location == "" || strings.ContainsAny(location, `/\`) || strings.HasPrefix(location, ".") {
		return "", fmt.Errorf("%w: bad location %q", ErrNotFound, location)
	}
	return filepath.Join(d.root, blobsDir, location), nil
}

func (d *DirTransport) CatalogueExists(ctx context.Context) (bool, error) {
	ok, err := afero.Exists(d.fs, d.cataloguePath())
	if err != nil {
		return false, &Error{Op: ActionCatalogueExists, Err: err}
	}
	return ok, nil
}

func (d *DirTransport) OpenCatalogue(ctx context.Context) (io.ReadCloser, error) {
	return d.open(ActionGetCatalogue, d.cataloguePath())
}

func (d *DirTransport) StoreCatalogue(ctx context.Context) (Upload, error) {
	return d.create(ActionPutCatalogue, catalogueName, d.cataloguePath())
}

func (d *DirTransport) OpenFile(ctx context.Context, location string) (io.ReadCloser, error) {
	path, err := d.blobPath(location)
	if err != nil {
		return nil, err
	}
	return d.open(ActionGetFile, path)
}

func (d *DirTransport) CreateFile(ctx context.Context) (Upload, error) {
	location := uuid.NewString()
	path, _ := d.blobPath(location)
	return d.create(ActionCreateFile, location, path)
}

func (d *DirTransport) UpdateFile(ctx context.Context, location string) (Upload, error) {
	path, err := d.blobPath(location)
	if err != nil {
		return nil, err
	}
	ok, err := afero.Exists(d.fs, path)
	if err != nil {
		return nil, &Error{Op: ActionUpdateFile, Err: err}
	}
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", ActionUpdateFile, location, ErrNotFound)
	}
	return d.create(ActionUpdateFile, location, path)
}

func (d *DirTransport) DeleteFile(ctx context.Context, location string) error {
	path, err := d.blobPath(location)
	if err != nil {
		return err
	}
	if err := d.fs.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s %s: %w", ActionDeleteFile, location, ErrNotFound)
		}
		return &Error{Op: ActionDeleteFile, Err: err}
	}
	return nil
}

func (d *DirTransport) Close() error { return nil }

func (d *DirTransport) open(op, path string) (io.ReadCloser, error) {
	f, err := d.fs.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
		}
		return nil, &Error{Op: op, Err: err}
	}
	return f, nil
}

// create writes into a hidden sibling that is renamed over the target on
// commit, so readers never observe a partial blob.
func (d *DirTransport) create(op, location, path string) (Upload, error) {
	tmp := filepath.Join(filepath.Dir(path), partPrefix+uuid.NewString())
	f, err := d.fs.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	return &dirUpload{fs: d.fs, op: op, f: f, tmp: tmp, path: path, location: location}, nil
}

type dirUpload struct {
	fs       afero.Fs
	op       string
	f        afero.File
	tmp      string
	path     string
	location string
	done     bool
}

func (u *dirUpload) Location() string { return u.location }

func (u *dirUpload) Write(p []byte) (int, error) {
	if u.done {
		return 0, ErrClosed
	}
	n, err := u.f.Write(p)
	if err != nil {
		return n, &Error{Op: u.op, Err: err}
	}
	return n, nil
}

func (u *dirUpload) Commit() error {
	if u.done {
		return ErrClosed
	}
	u.done = true
	if err := u.f.Close(); err != nil {
		u.fs.Remove(u.tmp)
		return &Error{Op: u.op, Err: err}
	}
	if err := u.fs.Rename(u.tmp, u.path); err != nil {
		u.fs.Remove(u.tmp)
		return &Error{Op: u.op, Err: err}
	}
	return nil
}

func (u *dirUpload) Abort() error {
	if u.done {
		return nil
	}
	u.done = true
	u.f.Close()
	if err := u.fs.Remove(u.tmp); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &Error{Op: u.op, Err: err}
	}
	return nil
}
