// Package transport moves opaque bytes between the client and the server.
// It knows nothing about encryption: everything it carries has already been
// sealed by the caller.
package transport

import (
	"context"
	"io"
)

// Upload is a write destination on the server. Bytes become visible only
// after Commit; Abort discards everything written so far and leaves any
// previously committed content at the same location untouched.
type Upload interface {
	io.Writer
	// Location is the storage handle the content will live at. Empty for
	// the catalogue blob.
	Location() string
	Commit() error
	Abort() error
}

// Transport is the set of operations the sync client needs from the server.
type Transport interface {
	CatalogueExists(ctx context.Context) (bool, error)
	OpenCatalogue(ctx context.Context) (io.ReadCloser, error)
	StoreCatalogue(ctx context.Context) (Upload, error)

	OpenFile(ctx context.Context, location string) (io.ReadCloser, error)
	CreateFile(ctx context.Context) (Upload, error)
	UpdateFile(ctx context.Context, location string) (Upload, error)
	DeleteFile(ctx context.Context, location string) error

	Close() error
}
