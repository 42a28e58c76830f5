package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeServer struct {
	mu        sync.Mutex
	catalogue []byte
	blobs     map[string][]byte
	dials     atomic.Int32
	token     string
}

func newFakeServer() *fakeServer {
	return &fakeServer{blobs: make(map[string][]byte), token: "secret"}
}

func (f *fakeServer) client(t *testing.T, token string) *TLSClient {
	t.Helper()
	c := newClientWithDialer(TLSOptions{Addr: "pipe", User: "alice", Token: token}, func(ctx context.Context) (net.Conn, error) {
		f.dials.Add(1)
		client, server := net.Pipe()
		go f.serve(server)
		return client, nil
	})
	t.Cleanup(func() { c.Close() })
	return c
}

func (f *fakeServer) serve(c net.Conn) {
	defer c.Close()
	r := bufio.NewReader(c)
	w := bufio.NewWriter(c)

	reply := func(resp *Response) error {
		if err := WriteFrame(w, resp); err != nil {
			return err
		}
		return w.Flush()
	}
	fail := func(id, code string) error {
		return reply(&Response{ID: id, Code: code, Error: code})
	}

	authed := false
	for {
		var req Request
		if err := ReadFrame(r, &req); err != nil {
			return
		}
		if !authed {
			if req.Action != ActionLogin || req.Token != f.token {
				fail(req.ID, CodeAuthFailed)
				return
			}
			authed = true
			if reply(&Response{ID: req.ID, Success: true}) != nil {
				return
			}
			continue
		}

		var err error
		switch req.Action {
		case ActionCatalogueExists:
			f.mu.Lock()
			exists := f.catalogue != nil
			f.mu.Unlock()
			err = reply(&Response{ID: req.ID, Success: true, Exists: exists})

		case ActionGetCatalogue, ActionGetFile:
			f.mu.Lock()
			data, ok := f.catalogue, f.catalogue != nil
			if req.Action == ActionGetFile {
				data, ok = f.blobs[req.Location]
			}
			f.mu.Unlock()
			if !ok {
				err = fail(req.ID, CodeNotFound)
				break
			}
			if err = WriteFrame(w, &Response{ID: req.ID, Success: true, Size: int64(len(data))}); err == nil {
				w.Write(data)
				err = w.Flush()
			}

		case ActionPutCatalogue, ActionCreateFile, ActionUpdateFile:
			location := req.Location
			if req.Action == ActionCreateFile {
				location = uuid.NewString()
			}
			if req.Action == ActionUpdateFile {
				f.mu.Lock()
				_, ok := f.blobs[location]
				f.mu.Unlock()
				if !ok {
					err = fail(req.ID, CodeNotFound)
					break
				}
			}
			if err = reply(&Response{ID: req.ID, Success: true, Location: location}); err != nil {
				break
			}
			var body []byte
			body, err = io.ReadAll(NewChunkReader(r))
			if err != nil {
				return
			}
			f.mu.Lock()
			if req.Action == ActionPutCatalogue {
				f.catalogue = body
			} else {
				f.blobs[location] = body
			}
			f.mu.Unlock()
			err = reply(&Response{ID: req.ID, Success: true})

		case ActionDeleteFile:
			f.mu.Lock()
			_, ok := f.blobs[req.Location]
			delete(f.blobs, req.Location)
			f.mu.Unlock()
			if !ok {
				err = fail(req.ID, CodeNotFound)
				break
			}
			err = reply(&Response{ID: req.ID, Success: true})

		default:
			err = fail(req.ID, CodeInvalidRequest)
		}
		if err != nil {
			return
		}
	}
}

func upload(t *testing.T, u Upload, data string) {
	t.Helper()
	_, err := io.Copy(u, strings.NewReader(data))
	require.NoError(t, err)
	require.NoError(t, u.Commit())
}

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	return string(data)
}

func TestTLSClient_CatalogueRoundTrip(t *testing.T) {
	srv := newFakeServer()
	c := srv.client(t, "secret")
	ctx := context.Background()

	exists, err := c.CatalogueExists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)

	u, err := c.StoreCatalogue(ctx)
	require.NoError(t, err)
	upload(t, u, "sealed catalogue")

	exists, err = c.CatalogueExists(ctx)
	require.NoError(t, err)
	assert.True(t, exists)

	rc, err := c.OpenCatalogue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sealed catalogue", readAll(t, rc))

	assert.Equal(t, int32(1), srv.dials.Load(), "connection should be reused")
}

func TestTLSClient_FileLifecycle(t *testing.T) {
	srv := newFakeServer()
	c := srv.client(t, "secret")
	ctx := context.Background()

	u, err := c.CreateFile(ctx)
	require.NoError(t, err)
	location := u.Location()
	require.NotEmpty(t, location)
	upload(t, u, strings.Repeat("x", 3*maxChunkSize+7))

	rc, err := c.OpenFile(ctx, location)
	require.NoError(t, err)
	assert.Len(t, readAll(t, rc), 3*maxChunkSize+7)

	u, err = c.UpdateFile(ctx, location)
	require.NoError(t, err)
	assert.Equal(t, location, u.Location())
	upload(t, u, "v2")

	rc, err = c.OpenFile(ctx, location)
	require.NoError(t, err)
	assert.Equal(t, "v2", readAll(t, rc))

	require.NoError(t, c.DeleteFile(ctx, location))

	_, err = c.OpenFile(ctx, location)
	assert.ErrorIs(t, err, ErrNotFound)

	err = c.DeleteFile(ctx, location)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.UpdateFile(ctx, location)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTLSClient_BadCredentials(t *testing.T) {
	srv := newFakeServer()
	c := srv.client(t, "wrong")

	_, err := c.CatalogueExists(context.Background())
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestTLSClient_AbortDropsConnection(t *testing.T) {
	srv := newFakeServer()
	c := srv.client(t, "secret")
	ctx := context.Background()

	u, err := c.CreateFile(ctx)
	require.NoError(t, err)
	_, err = u.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, u.Abort())

	_, err = u.Write([]byte("more"))
	assert.ErrorIs(t, err, ErrClosed)

	_, err = c.CatalogueExists(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), srv.dials.Load())

	srv.mu.Lock()
	_, stored := srv.blobs[u.Location()]
	srv.mu.Unlock()
	assert.False(t, stored)
}

func TestTLSClient_UnreadDownloadDropsConnection(t *testing.T) {
	srv := newFakeServer()
	srv.catalogue = []byte(strings.Repeat("c", 1024))
	c := srv.client(t, "secret")
	ctx := context.Background()

	rc, err := c.OpenCatalogue(ctx)
	require.NoError(t, err)
	buf := make([]byte, 10)
	_, err = io.ReadFull(rc, buf)
	require.NoError(t, err)
	require.NoError(t, rc.Close())

	_, err = c.CatalogueExists(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), srv.dials.Load())
}

func TestTLSClient_ConnectFailure(t *testing.T) {
	dialErr := errors.New("connection refused")
	c := newClientWithDialer(TLSOptions{Addr: "pipe"}, func(ctx context.Context) (net.Conn, error) {
		return nil, dialErr
	})

	_, err := c.CatalogueExists(context.Background())
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "connect", terr.Op)
	assert.ErrorIs(t, err, dialErr)
}

func TestTLSClient_Closed(t *testing.T) {
	srv := newFakeServer()
	c := srv.client(t, "secret")
	require.NoError(t, c.Close())

	_, err := c.CatalogueExists(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
