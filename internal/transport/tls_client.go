package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultMaxIdle     = 4
	defaultDialTimeout = 15 * time.Second
)

type DialFunc func(ctx context.Context) (net.Conn, error)

type TLSOptions struct {
	// Addr is host:port of the sync server.
	Addr string
	// RootCAs holds the trusted server certificate. Nil uses the system pool.
	RootCAs    *x509.CertPool
	ServerName string
	User       string
	Token      string
	ClientID   string
	MaxIdle    int
}

// TLSClient speaks the framed JSON protocol over TLS. Connections are
// authenticated once with a login exchange and then reused for one
// operation at a time.
type TLSClient struct {
	opts   TLSOptions
	dial   DialFunc
	idle   chan *conn
	mu     sync.Mutex
	closed bool
}

var _ Transport = (*TLSClient)(nil)

func NewTLSClient(opts TLSOptions) (*TLSClient, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("%w: missing address", ErrInvalidURL)
	}
	serverName := opts.ServerName
	if serverName == "" {
		host, _, err := net.SplitHostPort(opts.Addr)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
		}
		serverName = host
	}

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: defaultDialTimeout},
		Config: &tls.Config{
			RootCAs:    opts.RootCAs,
			ServerName: serverName,
			MinVersion: tls.VersionTLS12,
		},
	}
	dial := func(ctx context.Context) (net.Conn, error) {
		return dialer.DialContext(ctx, "tcp", opts.Addr)
	}
	return newClientWithDialer(opts, dial), nil
}

func newClientWithDialer(opts TLSOptions, dial DialFunc) *TLSClient {
	if opts.MaxIdle <= 0 {
		opts.MaxIdle = defaultMaxIdle
	}
	return &TLSClient{
		opts: opts,
		dial: dial,
		idle: make(chan *conn, opts.MaxIdle),
	}
}

type conn struct {
	raw net.Conn
	r   *bufio.Reader
	w   *bufio.Writer
}

func (cn *conn) Close() error {
	return cn.raw.Close()
}

func (c *TLSClient) get(ctx context.Context) (*conn, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	select {
	case cn := <-c.idle:
		return cn, nil
	default:
	}

	raw, err := c.dial(ctx)
	if err != nil {
		return nil, &Error{Op: "connect", Err: err}
	}
	cn := &conn{raw: raw, r: bufio.NewReader(raw), w: bufio.NewWriter(raw)}

	resp, err := c.roundTrip(ctx, cn, &Request{
		Action: ActionLogin,
		User:   c.opts.User,
		Token:  c.opts.Token,
		Client: c.opts.ClientID,
	})
	if err != nil {
		cn.Close()
		return nil, err
	}
	if err := resp.Err(); err != nil {
		cn.Close()
		return nil, fmt.Errorf("%w: %w", ErrAuthentication, err)
	}
	slog.Debug("transport connected", "addr", c.opts.Addr)
	return cn, nil
}

func (c *TLSClient) put(cn *conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		cn.Close()
		return
	}
	select {
	case c.idle <- cn:
	default:
		cn.Close()
	}
}

// roundTrip sends one control frame and reads one control frame back. A
// non-nil error means the connection is unusable.
func (c *TLSClient) roundTrip(ctx context.Context, cn *conn, req *Request) (*Response, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if deadline, ok := ctx.Deadline(); ok {
		cn.raw.SetDeadline(deadline)
	} else {
		cn.raw.SetDeadline(time.Time{})
	}

	if err := WriteFrame(cn.w, req); err != nil {
		return nil, &Error{Op: req.Action, Err: err}
	}
	if err := cn.w.Flush(); err != nil {
		return nil, &Error{Op: req.Action, Err: err}
	}
	return c.readResponse(cn, req)
}

func (c *TLSClient) readResponse(cn *conn, req *Request) (*Response, error) {
	var resp Response
	if err := ReadFrame(cn.r, &resp); err != nil {
		return nil, &Error{Op: req.Action, Err: err}
	}
	if resp.ID != "" && resp.ID != req.ID {
		return nil, &Error{Op: req.Action, Err: fmt.Errorf("response id %q does not match request %q", resp.ID, req.ID)}
	}
	return &resp, nil
}

// exchange runs a control-only operation and returns the connection to the
// pool.
func (c *TLSClient) exchange(ctx context.Context, req *Request) (*Response, error) {
	cn, err := c.get(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := c.roundTrip(ctx, cn, req)
	if err != nil {
		cn.Close()
		return nil, err
	}
	c.put(cn)
	if err := resp.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", req.Action, err)
	}
	return resp, nil
}

func (c *TLSClient) CatalogueExists(ctx context.Context) (bool, error) {
	resp, err := c.exchange(ctx, &Request{Action: ActionCatalogueExists})
	if err != nil {
		return false, err
	}
	return resp.Exists, nil
}

func (c *TLSClient) OpenCatalogue(ctx context.Context) (io.ReadCloser, error) {
	return c.download(ctx, &Request{Action: ActionGetCatalogue})
}

func (c *TLSClient) StoreCatalogue(ctx context.Context) (Upload, error) {
	return c.upload(ctx, &Request{Action: ActionPutCatalogue})
}

func (c *TLSClient) OpenFile(ctx context.Context, location string) (io.ReadCloser, error) {
	return c.download(ctx, &Request{Action: ActionGetFile, Location: location})
}

func (c *TLSClient) CreateFile(ctx context.Context) (Upload, error) {
	return c.upload(ctx, &Request{Action: ActionCreateFile})
}

func (c *TLSClient) UpdateFile(ctx context.Context, location string) (Upload, error) {
	return c.upload(ctx, &Request{Action: ActionUpdateFile, Location: location})
}

func (c *TLSClient) DeleteFile(ctx context.Context, location string) error {
	_, err := c.exchange(ctx, &Request{Action: ActionDeleteFile, Location: location})
	return err
}

func (c *TLSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	for {
		select {
		case cn := <-c.idle:
			cn.Close()
		default:
			return nil
		}
	}
}

func (c *TLSClient) download(ctx context.Context, req *Request) (io.ReadCloser, error) {
	cn, err := c.get(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := c.roundTrip(ctx, cn, req)
	if err != nil {
		cn.Close()
		return nil, err
	}
	if err := resp.Err(); err != nil {
		c.put(cn)
		return nil, fmt.Errorf("%s: %w", req.Action, err)
	}
	return &downloadReader{
		client: c,
		cn:     cn,
		op:     req.Action,
		body:   io.LimitedReader{R: cn.r, N: resp.Size},
	}, nil
}

type downloadReader struct {
	client *TLSClient
	cn     *conn
	op     string
	body   io.LimitedReader
	closed bool
}

func (d *downloadReader) Read(p []byte) (int, error) {
	if d.closed {
		return 0, ErrClosed
	}
	n, err := d.body.Read(p)
	if err == io.EOF && d.body.N > 0 {
		return n, &Error{Op: d.op, Err: io.ErrUnexpectedEOF}
	}
	if err != nil && err != io.EOF {
		return n, &Error{Op: d.op, Err: err}
	}
	return n, err
}

// Close returns the connection to the pool if the body was fully consumed,
// otherwise the connection is dropped since the stream position is unknown.
func (d *downloadReader) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	if d.body.N == 0 {
		d.client.put(d.cn)
		return nil
	}
	return d.cn.Close()
}

func (c *TLSClient) upload(ctx context.Context, req *Request) (Upload, error) {
	cn, err := c.get(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := c.roundTrip(ctx, cn, req)
	if err != nil {
		cn.Close()
		return nil, err
	}
	if err := resp.Err(); err != nil {
		c.put(cn)
		return nil, fmt.Errorf("%s: %w", req.Action, err)
	}

	location := resp.Location
	if location == "" {
		location = req.Location
	}
	return &tlsUpload{
		client:   c,
		cn:       cn,
		req:      req,
		location: location,
		body:     NewChunkWriter(cn.w),
	}, nil
}

type tlsUpload struct {
	client   *TLSClient
	cn       *conn
	req      *Request
	location string
	body     *ChunkWriter
	finished bool
}

func (u *tlsUpload) Location() string { return u.location }

func (u *tlsUpload) Write(p []byte) (int, error) {
	if u.finished {
		return 0, ErrClosed
	}
	n, err := u.body.Write(p)
	if err != nil {
		u.fail()
		return n, &Error{Op: u.req.Action, Err: err}
	}
	return n, nil
}

func (u *tlsUpload) Commit() error {
	if u.finished {
		return ErrClosed
	}
	if err := u.body.Finish(); err != nil {
		u.fail()
		return &Error{Op: u.req.Action, Err: err}
	}
	if err := u.cn.w.Flush(); err != nil {
		u.fail()
		return &Error{Op: u.req.Action, Err: err}
	}

	resp, err := u.client.readResponse(u.cn, u.req)
	if err != nil {
		u.fail()
		return err
	}
	u.finished = true
	u.client.put(u.cn)
	if err := resp.Err(); err != nil {
		return fmt.Errorf("%s: %w", u.req.Action, err)
	}
	return nil
}

// Abort drops the connection; the server discards any body that was not
// terminated.
func (u *tlsUpload) Abort() error {
	if u.finished {
		return nil
	}
	u.fail()
	return nil
}

func (u *tlsUpload) fail() {
	u.finished = true
	if err := u.cn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		slog.Debug("transport close", "error", err)
	}
}
