package transport

import (
	"context"
	"crypto/x509"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/spf13/afero"
)

const defaultPort = "4433"

type Options struct {
	// CACert is the PEM-encoded certificate trusted for tls:// servers.
	CACert   []byte
	User     string
	Token    string
	ClientID string
	// S3 carries credentials for s3:// URLs. Bucket and Prefix come from the URL.
	S3 S3Options
	// Fs backs dir:// URLs. Defaults to the OS filesystem.
	Fs afero.Fs
}

// Open returns the transport for a server URL:
//
//	tls://host[:port]    framed protocol over TLS
//	dir:///path          a local or mounted directory
//	s3://bucket[/prefix] an S3 compatible bucket
func Open(ctx context.Context, rawURL string, opts Options) (Transport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}

	switch u.Scheme {
	case "tls":
		if u.Host == "" {
			return nil, fmt.Errorf("%w: missing host in %q", ErrInvalidURL, rawURL)
		}
		addr := u.Host
		if u.Port() == "" {
			addr = net.JoinHostPort(u.Hostname(), defaultPort)
		}
		var pool *x509.CertPool
		if len(opts.CACert) > 0 {
			pool = x509.NewCertPool()
			if !pool.AppendCertsFromPEM(opts.CACert) {
				return nil, fmt.Errorf("%w: no certificates in trusted cert", ErrInvalidURL)
			}
		}
		return NewTLSClient(TLSOptions{
			Addr:       addr,
			RootCAs:    pool,
			ServerName: u.Hostname(),
			User:       opts.User,
			Token:      opts.Token,
			ClientID:   opts.ClientID,
		})

	case "dir", "file":
		if u.Path == "" {
			return nil, fmt.Errorf("%w: missing path in %q", ErrInvalidURL, rawURL)
		}
		fsys := opts.Fs
		if fsys == nil {
			fsys = afero.NewOsFs()
		}
		return NewDirTransport(fsys, u.Path)

	case "s3":
		s3opts := opts.S3
		s3opts.Bucket = u.Host
		s3opts.Prefix = strings.Trim(u.Path, "/")
		return NewS3Transport(ctx, s3opts)
	}

	return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
}
