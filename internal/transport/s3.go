package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/spf13/afero"
)

type S3Options struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// s3API is the subset of *s3.Client the transport uses.
type s3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Transport keeps the catalogue and blobs as objects in a bucket. Uploads
// are spooled to a local temp file so PutObject gets a known content length.
type S3Transport struct {
	client s3API
	bucket string
	prefix string
	spool  afero.Fs
}

var _ Transport = (*S3Transport)(nil)

func NewS3Transport(ctx context.Context, opts S3Options) (*S3Transport, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("%w: missing bucket", ErrInvalidURL)
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          16,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithHTTPClient(httpClient),
	}
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Transport(client, opts.Bucket, opts.Prefix, afero.NewOsFs()), nil
}

func newS3Transport(client s3API, bucket, prefix string, spool afero.Fs) *S3Transport {
	return &S3Transport{client: client, bucket: bucket, prefix: prefix, spool: spool}
}

func (s *S3Transport) key(name string) string {
	return path.Join(s.prefix, name)
}

func (s *S3Transport) blobKey(location string) string {
	return path.Join(s.prefix, blobsDir, location)
}

func (s *S3Transport) exists(ctx context.Context, op, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, &Error{Op: op, Err: err}
	}
	return true, nil
}

func (s *S3Transport) CatalogueExists(ctx context.Context) (bool, error) {
	return s.exists(ctx, ActionCatalogueExists, s.key(catalogueName))
}

func (s *S3Transport) OpenCatalogue(ctx context.Context) (io.ReadCloser, error) {
	return s.get(ctx, ActionGetCatalogue, s.key(catalogueName))
}

func (s *S3Transport) StoreCatalogue(ctx context.Context) (Upload, error) {
	return s.put(ctx, ActionPutCatalogue, catalogueName, s.key(catalogueName))
}

func (s *S3Transport) OpenFile(ctx context.Context, location string) (io.ReadCloser, error) {
	return s.get(ctx, ActionGetFile, s.blobKey(location))
}

func (s *S3Transport) CreateFile(ctx context.Context) (Upload, error) {
	location := uuid.NewString()
	return s.put(ctx, ActionCreateFile, location, s.blobKey(location))
}

func (s *S3Transport) UpdateFile(ctx context.Context, location string) (Upload, error) {
	ok, err := s.exists(ctx, ActionUpdateFile, s.blobKey(location))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", ActionUpdateFile, location, ErrNotFound)
	}
	return s.put(ctx, ActionUpdateFile, location, s.blobKey(location))
}

// DeleteFile reports ErrNotFound for a missing blob. S3 deletes are
// idempotent so the object is checked first.
func (s *S3Transport) DeleteFile(ctx context.Context, location string) error {
	key := s.blobKey(location)
	ok, err := s.exists(ctx, ActionDeleteFile, key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s %s: %w", ActionDeleteFile, location, ErrNotFound)
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return &Error{Op: ActionDeleteFile, Err: err}
	}
	return nil
}

func (s *S3Transport) Close() error { return nil }

func (s *S3Transport) get(ctx context.Context, op, key string) (io.ReadCloser, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
		}
		return nil, &Error{Op: op, Err: err}
	}
	return resp.Body, nil
}

func (s *S3Transport) put(ctx context.Context, op, location, key string) (Upload, error) {
	f, err := afero.TempFile(s.spool, "", "sealbox-upload-*")
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	return &s3Upload{ctx: ctx, s: s, op: op, location: location, key: key, f: f}, nil
}

type s3Upload struct {
	ctx      context.Context
	s        *S3Transport
	op       string
	location string
	key      string
	f        afero.File
	size     int64
	done     bool
}

func (u *s3Upload) Location() string { return u.location }

func (u *s3Upload) Write(p []byte) (int, error) {
	if u.done {
		return 0, ErrClosed
	}
	n, err := u.f.Write(p)
	u.size += int64(n)
	if err != nil {
		return n, &Error{Op: u.op, Err: err}
	}
	return n, nil
}

func (u *s3Upload) Commit() error {
	if u.done {
		return ErrClosed
	}
	u.done = true
	defer u.cleanup()

	if _, err := u.f.Seek(0, io.SeekStart); err != nil {
		return &Error{Op: u.op, Err: err}
	}
	_, err := u.s.client.PutObject(u.ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.s.bucket),
		Key:           aws.String(u.key),
		Body:          u.f,
		ContentLength: aws.Int64(u.size),
	})
	if err != nil {
		return &Error{Op: u.op, Err: err}
	}
	return nil
}

func (u *s3Upload) Abort() error {
	if u.done {
		return nil
	}
	u.done = true
	u.cleanup()
	return nil
}

func (u *s3Upload) cleanup() {
	u.f.Close()
	u.s.spool.Remove(u.f.Name())
}

func isS3NotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	return errors.As(err, &nf) || errors.As(err, &nsk)
}
