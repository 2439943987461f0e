// Package minio is the primary store adapter for MinIO and other
// S3-compatible servers.
package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/roach88/docmirror/internal/storage"
)

const backend = "minio"

// Config locates the bucket and carries static credentials.
type Config struct {
	Endpoint  string // host:port, no scheme
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool

	// Transport overrides the HTTP transport. Tests point it at httptest.
	Transport http.RoundTripper
}

// Store implements storage.Primary and storage.Checker on one bucket.
type Store struct {
	client *miniogo.Client
	bucket string
}

var (
	_ storage.Primary = (*Store)(nil)
	_ storage.Checker = (*Store)(nil)
)

// New creates a Store. It returns storage.ErrNotConfigured when the endpoint,
// bucket or credentials are missing.
func New(cfg Config) (*Store, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" || cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("minio: %w", storage.ErrNotConfigured)
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    region,
		Transport: cfg.Transport,
		// The retry executor is the only retry layer.
		MaxRetries: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("minio: create client: %w", err)
	}
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// List returns every object under prefix, recursively.
func (s *Store) List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	var out []storage.ObjectInfo
	for obj := range s.client.ListObjects(ctx, s.bucket, miniogo.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, translate("list", prefix, obj.Err)
		}
		out = append(out, storage.ObjectInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			LastModified: obj.LastModified.UTC(),
		})
	}
	return out, nil
}

// Get reads the full content of key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, miniogo.GetObjectOptions{})
	if err != nil {
		return nil, translate("get", key, err)
	}
	defer func() {
		_ = obj.Close()
	}()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, translate("get", key, err)
	}
	return data, nil
}

// Put overwrites key with data.
func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		miniogo.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return translate("put", key, err)
	}
	return nil
}

// Check verifies the bucket exists and the credentials can see it.
func (s *Store) Check(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return translate("check", s.bucket, err)
	}
	if !ok {
		return storage.NewRemoteError(backend, "check", s.bucket, http.StatusNotFound,
			fmt.Errorf("bucket %q does not exist", s.bucket))
	}
	return nil
}

// translate maps a minio-go error onto a RemoteError. Expired tokens arrive
// as 400/403 and are reported as 401; responses without a status fall back
// to the S3 error code.
func translate(op, key string, err error) error {
	resp := miniogo.ToErrorResponse(err)
	status := resp.StatusCode
	switch {
	case resp.Code == "ExpiredToken" || resp.Code == "InvalidToken":
		status = http.StatusUnauthorized
	case status == 0:
		status = statusForCode(resp.Code)
	}
	return storage.NewRemoteError(backend, op, key, status, err)
}

func statusForCode(code string) int {
	switch code {
	case "":
		return 0
	case "NoSuchKey", "NoSuchBucket":
		return http.StatusNotFound
	case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
		return http.StatusServiceUnavailable
	default:
		return http.StatusForbidden
	}
}
