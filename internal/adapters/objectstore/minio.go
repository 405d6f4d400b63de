package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"hospitaletl/internal/core/ports"
)

// Scheme prefixes every location returned by Put.
const Scheme = "minio://"

var (
	ErrBucketNotFound   = errors.New("bucket not found")
	ErrObjectNotFound   = errors.New("object not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidLocation  = errors.New("invalid object location")
)

// Config holds the MinIO/S3 connection settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	Region    string
	UseSSL    bool
}

// MinioStore implements ports.ArtifactStore on a MinIO or S3 bucket.
// Objects are keyed <prefix>/<kind>/<name>; a single PUT replaces the object
// atomically, so readers never see partial artifacts.
type MinioStore struct {
	client *minio.Client
	cfg    Config
}

// New creates a MinioStore. It does not contact the server; call EnsureBucket.
func New(cfg Config) (*MinioStore, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("minio endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: bucket name is required", ErrBucketNotFound)
	}

	endpoint := cfg.Endpoint
	useSSL := cfg.UseSSL
	if u, err := url.Parse(cfg.Endpoint); err == nil && u.Host != "" {
		endpoint = u.Host
		if u.Scheme == "https" {
			useSSL = true
		}
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &MinioStore{client: client, cfg: cfg}, nil
}

// EnsureBucket creates the configured bucket if it does not exist.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return classify(err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{Region: s.cfg.Region}); err != nil {
		return classify(err)
	}
	return nil
}

// uploadPartSize caps the buffer minio-go allocates for streams of unknown length.
const uploadPartSize = 16 << 20

// Put streams r into the bucket. The object size is unknown up front, so
// minio-go uploads in multipart chunks.
func (s *MinioStore) Put(ctx context.Context, kind ports.ArtifactKind, name string, r io.Reader) (string, error) {
	key, err := s.objectKey(kind, name)
	if err != nil {
		return "", err
	}

	_, err = s.client.PutObject(ctx, s.cfg.Bucket, key, r, -1, minio.PutObjectOptions{
		ContentType: contentTypeFor(name),
		PartSize:    uploadPartSize,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, classify(err))
	}
	return Location(s.cfg.Bucket, key), nil
}

// Open returns a reader for a location previously returned by Put.
func (s *MinioStore) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	bucket, key, err := ParseLocation(location)
	if err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classify(err)
	}
	// GetObject is lazy; Stat surfaces a missing key now rather than on first Read.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, classify(err)
	}
	return obj, nil
}

// Remove deletes the object at location.
func (s *MinioStore) Remove(ctx context.Context, location string) error {
	bucket, key, err := ParseLocation(location)
	if err != nil {
		return err
	}
	if err := s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return classify(err)
	}
	return nil
}

func (s *MinioStore) objectKey(kind ports.ArtifactKind, name string) (string, error) {
	if name == "" || strings.ContainsAny(name, "/\\") || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid artifact name %q", name)
	}
	return path.Join(strings.Trim(s.cfg.Prefix, "/"), string(kind), name), nil
}

// Location formats a bucket/key pair as minio://bucket/key.
func Location(bucket, key string) string {
	return Scheme + bucket + "/" + key
}

// ParseLocation splits a minio:// location into bucket and key.
func ParseLocation(location string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(location, Scheme)
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidLocation, location)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidLocation, location)
	}
	return bucket, key, nil
}

func contentTypeFor(name string) string {
	switch path.Ext(name) {
	case ".csv":
		return "text/csv"
	case ".parquet":
		return "application/vnd.apache.parquet"
	default:
		return "application/octet-stream"
	}
}

// classify maps minio error responses onto package sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchBucket":
		return fmt.Errorf("%w: %v", ErrBucketNotFound, err)
	case "NoSuchKey":
		return fmt.Errorf("%w: %v", ErrObjectNotFound, err)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return err
}
