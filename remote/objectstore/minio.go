// Package objectstore resolves display URLs for remote media objects via
// S3-compatible object storage. Persistent media always lives here; the
// local cache only holds derived artifacts.
package objectstore

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/clipforge/mediacache/remote"
)

// DefaultURLExpiry is how long a resolved display URL stays valid.
const DefaultURLExpiry = time.Hour

// minioClient defines the subset of MinIO operations used here.
// This abstraction allows for easier unit testing with mocks.
type minioClient interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expiry time.Duration, reqParams url.Values) (*url.URL, error)
}

// ClientConfig holds configuration for the object store client.
type ClientConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	URLExpiry time.Duration
}

// Client wraps a MinIO client and implements remote.ObjectStore.
type Client struct {
	client    minioClient
	bucket    string
	urlExpiry time.Duration
}

// NewClient creates a new object store client. It verifies the bucket
// exists during initialization to fail fast on misconfiguration.
func NewClient(ctx context.Context, cfg ClientConfig) (*Client, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating minio client: %w", err)
	}

	return newClientWithMinioClient(ctx, mc, cfg)
}

func newClientWithMinioClient(ctx context.Context, mc minioClient, cfg ClientConfig) (*Client, error) {
	exists, err := mc.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket existence: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %q does not exist", cfg.Bucket)
	}

	expiry := cfg.URLExpiry
	if expiry <= 0 {
		expiry = DefaultURLExpiry
	}

	return &Client{client: mc, bucket: cfg.Bucket, urlExpiry: expiry}, nil
}

// ResolveDisplayURL returns a presigned GET URL for the given object key.
// Returns remote.ErrNotFound if no such object exists.
func (c *Client) ResolveDisplayURL(ctx context.Context, objectKey string) (string, error) {
	_, err := c.client.StatObject(ctx, c.bucket, objectKey, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return "", remote.ErrNotFound
		}
		return "", fmt.Errorf("checking object: %w", err)
	}

	u, err := c.client.PresignedGetObject(ctx, c.bucket, objectKey, c.urlExpiry, make(url.Values))
	if err != nil {
		return "", fmt.Errorf("generating display URL: %w", err)
	}
	return u.String(), nil
}

// Bucket returns the configured bucket name.
func (c *Client) Bucket() string {
	return c.bucket
}
