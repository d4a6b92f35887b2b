// Package storage resolves and cleans up the blobs behind step documents.
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	URLExpiry time.Duration
}

type Minio struct {
	client *minio.Client
	bucket string
	cfg    MinioConfig
}

func NewMinio(cfg MinioConfig) (*Minio, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" || strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("minio endpoint and bucket are required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.URLExpiry <= 0 {
		cfg.URLExpiry = 15 * time.Minute
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Minio{client: client, bucket: cfg.Bucket, cfg: cfg}, nil
}

// EnsureBucket creates the bucket if it does not exist.
func (m *Minio) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{Region: m.cfg.Region}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}

func (m *Minio) Ping(ctx context.Context) error {
	if _, err := m.client.BucketExists(ctx, m.bucket); err != nil {
		return fmt.Errorf("minio ping: %w", err)
	}
	return nil
}

// DownloadURL presigns a GET for storageKey.
func (m *Minio) DownloadURL(ctx context.Context, storageKey, _ string) (string, error) {
	u, err := m.client.PresignedGetObject(ctx, m.bucket, objectName(storageKey), m.cfg.URLExpiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", storageKey, err)
	}
	return u.String(), nil
}

// Remove deletes the blob; a missing object is not an error.
func (m *Minio) Remove(ctx context.Context, storageKey string) error {
	err := m.client.RemoveObject(ctx, m.bucket, objectName(storageKey), minio.RemoveObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil
		}
		return fmt.Errorf("remove %s: %w", storageKey, err)
	}
	return nil
}

// PublicURL is the unsigned object URL, valid only for public buckets.
func (m *Minio) PublicURL(storageKey string) string {
	protocol := "http"
	if m.cfg.UseSSL {
		protocol = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", protocol, m.cfg.Endpoint, m.bucket, objectName(storageKey))
}

// objectName strips a leading slash and an s3://bucket/ prefix if present.
func objectName(storageKey string) string {
	key := strings.TrimSpace(storageKey)
	if rest, ok := strings.CutPrefix(key, "s3://"); ok {
		if idx := strings.Index(rest, "/"); idx >= 0 {
			key = rest[idx+1:]
		}
	}
	return strings.TrimPrefix(key, "/")
}

// Passthrough serves the download URL recorded at upload time and never
// deletes anything. Used when no object store is configured.
type Passthrough struct{}

func (Passthrough) DownloadURL(_ context.Context, _ string, recorded string) (string, error) {
	if strings.TrimSpace(recorded) == "" {
		return "", fmt.Errorf("no download url recorded")
	}
	return recorded, nil
}

func (Passthrough) Remove(context.Context, string) error {
	return nil
}
