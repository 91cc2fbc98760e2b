package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"microscopy-analyzer/internal/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioBackend stores samples in a MinIO (or any S3-compatible) bucket.
type MinioBackend struct {
	client        *minio.Client
	bucket        string
	publicBaseURL string
	logger        *slog.Logger
}

// NewMinioBackend connects to the configured endpoint and makes sure the
// bucket exists.
func NewMinioBackend(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (*MinioBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		logger.Info("Created storage bucket", "bucket", cfg.Bucket)
	}

	return &MinioBackend{
		client:        client,
		bucket:        cfg.Bucket,
		publicBaseURL: cfg.PublicBaseURL,
		logger:        logger,
	}, nil
}

// Put uploads r under key. It refuses to overwrite an existing object.
func (m *MinioBackend) Put(ctx context.Context, key string, r io.Reader, size int64, opts PutOptions) (string, error) {
	_, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return "", fmt.Errorf("%s: %w", key, ErrObjectExists)
	}
	if minio.ToErrorResponse(err).Code != "NoSuchKey" {
		return "", fmt.Errorf("failed to check object %s: %w", key, err)
	}

	putOpts := minio.PutObjectOptions{
		ContentType:  opts.ContentType,
		CacheControl: opts.CacheControl,
	}
	if opts.Progress != nil {
		putOpts.Progress = &progressCounter{report: opts.Progress}
	}

	info, err := m.client.PutObject(ctx, m.bucket, key, r, size, putOpts)
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}
	m.logger.Debug("Stored object", "bucket", m.bucket, "key", key, "size", info.Size, "etag", info.ETag)

	if m.publicBaseURL != "" {
		return publicURL(m.publicBaseURL, m.bucket, key), nil
	}
	u, err := m.client.PresignedGetObject(ctx, m.bucket, key, DefaultLocatorExpiry, nil)
	if err != nil {
		return "", fmt.Errorf("failed to generate locator for %s: %w", key, err)
	}
	return u.String(), nil
}

// progressCounter receives minio's progress callbacks: every Read is handed a
// slice whose length is the number of bytes just sent.
type progressCounter struct {
	sent   atomic.Int64
	report func(int64)
}

func (p *progressCounter) Read(b []byte) (int, error) {
	p.report(p.sent.Add(int64(len(b))))
	return len(b), nil
}
