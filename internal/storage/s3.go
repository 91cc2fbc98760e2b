package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"microscopy-analyzer/internal/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsCfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/aws/smithy-go/middleware"
)

const reportProgressID = "ReportUploadProgress"

// S3Backend stores samples in an AWS S3 bucket (or a compatible endpoint).
type S3Backend struct {
	client        *s3.Client
	presignClient *s3.PresignClient
	bucket        string
	publicBaseURL string
	logger        *slog.Logger
}

// NewS3Backend builds an S3 client from cfg. A custom endpoint switches the
// client to path-style addressing.
func NewS3Backend(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (*S3Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	sdkCfg, err := awsCfg.LoadDefaultConfig(ctx,
		awsCfg.WithRegion(cfg.Region),
		awsCfg.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS SDK config: %w", err)
	}

	client := s3.NewFromConfig(sdkCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	logger.Info("S3 storage initialized", "endpoint", cfg.Endpoint, "bucket", cfg.Bucket)

	return &S3Backend{
		client:        client,
		presignClient: s3.NewPresignClient(client),
		bucket:        cfg.Bucket,
		publicBaseURL: cfg.PublicBaseURL,
		logger:        logger,
	}, nil
}

// Put uploads r under key with a conditional write, so an existing object is
// never replaced. The body must be seekable for request signing; non-seekable
// readers are buffered by the SDK.
func (s *S3Backend) Put(ctx context.Context, key string, r io.Reader, size int64, opts PutOptions) (string, error) {
	body := r
	var optFns []func(*s3.Options)
	if rs, ok := r.(io.ReadSeeker); ok && opts.Progress != nil {
		pr := newProgressReader(rs, opts.Progress)
		// Over plain HTTP the SDK reads the whole body to hash it before
		// sending; only reads after signing are transfer progress.
		pr.muted.Store(true)
		body = pr
		optFns = append(optFns, func(o *s3.Options) {
			o.APIOptions = append(o.APIOptions, reportAfterSigning(pr))
		})
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		IfNoneMatch:   aws.String("*"),
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if opts.CacheControl != "" {
		input.CacheControl = aws.String(opts.CacheControl)
	}

	if _, err := s.client.PutObject(ctx, input, optFns...); err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed" {
			return "", fmt.Errorf("%s: %w", key, ErrObjectExists)
		}
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}

	if s.publicBaseURL != "" {
		return publicURL(s.publicBaseURL, s.bucket, key), nil
	}

	req, err := s.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(DefaultLocatorExpiry))
	if err != nil {
		return "", fmt.Errorf("failed to generate locator for %s: %w", key, err)
	}
	return req.URL, nil
}

// reportAfterSigning unmutes pr at the end of the finalize step, after the
// payload hash and signature are computed and the body has been rewound.
func reportAfterSigning(pr *progressReader) func(*middleware.Stack) error {
	return func(stack *middleware.Stack) error {
		return stack.Finalize.Add(middleware.FinalizeMiddlewareFunc(reportProgressID,
			func(ctx context.Context, in middleware.FinalizeInput, next middleware.FinalizeHandler) (
				middleware.FinalizeOutput, middleware.Metadata, error,
			) {
				pr.muted.Store(false)
				return next.HandleFinalize(ctx, in)
			}), middleware.After)
	}
}
