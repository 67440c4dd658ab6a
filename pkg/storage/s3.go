package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	apperrors "github.com/conda-store/condastore/internal/errors"
)

// S3Config configures the S3-compatible backend. The internal endpoint
// carries server-to-bucket I/O; the external endpoint is what presigned
// URLs hand to end users.
type S3Config struct {
	InternalEndpoint string
	ExternalEndpoint string
	AccessKey        string
	SecretKey        string
	Region           string
	BucketName       string
	InternalSecure   bool
	ExternalSecure   bool
	PresignExpiry    time.Duration
}

// S3Backend stores artifact blobs in an S3-compatible bucket under
// <bucket>/<key>.
type S3Backend struct {
	cfg      S3Config
	internal *s3.Client
	presign  *s3.PresignClient
	logger   *zap.Logger
}

const defaultPresignExpiry = 15 * time.Minute

// NewS3Backend builds the internal and external clients and verifies
// the bucket exists; a missing bucket is fatal to startup.
func NewS3Backend(ctx context.Context, cfg S3Config, logger *zap.Logger) (*S3Backend, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.BucketName == "" {
		cfg.BucketName = "conda-store"
	}
	if cfg.PresignExpiry <= 0 {
		cfg.PresignExpiry = defaultPresignExpiry
	}

	base, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load s3 credentials: %w", err)
	}

	internal := s3.NewFromConfig(base, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpointURL(cfg.InternalEndpoint, cfg.InternalSecure))
		o.UsePathStyle = true
	})
	external := s3.NewFromConfig(base, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpointURL(cfg.ExternalEndpoint, cfg.ExternalSecure))
		o.UsePathStyle = true
	})

	b := &S3Backend{
		cfg:      cfg,
		internal: internal,
		presign:  s3.NewPresignClient(external),
		logger:   logger,
	}
	if err := b.checkBucketExists(ctx); err != nil {
		return nil, err
	}
	logger.Debug("s3 backend ready",
		zap.String("internal_endpoint", cfg.InternalEndpoint),
		zap.String("bucket", cfg.BucketName),
		zap.String("region", cfg.Region))
	return b, nil
}

func endpointURL(endpoint string, secure bool) string {
	scheme := "https"
	if !secure {
		scheme = "http"
	}
	return scheme + "://" + endpoint
}

func (b *S3Backend) checkBucketExists(ctx context.Context) error {
	_, err := b.internal.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.cfg.BucketName),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return apperrors.NewBucketMissingError(b.cfg.BucketName)
		}
		return apperrors.NewStorageUnavailableError("s3", err)
	}
	return nil
}

func (b *S3Backend) Name() string { return "s3" }

func (b *S3Backend) Set(ctx context.Context, key string, value []byte, contentType string) error {
	return b.put(ctx, key, bytes.NewReader(value), contentType)
}

func (b *S3Backend) FSet(ctx context.Context, key, filename, contentType string) error {
	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("failed to open artifact source: %w", err)
	}
	defer f.Close()
	return b.put(ctx, key, f, contentType)
}

func (b *S3Backend) put(ctx context.Context, key string, body io.Reader, contentType string) error {
	_, err := b.internal.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.cfg.BucketName),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return apperrors.NewStorageUnavailableError("s3", err)
	}
	b.logger.Debug("stored artifact", zap.String("key", key), zap.String("content_type", contentType))
	return nil
}

func (b *S3Backend) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := b.internal.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.cfg.BucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, &NotFoundError{Key: key}
		}
		return nil, apperrors.NewStorageUnavailableError("s3", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, apperrors.NewStorageUnavailableError("s3", err)
	}
	return data, nil
}

// GetURL presigns a download through the external endpoint so the link
// works from outside the deployment's network.
func (b *S3Backend) GetURL(ctx context.Context, key string) (string, error) {
	req, err := b.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.cfg.BucketName),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(b.cfg.PresignExpiry))
	if err != nil {
		return "", apperrors.NewStorageUnavailableError("s3", err)
	}
	return req.URL, nil
}

func (b *S3Backend) Delete(ctx context.Context, key string) error {
	_, err := b.internal.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.cfg.BucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return apperrors.NewStorageUnavailableError("s3", err)
	}
	return nil
}
