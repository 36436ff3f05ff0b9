package archive

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/QingyeSC/gcp-billing-manager/pkg/config"
)

// Sink stores one finished bundle and returns its final location.
type Sink interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// NewSink builds the sink selected by the archive configuration. Backend
// "none" yields a nil sink.
func NewSink(ctx context.Context, cfg config.ArchiveConfig) (Sink, error) {
	switch cfg.Backend {
	case "", "none":
		return nil, nil
	case "file":
		return NewFileSink(cfg.Dir), nil
	case "s3":
		return NewS3Sink(ctx, cfg.S3Bucket, cfg.S3Prefix)
	case "gcs":
		return newGCSSink(ctx, cfg.GCSBucket)
	default:
		return nil, fmt.Errorf("archive: unknown backend %q", cfg.Backend)
	}
}

// FileSink writes bundles into a local directory.
type FileSink struct {
	dir string
}

// NewFileSink builds a sink rooted at dir.
func NewFileSink(dir string) *FileSink {
	return &FileSink{dir: dir}
}

// Put writes the bundle atomically: temp file first, then rename.
func (s *FileSink) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return "", fmt.Errorf("archive: failed to create %s: %w", s.dir, err)
	}
	dst := filepath.Join(s.dir, key)

	tmp, err := os.CreateTemp(s.dir, key+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("archive: failed to create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("archive: failed to write bundle: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("archive: failed to close bundle: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("archive: failed to place bundle: %w", err)
	}
	return dst, nil
}

// s3API is the slice of the S3 client the sink uses; tests stub it.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink writes bundles to an S3 bucket.
type S3Sink struct {
	client s3API
	bucket string
	prefix string
}

// NewS3Sink builds the sink from the ambient AWS configuration. An
// S3-compatible endpoint (MinIO) can be selected with AWS_ENDPOINT_URL_S3.
func NewS3Sink(ctx context.Context, bucket, prefix string) (*S3Sink, error) {
	if bucket == "" {
		return nil, fmt.Errorf("archive: s3 backend needs ARCHIVE_S3_BUCKET")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: failed to load AWS config: %w", err)
	}
	return &S3Sink{
		client: s3.NewFromConfig(awsCfg),
		bucket: bucket,
		prefix: prefix,
	}, nil
}

// Put uploads the bundle.
func (s *S3Sink) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if s.prefix != "" {
		key = s.prefix + "/" + key
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        bytes.NewReader(data),
		ContentType: &contentType,
	})
	if err != nil {
		return "", fmt.Errorf("archive: failed to upload to s3://%s/%s: %w", s.bucket, key, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
