//go:build gcp

package archive

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
)

// GCSSink writes bundles to a Google Cloud Storage bucket. Compiled in
// with the gcp build tag.
type GCSSink struct {
	client *storage.Client
	bucket string
}

func newGCSSink(ctx context.Context, bucket string) (Sink, error) {
	if bucket == "" {
		return nil, fmt.Errorf("archive: gcs backend needs ARCHIVE_GCS_BUCKET")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: failed to build GCS client: %w", err)
	}
	return &GCSSink{client: client, bucket: bucket}, nil
}

// Put uploads the bundle.
func (s *GCSSink) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("archive: failed to upload to gs://%s/%s: %w", s.bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("archive: failed to finish upload to gs://%s/%s: %w", s.bucket, key, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, key), nil
}
