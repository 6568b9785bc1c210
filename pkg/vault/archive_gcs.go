//go:build gcp

package vault

import (
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// GCSArchive mirrors vault files into a Google Cloud Storage bucket.
// Credentials come from Application Default Credentials.
type GCSArchive struct {
	client *storage.Client
	bucket string
	prefix string
}

func newGCSArchive(ctx context.Context, bucket, prefix string) (Archive, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("vault: create gcs client: %w", err)
	}
	return &GCSArchive{client: client, bucket: bucket, prefix: prefix}, nil
}

func (a *GCSArchive) key(name string) string {
	if a.prefix == "" {
		return name
	}
	return strings.TrimSuffix(a.prefix, "/") + "/" + name
}

func (a *GCSArchive) Put(ctx context.Context, name string, data []byte) error {
	w := a.client.Bucket(a.bucket).Object(a.key(name)).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("vault: gcs write %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("vault: gcs commit %s: %w", name, err)
	}
	return nil
}

func (a *GCSArchive) Get(ctx context.Context, name string) ([]byte, error) {
	r, err := a.client.Bucket(a.bucket).Object(a.key(name)).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("vault: gcs open %s: %w", name, err)
	}
	defer func() { _ = r.Close() }()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("vault: gcs read %s: %w", name, err)
	}
	return data, nil
}
