package vault

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Archive mirrors written vault files to off-box storage. Archiving is
// best-effort: the GM logs a failed Put and moves on, the transmit
// directory stays authoritative.
type Archive interface {
	Put(ctx context.Context, name string, data []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
}

// NewArchive builds an archive from its URL. Supported forms:
//
//	file:///var/seal/vault-archive     local directory
//	/var/seal/vault-archive            local directory
//	s3://bucket/prefix?region=r        S3, optional endpoint= for MinIO
//	gs://bucket/prefix                 GCS (requires the gcp build tag)
//
// An empty URL disables archiving (nil, nil).
func NewArchive(ctx context.Context, rawURL string) (Archive, error) {
	if rawURL == "" {
		return nil, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("vault: parse archive url: %w", err)
	}
	switch u.Scheme {
	case "", "file":
		path := u.Path
		if path == "" {
			path = rawURL
		}
		return NewDirArchive(path)
	case "s3":
		if u.Host == "" {
			return nil, fmt.Errorf("vault: s3 archive url needs a bucket: %s", rawURL)
		}
		return NewS3Archive(ctx, S3ArchiveConfig{
			Bucket:   u.Host,
			Prefix:   strings.TrimPrefix(u.Path, "/"),
			Region:   u.Query().Get("region"),
			Endpoint: u.Query().Get("endpoint"),
		})
	case "gs":
		if u.Host == "" {
			return nil, fmt.Errorf("vault: gcs archive url needs a bucket: %s", rawURL)
		}
		return newGCSArchive(ctx, u.Host, strings.TrimPrefix(u.Path, "/"))
	default:
		return nil, fmt.Errorf("vault: unsupported archive scheme %q", u.Scheme)
	}
}

// DirArchive copies vault files into a second directory (an NFS mount or a
// backup disk).
type DirArchive struct {
	path string
}

func NewDirArchive(path string) (*DirArchive, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("vault: create archive dir %s: %w", path, err)
	}
	return &DirArchive{path: path}, nil
}

func (a *DirArchive) Put(_ context.Context, name string, data []byte) error {
	dst := filepath.Join(a.path, name)
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("vault: archive write %s: %w", name, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("vault: archive commit %s: %w", name, err)
	}
	return nil
}

func (a *DirArchive) Get(_ context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(a.path, name))
	if err != nil {
		return nil, fmt.Errorf("vault: archive read %s: %w", name, err)
	}
	return data, nil
}

// S3ArchiveConfig holds the S3 mirror settings. Endpoint overrides the AWS
// endpoint for MinIO or LocalStack.
type S3ArchiveConfig struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
}

// S3Archive mirrors vault files into an S3 bucket.
type S3Archive struct {
	client *s3.Client
	bucket string
	prefix string
}

func NewS3Archive(ctx context.Context, cfg S3ArchiveConfig) (*S3Archive, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("vault: s3 archive needs a bucket")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("vault: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // MinIO and LocalStack require path style
		}
	})
	return &S3Archive{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (a *S3Archive) key(name string) string {
	if a.prefix == "" {
		return name
	}
	return strings.TrimSuffix(a.prefix, "/") + "/" + name
}

func (a *S3Archive) Put(ctx context.Context, name string, data []byte) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.key(name)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("vault: s3 put %s: %w", name, err)
	}
	return nil
}

func (a *S3Archive) Get(ctx context.Context, name string) ([]byte, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(name)),
	})
	if err != nil {
		return nil, fmt.Errorf("vault: s3 get %s: %w", name, err)
	}
	defer func() { _ = out.Body.Close() }()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("vault: s3 read %s: %w", name, err)
	}
	return data, nil
}
