// Package s3fs exposes an S3 bucket, optionally under a key prefix, as a sandbox
// filesystem. Directories are key prefixes delimited by "/".
package s3fs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/fruitsalade/sandboxfs/pkg/pathutil"
	"github.com/fruitsalade/sandboxfs/pkg/remote"
	"github.com/fruitsalade/sandboxfs/pkg/remote/poll"
)

// DefaultPresignExpiry is used when DownloadOptions.Expiration is zero.
const DefaultPresignExpiry = 15 * time.Minute

// Config holds S3 connection settings.
type Config struct {
	Endpoint  string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	Region    string
	// PathStyle addresses the bucket in the URL path, as MinIO expects.
	PathStyle    bool
	PollInterval time.Duration
	Logger       *zap.Logger
}

// FS is an S3-backed filesystem.
type FS struct {
	client       *s3.Client
	presign      *s3.PresignClient
	bucket       string
	prefix       string
	pollInterval time.Duration
	log          *zap.Logger
}

var _ remote.Filesystem = (*FS)(nil)

// New creates an S3 filesystem. No request is made until the first operation.
func New(ctx context.Context, cfg Config) (*FS, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	return &FS{
		client:       client,
		presign:      s3.NewPresignClient(client),
		bucket:       cfg.Bucket,
		prefix:       cleanPrefix(cfg.Prefix),
		pollInterval: cfg.PollInterval,
		log:          cfg.Logger.Named("s3fs"),
	}, nil
}

// cleanPrefix returns prefix without a leading slash and with one trailing slash, or
// "" for the bucket root.
func cleanPrefix(prefix string) string {
	prefix = strings.Trim(pathutil.Normalize(prefix), "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

// objectKey maps a sandbox path to an object key.
func (f *FS) objectKey(p string) string {
	return f.prefix + strings.TrimPrefix(pathutil.Normalize(p), "/")
}

// dirPrefix maps a sandbox directory to the key prefix of its children.
func (f *FS) dirPrefix(p string) string {
	key := f.objectKey(p)
	if key == "" || strings.HasSuffix(key, "/") {
		return key
	}
	return key + "/"
}

func mapErr(op, p string, err error) error {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return fmt.Errorf("%s %s: %w", op, p, remote.ErrNotFound)
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusNotFound:
			return fmt.Errorf("%s %s: %w", op, p, remote.ErrNotFound)
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%s %s: %w", op, p, remote.ErrPermission)
		}
	}
	return fmt.Errorf("%s %s: %w", op, p, err)
}

// List returns the objects and common prefixes directly under p. A directory with
// no keys beneath it does not exist, except for the root.
func (f *FS) List(ctx context.Context, p string) ([]remote.Entry, error) {
	p = pathutil.Normalize(p)
	prefix := f.dirPrefix(p)
	start := time.Now()

	paginator := s3.NewListObjectsV2Paginator(f.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(f.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	var entries []remote.Entry
	found := false
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, mapErr("list", p, err)
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if name == "" {
				continue
			}
			found = true
			entries = append(entries, remote.Entry{
				Name: name,
				Path: pathutil.Join(p, name),
				Type: remote.TypeDir,
			})
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			found = true
			// Directory marker object.
			if name == "" {
				continue
			}
			entries = append(entries, remote.Entry{
				Name:    name,
				Path:    pathutil.Join(p, name),
				Type:    remote.TypeFile,
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
			})
		}
	}

	if !found && p != "/" {
		return nil, fmt.Errorf("list %s: %w", p, remote.ErrNotFound)
	}

	f.log.Debug("list",
		zap.String("prefix", prefix),
		zap.Int("entries", len(entries)),
		zap.Duration("duration", time.Since(start)))
	return entries, nil
}

// Read returns the object stored at p.
func (f *FS) Read(ctx context.Context, p string, _ remote.ReadOptions) ([]byte, error) {
	p = pathutil.Normalize(p)
	if p == "/" {
		return nil, fmt.Errorf("read %s: is a directory", p)
	}

	result, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(f.objectKey(p)),
	})
	if err != nil {
		return nil, mapErr("read", p, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	return data, nil
}

// Write uploads data as the object at p.
func (f *FS) Write(ctx context.Context, p string, data []byte) error {
	p = pathutil.Normalize(p)
	if p == "/" {
		return fmt.Errorf("write %s: is a directory", p)
	}

	_, err := f.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(f.bucket),
		Key:           aws.String(f.objectKey(p)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return mapErr("write", p, err)
	}
	f.log.Debug("put object", zap.String("key", f.objectKey(p)), zap.Int("size", len(data)))
	return nil
}

// WatchDir polls p for changes.
func (f *FS) WatchDir(ctx context.Context, p string, opts remote.WatchOptions) (remote.Watch, error) {
	return poll.Watch(ctx, f, p, poll.Options{
		Interval:  f.pollInterval,
		Recursive: opts.Recursive,
		Timeout:   opts.Timeout,
		Logger:    f.log,
	})
}

// DownloadURL returns a presigned GET URL for p. The URL is always signed; User and
// UseSignature are ignored.
func (f *FS) DownloadURL(ctx context.Context, p string, opts remote.DownloadOptions) (string, error) {
	p = pathutil.Normalize(p)
	expiry := opts.Expiration
	if expiry <= 0 {
		expiry = DefaultPresignExpiry
	}

	req, err := f.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(f.objectKey(p)),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", mapErr("download url", p, err)
	}
	return req.URL, nil
}
