package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Options configures an S3Backend.
type S3Options struct {
	Bucket   string
	Prefix   string // key prefix the volume root maps to
	Region   string
	Endpoint string // S3-compatible endpoint (MinIO, R2); enables path-style addressing

	AccessKeyID     string // static credentials; the default chain is used when empty
	SecretAccessKey string

	// Root is the volume path that maps onto Bucket/Prefix, e.g.
	// /Volumes/main/default/docagent.
	Root string
}

// S3Backend stores volume paths as objects in one bucket.
type S3Backend struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
	root     string
}

// NewS3Backend loads AWS configuration and creates the backend.
func NewS3Backend(ctx context.Context, opts S3Options) (*S3Backend, error) {
	if opts.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Backend(client, opts), nil
}

func newS3Backend(client *s3.Client, opts S3Options) *S3Backend {
	return &S3Backend{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   opts.Bucket,
		prefix:   strings.Trim(opts.Prefix, "/"),
		root:     path.Clean(opts.Root),
	}
}

// Root returns the volume path mapped onto the bucket.
func (b *S3Backend) Root() string { return b.root }

// keyFor maps a volume path to an object key.
func (b *S3Backend) keyFor(p string) (string, error) {
	p = path.Clean(p)
	if !Within(b.root, p) {
		return "", fmt.Errorf("%w: %s is not under %s", ErrOutsideRoot, p, b.root)
	}
	rel := strings.TrimPrefix(strings.TrimPrefix(p, b.root), "/")
	return strings.TrimPrefix(path.Join(b.prefix, rel), "/"), nil
}

// pathFor maps an object key back to a volume path.
func (b *S3Backend) pathFor(key string) string {
	rel := key
	if b.prefix != "" {
		rel = strings.TrimPrefix(strings.TrimPrefix(key, b.prefix), "/")
	}
	return path.Join(b.root, rel)
}

func (b *S3Backend) Write(ctx context.Context, p string, data []byte, contentType string) error {
	key, err := b.keyFor(p)
	if err != nil {
		return err
	}
	input := &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := b.uploader.Upload(ctx, input); err != nil {
		return fmt.Errorf("s3 upload %s: %w", key, err)
	}
	return nil
}

func (b *S3Backend) Read(ctx context.Context, p string) ([]byte, error) {
	key, err := b.keyFor(p)
	if err != nil {
		return nil, err
	}
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return nil, fmt.Errorf("s3 get %s: %w", key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 read %s: %w", key, err)
	}
	return data, nil
}

func (b *S3Backend) List(ctx context.Context, dir string) ([]FileInfo, error) {
	key, err := b.keyFor(dir)
	if err != nil {
		return nil, err
	}
	prefix := key
	if prefix != "" {
		prefix += "/"
	}
	dir = path.Clean(dir)

	var files []FileInfo
	pager := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			k := aws.ToString(obj.Key)
			if strings.HasSuffix(k, "/") {
				continue // directory marker
			}
			p := b.pathFor(k)
			fi := FileInfo{
				Name: strings.TrimPrefix(strings.TrimPrefix(p, dir), "/"),
				Path: p,
				Size: aws.ToInt64(obj.Size),
			}
			if obj.LastModified != nil {
				fi.ModTime = *obj.LastModified
			}
			files = append(files, fi)
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// CreateDir writes a zero-byte marker object so empty session folders show
// up in listings of other S3 tools. Overwriting the marker is harmless.
func (b *S3Backend) CreateDir(ctx context.Context, dir string) error {
	key, err := b.keyFor(dir)
	if err != nil {
		return err
	}
	if key == "" {
		return nil
	}
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key + "/"),
		Body:   bytes.NewReader(nil),
	})
	if err != nil {
		return fmt.Errorf("s3 create dir %s: %w", key, err)
	}
	return nil
}

func isS3NotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404":
			return true
		}
	}
	return false
}
