package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/dfirkit/gograb/pkg/provider"
)

// DefaultRetryBufferMaxMemoryBytes controls how large an upload body is
// buffered in memory to make PUT retries seekable. Larger bodies are
// spooled to a temp file.
const DefaultRetryBufferMaxMemoryBytes int64 = 16 << 20 // 16 MiB

// Store implements provider.Store for AWS S3 and S3-compatible storage.
type Store struct {
	client    *s3.Client
	bucket    string
	prefix    string
	maxMemory int64
}

var _ provider.Store = (*Store)(nil)

// New creates a new S3 store with the given configuration.
//
// The store uses AWS SDK v2's default credential chain unless explicit
// credentials are provided in the config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &provider.StoreError{
			Op: "New", Store: provider.StoreS3, Bucket: cfg.Bucket, Err: err,
		}
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
		},
	}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	maxMemory := cfg.RetryBufferMaxMemoryBytes
	if maxMemory <= 0 {
		maxMemory = DefaultRetryBufferMaxMemoryBytes
	}

	return &Store{
		client:    s3.NewFromConfig(awsCfg, s3Opts...),
		bucket:    cfg.Bucket,
		prefix:    strings.Trim(cfg.Prefix, "/"),
		maxMemory: maxMemory,
	}, nil
}

// loadAWSConfig builds the AWS configuration with appropriate credentials.
func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	// Only apply explicit region if set; let the SDK resolve from
	// env/profile first.
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	if awsCfg.Region == "" && cfg.Endpoint == "" {
		awsCfg.Region = DefaultAWSRegion
	}
	return awsCfg, nil
}

func (s *Store) key(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

// Put uploads body under key. A seekable body is handed to the SDK as
// is; any other body is buffered (memory or temp file) so the SDK can
// rewind it on retry.
func (s *Store) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	rb, err := newRetryableBody(body, size, s.maxMemory)
	if err != nil {
		return &provider.StoreError{Op: "Put", Store: provider.StoreS3, Bucket: s.bucket, Key: key, Err: err}
	}
	defer func() { _ = rb.Close() }()

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
		Body:   rb.Reader(),
	})
	if err != nil {
		return &provider.StoreError{
			Op: "Put", Store: provider.StoreS3, Bucket: s.bucket, Key: key,
			Err: classifyError(err),
		}
	}
	return nil
}

// Head returns metadata for an uploaded object.
func (s *Store) Head(ctx context.Context, key string) (*provider.ObjectMeta, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	})
	if err != nil {
		return nil, &provider.StoreError{
			Op: "Head", Store: provider.StoreS3, Bucket: s.bucket, Key: key,
			Err: classifyError(err),
		}
	}
	meta := &provider.ObjectMeta{Key: key}
	if out.ContentLength != nil {
		meta.Size = *out.ContentLength
	}
	if out.ETag != nil {
		meta.ETag = strings.Trim(*out.ETag, `"`)
	}
	if out.LastModified != nil {
		meta.LastModified = *out.LastModified
	}
	return meta, nil
}

// Close releases nothing; the SDK client holds no per-store resources.
func (s *Store) Close() error { return nil }

// classifyError maps SDK errors onto the store sentinel errors.
func classifyError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "404":
			return fmt.Errorf("%w: %s", provider.ErrNotFound, apiErr.ErrorMessage())
		case "NoSuchBucket":
			return fmt.Errorf("%w: %s", provider.ErrBucketNotFound, apiErr.ErrorMessage())
		case "AccessDenied", "Forbidden", "403":
			return fmt.Errorf("%w: %s", provider.ErrAccessDenied, apiErr.ErrorMessage())
		case "SlowDown", "TooManyRequests", "RequestLimitExceeded", "Throttling":
			return fmt.Errorf("%w: %s", provider.ErrThrottled, apiErr.ErrorMessage())
		case "ServiceUnavailable", "InternalError":
			return fmt.Errorf("%w: %s", provider.ErrStoreUnavailable, apiErr.ErrorMessage())
		}
	}
	return err
}

// retryableBody makes an upload body seekable for SDK retries: small
// bodies buffer in memory, larger ones spool to a temp file.
type retryableBody struct {
	reader  io.ReadSeeker
	cleanup func() error
}

func (b *retryableBody) Reader() io.ReadSeeker { return b.reader }

func (b *retryableBody) Close() error {
	if b.cleanup == nil {
		return nil
	}
	return b.cleanup()
}

func newRetryableBody(src io.Reader, size int64, maxMemoryBytes int64) (*retryableBody, error) {
	if maxMemoryBytes <= 0 {
		maxMemoryBytes = DefaultRetryBufferMaxMemoryBytes
	}
	// Seekable sources need no buffering at all; they stay open for the
	// upload and the caller closes them.
	if rs, ok := src.(io.ReadSeeker); ok {
		return &retryableBody{reader: rs}, nil
	}
	if c, ok := src.(io.Closer); ok {
		defer func() { _ = c.Close() }()
	}

	// Unknown size: treat as "large" and spool.
	if size < 0 {
		size = maxMemoryBytes + 1
	}

	if size <= maxMemoryBytes {
		data, err := io.ReadAll(src)
		if err != nil {
			return nil, err
		}
		return &retryableBody{reader: bytes.NewReader(data)}, nil
	}

	f, err := os.CreateTemp("", "gograb-put-buffer-*")
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(f, src); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return nil, err
	}
	return &retryableBody{
		reader: f,
		cleanup: func() error {
			name := f.Name()
			closeErr := f.Close()
			rmErr := os.Remove(name)
			if closeErr != nil {
				return fmt.Errorf("close temp file: %w", closeErr)
			}
			if rmErr != nil {
				return fmt.Errorf("remove temp file: %w", rmErr)
			}
			return nil
		},
	}, nil
}
