// Package s3 reads documents from an S3 compatible bucket such as MinIO.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/poiesic/docflow/core"
	"github.com/poiesic/docflow/source"
)

// DefaultRegion is used when the configuration leaves region empty.
const DefaultRegion = "us-east-1"

// API is the subset of the S3 client used by Source.
type API interface {
	awss3.ListObjectsV2APIClient
	HeadBucket(ctx context.Context, in *awss3.HeadBucketInput, optFns ...func(*awss3.Options)) (*awss3.HeadBucketOutput, error)
	GetObject(ctx context.Context, in *awss3.GetObjectInput, optFns ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
}

// Config holds the connection settings for a bucket.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	Region    string
}

// Source lists and reads objects under a bucket prefix.
type Source struct {
	client API
	bucket string
	prefix string
	logger *slog.Logger
}

var _ source.Source = (*Source)(nil)

// Option configures a Source.
type Option func(*Source) error

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Source) error {
		if logger != nil {
			s.logger = logger
		}
		return nil
	}
}

// WithClient replaces the S3 client built from Config.
func WithClient(client API) Option {
	return func(s *Source) error {
		if client == nil {
			return fmt.Errorf("%w: s3 client is nil", core.ErrConfiguration)
		}
		s.client = client
		return nil
	}
}

// New connects to the bucket described by cfg and verifies it is reachable.
// A custom endpoint switches the client to path style addressing.
func New(ctx context.Context, cfg Config, opts ...Option) (*Source, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", core.ErrConfiguration)
	}

	s := &Source{
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: slog.Default().With("component", "s3_source"),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.client == nil {
		client, err := newClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s.client = client
	}

	if _, err := s.client.HeadBucket(ctx, &awss3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return nil, fmt.Errorf("%w: s3 bucket %s at %s: %w", core.ErrConnection, s.bucket, cfg.Endpoint, err)
	}

	s.logger.Info("s3 source connected", "endpoint", cfg.Endpoint, "bucket", s.bucket, "prefix", s.prefix)
	return s, nil
}

func newClient(ctx context.Context, cfg Config) (*awss3.Client, error) {
	region := cfg.Region
	if region == "" {
		region = DefaultRegion
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %w", core.ErrConfiguration, err)
	}

	return awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// List returns every object key under the prefix, skipping directory markers.
func (s *Source) List(ctx context.Context) ([]string, error) {
	input := &awss3.ListObjectsV2Input{Bucket: aws.String(s.bucket)}
	if s.prefix != "" {
		input.Prefix = aws.String(s.prefix)
	}

	var keys []string
	paginator := awss3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: list s3://%s/%s: %w", core.ErrTransport, s.bucket, s.prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == "" || strings.HasSuffix(key, "/") {
				continue
			}
			keys = append(keys, key)
		}
	}

	s.logger.Info("s3 objects listed", "bucket", s.bucket, "count", len(keys))
	return keys, nil
}

// Read downloads one object.
func (s *Source) Read(ctx context.Context, key string) ([]byte, error) {
	if err := core.ValidateKey(key); err != nil {
		return nil, err
	}

	out, err := s.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: s3://%s/%s", core.ErrNotFound, s.bucket, key)
		}
		return nil, fmt.Errorf("%w: get s3://%s/%s: %w", core.ErrTransport, s.bucket, key, err)
	}
	defer out.Body.Close()

	content, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read s3://%s/%s: %w", core.ErrTransport, s.bucket, key, err)
	}
	return content, nil
}

// Close is a no-op; the S3 client holds no dedicated connection.
func (s *Source) Close() error {
	return nil
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var coded interface{ ErrorCode() string }
	if errors.As(err, &coded) {
		switch coded.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
