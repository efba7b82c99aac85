// Package mirror copies finished backup archives to an S3-compatible bucket.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// S3API is the subset of the S3 client the mirror uses.
type S3API interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, input *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

type Options struct {
	Bucket string
	Prefix string
	Region string
	// Endpoint selects an S3-compatible service instead of AWS.
	Endpoint  string
	PathStyle bool
	// AccessKeyID and SecretAccessKey override the default credential chain.
	AccessKeyID     string
	SecretAccessKey string

	Client S3API
	Logger *slog.Logger
	Tracer trace.Tracer
}

type Mirror struct {
	bucket string
	prefix string
	client S3API
	logger *slog.Logger
	tracer trace.Tracer
}

// New builds a Mirror. When opts.Client is nil an S3 client is created from
// the default AWS configuration.
func New(ctx context.Context, opts Options) (*Mirror, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("mirror bucket is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	client := opts.Client
	if client == nil {
		var err error
		client, err = newS3Client(ctx, opts)
		if err != nil {
			return nil, err
		}
	}
	m := &Mirror{
		bucket: opts.Bucket,
		prefix: strings.Trim(opts.Prefix, "/"),
		client: client,
		logger: logger.With("component", "BackupMirror"),
		tracer: opts.Tracer,
	}
	if m.tracer == nil {
		m.tracer = otel.Tracer("github.com/INLOpen/stackctl/mirror")
	}
	return m, nil
}

func newS3Client(ctx context.Context, opts Options) (*s3.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
	}), nil
}

// Key returns the object key an archive is stored under.
func (m *Mirror) Key(archivePath string) string {
	name := filepath.Base(archivePath)
	if m.prefix == "" {
		return name
	}
	return path.Join(m.prefix, name)
}

// Exists reports whether key is already in the bucket.
func (m *Mirror) Exists(ctx context.Context, key string) (bool, error) {
	_, err := m.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return false, nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey") {
		return false, nil
	}
	return false, fmt.Errorf("failed to look up s3://%s/%s: %w", m.bucket, key, err)
}

// Upload copies the archive at archivePath to the bucket and returns its key.
// Archives are immutable, so an object already present is left alone.
func (m *Mirror) Upload(ctx context.Context, archivePath string) (key string, err error) {
	ctx, span := m.tracer.Start(ctx, "BackupMirror.Upload")
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()
	key = m.Key(archivePath)
	span.SetAttributes(attribute.String("mirror.bucket", m.bucket), attribute.String("mirror.key", key))

	exists, err := m.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if exists {
		m.logger.Info("Backup already mirrored.", "key", key)
		return key, nil
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to open backup: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat backup: %w", err)
	}

	if _, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("application/gzip"),
	}); err != nil {
		return "", fmt.Errorf("failed to upload s3://%s/%s: %w", m.bucket, key, err)
	}
	m.logger.Info("Backup mirrored.", "key", key, "size", humanize.IBytes(uint64(info.Size())))
	return key, nil
}
