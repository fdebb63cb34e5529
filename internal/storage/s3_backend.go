package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Connection pool default settings for S3 backend
const (
	// DefaultMaxIdleConns is the default maximum number of idle connections across all hosts
	DefaultMaxIdleConns = 100
	// DefaultMaxIdleConnsPerHost is the default maximum number of idle connections per host
	DefaultMaxIdleConnsPerHost = 100
	// DefaultIdleConnTimeout is the default timeout for idle connections
	DefaultIdleConnTimeout = 90 * time.Second

	// MultipartThreshold is the artifact size from which uploads are split into parts.
	MultipartThreshold = 5 * 1024 * 1024

	treesDir    = "trees"
	contentType = "application/vnd.apache.parquet"
)

// S3BackendConfig holds configuration for the S3 backend
type S3BackendConfig struct {
	Endpoint        string // S3-compatible endpoint URL (e.g., "http://localhost:9000" for MinIO)
	Bucket          string // Bucket name
	Prefix          string // Optional key prefix for all artifacts
	AccessKeyID     string // AWS access key
	SecretAccessKey string // AWS secret key
	Region          string // AWS region (default: us-east-1)
	UsePathStyle    bool   // Use path-style addressing (required for MinIO)

	// Connection pool settings
	MaxIdleConns        int           // Maximum idle connections (0 = use default)
	MaxIdleConnsPerHost int           // Maximum idle connections per host (0 = use default)
	IdleConnTimeout     time.Duration // Idle connection timeout (0 = use default)

	// PartSize is the multipart chunk size (0 = MultipartThreshold)
	PartSize int
}

// Validate checks the configuration for required fields
func (c *S3BackendConfig) Validate() error {
	if c.Bucket == "" {
		return errors.New("S3 bucket is required")
	}
	if c.AccessKeyID == "" || c.SecretAccessKey == "" {
		return errors.New("S3 credentials are required")
	}
	if c.PartSize != 0 && c.PartSize < MultipartThreshold {
		return fmt.Errorf("S3 part size must be at least %d bytes", MultipartThreshold)
	}
	return nil
}

// S3Backend implements Backend for S3-compatible storage
type S3Backend struct {
	client     *s3.Client
	bucket     string
	prefix     string
	partSize   int
	transport  *http.Transport
	httpClient *http.Client
}

// NewS3Backend creates a new S3 backend from configuration
func NewS3Backend(cfg *S3BackendConfig) (*S3Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid S3 config: %w", err)
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	maxIdleConns := cfg.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = DefaultMaxIdleConns
	}
	maxIdleConnsPerHost := cfg.MaxIdleConnsPerHost
	if maxIdleConnsPerHost <= 0 {
		maxIdleConnsPerHost = DefaultMaxIdleConnsPerHost
	}
	idleConnTimeout := cfg.IdleConnTimeout
	if idleConnTimeout <= 0 {
		idleConnTimeout = DefaultIdleConnTimeout
	}
	partSize := cfg.PartSize
	if partSize <= 0 {
		partSize = MultipartThreshold
	}

	transport := &http.Transport{
		MaxIdleConns:        maxIdleConns,
		MaxIdleConnsPerHost: maxIdleConnsPerHost,
		IdleConnTimeout:     idleConnTimeout,
	}
	httpClient := &http.Client{
		Transport: transport,
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion(region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				"",
			),
		),
		config.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// S3-compatible stores often reject the SDK's default trailing checksums.
	opts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	}

	return &S3Backend{
		client:     s3.NewFromConfig(awsCfg, opts),
		bucket:     cfg.Bucket,
		prefix:     strings.TrimSuffix(cfg.Prefix, "/"),
		partSize:   partSize,
		transport:  transport,
		httpClient: httpClient,
	}, nil
}

func (b *S3Backend) Kind() string { return "s3" }

// Bucket returns the S3 bucket name
func (b *S3Backend) Bucket() string { return b.bucket }

// Prefix returns the S3 key prefix
func (b *S3Backend) Prefix() string { return b.prefix }

// GetHTTPTransport returns the underlying HTTP transport used for connection pooling
func (b *S3Backend) GetHTTPTransport() *http.Transport {
	return b.transport
}

// GetHTTPClient returns the HTTP client used by this S3 backend
func (b *S3Backend) GetHTTPClient() *http.Client {
	return b.httpClient
}

// buildS3Key constructs the S3 key for an artifact
func buildS3Key(prefix, name string) string {
	key := path.Join(treesDir, name+artifactExt)
	if prefix != "" {
		key = path.Join(strings.TrimSuffix(prefix, "/"), key)
	}
	return key
}

func (b *S3Backend) location(name string) string {
	return "s3://" + b.bucket + "/" + buildS3Key(b.prefix, name)
}

// Write uploads an artifact, switching to multipart upload for large payloads.
func (b *S3Backend) Write(ctx context.Context, name string, data []byte) error {
	key := buildS3Key(b.prefix, name)

	if len(data) >= b.partSize {
		if err := b.writeMultipart(ctx, key, data); err != nil {
			return NewBackendError(b.Kind(), "upload", b.location(name), err)
		}
		return nil
	}

	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return NewBackendError(b.Kind(), "upload", b.location(name), err)
	}
	return nil
}

func (b *S3Backend) writeMultipart(ctx context.Context, key string, data []byte) error {
	createOut, err := b.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return err
	}
	uploadID := createOut.UploadId

	completedParts := make([]types.CompletedPart, 0, len(data)/b.partSize+1)
	partNumber := int32(1)

	for start := 0; start < len(data); start += b.partSize {
		end := min(start+b.partSize, len(data))

		partOut, err := b.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(b.bucket),
			Key:        aws.String(key),
			UploadId:   uploadID,
			PartNumber: aws.Int32(partNumber),
			Body:       bytes.NewReader(data[start:end]),
		})
		if err != nil {
			_, _ = b.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
				Bucket:   aws.String(b.bucket),
				Key:      aws.String(key),
				UploadId: uploadID,
			})
			return err
		}

		completedParts = append(completedParts, types.CompletedPart{
			ETag:       partOut.ETag,
			PartNumber: aws.Int32(partNumber),
		})
		partNumber++
	}

	_, err = b.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(b.bucket),
		Key:      aws.String(key),
		UploadId: uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completedParts,
		},
	})
	return err
}

// Read downloads an artifact from S3
func (b *S3Backend) Read(ctx context.Context, name string) (io.ReadCloser, error) {
	key := buildS3Key(b.prefix, name)

	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, &NotFoundError{Name: name}
		}
		// Some S3-compatible services only report it in the message
		if strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "NotFound") {
			return nil, &NotFoundError{Name: name}
		}
		return nil, NewBackendError(b.Kind(), "download", b.location(name), err)
	}

	return result.Body, nil
}

// List returns the names of all artifacts under the prefix
func (b *S3Backend) List(ctx context.Context) ([]string, error) {
	prefix := treesDir + "/"
	if b.prefix != "" {
		prefix = path.Join(b.prefix, treesDir) + "/"
	}

	var names []string
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, NewBackendError(b.Kind(), "list", "s3://"+b.bucket+"/"+prefix, err)
		}

		for _, obj := range page.Contents {
			base := path.Base(aws.ToString(obj.Key))
			if strings.HasSuffix(base, artifactExt) {
				names = append(names, strings.TrimSuffix(base, artifactExt))
			}
		}
	}

	sort.Strings(names)
	return names, nil
}

// Delete removes an artifact from S3
func (b *S3Backend) Delete(ctx context.Context, name string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(buildS3Key(b.prefix, name)),
	})
	if err != nil {
		return NewBackendError(b.Kind(), "delete", b.location(name), err)
	}
	return nil
}
