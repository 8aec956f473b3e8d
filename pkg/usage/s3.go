package usage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
)

// SizeResolver reports the size of a stored file. It is the fallback when a
// deletion refers to a file the FileIndex never recorded. It is asked while
// the object still exists, so callers apply the deletion before removing it.
type SizeResolver interface {
	ObjectSize(ctx context.Context, tenantID uuid.UUID, filename string) (int64, error)
}

// S3Client is the subset of the S3 API the resolver needs.
type S3Client interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Config configures S3SizeResolver. Objects are expected under
// "<KeyPrefix>/<tenant id>/<filename>".
type S3Config struct {
	Bucket         string `env:"STORAGE_S3_BUCKET"`
	Region         string `env:"STORAGE_S3_REGION" envDefault:"us-east-1"`
	AccessKeyID    string `env:"STORAGE_S3_ACCESS_KEY_ID"`
	SecretKey      string `env:"STORAGE_S3_SECRET_KEY"`
	Endpoint       string `env:"STORAGE_S3_ENDPOINT"` // S3-compatible services
	KeyPrefix      string `env:"STORAGE_S3_KEY_PREFIX" envDefault:"tenants"`
	ForcePathStyle bool   `env:"STORAGE_S3_FORCE_PATH_STYLE" envDefault:"false"`
}

// Enabled reports whether a bucket is configured.
func (c S3Config) Enabled() bool {
	return c.Bucket != ""
}

// S3Option configures S3SizeResolver.
type S3Option func(*s3Options)

type s3Options struct {
	client     S3Client
	httpClient *http.Client
}

// WithS3Client sets a pre-configured client. Useful for testing with mocks.
func WithS3Client(client S3Client) S3Option {
	return func(o *s3Options) {
		o.client = client
	}
}

func WithHTTPClient(client *http.Client) S3Option {
	return func(o *s3Options) {
		o.httpClient = client
	}
}

// S3SizeResolver resolves file sizes with HeadObject.
type S3SizeResolver struct {
	client    S3Client
	bucket    string
	keyPrefix string
}

func NewS3SizeResolver(ctx context.Context, cfg S3Config, opts ...S3Option) (*S3SizeResolver, error) {
	if cfg.Bucket == "" || cfg.Region == "" {
		return nil, ErrInvalidS3Config
	}

	o := &s3Options{}
	for _, opt := range opts {
		opt(o)
	}

	client := o.client
	if client == nil {
		awsOptions := []func(*config.LoadOptions) error{
			config.WithRegion(cfg.Region),
		}
		if cfg.AccessKeyID != "" && cfg.SecretKey != "" {
			awsOptions = append(awsOptions,
				config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID,
					cfg.SecretKey,
					"",
				)),
			)
		}
		if o.httpClient != nil {
			awsOptions = append(awsOptions, config.WithHTTPClient(o.httpClient))
		}

		awsConfig, err := config.LoadDefaultConfig(ctx, awsOptions...)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFailedToLoadAWS, err)
		}

		client = s3.NewFromConfig(awsConfig, func(so *s3.Options) {
			if cfg.Endpoint != "" {
				so.BaseEndpoint = aws.String(cfg.Endpoint)
			}
			so.UsePathStyle = cfg.ForcePathStyle
		})
	}

	return &S3SizeResolver{
		client:    client,
		bucket:    cfg.Bucket,
		keyPrefix: strings.Trim(cfg.KeyPrefix, "/"),
	}, nil
}

// ObjectKey returns the S3 key of a tenant file.
func (r *S3SizeResolver) ObjectKey(tenantID uuid.UUID, filename string) string {
	return path.Join(r.keyPrefix, tenantID.String(), strings.TrimPrefix(filename, "/"))
}

func (r *S3SizeResolver) ObjectSize(ctx context.Context, tenantID uuid.UUID, filename string) (int64, error) {
	if strings.Contains(filename, "..") {
		return 0, fmt.Errorf("%w: %s", ErrObjectNotFound, filename)
	}

	out, err := r.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(r.ObjectKey(tenantID, filename)),
	})
	if err != nil {
		return 0, classifyS3Error(err)
	}
	if out.ContentLength == nil {
		return 0, fmt.Errorf("%w: no content length for %s", ErrSizeLookupFailed, filename)
	}
	return *out.ContentLength, nil
}

func classifyS3Error(err error) error {
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return fmt.Errorf("%w: %s", ErrObjectNotFound, err)
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return fmt.Errorf("%w: %s", ErrObjectNotFound, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch code := apiErr.ErrorCode(); code {
		case "NotFound", "NoSuchKey":
			return fmt.Errorf("%w: %s", ErrObjectNotFound, err)
		default:
			return fmt.Errorf("%w (code: %s): %w", ErrSizeLookupFailed, code, err)
		}
	}
	return errors.Join(ErrSizeLookupFailed, err)
}
