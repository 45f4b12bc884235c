package distributor

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config holds S3 client configuration.
type S3Config struct {
	// Region is the AWS region (e.g., "us-east-1")
	Region string

	// Bucket receives every delivery
	Bucket string

	// Prefix is prepended to every object key
	Prefix string

	// Endpoint overrides the default S3 endpoint (for S3-compatible services)
	Endpoint string

	// UsePathStyle forces path-style addressing (for MinIO, LocalStack)
	UsePathStyle bool

	// Credentials (optional - uses default chain if not provided)
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// UploadTimeout bounds each object upload
	UploadTimeout time.Duration
}

// objectPutter is the part of the S3 client the mover needs.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Mover uploads deliveries to s3://<bucket>/<prefix><owner>/<name>/ and
// removes the local copy once every file is stored.
type S3Mover struct {
	cfg    S3Config
	client objectPutter
}

// NewS3Mover creates an S3 client from cfg.
func NewS3Mover(ctx context.Context, cfg S3Config) (*S3Mover, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 5 * time.Minute
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				cfg.SessionToken,
			),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return &S3Mover{cfg: cfg, client: s3.NewFromConfig(awsCfg, s3Opts...)}, nil
}

// Move implements Mover.
func (m *S3Mover) Move(ctx context.Context, src, owner, name string) (string, error) {
	root := m.cfg.Prefix + path.Join(owner, name)

	err := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		return m.put(ctx, root+"/"+filepath.ToSlash(rel), p)
	})
	if err != nil {
		return "", err
	}

	if err := os.RemoveAll(src); err != nil {
		return "", fmt.Errorf("remove uploaded %s: %w", src, err)
	}
	return fmt.Sprintf("s3://%s/%s/", m.cfg.Bucket, root), nil
}

func (m *S3Mover) put(ctx context.Context, key, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.UploadTimeout)
	defer cancel()

	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(m.cfg.Bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s/%s: %w", m.cfg.Bucket, key, err)
	}
	return nil
}

// Name returns "s3".
func (m *S3Mover) Name() string {
	return "s3"
}
