package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/jmerrifield20/trustedcapture/internal/fingerprint"
)

// S3Config configures an S3Vault. Endpoint and UsePathStyle allow
// S3-compatible stores such as MinIO.
type S3Config struct {
	Bucket          string
	Region          string
	Prefix          string
	Endpoint        string
	UsePathStyle    bool
	AccessKeyID     string
	SecretAccessKey string
}

// S3Vault stores payloads as objects in a bucket.
type S3Vault struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

var _ Vault = (*S3Vault)(nil)

// NewS3Vault loads AWS configuration and creates the client. Static
// credentials are used when both key fields are set; otherwise the default
// credential chain applies.
func NewS3Vault(ctx context.Context, cfg S3Config) (*S3Vault, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 vault requires a bucket")
	}

	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
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
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Vault{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
	}, nil
}

func (v *S3Vault) objectKey(key fingerprint.Key) string {
	hex := key.String()
	return path.Join(v.prefix, "payloads", hex[:2], hex)
}

// Put implements Vault. Large payloads are uploaded in parts.
func (v *S3Vault) Put(ctx context.Context, key fingerprint.Key, r io.Reader) error {
	exists, err := v.Exists(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	if _, err := v.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(v.bucket),
		Key:         aws.String(v.objectKey(key)),
		Body:        r,
		ContentType: aws.String("application/octet-stream"),
	}); err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}
	return nil
}

// Open implements Vault.
func (v *S3Vault) Open(ctx context.Context, key fingerprint.Key) (io.ReadCloser, error) {
	out, err := v.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(v.objectKey(key)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("s3 get: %w", err)
	}
	return out.Body, nil
}

// Exists implements Vault.
func (v *S3Vault) Exists(ctx context.Context, key fingerprint.Key) (bool, error) {
	_, err := v.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(v.objectKey(key)),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return false, nil
		}
		return false, fmt.Errorf("s3 head: %w", err)
	}
	return true, nil
}

// Delete implements Vault.
func (v *S3Vault) Delete(ctx context.Context, key fingerprint.Key) error {
	if _, err := v.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(v.objectKey(key)),
	}); err != nil {
		return fmt.Errorf("s3 delete: %w", err)
	}
	return nil
}
