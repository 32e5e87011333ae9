package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config carries the settings for the S3-backed persister. Credentials
// may be left empty to fall back to the ambient AWS credential chain.
type S3Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// S3Persister stores artifacts as s3://<bucket>/<prefix>/<runID>/<name>.
type S3Persister struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Persister builds a persister from config.
func NewS3Persister(ctx context.Context, cfg S3Config) (*S3Persister, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 persister requires a bucket")
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Persister{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (p *S3Persister) key(runID, name string) string {
	return path.Join(p.prefix, runID, name)
}

// Persist implements Persister.
func (p *S3Persister) Persist(ctx context.Context, runID, name string, data []byte) (string, error) {
	key := p.key(runID, name)
	_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("upload artifact %q to S3: %w", name, err)
	}
	return fmt.Sprintf("s3://%s/%s", p.bucket, key), nil
}

// Retrieve implements Persister.
func (p *S3Persister) Retrieve(ctx context.Context, runID, name string) ([]byte, error) {
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key(runID, name)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, &NotFoundError{Name: name}
		}
		return nil, fmt.Errorf("download artifact %q from S3: %w", name, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read artifact %q body: %w", name, err)
	}
	return data, nil
}
