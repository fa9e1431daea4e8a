// Package s3 stores objects in an S3-compatible bucket (AWS S3, Cloudflare R2,
// MinIO).
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"mediarender/internal/ports"
)

type Config struct {
	Bucket string
	Region string
	// Endpoint overrides the AWS endpoint, e.g.
	// https://<account>.r2.cloudflarestorage.com for R2.
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	// PublicBaseURL is the CDN or public bucket domain objects are served
	// from. When empty the URL is built from the endpoint.
	PublicBaseURL string
	UsePathStyle  bool
}

type Client struct {
	api    *s3.Client
	bucket string
	base   string
}

// New builds a client using the default AWS credential chain unless static
// keys are configured.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewWithClient(api, cfg), nil
}

// NewWithClient wraps an existing SDK client.
func NewWithClient(api *s3.Client, cfg Config) *Client {
	return &Client{api: api, bucket: cfg.Bucket, base: publicBase(cfg)}
}

func publicBase(cfg Config) string {
	if cfg.PublicBaseURL != "" {
		return strings.TrimRight(cfg.PublicBaseURL, "/")
	}
	if cfg.Endpoint != "" {
		return strings.TrimRight(cfg.Endpoint, "/") + "/" + cfg.Bucket
	}
	region := cfg.Region
	if region == "" || region == "auto" {
		region = "us-east-1"
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, region)
}

func (c *Client) Provider() string { return "s3" }

func (c *Client) PutObject(ctx context.Context, in ports.PutObjectInput) (ports.PutObjectOutput, error) {
	if in.ObjectKey == "" {
		return ports.PutObjectOutput{}, fmt.Errorf("object_key is required")
	}

	// SigV4 needs a seekable body to hash the payload.
	body, ok := in.Reader.(io.ReadSeeker)
	size := in.Size
	if !ok || size < 0 {
		data, err := io.ReadAll(in.Reader)
		if err != nil {
			return ports.PutObjectOutput{}, fmt.Errorf("read upload body: %w", err)
		}
		body = bytes.NewReader(data)
		size = int64(len(data))
	}

	put := &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(in.ObjectKey),
		Body:          body,
		ContentLength: aws.Int64(size),
	}
	if in.ContentType != "" {
		put.ContentType = aws.String(in.ContentType)
	}
	if _, err := c.api.PutObject(ctx, put); err != nil {
		return ports.PutObjectOutput{}, fmt.Errorf("s3 upload failed: %w", err)
	}

	return ports.PutObjectOutput{
		ObjectKey: in.ObjectKey,
		Size:      size,
		URL:       c.base + "/" + strings.TrimLeft(in.ObjectKey, "/"),
	}, nil
}

func (c *Client) GetObject(ctx context.Context, objectKey string) (rc io.ReadCloser, contentType string, size int64, err error) {
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return nil, "", 0, err
	}
	return out.Body, aws.ToString(out.ContentType), aws.ToInt64(out.ContentLength), nil
}

func (c *Client) DeleteObject(ctx context.Context, objectKey string) error {
	_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(objectKey),
	})
	return err
}
