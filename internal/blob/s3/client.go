// Package s3blob archives resolution evidence to S3-compatible object
// storage (AWS S3, MinIO, R2) using AWS SDK v2.
package s3blob

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ClientConfig locates the evidence bucket.
type ClientConfig struct {
	// Endpoint overrides the AWS endpoint for MinIO, R2 and the like, e.g.
	// "localhost:9000". A missing scheme is filled in from UseSSL.
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	// ForcePathStyle puts the bucket in the path, as MinIO expects.
	ForcePathStyle bool
}

func (c ClientConfig) validate() error {
	var missing []error
	if c.Bucket == "" {
		missing = append(missing, errors.New("bucket is required"))
	}
	if c.Region == "" {
		missing = append(missing, errors.New("region is required"))
	}
	if len(missing) > 0 {
		return fmt.Errorf("s3blob: %w", errors.Join(missing...))
	}
	return nil
}

// Client is an S3 client bound to the evidence bucket.
type Client struct {
	api    *s3.Client
	bucket string
}

// New builds a Client with static credentials. No request is made; use
// Reachable to check the bucket.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("s3blob: load aws config: %w", err)
	}
	return &Client{
		api:    s3.NewFromConfig(awsCfg, cfg.options()...),
		bucket: cfg.Bucket,
	}, nil
}

func (c ClientConfig) options() []func(*s3.Options) {
	var opts []func(*s3.Options)
	if c.Endpoint != "" {
		endpoint := withScheme(c.Endpoint, c.UseSSL)
		opts = append(opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(endpoint) })
	}
	if c.ForcePathStyle {
		opts = append(opts, func(o *s3.Options) { o.UsePathStyle = true })
	}
	return opts
}

// Reachable checks with HeadBucket that the evidence bucket exists and the
// credentials may use it. It backs the archive entry of /api/health.
func (c *Client) Reachable(ctx context.Context) error {
	if _, err := c.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)}); err != nil {
		return fmt.Errorf("s3blob: bucket %s unreachable: %w", c.bucket, err)
	}
	return nil
}

func withScheme(endpoint string, useSSL bool) string {
	if u, err := url.Parse(endpoint); err == nil && u.Scheme != "" && u.Host != "" {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}
