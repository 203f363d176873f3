// Package objectstore wraps the S3-compatible multipart upload primitive
// the flush pipeline streams gzip-compressed buffer files through.
package objectstore

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/sessionblob/ingest/internal/config"
)

// Uploader is the minimal surface the flush pipeline depends on. It is
// satisfied by *Client and by any test double.
type Uploader interface {
	Upload(ctx context.Context, key string, body io.Reader) error
}

// Client uploads to a single bucket via aws-sdk-go-v2's multipart manager,
// which automatically splits a body of unknown length into parts — exactly
// the streaming-gzip-into-multipart-upload shape the flush pipeline needs.
type Client struct {
	bucket   string
	uploader *manager.Uploader
}

// New builds a Client from the object-store section of Config. An empty
// Endpoint targets AWS S3 directly; a non-empty one targets any
// S3-compatible endpoint (MinIO, R2, …) via path-style addressing.
func New(ctx context.Context, cfg config.ObjectStoreConfig) (*Client, error) {
	optFns := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("objectstore: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Client{
		bucket:   cfg.Bucket,
		uploader: manager.NewUploader(client),
	}, nil
}

// NewWithCredentials builds a Client that uses static credentials rather
// than the default AWS provider chain; main uses it when an access key is
// configured.
func NewWithCredentials(ctx context.Context, cfg config.ObjectStoreConfig, accessKey, secretKey string) (*Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("objectstore: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Client{
		bucket:   cfg.Bucket,
		uploader: manager.NewUploader(client),
	}, nil
}

// Upload streams body to <bucket>/<key>. Cancelling ctx aborts the
// multipart upload and cleans up any parts already accepted by S3.
func (c *Client) Upload(ctx context.Context, key string, body io.Reader) error {
	_, err := c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   body,
	})
	if err != nil {
		return fmt.Errorf("objectstore: upload %s: %w", key, err)
	}
	return nil
}
