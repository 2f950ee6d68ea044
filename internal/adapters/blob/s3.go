// Package blob stores source photos and generated results in S3-compatible
// object storage and issues presigned URLs for direct browser access.
package blob

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/roomlift/roomlift/internal/retry"
	"github.com/roomlift/roomlift/pkg/logger"
)

// Config holds the object storage settings.
type Config struct {
	Bucket     string
	Region     string
	Endpoint   string // optional, for S3-compatible stores
	PresignTTL time.Duration
}

// S3Store wraps the S3 client for uploads and presigned URL generation.
type S3Store struct {
	client    *s3.Client
	presigner *s3.PresignClient
	cfg       Config
	retry     retry.Policy
	log       *logger.Logger
}

// NewS3Store builds an S3Store from the ambient AWS configuration.
func NewS3Store(ctx context.Context, cfg Config, log *logger.Logger) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("blob: bucket is required")
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = 15 * time.Minute
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("blob: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Store{
		client:    client,
		presigner: s3.NewPresignClient(client),
		cfg:       cfg,
		retry:     retry.DefaultPolicy,
		log:       log,
	}, nil
}

// PresignUpload returns a URL the browser can PUT the source photo to.
func (s *S3Store) PresignUpload(ctx context.Context, key, contentType string) (string, error) {
	req, err := s.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, s3.WithPresignExpires(s.cfg.PresignTTL))
	if err != nil {
		return "", fmt.Errorf("blob: presign upload %s: %w", key, err)
	}
	return req.URL, nil
}

// PresignDownload returns a URL the browser can GET a stored object from.
func (s *S3Store) PresignDownload(ctx context.Context, key string) (string, error) {
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.cfg.PresignTTL))
	if err != nil {
		return "", fmt.Errorf("blob: presign download %s: %w", key, err)
	}
	return req.URL, nil
}

// Put uploads a generated result. Transient failures are retried.
func (s *S3Store) Put(ctx context.Context, key, contentType string, body io.ReadSeeker) error {
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		if _, seekErr := body.Seek(0, io.SeekStart); seekErr != nil {
			return seekErr
		}
		_, putErr := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.cfg.Bucket),
			Key:         aws.String(key),
			ContentType: aws.String(contentType),
			Body:        body,
		})
		return putErr
	})
	if err != nil {
		return fmt.Errorf("blob: put %s: %w", key, err)
	}
	s.log.WithField("key", key).Debug("object stored")
	return nil
}
