package storage

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"
)

// S3Backend implements the Backend interface against any S3-compatible
// object store.
type S3Backend struct {
	client *s3.Client
	bucket string
}

// NewS3Backend creates a new S3 storage backend
func NewS3Backend(cfg Config) (*S3Backend, error) {
	awsCfg := aws.Config{
		Region:      cfg.S3Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = true // Use path-style URLs for compatibility
	})

	logrus.WithFields(logrus.Fields{
		"bucket":   cfg.S3Bucket,
		"endpoint": cfg.S3Endpoint,
		"region":   cfg.S3Region,
	}).Info("Using S3 storage backend")

	return &S3Backend{
		client: client,
		bucket: cfg.S3Bucket,
	}, nil
}

// Put uploads a blob to the bucket
func (b *S3Backend) Put(ctx context.Context, key string, data io.Reader) (int64, error) {
	// S3 needs a seekable body or a known length for signing; buffer through
	// a counting reader is not enough, so read fully here. Shares are bounded
	// by the configured max upload size.
	payload, err := io.ReadAll(data)
	if err != nil {
		return 0, NewErrorWithCause("ReadData", "Failed to read data", err)
	}

	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(payload),
		ContentLength: aws.Int64(int64(len(payload))),
	})
	if err != nil {
		return 0, NewErrorWithCause("PutObject", "Failed to put object", err)
	}

	return int64(len(payload)), nil
}

// Get downloads a blob from the bucket
func (b *S3Backend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrBlobNotFound
		}
		return nil, NewErrorWithCause("GetObject", "Failed to get object", err)
	}

	return result.Body, nil
}

// Delete removes a blob from the bucket. S3 DeleteObject already succeeds
// for missing keys, matching the Backend contract.
func (b *S3Backend) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return NewErrorWithCause("DeleteObject", "Failed to delete object", err)
	}

	return nil
}

// Exists checks whether a blob exists in the bucket
func (b *S3Backend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, NewErrorWithCause("HeadObject", "Failed to head object", err)
	}

	return true, nil
}

// Close closes the S3 backend
func (b *S3Backend) Close() error {
	return nil
}
