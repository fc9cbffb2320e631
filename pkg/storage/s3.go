package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/noah-isme/sma-class-pipeline/pkg/config"
)

// S3Storage keeps blobs in an S3-compatible bucket.
type S3Storage struct {
	client   *s3.S3
	uploader *s3manager.Uploader
	bucket   string
}

// NewS3Storage builds a client with static credentials and path-style addressing.
func NewS3Storage(cfg config.StorageConfig) (*S3Storage, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: AWS_STORAGE_BUCKET_NAME is empty", ErrMisconfigured)
	}
	awsCfg := &aws.Config{
		Region:           aws.String(cfg.Region),
		S3ForcePathStyle: aws.Bool(true),
	}
	if cfg.AccessKeyID != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}
	if cfg.EndpointURL != "" {
		awsCfg.Endpoint = aws.String(cfg.EndpointURL)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMisconfigured, err)
	}
	return NewS3StorageWithSession(sess, cfg.Bucket), nil
}

// NewS3StorageWithSession wires an existing AWS session.
func NewS3StorageWithSession(sess *session.Session, bucket string) *S3Storage {
	return &S3Storage{
		client:   s3.New(sess),
		uploader: s3manager.NewUploader(sess),
		bucket:   bucket,
	}
}

func (s *S3Storage) Put(ctx context.Context, key string, r io.Reader, contentType string) error {
	input := &s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   r,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.uploader.UploadWithContext(ctx, input); err != nil {
		return classify("upload", key, err)
	}
	return nil
}

func (s *S3Storage) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	result, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classify("download", key, err)
	}
	return result.Body, nil
}

func (s *S3Storage) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if err := classify("delete", key, err); !errors.Is(err, ErrObjectNotFound) {
			return err
		}
	}
	return nil
}

// classify maps SDK failures onto the package sentinels.
func classify(op, key string, err error) error {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return ErrObjectNotFound
		case s3.ErrCodeNoSuchBucket, "InvalidAccessKeyId", "SignatureDoesNotMatch", "AccessDenied",
			"PermanentRedirect", "AuthorizationHeaderMalformed", "RequestError":
			return fmt.Errorf("%w: %s %s: %v", ErrMisconfigured, op, key, err)
		}
	}
	return fmt.Errorf("%s %s: %w", op, key, err)
}
