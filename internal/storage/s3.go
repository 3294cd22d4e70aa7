package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Options configures an S3Store.
type S3Options struct {
	Region string
	// BucketPrefix is prepended to the logical bucket name, e.g. "gallery-".
	BucketPrefix string
	// Endpoint overrides the S3 endpoint for S3-compatible services.
	Endpoint string
	// PublicBaseURL, when set, replaces the virtual-hosted S3 URL in Put results.
	PublicBaseURL string
	UsePathStyle  bool
}

type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store keeps objects in Amazon S3 or a compatible service.
type S3Store struct {
	client s3API
	opts   S3Options
}

// NewS3Store loads the default AWS credential chain and builds a client.
func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	var loaders []func(*config.LoadOptions) error
	if opts.Region != "" {
		loaders = append(loaders, config.WithRegion(opts.Region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return nil, fmt.Errorf("storage: load aws config: %w", err)
	}
	if opts.Region == "" {
		opts.Region = cfg.Region
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})
	return &S3Store{client: client, opts: opts}, nil
}

func (s *S3Store) bucketName(bucket string) (string, error) {
	if err := checkBucket(bucket); err != nil {
		return "", err
	}
	return s.opts.BucketPrefix + bucket, nil
}

// Put uploads data and returns its URL.
func (s *S3Store) Put(ctx context.Context, bucket, key string, data []byte, contentType string) (string, error) {
	name, err := s.bucketName(bucket)
	if err != nil {
		return "", err
	}
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(name),
		Key:         aws.String(cleanKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("storage: put %s/%s: %w", name, cleanKey, err)
	}
	return s.objectURL(name, cleanKey), nil
}

// Get downloads the object.
func (s *S3Store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	name, err := s.bucketName(bucket)
	if err != nil {
		return nil, err
	}
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(name),
		Key:    aws.String(cleanKey),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("storage: get %s/%s: %w", name, cleanKey, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("storage: read %s/%s: %w", name, cleanKey, err)
	}
	return data, nil
}

// Delete removes the object. S3 reports success for missing keys.
func (s *S3Store) Delete(ctx context.Context, bucket, key string) error {
	name, err := s.bucketName(bucket)
	if err != nil {
		return err
	}
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return err
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(name),
		Key:    aws.String(cleanKey),
	}); err != nil {
		return fmt.Errorf("storage: delete %s/%s: %w", name, cleanKey, err)
	}
	return nil
}

func (s *S3Store) objectURL(bucket, key string) string {
	if base := strings.TrimRight(s.opts.PublicBaseURL, "/"); base != "" {
		return base + "/" + bucket + "/" + key
	}
	if s.opts.Endpoint != "" {
		return strings.TrimRight(s.opts.Endpoint, "/") + "/" + bucket + "/" + key
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", bucket, s.opts.Region, key)
}
