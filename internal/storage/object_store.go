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
)

var ErrObjectStoreDisabled = errors.New("object store disabled")
var ErrInvalidObjectKey = errors.New("invalid object key")

type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type Config struct {
	Endpoint string
	Region   string
	Bucket   string
}

// ObjectStore writes to S3 or any S3-compatible endpoint.
type ObjectStore struct {
	Bucket string
	client s3API
}

var loadAWSConfig = func(ctx context.Context, region string) (aws.Config, error) {
	return config.LoadDefaultConfig(ctx, config.WithRegion(region))
}

func NewObjectStore(ctx context.Context, cfg Config) (*ObjectStore, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return &ObjectStore{}, nil
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := loadAWSConfig(ctx, region)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &ObjectStore{Bucket: cfg.Bucket, client: client}, nil
}

func (o *ObjectStore) Enabled() bool {
	return o != nil && o.client != nil && strings.TrimSpace(o.Bucket) != ""
}

func (o *ObjectStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	bucket, objectKey, err := o.locate(key)
	if err != nil {
		return "", err
	}
	_, err = o.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType(objectKey)),
	})
	if err != nil {
		return "", fmt.Errorf("s3 put failed: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", bucket, objectKey), nil
}

func (o *ObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	bucket, objectKey, err := o.locate(key)
	if err != nil {
		return nil, err
	}
	out, err := o.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get failed: %w", err)
	}
	defer func() { _ = out.Body.Close() }()
	return io.ReadAll(out.Body)
}

// locate resolves a key or a full s3:// URI to bucket and object key.
func (o *ObjectStore) locate(key string) (string, string, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return "", "", ErrInvalidObjectKey
	}
	if o == nil || o.client == nil {
		return "", "", ErrObjectStoreDisabled
	}
	if rest, ok := strings.CutPrefix(trimmed, "s3://"); ok {
		bucket, objectKey, found := strings.Cut(rest, "/")
		if !found || bucket == "" || objectKey == "" {
			return "", "", ErrInvalidObjectKey
		}
		return bucket, objectKey, nil
	}
	if !o.Enabled() {
		return "", "", ErrObjectStoreDisabled
	}
	trimmed = strings.TrimPrefix(trimmed, "/")
	if trimmed == "" {
		return "", "", ErrInvalidObjectKey
	}
	return o.Bucket, trimmed, nil
}

func contentType(key string) string {
	switch {
	case strings.HasSuffix(key, ".jsonl"):
		return "application/x-ndjson"
	case strings.HasSuffix(key, ".json"):
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
