package output

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Scheme prefixes object storage output paths: s3://bucket/key.
const S3Scheme = "s3://"

// MinIOConfig holds object storage connection settings.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
}

// Validate reports the first missing setting.
func (c MinIOConfig) Validate() error {
	if c.Endpoint == "" {
		return errors.New("DIAMOND_MINIO_ENDPOINT is required")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return errors.New("DIAMOND_MINIO_ACCESS_KEY and DIAMOND_MINIO_SECRET_KEY are required")
	}
	return nil
}

// MinIOSink uploads results to a bucket, creating it on first use.
type MinIOSink struct {
	client *minio.Client
	region string
}

// NewMinIOSink builds a client for cfg. No request is made until Write.
func NewMinIOSink(cfg MinIOConfig) (*MinIOSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &MinIOSink{client: client, region: cfg.Region}, nil
}

// Write stores data under the bucket and key encoded in path.
func (s *MinIOSink) Write(ctx context.Context, path string, data []byte) error {
	bucket, key, err := ParseS3Path(path)
	if err != nil {
		return err
	}
	if err := s.ensureBucket(ctx, bucket); err != nil {
		return fmt.Errorf("ensure bucket %s: %w", bucket, err)
	}
	_, err = s.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", path, err)
	}
	return nil
}

func (s *MinIOSink) ensureBucket(ctx context.Context, bucket string) error {
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.region})
}

// ParseS3Path splits s3://bucket/key.
func ParseS3Path(path string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(path, S3Scheme)
	if !ok {
		return "", "", fmt.Errorf("not an s3 path: %q", path)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" || strings.HasSuffix(key, "/") {
		return "", "", fmt.Errorf("s3 path %q needs a bucket and an object key", path)
	}
	return bucket, key, nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
