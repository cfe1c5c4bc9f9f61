// Package attachments issues time-limited download URLs for message
// attachments stored in an S3-compatible bucket.
package attachments

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var ErrInvalidObject = errors.New("invalid attachment object")

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	TTL       time.Duration
}

// Signer presigns GET requests against a single bucket.
type Signer struct {
	client *minio.Client
	bucket string
	ttl    time.Duration
}

// NewSigner builds a signer. Region must be set so that presigning never
// needs a bucket-location round trip.
func NewSigner(cfg Config) (*Signer, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("attachments endpoint is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return &Signer{client: client, bucket: cfg.Bucket, ttl: cfg.TTL}, nil
}

// SignedURL returns a download URL for the object referenced by ref, valid
// until the returned expiry. ref is either a bare object key or a URL whose
// path starts with the bucket name.
func (s *Signer) SignedURL(ctx context.Context, ref, filename string) (string, time.Time, error) {
	key, err := s.objectKey(ref)
	if err != nil {
		return "", time.Time{}, err
	}

	params := url.Values{}
	if filename != "" {
		params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", filename))
	}

	expiresAt := time.Now().Add(s.ttl)
	signed, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.ttl, params)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("presign attachment: %w", err)
	}
	return signed.String(), expiresAt, nil
}

func (s *Signer) objectKey(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", ErrInvalidObject
	}
	if !strings.Contains(ref, "://") {
		return strings.TrimPrefix(ref, "/"), nil
	}

	parsed, err := url.Parse(ref)
	if err != nil {
		return "", ErrInvalidObject
	}
	key := strings.TrimPrefix(parsed.Path, "/")
	key = strings.TrimPrefix(key, s.bucket+"/")
	if key == "" {
		return "", ErrInvalidObject
	}
	return key, nil
}
