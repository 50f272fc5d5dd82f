// Package artifacts turns an opaque stage artifact handle into a
// presigned URL on demand, generalized from pkg/storage/s3.go's
// S3Storage. The scheduler itself never imports this package — stage
// artifacts are stored and passed around as plain []string handles —
// only internal/httpapi's artifact-url route resolves one, as a
// caller-side convenience over whatever the stage handler uploaded.
package artifacts

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// DefaultPresignExpiry bounds how long a resolved URL stays valid.
const DefaultPresignExpiry = 15 * time.Minute

// Resolver turns artifact handles (S3 object keys) into presigned URLs
// and, for stage handlers that produce bytes rather than URLs directly,
// uploads them to the configured bucket first.
type Resolver struct {
	client   *s3.S3
	uploader *s3manager.Uploader
	bucket   string
}

// NewResolver builds a Resolver against an S3-compatible endpoint.
// endpoint may be empty to use AWS S3 itself, or set to a MinIO-style
// host for self-hosted object storage.
func NewResolver(endpoint, region, accessKey, secretKey, bucket string, pathStyle bool) (*Resolver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	cfg := &aws.Config{
		Region:           aws.String(region),
		Credentials:      credentials.NewStaticCredentials(accessKey, secretKey, ""),
		S3ForcePathStyle: aws.Bool(pathStyle),
	}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
	}

	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating AWS session: %w", err)
	}

	return &Resolver{
		client:   s3.New(sess),
		uploader: s3manager.NewUploader(sess),
		bucket:   bucket,
	}, nil
}

// Upload stores data under key and returns the handle the stage output
// should record as one of its artifacts.
func (r *Resolver) Upload(ctx context.Context, key string, data io.Reader, contentType string) (string, error) {
	_, err := r.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(r.bucket),
		Key:         aws.String(key),
		Body:        data,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("uploading artifact: %w", err)
	}
	return key, nil
}

// PresignedURL resolves an artifact handle into a time-limited URL a
// caller outside the cluster can fetch directly.
func (r *Resolver) PresignedURL(key string, expiry time.Duration) (string, error) {
	if expiry <= 0 {
		expiry = DefaultPresignExpiry
	}
	req, _ := r.client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	})
	url, err := req.Presign(expiry)
	if err != nil {
		return "", fmt.Errorf("presigning artifact url: %w", err)
	}
	return url, nil
}
