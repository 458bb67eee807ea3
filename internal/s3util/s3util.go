// Package s3util stores POD artifacts in S3 and produces time-limited view
// URLs for them.
package s3util

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// projectTag is the URL-encoded S3 object tagging string for cost allocation.
const projectTag = "Project=pod-capture"

// ProjectTagging returns a pointer to the URL-encoded S3 object tagging string.
// Use as the Tagging field on PutObjectInput.
func ProjectTagging() *string {
	t := projectTag
	return &t
}

// PutAPI is the subset of *s3.Client used by Sink.
type PutAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Sink writes artifacts to a single bucket. References are object keys.
type Sink struct {
	client PutAPI
	bucket string
}

// NewSink creates a Sink for bucket.
func NewSink(client PutAPI, bucket string) *Sink {
	return &Sink{client: client, bucket: bucket}
}

// Put uploads data under key and returns key as the artifact reference.
func (s *Sink) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	start := time.Now()
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &s.bucket,
		Key:           &key,
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   &contentType,
		Tagging:       ProjectTagging(),
	})
	if err != nil {
		return "", fmt.Errorf("S3 PutObject %s: %w", key, err)
	}

	log.Debug().
		Str("bucket", s.bucket).
		Str("key", key).
		Int("bytes", len(data)).
		Dur("duration", time.Since(start)).
		Msg("Artifact uploaded to S3")
	return key, nil
}

// GeneratePresignedURL creates a pre-signed GET URL for an S3 object.
func GeneratePresignedURL(ctx context.Context, presignClient *s3.PresignClient, bucket, key string, expiry time.Duration) (string, error) {
	result, err := presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &bucket, Key: &key,
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expiry
	})
	if err != nil {
		return "", fmt.Errorf("presign GetObject: %w", err)
	}
	return result.URL, nil
}

// Viewer turns artifact references into presigned GET URLs.
type Viewer struct {
	presigner *s3.PresignClient
	bucket    string
	expiry    time.Duration
}

// NewViewer creates a Viewer whose URLs expire after expiry.
func NewViewer(presigner *s3.PresignClient, bucket string, expiry time.Duration) *Viewer {
	return &Viewer{presigner: presigner, bucket: bucket, expiry: expiry}
}

// URL returns a presigned GET URL for ref.
func (v *Viewer) URL(ctx context.Context, ref string) (string, error) {
	return GeneratePresignedURL(ctx, v.presigner, v.bucket, ref, v.expiry)
}
