package s3util

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"

	"github.com/trella/pod-capture/internal/store"
)

// StageAPI is the subset of *s3.Client used by Stage.
type StageAPI interface {
	PutAPI
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Stage keeps images between upload and submit under sessions/{id}/ in the
// artifact bucket, so any Lambda container can read what another staged.
// A bucket lifecycle rule on the prefix removes abandoned uploads.
type Stage struct {
	client StageAPI
	sink   *Sink
	bucket string
}

var _ store.StagingStore = (*Stage)(nil)

// NewStage creates a Stage for bucket.
func NewStage(client StageAPI, bucket string) *Stage {
	return &Stage{client: client, sink: NewSink(client, bucket), bucket: bucket}
}

// PutStaged uploads one staged image.
func (s *Stage) PutStaged(ctx context.Context, sessionID, ref string, data []byte, contentType string) error {
	_, err := s.sink.Put(ctx, store.StagingKey(sessionID, ref), data, contentType)
	return err
}

// GetStaged downloads one staged image. A missing object wraps store.ErrNotFound.
func (s *Stage) GetStaged(ctx context.Context, sessionID, ref string) ([]byte, error) {
	key := store.StagingKey(sessionID, ref)
	start := time.Now()
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket, Key: &key,
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("staged image %s: %w", key, store.ErrNotFound)
		}
		return nil, fmt.Errorf("S3 GetObject: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	log.Debug().
		Str("bucket", s.bucket).
		Str("key", key).
		Int("bytes", len(data)).
		Dur("duration", time.Since(start)).
		Msg("Staged image downloaded from S3")
	return data, nil
}
