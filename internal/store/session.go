package store

import (
	"context"
	"errors"
	"time"

	"github.com/trella/pod-capture/internal/quality"
)

// ErrSessionConflict is returned by SessionStore.PutSession when another
// process wrote the session since it was read.
var ErrSessionConflict = errors.New("session modified concurrently")

// SessionRecord is the shared state of one driver session: everything a
// second process needs to continue it. Image bytes live in a StagingStore;
// the record only names them.
type SessionRecord struct {
	ID           string           `dynamodbav:"-" json:"id"`
	ShipmentKey  string           `dynamodbav:"shipmentKey" json:"shipmentKey"`
	State        string           `dynamodbav:"state" json:"state"`
	Mode         string           `dynamodbav:"mode" json:"mode"`
	AttemptsUsed int              `dynamodbav:"attemptsUsed" json:"attemptsUsed"`
	LastVerdict  *quality.Verdict `dynamodbav:"lastVerdict,omitempty" json:"lastVerdict,omitempty"`
	Accepted     *StagedRecord    `dynamodbav:"accepted,omitempty" json:"accepted,omitempty"`
	Fallback     []StagedRecord   `dynamodbav:"fallback,omitempty" json:"fallback,omitempty"`
	// Version increases by one on every write.
	Version   int       `dynamodbav:"version" json:"version"`
	UpdatedAt time.Time `dynamodbav:"updatedAt" json:"updatedAt"`
	// ExpiresAt is a Unix timestamp; DynamoDB TTL deletes the item after it.
	ExpiresAt int64 `dynamodbav:"expiresAt" json:"expiresAt"`
}

// Expired reports whether the record is past its TTL at now.
func (r *SessionRecord) Expired(now time.Time) bool {
	return r.ExpiresAt > 0 && now.Unix() >= r.ExpiresAt
}

// StagedRecord describes one staged image.
type StagedRecord struct {
	Ref         string    `dynamodbav:"ref" json:"ref"`
	ContentType string    `dynamodbav:"contentType" json:"contentType"`
	SHA256      string    `dynamodbav:"sha256" json:"sha256"`
	StagedAt    time.Time `dynamodbav:"stagedAt" json:"stagedAt"`
}

// SessionStore keeps session records where every process can see them.
// GetSession returns (nil, nil) when the session does not exist or has
// expired. PutSession returns ErrSessionConflict unless the stored version
// is rec.Version-1 (or absent when rec.Version is 1).
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*SessionRecord, error)
	PutSession(ctx context.Context, rec *SessionRecord) error
	DeleteSession(ctx context.Context, id string) error
}

// StagingStore holds image bytes between upload and submit, keyed by
// session and image reference.
type StagingStore interface {
	PutStaged(ctx context.Context, sessionID, ref string, data []byte, contentType string) error
	GetStaged(ctx context.Context, sessionID, ref string) ([]byte, error)
}
