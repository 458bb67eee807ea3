// Package store persists accepted Proof-of-Delivery submissions.
//
// A submission is written in two phases: every artifact (image bytes) goes
// to an ArtifactSink first, then a single metadata record goes to a
// RecordStore. The metadata record is the only source of truth for
// "submitted": a reader never sees a record whose artifacts failed to
// write. Records are created once and never updated or deleted.
//
// Backends:
//   - DynamoRecords + s3util.Sink in the Lambda deployment
//   - LocalRecords + LocalSink for the local server (same layout as the
//     pod_uploads directory: {key}/pod_*.jpg + {key}/metadata.json)
//   - MemoryRecords + MemorySink for tests
package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"
)

var (
	// ErrNotFound is returned by Load when no submission exists for the key.
	ErrNotFound = errors.New("submission not found")

	// ErrAlreadySubmitted is returned by RecordStore.Create when a record
	// for the key already exists. PodStore.Save converts it into the
	// first-writer-wins result.
	ErrAlreadySubmitted = errors.New("submission already exists")

	// ErrInvalidArtifacts is returned when the artifact set does not match
	// the upload mode.
	ErrInvalidArtifacts = errors.New("invalid artifact set")

	// ErrInvalidKey is returned for shipment keys that cannot be used as
	// storage keys.
	ErrInvalidKey = errors.New("invalid shipment key")
)

// UploadMode records which submission path produced the artifacts.
type UploadMode string

const (
	UploadSingle         UploadMode = "single"
	UploadFallbackTriple UploadMode = "fallback_triple"
)

// ArtifactCount returns the number of artifacts the mode requires.
func (m UploadMode) ArtifactCount() int {
	switch m {
	case UploadSingle:
		return 1
	case UploadFallbackTriple:
		return 3
	}
	return 0
}

// Capture is optional EXIF provenance recorded per artifact.
type Capture struct {
	TakenAt   *time.Time `json:"takenAt,omitempty" dynamodbav:"takenAt,omitempty"`
	Latitude  float64    `json:"latitude,omitempty" dynamodbav:"latitude,omitempty"`
	Longitude float64    `json:"longitude,omitempty" dynamodbav:"longitude,omitempty"`
	Camera    string     `json:"camera,omitempty" dynamodbav:"camera,omitempty"`
}

// Artifact is one image handed to Save.
type Artifact struct {
	Index       int
	Data        []byte
	ContentType string // sniffed from Data when empty
	Capture     *Capture
}

// ArtifactInfo describes one stored artifact.
type ArtifactInfo struct {
	Index       int      `json:"index" dynamodbav:"index"`
	Ref         string   `json:"ref" dynamodbav:"ref"`
	ContentType string   `json:"contentType" dynamodbav:"contentType"`
	Size        int      `json:"size" dynamodbav:"size"`
	SHA256      string   `json:"sha256" dynamodbav:"sha256"`
	Capture     *Capture `json:"capture,omitempty" dynamodbav:"capture,omitempty"`
}

// Metadata is the non-artifact part of a submission supplied by the caller.
type Metadata struct {
	UploadMode       UploadMode
	ShipmentSnapshot map[string]string
	Language         string
}

// PodSubmission is the persisted, immutable record of an accepted POD.
// ShipmentKey is derived from the partition key on DynamoDB reads.
type PodSubmission struct {
	ShipmentKey      string            `json:"shipmentKey" dynamodbav:"-"`
	SubmissionID     string            `json:"submissionId" dynamodbav:"submissionId"`
	ArtifactPaths    []string          `json:"artifactPaths" dynamodbav:"artifactPaths"`
	Artifacts        []ArtifactInfo    `json:"artifacts,omitempty" dynamodbav:"artifacts,omitempty"`
	UploadMode       UploadMode        `json:"uploadMode" dynamodbav:"uploadMode"`
	SubmittedAt      time.Time         `json:"submittedAt" dynamodbav:"submittedAt"`
	ShipmentSnapshot map[string]string `json:"shipmentSnapshot,omitempty" dynamodbav:"shipmentSnapshot,omitempty"`
	Language         string            `json:"language,omitempty" dynamodbav:"language,omitempty"`
}

// ArtifactSink stores artifact bytes and returns an opaque reference.
// Put must be safe for concurrent use.
type ArtifactSink interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// RecordStore persists submission metadata records.
//
// Create must be create-if-absent: when a record for the key exists it
// returns ErrAlreadySubmitted and leaves the stored record untouched.
// Get returns ErrNotFound for a missing key. Has must not mutate.
type RecordStore interface {
	Create(ctx context.Context, rec *PodSubmission) error
	Get(ctx context.Context, shipmentKey string) (*PodSubmission, error)
	Has(ctx context.Context, shipmentKey string) (bool, error)
}

// WriteError reports a failed write during Save. No record was created,
// so the caller may retry Save or re-check Load.
type WriteError struct {
	Stage       string // "artifact" or "metadata"
	ShipmentKey string
	Index       int
	Err         error
}

func (e *WriteError) Error() string {
	if e.Stage == "artifact" {
		return fmt.Sprintf("write artifact %d for %s: %v", e.Index, e.ShipmentKey, e.Err)
	}
	return fmt.Sprintf("write %s for %s: %v", e.Stage, e.ShipmentKey, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Retryable reports whether repeating Save may succeed.
func (e *WriteError) Retryable() bool {
	return !errors.Is(e.Err, context.Canceled)
}

// shipmentKeyRegex allows the identifiers issued by the dispatch system
// (e.g. shp51018426a3d0d370) and keeps keys safe as path and object prefixes.
var shipmentKeyRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// ValidateShipmentKey returns ErrInvalidKey for keys unusable as storage keys.
func ValidateShipmentKey(key string) error {
	if !shipmentKeyRegex.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
