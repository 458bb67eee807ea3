package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// PodStore is the SubmissionStore: it writes artifacts then metadata and
// enforces at most one submission per shipment key.
//
// Saves for the same key are serialized in-process; saves for different
// keys run in parallel. Across processes the RecordStore's
// create-if-absent write decides the winner.
type PodStore struct {
	sink    ArtifactSink
	records RecordStore
	locks   *keyLocks

	now   func() time.Time
	newID func() string
}

// NewPodStore creates a PodStore over the given backends.
func NewPodStore(sink ArtifactSink, records RecordStore) *PodStore {
	return &PodStore{
		sink:    sink,
		records: records,
		locks:   newKeyLocks(),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
}

// Exists reports whether a submission record exists for the key.
func (s *PodStore) Exists(ctx context.Context, shipmentKey string) (bool, error) {
	if err := ValidateShipmentKey(shipmentKey); err != nil {
		return false, err
	}
	ok, err := s.records.Has(ctx, shipmentKey)
	if err != nil {
		return false, fmt.Errorf("check submission %s: %w", shipmentKey, err)
	}
	return ok, nil
}

// Load returns the stored submission or ErrNotFound.
func (s *PodStore) Load(ctx context.Context, shipmentKey string) (*PodSubmission, error) {
	if err := ValidateShipmentKey(shipmentKey); err != nil {
		return nil, err
	}
	rec, err := s.records.Get(ctx, shipmentKey)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load submission %s: %w", shipmentKey, err)
	}
	return rec, nil
}

// Save persists artifacts and metadata for the key.
//
// The returned bool is true when this call created the submission. When a
// submission already exists, the stored record is returned unchanged with
// created=false and nothing is written. A *WriteError means no record was
// created.
func (s *PodStore) Save(ctx context.Context, shipmentKey string, artifacts []Artifact, meta Metadata) (*PodSubmission, bool, error) {
	if err := ValidateShipmentKey(shipmentKey); err != nil {
		return nil, false, err
	}
	if err := validateArtifacts(artifacts, meta.UploadMode); err != nil {
		return nil, false, err
	}

	unlock := s.locks.lock(shipmentKey)
	defer unlock()

	existing, err := s.records.Get(ctx, shipmentKey)
	switch {
	case err == nil:
		log.Info().
			Str("shipmentKey", shipmentKey).
			Str("submissionId", existing.SubmissionID).
			Msg("Submission already exists, returning stored record")
		return existing, false, nil
	case !errors.Is(err, ErrNotFound):
		return nil, false, fmt.Errorf("check existing submission %s: %w", shipmentKey, err)
	}

	start := time.Now()
	submittedAt := s.now()
	rec := &PodSubmission{
		ShipmentKey:      shipmentKey,
		SubmissionID:     s.newID(),
		ArtifactPaths:    make([]string, 0, len(artifacts)),
		Artifacts:        make([]ArtifactInfo, 0, len(artifacts)),
		UploadMode:       meta.UploadMode,
		SubmittedAt:      submittedAt,
		ShipmentSnapshot: meta.ShipmentSnapshot,
		Language:         meta.Language,
	}

	for _, a := range artifacts {
		contentType := a.ContentType
		if contentType == "" {
			contentType = http.DetectContentType(a.Data)
		}
		key := artifactKey(shipmentKey, a.Index, submittedAt, rec.SubmissionID, contentType)

		ref, err := s.sink.Put(ctx, key, a.Data, contentType)
		if err != nil {
			return nil, false, &WriteError{Stage: "artifact", ShipmentKey: shipmentKey, Index: a.Index, Err: err}
		}

		sum := sha256.Sum256(a.Data)
		rec.ArtifactPaths = append(rec.ArtifactPaths, ref)
		rec.Artifacts = append(rec.Artifacts, ArtifactInfo{
			Index:       a.Index,
			Ref:         ref,
			ContentType: contentType,
			Size:        len(a.Data),
			SHA256:      hex.EncodeToString(sum[:]),
			Capture:     a.Capture,
		})
	}

	if err := s.records.Create(ctx, rec); err != nil {
		if errors.Is(err, ErrAlreadySubmitted) {
			// Another process won between our check and our write.
			winner, getErr := s.records.Get(ctx, shipmentKey)
			if getErr != nil {
				return nil, false, fmt.Errorf("load winning submission %s: %w", shipmentKey, getErr)
			}
			log.Warn().
				Str("shipmentKey", shipmentKey).
				Str("submissionId", winner.SubmissionID).
				Str("discardedId", rec.SubmissionID).
				Msg("Concurrent submission won the race, discarding ours")
			return winner, false, nil
		}
		return nil, false, &WriteError{Stage: "metadata", ShipmentKey: shipmentKey, Err: err}
	}

	log.Info().
		Str("shipmentKey", shipmentKey).
		Str("submissionId", rec.SubmissionID).
		Str("uploadMode", string(rec.UploadMode)).
		Int("artifacts", len(rec.ArtifactPaths)).
		Dur("elapsed", time.Since(start)).
		Msg("Submission persisted")
	return rec, true, nil
}

func validateArtifacts(artifacts []Artifact, mode UploadMode) error {
	want := mode.ArtifactCount()
	if want == 0 {
		return fmt.Errorf("%w: unknown upload mode %q", ErrInvalidArtifacts, mode)
	}
	if len(artifacts) != want {
		return fmt.Errorf("%w: %s needs %d artifacts, got %d", ErrInvalidArtifacts, mode, want, len(artifacts))
	}
	seen := make(map[int]bool, len(artifacts))
	for _, a := range artifacts {
		if len(a.Data) == 0 {
			return fmt.Errorf("%w: artifact %d is empty", ErrInvalidArtifacts, a.Index)
		}
		if seen[a.Index] {
			return fmt.Errorf("%w: duplicate index %d", ErrInvalidArtifacts, a.Index)
		}
		seen[a.Index] = true
	}
	return nil
}

// artifactKey builds {shipmentKey}/pod_{index}_{yyyymmdd_hhmmss}_{id8}{ext}.
func artifactKey(shipmentKey string, index int, at time.Time, submissionID, contentType string) string {
	id := strings.ReplaceAll(submissionID, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("%s/pod_%d_%s_%s%s", shipmentKey, index, at.Format("20060102_150405"), id, extensionFor(contentType))
}

func extensionFor(contentType string) string {
	switch strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])) {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	case "image/bmp":
		return ".bmp"
	case "image/tiff":
		return ".tiff"
	case "image/heic":
		return ".heic"
	case "image/heif":
		return ".heif"
	default:
		return ".jpg"
	}
}
