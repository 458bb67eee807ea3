package submission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/trella/pod-capture/internal/quality"
	"github.com/trella/pod-capture/internal/shipment"
	"github.com/trella/pod-capture/internal/store"
)

var (
	// ErrWrongImageCount is returned by Submit when the request does not
	// name exactly the images the mode needs. No state changes.
	ErrWrongImageCount = errors.New("wrong number of distinct images")

	// ErrNotAccepted is returned by Submit in single mode before an image
	// has passed the quality gate.
	ErrNotAccepted = errors.New("no accepted image to submit")

	// ErrSessionClosed is returned for steps on a session that already
	// reached a terminal state.
	ErrSessionClosed = errors.New("session closed")

	// ErrUnknownImage is returned when Submit names an image the session
	// has not staged.
	ErrUnknownImage = errors.New("unknown image reference")

	// ErrSessionNotFound is returned by Submit when the session expired or
	// never existed, here or in the shared session store.
	ErrSessionNotFound = errors.New("session not found")
)

// Languages the driver can pick; the first is the default.
var Languages = []string{"en", "ar", "ur"}

// Analyzer scores image bytes.
type Analyzer interface {
	Analyze(data []byte) quality.Verdict
}

// Store is the persistence the workflow needs.
type Store interface {
	Exists(ctx context.Context, shipmentKey string) (bool, error)
	Load(ctx context.Context, shipmentKey string) (*store.PodSubmission, error)
	Save(ctx context.Context, shipmentKey string, artifacts []store.Artifact, meta store.Metadata) (*store.PodSubmission, bool, error)
}

// Publisher is notified once per created submission.
type Publisher interface {
	PublishSubmitted(ctx context.Context, sub *store.PodSubmission) error
}

// CaptureFunc extracts optional capture metadata from image bytes.
type CaptureFunc func(data []byte) *store.Capture

// Options holds the optional collaborators of a Workflow.
type Options struct {
	Shipments shipment.Lookup
	Publisher Publisher
	Capture   CaptureFunc
}

// Workflow runs the submission state machine for every session.
type Workflow struct {
	analyzer  Analyzer
	store     Store
	sessions  *Registry
	shipments shipment.Lookup
	publisher Publisher
	capture   CaptureFunc
	now       func() time.Time
}

// NewWorkflow wires a workflow.
func NewWorkflow(analyzer Analyzer, st Store, sessions *Registry, opts Options) *Workflow {
	return &Workflow{
		analyzer:  analyzer,
		store:     st,
		sessions:  sessions,
		shipments: opts.Shipments,
		publisher: opts.Publisher,
		capture:   opts.Capture,
		now:       time.Now,
	}
}

// Sessions returns the registry backing the workflow.
func (w *Workflow) Sessions() *Registry { return w.sessions }

// AttemptResult is the outcome of one uploaded image.
type AttemptResult struct {
	SessionView
	// Verdict is nil when the image was staged without analysis.
	Verdict    *quality.Verdict
	ImageRef   string
	Submission *store.PodSubmission
}

// SubmitRequest names the staged images to persist.
type SubmitRequest struct {
	Images   []string
	Language string
}

// SubmitResult is the outcome of Submit. State is StateSubmitted for the
// caller that created the record and StateAlreadySubmitted otherwise.
type SubmitResult struct {
	SessionID  string
	State      State
	Submission *store.PodSubmission
}

// guard returns the stored submission when one exists for the key.
func (w *Workflow) guard(ctx context.Context, shipmentKey string) (*store.PodSubmission, error) {
	ok, err := w.store.Exists(ctx, shipmentKey)
	if err != nil || !ok {
		return nil, err
	}
	sub, err := w.store.Load(ctx, shipmentKey)
	if err != nil {
		return nil, fmt.Errorf("load existing submission: %w", err)
	}
	return sub, nil
}

// Begin opens (or resumes) a session for the key. When the shipment is
// already submitted the stored record is returned and no session is kept.
func (w *Workflow) Begin(ctx context.Context, sessionID, shipmentKey string) (SessionView, *store.PodSubmission, error) {
	if err := store.ValidateShipmentKey(shipmentKey); err != nil {
		return SessionView{}, nil, err
	}
	existing, err := w.guard(ctx, shipmentKey)
	if err != nil {
		return SessionView{}, nil, err
	}
	if existing != nil {
		w.sessions.Remove(ctx, sessionID)
		return SessionView{
			ID:          sessionID,
			ShipmentKey: shipmentKey,
			State:       StateAlreadySubmitted,
			ImageRefs:   []string{},
		}, existing, nil
	}

	s, err := w.sessions.Acquire(ctx, sessionID, shipmentKey)
	if err != nil {
		return SessionView{}, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := w.sessions.refresh(ctx, s); err != nil {
		return SessionView{}, nil, err
	}
	if s.version == 0 {
		if err := w.sessions.persist(ctx, s); err != nil {
			return SessionView{}, nil, err
		}
	}
	return s.view(), nil, nil
}

// SubmitAttempt feeds one uploaded image into the session.
//
// In single mode the image is analyzed and the verdict drives the state
// machine. In fallback mode the image is staged without analysis.
func (w *Workflow) SubmitAttempt(ctx context.Context, sessionID, shipmentKey string, data []byte) (*AttemptResult, error) {
	if err := store.ValidateShipmentKey(shipmentKey); err != nil {
		return nil, err
	}
	existing, err := w.guard(ctx, shipmentKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		w.sessions.Remove(ctx, sessionID)
		return &AttemptResult{
			SessionView: SessionView{ID: sessionID, ShipmentKey: shipmentKey, State: StateAlreadySubmitted, ImageRefs: []string{}},
			Submission:  existing,
		}, nil
	}

	s, err := w.sessions.Acquire(ctx, sessionID, shipmentKey)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := w.sessions.refresh(ctx, s); err != nil {
		return nil, err
	}
	if s.state.Terminal() {
		return nil, ErrSessionClosed
	}
	// A failed write leaves the session as it was before this attempt.
	before := s.record(w.now(), 0)

	logger := log.With().
		Str("shipmentKey", shipmentKey).
		Str("sessionId", s.ID).
		Logger()

	if s.attempt.Mode == ModeFallback {
		img := s.stageFallback(data, w.now())
		s.state = StateFallbackCollecting
		if err := w.sessions.persist(ctx, s); err != nil {
			s.restore(before)
			return nil, err
		}
		logger.Info().
			Str("imageRef", img.Ref).
			Int("staged", len(s.fallback)).
			Msg("Fallback image staged")
		return &AttemptResult{SessionView: s.view(), ImageRef: img.Ref}, nil
	}

	s.state = StateAnalyzing
	start := time.Now()
	verdict := w.analyzer.Analyze(data)
	s.verdict = &verdict
	s.state = s.attempt.Record(verdict)

	res := &AttemptResult{Verdict: &verdict}
	switch s.state {
	case StateAccepted:
		s.accepted = newStagedImage(data, w.now())
		res.ImageRef = s.accepted.Ref
	default:
		s.accepted = nil
	}

	logger.Info().
		Bool("passed", verdict.Passed).
		Interface("reasons", verdict.Reasons).
		Int("attempt", s.attempt.AttemptsUsed).
		Str("mode", string(s.attempt.Mode)).
		Str("state", string(s.state)).
		Dur("elapsed", time.Since(start)).
		Msg("Image analyzed")

	if err := w.sessions.persist(ctx, s); err != nil {
		s.restore(before)
		return nil, err
	}
	res.SessionView = s.view()
	return res, nil
}

// Submit persists the session's staged images.
//
// Single mode needs an accepted image; fallback mode needs exactly
// FallbackImages distinct images. When another writer got there first the
// stored record is returned with StateAlreadySubmitted. A *store.WriteError
// leaves the session as it was so the caller can retry.
func (w *Workflow) Submit(ctx context.Context, sessionID, shipmentKey string, req SubmitRequest) (*SubmitResult, error) {
	if err := store.ValidateShipmentKey(shipmentKey); err != nil {
		return nil, err
	}
	existing, err := w.guard(ctx, shipmentKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		w.sessions.Remove(ctx, sessionID)
		return &SubmitResult{SessionID: sessionID, State: StateAlreadySubmitted, Submission: existing}, nil
	}

	s, err := w.sessions.Get(ctx, sessionID, shipmentKey)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := w.sessions.refresh(ctx, s); err != nil {
		return nil, err
	}
	if s.state.Terminal() {
		return nil, ErrSessionClosed
	}

	images, mode, err := s.selectImages(req.Images)
	if err != nil {
		return nil, err
	}

	artifacts := make([]store.Artifact, len(images))
	for i, img := range images {
		data, err := w.sessions.imageData(ctx, s, img)
		if err != nil {
			return nil, err
		}
		artifacts[i] = store.Artifact{Index: i, Data: data, ContentType: img.ContentType}
		if w.capture != nil {
			artifacts[i].Capture = w.capture(data)
		}
	}
	meta := store.Metadata{
		UploadMode:       mode,
		ShipmentSnapshot: w.snapshot(ctx, shipmentKey),
		Language:         normalizeLanguage(req.Language),
	}

	sub, created, err := w.store.Save(ctx, shipmentKey, artifacts, meta)
	if err != nil {
		log.Error().Err(err).
			Str("shipmentKey", shipmentKey).
			Str("sessionId", s.ID).
			Msg("Submission save failed")
		return nil, err
	}

	w.sessions.Remove(ctx, s.ID)
	if !created {
		s.state = StateAlreadySubmitted
		return &SubmitResult{SessionID: s.ID, State: StateAlreadySubmitted, Submission: sub}, nil
	}

	s.state = StateSubmitted
	if w.publisher != nil {
		if err := w.publisher.PublishSubmitted(ctx, sub); err != nil {
			log.Warn().Err(err).
				Str("shipmentKey", shipmentKey).
				Str("submissionId", sub.SubmissionID).
				Msg("PodSubmitted event not delivered")
		}
	}
	return &SubmitResult{SessionID: s.ID, State: StateSubmitted, Submission: sub}, nil
}

// Submission returns the stored record for the key or store.ErrNotFound.
func (w *Workflow) Submission(ctx context.Context, shipmentKey string) (*store.PodSubmission, error) {
	return w.store.Load(ctx, shipmentKey)
}

// selectImages resolves refs against the staged images. An empty refs
// list selects everything staged. Must be called with mu held.
func (s *Session) selectImages(refs []string) ([]*StagedImage, store.UploadMode, error) {
	if s.attempt.Mode == ModeSingle {
		if s.state != StateAccepted || s.accepted == nil {
			return nil, "", ErrNotAccepted
		}
		switch {
		case len(refs) == 0:
		case len(refs) != 1:
			return nil, "", fmt.Errorf("%w: single mode takes 1 image, got %d", ErrWrongImageCount, len(refs))
		case refs[0] != s.accepted.Ref:
			return nil, "", fmt.Errorf("%w: %s", ErrUnknownImage, refs[0])
		}
		return []*StagedImage{s.accepted}, store.UploadSingle, nil
	}

	var picked []*StagedImage
	if len(refs) == 0 {
		picked = append(picked, s.fallback...)
	} else {
		for _, ref := range refs {
			img := s.findFallback(ref)
			if img == nil {
				return nil, "", fmt.Errorf("%w: %s", ErrUnknownImage, ref)
			}
			picked = append(picked, img)
		}
	}

	distinct := make(map[string]bool, len(picked))
	for _, img := range picked {
		distinct[img.SHA256] = true
	}
	if len(picked) != FallbackImages || len(distinct) != FallbackImages {
		return nil, "", fmt.Errorf("%w: fallback needs %d, got %d", ErrWrongImageCount, FallbackImages, len(distinct))
	}
	return picked, store.UploadFallbackTriple, nil
}

func (s *Session) findFallback(ref string) *StagedImage {
	for _, img := range s.fallback {
		if img.Ref == ref {
			return img
		}
	}
	return nil
}

// snapshot builds the audit snapshot. Lookup failures do not block a
// submission; the record then only carries the key.
func (w *Workflow) snapshot(ctx context.Context, shipmentKey string) map[string]string {
	if w.shipments == nil {
		return map[string]string{"key": shipmentKey}
	}
	sh, err := w.shipments.Get(ctx, shipmentKey)
	if err != nil {
		log.Warn().Err(err).
			Str("shipmentKey", shipmentKey).
			Msg("Shipment lookup failed, storing submission without snapshot")
		return map[string]string{"key": shipmentKey}
	}
	return sh.Snapshot()
}

func normalizeLanguage(lang string) string {
	for _, l := range Languages {
		if lang == l {
			return l
		}
	}
	return Languages[0]
}
