package submission

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/trella/pod-capture/internal/quality"
	"github.com/trella/pod-capture/internal/store"
)

// DefaultSessionTTL is how long an idle session keeps its attempt count.
const DefaultSessionTTL = 30 * time.Minute

// StagedImage is an image held by a session until submit.
type StagedImage struct {
	Ref         string
	Data        []byte
	ContentType string
	SHA256      string
	StagedAt    time.Time

	// stored is set once the bytes are in the shared staging store.
	stored bool
}

func newStagedImage(data []byte, at time.Time) *StagedImage {
	sum := sha256.Sum256(data)
	return &StagedImage{
		Ref:         uuid.NewString(),
		Data:        data,
		ContentType: http.DetectContentType(data),
		SHA256:      hex.EncodeToString(sum[:]),
		StagedAt:    at,
	}
}

// Session is one driver's pass through the workflow for one shipment.
// The Workflow holds mu for a whole step. lastSeen belongs to the Registry.
type Session struct {
	ID          string
	ShipmentKey string

	mu       sync.Mutex
	attempt  *AttemptState
	state    State
	verdict  *quality.Verdict
	accepted *StagedImage
	fallback []*StagedImage
	lastSeen time.Time
	// version of the shared record this session last read or wrote.
	version int
}

func newSession(id, shipmentKey string, now time.Time) *Session {
	return &Session{
		ID:          id,
		ShipmentKey: shipmentKey,
		attempt:     NewAttemptState(),
		state:       StateAwaitingInput,
		lastSeen:    now,
	}
}

// SessionView is a read-only snapshot of a session.
type SessionView struct {
	ID                string           `json:"sessionId"`
	ShipmentKey       string           `json:"shipmentKey"`
	State             State            `json:"state"`
	Mode              Mode             `json:"mode"`
	AttemptsUsed      int              `json:"attemptsUsed"`
	AttemptsRemaining int              `json:"attemptsRemaining"`
	LastVerdict       *quality.Verdict `json:"lastVerdict,omitempty"`
	ImageRefs         []string         `json:"imageRefs"`
}

// view must be called with mu held.
func (s *Session) view() SessionView {
	v := SessionView{
		ID:                s.ID,
		ShipmentKey:       s.ShipmentKey,
		State:             s.state,
		Mode:              s.attempt.Mode,
		AttemptsUsed:      s.attempt.AttemptsUsed,
		AttemptsRemaining: s.attempt.Remaining(),
		LastVerdict:       s.verdict,
		ImageRefs:         []string{},
	}
	if s.accepted != nil {
		v.ImageRefs = append(v.ImageRefs, s.accepted.Ref)
	}
	for _, img := range s.fallback {
		v.ImageRefs = append(v.ImageRefs, img.Ref)
	}
	return v
}

// stageFallback adds an image to the fallback set. Re-uploading identical
// bytes returns the already staged image; beyond FallbackImages the
// oldest image is dropped. Must be called with mu held.
func (s *Session) stageFallback(data []byte, at time.Time) *StagedImage {
	img := newStagedImage(data, at)
	for i, existing := range s.fallback {
		if existing.SHA256 == img.SHA256 {
			s.fallback = append(append(s.fallback[:i:i], s.fallback[i+1:]...), existing)
			return existing
		}
	}
	s.fallback = append(s.fallback, img)
	if len(s.fallback) > FallbackImages {
		s.fallback = s.fallback[len(s.fallback)-FallbackImages:]
	}
	return img
}

// record converts the session to its shared form. Must be called with mu held.
func (s *Session) record(now time.Time, ttl time.Duration) *store.SessionRecord {
	rec := &store.SessionRecord{
		ID:           s.ID,
		ShipmentKey:  s.ShipmentKey,
		State:        string(s.state),
		Mode:         string(s.attempt.Mode),
		AttemptsUsed: s.attempt.AttemptsUsed,
		LastVerdict:  s.verdict,
		Version:      s.version,
		UpdatedAt:    now,
		ExpiresAt:    now.Add(ttl).Unix(),
	}
	if s.accepted != nil {
		a := s.accepted.staged()
		rec.Accepted = &a
	}
	for _, img := range s.fallback {
		rec.Fallback = append(rec.Fallback, img.staged())
	}
	return rec
}

// restore replaces the session state with rec. Image bytes already held
// for a ref are kept; the rest load lazily. Must be called with mu held.
func (s *Session) restore(rec *store.SessionRecord) {
	cached := make(map[string]*StagedImage)
	for _, img := range s.images() {
		cached[img.Ref] = img
	}
	image := func(r store.StagedRecord) *StagedImage {
		if img, ok := cached[r.Ref]; ok {
			img.stored = true
			return img
		}
		return &StagedImage{Ref: r.Ref, ContentType: r.ContentType, SHA256: r.SHA256, StagedAt: r.StagedAt, stored: true}
	}

	s.attempt = &AttemptState{AttemptsUsed: rec.AttemptsUsed, Mode: Mode(rec.Mode), MaxAttempts: MaxAttempts}
	s.state = State(rec.State)
	s.verdict = rec.LastVerdict
	s.accepted = nil
	if rec.Accepted != nil {
		s.accepted = image(*rec.Accepted)
	}
	s.fallback = nil
	for _, r := range rec.Fallback {
		s.fallback = append(s.fallback, image(r))
	}
	s.version = rec.Version
}

func (s *Session) images() []*StagedImage {
	var out []*StagedImage
	if s.accepted != nil {
		out = append(out, s.accepted)
	}
	return append(out, s.fallback...)
}

func (img *StagedImage) staged() store.StagedRecord {
	return store.StagedRecord{Ref: img.Ref, ContentType: img.ContentType, SHA256: img.SHA256, StagedAt: img.StagedAt}
}

// Registry holds live sessions in memory and expires idle ones. With a
// shared SessionStore and StagingStore every step is also written through,
// so a session started in one process can be continued in another.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
	now      func() time.Time
	newID    func() string

	shared  store.SessionStore
	staging store.StagingStore
}

// NewRegistry creates a process-local registry whose sessions expire after
// ttl of inactivity. A non-positive ttl uses DefaultSessionTTL.
func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Registry{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// NewSharedRegistry creates a registry backed by shared session records
// and staged images, for deployments where consecutive requests may reach
// different processes.
func NewSharedRegistry(ttl time.Duration, sessions store.SessionStore, staging store.StagingStore) *Registry {
	r := NewRegistry(ttl)
	r.shared = sessions
	r.staging = staging
	return r
}

// Shared reports whether the registry writes sessions through to a shared store.
func (r *Registry) Shared() bool { return r.shared != nil }

// Acquire returns the live session id if it belongs to shipmentKey, or
// starts a new session otherwise.
func (r *Registry) Acquire(ctx context.Context, id, shipmentKey string) (*Session, error) {
	s, err := r.lookup(ctx, id, shipmentKey)
	if err != nil || s != nil {
		return s, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	s = newSession(r.newID(), shipmentKey, r.now())
	r.sessions[s.ID] = s
	log.Debug().
		Str("sessionId", s.ID).
		Str("shipmentKey", shipmentKey).
		Msg("Session started")
	return s, nil
}

// Get returns a live session without creating one, or ErrSessionNotFound.
func (r *Registry) Get(ctx context.Context, id, shipmentKey string) (*Session, error) {
	s, err := r.lookup(ctx, id, shipmentKey)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// lookup finds id in memory, then in the shared store. It returns
// (nil, nil) when neither holds a live session for shipmentKey.
func (r *Registry) lookup(ctx context.Context, id, shipmentKey string) (*Session, error) {
	if s := r.local(id, shipmentKey); s != nil {
		return s, nil
	}
	if r.shared == nil || id == "" {
		return nil, nil
	}

	rec, err := r.shared.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if rec == nil || rec.ShipmentKey != shipmentKey {
		return nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		if s.ShipmentKey != shipmentKey {
			return nil, nil
		}
		return s, nil
	}
	s := newSession(id, shipmentKey, r.now())
	s.restore(rec)
	r.sessions[id] = s
	log.Debug().
		Str("sessionId", id).
		Str("shipmentKey", shipmentKey).
		Int("version", rec.Version).
		Msg("Session resumed from shared store")
	return s, nil
}

func (r *Registry) local(id, shipmentKey string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || s.ShipmentKey != shipmentKey {
		return nil
	}
	now := r.now()
	if now.Sub(s.lastSeen) > r.ttl {
		delete(r.sessions, id)
		log.Debug().Str("sessionId", id).Msg("Session expired")
		return nil
	}
	s.lastSeen = now
	return s
}

// refresh reloads s when another process wrote a newer version.
// Must be called with s.mu held.
func (r *Registry) refresh(ctx context.Context, s *Session) error {
	if r.shared == nil || s.version == 0 {
		return nil
	}
	rec, err := r.shared.GetSession(ctx, s.ID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if rec != nil && rec.Version > s.version {
		s.restore(rec)
	}
	return nil
}

// persist writes new staged images and then the session record.
// Must be called with s.mu held.
func (r *Registry) persist(ctx context.Context, s *Session) error {
	if r.shared == nil {
		return nil
	}
	for _, img := range s.images() {
		if img.stored {
			continue
		}
		if err := r.staging.PutStaged(ctx, s.ID, img.Ref, img.Data, img.ContentType); err != nil {
			return fmt.Errorf("stage image: %w", err)
		}
		img.stored = true
	}

	rec := s.record(r.now(), r.ttl)
	rec.Version = s.version + 1
	if err := r.shared.PutSession(ctx, rec); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	s.version = rec.Version
	return nil
}

// imageData returns the bytes of img, fetching them from the staging
// store when this process did not receive the upload.
func (r *Registry) imageData(ctx context.Context, s *Session, img *StagedImage) ([]byte, error) {
	if img.Data != nil {
		return img.Data, nil
	}
	if r.staging == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownImage, img.Ref)
	}
	data, err := r.staging.GetStaged(ctx, s.ID, img.Ref)
	if err != nil {
		return nil, fmt.Errorf("load staged image: %w", err)
	}
	img.Data = data
	return data, nil
}

// Remove discards a session and its attempt state.
func (r *Registry) Remove(ctx context.Context, id string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()

	if r.shared != nil {
		if err := r.shared.DeleteSession(ctx, id); err != nil {
			log.Warn().Err(err).Str("sessionId", id).Msg("Failed to delete shared session")
		}
	}
}

// Sweep drops expired sessions and returns how many were removed.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for id, s := range r.sessions {
		if now.Sub(s.lastSeen) > r.ttl {
			delete(r.sessions, id)
			removed++
		}
	}
	return removed
}

// Run sweeps expired sessions every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				log.Debug().Int("removed", n).Msg("Expired sessions swept")
			}
		}
	}
}

// Len returns the number of sessions held, expired or not.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
