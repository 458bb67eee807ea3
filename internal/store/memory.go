package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemorySink keeps artifact bytes in a map. References are the keys.
type MemorySink struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{objects: make(map[string][]byte)}
}

func (m *MemorySink) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	return key, nil
}

// Get returns a copy of the stored bytes.
func (m *MemorySink) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// Len returns the number of stored objects.
func (m *MemorySink) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// MemoryRecords keeps submission records in a map.
type MemoryRecords struct {
	mu      sync.Mutex
	records map[string]PodSubmission
}

var _ RecordStore = (*MemoryRecords)(nil)

// NewMemoryRecords creates an empty MemoryRecords.
func NewMemoryRecords() *MemoryRecords {
	return &MemoryRecords{records: make(map[string]PodSubmission)}
}

func (m *MemoryRecords) Create(_ context.Context, rec *PodSubmission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ShipmentKey]; ok {
		return ErrAlreadySubmitted
	}
	m.records[rec.ShipmentKey] = *rec
	return nil
}

func (m *MemoryRecords) Get(_ context.Context, shipmentKey string) (*PodSubmission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[shipmentKey]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (m *MemoryRecords) Has(_ context.Context, shipmentKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[shipmentKey]
	return ok, nil
}

// MemorySessions is a SessionStore in a map. Sharing one instance between
// several registries behaves like sharing a table between processes.
type MemorySessions struct {
	mu       sync.Mutex
	sessions map[string]SessionRecord
	now      func() time.Time
}

var _ SessionStore = (*MemorySessions)(nil)

// NewMemorySessions creates an empty MemorySessions.
func NewMemorySessions() *MemorySessions {
	return &MemorySessions{sessions: make(map[string]SessionRecord), now: time.Now}
}

func (m *MemorySessions) GetSession(_ context.Context, id string) (*SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok || rec.Expired(m.now()) {
		return nil, nil
	}
	rec.Fallback = append([]StagedRecord(nil), rec.Fallback...)
	return &rec, nil
}

func (m *MemorySessions) PutSession(_ context.Context, rec *SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.sessions[rec.ID]
	if (ok && prev.Version != rec.Version-1) || (!ok && rec.Version != 1) {
		return ErrSessionConflict
	}
	stored := *rec
	stored.Fallback = append([]StagedRecord(nil), rec.Fallback...)
	m.sessions[rec.ID] = stored
	return nil
}

func (m *MemorySessions) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

// Len returns the number of stored sessions.
func (m *MemorySessions) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// MemoryStaging is a StagingStore on top of a MemorySink.
type MemoryStaging struct {
	*MemorySink
}

var _ StagingStore = (*MemoryStaging)(nil)

// NewMemoryStaging creates an empty MemoryStaging.
func NewMemoryStaging() *MemoryStaging {
	return &MemoryStaging{MemorySink: NewMemorySink()}
}

// StagingKey is the object key of a staged image.
func StagingKey(sessionID, ref string) string {
	return "sessions/" + sessionID + "/" + ref
}

func (m *MemoryStaging) PutStaged(ctx context.Context, sessionID, ref string, data []byte, contentType string) error {
	_, err := m.Put(ctx, StagingKey(sessionID, ref), data, contentType)
	return err
}

func (m *MemoryStaging) GetStaged(_ context.Context, sessionID, ref string) ([]byte, error) {
	data, ok := m.Get(StagingKey(sessionID, ref))
	if !ok {
		return nil, fmt.Errorf("staged image %s: %w", ref, ErrNotFound)
	}
	return data, nil
}
