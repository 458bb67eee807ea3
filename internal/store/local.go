package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// metadataFile is the per-shipment record written last by LocalRecords.
const metadataFile = "metadata.json"

// LocalSink writes artifacts under a root directory. References are the
// slash-separated keys relative to the root.
type LocalSink struct {
	root string
}

// NewLocalSink creates a LocalSink rooted at dir.
func NewLocalSink(dir string) *LocalSink {
	return &LocalSink{root: dir}
}

// Path resolves a reference returned by Put to a filesystem path.
func (l *LocalSink) Path(ref string) string {
	return filepath.Join(l.root, filepath.FromSlash(ref))
}

func (l *LocalSink) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	path := l.Path(key)
	if err := writeFileAtomic(path, data); err != nil {
		return "", err
	}
	log.Debug().Str("path", path).Int("bytes", len(data)).Msg("Artifact written to local storage")
	return key, nil
}

// LocalRecords stores one metadata.json per shipment directory.
// Create is atomic across processes: the record is written to a temp file
// and hard-linked into place, which fails if the target exists.
type LocalRecords struct {
	root string
}

var _ RecordStore = (*LocalRecords)(nil)

// NewLocalRecords creates a LocalRecords rooted at dir.
func NewLocalRecords(dir string) *LocalRecords {
	return &LocalRecords{root: dir}
}

func (l *LocalRecords) path(shipmentKey string) string {
	return filepath.Join(l.root, shipmentKey, metadataFile)
}

func (l *LocalRecords) Create(_ context.Context, rec *PodSubmission) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal submission: %w", err)
	}

	final := l.path(rec.ShipmentKey)
	dir := filepath.Dir(final)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".metadata-*.json")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp record: %w", err)
	}

	if err := os.Link(tmpName, final); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ErrAlreadySubmitted
		}
		return fmt.Errorf("link record %s: %w", final, err)
	}
	return nil
}

func (l *LocalRecords) Get(_ context.Context, shipmentKey string) (*PodSubmission, error) {
	data, err := os.ReadFile(l.path(shipmentKey))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read record: %w", err)
	}
	var rec PodSubmission
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", shipmentKey, err)
	}
	rec.ShipmentKey = shipmentKey
	return &rec, nil
}

func (l *LocalRecords) Has(_ context.Context, shipmentKey string) (bool, error) {
	_, err := os.Stat(l.path(shipmentKey))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat record: %w", err)
}

// writeFileAtomic writes data to a sibling temp file and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".artifact-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
