// Package wavestore persists raw waveform payloads to durable local
// storage. Records in the catalog reference waveforms by the returned
// ref; the bytes themselves are never embedded in catalog rows.
package wavestore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/seismox/seismox/internal/types"
)

// Store writes waveform payloads beneath a base directory, one file per
// segment, keyed by station code and receipt timestamp.
type Store struct {
	baseDir string
}

// New creates the base directory if needed and returns a Store.
func New(baseDir string) (*Store, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("wavestore: base directory not configured")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("wavestore: creating %s: %w", baseDir, err)
	}
	return &Store{baseDir: baseDir}, nil
}

// Put durably writes data and returns a ref usable in catalog records.
// The write is synced before returning; failures are transient from the
// scheduler's point of view and eligible for retry.
func (s *Store) Put(stationCode string, receivedAt time.Time, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("wavestore: %w: empty payload", types.ErrMalformedInput)
	}

	name := fmt.Sprintf("%s_%s.mseed", stationCode, receivedAt.UTC().Format("20060102T150405.000000000"))
	path := filepath.Join(s.baseDir, name)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", types.Transientf("wavestore: open %s: %v", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", types.Transientf("wavestore: write %s: %v", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return "", types.Transientf("wavestore: sync %s: %v", path, err)
	}
	if err := f.Close(); err != nil {
		return "", types.Transientf("wavestore: close %s: %v", path, err)
	}

	return name, nil
}

// Path resolves a ref returned by Put to an absolute file path.
func (s *Store) Path(ref string) string {
	return filepath.Join(s.baseDir, ref)
}

// Get reads back the payload for a ref.
func (s *Store) Get(ref string) ([]byte, error) {
	data, err := os.ReadFile(s.Path(ref))
	if err != nil {
		return nil, types.Transientf("wavestore: read %s: %v", ref, err)
	}
	return data, nil
}
