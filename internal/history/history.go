// Package history implements the History store (component L in
// SPEC_FULL.md §2/§3): an append-only execution history capped at the
// most recent N=1000 records, persisted the same way the catalogue store
// persists its document (write-to-temp then rename).
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sqlfanout/reportcore/pkg/catalog"
)

// MaxRecords is the cap on retained history records; the oldest is
// evicted on overflow.
const MaxRecords = 1000

// Store persists capped execution history at Path.
type Store struct {
	mu   sync.Mutex
	Path string
}

// New returns a Store rooted at path.
func New(path string) *Store {
	return &Store{Path: path}
}

// Append records r, evicting the oldest record if the store is at
// capacity.
func (s *Store) Append(r catalog.HistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.loadLocked()
	if err != nil {
		return err
	}

	records = append(records, r)
	if len(records) > MaxRecords {
		records = records[len(records)-MaxRecords:]
	}

	return s.saveLocked(records)
}

// List returns every retained record, oldest first.
func (s *Store) List() ([]catalog.HistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

// ForJob returns the retained records for jobID, oldest first.
func (s *Store) ForJob(jobID string) ([]catalog.HistoryRecord, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	out := make([]catalog.HistoryRecord, 0, len(all))
	for _, r := range all {
		if r.JobID == jobID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) loadLocked() ([]catalog.HistoryRecord, error) {
	data, err := os.ReadFile(s.Path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading history %s: %w", s.Path, err)
	}
	var records []catalog.HistoryRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parsing history %s: %w", s.Path, err)
	}
	return records, nil
}

func (s *Store) saveLocked(records []catalog.HistoryRecord) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling history: %w", err)
	}

	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating history dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".history-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp history file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp history file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp history file: %w", err)
	}
	if err := os.Rename(tmpPath, s.Path); err != nil {
		return fmt.Errorf("renaming history into place: %w", err)
	}
	return nil
}
