// Package store persists the single-document catalogue (connections, jobs,
// settings) described in SPEC_FULL.md §6, with atomic writes and legacy-shape
// migration for the taxonomy fields.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sqlfanout/reportcore/pkg/catalog"
)

// Document is the top-level persisted shape.
type Document struct {
	Connections []catalog.Connection `json:"connections"`
	Jobs        []catalog.Job        `json:"jobs"`
	Settings    catalog.Settings     `json:"settings"`
}

// rawDocument mirrors Document but keeps the taxonomy fields as raw JSON so
// Load can normalise either historical shape before handing back a Document.
type rawDocument struct {
	Connections []catalog.Connection `json:"connections"`
	Jobs        []catalog.Job        `json:"jobs"`
	Settings    json.RawMessage      `json:"settings"`
}

type rawSettings struct {
	Pool   catalog.PoolSettings   `json:"pool"`
	Queue  catalog.QueueSettings  `json:"queue"`
	Buffer catalog.BufferSettings `json:"buffer"`

	FinancialYears       json.RawMessage `json:"financialYears"`
	Partners             json.RawMessage `json:"partners"`
	JobGroups            json.RawMessage `json:"jobGroups"`
	Stores               []string        `json:"stores"`
	Operators            []string        `json:"operators"`
	NotificationChannels []string        `json:"notificationChannels"`
}

// Store reads and atomically writes the catalogue document at Path.
type Store struct {
	Path string
}

// New returns a Store rooted at path.
func New(path string) *Store {
	return &Store{Path: path}
}

// Load reads and parses the catalogue, normalising legacy taxonomy shapes.
// A missing file is not an error: Load returns an empty Document with
// DefaultSettings so a fresh deployment can start from nothing.
func (s *Store) Load() (*Document, error) {
	data, err := os.ReadFile(s.Path)
	if os.IsNotExist(err) {
		doc := &Document{Settings: catalog.DefaultSettings()}
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading catalogue %s: %w", s.Path, err)
	}

	var raw rawDocument
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing catalogue %s: %w", s.Path, err)
	}

	settings, err := normalizeSettings(raw.Settings)
	if err != nil {
		return nil, fmt.Errorf("normalising settings in %s: %w", s.Path, err)
	}

	doc := &Document{
		Connections: raw.Connections,
		Jobs:        raw.Jobs,
		Settings:    settings,
	}
	for i := range doc.Jobs {
		doc.Jobs[i].ConnectionIDs = doc.Jobs[i].DedupedConnectionIDs()
	}
	return doc, nil
}

// Save writes doc to Path atomically: encode to a temp file in the same
// directory, then rename over the destination.
func (s *Store) Save(doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling catalogue: %w", err)
	}

	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating catalogue dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".catalogue-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp catalogue file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp catalogue file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp catalogue file: %w", err)
	}
	if err := os.Rename(tmpPath, s.Path); err != nil {
		return fmt.Errorf("renaming catalogue into place: %w", err)
	}
	return nil
}

func normalizeSettings(raw json.RawMessage) (catalog.Settings, error) {
	settings := catalog.DefaultSettings()
	if len(raw) == 0 || string(raw) == "null" {
		return settings, nil
	}

	var rs rawSettings
	if err := json.Unmarshal(raw, &rs); err != nil {
		return catalog.Settings{}, err
	}

	if rs.Pool != (catalog.PoolSettings{}) {
		settings.Pool = rs.Pool
	}
	if rs.Queue != (catalog.QueueSettings{}) {
		settings.Queue = rs.Queue
	}
	if rs.Buffer.SizeThreshold != 0 {
		settings.Buffer = rs.Buffer
	}

	var err error
	if settings.FinancialYears, err = catalog.UnmarshalTaxonomy(rs.FinancialYears); err != nil {
		return catalog.Settings{}, fmt.Errorf("financialYears: %w", err)
	}
	if settings.Partners, err = catalog.UnmarshalTaxonomy(rs.Partners); err != nil {
		return catalog.Settings{}, fmt.Errorf("partners: %w", err)
	}
	if settings.JobGroups, err = catalog.UnmarshalTaxonomy(rs.JobGroups); err != nil {
		return catalog.Settings{}, fmt.Errorf("jobGroups: %w", err)
	}
	settings.Stores = rs.Stores
	settings.Operators = rs.Operators
	settings.NotificationChannels = rs.NotificationChannels

	return settings, nil
}
