// Package record provides parsing for knowledge-graph candidate files.
//
// Each file in the data directory holds one FactRecord: the entities and
// relations extracted from a single scene. Records are immutable once
// loaded; when a file changes the whole record is reloaded.
package record

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileSuffix is the filename suffix that marks a fact record file.
// Files in the data directory that don't carry it are ignored.
const FileSuffix = ".kg_candidate.json"

// EntityObservation is one sighting of an entity within a scene.
// Observations are not kept after merging; they only feed the merger.
type EntityObservation struct {
	ID         string  `json:"id"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// RelationObservation is one sighting of a subject-relation-object triple.
type RelationObservation struct {
	Subject    string  `json:"subject"`
	Relation   string  `json:"relation"`
	Object     string  `json:"object"`
	Confidence float64 `json:"confidence"`
}

// Facts groups the extracted observations of a record.
// Attributes are carried through untouched; the sync core never
// interprets them.
type Facts struct {
	Entities   []EntityObservation   `json:"entities"`
	Relations  []RelationObservation `json:"relations"`
	Attributes []json.RawMessage     `json:"attributes,omitempty"`
}

// FactRecord is one data file's worth of observations.
type FactRecord struct {
	SceneID       string `json:"scene_id"`
	UserID        string `json:"user_id"`
	GeneratedAt   string `json:"generated_at,omitempty"`
	PromptVersion string `json:"prompt_version,omitempty"`
	Facts         Facts  `json:"facts"`
}

// LoadError describes a file or element that was skipped during loading.
// Skips never abort the batch; callers surface them as counts/logs.
type LoadError struct {
	// File is the filename (not full path) the problem was found in.
	File string
	// Err describes what was wrong.
	Err error
}

// Error implements the error interface.
func (e *LoadError) Error() string {
	return fmt.Sprintf("%s: %v", e.File, e.Err)
}

// Unwrap returns the underlying error.
func (e *LoadError) Unwrap() error {
	return e.Err
}

// IsRecordFile reports whether name looks like a fact record file.
// The same filter is used by the loader and the file watcher so they
// never disagree on which files count.
func IsRecordFile(name string) bool {
	return strings.HasSuffix(name, FileSuffix)
}

// ReadRecordFile reads and parses a single record file.
//
// A file that isn't valid JSON fails as a whole. Individual entities
// without an id and relations missing subject/relation/object are
// dropped from the record and reported as LoadErrors; the rest of the
// record survives.
func ReadRecordFile(path string) (*FactRecord, []*LoadError, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read record file %s: %w", path, err)
	}

	var rec FactRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, nil, fmt.Errorf("failed to parse record file %s: %w", path, err)
	}

	name := filepath.Base(path)

	// Scene id falls back to the file stem, matching the data producer's
	// naming convention (scene_XXXXXX.kg_candidate.json).
	if rec.SceneID == "" {
		rec.SceneID = strings.TrimSuffix(name, FileSuffix)
	}
	if rec.UserID == "" {
		rec.UserID = "unknown"
	}

	var loadErrs []*LoadError

	entities := rec.Facts.Entities[:0]
	for _, e := range rec.Facts.Entities {
		if e.ID == "" {
			loadErrs = append(loadErrs, &LoadError{
				File: name,
				Err:  fmt.Errorf("entity without id (type=%q) dropped", e.Type),
			})
			continue
		}
		if e.Type == "" {
			e.Type = "unknown"
		}
		entities = append(entities, e)
	}
	rec.Facts.Entities = entities

	relations := rec.Facts.Relations[:0]
	for _, r := range rec.Facts.Relations {
		if r.Subject == "" || r.Relation == "" || r.Object == "" {
			loadErrs = append(loadErrs, &LoadError{
				File: name,
				Err:  fmt.Errorf("relation %q/%q/%q missing required field, dropped", r.Subject, r.Relation, r.Object),
			})
			continue
		}
		relations = append(relations, r)
	}
	rec.Facts.Relations = relations

	return &rec, loadErrs, nil
}

// LoadAll reads every record file from dir.
//
// Files are parsed independently: a malformed file yields a LoadError
// and is excluded, never aborting the batch. The returned error is
// reserved for the directory itself being unreadable, in which case no
// partial result is returned.
func LoadAll(dir string) ([]*FactRecord, []*LoadError, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read data directory %s: %w", dir, err)
	}

	var (
		records  []*FactRecord
		loadErrs []*LoadError
	)

	for _, entry := range entries {
		if entry.IsDir() || !IsRecordFile(entry.Name()) {
			continue
		}

		rec, recErrs, err := ReadRecordFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			loadErrs = append(loadErrs, &LoadError{File: entry.Name(), Err: err})
			continue
		}

		loadErrs = append(loadErrs, recErrs...)
		records = append(records, rec)
	}

	return records, loadErrs, nil
}
