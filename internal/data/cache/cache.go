// Package cache persists the project snapshot and per-file extraction results.
//
// Every write goes through a temp file that is synced and renamed into place, so a
// reader sees either the previous or the new version. Anything that fails to decode or
// validate is a miss: it is logged, deleted and the caller re-extracts.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"symindex/internal/engine/callgraph"
	"symindex/internal/engine/hasher"
	"symindex/internal/engine/symbols"
	"symindex/internal/shared/observability"
	"symindex/internal/shared/util"
)

const (
	// SnapshotVersion changes whenever the snapshot layout or the meaning of a field
	// changes. Any mismatch forces a rebuild.
	SnapshotVersion  = 2
	FileEntryVersion = 2

	// MaxErrorLength bounds stored extraction error text.
	MaxErrorLength = 200

	snapshotFile = "snapshot.json"
	progressFile = "progress.json"
	filesDir     = "files"
)

type FileEntry struct {
	Version     int              `json:"version"`
	Path        string           `json:"path"`
	ContentHash string           `json:"content_hash"`
	ArgsHash    string           `json:"args_hash"`
	Records     []symbols.Record `json:"records"`
	// Calls and includes reported by the unit, so a cache hit restores the graphs too.
	CallSites []callgraph.CallSite `json:"call_sites,omitempty"`
	Includes  []string             `json:"includes,omitempty"`
	// Foreign holds what the unit reported for other files, keyed by path. Files the
	// project does not discover have no entry of their own and come back only from here.
	Foreign    map[string]ForeignUnit `json:"foreign,omitempty"`
	Success    bool                   `json:"success"`
	Error      string                 `json:"error,omitempty"`
	RetryCount int                    `json:"retry_count"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// ForeignUnit is one included file as seen through a translation unit. It is only
// replayed while the file still hashes to ContentHash.
type ForeignUnit struct {
	ContentHash string               `json:"content_hash"`
	Records     []symbols.Record     `json:"records,omitempty"`
	CallSites   []callgraph.CallSite `json:"call_sites,omitempty"`
}

type Snapshot struct {
	Version            int    `json:"version"`
	ConfigFingerprint  string `json:"config_fingerprint"`
	BuildDBFingerprint string `json:"build_db_fingerprint"`

	FileHashes map[string]string `json:"file_hashes"`
	ArgsHashes map[string]string `json:"args_hashes,omitempty"`

	Types     map[string][]symbols.Record `json:"types"`
	Functions map[string][]symbols.Record `json:"functions"`
	// Records that are neither types nor functions.
	Other []symbols.Record `json:"other,omitempty"`

	// Shadows are records a file reports for ids another file owns, keyed by the
	// reporting file. They are promoted when the owner drops the id.
	Shadows map[string][]symbols.Record `json:"shadows,omitempty"`
	// Failed maps files whose last extraction failed to their retry count. Their hashes
	// are in FileHashes.
	Failed map[string]int `json:"failed,omitempty"`

	CallSites    []callgraph.CallSite `json:"call_sites,omitempty"`
	IndexedFiles int                  `json:"indexed_files"`
	CreatedAt    time.Time            `json:"created_at"`
}

// Expect carries the current identity a snapshot must match to be usable.
type Expect struct {
	ConfigFingerprint  string
	BuildDBFingerprint string
}

// Progress mirrors the indexing state to disk so other processes can observe it.
type Progress struct {
	ProjectRoot  string    `json:"project_root"`
	State        string    `json:"state"`
	Total        int       `json:"total_files"`
	Processed    int       `json:"processed_files"`
	Failed       int       `json:"failed_files"`
	CacheHits    int       `json:"cache_hits"`
	Symbols      int       `json:"symbols"`
	RunID        string    `json:"run_id,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
	LastDuration float64   `json:"last_duration_seconds,omitempty"`
}

type Cache struct {
	dir string
}

// Open creates dir if needed.
func Open(dir string) (*Cache, error) {
	if dir == "" {
		return nil, errors.New("cache directory is empty")
	}
	if err := os.MkdirAll(filepath.Join(dir, filesDir), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Cache{dir: dir}, nil
}

func (c *Cache) Dir() string { return c.dir }

// LoadSnapshot returns the snapshot only if it decodes and matches version and both
// fingerprints.
func (c *Cache) LoadSnapshot(expect Expect) (*Snapshot, bool) {
	path := filepath.Join(c.dir, snapshotFile)

	var s Snapshot
	if !c.readJSON("snapshot", path, &s) {
		return nil, false
	}

	reason := ""
	switch {
	case s.Version != SnapshotVersion:
		reason = fmt.Sprintf("version %d, want %d", s.Version, SnapshotVersion)
	case s.ConfigFingerprint != expect.ConfigFingerprint:
		reason = "configuration changed"
	case s.BuildDBFingerprint != expect.BuildDBFingerprint:
		reason = "build database changed"
	case s.FileHashes == nil:
		c.corrupt("snapshot", path, errors.New("missing file hash table"))
		return nil, false
	}
	if reason != "" {
		slog.Info("snapshot superseded", "reason", reason)
		observability.CacheLookupsTotal.WithLabelValues("snapshot", "stale").Inc()
		return nil, false
	}

	observability.CacheLookupsTotal.WithLabelValues("snapshot", "hit").Inc()
	return &s, true
}

func (c *Cache) SaveSnapshot(s *Snapshot) error {
	if s == nil {
		return errors.New("nil snapshot")
	}
	s.Version = SnapshotVersion
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	if s.FileHashes == nil {
		s.FileHashes = map[string]string{}
	}
	return c.writeJSON(filepath.Join(c.dir, snapshotFile), s)
}

// LoadFileEntry returns the entry for path when both the content hash and the
// argument hash match. Failed entries are returned too; callers check Success.
func (c *Cache) LoadFileEntry(path, contentHash, argsHash string) (*FileEntry, bool) {
	file := c.entryPath(path)

	var e FileEntry
	if !c.readJSON("file", file, &e) {
		return nil, false
	}
	switch {
	case e.Version != FileEntryVersion, e.Path == "", e.ContentHash == "":
		c.corrupt("file", file, fmt.Errorf("invalid entry for %q", e.Path))
		return nil, false
	case e.Path != path:
		// Key collision; treat as someone else's entry.
		observability.CacheLookupsTotal.WithLabelValues("file", "miss").Inc()
		return nil, false
	case e.ContentHash != contentHash || e.ArgsHash != argsHash:
		observability.CacheLookupsTotal.WithLabelValues("file", "miss").Inc()
		return nil, false
	}

	observability.CacheLookupsTotal.WithLabelValues("file", "hit").Inc()
	return &e, true
}

func (c *Cache) SaveFileEntry(e *FileEntry) error {
	if e == nil || e.Path == "" {
		return errors.New("file entry without path")
	}
	e.Version = FileEntryVersion
	e.Error = TruncateError(e.Error)
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	return c.writeJSON(c.entryPath(e.Path), e)
}

// RemoveFileEntry deletes the entry for path. A missing entry is not an error.
func (c *Cache) RemoveFileEntry(path string) error {
	err := os.Remove(c.entryPath(path))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (c *Cache) SaveProgress(p Progress) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	return c.writeJSON(filepath.Join(c.dir, progressFile), p)
}

// ReadProgress reads the progress file in dir without creating anything, so another
// process can watch a running indexer.
func ReadProgress(dir string) (*Progress, bool) {
	data, err := os.ReadFile(filepath.Join(dir, progressFile))
	if err != nil {
		return nil, false
	}
	var p Progress
	if err := json.Unmarshal(data, &p); err != nil {
		slog.Debug("unreadable progress file", "dir", dir, "error", err)
		return nil, false
	}
	return &p, true
}

// Clear removes the snapshot, progress, the state file and every file entry.
func (c *Cache) Clear() error {
	for _, name := range []string{snapshotFile, progressFile, stateFile} {
		if err := os.Remove(filepath.Join(c.dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	if err := os.RemoveAll(filepath.Join(c.dir, filesDir)); err != nil {
		return err
	}
	return os.MkdirAll(filepath.Join(c.dir, filesDir), 0o755)
}

func (c *Cache) entryPath(path string) string {
	return filepath.Join(c.dir, filesDir, hasher.PathKey(path)+".json")
}

func (c *Cache) readJSON(unit, path string, v any) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("cache read failed", "unit", unit, "path", path, "error", err)
		}
		observability.CacheLookupsTotal.WithLabelValues(unit, "miss").Inc()
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		c.corrupt(unit, path, err)
		return false
	}
	return true
}

func (c *Cache) corrupt(unit, path string, err error) {
	slog.Warn("discarding corrupt cache unit", "unit", unit, "path", path, "error", err)
	observability.CacheLookupsTotal.WithLabelValues(unit, "corrupt").Inc()
	if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
		slog.Debug("remove corrupt cache unit", "path", path, "error", rmErr)
	}
}

func (c *Cache) writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return util.WriteFileAtomic(path, data, 0o644)
}

// TruncateError shortens msg to MaxErrorLength runes.
func TruncateError(msg string) string {
	if utf8.RuneCountInString(msg) <= MaxErrorLength {
		return msg
	}
	runes := []rune(msg)
	return string(runes[:MaxErrorLength])
}
