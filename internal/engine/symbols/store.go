// Package symbols holds the in-memory symbol indexes.
//
// The store is the sole owner of Record values. Four views are kept in step under one
// lock: by type name, by function name, by file and by unique id. Every other component
// refers to symbols by id only.
//
// A file may report an id that another file already owns (a header declaration seen
// from two translation units, or a double extraction). The first owner keeps it; the
// later report is remembered as a shadow and promoted if the owner drops the id, so no
// id is ever indexed twice and none is lost while some file still reports it.
package symbols

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dlclark/regexp2"

	domainerrors "symindex/internal/core/errors"
	"symindex/internal/shared/observability"
	"symindex/internal/shared/util"
)

type idSet map[string]struct{}

type Options struct {
	RegexTimeout     time.Duration
	PatternCacheSize int
	// MaxSymbols caps the number of owned records. Zero means unlimited.
	MaxSymbols int
}

func DefaultOptions() Options {
	return Options{
		RegexTimeout:     2 * time.Second,
		PatternCacheSize: 256,
	}
}

type Store struct {
	mu sync.RWMutex

	byID       map[string]*Record
	byTypeName map[string]idSet
	byFuncName map[string]idSet
	byFile     map[string]idSet

	// reported holds every record as last reported per file, shadows included.
	reported  map[string]map[string]Record
	reporters map[string]idSet // id -> files reporting it

	patterns *util.LRUCache[string, *regexp2.Regexp]
	opts     Options
}

// UpsertResult summarises one file merge.
type UpsertResult struct {
	Added    int
	Replaced int
	// Skipped counts ids owned by another file or repeated within the batch.
	Skipped int
	// Rejected counts records without an id, with a foreign file, or over capacity.
	Rejected int
	// Removed lists ids the file dropped that no other file still reports.
	Removed []string
}

func NewStore(opts Options) *Store {
	if opts.RegexTimeout <= 0 {
		opts.RegexTimeout = DefaultOptions().RegexTimeout
	}
	if opts.PatternCacheSize <= 0 {
		opts.PatternCacheSize = DefaultOptions().PatternCacheSize
	}
	return &Store{
		byID:       make(map[string]*Record),
		byTypeName: make(map[string]idSet),
		byFuncName: make(map[string]idSet),
		byFile:     make(map[string]idSet),
		reported:   make(map[string]map[string]Record),
		reporters:  make(map[string]idSet),
		patterns:   util.NewLRUCache[string, *regexp2.Regexp](opts.PatternCacheSize),
		opts:       opts,
	}
}

// Upsert replaces everything file previously reported with records. Readers observe
// either the old or the new set for the file, never a mix.
func (s *Store) Upsert(file string, records []Record) UpsertResult {
	var res UpsertResult

	incoming := make(map[string]Record, len(records))
	for _, r := range records {
		if r.ID == "" {
			res.Rejected++
			continue
		}
		if r.File == "" {
			r.File = file
		}
		if r.File != file {
			res.Rejected++
			continue
		}
		if _, dup := incoming[r.ID]; dup {
			res.Skipped++
			continue
		}
		incoming[r.ID] = r.Clone()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range util.SortedStringKeys(s.reported[file]) {
		if _, keep := incoming[id]; keep {
			continue
		}
		if s.releaseLocked(file, id) {
			res.Removed = append(res.Removed, id)
		}
	}

	if len(incoming) == 0 {
		delete(s.reported, file)
	} else {
		s.reported[file] = incoming
	}

	for _, id := range util.SortedStringKeys(incoming) {
		rec := incoming[id]
		s.addReporterLocked(id, file)

		existing, ok := s.byID[id]
		switch {
		case ok && existing.File == file:
			s.unindexLocked(id)
			s.indexLocked(rec)
			res.Replaced++
		case ok:
			res.Skipped++
		default:
			if s.opts.MaxSymbols > 0 && len(s.byID) >= s.opts.MaxSymbols {
				res.Rejected++
				continue
			}
			s.indexLocked(rec)
			res.Added++
		}
	}

	observability.SymbolsTotal.Set(float64(len(s.byID)))
	return res
}

// RemoveFile drops every record file reported and returns the ids that are now gone
// from the store. Ids still reported by another file are promoted, not returned.
func (s *Store) RemoveFile(file string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for _, id := range util.SortedStringKeys(s.reported[file]) {
		if s.releaseLocked(file, id) {
			removed = append(removed, id)
		}
	}
	delete(s.reported, file)
	if len(s.byFile[file]) == 0 {
		delete(s.byFile, file)
	}

	observability.SymbolsTotal.Set(float64(len(s.byID)))
	return removed
}

// releaseLocked withdraws file's report of id and reports whether id left the store.
func (s *Store) releaseLocked(file, id string) bool {
	if set := s.reporters[id]; set != nil {
		delete(set, file)
		if len(set) == 0 {
			delete(s.reporters, id)
		}
	}

	rec, ok := s.byID[id]
	if !ok {
		return false
	}
	if rec.File != file {
		return false
	}
	s.unindexLocked(id)

	for _, other := range util.SortedStringKeys(s.reporters[id]) {
		if shadow, ok := s.reported[other][id]; ok {
			s.indexLocked(shadow)
			return false
		}
	}
	return true
}

func (s *Store) addReporterLocked(id, file string) {
	set := s.reporters[id]
	if set == nil {
		set = make(idSet)
		s.reporters[id] = set
	}
	set[file] = struct{}{}
}

func (s *Store) indexLocked(rec Record) {
	r := rec.Clone()
	s.byID[r.ID] = &r
	addTo(s.byFile, r.File, r.ID)
	if r.Kind.IsType() {
		addTo(s.byTypeName, r.Name, r.ID)
	}
	if r.Kind.IsFunction() {
		addTo(s.byFuncName, r.Name, r.ID)
	}
}

func (s *Store) unindexLocked(id string) {
	r, ok := s.byID[id]
	if !ok {
		return
	}
	removeFrom(s.byFile, r.File, id)
	removeFrom(s.byTypeName, r.Name, id)
	removeFrom(s.byFuncName, r.Name, id)
	delete(s.byID, id)
}

func addTo(m map[string]idSet, key, id string) {
	set := m[key]
	if set == nil {
		set = make(idSet)
		m[key] = set
	}
	set[id] = struct{}{}
}

func removeFrom(m map[string]idSet, key, id string) {
	set := m[key]
	if set == nil {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(m, key)
	}
}

// Get returns a copy of the record for id.
func (s *Store) Get(id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.byID[id]
	if !ok {
		return Record{}, false
	}
	return r.Clone(), true
}

// ByFile returns the records owned by file ordered by position.
func (s *Store) ByFile(file string) []Record {
	s.mu.RLock()
	recs := s.collectLocked(s.byFile[file])
	s.mu.RUnlock()

	sortByPosition(recs)
	return recs
}

// Reported returns everything file last reported, including shadowed ids. This is what
// a per-file cache entry must hold.
func (s *Store) Reported(file string) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.reported[file]
	out := make([]Record, 0, len(recs))
	for _, id := range util.SortedStringKeys(recs) {
		out = append(out, recs[id].Clone())
	}
	return out
}

// Shadows returns, per file, the records it reports for ids another file owns.
func (s *Store) Shadows() map[string][]Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]Record)
	for file, recs := range s.reported {
		for _, id := range util.SortedStringKeys(recs) {
			if owner, ok := s.byID[id]; ok && owner.File != file {
				out[file] = append(out[file], recs[id].Clone())
			}
		}
	}
	return out
}

// Clear drops every record. The pattern cache is kept.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byID = make(map[string]*Record)
	s.byTypeName = make(map[string]idSet)
	s.byFuncName = make(map[string]idSet)
	s.byFile = make(map[string]idSet)
	s.reported = make(map[string]map[string]Record)
	s.reporters = make(map[string]idSet)
	observability.SymbolsTotal.Set(0)
}

// Files lists files that currently own at least one record.
func (s *Store) Files() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return util.SortedStringKeys(s.byFile)
}

// Resolve maps a unique id, a plain name or a qualified name to matching ids.
func (s *Store) Resolve(nameOrID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.byID[nameOrID]; ok {
		return []string{nameOrID}
	}

	seen := make(idSet)
	for id := range s.byFuncName[nameOrID] {
		seen[id] = struct{}{}
	}
	for id := range s.byTypeName[nameOrID] {
		seen[id] = struct{}{}
	}
	if len(seen) == 0 {
		for id, r := range s.byID {
			if r.QualifiedName == nameOrID {
				seen[id] = struct{}{}
			}
		}
	}
	return util.SortedStringKeys(seen)
}

// All returns a copy of every owned record, ordered by file then position.
func (s *Store) All() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.byID))
	for _, r := range s.byID {
		out = append(out, r.Clone())
	}
	sortByPosition(out)
	return out
}

type Stats struct {
	Symbols   int `json:"symbols"`
	TypeNames int `json:"type_names"`
	FuncNames int `json:"function_names"`
	Files     int `json:"files"`
	Shadowed  int `json:"shadowed"`
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shadowed := 0
	for _, files := range s.reporters {
		if len(files) > 1 {
			shadowed += len(files) - 1
		}
	}
	return Stats{
		Symbols:   len(s.byID),
		TypeNames: len(s.byTypeName),
		FuncNames: len(s.byFuncName),
		Files:     len(s.byFile),
		Shadowed:  shadowed,
	}
}

// Verify checks that every index entry resolves through by-id and that every record
// is reachable from its file and name indexes.
func (s *Store) Verify() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	check := func(view string, m map[string]idSet) error {
		for key, set := range m {
			for id := range set {
				r, ok := s.byID[id]
				if !ok {
					return integrityError(fmt.Sprintf("%s index %q holds orphan id", view, key), id)
				}
				if view == "file" && r.File != key {
					return integrityError(fmt.Sprintf("file index %q holds record owned by %q", key, r.File), id)
				}
				if view != "file" && r.Name != key {
					return integrityError(fmt.Sprintf("%s index %q holds record named %q", view, key, r.Name), id)
				}
			}
		}
		return nil
	}
	if err := check("file", s.byFile); err != nil {
		return err
	}
	if err := check("type", s.byTypeName); err != nil {
		return err
	}
	if err := check("function", s.byFuncName); err != nil {
		return err
	}

	for id, r := range s.byID {
		if _, ok := s.byFile[r.File][id]; !ok {
			return integrityError("record missing from file index", id)
		}
		if r.Kind.IsType() {
			if _, ok := s.byTypeName[r.Name][id]; !ok {
				return integrityError("type record missing from name index", id)
			}
		}
		if r.Kind.IsFunction() {
			if _, ok := s.byFuncName[r.Name][id]; !ok {
				return integrityError("function record missing from name index", id)
			}
		}
	}
	return nil
}

func integrityError(msg, id string) error {
	return domainerrors.AddContext(domainerrors.New(domainerrors.CodeIntegrity, msg), domainerrors.CtxSymbol, id)
}

// collectLocked copies the records for ids, sorted.
func (s *Store) collectLocked(ids idSet) []Record {
	out := make([]Record, 0, len(ids))
	for id := range ids {
		if r, ok := s.byID[id]; ok {
			out = append(out, r.Clone())
		}
	}
	sortRecords(out)
	return out
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		if a.File != b.File {
			return a.File < b.File
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		return a.ID < b.ID
	})
}

func sortByPosition(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if a.File != b.File {
			return a.File < b.File
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		if a.Column != b.Column {
			return a.Column < b.Column
		}
		return a.ID < b.ID
	})
}
