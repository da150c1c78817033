package symbols

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/dlclark/regexp2"

	domainerrors "symindex/internal/core/errors"
	"symindex/internal/shared/observability"
)

const (
	regexMetaChars = `.*+?[]{}()|\^$`
	scopeSep       = "::"
)

// QueryResult is the outcome of a name query. TimedOut means the pattern exceeded the
// match budget and was treated as matching nothing.
type QueryResult struct {
	Records  []Record
	TimedOut bool
}

// Filter narrows a search. Pattern follows the rules of PatternMode.
type Filter struct {
	Group       Group
	Pattern     string
	ProjectOnly bool
	// ParentType keeps only members of the named type.
	ParentType string
	// FileSuffix keeps only records whose file path ends with it.
	FileSuffix string
}

// PatternMode says how a query pattern is compared.
type PatternMode int

const (
	// ModeAll: the empty pattern matches everything.
	ModeAll PatternMode = iota
	// ModeName compares the display name case-insensitively.
	ModeName
	// ModeNameRegex fully matches a regex against the display name.
	ModeNameRegex
	// ModeGlobal ("::View") matches the qualified name exactly, in the global namespace.
	ModeGlobal
	// ModeSuffix ("ui::View") matches the trailing components of the qualified name,
	// respecting component boundaries.
	ModeSuffix
	// ModeQualifiedRegex ("app::.*::View") fully matches a regex against the qualified
	// name.
	ModeQualifiedRegex
)

func (m PatternMode) String() string {
	switch m {
	case ModeAll:
		return "all"
	case ModeName:
		return "name"
	case ModeNameRegex:
		return "name_regex"
	case ModeGlobal:
		return "global"
	case ModeSuffix:
		return "suffix"
	case ModeQualifiedRegex:
		return "qualified_regex"
	}
	return "unknown"
}

// DetectMode classifies pattern.
func DetectMode(pattern string) PatternMode {
	switch {
	case pattern == "":
		return ModeAll
	case strings.HasPrefix(pattern, scopeSep):
		return ModeGlobal
	case IsPattern(pattern) && strings.Contains(pattern, scopeSep):
		return ModeQualifiedRegex
	case IsPattern(pattern):
		return ModeNameRegex
	case strings.Contains(pattern, scopeSep):
		return ModeSuffix
	}
	return ModeName
}

// IsPattern reports whether s contains regex metacharacters. Plain names are compared
// case-insensitively without a regex.
func IsPattern(s string) bool {
	return strings.ContainsAny(s, regexMetaChars)
}

type matcher struct {
	mode    PatternMode
	pattern string
	parts   []string
	re      *regexp2.Regexp
}

func (s *Store) compile(pattern string) (matcher, error) {
	m := matcher{mode: DetectMode(pattern), pattern: pattern}
	switch m.mode {
	case ModeName:
		m.pattern = strings.ToLower(pattern)
	case ModeGlobal:
		m.pattern = strings.TrimPrefix(pattern, scopeSep)
	case ModeSuffix:
		m.parts = strings.Split(strings.ToLower(pattern), scopeSep)
	case ModeNameRegex, ModeQualifiedRegex:
		re, err := s.patterns.GetOrLoad(pattern, func() (*regexp2.Regexp, error) {
			re, err := regexp2.Compile(`\A(?:`+pattern+`)\z`, regexp2.IgnoreCase)
			if err != nil {
				return nil, err
			}
			re.MatchTimeout = s.opts.RegexTimeout
			return re, nil
		})
		if err != nil {
			return matcher{}, domainerrors.AddContext(
				domainerrors.Wrap(err, domainerrors.CodeValidationError, "invalid pattern"),
				domainerrors.CtxPattern, pattern)
		}
		m.re = re
	}
	return m, nil
}

// qualified reports whether the matcher looks at qualified names.
func (m matcher) qualified() bool {
	return m.mode == ModeGlobal || m.mode == ModeSuffix || m.mode == ModeQualifiedRegex
}

// match compares s, which is the display name or the qualified name depending on the
// mode. A regex error is regexp2's match timeout.
func (m matcher) match(s string) (bool, error) {
	switch m.mode {
	case ModeAll:
		return true, nil
	case ModeName:
		return strings.ToLower(s) == m.pattern, nil
	case ModeGlobal:
		return s == m.pattern, nil
	case ModeSuffix:
		q := strings.Split(strings.ToLower(s), scopeSep)
		if len(m.parts) > len(q) {
			return false, nil
		}
		tail := q[len(q)-len(m.parts):]
		for i := range tail {
			if tail[i] != m.parts[i] {
				return false, nil
			}
		}
		return true, nil
	default:
		return m.re.MatchString(s)
	}
}

func qualifiedName(r *Record) string {
	if r.QualifiedName != "" {
		return r.QualifiedName
	}
	return r.Name
}

// QueryByName returns records in group whose name fully matches pattern,
// case-insensitively. An empty pattern matches everything. The whole evaluation is
// bounded by the store's regex budget; exceeding it yields an empty, TimedOut result.
func (s *Store) QueryByName(ctx context.Context, group Group, pattern string, projectOnly bool) (QueryResult, error) {
	return s.Search(ctx, Filter{Group: group, Pattern: pattern, ProjectOnly: projectOnly})
}

// Search is QueryByName with qualified-name patterns and member and file filters.
// Candidates are matched outside the store lock so slow patterns never stall merges.
func (s *Store) Search(ctx context.Context, f Filter) (QueryResult, error) {
	m, err := s.compile(f.Pattern)
	if err != nil {
		return QueryResult{}, err
	}

	// Keys are display names for name modes and ids for qualified modes.
	s.mu.RLock()
	var keys, subjects []string
	if m.qualified() {
		keys, subjects = s.qualifiedLocked(f.Group)
	} else {
		keys = s.namesLocked(f.Group)
		subjects = keys
	}
	s.mu.RUnlock()

	deadline := time.Now().Add(s.opts.RegexTimeout)
	matched := make([]string, 0)
	for i, subject := range subjects {
		if err := ctx.Err(); err != nil {
			return QueryResult{}, err
		}
		if time.Now().After(deadline) {
			observability.RegexTimeoutsTotal.Inc()
			return QueryResult{TimedOut: true}, nil
		}
		ok, err := m.match(subject)
		if err != nil {
			observability.RegexTimeoutsTotal.Inc()
			return QueryResult{TimedOut: true}, nil
		}
		if ok {
			matched = append(matched, keys[i])
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	if m.qualified() {
		ids = matched
	} else {
		seen := make(idSet)
		for _, name := range matched {
			for _, index := range s.indexesLocked(f.Group) {
				for id := range index[name] {
					if _, dup := seen[id]; !dup {
						seen[id] = struct{}{}
						ids = append(ids, id)
					}
				}
			}
		}
	}

	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		r, ok := s.byID[id]
		if !ok || !f.keeps(r) {
			continue
		}
		out = append(out, r.Clone())
	}
	sortRecords(out)
	return QueryResult{Records: out}, nil
}

func (f Filter) keeps(r *Record) bool {
	if f.ProjectOnly && !r.IsProject {
		return false
	}
	if f.ParentType != "" && r.ParentType != f.ParentType {
		return false
	}
	if f.FileSuffix != "" && !strings.HasSuffix(r.File, f.FileSuffix) {
		return false
	}
	return true
}

// InFile returns the records file owns whose name matches pattern, ordered by position.
func (s *Store) InFile(ctx context.Context, file, pattern string) (QueryResult, error) {
	m, err := s.compile(pattern)
	if err != nil {
		return QueryResult{}, err
	}
	deadline := time.Now().Add(s.opts.RegexTimeout)
	recs := s.ByFile(file)
	out := recs[:0]
	for i := range recs {
		if err := ctx.Err(); err != nil {
			return QueryResult{}, err
		}
		if time.Now().After(deadline) {
			observability.RegexTimeoutsTotal.Inc()
			return QueryResult{TimedOut: true}, nil
		}
		subject := recs[i].Name
		if m.qualified() {
			subject = qualifiedName(&recs[i])
		}
		ok, err := m.match(subject)
		if err != nil {
			observability.RegexTimeoutsTotal.Inc()
			return QueryResult{TimedOut: true}, nil
		}
		if ok {
			out = append(out, recs[i])
		}
	}
	return QueryResult{Records: out}, nil
}

func (s *Store) indexesLocked(group Group) []map[string]idSet {
	switch group {
	case GroupTypes:
		return []map[string]idSet{s.byTypeName}
	case GroupFunctions:
		return []map[string]idSet{s.byFuncName}
	default:
		return []map[string]idSet{s.byTypeName, s.byFuncName}
	}
}

func (s *Store) namesLocked(group Group) []string {
	seen := make(map[string]struct{})
	for _, index := range s.indexesLocked(group) {
		for name := range index {
			seen[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// qualifiedLocked returns the ids in group with their qualified names, ordered by id.
func (s *Store) qualifiedLocked(group Group) (ids, names []string) {
	seen := make(idSet)
	for _, index := range s.indexesLocked(group) {
		for _, set := range index {
			for id := range set {
				seen[id] = struct{}{}
			}
		}
	}
	ids = make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	names = make([]string, len(ids))
	for i, id := range ids {
		names[i] = qualifiedName(s.byID[id])
	}
	return ids, names
}
