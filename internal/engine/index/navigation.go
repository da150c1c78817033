package index

import (
	"context"
	"path/filepath"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	domainerrors "symindex/internal/core/errors"
	"symindex/internal/engine/callgraph"
	"symindex/internal/engine/refresh"
	"symindex/internal/engine/state"
	"symindex/internal/engine/symbols"
	"symindex/internal/shared/util"
)

// ClassesResult lists type records, for derived-class queries.
type ClassesResult struct {
	Class        string             `json:"class"`
	Records      []symbols.Record   `json:"records"`
	Large        bool               `json:"large"`
	Completeness state.Completeness `json:"completeness"`
}

// HierarchyNode is one class in an inheritance tree. Record is nil for a base the index
// does not hold (a template parameter or an external type). Circular marks a class
// already on the path from the root; its subtree is not expanded again.
type HierarchyNode struct {
	Name     string          `json:"name"`
	Record   *symbols.Record `json:"record,omitempty"`
	Bases    []HierarchyNode `json:"bases,omitempty"`
	Derived  []HierarchyNode `json:"derived,omitempty"`
	Circular bool            `json:"circular,omitempty"`
}

type HierarchyResult struct {
	Class string `json:"class"`
	Found bool   `json:"found"`
	// Root carries the class itself; its Bases and Derived are expanded recursively,
	// bases upward only and derived classes downward only.
	Root         *HierarchyNode     `json:"root,omitempty"`
	Completeness state.Completeness `json:"completeness"`
}

// CallSiteInfo is a call made from a function, with what is known about the target.
type CallSiteInfo struct {
	callgraph.CallSite
	Target          string `json:"target"`
	TargetSignature string `json:"target_signature,omitempty"`
	TargetFile      string `json:"target_file,omitempty"`
}

type CallSitesResult struct {
	Query        string             `json:"query"`
	Resolved     []string           `json:"resolved"`
	Sites        []CallSiteInfo     `json:"sites"`
	Completeness state.Completeness `json:"completeness"`
}

// FilesResult lists the files that define, declare or call a symbol.
type FilesResult struct {
	Symbol string       `json:"symbol"`
	Kind   symbols.Kind `json:"kind,omitempty"`
	Files  []string     `json:"files"`
	// References counts call sites to the symbol.
	References   int                `json:"references"`
	Completeness state.Completeness `json:"completeness"`
}

type IncludesResult struct {
	File string `json:"file"`
	// Includes are the headers the file includes directly.
	Includes []string `json:"includes"`
	// Dependents are the sources that include the file, directly or through other
	// headers.
	Dependents   []string           `json:"dependents"`
	Completeness state.Completeness `json:"completeness"`
}

type ErrorSummary struct {
	Total int `json:"total"`
	// Exhausted counts files no longer retried until they change.
	Exhausted   int               `json:"exhausted"`
	ByExtension map[string]int    `json:"by_extension"`
	Recent      []refresh.Failure `json:"recent"`
}

const recentErrors = 5

// DerivedClasses returns the types that list class among their direct bases.
func (e *Engine) DerivedClasses(ctx context.Context, class string, projectOnly bool) (ClassesResult, error) {
	ctx, _, end := startSpan(ctx, "index.DerivedClasses", attribute.String("class", class))
	defer end()

	if err := e.admit(ctx); err != nil {
		return ClassesResult{}, err
	}
	if class == "" {
		return ClassesResult{}, domainerrors.New(domainerrors.CodeValidationError, "class name is required")
	}
	out := ClassesResult{Class: class, Completeness: e.machine.Completeness()}
	types, err := e.types(ctx)
	if err != nil {
		return ClassesResult{}, err
	}
	for _, r := range derivedOf(types, class) {
		if projectOnly && !r.IsProject {
			continue
		}
		out.Records = append(out.Records, r)
	}
	out.Large = len(out.Records) > e.opts.LargeResultThreshold
	return out, nil
}

// ClassHierarchy returns the inheritance tree around class.
func (e *Engine) ClassHierarchy(ctx context.Context, class string) (HierarchyResult, error) {
	ctx, _, end := startSpan(ctx, "index.ClassHierarchy", attribute.String("class", class))
	defer end()

	if err := e.admit(ctx); err != nil {
		return HierarchyResult{}, err
	}
	if class == "" {
		return HierarchyResult{}, domainerrors.New(domainerrors.CodeValidationError, "class name is required")
	}
	out := HierarchyResult{Class: class, Completeness: e.machine.Completeness()}
	types, err := e.types(ctx)
	if err != nil {
		return HierarchyResult{}, err
	}
	self := lookupType(types, class)
	if self == nil {
		return out, nil
	}

	out.Found = true
	root := HierarchyNode{Name: class, Record: self}
	depth := e.opts.MaxPathDepth
	for _, base := range self.BaseTypes {
		root.Bases = append(root.Bases, baseTree(types, base, map[string]bool{typeKey(class): true}, depth))
	}
	for _, d := range derivedOf(types, class) {
		root.Derived = append(root.Derived, derivedTree(types, d, map[string]bool{typeKey(class): true}, depth))
	}
	out.Root = &root
	return out, nil
}

func (e *Engine) types(ctx context.Context) ([]symbols.Record, error) {
	res, err := e.store.Search(ctx, symbols.Filter{Group: symbols.GroupTypes})
	if err != nil {
		return nil, err
	}
	return res.Records, nil
}

func baseTree(types []symbols.Record, name string, path map[string]bool, depth int) HierarchyNode {
	node := HierarchyNode{Name: name}
	key := typeKey(name)
	if path[key] {
		node.Circular = true
		return node
	}
	node.Record = lookupType(types, name)
	if node.Record == nil || depth <= 0 {
		return node
	}
	path = with(path, key)
	for _, base := range node.Record.BaseTypes {
		node.Bases = append(node.Bases, baseTree(types, base, path, depth-1))
	}
	return node
}

func derivedTree(types []symbols.Record, r symbols.Record, path map[string]bool, depth int) HierarchyNode {
	rec := r
	node := HierarchyNode{Name: r.Name, Record: &rec}
	key := typeKey(r.Name)
	if path[key] {
		node.Circular = true
		node.Record = nil
		return node
	}
	if depth <= 0 {
		return node
	}
	path = with(path, key)
	for _, d := range derivedOf(types, r.Name) {
		node.Derived = append(node.Derived, derivedTree(types, d, path, depth-1))
	}
	return node
}

func with(path map[string]bool, key string) map[string]bool {
	out := make(map[string]bool, len(path)+1)
	for k := range path {
		out[k] = true
	}
	out[key] = true
	return out
}

// typeKey reduces a type spelling to its unqualified name without template arguments,
// which is how bases are matched against declarations.
func typeKey(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.IndexByte(name, '<'); i >= 0 {
		name = name[:i]
	}
	if i := strings.LastIndex(name, "::"); i >= 0 {
		name = name[i+2:]
	}
	return strings.TrimSpace(name)
}

// lookupType prefers a definition over forward declarations.
func lookupType(types []symbols.Record, name string) *symbols.Record {
	key := typeKey(name)
	var found *symbols.Record
	for i := range types {
		r := &types[i]
		if r.Name != key {
			continue
		}
		if found == nil || (r.IsDefinition && !found.IsDefinition) {
			found = r
		}
	}
	if found == nil {
		return nil
	}
	rec := *found
	return &rec
}

func derivedOf(types []symbols.Record, class string) []symbols.Record {
	key := typeKey(class)
	var out []symbols.Record
	for _, r := range types {
		for _, base := range r.BaseTypes {
			if typeKey(base) == key {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

// FindInFile returns the symbols defined in file whose name matches pattern. file is
// either an indexed path or a suffix of one ("widget.h", "ui/widget.h").
func (e *Engine) FindInFile(ctx context.Context, file, pattern string) (QueryResult, error) {
	ctx, span, end := startSpan(ctx, "index.FindInFile",
		attribute.String("file", file),
		attribute.String("pattern", pattern))
	defer end()

	if err := e.admit(ctx); err != nil {
		return QueryResult{}, err
	}
	if file == "" {
		return QueryResult{}, domainerrors.New(domainerrors.CodeValidationError, "file is required")
	}
	if e.opts.RejectUnsafePatterns && symbols.IsPattern(pattern) {
		if err := symbols.ValidatePattern(pattern, e.opts.MaxPatternLength); err != nil {
			return QueryResult{}, err
		}
	}

	out := QueryResult{Completeness: e.machine.Completeness()}
	var matched []symbols.Record
	for _, f := range e.store.Files() {
		if f != file && !strings.HasSuffix(f, file) {
			continue
		}
		res, err := e.store.InFile(ctx, f, pattern)
		if err != nil {
			return QueryResult{}, err
		}
		if res.TimedOut {
			out.TimedOut = true
			break
		}
		matched = append(matched, res.Records...)
	}
	if !out.TimedOut {
		out.Records = e.hydrateAll(matched)
	}
	out.Total = len(out.Records)
	out.Large = out.Total > e.opts.LargeResultThreshold
	span.SetAttributes(attribute.Int("results", out.Total))
	return out, nil
}

// CallSites returns every recorded call made from the functions nameOrID resolves to.
// parentType narrows methods to one class.
func (e *Engine) CallSites(ctx context.Context, nameOrID, parentType string) (CallSitesResult, error) {
	ctx, _, end := startSpan(ctx, "index.CallSites", attribute.String("query", nameOrID))
	defer end()

	if err := e.admit(ctx); err != nil {
		return CallSitesResult{}, err
	}
	out := CallSitesResult{Query: nameOrID, Completeness: e.machine.Completeness()}
	var err error
	e.refresh.View(func() {
		if out.Resolved, err = e.resolveMember(nameOrID, parentType); err != nil {
			return
		}
		for _, id := range out.Resolved {
			for _, site := range e.calls.SitesFrom(id) {
				info := CallSiteInfo{CallSite: site, Target: site.Callee}
				if r, ok := e.store.Get(site.Callee); ok {
					info.Target = r.Name
					info.TargetSignature = r.Signature
					info.TargetFile = r.File
				}
				out.Sites = append(out.Sites, info)
			}
		}
	})
	if err != nil {
		return CallSitesResult{}, err
	}
	return out, nil
}

// resolveMember is resolve restricted to members of parentType when one is given.
func (e *Engine) resolveMember(nameOrID, parentType string) ([]string, error) {
	ids, err := e.resolve(nameOrID)
	if err != nil || parentType == "" {
		return ids, err
	}
	var out []string
	for _, id := range ids {
		if r, ok := e.store.Get(id); ok && r.ParentType == parentType {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		return nil, domainerrors.AddContext(
			domainerrors.New(domainerrors.CodeNotFound, "no member of "+parentType+" matches"),
			domainerrors.CtxSymbol, nameOrID)
	}
	return out, nil
}

// FilesContaining returns the files that define or declare a symbol named name, plus
// every file that calls it. group narrows the symbol kind.
func (e *Engine) FilesContaining(ctx context.Context, name string, group symbols.Group, projectOnly bool) (FilesResult, error) {
	ctx, _, end := startSpan(ctx, "index.FilesContaining", attribute.String("symbol", name))
	defer end()

	if err := e.admit(ctx); err != nil {
		return FilesResult{}, err
	}
	if name == "" || symbols.IsPattern(name) {
		return FilesResult{}, domainerrors.AddContext(
			domainerrors.New(domainerrors.CodeValidationError, "an exact symbol name is required"),
			domainerrors.CtxSymbol, name)
	}
	if group == "" {
		group = symbols.GroupAll
	}
	out := FilesResult{Symbol: name, Completeness: e.machine.Completeness()}
	res, err := e.store.Search(ctx, symbols.Filter{Group: group, Pattern: name})
	if err != nil {
		return FilesResult{}, err
	}

	files := make(map[string]struct{})
	keep := func(file string, project bool) {
		if file != "" && (!projectOnly || project) {
			files[file] = struct{}{}
		}
	}
	e.refresh.View(func() {
		for _, r := range res.Records {
			if out.Kind == "" {
				out.Kind = r.Kind
			}
			keep(r.File, r.IsProject)
			if r.HeaderFile != "" {
				keep(r.HeaderFile, e.isProjectFile(r.HeaderFile, r))
			}
			for _, site := range e.calls.SitesTo(r.ID) {
				out.References++
				project := true
				if caller, ok := e.store.Get(site.Caller); ok {
					project = caller.IsProject
				}
				keep(site.File, project)
			}
		}
	})
	out.Files = util.SortedStringKeys(files)
	return out, nil
}

// isProjectFile answers for a declaration file through the records it owns, falling
// back to the defining record.
func (e *Engine) isProjectFile(file string, def symbols.Record) bool {
	if recs := e.store.ByFile(file); len(recs) > 0 {
		return recs[0].IsProject
	}
	return def.IsProject
}

// Includes returns what file includes and which sources depend on it.
func (e *Engine) Includes(ctx context.Context, file string) (IncludesResult, error) {
	ctx, _, end := startSpan(ctx, "index.Includes", attribute.String("file", file))
	defer end()

	if err := e.admit(ctx); err != nil {
		return IncludesResult{}, err
	}
	if file == "" {
		return IncludesResult{}, domainerrors.New(domainerrors.CodeValidationError, "file is required")
	}
	return IncludesResult{
		File:         file,
		Includes:     e.deps.Includes(file),
		Dependents:   e.deps.AffectedBy(file),
		Completeness: e.machine.Completeness(),
	}, nil
}

// ParseErrors lists files whose last extraction failed, most recent first. filter
// keeps paths containing it; a positive limit caps the answer.
func (e *Engine) ParseErrors(limit int, filter string) []refresh.Failure {
	var out []refresh.Failure
	for _, f := range e.refresh.Failures() {
		if filter == "" || strings.Contains(f.Path, filter) {
			out = append(out, f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ErrorSummary aggregates ParseErrors.
func (e *Engine) ErrorSummary() ErrorSummary {
	failures := e.ParseErrors(0, "")
	sum := ErrorSummary{Total: len(failures), ByExtension: make(map[string]int)}
	for _, f := range failures {
		if f.Exhausted {
			sum.Exhausted++
		}
		ext := strings.ToLower(filepath.Ext(f.Path))
		if ext == "" {
			ext = "(none)"
		}
		sum.ByExtension[ext]++
	}
	sum.Recent = failures
	if len(sum.Recent) > recentErrors {
		sum.Recent = sum.Recent[:recentErrors]
	}
	return sum
}

// Reset drops the in-memory index and the on-disk cache. The next Refresh is a full
// build. A fatal integrity error is cleared with the index it was found in.
func (e *Engine) Reset(ctx context.Context) error {
	if err := e.refresh.Reset(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	e.fatal = nil
	e.last = nil
	e.mu.Unlock()
	return nil
}
