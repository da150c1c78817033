// Package callgraph keeps caller/callee relationships between symbol ids.
//
// Edges live in a forward map (caller -> callees) and a reverse map (callee -> callers)
// that are only ever mutated together under one lock. Each edge remembers which files
// reported it, so re-extracting a file replaces exactly its own contribution.
package callgraph

import (
	"fmt"
	"sort"
	"sync"

	domainerrors "symindex/internal/core/errors"
	"symindex/internal/shared/observability"
	"symindex/internal/shared/util"
)

type Edge struct {
	Caller string `json:"caller"`
	Callee string `json:"callee"`
}

// CallSite is one call expression that produced an edge.
type CallSite struct {
	Caller string `json:"caller"`
	Callee string `json:"callee"`
	File   string `json:"file"`
	Line   int    `json:"line"`
	Column int    `json:"column,omitempty"`
}

func (s CallSite) Edge() Edge {
	return Edge{Caller: s.Caller, Callee: s.Callee}
}

type set map[string]struct{}

// unattributed marks edges added without an owning file.
const unattributed = ""

type Graph struct {
	mu sync.RWMutex

	forward map[string]set // caller -> callees
	reverse map[string]set // callee -> callers

	origins map[Edge]set             // edge -> files reporting it
	byFile  map[string]map[Edge]bool // file -> edges it reported
	sites   map[Edge]map[CallSite]bool
}

func New() *Graph {
	return &Graph{
		forward: make(map[string]set),
		reverse: make(map[string]set),
		origins: make(map[Edge]set),
		byFile:  make(map[string]map[Edge]bool),
		sites:   make(map[Edge]map[CallSite]bool),
	}
}

// AddCall inserts caller -> callee. It is a no-op when the edge already exists and
// reports whether a new edge was created.
func (g *Graph) AddCall(caller, callee string) bool {
	if caller == "" || callee == "" {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	added := g.addEdgeLocked(Edge{Caller: caller, Callee: callee}, unattributed)
	observability.CallEdgesTotal.Set(float64(g.edgeCountLocked()))
	return added
}

// ReplaceFile withdraws everything file reported before and adds sites in its place.
// Edges still reported by another file survive.
func (g *Graph) ReplaceFile(file string, sites []CallSite) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.withdrawFileLocked(file)
	for _, s := range sites {
		if s.Caller == "" || s.Callee == "" {
			continue
		}
		s.File = file
		g.addSiteLocked(s)
	}
	observability.CallEdgesTotal.Set(float64(g.edgeCountLocked()))
}

// RemoveFile withdraws file's contribution.
func (g *Graph) RemoveFile(file string) {
	g.ReplaceFile(file, nil)
}

// RemoveSymbol deletes every edge touching id from both maps.
func (g *Graph) RemoveSymbol(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for callee := range g.forward[id] {
		g.dropEdgeLocked(Edge{Caller: id, Callee: callee})
	}
	for caller := range g.reverse[id] {
		g.dropEdgeLocked(Edge{Caller: caller, Callee: id})
	}
	observability.CallEdgesTotal.Set(float64(g.edgeCountLocked()))
}

func (g *Graph) addSiteLocked(site CallSite) bool {
	e := site.Edge()
	added := g.addEdgeLocked(e, site.File)
	if site.File != unattributed {
		m := g.sites[e]
		if m == nil {
			m = make(map[CallSite]bool)
			g.sites[e] = m
		}
		m[site] = true
	}
	return added
}

func (g *Graph) addEdgeLocked(e Edge, file string) bool {
	_, exists := g.forward[e.Caller][e.Callee]
	if !exists {
		link(g.forward, e.Caller, e.Callee)
		link(g.reverse, e.Callee, e.Caller)
	}

	o := g.origins[e]
	if o == nil {
		o = make(set)
		g.origins[e] = o
	}
	o[file] = struct{}{}

	fe := g.byFile[file]
	if fe == nil {
		fe = make(map[Edge]bool)
		g.byFile[file] = fe
	}
	fe[e] = true
	return !exists
}

func (g *Graph) withdrawFileLocked(file string) {
	for e := range g.byFile[file] {
		if m := g.sites[e]; m != nil {
			for s := range m {
				if s.File == file {
					delete(m, s)
				}
			}
			if len(m) == 0 {
				delete(g.sites, e)
			}
		}
		o := g.origins[e]
		delete(o, file)
		if len(o) == 0 {
			g.dropEdgeLocked(e)
		}
	}
	delete(g.byFile, file)
}

// dropEdgeLocked removes e from both maps and forgets its origins.
func (g *Graph) dropEdgeLocked(e Edge) {
	unlink(g.forward, e.Caller, e.Callee)
	unlink(g.reverse, e.Callee, e.Caller)
	for file := range g.origins[e] {
		if fe := g.byFile[file]; fe != nil {
			delete(fe, e)
			if len(fe) == 0 {
				delete(g.byFile, file)
			}
		}
	}
	delete(g.origins, e)
	delete(g.sites, e)
}

func link(m map[string]set, from, to string) {
	s := m[from]
	if s == nil {
		s = make(set)
		m[from] = s
	}
	s[to] = struct{}{}
}

func unlink(m map[string]set, from, to string) {
	s := m[from]
	if s == nil {
		return
	}
	delete(s, to)
	if len(s) == 0 {
		delete(m, from)
	}
}

// Callees returns the ids id calls directly, sorted.
func (g *Graph) Callees(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return util.SortedStringKeys(g.forward[id])
}

// Callers returns the ids that call id directly, sorted.
func (g *Graph) Callers(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return util.SortedStringKeys(g.reverse[id])
}

// SitesFrom returns the recorded call sites of caller ordered by file and line.
func (g *Graph) SitesFrom(caller string) []CallSite {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []CallSite
	for callee := range g.forward[caller] {
		for s := range g.sites[Edge{Caller: caller, Callee: callee}] {
			out = append(out, s)
		}
	}
	sortSites(out)
	return out
}

// SitesTo returns the recorded call sites that call callee, ordered by file and line.
func (g *Graph) SitesTo(callee string) []CallSite {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []CallSite
	for caller := range g.reverse[callee] {
		for s := range g.sites[Edge{Caller: caller, Callee: callee}] {
			out = append(out, s)
		}
	}
	sortSites(out)
	return out
}

// Clear drops every edge and site.
func (g *Graph) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.forward = make(map[string]set)
	g.reverse = make(map[string]set)
	g.origins = make(map[Edge]set)
	g.byFile = make(map[string]map[Edge]bool)
	g.sites = make(map[Edge]map[CallSite]bool)
	observability.CallEdgesTotal.Set(0)
}

// Sites returns every recorded call site, for snapshot persistence.
func (g *Graph) Sites() []CallSite {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []CallSite
	for _, m := range g.sites {
		for s := range m {
			out = append(out, s)
		}
	}
	sortSites(out)
	return out
}

func sortSites(sites []CallSite) {
	sort.Slice(sites, func(i, j int) bool {
		a, b := sites[i], sites[j]
		if a.File != b.File {
			return a.File < b.File
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		if a.Column != b.Column {
			return a.Column < b.Column
		}
		if a.Caller != b.Caller {
			return a.Caller < b.Caller
		}
		return a.Callee < b.Callee
	})
}

func (g *Graph) edgeCountLocked() int {
	n := 0
	for _, callees := range g.forward {
		n += len(callees)
	}
	return n
}

// Verify checks that the forward and reverse maps are exact inverses. A mismatch is an
// integrity error; answers from a diverged graph cannot be trusted.
func (g *Graph) Verify() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for caller, callees := range g.forward {
		for callee := range callees {
			if _, ok := g.reverse[callee][caller]; !ok {
				return divergence(caller, callee, "reverse")
			}
		}
	}
	for callee, callers := range g.reverse {
		for caller := range callers {
			if _, ok := g.forward[caller][callee]; !ok {
				return divergence(caller, callee, "forward")
			}
		}
	}
	return nil
}

func divergence(caller, callee, missingIn string) error {
	err := domainerrors.New(domainerrors.CodeIntegrity,
		fmt.Sprintf("call graph edge %s -> %s missing from %s map", caller, callee, missingIn))
	return domainerrors.AddContext(err, domainerrors.CtxSymbol, caller)
}

type CallCount struct {
	ID    string `json:"id"`
	Count int    `json:"count"`
}

type Stats struct {
	Edges      int         `json:"edges"`
	Callers    int         `json:"callers"`
	Callees    int         `json:"callees"`
	CallSites  int         `json:"call_sites"`
	MostCalled []CallCount `json:"most_called,omitempty"`
}

// Stats summarises the graph. top limits MostCalled.
func (g *Graph) Stats(top int) Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	st := Stats{
		Edges:   g.edgeCountLocked(),
		Callers: len(g.forward),
		Callees: len(g.reverse),
	}
	for _, m := range g.sites {
		st.CallSites += len(m)
	}
	if top <= 0 {
		return st
	}

	counts := make([]CallCount, 0, len(g.reverse))
	for callee, callers := range g.reverse {
		counts = append(counts, CallCount{ID: callee, Count: len(callers)})
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Count != counts[j].Count {
			return counts[i].Count > counts[j].Count
		}
		return counts[i].ID < counts[j].ID
	})
	if len(counts) > top {
		counts = counts[:top]
	}
	st.MostCalled = counts
	return st
}
