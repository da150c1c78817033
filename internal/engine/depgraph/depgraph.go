// Package depgraph tracks which files include which headers so a header change can be
// expanded into the set of files that must be re-extracted.
package depgraph

import (
	"sort"
	"sync"

	"symindex/internal/shared/observability"
	"symindex/internal/shared/util"
)

// Inclusion records that Source includes Header, directly or through another header.
type Inclusion struct {
	Header string `json:"header"`
	Source string `json:"source"`
}

type set map[string]struct{}

type Graph struct {
	mu         sync.RWMutex
	includes   map[string]set // source -> headers
	includedBy map[string]set // header -> sources
}

func New() *Graph {
	return &Graph{
		includes:   make(map[string]set),
		includedBy: make(map[string]set),
	}
}

// RecordInclusion adds header <- source. Self-inclusion is ignored.
func (g *Graph) RecordInclusion(header, source string) {
	if header == "" || source == "" || header == source {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.addLocked(header, source)
	observability.DependencyEdgesTotal.Set(float64(g.edgeCountLocked()))
}

// SetIncludes replaces everything source was recorded as including.
func (g *Graph) SetIncludes(source string, headers []string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.dropSourceLocked(source)
	for _, h := range headers {
		if h == "" || h == source {
			continue
		}
		g.addLocked(h, source)
	}
	observability.DependencyEdgesTotal.Set(float64(g.edgeCountLocked()))
}

func (g *Graph) addLocked(header, source string) {
	hs := g.includes[source]
	if hs == nil {
		hs = make(set)
		g.includes[source] = hs
	}
	hs[header] = struct{}{}

	ss := g.includedBy[header]
	if ss == nil {
		ss = make(set)
		g.includedBy[header] = ss
	}
	ss[source] = struct{}{}
}

func (g *Graph) dropSourceLocked(source string) {
	for h := range g.includes[source] {
		if ss := g.includedBy[h]; ss != nil {
			delete(ss, source)
			if len(ss) == 0 {
				delete(g.includedBy, h)
			}
		}
	}
	delete(g.includes, source)
}

// RemoveFile drops path as both an includer and an included file.
func (g *Graph) RemoveFile(path string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.dropSourceLocked(path)
	for src := range g.includedBy[path] {
		if hs := g.includes[src]; hs != nil {
			delete(hs, path)
			if len(hs) == 0 {
				delete(g.includes, src)
			}
		}
	}
	delete(g.includedBy, path)
	observability.DependencyEdgesTotal.Set(float64(g.edgeCountLocked()))
}

// AffectedBy returns every file that depends on header, following inclusion chains
// through intermediate headers. Cycles terminate.
func (g *Graph) AffectedBy(header string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := map[string]bool{header: true}
	queue := []string{header}
	var out []string

	for len(queue) > 0 {
		curr := queue[0]
		queue = queue[1:]

		for _, src := range util.SortedStringKeys(g.includedBy[curr]) {
			if seen[src] {
				continue
			}
			seen[src] = true
			out = append(out, src)
			queue = append(queue, src)
		}
	}
	sort.Strings(out)
	return out
}

// Includes returns the headers source includes.
func (g *Graph) Includes(source string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return util.SortedStringKeys(g.includes[source])
}

// Edges returns every inclusion, ordered, for persistence.
func (g *Graph) Edges() []Inclusion {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []Inclusion
	for _, src := range util.SortedStringKeys(g.includes) {
		for _, h := range util.SortedStringKeys(g.includes[src]) {
			out = append(out, Inclusion{Header: h, Source: src})
		}
	}
	return out
}

// Restore replaces the graph with edges loaded from storage.
func (g *Graph) Restore(edges []Inclusion) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.includes = make(map[string]set)
	g.includedBy = make(map[string]set)
	for _, e := range edges {
		if e.Header == "" || e.Source == "" || e.Header == e.Source {
			continue
		}
		g.addLocked(e.Header, e.Source)
	}
	observability.DependencyEdgesTotal.Set(float64(g.edgeCountLocked()))
}

func (g *Graph) Clear() {
	g.Restore(nil)
}

type Stats struct {
	Edges       int     `json:"edges"`
	Sources     int     `json:"sources"`
	Headers     int     `json:"headers"`
	AvgIncludes float64 `json:"avg_includes_per_file"`
}

func (g *Graph) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	st := Stats{
		Edges:   g.edgeCountLocked(),
		Sources: len(g.includes),
		Headers: len(g.includedBy),
	}
	if st.Sources > 0 {
		st.AvgIncludes = float64(st.Edges) / float64(st.Sources)
	}
	return st
}

func (g *Graph) edgeCountLocked() int {
	n := 0
	for _, hs := range g.includes {
		n += len(hs)
	}
	return n
}
