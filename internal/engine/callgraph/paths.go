package callgraph

import (
	"sort"

	"symindex/internal/shared/util"
)

// FindPaths returns every shortest call chain from -> to over the forward map. Chains
// longer than maxDepth hops are never explored; if the shortest chain exceeds the bound
// the result is empty rather than truncated.
func (g *Graph) FindPaths(from, to string, maxDepth int) [][]string {
	if from == "" || to == "" {
		return nil
	}
	if from == to {
		return [][]string{{from}}
	}
	if maxDepth <= 0 {
		return nil
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	depth := map[string]int{from: 0}
	parents := make(map[string][]string)
	frontier := []string{from}
	found := false

	for level := 0; level < maxDepth && len(frontier) > 0 && !found; level++ {
		var next []string
		for _, curr := range frontier {
			for _, callee := range util.SortedStringKeys(g.forward[curr]) {
				d, seen := depth[callee]
				switch {
				case !seen:
					depth[callee] = level + 1
					parents[callee] = []string{curr}
					next = append(next, callee)
				case d == level+1:
					// Another shortest route into callee.
					parents[callee] = append(parents[callee], curr)
				}
				if callee == to {
					found = true
				}
			}
		}
		frontier = next
	}

	if !found {
		return nil
	}

	var paths [][]string
	var walk func(node string, suffix []string)
	walk = func(node string, suffix []string) {
		suffix = append([]string{node}, suffix...)
		if node == from {
			paths = append(paths, suffix)
			return
		}
		for _, p := range parents[node] {
			walk(p, suffix)
		}
	}
	walk(to, nil)

	sort.Slice(paths, func(i, j int) bool {
		a, b := paths[i], paths[j]
		for k := range a {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return false
	})
	return paths
}
