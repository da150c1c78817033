package refresh

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"symindex/internal/engine/hasher"
	"symindex/internal/shared/util"
)

// ChangeSet is the classification of one refresh pass. Every slice is sorted.
type ChangeSet struct {
	BuildDBChanged bool `json:"build_db_changed"`

	Added    []string `json:"added,omitempty"`
	Modified []string `json:"modified,omitempty"`
	// ModifiedHeaders is the subset of Modified and Removed that are headers.
	ModifiedHeaders []string `json:"modified_headers,omitempty"`
	// Affected are unchanged files pulled in through the dependency graph.
	Affected []string `json:"affected,omitempty"`
	Removed  []string `json:"removed,omitempty"`
	// Retry are files whose last extraction failed and that are still under the retry
	// ceiling. Skipped failed as often as allowed and wait for a content or argument
	// change.
	Retry     []string `json:"retry,omitempty"`
	Skipped   []string `json:"skipped,omitempty"`
	Unchanged []string `json:"unchanged,omitempty"`
	// Unreadable files could not be hashed this pass and keep their previous state.
	Unreadable []string `json:"unreadable,omitempty"`
}

// Reextract is Added ∪ Modified ∪ Affected ∪ Retry, sources before headers.
func (c ChangeSet) Reextract(isHeader func(string) bool) []string {
	all := make([]string, 0, len(c.Added)+len(c.Modified)+len(c.Affected)+len(c.Retry))
	all = append(all, c.Added...)
	all = append(all, c.Modified...)
	all = append(all, c.Affected...)
	all = append(all, c.Retry...)
	sort.SliceStable(all, func(i, j int) bool {
		hi, hj := isHeader(all[i]), isHeader(all[j])
		if hi != hj {
			return !hi
		}
		return all[i] < all[j]
	})
	return all
}

func (c ChangeSet) Empty() bool {
	return !c.BuildDBChanged && len(c.Added) == 0 && len(c.Modified) == 0 &&
		len(c.Affected) == 0 && len(c.Removed) == 0 && len(c.Retry) == 0
}

// fileState is what the index last merged, or last failed to extract, for a discovered
// file.
type fileState struct {
	ContentHash string
	ArgsHash    string
	Failed      bool
	// Retries is the retry count of the last failure.
	Retries int
}

// observation is the current on-disk state of a discovered file.
type observation struct {
	fileState
	err error
}

// observe hashes every file in current with the worker limit.
func (o *Orchestrator) observe(ctx context.Context, current []string) (map[string]observation, error) {
	var mu sync.Mutex
	out := make(map[string]observation, len(current))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Workers)
	for _, path := range current {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			obs := observation{}
			obs.ArgsHash = hasher.Args(o.buildDB.CompileArgs(path))
			obs.ContentHash, obs.err = o.hasher.File(gctx, path)
			if obs.err != nil && gctx.Err() != nil {
				return gctx.Err()
			}
			mu.Lock()
			out[path] = obs
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// classify compares observed against known. It does not modify any index.
func (o *Orchestrator) classify(current map[string]observation, known map[string]fileState, buildChanged bool) ChangeSet {
	cs := ChangeSet{BuildDBChanged: buildChanged}

	for _, path := range util.SortedStringKeys(current) {
		obs := current[path]
		prev, seen := known[path]
		switch {
		case obs.err != nil:
			slog.Warn("refresh: cannot hash file", "path", path, "error", obs.err)
			cs.Unreadable = append(cs.Unreadable, path)
		case !seen:
			cs.Added = append(cs.Added, path)
		case prev.ContentHash != obs.ContentHash || prev.ArgsHash != obs.ArgsHash:
			cs.Modified = append(cs.Modified, path)
			if o.isHeader(path) {
				cs.ModifiedHeaders = append(cs.ModifiedHeaders, path)
			}
		case prev.Failed && prev.Retries < o.opts.MaxRetries:
			cs.Retry = append(cs.Retry, path)
		case prev.Failed:
			cs.Skipped = append(cs.Skipped, path)
		default:
			cs.Unchanged = append(cs.Unchanged, path)
		}
	}

	for _, path := range util.SortedStringKeys(known) {
		if _, ok := current[path]; ok {
			continue
		}
		cs.Removed = append(cs.Removed, path)
		if o.isHeader(path) {
			cs.ModifiedHeaders = append(cs.ModifiedHeaders, path)
		}
	}
	sort.Strings(cs.ModifiedHeaders)

	// Dependents of a changed header are re-extracted even when their own bytes did not
	// change.
	scheduled := make(map[string]bool, len(cs.Added)+len(cs.Modified)+len(cs.Retry))
	for _, group := range [][]string{cs.Added, cs.Modified, cs.Retry} {
		for _, p := range group {
			scheduled[p] = true
		}
	}
	affected := make(map[string]bool)
	for _, h := range cs.ModifiedHeaders {
		for _, src := range o.deps.AffectedBy(h) {
			obs, ok := current[src]
			if !ok || obs.err != nil || scheduled[src] {
				continue
			}
			affected[src] = true
		}
	}
	if len(affected) > 0 {
		cs.Affected = util.SortedStringKeys(affected)
		unchanged := cs.Unchanged[:0]
		for _, p := range cs.Unchanged {
			if !affected[p] {
				unchanged = append(unchanged, p)
			}
		}
		cs.Unchanged = unchanged
		skipped := cs.Skipped[:0]
		for _, p := range cs.Skipped {
			if !affected[p] {
				skipped = append(skipped, p)
			}
		}
		cs.Skipped = skipped
	}
	return cs
}

func (o *Orchestrator) isHeader(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, h := range o.opts.HeaderExts {
		if ext == h {
			return true
		}
	}
	return false
}
