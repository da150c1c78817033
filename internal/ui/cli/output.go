package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"symindex/internal/core/ports"
	"symindex/internal/data/cache"
	"symindex/internal/engine/index"
	"symindex/internal/engine/refresh"
	"symindex/internal/engine/state"
	"symindex/internal/engine/symbols"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatRecord(r symbols.Record) string {
	name := r.QualifiedName
	if name == "" {
		name = r.Name
	}
	loc := fmt.Sprintf("%s:%d", r.File, r.Line)
	if r.Signature != "" {
		return fmt.Sprintf("%-12s %s %s  %s", r.Kind, name, r.Signature, loc)
	}
	return fmt.Sprintf("%-12s %s  %s", r.Kind, name, loc)
}

// partialNote is printed above any answer computed from an incomplete index.
func partialNote(c state.Completeness) string {
	if c.Complete {
		return ""
	}
	return fmt.Sprintf("note: index is %s (%.0f%% complete), results may be partial\n", c.State, c.Fraction*100)
}

func formatQuery(res index.QueryResult) string {
	var b strings.Builder
	b.WriteString(partialNote(res.Completeness))
	if res.TimedOut {
		b.WriteString("note: pattern exceeded the match budget and matched nothing\n")
	}
	b.WriteString(fmt.Sprintf("%d symbols\n", res.Total))
	if res.Large {
		b.WriteString("note: large result, consider a narrower pattern or --project-only\n")
	}
	for _, r := range res.Records {
		b.WriteString(formatRecord(r))
		b.WriteString("\n")
	}
	return b.String()
}

func formatSymbol(res index.SymbolResult) string {
	var b strings.Builder
	b.WriteString(partialNote(res.Completeness))
	if !res.Found {
		b.WriteString("symbol not found\n")
		return b.String()
	}
	r := res.Record
	b.WriteString(formatRecord(*r))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("  id: %s\n", r.ID))
	if r.ParentType != "" {
		b.WriteString(fmt.Sprintf("  member of: %s\n", r.ParentType))
	}
	if len(r.BaseTypes) > 0 {
		b.WriteString(fmt.Sprintf("  bases: %s\n", strings.Join(r.BaseTypes, ", ")))
	}
	if r.Brief != "" {
		b.WriteString(fmt.Sprintf("  brief: %s\n", r.Brief))
	}
	b.WriteString(fmt.Sprintf("  calls (%d): %s\n", len(r.Calls), strings.Join(r.Calls, ", ")))
	b.WriteString(fmt.Sprintf("  called by (%d): %s\n", len(r.CalledBy), strings.Join(r.CalledBy, ", ")))
	return b.String()
}

func formatRelation(label string, res index.RelationResult) string {
	var b strings.Builder
	b.WriteString(partialNote(res.Completeness))
	b.WriteString(fmt.Sprintf("%s of %s (%d)\n", label, res.Query, len(res.Related)))
	known := make(map[string]symbols.Record, len(res.Records))
	for _, r := range res.Records {
		known[r.ID] = r
	}
	for _, id := range res.Related {
		if r, ok := known[id]; ok {
			b.WriteString("- " + formatRecord(r) + "\n")
			continue
		}
		b.WriteString("- " + id + " (not indexed)\n")
	}
	return b.String()
}

func formatPaths(res index.PathResult) string {
	var b strings.Builder
	b.WriteString(partialNote(res.Completeness))
	if len(res.Paths) == 0 {
		b.WriteString(fmt.Sprintf("no call path from %s to %s within %d hops\n", res.From, res.To, res.MaxDepth))
		return b.String()
	}
	b.WriteString(fmt.Sprintf("%d shortest paths (%d hops)\n", len(res.Paths), res.Hops))
	for _, p := range res.Paths {
		b.WriteString("  " + strings.Join(p, " -> ") + "\n")
	}
	return b.String()
}

func formatStatus(st index.Status) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("state:        %s (%.0f%%)\n", st.State, st.Completeness.Fraction*100))
	if st.TotalFiles > 0 {
		b.WriteString(fmt.Sprintf("progress:     %d/%d files, %d failed, %d from cache\n",
			st.ProcessedFiles, st.TotalFiles, st.FailedFiles, st.CacheHits))
	}
	b.WriteString(fmt.Sprintf("files:        %d indexed\n", st.IndexedFiles))
	b.WriteString(fmt.Sprintf("symbols:      %d (%d type names, %d function names)\n",
		st.Symbols.Symbols, st.Symbols.TypeNames, st.Symbols.FuncNames))
	b.WriteString(fmt.Sprintf("call edges:   %d\n", st.Calls.Edges))
	b.WriteString(fmt.Sprintf("includes:     %d edges, %d headers\n", st.Dependencies.Edges, st.Dependencies.Headers))
	b.WriteString(fmt.Sprintf("claims:       %d completed, %d in progress\n", st.Claims.Completed, st.Claims.InProgress))
	if st.BuildDBDegraded {
		b.WriteString("build db:     unreadable, using fallback arguments\n")
	}
	if st.LastRefresh != nil {
		b.WriteString(fmt.Sprintf("last refresh: %d re-extracted, %d deleted in %s\n",
			st.LastRefresh.FilesReextracted, st.LastRefresh.FilesDeleted, st.LastRefresh.Duration))
	}
	if st.LastError != "" {
		b.WriteString(fmt.Sprintf("last error:   %s\n", st.LastError))
	}
	return b.String()
}

func formatPlan(cs refresh.ChangeSet) string {
	var b strings.Builder
	if cs.Empty() {
		b.WriteString("index is up to date\n")
		return b.String()
	}
	if cs.BuildDBChanged {
		b.WriteString("build database changed\n")
	}
	section := func(label string, files []string) {
		if len(files) == 0 {
			return
		}
		b.WriteString(fmt.Sprintf("%s (%d)\n", label, len(files)))
		for _, f := range files {
			b.WriteString("  " + f + "\n")
		}
	}
	section("added", cs.Added)
	section("modified", cs.Modified)
	section("affected by header changes", cs.Affected)
	section("removed", cs.Removed)
	section("retrying after failure", cs.Retry)
	section("skipped after repeated failures", cs.Skipped)
	section("unreadable", cs.Unreadable)
	return b.String()
}

func formatClasses(res index.ClassesResult) string {
	var b strings.Builder
	b.WriteString(partialNote(res.Completeness))
	b.WriteString(fmt.Sprintf("classes deriving from %s (%d)\n", res.Class, len(res.Records)))
	for _, r := range res.Records {
		b.WriteString("- " + formatRecord(r) + "\n")
	}
	return b.String()
}

func formatHierarchy(res index.HierarchyResult) string {
	var b strings.Builder
	b.WriteString(partialNote(res.Completeness))
	if !res.Found {
		b.WriteString(fmt.Sprintf("class %s not found\n", res.Class))
		return b.String()
	}
	root := res.Root
	b.WriteString(hierarchyLabel(*root) + "\n")
	if len(root.Bases) > 0 {
		b.WriteString("bases:\n")
		writeTree(&b, root.Bases, "  ", func(n index.HierarchyNode) []index.HierarchyNode { return n.Bases })
	}
	if len(root.Derived) > 0 {
		b.WriteString("derived:\n")
		writeTree(&b, root.Derived, "  ", func(n index.HierarchyNode) []index.HierarchyNode { return n.Derived })
	}
	return b.String()
}

func writeTree(b *strings.Builder, nodes []index.HierarchyNode, indent string, next func(index.HierarchyNode) []index.HierarchyNode) {
	for _, n := range nodes {
		b.WriteString(indent + hierarchyLabel(n) + "\n")
		writeTree(b, next(n), indent+"  ", next)
	}
}

func hierarchyLabel(n index.HierarchyNode) string {
	switch {
	case n.Circular:
		return n.Name + " (circular)"
	case n.Record == nil:
		return n.Name + " (not indexed)"
	}
	return fmt.Sprintf("%s  %s:%d", n.Name, n.Record.File, n.Record.Line)
}

func formatCallSites(res index.CallSitesResult) string {
	var b strings.Builder
	b.WriteString(partialNote(res.Completeness))
	b.WriteString(fmt.Sprintf("calls made by %s (%d)\n", res.Query, len(res.Sites)))
	for _, s := range res.Sites {
		loc := s.File
		if s.Line > 0 {
			loc = fmt.Sprintf("%s:%d", s.File, s.Line)
		}
		target := s.Target
		if s.TargetSignature != "" {
			target += " " + s.TargetSignature
		}
		b.WriteString(fmt.Sprintf("- %s  %s\n", target, loc))
	}
	return b.String()
}

func formatFiles(res index.FilesResult) string {
	var b strings.Builder
	b.WriteString(partialNote(res.Completeness))
	b.WriteString(fmt.Sprintf("%d files mention %s (%d call sites)\n", len(res.Files), res.Symbol, res.References))
	for _, f := range res.Files {
		b.WriteString("  " + f + "\n")
	}
	return b.String()
}

func formatIncludes(res index.IncludesResult) string {
	var b strings.Builder
	b.WriteString(partialNote(res.Completeness))
	b.WriteString(fmt.Sprintf("%s includes (%d)\n", res.File, len(res.Includes)))
	for _, f := range res.Includes {
		b.WriteString("  " + f + "\n")
	}
	b.WriteString(fmt.Sprintf("depended on by (%d)\n", len(res.Dependents)))
	for _, f := range res.Dependents {
		b.WriteString("  " + f + "\n")
	}
	return b.String()
}

func formatFailures(failures []refresh.Failure) string {
	var b strings.Builder
	if len(failures) == 0 {
		b.WriteString("no extraction failures\n")
		return b.String()
	}
	for _, f := range failures {
		line := fmt.Sprintf("%s  retries=%d", f.Path, f.Retries)
		if f.Exhausted {
			line += " (gave up)"
		}
		if f.Error != "" {
			line += "  " + f.Error
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

func formatErrorSummary(sum index.ErrorSummary) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("%d files failed to extract, %d no longer retried\n", sum.Total, sum.Exhausted))
	exts := make([]string, 0, len(sum.ByExtension))
	for ext := range sum.ByExtension {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	for _, ext := range exts {
		b.WriteString(fmt.Sprintf("  %-8s %d\n", ext, sum.ByExtension[ext]))
	}
	if len(sum.Recent) > 0 {
		b.WriteString("most recent:\n")
		b.WriteString(formatFailures(sum.Recent))
	}
	return b.String()
}

func formatProgress(p cache.Progress) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("state:    %s\n", p.State))
	b.WriteString(fmt.Sprintf("progress: %d/%d files, %d failed, %d from cache\n", p.Processed, p.Total, p.Failed, p.CacheHits))
	b.WriteString(fmt.Sprintf("symbols:  %d\n", p.Symbols))
	if p.RunID != "" {
		b.WriteString(fmt.Sprintf("run:      %s (%.1fs)\n", shortID(p.RunID), p.LastDuration))
	}
	b.WriteString(fmt.Sprintf("updated:  %s\n", p.UpdatedAt.Local().Format("2006-01-02 15:04:05")))
	return b.String()
}

func formatHistory(runs []ports.RefreshRun) string {
	var b strings.Builder
	if len(runs) == 0 {
		b.WriteString("no refresh runs recorded\n")
		return b.String()
	}
	for _, r := range runs {
		line := fmt.Sprintf("%s  %s  %8s  reextracted=%d deleted=%d cache_hits=%d failed=%d skipped=%d symbols=%d",
			r.StartedAt.Local().Format("2006-01-02 15:04:05"), shortID(r.RunID), r.Duration.Round(time.Millisecond),
			r.FilesReextracted, r.FilesDeleted, r.CacheHits, r.Failed, r.Skipped, r.Symbols)
		if r.Error != "" {
			line += "  error=" + r.Error
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
