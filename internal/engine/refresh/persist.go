package refresh

import (
	"context"
	"log/slog"
	"time"

	"symindex/internal/data/cache"
	"symindex/internal/engine/callgraph"
	"symindex/internal/engine/symbols"
)

// persistAll writes the snapshot, the completed claims and the include edges. Failures
// are logged: the next start simply has less to reuse.
func (o *Orchestrator) persistAll(ctx context.Context, log *slog.Logger) {
	snap := o.buildSnapshot()
	if err := o.cache.SaveSnapshot(snap); err != nil {
		log.Warn("save snapshot", "error", err)
	}

	if o.persist == nil {
		return
	}
	if err := o.persist.SaveClaims(ctx, o.opts.ProjectKey, o.claims.Completed()); err != nil {
		log.Warn("save header claims", "error", err)
	}
	if err := o.persist.SaveInclusions(ctx, o.opts.ProjectKey, o.deps.Edges()); err != nil {
		log.Warn("save include edges", "error", err)
	}
}

func (o *Orchestrator) buildSnapshot() *cache.Snapshot {
	o.mergeMu.RLock()
	defer o.mergeMu.RUnlock()

	snap := &cache.Snapshot{
		ConfigFingerprint:  o.opts.ConfigFingerprint,
		BuildDBFingerprint: o.lastBuildFP,
		FileHashes:         make(map[string]string, len(o.known)),
		ArgsHashes:         make(map[string]string, len(o.known)),
		Types:              make(map[string][]symbols.Record),
		Functions:          make(map[string][]symbols.Record),
		Shadows:            o.store.Shadows(),
		CallSites:          o.calls.Sites(),
		CreatedAt:          time.Now().UTC(),
	}
	for path, fs := range o.known {
		snap.FileHashes[path] = fs.ContentHash
		snap.ArgsHashes[path] = fs.ArgsHash
		if !fs.Failed {
			snap.IndexedFiles++
			continue
		}
		if snap.Failed == nil {
			snap.Failed = make(map[string]int)
		}
		snap.Failed[path] = fs.Retries
	}
	for _, r := range o.store.All() {
		switch {
		case r.Kind.IsType():
			snap.Types[r.Name] = append(snap.Types[r.Name], r)
		case r.Kind.IsFunction():
			snap.Functions[r.Name] = append(snap.Functions[r.Name], r)
		default:
			snap.Other = append(snap.Other, r)
		}
	}
	return snap
}

// Restore warm-starts the indexes from the saved snapshot. It reports false when no
// usable snapshot exists; claims are then cleared so the next Run re-extracts every
// header instead of trusting claims for records the store does not hold.
func (o *Orchestrator) Restore(ctx context.Context) (bool, error) {
	o.run.Lock()
	defer o.run.Unlock()

	expect := cache.Expect{
		ConfigFingerprint:  o.opts.ConfigFingerprint,
		BuildDBFingerprint: o.buildDB.Fingerprint(),
	}
	snap, ok := o.cache.LoadSnapshot(expect)
	if !ok {
		o.claims.Clear()
		return false, nil
	}

	if _, err := o.machine.Begin(len(snap.FileHashes)); err != nil {
		return false, err
	}

	byFile := make(map[string][]symbols.Record)
	add := func(recs []symbols.Record) {
		for _, r := range recs {
			byFile[r.File] = append(byFile[r.File], r)
		}
	}
	for _, recs := range snap.Types {
		add(recs)
	}
	for _, recs := range snap.Functions {
		add(recs)
	}
	add(snap.Other)

	sites := make(map[string][]callgraph.CallSite)
	for _, s := range snap.CallSites {
		sites[s.File] = append(sites[s.File], s)
	}

	o.mergeMu.Lock()
	for file, recs := range byFile {
		o.store.Upsert(file, recs)
	}
	// Owners are all in place; re-reporting a file with its shadows leaves ownership
	// untouched and restores what gets promoted if an owner later drops the id.
	for file, shadows := range snap.Shadows {
		o.store.Upsert(file, append(append([]symbols.Record(nil), byFile[file]...), shadows...))
	}
	for file, s := range sites {
		o.calls.ReplaceFile(file, s)
	}
	for path, h := range snap.FileHashes {
		retries, failed := snap.Failed[path]
		o.known[path] = fileState{ContentHash: h, ArgsHash: snap.ArgsHashes[path], Failed: failed, Retries: retries}
	}
	o.lastBuildFP = snap.BuildDBFingerprint
	o.mergeMu.Unlock()

	if o.persist != nil {
		done, err := o.persist.LoadClaims(ctx, o.opts.ProjectKey)
		if err != nil {
			slog.Warn("load header claims", "error", err)
		} else {
			o.claims.Restore(done)
		}
		edges, err := o.persist.LoadInclusions(ctx, o.opts.ProjectKey)
		if err != nil {
			slog.Warn("load include edges", "error", err)
		} else {
			o.deps.Restore(edges)
		}
	}

	if err := o.verify(); err != nil {
		o.machine.Fail(err)
		return false, err
	}
	for path := range snap.FileHashes {
		_, failed := snap.Failed[path]
		o.machine.FileDone(path, failed, !failed)
	}
	if err := o.machine.Finish(); err != nil {
		return false, err
	}

	slog.Info("index restored from snapshot",
		"files", snap.IndexedFiles,
		"failed", len(snap.Failed),
		"symbols", o.store.Stats().Symbols,
		"created_at", snap.CreatedAt.Format(time.RFC3339))
	return true, nil
}
