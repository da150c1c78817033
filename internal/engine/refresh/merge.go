package refresh

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"symindex/internal/core/ports"
	"symindex/internal/data/cache"
	"symindex/internal/engine/callgraph"
	"symindex/internal/engine/claims"
	"symindex/internal/engine/symbols"
	"symindex/internal/shared/observability"
	"symindex/internal/shared/util"
)

type outcome int

const (
	outcomeExtracted outcome = iota
	outcomeCacheHit
	outcomeFailed
	outcomeSkipped
	// outcomeCovered: a header whose current content another unit already merged.
	outcomeCovered
)

// pass is the per-run bookkeeping shared by workers.
type pass struct {
	observed map[string]observation
	// forced files bypass their cache entry: a header they include changed.
	forced map[string]bool
	log    *slog.Logger

	mu        sync.Mutex
	extracted int
	cacheHits int
	failed    int
	skipped   int
	covered   int
}

func (p *pass) count(out outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch out {
	case outcomeExtracted:
		p.extracted++
	case outcomeCacheHit:
		p.cacheHits++
	case outcomeFailed:
		p.failed++
	case outcomeSkipped:
		p.skipped++
	case outcomeCovered:
		p.covered++
	}
}

// process brings one file up to date. Only cancellation is returned as an error.
func (o *Orchestrator) process(ctx context.Context, p *pass, path string) (outcome, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	obs := p.observed[path]
	header := o.isHeader(path)

	// A header is claimed before it is extracted so no source merge can race it.
	if header {
		o.mergeMu.Lock()
		r := o.claims.TryClaim(path, obs.ContentHash)
		if r == claims.AlreadyDone {
			o.known[path] = obs.fileState
		}
		o.mergeMu.Unlock()
		if r != claims.Granted {
			p.log.Debug("header already merged", "path", path, "claim", r.String())
			return outcomeCovered, nil
		}
	}
	completed := false
	if header {
		defer func() {
			if !completed {
				o.claims.Release(path)
			}
		}()
	}

	retry := 0
	if entry, ok := o.cache.LoadFileEntry(path, obs.ContentHash, obs.ArgsHash); ok {
		switch {
		case entry.Success && !p.forced[path]:
			units, fresh := o.replay(ctx, p, path, entry)
			if !fresh {
				p.log.Debug("included file changed since caching, re-extracting", "path", path)
				break
			}
			o.mergeUnits(p, path, obs.fileState, entry.Includes, units, header, false)
			completed = true
			return outcomeCacheHit, nil
		case !entry.Success && p.forced[path]:
			// A changed include may be exactly what the file was missing.
		case !entry.Success && entry.RetryCount >= o.opts.MaxRetries:
			p.log.Debug("skipping file over retry ceiling", "path", path, "retries", entry.RetryCount, "error", entry.Error)
			o.noteFailure(path, obs.fileState, entry.RetryCount)
			return outcomeSkipped, nil
		case !entry.Success:
			retry = entry.RetryCount + 1
		}
	}

	if err := o.opts.Limiter.Wait(ctx, 1); err != nil {
		return 0, err
	}

	ext, err := o.extract(ctx, path)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		ext = ports.Extraction{Success: false, Error: err.Error()}
	}
	if !ext.Success {
		o.recordFailure(p, path, obs.fileState, ext, retry)
		return outcomeFailed, nil
	}

	o.merge(ctx, p, path, obs.fileState, ext, header)
	completed = true
	return outcomeExtracted, nil
}

func (o *Orchestrator) extract(ctx context.Context, path string) (ports.Extraction, error) {
	ctx, span := observability.Tracer.Start(ctx, "refresh.extract")
	span.SetAttributes(attribute.String("path", path))
	defer span.End()

	args := o.buildDB.CompileArgs(path)
	start := time.Now()
	ext, err := o.extractor.Extract(ctx, path, args)

	label := "success"
	switch {
	case err != nil:
		label = "error"
		span.RecordError(err)
	case !ext.Success:
		label = "failure"
	}
	observability.ExtractionDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	return ext, err
}

func (o *Orchestrator) recordFailure(p *pass, path string, fs fileState, ext ports.Extraction, retry int) {
	msg := ext.Error
	if msg == "" && len(ext.Diagnostics) > 0 {
		msg = strings.Join(ext.Diagnostics, "; ")
	}
	if msg == "" {
		msg = "extraction failed"
	}
	p.log.Warn("extraction failed", "path", path, "retry", retry, "error", cache.TruncateError(msg))

	o.noteFailure(path, fs, retry)
	entry := &cache.FileEntry{
		Path:        path,
		ContentHash: fs.ContentHash,
		ArgsHash:    fs.ArgsHash,
		Success:     false,
		Error:       msg,
		RetryCount:  retry,
	}
	if err := o.cache.SaveFileEntry(entry); err != nil {
		slog.Warn("refresh: save failure entry", "path", path, "error", err)
	}
}

// noteFailure records path as known but failed, so later passes retry it rather than
// treat it as new, and a deletion is still noticed.
func (o *Orchestrator) noteFailure(path string, fs fileState, retries int) {
	fs.Failed = true
	fs.Retries = retries
	o.mergeMu.Lock()
	o.known[path] = fs
	o.mergeMu.Unlock()
}

// unit is everything an extraction reported for one file.
type unit struct {
	records []symbols.Record
	sites   []callgraph.CallSite
	hash    string
}

// split groups an extraction by owning file. Outgoing calls carried on records become
// call sites; the call graph, not the record, is the source of truth for edges.
func (o *Orchestrator) split(path string, ext ports.Extraction) map[string]*unit {
	units := map[string]*unit{path: {}}
	get := func(file string) *unit {
		u := units[file]
		if u == nil {
			u = &unit{}
			units[file] = u
		}
		return u
	}

	for _, r := range ext.Records {
		if r.ID == "" {
			continue
		}
		if r.File == "" {
			r.File = path
		}
		for _, callee := range r.Calls {
			get(r.File).sites = append(get(r.File).sites, callgraph.CallSite{Caller: r.ID, Callee: callee, File: r.File})
		}
		r.Calls = nil
		r.CalledBy = nil
		r.IsProject = o.discovery.IsProjectFile(r.File)
		get(r.File).records = append(get(r.File).records, r)
	}
	for _, s := range ext.CallSites {
		if s.File == "" {
			s.File = path
		}
		get(s.File).sites = append(get(s.File).sites, s)
	}
	return units
}

// merge folds a fresh extraction into every index and caches it.
func (o *Orchestrator) merge(ctx context.Context, p *pass, path string, fs fileState, ext ports.Extraction, selfClaimed bool) {
	units := o.split(path, ext)

	// Hash foreign files before taking the lock; this may touch the disk.
	for _, file := range util.SortedStringKeys(units) {
		if file == path {
			continue
		}
		if obs, ok := p.observed[file]; ok && obs.err == nil {
			units[file].hash = obs.ContentHash
			continue
		}
		h, err := o.hasher.File(ctx, file)
		if err != nil {
			p.log.Debug("cannot hash included file, dropping its records", "path", file, "error", err)
			delete(units, file)
			continue
		}
		units[file].hash = h
	}
	o.mergeUnits(p, path, fs, ext.Includes, units, selfClaimed, true)
}

// replay rebuilds the units of a cached extraction. Discovered files are left to their
// own entries. Any other included file must still hash as cached; if one does not,
// fresh is false and the caller re-extracts.
func (o *Orchestrator) replay(ctx context.Context, p *pass, path string, e *cache.FileEntry) (units map[string]*unit, fresh bool) {
	units = map[string]*unit{path: {records: e.Records, sites: e.CallSites, hash: e.ContentHash}}
	for _, file := range util.SortedStringKeys(e.Foreign) {
		if _, discovered := p.observed[file]; discovered {
			continue
		}
		fu := e.Foreign[file]
		h, err := o.hasher.File(ctx, file)
		if err != nil || h != fu.ContentHash {
			return nil, false
		}
		units[file] = &unit{records: fu.Records, sites: fu.CallSites, hash: h}
	}
	return units, true
}

// mergeUnits applies one file's units in a single step. Records for other files
// (headers seen through this unit) are merged only under a granted claim. With save,
// the unit is written to the cache including every foreign part.
func (o *Orchestrator) mergeUnits(p *pass, path string, fs fileState, includes []string, units map[string]*unit, selfClaimed, save bool) {
	var entries []*cache.FileEntry
	own := units[path]

	o.mergeMu.Lock()
	o.applyUnit(path, own)
	if len(includes) > 0 || !o.isHeader(path) {
		o.deps.SetIncludes(path, includes)
	}
	if selfClaimed {
		o.claims.MarkCompleted(path, fs.ContentHash)
	}
	o.known[path] = fs

	for _, file := range util.SortedStringKeys(units) {
		if file == path {
			continue
		}
		u := units[file]
		if o.claims.TryClaim(file, u.hash) != claims.Granted {
			continue
		}
		o.applyUnit(file, u)
		o.claims.MarkCompleted(file, u.hash)

		obs, ok := p.observed[file]
		if !ok || obs.ContentHash != u.hash {
			continue
		}
		o.known[file] = obs.fileState
		entries = append(entries, &cache.FileEntry{
			Path:        file,
			ContentHash: u.hash,
			ArgsHash:    obs.ArgsHash,
			Records:     u.records,
			CallSites:   u.sites,
			Success:     true,
		})
	}
	o.mergeMu.Unlock()

	if save {
		entry := &cache.FileEntry{
			Path:        path,
			ContentHash: fs.ContentHash,
			ArgsHash:    fs.ArgsHash,
			Records:     own.records,
			CallSites:   own.sites,
			Includes:    includes,
			Success:     true,
		}
		for file, u := range units {
			if file == path {
				continue
			}
			if entry.Foreign == nil {
				entry.Foreign = make(map[string]cache.ForeignUnit)
			}
			entry.Foreign[file] = cache.ForeignUnit{ContentHash: u.hash, Records: u.records, CallSites: u.sites}
		}
		entries = append(entries, entry)
	}
	for _, e := range entries {
		if err := o.cache.SaveFileEntry(e); err != nil {
			slog.Warn("refresh: save cache entry", "path", e.Path, "error", err)
		}
	}
}

// applyUnit replaces file's records and call sites. Caller holds mergeMu.
func (o *Orchestrator) applyUnit(file string, u *unit) {
	res := o.store.Upsert(file, u.records)
	for _, id := range res.Removed {
		o.calls.RemoveSymbol(id)
	}
	o.calls.ReplaceFile(file, u.sites)
	if res.Rejected > 0 {
		slog.Debug("records rejected during merge", "file", file, "rejected", res.Rejected)
	}
}
