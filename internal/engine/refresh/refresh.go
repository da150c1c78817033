// Package refresh drives incremental re-extraction.
//
// A pass enumerates the project, classifies every file against what the index last
// merged, drops deleted files, expands changed headers into their dependents and
// dispatches the rest to the fact extractor on a bounded worker pool. Workers hold no
// shared lock while the extractor runs; each finished file is merged in one step under
// the merge lock. The snapshot, header claims and include edges are persisted once,
// after the pool has drained.
package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"symindex/internal/core/ports"
	"symindex/internal/data/cache"
	"symindex/internal/engine/callgraph"
	"symindex/internal/engine/claims"
	"symindex/internal/engine/depgraph"
	"symindex/internal/engine/hasher"
	"symindex/internal/engine/state"
	"symindex/internal/engine/symbols"
	"symindex/internal/shared/observability"
	"symindex/internal/shared/util"
)

const DefaultMaxRetries = 2

type Options struct {
	Workers int
	// MaxRetries is how many times a failing file is retried with unchanged content and
	// arguments before it is skipped.
	MaxRetries int
	HeaderExts []string

	ProjectRoot string
	// ProjectKey scopes persisted claims and include edges.
	ProjectKey        string
	ConfigFingerprint string

	// Limiter paces extractor dispatch. Nil means unlimited.
	Limiter *util.Limiter
}

// Components are the shared indexes a pass writes into.
type Components struct {
	Store   *symbols.Store
	Calls   *callgraph.Graph
	Deps    *depgraph.Graph
	Claims  *claims.Tracker
	Machine *state.Machine
	Cache   *cache.Cache
	// State persists claims and include edges. Optional.
	State  ports.StateStore
	Hasher *hasher.Hasher
}

// Collaborators are the external ports.
type Collaborators struct {
	Extractor ports.FactExtractor
	BuildDB   ports.BuildDatabase
	Discovery ports.FileDiscovery
}

// Result summarises one pass.
type Result struct {
	RunID            string        `json:"run_id"`
	FilesReextracted int           `json:"files_reextracted"`
	FilesDeleted     int           `json:"files_deleted"`
	CacheHits        int           `json:"cache_hits"`
	Failed           int           `json:"failed"`
	Skipped          int           `json:"skipped"`
	HeadersCovered   int           `json:"headers_covered"`
	Duration         time.Duration `json:"duration"`
	Changes          ChangeSet     `json:"changes"`
}

type Orchestrator struct {
	store   *symbols.Store
	calls   *callgraph.Graph
	deps    *depgraph.Graph
	claims  *claims.Tracker
	machine *state.Machine
	cache   *cache.Cache
	persist ports.StateStore
	hasher  *hasher.Hasher

	extractor ports.FactExtractor
	buildDB   ports.BuildDatabase
	discovery ports.FileDiscovery

	opts Options

	// run serialises passes.
	run sync.Mutex

	// mergeMu guards every multi-component merge and the fields below. Readers that
	// need the indexes mutually consistent hold it shared through View.
	mergeMu     sync.RWMutex
	known       map[string]fileState
	lastBuildFP string
}

func New(c Components, collab Collaborators, opts Options) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if c.Hasher == nil {
		c.Hasher = hasher.New(0, 0)
	}
	return &Orchestrator{
		store:     c.Store,
		calls:     c.Calls,
		deps:      c.Deps,
		claims:    c.Claims,
		machine:   c.Machine,
		cache:     c.Cache,
		persist:   c.State,
		hasher:    c.Hasher,
		extractor: collab.Extractor,
		buildDB:   collab.BuildDB,
		discovery: collab.Discovery,
		opts:      opts,
		known:     make(map[string]fileState),
	}
}

// KnownFiles returns the number of discovered files the index has merged. Files whose
// last extraction failed are not counted.
func (o *Orchestrator) KnownFiles() int {
	o.mergeMu.RLock()
	defer o.mergeMu.RUnlock()
	n := 0
	for _, fs := range o.known {
		if !fs.Failed {
			n++
		}
	}
	return n
}

// View runs fn while no merge is in progress, so reads across the symbol store and
// both graphs see the same set of merged files. fn must not call back into the
// orchestrator.
func (o *Orchestrator) View(fn func()) {
	o.mergeMu.RLock()
	defer o.mergeMu.RUnlock()
	fn()
}

// Failure is a discovered file whose last extraction failed.
type Failure struct {
	Path    string `json:"path"`
	Error   string `json:"error"`
	Retries int    `json:"retries"`
	// Exhausted means the file is no longer retried until it or its arguments change.
	Exhausted bool      `json:"exhausted"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Failures lists failed files ordered by path, with the error text from their cache
// entries.
func (o *Orchestrator) Failures() []Failure {
	o.mergeMu.RLock()
	failed := make(map[string]fileState)
	for path, fs := range o.known {
		if fs.Failed {
			failed[path] = fs
		}
	}
	o.mergeMu.RUnlock()

	out := make([]Failure, 0, len(failed))
	for _, path := range util.SortedStringKeys(failed) {
		fs := failed[path]
		f := Failure{Path: path, Retries: fs.Retries, Exhausted: fs.Retries >= o.opts.MaxRetries}
		if e, ok := o.cache.LoadFileEntry(path, fs.ContentHash, fs.ArgsHash); ok && !e.Success {
			f.Error = e.Error
			f.UpdatedAt = e.UpdatedAt
		}
		out = append(out, f)
	}
	return out
}

// Reset empties every index and the on-disk cache. The next Run is a full build.
func (o *Orchestrator) Reset(ctx context.Context) error {
	o.run.Lock()
	defer o.run.Unlock()

	o.mergeMu.Lock()
	o.store.Clear()
	o.calls.Clear()
	o.deps.Clear()
	o.claims.Clear()
	o.known = make(map[string]fileState)
	o.lastBuildFP = ""
	o.mergeMu.Unlock()

	if err := o.cache.Clear(); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	if o.persist != nil {
		if err := o.persist.SaveClaims(ctx, o.opts.ProjectKey, map[string]string{}); err != nil {
			return fmt.Errorf("clear header claims: %w", err)
		}
		if err := o.persist.SaveInclusions(ctx, o.opts.ProjectKey, nil); err != nil {
			return fmt.Errorf("clear include edges: %w", err)
		}
	}
	slog.Info("index and cache cleared", "project", o.opts.ProjectRoot)
	return nil
}

type reloader interface {
	Reload() bool
}

// Plan classifies the project without changing anything.
func (o *Orchestrator) Plan(ctx context.Context) (ChangeSet, error) {
	o.run.Lock()
	defer o.run.Unlock()

	if r, ok := o.buildDB.(reloader); ok {
		r.Reload()
	}
	current, err := o.discovery.ListFiles(ctx)
	if err != nil {
		return ChangeSet{}, err
	}
	observed, err := o.observe(ctx, current)
	if err != nil {
		return ChangeSet{}, err
	}
	o.mergeMu.RLock()
	known := copyKnown(o.known)
	buildChanged := o.lastBuildFP != "" && o.buildDB.Fingerprint() != o.lastBuildFP
	o.mergeMu.RUnlock()
	return o.classify(observed, known, buildChanged), nil
}

// Run executes one refresh pass. Per-file extraction failures are recorded and do not
// fail the pass. Cancellation releases in-flight header claims and leaves the state
// machine in error without saving a snapshot; per-file entries already written stay
// valid. An integrity violation is returned as a fatal error.
func (o *Orchestrator) Run(ctx context.Context) (res Result, err error) {
	o.run.Lock()
	defer o.run.Unlock()

	start := time.Now()
	res.RunID = uuid.NewString()

	ctx, span := observability.Tracer.Start(ctx, "refresh.Run")
	span.SetAttributes(attribute.String("run_id", res.RunID))
	defer func() {
		res.Duration = time.Since(start)
		span.SetAttributes(
			attribute.Int("files_reextracted", res.FilesReextracted),
			attribute.Int("files_deleted", res.FilesDeleted),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	log := slog.With("run_id", res.RunID)

	if _, err := o.machine.Begin(0); err != nil {
		return res, err
	}

	if r, ok := o.buildDB.(reloader); ok && r.Reload() {
		log.Info("build database reloaded", "fingerprint", shortFP(o.buildDB.Fingerprint()))
	}
	if o.buildDB.Degraded() {
		log.Warn("build database unavailable, using fallback arguments")
	}

	current, err := o.discovery.ListFiles(ctx)
	if err != nil {
		err = fmt.Errorf("list files: %w", err)
		o.machine.Fail(err)
		return res, err
	}
	observed, err := o.observe(ctx, current)
	if err != nil {
		o.machine.Fail(err)
		return res, err
	}

	buildFP := o.buildDB.Fingerprint()
	o.mergeMu.RLock()
	known := copyKnown(o.known)
	buildChanged := o.lastBuildFP != "" && buildFP != o.lastBuildFP
	o.mergeMu.RUnlock()

	cs := o.classify(observed, known, buildChanged)
	res.Changes = cs
	recordClasses(cs)

	// Claims taken under another build configuration cannot vouch for this one.
	if cs.BuildDBChanged {
		o.claims.Clear()
	}

	for _, path := range cs.Removed {
		o.removeFile(path)
	}
	res.FilesDeleted = len(cs.Removed)

	work := cs.Reextract(o.isHeader)
	o.machine.SetTotal(len(work))
	log.Info("refresh started",
		"files", len(current),
		"added", len(cs.Added),
		"modified", len(cs.Modified),
		"affected", len(cs.Affected),
		"removed", len(cs.Removed),
		"retry", len(cs.Retry),
		"build_db_changed", cs.BuildDBChanged)

	forced := make(map[string]bool, len(cs.Affected))
	for _, p := range cs.Affected {
		forced[p] = true
	}

	tally := &pass{
		observed: observed,
		forced:   forced,
		log:      log,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Workers)
	for _, path := range work {
		g.Go(func() error {
			out, err := o.process(gctx, tally, path)
			if err != nil {
				return err
			}
			tally.count(out)
			o.machine.FileDone(path, out == outcomeFailed || out == outcomeSkipped, out == outcomeCacheHit)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if released := o.claims.ReleaseInProgress(); len(released) > 0 {
			log.Info("released interrupted header claims", "count", len(released))
		}
		o.machine.Fail(err)
		o.saveProgress(res.RunID, time.Since(start))
		return res, err
	}

	res.FilesReextracted = tally.extracted
	res.CacheHits = tally.cacheHits
	res.Failed = tally.failed
	res.Skipped = tally.skipped + len(cs.Skipped)
	res.HeadersCovered = tally.covered

	if err := o.verify(); err != nil {
		o.machine.Fail(err)
		return res, err
	}

	o.mergeMu.Lock()
	o.lastBuildFP = buildFP
	o.mergeMu.Unlock()

	o.persistAll(ctx, log)

	if err := o.machine.Finish(); err != nil {
		return res, err
	}
	o.saveProgress(res.RunID, time.Since(start))

	observability.RefreshDuration.Observe(time.Since(start).Seconds())
	log.Info("refresh finished",
		"reextracted", res.FilesReextracted,
		"cache_hits", res.CacheHits,
		"failed", res.Failed,
		"skipped", res.Skipped,
		"deleted", res.FilesDeleted,
		"duration", time.Since(start).Round(time.Millisecond))
	return res, nil
}

func (o *Orchestrator) verify() error {
	if err := o.store.Verify(); err != nil {
		return err
	}
	return o.calls.Verify()
}

// removeFile drops every trace of a file that left the project.
func (o *Orchestrator) removeFile(path string) {
	o.mergeMu.Lock()
	defer o.mergeMu.Unlock()

	for _, id := range o.store.RemoveFile(path) {
		o.calls.RemoveSymbol(id)
	}
	o.calls.RemoveFile(path)
	o.deps.RemoveFile(path)
	o.claims.Invalidate(path)
	delete(o.known, path)

	if err := o.cache.RemoveFileEntry(path); err != nil {
		slog.Warn("refresh: remove cache entry", "path", path, "error", err)
	}
}

func (o *Orchestrator) saveProgress(runID string, elapsed time.Duration) {
	snap := o.machine.Snapshot()
	p := cache.Progress{
		ProjectRoot:  o.opts.ProjectRoot,
		State:        string(snap.State),
		Total:        snap.Progress.Total,
		Processed:    snap.Progress.Processed,
		Failed:       snap.Progress.Failed,
		CacheHits:    snap.Progress.CacheHits,
		Symbols:      o.store.Stats().Symbols,
		RunID:        runID,
		UpdatedAt:    time.Now().UTC(),
		LastDuration: elapsed.Seconds(),
	}
	if err := o.cache.SaveProgress(p); err != nil {
		slog.Warn("refresh: save progress", "error", err)
	}
}

func recordClasses(cs ChangeSet) {
	for class, n := range map[string]int{
		"added":      len(cs.Added),
		"modified":   len(cs.Modified),
		"affected":   len(cs.Affected),
		"removed":    len(cs.Removed),
		"retry":      len(cs.Retry),
		"skipped":    len(cs.Skipped),
		"unchanged":  len(cs.Unchanged),
		"unreadable": len(cs.Unreadable),
	} {
		if n > 0 {
			observability.RefreshFilesTotal.WithLabelValues(class).Add(float64(n))
		}
	}
}

func copyKnown(in map[string]fileState) map[string]fileState {
	out := make(map[string]fileState, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func shortFP(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

