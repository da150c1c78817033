// Package index is the query and refresh surface over the symbol indexes.
//
// Every answer carries the completeness of the index at the time it was computed, so
// a caller can tell a confident answer from a provisional one taken mid-refresh.
package index

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	domainerrors "symindex/internal/core/errors"
	"symindex/internal/core/ports"
	"symindex/internal/data/cache"
	"symindex/internal/engine/callgraph"
	"symindex/internal/engine/claims"
	"symindex/internal/engine/depgraph"
	"symindex/internal/engine/hasher"
	"symindex/internal/engine/refresh"
	"symindex/internal/engine/state"
	"symindex/internal/engine/symbols"
	"symindex/internal/shared/observability"
)

const (
	DefaultLargeResultThreshold = 20
	DefaultMaxPathDepth         = 10
)

type Options struct {
	Store   symbols.Options
	Refresh refresh.Options

	LargeResultThreshold int
	MaxPathDepth         int
	// Policy decides what a query does while a pass is running.
	Policy state.Policy
	// RejectUnsafePatterns refuses patterns that look prone to catastrophic
	// backtracking instead of letting the match budget cut them off.
	RejectUnsafePatterns bool
	MaxPatternLength     int
}

// Dependencies are the collaborators the engine does not own.
type Dependencies struct {
	Extractor ports.FactExtractor
	BuildDB   ports.BuildDatabase
	Discovery ports.FileDiscovery
	Cache     *cache.Cache
	// State persists header claims and include edges. Optional.
	State  ports.StateStore
	Hasher *hasher.Hasher
}

type Engine struct {
	store   *symbols.Store
	calls   *callgraph.Graph
	deps    *depgraph.Graph
	claims  *claims.Tracker
	machine *state.Machine
	refresh *refresh.Orchestrator

	buildDB ports.BuildDatabase
	persist ports.StateStore
	opts    Options

	mu    sync.RWMutex
	fatal error
	last  *refresh.Result
}

func New(d Dependencies, opts Options) (*Engine, error) {
	if d.Extractor == nil || d.BuildDB == nil || d.Discovery == nil {
		return nil, fmt.Errorf("extractor, build database and file discovery are required")
	}
	if d.Cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if opts.LargeResultThreshold <= 0 {
		opts.LargeResultThreshold = DefaultLargeResultThreshold
	}
	if opts.MaxPathDepth <= 0 {
		opts.MaxPathDepth = DefaultMaxPathDepth
	}
	if opts.Policy == "" {
		opts.Policy = state.AllowPartial
	}

	e := &Engine{
		store:   symbols.NewStore(opts.Store),
		calls:   callgraph.New(),
		deps:    depgraph.New(),
		claims:  claims.NewTracker(),
		machine: state.NewMachine(),
		buildDB: d.BuildDB,
		persist: d.State,
		opts:    opts,
	}
	e.refresh = refresh.New(refresh.Components{
		Store:   e.store,
		Calls:   e.calls,
		Deps:    e.deps,
		Claims:  e.claims,
		Machine: e.machine,
		Cache:   d.Cache,
		State:   d.State,
		Hasher:  d.Hasher,
	}, refresh.Collaborators{
		Extractor: d.Extractor,
		BuildDB:   d.BuildDB,
		Discovery: d.Discovery,
	}, opts.Refresh)
	return e, nil
}

// Load warm-starts from the saved snapshot. False means the next Refresh is a full
// build.
func (e *Engine) Load(ctx context.Context) (bool, error) {
	ok, err := e.refresh.Restore(ctx)
	if err != nil && domainerrors.IsFatal(err) {
		e.setFatal(err)
	}
	return ok, err
}

// Refresh runs one incremental pass.
func (e *Engine) Refresh(ctx context.Context) (refresh.Result, error) {
	if err := e.fatalErr(); err != nil {
		return refresh.Result{}, err
	}
	res, err := e.refresh.Run(ctx)
	if err != nil {
		if domainerrors.IsFatal(err) {
			e.setFatal(err)
		}
		return res, err
	}
	e.mu.Lock()
	e.last = &res
	e.mu.Unlock()
	return res, nil
}

// Plan reports what the next Refresh would do.
func (e *Engine) Plan(ctx context.Context) (refresh.ChangeSet, error) {
	return e.refresh.Plan(ctx)
}

// Verify runs the integrity checks on demand. A failure is fatal for the engine.
func (e *Engine) Verify() error {
	if err := e.store.Verify(); err != nil {
		e.setFatal(err)
		return err
	}
	if err := e.calls.Verify(); err != nil {
		e.setFatal(err)
		return err
	}
	return nil
}

func (e *Engine) Close() error {
	if e.persist == nil {
		return nil
	}
	return e.persist.Close()
}

func (e *Engine) setFatal(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fatal == nil {
		e.fatal = err
	}
	e.machine.Fail(err)
}

func (e *Engine) fatalErr() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.fatal
}

// admit gates every read: a broken index answers nothing, an empty one is not ready,
// and a pass in flight is handled by the configured policy.
func (e *Engine) admit(ctx context.Context) error {
	if err := e.fatalErr(); err != nil {
		return err
	}
	return e.opts.Policy.Admit(ctx, e.machine)
}

// hydrate fills in call relations. Callers hold the orchestrator view so the record
// and its edges come from the same set of merged files.
func (e *Engine) hydrate(r symbols.Record) symbols.Record {
	r.Calls = e.calls.Callees(r.ID)
	r.CalledBy = e.calls.Callers(r.ID)
	return r
}

// hydrateAll re-reads recs under one view and hydrates them. Records a merge removed
// since they were matched are dropped.
func (e *Engine) hydrateAll(recs []symbols.Record) []symbols.Record {
	out := make([]symbols.Record, 0, len(recs))
	e.refresh.View(func() {
		for _, r := range recs {
			if cur, ok := e.store.Get(r.ID); ok {
				out = append(out, e.hydrate(cur))
			}
		}
	})
	return out
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, func()) {
	ctx, span := observability.Tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	start := time.Now()
	return ctx, span, func() {
		observability.QueryDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		span.End()
	}
}
