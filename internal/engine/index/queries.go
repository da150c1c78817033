package index

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	domainerrors "symindex/internal/core/errors"
	"symindex/internal/engine/callgraph"
	"symindex/internal/engine/claims"
	"symindex/internal/engine/depgraph"
	"symindex/internal/engine/state"
	"symindex/internal/engine/symbols"
)

type QueryRequest struct {
	Group       symbols.Group
	Pattern     string
	ProjectOnly bool
	// ParentType keeps only members of this type, to tell same-named methods apart.
	ParentType string
	// File keeps only records whose path ends with it.
	File string
}

type QueryResult struct {
	Records []symbols.Record `json:"records"`
	Total   int              `json:"total"`
	// Large is set when the answer is above the configured threshold.
	Large bool `json:"large"`
	// TimedOut means the pattern ran out of match budget and matched nothing.
	TimedOut     bool               `json:"timed_out,omitempty"`
	Completeness state.Completeness `json:"completeness"`
}

type SymbolResult struct {
	Record       *symbols.Record    `json:"record,omitempty"`
	Found        bool               `json:"found"`
	Completeness state.Completeness `json:"completeness"`
}

// RelationResult answers callers and callees. Resolved holds the ids the query name
// mapped to; Related are the connected ids, with records for those the store holds.
type RelationResult struct {
	Query        string             `json:"query"`
	Resolved     []string           `json:"resolved"`
	Related      []string           `json:"related"`
	Records      []symbols.Record   `json:"records"`
	Large        bool               `json:"large"`
	Completeness state.Completeness `json:"completeness"`
}

type PathResult struct {
	From     string     `json:"from"`
	To       string     `json:"to"`
	MaxDepth int        `json:"max_depth"`
	Paths    [][]string `json:"paths"`
	// Hops is the length of every returned path, zero when none was found.
	Hops         int                `json:"hops"`
	Completeness state.Completeness `json:"completeness"`
}

// Query returns records in req.Group whose name matches req.Pattern. A plain name is
// compared case-insensitively; anything with regex syntax must match the whole name.
// Patterns containing "::" match qualified names: "::View" only the global View,
// "ui::View" any View whose trailing scopes are ui, and a regex with "::" the whole
// qualified name.
func (e *Engine) Query(ctx context.Context, req QueryRequest) (QueryResult, error) {
	ctx, span, end := startSpan(ctx, "index.Query",
		attribute.String("group", string(req.Group)),
		attribute.String("pattern", req.Pattern))
	defer end()

	if err := e.admit(ctx); err != nil {
		return QueryResult{}, err
	}
	group := req.Group
	if group == "" {
		group = symbols.GroupAll
	}
	if e.opts.RejectUnsafePatterns && symbols.IsPattern(req.Pattern) {
		if err := symbols.ValidatePattern(req.Pattern, e.opts.MaxPatternLength); err != nil {
			return QueryResult{}, err
		}
	}

	completeness := e.machine.Completeness()
	res, err := e.store.Search(ctx, symbols.Filter{
		Group:       group,
		Pattern:     req.Pattern,
		ProjectOnly: req.ProjectOnly,
		ParentType:  req.ParentType,
		FileSuffix:  req.File,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return QueryResult{}, err
	}

	out := QueryResult{
		Records:      e.hydrateAll(res.Records),
		TimedOut:     res.TimedOut,
		Completeness: completeness,
	}
	out.Total = len(out.Records)
	out.Large = out.Total > e.opts.LargeResultThreshold
	span.SetAttributes(attribute.Int("results", out.Total), attribute.Bool("timed_out", out.TimedOut))
	return out, nil
}

// GetSymbol looks up one id. Absence is reported through Found, not an error.
func (e *Engine) GetSymbol(ctx context.Context, id string) (SymbolResult, error) {
	ctx, _, end := startSpan(ctx, "index.GetSymbol", attribute.String("id", id))
	defer end()

	if err := e.admit(ctx); err != nil {
		return SymbolResult{}, err
	}
	out := SymbolResult{Completeness: e.machine.Completeness()}
	e.refresh.View(func() {
		if r, ok := e.store.Get(id); ok {
			r = e.hydrate(r)
			out.Record = &r
			out.Found = true
		}
	})
	return out, nil
}

// Callers returns the direct callers of every symbol nameOrID resolves to.
func (e *Engine) Callers(ctx context.Context, nameOrID string) (RelationResult, error) {
	return e.relation(ctx, "index.Callers", nameOrID, e.calls.Callers)
}

// Callees returns the direct callees of every symbol nameOrID resolves to.
func (e *Engine) Callees(ctx context.Context, nameOrID string) (RelationResult, error) {
	return e.relation(ctx, "index.Callees", nameOrID, e.calls.Callees)
}

func (e *Engine) relation(ctx context.Context, op, nameOrID string, next func(string) []string) (RelationResult, error) {
	ctx, _, end := startSpan(ctx, op, attribute.String("query", nameOrID))
	defer end()

	if err := e.admit(ctx); err != nil {
		return RelationResult{}, err
	}
	completeness := e.machine.Completeness()
	out := RelationResult{Query: nameOrID, Completeness: completeness}
	var err error
	e.refresh.View(func() {
		out.Resolved, err = e.resolve(nameOrID)
		if err != nil {
			return
		}
		seen := make(map[string]bool)
		for _, id := range out.Resolved {
			for _, other := range next(id) {
				if seen[other] {
					continue
				}
				seen[other] = true
				out.Related = append(out.Related, other)
				if r, ok := e.store.Get(other); ok {
					out.Records = append(out.Records, e.hydrate(r))
				}
			}
		}
	})
	if err != nil {
		return RelationResult{}, err
	}
	out.Large = len(out.Related) > e.opts.LargeResultThreshold
	return out, nil
}

// resolve maps a name or id to ids. An id the call graph knows but the store does not
// (an external callee) still resolves to itself.
func (e *Engine) resolve(nameOrID string) ([]string, error) {
	if nameOrID == "" {
		return nil, domainerrors.New(domainerrors.CodeValidationError, "symbol name or id is required")
	}
	ids := e.store.Resolve(nameOrID)
	if len(ids) == 0 && (len(e.calls.Callers(nameOrID)) > 0 || len(e.calls.Callees(nameOrID)) > 0) {
		ids = []string{nameOrID}
	}
	if len(ids) == 0 {
		return nil, domainerrors.AddContext(
			domainerrors.New(domainerrors.CodeNotFound, "no symbol matches"),
			domainerrors.CtxSymbol, nameOrID)
	}
	return ids, nil
}

// FindCallPaths returns every shortest call chain from one of from's symbols to one of
// to's, no longer than maxDepth hops. A zero maxDepth uses the configured default.
// When the shortest chain is longer than maxDepth the result is empty.
func (e *Engine) FindCallPaths(ctx context.Context, from, to string, maxDepth int) (PathResult, error) {
	ctx, span, end := startSpan(ctx, "index.FindCallPaths",
		attribute.String("from", from),
		attribute.String("to", to))
	defer end()

	if err := e.admit(ctx); err != nil {
		return PathResult{}, err
	}
	if maxDepth == 0 {
		maxDepth = e.opts.MaxPathDepth
	}
	if maxDepth < 0 {
		return PathResult{}, domainerrors.New(domainerrors.CodeValidationError,
			fmt.Sprintf("max depth must be positive, got %d", maxDepth))
	}

	completeness := e.machine.Completeness()
	out := PathResult{From: from, To: to, MaxDepth: maxDepth, Completeness: completeness}
	var err error
	e.refresh.View(func() {
		var fromIDs, toIDs []string
		if fromIDs, err = e.resolve(from); err != nil {
			return
		}
		if toIDs, err = e.resolve(to); err != nil {
			return
		}
		for _, f := range fromIDs {
			for _, t := range toIDs {
				if err = ctx.Err(); err != nil {
					return
				}
				paths := e.calls.FindPaths(f, t, maxDepth)
				if len(paths) == 0 {
					continue
				}
				hops := len(paths[0]) - 1
				switch {
				case out.Paths == nil || hops < out.Hops:
					out.Paths = paths
					out.Hops = hops
				case hops == out.Hops:
					out.Paths = append(out.Paths, paths...)
				}
			}
		}
	})
	if err != nil {
		return PathResult{}, err
	}
	span.SetAttributes(attribute.Int("paths", len(out.Paths)), attribute.Int("hops", out.Hops))
	return out, nil
}

type Status struct {
	State          state.State        `json:"state"`
	TotalFiles     int                `json:"total_files"`
	ProcessedFiles int                `json:"processed_files"`
	FailedFiles    int                `json:"failed_files"`
	CacheHits      int                `json:"cache_hits"`
	CurrentFile    string             `json:"current_file,omitempty"`
	Completeness   state.Completeness `json:"completeness"`
	Since          time.Time          `json:"since"`
	LastError      string             `json:"last_error,omitempty"`

	IndexedFiles int             `json:"indexed_files"`
	Symbols      symbols.Stats   `json:"symbols"`
	Calls        callgraph.Stats `json:"calls"`
	Dependencies depgraph.Stats  `json:"dependencies"`
	Claims       claims.Stats    `json:"claims"`

	BuildDBDegraded bool `json:"build_db_degraded"`
	// LastRefresh is nil until a pass completes in this process.
	LastRefresh *RefreshSummary `json:"last_refresh,omitempty"`
}

type RefreshSummary struct {
	RunID            string        `json:"run_id"`
	FilesReextracted int           `json:"files_reextracted"`
	FilesDeleted     int           `json:"files_deleted"`
	Duration         time.Duration `json:"duration"`
}

// Status never blocks and is answerable in every state.
func (e *Engine) Status() Status {
	snap := e.machine.Snapshot()
	st := Status{
		State:           snap.State,
		TotalFiles:      snap.Progress.Total,
		ProcessedFiles:  snap.Progress.Processed,
		FailedFiles:     snap.Progress.Failed,
		CacheHits:       snap.Progress.CacheHits,
		CurrentFile:     snap.Progress.CurrentFile,
		Completeness:    e.machine.Completeness(),
		Since:           snap.Since,
		LastError:       snap.LastError,
		IndexedFiles:    e.refresh.KnownFiles(),
		Symbols:         e.store.Stats(),
		Calls:           e.calls.Stats(5),
		Dependencies:    e.deps.Stats(),
		Claims:          e.claims.Stats(),
		BuildDBDegraded: e.buildDB.Degraded(),
	}

	e.mu.RLock()
	if e.last != nil {
		st.LastRefresh = &RefreshSummary{
			RunID:            e.last.RunID,
			FilesReextracted: e.last.FilesReextracted,
			FilesDeleted:     e.last.FilesDeleted,
			Duration:         e.last.Duration,
		}
	}
	if e.fatal != nil && st.LastError == "" {
		st.LastError = e.fatal.Error()
	}
	e.mu.RUnlock()
	return st
}
