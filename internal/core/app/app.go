// Package app wires configuration, adapters and persistence into a running index
// engine.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"symindex/internal/adapters/builddb"
	"symindex/internal/adapters/discovery"
	"symindex/internal/adapters/extractor"
	"symindex/internal/core/config"
	domainerrors "symindex/internal/core/errors"
	"symindex/internal/core/ports"
	"symindex/internal/core/watcher"
	"symindex/internal/data/cache"
	"symindex/internal/data/store"
	"symindex/internal/engine/hasher"
	"symindex/internal/engine/index"
	"symindex/internal/engine/refresh"
	"symindex/internal/engine/state"
	"symindex/internal/engine/symbols"
	"symindex/internal/shared/util"
)

type App struct {
	Config  *config.Config
	Project config.ActiveProject
	Paths   config.ResolvedPaths
	Engine  *index.Engine

	walker  *discovery.Walker
	buildDB *builddb.Database
	cache   *cache.Cache
	state   ports.StateStore
	// extractorErr is set when no usable extractor is configured. Queries against a
	// restored snapshot still work; refreshes fail with it.
	extractorErr error

	// pace spaces watcher-triggered refreshes.
	pace *util.Limiter

	watchMu       sync.Mutex
	activeWatcher *watcher.Watcher
	configWatcher *config.Watcher
	watchCtx      context.Context
	watchCancel   context.CancelFunc
	refreshes     sync.WaitGroup
	// restartRequired is set when a reloaded config changes extraction settings.
	restartRequired bool
}

// Dependencies lets callers replace the external collaborators. Nil fields are built
// from config.
type Dependencies struct {
	Extractor ports.FactExtractor
	State     ports.StateStore
}

func New(cfg *config.Config, cwd string) (*App, error) {
	return NewWithDependencies(cfg, cwd, Dependencies{})
}

func NewWithDependencies(cfg *config.Config, cwd string, deps Dependencies) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	policy, err := state.ParsePolicy(cfg.Query.Policy)
	if err != nil {
		return nil, err
	}

	project, err := config.ResolveActiveProject(cfg, cwd)
	if err != nil {
		return nil, err
	}
	paths, err := config.ResolvePaths(cfg, project)
	if err != nil {
		return nil, err
	}

	walker, err := discovery.New(paths.ProjectRoot, cfg.Project)
	if err != nil {
		return nil, err
	}
	c, err := cache.Open(paths.CacheDir)
	if err != nil {
		return nil, err
	}
	bdb := builddb.Load(paths.BuildDatabase, cfg.Project.FallbackArgs)
	if bdb.Degraded() {
		slog.Warn("build database unavailable, using fallback arguments",
			"path", paths.BuildDatabase, "error", bdb.Err())
	}

	a := &App{
		Config:  cfg,
		Project: project,
		Paths:   paths,
		walker:  walker,
		buildDB: bdb,
		cache:   c,
		pace:    util.Every(cfg.Refresh.MinInterval),
	}

	ext := deps.Extractor
	if ext == nil {
		cmd, err := extractor.New(cfg.Extractor.Command, cfg.Extractor.Args, cfg.Extractor.Timeout)
		if err != nil {
			a.extractorErr = err
			ext = unavailableExtractor{err: err}
		} else {
			ext = cmd
		}
	}

	a.state = deps.State
	if a.state == nil {
		a.state, err = openState(cfg, paths, c)
		if err != nil {
			return nil, err
		}
	}

	engine, err := index.New(index.Dependencies{
		Extractor: ext,
		BuildDB:   bdb,
		Discovery: walker,
		Cache:     c,
		State:     a.state,
		Hasher:    hasher.New(cfg.Hashing.Timeout, cfg.Hashing.MaxFileBytes),
	}, index.Options{
		Store: symbols.Options{
			RegexTimeout:     cfg.Query.RegexTimeout,
			PatternCacheSize: cfg.Query.PatternCacheSize,
			MaxSymbols:       cfg.Index.MaxSymbols,
		},
		Refresh: refresh.Options{
			Workers:           cfg.Index.Workers,
			MaxRetries:        cfg.Refresh.MaxRetries,
			HeaderExts:        cfg.Project.HeaderExts,
			ProjectRoot:       paths.ProjectRoot,
			ProjectKey:        project.Key,
			ConfigFingerprint: ConfigFingerprint(cfg),
			Limiter:           util.NewLimiter(cfg.Refresh.ExtractRate, cfg.Refresh.ExtractBurst),
		},
		LargeResultThreshold: cfg.Query.LargeResultThreshold,
		MaxPathDepth:         cfg.Query.MaxPathDepth,
		Policy:               policy,
		RejectUnsafePatterns: cfg.Query.RejectUnsafePatterns,
		MaxPatternLength:     cfg.Query.MaxPatternLength,
	})
	if err != nil {
		_ = a.state.Close()
		return nil, err
	}
	a.Engine = engine
	return a, nil
}

// openState picks the SQLite backend when the database is enabled and the JSON state
// file in the cache directory otherwise.
func openState(cfg *config.Config, paths config.ResolvedPaths, c *cache.Cache) (ports.StateStore, error) {
	if !cfg.DB.IsEnabled() {
		return c.StateFile(), nil
	}
	s, err := store.Open(paths.DBPath, cfg.DB.BusyTimeout)
	if err != nil {
		return nil, domainerrors.Wrap(err, domainerrors.CodeInternal, "open state database")
	}
	return s, nil
}

// ConfigFingerprint covers the settings that change what extraction produces. Tuning
// knobs such as worker counts or timeouts are left out so editing them keeps the
// snapshot.
func ConfigFingerprint(cfg *config.Config) string {
	return hasher.Fingerprint(
		"extractor="+cfg.Extractor.Command,
		"args="+strings.Join(cfg.Extractor.Args, "\x00"),
		"exts="+strings.Join(cfg.Project.Extensions, ","),
		"headers="+strings.Join(cfg.Project.HeaderExts, ","),
		"include="+strings.Join(cfg.Project.Include, ","),
		"exclude_dirs="+strings.Join(cfg.Project.Exclude.Dirs, ","),
		"exclude_files="+strings.Join(cfg.Project.Exclude.Files, ","),
		"fallback="+strings.Join(cfg.Project.FallbackArgs, "\x00"),
		"extra="+strings.Join(cfg.Project.ExtraProjectDirs, ","),
	)
}

// Load warm-starts the engine from the cached snapshot.
func (a *App) Load(ctx context.Context) (bool, error) {
	ok, err := a.Engine.Load(ctx)
	if err != nil {
		return false, err
	}
	if ok {
		slog.Info("index restored from snapshot", "project", a.Project.Name, "files", a.Engine.Status().IndexedFiles)
	}
	return ok, nil
}

// Refresh runs one incremental pass.
func (a *App) Refresh(ctx context.Context) (refresh.Result, error) {
	if a.extractorErr != nil {
		return refresh.Result{}, a.extractorErr
	}
	started := time.Now().UTC()
	res, err := a.Engine.Refresh(ctx)
	a.recordRun(started, res, err)
	if err != nil {
		return res, err
	}
	slog.Info("refresh complete",
		"run_id", res.RunID,
		"reextracted", res.FilesReextracted,
		"deleted", res.FilesDeleted,
		"cache_hits", res.CacheHits,
		"failed", res.Failed,
		"duration", res.Duration)
	return res, nil
}

// recordRun appends the pass to the run history when the state backend keeps one. A
// pass that never started has no run id and is not recorded.
func (a *App) recordRun(started time.Time, res refresh.Result, runErr error) {
	history, ok := a.state.(ports.RunHistory)
	if !ok || res.RunID == "" {
		return
	}
	run := ports.RefreshRun{
		RunID:            res.RunID,
		StartedAt:        started,
		Duration:         res.Duration,
		FilesReextracted: res.FilesReextracted,
		FilesDeleted:     res.FilesDeleted,
		CacheHits:        res.CacheHits,
		Failed:           res.Failed,
		Skipped:          res.Skipped,
		Symbols:          a.Engine.Status().Symbols.Symbols,
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	// The run log outlives a cancelled context.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := history.RecordRun(ctx, a.Project.Key, run); err != nil {
		slog.Warn("failed to record refresh run", "run_id", res.RunID, "error", err)
	}
}

// ClearCache drops the index and every cached extraction. The following Refresh
// re-extracts the whole project.
func (a *App) ClearCache(ctx context.Context) error {
	if err := a.Engine.Reset(ctx); err != nil {
		return err
	}
	slog.Info("cache cleared", "project", a.Project.Name, "dir", a.Paths.CacheDir)
	return nil
}

// ReadProgress returns the progress another process is recording for the project cwd
// resolves to. Nothing is opened for writing.
func ReadProgress(cfg *config.Config, cwd string) (*cache.Progress, bool, error) {
	project, err := config.ResolveActiveProject(cfg, cwd)
	if err != nil {
		return nil, false, err
	}
	paths, err := config.ResolvePaths(cfg, project)
	if err != nil {
		return nil, false, err
	}
	p, ok := cache.ReadProgress(paths.CacheDir)
	return p, ok, nil
}

// History returns recent refresh passes, newest first.
func (a *App) History(ctx context.Context, limit int) ([]ports.RefreshRun, error) {
	history, ok := a.state.(ports.RunHistory)
	if !ok {
		return nil, domainerrors.New(domainerrors.CodeValidationError, "refresh history needs the sqlite state backend ([db] enabled = true)")
	}
	return history.RecentRuns(ctx, a.Project.Key, limit)
}

// BuildDBDegraded reports whether fallback compile arguments are in use.
func (a *App) BuildDBDegraded() bool {
	return a.buildDB.Degraded()
}

func (a *App) Close() error {
	a.StopWatching()
	return a.Engine.Close()
}

type unavailableExtractor struct{ err error }

func (u unavailableExtractor) Extract(context.Context, string, []string) (ports.Extraction, error) {
	return ports.Extraction{}, u.err
}
