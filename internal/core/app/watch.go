package app

import (
	"context"
	"errors"
	"log/slog"

	"symindex/internal/core/config"
	"symindex/internal/core/watcher"
	"symindex/internal/shared/util"
)

// StartWatching refreshes the index whenever project files change, and reloads tuning
// settings when the config file is edited. It returns once the watchers are running.
func (a *App) StartWatching(ctx context.Context) error {
	a.watchMu.Lock()
	defer a.watchMu.Unlock()
	if a.activeWatcher != nil {
		return nil
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w, err := watcher.NewWatcher(a.Config.Watch.Debounce, a.walker, a.HandleChanges)
	if err != nil {
		cancel()
		return err
	}
	if err := w.Watch([]string{a.Paths.ProjectRoot}); err != nil {
		cancel()
		_ = w.Close()
		return err
	}
	a.activeWatcher = w
	a.watchCtx = watchCtx
	a.watchCancel = cancel

	if a.Config.SourcePath != "" {
		cw := config.NewWatcher(a.Config.SourcePath, a.ApplyConfig, config.WatchOptions{
			Debounce: a.Config.Watch.Debounce,
			Pace:     util.Every(a.Config.Refresh.MinInterval),
		})
		if err := cw.Start(watchCtx); err != nil {
			slog.Warn("config watcher unavailable", "path", a.Config.SourcePath, "error", err)
		} else {
			a.configWatcher = cw
		}
	}
	slog.Info("watching project", "root", a.Paths.ProjectRoot, "debounce", a.Config.Watch.Debounce)
	return nil
}

// StopWatching stops both watchers and waits for an in-flight refresh to return.
func (a *App) StopWatching() {
	a.watchMu.Lock()
	w, cw, cancel := a.activeWatcher, a.configWatcher, a.watchCancel
	a.activeWatcher, a.configWatcher, a.watchCancel = nil, nil, nil
	if cancel != nil {
		cancel()
	}
	a.watchMu.Unlock()

	if w != nil {
		_ = w.Close()
	}
	if cw != nil {
		cw.Stop()
	}
	a.refreshes.Wait()
}

// HandleChanges is the watcher callback. The changed paths only trigger the pass; the
// pass itself re-classifies every file by content hash.
func (a *App) HandleChanges(paths []string) {
	a.watchMu.Lock()
	ctx, pace := a.watchCtx, a.pace
	if ctx == nil || ctx.Err() != nil {
		a.watchMu.Unlock()
		return
	}
	a.refreshes.Add(1)
	a.watchMu.Unlock()
	defer a.refreshes.Done()

	slog.Debug("file changes detected", "count", len(paths))
	if err := pace.Wait(ctx, 1); err != nil {
		return
	}
	if _, err := a.Refresh(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("watch refresh failed", "error", err)
	}
}

// ApplyConfig takes tuning settings from a reloaded config. Settings that change what
// extraction produces need a restart; until then health reports the drift.
func (a *App) ApplyConfig(cfg *config.Config) {
	a.watchMu.Lock()
	defer a.watchMu.Unlock()

	if ConfigFingerprint(cfg) != ConfigFingerprint(a.Config) {
		slog.Warn("project settings changed, restart to re-index with them", "path", cfg.SourcePath)
		a.restartRequired = true
	}
	if a.activeWatcher != nil && cfg.Watch.Debounce != a.Config.Watch.Debounce {
		a.activeWatcher.SetDebounce(cfg.Watch.Debounce)
	}
	if cfg.Refresh.MinInterval != a.Config.Refresh.MinInterval {
		a.pace = util.Every(cfg.Refresh.MinInterval)
	}
	a.Config.Watch.Debounce = cfg.Watch.Debounce
	a.Config.Refresh.MinInterval = cfg.Refresh.MinInterval
}
