package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/zeebo/xxh3"

	"symindex/internal/shared/util"
)

const defaultReloadDebounce = 100 * time.Millisecond

// WatchOptions tune how edits become reloads. Editors often write a file several
// times per save, so events are collapsed for Debounce and reloads are admitted by
// Pace. A nil Pace admits every reload.
type WatchOptions struct {
	Debounce time.Duration
	Pace     *util.Limiter
}

// Watcher reloads a config file when its content changes. Saves that leave the bytes
// unchanged, and files that no longer parse, do not reach the callback; the last good
// config stays in effect.
type Watcher struct {
	path     string
	onReload func(*Config)
	opts     WatchOptions

	// digest is the xxh3 of the last content handed to onReload.
	digest uint64
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWatcher(path string, onReload func(*Config), opts WatchOptions) *Watcher {
	if opts.Debounce <= 0 {
		opts.Debounce = defaultReloadDebounce
	}
	return &Watcher{path: filepath.Clean(path), onReload: onReload, opts: opts}
}

// Start watches the file's directory, so replace-by-rename saves are seen, and returns
// once the watch is in place.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return err
	}
	if data, err := os.ReadFile(w.path); err == nil {
		w.digest = xxh3.Hash(data)
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer fsw.Close()
		w.loop(ctx, fsw)
	}()
	slog.Info("watching config file", "path", w.path, "debounce", w.opts.Debounce)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	timer := time.NewTimer(w.opts.Debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				timer.Reset(w.opts.Debounce)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "path", w.path, "error", err)

		case <-timer.C:
			if err := w.opts.Pace.Wait(ctx, 1); err != nil {
				return
			}
			w.reload()

		case <-ctx.Done():
			return
		}
	}
}

// Stop ends the watch and waits for a reload in progress. It is safe to call more than
// once, and before Start.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		slog.Warn("config file unreadable, keeping current settings", "path", w.path, "error", err)
		return
	}
	sum := xxh3.Hash(data)
	if sum == w.digest {
		slog.Debug("config file saved without changes", "path", w.path)
		return
	}

	cfg, err := Load(w.path)
	if err != nil {
		slog.Error("failed to reload configuration, keeping current settings", "path", w.path, "error", err)
		return
	}
	w.digest = sum
	slog.Info("configuration reloaded", "path", w.path)
	if w.onReload != nil {
		w.onReload(cfg)
	}
}
