package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	coreapp "symindex/internal/core/app"
	"symindex/internal/core/config"
	"symindex/internal/engine/index"
	"symindex/internal/engine/state"
	"symindex/internal/engine/symbols"
	"symindex/internal/shared/observability"
)

func Run(args []string) int {
	opts, err := parseOptions(args)
	if err != nil {
		return 2
	}

	if opts.version {
		fmt.Printf("symindex v%s\n", versionString)
		return 0
	}
	if err := validateOptions(opts); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 2
	}

	configureLogging(opts.verbose)

	cwd, err := os.Getwd()
	if err != nil {
		slog.Error("failed to detect working directory", "error", err)
		return 1
	}

	cfg, err := loadConfig(opts.configPath, cwd)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Observability.EnableTracing {
		shutdown, err := observability.InitTracing(ctx, observability.TracingConfig{
			Endpoint:    cfg.Observability.OTLPEndpoint,
			ServiceName: cfg.Observability.ServiceName,
			Insecure:    true,
		})
		if err != nil {
			slog.Warn("tracing disabled", "error", err)
		} else {
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdown(sctx)
			}()
		}
	}

	// A relative project.root is taken from the config file's directory.
	base := cwd
	if cfg.SourcePath != "" {
		base = filepath.Dir(cfg.SourcePath)
	}
	if opts.progress {
		return runProgress(cfg, base, opts, os.Stdout)
	}
	app, err := coreapp.New(cfg, base)
	if err != nil {
		slog.Error("failed to initialize app", "error", err)
		return 1
	}
	defer app.Close()

	return execute(ctx, app, opts, os.Stdout)
}

// execute runs the selected mode against an initialized app and returns the exit code.
func execute(ctx context.Context, app *coreapp.App, opts cliOptions, out io.Writer) int {
	if _, err := app.Load(ctx); err != nil {
		slog.Error("failed to restore index", "error", err)
		return 1
	}
	if opts.clearCache {
		if err := app.ClearCache(ctx); err != nil {
			slog.Error("failed to clear cache", "error", err)
			return 1
		}
	}

	if opts.plan {
		cs, err := app.Engine.Plan(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			return 1
		}
		return emit(out, opts, cs, formatPlan(cs))
	}

	if !opts.noRefresh {
		if _, err := app.Refresh(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return 130
			}
			// A restored snapshot can still answer; an empty index cannot.
			if app.Engine.Status().State == state.Empty || app.Engine.Status().State == state.Error {
				slog.Error("refresh failed", "error", err)
				return 1
			}
			slog.Warn("refresh failed, answering from the restored index", "error", err)
		}
	}

	if code, handled := runSingleCommand(ctx, app, opts, out); handled {
		return code
	}

	if opts.watch {
		return runWatch(ctx, app, out)
	}

	st := app.Engine.Status()
	return emit(out, opts, st, formatStatus(st))
}

// runSingleCommand answers one query mode. handled is false when no query flag is set.
func runSingleCommand(ctx context.Context, app *coreapp.App, opts cliOptions, out io.Writer) (int, bool) {
	switch {
	case opts.query != "":
		group, _ := symbols.ParseGroup(opts.kind)
		res, err := app.Engine.Query(ctx, index.QueryRequest{
			Group:       group,
			Pattern:     opts.query,
			ProjectOnly: opts.projectOnly,
			ParentType:  opts.class,
			File:        opts.file,
		})
		if err != nil {
			return fail(err), true
		}
		return emit(out, opts, res, formatQuery(res)), true

	case opts.symbol != "":
		res, err := app.Engine.GetSymbol(ctx, opts.symbol)
		if err != nil {
			return fail(err), true
		}
		code := emit(out, opts, res, formatSymbol(res))
		if code == 0 && !res.Found {
			code = 1
		}
		return code, true

	case opts.callers != "":
		res, err := app.Engine.Callers(ctx, opts.callers)
		if err != nil {
			return fail(err), true
		}
		return emit(out, opts, res, formatRelation("callers", res)), true

	case opts.callees != "":
		res, err := app.Engine.Callees(ctx, opts.callees)
		if err != nil {
			return fail(err), true
		}
		return emit(out, opts, res, formatRelation("callees", res)), true

	case opts.paths:
		res, err := app.Engine.FindCallPaths(ctx, opts.args[0], opts.args[1], opts.depth)
		if err != nil {
			return fail(err), true
		}
		return emit(out, opts, res, formatPaths(res)), true

	case opts.derived != "":
		res, err := app.Engine.DerivedClasses(ctx, opts.derived, opts.projectOnly)
		if err != nil {
			return fail(err), true
		}
		return emit(out, opts, res, formatClasses(res)), true

	case opts.hierarchy != "":
		res, err := app.Engine.ClassHierarchy(ctx, opts.hierarchy)
		if err != nil {
			return fail(err), true
		}
		code := emit(out, opts, res, formatHierarchy(res))
		if code == 0 && !res.Found {
			code = 1
		}
		return code, true

	case opts.inFile != "":
		pattern := ""
		if len(opts.args) == 1 {
			pattern = opts.args[0]
		}
		res, err := app.Engine.FindInFile(ctx, opts.inFile, pattern)
		if err != nil {
			return fail(err), true
		}
		return emit(out, opts, res, formatQuery(res)), true

	case opts.callSites != "":
		res, err := app.Engine.CallSites(ctx, opts.callSites, opts.class)
		if err != nil {
			return fail(err), true
		}
		return emit(out, opts, res, formatCallSites(res)), true

	case opts.filesWith != "":
		group, _ := symbols.ParseGroup(opts.kind)
		res, err := app.Engine.FilesContaining(ctx, opts.filesWith, group, opts.projectOnly)
		if err != nil {
			return fail(err), true
		}
		return emit(out, opts, res, formatFiles(res)), true

	case opts.includes != "":
		res, err := app.Engine.Includes(ctx, opts.includes)
		if err != nil {
			return fail(err), true
		}
		return emit(out, opts, res, formatIncludes(res)), true

	case opts.errors:
		failures := app.Engine.ParseErrors(opts.limit, opts.file)
		return emit(out, opts, failures, formatFailures(failures)), true

	case opts.errorSum:
		sum := app.Engine.ErrorSummary()
		return emit(out, opts, sum, formatErrorSummary(sum)), true

	case opts.history > 0:
		runs, err := app.History(ctx, opts.history)
		if err != nil {
			return fail(err), true
		}
		return emit(out, opts, runs, formatHistory(runs)), true

	case opts.status:
		st := app.Engine.Status()
		return emit(out, opts, st, formatStatus(st)), true
	}
	return 0, false
}

// runProgress reads the progress file another process keeps in the cache directory.
func runProgress(cfg *config.Config, base string, opts cliOptions, out io.Writer) int {
	p, ok, err := coreapp.ReadProgress(cfg, base)
	if err != nil {
		return fail(err)
	}
	if !ok {
		fmt.Fprintln(out, "no indexing progress recorded")
		return 1
	}
	return emit(out, opts, p, formatProgress(*p))
}

func runWatch(ctx context.Context, app *coreapp.App, out io.Writer) int {
	var server *ObservabilityServer
	if app.Config.Observability.Enabled {
		server = NewObservabilityServer(app.Config.Observability.Address, coreapp.NewHealthService(app), app.Engine)
		if err := server.Start(ctx); err != nil {
			slog.Error("failed to start observability server", "error", err)
			return 1
		}
	}

	if err := app.StartWatching(ctx); err != nil {
		slog.Error("failed to start watcher", "error", err)
		return 1
	}
	fmt.Fprintf(out, "watching %s (ctrl-c to stop)\n", app.Paths.ProjectRoot)

	<-ctx.Done()
	app.StopWatching()

	if server != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Stop(sctx); err != nil {
			slog.Warn("observability server shutdown", "error", err)
		}
	}
	return 0
}

func emit(out io.Writer, opts cliOptions, v any, text string) int {
	if opts.jsonOut {
		if err := writeJSON(out, v); err != nil {
			slog.Error("failed to encode result", "error", err)
			return 1
		}
		return 0
	}
	fmt.Fprint(out, text)
	return 0
}

func fail(err error) int {
	fmt.Fprintln(os.Stderr, err.Error())
	return 1
}

// loadConfig reads an explicit config file, or falls back to symindex.toml in the
// detected project root, or to defaults rooted there.
func loadConfig(path, cwd string) (*config.Config, error) {
	if path != defaultConfigPath {
		return config.Load(path)
	}

	root, err := config.DetectProjectRoot([]string{cwd})
	if err != nil {
		return nil, err
	}
	candidate := filepath.Join(root, config.DefaultFileName)
	cfg, err := config.Load(candidate)
	if err == nil {
		return cfg, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	slog.Debug("no config file found, using defaults", "root", root)
	return config.Default(root), nil
}

// configureLogging sends logs to stderr so stdout carries only results.
func configureLogging(verbose bool) {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
}
