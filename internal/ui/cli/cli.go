package cli

import (
	"flag"
	"fmt"
	"strings"

	"symindex/internal/engine/symbols"
)

const versionString = "1.0.0"
const defaultConfigPath = "./symindex.toml"

type cliOptions struct {
	configPath  string
	query       string
	kind        string
	projectOnly bool
	symbol      string
	callers     string
	callees     string
	paths       bool
	depth       int
	derived     string
	hierarchy   string
	inFile      string
	callSites   string
	filesWith   string
	includes    string
	class       string
	file        string
	errors      bool
	errorSum    bool
	limit       int
	status      bool
	progress    bool
	clearCache  bool
	history     int
	plan        bool
	noRefresh   bool
	watch       bool
	jsonOut     bool
	verbose     bool
	version     bool
	args        []string
}

func parseOptions(args []string) (cliOptions, error) {
	var opts cliOptions
	fs := flag.NewFlagSet("symindex", flag.ContinueOnError)

	fs.StringVar(&opts.configPath, "config", defaultConfigPath, "Path to config file")
	fs.StringVar(&opts.query, "query", "", "Find symbols whose name matches a plain name or regex")
	fs.StringVar(&opts.kind, "kind", "all", "Symbol group for --query: types, functions or all")
	fs.BoolVar(&opts.projectOnly, "project-only", false, "Restrict --query to symbols defined in project files")
	fs.StringVar(&opts.symbol, "symbol", "", "Print one symbol by its unique id")
	fs.StringVar(&opts.callers, "callers", "", "List direct callers of a symbol name or id")
	fs.StringVar(&opts.callees, "callees", "", "List direct callees of a symbol name or id")
	fs.BoolVar(&opts.paths, "paths", false, "Find shortest call paths between two symbols: symindex --paths <from> <to>")
	fs.IntVar(&opts.depth, "depth", 0, "Maximum hops for --paths (0 uses the configured default)")
	fs.StringVar(&opts.derived, "derived", "", "List classes deriving directly from a class")
	fs.StringVar(&opts.hierarchy, "hierarchy", "", "Print the inheritance tree around a class")
	fs.StringVar(&opts.inFile, "in-file", "", "List symbols in a file, optionally matching a pattern: symindex --in-file <file> [pattern]")
	fs.StringVar(&opts.callSites, "call-sites", "", "List the calls made from a function with their locations")
	fs.StringVar(&opts.filesWith, "files-with", "", "List files that define, declare or call a symbol")
	fs.StringVar(&opts.includes, "includes", "", "Print what a file includes and which files depend on it")
	fs.StringVar(&opts.class, "class", "", "Restrict --query and --call-sites to members of this class")
	fs.StringVar(&opts.file, "file", "", "Restrict --query to files ending with this path, or --errors to paths containing it")
	fs.BoolVar(&opts.errors, "errors", false, "List files whose last extraction failed")
	fs.BoolVar(&opts.errorSum, "error-summary", false, "Summarize extraction failures")
	fs.IntVar(&opts.limit, "limit", 0, "Maximum entries for --errors (0 for all)")
	fs.BoolVar(&opts.status, "status", false, "Print index status")
	fs.BoolVar(&opts.progress, "progress", false, "Print the progress of the current or last pass without loading the index")
	fs.BoolVar(&opts.clearCache, "clear-cache", false, "Delete the cache and rebuild the index from scratch")
	fs.IntVar(&opts.history, "history", 0, "Print the last N refresh runs (requires the sqlite state backend)")
	fs.BoolVar(&opts.plan, "plan", false, "Print what the next refresh would re-extract and exit")
	fs.BoolVar(&opts.noRefresh, "no-refresh", false, "Answer from the cached snapshot without refreshing first")
	fs.BoolVar(&opts.watch, "watch", false, "Keep running and refresh when project files change")
	fs.BoolVar(&opts.jsonOut, "json", false, "Print results as JSON")
	fs.BoolVar(&opts.verbose, "verbose", false, "Enable verbose logging")
	fs.BoolVar(&opts.version, "version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, err
	}

	opts.args = fs.Args()
	return opts, nil
}

// validateOptions rejects flag combinations that cannot be answered together.
func validateOptions(opts cliOptions) error {
	modes := 0
	for _, set := range []bool{
		opts.query != "",
		opts.symbol != "",
		opts.callers != "",
		opts.callees != "",
		opts.paths,
		opts.derived != "",
		opts.hierarchy != "",
		opts.inFile != "",
		opts.callSites != "",
		opts.filesWith != "",
		opts.includes != "",
		opts.errors,
		opts.errorSum,
		opts.plan,
		opts.progress,
		opts.history > 0,
	} {
		if set {
			modes++
		}
	}
	if modes > 1 {
		return fmt.Errorf("only one query mode may be given per invocation")
	}
	switch {
	case opts.paths:
		if len(opts.args) != 2 {
			return fmt.Errorf("--paths requires two symbol arguments: symindex --paths <from> <to>")
		}
	case opts.inFile != "":
		if len(opts.args) > 1 {
			return fmt.Errorf("--in-file takes at most one pattern argument")
		}
	default:
		if len(opts.args) > 0 {
			return fmt.Errorf("unexpected arguments: %s", strings.Join(opts.args, " "))
		}
	}
	if opts.limit < 0 {
		return fmt.Errorf("--limit must be >= 0, got %d", opts.limit)
	}
	if opts.history < 0 {
		return fmt.Errorf("--history must be >= 0, got %d", opts.history)
	}
	if opts.depth < 0 {
		return fmt.Errorf("--depth must be >= 0, got %d", opts.depth)
	}
	if _, ok := symbols.ParseGroup(opts.kind); !ok {
		return fmt.Errorf("--kind must be types, functions or all, got %q", opts.kind)
	}
	if opts.plan && opts.watch {
		return fmt.Errorf("--plan cannot be combined with --watch")
	}
	if opts.noRefresh && opts.watch {
		return fmt.Errorf("--no-refresh cannot be combined with --watch")
	}
	if opts.clearCache && (opts.noRefresh || opts.plan || opts.progress) {
		return fmt.Errorf("--clear-cache rebuilds the index and cannot be combined with --no-refresh, --plan or --progress")
	}
	return nil
}
