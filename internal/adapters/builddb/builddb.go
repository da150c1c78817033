// Package builddb reads a compile_commands.json compilation database.
//
// The engine only hashes what this package returns. When the database cannot be read
// the provider runs degraded: every file gets the configured fallback arguments.
package builddb

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	domainerrors "symindex/internal/core/errors"
	"symindex/internal/engine/hasher"
)

type entry struct {
	Directory string   `json:"directory"`
	File      string   `json:"file"`
	Arguments []string `json:"arguments"`
	Command   string   `json:"command"`
}

type Database struct {
	mu          sync.RWMutex
	path        string
	fallback    []string
	args        map[string][]string
	fingerprint string
	err         error
}

// Load reads path. It never fails: an unreadable database yields a degraded provider
// whose Err explains why.
func Load(path string, fallback []string) *Database {
	d := &Database{path: path, fallback: append([]string(nil), fallback...)}
	d.Reload()
	return d
}

// Reload re-reads the database from disk and reports whether the fingerprint changed.
func (d *Database) Reload() bool {
	args, fp, err := read(d.path)

	d.mu.Lock()
	defer d.mu.Unlock()

	prev := d.fingerprint
	if err != nil {
		d.args = map[string][]string{}
		d.fingerprint = hasher.Fingerprint(append([]string{"degraded"}, d.fallback...)...)
		d.err = err
		slog.Warn("build database unavailable, using fallback arguments", "path", d.path, "error", err)
	} else {
		d.args = args
		d.fingerprint = fp
		d.err = nil
		slog.Debug("build database loaded", "path", d.path, "entries", len(args))
	}
	return prev != d.fingerprint
}

func read(path string) (map[string][]string, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", domainerrors.Wrap(err, domainerrors.CodeDegraded, "read build database")
	}

	var entries []entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, "", domainerrors.Wrap(err, domainerrors.CodeDegraded, "decode build database")
	}

	base := filepath.Dir(path)
	out := make(map[string][]string, len(entries))
	for i, e := range entries {
		if strings.TrimSpace(e.File) == "" {
			slog.Debug("skipping build database entry without file", "index", i)
			continue
		}
		dir := e.Directory
		if dir == "" || !filepath.IsAbs(dir) {
			dir = filepath.Join(base, dir)
		}
		file := e.File
		if !filepath.IsAbs(file) {
			file = filepath.Join(dir, file)
		}
		file = filepath.Clean(file)

		raw := e.Arguments
		if len(raw) == 0 && e.Command != "" {
			raw, err = SplitCommand(e.Command)
			if err != nil {
				slog.Debug("skipping unparsable build command", "file", file, "error", err)
				continue
			}
		}
		// First entry wins, as compilers do for duplicate units.
		if _, dup := out[file]; dup {
			continue
		}
		out[file] = normalizeIncludes(FilterArguments(raw), dir)
	}

	return out, hasher.Fingerprint("compile_commands", hasher.Bytes(data)), nil
}

// CompileArgs returns the arguments recorded for path, or the fallback arguments.
func (d *Database) CompileArgs(path string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if args, ok := d.args[filepath.Clean(path)]; ok {
		return append([]string(nil), args...)
	}
	return append([]string(nil), d.fallback...)
}

// Has reports whether path has its own entry.
func (d *Database) Has(path string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.args[filepath.Clean(path)]
	return ok
}

func (d *Database) Fingerprint() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.fingerprint
}

func (d *Database) Degraded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.err != nil
}

func (d *Database) Err() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.err
}

func (d *Database) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.args)
}

var compilerNames = map[string]bool{
	"gcc": true, "g++": true, "clang": true, "clang++": true,
	"cc": true, "c++": true, "cl": true,
}

var sourceExts = []string{".c", ".cc", ".cpp", ".cxx", ".c++", ".m", ".mm"}

// FilterArguments drops the compiler executable, -c, -o <out> and source file operands.
func FilterArguments(args []string) []string {
	i := 0
	if len(args) > 0 {
		first := args[0]
		base := strings.ToLower(filepath.Base(strings.ReplaceAll(first, "\\", "/")))
		base = strings.TrimSuffix(base, ".exe")
		if compilerNames[base] || strings.HasPrefix(first, "/") || strings.HasPrefix(first, "\\") {
			i = 1
		}
	}

	out := make([]string, 0, len(args))
	for ; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "-o":
			i++
			continue
		case arg == "-c":
			continue
		case !strings.HasPrefix(arg, "-") && isSource(arg):
			continue
		}
		out = append(out, arg)
	}
	return out
}

func isSource(arg string) bool {
	lower := strings.ToLower(arg)
	for _, ext := range sourceExts {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// normalizeIncludes makes -I and -isystem paths absolute against dir.
func normalizeIncludes(args []string, dir string) []string {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Clean(filepath.Join(dir, p))
	}

	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case (arg == "-I" || arg == "-isystem") && i+1 < len(args):
			out = append(out, arg, abs(args[i+1]))
			i++
		case strings.HasPrefix(arg, "-isystem"):
			out = append(out, "-isystem"+abs(strings.TrimPrefix(arg, "-isystem")))
		case strings.HasPrefix(arg, "-I"):
			out = append(out, "-I"+abs(strings.TrimPrefix(arg, "-I")))
		default:
			out = append(out, arg)
		}
	}
	return out
}

// SplitCommand splits a shell command line with POSIX-style quoting and backslash
// escapes. Expansions are not performed.
func SplitCommand(cmd string) ([]string, error) {
	var (
		args    []string
		cur     strings.Builder
		inArg   bool
		quote   rune
		escaped bool
	)
	for _, r := range cmd {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\' && quote != '\'':
			escaped = true
			inArg = true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote = r
			inArg = true
		case r == ' ' || r == '\t' || r == '\n':
			if inArg {
				args = append(args, cur.String())
				cur.Reset()
				inArg = false
			}
		default:
			cur.WriteRune(r)
			inArg = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated %c quote", quote)
	}
	if escaped {
		return nil, errors.New("trailing backslash")
	}
	if inArg {
		args = append(args, cur.String())
	}
	return args, nil
}
