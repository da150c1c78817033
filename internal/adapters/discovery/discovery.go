// Package discovery enumerates project source files on disk.
package discovery

import (
	"context"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobwas/glob"

	"symindex/internal/core/config"
	"symindex/internal/core/config/helpers"
	"symindex/internal/shared/util"
)

// Walker lists files under the project root that carry a configured extension and are
// not excluded. Include patterns, when set, further restrict files by their
// root-relative slash path.
type Walker struct {
	root         string
	extraDirs    []string
	exts         map[string]bool
	include      []glob.Glob
	excludeDirs  []glob.Glob
	excludeFiles []glob.Glob
}

func New(root string, project config.Project) (*Walker, error) {
	include, err := helpers.CompileGlobs("project.include", project.Include)
	if err != nil {
		return nil, err
	}
	excludeDirs, err := helpers.CompileGlobs("project.exclude.dirs", project.Exclude.Dirs)
	if err != nil {
		return nil, err
	}
	excludeFiles, err := helpers.CompileGlobs("project.exclude.files", project.Exclude.Files)
	if err != nil {
		return nil, err
	}

	exts := make(map[string]bool, len(project.Extensions))
	for _, e := range project.Extensions {
		exts[strings.ToLower(e)] = true
	}

	extra := make([]string, 0, len(project.ExtraProjectDirs))
	for _, d := range project.ExtraProjectDirs {
		extra = append(extra, filepath.Clean(d))
	}

	return &Walker{
		root:         filepath.Clean(root),
		extraDirs:    extra,
		exts:         exts,
		include:      include,
		excludeDirs:  excludeDirs,
		excludeFiles: excludeFiles,
	}, nil
}

func (w *Walker) Root() string { return w.root }

// ListFiles walks the root and returns absolute, sorted paths.
func (w *Walker) ListFiles(ctx context.Context) ([]string, error) {
	var files []string
	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if d.IsDir() {
			if path != w.root && w.ExcludesDir(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if w.Accepts(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// Accepts applies the extension, exclusion and include filters to a single path. The
// watcher uses it to filter events the same way a walk would.
func (w *Walker) Accepts(path string) bool {
	base := filepath.Base(path)
	if !w.exts[strings.ToLower(filepath.Ext(base))] {
		return false
	}
	for _, g := range w.excludeFiles {
		if g.Match(base) {
			return false
		}
	}

	rel, err := filepath.Rel(w.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return false
	}
	rel = filepath.ToSlash(rel)
	for _, dir := range strings.Split(filepath.ToSlash(filepath.Dir(rel)), "/") {
		if dir == "." || dir == "" {
			continue
		}
		for _, g := range w.excludeDirs {
			if g.Match(dir) {
				return false
			}
		}
	}

	if len(w.include) == 0 {
		return true
	}
	for _, g := range w.include {
		if g.Match(rel) {
			return true
		}
	}
	return false
}

// ExcludesDir reports whether a directory is skipped by its base name.
func (w *Walker) ExcludesDir(path string) bool {
	base := filepath.Base(path)
	for _, g := range w.excludeDirs {
		if g.Match(base) {
			return true
		}
	}
	return false
}

// IsProjectFile reports whether path lives under the root or an extra project directory.
func (w *Walker) IsProjectFile(path string) bool {
	clean := filepath.Clean(path)
	if util.HasPathPrefix(clean, w.root) {
		return true
	}
	for _, d := range w.extraDirs {
		if util.HasPathPrefix(clean, d) {
			return true
		}
	}
	return false
}
