package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type ResolvedPaths struct {
	ProjectRoot   string
	CacheDir      string
	DatabaseDir   string
	DBPath        string
	BuildDatabase string
}

// ResolvePaths makes every configured location absolute and scopes cache and database
// directories to the project identity.
func ResolvePaths(cfg *Config, project ActiveProject) (ResolvedPaths, error) {
	if strings.TrimSpace(project.Root) == "" {
		return ResolvedPaths{}, fmt.Errorf("project root must not be empty")
	}

	cacheDir := filepath.Join(ResolveRelative(project.Root, cfg.Paths.CacheDir), project.DirName())
	databaseDir := filepath.Join(ResolveRelative(project.Root, cfg.Paths.DatabaseDir), project.DirName())

	dbPath := strings.TrimSpace(cfg.DB.Path)
	if filepath.IsAbs(dbPath) {
		dbPath = filepath.Clean(dbPath)
	} else {
		dbPath = filepath.Join(databaseDir, dbPath)
	}

	return ResolvedPaths{
		ProjectRoot:   filepath.Clean(project.Root),
		CacheDir:      filepath.Clean(cacheDir),
		DatabaseDir:   filepath.Clean(databaseDir),
		DBPath:        filepath.Clean(dbPath),
		BuildDatabase: ResolveRelative(project.Root, cfg.Project.BuildDatabase),
	}, nil
}

func ResolveRelative(base, value string) string {
	raw := strings.TrimSpace(value)
	if raw == "" {
		return filepath.Clean(base)
	}
	if filepath.IsAbs(raw) {
		return filepath.Clean(raw)
	}
	return filepath.Clean(filepath.Join(base, raw))
}

// DetectProjectRoot walks up from each candidate looking for a project marker and falls
// back to the working directory.
func DetectProjectRoot(candidates []string) (string, error) {
	markers := []string{
		DefaultFileName,
		"compile_commands.json",
		".git",
	}

	for _, candidate := range candidates {
		if strings.TrimSpace(candidate) == "" {
			continue
		}

		abs, err := filepath.Abs(candidate)
		if err != nil {
			continue
		}
		root := abs
		if info, err := os.Stat(abs); err == nil && !info.IsDir() {
			root = filepath.Dir(abs)
		}

		for {
			for _, marker := range markers {
				if _, err := os.Stat(filepath.Join(root, marker)); err == nil {
					return filepath.Clean(root), nil
				}
			}
			parent := filepath.Dir(root)
			if parent == root {
				break
			}
			root = parent
		}
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Clean(cwd), nil
}
