package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"symindex/internal/core/config/helpers"
)

var validPolicies = map[string]bool{
	"allow_partial": true,
	"block":         true,
	"reject":        true,
}

// Validate returns every problem found in cfg, in section order.
func Validate(cfg *Config) []error {
	var errs []error
	for _, check := range []func(*Config) error{
		validateVersion,
		validateProject,
		validateIndex,
		validateQuery,
		validateRefresh,
		validateDatabase,
		validateExtractor,
	} {
		if err := check(cfg); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func validateVersion(cfg *Config) error {
	if cfg.Version < 1 {
		return fmt.Errorf("version must be >= 1, got %d", cfg.Version)
	}
	if cfg.Version > 1 {
		return fmt.Errorf("unsupported config version %d; supported version is 1", cfg.Version)
	}
	return nil
}

func validateProject(cfg *Config) error {
	root := strings.TrimSpace(cfg.Project.Root)
	if root == "" {
		return fmt.Errorf("project.root must not be empty")
	}
	if info, err := os.Stat(root); err == nil && !info.IsDir() {
		return fmt.Errorf("project.root %q is not a directory", root)
	}
	if helpers.HasWildcard(cfg.Project.BuildDatabase) {
		return fmt.Errorf("project.build_database %q must be a path, not a pattern", cfg.Project.BuildDatabase)
	}
	if len(cfg.Project.Extensions) == 0 {
		return fmt.Errorf("project.extensions must not be empty")
	}
	if _, err := helpers.CompileGlobs("project.include", cfg.Project.Include); err != nil {
		return err
	}
	if _, err := helpers.CompileGlobs("project.exclude.dirs", cfg.Project.Exclude.Dirs); err != nil {
		return err
	}
	if _, err := helpers.CompileGlobs("project.exclude.files", cfg.Project.Exclude.Files); err != nil {
		return err
	}
	for i, dir := range cfg.Project.ExtraProjectDirs {
		if !filepath.IsAbs(dir) {
			return fmt.Errorf("project.extra_project_dirs[%d] %q must be absolute", i, dir)
		}
	}
	return nil
}

func validateIndex(cfg *Config) error {
	if cfg.Index.Workers < 1 {
		return fmt.Errorf("index.workers must be >= 1, got %d", cfg.Index.Workers)
	}
	if cfg.Index.MaxSymbols < 0 {
		return fmt.Errorf("index.max_symbols must be >= 0, got %d", cfg.Index.MaxSymbols)
	}
	return nil
}

func validateQuery(cfg *Config) error {
	if !validPolicies[cfg.Query.Policy] {
		return fmt.Errorf("query.policy must be one of: allow_partial, block, reject; got %q", cfg.Query.Policy)
	}
	if cfg.Query.MaxPathDepth > 64 {
		return fmt.Errorf("query.max_path_depth must be <= 64, got %d", cfg.Query.MaxPathDepth)
	}
	return nil
}

func validateRefresh(cfg *Config) error {
	if cfg.Refresh.ExtractRate < 0 {
		return fmt.Errorf("refresh.extract_rate must be >= 0, got %v", cfg.Refresh.ExtractRate)
	}
	return nil
}

func validateDatabase(cfg *Config) error {
	if !cfg.DB.IsEnabled() {
		return nil
	}
	if cfg.DB.Driver != "sqlite" {
		return fmt.Errorf("db.driver must be sqlite, got %q", cfg.DB.Driver)
	}
	if strings.TrimSpace(cfg.DB.Path) == "" {
		return fmt.Errorf("db.path must not be empty")
	}
	return nil
}

func validateExtractor(cfg *Config) error {
	if len(cfg.Extractor.Args) > 0 && strings.TrimSpace(cfg.Extractor.Command) == "" {
		return fmt.Errorf("extractor.args set without extractor.command")
	}
	return nil
}
