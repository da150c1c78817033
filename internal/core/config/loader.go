package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Load decodes a TOML config file, applies defaults and env overrides, then validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, err
	}
	if abs, err := filepath.Abs(path); err == nil {
		cfg.SourcePath = abs
	} else {
		cfg.SourcePath = path
	}

	applyDefaults(&cfg)
	ApplyEnvOverrides(&cfg)
	normalizeProject(&cfg)

	if errs := Validate(&cfg); len(errs) > 0 {
		return nil, errs[0]
	}
	return &cfg, nil
}

// Default returns a config with defaults applied for root, without reading any file.
func Default(root string) *Config {
	cfg := &Config{Project: Project{Root: root}}
	applyDefaults(cfg)
	ApplyEnvOverrides(cfg)
	normalizeProject(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = 1
	}

	if strings.TrimSpace(cfg.Project.Root) == "" {
		cfg.Project.Root = "."
	}
	if strings.TrimSpace(cfg.Project.BuildDatabase) == "" {
		cfg.Project.BuildDatabase = "compile_commands.json"
	}
	if len(cfg.Project.Extensions) == 0 {
		cfg.Project.Extensions = []string{".c", ".cc", ".cpp", ".cxx", ".h", ".hh", ".hpp", ".hxx"}
	}
	if len(cfg.Project.HeaderExts) == 0 {
		cfg.Project.HeaderExts = []string{".h", ".hh", ".hpp", ".hxx"}
	}
	if len(cfg.Project.Exclude.Dirs) == 0 {
		cfg.Project.Exclude.Dirs = []string{".git", "build*", "third_party", "node_modules", ".symindex"}
	}
	if len(cfg.Project.FallbackArgs) == 0 {
		cfg.Project.FallbackArgs = []string{"-std=c++17"}
	}

	if strings.TrimSpace(cfg.Paths.CacheDir) == "" {
		cfg.Paths.CacheDir = ".symindex/cache"
	}
	if strings.TrimSpace(cfg.Paths.DatabaseDir) == "" {
		cfg.Paths.DatabaseDir = ".symindex/db"
	}

	if cfg.Index.Workers <= 0 {
		cfg.Index.Workers = runtime.NumCPU()
	}

	if cfg.Hashing.Timeout <= 0 {
		cfg.Hashing.Timeout = 5 * time.Second
	}
	if cfg.Hashing.MaxFileBytes <= 0 {
		cfg.Hashing.MaxFileBytes = 64 << 20
	}

	if cfg.Query.RegexTimeout <= 0 {
		cfg.Query.RegexTimeout = 2 * time.Second
	}
	if cfg.Query.MaxPatternLength <= 0 {
		cfg.Query.MaxPatternLength = 1000
	}
	if cfg.Query.PatternCacheSize <= 0 {
		cfg.Query.PatternCacheSize = 256
	}
	if cfg.Query.LargeResultThreshold <= 0 {
		cfg.Query.LargeResultThreshold = 20
	}
	if strings.TrimSpace(cfg.Query.Policy) == "" {
		cfg.Query.Policy = "allow_partial"
	}
	if cfg.Query.MaxPathDepth <= 0 {
		cfg.Query.MaxPathDepth = 10
	}

	if cfg.Refresh.MaxRetries <= 0 {
		cfg.Refresh.MaxRetries = 2
	}
	if cfg.Refresh.ExtractBurst <= 0 {
		cfg.Refresh.ExtractBurst = 1
	}
	if cfg.Refresh.MinInterval <= 0 {
		cfg.Refresh.MinInterval = 2 * time.Second
	}

	if cfg.Watch.Debounce <= 0 {
		cfg.Watch.Debounce = 500 * time.Millisecond
	}

	if strings.TrimSpace(cfg.DB.Driver) == "" {
		cfg.DB.Driver = "sqlite"
	}
	if strings.TrimSpace(cfg.DB.Path) == "" {
		cfg.DB.Path = "symindex.db"
	}
	if cfg.DB.BusyTimeout <= 0 {
		cfg.DB.BusyTimeout = 5 * time.Second
	}
	if cfg.DB.Enabled == nil {
		enabled := true
		cfg.DB.Enabled = &enabled
	}

	if cfg.Extractor.Timeout <= 0 {
		cfg.Extractor.Timeout = 2 * time.Minute
	}

	if strings.TrimSpace(cfg.Observability.Address) == "" {
		cfg.Observability.Address = "127.0.0.1:9464"
	}
	if strings.TrimSpace(cfg.Observability.ServiceName) == "" {
		cfg.Observability.ServiceName = "symindex"
	}
}

func normalizeProject(cfg *Config) {
	cfg.Project.Extensions = normalizeExts(cfg.Project.Extensions)
	cfg.Project.HeaderExts = normalizeExts(cfg.Project.HeaderExts)
	cfg.Query.Policy = strings.ToLower(strings.TrimSpace(cfg.Query.Policy))
	cfg.DB.Driver = strings.ToLower(strings.TrimSpace(cfg.DB.Driver))
}

func normalizeExts(exts []string) []string {
	out := make([]string, 0, len(exts))
	seen := make(map[string]bool, len(exts))
	for _, ext := range exts {
		e := strings.ToLower(strings.TrimSpace(ext))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		if seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	return out
}
