package config

import (
	"time"
)

const DefaultFileName = "symindex.toml"

type Config struct {
	Version       int           `toml:"version"`
	Project       Project       `toml:"project"`
	Paths         Paths         `toml:"paths"`
	Index         Index         `toml:"index"`
	Hashing       Hashing       `toml:"hashing"`
	Query         Query         `toml:"query"`
	Refresh       Refresh       `toml:"refresh"`
	Watch         Watch         `toml:"watch"`
	DB            Database      `toml:"db"`
	Extractor     Extractor     `toml:"extractor"`
	Observability Observability `toml:"observability"`

	// Path the config was loaded from. Empty when running on defaults.
	SourcePath string `toml:"-"`
}

type Project struct {
	Name          string   `toml:"name"`
	Root          string   `toml:"root"`
	BuildDatabase string   `toml:"build_database"`
	Include       []string `toml:"include"`
	Exclude       Exclude  `toml:"exclude"`
	Extensions    []string `toml:"extensions"`
	HeaderExts    []string `toml:"header_extensions"`
	FallbackArgs  []string `toml:"fallback_args"`
	// Directories outside the root whose files still count as project files.
	ExtraProjectDirs []string `toml:"extra_project_dirs"`
}

type Exclude struct {
	Dirs  []string `toml:"dirs"`
	Files []string `toml:"files"`
}

type Paths struct {
	CacheDir    string `toml:"cache_dir"`
	DatabaseDir string `toml:"database_dir"`
}

type Index struct {
	Workers    int `toml:"workers"`
	MaxSymbols int `toml:"max_symbols"`
}

type Hashing struct {
	Timeout      time.Duration `toml:"timeout"`
	MaxFileBytes int64         `toml:"max_file_bytes"`
}

type Query struct {
	RegexTimeout         time.Duration `toml:"regex_timeout"`
	RejectUnsafePatterns bool          `toml:"reject_unsafe_patterns"`
	MaxPatternLength     int           `toml:"max_pattern_length"`
	PatternCacheSize     int           `toml:"pattern_cache_size"`
	LargeResultThreshold int           `toml:"large_result_threshold"`
	Policy               string        `toml:"policy"`
	MaxPathDepth         int           `toml:"max_path_depth"`
}

type Refresh struct {
	MaxRetries     int           `toml:"max_retries"`
	ExtractTimeout time.Duration `toml:"extract_timeout"`
	ExtractRate    float64       `toml:"extract_rate"`
	ExtractBurst   int           `toml:"extract_burst"`
	// Minimum spacing between watcher-triggered refreshes.
	MinInterval time.Duration `toml:"min_interval"`
}

type Watch struct {
	Enabled  bool          `toml:"enabled"`
	Debounce time.Duration `toml:"debounce"`
}

type Database struct {
	Enabled     *bool         `toml:"enabled"`
	Driver      string        `toml:"driver"`
	Path        string        `toml:"path"`
	BusyTimeout time.Duration `toml:"busy_timeout"`
}

type Extractor struct {
	Command string        `toml:"command"`
	Args    []string      `toml:"args"`
	Timeout time.Duration `toml:"timeout"`
}

type Observability struct {
	Enabled       bool   `toml:"enabled"`
	Address       string `toml:"address"`
	OTLPEndpoint  string `toml:"otlp_endpoint"`
	ServiceName   string `toml:"service_name"`
	EnableTracing bool   `toml:"enable_tracing"`
	EnableMetrics bool   `toml:"enable_metrics"`
}

// IsEnabled reports whether claim and dependency persistence is on. Defaults to true.
func (d Database) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}
