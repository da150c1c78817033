package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Pattern: SYMINDEX_[SECTION]_[KEY] (e.g., SYMINDEX_INDEX_WORKERS).
func ApplyEnvOverrides(cfg *Config) {
	// Project
	setEnvString(&cfg.Project.Root, "SYMINDEX_PROJECT_ROOT")
	setEnvString(&cfg.Project.BuildDatabase, "SYMINDEX_PROJECT_BUILD_DATABASE")

	// Paths
	setEnvString(&cfg.Paths.CacheDir, "SYMINDEX_PATHS_CACHE_DIR")
	setEnvString(&cfg.Paths.DatabaseDir, "SYMINDEX_PATHS_DATABASE_DIR")

	// Index
	setEnvInt(&cfg.Index.Workers, "SYMINDEX_INDEX_WORKERS")

	// Hashing
	setEnvDuration(&cfg.Hashing.Timeout, "SYMINDEX_HASHING_TIMEOUT")

	// Query
	setEnvDuration(&cfg.Query.RegexTimeout, "SYMINDEX_QUERY_REGEX_TIMEOUT")
	setEnvBool(&cfg.Query.RejectUnsafePatterns, "SYMINDEX_QUERY_REJECT_UNSAFE_PATTERNS")
	setEnvString(&cfg.Query.Policy, "SYMINDEX_QUERY_POLICY")

	// Refresh
	setEnvInt(&cfg.Refresh.MaxRetries, "SYMINDEX_REFRESH_MAX_RETRIES")
	setEnvFloat64(&cfg.Refresh.ExtractRate, "SYMINDEX_REFRESH_EXTRACT_RATE")

	// Watch
	setEnvBool(&cfg.Watch.Enabled, "SYMINDEX_WATCH_ENABLED")
	setEnvDuration(&cfg.Watch.Debounce, "SYMINDEX_WATCH_DEBOUNCE")

	// Database
	setEnvBoolPtr(&cfg.DB.Enabled, "SYMINDEX_DB_ENABLED")
	setEnvString(&cfg.DB.Path, "SYMINDEX_DB_PATH")

	// Extractor
	setEnvString(&cfg.Extractor.Command, "SYMINDEX_EXTRACTOR_COMMAND")

	// Observability
	setEnvBool(&cfg.Observability.Enabled, "SYMINDEX_OBSERVABILITY_ENABLED")
	setEnvString(&cfg.Observability.Address, "SYMINDEX_OBSERVABILITY_ADDRESS")
	setEnvString(&cfg.Observability.OTLPEndpoint, "SYMINDEX_OBSERVABILITY_OTLP_ENDPOINT")
	setEnvBool(&cfg.Observability.EnableTracing, "SYMINDEX_OBSERVABILITY_ENABLE_TRACING")
	setEnvBool(&cfg.Observability.EnableMetrics, "SYMINDEX_OBSERVABILITY_ENABLE_METRICS")
}

func setEnvString(target *string, key string) {
	if val, ok := os.LookupEnv(key); ok {
		slog.Debug("applying env override", "key", key, "value", val)
		*target = val
	}
}

func setEnvInt(target *int, key string) {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			slog.Debug("applying env override", "key", key, "value", val)
			*target = i
		}
	}
}

func setEnvBool(target *bool, key string) {
	if val, ok := os.LookupEnv(key); ok {
		b, err := strconv.ParseBool(strings.ToLower(val))
		if err == nil {
			slog.Debug("applying env override", "key", key, "value", val)
			*target = b
		}
	}
}

func setEnvBoolPtr(target **bool, key string) {
	if val, ok := os.LookupEnv(key); ok {
		b, err := strconv.ParseBool(strings.ToLower(val))
		if err == nil {
			slog.Debug("applying env override", "key", key, "value", val)
			*target = &b
		}
	}
}

func setEnvFloat64(target *float64, key string) {
	if val, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			slog.Debug("applying env override", "key", key, "value", val)
			*target = f
		}
	}
}

func setEnvDuration(target *time.Duration, key string) {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			slog.Debug("applying env override", "key", key, "value", val)
			*target = d
		}
	}
}
