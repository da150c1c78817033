package ports

import (
	"context"
	"time"

	"symindex/internal/engine/callgraph"
	"symindex/internal/engine/depgraph"
	"symindex/internal/engine/symbols"
)

// Extraction is the result of running the fact extractor over one translation unit.
// Records may belong to headers pulled in by the unit; each record's File names its
// owner.
type Extraction struct {
	Success     bool                 `json:"success"`
	Records     []symbols.Record     `json:"records"`
	CallSites   []callgraph.CallSite `json:"call_sites,omitempty"`
	Includes    []string             `json:"includes,omitempty"`
	Diagnostics []string             `json:"diagnostics,omitempty"`
	Error       string               `json:"error,omitempty"`
}

// FactExtractor produces symbol facts for a file. A returned error means the extractor
// could not run at all; a parse failure is reported through Extraction.Success.
type FactExtractor interface {
	Extract(ctx context.Context, path string, args []string) (Extraction, error)
}

// BuildDatabase supplies per-file compilation arguments. Its contents are only ever
// hashed for invalidation.
type BuildDatabase interface {
	CompileArgs(path string) []string
	Fingerprint() string
	// Degraded reports that the database could not be read and fallback arguments
	// are in use.
	Degraded() bool
}

// FileDiscovery enumerates the files that make up the project.
type FileDiscovery interface {
	ListFiles(ctx context.Context) ([]string, error)
	IsProjectFile(path string) bool
}

// ClaimStore persists completed header claims per project identity.
type ClaimStore interface {
	LoadClaims(ctx context.Context, projectKey string) (map[string]string, error)
	SaveClaims(ctx context.Context, projectKey string, claims map[string]string) error
}

// DependencyStore persists header inclusion edges per project identity.
type DependencyStore interface {
	LoadInclusions(ctx context.Context, projectKey string) ([]depgraph.Inclusion, error)
	SaveInclusions(ctx context.Context, projectKey string, edges []depgraph.Inclusion) error
}

// StateStore combines both persistence ports; the SQLite and JSON backends implement it.
type StateStore interface {
	ClaimStore
	DependencyStore
	Close() error
}

// RefreshRun is one recorded refresh pass.
type RefreshRun struct {
	RunID            string        `json:"run_id"`
	StartedAt        time.Time     `json:"started_at"`
	Duration         time.Duration `json:"duration"`
	FilesReextracted int           `json:"files_reextracted"`
	FilesDeleted     int           `json:"files_deleted"`
	CacheHits        int           `json:"cache_hits"`
	Failed           int           `json:"failed"`
	Skipped          int           `json:"skipped"`
	Symbols          int           `json:"symbols"`
	// Error is set when the pass was cancelled or hit an integrity failure.
	Error string `json:"error,omitempty"`
}

// RunHistory keeps a log of refresh passes per project identity. Only the SQLite
// backend implements it.
type RunHistory interface {
	RecordRun(ctx context.Context, projectKey string, run RefreshRun) error
	RecentRuns(ctx context.Context, projectKey string, limit int) ([]RefreshRun, error)
}
