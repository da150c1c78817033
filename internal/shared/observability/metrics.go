package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics definitions
var (
	ExtractionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "symindex_extraction_seconds",
		Help:    "Time spent in the fact extractor for a single file.",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	RefreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "symindex_refresh_seconds",
		Help:    "Wall time of a complete refresh run.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
	})

	RefreshFilesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "symindex_refresh_files_total",
		Help: "Files handled by refresh, by classification.",
	}, []string{"class"})

	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "symindex_query_seconds",
		Help:    "Latency of index queries.",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 2},
	}, []string{"op"})

	RegexTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "symindex_regex_timeouts_total",
		Help: "Regex evaluations aborted by the match budget.",
	})

	SymbolsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "symindex_symbols_total",
		Help: "Symbols currently held by the symbol store.",
	})

	CallEdgesTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "symindex_call_edges_total",
		Help: "Edges in the call graph.",
	})

	DependencyEdgesTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "symindex_dependency_edges_total",
		Help: "Header to source edges in the dependency graph.",
	})

	CacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "symindex_cache_lookups_total",
		Help: "Cache tier lookups by unit and result (hit, miss, corrupt).",
	}, []string{"unit", "result"})

	HeaderClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "symindex_header_claims_total",
		Help: "Header claim attempts by result.",
	}, []string{"result"})

	IndexState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "symindex_index_state",
		Help: "1 for the current indexing state, 0 otherwise.",
	}, []string{"state"})

	IndexCompleteness = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "symindex_index_completeness_ratio",
		Help: "Fraction of files processed in the current indexing pass.",
	})

	WatcherEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "symindex_watcher_events_total",
		Help: "Total number of file system events received by the watcher.",
	})
)
